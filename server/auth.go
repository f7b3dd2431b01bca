package server

import (
	"crypto/subtle"
	"errors"
	"net/http"

	"gorm.io/gorm"

	"sandbank/bank"
	"sandbank/crypto"
)

// caller is the authenticated identity behind a request.
type caller struct {
	username string
	isAdmin  bool
}

// callerOf resolves the basic-auth identity of the request. The bcrypt
// check runs here, outside any ledger transaction, because it is
// deliberately slow.
func (s *Server) callerOf(r *http.Request) (*caller, *APIError) {
	username, password, ok := r.BasicAuth()
	if s.cfg.AuthDisabled {
		if username == "" {
			username = bank.AdminUsername
		}
		return &caller{username: username, isAdmin: true}, nil
	}
	if !ok {
		return nil, unauthorized("credentials required")
	}
	if username == bank.AdminUsername {
		if !s.adminPasswordMatches(password) {
			return nil, unauthorized("bad credentials")
		}
		return &caller{username: username, isAdmin: true}, nil
	}
	customer, err := bank.CustomerByUsername(s.cfg.DB.WithContext(r.Context()), username)
	if err != nil {
		return nil, unauthorized("bad credentials")
	}
	if !crypto.CheckPassword(customer.PasswordHash, password) {
		return nil, unauthorized("bad credentials")
	}
	return &caller{username: username}, nil
}

func (s *Server) adminPasswordMatches(password string) bool {
	if s.cfg.AdminPassword == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(password), []byte(s.cfg.AdminPassword)) == 1
}

// requireAdmin guards the admin API.
func (s *Server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		caller, apiErr := s.callerOf(r)
		if apiErr != nil {
			s.writeError(w, r, apiErr)
			return
		}
		if !caller.isAdmin {
			s.writeError(w, r, forbidden("admin access required"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// accountForCaller loads an account of the demobank and checks the caller
// may act on it. Accounts of other demobanks read as absent rather than
// forbidden.
func accountForCaller(tx *gorm.DB, demobank *bank.Demobank, label string, who *caller) (*bank.BankAccount, error) {
	account, err := bank.AccountByLabel(tx, label)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, notFound("account %s not found", label)
		}
		return nil, err
	}
	if account.DemobankID != demobank.ID {
		return nil, notFound("account %s not found", label)
	}
	if who.isAdmin || account.Owner == who.username {
		return account, nil
	}
	return nil, forbidden("account %s is not owned by %s", label, who.username)
}

// accountOfDemobank loads an account without an ownership check, for the
// endpoints that rely on capability-style secrets instead of credentials.
func accountOfDemobank(tx *gorm.DB, demobank *bank.Demobank, label string) (*bank.BankAccount, error) {
	account, err := bank.AccountByLabel(tx, label)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, notFound("account %s not found", label)
		}
		return nil, err
	}
	if account.DemobankID != demobank.ID {
		return nil, notFound("account %s not found", label)
	}
	return account, nil
}
