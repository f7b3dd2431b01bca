package server

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"gorm.io/gorm"

	"sandbank/bank"
)

func (s *Server) handleHostCreate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		HostID       string `json:"hostID"`
		EbicsVersion string `json:"ebicsVersion"`
	}
	if apiErr := decodeJSON(w, r, &req); apiErr != nil {
		s.writeError(w, r, apiErr)
		return
	}
	if req.EbicsVersion != "" && req.EbicsVersion != "H004" {
		s.writeError(w, r, unprocessable("only EBICS version H004 is supported"))
		return
	}
	var host *bank.EbicsHost
	err := s.run(r, func(tx *gorm.DB) error {
		created, err := bank.CreateEbicsHost(tx, req.HostID)
		if err != nil {
			return err
		}
		host = created
		return nil
	})
	if err != nil {
		s.writeError(w, r, apiErrorOf(err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"hostID":       host.HostID,
		"ebicsVersion": host.EbicsVersion,
	})
}

func (s *Server) handleHostList(w http.ResponseWriter, r *http.Request) {
	var ids []string
	err := s.run(r, func(tx *gorm.DB) error {
		hosts, err := bank.ListEbicsHosts(tx)
		if err != nil {
			return err
		}
		ids = make([]string, 0, len(hosts))
		for _, host := range hosts {
			ids = append(ids, host.HostID)
		}
		return nil
	})
	if err != nil {
		s.writeError(w, r, apiErrorOf(err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ebicsHosts": ids})
}

func (s *Server) handleHostRotateKeys(w http.ResponseWriter, r *http.Request) {
	hostID := chi.URLParam(r, "hostID")
	err := s.run(r, func(tx *gorm.DB) error {
		host, err := bank.HostByID(tx, hostID)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return notFound("host %s not found", hostID)
			}
			return err
		}
		return bank.RotateHostKeys(tx, host)
	})
	if err != nil {
		s.writeError(w, r, apiErrorOf(err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{})
}

type subscriberBody struct {
	HostID               string `json:"hostID"`
	PartnerID            string `json:"partnerID"`
	UserID               string `json:"userID"`
	SystemID             string `json:"systemID,omitempty"`
	State                string `json:"state"`
	DemobankAccountLabel string `json:"demobankAccountLabel,omitempty"`
}

func subscriberBodyOf(subscriber *bank.EbicsSubscriber) subscriberBody {
	return subscriberBody{
		HostID:               subscriber.HostID,
		PartnerID:            subscriber.PartnerID,
		UserID:               subscriber.UserID,
		SystemID:             subscriber.SystemID,
		State:                string(subscriber.State),
		DemobankAccountLabel: subscriber.AccountLabel,
	}
}

func (s *Server) handleSubscriberCreate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		HostID               string `json:"hostID"`
		PartnerID            string `json:"partnerID"`
		UserID               string `json:"userID"`
		SystemID             string `json:"systemID"`
		DemobankAccountLabel string `json:"demobankAccountLabel"`
	}
	if apiErr := decodeJSON(w, r, &req); apiErr != nil {
		s.writeError(w, r, apiErr)
		return
	}
	var subscriber *bank.EbicsSubscriber
	err := s.run(r, func(tx *gorm.DB) error {
		created, err := bank.CreateEbicsSubscriber(tx,
			req.HostID, req.PartnerID, req.UserID, req.SystemID, req.DemobankAccountLabel)
		if err != nil {
			return err
		}
		subscriber = created
		return nil
	})
	if err != nil {
		s.writeError(w, r, apiErrorOf(err))
		return
	}
	writeJSON(w, http.StatusOK, subscriberBodyOf(subscriber))
}

func (s *Server) handleSubscriberList(w http.ResponseWriter, r *http.Request) {
	var listing []subscriberBody
	err := s.run(r, func(tx *gorm.DB) error {
		subscribers, err := bank.ListEbicsSubscribers(tx)
		if err != nil {
			return err
		}
		listing = make([]subscriberBody, 0, len(subscribers))
		for i := range subscribers {
			listing = append(listing, subscriberBodyOf(&subscribers[i]))
		}
		return nil
	})
	if err != nil {
		s.writeError(w, r, apiErrorOf(err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ebicsSubscribers": listing})
}

// handleEbicsBankAccountCreate creates an admin-owned account and links an
// existing subscriber to it, the provisioning step that makes EBICS uploads
// debit a concrete IBAN.
func (s *Server) handleEbicsBankAccountCreate(w http.ResponseWriter, r *http.Request) {
	demobank := demobankFrom(r)
	var req struct {
		Subscriber struct {
			HostID    string `json:"hostID"`
			PartnerID string `json:"partnerID"`
			UserID    string `json:"userID"`
			SystemID  string `json:"systemID"`
		} `json:"subscriber"`
		IBAN  string `json:"iban"`
		Label string `json:"label"`
	}
	if apiErr := decodeJSON(w, r, &req); apiErr != nil {
		s.writeError(w, r, apiErr)
		return
	}
	var account *bank.BankAccount
	var subscriber *bank.EbicsSubscriber
	err := s.run(r, func(tx *gorm.DB) error {
		found, err := bank.SubscriberByIdentity(tx,
			req.Subscriber.HostID, req.Subscriber.PartnerID, req.Subscriber.UserID, req.Subscriber.SystemID)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return notFound("subscriber %s/%s not found", req.Subscriber.PartnerID, req.Subscriber.UserID)
			}
			return err
		}
		subscriber = found
		account, err = bank.CreateBankAccount(tx, demobank, req.Label, bank.AdminUsername, req.IBAN, false)
		if err != nil {
			return err
		}
		return bank.LinkSubscriberAccount(tx, subscriber, account.Label)
	})
	if err != nil {
		s.writeError(w, r, apiErrorOf(err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"label":      account.Label,
		"iban":       account.IBAN,
		"subscriber": subscriberBodyOf(subscriber),
	})
}

// handleSimulateIncoming books a credit from an external debtor onto a local
// account, bypassing EBICS entirely.
func (s *Server) handleSimulateIncoming(w http.ResponseWriter, r *http.Request) {
	demobank := demobankFrom(r)
	label := chi.URLParam(r, "accountLabel")
	var req struct {
		DebtorIBAN string `json:"debtorIban"`
		DebtorBIC  string `json:"debtorBic"`
		DebtorName string `json:"debtorName"`
		Amount     string `json:"amount"`
		Subject    string `json:"subject"`
	}
	if apiErr := decodeJSON(w, r, &req); apiErr != nil {
		s.writeError(w, r, apiErr)
		return
	}
	if req.DebtorIBAN == "" {
		s.writeError(w, r, badRequest("debtorIban required"))
		return
	}
	if req.Subject == "" {
		s.writeError(w, r, badRequest("subject required"))
		return
	}
	var result *bank.BookingResult
	err := s.run(r, func(tx *gorm.DB) error {
		account, err := accountOfDemobank(tx, demobank, label)
		if err != nil {
			return err
		}
		currency, value, err := paymentAmount(demobank, req.Amount, "")
		if err != nil {
			return err
		}
		if currency != demobank.Currency {
			return badRequest("currency %s does not match the demobank's %s", currency, demobank.Currency)
		}
		result, err = bank.BookIncoming(tx, demobank, account,
			req.DebtorIBAN, req.DebtorBIC, req.DebtorName, req.Subject, value, s.Now())
		return err
	})
	if err != nil {
		s.writeError(w, r, apiErrorOf(err))
		return
	}
	s.notifyBooked(result)
	writeJSON(w, http.StatusOK, map[string]any{})
}

// handleStatementTick closes the current camt.053 period for every account
// in the ledger, not just the demobank in the URL; statements chain
// globally per account.
func (s *Server) handleStatementTick(w http.ResponseWriter, r *http.Request) {
	var closed int
	err := s.run(r, func(tx *gorm.DB) error {
		n, err := bank.Tick(tx, s.Now())
		if err != nil {
			return err
		}
		closed = n
		return nil
	})
	if err != nil {
		s.writeError(w, r, apiErrorOf(err))
		return
	}
	s.cfg.Metrics.AddClosedStatements(closed)
	writeJSON(w, http.StatusOK, map[string]any{"newStatements": closed})
}
