// Package server exposes the sandbox over HTTP: the EBICS endpoint, the
// account access API, the wallet integration API, the wire gateway and the
// admin surface, all working against one shared ledger.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"gorm.io/gorm"

	"sandbank/bank"
	"sandbank/ebics"
	"sandbank/ebics/engine"
	"sandbank/observability/metrics"
)

const (
	// maxRequestBody bounds JSON bodies on the access surfaces.
	maxRequestBody = 1 << 20
	// maxEbicsBody gives the zipped, encrypted, base64-wrapped EBICS
	// payloads more headroom.
	maxEbicsBody = 4 << 20
)

// Config captures the dependencies required to construct the server.
type Config struct {
	DB     *gorm.DB
	Engine *engine.Engine
	// Hub wakes long-pollers and stream readers; hand the same hub to the
	// engine so EBICS bookings wake them too.
	Hub *bank.Hub
	// Bridge forwards postgres channel notifications into the hub. Nil on
	// sqlite deployments.
	Bridge *bank.PgBridge
	// Journal receives one entry per EBICS exchange when configured.
	Journal *ebics.Journal
	Metrics *metrics.Sandbox
	Logger  *slog.Logger

	// BaseURL is the externally reachable root of this server, used to
	// mint taler withdraw URIs.
	BaseURL string
	// AdminPassword guards the admin API. When empty and auth is enabled,
	// the admin API refuses every request.
	AdminPassword string
	// AuthDisabled turns every credential check into a pass, as demo
	// deployments configure.
	AuthDisabled bool
	// AccessRateLimit bounds per-client request rates on the public APIs.
	// The zero value disables limiting.
	AccessRateLimit RateLimit
}

// Server carries the HTTP surface of the sandbox.
type Server struct {
	cfg     Config
	log     *slog.Logger
	limiter *rateLimiter
	router  http.Handler

	// Now returns the current time; tests pin it.
	Now func() time.Time
}

// New constructs a configured server. The database handle and engine are
// mandatory; everything else degrades gracefully when absent.
func New(cfg Config) *Server {
	if cfg.Hub == nil {
		cfg.Hub = bank.NewHub()
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	s := &Server{
		cfg:     cfg,
		log:     log,
		limiter: newRateLimiter(cfg.AccessRateLimit),
		Now:     time.Now,
	}
	s.router = s.buildRouter()
	return s
}

// Handler exposes the configured HTTP router.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(s.logRequest)

	limit := s.limiter.middleware
	meter := s.cfg.Metrics.Middleware

	r.Method(http.MethodGet, "/metrics", s.cfg.Metrics.Handler())
	r.With(meter("ebicsweb")).Post("/ebicsweb", s.handleEbicsweb)

	r.Route("/demobanks/{demobankID}", func(api chi.Router) {
		api.Use(s.withDemobank)
		api.With(meter("ebicsweb")).Post("/ebicsweb", s.handleEbicsweb)

		api.Route("/access-api", func(access chi.Router) {
			access.Use(limit)
			access.With(meter("config")).Get("/config", s.handleAccessConfig)
			access.With(meter("public-accounts")).Get("/public-accounts", s.handlePublicAccounts)
			access.With(meter("register")).Post("/testing/register", s.handleRegister)
			access.Route("/accounts/{accountLabel}", func(acct chi.Router) {
				acct.With(meter("account")).Get("/", s.handleAccountInfo)
				acct.With(meter("transactions")).Get("/transactions", s.handleTransactionsPage)
				acct.With(meter("transactions")).Post("/transactions", s.handleTransactionCreate)
				// The stream hijacks the connection and must stay
				// outside the metering recorder.
				acct.Get("/transactions/stream", s.handleTransactionsStream)
				acct.With(meter("withdrawals")).Post("/withdrawals", s.handleWithdrawalCreate)
				acct.With(meter("withdrawals")).Get("/withdrawals/{wopid}", s.handleWithdrawalStatus)
				acct.With(meter("withdrawals")).Post("/withdrawals/{wopid}/confirm", s.handleWithdrawalConfirm)
				acct.With(meter("withdrawals")).Post("/withdrawals/{wopid}/abort", s.handleWithdrawalAbort)
			})
		})

		api.Route("/integration-api", func(integration chi.Router) {
			integration.Use(limit)
			integration.With(meter("config")).Get("/config", s.handleIntegrationConfig)
			integration.With(meter("withdrawal-operation")).
				Get("/withdrawal-operation/{wopid}", s.handleIntegrationStatus)
			integration.With(meter("withdrawal-operation")).
				Post("/withdrawal-operation/{wopid}", s.handleIntegrationSelect)
		})

		api.With(limit, meter("add-incoming")).
			Post("/taler-wire-gateway/{accountLabel}/admin/add-incoming", s.handleAddIncoming)

		api.Route("/admin", func(admin chi.Router) {
			admin.Use(s.requireAdmin)
			admin.Use(meter("admin"))
			admin.Post("/ebics/hosts", s.handleHostCreate)
			admin.Get("/ebics/hosts", s.handleHostList)
			admin.Post("/ebics/hosts/{hostID}/rotate-keys", s.handleHostRotateKeys)
			admin.Post("/ebics/subscribers", s.handleSubscriberCreate)
			admin.Get("/ebics/subscribers", s.handleSubscriberList)
			admin.Post("/ebics/bank-accounts", s.handleEbicsBankAccountCreate)
			admin.Post("/bank-accounts/{accountLabel}/simulate-incoming-transaction", s.handleSimulateIncoming)
			admin.Post("/camt053tick", s.handleStatementTick)
		})
	})

	return r
}

func (s *Server) logRequest(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(recorder, r)
		s.log.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", recorder.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}

// run executes fn inside one serializable store transaction, the unit of
// atomicity for every handler.
func (s *Server) run(r *http.Request, fn func(tx *gorm.DB) error) error {
	return bank.RunSerializable(s.cfg.DB.WithContext(r.Context()), fn)
}

// notifyBooked wakes hub waiters and meters ledger rows once the booking
// transaction has committed.
func (s *Server) notifyBooked(result *bank.BookingResult) {
	if result == nil || result.Replayed {
		return
	}
	for _, label := range result.Labels {
		s.cfg.Hub.Notify(label)
	}
	s.cfg.Metrics.AddBookedTransactions(len(result.Labels))
}

type contextKey string

const demobankContextKey contextKey = "sandbank-demobank"

// withDemobank resolves the {demobankID} path segment into the demobank all
// nested handlers work against.
func (s *Server) withDemobank(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		name := chi.URLParam(r, "demobankID")
		var demobank *bank.Demobank
		err := s.run(r, func(tx *gorm.DB) error {
			found, err := bank.DemobankByName(tx, name)
			if err != nil {
				return err
			}
			demobank = found
			return nil
		})
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				s.writeError(w, r, notFound("demobank %s not found", name))
				return
			}
			s.writeError(w, r, internal("demobank lookup failed"))
			return
		}
		ctx := context.WithValue(r.Context(), demobankContextKey, demobank)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func demobankFrom(r *http.Request) *bank.Demobank {
	demobank, _ := r.Context().Value(demobankContextKey).(*bank.Demobank)
	return demobank
}

func readBody(w http.ResponseWriter, r *http.Request, limit int64) ([]byte, error) {
	reader := http.MaxBytesReader(w, r.Body, limit)
	defer func() {
		_ = r.Body.Close()
	}()
	return io.ReadAll(reader)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) *APIError {
	body, err := readBody(w, r, maxRequestBody)
	if err != nil {
		return badRequest("cannot read request body: %v", err)
	}
	if len(body) == 0 {
		return badRequest("request body required")
	}
	if err := json.Unmarshal(body, dst); err != nil {
		return badRequest("invalid JSON body: %v", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	body, err := json.Marshal(payload)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}
