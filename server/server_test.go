package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"sandbank/bank"
	"sandbank/ebics/engine"
	"sandbank/observability/metrics"
)

var testTime = time.Date(2024, 5, 14, 9, 30, 0, 0, time.UTC)

type testServer struct {
	db       *gorm.DB
	demobank *bank.Demobank
	hub      *bank.Hub
	metrics  *metrics.Sandbox
	server   *Server
	alice    *bank.BankAccount
	bob      *bank.BankAccount
}

// newTestServer wires a full server against an in-memory ledger with
// customers alice and bob, auth enabled and a pinned clock.
func newTestServer(t *testing.T) *testServer {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := bank.AutoMigrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	demobank, err := bank.EnsureDemobank(db, bank.DemobankOptions{
		Name:               "default",
		Currency:           "EUR",
		UsersDebtLimit:     1000,
		BankDebtLimit:      10000,
		AllowRegistrations: true,
	})
	if err != nil {
		t.Fatalf("ensure demobank: %v", err)
	}
	var alice, bob *bank.BankAccount
	if _, alice, err = bank.RegisterCustomer(db, demobank, "alice", "secret-alice", "Alice", testTime); err != nil {
		t.Fatalf("register alice: %v", err)
	}
	if _, bob, err = bank.RegisterCustomer(db, demobank, "bob", "secret-bob", "Bob", testTime); err != nil {
		t.Fatalf("register bob: %v", err)
	}
	hub := bank.NewHub()
	srv := New(Config{
		DB:            db,
		Engine:        engine.New(db).WithHub(hub),
		Hub:           hub,
		Metrics:       metrics.NewSandbox(),
		Logger:        slog.New(slog.NewTextHandler(io.Discard, nil)),
		BaseURL:       "http://bank.example.com",
		AdminPassword: "admin-secret",
	})
	srv.Now = func() time.Time { return testTime }
	return &testServer{
		db:       db,
		demobank: demobank,
		hub:      hub,
		metrics:  srv.cfg.Metrics,
		server:   srv,
		alice:    alice,
		bob:      bob,
	}
}

// request runs one request through the full router. Empty user means no
// credentials.
func (ts *testServer) request(t *testing.T, method, path, user, pass string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal request body: %v", err)
		}
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	if user != "" {
		req.SetBasicAuth(user, pass)
	}
	rec := httptest.NewRecorder()
	ts.server.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, dst any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), dst); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
}

func wantStatus(t *testing.T, rec *httptest.ResponseRecorder, status int) {
	t.Helper()
	if rec.Code != status {
		t.Fatalf("status = %d, want %d (body %s)", rec.Code, status, rec.Body.String())
	}
}

func wantAPIError(t *testing.T, rec *httptest.ResponseRecorder, status int, errType string) {
	t.Helper()
	wantStatus(t, rec, status)
	var envelope struct {
		Error struct {
			Type        string `json:"type"`
			Description string `json:"description"`
		} `json:"error"`
	}
	decodeBody(t, rec, &envelope)
	if envelope.Error.Type != errType {
		t.Fatalf("error type = %q, want %q (description %q)",
			envelope.Error.Type, errType, envelope.Error.Description)
	}
}

func TestAccessConfig(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.request(t, http.MethodGet, "/demobanks/default/access-api/config", "", "", nil)
	wantStatus(t, rec, http.StatusOK)
	var body struct {
		Name               string `json:"name"`
		Currency           string `json:"currency"`
		AllowRegistrations bool   `json:"allow_registrations"`
	}
	decodeBody(t, rec, &body)
	if body.Name != "taler-bank-access" {
		t.Fatalf("name = %q", body.Name)
	}
	if body.Currency != "EUR" {
		t.Fatalf("currency = %q", body.Currency)
	}
	if !body.AllowRegistrations {
		t.Fatalf("allow_registrations = false, want true")
	}
}

func TestUnknownDemobank(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.request(t, http.MethodGet, "/demobanks/nosuch/access-api/config", "", "", nil)
	wantAPIError(t, rec, http.StatusNotFound, "NotFound")
}

func TestAccountInfo(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.request(t, http.MethodGet, "/demobanks/default/access-api/accounts/alice", "alice", "secret-alice", nil)
	wantStatus(t, rec, http.StatusOK)
	var body accountInfoBody
	decodeBody(t, rec, &body)
	if body.Label != "alice" || body.Name != "Alice" {
		t.Fatalf("label/name = %q/%q", body.Label, body.Name)
	}
	if body.IBAN != ts.alice.IBAN || body.BIC != bank.DefaultBIC {
		t.Fatalf("iban/bic = %q/%q", body.IBAN, body.BIC)
	}
	if body.Balance.Amount != "EUR:0.00" || body.Balance.CreditDebitIndicator != "credit" {
		t.Fatalf("balance = %+v", body.Balance)
	}
	if body.DebitThreshold != "1000.00" {
		t.Fatalf("debitThreshold = %q", body.DebitThreshold)
	}
}

func TestAccountAccessControl(t *testing.T) {
	ts := newTestServer(t)
	path := "/demobanks/default/access-api/accounts/bob"

	rec := ts.request(t, http.MethodGet, path, "", "", nil)
	wantAPIError(t, rec, http.StatusUnauthorized, "Unauthorized")

	rec = ts.request(t, http.MethodGet, path, "alice", "wrong", nil)
	wantAPIError(t, rec, http.StatusUnauthorized, "Unauthorized")

	rec = ts.request(t, http.MethodGet, path, "alice", "secret-alice", nil)
	wantAPIError(t, rec, http.StatusForbidden, "Forbidden")

	rec = ts.request(t, http.MethodGet, path, "admin", "admin-secret", nil)
	wantStatus(t, rec, http.StatusOK)

	rec = ts.request(t, http.MethodGet, "/demobanks/default/access-api/accounts/ghost", "admin", "admin-secret", nil)
	wantAPIError(t, rec, http.StatusNotFound, "NotFound")
}

func TestRegister(t *testing.T) {
	ts := newTestServer(t)
	body := map[string]any{"username": "carla", "password": "pw-carla", "name": "Carla"}
	rec := ts.request(t, http.MethodPost, "/demobanks/default/access-api/testing/register", "", "", body)
	wantStatus(t, rec, http.StatusOK)
	var info accountInfoBody
	decodeBody(t, rec, &info)
	if info.Label != "carla" || info.IBAN == "" {
		t.Fatalf("registered account = %+v", info)
	}

	// The fresh login works against the access API.
	rec = ts.request(t, http.MethodGet, "/demobanks/default/access-api/accounts/carla", "carla", "pw-carla", nil)
	wantStatus(t, rec, http.StatusOK)

	rec = ts.request(t, http.MethodPost, "/demobanks/default/access-api/testing/register", "", "", body)
	wantAPIError(t, rec, http.StatusConflict, "Conflict")

	rec = ts.request(t, http.MethodPost, "/demobanks/default/access-api/testing/register", "", "",
		map[string]any{"username": "admin", "password": "x"})
	wantAPIError(t, rec, http.StatusBadRequest, "BadRequest")
}

func TestRegisterDisallowed(t *testing.T) {
	ts := newTestServer(t)
	if _, err := bank.EnsureDemobank(ts.db, bank.DemobankOptions{
		Name:           "closed",
		Currency:       "EUR",
		UsersDebtLimit: 100,
		BankDebtLimit:  1000,
	}); err != nil {
		t.Fatalf("ensure closed demobank: %v", err)
	}
	rec := ts.request(t, http.MethodPost, "/demobanks/closed/access-api/testing/register", "", "",
		map[string]any{"username": "dave", "password": "pw"})
	wantAPIError(t, rec, http.StatusForbidden, "Forbidden")
}

func TestPublicAccounts(t *testing.T) {
	ts := newTestServer(t)
	if _, err := bank.CreateBankAccount(ts.db, ts.demobank, "townhall", bank.AdminUsername, "", true); err != nil {
		t.Fatalf("create public account: %v", err)
	}
	rec := ts.request(t, http.MethodGet, "/demobanks/default/access-api/public-accounts", "", "", nil)
	wantStatus(t, rec, http.StatusOK)
	var body struct {
		PublicAccounts []struct {
			AccountLabel string `json:"accountLabel"`
		} `json:"publicAccounts"`
	}
	decodeBody(t, rec, &body)
	if len(body.PublicAccounts) != 1 || body.PublicAccounts[0].AccountLabel != "townhall" {
		t.Fatalf("public accounts = %+v", body.PublicAccounts)
	}
}

func TestAuthDisabledPassesEverything(t *testing.T) {
	ts := newTestServer(t)
	ts.server.cfg.AuthDisabled = true
	rec := ts.request(t, http.MethodGet, "/demobanks/default/access-api/accounts/alice", "", "", nil)
	wantStatus(t, rec, http.StatusOK)
	rec = ts.request(t, http.MethodGet, "/demobanks/default/admin/ebics/hosts", "", "", nil)
	wantStatus(t, rec, http.StatusOK)
}
