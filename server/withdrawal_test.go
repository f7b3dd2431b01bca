package server

import (
	"net/http"
	"testing"

	"sandbank/bank"
)

const exchangeIBAN = "DE11520513735120710131"

func createExchangeAccount(t *testing.T, ts *testServer) {
	t.Helper()
	if _, err := bank.CreateBankAccount(ts.db, ts.demobank, "exchange", bank.AdminUsername, exchangeIBAN, false); err != nil {
		t.Fatalf("create exchange account: %v", err)
	}
}

func createWithdrawal(t *testing.T, ts *testServer, amount string) (string, string) {
	t.Helper()
	rec := ts.request(t, http.MethodPost, accountsBase+"/alice/withdrawals", "alice", "secret-alice",
		map[string]any{"amount": amount})
	wantStatus(t, rec, http.StatusOK)
	var body struct {
		WithdrawalID     string `json:"withdrawal_id"`
		TalerWithdrawURI string `json:"taler_withdraw_uri"`
	}
	decodeBody(t, rec, &body)
	if body.WithdrawalID == "" {
		t.Fatalf("no withdrawal id in %s", rec.Body.String())
	}
	return body.WithdrawalID, body.TalerWithdrawURI
}

func TestWithdrawalEndToEnd(t *testing.T) {
	ts := newTestServer(t)
	createExchangeAccount(t, ts)

	wopid, uri := createWithdrawal(t, ts, "EUR:7.00")
	wantURI := "taler+http://withdraw/bank.example.com/demobanks/default/integration-api/" + wopid
	if uri != wantURI {
		t.Fatalf("taler_withdraw_uri = %q, want %q", uri, wantURI)
	}

	integrationPath := "/demobanks/default/integration-api/withdrawal-operation/" + wopid
	rec := ts.request(t, http.MethodGet, integrationPath, "", "", nil)
	wantStatus(t, rec, http.StatusOK)
	var status struct {
		SelectionDone bool   `json:"selection_done"`
		TransferDone  bool   `json:"transfer_done"`
		Aborted       bool   `json:"aborted"`
		Amount        string `json:"amount"`
		SenderWire    string `json:"sender_wire"`
	}
	decodeBody(t, rec, &status)
	if status.SelectionDone || status.TransferDone || status.Aborted {
		t.Fatalf("fresh operation state = %+v", status)
	}
	if status.Amount != "EUR:7.00" {
		t.Fatalf("amount = %q", status.Amount)
	}
	if status.SenderWire != bank.BuildPayto(ts.alice.IBAN, "Alice") {
		t.Fatalf("sender_wire = %q", status.SenderWire)
	}

	rec = ts.request(t, http.MethodPost, integrationPath, "", "", map[string]any{
		"reserve_pub":       "RP1",
		"selected_exchange": "payto://iban/" + exchangeIBAN + "?receiver-name=Exchange",
	})
	wantStatus(t, rec, http.StatusOK)

	confirmPath := accountsBase + "/alice/withdrawals/" + wopid + "/confirm"
	rec = ts.request(t, http.MethodPost, confirmPath, "", "", nil)
	wantStatus(t, rec, http.StatusOK)

	debits := listTransactions(t, ts, "alice", "secret-alice", "")
	if len(debits) != 1 || debits[0].Direction != "DBIT" || debits[0].Amount != "7.00" || debits[0].Subject != "RP1" {
		t.Fatalf("alice rows after confirm = %+v", debits)
	}
	rec = ts.request(t, http.MethodGet, accountsBase+"/exchange/transactions", "admin", "admin-secret", nil)
	wantStatus(t, rec, http.StatusOK)
	var credited struct {
		Transactions []transactionBody `json:"transactions"`
	}
	decodeBody(t, rec, &credited)
	if len(credited.Transactions) != 1 {
		t.Fatalf("exchange rows after confirm = %+v", credited.Transactions)
	}
	if row := credited.Transactions[0]; row.Direction != "CRDT" || row.Amount != "7.00" || row.Subject != "RP1" {
		t.Fatalf("exchange credit = %+v", row)
	}

	// Confirming again replays without booking a second time.
	rec = ts.request(t, http.MethodPost, confirmPath, "", "", nil)
	wantStatus(t, rec, http.StatusOK)
	if rows := listTransactions(t, ts, "alice", "secret-alice", ""); len(rows) != 1 {
		t.Fatalf("replayed confirm booked again: %d rows", len(rows))
	}

	rec = ts.request(t, http.MethodPost, accountsBase+"/alice/withdrawals/"+wopid+"/abort", "", "", nil)
	wantAPIError(t, rec, http.StatusConflict, "Conflict")

	rec = ts.request(t, http.MethodGet, integrationPath, "", "", nil)
	wantStatus(t, rec, http.StatusOK)
	decodeBody(t, rec, &status)
	if !status.SelectionDone || !status.TransferDone || status.Aborted {
		t.Fatalf("confirmed operation state = %+v", status)
	}
}

func TestWithdrawalConfirmBeforeSelection(t *testing.T) {
	ts := newTestServer(t)
	wopid, _ := createWithdrawal(t, ts, "EUR:5.00")
	rec := ts.request(t, http.MethodPost, accountsBase+"/alice/withdrawals/"+wopid+"/confirm", "", "", nil)
	wantAPIError(t, rec, http.StatusConflict, "Conflict")
}

func TestWithdrawalSelectConflict(t *testing.T) {
	ts := newTestServer(t)
	createExchangeAccount(t, ts)
	wopid, _ := createWithdrawal(t, ts, "EUR:5.00")
	path := "/demobanks/default/integration-api/withdrawal-operation/" + wopid
	rec := ts.request(t, http.MethodPost, path, "", "", map[string]any{"reserve_pub": "RP1"})
	wantStatus(t, rec, http.StatusOK)
	rec = ts.request(t, http.MethodPost, path, "", "", map[string]any{"reserve_pub": "RP2"})
	wantAPIError(t, rec, http.StatusConflict, "Conflict")
}

func TestWithdrawalConfirmUnknownExchange(t *testing.T) {
	ts := newTestServer(t)
	wopid, _ := createWithdrawal(t, ts, "EUR:5.00")
	path := "/demobanks/default/integration-api/withdrawal-operation/" + wopid
	rec := ts.request(t, http.MethodPost, path, "", "", map[string]any{
		"reserve_pub":       "RP1",
		"selected_exchange": "payto://iban/" + exchangeIBAN,
	})
	wantStatus(t, rec, http.StatusOK)
	rec = ts.request(t, http.MethodPost, accountsBase+"/alice/withdrawals/"+wopid+"/confirm", "", "", nil)
	wantAPIError(t, rec, http.StatusUnprocessableEntity, "UnprocessableEntity")
}

func TestWithdrawalAbortThenConfirm(t *testing.T) {
	ts := newTestServer(t)
	wopid, _ := createWithdrawal(t, ts, "EUR:5.00")
	abortPath := accountsBase + "/alice/withdrawals/" + wopid + "/abort"
	rec := ts.request(t, http.MethodPost, abortPath, "", "", nil)
	wantStatus(t, rec, http.StatusOK)
	// Aborting twice is a no-op.
	rec = ts.request(t, http.MethodPost, abortPath, "", "", nil)
	wantStatus(t, rec, http.StatusOK)
	rec = ts.request(t, http.MethodPost, accountsBase+"/alice/withdrawals/"+wopid+"/confirm", "", "", nil)
	wantAPIError(t, rec, http.StatusConflict, "Conflict")

	rec = ts.request(t, http.MethodGet, accountsBase+"/alice/withdrawals/"+wopid, "alice", "secret-alice", nil)
	wantStatus(t, rec, http.StatusOK)
	var status struct {
		Aborted          bool `json:"aborted"`
		ConfirmationDone bool `json:"confirmation_done"`
	}
	decodeBody(t, rec, &status)
	if !status.Aborted || status.ConfirmationDone {
		t.Fatalf("aborted operation state = %+v", status)
	}
}

func TestWithdrawalReservesAvailableBalance(t *testing.T) {
	ts := newTestServer(t)
	createWithdrawal(t, ts, "EUR:990.00")
	// The second reservation would exceed the debt limit even though nothing
	// is booked yet.
	rec := ts.request(t, http.MethodPost, accountsBase+"/alice/withdrawals", "alice", "secret-alice",
		map[string]any{"amount": "EUR:20.00"})
	wantAPIError(t, rec, http.StatusForbidden, "Forbidden")
}

func TestIntegrationConfig(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.request(t, http.MethodGet, "/demobanks/default/integration-api/config", "", "", nil)
	wantStatus(t, rec, http.StatusOK)
	var body struct {
		Name     string `json:"name"`
		Currency string `json:"currency"`
	}
	decodeBody(t, rec, &body)
	if body.Name != "taler-bank-integration" || body.Currency != "EUR" {
		t.Fatalf("integration config = %+v", body)
	}
}

func TestIntegrationUnknownWopid(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.request(t, http.MethodGet,
		"/demobanks/default/integration-api/withdrawal-operation/not-a-uuid", "", "", nil)
	wantAPIError(t, rec, http.StatusNotFound, "NotFound")
	rec = ts.request(t, http.MethodGet,
		"/demobanks/default/integration-api/withdrawal-operation/2f9f0a8a-3c1e-4b5e-9d3e-111111111111", "", "", nil)
	wantAPIError(t, rec, http.StatusNotFound, "NotFound")
}
