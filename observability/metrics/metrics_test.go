package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	dto "github.com/prometheus/client_model/go"
)

func familyOf(t *testing.T, m *Sandbox, name string) *dto.MetricFamily {
	t.Helper()
	families, err := m.registry.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	for _, family := range families {
		if family.GetName() == name {
			return family
		}
	}
	return nil
}

func TestCollectorsRecord(t *testing.T) {
	m := NewSandbox()
	m.ObserveEbicsRequest("CCT", "TRANSFER", "000000")
	m.ObserveEbicsRequest("", "", "")
	m.AddBookedTransactions(2)
	m.AddClosedStatements(1)
	m.RecordWithdrawal("confirmed")

	family := familyOf(t, m, "ebics_requests_total")
	if family == nil {
		t.Fatalf("ebics_requests_total not gathered")
	}
	if got := len(family.GetMetric()); got != 2 {
		t.Fatalf("expected 2 ebics request series, got %d", got)
	}

	family = familyOf(t, m, "bank_transactions_booked_total")
	if family == nil {
		t.Fatalf("bank_transactions_booked_total not gathered")
	}
	if got := family.GetMetric()[0].GetCounter().GetValue(); got != 2 {
		t.Fatalf("expected 2 booked rows, got %v", got)
	}

	family = familyOf(t, m, "taler_withdrawals_total")
	if family == nil {
		t.Fatalf("taler_withdrawals_total not gathered")
	}
	if got := family.GetMetric()[0].GetLabel()[0].GetValue(); got != "confirmed" {
		t.Fatalf("expected state label confirmed, got %q", got)
	}
}

func TestNilReceiverIsInert(t *testing.T) {
	var m *Sandbox
	m.ObserveEbicsRequest("CCT", "INIT", "000000")
	m.AddBookedTransactions(1)
	m.AddClosedStatements(1)
	m.RecordWithdrawal("aborted")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("nil handler status = %d, want 404", rec.Code)
	}

	handled := false
	mw := m.Middleware("test")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handled = true
	}))
	mw.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	if !handled {
		t.Fatalf("nil middleware did not pass the request through")
	}
}

func TestMiddlewareRecordsStatus(t *testing.T) {
	m := NewSandbox()
	mw := m.Middleware("accounts")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
	}))
	mw.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/x", nil))

	family := familyOf(t, m, "http_request_duration_seconds")
	if family == nil {
		t.Fatalf("http_request_duration_seconds not gathered")
	}
	labels := map[string]string{}
	for _, pair := range family.GetMetric()[0].GetLabel() {
		labels[pair.GetName()] = pair.GetValue()
	}
	if labels["route"] != "accounts" || labels["method"] != http.MethodPost || labels["status"] != "409" {
		t.Fatalf("unexpected labels %v", labels)
	}
}
