package rdpmitm

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNewMetricsIndependentRegistries(t *testing.T) {
	// A shared DefaultRegisterer would panic on the second NewMetrics call
	// with "duplicate metrics collector registration attempted". Each
	// Metrics gets its own private registry instead.
	a := NewMetrics()
	b := NewMetrics()

	a.SessionsTotal.Inc()
	if got := testutil.ToFloat64(a.SessionsTotal); got != 1 {
		t.Errorf("a.SessionsTotal = %v, want 1", got)
	}
	if got := testutil.ToFloat64(b.SessionsTotal); got != 0 {
		t.Errorf("b.SessionsTotal = %v, want 0 (independent registries)", got)
	}
}

func TestMetricsCounters(t *testing.T) {
	m := NewMetrics()

	m.CredentialsCapturedTotal.WithLabelValues("ntlmv2").Inc()
	m.CredentialsCapturedTotal.WithLabelValues("ntlmv2").Inc()
	m.CredentialsCapturedTotal.WithLabelValues("clientinfo").Inc()
	m.KeystrokesCapturedTotal.Add(5)
	m.TamperActionsTotal.WithLabelValues("recert").Inc()
	m.SessionsFailedTotal.WithLabelValues("nla_enforced").Inc()

	if got := testutil.ToFloat64(m.CredentialsCapturedTotal.WithLabelValues("ntlmv2")); got != 2 {
		t.Errorf("CredentialsCapturedTotal{ntlmv2} = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.CredentialsCapturedTotal.WithLabelValues("clientinfo")); got != 1 {
		t.Errorf("CredentialsCapturedTotal{clientinfo} = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.KeystrokesCapturedTotal); got != 5 {
		t.Errorf("KeystrokesCapturedTotal = %v, want 5", got)
	}
	if got := testutil.ToFloat64(m.TamperActionsTotal.WithLabelValues("recert")); got != 1 {
		t.Errorf("TamperActionsTotal{recert} = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.SessionsFailedTotal.WithLabelValues("nla_enforced")); got != 1 {
		t.Errorf("SessionsFailedTotal{nla_enforced} = %v, want 1", got)
	}
}

func TestMetricsHandlerServesTextFormat(t *testing.T) {
	m := NewMetrics()
	m.SessionsTotal.Inc()

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "rdpmitm_sessions_total") {
		t.Errorf("expected the response body to mention rdpmitm_sessions_total, got:\n%s", rec.Body.String())
	}
}
