package rdpmitm

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics wraps the Prometheus counters the proxy exposes. A private
// Registry is used instead of prometheus.DefaultRegisterer so creating more
// than one Metrics in the same binary (e.g. across table tests) never
// panics on duplicate registration.
type Metrics struct {
	registry *prometheus.Registry

	SessionsTotal            prometheus.Counter
	CredentialsCapturedTotal *prometheus.CounterVec
	KeystrokesCapturedTotal  prometheus.Counter
	TamperActionsTotal       *prometheus.CounterVec
	SessionsFailedTotal      *prometheus.CounterVec
}

// NewMetrics builds and registers the counter set.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,
		SessionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rdpmitm_sessions_total",
			Help: "Total RDP sessions accepted.",
		}),
		CredentialsCapturedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rdpmitm_credentials_captured_total",
			Help: "Credential material captured, by kind.",
		}, []string{"kind"}),
		KeystrokesCapturedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rdpmitm_keystrokes_captured_total",
			Help: "Individual keystroke events decoded.",
		}),
		TamperActionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rdpmitm_tamper_actions_total",
			Help: "Tamper-engine actions applied, by action.",
		}, []string{"action"}),
		SessionsFailedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rdpmitm_sessions_failed_total",
			Help: "Sessions that ended in an error, by reason.",
		}, []string{"reason"}),
	}

	reg.MustRegister(
		m.SessionsTotal,
		m.CredentialsCapturedTotal,
		m.KeystrokesCapturedTotal,
		m.TamperActionsTotal,
		m.SessionsFailedTotal,
	)
	return m
}

// Handler returns the HTTP handler the CLI optionally serves on
// -metrics-addr. Not required for the proxy's core function.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
