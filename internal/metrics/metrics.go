package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	registry       *prometheus.Registry
	logins         *prometheus.CounterVec
	refreshes      *prometheus.CounterVec
	rateLimited    *prometheus.CounterVec
	csrfRejected   *prometheus.CounterVec
	purgedSessions prometheus.Counter
}

// New registers the service collectors on a private registry so tests can
// build as many instances as they like.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		logins: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "identity_login_total",
			Help: "Login attempts by outcome.",
		}, []string{"outcome"}),
		refreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "identity_refresh_total",
			Help: "Refresh attempts by outcome.",
		}, []string{"outcome"}),
		rateLimited: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "identity_rate_limited_total",
			Help: "Requests rejected by the rate limiter.",
		}, []string{"scope"}),
		csrfRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "identity_csrf_rejected_total",
			Help: "Requests rejected by the CSRF guard.",
		}, []string{"reason"}),
		purgedSessions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "identity_refresh_tokens_purged_total",
			Help: "Expired refresh tokens removed by the purge job.",
		}),
	}
	m.registry.MustRegister(
		m.logins,
		m.refreshes,
		m.rateLimited,
		m.csrfRejected,
		m.purgedSessions,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) Login(outcome string) {
	m.logins.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Refresh(outcome string) {
	m.refreshes.WithLabelValues(outcome).Inc()
}

func (m *Metrics) RateLimited(scope string) {
	m.rateLimited.WithLabelValues(scope).Inc()
}

func (m *Metrics) CSRFRejected(reason string) {
	m.csrfRejected.WithLabelValues(reason).Inc()
}

func (m *Metrics) RefreshTokensPurged(n int64) {
	if n > 0 {
		m.purgedSessions.Add(float64(n))
	}
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
