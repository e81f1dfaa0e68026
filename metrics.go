package shield

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the Prometheus collectors shared by shield components.
type Metrics struct {
	AuthnAttempts  *prometheus.CounterVec
	CacheLookups   *prometheus.CounterVec
	AuditFailures  *prometheus.CounterVec
	AuthzDecisions *prometheus.CounterVec
	CacheClears    *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them with reg when reg is
// not nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		AuthnAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "shield",
			Name:      "authentication_attempts_total",
			Help:      "Authentication attempts by realm and outcome.",
		}, []string{"realm", "outcome"}),
		CacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "shield",
			Name:      "realm_cache_lookups_total",
			Help:      "Realm identity cache lookups by realm and result.",
		}, []string{"realm", "result"}),
		AuditFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "shield",
			Name:      "audit_output_failures_total",
			Help:      "Audit events an output failed to write.",
		}, []string{"output"}),
		AuthzDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "shield",
			Name:      "authorization_decisions_total",
			Help:      "Authorization decisions by outcome.",
		}, []string{"outcome"}),
		CacheClears: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "shield",
			Name:      "realm_cache_clears_total",
			Help:      "Realm cache clear requests handled on this node by outcome.",
		}, []string{"outcome"}),
	}
	if reg != nil {
		reg.MustRegister(m.AuthnAttempts, m.CacheLookups, m.AuditFailures, m.AuthzDecisions, m.CacheClears)
	}
	return m
}

func (m *Metrics) authn(realm, outcome string) {
	if m != nil {
		m.AuthnAttempts.WithLabelValues(realm, outcome).Inc()
	}
}

func (m *Metrics) cacheLookup(realm string, hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.CacheLookups.WithLabelValues(realm, result).Inc()
}

func (m *Metrics) auditFailure(output string) {
	if m != nil {
		m.AuditFailures.WithLabelValues(output).Inc()
	}
}

func (m *Metrics) decision(granted bool) {
	if m == nil {
		return
	}
	outcome := "denied"
	if granted {
		outcome = "granted"
	}
	m.AuthzDecisions.WithLabelValues(outcome).Inc()
}

func (m *Metrics) cacheClear(ok bool) {
	if m == nil {
		return
	}
	outcome := "failed"
	if ok {
		outcome = "ok"
	}
	m.CacheClears.WithLabelValues(outcome).Inc()
}
