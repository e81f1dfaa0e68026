package shield

import (
	"time"

	"github.com/oarkflow/shield/logger"
)

// Options is the shared configuration surface of shield components. Each
// constructor reads only the fields it needs.
type Options struct {
	Logger       logger.Logger
	Audit        AuditTrail
	Metrics      *Metrics
	Anonymous    *Identity
	NodeName     string
	ClearTimeout time.Duration
	AuditSuccess bool
}

// Option configures a component.
type Option func(*Options)

// WithLogger sets a structured logger for the component.
func WithLogger(l logger.Logger) Option {
	return func(o *Options) { o.Logger = l }
}

// WithAuditTrail routes security events to a.
func WithAuditTrail(a AuditTrail) Option {
	return func(o *Options) { o.Audit = a }
}

// WithMetrics enables Prometheus instrumentation.
func WithMetrics(m *Metrics) Option {
	return func(o *Options) { o.Metrics = m }
}

// WithAnonymousUser authenticates token-less requests as id.
func WithAnonymousUser(id *Identity) Option {
	return func(o *Options) { o.Anonymous = id }
}

// WithNodeName tags audit events with the emitting node.
func WithNodeName(name string) Option {
	return func(o *Options) { o.NodeName = name }
}

// WithClearTimeout bounds a cluster wide cache clear.
func WithClearTimeout(d time.Duration) Option {
	return func(o *Options) { o.ClearTimeout = d }
}

// WithAuditSuccess also audits successful authentications.
func WithAuditSuccess(enabled bool) Option {
	return func(o *Options) { o.AuditSuccess = enabled }
}

func buildOptions(opts []Option) Options {
	o := Options{ClearTimeout: 30 * time.Second}
	for _, opt := range opts {
		opt(&o)
	}
	o.Logger = logger.OrNull(o.Logger)
	if o.Audit == nil {
		o.Audit = NoopAuditTrail{}
	}
	return o
}
