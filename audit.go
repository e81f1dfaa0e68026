package shield

import (
	"context"
	"fmt"
	"net"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	phlog "github.com/oarkflow/log"

	"github.com/oarkflow/shield/logger"
)

// AuditEventKind identifies a security event.
type AuditEventKind string

const (
	EventAnonymousAccessDenied     AuditEventKind = "anonymous_access_denied"
	EventAuthenticationFailed      AuditEventKind = "authentication_failed"
	EventRealmAuthenticationFailed AuditEventKind = "realm_authentication_failed"
	EventAuthenticationSuccess     AuditEventKind = "authentication_success"
	EventAccessGranted             AuditEventKind = "access_granted"
	EventAccessDenied              AuditEventKind = "access_denied"
	EventTamperedRequest           AuditEventKind = "tampered_request"
	EventConnectionGranted         AuditEventKind = "connection_granted"
	EventConnectionDenied          AuditEventKind = "connection_denied"
	EventRunAsGranted              AuditEventKind = "run_as_granted"
	EventRunAsDenied               AuditEventKind = "run_as_denied"
)

// AuditEvent is one write-once audit record.
type AuditEvent struct {
	ID             string         `json:"id"`
	Timestamp      time.Time      `json:"@timestamp"`
	Node           string         `json:"node,omitempty"`
	Kind           AuditEventKind `json:"event_type"`
	Origin         string         `json:"origin,omitempty"`
	Principal      string         `json:"principal,omitempty"`
	Realm          string         `json:"realm,omitempty"`
	RunAsPrincipal string         `json:"run_as_principal,omitempty"`
	RunAsRealm     string         `json:"run_as_realm,omitempty"`
	Action         string         `json:"action,omitempty"`
	Indices        []string       `json:"indices,omitempty"`
	Address        string         `json:"address,omitempty"`
	Profile        string         `json:"profile,omitempty"`
	Rule           string         `json:"rule,omitempty"`
}

// AuditTrail receives every security decision. Calls never affect the
// caller's control flow.
type AuditTrail interface {
	AnonymousAccessDenied(ctx context.Context, req *Request)
	AuthenticationFailed(ctx context.Context, req *Request)
	RealmAuthenticationFailed(ctx context.Context, realm string, req *Request)
	AuthenticationSuccess(ctx context.Context, realm string, id *Identity, req *Request)
	AccessGranted(ctx context.Context, id *Identity, req *Request)
	AccessDenied(ctx context.Context, id *Identity, req *Request)
	TamperedRequest(ctx context.Context, id *Identity, req *Request)
	ConnectionGranted(ctx context.Context, addr net.IP, profile, rule string)
	ConnectionDenied(ctx context.Context, addr net.IP, profile, rule string)
	RunAsGranted(ctx context.Context, id *Identity, req *Request)
	RunAsDenied(ctx context.Context, id *Identity, req *Request)
}

// NoopAuditTrail is used when auditing is disabled.
type NoopAuditTrail struct{}

func (NoopAuditTrail) AnonymousAccessDenied(context.Context, *Request)                    {}
func (NoopAuditTrail) AuthenticationFailed(context.Context, *Request)                     {}
func (NoopAuditTrail) RealmAuthenticationFailed(context.Context, string, *Request)        {}
func (NoopAuditTrail) AuthenticationSuccess(context.Context, string, *Identity, *Request) {}
func (NoopAuditTrail) AccessGranted(context.Context, *Identity, *Request)                 {}
func (NoopAuditTrail) AccessDenied(context.Context, *Identity, *Request)                  {}
func (NoopAuditTrail) TamperedRequest(context.Context, *Identity, *Request)               {}
func (NoopAuditTrail) ConnectionGranted(context.Context, net.IP, string, string)          {}
func (NoopAuditTrail) ConnectionDenied(context.Context, net.IP, string, string)           {}
func (NoopAuditTrail) RunAsGranted(context.Context, *Identity, *Request)                  {}
func (NoopAuditTrail) RunAsDenied(context.Context, *Identity, *Request)                   {}

// AuditOutput persists audit events. Write must be safe for concurrent use
// and must keep the order of calls made from one goroutine.
type AuditOutput interface {
	Name() string
	Write(ctx context.Context, ev *AuditEvent) error
}

// AuditOutputConfig selects and configures one output.
type AuditOutputConfig struct {
	Type     string   `json:"type" yaml:"type"`
	Settings Settings `json:"settings,omitempty" yaml:"settings,omitempty"`
}

// AuditOutputFactory creates an output from its settings.
type AuditOutputFactory func(settings Settings, log logger.Logger) (AuditOutput, error)

// AuditOutputRegistry maps output type names to factories.
type AuditOutputRegistry struct {
	mu        sync.RWMutex
	factories map[string]AuditOutputFactory
}

// NewAuditOutputRegistry returns a registry with the built-in "logfile" output.
func NewAuditOutputRegistry() *AuditOutputRegistry {
	r := &AuditOutputRegistry{factories: make(map[string]AuditOutputFactory)}
	r.Register(LogAuditOutputType, func(s Settings, log logger.Logger) (AuditOutput, error) {
		return NewLogAuditOutput(), nil
	})
	return r
}

func (r *AuditOutputRegistry) Register(name string, f AuditOutputFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = f
}

func (r *AuditOutputRegistry) factory(name string) (AuditOutputFactory, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.factories[name]
	return f, ok
}

// CompositeAuditTrail dispatches each event to every output in registration
// order. A failing or panicking output is logged and skipped.
type CompositeAuditTrail struct {
	outputs []AuditOutput
	node    string
	log     logger.Logger
	metrics *Metrics
	now     func() time.Time
}

var _ AuditTrail = (*CompositeAuditTrail)(nil)

// NewCompositeAuditTrail wraps already constructed outputs.
func NewCompositeAuditTrail(outputs []AuditOutput, opts ...Option) *CompositeAuditTrail {
	o := buildOptions(opts)
	return &CompositeAuditTrail{
		outputs: slices.Clone(outputs),
		node:    o.NodeName,
		log:     o.Logger,
		metrics: o.Metrics,
		now:     time.Now,
	}
}

// BuildAuditTrail creates every configured output. An unknown output type
// fails here, before any event is emitted. No outputs yields a no-op trail.
func BuildAuditTrail(reg *AuditOutputRegistry, configs []AuditOutputConfig, opts ...Option) (AuditTrail, error) {
	if len(configs) == 0 {
		return NoopAuditTrail{}, nil
	}
	o := buildOptions(opts)
	outputs := make([]AuditOutput, 0, len(configs))
	for _, cfg := range configs {
		f, ok := reg.factory(cfg.Type)
		if !ok {
			return nil, &ConfigError{Setting: cfg.Type, Msg: "unknown audit output"}
		}
		out, err := f(cfg.Settings, o.Logger)
		if err != nil {
			return nil, &ConfigError{Setting: cfg.Type, Msg: "failed to create audit output", Err: err}
		}
		outputs = append(outputs, out)
	}
	return NewCompositeAuditTrail(outputs, opts...), nil
}

// Outputs returns the outputs in dispatch order.
func (t *CompositeAuditTrail) Outputs() []AuditOutput { return slices.Clone(t.outputs) }

func (t *CompositeAuditTrail) dispatch(ctx context.Context, ev *AuditEvent) {
	ev.ID = uuid.NewString()
	ev.Timestamp = t.now().UTC()
	ev.Node = t.node
	for _, out := range t.outputs {
		if err := t.write(ctx, out, ev); err != nil {
			t.metrics.auditFailure(out.Name())
			t.log.Error("audit output failed", "output", out.Name(), "event", string(ev.Kind), "error", err)
		}
	}
}

func (t *CompositeAuditTrail) write(ctx context.Context, out AuditOutput, ev *AuditEvent) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return out.Write(ctx, ev)
}

func requestEvent(kind AuditEventKind, id *Identity, req *Request) *AuditEvent {
	ev := &AuditEvent{Kind: kind}
	if req != nil {
		ev.Action = req.Action
		ev.Indices = slices.Clone(req.Indices)
		ev.Origin = req.Origin
		if id == nil && req.Token != nil {
			ev.Principal = req.Token.Principal()
		}
	}
	if id != nil {
		ev.Principal = id.Principal()
		ev.Realm = id.Realm()
		if ra := id.RunAs(); ra != nil {
			ev.RunAsPrincipal = ra.Principal()
			ev.RunAsRealm = ra.Realm()
		}
	}
	return ev
}

func (t *CompositeAuditTrail) AnonymousAccessDenied(ctx context.Context, req *Request) {
	t.dispatch(ctx, requestEvent(EventAnonymousAccessDenied, nil, req))
}

func (t *CompositeAuditTrail) AuthenticationFailed(ctx context.Context, req *Request) {
	t.dispatch(ctx, requestEvent(EventAuthenticationFailed, nil, req))
}

func (t *CompositeAuditTrail) RealmAuthenticationFailed(ctx context.Context, realm string, req *Request) {
	ev := requestEvent(EventRealmAuthenticationFailed, nil, req)
	ev.Realm = realm
	t.dispatch(ctx, ev)
}

func (t *CompositeAuditTrail) AuthenticationSuccess(ctx context.Context, realm string, id *Identity, req *Request) {
	ev := requestEvent(EventAuthenticationSuccess, id, req)
	ev.Realm = realm
	t.dispatch(ctx, ev)
}

func (t *CompositeAuditTrail) AccessGranted(ctx context.Context, id *Identity, req *Request) {
	t.dispatch(ctx, requestEvent(EventAccessGranted, id, req))
}

func (t *CompositeAuditTrail) AccessDenied(ctx context.Context, id *Identity, req *Request) {
	t.dispatch(ctx, requestEvent(EventAccessDenied, id, req))
}

func (t *CompositeAuditTrail) TamperedRequest(ctx context.Context, id *Identity, req *Request) {
	t.dispatch(ctx, requestEvent(EventTamperedRequest, id, req))
}

func (t *CompositeAuditTrail) ConnectionGranted(ctx context.Context, addr net.IP, profile, rule string) {
	t.dispatch(ctx, &AuditEvent{Kind: EventConnectionGranted, Address: addr.String(), Profile: profile, Rule: rule})
}

func (t *CompositeAuditTrail) ConnectionDenied(ctx context.Context, addr net.IP, profile, rule string) {
	t.dispatch(ctx, &AuditEvent{Kind: EventConnectionDenied, Address: addr.String(), Profile: profile, Rule: rule})
}

func (t *CompositeAuditTrail) RunAsGranted(ctx context.Context, id *Identity, req *Request) {
	t.dispatch(ctx, requestEvent(EventRunAsGranted, id, req))
}

func (t *CompositeAuditTrail) RunAsDenied(ctx context.Context, id *Identity, req *Request) {
	t.dispatch(ctx, requestEvent(EventRunAsDenied, id, req))
}

// LogAuditOutputType is the registry name of LogAuditOutput.
const LogAuditOutputType = "logfile"

// LogAuditOutput writes events as structured log lines.
type LogAuditOutput struct{}

func NewLogAuditOutput() *LogAuditOutput { return &LogAuditOutput{} }

func (o *LogAuditOutput) Name() string { return LogAuditOutputType }

func (o *LogAuditOutput) Write(_ context.Context, ev *AuditEvent) error {
	entry := phlog.Info()
	switch ev.Kind {
	case EventAccessDenied, EventAnonymousAccessDenied, EventAuthenticationFailed,
		EventRealmAuthenticationFailed, EventTamperedRequest, EventConnectionDenied, EventRunAsDenied:
		entry = phlog.Warn()
	}
	entry.
		Str("event_id", ev.ID).
		Str("event_type", string(ev.Kind)).
		Str("node", ev.Node).
		Str("origin", ev.Origin).
		Str("principal", ev.Principal).
		Str("realm", ev.Realm).
		Str("run_as_principal", ev.RunAsPrincipal).
		Str("action", ev.Action).
		Any("indices", ev.Indices).
		Str("address", ev.Address).
		Str("profile", ev.Profile).
		Msg("audit")
	return nil
}

// MemoryAuditOutput keeps events in memory; useful for tests and the CLI.
type MemoryAuditOutput struct {
	name   string
	mu     sync.Mutex
	events []AuditEvent
}

func NewMemoryAuditOutput(name string) *MemoryAuditOutput {
	return &MemoryAuditOutput{name: name}
}

func (o *MemoryAuditOutput) Name() string { return o.name }

func (o *MemoryAuditOutput) Write(_ context.Context, ev *AuditEvent) error {
	o.mu.Lock()
	o.events = append(o.events, *ev)
	o.mu.Unlock()
	return nil
}

// Events returns a copy of everything written so far.
func (o *MemoryAuditOutput) Events() []AuditEvent {
	o.mu.Lock()
	defer o.mu.Unlock()
	return slices.Clone(o.events)
}

// Kinds returns the kinds of the recorded events, in order.
func (o *MemoryAuditOutput) Kinds() []AuditEventKind {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]AuditEventKind, len(o.events))
	for i, ev := range o.events {
		out[i] = ev.Kind
	}
	return out
}
