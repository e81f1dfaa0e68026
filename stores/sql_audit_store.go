package stores

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/oarkflow/squealx"

	"github.com/oarkflow/shield"
	"github.com/oarkflow/shield/logger"
)

// IndexAuditOutputType is the audit output type that stores events in SQL.
const IndexAuditOutputType = "index"

const (
	SettingQueueSize    = "queue_max_size"
	SettingFlushTimeout = "flush_timeout"
)

var errAuditClosed = errors.New("audit output is closed")

// SQLAuditOutput queues audit events and writes them from a single worker,
// so rows land in the order Write was called.
type SQLAuditOutput struct {
	db           *squealx.DB
	log          logger.Logger
	queue        chan *shield.AuditEvent
	flushTimeout time.Duration
	done         chan struct{}

	mu     sync.RWMutex
	closed bool
}

var _ shield.AuditOutput = (*SQLAuditOutput)(nil)

func NewSQLAuditOutput(db *squealx.DB, queueSize int, log logger.Logger) *SQLAuditOutput {
	if queueSize <= 0 {
		queueSize = 1000
	}
	o := &SQLAuditOutput{
		db:           db,
		log:          logger.OrNull(log),
		queue:        make(chan *shield.AuditEvent, queueSize),
		flushTimeout: 5 * time.Second,
		done:         make(chan struct{}),
	}
	go o.run()
	return o
}

// RegisterIndexOutput adds the "index" output type to reg, writing to db.
func RegisterIndexOutput(reg *shield.AuditOutputRegistry, db *squealx.DB) {
	reg.Register(IndexAuditOutputType, func(s shield.Settings, log logger.Logger) (shield.AuditOutput, error) {
		if db == nil {
			return nil, fmt.Errorf("index audit output requires a database")
		}
		o := NewSQLAuditOutput(db, s.Int(SettingQueueSize, 1000), log)
		o.flushTimeout = s.Duration(SettingFlushTimeout, o.flushTimeout)
		return o, nil
	})
}

func (o *SQLAuditOutput) Name() string { return IndexAuditOutputType }

// Write enqueues ev. It fails instead of blocking when the queue is full.
func (o *SQLAuditOutput) Write(_ context.Context, ev *shield.AuditEvent) error {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if o.closed {
		return errAuditClosed
	}
	select {
	case o.queue <- ev:
		return nil
	default:
		return fmt.Errorf("audit queue is full, dropping [%s] event", ev.Kind)
	}
}

func (o *SQLAuditOutput) run() {
	defer close(o.done)
	for ev := range o.queue {
		ctx, cancel := context.WithTimeout(context.Background(), o.flushTimeout)
		if err := o.insert(ctx, ev); err != nil {
			o.log.Error("failed to store audit event", "kind", string(ev.Kind), "id", ev.ID, "error", err)
		}
		cancel()
	}
}

// Close stops accepting events and waits until the queue is drained.
func (o *SQLAuditOutput) Close() error {
	o.mu.Lock()
	if !o.closed {
		o.closed = true
		close(o.queue)
	}
	o.mu.Unlock()
	<-o.done
	return nil
}

func (o *SQLAuditOutput) insert(ctx context.Context, ev *shield.AuditEvent) error {
	indices, err := jsonText(ev.Indices)
	if err != nil {
		return err
	}
	q := `INSERT INTO security_audit(id, timestamp, node, kind, origin, principal, realm, run_as_principal, run_as_realm, action, indices_json, address, profile, rule)
VALUES(:id, :timestamp, :node, :kind, :origin, :principal, :realm, :run_as_principal, :run_as_realm, :action, :indices_json, :address, :profile, :rule)`
	_, err = o.db.NamedExecContext(ctx, q, map[string]any{
		"id":               ev.ID,
		"timestamp":        ev.Timestamp,
		"node":             ev.Node,
		"kind":             string(ev.Kind),
		"origin":           ev.Origin,
		"principal":        ev.Principal,
		"realm":            ev.Realm,
		"run_as_principal": ev.RunAsPrincipal,
		"run_as_realm":     ev.RunAsRealm,
		"action":           ev.Action,
		"indices_json":     indices,
		"address":          ev.Address,
		"profile":          ev.Profile,
		"rule":             ev.Rule,
	})
	return err
}

// AuditFilter narrows Events. Zero fields match everything.
type AuditFilter struct {
	Principal string
	Kind      shield.AuditEventKind
	Since     time.Time
	Limit     int
}

// Events returns stored events in insertion order.
func (o *SQLAuditOutput) Events(ctx context.Context, filter AuditFilter) ([]*shield.AuditEvent, error) {
	q := `SELECT id, timestamp, node, kind, origin, principal, realm, run_as_principal, run_as_realm, action, indices_json, address, profile, rule FROM security_audit WHERE 1=1`
	params := map[string]any{}
	if filter.Principal != "" {
		q += " AND principal = :principal"
		params["principal"] = filter.Principal
	}
	if filter.Kind != "" {
		q += " AND kind = :kind"
		params["kind"] = string(filter.Kind)
	}
	if !filter.Since.IsZero() {
		q += " AND timestamp >= :since"
		params["since"] = filter.Since
	}
	q += " ORDER BY seq"
	if filter.Limit > 0 {
		q += " LIMIT :limit"
		params["limit"] = filter.Limit
	} else {
		q += " LIMIT 100"
	}
	r, err := o.db.NamedQueryContext(ctx, q, params)
	if err != nil {
		return nil, fmt.Errorf("query audit events: %w", err)
	}
	defer r.Close()
	out := make([]*shield.AuditEvent, 0)
	for r.Next() {
		var id, node, kind, origin, principal, realm, runAsPrincipal, runAsRealm, action, indicesJSON, address, profile, rule string
		var tsRaw any
		if err := r.Scan(&id, &tsRaw, &node, &kind, &origin, &principal, &realm, &runAsPrincipal, &runAsRealm,
			&action, &indicesJSON, &address, &profile, &rule); err != nil {
			return nil, err
		}
		ev := &shield.AuditEvent{
			ID: id, Timestamp: scanTime(tsRaw), Node: node, Kind: shield.AuditEventKind(kind), Origin: origin,
			Principal: principal, Realm: realm, RunAsPrincipal: runAsPrincipal, RunAsRealm: runAsRealm,
			Action: action, Address: address, Profile: profile, Rule: rule,
		}
		_ = json.Unmarshal([]byte(indicesJSON), &ev.Indices)
		out = append(out, ev)
	}
	return out, nil
}
