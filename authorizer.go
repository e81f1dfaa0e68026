package shield

import (
	"context"
	"strings"

	"github.com/oarkflow/shield/logger"
)

// InternalActionPrefix marks actions the system identity may perform.
const InternalActionPrefix = "internal:"

// Authorizer decides whether an identity may perform a request, based on the
// effective role of its roles.
type Authorizer struct {
	roles   *CompositeRolesStore
	audit   AuditTrail
	log     logger.Logger
	metrics *Metrics
}

func NewAuthorizer(roles *CompositeRolesStore, opts ...Option) *Authorizer {
	o := buildOptions(opts)
	return &Authorizer{roles: roles, audit: o.Audit, log: o.Logger, metrics: o.Metrics}
}

// AuthorizeAsync delivers nil to cb when id may perform req, or an
// *AccessDeniedError. Role resolution may complete on another goroutine.
func (a *Authorizer) AuthorizeAsync(ctx context.Context, id *Identity, req *Request, cb func(error)) {
	if id.IsSystem() {
		if strings.HasPrefix(req.Action, InternalActionPrefix) {
			a.grant(ctx, id, req, cb)
			return
		}
		a.deny(ctx, id, req, cb)
		return
	}

	if target := id.RunAs(); target != nil {
		a.roles.Roles(ctx, id.Roles(), func(role *Role, err error) {
			if err != nil || !role.AllowsRunAs(target.Principal()) {
				a.log.Debug("run as denied", "user", id.Principal(), "run_as", target.Principal(), "error", err)
				a.audit.RunAsDenied(ctx, id, req)
				a.metrics.decision(false)
				cb(&AccessDeniedError{Principal: id.Principal(), Action: req.Action})
				return
			}
			a.audit.RunAsGranted(ctx, id, req)
			a.check(ctx, id, target, req, cb)
		})
		return
	}
	a.check(ctx, id, id, req, cb)
}

// Authorize is the blocking form of AuthorizeAsync.
func (a *Authorizer) Authorize(ctx context.Context, id *Identity, req *Request) error {
	ch := make(chan error, 1)
	a.AuthorizeAsync(ctx, id, req, func(err error) { ch <- err })
	select {
	case err := <-ch:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (a *Authorizer) check(ctx context.Context, id, effective *Identity, req *Request, cb func(error)) {
	a.roles.Roles(ctx, effective.Roles(), func(role *Role, err error) {
		if err != nil {
			a.log.Warn("role resolution failed", "user", effective.Principal(), "error", err)
			a.deny(ctx, id, req, cb)
			return
		}
		if role.Allows(req.Action, req.Indices) {
			a.grant(ctx, id, req, cb)
			return
		}
		a.deny(ctx, id, req, cb)
	})
}

func (a *Authorizer) grant(ctx context.Context, id *Identity, req *Request, cb func(error)) {
	a.metrics.decision(true)
	a.audit.AccessGranted(ctx, id, req)
	cb(nil)
}

func (a *Authorizer) deny(ctx context.Context, id *Identity, req *Request, cb func(error)) {
	a.metrics.decision(false)
	a.audit.AccessDenied(ctx, id, req)
	principal := id.Effective().Principal()
	a.log.Debug("access denied", "user", principal, "action", req.Action)
	cb(&AccessDeniedError{Principal: principal, Action: req.Action})
}
