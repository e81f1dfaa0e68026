package shield

import (
	"context"
	"fmt"

	"github.com/oarkflow/shield/logger"
)

// AuthenticationService resolves the caller of a request by walking the
// realm chain in order. The first realm that supports the token and accepts
// it wins; no later realm is consulted.
type AuthenticationService struct {
	chain        *RealmChain
	audit        AuditTrail
	log          logger.Logger
	metrics      *Metrics
	anonymous    *Identity
	auditSuccess bool
}

func NewAuthenticationService(chain *RealmChain, opts ...Option) *AuthenticationService {
	o := buildOptions(opts)
	return &AuthenticationService{
		chain:        chain,
		audit:        o.Audit,
		log:          o.Logger,
		metrics:      o.Metrics,
		anonymous:    o.Anonymous,
		auditSuccess: o.AuditSuccess,
	}
}

// Chain returns the realm chain the service walks.
func (s *AuthenticationService) Chain() *RealmChain { return s.chain }

// Authenticate returns the identity behind req or an *AuthFailure. Every
// failure is audited before it is returned.
func (s *AuthenticationService) Authenticate(ctx context.Context, req *Request) (*Identity, error) {
	if req.System {
		return SystemIdentity(), nil
	}
	if req.Token == nil {
		if s.anonymous != nil {
			return s.anonymous, nil
		}
		s.audit.AnonymousAccessDenied(ctx, req)
		return nil, &AuthFailure{Action: req.Action, Reason: "missing authentication token"}
	}

	id, realm := s.walk(ctx, req)
	if id == nil {
		s.audit.AuthenticationFailed(ctx, req)
		return nil, &AuthFailure{Principal: req.Token.Principal(), Action: req.Action, Reason: "unable to authenticate"}
	}

	if req.RunAs != "" {
		target, err := s.LookupUser(ctx, req.RunAs)
		if err != nil || target == nil {
			s.log.Debug("run as user not found", "user", id.Principal(), "run_as", req.RunAs)
			s.audit.RunAsDenied(ctx, id, req)
			return nil, &AuthFailure{Principal: id.Principal(), Action: req.Action, Reason: fmt.Sprintf("run as user [%s] not found", req.RunAs)}
		}
		id = id.WithRunAs(target)
	}

	if s.auditSuccess {
		s.audit.AuthenticationSuccess(ctx, realm, id, req)
	}
	return id, nil
}

func (s *AuthenticationService) walk(ctx context.Context, req *Request) (*Identity, string) {
	for _, r := range s.chain.realms {
		if !s.supports(r, req.Token) {
			continue
		}
		id, err := s.authenticate(ctx, r, req.Token)
		if err == nil && id != nil {
			s.metrics.authn(r.Name(), "success")
			s.log.Debug("authenticated", "realm", r.Name(), "principal", id.Principal())
			return id.InRealm(r.Name()), r.Name()
		}
		s.metrics.authn(r.Name(), "failure")
		s.log.Debug("realm rejected token", "realm", r.Name(), "principal", req.Token.Principal(), "error", err)
		s.audit.RealmAuthenticationFailed(ctx, r.Name(), req)
	}
	return nil, ""
}

func (s *AuthenticationService) supports(r Realm, tok AuthenticationToken) (ok bool) {
	defer func() {
		if p := recover(); p != nil {
			s.log.Error("realm panicked in supports", "realm", r.Name(), "panic", fmt.Sprint(p))
			ok = false
		}
	}()
	return r.Supports(tok)
}

func (s *AuthenticationService) authenticate(ctx context.Context, r Realm, tok AuthenticationToken) (id *Identity, err error) {
	defer func() {
		if p := recover(); p != nil {
			s.log.Error("realm panicked in authenticate", "realm", r.Name(), "panic", fmt.Sprint(p))
			id, err = nil, fmt.Errorf("realm [%s] panicked: %v", r.Name(), p)
		}
	}()
	return r.Authenticate(ctx, tok)
}

// LookupUser finds principal in the first realm that knows it.
func (s *AuthenticationService) LookupUser(ctx context.Context, principal string) (*Identity, error) {
	var firstErr error
	for _, r := range s.chain.realms {
		id, err := r.LookupUser(ctx, principal)
		if err != nil {
			s.log.Warn("user lookup failed", "realm", r.Name(), "principal", principal, "error", err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if id != nil {
			return id.InRealm(r.Name()), nil
		}
	}
	return nil, firstErr
}
