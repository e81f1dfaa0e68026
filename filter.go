package shield

import (
	"context"
	"errors"
	"fmt"
	"net"
	"slices"
	"strings"

	"github.com/oarkflow/shield/logger"
)

// Handler runs an authorized request.
type Handler func(ctx context.Context, id *Identity, req *Request) (*Response, error)

// SecurityFilter guards every operation: authenticate, verify continuation
// tokens, authorize, run the handler and sign continuation tokens going out.
type SecurityFilter struct {
	authn *AuthenticationService
	authz *Authorizer
	guard *IntegrityGuard
	audit AuditTrail
	log   logger.Logger
}

func NewSecurityFilter(authn *AuthenticationService, authz *Authorizer, guard *IntegrityGuard, opts ...Option) *SecurityFilter {
	o := buildOptions(opts)
	return &SecurityFilter{authn: authn, authz: authz, guard: guard, audit: o.Audit, log: o.Logger}
}

// Inbound authenticates and authorizes req. The returned request carries the
// verified payloads of its continuation tokens. A tampered token is audited
// and rejected before authorization.
func (f *SecurityFilter) Inbound(ctx context.Context, req *Request) (*Identity, *Request, error) {
	id, err := f.authn.Authenticate(ctx, req)
	if err != nil {
		return nil, nil, err
	}
	verified := *req
	if len(req.ContinuationTokens) > 0 {
		verified.ContinuationTokens = make([]string, len(req.ContinuationTokens))
		for i, tok := range req.ContinuationTokens {
			payload, err := f.guard.Verify(tok)
			if err != nil {
				f.log.Warn("tampered continuation token", "user", id.Principal(), "action", req.Action, "error", err)
				f.audit.TamperedRequest(ctx, id, req)
				return nil, nil, err
			}
			verified.ContinuationTokens[i] = payload
		}
	}
	if err := f.authz.Authorize(ctx, id, req); err != nil {
		return nil, nil, err
	}
	return id, &verified, nil
}

// Outbound signs every continuation token of resp in place.
func (f *SecurityFilter) Outbound(resp *Response) *Response {
	if resp == nil {
		return nil
	}
	for i, tok := range resp.ContinuationTokens {
		resp.ContinuationTokens[i] = f.guard.Sign(tok)
	}
	return resp
}

// Apply runs next only when req passes Inbound, then signs its response.
func (f *SecurityFilter) Apply(ctx context.Context, req *Request, next Handler) (*Response, error) {
	id, verified, err := f.Inbound(ctx, req)
	if err != nil {
		return nil, err
	}
	resp, err := next(ctx, id, verified)
	if err != nil {
		return nil, err
	}
	return f.Outbound(resp), nil
}

// RejectionStatus maps a filter error to an HTTP style status code.
func RejectionStatus(err error) int {
	switch {
	case err == nil:
		return 200
	case errors.Is(err, ErrAuthenticationFailed):
		return 401
	case errors.Is(err, ErrAccessDenied), errors.Is(err, ErrTampered):
		return 403
	default:
		return 500
	}
}

type ipRule struct {
	allow  bool
	all    bool
	source string
	net    *net.IPNet
}

func (r ipRule) matches(ip net.IP) bool { return r.all || r.net.Contains(ip) }

// IPFilter accepts or rejects connections by address. Allow rules are checked
// before deny rules, the first match wins and unmatched addresses are allowed.
type IPFilter struct {
	profile string
	rules   []ipRule
	audit   AuditTrail
}

// NewIPFilter parses allow and deny rules. A rule is an IP, a CIDR or "_all".
func NewIPFilter(profile string, allow, deny []string, opts ...Option) (*IPFilter, error) {
	o := buildOptions(opts)
	f := &IPFilter{profile: profile, audit: o.Audit}
	for _, set := range []struct {
		allow bool
		rules []string
	}{{true, allow}, {false, deny}} {
		for _, s := range set.rules {
			r, err := parseIPRule(s, set.allow)
			if err != nil {
				return nil, &ConfigError{Setting: s, Msg: "invalid ip filter rule", Err: err}
			}
			f.rules = append(f.rules, r)
		}
	}
	return f, nil
}

func parseIPRule(s string, allow bool) (ipRule, error) {
	s = strings.TrimSpace(s)
	if s == "_all" {
		return ipRule{allow: allow, all: true, source: s}, nil
	}
	if !strings.Contains(s, "/") {
		ip := net.ParseIP(s)
		if ip == nil {
			return ipRule{}, fmt.Errorf("not an address: %q", s)
		}
		bits := 32
		if ip.To4() == nil {
			bits = 128
		}
		s = fmt.Sprintf("%s/%d", s, bits)
	}
	_, n, err := net.ParseCIDR(s)
	if err != nil {
		return ipRule{}, err
	}
	return ipRule{allow: allow, source: s, net: n}, nil
}

// Accept reports whether addr may connect and audits the decision.
func (f *IPFilter) Accept(ctx context.Context, addr net.IP) bool {
	idx := slices.IndexFunc(f.rules, func(r ipRule) bool { return r.matches(addr) })
	if idx < 0 {
		f.audit.ConnectionGranted(ctx, addr, f.profile, "default:accept_all")
		return true
	}
	r := f.rules[idx]
	if r.allow {
		f.audit.ConnectionGranted(ctx, addr, f.profile, "allow "+r.source)
		return true
	}
	f.audit.ConnectionDenied(ctx, addr, f.profile, "deny "+r.source)
	return false
}
