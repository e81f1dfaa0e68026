package shield

import (
	"slices"
	"time"
)

const (
	// SystemPrincipal is the principal of the internal system identity.
	SystemPrincipal = "_system"
	// SystemRole is the single role of the internal system identity.
	SystemRole = "_system"
)

// Identity is an authenticated principal. It is never mutated after creation;
// derived identities (run-as, system fallback) are new values.
type Identity struct {
	principal string
	roles     []string
	realm     string
	fullName  string
	email     string
	metadata  map[string]any
	expiresAt time.Time
	runAs     *Identity
}

// IdentityOption customises NewIdentity.
type IdentityOption func(*Identity)

func WithFullName(name string) IdentityOption { return func(i *Identity) { i.fullName = name } }
func WithEmail(email string) IdentityOption   { return func(i *Identity) { i.email = email } }
func WithRealm(realm string) IdentityOption   { return func(i *Identity) { i.realm = realm } }

// WithExpiry bounds how long the identity may be served from a realm cache.
func WithExpiry(t time.Time) IdentityOption { return func(i *Identity) { i.expiresAt = t } }

func WithMetadata(md map[string]any) IdentityOption {
	return func(i *Identity) {
		if len(md) == 0 {
			return
		}
		i.metadata = make(map[string]any, len(md))
		for k, v := range md {
			i.metadata[k] = v
		}
	}
}

// NewIdentity builds an identity. Role names are de-duplicated, order kept.
func NewIdentity(principal string, roles []string, opts ...IdentityOption) *Identity {
	id := &Identity{principal: principal, roles: dedupe(roles)}
	for _, opt := range opts {
		opt(id)
	}
	return id
}

var systemIdentity = &Identity{principal: SystemPrincipal, roles: []string{SystemRole}, realm: "__attach"}

// SystemIdentity is the constant identity used for internal housekeeping. It is
// never produced by a realm.
func SystemIdentity() *Identity { return systemIdentity }

// IsSystem reports whether id is the internal system identity.
func (id *Identity) IsSystem() bool { return id == systemIdentity }

func (id *Identity) Principal() string { return id.principal }
func (id *Identity) Realm() string     { return id.realm }
func (id *Identity) FullName() string  { return id.fullName }
func (id *Identity) Email() string     { return id.email }

// ExpiresAt is the instant the underlying credential stops being valid, zero
// when it does not expire.
func (id *Identity) ExpiresAt() time.Time { return id.expiresAt }

// Roles returns a copy of the role names.
func (id *Identity) Roles() []string { return slices.Clone(id.roles) }

func (id *Identity) HasRole(role string) bool { return slices.Contains(id.roles, role) }

// Metadata returns the value stored under key, if any.
func (id *Identity) Metadata(key string) (any, bool) {
	v, ok := id.metadata[key]
	return v, ok
}

// RunAs returns the delegated identity or nil.
func (id *Identity) RunAs() *Identity { return id.runAs }

// Effective is the identity whose roles apply to the request: the run-as
// identity when present, otherwise id.
func (id *Identity) Effective() *Identity {
	if id.runAs != nil {
		return id.runAs
	}
	return id
}

// WithRunAs returns a copy of id that acts as target.
func (id *Identity) WithRunAs(target *Identity) *Identity {
	cp := *id
	cp.runAs = target
	return &cp
}

// InRealm returns a copy of id tagged with the given realm name.
func (id *Identity) InRealm(realm string) *Identity {
	if id.realm == realm {
		return id
	}
	cp := *id
	cp.realm = realm
	return &cp
}

func dedupe(in []string) []string {
	out := make([]string, 0, len(in))
	seen := make(map[string]struct{}, len(in))
	for _, s := range in {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}
