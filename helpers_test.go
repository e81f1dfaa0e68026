package shield

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/oarkflow/shield/logger"
)

// fakeRealm authenticates username/password tokens against a fixed map and
// counts every call.
type fakeRealm struct {
	RealmBase
	users        map[string]string
	roles        []string
	supports     func(AuthenticationToken) bool
	supportCalls atomic.Int32
	authCalls    atomic.Int32

	mu         sync.Mutex
	expired    []string
	expiredAll int
}

func newFakeRealm(name, typ string, order int, users map[string]string) *fakeRealm {
	return &fakeRealm{
		RealmBase: NewRealmBase(RealmConfig{Name: name, Type: typ, Order: order, Enabled: true}),
		users:     users,
		roles:     []string{typ + "_user"},
	}
}

func (f *fakeRealm) Supports(tok AuthenticationToken) bool {
	f.supportCalls.Add(1)
	if f.supports != nil {
		return f.supports(tok)
	}
	_, ok := tok.(*UsernamePasswordToken)
	return ok
}

func (f *fakeRealm) Authenticate(_ context.Context, tok AuthenticationToken) (*Identity, error) {
	f.authCalls.Add(1)
	pw, ok := f.users[tok.Principal()]
	if !ok || pw != string(tok.Credentials()) {
		return nil, errors.New("bad credentials")
	}
	return NewIdentity(tok.Principal(), f.roles), nil
}

func (f *fakeRealm) LookupUser(_ context.Context, principal string) (*Identity, error) {
	if _, ok := f.users[principal]; !ok {
		return nil, nil
	}
	return NewIdentity(principal, f.roles), nil
}

func (f *fakeRealm) Expire(principal string) {
	f.mu.Lock()
	f.expired = append(f.expired, principal)
	f.mu.Unlock()
}

func (f *fakeRealm) ExpireAll() {
	f.mu.Lock()
	f.expiredAll++
	f.mu.Unlock()
}

func (f *fakeRealm) expiredSnapshot() ([]string, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.expired...), f.expiredAll
}

func neverSupports(AuthenticationToken) bool { return false }

// testRegistry registers file and native as internal types, ldap with a
// schema and legacy without one.
func testRegistry() *RealmRegistry {
	reg := NewRealmRegistry("file")
	mk := func(typ string, internal bool, settings []string) RealmFactory {
		return RealmFactory{
			Type:     typ,
			Internal: internal,
			Settings: settings,
			New: func(cfg RealmConfig, _ logger.Logger) (Realm, error) {
				r := newFakeRealm(cfg.Name, cfg.Type, cfg.Order, map[string]string{"alice": "secret"})
				r.RealmBase = NewRealmBase(cfg)
				return r, nil
			},
		}
	}
	reg.MustRegister(mk("file", true, []string{"files.users"}))
	reg.MustRegister(mk("native", true, []string{}))
	reg.MustRegister(mk("ldap", false, []string{"url", "bind_dn", "ssl.*"}))
	reg.MustRegister(mk("legacy", false, nil))
	reg.MustRegister(RealmFactory{
		Type:     "broken",
		Settings: []string{},
		New: func(RealmConfig, logger.Logger) (Realm, error) {
			return nil, errors.New("boom")
		},
	})
	return reg
}

func memoryTrail() (*CompositeAuditTrail, *MemoryAuditOutput) {
	out := NewMemoryAuditOutput("memory")
	return NewCompositeAuditTrail([]AuditOutput{out}, WithNodeName("node-1")), out
}
