package shield

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/oarkflow/shield/logger"
)

// Realm is a named, typed and ordered identity source.
type Realm interface {
	Name() string
	Type() string
	Order() int
	// Supports reports whether the realm understands the token's shape.
	Supports(tok AuthenticationToken) bool
	// Authenticate returns the identity for tok or an error describing why the
	// token was rejected.
	Authenticate(ctx context.Context, tok AuthenticationToken) (*Identity, error)
	// LookupUser resolves a principal without credentials. A nil identity and
	// nil error means the user is unknown to this realm.
	LookupUser(ctx context.Context, principal string) (*Identity, error)
}

// CacheableRealm is a realm whose identities may be cached locally and
// expired on demand.
type CacheableRealm interface {
	Realm
	Expire(principal string)
	ExpireAll()
}

// RealmConfig is one configured realm. Settings holds only the type specific
// keys; type, order and enabled live in their own fields.
type RealmConfig struct {
	Name     string
	Type     string
	Order    int
	Enabled  bool
	Settings Settings
}

// RealmBase carries the static attributes every realm exposes.
type RealmBase struct {
	cfg RealmConfig
}

func NewRealmBase(cfg RealmConfig) RealmBase { return RealmBase{cfg: cfg} }

func (b RealmBase) Name() string        { return b.cfg.Name }
func (b RealmBase) Type() string        { return b.cfg.Type }
func (b RealmBase) Order() int          { return b.cfg.Order }
func (b RealmBase) Config() RealmConfig { return b.cfg }
func (b RealmBase) Settings() Settings  { return b.cfg.Settings }
func (b RealmBase) String() string      { return fmt.Sprintf("%s/%s", b.cfg.Type, b.cfg.Name) }

// RealmFactory describes a realm type.
type RealmFactory struct {
	Type string
	// Internal types may be configured at most once.
	Internal bool
	// Settings lists the type specific keys. A nil schema accepts any keys.
	Settings []string
	New      func(cfg RealmConfig, log logger.Logger) (Realm, error)
}

// RealmRegistry holds the known realm types.
type RealmRegistry struct {
	mu        sync.RWMutex
	factories map[string]RealmFactory
	baseline  string
}

// NewRealmRegistry creates a registry whose default realm type is baseline.
func NewRealmRegistry(baseline string) *RealmRegistry {
	return &RealmRegistry{factories: make(map[string]RealmFactory), baseline: baseline}
}

func (r *RealmRegistry) Register(f RealmFactory) error {
	if f.Type == "" || f.New == nil {
		return fmt.Errorf("realm factory requires a type and a constructor")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.factories[f.Type]; ok {
		return fmt.Errorf("realm type [%s] already registered", f.Type)
	}
	r.factories[f.Type] = f
	return nil
}

// MustRegister is Register for package initialisation.
func (r *RealmRegistry) MustRegister(f RealmFactory) {
	if err := r.Register(f); err != nil {
		panic(err)
	}
}

func (r *RealmRegistry) Factory(typ string) (RealmFactory, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.factories[typ]
	return f, ok
}

// Baseline is the internal type synthesized when no realm is configured.
func (r *RealmRegistry) Baseline() string { return r.baseline }

// Types returns the registered type names, sorted.
func (r *RealmRegistry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.factories))
	for t := range r.factories {
		out = append(out, t)
	}
	slices.Sort(out)
	return out
}
