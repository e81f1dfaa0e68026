package shield

import (
	"context"
	"crypto/subtle"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/ristretto"

	"github.com/oarkflow/shield/logger"
)

// Realm cache setting keys.
const (
	SettingCacheNumCounters = "cache.num_counters"
	SettingCacheMaxCost     = "cache.max_cost"
	SettingCacheBufferItems = "cache.buffer_items"
)

// CacheSettings lists the cache keys accepted by cacheable realm types.
var CacheSettings = []string{SettingCacheNumCounters, SettingCacheMaxCost, SettingCacheBufferItems}

// CacheConfig sizes a realm identity cache. Every entry costs 1, so MaxCost
// is the maximum number of cached users.
type CacheConfig struct {
	NumCounters int64
	MaxCost     int64
	BufferItems int64
}

func DefaultCacheConfig() CacheConfig {
	return CacheConfig{NumCounters: 100_000, MaxCost: 10_000, BufferItems: 64}
}

// CacheConfigFromSettings reads the cache.* realm settings over the defaults.
func CacheConfigFromSettings(s Settings) CacheConfig {
	cfg := DefaultCacheConfig()
	cfg.NumCounters = int64(s.Int(SettingCacheNumCounters, int(cfg.NumCounters)))
	cfg.MaxCost = int64(s.Int(SettingCacheMaxCost, int(cfg.MaxCost)))
	cfg.BufferItems = int64(s.Int(SettingCacheBufferItems, int(cfg.BufferItems)))
	return cfg
}

type cachedIdentity struct {
	credHash string
	identity *Identity
	epoch    uint64
}

// CachingRealm wraps a realm with a local identity cache. Entries leave the
// cache through Expire, ExpireAll, size eviction or, for identities carrying
// an expiry, when their credential expires.
type CachingRealm struct {
	Realm
	cache   *ristretto.Cache
	log     logger.Logger
	metrics *Metrics
	now     func() time.Time

	// epoch advances on every Expire and ExpireAll. An entry is only served
	// when the lookup that produced it started after the last expiry that
	// covers its principal, so a lookup racing a clear never outlives it.
	epoch   atomic.Uint64
	mu      sync.RWMutex
	allAt   uint64
	expired map[string]uint64
}

var _ CacheableRealm = (*CachingRealm)(nil)

func NewCachingRealm(inner Realm, cfg CacheConfig, opts ...Option) (*CachingRealm, error) {
	o := buildOptions(opts)
	def := DefaultCacheConfig()
	if cfg.NumCounters <= 0 {
		cfg.NumCounters = def.NumCounters
	}
	if cfg.MaxCost <= 0 {
		cfg.MaxCost = def.MaxCost
	}
	if cfg.BufferItems <= 0 {
		cfg.BufferItems = def.BufferItems
	}
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: cfg.NumCounters,
		MaxCost:     cfg.MaxCost,
		BufferItems: cfg.BufferItems,
	})
	if err != nil {
		return nil, fmt.Errorf("realm [%s] cache: %w", inner.Name(), err)
	}
	return &CachingRealm{
		Realm:   inner,
		cache:   cache,
		log:     o.Logger,
		metrics: o.Metrics,
		now:     time.Now,
		expired: map[string]uint64{},
	}, nil
}

// Unwrap returns the decorated realm.
func (c *CachingRealm) Unwrap() Realm { return c.Realm }

func cacheKey(tok AuthenticationToken, hash string) string {
	if p := tok.Principal(); p != "" {
		return p
	}
	return "token:" + hash
}

// Authenticate serves a cached identity when the presented credential hashes
// to the cached one, otherwise it authenticates against the wrapped realm and
// caches the result.
func (c *CachingRealm) Authenticate(ctx context.Context, tok AuthenticationToken) (*Identity, error) {
	hash := CredentialHash(tok)
	key := cacheKey(tok, hash)
	if v, ok := c.cache.Get(key); ok {
		entry := v.(*cachedIdentity)
		switch {
		case !c.valid(entry):
			c.cache.Del(key)
		case subtle.ConstantTimeCompare([]byte(entry.credHash), []byte(hash)) == 1:
			c.metrics.cacheLookup(c.Name(), true)
			return entry.identity, nil
		default:
			c.log.Debug("cached credentials mismatch", "realm", c.Name(), "principal", tok.Principal())
		}
	}
	c.metrics.cacheLookup(c.Name(), false)
	start := c.epoch.Load()
	id, err := c.Realm.Authenticate(ctx, tok)
	if err != nil {
		return nil, err
	}
	entry := &cachedIdentity{credHash: hash, identity: id, epoch: start}
	if !c.valid(entry) {
		return id, nil
	}
	if exp := id.ExpiresAt(); !exp.IsZero() {
		c.cache.SetWithTTL(key, entry, 1, exp.Sub(c.now()))
	} else {
		c.cache.Set(key, entry, 1)
	}
	c.cache.Wait()
	return id, nil
}

// valid reports whether entry may still be served: no expiry of its principal
// happened after its lookup started and its credential has not expired.
func (c *CachingRealm) valid(entry *cachedIdentity) bool {
	c.mu.RLock()
	stale := entry.epoch < c.allAt || entry.epoch < c.expired[entry.identity.Principal()]
	c.mu.RUnlock()
	if stale {
		return false
	}
	exp := entry.identity.ExpiresAt()
	return exp.IsZero() || c.now().Before(exp)
}

// Expire removes one principal, including entries keyed by a bearer token
// that authenticated as it. Missing entries are ignored.
func (c *CachingRealm) Expire(principal string) {
	c.log.Debug("expiring cached user", "realm", c.Name(), "principal", principal)
	e := c.epoch.Add(1)
	c.mu.Lock()
	if e > c.expired[principal] {
		c.expired[principal] = e
	}
	c.mu.Unlock()
	c.cache.Del(principal)
	if inner, ok := c.Realm.(CacheableRealm); ok {
		inner.Expire(principal)
	}
}

// ExpireAll empties the cache of this realm instance.
func (c *CachingRealm) ExpireAll() {
	c.log.Debug("expiring all cached users", "realm", c.Name())
	e := c.epoch.Add(1)
	c.mu.Lock()
	if e > c.allAt {
		c.allAt = e
		for p, at := range c.expired {
			if at <= e {
				delete(c.expired, p)
			}
		}
	}
	c.mu.Unlock()
	c.cache.Clear()
	if inner, ok := c.Realm.(CacheableRealm); ok {
		inner.ExpireAll()
	}
}

// Close stops the cache's background goroutines.
func (c *CachingRealm) Close() { c.cache.Close() }
