package shield

import (
	"cmp"
	"fmt"
	"slices"

	"github.com/oarkflow/shield/logger"
)

// DefaultRealmPrefix names the realm synthesized for an empty configuration.
const DefaultRealmPrefix = "default_"

// RealmChain is the ordered, immutable set of active realms.
type RealmChain struct {
	realms   []Realm
	registry *RealmRegistry
	log      logger.Logger
}

// RealmTypeUsage is the usage report for one realm type.
type RealmTypeUsage struct {
	Enabled   bool     `json:"enabled"`
	Available bool     `json:"available"`
	Names     []string `json:"name,omitempty"`
	Orders    []int    `json:"order,omitempty"`
}

// BuildRealmChain validates configs and instantiates the chain. Any error
// aborts the build; no partially built chain is ever returned.
func BuildRealmChain(registry *RealmRegistry, configs []RealmConfig, opts ...Option) (*RealmChain, error) {
	o := buildOptions(opts)
	if registry == nil {
		return nil, configErrorf("", "no realm registry")
	}

	names := make(map[string]struct{}, len(configs))
	active := make([]RealmConfig, 0, len(configs))
	internal := make(map[string]string)
	for _, cfg := range configs {
		if cfg.Name == "" {
			return nil, configErrorf("", "realm name is required")
		}
		if _, dup := names[cfg.Name]; dup {
			return nil, configErrorf(cfg.Name, "realm name configured more than once")
		}
		names[cfg.Name] = struct{}{}

		f, ok := registry.Factory(cfg.Type)
		if !ok {
			return nil, &ConfigError{Realm: cfg.Name, Setting: cfg.Type, Msg: "unknown realm type"}
		}
		if f.Settings != nil {
			v := NewSettingsValidator(f.Settings, universalSettings)
			if unknown := v.Unknown(cfg.Settings); len(unknown) > 0 {
				return nil, &ConfigError{Realm: cfg.Name, Setting: unknown[0], Msg: "unknown setting"}
			}
		}
		if !cfg.Enabled {
			o.Logger.Debug("realm disabled", "realm", cfg.Name, "type", cfg.Type)
			continue
		}
		if f.Internal {
			if prev, seen := internal[cfg.Type]; seen {
				return nil, configErrorf(cfg.Name,
					"duplicate internal realm: multiple [%s] realms are configured ([%s] and [%s]); [%s] is an internal realm and therefore there can only be one such realm configured",
					cfg.Type, prev, cfg.Name, cfg.Type)
			}
			internal[cfg.Type] = cfg.Name
		}
		active = append(active, cfg)
	}

	if len(active) == 0 {
		base := registry.Baseline()
		if _, ok := registry.Factory(base); !ok {
			return nil, configErrorf("", "baseline realm type [%s] is not registered", base)
		}
		active = append(active, RealmConfig{
			Name:     DefaultRealmPrefix + base,
			Type:     base,
			Enabled:  true,
			Settings: Settings{},
		})
	}

	slices.SortStableFunc(active, func(a, b RealmConfig) int {
		if c := cmp.Compare(a.Order, b.Order); c != 0 {
			return c
		}
		return cmp.Compare(a.Name, b.Name)
	})

	realms := make([]Realm, 0, len(active))
	for _, cfg := range active {
		f, _ := registry.Factory(cfg.Type)
		if cfg.Settings == nil {
			cfg.Settings = Settings{}
		}
		r, err := f.New(cfg, o.Logger)
		if err != nil {
			return nil, &ConfigError{Realm: cfg.Name, Msg: "failed to create realm", Err: err}
		}
		realms = append(realms, r)
	}

	chain := &RealmChain{realms: realms, registry: registry, log: o.Logger}
	o.Logger.Info("realm chain built", "realms", chain.Names())
	return chain, nil
}

// NewRealmChain wraps already constructed realms, keeping the given order.
func NewRealmChain(realms ...Realm) *RealmChain {
	return &RealmChain{realms: slices.Clone(realms), log: logger.NewNullLogger()}
}

// Realms returns the realms in chain order.
func (c *RealmChain) Realms() []Realm { return slices.Clone(c.realms) }

func (c *RealmChain) Len() int { return len(c.realms) }

// Names returns the realm names in chain order.
func (c *RealmChain) Names() []string {
	out := make([]string, len(c.realms))
	for i, r := range c.realms {
		out[i] = r.Name()
	}
	return out
}

// Lookup finds an active realm by name.
func (c *RealmChain) Lookup(name string) (Realm, bool) {
	for _, r := range c.realms {
		if r.Name() == name {
			return r, true
		}
	}
	return nil, false
}

// Cacheable returns the realms that support cache expiry, in chain order.
func (c *RealmChain) Cacheable() []CacheableRealm {
	var out []CacheableRealm
	for _, r := range c.realms {
		if cr, ok := r.(CacheableRealm); ok {
			out = append(out, cr)
		}
	}
	return out
}

// UsageStats reports, per realm type, whether it is in use and how.
func (c *RealmChain) UsageStats() map[string]RealmTypeUsage {
	stats := make(map[string]RealmTypeUsage)
	if c.registry != nil {
		for _, t := range c.registry.Types() {
			stats[t] = RealmTypeUsage{Enabled: false, Available: true}
		}
	}
	for _, r := range c.realms {
		u := stats[r.Type()]
		u.Enabled = true
		u.Available = true
		u.Names = append(u.Names, r.Name())
		u.Orders = append(u.Orders, r.Order())
		stats[r.Type()] = u
	}
	return stats
}

func (c *RealmChain) String() string { return fmt.Sprintf("RealmChain%v", c.Names()) }

// FilesToWatch collects the files every realm depends on.
func (c *RealmChain) FilesToWatch() []string {
	var out []string
	for _, r := range c.realms {
		for r != nil {
			if fw, ok := r.(FileWatcher); ok {
				out = append(out, fw.FilesToWatch()...)
				break
			}
			u, ok := r.(interface{ Unwrap() Realm })
			if !ok {
				break
			}
			r = u.Unwrap()
		}
	}
	return out
}
