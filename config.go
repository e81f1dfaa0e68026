package shield

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the node level security configuration.
type Config struct {
	NodeName          string                    `json:"node_name" yaml:"node_name"`
	Realms            map[string]map[string]any `json:"realms" yaml:"realms"`
	RolesFile         string                    `json:"roles_file,omitempty" yaml:"roles_file,omitempty"`
	SystemKeyFile     string                    `json:"system_key_file,omitempty" yaml:"system_key_file,omitempty"`
	Audit             AuditConfig               `json:"audit" yaml:"audit"`
	Anonymous         AnonymousConfig           `json:"anonymous" yaml:"anonymous"`
	Cache             CacheDefaults             `json:"cache" yaml:"cache"`
	IPFilter          IPFilterConfig            `json:"ip_filter" yaml:"ip_filter"`
	Database          DatabaseConfig            `json:"database" yaml:"database"`
	Redis             RedisConfig               `json:"redis" yaml:"redis"`
	ClearCacheTimeout int64                     `json:"clear_cache_timeout_ms" yaml:"clear_cache_timeout_ms"`
}

type AuditConfig struct {
	Enabled               bool                `json:"enabled" yaml:"enabled"`
	Outputs               []AuditOutputConfig `json:"outputs" yaml:"outputs"`
	AuthenticationSuccess bool                `json:"authentication_success" yaml:"authentication_success"`
}

type AnonymousConfig struct {
	Username string   `json:"username" yaml:"username"`
	Roles    []string `json:"roles" yaml:"roles"`
}

// CacheDefaults apply to cacheable realms that do not size their own cache.
type CacheDefaults struct {
	NumCounters int64 `json:"num_counters" yaml:"num_counters"`
	MaxCost     int64 `json:"max_cost" yaml:"max_cost"`
	BufferItems int64 `json:"buffer_items" yaml:"buffer_items"`
}

type IPFilterConfig struct {
	Allow []string `json:"allow" yaml:"allow"`
	Deny  []string `json:"deny" yaml:"deny"`
}

// DatabaseConfig locates the database backing the native realm, the native
// role layer and the index audit output.
type DatabaseConfig struct {
	Driver string `json:"driver" yaml:"driver"`
	DSN    string `json:"dsn" yaml:"dsn"`
}

// RedisConfig enables the redis cluster transport when Addr is set.
type RedisConfig struct {
	Addr     string `json:"addr" yaml:"addr"`
	Password string `json:"password,omitempty" yaml:"password,omitempty"`
	DB       int    `json:"db" yaml:"db"`
	Prefix   string `json:"prefix" yaml:"prefix"`
}

// ConfigLoader loads configuration from various formats
type ConfigLoader struct{}

func NewConfigLoader() *ConfigLoader {
	return &ConfigLoader{}
}

func (l *ConfigLoader) LoadYAML(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (l *ConfigLoader) LoadJSON(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile picks the decoder from the file extension.
func (l *ConfigLoader) LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return l.LoadJSON(data)
	case ".yml", ".yaml":
		return l.LoadYAML(data)
	default:
		return nil, fmt.Errorf("unsupported config format %q", filepath.Ext(path))
	}
}

// ToYAML exports config to YAML
func (c *Config) ToYAML() ([]byte, error) {
	return yaml.Marshal(c)
}

// ClearTimeout returns the cache clear timeout, 30s when unset.
func (c *Config) ClearTimeout() time.Duration {
	if c.ClearCacheTimeout <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.ClearCacheTimeout) * time.Millisecond
}

// AnonymousIdentity returns the anonymous user, or nil when disabled.
func (c *Config) AnonymousIdentity() *Identity {
	if c.Anonymous.Username == "" || len(c.Anonymous.Roles) == 0 {
		return nil
	}
	return NewIdentity(c.Anonymous.Username, c.Anonymous.Roles, WithRealm("__anonymous"))
}

// RealmConfigs parses the realms section. Cache defaults are injected into
// realms whose type accepts cache settings and which set none themselves.
func (c *Config) RealmConfigs(reg *RealmRegistry) ([]RealmConfig, error) {
	configs, err := ParseRealmConfigs(c.Realms)
	if err != nil {
		return nil, err
	}
	defaults := map[string]int64{
		SettingCacheNumCounters: c.Cache.NumCounters,
		SettingCacheMaxCost:     c.Cache.MaxCost,
		SettingCacheBufferItems: c.Cache.BufferItems,
	}
	for i := range configs {
		f, ok := reg.Factory(configs[i].Type)
		if !ok || !slices.Contains(f.Settings, SettingCacheMaxCost) {
			continue
		}
		for k, v := range defaults {
			if v > 0 && !configs[i].Settings.Has(k) {
				configs[i].Settings[k] = int(v)
			}
		}
	}
	return configs, nil
}

// ParseRealmConfigs converts the raw realms section, keyed by realm name,
// into RealmConfig values sorted by name. Nested maps become dotted keys.
func ParseRealmConfigs(raw map[string]map[string]any) ([]RealmConfig, error) {
	names := make([]string, 0, len(raw))
	for n := range raw {
		names = append(names, n)
	}
	sort.Strings(names)

	out := make([]RealmConfig, 0, len(raw))
	for _, name := range names {
		flat := Settings{}
		flatten("", raw[name], flat)
		typ, ok := flat[SettingType].(string)
		if !ok || typ == "" {
			return nil, &ConfigError{Realm: name, Setting: SettingType, Msg: "missing realm type"}
		}
		cfg := RealmConfig{
			Name:    name,
			Type:    typ,
			Order:   flat.Int(SettingOrder, 0),
			Enabled: flat.Bool(SettingEnabled, true),
		}
		if v, set := flat[SettingOrder]; set {
			if _, isInt := intValue(v); !isInt {
				return nil, &ConfigError{Realm: name, Setting: SettingOrder, Msg: "order must be an integer"}
			}
		}
		if v, set := flat[SettingEnabled]; set {
			if _, isBool := boolValue(v); !isBool {
				return nil, &ConfigError{Realm: name, Setting: SettingEnabled, Msg: "enabled must be a boolean"}
			}
		}
		for _, k := range universalSettings {
			delete(flat, k)
		}
		cfg.Settings = flat
		out = append(out, cfg)
	}
	return out, nil
}

func flatten(prefix string, in map[string]any, out Settings) {
	for k, v := range in {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if m, ok := asStringMap(v); ok {
			flatten(key, m, out)
			continue
		}
		out[key] = v
	}
}
