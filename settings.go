package shield

import (
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"
)

// Universal realm setting keys, accepted for every realm type.
const (
	SettingType    = "type"
	SettingEnabled = "enabled"
	SettingOrder   = "order"
)

var universalSettings = []string{SettingType, SettingEnabled, SettingOrder}

// Settings is a flat realm settings map. Nested YAML maps are flattened into
// dotted keys by ParseRealmConfigs.
type Settings map[string]any

func (s Settings) Has(key string) bool {
	_, ok := s[key]
	return ok
}

func (s Settings) String(key, def string) string {
	v, ok := s[key]
	if !ok || v == nil {
		return def
	}
	return fmt.Sprint(v)
}

func (s Settings) Int(key string, def int) int {
	if n, ok := intValue(s[key]); ok {
		return n
	}
	return def
}

func intValue(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case uint64:
		return int(n), true
	case float64:
		if n == float64(int(n)) {
			return int(n), true
		}
	case string:
		if i, err := strconv.Atoi(n); err == nil {
			return i, true
		}
	}
	return 0, false
}

func boolValue(v any) (bool, bool) {
	switch b := v.(type) {
	case bool:
		return b, true
	case string:
		if parsed, err := strconv.ParseBool(b); err == nil {
			return parsed, true
		}
	}
	return false, false
}

func (s Settings) Bool(key string, def bool) bool {
	if b, ok := boolValue(s[key]); ok {
		return b
	}
	return def
}

// Duration accepts Go duration strings or integer milliseconds.
func (s Settings) Duration(key string, def time.Duration) time.Duration {
	switch v := s[key].(type) {
	case string:
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	case int:
		return time.Duration(v) * time.Millisecond
	case float64:
		return time.Duration(v) * time.Millisecond
	}
	return def
}

// Strings accepts a list or a comma separated string.
func (s Settings) Strings(key string) []string {
	switch v := s[key].(type) {
	case []string:
		return slices.Clone(v)
	case []any:
		out := make([]string, 0, len(v))
		for _, e := range v {
			out = append(out, fmt.Sprint(e))
		}
		return out
	case string:
		if v == "" {
			return nil
		}
		parts := strings.Split(v, ",")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		return parts
	}
	return nil
}

// Sub returns the settings under prefix with the prefix stripped.
func (s Settings) Sub(prefix string) Settings {
	prefix = strings.TrimSuffix(prefix, ".") + "."
	out := Settings{}
	for k, v := range s {
		if strings.HasPrefix(k, prefix) {
			out[strings.TrimPrefix(k, prefix)] = v
		}
	}
	return out
}

// SettingsValidator checks keys against a declared set. Entries ending in ".*"
// accept any key under that prefix.
type SettingsValidator struct {
	exact    map[string]struct{}
	prefixes []string
}

func NewSettingsValidator(keys ...[]string) *SettingsValidator {
	v := &SettingsValidator{exact: make(map[string]struct{})}
	for _, set := range keys {
		for _, k := range set {
			if p, ok := strings.CutSuffix(k, ".*"); ok {
				v.prefixes = append(v.prefixes, p+".")
				continue
			}
			v.exact[k] = struct{}{}
		}
	}
	return v
}

// Unknown returns the keys of s not covered by the validator, sorted.
func (v *SettingsValidator) Unknown(s Settings) []string {
	var out []string
	for k := range s {
		if v.accepts(k) {
			continue
		}
		out = append(out, k)
	}
	slices.Sort(out)
	return out
}

func (v *SettingsValidator) accepts(key string) bool {
	if _, ok := v.exact[key]; ok {
		return true
	}
	for _, p := range v.prefixes {
		if strings.HasPrefix(key, p) {
			return true
		}
	}
	return false
}
