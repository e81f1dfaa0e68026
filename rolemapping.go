package shield

import (
	"fmt"
	"sort"

	"gopkg.in/yaml.v3"
)

// Attribute names exposed to role mapping expressions.
const (
	AttrUsername = "username"
	AttrDN       = "dn"
	AttrGroups   = "groups"
	AttrRealm    = "realm.name"
)

// RoleMapping grants Roles to users whose attributes match Rules.
type RoleMapping struct {
	Name    string
	Roles   []string
	Rules   RoleExpression
	Enabled bool
}

// RoleMapper evaluates role mappings against user attributes.
type RoleMapper struct {
	mappings []RoleMapping
}

func NewRoleMapper(mappings ...RoleMapping) *RoleMapper {
	return &RoleMapper{mappings: mappings}
}

// Resolve returns the roles of every enabled mapping that matches, sorted.
func (m *RoleMapper) Resolve(attrs map[string]any) []string {
	var roles []string
	for _, rm := range m.mappings {
		if rm.Enabled && rm.Rules != nil && rm.Rules.Match(attrs) {
			roles = append(roles, rm.Roles...)
		}
	}
	roles = dedupe(roles)
	sort.Strings(roles)
	return roles
}

func (m *RoleMapper) Len() int { return len(m.mappings) }

// UserAttributes builds the attribute map role mappings are evaluated
// against. Metadata keys are exposed as "metadata.<key>".
func UserAttributes(realm, username, dn string, groups []string, metadata map[string]any) map[string]any {
	attrs := map[string]any{
		AttrUsername: username,
		AttrGroups:   append([]string(nil), groups...),
		AttrRealm:    realm,
	}
	if dn != "" {
		attrs[AttrDN] = dn
	}
	for k, v := range metadata {
		attrs["metadata."+k] = v
	}
	return attrs
}

type roleMappingDoc struct {
	Name    string   `yaml:"name"`
	Roles   []string `yaml:"roles"`
	Rules   any      `yaml:"rules"`
	Enabled *bool    `yaml:"enabled"`
}

// ParseRoleMappings reads a role mapping file. Two layouts are accepted:
//
//	mappings:
//	  - name: ops
//	    roles: [ops]
//	    rules: {field: {groups: "cn=ops,*"}}
//
// or the DN list form, where each role lists user or group DNs:
//
//	ops: ["cn=ops,ou=groups,dc=example,dc=com"]
func ParseRoleMappings(data []byte) ([]RoleMapping, error) {
	var probe map[string]any
	if err := yaml.Unmarshal(data, &probe); err != nil {
		return nil, fmt.Errorf("parse role mappings: %w", err)
	}
	if _, ok := probe["mappings"]; ok {
		var doc struct {
			Mappings []roleMappingDoc `yaml:"mappings"`
		}
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("parse role mappings: %w", err)
		}
		out := make([]RoleMapping, 0, len(doc.Mappings))
		for i, d := range doc.Mappings {
			rules, err := ExpressionFromTree(d.Rules)
			if err != nil {
				return nil, fmt.Errorf("role mapping %d [%s]: %w", i, d.Name, err)
			}
			enabled := d.Enabled == nil || *d.Enabled
			out = append(out, RoleMapping{Name: d.Name, Roles: d.Roles, Rules: rules, Enabled: enabled})
		}
		return out, nil
	}

	var legacy map[string][]string
	if err := yaml.Unmarshal(data, &legacy); err != nil {
		return nil, fmt.Errorf("parse role mappings: %w", err)
	}
	roles := make([]string, 0, len(legacy))
	for r := range legacy {
		roles = append(roles, r)
	}
	sort.Strings(roles)
	out := make([]RoleMapping, 0, len(roles))
	for _, role := range roles {
		dns := make([]any, len(legacy[role]))
		for i, dn := range legacy[role] {
			dns[i] = dn
		}
		groups, err := Field(AttrGroups, dns...)
		if err != nil {
			return nil, err
		}
		user, err := Field(AttrDN, dns...)
		if err != nil {
			return nil, err
		}
		out = append(out, RoleMapping{Name: role, Roles: []string{role}, Rules: Any(groups, user), Enabled: true})
	}
	return out, nil
}
