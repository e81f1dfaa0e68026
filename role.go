package shield

import (
	"slices"
	"strings"

	"github.com/oarkflow/shield/utils"
)

// IndexPrivileges grants privileges on index name patterns.
type IndexPrivileges struct {
	Names      []string `json:"names" yaml:"names"`
	Privileges []string `json:"privileges" yaml:"privileges"`
}

// RoleDescriptor is a named set of grants as stored in a role layer.
type RoleDescriptor struct {
	Name     string            `json:"name" yaml:"name,omitempty"`
	Cluster  []string          `json:"cluster,omitempty" yaml:"cluster,omitempty"`
	Indices  []IndexPrivileges `json:"indices,omitempty" yaml:"indices,omitempty"`
	RunAs    []string          `json:"run_as,omitempty" yaml:"run_as,omitempty"`
	Metadata map[string]any    `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

// Clone returns a deep enough copy for callers to modify.
func (d *RoleDescriptor) Clone() *RoleDescriptor {
	cp := *d
	cp.Cluster = slices.Clone(d.Cluster)
	cp.RunAs = slices.Clone(d.RunAs)
	cp.Indices = make([]IndexPrivileges, len(d.Indices))
	for i, ip := range d.Indices {
		cp.Indices[i] = IndexPrivileges{Names: slices.Clone(ip.Names), Privileges: slices.Clone(ip.Privileges)}
	}
	if d.Metadata != nil {
		cp.Metadata = make(map[string]any, len(d.Metadata))
		for k, v := range d.Metadata {
			cp.Metadata[k] = v
		}
	}
	return &cp
}

var clusterPrivileges = map[string][]string{
	"none":                   nil,
	"all":                    {"cluster:*", "indices:admin/template/*"},
	"monitor":                {"cluster:monitor/*"},
	"manage":                 {"cluster:*", "indices:admin/template/*"},
	"manage_security":        {"cluster:admin/realm/*", "cluster:admin/role/*", "cluster:admin/user/*"},
	"manage_index_templates": {"indices:admin/template/*"},
	"manage_pipeline":        {"cluster:admin/ingest/pipeline/*"},
	"transport_client":       {"cluster:monitor/nodes/liveness", "cluster:monitor/state"},
}

var indexPrivileges = map[string][]string{
	"none":                nil,
	"all":                 {"indices:*"},
	"read":                {"indices:data/read/*"},
	"write":               {"indices:data/write/*"},
	"index":               {"indices:data/write/index*", "indices:data/write/update*", "indices:data/write/bulk*"},
	"create":              {"indices:data/write/index*", "indices:data/write/bulk*"},
	"delete":              {"indices:data/write/delete*", "indices:data/write/bulk*"},
	"create_index":        {"indices:admin/create"},
	"delete_index":        {"indices:admin/delete"},
	"monitor":             {"indices:monitor/*"},
	"manage":              {"indices:monitor/*", "indices:admin/*"},
	"view_index_metadata": {"indices:admin/get*", "indices:admin/mappings/get*", "indices:monitor/settings/get"},
}

// privilegeActions expands a privilege name into action patterns. Names that
// already look like action patterns are used as is.
func privilegeActions(table map[string][]string, name string) []string {
	if acts, ok := table[name]; ok {
		return acts
	}
	if strings.Contains(name, ":") {
		return []string{name}
	}
	return nil
}

// IndexPermission is one index grant with privileges expanded to actions.
type IndexPermission struct {
	Patterns []string
	Actions  []string
}

// Role is the effective permission set of one or more role descriptors.
type Role struct {
	Names   []string
	Cluster []string
	Indices []IndexPermission
	RunAs   []string
}

// BuildRole merges descriptors into an effective role. A nil or empty input
// yields a role that grants nothing.
func BuildRole(descriptors ...*RoleDescriptor) *Role {
	r := &Role{}
	for _, d := range descriptors {
		if d == nil {
			continue
		}
		r.Names = append(r.Names, d.Name)
		for _, p := range d.Cluster {
			r.Cluster = append(r.Cluster, privilegeActions(clusterPrivileges, p)...)
		}
		for _, ip := range d.Indices {
			perm := IndexPermission{Patterns: slices.Clone(ip.Names)}
			for _, p := range ip.Privileges {
				perm.Actions = append(perm.Actions, privilegeActions(indexPrivileges, p)...)
			}
			if len(perm.Patterns) > 0 && len(perm.Actions) > 0 {
				r.Indices = append(r.Indices, perm)
			}
		}
		r.RunAs = append(r.RunAs, d.RunAs...)
	}
	r.Cluster = dedupe(r.Cluster)
	r.RunAs = dedupe(r.RunAs)
	return r
}

// AllowsCluster reports whether action is granted by a cluster privilege.
func (r *Role) AllowsCluster(action string) bool {
	return utils.GlobAny(r.Cluster, action)
}

// AllowsIndices reports whether action is granted on every index. An index
// request without indices is checked against any index grant.
func (r *Role) AllowsIndices(action string, indices []string) bool {
	if len(indices) == 0 {
		for _, p := range r.Indices {
			if utils.GlobAny(p.Actions, action) {
				return true
			}
		}
		return false
	}
	for _, idx := range indices {
		granted := false
		for _, p := range r.Indices {
			if utils.GlobAny(p.Actions, action) && utils.GlobAny(p.Patterns, idx) {
				granted = true
				break
			}
		}
		if !granted {
			return false
		}
	}
	return true
}

// AllowsRunAs reports whether the role may act as principal.
func (r *Role) AllowsRunAs(principal string) bool {
	return utils.GlobAny(r.RunAs, principal)
}

// Allows checks an action against the matching permission class.
func (r *Role) Allows(action string, indices []string) bool {
	if strings.HasPrefix(action, "indices:") {
		return r.AllowsIndices(action, indices)
	}
	return r.AllowsCluster(action)
}
