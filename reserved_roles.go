package shield

import "sort"

// ReservedMetadataKey marks built-in role descriptors.
const ReservedMetadataKey = "_reserved"

// SuperuserRole grants everything.
const SuperuserRole = "superuser"

func reserved(d *RoleDescriptor) *RoleDescriptor {
	d.Metadata = map[string]any{ReservedMetadataKey: true}
	return d
}

var reservedRoles = map[string]*RoleDescriptor{
	SuperuserRole: reserved(&RoleDescriptor{
		Name:    SuperuserRole,
		Cluster: []string{"all"},
		Indices: []IndexPrivileges{{Names: []string{"*"}, Privileges: []string{"all"}}},
		RunAs:   []string{"*"},
	}),
	"transport_client": reserved(&RoleDescriptor{
		Name:    "transport_client",
		Cluster: []string{"transport_client"},
	}),
	"kibana_user": reserved(&RoleDescriptor{
		Name:    "kibana_user",
		Cluster: []string{"monitor"},
		Indices: []IndexPrivileges{{Names: []string{".kibana*"}, Privileges: []string{"manage", "read", "index", "delete"}}},
	}),
	"kibana_system": reserved(&RoleDescriptor{
		Name:    "kibana_system",
		Cluster: []string{"monitor"},
		Indices: []IndexPrivileges{{Names: []string{".kibana*", ".reporting-*"}, Privileges: []string{"all"}}},
	}),
	"monitoring_user": reserved(&RoleDescriptor{
		Name:    "monitoring_user",
		Indices: []IndexPrivileges{{Names: []string{".monitoring-*"}, Privileges: []string{"read"}}},
	}),
	"ingest_admin": reserved(&RoleDescriptor{
		Name:    "ingest_admin",
		Cluster: []string{"manage_index_templates", "manage_pipeline"},
	}),
	"logstash_system": reserved(&RoleDescriptor{
		Name:    "logstash_system",
		Cluster: []string{"monitor"},
	}),
}

// ReservedRolesStore is the compiled-in role layer.
type ReservedRolesStore struct{}

func NewReservedRolesStore() *ReservedRolesStore { return &ReservedRolesStore{} }

// Get returns a copy of the reserved role name.
func (ReservedRolesStore) Get(name string) (*RoleDescriptor, bool) {
	d, ok := reservedRoles[name]
	if !ok {
		return nil, false
	}
	return d.Clone(), true
}

// IsReserved reports whether name is a built-in role.
func IsReserved(name string) bool {
	_, ok := reservedRoles[name]
	return ok
}

// Names returns the reserved role names, sorted.
func (ReservedRolesStore) Names() []string {
	out := make([]string, 0, len(reservedRoles))
	for n := range reservedRoles {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Descriptors returns copies of every reserved role, sorted by name.
func (s ReservedRolesStore) Descriptors() []*RoleDescriptor {
	names := s.Names()
	out := make([]*RoleDescriptor, len(names))
	for i, n := range names {
		out[i] = reservedRoles[n].Clone()
	}
	return out
}
