package stores

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/oarkflow/squealx"

	"github.com/oarkflow/shield"
	"github.com/oarkflow/shield/logger"
)

// SQLRolesStore persists role descriptors in SQL (squealx). It is the native
// role layer of a shield.CompositeRolesStore.
type SQLRolesStore struct {
	db  *squealx.DB
	log logger.Logger
}

var _ shield.NativeRolesStore = (*SQLRolesStore)(nil)

func NewSQLRolesStore(db *squealx.DB, log logger.Logger) *SQLRolesStore {
	return &SQLRolesStore{db: db, log: logger.OrNull(log)}
}

// PutRole inserts or replaces a role. Reserved names are rejected.
func (s *SQLRolesStore) PutRole(ctx context.Context, d *shield.RoleDescriptor) error {
	if d == nil || d.Name == "" {
		return fmt.Errorf("role requires a name")
	}
	if shield.IsReserved(d.Name) {
		return fmt.Errorf("role [%s] is reserved and cannot be modified", d.Name)
	}
	body, err := jsonText(d)
	if err != nil {
		return fmt.Errorf("encode role [%s]: %w", d.Name, err)
	}
	now := time.Now().UTC()
	q := `INSERT INTO security_roles(name, descriptor_json, created_at, updated_at) VALUES(:name, :descriptor_json, :now, :now)
ON CONFLICT(name) DO UPDATE SET descriptor_json = excluded.descriptor_json, updated_at = excluded.updated_at`
	_, err = s.db.NamedExecContext(ctx, q, map[string]any{"name": d.Name, "descriptor_json": body, "now": now})
	return err
}

// DeleteRole removes a role. Deleting a missing role is not an error.
func (s *SQLRolesStore) DeleteRole(ctx context.Context, name string) error {
	_, err := s.db.NamedExecContext(ctx, `DELETE FROM security_roles WHERE name = :name`, map[string]any{"name": name})
	return err
}

// GetRoleDescriptors loads the named roles, or every role when names is nil,
// and delivers them to cb from a separate goroutine.
func (s *SQLRolesStore) GetRoleDescriptors(ctx context.Context, names []string, cb func([]*shield.RoleDescriptor, error)) {
	go func() {
		cb(s.Load(ctx, names))
	}()
}

// Load is the blocking form of GetRoleDescriptors. Results are sorted by name.
func (s *SQLRolesStore) Load(ctx context.Context, names []string) ([]*shield.RoleDescriptor, error) {
	if names == nil {
		return s.query(ctx, `SELECT name, descriptor_json FROM security_roles`, map[string]any{})
	}
	out := make([]*shield.RoleDescriptor, 0, len(names))
	for _, name := range names {
		found, err := s.query(ctx, `SELECT name, descriptor_json FROM security_roles WHERE name = :name`, map[string]any{"name": name})
		if err != nil {
			return nil, err
		}
		out = append(out, found...)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *SQLRolesStore) query(ctx context.Context, q string, params map[string]any) ([]*shield.RoleDescriptor, error) {
	r, err := s.db.NamedQueryContext(ctx, q, params)
	if err != nil {
		return nil, fmt.Errorf("query roles: %w", err)
	}
	defer r.Close()
	out := make([]*shield.RoleDescriptor, 0)
	for r.Next() {
		var name, body string
		if err := r.Scan(&name, &body); err != nil {
			return nil, err
		}
		d := &shield.RoleDescriptor{}
		if err := json.Unmarshal([]byte(body), d); err != nil {
			s.log.Warn("skipping unreadable role", "role", name, "error", err)
			continue
		}
		d.Name = name
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}
