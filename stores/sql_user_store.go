package stores

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/oarkflow/squealx"

	"github.com/oarkflow/shield/realms"
)

// SQLUserStore persists native realm accounts in SQL (squealx).
type SQLUserStore struct {
	db *squealx.DB
}

var _ realms.UserStore = (*SQLUserStore)(nil)

func NewSQLUserStore(db *squealx.DB) *SQLUserStore {
	return &SQLUserStore{db: db}
}

// PutUser inserts or replaces an account. PasswordHash must already be hashed.
func (s *SQLUserStore) PutUser(ctx context.Context, u *realms.User) error {
	if u == nil || u.Username == "" || u.PasswordHash == "" {
		return fmt.Errorf("user requires a username and a password hash")
	}
	roles, err := jsonText(u.Roles)
	if err != nil {
		return err
	}
	md, err := jsonText(u.Metadata)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	q := `INSERT INTO security_users(username, password_hash, roles_json, full_name, email, enabled, metadata_json, created_at, updated_at)
VALUES(:username, :password_hash, :roles_json, :full_name, :email, :enabled, :metadata_json, :now, :now)
ON CONFLICT(username) DO UPDATE SET password_hash = excluded.password_hash, roles_json = excluded.roles_json,
full_name = excluded.full_name, email = excluded.email, enabled = excluded.enabled,
metadata_json = excluded.metadata_json, updated_at = excluded.updated_at`
	_, err = s.db.NamedExecContext(ctx, q, map[string]any{
		"username":      u.Username,
		"password_hash": u.PasswordHash,
		"roles_json":    roles,
		"full_name":     u.FullName,
		"email":         u.Email,
		"enabled":       boolToInt(u.IsEnabled()),
		"metadata_json": md,
		"now":           now,
	})
	return err
}

func (s *SQLUserStore) DeleteUser(ctx context.Context, username string) error {
	_, err := s.db.NamedExecContext(ctx, `DELETE FROM security_users WHERE username = :username`, map[string]any{"username": username})
	return err
}

// GetUser returns nil, nil when the account does not exist.
func (s *SQLUserStore) GetUser(ctx context.Context, username string) (*realms.User, error) {
	q := `SELECT username, password_hash, roles_json, full_name, email, enabled, metadata_json FROM security_users WHERE username = :username`
	r, err := s.db.NamedQueryContext(ctx, q, map[string]any{"username": username})
	if err != nil {
		return nil, fmt.Errorf("query user: %w", err)
	}
	defer r.Close()
	if !r.Next() {
		return nil, nil
	}
	var name, hash, rolesJSON, fullName, email, mdJSON string
	var enabled int
	if err := r.Scan(&name, &hash, &rolesJSON, &fullName, &email, &enabled, &mdJSON); err != nil {
		return nil, err
	}
	u := &realms.User{Username: name, PasswordHash: hash, FullName: fullName, Email: email}
	on := enabled != 0
	u.Enabled = &on
	if err := json.Unmarshal([]byte(rolesJSON), &u.Roles); err != nil {
		return nil, fmt.Errorf("decode roles of [%s]: %w", name, err)
	}
	_ = json.Unmarshal([]byte(mdJSON), &u.Metadata)
	return u, nil
}

// ListUsers returns every username, sorted.
func (s *SQLUserStore) ListUsers(ctx context.Context) ([]string, error) {
	r, err := s.db.NamedQueryContext(ctx, `SELECT username FROM security_users ORDER BY username`, map[string]any{})
	if err != nil {
		return nil, err
	}
	defer r.Close()
	out := make([]string, 0)
	for r.Next() {
		var name string
		if err := r.Scan(&name); err != nil {
			return nil, err
		}
		out = append(out, name)
	}
	return out, nil
}
