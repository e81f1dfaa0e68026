package realms

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/crypto/bcrypt"

	"github.com/oarkflow/shield"
)

var (
	errUnknownUser  = errors.New("unknown user")
	errUserDisabled = errors.New("user is disabled")
	errBadPassword  = errors.New("invalid password")
)

// User is a locally stored account, as held by the file and native realms.
type User struct {
	Username     string         `json:"username" yaml:"-"`
	PasswordHash string         `json:"password_hash" yaml:"password"`
	Roles        []string       `json:"roles" yaml:"roles"`
	FullName     string         `json:"full_name,omitempty" yaml:"full_name,omitempty"`
	Email        string         `json:"email,omitempty" yaml:"email,omitempty"`
	Enabled      *bool          `json:"enabled,omitempty" yaml:"enabled,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

// IsEnabled reports whether the account may authenticate. Accounts are
// enabled unless explicitly disabled.
func (u *User) IsEnabled() bool { return u.Enabled == nil || *u.Enabled }

// Identity converts the account into an identity.
func (u *User) Identity() *shield.Identity {
	return shield.NewIdentity(u.Username, u.Roles,
		shield.WithFullName(u.FullName),
		shield.WithEmail(u.Email),
		shield.WithMetadata(u.Metadata))
}

// HashPassword returns a bcrypt hash suitable for User.PasswordHash.
func HashPassword(password string, cost int) (string, error) {
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	h, err := bcrypt.GenerateFromPassword([]byte(password), cost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(h), nil
}

// UserStore looks accounts up by name. A nil user and nil error means the
// account does not exist.
type UserStore interface {
	GetUser(ctx context.Context, username string) (*User, error)
}

// verify checks password against u and returns the identity on success.
func verify(u *User, password []byte) (*shield.Identity, error) {
	if u == nil {
		return nil, errUnknownUser
	}
	if !u.IsEnabled() {
		return nil, errUserDisabled
	}
	if err := bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), password); err != nil {
		return nil, errBadPassword
	}
	return u.Identity(), nil
}
