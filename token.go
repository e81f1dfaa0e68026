package shield

import (
	"crypto/sha256"
	"encoding/hex"
)

// AuthenticationToken is the credential presented with a request.
type AuthenticationToken interface {
	Principal() string
	Credentials() []byte
}

// UsernamePasswordToken is a basic-auth style credential.
type UsernamePasswordToken struct {
	Username string
	Password []byte
}

func NewUsernamePasswordToken(username, password string) *UsernamePasswordToken {
	return &UsernamePasswordToken{Username: username, Password: []byte(password)}
}

func (t *UsernamePasswordToken) Principal() string   { return t.Username }
func (t *UsernamePasswordToken) Credentials() []byte { return t.Password }

// Clear zeroes the password bytes.
func (t *UsernamePasswordToken) Clear() {
	for i := range t.Password {
		t.Password[i] = 0
	}
}

// BearerToken is an opaque bearer credential (for example a JWT). The
// principal is unknown until a realm has parsed it.
type BearerToken struct {
	Value string
}

func (t *BearerToken) Principal() string   { return "" }
func (t *BearerToken) Credentials() []byte { return []byte(t.Value) }

// CredentialHash returns a hex sha256 of the token credentials, used as the
// cache discriminator so that raw secrets are never stored.
func CredentialHash(tok AuthenticationToken) string {
	sum := sha256.Sum256(tok.Credentials())
	return hex.EncodeToString(sum[:])
}
