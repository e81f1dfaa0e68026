package shield

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"strings"
	"time"
)

// DirectoryConfig is what a realm hands its directory collaborators: where to
// connect, how to derive bind DNs and the TLS material to use.
type DirectoryConfig struct {
	URLs              []string
	UserDNTemplates   []string
	GroupSearchBaseDN string
	Timeout           time.Duration
	// Keys and Trust are nil when no ssl settings are configured.
	Keys  KeyMaterialProvider
	Trust TrustMaterialProvider
}

// BindDNs formats every user DN template for username, in order. "{0}" is
// replaced with the DN-escaped username.
func (c DirectoryConfig) BindDNs(username string) []string {
	escaped := EscapeDNValue(username)
	out := make([]string, 0, len(c.UserDNTemplates))
	for _, t := range c.UserDNTemplates {
		out = append(out, strings.ReplaceAll(t, "{0}", escaped))
	}
	return out
}

// TLSConfig builds the client TLS configuration from Keys and Trust. It
// returns nil when neither is set.
func (c DirectoryConfig) TLSConfig() (*tls.Config, error) {
	if c.Keys == nil && c.Trust == nil {
		return nil, nil
	}
	cfg := &tls.Config{MinVersion: tls.VersionTLS12}
	if c.Keys != nil {
		certs, err := c.Keys.KeyManagers()
		if err != nil {
			return nil, err
		}
		cfg.Certificates = certs
	}
	if c.Trust != nil {
		pool, err := c.Trust.TrustManagers()
		if err != nil {
			return nil, err
		}
		cfg.RootCAs = pool
	}
	return cfg, nil
}

// FilesToWatch lists the key and trust files.
func (c DirectoryConfig) FilesToWatch() []string {
	var out []string
	if c.Keys != nil {
		out = append(out, c.Keys.FilesToWatch()...)
	}
	if c.Trust != nil {
		out = append(out, c.Trust.FilesToWatch()...)
	}
	return out
}

// EscapeDNValue escapes an attribute value for use inside a DN.
func EscapeDNValue(v string) string {
	var b strings.Builder
	for i, r := range v {
		switch {
		case strings.ContainsRune(`,+"\<>;=`, r),
			i == 0 && (r == ' ' || r == '#'),
			i == len(v)-1 && r == ' ':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

// DirectorySession is an authenticated connection to a directory server.
type DirectorySession interface {
	// UserDN is the distinguished name the session is bound as.
	UserDN() string
	// Metadata returns extra user attributes exposed to role mapping.
	Metadata() map[string]any
	Close() error
}

// DirectorySessionFactory binds users against a directory. The wire protocol
// lives behind this interface.
type DirectorySessionFactory interface {
	// Session binds as userDN, one of cfg.BindDNs for the user.
	Session(ctx context.Context, cfg DirectoryConfig, userDN string, password []byte) (DirectorySession, error)
	// UnauthenticatedSession looks a user up without binding as them. It
	// returns a nil session when the user does not exist.
	UnauthenticatedSession(ctx context.Context, cfg DirectoryConfig, username string) (DirectorySession, error)
}

// GroupsResolver loads the group DNs of a user. An empty baseDN means the
// groups are read from the user entry itself.
type GroupsResolver interface {
	ResolveGroups(ctx context.Context, session DirectorySession, baseDN, userDN string, timeout time.Duration) ([]string, error)
}

// KeyMaterialProvider exposes the client certificates built from key files.
type KeyMaterialProvider interface {
	KeyManagers() ([]tls.Certificate, error)
	FilesToWatch() []string
}

// TrustMaterialProvider exposes the certificate pool built from CA files.
type TrustMaterialProvider interface {
	TrustManagers() (*x509.CertPool, error)
	FilesToWatch() []string
}

// FileWatcher is implemented by realms that depend on files which should be
// watched for change.
type FileWatcher interface {
	FilesToWatch() []string
}
