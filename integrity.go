package shield

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"

	"github.com/oarkflow/shield/logger"
)

// SystemKeySize is the size in bytes of a generated system key.
const SystemKeySize = 32

// signatureLen is the encoded length of an HMAC-SHA256 tag.
var signatureLen = base64.RawURLEncoding.EncodedLen(sha256.Size)

var signedPattern = regexp.MustCompile(`^\$\$[0-9]+\$\$[^$]*\$\$.+`)

// IntegrityGuard signs opaque tokens handed to clients and verifies them when
// they come back. Signed tokens have the form "$$<len>$$$$<tag><payload>".
// Without a key, tokens pass through unsigned and any token that looks signed
// is rejected.
type IntegrityGuard struct {
	key []byte
	log logger.Logger
}

func NewIntegrityGuard(key []byte, opts ...Option) *IntegrityGuard {
	o := buildOptions(opts)
	if len(key) == 0 {
		o.Logger.Warn("no system key configured, continuation tokens will not be signed")
	}
	return &IntegrityGuard{key: append([]byte(nil), key...), log: o.Logger}
}

// Enabled reports whether a signing key is present.
func (g *IntegrityGuard) Enabled() bool { return len(g.key) > 0 }

// IsSigned reports whether token has the shape of a signed token.
func IsSigned(token string) bool { return signedPattern.MatchString(token) }

// Sign returns payload with an authenticity tag. A payload that already
// verifies is returned unchanged.
func (g *IntegrityGuard) Sign(payload string) string {
	if !g.Enabled() {
		return payload
	}
	if IsSigned(payload) {
		if _, err := g.Verify(payload); err == nil {
			return payload
		}
	}
	sig := g.tag(payload)
	return "$$" + strconv.Itoa(len(sig)) + "$$$$" + sig + payload
}

// Verify returns the original payload, or a *TamperedError when the token
// is malformed or its tag does not match.
func (g *IntegrityGuard) Verify(token string) (string, error) {
	if !g.Enabled() {
		if IsSigned(token) {
			return "", &TamperedError{Reason: "signed token received but no system key is configured"}
		}
		return token, nil
	}
	rest, ok := strings.CutPrefix(token, "$$")
	if !ok {
		return "", &TamperedError{Reason: "missing signature header"}
	}
	lenStr, rest, ok := strings.Cut(rest, "$$")
	if !ok || lenStr == "" || !isDigits(lenStr) {
		return "", &TamperedError{Reason: "malformed signature length"}
	}
	n, err := strconv.Atoi(lenStr)
	if err != nil || n != signatureLen {
		return "", &TamperedError{Reason: "unexpected signature length"}
	}
	rest, ok = strings.CutPrefix(rest, "$$")
	if !ok || len(rest) < n {
		return "", &TamperedError{Reason: "malformed signed token"}
	}
	received, payload := rest[:n], rest[n:]
	if !hmac.Equal([]byte(received), []byte(g.tag(payload))) {
		g.log.Debug("signature mismatch on signed token")
		return "", &TamperedError{Reason: "signature mismatch"}
	}
	return payload, nil
}

func (g *IntegrityGuard) tag(payload string) string {
	mac := hmac.New(sha256.New, g.key)
	mac.Write([]byte(payload))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

func isDigits(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

// GenerateSystemKey returns a new random key.
func GenerateSystemKey() ([]byte, error) {
	key := make([]byte, SystemKeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generate system key: %w", err)
	}
	return key, nil
}

// WriteSystemKey writes key to path, readable by the owner only.
func WriteSystemKey(path string, key []byte) error {
	if err := os.WriteFile(path, key, 0o600); err != nil {
		return fmt.Errorf("write system key: %w", err)
	}
	return nil
}

// LoadSystemKey reads a key written by WriteSystemKey.
func LoadSystemKey(path string) ([]byte, error) {
	key, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read system key: %w", err)
	}
	if len(key) < SystemKeySize {
		return nil, &ConfigError{Setting: path, Msg: fmt.Sprintf("system key must be at least %d bytes", SystemKeySize)}
	}
	return key, nil
}
