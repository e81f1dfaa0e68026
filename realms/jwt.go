package realms

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/oarkflow/shield"
	"github.com/oarkflow/shield/logger"
)

// JWTType is the realm type for HMAC signed bearer tokens.
const JWTType = "jwt"

const (
	SettingHMACKey        = "hmac_key"
	SettingHMACKeyFile    = "hmac_key_file"
	SettingPrincipalClaim = "claims.principal"
	SettingRolesClaim     = "claims.roles"
	SettingIssuer         = "allowed_issuer"
	SettingAudience       = "allowed_audience"
)

var hmacMethods = []string{"HS256", "HS384", "HS512"}

// JWTRealm authenticates bearer tokens signed with a shared HMAC key.
type JWTRealm struct {
	shield.RealmBase
	key            []byte
	keyFile        string
	principalClaim string
	rolesClaim     string
	parser         *jwt.Parser
	log            logger.Logger
}

func NewJWTRealm(cfg shield.RealmConfig, log logger.Logger) (*JWTRealm, error) {
	s := cfg.Settings
	r := &JWTRealm{
		RealmBase:      shield.NewRealmBase(cfg),
		keyFile:        s.String(SettingHMACKeyFile, ""),
		principalClaim: s.String(SettingPrincipalClaim, "sub"),
		rolesClaim:     s.String(SettingRolesClaim, "roles"),
		log:            logger.OrNull(log),
	}
	switch {
	case r.keyFile != "":
		key, err := os.ReadFile(r.keyFile)
		if err != nil {
			return nil, fmt.Errorf("read hmac key: %w", err)
		}
		r.key = []byte(strings.TrimSpace(string(key)))
	case s.Has(SettingHMACKey):
		r.key = []byte(s.String(SettingHMACKey, ""))
	}
	if len(r.key) == 0 {
		return nil, fmt.Errorf("jwt realm requires [%s] or [%s]", SettingHMACKey, SettingHMACKeyFile)
	}
	opts := []jwt.ParserOption{jwt.WithValidMethods(hmacMethods), jwt.WithExpirationRequired()}
	if iss := s.String(SettingIssuer, ""); iss != "" {
		opts = append(opts, jwt.WithIssuer(iss))
	}
	if aud := s.String(SettingAudience, ""); aud != "" {
		opts = append(opts, jwt.WithAudience(aud))
	}
	r.parser = jwt.NewParser(opts...)
	return r, nil
}

func (r *JWTRealm) Supports(tok shield.AuthenticationToken) bool {
	bt, ok := tok.(*shield.BearerToken)
	return ok && strings.Count(bt.Value, ".") == 2
}

func (r *JWTRealm) Authenticate(_ context.Context, tok shield.AuthenticationToken) (*shield.Identity, error) {
	claims := jwt.MapClaims{}
	_, err := r.parser.ParseWithClaims(string(tok.Credentials()), claims, func(*jwt.Token) (any, error) {
		return r.key, nil
	})
	if err != nil {
		return nil, fmt.Errorf("invalid token: %w", err)
	}
	principal, _ := claims[r.principalClaim].(string)
	if principal == "" {
		return nil, errors.New("token has no principal claim [" + r.principalClaim + "]")
	}
	opts := []shield.IdentityOption{shield.WithMetadata(map[string]any{"jwt_claims": map[string]any(claims)})}
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		opts = append(opts, shield.WithExpiry(exp.Time))
	}
	return shield.NewIdentity(principal, claimStrings(claims[r.rolesClaim]), opts...), nil
}

// LookupUser always misses: tokens cannot be looked up without credentials.
func (r *JWTRealm) LookupUser(context.Context, string) (*shield.Identity, error) {
	return nil, nil
}

func (r *JWTRealm) FilesToWatch() []string {
	if r.keyFile == "" {
		return nil
	}
	return []string{r.keyFile}
}

func claimStrings(v any) []string {
	switch vv := v.(type) {
	case string:
		return strings.Fields(strings.ReplaceAll(vv, ",", " "))
	case []any:
		out := make([]string, 0, len(vv))
		for _, e := range vv {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
