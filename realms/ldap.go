package realms

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/multierr"

	"github.com/oarkflow/shield"
	"github.com/oarkflow/shield/logger"
)

// LDAPType is the directory realm type.
const LDAPType = "ldap"

const (
	SettingURL                   = "url"
	SettingUserDNTemplates       = "user_dn_templates"
	SettingGroupSearchBaseDN     = "group_search.base_dn"
	SettingReadTimeout           = "timeout.tcp_read"
	SettingUnmappedGroupsAsRoles = "unmapped_groups_as_roles"
	SettingRoleMappingFile       = "files.role_mapping"
	SettingSSLKey                = "ssl.key"
	SettingSSLCertificate        = "ssl.certificate"
	SettingSSLCAs                = "ssl.certificate_authorities"
)

// LDAPRealm binds users through a DirectorySessionFactory and maps their
// groups to roles with role mapping expressions.
type LDAPRealm struct {
	shield.RealmBase
	sessions        shield.DirectorySessionFactory
	groups          shield.GroupsResolver
	directory       shield.DirectoryConfig
	unmappedAsRoles bool
	mappingFile     string
	log             logger.Logger

	mu     sync.RWMutex
	mapper *shield.RoleMapper
}

func NewLDAPRealm(cfg shield.RealmConfig, sessions shield.DirectorySessionFactory, groups shield.GroupsResolver, log logger.Logger) (*LDAPRealm, error) {
	if sessions == nil || groups == nil {
		return nil, fmt.Errorf("ldap realm requires a directory session factory and a groups resolver")
	}
	s := cfg.Settings
	dir, err := directoryConfig(s)
	if err != nil {
		return nil, &shield.ConfigError{Realm: cfg.Name, Msg: err.Error()}
	}
	r := &LDAPRealm{
		RealmBase:       shield.NewRealmBase(cfg),
		sessions:        sessions,
		groups:          groups,
		directory:       dir,
		unmappedAsRoles: s.Bool(SettingUnmappedGroupsAsRoles, false),
		mappingFile:     s.String(SettingRoleMappingFile, ""),
		log:             logger.OrNull(log),
		mapper:          shield.NewRoleMapper(),
	}
	if r.mappingFile != "" {
		if err := r.ReloadMappings(); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func directoryConfig(s shield.Settings) (shield.DirectoryConfig, error) {
	dir := shield.DirectoryConfig{
		URLs:              s.Strings(SettingURL),
		UserDNTemplates:   s.Strings(SettingUserDNTemplates),
		GroupSearchBaseDN: s.String(SettingGroupSearchBaseDN, ""),
		Timeout:           s.Duration(SettingReadTimeout, 5*time.Second),
	}
	if t, ok := s[SettingUserDNTemplates].(string); ok && t != "" {
		dir.UserDNTemplates = []string{t}
	}
	if len(dir.URLs) == 0 {
		return dir, fmt.Errorf("missing required setting [%s]", SettingURL)
	}
	secure := false
	for _, raw := range dir.URLs {
		u, err := url.Parse(raw)
		if err != nil || (u.Scheme != "ldap" && u.Scheme != "ldaps") || u.Host == "" {
			return dir, fmt.Errorf("invalid [%s] value [%s]", SettingURL, raw)
		}
		secure = secure || u.Scheme == "ldaps"
	}
	if len(dir.UserDNTemplates) == 0 {
		return dir, fmt.Errorf("missing required setting [%s]", SettingUserDNTemplates)
	}
	for _, t := range dir.UserDNTemplates {
		if !strings.Contains(t, "{0}") {
			return dir, fmt.Errorf("user dn template [%s] has no {0} placeholder", t)
		}
	}
	key, cert := s.String(SettingSSLKey, ""), s.String(SettingSSLCertificate, "")
	switch {
	case key != "" && cert != "":
		dir.Keys = shield.PEMKeyMaterial{Key: key, Certificate: cert}
	case key != "" || cert != "":
		return dir, fmt.Errorf("[%s] and [%s] must be set together", SettingSSLKey, SettingSSLCertificate)
	}
	if cas := s.Strings(SettingSSLCAs); len(cas) > 0 {
		dir.Trust = shield.PEMTrustMaterial{Authorities: cas}
	}
	if !secure && (dir.Keys != nil || dir.Trust != nil) {
		return dir, fmt.Errorf("ssl settings require an ldaps url")
	}
	return dir, nil
}

// Directory returns the connection settings handed to the collaborators.
func (r *LDAPRealm) Directory() shield.DirectoryConfig { return r.directory }

// SetRoleMappings replaces the role mappings.
func (r *LDAPRealm) SetRoleMappings(mappings ...shield.RoleMapping) {
	r.mu.Lock()
	r.mapper = shield.NewRoleMapper(mappings...)
	r.mu.Unlock()
}

// ReloadMappings re-reads the role mapping file.
func (r *LDAPRealm) ReloadMappings() error {
	data, err := os.ReadFile(r.mappingFile)
	if err != nil {
		return fmt.Errorf("read role mapping file: %w", err)
	}
	mappings, err := shield.ParseRoleMappings(data)
	if err != nil {
		return err
	}
	r.SetRoleMappings(mappings...)
	r.log.Info("loaded role mappings", "realm", r.Name(), "path", r.mappingFile, "mappings", len(mappings))
	return nil
}

func (r *LDAPRealm) Supports(tok shield.AuthenticationToken) bool {
	_, ok := tok.(*shield.UsernamePasswordToken)
	return ok
}

// Authenticate binds with each user DN template in order; the first
// successful bind wins.
func (r *LDAPRealm) Authenticate(ctx context.Context, tok shield.AuthenticationToken) (*shield.Identity, error) {
	var errs error
	for _, dn := range r.directory.BindDNs(tok.Principal()) {
		session, err := r.sessions.Session(ctx, r.directory, dn, tok.Credentials())
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("bind as [%s]: %w", dn, err))
			continue
		}
		defer session.Close()
		return r.identity(ctx, tok.Principal(), session)
	}
	return nil, fmt.Errorf("bind failed: %w", errs)
}

func (r *LDAPRealm) LookupUser(ctx context.Context, principal string) (*shield.Identity, error) {
	session, err := r.sessions.UnauthenticatedSession(ctx, r.directory, principal)
	if err != nil || session == nil {
		return nil, err
	}
	defer session.Close()
	return r.identity(ctx, principal, session)
}

func (r *LDAPRealm) identity(ctx context.Context, username string, session shield.DirectorySession) (*shield.Identity, error) {
	dn := session.UserDN()
	groups, err := r.groups.ResolveGroups(ctx, session, r.directory.GroupSearchBaseDN, dn, r.directory.Timeout)
	if err != nil {
		return nil, fmt.Errorf("resolve groups of [%s]: %w", dn, err)
	}
	attrs := shield.UserAttributes(r.Name(), username, dn, groups, session.Metadata())

	r.mu.RLock()
	roles := r.mapper.Resolve(attrs)
	r.mu.RUnlock()
	if r.unmappedAsRoles && len(roles) == 0 {
		for _, g := range groups {
			roles = append(roles, commonName(g))
		}
		sort.Strings(roles)
	}
	r.log.Debug("resolved directory user", "realm", r.Name(), "dn", dn, "groups", len(groups), "roles", roles)

	md := map[string]any{"ldap_dn": dn, "ldap_groups": groups}
	for k, v := range session.Metadata() {
		md[k] = v
	}
	return shield.NewIdentity(username, roles, shield.WithMetadata(md)), nil
}

// commonName returns the value of the first RDN of dn.
func commonName(dn string) string {
	first, _, _ := strings.Cut(dn, ",")
	if _, v, ok := strings.Cut(first, "="); ok {
		return strings.TrimSpace(v)
	}
	return first
}

// FilesToWatch returns the role mapping file and the ssl files.
func (r *LDAPRealm) FilesToWatch() []string {
	var out []string
	if r.mappingFile != "" {
		out = append(out, r.mappingFile)
	}
	return append(out, r.directory.FilesToWatch()...)
}
