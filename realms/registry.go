package realms

import (
	"slices"

	"github.com/oarkflow/shield"
	"github.com/oarkflow/shield/logger"
)

// Dependencies are the collaborators realm types need at construction.
type Dependencies struct {
	Users     UserStore
	Directory shield.DirectorySessionFactory
	Groups    shield.GroupsResolver
	Metrics   *shield.Metrics
}

// DefaultRegistry registers the file, native, ldap and jwt realm types with
// file as the baseline. Every realm is wrapped in a shield.CachingRealm.
func DefaultRegistry(deps Dependencies) *shield.RealmRegistry {
	reg := shield.NewRealmRegistry(FileType)
	reg.MustRegister(shield.RealmFactory{
		Type:     FileType,
		Internal: true,
		Settings: withCache(SettingUsersFile),
		New: func(cfg shield.RealmConfig, log logger.Logger) (shield.Realm, error) {
			r, err := NewFileRealm(cfg, log)
			if err != nil {
				return nil, err
			}
			c, err := cached(r, cfg, log, deps.Metrics)
			if err != nil {
				return nil, err
			}
			r.OnReload(c.ExpireAll)
			return c, nil
		},
	})
	reg.MustRegister(shield.RealmFactory{
		Type:     NativeType,
		Internal: true,
		Settings: withCache(),
		New: func(cfg shield.RealmConfig, log logger.Logger) (shield.Realm, error) {
			r, err := NewNativeRealm(cfg, deps.Users, log)
			if err != nil {
				return nil, err
			}
			return cached(r, cfg, log, deps.Metrics)
		},
	})
	reg.MustRegister(shield.RealmFactory{
		Type: LDAPType,
		Settings: withCache(SettingURL, SettingUserDNTemplates, SettingGroupSearchBaseDN, SettingReadTimeout,
			SettingUnmappedGroupsAsRoles, SettingRoleMappingFile, "ssl.*"),
		New: func(cfg shield.RealmConfig, log logger.Logger) (shield.Realm, error) {
			r, err := NewLDAPRealm(cfg, deps.Directory, deps.Groups, log)
			if err != nil {
				return nil, err
			}
			return cached(r, cfg, log, deps.Metrics)
		},
	})
	reg.MustRegister(shield.RealmFactory{
		Type: JWTType,
		Settings: withCache(SettingHMACKey, SettingHMACKeyFile, SettingPrincipalClaim, SettingRolesClaim,
			SettingIssuer, SettingAudience),
		New: func(cfg shield.RealmConfig, log logger.Logger) (shield.Realm, error) {
			r, err := NewJWTRealm(cfg, log)
			if err != nil {
				return nil, err
			}
			return cached(r, cfg, log, deps.Metrics)
		},
	})
	return reg
}

func withCache(keys ...string) []string {
	return append(slices.Clone(keys), shield.CacheSettings...)
}

func cached(r shield.Realm, cfg shield.RealmConfig, log logger.Logger, m *shield.Metrics) (*shield.CachingRealm, error) {
	return shield.NewCachingRealm(r, shield.CacheConfigFromSettings(cfg.Settings),
		shield.WithLogger(log), shield.WithMetrics(m))
}
