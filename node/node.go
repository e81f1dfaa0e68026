// Package node assembles a security node from a shield.Config.
package node

import (
	"context"
	"fmt"
	"io"
	"net"
	"slices"

	"github.com/oarkflow/squealx"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/multierr"

	"github.com/oarkflow/shield"
	"github.com/oarkflow/shield/logger"
	"github.com/oarkflow/shield/realms"
	"github.com/oarkflow/shield/stores"
	"github.com/oarkflow/shield/transport"
)

// Options carries collaborators the configuration cannot describe.
type Options struct {
	Logger     logger.Logger
	Registerer prometheus.Registerer
	Directory  shield.DirectorySessionFactory
	Groups     shield.GroupsResolver
	// Cluster replaces the transport chosen from the configuration.
	Cluster *shield.LocalCluster
}

// Node holds every wired security component of one node.
type Node struct {
	Name         string
	Config       *shield.Config
	Metrics      *shield.Metrics
	DB           *squealx.DB
	Users        *stores.SQLUserStore
	NativeRoles  *stores.SQLRolesStore
	Audit        shield.AuditTrail
	Chain        *shield.RealmChain
	FileRoles    *shield.FileRolesStore
	Roles        *shield.CompositeRolesStore
	Authn        *shield.AuthenticationService
	Authz        *shield.Authorizer
	Guard        *shield.IntegrityGuard
	Filter       *shield.SecurityFilter
	IPFilter     *shield.IPFilter
	Invalidation *shield.CacheInvalidationService

	log     logger.Logger
	redis   *redis.Client
	member  *transport.RedisNode
	closers []io.Closer
}

// New builds a node. On error every resource opened so far is released.
func New(ctx context.Context, cfg *shield.Config, o Options) (_ *Node, err error) {
	log := logger.OrNull(o.Logger)
	n := &Node{Name: cfg.NodeName, Config: cfg, log: log}
	if n.Name == "" {
		n.Name = "node-0"
	}
	defer func() {
		if err != nil {
			err = multierr.Append(err, n.Close(context.Background()))
		}
	}()

	n.Metrics = shield.NewMetrics(o.Registerer)
	base := []shield.Option{shield.WithLogger(log), shield.WithMetrics(n.Metrics), shield.WithNodeName(n.Name)}

	var users realms.UserStore
	if cfg.Database.DSN != "" {
		if n.DB, err = stores.Open(cfg.Database.Driver, cfg.Database.DSN); err != nil {
			return nil, err
		}
		n.Users = stores.NewSQLUserStore(n.DB)
		n.NativeRoles = stores.NewSQLRolesStore(n.DB, log)
		users = n.Users
	}

	n.Audit = shield.NoopAuditTrail{}
	if cfg.Audit.Enabled {
		reg := shield.NewAuditOutputRegistry()
		if n.DB != nil {
			stores.RegisterIndexOutput(reg, n.DB)
		}
		if n.Audit, err = shield.BuildAuditTrail(reg, cfg.Audit.Outputs, base...); err != nil {
			return nil, err
		}
		if ct, ok := n.Audit.(*shield.CompositeAuditTrail); ok {
			for _, out := range ct.Outputs() {
				if c, ok := out.(io.Closer); ok {
					n.closers = append(n.closers, c)
				}
			}
		}
	}
	opts := append(base, shield.WithAuditTrail(n.Audit))

	registry := realms.DefaultRegistry(realms.Dependencies{
		Users: users, Directory: o.Directory, Groups: o.Groups, Metrics: n.Metrics,
	})
	configs, err := cfg.RealmConfigs(registry)
	if err != nil {
		return nil, err
	}
	if n.Chain, err = shield.BuildRealmChain(registry, configs, opts...); err != nil {
		return nil, err
	}

	if n.FileRoles, err = shield.NewFileRolesStore(cfg.RolesFile, opts...); err != nil {
		return nil, err
	}
	var native shield.NativeRolesStore
	if n.NativeRoles != nil {
		native = n.NativeRoles
	}
	n.Roles = shield.NewCompositeRolesStore(n.FileRoles, native, opts...)

	authnOpts := append(slices.Clone(opts), shield.WithAuditSuccess(cfg.Audit.AuthenticationSuccess))
	if anon := cfg.AnonymousIdentity(); anon != nil {
		authnOpts = append(authnOpts, shield.WithAnonymousUser(anon))
	}
	n.Authn = shield.NewAuthenticationService(n.Chain, authnOpts...)
	n.Authz = shield.NewAuthorizer(n.Roles, opts...)

	var key []byte
	if cfg.SystemKeyFile != "" {
		if key, err = shield.LoadSystemKey(cfg.SystemKeyFile); err != nil {
			return nil, err
		}
	}
	n.Guard = shield.NewIntegrityGuard(key, opts...)
	n.Filter = shield.NewSecurityFilter(n.Authn, n.Authz, n.Guard, opts...)
	if n.IPFilter, err = shield.NewIPFilter("default", cfg.IPFilter.Allow, cfg.IPFilter.Deny, opts...); err != nil {
		return nil, err
	}

	if err = n.joinCluster(ctx, o.Cluster, opts); err != nil {
		return nil, err
	}
	log.Info("security node started", "node", n.Name, "realms", n.Chain.String(), "signing", n.Guard.Enabled())
	return n, nil
}

func (n *Node) joinCluster(ctx context.Context, local *shield.LocalCluster, opts []shield.Option) error {
	realmsHandler := shield.NewRealmCacheHandler(n.Chain, opts...)
	rolesHandler := shield.NewRolesCacheHandler(n.Roles, opts...)
	register := func(r shield.HandlerRegistry) {
		realmsHandler.Register(r)
		rolesHandler.Register(r)
	}
	timeout := shield.WithClearTimeout(n.Config.ClearTimeout())
	switch {
	case local != nil:
		register(local.AddNode(n.Name))
		n.Invalidation = shield.NewCacheInvalidationService(local, append(slices.Clone(opts), timeout)...)
	case n.Config.Redis.Addr != "":
		rc := n.Config.Redis
		n.redis = redis.NewClient(&redis.Options{Addr: rc.Addr, Password: rc.Password, DB: rc.DB})
		n.member = transport.NewRedisNode(n.redis, rc.Prefix, n.Name, n.log)
		register(n.member)
		if err := n.member.Start(ctx); err != nil {
			return fmt.Errorf("join redis cluster: %w", err)
		}
		n.Invalidation = shield.NewCacheInvalidationService(n.member, append(slices.Clone(opts), timeout)...)
	default:
		single := shield.NewLocalCluster()
		register(single.AddNode(n.Name))
		n.Invalidation = shield.NewCacheInvalidationService(single, append(slices.Clone(opts), timeout)...)
	}
	return nil
}

// Accept applies the IP filter to a new connection.
func (n *Node) Accept(ctx context.Context, addr net.IP) bool {
	return n.IPFilter.Accept(ctx, addr)
}

// Close leaves the cluster, drains audit outputs and closes the database.
func (n *Node) Close(ctx context.Context) error {
	var err error
	if n.member != nil {
		err = multierr.Append(err, n.member.Stop(ctx))
		n.member = nil
	}
	if n.redis != nil {
		err = multierr.Append(err, n.redis.Close())
		n.redis = nil
	}
	for _, c := range n.closers {
		err = multierr.Append(err, c.Close())
	}
	n.closers = nil
	if n.Chain != nil {
		for _, r := range n.Chain.Realms() {
			if cr, ok := r.(*shield.CachingRealm); ok {
				cr.Close()
			}
		}
	}
	if n.DB != nil {
		err = multierr.Append(err, n.DB.Close())
		n.DB = nil
	}
	return err
}
