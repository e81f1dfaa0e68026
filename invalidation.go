package shield

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"go.uber.org/multierr"

	"github.com/oarkflow/shield/logger"
)

// ClearRealmCacheAction is the broadcast action name of a realm cache clear.
const ClearRealmCacheAction = "cluster:admin/realm/cache/clear"

// ClearRealmCacheRequest selects what to clear. No realms means every
// cacheable realm; no usernames means the whole cache.
type ClearRealmCacheRequest struct {
	Realms    []string `json:"realms,omitempty"`
	Usernames []string `json:"usernames,omitempty"`
}

// ClearRolesCacheAction is the broadcast action name of a roles cache clear.
const ClearRolesCacheAction = "cluster:admin/roles/cache/clear"

// ClearRolesCacheRequest names the roles to forget. No names means every
// cached role, including negative lookups.
type ClearRolesCacheRequest struct {
	Names []string `json:"names,omitempty"`
}

// NodeResult is one node's outcome.
type NodeResult struct {
	NodeID string `json:"node_id"`
	OK     bool   `json:"ok"`
	Error  string `json:"error,omitempty"`
	err    error
}

// ClearCacheResponse lists the outcome of every node.
type ClearCacheResponse struct {
	Nodes []NodeResult `json:"nodes"`
}

// Succeeded reports whether every node cleared its caches.
func (r *ClearCacheResponse) Succeeded() bool {
	for _, n := range r.Nodes {
		if !n.OK {
			return false
		}
	}
	return true
}

// Failures returns the nodes that did not converge.
func (r *ClearCacheResponse) Failures() []NodeResult {
	var out []NodeResult
	for _, n := range r.Nodes {
		if !n.OK {
			out = append(out, n)
		}
	}
	return out
}

// Err combines every node failure into one error, nil when all succeeded.
func (r *ClearCacheResponse) Err() error {
	var err error
	for _, n := range r.Failures() {
		cause := n.err
		if cause == nil {
			cause = fmt.Errorf("%s", n.Error)
		}
		err = multierr.Append(err, &NodeFailure{NodeID: n.NodeID, Err: cause})
	}
	return err
}

// CacheInvalidationService clears realm caches on every node of the cluster.
type CacheInvalidationService struct {
	broadcaster Broadcaster
	timeout     time.Duration
	log         logger.Logger
}

func NewCacheInvalidationService(b Broadcaster, opts ...Option) *CacheInvalidationService {
	o := buildOptions(opts)
	return &CacheInvalidationService{broadcaster: b, timeout: o.ClearTimeout, log: o.Logger}
}

// ClearCache fans req out and waits for every node or the timeout. A failed
// node is reported in the response, never retried. The returned error is
// only set when the request could not be sent at all.
func (s *CacheInvalidationService) ClearCache(ctx context.Context, req ClearRealmCacheRequest) (*ClearCacheResponse, error) {
	resp, err := s.broadcast(ctx, ClearRealmCacheAction, req)
	if err != nil {
		return nil, err
	}
	s.log.Info("realm cache clear finished", "realms", req.Realms, "usernames", req.Usernames,
		"nodes", len(resp.Nodes), "failed", len(resp.Failures()))
	return resp, nil
}

// ClearRolesCache makes every node forget the named roles, so role writes to
// the native store take effect cluster wide.
func (s *CacheInvalidationService) ClearRolesCache(ctx context.Context, req ClearRolesCacheRequest) (*ClearCacheResponse, error) {
	resp, err := s.broadcast(ctx, ClearRolesCacheAction, req)
	if err != nil {
		return nil, err
	}
	s.log.Info("roles cache clear finished", "roles", req.Names, "nodes", len(resp.Nodes), "failed", len(resp.Failures()))
	return resp, nil
}

func (s *CacheInvalidationService) broadcast(ctx context.Context, action string, req any) (*ClearCacheResponse, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode %s request: %w", action, err)
	}
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}
	responses := s.broadcaster.Broadcast(ctx, action, payload)

	resp := &ClearCacheResponse{Nodes: make([]NodeResult, 0, len(responses))}
	for _, r := range responses {
		nr := NodeResult{NodeID: r.NodeID, OK: r.Err == nil, err: r.Err}
		if r.Err != nil {
			nr.Error = r.Err.Error()
			s.log.Warn("cache clear failed on node", "action", action, "node", r.NodeID, "error", r.Err)
		}
		resp.Nodes = append(resp.Nodes, nr)
	}
	sort.Slice(resp.Nodes, func(i, j int) bool { return resp.Nodes[i].NodeID < resp.Nodes[j].NodeID })
	return resp, nil
}

// RealmCacheHandler applies clear requests to the local realm chain.
type RealmCacheHandler struct {
	chain   *RealmChain
	log     logger.Logger
	metrics *Metrics
}

func NewRealmCacheHandler(chain *RealmChain, opts ...Option) *RealmCacheHandler {
	o := buildOptions(opts)
	return &RealmCacheHandler{chain: chain, log: o.Logger, metrics: o.Metrics}
}

// Register installs the handler on a node transport.
func (h *RealmCacheHandler) Register(node HandlerRegistry) {
	node.Handle(ClearRealmCacheAction, h.Handle)
}

// Handle is the ActionHandler for ClearRealmCacheAction.
func (h *RealmCacheHandler) Handle(_ context.Context, payload []byte) ([]byte, error) {
	var req ClearRealmCacheRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, fmt.Errorf("decode clear cache request: %w", err)
	}
	err := h.Clear(req)
	h.metrics.cacheClear(err == nil)
	return nil, err
}

// Clear resolves every named realm before touching any cache, so an unknown
// realm name leaves all caches on this node untouched. Named realms that are
// not cacheable are skipped.
func (h *RealmCacheHandler) Clear(req ClearRealmCacheRequest) error {
	var targets []CacheableRealm
	if len(req.Realms) == 0 {
		targets = h.chain.Cacheable()
	} else {
		for _, name := range req.Realms {
			r, ok := h.chain.Lookup(name)
			if !ok {
				return fmt.Errorf("%w [%s]", ErrRealmNotFound, name)
			}
			if cr, ok := r.(CacheableRealm); ok {
				targets = append(targets, cr)
			}
		}
	}
	for _, r := range targets {
		if len(req.Usernames) == 0 {
			r.ExpireAll()
			continue
		}
		for _, u := range req.Usernames {
			r.Expire(u)
		}
	}
	h.log.Debug("cleared realm caches", "realms", len(targets), "usernames", req.Usernames)
	return nil
}

// RolesCacheHandler applies roles cache clears to the local role store.
type RolesCacheHandler struct {
	roles   *CompositeRolesStore
	log     logger.Logger
	metrics *Metrics
}

func NewRolesCacheHandler(roles *CompositeRolesStore, opts ...Option) *RolesCacheHandler {
	o := buildOptions(opts)
	return &RolesCacheHandler{roles: roles, log: o.Logger, metrics: o.Metrics}
}

// Register installs the handler on a node transport.
func (h *RolesCacheHandler) Register(node HandlerRegistry) {
	node.Handle(ClearRolesCacheAction, h.Handle)
}

// Handle is the ActionHandler for ClearRolesCacheAction.
func (h *RolesCacheHandler) Handle(_ context.Context, payload []byte) ([]byte, error) {
	var req ClearRolesCacheRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		h.metrics.cacheClear(false)
		return nil, fmt.Errorf("decode clear roles cache request: %w", err)
	}
	if len(req.Names) == 0 {
		h.roles.InvalidateAll()
	} else {
		for _, name := range req.Names {
			h.roles.Invalidate(name)
		}
	}
	h.metrics.cacheClear(true)
	h.log.Debug("cleared roles cache", "roles", req.Names)
	return nil, nil
}
