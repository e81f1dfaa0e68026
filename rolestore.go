package shield

import (
	"context"
	"slices"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/oarkflow/shield/logger"
)

// NativeRolesStore is the index backed role layer. Lookups may need a network
// round trip, so results are delivered to cb, possibly on another goroutine.
// A nil names slice requests every role. Missing names are simply absent from
// the result.
type NativeRolesStore interface {
	GetRoleDescriptors(ctx context.Context, names []string, cb func([]*RoleDescriptor, error))
}

// RoleUsage reports role counts per layer.
type RoleUsage struct {
	Reserved int `json:"reserved"`
	File     int `json:"file"`
	Native   int `json:"native"`
}

// CompositeRolesStore resolves roles through the reserved, file and native
// layers in that order. The first layer defining a name wins and later layers
// are not consulted; definitions are never merged across layers.
type CompositeRolesStore struct {
	reserved *ReservedRolesStore
	file     *FileRolesStore
	native   NativeRolesStore
	log      logger.Logger

	missing sync.Map // role name -> struct{}
	roles   sync.Map // sorted joined names -> *Role
	// gen advances on every invalidation; native results fetched under an
	// older generation are delivered but not cached.
	gen atomic.Uint64
}

func NewCompositeRolesStore(file *FileRolesStore, native NativeRolesStore, opts ...Option) *CompositeRolesStore {
	o := buildOptions(opts)
	if file == nil {
		file = NewStaticFileRolesStore()
	}
	s := &CompositeRolesStore{
		reserved: NewReservedRolesStore(),
		file:     file,
		native:   native,
		log:      o.Logger,
	}
	file.OnReload(s.InvalidateAll)
	return s
}

func (s *CompositeRolesStore) local(name string) (*RoleDescriptor, bool) {
	if d, ok := s.reserved.Get(name); ok {
		return d, true
	}
	return s.file.Get(name)
}

// Resolve delivers the descriptor for name to cb, or nil when no layer
// defines it. Reserved and file hits call cb before Resolve returns.
func (s *CompositeRolesStore) Resolve(ctx context.Context, name string, cb func(*RoleDescriptor, error)) {
	if d, ok := s.local(name); ok {
		cb(d, nil)
		return
	}
	if _, miss := s.missing.Load(name); miss || s.native == nil {
		cb(nil, nil)
		return
	}
	gen := s.gen.Load()
	s.native.GetRoleDescriptors(context.WithoutCancel(ctx), []string{name}, func(ds []*RoleDescriptor, err error) {
		if err != nil {
			s.log.Warn("native role lookup failed", "role", name, "error", err)
			cb(nil, err)
			return
		}
		for _, d := range ds {
			if d != nil && d.Name == name {
				cb(d, nil)
				return
			}
		}
		if s.gen.Load() == gen {
			s.missing.Store(name, struct{}{})
		}
		cb(nil, nil)
	})
}

// Get is a blocking form of Resolve for callers that can wait.
func (s *CompositeRolesStore) Get(ctx context.Context, name string) (*RoleDescriptor, error) {
	type result struct {
		d   *RoleDescriptor
		err error
	}
	ch := make(chan result, 1)
	s.Resolve(ctx, name, func(d *RoleDescriptor, err error) { ch <- result{d, err} })
	select {
	case r := <-ch:
		return r.d, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Roles resolves names into one effective role. Unknown names contribute
// nothing. The native layer is queried once for all names the local layers
// miss.
func (s *CompositeRolesStore) Roles(ctx context.Context, names []string, cb func(*Role, error)) {
	key := roleKey(names)
	if r, ok := s.roles.Load(key); ok {
		cb(r.(*Role), nil)
		return
	}
	var found []*RoleDescriptor
	var pending []string
	for _, n := range dedupe(names) {
		if d, ok := s.local(n); ok {
			found = append(found, d)
			continue
		}
		if _, miss := s.missing.Load(n); miss {
			continue
		}
		pending = append(pending, n)
	}
	if len(pending) == 0 || s.native == nil {
		role := BuildRole(found...)
		s.roles.Store(key, role)
		cb(role, nil)
		return
	}
	gen := s.gen.Load()
	s.native.GetRoleDescriptors(context.WithoutCancel(ctx), pending, func(ds []*RoleDescriptor, err error) {
		if err != nil {
			s.log.Warn("native role lookup failed", "roles", pending, "error", err)
			cb(nil, err)
			return
		}
		got := make(map[string]*RoleDescriptor, len(ds))
		for _, d := range ds {
			if d != nil {
				got[d.Name] = d
			}
		}
		current := s.gen.Load() == gen
		for _, n := range pending {
			if d, ok := got[n]; ok {
				found = append(found, d)
			} else if current {
				s.missing.Store(n, struct{}{})
			}
		}
		role := BuildRole(found...)
		if current {
			s.roles.Store(key, role)
		}
		cb(role, nil)
	})
}

// ResolveAll enumerates every role, local layers first. Native roles whose
// names are shadowed by a local layer are dropped.
func (s *CompositeRolesStore) ResolveAll(ctx context.Context, cb func([]*RoleDescriptor, error)) {
	all := append(s.reserved.Descriptors(), s.file.Descriptors()...)
	if s.native == nil {
		cb(all, nil)
		return
	}
	s.native.GetRoleDescriptors(context.WithoutCancel(ctx), nil, func(ds []*RoleDescriptor, err error) {
		if err != nil {
			cb(nil, err)
			return
		}
		for _, d := range ds {
			if _, shadowed := s.local(d.Name); !shadowed {
				all = append(all, d)
			}
		}
		cb(all, nil)
	})
}

// UsageStats counts the roles in each layer. The reserved count is constant.
func (s *CompositeRolesStore) UsageStats(ctx context.Context, cb func(RoleUsage, error)) {
	usage := RoleUsage{Reserved: len(s.reserved.Names()), File: s.file.Len()}
	if s.native == nil {
		cb(usage, nil)
		return
	}
	s.native.GetRoleDescriptors(context.WithoutCancel(ctx), nil, func(ds []*RoleDescriptor, err error) {
		if err != nil {
			cb(usage, err)
			return
		}
		usage.Native = len(ds)
		cb(usage, nil)
	})
}

// Invalidate forgets cached results involving name.
func (s *CompositeRolesStore) Invalidate(name string) {
	s.gen.Add(1)
	s.missing.Delete(name)
	s.roles.Range(func(k, _ any) bool {
		if slices.Contains(strings.Split(k.(string), ","), name) {
			s.roles.Delete(k)
		}
		return true
	})
}

// InvalidateAll forgets every cached result, including negative lookups.
func (s *CompositeRolesStore) InvalidateAll() {
	s.gen.Add(1)
	s.missing.Clear()
	s.roles.Clear()
	s.log.Debug("role caches invalidated")
}

func roleKey(names []string) string {
	sorted := slices.Clone(names)
	sort.Strings(sorted)
	return strings.Join(slices.Compact(sorted), ",")
}
