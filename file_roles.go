package shield

import (
	"fmt"
	"os"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/oarkflow/shield/logger"
)

// FileRolesStore is the role layer backed by a local YAML file:
//
//	ops:
//	  cluster: [monitor]
//	  indices:
//	    - names: ["logs-*"]
//	      privileges: [read]
//	  run_as: [bob]
type FileRolesStore struct {
	path      string
	log       logger.Logger
	mu        sync.RWMutex
	roles     map[string]*RoleDescriptor
	listeners []func()
}

// NewFileRolesStore loads path. An empty path yields an empty store.
func NewFileRolesStore(path string, opts ...Option) (*FileRolesStore, error) {
	o := buildOptions(opts)
	s := &FileRolesStore{path: path, log: o.Logger, roles: map[string]*RoleDescriptor{}}
	if path == "" {
		return s, nil
	}
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// NewStaticFileRolesStore builds a store from already parsed descriptors.
func NewStaticFileRolesStore(roles ...*RoleDescriptor) *FileRolesStore {
	s := &FileRolesStore{log: logger.NewNullLogger(), roles: map[string]*RoleDescriptor{}}
	for _, r := range roles {
		s.roles[r.Name] = r.Clone()
	}
	return s
}

// ParseRoles decodes the role file format. Reserved names are rejected.
func ParseRoles(data []byte) (map[string]*RoleDescriptor, error) {
	raw := map[string]*RoleDescriptor{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse roles: %w", err)
	}
	out := make(map[string]*RoleDescriptor, len(raw))
	for name, d := range raw {
		if d == nil {
			d = &RoleDescriptor{}
		}
		if IsReserved(name) {
			return nil, fmt.Errorf("role [%s] is reserved and cannot be redefined", name)
		}
		for i, ip := range d.Indices {
			if len(ip.Names) == 0 {
				return nil, fmt.Errorf("role [%s]: indices[%d] has no names", name, i)
			}
			if len(ip.Privileges) == 0 {
				return nil, fmt.Errorf("role [%s]: indices[%d] has no privileges", name, i)
			}
		}
		d.Name = name
		out[name] = d
	}
	return out, nil
}

// Reload re-reads the role file and notifies listeners. On error the
// previous roles stay in place.
func (s *FileRolesStore) Reload() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return fmt.Errorf("read roles file: %w", err)
	}
	roles, err := ParseRoles(data)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.roles = roles
	listeners := append([]func(){}, s.listeners...)
	s.mu.Unlock()
	s.log.Info("loaded roles file", "path", s.path, "roles", len(roles))
	for _, fn := range listeners {
		fn()
	}
	return nil
}

// OnReload registers fn to run after every successful reload.
func (s *FileRolesStore) OnReload(fn func()) {
	s.mu.Lock()
	s.listeners = append(s.listeners, fn)
	s.mu.Unlock()
}

func (s *FileRolesStore) Get(name string) (*RoleDescriptor, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.roles[name]
	if !ok {
		return nil, false
	}
	return d.Clone(), true
}

// Descriptors returns copies of every role, sorted by name.
func (s *FileRolesStore) Descriptors() []*RoleDescriptor {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*RoleDescriptor, 0, len(s.roles))
	for _, d := range s.roles {
		out = append(out, d.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (s *FileRolesStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.roles)
}
