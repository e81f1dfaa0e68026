package shield

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
)

type fakeNativeRoles struct {
	roles map[string]*RoleDescriptor
	calls atomic.Int32
	err   error
	// gate, when set, holds every lookup until it is closed.
	gate chan struct{}
}

func (f *fakeNativeRoles) GetRoleDescriptors(_ context.Context, names []string, cb func([]*RoleDescriptor, error)) {
	f.calls.Add(1)
	go func() {
		if f.gate != nil {
			<-f.gate
		}
		if f.err != nil {
			cb(nil, f.err)
			return
		}
		var out []*RoleDescriptor
		if names == nil {
			for _, d := range f.roles {
				out = append(out, d)
			}
		}
		for _, n := range names {
			if d, ok := f.roles[n]; ok {
				out = append(out, d)
			}
		}
		cb(out, nil)
	}()
}

func TestCompositeRolesFileShadowsNative(t *testing.T) {
	ctx := context.Background()
	file := NewStaticFileRolesStore(&RoleDescriptor{Name: "ops", Cluster: []string{"monitor"}})
	native := &fakeNativeRoles{roles: map[string]*RoleDescriptor{
		"ops": {Name: "ops", Cluster: []string{"all"}},
	}}
	store := NewCompositeRolesStore(file, native)

	done := make(chan *RoleDescriptor, 1)
	store.Resolve(ctx, "ops", func(d *RoleDescriptor, err error) {
		if err != nil {
			t.Errorf("resolve: %v", err)
		}
		done <- d
	})
	d := <-done
	if d == nil || len(d.Cluster) != 1 || d.Cluster[0] != "monitor" {
		t.Fatalf("expected file definition, got %+v", d)
	}
	if native.calls.Load() != 0 {
		t.Fatalf("native layer must not be queried when the file layer defines the role")
	}
}

func TestCompositeRolesReservedShadowsEverything(t *testing.T) {
	native := &fakeNativeRoles{roles: map[string]*RoleDescriptor{SuperuserRole: {Name: SuperuserRole}}}
	store := NewCompositeRolesStore(nil, native)
	d, err := store.Get(context.Background(), SuperuserRole)
	if err != nil || d == nil || d.Metadata[ReservedMetadataKey] != true {
		t.Fatalf("expected reserved superuser, got %+v %v", d, err)
	}
	if native.calls.Load() != 0 {
		t.Fatalf("native layer queried for reserved role")
	}
}

func TestCompositeRolesNativeAndNegativeCache(t *testing.T) {
	ctx := context.Background()
	native := &fakeNativeRoles{roles: map[string]*RoleDescriptor{
		"analyst": {Name: "analyst", Indices: []IndexPrivileges{{Names: []string{"logs-*"}, Privileges: []string{"read"}}}},
	}}
	store := NewCompositeRolesStore(nil, native)

	d, err := store.Get(ctx, "analyst")
	if err != nil || d == nil || d.Name != "analyst" {
		t.Fatalf("expected native role, got %+v %v", d, err)
	}
	for i := 0; i < 2; i++ {
		d, err = store.Get(ctx, "ghost")
		if err != nil || d != nil {
			t.Fatalf("unknown role must resolve to nil without error, got %+v %v", d, err)
		}
	}
	if n := native.calls.Load(); n != 2 {
		t.Fatalf("expected the second ghost lookup to hit the negative cache, calls=%d", n)
	}
	store.InvalidateAll()
	store.Get(ctx, "ghost")
	if n := native.calls.Load(); n != 3 {
		t.Fatalf("expected lookup after InvalidateAll, calls=%d", n)
	}
}

func TestCompositeRolesNativeErrorIsNotCached(t *testing.T) {
	native := &fakeNativeRoles{err: errors.New("index unavailable")}
	store := NewCompositeRolesStore(nil, native)
	if _, err := store.Get(context.Background(), "x"); err == nil {
		t.Fatalf("expected error")
	}
	native.err = nil
	store.Get(context.Background(), "x")
	if native.calls.Load() != 2 {
		t.Fatalf("errors must not populate the negative cache")
	}
}

func TestCompositeRolesEffectiveRole(t *testing.T) {
	ctx := context.Background()
	file := NewStaticFileRolesStore(&RoleDescriptor{
		Name:    "ops",
		Cluster: []string{"monitor"},
		RunAs:   []string{"svc-*"},
	})
	native := &fakeNativeRoles{roles: map[string]*RoleDescriptor{
		"analyst": {Name: "analyst", Indices: []IndexPrivileges{{Names: []string{"logs-*"}, Privileges: []string{"read"}}}},
	}}
	store := NewCompositeRolesStore(file, native)

	ch := make(chan *Role, 1)
	store.Roles(ctx, []string{"ops", "analyst", "ghost"}, func(r *Role, err error) {
		if err != nil {
			t.Errorf("roles: %v", err)
		}
		ch <- r
	})
	role := <-ch
	if !role.AllowsCluster("cluster:monitor/health") || role.AllowsCluster("cluster:admin/settings/update") {
		t.Fatalf("unexpected cluster permissions %v", role.Cluster)
	}
	if !role.AllowsIndices("indices:data/read/search", []string{"logs-2024"}) {
		t.Fatalf("expected read on logs-*")
	}
	if role.AllowsIndices("indices:data/read/search", []string{"logs-2024", "secrets"}) {
		t.Fatalf("every index must be granted")
	}
	if role.AllowsIndices("indices:data/write/index", []string{"logs-2024"}) {
		t.Fatalf("read must not grant write")
	}
	if !role.AllowsRunAs("svc-backup") || role.AllowsRunAs("root") {
		t.Fatalf("unexpected run as patterns %v", role.RunAs)
	}
	if n := native.calls.Load(); n != 1 {
		t.Fatalf("expected one batched native lookup, got %d", n)
	}
}

func TestCompositeRolesResolveAllAndUsage(t *testing.T) {
	ctx := context.Background()
	file := NewStaticFileRolesStore(&RoleDescriptor{Name: "ops"})
	native := &fakeNativeRoles{roles: map[string]*RoleDescriptor{
		"ops":     {Name: "ops"},
		"analyst": {Name: "analyst"},
	}}
	store := NewCompositeRolesStore(file, native)

	ch := make(chan []*RoleDescriptor, 1)
	store.ResolveAll(ctx, func(ds []*RoleDescriptor, err error) { ch <- ds })
	all := <-ch
	want := len(NewReservedRolesStore().Names()) + 2
	if len(all) != want {
		t.Fatalf("expected %d roles, got %d", want, len(all))
	}

	uch := make(chan RoleUsage, 1)
	store.UsageStats(ctx, func(u RoleUsage, err error) { uch <- u })
	u := <-uch
	if u.Reserved != 7 || u.File != 1 || u.Native != 2 {
		t.Fatalf("unexpected usage %+v", u)
	}
}

func TestFileRolesStoreReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "roles.yml")
	write := func(s string) {
		if err := os.WriteFile(path, []byte(s), 0o600); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	write("ops:\n  cluster: [monitor]\n  indices:\n    - names: ['logs-*']\n      privileges: [read]\n")
	file, err := NewFileRolesStore(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	store := NewCompositeRolesStore(file, &fakeNativeRoles{})
	if d, _ := store.Get(context.Background(), "dev"); d != nil {
		t.Fatalf("dev should be unknown")
	}

	write("dev:\n  cluster: [all]\n")
	if err := file.Reload(); err != nil {
		t.Fatalf("reload: %v", err)
	}
	if d, _ := store.Get(context.Background(), "dev"); d == nil {
		t.Fatalf("reload must clear the negative cache")
	}

	write("superuser:\n  cluster: [none]\n")
	if err := file.Reload(); err == nil {
		t.Fatalf("redefining a reserved role must fail")
	}
	if _, ok := file.Get("dev"); !ok {
		t.Fatalf("failed reload must keep previous roles")
	}
}

func TestCompositeRolesLookupRacingInvalidate(t *testing.T) {
	ctx := context.Background()
	native := &fakeNativeRoles{gate: make(chan struct{}), roles: map[string]*RoleDescriptor{
		"analyst": {Name: "analyst", Indices: []IndexPrivileges{{Names: []string{"logs-*"}, Privileges: []string{"read"}}}},
	}}
	store := NewCompositeRolesStore(nil, native)

	got := make(chan *Role, 1)
	store.Roles(ctx, []string{"analyst", "ghost"}, func(r *Role, err error) { got <- r })
	store.Invalidate("analyst")
	close(native.gate)
	if r := <-got; r == nil || !r.Allows("indices:data/read/search", []string{"logs-1"}) {
		t.Fatalf("in-flight lookup must still be answered, got %+v", r)
	}

	done := make(chan struct{})
	store.Roles(ctx, []string{"analyst", "ghost"}, func(*Role, error) { close(done) })
	<-done
	if n := native.calls.Load(); n != 2 {
		t.Fatalf("a result fetched before an invalidation must not be cached, calls=%d", n)
	}
}
