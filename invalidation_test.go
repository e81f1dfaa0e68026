package shield

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"go.uber.org/multierr"
)

func TestClearCacheAcrossCluster(t *testing.T) {
	cluster := NewLocalCluster()
	realms := map[string]*fakeRealm{}
	for _, id := range []string{"node-1", "node-2", "node-3"} {
		var chain *RealmChain
		if id == "node-2" {
			chain = NewRealmChain(newFakeRealm("file1", "file", 0, nil))
		} else {
			r := newFakeRealm("ldap1", "ldap", 0, nil)
			realms[id] = r
			chain = NewRealmChain(newFakeRealm("file1", "file", 0, nil), r)
		}
		NewRealmCacheHandler(chain).Register(cluster.AddNode(id))
	}

	svc := NewCacheInvalidationService(cluster)
	resp, err := svc.ClearCache(context.Background(), ClearRealmCacheRequest{Realms: []string{"ldap1"}, Usernames: []string{"alice"}})
	if err != nil {
		t.Fatalf("clear: %v", err)
	}
	if len(resp.Nodes) != 3 || resp.Succeeded() {
		t.Fatalf("unexpected response %+v", resp)
	}
	failures := resp.Failures()
	if len(failures) != 1 || failures[0].NodeID != "node-2" || !strings.Contains(failures[0].Error, "could not find active realm") {
		t.Fatalf("unexpected failures %+v", failures)
	}
	for id, r := range realms {
		expired, all := r.expiredSnapshot()
		if len(expired) != 1 || expired[0] != "alice" || all != 0 {
			t.Fatalf("%s: unexpected expiry %v all=%d", id, expired, all)
		}
	}

	err = resp.Err()
	if len(multierr.Errors(err)) != 1 {
		t.Fatalf("expected one combined failure, got %v", err)
	}
	var nf *NodeFailure
	if !errors.As(err, &nf) || nf.NodeID != "node-2" || !errors.Is(err, ErrRealmNotFound) {
		t.Fatalf("expected node-2 failure wrapping ErrRealmNotFound, got %v", err)
	}
}

func TestClearCacheAllRealmsAndUsers(t *testing.T) {
	cluster := NewLocalCluster()
	a := newFakeRealm("a", "file", 0, nil)
	b := newFakeRealm("b", "ldap", 1, nil)
	NewRealmCacheHandler(NewRealmChain(a, b)).Register(cluster.AddNode("n1"))

	resp, err := NewCacheInvalidationService(cluster).ClearCache(context.Background(), ClearRealmCacheRequest{})
	if err != nil || !resp.Succeeded() || resp.Err() != nil {
		t.Fatalf("expected success, got %+v %v", resp, err)
	}
	for _, r := range []*fakeRealm{a, b} {
		if _, all := r.expiredSnapshot(); all != 1 {
			t.Fatalf("realm %s was not fully cleared", r.Name())
		}
	}
}

func TestClearCacheUnknownRealmTouchesNothing(t *testing.T) {
	a := newFakeRealm("a", "file", 0, nil)
	h := NewRealmCacheHandler(NewRealmChain(a))
	err := h.Clear(ClearRealmCacheRequest{Realms: []string{"a", "ghost"}})
	if !errors.Is(err, ErrRealmNotFound) {
		t.Fatalf("expected realm not found, got %v", err)
	}
	if _, all := a.expiredSnapshot(); all != 0 {
		t.Fatalf("no cache may be cleared when a realm name is unknown")
	}
}

func TestClearCacheTimeoutReportsSlowNode(t *testing.T) {
	cluster := NewLocalCluster()
	NewRealmCacheHandler(NewRealmChain(newFakeRealm("a", "file", 0, nil))).Register(cluster.AddNode("fast"))
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	cluster.AddNode("slow").Handle(ClearRealmCacheAction, func(ctx context.Context, _ []byte) ([]byte, error) {
		<-release
		return nil, nil
	})

	svc := NewCacheInvalidationService(cluster, WithClearTimeout(50*time.Millisecond))
	start := time.Now()
	resp, err := svc.ClearCache(context.Background(), ClearRealmCacheRequest{})
	if err != nil {
		t.Fatalf("clear: %v", err)
	}
	if time.Since(start) > 5*time.Second {
		t.Fatalf("timeout not honoured")
	}
	failures := resp.Failures()
	if len(failures) != 1 || failures[0].NodeID != "slow" {
		t.Fatalf("expected slow node to fail, got %+v", resp.Nodes)
	}
	if !errors.Is(resp.Err(), context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", resp.Err())
	}
}

func TestLocalClusterMissingHandler(t *testing.T) {
	cluster := NewLocalCluster()
	cluster.AddNode("bare")
	resp := cluster.Broadcast(context.Background(), "cluster:admin/unknown", nil)
	if len(resp) != 1 || resp[0].Err == nil {
		t.Fatalf("expected failure for missing handler, got %+v", resp)
	}
}

func TestClearRolesCacheAcrossCluster(t *testing.T) {
	ctx := context.Background()
	cluster := NewLocalCluster()
	natives := map[string]*fakeNativeRoles{}
	stores := map[string]*CompositeRolesStore{}
	for _, id := range []string{"node-1", "node-2"} {
		natives[id] = &fakeNativeRoles{roles: map[string]*RoleDescriptor{}}
		stores[id] = NewCompositeRolesStore(nil, natives[id])
		NewRolesCacheHandler(stores[id]).Register(cluster.AddNode(id))
		if d, err := stores[id].Get(ctx, "analyst"); d != nil || err != nil {
			t.Fatalf("%s: expected a miss, got %+v %v", id, d, err)
		}
	}

	svc := NewCacheInvalidationService(cluster)
	resp, err := svc.ClearRolesCache(ctx, ClearRolesCacheRequest{Names: []string{"analyst"}})
	if err != nil || !resp.Succeeded() || len(resp.Nodes) != 2 {
		t.Fatalf("clear roles cache: %+v %v", resp, err)
	}
	for id, s := range stores {
		s.Get(ctx, "analyst")
		if n := natives[id].calls.Load(); n != 2 {
			t.Fatalf("%s: negative lookup must be forgotten after the clear, calls=%d", id, n)
		}
	}

	if _, err := NewRolesCacheHandler(stores["node-1"]).Handle(ctx, []byte("{")); err == nil {
		t.Fatalf("malformed request must fail")
	}
}
