package shield

import (
	"context"
	"errors"
	"testing"
)

func testRoles() *CompositeRolesStore {
	file := NewStaticFileRolesStore(
		&RoleDescriptor{Name: "ops", Cluster: []string{"monitor"}, RunAs: []string{"svc-*"}},
		&RoleDescriptor{Name: "reader", Indices: []IndexPrivileges{{Names: []string{"logs-*"}, Privileges: []string{"read"}}}},
	)
	return NewCompositeRolesStore(file, nil)
}

func TestAuthorizerDecisions(t *testing.T) {
	ctx := context.Background()
	trail, out := memoryTrail()
	authz := NewAuthorizer(testRoles(), WithAuditTrail(trail))

	reader := NewIdentity("alice", []string{"reader", "unknown_role"})
	cases := []struct {
		id    *Identity
		req   *Request
		allow bool
	}{
		{reader, &Request{Action: "indices:data/read/search", Indices: []string{"logs-1"}}, true},
		{reader, &Request{Action: "indices:data/write/index", Indices: []string{"logs-1"}}, false},
		{reader, &Request{Action: "cluster:monitor/health"}, false},
		{NewIdentity("bob", []string{"ops"}), &Request{Action: "cluster:monitor/health"}, true},
		{NewIdentity("root", []string{SuperuserRole}), &Request{Action: "cluster:admin/settings/update"}, true},
		{NewIdentity("nobody", nil), &Request{Action: "cluster:monitor/health"}, false},
		{SystemIdentity(), &Request{Action: "internal:cluster/sync"}, true},
		{SystemIdentity(), &Request{Action: "indices:data/read/search"}, false},
	}
	for i, tc := range cases {
		err := authz.Authorize(ctx, tc.id, tc.req)
		if tc.allow && err != nil {
			t.Fatalf("case %d: expected grant, got %v", i, err)
		}
		if !tc.allow && !errors.Is(err, ErrAccessDenied) {
			t.Fatalf("case %d: expected denial, got %v", i, err)
		}
	}
	granted, denied := 0, 0
	for _, k := range out.Kinds() {
		switch k {
		case EventAccessGranted:
			granted++
		case EventAccessDenied:
			denied++
		}
	}
	if granted != 4 || denied != 4 {
		t.Fatalf("expected 4 grants and 4 denials audited, got %d/%d", granted, denied)
	}
}

func TestAuthorizerRunAs(t *testing.T) {
	ctx := context.Background()
	trail, out := memoryTrail()
	authz := NewAuthorizer(testRoles(), WithAuditTrail(trail))

	ops := NewIdentity("bob", []string{"ops"})
	allowed := ops.WithRunAs(NewIdentity("svc-reader", []string{"reader"}, WithRealm("file")))
	if err := authz.Authorize(ctx, allowed, &Request{Action: "indices:data/read/get", Indices: []string{"logs-x"}}); err != nil {
		t.Fatalf("expected run as grant, got %v", err)
	}
	kinds := out.Kinds()
	if len(kinds) != 2 || kinds[0] != EventRunAsGranted || kinds[1] != EventAccessGranted {
		t.Fatalf("unexpected events %v", kinds)
	}

	denied := ops.WithRunAs(NewIdentity("admin", []string{SuperuserRole}))
	err := authz.Authorize(ctx, denied, &Request{Action: "cluster:monitor/health"})
	if !errors.Is(err, ErrAccessDenied) {
		t.Fatalf("expected run as denial, got %v", err)
	}
	if k := out.Kinds(); k[len(k)-1] != EventRunAsDenied {
		t.Fatalf("expected run_as_denied, got %v", k)
	}
}
