package shield

import (
	"context"
	"errors"
	"net"
	"testing"
)

func testFilter(t *testing.T) (*SecurityFilter, *IntegrityGuard, *MemoryAuditOutput) {
	t.Helper()
	trail, out := memoryTrail()
	realm := newFakeRealm("file", "file", 0, map[string]string{"alice": "secret"})
	realm.roles = []string{"reader"}
	authn := NewAuthenticationService(NewRealmChain(realm), WithAuditTrail(trail))
	authz := NewAuthorizer(testRoles(), WithAuditTrail(trail))
	guard := testGuard(t)
	return NewSecurityFilter(authn, authz, guard, WithAuditTrail(trail)), guard, out
}

func TestSecurityFilterSignsAndVerifiesTokens(t *testing.T) {
	f, guard, _ := testFilter(t)
	ctx := context.Background()
	search := &Request{Action: "indices:data/read/search", Indices: []string{"logs-1"}, Token: NewUsernamePasswordToken("alice", "secret")}

	resp, err := f.Apply(ctx, search, func(_ context.Context, id *Identity, req *Request) (*Response, error) {
		return &Response{ContinuationTokens: []string{"scroll-42"}}, nil
	})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	signed := resp.ContinuationTokens[0]
	if signed == "scroll-42" || !IsSigned(signed) {
		t.Fatalf("expected signed token, got %q", signed)
	}
	if again := f.Outbound(&Response{ContinuationTokens: []string{signed}}); again.ContinuationTokens[0] != signed {
		t.Fatalf("outbound signing must be idempotent")
	}

	scroll := &Request{Action: "indices:data/read/scroll", Token: NewUsernamePasswordToken("alice", "secret"), ContinuationTokens: []string{signed}}
	var seen string
	_, err = f.Apply(ctx, scroll, func(_ context.Context, _ *Identity, req *Request) (*Response, error) {
		seen = req.ContinuationTokens[0]
		return &Response{}, nil
	})
	if err != nil {
		t.Fatalf("scroll: %v", err)
	}
	if seen != "scroll-42" {
		t.Fatalf("handler must see the verified payload, got %q", seen)
	}
	if _, err := guard.Verify(scroll.ContinuationTokens[0]); err != nil {
		t.Fatalf("the caller's request must not be modified")
	}
}

func TestSecurityFilterTamperedTokenIsAuditedAndRejected(t *testing.T) {
	f, guard, out := testFilter(t)
	signed := []byte(guard.Sign("scroll-42"))
	signed[len(signed)-1] ^= 1
	req := &Request{Action: "indices:data/read/scroll", Token: NewUsernamePasswordToken("alice", "secret"), ContinuationTokens: []string{string(signed)}}

	called := false
	_, err := f.Apply(context.Background(), req, func(context.Context, *Identity, *Request) (*Response, error) {
		called = true
		return nil, nil
	})
	if !errors.Is(err, ErrTampered) || called {
		t.Fatalf("expected tampered rejection before the handler, got %v called=%v", err, called)
	}
	if RejectionStatus(err) != 403 {
		t.Fatalf("unexpected status %d", RejectionStatus(err))
	}
	kinds := out.Kinds()
	if len(kinds) != 1 || kinds[0] != EventTamperedRequest {
		t.Fatalf("expected a single tampered_request event, got %v", kinds)
	}
}

func TestSecurityFilterRejections(t *testing.T) {
	f, _, _ := testFilter(t)
	ctx := context.Background()
	noop := func(context.Context, *Identity, *Request) (*Response, error) { return &Response{}, nil }

	_, err := f.Apply(ctx, &Request{Action: "indices:data/read/search", Token: NewUsernamePasswordToken("alice", "nope")}, noop)
	if RejectionStatus(err) != 401 {
		t.Fatalf("expected 401, got %v", err)
	}
	_, err = f.Apply(ctx, &Request{Action: "cluster:admin/settings/update", Token: NewUsernamePasswordToken("alice", "secret")}, noop)
	if RejectionStatus(err) != 403 {
		t.Fatalf("expected 403, got %v", err)
	}
}

func TestIPFilter(t *testing.T) {
	trail, out := memoryTrail()
	f, err := NewIPFilter("default", []string{"10.0.0.5"}, []string{"10.0.0.0/8", "2001:db8::/32"}, WithAuditTrail(trail))
	if err != nil {
		t.Fatalf("filter: %v", err)
	}
	ctx := context.Background()
	checks := []struct {
		ip   string
		want bool
	}{
		{"10.0.0.5", true},
		{"10.1.2.3", false},
		{"192.168.1.1", true},
		{"2001:db8::1", false},
	}
	for _, c := range checks {
		if got := f.Accept(ctx, net.ParseIP(c.ip)); got != c.want {
			t.Fatalf("%s: got %v want %v", c.ip, got, c.want)
		}
	}
	kinds := out.Kinds()
	want := []AuditEventKind{EventConnectionGranted, EventConnectionDenied, EventConnectionGranted, EventConnectionDenied}
	for i := range want {
		if kinds[i] != want[i] {
			t.Fatalf("unexpected events %v", kinds)
		}
	}

	if _, err := NewIPFilter("default", []string{"not-an-ip"}, nil); err == nil {
		t.Fatalf("expected invalid rule error")
	}
	all, _ := NewIPFilter("default", nil, []string{"_all"})
	if all.Accept(ctx, net.ParseIP("127.0.0.1")) {
		t.Fatalf("_all deny must reject")
	}
}
