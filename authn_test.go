package shield

import (
	"context"
	"errors"
	"testing"
)

func TestAuthenticationFirstSuccessWins(t *testing.T) {
	ctx := context.Background()
	ldap := newFakeRealm("ldap", "ldap", 10, nil)
	ldap.supports = neverSupports
	file := newFakeRealm("file", "file", 20, map[string]string{"alice": "other"})
	native := newFakeRealm("native", "native", 30, map[string]string{"alice": "secret"})
	later := newFakeRealm("later", "custom", 40, map[string]string{"alice": "secret"})
	trail, out := memoryTrail()

	svc := NewAuthenticationService(NewRealmChain(ldap, file, native, later), WithAuditTrail(trail))
	id, err := svc.Authenticate(ctx, &Request{Action: "indices:data/read", Token: NewUsernamePasswordToken("alice", "secret")})
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if id.Realm() != "native" || id.Principal() != "alice" {
		t.Fatalf("expected native identity, got %s/%s", id.Realm(), id.Principal())
	}
	if ldap.authCalls.Load() != 0 {
		t.Fatalf("unsupported realm must not authenticate")
	}
	if file.authCalls.Load() != 1 || native.authCalls.Load() != 1 {
		t.Fatalf("unexpected call counts file=%d native=%d", file.authCalls.Load(), native.authCalls.Load())
	}
	if later.supportCalls.Load() != 0 || later.authCalls.Load() != 0 {
		t.Fatalf("realm after first success was consulted")
	}
	events := out.Events()
	if len(events) != 1 || events[0].Kind != EventRealmAuthenticationFailed || events[0].Realm != "file" {
		t.Fatalf("expected one realm failure naming file, got %+v", events)
	}
}

func TestAuthenticationAllRealmsReject(t *testing.T) {
	ctx := context.Background()
	a := newFakeRealm("a", "file", 1, map[string]string{"bob": "x"})
	b := newFakeRealm("b", "native", 2, map[string]string{"bob": "y"})
	trail, out := memoryTrail()
	svc := NewAuthenticationService(NewRealmChain(a, b), WithAuditTrail(trail))

	_, err := svc.Authenticate(ctx, &Request{Action: "cluster:monitor/health", Token: NewUsernamePasswordToken("bob", "z")})
	if !errors.Is(err, ErrAuthenticationFailed) {
		t.Fatalf("expected auth failure, got %v", err)
	}
	var af *AuthFailure
	if !errors.As(err, &af) || af.Principal != "bob" {
		t.Fatalf("expected AuthFailure for bob, got %v", err)
	}
	kinds := out.Kinds()
	want := []AuditEventKind{EventRealmAuthenticationFailed, EventRealmAuthenticationFailed, EventAuthenticationFailed}
	if len(kinds) != len(want) {
		t.Fatalf("unexpected events %v", kinds)
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Fatalf("unexpected events %v", kinds)
		}
	}
}

func TestAuthenticationNoSupportingRealm(t *testing.T) {
	a := newFakeRealm("a", "file", 1, nil)
	trail, out := memoryTrail()
	svc := NewAuthenticationService(NewRealmChain(a), WithAuditTrail(trail))
	_, err := svc.Authenticate(context.Background(), &Request{Action: "x", Token: &BearerToken{Value: "abc"}})
	if !errors.Is(err, ErrAuthenticationFailed) {
		t.Fatalf("expected failure, got %v", err)
	}
	if k := out.Kinds(); len(k) != 1 || k[0] != EventAuthenticationFailed {
		t.Fatalf("expected untargeted failure event, got %v", k)
	}
}

func TestAuthenticationMissingToken(t *testing.T) {
	trail, out := memoryTrail()
	svc := NewAuthenticationService(NewRealmChain(newFakeRealm("a", "file", 1, nil)), WithAuditTrail(trail))
	_, err := svc.Authenticate(context.Background(), &Request{Action: "x"})
	if !errors.Is(err, ErrAuthenticationFailed) {
		t.Fatalf("expected failure, got %v", err)
	}
	if k := out.Kinds(); len(k) != 1 || k[0] != EventAnonymousAccessDenied {
		t.Fatalf("expected anonymous denied, got %v", k)
	}

	anon := NewIdentity("_anonymous", []string{"viewer"})
	svc = NewAuthenticationService(NewRealmChain(), WithAnonymousUser(anon))
	id, err := svc.Authenticate(context.Background(), &Request{Action: "x"})
	if err != nil || id != anon {
		t.Fatalf("expected anonymous identity, got %v %v", id, err)
	}
}

func TestAuthenticationSystemBypassesChain(t *testing.T) {
	r := newFakeRealm("a", "file", 1, nil)
	svc := NewAuthenticationService(NewRealmChain(r))
	id, err := svc.Authenticate(context.Background(), &Request{Action: "internal:gateway/sync", System: true})
	if err != nil || !id.IsSystem() {
		t.Fatalf("expected system identity, got %v %v", id, err)
	}
	if r.supportCalls.Load() != 0 {
		t.Fatalf("system requests must not touch realms")
	}
}

func TestAuthenticationRunAs(t *testing.T) {
	ctx := context.Background()
	file := newFakeRealm("file", "file", 1, map[string]string{"admin": "pw"})
	native := newFakeRealm("native", "native", 2, map[string]string{"carol": "pw2"})
	trail, out := memoryTrail()
	svc := NewAuthenticationService(NewRealmChain(file, native), WithAuditTrail(trail), WithAuditSuccess(true))

	id, err := svc.Authenticate(ctx, &Request{Action: "x", Token: NewUsernamePasswordToken("admin", "pw"), RunAs: "carol"})
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if id.RunAs() == nil || id.RunAs().Principal() != "carol" || id.RunAs().Realm() != "native" {
		t.Fatalf("unexpected run as %+v", id.RunAs())
	}
	if id.Effective().Principal() != "carol" {
		t.Fatalf("effective identity must be the run as user")
	}

	_, err = svc.Authenticate(ctx, &Request{Action: "x", Token: NewUsernamePasswordToken("admin", "pw"), RunAs: "mallory"})
	if !errors.Is(err, ErrAuthenticationFailed) {
		t.Fatalf("expected failure for unknown run as user, got %v", err)
	}
	kinds := out.Kinds()
	if kinds[0] != EventAuthenticationSuccess || kinds[len(kinds)-1] != EventRunAsDenied {
		t.Fatalf("unexpected events %v", kinds)
	}
}

type panickyRealm struct{ *fakeRealm }

func (p panickyRealm) Authenticate(context.Context, AuthenticationToken) (*Identity, error) {
	panic("directory exploded")
}

func TestAuthenticationRealmPanicIsRealmFailure(t *testing.T) {
	bad := panickyRealm{newFakeRealm("bad", "ldap", 1, nil)}
	good := newFakeRealm("good", "file", 2, map[string]string{"alice": "secret"})
	trail, out := memoryTrail()
	svc := NewAuthenticationService(NewRealmChain(bad, good), WithAuditTrail(trail))
	id, err := svc.Authenticate(context.Background(), &Request{Token: NewUsernamePasswordToken("alice", "secret")})
	if err != nil || id.Realm() != "good" {
		t.Fatalf("expected fallback to good realm, got %v %v", id, err)
	}
	if ev := out.Events(); len(ev) != 1 || ev[0].Realm != "bad" {
		t.Fatalf("expected one realm failure for bad, got %+v", ev)
	}
}
