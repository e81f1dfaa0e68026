package shield

import (
	"context"
	"errors"
	"net"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/oarkflow/shield/logger"
)

type failingOutput struct {
	name  string
	panic bool
	calls int
}

func (f *failingOutput) Name() string { return f.name }

func (f *failingOutput) Write(context.Context, *AuditEvent) error {
	f.calls++
	if f.panic {
		panic("disk on fire")
	}
	return errors.New("write failed")
}

func TestCompositeAuditTrailIsolatesOutputs(t *testing.T) {
	first := &failingOutput{name: "broken"}
	second := &failingOutput{name: "panicky", panic: true}
	last := NewMemoryAuditOutput("memory")
	metrics := NewMetrics(prometheus.NewRegistry())
	trail := NewCompositeAuditTrail([]AuditOutput{first, second, last}, WithMetrics(metrics), WithNodeName("n1"))

	req := &Request{Action: "indices:data/read/search", Indices: []string{"logs"}, Origin: "10.0.0.1", Token: NewUsernamePasswordToken("eve", "x")}
	trail.AuthenticationFailed(context.Background(), req)
	trail.AccessDenied(context.Background(), NewIdentity("bob", nil, WithRealm("file")), req)

	if first.calls != 2 || second.calls != 2 {
		t.Fatalf("every output must see every event")
	}
	events := last.Events()
	if len(events) != 2 {
		t.Fatalf("expected 2 events after failing outputs, got %d", len(events))
	}
	ev := events[0]
	if ev.Kind != EventAuthenticationFailed || ev.Principal != "eve" || ev.Node != "n1" || ev.ID == "" || ev.Timestamp.IsZero() {
		t.Fatalf("unexpected event %+v", ev)
	}
	if events[1].Principal != "bob" || events[1].Realm != "file" {
		t.Fatalf("unexpected event %+v", events[1])
	}
	if got := testutil.ToFloat64(metrics.AuditFailures.WithLabelValues("panicky")); got != 2 {
		t.Fatalf("expected 2 failures for panicky output, got %v", got)
	}
}

func TestCompositeAuditTrailEventKinds(t *testing.T) {
	trail, out := memoryTrail()
	ctx := context.Background()
	id := NewIdentity("alice", []string{"r"}).WithRunAs(NewIdentity("bob", nil, WithRealm("native")))
	req := &Request{Action: "a"}

	trail.AnonymousAccessDenied(ctx, req)
	trail.AuthenticationFailed(ctx, req)
	trail.RealmAuthenticationFailed(ctx, "ldap1", req)
	trail.AuthenticationSuccess(ctx, "file", id, req)
	trail.AccessGranted(ctx, id, req)
	trail.AccessDenied(ctx, id, req)
	trail.TamperedRequest(ctx, id, req)
	trail.ConnectionGranted(ctx, net.ParseIP("127.0.0.1"), "default", "allow _all")
	trail.ConnectionDenied(ctx, net.ParseIP("10.0.0.1"), "default", "deny _all")
	trail.RunAsGranted(ctx, id, req)
	trail.RunAsDenied(ctx, id, req)

	want := []AuditEventKind{
		EventAnonymousAccessDenied, EventAuthenticationFailed, EventRealmAuthenticationFailed,
		EventAuthenticationSuccess, EventAccessGranted, EventAccessDenied, EventTamperedRequest,
		EventConnectionGranted, EventConnectionDenied, EventRunAsGranted, EventRunAsDenied,
	}
	got := out.Kinds()
	if len(got) != len(want) {
		t.Fatalf("expected %d events, got %v", len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("event %d: got %s want %s", i, got[i], want[i])
		}
	}
	events := out.Events()
	if events[2].Realm != "ldap1" || events[4].RunAsPrincipal != "bob" || events[8].Address != "10.0.0.1" {
		t.Fatalf("missing event context: %+v", events)
	}
}

func TestBuildAuditTrail(t *testing.T) {
	reg := NewAuditOutputRegistry()
	trail, err := BuildAuditTrail(reg, nil)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if _, ok := trail.(NoopAuditTrail); !ok {
		t.Fatalf("expected noop trail without outputs, got %T", trail)
	}

	_, err = BuildAuditTrail(reg, []AuditOutputConfig{{Type: LogAuditOutputType}, {Type: "kafka"}})
	var cerr *ConfigError
	if !errors.As(err, &cerr) {
		t.Fatalf("unknown output must fail at build time, got %v", err)
	}

	mem := NewMemoryAuditOutput("memory")
	reg.Register("memory", func(Settings, logger.Logger) (AuditOutput, error) { return mem, nil })
	trail, err = BuildAuditTrail(reg, []AuditOutputConfig{{Type: LogAuditOutputType}, {Type: "memory"}})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	outs := trail.(*CompositeAuditTrail).Outputs()
	if len(outs) != 2 || outs[0].Name() != LogAuditOutputType || outs[1] != AuditOutput(mem) {
		t.Fatalf("outputs must keep registration order")
	}
	trail.AccessGranted(context.Background(), NewIdentity("alice", nil), &Request{Action: "x"})
	if len(mem.Events()) != 1 {
		t.Fatalf("expected event to reach memory output")
	}
}
