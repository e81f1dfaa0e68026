package transport

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/oarkflow/shield"
)

func TestCollectMarksSilentNodes(t *testing.T) {
	got := map[string]shield.NodeResponse{"a": {NodeID: "a", Payload: []byte("ok")}}
	out := collect([]string{"a", "b"}, got, context.DeadlineExceeded)
	if len(out) != 2 || out[0].Err != nil || out[1].NodeID != "b" {
		t.Fatalf("unexpected responses %+v", out)
	}
	if !errors.Is(out[1].Err, context.DeadlineExceeded) {
		t.Fatalf("silent node must carry the cause, got %v", out[1].Err)
	}
}

func TestInvokeRecoversAndReportsMissingHandlers(t *testing.T) {
	n := NewRedisNode(nil, "", "n1", nil)
	n.Handle("boom", func(context.Context, []byte) ([]byte, error) { panic("bad") })
	if rep := n.invoke(context.Background(), envelope{RequestID: "r", Action: "boom"}); rep.Error == "" || rep.NodeID != "n1" {
		t.Fatalf("panic must be reported, got %+v", rep)
	}
	if rep := n.invoke(context.Background(), envelope{RequestID: "r", Action: "missing"}); rep.Error == "" {
		t.Fatalf("missing handler must be reported")
	}
}

// TestRedisClusterClearCache runs against a live server named by
// SHIELD_REDIS_ADDR.
func TestRedisClusterClearCache(t *testing.T) {
	addr := os.Getenv("SHIELD_REDIS_ADDR")
	if addr == "" {
		t.Skip("SHIELD_REDIS_ADDR not set")
	}
	ctx := context.Background()
	client := redis.NewClient(&redis.Options{Addr: addr})
	defer client.Close()
	prefix := "shield-test-" + uuid.NewString()

	var nodes []*RedisNode
	for _, id := range []string{"n1", "n2"} {
		n := NewRedisNode(client, prefix, id, nil)
		n.Handle(shield.ClearRealmCacheAction, func(_ context.Context, p []byte) ([]byte, error) {
			return []byte(`{"node_id":"` + id + `","ok":true}`), nil
		})
		if err := n.Start(ctx); err != nil {
			t.Fatalf("start %s: %v", id, err)
		}
		nodes = append(nodes, n)
	}
	defer func() {
		for _, n := range nodes {
			_ = n.Stop(ctx)
		}
	}()

	bctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	out := nodes[0].Broadcast(bctx, shield.ClearRealmCacheAction, []byte(`{}`))
	if len(out) != 2 {
		t.Fatalf("expected 2 responses, got %+v", out)
	}
	for _, r := range out {
		if r.Err != nil {
			t.Fatalf("node %s failed: %v", r.NodeID, r.Err)
		}
	}
}
