package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/oarkflow/shield"
	"github.com/oarkflow/shield/logger"
)

// envelope is a request published to one node's channel.
type envelope struct {
	RequestID string `json:"request_id"`
	Action    string `json:"action"`
	Payload   []byte `json:"payload,omitempty"`
	ReplyTo   string `json:"reply_to"`
}

// reply is a node's answer published to the requester's reply channel.
type reply struct {
	RequestID string `json:"request_id"`
	NodeID    string `json:"node_id"`
	Payload   []byte `json:"payload,omitempty"`
	Error     string `json:"error,omitempty"`
}

// RedisNode joins a cluster whose membership and messaging live in Redis.
// Members are kept in a set; each node listens on its own channel and
// answers on the reply channel named in the request.
type RedisNode struct {
	client *redis.Client
	prefix string
	id     string
	log    logger.Logger

	mu       sync.RWMutex
	handlers map[string]shield.ActionHandler
	sub      *redis.PubSub
	done     chan struct{}
}

var (
	_ shield.Broadcaster     = (*RedisNode)(nil)
	_ shield.HandlerRegistry = (*RedisNode)(nil)
)

func NewRedisNode(client *redis.Client, prefix, nodeID string, log logger.Logger) *RedisNode {
	if prefix == "" {
		prefix = "shield"
	}
	return &RedisNode{
		client:   client,
		prefix:   prefix,
		id:       nodeID,
		log:      logger.OrNull(log),
		handlers: make(map[string]shield.ActionHandler),
	}
}

func (n *RedisNode) ID() string { return n.id }

func (n *RedisNode) membersKey() string             { return n.prefix + ":nodes" }
func (n *RedisNode) nodeChannel(id string) string   { return n.prefix + ":node:" + id }
func (n *RedisNode) replyChannel(req string) string { return n.prefix + ":reply:" + req }

func (n *RedisNode) Handle(action string, h shield.ActionHandler) {
	n.mu.Lock()
	n.handlers[action] = h
	n.mu.Unlock()
}

func (n *RedisNode) handler(action string) (shield.ActionHandler, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	h, ok := n.handlers[action]
	return h, ok
}

// Start subscribes to the node channel and registers the node as a member.
func (n *RedisNode) Start(ctx context.Context) error {
	sub := n.client.Subscribe(ctx, n.nodeChannel(n.id))
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return fmt.Errorf("subscribe node channel: %w", err)
	}
	if err := n.client.SAdd(ctx, n.membersKey(), n.id).Err(); err != nil {
		sub.Close()
		return fmt.Errorf("register node: %w", err)
	}
	n.mu.Lock()
	n.sub = sub
	n.done = make(chan struct{})
	n.mu.Unlock()
	go n.serve(sub)
	n.log.Info("joined cluster", "node", n.id, "prefix", n.prefix)
	return nil
}

// Stop leaves the cluster.
func (n *RedisNode) Stop(ctx context.Context) error {
	n.mu.Lock()
	sub, done := n.sub, n.done
	n.sub = nil
	n.mu.Unlock()
	if sub == nil {
		return nil
	}
	err := n.client.SRem(ctx, n.membersKey(), n.id).Err()
	err = errors.Join(err, sub.Close())
	<-done
	return err
}

func (n *RedisNode) serve(sub *redis.PubSub) {
	defer close(n.done)
	for msg := range sub.Channel() {
		var env envelope
		if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
			n.log.Warn("dropping malformed request", "node", n.id, "error", err)
			continue
		}
		go n.answer(env)
	}
}

func (n *RedisNode) answer(env envelope) {
	ctx := context.Background()
	rep := n.invoke(ctx, env)
	body, err := json.Marshal(rep)
	if err != nil {
		n.log.Error("failed to encode reply", "node", n.id, "error", err)
		return
	}
	if err := n.client.Publish(ctx, env.ReplyTo, body).Err(); err != nil {
		n.log.Warn("failed to publish reply", "node", n.id, "request", env.RequestID, "error", err)
	}
}

func (n *RedisNode) invoke(ctx context.Context, env envelope) (rep reply) {
	rep = reply{RequestID: env.RequestID, NodeID: n.id}
	defer func() {
		if p := recover(); p != nil {
			rep.Error = fmt.Sprintf("handler panicked: %v", p)
		}
	}()
	h, ok := n.handler(env.Action)
	if !ok {
		rep.Error = fmt.Sprintf("no handler for action [%s]", env.Action)
		return rep
	}
	payload, err := h(ctx, env.Payload)
	rep.Payload = payload
	if err != nil {
		rep.Error = err.Error()
	}
	return rep
}

// Members returns the registered node ids, sorted.
func (n *RedisNode) Members(ctx context.Context) ([]string, error) {
	ids, err := n.client.SMembers(ctx, n.membersKey()).Result()
	if err != nil {
		return nil, err
	}
	sort.Strings(ids)
	return ids, nil
}

// Broadcast publishes action to every member and waits for their replies
// until ctx is done. Members that stay silent are reported with an error.
func (n *RedisNode) Broadcast(ctx context.Context, action string, payload []byte) []shield.NodeResponse {
	members, err := n.Members(ctx)
	if err != nil {
		return []shield.NodeResponse{{NodeID: n.id, Err: fmt.Errorf("list cluster members: %w", err)}}
	}
	env := envelope{RequestID: uuid.NewString(), Action: action, Payload: payload}
	env.ReplyTo = n.replyChannel(env.RequestID)

	replies := n.client.Subscribe(ctx, env.ReplyTo)
	defer replies.Close()
	if _, err := replies.Receive(ctx); err != nil {
		return failAll(members, fmt.Errorf("subscribe reply channel: %w", err))
	}
	body, err := json.Marshal(env)
	if err != nil {
		return failAll(members, err)
	}

	got := make(map[string]shield.NodeResponse, len(members))
	for _, id := range members {
		if err := n.client.Publish(ctx, n.nodeChannel(id), body).Err(); err != nil {
			got[id] = shield.NodeResponse{NodeID: id, Err: fmt.Errorf("publish request: %w", err)}
		}
	}

	ch := replies.Channel()
	for len(got) < len(members) {
		select {
		case msg, ok := <-ch:
			if !ok {
				return collect(members, got, errors.New("reply channel closed"))
			}
			var rep reply
			if err := json.Unmarshal([]byte(msg.Payload), &rep); err != nil || rep.RequestID != env.RequestID {
				continue
			}
			r := shield.NodeResponse{NodeID: rep.NodeID, Payload: rep.Payload}
			if rep.Error != "" {
				r.Err = errors.New(rep.Error)
			}
			got[rep.NodeID] = r
		case <-ctx.Done():
			return collect(members, got, ctx.Err())
		}
	}
	return collect(members, got, nil)
}

func collect(members []string, got map[string]shield.NodeResponse, cause error) []shield.NodeResponse {
	out := make([]shield.NodeResponse, 0, len(members))
	for _, id := range members {
		if r, ok := got[id]; ok {
			out = append(out, r)
			continue
		}
		out = append(out, shield.NodeResponse{NodeID: id, Err: fmt.Errorf("node did not respond: %w", cause)})
	}
	return out
}

func failAll(members []string, err error) []shield.NodeResponse {
	return collect(members, map[string]shield.NodeResponse{}, err)
}
