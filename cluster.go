package shield

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// ActionHandler executes a broadcast action on one node.
type ActionHandler func(ctx context.Context, payload []byte) ([]byte, error)

// HandlerRegistry is implemented by node transports that accept actions.
type HandlerRegistry interface {
	Handle(action string, h ActionHandler)
}

// NodeResponse is one node's answer to a broadcast.
type NodeResponse struct {
	NodeID  string
	Payload []byte
	Err     error
}

// Broadcaster invokes an action on every node of the cluster and returns one
// response per node. Nodes that do not answer before ctx is done are reported
// with an error; they are not retried.
type Broadcaster interface {
	Broadcast(ctx context.Context, action string, payload []byte) []NodeResponse
}

// LocalCluster is an in-process Broadcaster whose nodes answer concurrently.
type LocalCluster struct {
	mu    sync.RWMutex
	nodes map[string]*LocalNode
}

func NewLocalCluster() *LocalCluster {
	return &LocalCluster{nodes: make(map[string]*LocalNode)}
}

// LocalNode is a member of a LocalCluster.
type LocalNode struct {
	id       string
	mu       sync.RWMutex
	handlers map[string]ActionHandler
}

// AddNode creates and joins a node.
func (c *LocalCluster) AddNode(id string) *LocalNode {
	n := &LocalNode{id: id, handlers: make(map[string]ActionHandler)}
	c.mu.Lock()
	c.nodes[id] = n
	c.mu.Unlock()
	return n
}

// RemoveNode makes id leave the cluster.
func (c *LocalCluster) RemoveNode(id string) {
	c.mu.Lock()
	delete(c.nodes, id)
	c.mu.Unlock()
}

func (n *LocalNode) ID() string { return n.id }

func (n *LocalNode) Handle(action string, h ActionHandler) {
	n.mu.Lock()
	n.handlers[action] = h
	n.mu.Unlock()
}

func (n *LocalNode) handler(action string) (ActionHandler, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	h, ok := n.handlers[action]
	return h, ok
}

func (c *LocalCluster) Broadcast(ctx context.Context, action string, payload []byte) []NodeResponse {
	c.mu.RLock()
	nodes := make([]*LocalNode, 0, len(c.nodes))
	for _, n := range c.nodes {
		nodes = append(nodes, n)
	}
	c.mu.RUnlock()
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].id < nodes[j].id })

	// buffered so late answers after a timeout do not block their goroutines
	results := make(chan NodeResponse, len(nodes))
	for _, n := range nodes {
		go func(n *LocalNode) {
			results <- n.invoke(ctx, action, payload)
		}(n)
	}

	got := make(map[string]NodeResponse, len(nodes))
	for len(got) < len(nodes) {
		select {
		case r := <-results:
			got[r.NodeID] = r
		case <-ctx.Done():
			return collectResponses(nodes, got, ctx.Err())
		}
	}
	return collectResponses(nodes, got, nil)
}

func (n *LocalNode) invoke(ctx context.Context, action string, payload []byte) (resp NodeResponse) {
	resp.NodeID = n.id
	defer func() {
		if p := recover(); p != nil {
			resp.Err = fmt.Errorf("handler panicked: %v", p)
		}
	}()
	h, ok := n.handler(action)
	if !ok {
		resp.Err = fmt.Errorf("no handler for action [%s]", action)
		return resp
	}
	resp.Payload, resp.Err = h(ctx, payload)
	return resp
}

type nodeIDer interface{ ID() string }

func collectResponses[N nodeIDer](nodes []N, got map[string]NodeResponse, timeoutErr error) []NodeResponse {
	out := make([]NodeResponse, 0, len(nodes))
	for _, n := range nodes {
		if r, ok := got[n.ID()]; ok {
			out = append(out, r)
			continue
		}
		out = append(out, NodeResponse{NodeID: n.ID(), Err: fmt.Errorf("node did not respond: %w", timeoutErr)})
	}
	return out
}
