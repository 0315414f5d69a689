package shardkv

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"
)

// network.go is an in-process stand-in for the RPC transport, in the style
// of the course labrpc package. It can lose requests, lose replies after
// the handler ran, deliver a request twice and add delay. It never alters
// the data it carries.

var ErrNetwork = errors.New("network: call failed")

type Network struct {
	mu       sync.Mutex
	servers  map[int]*KVServer
	enabled  map[int]bool
	failNext map[int]int
	reliable bool
	rnd      *rand.Rand
	calls    atomic.Int64
}

func MakeNetwork(seed int64) *Network {
	return &Network{
		servers:  make(map[int]*KVServer),
		enabled:  make(map[int]bool),
		failNext: make(map[int]int),
		reliable: true,
		rnd:      rand.New(rand.NewSource(seed)),
	}
}

func (n *Network) AddServer(i int, kv *KVServer) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.servers[i] = kv
	n.enabled[i] = true
}

// Enable connects or disconnects server i. Calls to a disconnected server fail.
func (n *Network) Enable(i int, on bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.enabled[i] = on
}

func (n *Network) SetReliable(yes bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.reliable = yes
}

// FailNext makes the next count calls to server i fail before delivery.
func (n *Network) FailNext(i, count int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.failNext[i] = count
}

// Calls is the number of calls attempted so far, including failed ones.
func (n *Network) Calls() int64 {
	return n.calls.Load()
}

func (n *Network) End(i int) ClientEnd {
	return &netEnd{net: n, to: i}
}

// Ends returns ends for servers 0..nservers-1.
func (n *Network) Ends(nservers int) []ClientEnd {
	out := make([]ClientEnd, nservers)
	for i := range out {
		out[i] = n.End(i)
	}
	return out
}

// Cluster gives node me a view of the network for forwarding.
func (n *Network) Cluster(me, nservers, nreplicas int) Cluster {
	return &netCluster{net: n, me: me, nservers: nservers, nreplicas: nreplicas}
}

type delivery struct {
	kv        *KVServer
	dropReq   bool
	dropReply bool
	duplicate bool
	delay     time.Duration
}

func (n *Network) plan(to int) (delivery, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	kv, ok := n.servers[to]
	if !ok || !n.enabled[to] {
		return delivery{}, fmt.Errorf("%w: server %d unreachable", ErrNetwork, to)
	}
	if n.failNext[to] > 0 {
		n.failNext[to]--
		return delivery{}, fmt.Errorf("%w: injected failure to server %d", ErrNetwork, to)
	}

	d := delivery{kv: kv}
	if !n.reliable {
		d.dropReq = n.rnd.Intn(10) == 0
		d.dropReply = n.rnd.Intn(10) == 0
		d.duplicate = n.rnd.Intn(20) == 0
		d.delay = time.Duration(n.rnd.Intn(5000)) * time.Microsecond
	}
	return d, nil
}

func (n *Network) call(ctx context.Context, to int, method string, args, reply any) error {
	n.calls.Add(1)
	if err := ctx.Err(); err != nil {
		return err
	}

	op := opForMethod(method)
	h, ok := op.handler()
	if !ok {
		return fmt.Errorf("%w: unknown method %q", ErrNetwork, method)
	}

	d, err := n.plan(to)
	if err != nil {
		return err
	}
	if d.delay > 0 {
		select {
		case <-time.After(d.delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if d.dropReq {
		return fmt.Errorf("%w: request to server %d lost", ErrNetwork, to)
	}

	fresh := h.newReply()
	if err := h.invoke(d.kv, args, fresh); err != nil {
		return err
	}
	if d.duplicate {
		// a second delivery of the same request; its reply goes nowhere
		_ = h.invoke(d.kv, args, h.newReply())
	}
	if d.dropReply {
		return fmt.Errorf("%w: reply from server %d lost", ErrNetwork, to)
	}
	return h.assign(reply, fresh)
}

type netEnd struct {
	net *Network
	to  int
}

func (e *netEnd) Call(ctx context.Context, method string, args any, reply any) error {
	return e.net.call(ctx, e.to, method, args, reply)
}

type netCluster struct {
	net       *Network
	me        int
	nservers  int
	nreplicas int
}

func (c *netCluster) Me() int             { return c.me }
func (c *netCluster) NServers() int       { return c.nservers }
func (c *netCluster) NReplicas() int      { return c.nreplicas }
func (c *netCluster) End(i int) ClientEnd { return c.net.End(i) }
