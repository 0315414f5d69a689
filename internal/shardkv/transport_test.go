package shardkv

import (
	"context"
	"errors"
	"net"
	"net/rpc"
	"testing"
	"time"
)

// startRPCCluster runs n nodes on loopback net/rpc listeners.
func startRPCCluster(t *testing.T, n, nreplicas int) (ClusterConfig, []*KVServer) {
	t.Helper()

	listeners := make([]net.Listener, n)
	cfg := ClusterConfig{NReplicas: nreplicas}
	for i := range listeners {
		lis, err := net.Listen("tcp", "127.0.0.1:0")
		if err != nil {
			t.Fatalf("listen: %v", err)
		}
		listeners[i] = lis
		cfg.Nodes = append(cfg.Nodes, NodeConfig{ID: i, RPCAddr: lis.Addr().String()})
	}

	ctx, cancel := context.WithCancel(context.Background())
	servers := make([]*KVServer, n)
	for i := range servers {
		cluster, err := NewRPCCluster(cfg, i)
		if err != nil {
			t.Fatalf("NewRPCCluster: %v", err)
		}
		kv, err := StartKVServer(cluster, ServerOptions{})
		if err != nil {
			t.Fatalf("StartKVServer: %v", err)
		}
		servers[i] = kv
		go ServeRPC(ctx, kv, listeners[i])
		t.Cleanup(func() { _ = cluster.Close() })
	}
	t.Cleanup(cancel)
	return cfg, servers
}

func TestNetRPCEndToEnd(t *testing.T) {
	cfg, servers := startRPCCluster(t, 3, 2)

	clerkCluster, err := NewRPCCluster(cfg, 0)
	if err != nil {
		t.Fatalf("NewRPCCluster: %v", err)
	}
	defer clerkCluster.Close()

	ck, err := MakeClerk(clerkCluster.Ends(), cfg.NReplicas, ClerkOptions{RetryInterval: 10 * time.Millisecond})
	if err != nil {
		t.Fatalf("MakeClerk: %v", err)
	}

	ck.Put("4", "a")
	if prev := ck.Append("4", "b"); prev != "a" {
		t.Fatalf("Append returned %q, want a", prev)
	}
	if v := ck.Get("4"); v != "ab" {
		t.Fatalf("Get=%q, want ab", v)
	}

	// ask the backup and the unrelated node directly over the wire
	end2 := NewNetRPCEnd(cfg.Nodes[2].RPCAddr)
	defer end2.Close()
	var reply GetReply
	if err := end2.Call(context.Background(), OpGet.Method(), &GetArgs{Key: "4"}, &reply); err != nil {
		t.Fatalf("Get on node 2: %v", err)
	}
	if reply.Err != OK || reply.Value != "ab" {
		t.Fatalf("Get on node 2 = %+v", reply)
	}

	end0 := NewNetRPCEnd(cfg.Nodes[0].RPCAddr)
	defer end0.Close()
	reply = GetReply{}
	if err := end0.Call(context.Background(), OpGet.Method(), &GetArgs{Key: "4"}, &reply); err != nil {
		t.Fatalf("Get on node 0: %v", err)
	}
	if reply.Err != ErrWrongShard {
		t.Fatalf("Get on node 0 err=%q, want %q", reply.Err, ErrWrongShard)
	}

	if m := servers[2].Metrics(); m.Forwarded != 1 {
		t.Fatalf("node 2 forwarded %d, want 1", m.Forwarded)
	}
}

func TestNetRPCEndUnreachable(t *testing.T) {
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := lis.Addr().String()
	_ = lis.Close()

	end := NewNetRPCEnd(addr)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := end.Call(ctx, OpGet.Method(), &GetArgs{Key: "1"}, &GetReply{}); err == nil {
		t.Fatal("call to a closed port succeeded")
	}
}

func TestNetRPCForwardToDeadPrimary(t *testing.T) {
	dead, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	deadAddr := dead.Addr().String()
	_ = dead.Close()

	cfg := ClusterConfig{NReplicas: 2}
	for i := 0; i < 3; i++ {
		cfg.Nodes = append(cfg.Nodes, NodeConfig{ID: i, RPCAddr: deadAddr})
	}
	cluster, err := NewRPCCluster(cfg, 2)
	if err != nil {
		t.Fatalf("NewRPCCluster: %v", err)
	}
	defer cluster.Close()
	kv, err := StartKVServer(cluster, ServerOptions{ForwardTimeout: time.Second})
	if err != nil {
		t.Fatalf("StartKVServer: %v", err)
	}

	// node 2 is a backup for key 4 and has nowhere to forward it
	if err := kv.Get(&GetArgs{Key: "4"}, &GetReply{}); err == nil {
		t.Fatal("forward to a dead primary succeeded")
	}
}

func TestNetRPCEndDropsHungPeer(t *testing.T) {
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer lis.Close()

	// accepts connections and never answers
	go func() {
		var held []net.Conn
		for {
			conn, err := lis.Accept()
			if err != nil {
				for _, c := range held {
					_ = c.Close()
				}
				return
			}
			held = append(held, conn)
		}
	}()

	end := NewNetRPCEnd(lis.Addr().String())
	defer end.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := end.Call(ctx, OpGet.Method(), &GetArgs{Key: "1"}, &GetReply{}); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("call to hung peer: err=%v, want DeadlineExceeded", err)
	}

	end.mu.Lock()
	defer end.mu.Unlock()
	if end.client != nil {
		t.Fatal("connection to hung peer kept after timeout")
	}
}

func TestServeRPCClosesConnsOnCancel(t *testing.T) {
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	cfg := ClusterConfig{NReplicas: 1, Nodes: []NodeConfig{{ID: 0, RPCAddr: lis.Addr().String()}}}
	cluster, err := NewRPCCluster(cfg, 0)
	if err != nil {
		t.Fatalf("NewRPCCluster: %v", err)
	}
	defer cluster.Close()
	kv, err := StartKVServer(cluster, ServerOptions{})
	if err != nil {
		t.Fatalf("StartKVServer: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() { served <- ServeRPC(ctx, kv, lis) }()

	end := NewNetRPCEnd(lis.Addr().String())
	defer end.Close()
	var reply GetReply
	if err := end.Call(context.Background(), OpGet.Method(), &GetArgs{Key: "0"}, &reply); err != nil {
		t.Fatalf("Get before cancel: %v", err)
	}
	end.mu.Lock()
	c := end.client
	end.mu.Unlock()

	cancel()
	select {
	case err := <-served:
		if err != nil {
			t.Fatalf("ServeRPC: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("ServeRPC did not return after cancel")
	}

	// the already-open connection is gone too
	call := c.Go(OpGet.Method(), &GetArgs{Key: "0"}, &GetReply{}, make(chan *rpc.Call, 1))
	select {
	case done := <-call.Done:
		if done.Error == nil {
			t.Fatal("Get over an old connection succeeded after cancel")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Get over an old connection hung after cancel")
	}
}
