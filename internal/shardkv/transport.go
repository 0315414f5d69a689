package shardkv

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/rpc"
	"sync"
)

// ClientEnd is one way of reaching a KVServer. An error means the attempt
// did not complete; the operation may or may not have happened.
type ClientEnd interface {
	Call(ctx context.Context, method string, args any, reply any) error
}

// Cluster is what a node knows about the cluster around it.
type Cluster interface {
	Me() int
	NServers() int
	NReplicas() int
	End(i int) ClientEnd
}

// NetRPCEnd talks net/rpc over TCP. It dials lazily and redials after the
// connection breaks.
type NetRPCEnd struct {
	addr string

	mu     sync.Mutex
	client *rpc.Client
}

func NewNetRPCEnd(addr string) *NetRPCEnd {
	return &NetRPCEnd{addr: addr}
}

func (e *NetRPCEnd) Addr() string { return e.addr }

func (e *NetRPCEnd) Call(ctx context.Context, method string, args any, reply any) error {
	c, err := e.conn(ctx)
	if err != nil {
		return err
	}

	call := c.Go(method, args, reply, make(chan *rpc.Call, 1))
	select {
	case <-ctx.Done():
		// the peer may be hung; don't queue more calls behind this one
		e.drop(c)
		return ctx.Err()
	case done := <-call.Done:
		if done.Error != nil {
			var serr rpc.ServerError
			if !errors.As(done.Error, &serr) {
				// broken connection, next call redials
				e.drop(c)
			}
			return done.Error
		}
		return nil
	}
}

func (e *NetRPCEnd) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.client == nil {
		return nil
	}
	err := e.client.Close()
	e.client = nil
	return err
}

func (e *NetRPCEnd) conn(ctx context.Context) (*rpc.Client, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.client != nil {
		return e.client, nil
	}

	var d net.Dialer
	nc, err := d.DialContext(ctx, "tcp", e.addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", e.addr, err)
	}
	e.client = rpc.NewClient(nc)
	return e.client, nil
}

func (e *NetRPCEnd) drop(c *rpc.Client) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.client == c {
		_ = e.client.Close()
		e.client = nil
	}
}

// RPCCluster is the Cluster of a node running from a ClusterConfig.
type RPCCluster struct {
	me        int
	nreplicas int
	ends      []*NetRPCEnd
}

func NewRPCCluster(cfg ClusterConfig, me int) (*RPCCluster, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if _, err := cfg.ConfigForID(me); err != nil {
		return nil, err
	}
	rc := &RPCCluster{
		me:        me,
		nreplicas: cfg.NReplicas,
		ends:      make([]*NetRPCEnd, len(cfg.Nodes)),
	}
	for i, n := range cfg.Nodes {
		rc.ends[i] = NewNetRPCEnd(n.RPCAddr)
	}
	return rc, nil
}

func (rc *RPCCluster) Me() int             { return rc.me }
func (rc *RPCCluster) NServers() int       { return len(rc.ends) }
func (rc *RPCCluster) NReplicas() int      { return rc.nreplicas }
func (rc *RPCCluster) End(i int) ClientEnd { return rc.ends[i] }

// Ends returns one ClientEnd per node, in node order, for building a Clerk.
func (rc *RPCCluster) Ends() []ClientEnd {
	out := make([]ClientEnd, len(rc.ends))
	for i, e := range rc.ends {
		out[i] = e
	}
	return out
}

func (rc *RPCCluster) Close() error {
	var errs []error
	for _, e := range rc.ends {
		errs = append(errs, e.Close())
	}
	return errors.Join(errs...)
}

// ServeRPC registers kv as "KVServer" and serves connections from lis
// until ctx is done. Cancelling ctx closes the listener and every
// connection accepted from it.
func ServeRPC(ctx context.Context, kv *KVServer, lis net.Listener) error {
	srv := rpc.NewServer()
	if err := srv.RegisterName("KVServer", kv); err != nil {
		return fmt.Errorf("register KVServer: %w", err)
	}

	var (
		mu    sync.Mutex
		conns = make(map[net.Conn]struct{})
	)
	go func() {
		<-ctx.Done()
		_ = lis.Close()
		mu.Lock()
		defer mu.Unlock()
		for c := range conns {
			_ = c.Close()
		}
	}()

	for {
		conn, err := lis.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		mu.Lock()
		if ctx.Err() != nil {
			mu.Unlock()
			_ = conn.Close()
			return nil
		}
		conns[conn] = struct{}{}
		mu.Unlock()

		go func() {
			srv.ServeConn(conn)
			mu.Lock()
			delete(conns, conn)
			mu.Unlock()
		}()
	}
}
