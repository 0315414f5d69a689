package shardkv

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// KVServer owns the shard whose id equals its node index. For every request
// it works out its role for the key's shard: the primary applies it, a
// backup forwards it to the primary, anyone else answers WRONG_SHARD.
//
// Backups never get a copy of the primary's writes. Replicas only route.
type KVServer struct {
	mu      sync.Mutex // guards store, wal, last and closed together
	store   *Store
	wal     *WAL // nil when running in-memory
	last    uint64
	closed  bool
	dataDir string

	me             int
	router         *Router
	cluster        Cluster
	logger         *Logger
	metrics        Metrics
	forwardTimeout time.Duration
}

type ServerOptions struct {
	// DataDir enables the write-ahead log. Empty keeps everything in memory.
	DataDir        string
	Logger         *Logger
	ForwardTimeout time.Duration // default 2s
}

const defaultForwardTimeout = 2 * time.Second

// ErrServerClosed is returned for requests that reach a node after Close.
var ErrServerClosed = errors.New("shardkv: server closed")

// StartKVServer builds node cluster.Me(). With a DataDir it replays the WAL
// there before returning, so the store and dedup table survive restarts.
func StartKVServer(cluster Cluster, opts ServerOptions) (*KVServer, error) {
	router, err := NewRouter(cluster.NServers(), cluster.NReplicas())
	if err != nil {
		return nil, err
	}
	me := cluster.Me()
	if me < 0 || me >= router.NServers() {
		return nil, fmt.Errorf("%w: node index %d outside 0..%d", ErrBadConfig, me, router.NServers()-1)
	}

	logger := opts.Logger
	if logger == nil {
		logger = NopLogger()
	}
	if opts.ForwardTimeout <= 0 {
		opts.ForwardTimeout = defaultForwardTimeout
	}

	kv := &KVServer{
		store:          NewStore(),
		dataDir:        opts.DataDir,
		me:             me,
		router:         router,
		cluster:        cluster,
		logger:         logger,
		forwardTimeout: opts.ForwardTimeout,
	}

	if opts.DataDir != "" {
		if err := kv.openWAL(); err != nil {
			return nil, err
		}
	}

	logger.Infof(LogTopicServer, "start me=%d nservers=%d nreplicas=%d data=%q last=%d",
		me, router.NServers(), router.NReplicas(), opts.DataDir, kv.last)
	return kv, nil
}

func (kv *KVServer) openWAL() (err error) {
	info, err := os.Stat(kv.dataDir)
	if err != nil {
		if !os.IsNotExist(err) {
			return fmt.Errorf("stat %q failed: %w", kv.dataDir, err)
		}
		if err := os.MkdirAll(kv.dataDir, 0o755); err != nil {
			return fmt.Errorf("unable to create data dir: %w", err)
		}
	} else if !info.IsDir() {
		return fmt.Errorf("data dir %q is a file, not a directory", kv.dataDir)
	}

	w, err := NewWAL(filepath.Join(kv.dataDir, "wal"), kv.logger)
	if err != nil {
		return fmt.Errorf("unable to open WAL: %w", err)
	}
	defer func() {
		if err != nil {
			_ = w.Close()
		}
	}()

	recs, lastIdx, err := w.ReplayAll()
	if err != nil {
		return fmt.Errorf("replay WAL: %w", err)
	}
	for _, rec := range recs {
		if _, err = kv.store.Apply(rec.Cmd, rec.LogIndex); err != nil {
			return fmt.Errorf("replay index %d: %w", rec.LogIndex, err)
		}
	}

	kv.wal = w
	kv.last = lastIdx
	kv.logger.Infof(LogTopicServer, "replayed records=%d last=%d keys=%d", len(recs), lastIdx, kv.store.Len())
	return nil
}

// Close stops the node from serving. Later requests fail with
// ErrServerClosed, so a Clerk moves on instead of trusting an unlogged write.
func (kv *KVServer) Close() error {
	kv.mu.Lock()
	defer kv.mu.Unlock()
	kv.closed = true
	if kv.wal == nil {
		return nil
	}
	err := kv.wal.Close()
	kv.wal = nil
	return err
}

func (kv *KVServer) Me() int { return kv.me }

func (kv *KVServer) Metrics() MetricsSnapshot { return kv.metrics.Snapshot() }

// LastIndex is the log index of the last applied write.
func (kv *KVServer) LastIndex() uint64 {
	kv.mu.Lock()
	defer kv.mu.Unlock()
	return kv.last
}

func (kv *KVServer) isClosed() bool {
	kv.mu.Lock()
	defer kv.mu.Unlock()
	return kv.closed
}

func (kv *KVServer) Get(args *GetArgs, reply *GetReply) error {
	if kv.isClosed() {
		return ErrServerClosed
	}
	kv.metrics.incOp(OpGet)
	shard := kv.router.ShardOf(args.Key)

	switch kv.router.RoleOf(kv.me, shard) {
	case RoleUnrelated:
		kv.reject(OpGet, args.Key, shard)
		reply.Value, reply.Err = "", ErrWrongShard
		return nil
	case RoleBackup:
		return kv.forward(OpGet, shard, args, reply)
	}

	kv.mu.Lock()
	defer kv.mu.Unlock()
	if kv.closed {
		return ErrServerClosed
	}
	reply.Value, reply.Err = kv.store.Get(args.Key), OK
	return nil
}

func (kv *KVServer) Put(args *PutAppendArgs, reply *PutAppendReply) error {
	return kv.putAppend(OpPut, args, reply)
}

func (kv *KVServer) Append(args *PutAppendArgs, reply *PutAppendReply) error {
	return kv.putAppend(OpAppend, args, reply)
}

func (kv *KVServer) putAppend(op Op, args *PutAppendArgs, reply *PutAppendReply) error {
	if kv.isClosed() {
		return ErrServerClosed
	}
	kv.metrics.incOp(op)
	shard := kv.router.ShardOf(args.Key)

	switch kv.router.RoleOf(kv.me, shard) {
	case RoleUnrelated:
		kv.reject(op, args.Key, shard)
		reply.Value, reply.Err = "", ErrWrongShard
		return nil
	case RoleBackup:
		return kv.forward(op, shard, args, reply)
	}

	res, err := kv.exec(Command{
		Op:       op,
		ClientID: args.ClientID,
		Seq:      args.Seq,
		AckedSeq: args.AckedSeq,
		Key:      args.Key,
		Value:    args.Value,
	})
	if err != nil {
		return err
	}

	reply.Value, reply.Err = "", OK
	if op == OpAppend {
		reply.Value = res.Value
	}
	return nil
}

// exec applies a write on the primary: dedup check, WAL append, then the
// store, all under the node lock.
func (kv *KVServer) exec(cmd Command) (ApplyResult, error) {
	kv.mu.Lock()
	defer kv.mu.Unlock()

	// Close may have run since putAppend checked
	if kv.closed {
		return ApplyResult{}, ErrServerClosed
	}

	if res, ok := kv.store.Lookup(cmd); ok {
		if res.Stale {
			kv.metrics.staleDrops.Add(1)
		} else {
			kv.metrics.dedupHits.Add(1)
		}
		kv.logger.Debugf(LogTopicServer, "%v dup key=%q client=%d seq=%d stale=%t",
			cmd.Op, cmd.Key, cmd.ClientID, cmd.Seq, res.Stale)
		return res, nil
	}

	nextIdx := kv.last + 1
	if kv.wal != nil {
		if err := kv.wal.Append(&Record{LogIndex: nextIdx, Cmd: cmd}); err != nil {
			return ApplyResult{}, fmt.Errorf("wal append: %w", err)
		}
	}

	res, err := kv.store.Apply(cmd, nextIdx)
	if err != nil {
		return res, err
	}
	kv.last = nextIdx

	kv.logger.Debugf(LogTopicServer, "%v applied key=%q client=%d seq=%d index=%d",
		cmd.Op, cmd.Key, cmd.ClientID, cmd.Seq, nextIdx)
	return res, nil
}

func (kv *KVServer) reject(op Op, key string, shard int) {
	kv.metrics.wrongShard.Add(1)
	kv.logger.Debugf(LogTopicServer, "%v key=%q shard=%d group=%v: wrong shard",
		op, key, shard, kv.router.ReplicaGroup(shard))
}

// forward sends op to the node whose index equals shard, which is the
// shard's primary, and copies its reply back untouched. The node lock is
// not held here.
func (kv *KVServer) forward(op Op, shard int, args, reply any) error {
	h, ok := op.handler()
	if !ok {
		return fmt.Errorf("forward: unknown op %v", op)
	}
	kv.metrics.forwards.Add(1)

	ctx, cancel := context.WithTimeout(context.Background(), kv.forwardTimeout)
	defer cancel()

	fresh := h.newReply()
	if err := kv.cluster.End(shard).Call(ctx, op.Method(), args, fresh); err != nil {
		kv.logger.Debugf(LogTopicServer, "forward %v to S%d failed: %v", op, shard, err)
		return fmt.Errorf("forward %v to S%d: %w", op, shard, err)
	}
	kv.logger.Debugf(LogTopicServer, "forwarded %v to S%d", op, shard)
	return h.assign(reply, fresh)
}
