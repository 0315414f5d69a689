package shardkv

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"
	"sync"
	"time"
)

//
// client code to talk to the cluster.
//
// the clerk works out a key's replica group from the same arithmetic the
// servers use, then tries the group in order until some member answers.
// a backup forwards to the primary, so any member will do.
//

const (
	defaultRetryInterval = 100 * time.Millisecond
	defaultCallTimeout   = 2 * time.Second
)

// nrand generates a random 62-bit client id.
func nrand() uint64 {
	max := big.NewInt(int64(1) << 62)
	bigx, _ := rand.Int(rand.Reader, max)
	return bigx.Uint64()
}

type ClerkOptions struct {
	// RetryInterval is the pause after a full sweep of the replica group
	// got no answer. Zero means the default; negative means no pause.
	RetryInterval time.Duration
	// CallTimeout bounds a single attempt. Zero means the default.
	CallTimeout time.Duration

	Logger *Logger
}

type Clerk struct {
	ends     []ClientEnd
	router   *Router
	clientID uint64
	opts     ClerkOptions
	logger   *Logger

	mu    sync.Mutex
	seq   uint64          // last sequence number handed out
	acked uint64          // every write with seq <= acked has completed
	done  map[uint64]bool // completed writes above acked
}

// MakeClerk builds a clerk over one end per server, in node order.
func MakeClerk(ends []ClientEnd, nreplicas int, opts ClerkOptions) (*Clerk, error) {
	router, err := NewRouter(len(ends), nreplicas)
	if err != nil {
		return nil, err
	}
	if opts.RetryInterval == 0 {
		opts.RetryInterval = defaultRetryInterval
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = defaultCallTimeout
	}

	ck := &Clerk{
		ends:     ends,
		router:   router,
		clientID: nrand(),
		opts:     opts,
		done:     make(map[uint64]bool),
	}
	logger := opts.Logger
	if logger == nil {
		logger = NopLogger()
	}
	ck.logger = logger.With(fmt.Sprintf("C%d", ck.clientID%1000))
	return ck, nil
}

func (ck *Clerk) ClientID() uint64 { return ck.clientID }

// Get fetches the current value for a key, "" if there is none.
// It keeps trying forever in the face of all errors.
func (ck *Clerk) Get(key string) string {
	v, _ := ck.GetContext(context.Background(), key)
	return v
}

func (ck *Clerk) Put(key, value string) {
	_ = ck.PutContext(context.Background(), key, value)
}

// Append adds value to the end of key's value and returns what was there
// before. Retries of the same append return the same prior value.
func (ck *Clerk) Append(key, value string) string {
	v, _ := ck.AppendContext(context.Background(), key, value)
	return v
}

// GetContext is Get that gives up when ctx is done. The only error it
// returns is ctx.Err().
func (ck *Clerk) GetContext(ctx context.Context, key string) (string, error) {
	args := GetArgs{Key: key}
	var out string
	err := ck.retry(ctx, OpGet, key, func(ctx context.Context, end ClientEnd) (bool, error) {
		var reply GetReply
		if err := end.Call(ctx, OpGet.Method(), &args, &reply); err != nil {
			return false, err
		}
		if reply.Err == ErrWrongShard {
			return false, nil
		}
		out = reply.Value
		return true, nil
	})
	return out, err
}

func (ck *Clerk) PutContext(ctx context.Context, key, value string) error {
	_, err := ck.putAppend(ctx, OpPut, key, value)
	return err
}

func (ck *Clerk) AppendContext(ctx context.Context, key, value string) (string, error) {
	return ck.putAppend(ctx, OpAppend, key, value)
}

// shared by Put and Append. The sequence number is taken once, so every
// retry carries the same (clientID, seq).
func (ck *Clerk) putAppend(ctx context.Context, op Op, key, value string) (string, error) {
	ck.mu.Lock()
	ck.seq++
	args := PutAppendArgs{
		Key:      key,
		Value:    value,
		ClientID: ck.clientID,
		Seq:      ck.seq,
		AckedSeq: ck.acked,
	}
	ck.mu.Unlock()

	var out string
	err := ck.retry(ctx, op, key, func(ctx context.Context, end ClientEnd) (bool, error) {
		var reply PutAppendReply
		if err := end.Call(ctx, op.Method(), &args, &reply); err != nil {
			return false, err
		}
		if reply.Err == ErrWrongShard {
			return false, nil
		}
		out = reply.Value
		return true, nil
	})
	// a cancelled write is abandoned; it must not hold the watermark back
	ck.complete(args.Seq)
	if err != nil {
		return "", err
	}
	if op == OpPut {
		return "", nil
	}
	return out, nil
}

// complete records that seq got its reply and moves the ack watermark as
// far as the completed writes allow.
func (ck *Clerk) complete(seq uint64) {
	ck.mu.Lock()
	defer ck.mu.Unlock()
	ck.done[seq] = true
	for ck.done[ck.acked+1] {
		delete(ck.done, ck.acked+1)
		ck.acked++
	}
}

// retry sweeps the key's replica group until attempt reports an answer.
// attempt returns (false, nil) when the node turned the request away and
// (false, err) when the call itself failed.
func (ck *Clerk) retry(ctx context.Context, op Op, key string,
	attempt func(context.Context, ClientEnd) (bool, error)) error {

	group := ck.router.ReplicaGroup(ck.router.ShardOf(key))
	for sweep := 0; ; sweep++ {
		for _, node := range group {
			if err := ctx.Err(); err != nil {
				return err
			}

			actx, cancel := context.WithTimeout(ctx, ck.opts.CallTimeout)
			ok, err := attempt(actx, ck.ends[node])
			cancel()

			if ok {
				ck.logger.Debugf(LogTopicClerk, "%v key=%q answered by S%d sweep=%d", op, key, node, sweep)
				return nil
			}
			if err != nil {
				ck.logger.Debugf(LogTopicClerk, "%v key=%q S%d failed: %v", op, key, node, err)
			} else {
				ck.logger.Debugf(LogTopicClerk, "%v key=%q S%d: %s", op, key, node, ErrWrongShard)
			}
		}

		if ck.opts.RetryInterval > 0 {
			t := time.NewTimer(ck.opts.RetryInterval)
			select {
			case <-ctx.Done():
				t.Stop()
				return ctx.Err()
			case <-t.C:
			}
		}
	}
}
