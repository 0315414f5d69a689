package shardkv

import "fmt"

// common.go holds the wire types shared by the Clerk and KVServer.
// Field names must stay exported, net/rpc (gob) skips the rest.

type Err string

const (
	OK            Err = ""
	ErrWrongShard Err = "WRONG_SHARD"
)

type GetArgs struct {
	Key string
}

type GetReply struct {
	Value string
	Err   Err
}

// Put or Append
type PutAppendArgs struct {
	Key      string
	Value    string
	ClientID uint64
	Seq      uint64
	// every write of this client with a seq <= AckedSeq has already had its reply delivered
	AckedSeq uint64
}

type PutAppendReply struct {
	Value string
	Err   Err
}

// Op is the closed set of operations a KVServer serves.
type Op uint8

const (
	OpUnknown Op = iota
	OpGet
	OpPut
	OpAppend
)

func (op Op) String() string {
	switch op {
	case OpGet:
		return "Get"
	case OpPut:
		return "Put"
	case OpAppend:
		return "Append"
	default:
		return "Unknown"
	}
}

// Method is the net/rpc service method name for op.
func (op Op) Method() string {
	return "KVServer." + op.String()
}

func (op Op) isWrite() bool {
	return op == OpPut || op == OpAppend
}

// opHandler is one row of the dispatch table used by forwarding and the
// in-process network.
type opHandler struct {
	newReply func() any
	invoke   func(kv *KVServer, args, reply any) error
	assign   func(dst, src any) error
}

var allOps = []Op{OpGet, OpPut, OpAppend}

func (op Op) handler() (opHandler, bool) {
	switch op {
	case OpGet:
		return opHandler{
			newReply: func() any { return new(GetReply) },
			invoke: func(kv *KVServer, args, reply any) error {
				a, ok := args.(*GetArgs)
				r, ok2 := reply.(*GetReply)
				if !ok || !ok2 {
					return fmt.Errorf("Get: bad argument types %T, %T", args, reply)
				}
				return kv.Get(a, r)
			},
			assign: assignReply[GetReply],
		}, true
	case OpPut, OpAppend:
		return opHandler{
			newReply: func() any { return new(PutAppendReply) },
			invoke: func(kv *KVServer, args, reply any) error {
				a, ok := args.(*PutAppendArgs)
				r, ok2 := reply.(*PutAppendReply)
				if !ok || !ok2 {
					return fmt.Errorf("%v: bad argument types %T, %T", op, args, reply)
				}
				return kv.putAppend(op, a, r)
			},
			assign: assignReply[PutAppendReply],
		}, true
	}
	return opHandler{}, false
}

func assignReply[T any](dst, src any) error {
	d, ok := dst.(*T)
	s, ok2 := src.(*T)
	if !ok || !ok2 {
		return fmt.Errorf("reply type mismatch: %T <- %T", dst, src)
	}
	*d = *s
	return nil
}

// opForMethod maps a "KVServer.X" method name back to its Op.
func opForMethod(method string) Op {
	for _, op := range allOps {
		if op.Method() == method {
			return op
		}
	}
	return OpUnknown
}
