package shardkv

import "fmt"

// store.go defines the KV store data struct
// we get a map from string keys to string values,
// and a dedup table so retried writes from the same client
// aren't applied twice.
//
// A Store is not safe for concurrent use; the owning KVServer's lock
// guards the map and the dedup table together.

type Command struct {
	Op       Op
	ClientID uint64
	Seq      uint64
	AckedSeq uint64
	Key      string
	Value    string
}

type ApplyResult struct {
	Value     string // "" for Put, the prior value for Append
	LogIndex  uint64
	Duplicate bool // served from the dedup table
	Stale     bool // seq was already acknowledged by the client, nothing applied
}

type Store struct {
	kv       map[string]string
	lastlogi uint64
	dedupMap map[uint64]*clientRecord // key=clientID
}

// clientRecord tracks one client's writes that might still be retried.
type clientRecord struct {
	acked   uint64
	results map[uint64]string // seq -> result of its first application
}

func NewStore() *Store {
	return &Store{
		kv:       make(map[string]string),
		dedupMap: make(map[uint64]*clientRecord),
	}
}

// Get returns the value at key, or "" when there is none.
func (s *Store) Get(key string) string {
	return s.kv[key]
}

func (s *Store) Len() int {
	return len(s.kv)
}

// Lookup reports whether cmd was already handled, and if so what to reply.
// It also drops dedup entries the client has acknowledged.
func (s *Store) Lookup(cmd Command) (ApplyResult, bool) {
	cr := s.dedupMap[cmd.ClientID]
	if cr == nil {
		return ApplyResult{}, false
	}
	cr.ack(cmd.AckedSeq)

	if cmd.Seq <= cr.acked {
		// the client already has this reply and has moved on; a late copy
		// of the request must not be applied again
		return ApplyResult{Stale: true, LogIndex: s.lastlogi}, true
	}
	if v, ok := cr.results[cmd.Seq]; ok {
		return ApplyResult{Value: v, Duplicate: true, LogIndex: s.lastlogi}, true
	}
	return ApplyResult{}, false
}

// Apply runs a write against the store at log position index. A write whose
// (ClientID, Seq) was already applied returns the first result and leaves
// the map alone.
func (s *Store) Apply(cmd Command, index uint64) (ApplyResult, error) {
	if !cmd.Op.isWrite() {
		return ApplyResult{}, fmt.Errorf("apply: %v is not a write", cmd.Op)
	}
	if res, ok := s.Lookup(cmd); ok {
		return res, nil
	}

	var out string
	switch cmd.Op {
	case OpPut:
		s.kv[cmd.Key] = cmd.Value
	case OpAppend:
		out = s.kv[cmd.Key]
		s.kv[cmd.Key] = out + cmd.Value
	}

	cr := s.dedupMap[cmd.ClientID]
	if cr == nil {
		cr = &clientRecord{results: make(map[uint64]string)}
		s.dedupMap[cmd.ClientID] = cr
		cr.ack(cmd.AckedSeq)
	}
	cr.results[cmd.Seq] = out

	if index > s.lastlogi {
		s.lastlogi = index
	}
	return ApplyResult{Value: out, LogIndex: index}, nil
}

// cached returns how many write results are held for clientID.
func (s *Store) cached(clientID uint64) int {
	if cr := s.dedupMap[clientID]; cr != nil {
		return len(cr.results)
	}
	return 0
}

func (cr *clientRecord) ack(seq uint64) {
	if seq <= cr.acked {
		return
	}
	for s := range cr.results {
		if s <= seq {
			delete(cr.results, s)
		}
	}
	cr.acked = seq
}
