package shardkv

import "sync/atomic"

// Metrics counts what one node has served. Safe for concurrent use.
type Metrics struct {
	gets       atomic.Uint64
	puts       atomic.Uint64
	appends    atomic.Uint64
	forwards   atomic.Uint64
	wrongShard atomic.Uint64
	dedupHits  atomic.Uint64
	staleDrops atomic.Uint64
}

type MetricsSnapshot struct {
	GetTotal    uint64 `json:"get_total"`
	PutTotal    uint64 `json:"put_total"`
	AppendTotal uint64 `json:"append_total"`
	Forwarded   uint64 `json:"forwarded"`
	WrongShard  uint64 `json:"wrong_shard"`
	DedupHits   uint64 `json:"dedup_hits"`
	StaleDrops  uint64 `json:"stale_drops"`
}

func (m *Metrics) incOp(op Op) {
	switch op {
	case OpGet:
		m.gets.Add(1)
	case OpPut:
		m.puts.Add(1)
	case OpAppend:
		m.appends.Add(1)
	}
}

func (m *Metrics) Snapshot() MetricsSnapshot {
	return MetricsSnapshot{
		GetTotal:    m.gets.Load(),
		PutTotal:    m.puts.Load(),
		AppendTotal: m.appends.Load(),
		Forwarded:   m.forwards.Load(),
		WrongShard:  m.wrongShard.Load(),
		DedupHits:   m.dedupHits.Load(),
		StaleDrops:  m.staleDrops.Load(),
	}
}
