package shardkv

import (
	"fmt"
	"math/big"
	"strconv"
	"strings"
)

// router.go maps keys to shards and shards to replica groups.
// Everything here is plain arithmetic on the cluster config, so the Clerk
// and every server agree on ownership without talking to each other.

type Role uint8

const (
	RoleUnrelated Role = iota
	RolePrimary
	RoleBackup
)

func (r Role) String() string {
	switch r {
	case RolePrimary:
		return "primary"
	case RoleBackup:
		return "backup"
	default:
		return "unrelated"
	}
}

type Router struct {
	nservers  int
	nreplicas int
}

func NewRouter(nservers, nreplicas int) (*Router, error) {
	if nservers < 1 {
		return nil, fmt.Errorf("%w: nservers=%d, need at least 1", ErrBadConfig, nservers)
	}
	if nreplicas < 1 || nreplicas > nservers {
		return nil, fmt.Errorf("%w: nreplicas=%d, need 1..%d", ErrBadConfig, nreplicas, nservers)
	}
	return &Router{nservers: nservers, nreplicas: nreplicas}, nil
}

func (r *Router) NServers() int  { return r.nservers }
func (r *Router) NReplicas() int { return r.nreplicas }

// ShardOf returns key mod nservers, reading key as a base-10 integer of any
// size. The remainder is never negative. Keys that are not numbers go to
// shard 0.
func (r *Router) ShardOf(key string) int {
	s, ok := stripDigitSeparators(strings.TrimSpace(key))
	if !ok {
		return 0
	}

	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		m := n % int64(r.nservers)
		if m < 0 {
			m += int64(r.nservers)
		}
		return int(m)
	}

	// too big for int64, or not a number at all
	n, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return 0
	}
	// Mod is Euclidean, so the result is already in [0, nservers)
	return int(n.Mod(n, big.NewInt(int64(r.nservers))).Int64())
}

// norm reduces shard into 0..nservers-1.
func (r *Router) norm(shard int) int {
	m := shard % r.nservers
	if m < 0 {
		m += r.nservers
	}
	return m
}

// stripDigitSeparators removes single underscores between digits, so
// "1_000" reads as 1000. An underscore anywhere else makes s not a number.
func stripDigitSeparators(s string) (string, bool) {
	if !strings.Contains(s, "_") {
		return s, true
	}
	isDigit := func(c byte) bool { return c >= '0' && c <= '9' }

	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] == '_' {
			if i == 0 || i == len(s)-1 || !isDigit(s[i-1]) || !isDigit(s[i+1]) {
				return "", false
			}
			continue
		}
		b.WriteByte(s[i])
	}
	return b.String(), true
}

// ReplicaGroup lists the nreplicas nodes responsible for shard, starting
// with its primary. Shards outside 0..nservers-1 are taken mod nservers.
func (r *Router) ReplicaGroup(shard int) []int {
	shard = r.norm(shard)
	group := make([]int, r.nreplicas)
	for i := range group {
		group[i] = (shard + i) % r.nservers
	}
	return group
}

func (r *Router) IsReplica(node, shard int) bool {
	for _, n := range r.ReplicaGroup(shard) {
		if n == node {
			return true
		}
	}
	return false
}

func (r *Router) IsPrimary(node, shard int) bool {
	return node == r.norm(shard)
}

func (r *Router) RoleOf(node, shard int) Role {
	switch {
	case r.IsPrimary(node, shard):
		return RolePrimary
	case r.IsReplica(node, shard):
		return RoleBackup
	default:
		return RoleUnrelated
	}
}
