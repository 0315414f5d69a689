package shardkv

import (
	"errors"
	"slices"
	"testing"
)

func mustRouter(t *testing.T, nservers, nreplicas int) *Router {
	t.Helper()
	r, err := NewRouter(nservers, nreplicas)
	if err != nil {
		t.Fatalf("NewRouter(%d, %d): %v", nservers, nreplicas, err)
	}
	return r
}

func TestShardOf(t *testing.T) {
	r := mustRouter(t, 3, 2)

	tests := []struct {
		key  string
		want int
	}{
		{"0", 0},
		{"4", 1},
		{"5", 2},
		{"-1", 2},
		{"-4", 2},
		{" 7 ", 1},
		{"+8", 2},
		{"100000000000000000000000000001", 2}, // 10^29+1, 10 = 1 mod 3
		{"abc", 0},
		{"", 0},
		{"4a", 0},
		{"1.5", 0},
		{"1_0", 1},
		{"-1_0", 2},
		{"1__0", 0},
		{"_1", 0},
		{"1_", 0},
	}
	for _, tt := range tests {
		if got := r.ShardOf(tt.key); got != tt.want {
			t.Errorf("ShardOf(%q)=%d, want %d", tt.key, got, tt.want)
		}
	}
}

func TestShardOfSameAcrossRouters(t *testing.T) {
	a := mustRouter(t, 5, 3)
	b := mustRouter(t, 5, 3)
	for _, key := range []string{"1", "17", "-3", "x", "99999999999999999999"} {
		if a.ShardOf(key) != b.ShardOf(key) {
			t.Fatalf("ShardOf(%q) differs between routers", key)
		}
		if !slices.Equal(a.ReplicaGroup(a.ShardOf(key)), b.ReplicaGroup(b.ShardOf(key))) {
			t.Fatalf("ReplicaGroup for %q differs between routers", key)
		}
	}
}

func TestReplicaGroup(t *testing.T) {
	r := mustRouter(t, 3, 2)

	want := map[int][]int{0: {0, 1}, 1: {1, 2}, 2: {2, 0}}
	for shard, w := range want {
		if got := r.ReplicaGroup(shard); !slices.Equal(got, w) {
			t.Fatalf("ReplicaGroup(%d)=%v, want %v", shard, got, w)
		}
	}
}

func TestReplicaGroupOutOfRangeShard(t *testing.T) {
	r := mustRouter(t, 3, 2)

	if got := r.ReplicaGroup(-1); !slices.Equal(got, []int{2, 0}) {
		t.Fatalf("ReplicaGroup(-1)=%v, want [2 0]", got)
	}
	if got := r.ReplicaGroup(4); !slices.Equal(got, []int{1, 2}) {
		t.Fatalf("ReplicaGroup(4)=%v, want [1 2]", got)
	}
	if r.IsPrimary(5, 5) {
		t.Fatal("IsPrimary(5, 5) with 3 servers")
	}
	if !r.IsPrimary(2, 5) || r.RoleOf(0, 5) != RoleBackup {
		t.Fatalf("shard 5 should behave as shard 2: primary=%t role(0)=%v", r.IsPrimary(2, 5), r.RoleOf(0, 5))
	}
}

func TestRolesOverManyConfigs(t *testing.T) {
	for nservers := 1; nservers <= 6; nservers++ {
		for nreplicas := 1; nreplicas <= nservers; nreplicas++ {
			r := mustRouter(t, nservers, nreplicas)
			for shard := 0; shard < nservers; shard++ {
				group := r.ReplicaGroup(shard)
				if len(group) != nreplicas {
					t.Fatalf("n=%d r=%d: len(ReplicaGroup(%d))=%d", nservers, nreplicas, shard, len(group))
				}

				primaries := 0
				for node := 0; node < nservers; node++ {
					if r.IsPrimary(node, shard) != (node == shard) {
						t.Fatalf("IsPrimary(%d, %d) wrong", node, shard)
					}
					if r.IsPrimary(node, shard) {
						primaries++
					}
					if r.IsReplica(node, shard) != slices.Contains(group, node) {
						t.Fatalf("IsReplica(%d, %d) disagrees with group %v", node, shard, group)
					}

					role := r.RoleOf(node, shard)
					switch {
					case node == shard && role != RolePrimary,
						node != shard && slices.Contains(group, node) && role != RoleBackup,
						!slices.Contains(group, node) && role != RoleUnrelated:
						t.Fatalf("RoleOf(%d, %d)=%v, group %v", node, shard, role, group)
					}
				}
				if primaries != 1 {
					t.Fatalf("shard %d has %d primaries", shard, primaries)
				}
				if group[0] != shard {
					t.Fatalf("primary %d is not first in its group %v", shard, group)
				}
			}
		}
	}
}

func TestNewRouterRejectsBadConfig(t *testing.T) {
	for _, c := range [][2]int{{0, 1}, {3, 0}, {3, 4}, {-1, 1}} {
		if _, err := NewRouter(c[0], c[1]); !errors.Is(err, ErrBadConfig) {
			t.Fatalf("NewRouter(%d, %d) err=%v, want ErrBadConfig", c[0], c[1], err)
		}
	}
}
