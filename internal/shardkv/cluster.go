package shardkv

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
)

// cluster.go defines the static config for our KV cluster
// it lists all the nodes along with their IDs, RPC and HTTP
// addresses and data directories, plus the replication factor.
// Every node and every clerk must load the same config.

var ErrBadConfig = errors.New("bad cluster config")

type NodeConfig struct {
	ID       int    `json:"id"`
	RPCAddr  string `json:"rpc_addr"`  // net/rpc listener, used by clerks and forwarding
	HTTPAddr string `json:"http_addr"` // admin/debug HTTP
	DataDir  string `json:"data_dir"`  // empty = in-memory only
}

type ClusterConfig struct {
	NReplicas int          `json:"nreplicas"`
	Nodes     []NodeConfig `json:"nodes"`
}

// Static 3-node cluster config.
var staticCluster = ClusterConfig{
	NReplicas: 2,
	Nodes: []NodeConfig{
		{ID: 0, RPCAddr: "127.0.0.1:8090", HTTPAddr: ":8190", DataDir: "./data0"},
		{ID: 1, RPCAddr: "127.0.0.1:8091", HTTPAddr: ":8191", DataDir: "./data1"},
		{ID: 2, RPCAddr: "127.0.0.1:8092", HTTPAddr: ":8192", DataDir: "./data2"},
	},
}

// DefaultCluster returns a copy of the built-in config.
func DefaultCluster() ClusterConfig {
	out := ClusterConfig{NReplicas: staticCluster.NReplicas}
	out.Nodes = make([]NodeConfig, len(staticCluster.Nodes))
	copy(out.Nodes, staticCluster.Nodes)
	return out
}

// LoadClusterConfig reads a JSON config from path. An empty path gives the
// built-in one.
func LoadClusterConfig(path string) (ClusterConfig, error) {
	if path == "" {
		return DefaultCluster(), nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return ClusterConfig{}, fmt.Errorf("read cluster config: %w", err)
	}

	var cfg ClusterConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return ClusterConfig{}, fmt.Errorf("%w: %s: %v", ErrBadConfig, path, err)
	}
	if err := cfg.Validate(); err != nil {
		return ClusterConfig{}, err
	}
	return cfg, nil
}

func (c ClusterConfig) NServers() int {
	return len(c.Nodes)
}

// Validate checks that node IDs run 0..n-1 in order, since a node's ID is
// also the shard it is primary for.
func (c ClusterConfig) Validate() error {
	if len(c.Nodes) == 0 {
		return fmt.Errorf("%w: no nodes", ErrBadConfig)
	}
	for i, n := range c.Nodes {
		if n.ID != i {
			return fmt.Errorf("%w: node at position %d has id %d", ErrBadConfig, i, n.ID)
		}
		if n.RPCAddr == "" {
			return fmt.Errorf("%w: node %d has no rpc_addr", ErrBadConfig, n.ID)
		}
	}
	if _, err := NewRouter(len(c.Nodes), c.NReplicas); err != nil {
		return err
	}
	return nil
}

// ConfigForID returns this node's entry.
func (c ClusterConfig) ConfigForID(id int) (NodeConfig, error) {
	if id < 0 || id >= len(c.Nodes) {
		return NodeConfig{}, fmt.Errorf("unknown node id %d", id)
	}
	return c.Nodes[id], nil
}
