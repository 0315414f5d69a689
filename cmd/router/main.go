package main

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/O-Nicolinho/shardkv/internal/shardkv"
)

// router/main.go is the front-end router for our cluster
// to allow 3rd parties to interact with the kv store over HTTP.
// we handle /put, /append, /get, /metrics.
// reads and writes go through a single Clerk, which picks the
// replica group and retries until a responsible node answers.

type router struct {
	nodes []shardkv.NodeConfig // list of backend nodes in the cluster
	ck    *shardkv.Clerk
}

type nodeMetrics struct {
	ID      int                     `json:"id"`
	Addr    string                  `json:"addr"`
	Metrics shardkv.MetricsSnapshot `json:"metrics"`
}

func main() {
	// the addr is where the router listens for client traffic
	addr := flag.String("addr", ":8080", "router listen address")
	configPath := flag.String("config", "", "cluster config JSON (default: built-in 3-node cluster)")
	logLevel := flag.String("log-level", "info", "debug, info or off")
	flag.Parse()

	level, err := shardkv.ParseLevel(*logLevel)
	if err != nil {
		log.Fatalf("bad -log-level: %v", err)
	}
	cfg, err := shardkv.LoadClusterConfig(*configPath)
	if err != nil {
		log.Fatalf("LoadClusterConfig: %v", err)
	}
	logger := shardkv.NewLogger("R", level, os.Stderr)

	ends := make([]shardkv.ClientEnd, len(cfg.Nodes))
	for i, n := range cfg.Nodes {
		ends[i] = shardkv.NewNetRPCEnd(n.RPCAddr)
	}
	ck, err := shardkv.MakeClerk(ends, cfg.NReplicas, shardkv.ClerkOptions{Logger: logger})
	if err != nil {
		log.Fatalf("MakeClerk: %v", err)
	}

	r := &router{nodes: cfg.Nodes, ck: ck}

	mux := http.NewServeMux()
	mux.HandleFunc("/put", r.handlePut)
	mux.HandleFunc("/append", r.handleAppend)
	mux.HandleFunc("/get", r.handleGet)
	mux.HandleFunc("/metrics", r.handleMetrics)

	srv := &http.Server{
		Addr:              *addr,
		Handler:           shardkv.WithLogging(logger, mux),
		ReadTimeout:       5 * time.Second,
		ReadHeaderTimeout: 2 * time.Second,
		// writes block until a responsible node answers
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	log.Printf("router listening at %s, managing %d nodes (client=%d)", *addr, len(cfg.Nodes), ck.ClientID())
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("router server error: %v", err)
	}
}

// ===== helpers =====

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func proxyError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

type writeBody struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

func readWrite(w http.ResponseWriter, req *http.Request) (writeBody, bool) {
	var body writeBody
	if req.Method != http.MethodPost {
		proxyError(w, http.StatusMethodNotAllowed, "method not allowed")
		return body, false
	}
	raw, err := io.ReadAll(io.LimitReader(req.Body, 1<<20))
	_ = req.Body.Close()
	if err != nil {
		proxyError(w, http.StatusBadRequest, "unable to read body")
		return body, false
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		proxyError(w, http.StatusBadRequest, "invalid JSON")
		return body, false
	}
	if body.Key == "" {
		proxyError(w, http.StatusBadRequest, "missing key")
		return body, false
	}
	return body, true
}

// ===== handlers =====

// POST /put
// { "key": "4", "value": "v1" }
func (r *router) handlePut(w http.ResponseWriter, req *http.Request) {
	body, ok := readWrite(w, req)
	if !ok {
		return
	}
	// the request context stops the clerk's retries if the caller goes away
	if err := r.ck.PutContext(req.Context(), body.Key, body.Value); err != nil {
		proxyError(w, http.StatusGatewayTimeout, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// POST /append
// { "key": "4", "value": "v1" } -> { "prevValue": "..." }
func (r *router) handleAppend(w http.ResponseWriter, req *http.Request) {
	body, ok := readWrite(w, req)
	if !ok {
		return
	}
	prev, err := r.ck.AppendContext(req.Context(), body.Key, body.Value)
	if err != nil {
		proxyError(w, http.StatusGatewayTimeout, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "prevValue": prev})
}

// GET /get?key=...
func (r *router) handleGet(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		proxyError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	key := req.URL.Query().Get("key")
	if key == "" {
		proxyError(w, http.StatusBadRequest, "missing key")
		return
	}

	v, err := r.ck.GetContext(req.Context(), key)
	if err != nil {
		proxyError(w, http.StatusGatewayTimeout, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"value": v})
}

// we get metrics for each of the nodes and build a cluster wide report
func (r *router) handleMetrics(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		proxyError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	// small timeout so a dead node doesn't block everything
	client := &http.Client{Timeout: 500 * time.Millisecond}

	out := make([]nodeMetrics, 0, len(r.nodes))
	for _, n := range r.nodes {
		entry := nodeMetrics{ID: n.ID, Addr: n.HTTPAddr}
		if n.HTTPAddr == "" {
			out = append(out, entry)
			continue
		}

		url := fmt.Sprintf("http://%s/metrics", hostPort(n.HTTPAddr))
		resp, err := client.Get(url)
		if err != nil {
			log.Printf("router: metrics fetch failed for node=%d addr=%s: %v", n.ID, n.HTTPAddr, err)
			out = append(out, entry)
			continue
		}
		if err := json.NewDecoder(resp.Body).Decode(&entry.Metrics); err != nil {
			log.Printf("router: metrics decode failed for node=%d addr=%s: %v", n.ID, n.HTTPAddr, err)
		}
		_ = resp.Body.Close()
		out = append(out, entry)
	}

	writeJSON(w, http.StatusOK, out)
}

// hostPort turns ":8190" into "127.0.0.1:8190".
func hostPort(addr string) string {
	if len(addr) > 0 && addr[0] == ':' {
		return "127.0.0.1" + addr
	}
	return addr
}
