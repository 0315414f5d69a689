package shardkv

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"
)

// ===== Models =====

type writeReq struct {
	Client uint64 `json:"client"`
	Seq    uint64 `json:"seq"`
	Acked  uint64 `json:"acked,omitempty"`
	Key    string `json:"key"`
	Value  string `json:"value"`
}

type writeResp struct {
	Success   bool   `json:"success"`
	PrevValue string `json:"prevValue,omitempty"`
}

type getResp struct {
	Value string `json:"value"`
}

type errResp struct {
	Error string `json:"error"`
}

type healthResp struct {
	Status    string `json:"status"`
	Node      int    `json:"node"`
	LastIndex uint64 `json:"lastIndex"`
}

// ===== Server =====

// HTTPServer is a node's admin/debug front end. Requests go through the
// same role checks and forwarding as RPCs.
type HTTPServer struct {
	kv     *KVServer
	addr   string         // listen address
	mux    *http.ServeMux // routes paths to handlers
	srv    *http.Server
	logger *Logger
}

func NewHTTPServer(kv *KVServer, addr string) *HTTPServer {
	mux := http.NewServeMux()
	h := &HTTPServer{
		kv:     kv,
		addr:   addr,
		mux:    mux,
		logger: kv.logger,
	}

	// handlers are responsible for method checking
	mux.HandleFunc("/get", h.handleGet)
	mux.HandleFunc("/put", h.handlePut)
	mux.HandleFunc("/append", h.handleAppend)
	mux.HandleFunc("/health", h.handleHealth)
	mux.HandleFunc("/metrics", h.handleMetrics)

	h.srv = &http.Server{
		Addr:              addr,
		Handler:           WithLogging(h.logger, mux),
		ReadTimeout:       5 * time.Second,
		ReadHeaderTimeout: 2 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return h
}

func (h *HTTPServer) Handler() http.Handler { return h.srv.Handler }

// Start listens and serves on h.addr until Shutdown.
func (h *HTTPServer) Start() error {
	return h.srv.ListenAndServe()
}

// Shutdown stops accepting new conns and waits for in-flight requests.
func (h *HTTPServer) Shutdown(ctx context.Context) error {
	return h.srv.Shutdown(ctx)
}

type statusRecorder struct {
	http.ResponseWriter
	status      int
	bytes       int
	wroteHeader bool
}

func (sr *statusRecorder) WriteHeader(code int) {
	if !sr.wroteHeader {
		sr.status = code
		sr.wroteHeader = true
	}
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Write(p []byte) (int, error) {
	if !sr.wroteHeader {
		sr.WriteHeader(http.StatusOK)
	}
	n, err := sr.ResponseWriter.Write(p)
	sr.bytes += n
	return n, err
}

// WithLogging logs one line per request.
func WithLogging(logger *Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sr := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(sr, r)

		logger.Infof(LogTopicHTTP, "method=%s path=%s status=%d bytes=%d dur=%s remote=%s",
			r.Method, r.URL.Path, sr.status, sr.bytes, time.Since(start), r.RemoteAddr)
	})
}

// ===== Handlers =====

// GET /get?key=K
func (h *HTTPServer) handleGet(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	key := r.URL.Query().Get("key")
	if key == "" {
		writeError(w, http.StatusBadRequest, "missing key")
		return
	}

	var reply GetReply
	if err := h.kv.Get(&GetArgs{Key: key}, &reply); err != nil {
		writeError(w, callStatus(err), err.Error())
		return
	}
	if reply.Err == ErrWrongShard {
		writeError(w, http.StatusMisdirectedRequest, string(reply.Err))
		return
	}
	writeJSON(w, http.StatusOK, getResp{Value: reply.Value})
}

// POST /put
// Body: {"client": N, "seq": N, "key": "K", "value": "V"}
func (h *HTTPServer) handlePut(w http.ResponseWriter, r *http.Request) {
	h.handleWrite(w, r, OpPut)
}

// POST /append
// Body: {"client": N, "seq": N, "key": "K", "value": "V"}
func (h *HTTPServer) handleAppend(w http.ResponseWriter, r *http.Request) {
	h.handleWrite(w, r, OpAppend)
}

func (h *HTTPServer) handleWrite(w http.ResponseWriter, r *http.Request, op Op) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}

	var req writeReq
	if err := decodeJSON(w, r, &req, 1<<20); err != nil { // 1MB limit
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Client == 0 || req.Seq == 0 || req.Key == "" {
		writeError(w, http.StatusBadRequest, "missing client/seq/key")
		return
	}

	args := PutAppendArgs{
		Key:      req.Key,
		Value:    req.Value,
		ClientID: req.Client,
		Seq:      req.Seq,
		AckedSeq: req.Acked,
	}
	var reply PutAppendReply
	var err error
	if op == OpAppend {
		err = h.kv.Append(&args, &reply)
	} else {
		err = h.kv.Put(&args, &reply)
	}
	if err != nil {
		writeError(w, callStatus(err), err.Error())
		return
	}
	if reply.Err == ErrWrongShard {
		writeError(w, http.StatusMisdirectedRequest, string(reply.Err))
		return
	}
	writeJSON(w, http.StatusOK, writeResp{Success: true, PrevValue: reply.Value})
}

// GET /health
func (h *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	writeJSON(w, http.StatusOK, healthResp{
		Status:    "ok",
		Node:      h.kv.Me(),
		LastIndex: h.kv.LastIndex(),
	})
}

// GET /metrics
func (h *HTTPServer) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	writeJSON(w, http.StatusOK, h.kv.Metrics())
}

// Helpers

// callStatus maps a failed KVServer call to an HTTP status: a closed node
// is unavailable, anything else is a failed forward.
func callStatus(err error) int {
	if errors.Is(err, ErrServerClosed) {
		return http.StatusServiceUnavailable
	}
	return http.StatusBadGateway
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any, maxBytes int64) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
	defer r.Body.Close()

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return err
	}

	var extra any
	if err := dec.Decode(&extra); err != io.EOF {
		if err == nil {
			return errors.New("unexpected extra JSON content")
		}
		return err
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errResp{Error: msg})
}

func methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}
