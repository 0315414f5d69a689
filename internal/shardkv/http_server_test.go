package shardkv

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func doJSON(t *testing.T, h http.Handler, method, target, body string, out any) int {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if out != nil {
		if err := json.NewDecoder(rec.Body).Decode(out); err != nil {
			t.Fatalf("%s %s: decode response: %v", method, target, err)
		}
	}
	return rec.Code
}

func TestHTTPPutAppendGet(t *testing.T) {
	_, servers := makeCluster(t, 3, 2)
	primary := NewHTTPServer(servers[1], ":0").Handler()
	backup := NewHTTPServer(servers[2], ":0").Handler()

	var w writeResp
	if code := doJSON(t, primary, http.MethodPost, "/put", `{"client":1,"seq":1,"key":"4","value":"a"}`, &w); code != http.StatusOK || !w.Success {
		t.Fatalf("put: code=%d resp=%+v", code, w)
	}

	// through the backup, which forwards
	w = writeResp{}
	if code := doJSON(t, backup, http.MethodPost, "/append", `{"client":1,"seq":2,"acked":1,"key":"4","value":"b"}`, &w); code != http.StatusOK {
		t.Fatalf("append: code=%d", code)
	}
	if w.PrevValue != "a" {
		t.Fatalf("append prevValue=%q, want a", w.PrevValue)
	}

	var g getResp
	if code := doJSON(t, backup, http.MethodGet, "/get?key=4", "", &g); code != http.StatusOK || g.Value != "ab" {
		t.Fatalf("get: code=%d value=%q", code, g.Value)
	}
}

func TestHTTPWrongShard(t *testing.T) {
	_, servers := makeCluster(t, 3, 2)
	h := NewHTTPServer(servers[0], ":0").Handler()

	var e errResp
	if code := doJSON(t, h, http.MethodGet, "/get?key=4", "", &e); code != http.StatusMisdirectedRequest {
		t.Fatalf("get code=%d, want 421", code)
	}
	if e.Error != string(ErrWrongShard) {
		t.Fatalf("error=%q", e.Error)
	}

	e = errResp{}
	if code := doJSON(t, h, http.MethodPost, "/put", `{"client":1,"seq":1,"key":"4","value":"a"}`, &e); code != http.StatusMisdirectedRequest {
		t.Fatalf("put code=%d, want 421", code)
	}
	if servers[0].store.Len() != 0 {
		t.Fatal("rejected put reached the store")
	}
}

func TestHTTPBadRequests(t *testing.T) {
	_, servers := makeCluster(t, 3, 2)
	h := NewHTTPServer(servers[1], ":0").Handler()

	tests := []struct {
		method, target, body string
		want                 int
	}{
		{http.MethodPost, "/get?key=4", "", http.StatusMethodNotAllowed},
		{http.MethodGet, "/get", "", http.StatusBadRequest},
		{http.MethodGet, "/put", "", http.StatusMethodNotAllowed},
		{http.MethodPost, "/put", `{"client":1,"key":"4","value":"a"}`, http.StatusBadRequest},
		{http.MethodPost, "/put", `{"client":1,"seq":1,"key":"4","value":"a","extra":true}`, http.StatusBadRequest},
		{http.MethodPost, "/append", `not json`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		var e errResp
		if code := doJSON(t, h, tt.method, tt.target, tt.body, &e); code != tt.want {
			t.Errorf("%s %s %s: code=%d, want %d", tt.method, tt.target, tt.body, code, tt.want)
		}
	}
}

func TestHTTPBackupWithPrimaryDown(t *testing.T) {
	net, servers := makeCluster(t, 3, 2)
	net.Enable(1, false)
	h := NewHTTPServer(servers[2], ":0").Handler()

	var e errResp
	if code := doJSON(t, h, http.MethodGet, "/get?key=4", "", &e); code != http.StatusBadGateway {
		t.Fatalf("code=%d, want 502", code)
	}
}

func TestHTTPClosedNode(t *testing.T) {
	_, servers := makeCluster(t, 3, 2)
	h := NewHTTPServer(servers[1], ":0").Handler()
	if err := servers[1].Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	var e errResp
	if code := doJSON(t, h, http.MethodPost, "/put", `{"client":1,"seq":1,"key":"4","value":"a"}`, &e); code != http.StatusServiceUnavailable {
		t.Fatalf("put on closed node: code=%d, want 503", code)
	}
	e = errResp{}
	if code := doJSON(t, h, http.MethodGet, "/get?key=4", "", &e); code != http.StatusServiceUnavailable {
		t.Fatalf("get on closed node: code=%d, want 503", code)
	}
}

func TestHTTPHealthAndMetrics(t *testing.T) {
	_, servers := makeCluster(t, 3, 2)
	h := NewHTTPServer(servers[1], ":0").Handler()

	doJSON(t, h, http.MethodPost, "/put", `{"client":1,"seq":1,"key":"4","value":"a"}`, &writeResp{})
	doJSON(t, h, http.MethodPost, "/put", `{"client":1,"seq":1,"key":"4","value":"a"}`, &writeResp{})

	var hr healthResp
	if code := doJSON(t, h, http.MethodGet, "/health", "", &hr); code != http.StatusOK {
		t.Fatalf("health code=%d", code)
	}
	if hr.Status != "ok" || hr.Node != 1 || hr.LastIndex != 1 {
		t.Fatalf("health=%+v", hr)
	}

	var m MetricsSnapshot
	if code := doJSON(t, h, http.MethodGet, "/metrics", "", &m); code != http.StatusOK {
		t.Fatalf("metrics code=%d", code)
	}
	if m.PutTotal != 2 || m.DedupHits != 1 {
		t.Fatalf("metrics=%+v, want 2 puts and 1 dedup hit", m)
	}
}
