package rpc

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestWriteJSON(t *testing.T) {
	t.Parallel()

	rec := httptest.NewRecorder()
	WriteJSON(rec, http.StatusAccepted, map[string]string{"status": "ok"}, testLogger())

	if rec.Code != http.StatusAccepted {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusAccepted)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("content type = %q", ct)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal body: %v", err)
	}
	if body["status"] != "ok" {
		t.Errorf("body = %v", body)
	}
}

func TestDecodeJSON(t *testing.T) {
	t.Parallel()

	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"name":"resnet_50"}`))
	var payload struct {
		Name string `json:"name"`
	}
	if err := DecodeJSON(req, &payload); err != nil {
		t.Fatalf("DecodeJSON: %v", err)
	}
	if payload.Name != "resnet_50" {
		t.Errorf("name = %q", payload.Name)
	}

	bad := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"name":`))
	if err := DecodeJSON(bad, &payload); err == nil {
		t.Error("truncated body accepted")
	}
}

func TestRequireMethod(t *testing.T) {
	t.Parallel()

	rec := httptest.NewRecorder()
	if RequirePost(rec, httptest.NewRequest(http.MethodGet, "/", nil)) {
		t.Error("RequirePost passed a GET")
	}
	if rec.Code != http.StatusMethodNotAllowed || rec.Header().Get("Allow") != http.MethodPost {
		t.Errorf("rejection = %d allow=%q", rec.Code, rec.Header().Get("Allow"))
	}
	if !RequirePost(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/", nil)) {
		t.Error("RequirePost rejected a POST")
	}
	if RequireGet(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/", nil)) {
		t.Error("RequireGet passed a POST")
	}
	if !RequireGet(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil)) {
		t.Error("RequireGet rejected a GET")
	}
}

func TestClientBaseNormalization(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"10.0.0.1:7001":         "http://10.0.0.1:7001",
		"http://10.0.0.1:7001/": "http://10.0.0.1:7001",
		"https://node.local":    "https://node.local",
	}
	for addr, want := range cases {
		if got := NewClient(addr).Base(); got != want {
			t.Errorf("Base(%q) = %q, want %q", addr, got, want)
		}
	}
}

func TestClientPostRoundTrip(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/v1/echo" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("content type = %q", ct)
		}
		var req map[string]string
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode: %v", err)
		}
		json.NewEncoder(w).Encode(map[string]string{"echo": req["msg"]})
	}))
	defer srv.Close()

	var resp map[string]string
	err := NewClient(srv.URL).Post(context.Background(), "/api/v1/echo", map[string]string{"msg": "ping"}, &resp)
	if err != nil {
		t.Fatalf("Post: %v", err)
	}
	if resp["echo"] != "ping" {
		t.Errorf("resp = %v", resp)
	}
}

func TestClientErrorStatusIncludesBody(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model table rejected", http.StatusConflict)
	}))
	defer srv.Close()

	err := NewClient(srv.URL).Get(context.Background(), "/api/v1/model_table", nil)
	if err == nil {
		t.Fatal("error status reported as success")
	}
	if !strings.Contains(err.Error(), "409") || !strings.Contains(err.Error(), "model table rejected") {
		t.Errorf("error = %v", err)
	}
}

func TestWithRequestLogging(t *testing.T) {
	t.Parallel()

	fallback := testLogger()
	var sawRequestLogger bool
	handler := WithRequestLogging(testLogger(), http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sawRequestLogger = LoggerFromContext(r.Context(), nil) != nil
		w.WriteHeader(http.StatusNoContent)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if !sawRequestLogger {
		t.Error("no per-request logger installed in context")
	}
	if rec.Code != http.StatusNoContent {
		t.Errorf("status = %d", rec.Code)
	}

	if got := LoggerFromContext(context.Background(), fallback); got != fallback {
		t.Error("LoggerFromContext did not fall back")
	}
}
