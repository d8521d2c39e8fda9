package kernelapi

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"nonobvious/internal/core/network"
	"nonobvious/internal/metrics"
	"nonobvious/internal/node"
	"nonobvious/internal/scheduler"
)

func newTestMux(t *testing.T) (*http.ServeMux, *scheduler.Scheduler, *network.MemoryBus) {
	t.Helper()
	bus := network.NewMemoryBus(0)
	m := metrics.New()
	k := scheduler.New(bus, scheduler.WithMetrics(m))
	t.Cleanup(k.Reset)
	mux := http.NewServeMux()
	NewServer(k, bus, m, nil).Register(mux)
	return mux, k, bus
}

func do(mux *http.ServeMux, method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, bytes.NewBufferString(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

func waitNodes(t *testing.T, k *scheduler.Scheduler, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for len(k.Nodes()) != n {
		if time.Now().After(deadline) {
			t.Fatalf("expected %d nodes, have %d", n, len(k.Nodes()))
		}
		time.Sleep(time.Millisecond)
	}
}

func TestKernelFlow(t *testing.T) {
	mux, k, bus := newTestMux(t)
	topics := node.Topics{Receiving: "integers", Sending: "sums"}
	id := k.Schedule(node.New(topics, node.Pure(func(m node.Message) node.Message { return m })))
	waitNodes(t, k, 1)

	rec := do(mux, http.MethodGet, "/api/kernel/nodes", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("nodes failed: %d %s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), `"id":"`+string(id)+`"`) {
		t.Fatalf("nodes missing id: %s", rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), `"receiving":"integers"`) {
		t.Fatalf("nodes missing topics: %s", rec.Body.String())
	}

	rec = do(mux, http.MethodGet, "/api/kernel/nodes/"+string(id), "")
	if rec.Code != http.StatusOK {
		t.Fatalf("node read failed: %d %s", rec.Code, rec.Body.String())
	}

	rec = do(mux, http.MethodGet, "/api/kernel/topics", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("topics failed: %d %s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), `"integers":["`+string(id)+`"]`) {
		t.Fatalf("topics missing receiver: %s", rec.Body.String())
	}

	rec = do(mux, http.MethodPost, "/api/kernel/publish", `{"topic":"integers","message":5}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("publish failed: %d %s", rec.Code, rec.Body.String())
	}
	if got := bus.Pending("integers"); got != 1 {
		t.Fatalf("expected 1 pending message, got %d", got)
	}

	rec = do(mux, http.MethodPost, "/api/kernel/nodes/"+string(id)+"/deschedule", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("deschedule failed: %d %s", rec.Code, rec.Body.String())
	}
	waitNodes(t, k, 0)

	rec = do(mux, http.MethodPost, "/api/kernel/nodes/"+string(id)+"/deschedule", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("second deschedule: expected 404, got %d", rec.Code)
	}
}

func TestPublishValidation(t *testing.T) {
	mux, _, _ := newTestMux(t)

	if rec := do(mux, http.MethodPost, "/api/kernel/publish", `{"message":1}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("missing topic: expected 400, got %d", rec.Code)
	}
	if rec := do(mux, http.MethodPost, "/api/kernel/publish", `{not json`); rec.Code != http.StatusBadRequest {
		t.Fatalf("bad json: expected 400, got %d", rec.Code)
	}
	if rec := do(mux, http.MethodGet, "/api/kernel/publish", ""); rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("get publish: expected 405, got %d", rec.Code)
	}
	if rec := do(mux, http.MethodOptions, "/api/kernel/publish", ""); rec.Code != http.StatusNoContent {
		t.Fatalf("options: expected 204, got %d", rec.Code)
	}
}

func TestUnknownNode(t *testing.T) {
	mux, _, _ := newTestMux(t)

	if rec := do(mux, http.MethodGet, "/api/kernel/nodes/nope", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	if rec := do(mux, http.MethodPost, "/api/kernel/nodes/nope/deschedule", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	if rec := do(mux, http.MethodPost, "/api/kernel/nodes/nope/explode", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	mux, k, _ := newTestMux(t)
	k.Schedule(node.New(node.Topics{Receiving: "a", Sending: "b"}, node.Pure(func(m node.Message) node.Message { return m })))
	waitNodes(t, k, 1)

	rec := do(mux, http.MethodGet, "/metrics", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("metrics failed: %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "kernel_nodes_active 1") {
		t.Fatalf("metrics missing active gauge: %s", rec.Body.String())
	}
}
