package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bjpl/backendsim/pkg/model"
	"github.com/bjpl/backendsim/pkg/netstate"
	"github.com/bjpl/backendsim/pkg/store"
)

func newTestGateway(t *testing.T, backendURL string, online bool) (*Gateway, *netstate.Monitor) {
	t.Helper()
	net := netstate.NewMonitor(online)
	st := store.NewMemory()
	g := New(Config{
		BackendURL:     backendURL,
		HealthPath:     "/health",
		CacheNamespace: "test-cache",
	}, net, st, nil, nil)
	return g, net
}

func TestDoForwardsWhenOnline(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/items", r.URL.Path)
		assert.Equal(t, "limit=5", r.URL.RawQuery)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		w.Header().Set("X-Origin", "real")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"items":[]}`))
	}))
	defer backend.Close()

	g, net := newTestGateway(t, backend.URL, true)

	resp := g.Do(context.Background(), &model.Request{
		Method:  "GET",
		Path:    "/items?limit=5",
		Headers: map[string]string{"Content-Type": "application/json"},
	})
	assert.Equal(t, http.StatusOK, resp.Status)
	assert.Equal(t, "real", resp.Headers["X-Origin"])
	assert.JSONEq(t, `{"items":[]}`, string(resp.Body))
	assert.True(t, net.Online())
}

func TestDoFallsBackOnTransportFailure(t *testing.T) {
	// A closed server guarantees connection refused.
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	backend.Close()

	g, net := newTestGateway(t, backend.URL, true)
	g.Router().Handle("GET", "/items", func(_ context.Context, _ *MockRequest) (*model.Response, error) {
		return jsonResponse(http.StatusOK, map[string]string{"origin": "mock"}), nil
	})

	resp := g.Do(context.Background(), &model.Request{Method: "GET", Path: "/items"})
	assert.Equal(t, http.StatusOK, resp.Status)
	assert.JSONEq(t, `{"origin":"mock"}`, string(resp.Body))
	assert.False(t, net.Online(), "transport failure must flip connectivity")
}

func TestDoServesMockWhenOffline(t *testing.T) {
	g, _ := newTestGateway(t, "http://127.0.0.1:0", false)
	g.Router().Handle("GET", "/users/:username/profile", func(_ context.Context, req *MockRequest) (*model.Response, error) {
		return jsonResponse(http.StatusOK, map[string]string{"username": req.Params["username"]}), nil
	})

	resp := g.Do(context.Background(), &model.Request{Method: "GET", Path: "/users/alice/profile"})
	assert.Equal(t, http.StatusOK, resp.Status)
	assert.JSONEq(t, `{"username":"alice"}`, string(resp.Body))
}

func TestDoMissingRouteIs404(t *testing.T) {
	g, _ := newTestGateway(t, "http://127.0.0.1:0", false)

	resp := g.Do(context.Background(), &model.Request{Method: "GET", Path: "/nowhere"})
	assert.Equal(t, http.StatusNotFound, resp.Status)

	var body map[string]string
	require.NoError(t, json.Unmarshal(resp.Body, &body))
	assert.Contains(t, body["error"], "/nowhere")
}

func TestHandlerErrorAndPanicBecome500(t *testing.T) {
	g, _ := newTestGateway(t, "http://127.0.0.1:0", false)
	g.Router().Handle("GET", "/broken", func(_ context.Context, _ *MockRequest) (*model.Response, error) {
		return nil, assert.AnError
	})
	g.Router().Handle("GET", "/panics", func(_ context.Context, _ *MockRequest) (*model.Response, error) {
		panic("boom")
	})

	resp := g.Do(context.Background(), &model.Request{Method: "GET", Path: "/broken"})
	assert.Equal(t, http.StatusInternalServerError, resp.Status)

	resp = g.Do(context.Background(), &model.Request{Method: "GET", Path: "/panics"})
	assert.Equal(t, http.StatusInternalServerError, resp.Status)
	var body map[string]string
	require.NoError(t, json.Unmarshal(resp.Body, &body))
	assert.Contains(t, body["error"], "boom")
}

func TestGetResponseCacheServedOffline(t *testing.T) {
	var hits atomic.Int64
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"cached":true}`))
	}))
	defer backend.Close()

	g, net := newTestGateway(t, backend.URL, true)

	// Warm the cache through a real fetch, then go offline.
	resp := g.Do(context.Background(), &model.Request{Method: "GET", Path: "/content/home"})
	require.Equal(t, http.StatusOK, resp.Status)
	net.Set(false)

	resp = g.Do(context.Background(), &model.Request{Method: "GET", Path: "/content/home"})
	assert.Equal(t, http.StatusOK, resp.Status)
	assert.JSONEq(t, `{"cached":true}`, string(resp.Body))
	assert.Equal(t, int64(1), hits.Load(), "offline read must come from the cache")

	// The cache only answers for paths actually seen.
	resp = g.Do(context.Background(), &model.Request{Method: "GET", Path: "/content/other"})
	assert.Equal(t, http.StatusNotFound, resp.Status)
}

type recordingQueue struct {
	items []model.Request
}

func (q *recordingQueue) Enqueue(_ context.Context, req model.Request) error {
	q.items = append(q.items, req)
	return nil
}

func TestMutatingMockResponsesAreQueued(t *testing.T) {
	g, _ := newTestGateway(t, "http://127.0.0.1:0", false)
	q := &recordingQueue{}
	g.SetQueue(q)
	g.Router().Handle("PUT", "/users/:username/profile", func(_ context.Context, _ *MockRequest) (*model.Response, error) {
		return jsonResponse(http.StatusOK, map[string]string{"status": "ok"}), nil
	})
	g.Router().Handle("GET", "/users/:username/profile", func(_ context.Context, _ *MockRequest) (*model.Response, error) {
		return jsonResponse(http.StatusOK, map[string]string{}), nil
	})
	g.Router().Handle("POST", "/explodes", func(_ context.Context, _ *MockRequest) (*model.Response, error) {
		panic("nope")
	})

	g.Do(context.Background(), &model.Request{Method: "PUT", Path: "/users/alice/profile", Body: []byte(`{}`)})
	require.Len(t, q.items, 1)
	assert.Equal(t, "PUT", q.items[0].Method)

	// Reads are never queued.
	g.Do(context.Background(), &model.Request{Method: "GET", Path: "/users/alice/profile"})
	assert.Len(t, q.items, 1)

	// Requests the mock layer itself failed on are not queued either.
	g.Do(context.Background(), &model.Request{Method: "POST", Path: "/explodes"})
	assert.Len(t, q.items, 1)
}

func TestProbeFlipsConnectivity(t *testing.T) {
	healthy := atomic.Bool{}
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" && healthy.Load() {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer backend.Close()

	g, net := newTestGateway(t, backend.URL, false)

	assert.False(t, g.Probe(context.Background()))
	assert.False(t, net.Online())

	healthy.Store(true)
	assert.True(t, g.Probe(context.Background()))
	assert.True(t, net.Online())
}
