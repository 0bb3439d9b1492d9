// Package gateway intercepts application requests and routes each one to
// the real backend when it is reachable, or to a table of local mock
// handlers when it is not. Callers never branch on connectivity: the
// response shape is identical on both paths.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/bjpl/backendsim/pkg/metrics"
	"github.com/bjpl/backendsim/pkg/model"
	"github.com/bjpl/backendsim/pkg/netstate"
	"github.com/bjpl/backendsim/pkg/store"
)

// maxForwardBody caps real-backend response bodies read into memory.
const maxForwardBody = 4 << 20

// Enqueuer receives mutating requests served on the mock path for
// eventual replay against the real backend.
type Enqueuer interface {
	Enqueue(ctx context.Context, req model.Request) error
}

// Config holds gateway configuration.
type Config struct {
	BackendURL     string        // base URL requests are rewritten to
	HealthPath     string        // reachability probe path
	ProbeTimeout   time.Duration // per-probe HTTP timeout
	RequestTimeout time.Duration // per-forward HTTP timeout
	CacheNamespace string        // key prefix for cached GET responses
}

// Gateway routes requests between the real backend and the mock table.
type Gateway struct {
	cfg     Config
	router  *Router
	client  *http.Client
	net     *netstate.Monitor
	store   store.DataStore
	queue   Enqueuer
	metrics *metrics.Metrics
}

// New creates a gateway. The store backs the GET response cache; queue
// may be nil when offline writes need no reconciliation (tests).
func New(cfg Config, net *netstate.Monitor, st store.DataStore, queue Enqueuer, m *metrics.Metrics) *Gateway {
	if m == nil {
		m = metrics.New()
	}
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = 10 * time.Second
	}
	if cfg.ProbeTimeout == 0 {
		cfg.ProbeTimeout = 2 * time.Second
	}
	return &Gateway{
		cfg:     cfg,
		router:  NewRouter(),
		client:  &http.Client{Timeout: cfg.RequestTimeout},
		net:     net,
		store:   st,
		queue:   queue,
		metrics: m,
	}
}

// Router exposes the mock route table for registration.
func (g *Gateway) Router() *Router {
	return g.router
}

// SetQueue installs the offline write queue after construction. The
// gateway and the queue reference each other (the queue replays through
// the gateway), so one side has to be wired late.
func (g *Gateway) SetQueue(q Enqueuer) {
	g.queue = q
}

// Do handles one request: real backend when reachable, mock otherwise.
// It never returns an error; failures become structured responses.
func (g *Gateway) Do(ctx context.Context, req *model.Request) *model.Response {
	if g.net.Online() {
		resp, err := g.forward(ctx, req)
		if err == nil {
			g.metrics.RequestsReal.Add(1)
			if req.Method == "GET" && resp.Status < 300 {
				g.cachePut(req.Path, resp)
			}
			return resp
		}
		// Transport failure: the backend is gone. Flip the flag and fall
		// through to the mock path.
		slog.Warn("backend unreachable, falling back to mock", "path", req.Path, "err", err)
		g.metrics.RequestsFailedOver.Add(1)
		g.net.Set(false)
	}

	resp := g.serveMock(ctx, req)
	g.metrics.RequestsMock.Add(1)

	if req.Mutating() && g.queue != nil && resp.Status < 500 {
		item := model.Request{Method: req.Method, Path: req.Path, Headers: req.Headers, Body: req.Body}
		if err := g.queue.Enqueue(ctx, item); err != nil {
			slog.Error("sync enqueue failed", "path", req.Path, "err", err)
		}
	}
	return resp
}

// Replay reissues a previously queued request against the real backend.
// It bypasses the mock path entirely: the caller decides from the status
// and transport error whether the item is done, retryable, or hopeless.
func (g *Gateway) Replay(ctx context.Context, req *model.Request) (*model.Response, error) {
	return g.forward(ctx, req)
}

// forward sends the request to the real backend, rewriting only the origin.
func (g *Gateway) forward(ctx context.Context, req *model.Request) (*model.Response, error) {
	path, rawQuery, _ := strings.Cut(req.Path, "?")
	target, err := url.JoinPath(g.cfg.BackendURL, path)
	if err != nil {
		return nil, fmt.Errorf("gateway: build url: %w", err)
	}
	if rawQuery != "" {
		target += "?" + rawQuery
	}

	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, target, body)
	if err != nil {
		return nil, fmt.Errorf("gateway: build request: %w", err)
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}

	httpResp, err := g.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("gateway: forward: %w", err)
	}
	defer func() { _ = httpResp.Body.Close() }()

	respBody, err := io.ReadAll(io.LimitReader(httpResp.Body, maxForwardBody))
	if err != nil {
		return nil, fmt.Errorf("gateway: read response: %w", err)
	}

	headers := make(map[string]string, len(httpResp.Header))
	for k := range httpResp.Header {
		headers[k] = httpResp.Header.Get(k)
	}
	return &model.Response{
		Status:  httpResp.StatusCode,
		Headers: headers,
		Body:    respBody,
	}, nil
}

// serveMock routes a request through the mock table. Handler panics and
// errors become 500-equivalent responses; a missing route is a
// 404-equivalent, after consulting the GET response cache.
func (g *Gateway) serveMock(ctx context.Context, req *model.Request) (resp *model.Response) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("mock handler panic", "path", req.Path, "panic", r)
			resp = errorResponse(http.StatusInternalServerError, fmt.Sprintf("handler panic: %v", r))
		}
	}()

	path, rawQuery, _ := strings.Cut(req.Path, "?")
	handler, params, ok := g.router.Match(req.Method, path)
	if !ok {
		if req.Method == "GET" {
			if cached := g.cacheGet(req.Path); cached != nil {
				g.metrics.CacheHits.Add(1)
				return cached
			}
		}
		return errorResponse(http.StatusNotFound, "no handler for "+req.Method+" "+path)
	}

	query, err := url.ParseQuery(rawQuery)
	if err != nil {
		return errorResponse(http.StatusBadRequest, "bad query string")
	}

	resp, err = handler(ctx, &MockRequest{Request: req, Params: params, Query: query})
	if err != nil {
		slog.Debug("mock handler error", "path", path, "err", err)
		return errorResponse(http.StatusInternalServerError, err.Error())
	}
	return resp
}

// Probe checks backend reachability against the configured health path
// and updates the connectivity state. Returns the new reachability.
func (g *Gateway) Probe(ctx context.Context) bool {
	target, err := url.JoinPath(g.cfg.BackendURL, g.cfg.HealthPath)
	if err != nil {
		return false
	}
	probeCtx, cancel := context.WithTimeout(ctx, g.cfg.ProbeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, target, nil)
	if err != nil {
		return false
	}
	resp, err := g.client.Do(req)
	if err != nil {
		g.net.Set(false)
		return false
	}
	_ = resp.Body.Close()

	ok := resp.StatusCode < 500
	g.net.Set(ok)
	return ok
}

// StartProbing probes on a fixed interval until ctx is cancelled.
func (g *Gateway) StartProbing(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				g.Probe(ctx)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// ---- GET response cache (persisted through the settings collection) ----

func (g *Gateway) cacheKey(path string) string {
	return g.cfg.CacheNamespace + ":" + path
}

func (g *Gateway) cachePut(path string, resp *model.Response) {
	if g.store == nil {
		return
	}
	data, err := json.Marshal(resp)
	if err != nil {
		return
	}
	if err := g.store.PutSetting(g.cacheKey(path), string(data)); err != nil {
		slog.Debug("cache write failed", "path", path, "err", err)
	}
}

func (g *Gateway) cacheGet(path string) *model.Response {
	if g.store == nil {
		return nil
	}
	value, ok, err := g.store.GetSetting(g.cacheKey(path))
	if err != nil || !ok {
		return nil
	}
	var resp model.Response
	if err := json.Unmarshal([]byte(value), &resp); err != nil {
		return nil
	}
	return &resp
}

// errorResponse builds the uniform JSON error body.
func errorResponse(status int, message string) *model.Response {
	body, _ := json.Marshal(map[string]string{"error": message})
	return &model.Response{
		Status:  status,
		Headers: map[string]string{"Content-Type": "application/json"},
		Body:    body,
	}
}

// jsonResponse builds a JSON success response.
func jsonResponse(status int, v any) *model.Response {
	body, err := json.Marshal(v)
	if err != nil {
		return errorResponse(http.StatusInternalServerError, "encode response: "+err.Error())
	}
	return &model.Response{
		Status:  status,
		Headers: map[string]string{"Content-Type": "application/json"},
		Body:    body,
	}
}
