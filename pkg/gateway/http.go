package gateway

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/bjpl/backendsim/pkg/model"
)

const maxInboundBody = 4 << 20

// ServeHTTP adapts the gateway to net/http so local tools can talk to
// the simulator over a plain socket. Requests are translated into the
// gateway's request model and routed through Do, so they see the same
// real-then-mock behavior as in-process callers.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxInboundBody))
	if err != nil {
		http.Error(w, "failed to read request body", http.StatusBadRequest)
		return
	}

	resp := g.Do(r.Context(), requestFromHTTP(r, body))

	for k, v := range resp.Headers {
		w.Header().Set(k, v)
	}
	w.WriteHeader(resp.Status)
	if len(resp.Body) > 0 {
		if _, err := w.Write(resp.Body); err != nil {
			slog.Debug("gateway: response write failed", "error", err)
		}
	}
}

// requestFromHTTP flattens an inbound http.Request into the gateway's
// request model. Multi-valued headers keep their first value only.
func requestFromHTTP(r *http.Request, body []byte) *model.Request {
	headers := make(map[string]string, len(r.Header))
	for k := range r.Header {
		headers[k] = r.Header.Get(k)
	}
	path := r.URL.Path
	if r.URL.RawQuery != "" {
		path += "?" + r.URL.RawQuery
	}
	return &model.Request{
		Method:  r.Method,
		Path:    path,
		Headers: headers,
		Body:    body,
	}
}

// StartHTTP serves the gateway on addr until ctx is canceled. It
// returns once the listener is bound; serve errors are logged.
func (g *Gateway) StartHTTP(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Handler:           g,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("gateway: http server error", "error", err)
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Warn("gateway: http shutdown", "error", err)
		}
	}()

	slog.Info("gateway: listening", "addr", ln.Addr().String())
	return nil
}
