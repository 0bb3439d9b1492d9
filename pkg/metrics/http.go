package metrics

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// StartHTTP starts a lightweight HTTP server that exposes /metrics in
// Prometheus text exposition format plus /healthz. It runs in the
// background and shuts down when ctx is cancelled. Empty addr disables it.
func (m *Metrics) StartHTTP(ctx context.Context, addr string) {
	if addr == "" {
		return // metrics endpoint disabled
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/metrics", m.handlePrometheus)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		slog.Info("metrics HTTP listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("metrics HTTP error", "err", err)
		}
	}()

	go func() {
		<-ctx.Done()
		_ = srv.Close()
	}()
}

// handlePrometheus writes all metrics in Prometheus text exposition format.
func (m *Metrics) handlePrometheus(w http.ResponseWriter, _ *http.Request) {
	uptime := time.Since(m.startTime).Seconds()

	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")

	// Helper for gauge/counter lines.
	// Write errors to http.ResponseWriter are non-actionable; suppress errcheck.
	write := func(name, help, mtype string, value int64) {
		_, _ = fmt.Fprintf(w, "# HELP %s %s\n", name, help)
		_, _ = fmt.Fprintf(w, "# TYPE %s %s\n", name, mtype)
		_, _ = fmt.Fprintf(w, "%s %d\n", name, value)
	}

	_, _ = fmt.Fprintf(w, "# HELP backendsim_uptime_seconds Simulator uptime in seconds.\n")
	_, _ = fmt.Fprintf(w, "# TYPE backendsim_uptime_seconds gauge\n")
	_, _ = fmt.Fprintf(w, "backendsim_uptime_seconds %f\n", uptime)

	write("backendsim_clients_connected", "Currently registered hub clients.", "gauge",
		m.ClientsConnected.Load())
	write("backendsim_clients_total", "Lifetime hub clients created.", "counter",
		m.ClientsTotal.Load())
	write("backendsim_clients_evicted_total", "Clients evicted by heartbeat timeout.", "counter",
		m.ClientsEvicted.Load())
	write("backendsim_messages_dispatched_total", "Envelopes dispatched to handlers.", "counter",
		m.MessagesDispatched.Load())
	write("backendsim_deliveries_scheduled_total", "Notifications scheduled for delivery.", "counter",
		m.DeliveriesScheduled.Load())
	write("backendsim_deliveries_dropped_total", "Deliveries dropped (removed client or full queue).", "counter",
		m.DeliveriesDropped.Load())
	write("backendsim_malformed_messages_total", "Envelopes with unknown type or bad payload.", "counter",
		m.MalformedMessages.Load())

	write("backendsim_requests_real_total", "Requests served by the real backend.", "counter",
		m.RequestsReal.Load())
	write("backendsim_requests_mock_total", "Requests served by mock handlers.", "counter",
		m.RequestsMock.Load())
	write("backendsim_requests_failed_over_total", "Real attempts that fell back to mock.", "counter",
		m.RequestsFailedOver.Load())
	write("backendsim_cache_hits_total", "GETs answered from the response cache.", "counter",
		m.CacheHits.Load())

	write("backendsim_sync_enqueued_total", "Writes queued while offline.", "counter",
		m.SyncEnqueued.Load())
	write("backendsim_sync_replayed_total", "Queued writes replayed successfully.", "counter",
		m.SyncReplayed.Load())
	write("backendsim_sync_retried_total", "Replays that failed and stayed queued.", "counter",
		m.SyncRetried.Load())
	write("backendsim_sync_dead_lettered_total", "Items moved to the dead-letter list.", "counter",
		m.SyncDeadLettered.Load())

	write("backendsim_auth_success_total", "Successful credential verifications.", "counter",
		m.AuthSuccess.Load())
	write("backendsim_auth_failed_total", "Failed credential verifications.", "counter",
		m.AuthFailed.Load())
	write("backendsim_auth_lockouts_total", "Accounts locked.", "counter",
		m.AuthLockouts.Load())
	write("backendsim_sessions_purged_total", "Expired sessions removed.", "counter",
		m.SessionsPurged.Load())
}
