package hub

import (
	"context"
	"log/slog"
	"time"

	"github.com/bjpl/backendsim/pkg/model"
)

// StartHeartbeat launches the liveness loop: every interval it pings all
// connected clients and force-removes any whose last activity is older
// than the configured timeout, simulating connection death. The loop
// stops when ctx is cancelled.
func (h *Hub) StartHeartbeat(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(h.cfg.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				h.heartbeat()
			case <-ctx.Done():
				return
			}
		}
	}()
}

// heartbeat runs one liveness pass.
func (h *Hub) heartbeat() {
	now := h.now()
	cutoff := now.Add(-h.cfg.HeartbeatTimeout)

	h.mu.RLock()
	live := make([]string, 0, len(h.clients))
	var stale []string
	for id, c := range h.clients {
		if c.lastActive.Before(cutoff) {
			stale = append(stale, id)
			continue
		}
		live = append(live, id)
	}
	h.mu.RUnlock()

	for _, id := range live {
		h.send(id, model.Notification{Type: "ping", Timestamp: now})
	}

	for _, id := range stale {
		slog.Info("evicting stale client", "client", id)
		if h.RemoveClient(id) {
			h.metrics.ClientsEvicted.Add(1)
		}
	}
}
