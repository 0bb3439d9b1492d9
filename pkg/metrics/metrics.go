// Package metrics tracks simulator runtime statistics.
package metrics

import (
	"encoding/json"
	"log/slog"
	"sync/atomic"
	"time"
)

// Metrics tracks runtime counters for the hub, gateway, sync queue, and
// auth service. All counters use atomic operations for lock-free
// concurrent access.
type Metrics struct {
	startTime time.Time

	// Hub counters
	ClientsConnected    atomic.Int64 // currently registered clients
	ClientsTotal        atomic.Int64 // lifetime clients created
	ClientsEvicted      atomic.Int64 // clients removed by heartbeat timeout
	MessagesDispatched  atomic.Int64 // envelopes routed through sendMessage
	DeliveriesScheduled atomic.Int64 // notifications scheduled for delivery
	DeliveriesDropped   atomic.Int64 // deliveries to removed clients or full queues
	MalformedMessages   atomic.Int64 // envelopes with unknown type or bad payload

	// Gateway counters
	RequestsReal       atomic.Int64 // requests served by the real backend
	RequestsMock       atomic.Int64 // requests served by mock handlers
	RequestsFailedOver atomic.Int64 // real attempts that fell back to mock
	CacheHits          atomic.Int64 // GETs answered from the response cache

	// Sync counters
	SyncEnqueued     atomic.Int64 // writes queued while offline
	SyncReplayed     atomic.Int64 // queued writes replayed successfully
	SyncRetried      atomic.Int64 // replays that failed and stayed queued
	SyncDeadLettered atomic.Int64 // items moved to the dead-letter list

	// Auth counters
	AuthSuccess    atomic.Int64 // successful credential verifications
	AuthFailed     atomic.Int64 // failed credential verifications
	AuthLockouts   atomic.Int64 // accounts locked
	SessionsPurged atomic.Int64 // expired sessions removed
}

// New creates a Metrics instance with the start time set to now.
func New() *Metrics {
	return &Metrics{
		startTime: time.Now(),
	}
}

// Snapshot is a point-in-time view of all metrics as a serializable struct.
type Snapshot struct {
	Uptime        string `json:"uptime"`
	UptimeSeconds int64  `json:"uptime_seconds"`

	ClientsConnected    int64 `json:"clients_connected"`
	ClientsTotal        int64 `json:"clients_total"`
	ClientsEvicted      int64 `json:"clients_evicted"`
	MessagesDispatched  int64 `json:"messages_dispatched"`
	DeliveriesScheduled int64 `json:"deliveries_scheduled"`
	DeliveriesDropped   int64 `json:"deliveries_dropped"`
	MalformedMessages   int64 `json:"malformed_messages"`

	RequestsReal       int64 `json:"requests_real"`
	RequestsMock       int64 `json:"requests_mock"`
	RequestsFailedOver int64 `json:"requests_failed_over"`
	CacheHits          int64 `json:"cache_hits"`

	SyncEnqueued     int64 `json:"sync_enqueued"`
	SyncReplayed     int64 `json:"sync_replayed"`
	SyncRetried      int64 `json:"sync_retried"`
	SyncDeadLettered int64 `json:"sync_dead_lettered"`

	AuthSuccess    int64 `json:"auth_success"`
	AuthFailed     int64 `json:"auth_failed"`
	AuthLockouts   int64 `json:"auth_lockouts"`
	SessionsPurged int64 `json:"sessions_purged"`
}

// Snapshot returns a read-consistent snapshot of all metrics.
func (m *Metrics) Snapshot() Snapshot {
	uptime := time.Since(m.startTime)
	return Snapshot{
		Uptime:              uptime.Truncate(time.Second).String(),
		UptimeSeconds:       int64(uptime.Seconds()),
		ClientsConnected:    m.ClientsConnected.Load(),
		ClientsTotal:        m.ClientsTotal.Load(),
		ClientsEvicted:      m.ClientsEvicted.Load(),
		MessagesDispatched:  m.MessagesDispatched.Load(),
		DeliveriesScheduled: m.DeliveriesScheduled.Load(),
		DeliveriesDropped:   m.DeliveriesDropped.Load(),
		MalformedMessages:   m.MalformedMessages.Load(),
		RequestsReal:        m.RequestsReal.Load(),
		RequestsMock:        m.RequestsMock.Load(),
		RequestsFailedOver:  m.RequestsFailedOver.Load(),
		CacheHits:           m.CacheHits.Load(),
		SyncEnqueued:        m.SyncEnqueued.Load(),
		SyncReplayed:        m.SyncReplayed.Load(),
		SyncRetried:         m.SyncRetried.Load(),
		SyncDeadLettered:    m.SyncDeadLettered.Load(),
		AuthSuccess:         m.AuthSuccess.Load(),
		AuthFailed:          m.AuthFailed.Load(),
		AuthLockouts:        m.AuthLockouts.Load(),
		SessionsPurged:      m.SessionsPurged.Load(),
	}
}

// JSON returns the metrics snapshot as a JSON string.
func (m *Metrics) JSON() string {
	data, err := json.MarshalIndent(m.Snapshot(), "", "  ")
	if err != nil {
		return "{}"
	}
	return string(data)
}

// LogSummary writes a periodic metrics summary to the logger.
func (m *Metrics) LogSummary() {
	s := m.Snapshot()
	slog.Info("metrics",
		"uptime", s.Uptime,
		"clients", s.ClientsConnected,
		"deliveries", s.DeliveriesScheduled,
		"dropped", s.DeliveriesDropped,
		"real_reqs", s.RequestsReal,
		"mock_reqs", s.RequestsMock,
		"sync_queued", s.SyncEnqueued,
		"sync_replayed", s.SyncReplayed,
		"sync_dead", s.SyncDeadLettered,
	)
}

// StartPeriodicLog logs a metrics summary at the given interval until the
// done channel closes.
func (m *Metrics) StartPeriodicLog(interval time.Duration, done <-chan struct{}) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.LogSummary()
			case <-done:
				return
			}
		}
	}()
}
