// Package syncq holds mutating requests made while offline and replays
// them against the real backend, in order, once connectivity returns.
package syncq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bjpl/backendsim/pkg/metrics"
	"github.com/bjpl/backendsim/pkg/model"
	"github.com/bjpl/backendsim/pkg/netstate"
	"github.com/bjpl/backendsim/pkg/store"
)

// ErrNoDeadLetter indicates a requeue for an id that is not dead-lettered.
var ErrNoDeadLetter = errors.New("syncq: no such dead letter")

// Replayer reissues a queued request against the real backend. A
// transport error means the backend is unreachable; an HTTP response
// means it answered, whatever the status.
type Replayer interface {
	Replay(ctx context.Context, req *model.Request) (*model.Response, error)
}

// Config holds coordinator tuning.
type Config struct {
	MaxAttempts   int           // replays before an item is dead-lettered
	FlushInterval time.Duration // periodic flush cadence while online
	BackoffBase   time.Duration // first retry delay, doubled per attempt
}

// DefaultConfig returns the coordinator defaults.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:   5,
		FlushInterval: 15 * time.Second,
		BackoffBase:   2 * time.Second,
	}
}

// Coordinator owns the durable offline write queue. All mutations go
// through the store first so a crash never loses a queued write; the
// in-memory mirror only exists to keep Flush off the database hot path.
type Coordinator struct {
	cfg      Config
	store    store.DataStore
	replayer Replayer
	net      *netstate.Monitor
	metrics  *metrics.Metrics
	now      func() time.Time

	mu    sync.Mutex
	items []model.QueueItem

	kick chan struct{}
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithClock replaces the wall clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

// New creates a coordinator and loads any queue persisted by a previous
// run. It subscribes to the connectivity monitor so a reconnect flushes
// immediately instead of waiting out the ticker.
func New(cfg Config, st store.DataStore, r Replayer, net *netstate.Monitor, m *metrics.Metrics, opts ...Option) (*Coordinator, error) {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = DefaultConfig().MaxAttempts
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = DefaultConfig().FlushInterval
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = DefaultConfig().BackoffBase
	}
	if m == nil {
		m = metrics.New()
	}

	c := &Coordinator{
		cfg:      cfg,
		store:    st,
		replayer: r,
		net:      net,
		metrics:  m,
		now:      time.Now,
		kick:     make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(c)
	}

	items, err := st.ListQueueItems()
	if err != nil {
		return nil, fmt.Errorf("syncq: load queue: %w", err)
	}
	c.items = items
	if len(items) > 0 {
		slog.Info("sync queue restored", "pending", len(items))
	}

	net.Subscribe(func(online bool) {
		if online {
			c.Kick()
		}
	})
	return c, nil
}

// Enqueue persists a mutating request for later replay. Order of
// enqueueing is the order of replay.
func (c *Coordinator) Enqueue(_ context.Context, req model.Request) error {
	item := model.QueueItem{
		Request:    req,
		EnqueuedAt: c.now().UTC(),
	}
	if err := c.store.AppendQueueItem(&item); err != nil {
		return fmt.Errorf("syncq: enqueue: %w", err)
	}

	c.mu.Lock()
	c.items = append(c.items, item)
	pending := len(c.items)
	c.mu.Unlock()

	c.metrics.SyncEnqueued.Add(1)
	slog.Debug("sync write queued", "method", req.Method, "path", req.Path, "pending", pending)
	return nil
}

// Len returns the number of live (non-dead) queued items.
func (c *Coordinator) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// Items returns a copy of the live queue in replay order.
func (c *Coordinator) Items() []model.QueueItem {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]model.QueueItem, len(c.items))
	copy(out, c.items)
	return out
}

// DeadLetters returns items that exhausted their replay attempts or were
// rejected outright by the backend.
func (c *Coordinator) DeadLetters() ([]model.QueueItem, error) {
	return c.store.ListDeadLetters()
}

// Requeue moves a dead-lettered item back onto the live queue with a
// fresh attempt budget. The item is reinserted under a fresh ID at the
// back of the queue, so a flush already in flight treats it like any
// other write enqueued mid-pass instead of dropping it at reconcile.
func (c *Coordinator) Requeue(id int64) error {
	dead, err := c.store.ListDeadLetters()
	if err != nil {
		return fmt.Errorf("syncq: requeue: %w", err)
	}
	for i := range dead {
		if dead[i].ID != id {
			continue
		}
		if err := c.store.DeleteQueueItem(id); err != nil {
			return fmt.Errorf("syncq: requeue: %w", err)
		}
		item := model.QueueItem{
			Request:    dead[i].Request,
			EnqueuedAt: c.now().UTC(),
		}
		if err := c.store.AppendQueueItem(&item); err != nil {
			return fmt.Errorf("syncq: requeue: %w", err)
		}
		c.mu.Lock()
		c.items = append(c.items, item)
		c.mu.Unlock()
		slog.Info("dead letter requeued", "id", id, "new_id", item.ID, "path", item.Request.Path)
		return nil
	}
	return fmt.Errorf("syncq: requeue id %d: %w", id, ErrNoDeadLetter)
}

// Kick requests an immediate flush from the Run loop. It never blocks;
// a flush already pending absorbs the request.
func (c *Coordinator) Kick() {
	select {
	case c.kick <- struct{}{}:
	default:
	}
}

// Run flushes periodically and on reconnect kicks until ctx is canceled.
func (c *Coordinator) Run(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-c.kick:
		}
		if err := c.Flush(ctx); err != nil {
			slog.Error("sync flush failed", "err", err)
		}
	}
}

// Flush replays the queue in FIFO order against the real backend.
//
// The queue is snapshotted under the lock and replayed outside it, so
// writes enqueued during a flush land behind the snapshot and keep their
// order. Replay of one item stops the pass on transport errors, since
// the backend is clearly still gone; a 4xx answer dead-letters the item
// immediately because the backend has rejected it and retrying cannot
// help; 5xx answers count as a failed attempt and back off.
func (c *Coordinator) Flush(ctx context.Context) error {
	if !c.net.Online() {
		return nil
	}

	c.mu.Lock()
	snapshot := make([]model.QueueItem, len(c.items))
	copy(snapshot, c.items)
	c.mu.Unlock()

	if len(snapshot) == 0 {
		return nil
	}
	snapMaxID := snapshot[len(snapshot)-1].ID
	slog.Debug("sync flush starting", "pending", len(snapshot))

	var kept []model.QueueItem
	for i := range snapshot {
		item := snapshot[i]

		if wait := c.backoffRemaining(&item); wait > 0 {
			kept = append(kept, item)
			continue
		}

		resp, err := c.replayer.Replay(ctx, &item.Request)
		if err != nil {
			// Backend unreachable again. Keep this and everything after
			// it untouched and surface the transition.
			c.net.Set(false)
			kept = append(kept, snapshot[i:]...)
			c.reconcile(kept, snapMaxID)
			return fmt.Errorf("syncq: replay %s %s: %w", item.Request.Method, item.Request.Path, err)
		}

		switch {
		case resp.Status < 400:
			if err := c.store.DeleteQueueItem(item.ID); err != nil {
				kept = append(kept, item)
				slog.Error("sync dequeue failed", "id", item.ID, "err", err)
				continue
			}
			c.metrics.SyncReplayed.Add(1)
			slog.Info("sync write replayed", "id", item.ID, "method", item.Request.Method,
				"path", item.Request.Path, "status", resp.Status)

		case resp.Status < 500:
			// The backend understood and said no. Retrying an identical
			// request cannot succeed.
			item.Attempts++
			c.deadLetter(&item, resp.Status)

		default:
			item.Attempts++
			item.LastAttemptAt = c.now().UTC()
			if item.Attempts >= c.cfg.MaxAttempts {
				c.deadLetter(&item, resp.Status)
				continue
			}
			if err := c.store.UpdateQueueItem(&item); err != nil {
				slog.Error("sync attempt update failed", "id", item.ID, "err", err)
			}
			c.metrics.SyncRetried.Add(1)
			slog.Warn("sync replay failed, will retry", "id", item.ID,
				"status", resp.Status, "attempts", item.Attempts)
			kept = append(kept, item)
		}
	}

	c.reconcile(kept, snapMaxID)
	return nil
}

// backoffRemaining returns how long until the item may be retried.
func (c *Coordinator) backoffRemaining(item *model.QueueItem) time.Duration {
	if item.Attempts == 0 {
		return 0
	}
	delay := c.cfg.BackoffBase << (item.Attempts - 1)
	next := item.LastAttemptAt.Add(delay)
	if remaining := next.Sub(c.now()); remaining > 0 {
		return remaining
	}
	return 0
}

// deadLetter marks an item as undeliverable and persists the flag. The
// caller has already counted the final attempt.
func (c *Coordinator) deadLetter(item *model.QueueItem, status int) {
	item.Dead = true
	item.LastAttemptAt = c.now().UTC()
	if err := c.store.UpdateQueueItem(item); err != nil {
		slog.Error("sync dead-letter update failed", "id", item.ID, "err", err)
	}
	c.metrics.SyncDeadLettered.Add(1)
	slog.Warn("sync write dead-lettered", "id", item.ID, "method", item.Request.Method,
		"path", item.Request.Path, "status", status, "attempts", item.Attempts)
}

// reconcile replaces the snapshot's portion of the live queue with the
// flush survivors. Items enqueued during the flush carry IDs above the
// snapshot boundary and stay queued, behind the survivors.
func (c *Coordinator) reconcile(kept []model.QueueItem, snapMaxID int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	merged := make([]model.QueueItem, 0, len(kept))
	merged = append(merged, kept...)
	for _, it := range c.items {
		if it.ID > snapMaxID {
			merged = append(merged, it)
		}
	}
	c.items = merged
}
