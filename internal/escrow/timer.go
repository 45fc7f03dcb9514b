package escrow

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mbd888/p2pescrow/internal/metrics"
	"github.com/mbd888/p2pescrow/internal/pagination"
)

// ExpiryWatcher periodically finds Locked escrows past their timeout and
// publishes escrow.reclaimable so the seller can be told to reclaim. It never
// moves funds.
type ExpiryWatcher struct {
	store    Store
	events   EventSink
	interval time.Duration
	batch    int
	now      func() time.Time
	logger   *slog.Logger
	stop     chan struct{}
	running  atomic.Bool

	mu       sync.Mutex
	notified map[string]struct{} // addresses already announced
}

// NewExpiryWatcher creates a watcher that scans every interval.
func NewExpiryWatcher(store Store, events EventSink, interval time.Duration, logger *slog.Logger) *ExpiryWatcher {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &ExpiryWatcher{
		store:    store,
		events:   events,
		interval: interval,
		batch:    100,
		now:      time.Now,
		logger:   logger,
		stop:     make(chan struct{}),
		notified: make(map[string]struct{}),
	}
}

// WithClock overrides the watcher clock.
func (w *ExpiryWatcher) WithClock(now func() time.Time) *ExpiryWatcher {
	w.now = now
	return w
}

// Running reports whether the watch loop is actively running.
func (w *ExpiryWatcher) Running() bool {
	return w.running.Load()
}

// Start begins the scan loop. Call in a goroutine.
func (w *ExpiryWatcher) Start(ctx context.Context) {
	w.running.Store(true)
	defer w.running.Store(false)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stop:
			return
		case <-ticker.C:
			w.safeScan(ctx)
		}
	}
}

// Stop signals the watcher to stop.
func (w *ExpiryWatcher) Stop() {
	select {
	case w.stop <- struct{}{}:
	default:
	}
}

func (w *ExpiryWatcher) safeScan(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("panic in expiry watcher", "panic", fmt.Sprint(r))
		}
	}()
	if _, err := w.Scan(ctx); err != nil {
		w.logger.Warn("failed to list reclaimable escrows", "error", err)
	}
}

// Scan publishes one notice per newly reclaimable escrow and returns how many
// were published.
func (w *ExpiryWatcher) Scan(ctx context.Context) (int, error) {
	now := w.now()
	due, err := w.listDue(ctx, now)
	if err != nil {
		return 0, err
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	// Forget escrows that left the reclaimable set (reclaimed or disputed).
	current := make(map[string]struct{}, len(due))
	for _, e := range due {
		current[e.Address] = struct{}{}
	}
	for addr := range w.notified {
		if _, ok := current[addr]; !ok {
			delete(w.notified, addr)
		}
	}

	published := 0
	for _, e := range due {
		if _, seen := w.notified[e.Address]; seen {
			continue
		}
		w.notified[e.Address] = struct{}{}
		if w.events != nil {
			w.events.Publish(ctx, Event{Type: EventReclaimable, Escrow: e, Timestamp: now})
		}
		metrics.ReclaimableNoticesTotal.Inc()
		w.logger.Info("escrow reclaimable", "escrow", e.Address, "seller", e.Seller, "timedOutAt", e.ReclaimableAt())
		published++
	}
	return published, nil
}

// listDue pages through every reclaimable escrow, batch at a time.
func (w *ExpiryWatcher) listDue(ctx context.Context, now time.Time) ([]*Escrow, error) {
	var (
		all   []*Escrow
		after *pagination.Cursor
	)
	for {
		page, err := w.store.ListReclaimable(ctx, now, after, w.batch)
		if err != nil {
			return nil, err
		}
		all = append(all, page...)
		if len(page) < w.batch {
			return all, nil
		}
		last := page[len(page)-1]
		after = &pagination.Cursor{CreatedAt: last.CreatedAt, Key: last.Address}
	}
}
