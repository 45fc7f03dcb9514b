package escrow

import (
	"context"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/mbd888/p2pescrow/internal/pagination"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newWatcher(f *fixture) *ExpiryWatcher {
	return NewExpiryWatcher(f.store, f.events, time.Millisecond, slog.New(slog.DiscardHandler)).
		WithClock(f.clock.Now)
}

func TestExpiryWatcher_AnnouncesOnce(t *testing.T) {
	f := newFixture(t)
	e := f.lock(t, 1_000_000, 7200)
	w := newWatcher(f)
	ctx := context.Background()

	n, err := w.Scan(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "not yet timed out")

	f.clock.Advance(7201 * time.Second)
	n, err = w.Scan(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = w.Scan(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "already announced")

	assert.Equal(t, []string{EventLocked, EventReclaimable}, f.events.types())
	assert.Equal(t, e.Address, f.events.events[1].Escrow.Address)

	// No funds move on a notice.
	assert.Equal(t, StatusLocked, f.status(t, e.Address))
	assert.Equal(t, uint64(1_000_000), f.vault(t, e).Balance)
}

func TestExpiryWatcher_AnnouncesBeyondOneBatch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	const trades = 5
	f.fund(t, seller, trades*10)
	for i := range trades {
		_, err := f.svc.Initialize(ctx, seller, InitializeRequest{
			TradeID:        fmt.Sprintf("0x%032x", i+1),
			Buyer:          buyer,
			Amount:         10,
			TimeoutSeconds: 60,
		})
		require.NoError(t, err)
	}
	f.clock.Advance(2 * time.Minute)

	w := newWatcher(f)
	w.batch = 2

	n, err := w.Scan(ctx)
	require.NoError(t, err)
	assert.Equal(t, trades, n)

	n, err = w.Scan(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestMemoryStore_ListReclaimablePages(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.fund(t, seller, 30)
	for i := range 3 {
		_, err := f.svc.Initialize(ctx, seller, InitializeRequest{
			TradeID:        fmt.Sprintf("0x%032x", i+1),
			Buyer:          buyer,
			Amount:         10,
			TimeoutSeconds: 60,
		})
		require.NoError(t, err)
	}
	now := f.clock.Now().Add(time.Hour)

	first, err := f.store.ListReclaimable(ctx, now, nil, 2)
	require.NoError(t, err)
	require.Len(t, first, 2)
	assert.Less(t, first[0].Address, first[1].Address, "equal created_at breaks ties by address")

	last := first[1]
	rest, err := f.store.ListReclaimable(ctx, now, &pagination.Cursor{CreatedAt: last.CreatedAt, Key: last.Address}, 2)
	require.NoError(t, err)
	require.Len(t, rest, 1)
	assert.NotContains(t, []string{first[0].Address, first[1].Address}, rest[0].Address)
}

func TestExpiryWatcher_SkipsReclaimed(t *testing.T) {
	f := newFixture(t)
	e := f.lock(t, 500, 60)
	w := newWatcher(f)
	ctx := context.Background()

	f.clock.Advance(2 * time.Minute)
	_, err := f.svc.Reclaim(ctx, e.Address, seller)
	require.NoError(t, err)

	n, err := w.Scan(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.NotContains(t, f.events.types(), EventReclaimable)
}

func TestExpiryWatcher_ForgetsAfterLeavingSet(t *testing.T) {
	f := newFixture(t)
	e := f.lock(t, 500, 60)
	w := newWatcher(f)
	ctx := context.Background()

	f.clock.Advance(2 * time.Minute)
	n, err := w.Scan(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	_, err = f.svc.Reclaim(ctx, e.Address, seller)
	require.NoError(t, err)
	_, err = w.Scan(ctx)
	require.NoError(t, err)

	w.mu.Lock()
	defer w.mu.Unlock()
	assert.Empty(t, w.notified)
}

func TestExpiryWatcher_StartStop(t *testing.T) {
	f := newFixture(t)
	f.lock(t, 500, 60)
	f.clock.Advance(2 * time.Minute)
	w := newWatcher(f)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		w.Start(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		for _, typ := range f.events.types() {
			if typ == EventReclaimable {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)
	assert.True(t, w.Running())

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("watcher did not stop")
	}
	assert.False(t, w.Running())
}
