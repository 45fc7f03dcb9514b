package syncutil

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyLock_MutualExclusion(t *testing.T) {
	k := NewKeyLock()
	var (
		wg      sync.WaitGroup
		counter int
	)
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := k.Lock(context.Background(), "escrow")
			require.NoError(t, err)
			counter++
			unlock()
		}()
	}
	wg.Wait()
	assert.Equal(t, 100, counter)
	assert.Zero(t, k.Len())
}

func TestKeyLock_IndependentKeys(t *testing.T) {
	k := NewKeyLock()
	unlockA, err := k.Lock(context.Background(), "a")
	require.NoError(t, err)
	defer unlockA()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	unlockB, err := k.Lock(ctx, "b")
	require.NoError(t, err)
	unlockB()
}

func TestKeyLock_ContextCancelledWhileWaiting(t *testing.T) {
	k := NewKeyLock()
	unlock, err := k.Lock(context.Background(), "a")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = k.Lock(ctx, "a")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 1, k.Len())

	unlock()
	assert.Zero(t, k.Len())

	// The key is free again.
	unlock, err = k.Lock(context.Background(), "a")
	require.NoError(t, err)
	unlock()
}

func TestKeyLock_UnlockIsIdempotent(t *testing.T) {
	k := NewKeyLock()
	unlock, err := k.Lock(context.Background(), "a")
	require.NoError(t, err)
	unlock()
	unlock()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	unlock, err = k.Lock(ctx, "a")
	require.NoError(t, err)
	unlock()
}
