package locking

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/lexicon/internal/metrics"
	"github.com/roach88/lexicon/internal/model"
	"github.com/roach88/lexicon/internal/store"
	"github.com/roach88/lexicon/internal/testutil"
)

type fixture struct {
	locks   *Manager
	clock   *testutil.Clock
	metrics *metrics.Collectors
	entry   int64
}

func createTestManager(t *testing.T) *fixture {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	entry, err := db.Read().InsertEntry(context.Background(), "abcd")
	require.NoError(t, err)

	clock := testutil.NewClock(time.Time{})
	m := metrics.New(prometheus.NewRegistry())
	return &fixture{
		locks:   New(db, Options{Now: clock.Now, Metrics: m}),
		clock:   clock,
		metrics: m,
		entry:   entry,
	}
}

func TestTryAcquire_Contention(t *testing.T) {
	f := createTestManager(t)
	ctx := context.Background()

	a, err := f.locks.TryAcquire(ctx, f.entry, "A")
	require.NoError(t, err)
	require.NotNil(t, a)
	assert.Equal(t, "A", a.Holder)

	f.clock.Advance(DefaultTTL / 2)
	b, err := f.locks.TryAcquire(ctx, f.entry, "B")
	require.NoError(t, err)
	assert.Nil(t, b, "live lock must not be stolen")

	holder, err := f.locks.Holder(ctx, f.entry)
	require.NoError(t, err)
	assert.Equal(t, "A", holder.Holder)
}

func TestTryAcquire_ExpiredLockIsStolen(t *testing.T) {
	f := createTestManager(t)
	ctx := context.Background()

	_, err := f.locks.TryAcquire(ctx, f.entry, "A")
	require.NoError(t, err)

	f.clock.Advance(DefaultTTL + time.Second)
	b, err := f.locks.TryAcquire(ctx, f.entry, "B")
	require.NoError(t, err)
	require.NotNil(t, b)
	assert.Equal(t, "B", b.Holder)
	assert.Equal(t, f.clock.Now(), b.AcquiredAt)

	locks, err := f.locks.Locks(ctx)
	require.NoError(t, err)
	assert.Len(t, locks, 1, "at most one lock per entry")
	assert.Equal(t, 1.0, promtest.ToFloat64(f.metrics.LockAcquisitions.WithLabelValues("stolen")))
}

func TestTryAcquire_ExactlyTTLIsNotExpired(t *testing.T) {
	f := createTestManager(t)
	ctx := context.Background()

	_, err := f.locks.TryAcquire(ctx, f.entry, "A")
	require.NoError(t, err)

	f.clock.Advance(DefaultTTL)
	b, err := f.locks.TryAcquire(ctx, f.entry, "B")
	require.NoError(t, err)
	assert.Nil(t, b)
}

func TestTryAcquire_RefreshOwnLock(t *testing.T) {
	f := createTestManager(t)
	ctx := context.Background()

	_, err := f.locks.TryAcquire(ctx, f.entry, "A")
	require.NoError(t, err)

	f.clock.Advance(DefaultTTL - time.Second)
	again, err := f.locks.TryAcquire(ctx, f.entry, "A")
	require.NoError(t, err)
	require.NotNil(t, again)
	assert.Equal(t, f.clock.Now(), again.AcquiredAt)

	// The refresh restarts the TTL window.
	f.clock.Advance(2 * time.Second)
	b, err := f.locks.TryAcquire(ctx, f.entry, "B")
	require.NoError(t, err)
	assert.Nil(t, b)
}

func TestTryAcquire_UnknownEntry(t *testing.T) {
	f := createTestManager(t)

	_, err := f.locks.TryAcquire(context.Background(), 999, "A")
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestTryAcquire_ConcurrentAcquirersOneWinner(t *testing.T) {
	f := createTestManager(t)
	ctx := context.Background()

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners []string
	)
	for _, who := range []string{"A", "B", "C", "D", "E"} {
		wg.Add(1)
		go func(who string) {
			defer wg.Done()
			l, err := f.locks.TryAcquire(ctx, f.entry, who)
			assert.NoError(t, err)
			if l != nil {
				mu.Lock()
				winners = append(winners, who)
				mu.Unlock()
			}
		}(who)
	}
	wg.Wait()
	assert.Len(t, winners, 1)
}

func TestRelease(t *testing.T) {
	f := createTestManager(t)
	ctx := context.Background()

	err := f.locks.Release(ctx, f.entry, "A")
	require.Error(t, err)
	assert.True(t, model.IsProtocolError(err))
	assert.ErrorIs(t, err, model.ErrLockNotHeld)

	_, err = f.locks.TryAcquire(ctx, f.entry, "A")
	require.NoError(t, err)

	err = f.locks.Release(ctx, f.entry, "B")
	assert.True(t, model.IsProtocolError(err))

	require.NoError(t, f.locks.Release(ctx, f.entry, "A"))

	holder, err := f.locks.Holder(ctx, f.entry)
	require.NoError(t, err)
	assert.Nil(t, holder)
}

func TestSweep(t *testing.T) {
	f := createTestManager(t)
	ctx := context.Background()

	_, err := f.locks.TryAcquire(ctx, f.entry, "A")
	require.NoError(t, err)

	n, err := f.locks.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	f.clock.Advance(DefaultTTL + time.Minute)
	n, err = f.locks.Sweep(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
}
