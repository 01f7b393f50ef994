package derived

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/lexicon/internal/depindex"
	"github.com/roach88/lexicon/internal/events"
	"github.com/roach88/lexicon/internal/model"
	"github.com/roach88/lexicon/internal/tasks"
)

func openTestBadger(t *testing.T) *badger.DB {
	t.Helper()
	db, err := badger.Open(badger.DefaultOptions("").WithInMemory(true).WithLogger(nil))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func createTestCache(t *testing.T, opts Options) (*Cache, *depindex.Index) {
	t.Helper()
	db := openTestBadger(t)
	deps := depindex.New(db)
	c, err := New(db, deps, opts)
	require.NoError(t, err)
	return c, deps
}

func constant(value string, dependees ...string) ComputeFunc {
	return func(context.Context) (Artifact, error) {
		return Artifact{Value: []byte(value), Dependees: dependees}, nil
	}
}

const key = model.CacheKey("display:draft:h1")

func TestEnsure_ComputesOnceThenHits(t *testing.T) {
	ctx := context.Background()
	c, deps := createTestCache(t, Options{})

	a, st, err := c.Ensure(ctx, key, constant("v1", "lemma:Haus"))
	require.NoError(t, err)
	assert.Equal(t, StatusComputed, st)
	assert.Equal(t, "v1", string(a.Value))

	a, st, err = c.Ensure(ctx, key, func(context.Context) (Artifact, error) {
		t.Fatal("must not recompute")
		return Artifact{}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, StatusReady, st)
	assert.Equal(t, "v1", string(a.Value))

	got, err := deps.Get(ctx, "lemma:Haus")
	require.NoError(t, err)
	assert.Equal(t, []model.CacheKey{key}, got.Sorted())
}

func TestEnsure_ConcurrentCallersComputeOnce(t *testing.T) {
	ctx := context.Background()
	c, _ := createTestCache(t, Options{})

	var computed atomic.Int32
	release := make(chan struct{})
	compute := func(context.Context) (Artifact, error) {
		computed.Add(1)
		<-release
		return Artifact{Value: []byte("v")}, nil
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, err := c.Ensure(ctx, key, compute)
			assert.NoError(t, err)
		}()
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.EqualValues(t, 1, computed.Load())
	_, st, err := c.Peek(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, StatusReady, st)
}

func TestEnsure_OtherTaskMarkerIsPending(t *testing.T) {
	ctx := context.Background()
	c, _ := createTestCache(t, Options{})

	entered := make(chan struct{})
	release := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		owner := tasks.WithTaskID(ctx, "owner")
		_, _, err := c.ensure(owner, key, func(context.Context) (Artifact, error) {
			close(entered)
			<-release
			return Artifact{Value: []byte("v")}, nil
		})
		assert.NoError(t, err)
	}()
	<-entered

	// Bypass singleflight to act as a different process-level caller.
	_, st, err := c.ensure(tasks.WithTaskID(ctx, "other"), key, func(context.Context) (Artifact, error) {
		t.Fatal("pending slot must not be computed")
		return Artifact{}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, StatusPending, st)

	_, st, err = c.Peek(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, st)

	close(release)
	<-done
}

func TestEnsure_FailureClearsMarker(t *testing.T) {
	ctx := context.Background()
	c, _ := createTestCache(t, Options{})
	boom := errors.New("render failed")

	_, _, err := c.Ensure(ctx, key, func(context.Context) (Artifact, error) { return Artifact{}, boom })
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	var tf *tasks.TaskFailure
	assert.ErrorAs(t, err, &tf)

	_, st, err := c.Peek(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, StatusAbsent, st, "no marker may survive a failure")

	_, st, err = c.Ensure(ctx, key, constant("v2"))
	require.NoError(t, err)
	assert.Equal(t, StatusComputed, st)
}

func TestEnsure_PanicClearsMarker(t *testing.T) {
	ctx := context.Background()
	c, _ := createTestCache(t, Options{})

	_, _, err := c.Ensure(ctx, key, func(context.Context) (Artifact, error) { panic("bad xml") })
	var tf *tasks.TaskFailure
	require.ErrorAs(t, err, &tf)
	assert.Equal(t, "bad xml", tf.Panic)

	_, st, err := c.Peek(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, StatusAbsent, st)
}

func TestEnsure_InvalidatedDuringComputeIsNotStored(t *testing.T) {
	ctx := context.Background()
	c, _ := createTestCache(t, Options{})

	a, st, err := c.Ensure(ctx, key, func(ctx context.Context) (Artifact, error) {
		require.NoError(t, c.Invalidate(ctx, key))
		return Artifact{Value: []byte("stale")}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, StatusComputed, st)
	assert.Equal(t, "stale", string(a.Value))

	_, st, err = c.Peek(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, StatusAbsent, st)
}

func TestEnsure_ExpiredMarkerCanBeReclaimed(t *testing.T) {
	ctx := context.Background()
	c, _ := createTestCache(t, Options{MarkerTTL: time.Second})

	_, claimed, err := c.claim(key, "dead-task")
	require.NoError(t, err)
	require.True(t, claimed)

	_, st, err := c.Ensure(ctx, key, constant("v"))
	require.NoError(t, err)
	assert.Equal(t, StatusPending, st)

	// Badger TTLs have second granularity.
	time.Sleep(2100 * time.Millisecond)

	_, st, err = c.Ensure(ctx, key, constant("v"))
	require.NoError(t, err)
	assert.Equal(t, StatusComputed, st)
}

func TestForce_ClearsForeignMarker(t *testing.T) {
	ctx := context.Background()
	c, _ := createTestCache(t, Options{})

	_, _, err := c.claim(key, "stuck")
	require.NoError(t, err)

	require.NoError(t, c.Force(ctx, key))

	_, st, err := c.Ensure(ctx, key, constant("v"))
	require.NoError(t, err)
	assert.Equal(t, StatusComputed, st)
}

func TestRecompute_ReplacesDependencies(t *testing.T) {
	ctx := context.Background()
	c, deps := createTestCache(t, Options{})

	_, _, err := c.Ensure(ctx, key, constant("v1", "lemma:a", "lemma:b"))
	require.NoError(t, err)
	require.NoError(t, c.Invalidate(ctx, key))

	_, _, err = c.Ensure(ctx, key, constant("v2", "lemma:b"))
	require.NoError(t, err)

	got, err := deps.Get(ctx, "lemma:a")
	require.NoError(t, err)
	assert.Nil(t, got, "lemma:a was not consulted by the last computation")

	got, err = deps.Get(ctx, "lemma:b")
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestSubmit_PopulatesInBackground(t *testing.T) {
	ctx := context.Background()
	q := tasks.New(2)
	defer q.Close()
	c, _ := createTestCache(t, Options{Queue: q})

	var seenTask atomic.Value
	id, err := c.Submit(ctx, key, func(ctx context.Context) (Artifact, error) {
		seenTask.Store(tasks.CurrentTaskID(ctx))
		return Artifact{Value: []byte("bg")}, nil
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		_, st, err := c.Peek(ctx, key)
		return err == nil && st == StatusReady
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, id, seenTask.Load())
}

func TestPurgeChunk_DropsBothStates(t *testing.T) {
	ctx := context.Background()
	c, _ := createTestCache(t, Options{})

	for _, k := range model.DisplayKeys("h9") {
		_, _, err := c.Ensure(ctx, k, constant("x"))
		require.NoError(t, err)
	}
	require.NoError(t, c.PurgeChunk(ctx, "h9"))

	for _, k := range model.DisplayKeys("h9") {
		_, st, err := c.Peek(ctx, k)
		require.NoError(t, err)
		assert.Equal(t, StatusAbsent, st)
	}
}

func TestPurgeChunk_ForgetsDependencies(t *testing.T) {
	ctx := context.Background()
	c, deps := createTestCache(t, Options{})

	_, _, err := c.Ensure(ctx, key, constant("x", "lemma:Haus"))
	require.NoError(t, err)
	require.NoError(t, c.PurgeChunk(ctx, "h1"))

	got, err := deps.Get(ctx, "lemma:Haus")
	require.NoError(t, err)
	assert.Empty(t, got.Sorted())
}

func TestForce_ForgetsDependencies(t *testing.T) {
	ctx := context.Background()
	c, deps := createTestCache(t, Options{})

	_, _, err := c.Ensure(ctx, key, constant("x", "lemma:Haus"))
	require.NoError(t, err)
	require.NoError(t, c.Force(ctx, key))

	got, err := deps.Get(ctx, "lemma:Haus")
	require.NoError(t, err)
	assert.Empty(t, got.Sorted())
}

func TestEnsure_InvalidationBeforeFrontUpdateIsNotCached(t *testing.T) {
	ctx := context.Background()
	c, _ := createTestCache(t, Options{})

	_, _, err := c.Ensure(ctx, key, constant("v1"))
	require.NoError(t, err)
	c.front.Purge()

	c.afterRead = func(k model.CacheKey) {
		c.afterRead = nil
		require.NoError(t, c.Invalidate(ctx, k))
	}
	a, st, err := c.Ensure(ctx, key, constant("unused"))
	require.NoError(t, err)
	assert.Equal(t, StatusReady, st)
	assert.Equal(t, "v1", string(a.Value))

	_, cached := c.front.Get(key)
	assert.False(t, cached)

	a, st, err = c.Ensure(ctx, key, constant("v2"))
	require.NoError(t, err)
	assert.Equal(t, StatusComputed, st)
	assert.Equal(t, "v2", string(a.Value))
}

func TestEnsure_DependencyFailureReportsRelease(t *testing.T) {
	ctx := context.Background()
	db, err := badger.Open(badger.DefaultOptions("").WithInMemory(true).WithLogger(nil))
	require.NoError(t, err)
	c, err := New(db, depindex.New(db), Options{})
	require.NoError(t, err)

	_, _, err = c.Ensure(ctx, key, func(context.Context) (Artifact, error) {
		require.NoError(t, db.Close())
		return Artifact{Value: []byte("x")}, nil
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, badger.ErrDBClosed)
	assert.Contains(t, err.Error(), "reset dependencies")
	assert.Contains(t, err.Error(), "release slot")
}

func TestInvalidator_ResourceChanged(t *testing.T) {
	ctx := context.Background()
	c, deps := createTestCache(t, Options{})
	bus := events.NewBus(nil)
	rec := (&events.Recorder{}).Attach(bus)
	inv := NewInvalidator(deps, c, bus, nil)

	k1 := model.CacheKey("display:draft:h1")
	k2 := model.CacheKey("display:draft:h2")
	k3 := model.CacheKey("display:draft:h3")
	_, _, err := c.Ensure(ctx, k1, constant("1", "lemma:Haus", "bibliography:7"))
	require.NoError(t, err)
	_, _, err = c.Ensure(ctx, k2, constant("2", "bibliography:7"))
	require.NoError(t, err)
	_, _, err = c.Ensure(ctx, k3, constant("3", "lemma:Baum"))
	require.NoError(t, err)

	keys, err := inv.ResourceChanged(ctx, "bibliography:7")
	require.NoError(t, err)
	assert.Equal(t, []model.CacheKey{k1, k2}, keys)

	for _, k := range []model.CacheKey{k1, k2} {
		_, st, err := c.Peek(ctx, k)
		require.NoError(t, err)
		assert.Equal(t, StatusAbsent, st)
	}
	_, st, err := c.Peek(ctx, k3)
	require.NoError(t, err)
	assert.Equal(t, StatusReady, st)

	got, err := deps.Get(ctx, "bibliography:7")
	require.NoError(t, err)
	assert.Nil(t, got)
	got, err = deps.Get(ctx, "lemma:Haus")
	require.NoError(t, err)
	assert.Nil(t, got, "rows of invalidated keys are dropped with them")

	assert.Equal(t, []events.Type{events.ResourceChanged}, rec.Types())
}

func TestInvalidator_SubscribesToHistoryEvents(t *testing.T) {
	ctx := context.Background()
	c, deps := createTestCache(t, Options{})
	bus := events.NewBus(nil)
	inv := NewInvalidator(deps, c, bus, nil)
	inv.Subscribe(bus)

	_, _, err := c.Ensure(ctx, key, constant("v", model.LemmaDependee("Haus")))
	require.NoError(t, err)

	require.NoError(t, bus.Publish(ctx, events.Event{Type: events.EntryKeyChanged, OldKey: "Haus", Key: "Häuser"}))

	_, st, err := c.Peek(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, StatusAbsent, st)
}

func TestInvalidator_EntryCreatedDropsLinkingArtifacts(t *testing.T) {
	ctx := context.Background()
	c, deps := createTestCache(t, Options{})
	bus := events.NewBus(nil)
	NewInvalidator(deps, c, bus, nil).Subscribe(bus)

	_, _, err := c.Ensure(ctx, key, constant("unresolved", model.LemmaDependee("efgh")))
	require.NoError(t, err)

	require.NoError(t, bus.Publish(ctx, events.Event{Type: events.EntryCreated, EntryID: 2, Key: "efgh"}))

	_, st, err := c.Peek(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, StatusAbsent, st)
}
