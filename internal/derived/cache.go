package derived

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"

	"github.com/roach88/lexicon/internal/depindex"
	"github.com/roach88/lexicon/internal/metrics"
	"github.com/roach88/lexicon/internal/model"
	"github.com/roach88/lexicon/internal/tasks"
)

// Status describes the outcome of a cache lookup.
type Status int

const (
	// StatusAbsent means the slot is empty and nothing was computed.
	StatusAbsent Status = iota
	// StatusReady means a stored artifact was returned.
	StatusReady
	// StatusComputed means the caller computed the artifact.
	StatusComputed
	// StatusPending means another task is computing the slot.
	StatusPending
)

func (s Status) String() string {
	switch s {
	case StatusReady:
		return "ready"
	case StatusComputed:
		return "computed"
	case StatusPending:
		return "pending"
	default:
		return "absent"
	}
}

// Artifact is a computed value plus the dependees consulted to build it.
type Artifact struct {
	Value     []byte
	Dependees []string
}

// ComputeFunc builds the artifact of one slot.
type ComputeFunc func(ctx context.Context) (Artifact, error)

const (
	DefaultMarkerTTL = 10 * time.Minute
	defaultFrontSize = 1024
	maxClaimAttempts = 16
)

// Slot value tags.
const (
	tagArtifact byte = 'A'
	tagMarker   byte = 'M'
)

// Options configures a Cache. Zero values select defaults.
type Options struct {
	MarkerTTL time.Duration
	FrontSize int
	Queue     *tasks.Queue
	Metrics   *metrics.Collectors
	Logger    *slog.Logger
}

// Cache is the derived artifact cache.
type Cache struct {
	db        *badger.DB
	deps      *depindex.Index
	markerTTL time.Duration
	flight    singleflight.Group
	queue     *tasks.Queue
	metrics   *metrics.Collectors
	logger    *slog.Logger

	// frontMu orders front additions against invalidations. gen counts
	// invalidations; an artifact read from badger is only added to the
	// front if no invalidation happened since the read began.
	frontMu sync.Mutex
	gen     uint64
	front   *lru.Cache[model.CacheKey, Artifact]

	// afterRead runs between the badger read and the front update. Tests
	// use it to land an invalidation in that window.
	afterRead func(key model.CacheKey)
}

// New creates a cache over db, recording dependencies in deps.
func New(db *badger.DB, deps *depindex.Index, opts Options) (*Cache, error) {
	if opts.MarkerTTL <= 0 {
		opts.MarkerTTL = DefaultMarkerTTL
	}
	if opts.FrontSize <= 0 {
		opts.FrontSize = defaultFrontSize
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	front, err := lru.New[model.CacheKey, Artifact](opts.FrontSize)
	if err != nil {
		return nil, fmt.Errorf("create front cache: %w", err)
	}
	return &Cache{
		db:        db,
		deps:      deps,
		markerTTL: opts.MarkerTTL,
		front:     front,
		queue:     opts.Queue,
		metrics:   opts.Metrics,
		logger:    opts.Logger,
	}, nil
}

func slotKey(key model.CacheKey) []byte {
	return []byte("slot/" + string(key))
}

type slot struct {
	artifact *Artifact
	owner    string // task id of a marker
}

func decodeSlot(val []byte) (slot, error) {
	if len(val) == 0 {
		return slot{}, errors.New("empty slot value")
	}
	switch val[0] {
	case tagArtifact:
		return slot{artifact: &Artifact{Value: append([]byte(nil), val[1:]...)}}, nil
	case tagMarker:
		return slot{owner: string(val[1:])}, nil
	}
	return slot{}, fmt.Errorf("unknown slot tag %q", val[0])
}

func encodeMarker(taskID string) []byte {
	return append([]byte{tagMarker}, taskID...)
}

func encodeArtifact(a Artifact) []byte {
	return append([]byte{tagArtifact}, a.Value...)
}

type result struct {
	artifact Artifact
	status   Status
}

// Ensure returns the artifact of key, computing it with compute if the slot
// is empty. If another task holds the slot it returns StatusPending without
// computing. Concurrent in-process callers for the same key share one call.
func (c *Cache) Ensure(ctx context.Context, key model.CacheKey, compute ComputeFunc) (Artifact, Status, error) {
	if a, ok := c.front.Get(key); ok {
		c.metrics.EnsureOutcome("hit")
		return a, StatusReady, nil
	}

	v, err, _ := c.flight.Do(string(key), func() (any, error) {
		a, st, err := c.ensure(ctx, key, compute)
		return result{artifact: a, status: st}, err
	})
	if err != nil {
		return Artifact{}, StatusAbsent, err
	}
	r := v.(result)
	return r.artifact, r.status, nil
}

func (c *Cache) ensure(ctx context.Context, key model.CacheKey, compute ComputeFunc) (Artifact, Status, error) {
	taskID := tasks.CurrentTaskID(ctx)
	if taskID == "" {
		taskID = tasks.NewTaskID()
	}

	gen := c.generation()
	s, claimed, err := c.claim(key, taskID)
	if err != nil {
		return Artifact{}, StatusAbsent, err
	}
	switch {
	case s.artifact != nil:
		c.addFront(key, *s.artifact, gen)
		c.metrics.EnsureOutcome("hit")
		return *s.artifact, StatusReady, nil
	case !claimed:
		c.metrics.EnsureOutcome("pending")
		c.logger.Debug("slot pending", "key", string(key), "owner", s.owner)
		return Artifact{}, StatusPending, nil
	}

	return c.populate(tasks.WithTaskID(ctx, taskID), key, taskID, gen, compute)
}

func (c *Cache) generation() uint64 {
	c.frontMu.Lock()
	defer c.frontMu.Unlock()
	return c.gen
}

// addFront caches a in the front unless an invalidation ran after gen was
// read.
func (c *Cache) addFront(key model.CacheKey, a Artifact, gen uint64) {
	if c.afterRead != nil {
		c.afterRead(key)
	}
	c.frontMu.Lock()
	defer c.frontMu.Unlock()
	if c.gen == gen {
		c.front.Add(key, a)
	}
}

// claim reads the slot and writes our marker if it is empty. claimed is
// true when the slot now holds our marker.
func (c *Cache) claim(key model.CacheKey, taskID string) (s slot, claimed bool, err error) {
	k := slotKey(key)
	for attempt := 0; attempt < maxClaimAttempts; attempt++ {
		s, claimed = slot{}, false
		err = c.db.Update(func(txn *badger.Txn) error {
			item, err := txn.Get(k)
			if errors.Is(err, badger.ErrKeyNotFound) {
				claimed = true
				return txn.SetEntry(badger.NewEntry(k, encodeMarker(taskID)).WithTTL(c.markerTTL))
			}
			if err != nil {
				return err
			}
			val, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			s, err = decodeSlot(val)
			if err != nil {
				return err
			}
			claimed = s.artifact == nil && s.owner == taskID
			return nil
		})
		if errors.Is(err, badger.ErrConflict) {
			continue
		}
		if err != nil {
			return slot{}, false, fmt.Errorf("claim slot %s: %w", key, err)
		}
		return s, claimed, nil
	}
	return slot{}, false, fmt.Errorf("claim slot %s: %w", key, model.ErrTransientConflict)
}

// populate runs compute as the slot owner.
func (c *Cache) populate(ctx context.Context, key model.CacheKey, taskID string, gen uint64, compute ComputeFunc) (Artifact, Status, error) {
	start := time.Now()
	var a Artifact
	err := tasks.Run(ctx, "derive "+string(key), func(ctx context.Context) error {
		var err error
		a, err = compute(ctx)
		return err
	})
	c.metrics.ObserveCompute(time.Since(start))
	if err != nil {
		c.metrics.EnsureOutcome("failed")
		c.logger.Warn("derived computation failed", "key", string(key), "task", taskID, "error", err)
		if rerr := c.releaseMarker(key, taskID); rerr != nil {
			return Artifact{}, StatusAbsent, errors.Join(err, rerr)
		}
		return Artifact{}, StatusAbsent, err
	}

	if err := c.deps.Forget(ctx, key); err != nil {
		err = fmt.Errorf("reset dependencies of %s: %w", key, err)
		return Artifact{}, StatusAbsent, errors.Join(err, c.releaseMarker(key, taskID))
	}
	if err := c.deps.RecordAll(ctx, key, a.Dependees); err != nil {
		err = fmt.Errorf("record dependencies of %s: %w", key, err)
		return Artifact{}, StatusAbsent, errors.Join(err, c.releaseMarker(key, taskID))
	}

	stored, err := c.store(key, taskID, a)
	if err != nil {
		return Artifact{}, StatusAbsent, err
	}
	if stored {
		c.addFront(key, a, gen)
	} else {
		c.logger.Debug("slot invalidated during computation, result not cached", "key", string(key))
	}
	c.metrics.EnsureOutcome("computed")
	return a, StatusComputed, nil
}

// store replaces our marker with the artifact. It reports false when the
// slot no longer holds our marker, e.g. after an invalidation.
func (c *Cache) store(key model.CacheKey, taskID string, a Artifact) (bool, error) {
	k := slotKey(key)
	for attempt := 0; attempt < maxClaimAttempts; attempt++ {
		stored := false
		err := c.db.Update(func(txn *badger.Txn) error {
			ours, err := holdsMarker(txn, k, taskID)
			if err != nil || !ours {
				return err
			}
			stored = true
			return txn.Set(k, encodeArtifact(a))
		})
		if errors.Is(err, badger.ErrConflict) {
			continue
		}
		if err != nil {
			return false, fmt.Errorf("store slot %s: %w", key, err)
		}
		return stored, nil
	}
	return false, fmt.Errorf("store slot %s: %w", key, model.ErrTransientConflict)
}

// releaseMarker deletes the slot if it still holds our marker.
func (c *Cache) releaseMarker(key model.CacheKey, taskID string) error {
	k := slotKey(key)
	for attempt := 0; attempt < maxClaimAttempts; attempt++ {
		err := c.db.Update(func(txn *badger.Txn) error {
			ours, err := holdsMarker(txn, k, taskID)
			if err != nil || !ours {
				return err
			}
			return txn.Delete(k)
		})
		if errors.Is(err, badger.ErrConflict) {
			continue
		}
		if err != nil {
			return fmt.Errorf("release slot %s: %w", key, err)
		}
		return nil
	}
	return fmt.Errorf("release slot %s: %w", key, model.ErrTransientConflict)
}

func holdsMarker(txn *badger.Txn, k []byte, taskID string) (bool, error) {
	item, err := txn.Get(k)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	val, err := item.ValueCopy(nil)
	if err != nil {
		return false, err
	}
	s, err := decodeSlot(val)
	if err != nil {
		return false, err
	}
	return s.artifact == nil && s.owner == taskID, nil
}

// Peek reports the slot state without computing.
func (c *Cache) Peek(_ context.Context, key model.CacheKey) (Artifact, Status, error) {
	if a, ok := c.front.Get(key); ok {
		return a, StatusReady, nil
	}
	var s slot
	found := false
	err := c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(slotKey(key))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		val, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		found = true
		s, err = decodeSlot(val)
		return err
	})
	if err != nil {
		return Artifact{}, StatusAbsent, fmt.Errorf("peek slot %s: %w", key, err)
	}
	switch {
	case !found:
		return Artifact{}, StatusAbsent, nil
	case s.artifact != nil:
		return *s.artifact, StatusReady, nil
	default:
		return Artifact{}, StatusPending, nil
	}
}

// Submit schedules the population of key on the task queue and returns the
// task id.
func (c *Cache) Submit(_ context.Context, key model.CacheKey, compute ComputeFunc) (string, error) {
	if c.queue == nil {
		return "", errors.New("derived cache has no task queue")
	}
	t, err := c.queue.Submit("derive "+string(key), func(ctx context.Context) error {
		_, _, err := c.Ensure(ctx, key, compute)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("submit %s: %w", key, err)
	}
	return t.ID, nil
}

// Invalidate deletes the slots of keys, artifacts and markers alike.
func (c *Cache) Invalidate(_ context.Context, keys ...model.CacheKey) error {
	if len(keys) == 0 {
		return nil
	}
	wb := c.db.NewWriteBatch()
	defer wb.Cancel()
	for _, k := range keys {
		if err := wb.Delete(slotKey(k)); err != nil {
			return fmt.Errorf("invalidate %s: %w", k, err)
		}
	}
	if err := wb.Flush(); err != nil {
		return fmt.Errorf("invalidate: %w", err)
	}
	c.frontMu.Lock()
	c.gen++
	for _, k := range keys {
		c.front.Remove(k)
	}
	c.frontMu.Unlock()
	c.logger.Debug("slots invalidated", "count", len(keys))
	return nil
}

// Force clears a slot, including another task's marker, so the next Ensure
// recomputes it.
func (c *Cache) Force(ctx context.Context, key model.CacheKey) error {
	c.logger.Info("forcing recompute", "key", string(key))
	return c.drop(ctx, key)
}

// PurgeChunk drops both publication states of a collected chunk.
func (c *Cache) PurgeChunk(ctx context.Context, id model.ChunkID) error {
	return c.drop(ctx, model.DisplayKeys(id)...)
}

// drop removes the dependency rows of keys, then their slots.
func (c *Cache) drop(ctx context.Context, keys ...model.CacheKey) error {
	for _, k := range keys {
		if err := c.deps.Forget(ctx, k); err != nil {
			return fmt.Errorf("forget dependencies of %s: %w", k, err)
		}
	}
	return c.Invalidate(ctx, keys...)
}
