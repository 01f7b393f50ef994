package chunks

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/lexicon/internal/events"
	"github.com/roach88/lexicon/internal/metrics"
	"github.com/roach88/lexicon/internal/model"
	"github.com/roach88/lexicon/internal/search"
	"github.com/roach88/lexicon/internal/store"
	"github.com/roach88/lexicon/internal/validate"
	"github.com/roach88/lexicon/internal/xmlstore"
)

type fixture struct {
	db      *store.Store
	chunks  *Store
	xml     *xmlstore.Memory
	index   *search.Index
	metrics *metrics.Collectors
	events  *events.Recorder
}

func createTestChunks(t *testing.T, v validate.Validator) *fixture {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	idx, err := search.Open("")
	require.NoError(t, err)
	t.Cleanup(func() { idx.Close() })

	bus := events.NewBus(nil)
	f := &fixture{
		db:      db,
		xml:     xmlstore.NewMemory(),
		index:   idx,
		metrics: metrics.New(prometheus.NewRegistry()),
		events:  (&events.Recorder{}).Attach(bus),
	}
	f.chunks, err = New(db, Options{
		Validator: v,
		Indexers:  []Indexer{xmlstore.Mirror{Store: f.xml}, idx},
		Searcher:  idx,
		Metrics:   f.metrics,
		Events:    bus,
	})
	require.NoError(t, err)
	t.Cleanup(func() { f.chunks.Close() })
	return f
}

// reference makes a change record point at id.
func reference(t *testing.T, db *store.Store, key string, id model.ChunkID) {
	t.Helper()
	ctx := context.Background()
	err := db.WithTx(ctx, func(tx *store.Tx) error {
		entryID, err := tx.InsertEntry(ctx, key)
		if err != nil {
			return err
		}
		_, err = tx.InsertRecord(ctx, model.ChangeRecord{
			EntryID:   entryID,
			Key:       key,
			Author:    "alice",
			Timestamp: time.Unix(1, 0),
			Session:   "s",
			Type:      model.ChangeCreate,
			Subtype:   model.SubtypeManual,
			Chunk:     id,
		})
		return err
	})
	require.NoError(t, err)
}

func TestPut_SameContentSameID(t *testing.T) {
	ctx := context.Background()
	f := createTestChunks(t, nil)
	content := []byte(`<entry><lemma>Haus</lemma></entry>`)

	id1, err := f.chunks.Put(ctx, content)
	require.NoError(t, err)
	id2, err := f.chunks.Put(ctx, content)
	require.NoError(t, err)

	assert.Equal(t, id1, id2)
	assert.Equal(t, model.HashContent(content), id1)
	assert.Equal(t, 1.0, promtest.ToFloat64(f.metrics.ChunkPuts.WithLabelValues("new")))
	assert.Equal(t, 1.0, promtest.ToFloat64(f.metrics.ChunkPuts.WithLabelValues("dedup")))

	got, err := f.chunks.Get(ctx, id1)
	require.NoError(t, err)
	assert.Equal(t, content, got)
}

func TestPut_MirrorsNewChunks(t *testing.T) {
	ctx := context.Background()
	f := createTestChunks(t, nil)

	id, err := f.chunks.Put(ctx, []byte(`<entry><lemma>Apfel</lemma></entry>`))
	require.NoError(t, err)

	assert.Equal(t, []string{xmlstore.ChunkPath(id)}, f.xml.Paths())

	hits, err := f.chunks.Search(ctx, "apfel", 5)
	require.NoError(t, err)
	assert.Equal(t, []model.ChunkID{id}, hits)
}

type failingIndexer struct{}

func (failingIndexer) IndexChunk(context.Context, model.ChunkID, []byte) error {
	return errors.New("xml store down")
}

func TestPut_MirrorFailureReported(t *testing.T) {
	ctx := context.Background()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	defer db.Close()

	s, err := New(db, Options{Indexers: []Indexer{failingIndexer{}}})
	require.NoError(t, err)
	defer s.Close()

	id, err := s.Put(ctx, []byte(`<a/>`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "xml store down")

	// The chunk itself is durable.
	_, err = s.Meta(ctx, id)
	assert.NoError(t, err)
}

func TestGet_NotFound(t *testing.T) {
	f := createTestChunks(t, nil)

	_, err := f.chunks.Get(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrChunkNotFound)
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestValidity(t *testing.T) {
	ctx := context.Background()
	calls := 0
	v := validate.Funcs{
		ValidateFunc: func(content []byte, _ string) (bool, error) {
			calls++
			return string(content) != "<bad/>", nil
		},
	}
	f := createTestChunks(t, v)

	good, err := f.chunks.Put(ctx, []byte("<good/>"))
	require.NoError(t, err)
	bad, err := f.chunks.Put(ctx, []byte("<bad/>"))
	require.NoError(t, err)
	malformed, err := f.chunks.Put(ctx, []byte("<unclosed>"))
	require.NoError(t, err)

	got, err := f.chunks.Validity(ctx, good)
	require.NoError(t, err)
	assert.Equal(t, model.ValidityValid, got)

	got, err = f.chunks.Validity(ctx, bad)
	require.NoError(t, err)
	assert.Equal(t, model.ValidityInvalid, got)

	got, err = f.chunks.Validity(ctx, malformed)
	require.NoError(t, err)
	assert.Equal(t, model.ValidityInvalid, got)

	meta, err := f.chunks.Meta(ctx, malformed)
	require.NoError(t, err)
	assert.False(t, meta.IsNormal)

	// Memoized: the validator is not consulted again.
	_, err = f.chunks.Validity(ctx, good)
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestValidity_ErrorNotMemoized(t *testing.T) {
	ctx := context.Background()
	fail := true
	v := validate.Funcs{
		SchematronFunc: func([]byte, string) (bool, error) {
			if fail {
				return false, errors.New("schematron unavailable")
			}
			return true, nil
		},
	}
	f := createTestChunks(t, v)
	id, err := f.chunks.Put(ctx, []byte("<a/>"))
	require.NoError(t, err)

	_, err = f.chunks.Validity(ctx, id)
	require.Error(t, err)

	fail = false
	got, err := f.chunks.Validity(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.ValidityValid, got)
}

type purgeRecorder struct{ ids []model.ChunkID }

func (p *purgeRecorder) PurgeChunk(_ context.Context, id model.ChunkID) error {
	p.ids = append(p.ids, id)
	return nil
}

func TestCollect_KeepsReferencedChunks(t *testing.T) {
	ctx := context.Background()
	f := createTestChunks(t, nil)
	purged := &purgeRecorder{}
	f.chunks.AddPurger(purged)

	kept, err := f.chunks.Put(ctx, []byte("<kept/>"))
	require.NoError(t, err)
	orphan, err := f.chunks.Put(ctx, []byte("<orphan/>"))
	require.NoError(t, err)
	reference(t, f.db, "a", kept)

	removed, err := f.chunks.Collect(ctx)
	require.NoError(t, err)
	assert.Equal(t, []model.ChunkID{orphan}, removed)
	assert.Equal(t, []model.ChunkID{orphan}, purged.ids)

	_, err = f.chunks.Meta(ctx, orphan)
	assert.ErrorIs(t, err, ErrChunkNotFound)
	_, err = f.chunks.Meta(ctx, kept)
	assert.NoError(t, err)

	assert.Equal(t, []string{xmlstore.ChunkPath(kept)}, f.xml.Paths())
	assert.Equal(t, []events.Type{events.ChunkCollected}, f.events.Types())

	removed, err = f.chunks.Collect(ctx)
	require.NoError(t, err)
	assert.Empty(t, removed)
}

func TestCollect_RetriesWhenReferenceAppearsMidScan(t *testing.T) {
	ctx := context.Background()
	f := createTestChunks(t, nil)

	raced, err := f.chunks.Put(ctx, []byte("<raced/>"))
	require.NoError(t, err)
	orphan, err := f.chunks.Put(ctx, []byte("<orphan/>"))
	require.NoError(t, err)

	var attempts []int
	f.chunks.beforeDelete = func(attempt int) {
		attempts = append(attempts, attempt)
		if attempt == 1 {
			reference(t, f.db, "late", raced)
		}
	}

	removed, err := f.chunks.Collect(ctx)
	require.NoError(t, err)
	assert.Equal(t, []model.ChunkID{orphan}, removed)
	assert.Equal(t, []int{1, 2}, attempts)
	assert.Equal(t, 1.0, promtest.ToFloat64(f.metrics.GCConflicts))

	_, err = f.chunks.Meta(ctx, raced)
	assert.NoError(t, err, "a chunk referenced mid-scan must survive")
}

func TestCollect_GivesUpAfterMaxAttempts(t *testing.T) {
	ctx := context.Background()
	f := createTestChunks(t, nil)
	f.chunks.maxAttempts = 2

	n := 0
	f.chunks.beforeDelete = func(int) {
		n++
		id, err := f.chunks.Put(ctx, []byte("<c"+string(rune('a'+n))+"/>"))
		require.NoError(t, err)
		reference(t, f.db, "k"+string(rune('a'+n)), id)
	}
	// Seed candidates that each attempt references right before deleting.
	seed := func(body string) model.ChunkID {
		id, err := f.chunks.Put(ctx, []byte(body))
		require.NoError(t, err)
		return id
	}
	seed("<cb/>")
	seed("<cc/>")

	_, err := f.chunks.Collect(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, model.ErrTransientConflict)
	assert.Equal(t, 2, n)
}

func TestReindex(t *testing.T) {
	ctx := context.Background()
	f := createTestChunks(t, nil)

	_, err := f.chunks.Put(ctx, []byte(`<entry><lemma>Wald</lemma></entry>`))
	require.NoError(t, err)
	_, err = f.chunks.Put(ctx, []byte(`<entry><lemma>Feld</lemma></entry>`))
	require.NoError(t, err)

	for _, p := range f.xml.Paths() {
		require.NoError(t, f.xml.Remove(ctx, p))
	}

	n, err := f.chunks.Reindex(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Len(t, f.xml.Paths(), 2)
}
