package chunks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dgraph-io/ristretto"
	"github.com/klauspost/compress/zstd"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/lexicon/internal/events"
	"github.com/roach88/lexicon/internal/metrics"
	"github.com/roach88/lexicon/internal/model"
	"github.com/roach88/lexicon/internal/store"
	"github.com/roach88/lexicon/internal/validate"
)

// ErrChunkNotFound is returned by Get for an unknown chunk id.
var ErrChunkNotFound = fmt.Errorf("chunk %w", model.ErrNotFound)

// DefaultSchemaVersion is stamped on chunks when no version is configured.
const DefaultSchemaVersion = "1"

const (
	defaultCacheBytes  = 64 << 20
	defaultMaxAttempts = 5
	reindexParallelism = 4
)

// Indexer receives the content of every newly stored chunk.
type Indexer interface {
	IndexChunk(ctx context.Context, id model.ChunkID, content []byte) error
}

// Purger removes secondary artifacts of a collected chunk.
type Purger interface {
	PurgeChunk(ctx context.Context, id model.ChunkID) error
}

// Searcher answers full-text queries over chunk content.
type Searcher interface {
	Search(ctx context.Context, q string, limit int) ([]model.ChunkID, error)
}

// Options configures a Store. Zero values select defaults.
type Options struct {
	Validator     validate.Validator
	SchemaVersion string
	CacheBytes    int64
	MaxAttempts   int

	// Indexers are fed new chunks; those that also implement Purger are
	// purged on collection.
	Indexers []Indexer
	Searcher Searcher

	Metrics *metrics.Collectors
	Events  *events.Bus
	Logger  *slog.Logger
	Now     func() time.Time
}

// Store implements put, get, validity and garbage collection of chunks.
type Store struct {
	db            *store.Store
	validator     validate.Validator
	schemaVersion string
	maxAttempts   int
	indexers      []Indexer
	searcher      Searcher

	mu      sync.RWMutex
	purgers []Purger

	cache *ristretto.Cache
	enc   *zstd.Encoder
	dec   *zstd.Decoder

	metrics *metrics.Collectors
	events  *events.Bus
	logger  *slog.Logger
	now     func() time.Time

	// beforeDelete runs between the unreferenced scan and the deleting
	// transaction. Tests use it to inject a concurrent reference.
	beforeDelete func(attempt int)
}

// New creates a chunk store over db.
func New(db *store.Store, opts Options) (*Store, error) {
	if opts.Validator == nil {
		opts.Validator = validate.AcceptAll
	}
	if opts.SchemaVersion == "" {
		opts.SchemaVersion = DefaultSchemaVersion
	}
	if opts.CacheBytes <= 0 {
		opts.CacheBytes = defaultCacheBytes
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = defaultMaxAttempts
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	counters := 10 * (opts.CacheBytes / 1024)
	if counters < 1000 {
		counters = 1000
	}
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: counters,
		MaxCost:     opts.CacheBytes,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("create chunk cache: %w", err)
	}
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		cache.Close()
		return nil, fmt.Errorf("create zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		cache.Close()
		enc.Close()
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}

	s := &Store{
		db:            db,
		validator:     opts.Validator,
		schemaVersion: opts.SchemaVersion,
		maxAttempts:   opts.MaxAttempts,
		indexers:      opts.Indexers,
		searcher:      opts.Searcher,
		cache:         cache,
		enc:           enc,
		dec:           dec,
		metrics:       opts.Metrics,
		events:        opts.Events,
		logger:        opts.Logger,
		now:           opts.Now,
	}
	for _, ix := range opts.Indexers {
		if p, ok := ix.(Purger); ok {
			s.purgers = append(s.purgers, p)
		}
	}
	return s, nil
}

// AddPurger installs an extra purge hook, e.g. the derived cache.
func (s *Store) AddPurger(p Purger) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.purgers = append(s.purgers, p)
}

// Close releases the read cache and codecs.
func (s *Store) Close() error {
	s.cache.Close()
	s.enc.Close()
	s.dec.Close()
	return nil
}

// Put stores content and returns its id. Storing existing content changes
// nothing and returns the same id.
func (s *Store) Put(ctx context.Context, content []byte) (model.ChunkID, error) {
	var (
		id      model.ChunkID
		created bool
	)
	err := s.db.WithTx(ctx, func(tx *store.Tx) error {
		var err error
		id, created, err = s.PutTx(ctx, tx, content)
		return err
	})
	if err != nil {
		return "", err
	}
	if created {
		if err := s.Mirror(ctx, id, content); err != nil {
			return id, err
		}
	}
	return id, nil
}

// PutTx stores content inside an existing transaction. The caller must call
// Mirror after commit when created is true.
func (s *Store) PutTx(ctx context.Context, tx *store.Tx, content []byte) (id model.ChunkID, created bool, err error) {
	id = model.HashContent(content)
	c := model.Chunk{
		ID:            id,
		Size:          int64(len(content)),
		IsNormal:      validate.WellFormed(content),
		SchemaVersion: s.schemaVersion,
	}
	if !c.IsNormal {
		c.Validity = model.ValidityInvalid
	}

	created, err = tx.InsertChunk(ctx, c, s.enc.EncodeAll(content, nil), s.now())
	if err != nil {
		return "", false, fmt.Errorf("put chunk: %w", err)
	}
	s.metrics.ChunkPut(created)
	if created {
		s.logger.Debug("chunk stored", "chunk", string(id), "size", c.Size, "normal", c.IsNormal)
	}
	return id, created, nil
}

// Mirror pushes a chunk to every indexer. Failures are joined and returned.
func (s *Store) Mirror(ctx context.Context, id model.ChunkID, content []byte) error {
	var errs []error
	for _, ix := range s.indexers {
		if err := ix.IndexChunk(ctx, id, content); err != nil {
			s.logger.Warn("secondary index failed", "chunk", string(id), "error", err)
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("mirror chunk %s: %w", id, errors.Join(errs...))
	}
	return nil
}

// Get returns the raw content of a chunk.
func (s *Store) Get(ctx context.Context, id model.ChunkID) ([]byte, error) {
	if v, ok := s.cache.Get(string(id)); ok {
		if body, ok := v.([]byte); ok {
			return body, nil
		}
	}

	compressed, err := s.db.Read().ChunkBody(ctx, id)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			return nil, fmt.Errorf("get %s: %w", id, ErrChunkNotFound)
		}
		return nil, fmt.Errorf("get %s: %w", id, err)
	}
	body, err := s.dec.DecodeAll(compressed, nil)
	if err != nil {
		return nil, fmt.Errorf("decompress chunk %s: %w", id, err)
	}

	s.cache.Set(string(id), body, int64(len(body)))
	return body, nil
}

// Meta returns the stored metadata of a chunk.
func (s *Store) Meta(ctx context.Context, id model.ChunkID) (model.Chunk, error) {
	c, err := s.db.Read().Chunk(ctx, id)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			return model.Chunk{}, fmt.Errorf("meta %s: %w", id, ErrChunkNotFound)
		}
		return model.Chunk{}, err
	}
	return c, nil
}

// Validity returns the memoized validity of a chunk, computing it on first
// access. A chunk that is not well-formed is invalid without consulting the
// validator. Validator errors are returned and nothing is memoized.
func (s *Store) Validity(ctx context.Context, id model.ChunkID) (model.Validity, error) {
	c, err := s.Meta(ctx, id)
	if err != nil {
		return model.ValidityUnknown, err
	}
	if c.Validity != model.ValidityUnknown {
		return c.Validity, nil
	}

	v := model.ValidityInvalid
	if c.IsNormal {
		content, err := s.Get(ctx, id)
		if err != nil {
			return model.ValidityUnknown, err
		}
		v, err = s.check(content, c.SchemaVersion)
		if err != nil {
			return model.ValidityUnknown, fmt.Errorf("validate chunk %s: %w", id, err)
		}
	}

	if err := s.db.Read().SetChunkValidity(ctx, id, v); err != nil {
		return model.ValidityUnknown, err
	}
	s.logger.Debug("chunk validated", "chunk", string(id), "validity", v.String())
	return v, nil
}

func (s *Store) check(content []byte, schemaVersion string) (model.Validity, error) {
	ok, err := s.validator.Validate(content, schemaVersion)
	if err != nil {
		return model.ValidityUnknown, err
	}
	if !ok {
		return model.ValidityInvalid, nil
	}
	ok, err = s.validator.SchematronCheck(content, schemaVersion)
	if err != nil {
		return model.ValidityUnknown, err
	}
	return model.ValidityOf(ok), nil
}

// Search runs a full-text query over chunk content.
func (s *Store) Search(ctx context.Context, q string, limit int) ([]model.ChunkID, error) {
	if s.searcher == nil {
		return nil, errors.New("search index not configured")
	}
	return s.searcher.Search(ctx, q, limit)
}

// Reindex pushes every stored chunk to the indexers again.
func (s *Store) Reindex(ctx context.Context) (int, error) {
	ids, err := s.db.Read().ChunkIDs(ctx)
	if err != nil {
		return 0, err
	}

	var (
		mu   sync.Mutex
		errs []error
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(reindexParallelism)
	for _, id := range ids {
		g.Go(func() error {
			content, err := s.Get(gctx, id)
			if err == nil {
				err = s.Mirror(gctx, id, content)
			}
			if err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	s.logger.Info("reindex finished", "chunks", len(ids), "failures", len(errs))
	return len(ids), errors.Join(errs...)
}
