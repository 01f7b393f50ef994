// Package platform wires every lexicon component from a Config.
//
// There is no global state: commands and tests open a Platform, use its
// exported components and Close it.
package platform

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/roach88/lexicon/internal/chunks"
	"github.com/roach88/lexicon/internal/cleaning"
	"github.com/roach88/lexicon/internal/config"
	"github.com/roach88/lexicon/internal/depindex"
	"github.com/roach88/lexicon/internal/derived"
	"github.com/roach88/lexicon/internal/events"
	"github.com/roach88/lexicon/internal/history"
	"github.com/roach88/lexicon/internal/locking"
	"github.com/roach88/lexicon/internal/metrics"
	"github.com/roach88/lexicon/internal/render"
	"github.com/roach88/lexicon/internal/search"
	"github.com/roach88/lexicon/internal/store"
	"github.com/roach88/lexicon/internal/tasks"
	"github.com/roach88/lexicon/internal/validate"
	"github.com/roach88/lexicon/internal/xmlstore"
)

// Option customizes Open.
type Option func(*settings)

type settings struct {
	logger    *slog.Logger
	now       func() time.Time
	validator validate.Validator
	registry  prometheus.Registerer
	xml       xmlstore.Store
	taskIDs   func() string
}

// WithLogger sets the logger handed to every component.
func WithLogger(l *slog.Logger) Option {
	return func(s *settings) { s.logger = l }
}

// WithClock replaces the wall clock.
func WithClock(now func() time.Time) Option {
	return func(s *settings) { s.now = now }
}

// WithValidator sets the chunk validator.
func WithValidator(v validate.Validator) Option {
	return func(s *settings) { s.validator = v }
}

// WithRegistry registers metrics on reg instead of a private registry.
func WithRegistry(reg prometheus.Registerer) Option {
	return func(s *settings) { s.registry = reg }
}

// WithXMLStore overrides the secondary XML store selected by xml_dir.
func WithXMLStore(x xmlstore.Store) Option {
	return func(s *settings) { s.xml = x }
}

// WithTaskIDs replaces the task id generator.
func WithTaskIDs(gen func() string) Option {
	return func(s *settings) { s.taskIDs = gen }
}

// Platform holds the wired components.
type Platform struct {
	Config config.Config
	Logger *slog.Logger

	DB       *store.Store
	Badger   *badger.DB
	Deps     *depindex.Index
	Cache    *derived.Cache
	Chunks   *chunks.Store
	History  *history.History
	Locks    *locking.Manager
	Display  *render.Service
	Search   *search.Index
	XML      xmlstore.Store
	Events   *events.Bus
	Queue    *tasks.Queue
	Metrics  *metrics.Collectors
	Invalid  *derived.Invalidator
	Registry prometheus.Registerer

	Collapser   *cleaning.Cleaner
	OldVersions *cleaning.Cleaner

	closers []func() error
}

// Open builds a Platform. On error everything opened so far is closed.
func Open(cfg config.Config, opts ...Option) (_ *Platform, err error) {
	s := settings{now: time.Now}
	for _, opt := range opts {
		opt(&s)
	}
	if s.logger == nil {
		s.logger = slog.New(slog.DiscardHandler)
	}
	if s.registry == nil {
		s.registry = prometheus.NewRegistry()
	}

	p := &Platform{Config: cfg, Logger: s.logger, Registry: s.registry}
	defer func() {
		if err != nil {
			p.Close()
		}
	}()

	p.DB, err = store.Open(cfg.Database)
	if err != nil {
		return nil, err
	}
	p.closers = append(p.closers, p.DB.Close)

	bopts := badger.DefaultOptions(cfg.CacheDir).WithLogger(nil)
	if cfg.CacheDir == "" {
		bopts = bopts.WithInMemory(true)
	}
	p.Badger, err = badger.Open(bopts)
	if err != nil {
		return nil, fmt.Errorf("open cache store: %w", err)
	}
	p.closers = append(p.closers, p.Badger.Close)

	p.Search, err = search.Open(cfg.IndexDir)
	if err != nil {
		return nil, err
	}
	p.closers = append(p.closers, p.Search.Close)

	p.XML = s.xml
	if p.XML == nil {
		if cfg.XMLDir != "" {
			p.XML = xmlstore.Dir{Root: cfg.XMLDir}
		} else {
			p.XML = xmlstore.NewMemory()
		}
	}

	p.Events = events.NewBus(s.logger.With("component", "events"))
	p.Metrics = metrics.New(s.registry)

	var qopts []tasks.Option
	qopts = append(qopts, tasks.WithLogger(s.logger.With("component", "tasks")))
	if s.taskIDs != nil {
		qopts = append(qopts, tasks.WithIDGenerator(s.taskIDs))
	}
	p.Queue = tasks.New(cfg.Tasks.Workers, qopts...)
	p.closers = append(p.closers, func() error { p.Queue.Close(); return nil })

	p.Deps = depindex.New(p.Badger)
	p.Cache, err = derived.New(p.Badger, p.Deps, derived.Options{
		MarkerTTL: cfg.Cache.MarkerTTL.D(),
		FrontSize: cfg.Cache.FrontSize,
		Queue:     p.Queue,
		Metrics:   p.Metrics,
		Logger:    s.logger.With("component", "derived"),
	})
	if err != nil {
		return nil, err
	}

	p.Chunks, err = chunks.New(p.DB, chunks.Options{
		Validator:     s.validator,
		SchemaVersion: cfg.SchemaVersion,
		CacheBytes:    cfg.Cache.ChunkCacheBytes,
		MaxAttempts:   cfg.GC.MaxAttempts,
		Indexers:      []chunks.Indexer{xmlstore.Mirror{Store: p.XML}, p.Search},
		Searcher:      p.Search,
		Metrics:       p.Metrics,
		Events:        p.Events,
		Logger:        s.logger.With("component", "chunks"),
		Now:           s.now,
	})
	if err != nil {
		return nil, err
	}
	p.Chunks.AddPurger(p.Cache)
	// Runs after the queue has drained.
	p.closers = append([]func() error{p.Chunks.Close}, p.closers...)

	var auth history.Authorizer
	if len(cfg.Authors) > 0 {
		auth = history.NewAllowUsers(cfg.Authors...)
	}
	p.History = history.New(p.DB, p.Chunks, history.Options{
		Authorizer: auth,
		Events:     p.Events,
		Logger:     s.logger.With("component", "history"),
		Now:        s.now,
	})

	p.Locks = locking.New(p.DB, locking.Options{
		TTL:     cfg.Locks.TTL.D(),
		Now:     s.now,
		Metrics: p.Metrics,
		Logger:  s.logger.With("component", "locking"),
	})

	renderer := &render.Renderer{Chunks: p.Chunks, Resolver: p.History}
	p.Display = render.NewService(renderer, p.History, p.Cache)

	p.Invalid = derived.NewInvalidator(p.Deps, p.Cache, p.Events, s.logger.With("component", "invalidator"))
	p.Invalid.Subscribe(p.Events)

	deps := cleaning.Deps{
		DB:      p.DB,
		Events:  p.Events,
		Metrics: p.Metrics,
		Logger:  s.logger.With("component", "cleaning"),
		Now:     s.now,
	}
	p.Collapser = cleaning.NewCollapser(deps)
	p.OldVersions = cleaning.NewOldVersionCleaner(deps, cfg.Cleaning.MinAge.D())

	s.logger.Debug("platform ready",
		"database", cfg.Database,
		"cache_dir", cfg.CacheDir,
		"index_dir", cfg.IndexDir,
		"workers", cfg.Tasks.Workers,
	)
	return p, nil
}

// Cleaner returns the cleaner registered under name.
func (p *Platform) Cleaner(name string) (*cleaning.Cleaner, bool) {
	switch name {
	case cleaning.CollapserName:
		return p.Collapser, true
	case cleaning.OldVersionsName:
		return p.OldVersions, true
	}
	return nil, false
}

// Maintenance is the periodic job: both cleaners, then chunk collection.
func (p *Platform) Maintenance() tasks.Func {
	return cleaning.Maintenance(p.Chunks, p.Collapser, p.OldVersions)
}

// StartMaintenance schedules Maintenance every cleaning.interval until ctx
// is done. It does nothing when the interval is zero.
func (p *Platform) StartMaintenance(ctx context.Context) {
	interval := p.Config.Cleaning.Interval.D()
	if interval <= 0 {
		return
	}
	go p.Queue.Every(ctx, interval, "maintenance", p.Maintenance())
}

// Close releases every component in reverse dependency order.
func (p *Platform) Close() error {
	var errs []error
	for i := len(p.closers) - 1; i >= 0; i-- {
		if err := p.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	p.closers = nil
	return errors.Join(errs...)
}
