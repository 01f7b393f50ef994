// Package locking implements time-boxed editing locks on entries.
//
// A lock is a claim, not a mutex: nothing stops a writer without a lock.
// Editors acquire it before opening an entry and refresh it while editing.
// Once a lock is older than the TTL any other editor may take it over.
package locking

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/roach88/lexicon/internal/metrics"
	"github.com/roach88/lexicon/internal/model"
	"github.com/roach88/lexicon/internal/store"
)

// DefaultTTL is how long a lock stays exclusive without a refresh.
const DefaultTTL = 15 * time.Minute

// Options configures a Manager. Zero values select defaults.
type Options struct {
	TTL     time.Duration
	Now     func() time.Time
	Metrics *metrics.Collectors
	Logger  *slog.Logger
}

// Manager grants and releases entry locks.
type Manager struct {
	db      *store.Store
	ttl     time.Duration
	now     func() time.Time
	metrics *metrics.Collectors
	logger  *slog.Logger
}

// New creates a lock manager.
func New(db *store.Store, opts Options) *Manager {
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	return &Manager{
		db:      db,
		ttl:     opts.TTL,
		now:     opts.Now,
		metrics: opts.Metrics,
		logger:  opts.Logger,
	}
}

// TTL returns the configured lock lifetime.
func (m *Manager) TTL() time.Duration {
	return m.ttl
}

// TryAcquire locks entryID for who. It returns the lock on success and
// (nil, nil) when another holder's lock is still live. Re-acquiring an own
// lock refreshes it; an expired foreign lock is taken over.
func (m *Manager) TryAcquire(ctx context.Context, entryID int64, who string) (*model.Lock, error) {
	if who == "" {
		return nil, errors.New("try acquire: empty holder")
	}

	var (
		lock    *model.Lock
		outcome string
		prior   model.Lock
	)
	err := m.db.WithTx(ctx, func(tx *store.Tx) error {
		now := m.now()
		existing, err := tx.Lock(ctx, entryID)
		switch {
		case errors.Is(err, model.ErrNotFound):
			l := model.Lock{EntryID: entryID, Holder: who, AcquiredAt: now}
			if err := tx.InsertLock(ctx, l); err != nil {
				return err
			}
			lock, outcome = &l, "acquired"
			return nil
		case err != nil:
			return err
		}

		if existing.Holder == who {
			if err := tx.RefreshLock(ctx, entryID, now); err != nil {
				return err
			}
			existing.AcquiredAt = now
			lock, outcome = &existing, "refreshed"
			return nil
		}

		if !existing.Expirable(now, m.ttl) {
			outcome = "contended"
			return nil
		}

		if _, err := tx.DeleteLock(ctx, entryID); err != nil {
			return err
		}
		l := model.Lock{EntryID: entryID, Holder: who, AcquiredAt: now}
		if err := tx.InsertLock(ctx, l); err != nil {
			return err
		}
		prior = existing
		lock, outcome = &l, "stolen"
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("try acquire lock on entry %d: %w", entryID, err)
	}

	m.metrics.LockOutcome(outcome)
	switch outcome {
	case "stolen":
		m.logger.Warn("expired lock taken over",
			"entry", entryID,
			"holder", who,
			"previous_holder", prior.Holder,
			"previous_acquired_at", prior.AcquiredAt,
		)
	case "contended":
		m.logger.Debug("lock contended", "entry", entryID, "who", who)
	default:
		m.logger.Debug("lock "+outcome, "entry", entryID, "holder", who)
	}
	return lock, nil
}

// Release drops who's lock on entryID. Releasing a lock that does not exist
// or belongs to someone else is a protocol violation.
func (m *Manager) Release(ctx context.Context, entryID int64, who string) error {
	err := m.db.WithTx(ctx, func(tx *store.Tx) error {
		existing, err := tx.Lock(ctx, entryID)
		if errors.Is(err, model.ErrNotFound) {
			return &model.ProtocolError{Op: "release", EntryID: entryID, Who: who, Err: model.ErrLockNotHeld}
		}
		if err != nil {
			return err
		}
		if existing.Holder != who {
			return &model.ProtocolError{
				Op:      "release",
				EntryID: entryID,
				Who:     who,
				Err:     fmt.Errorf("held by %s: %w", existing.Holder, model.ErrLockNotHeld),
			}
		}
		_, err = tx.DeleteLock(ctx, entryID)
		return err
	})
	if err != nil {
		var pe *model.ProtocolError
		if errors.As(err, &pe) {
			m.logger.Error("lock protocol violation", "entry", entryID, "who", who, "error", err)
			return err
		}
		return fmt.Errorf("release lock on entry %d: %w", entryID, err)
	}
	m.logger.Debug("lock released", "entry", entryID, "holder", who)
	return nil
}

// Holder returns the current lock of an entry, or nil if unlocked. An
// expired lock is still returned; check Expirable.
func (m *Manager) Holder(ctx context.Context, entryID int64) (*model.Lock, error) {
	l, err := m.db.Read().Lock(ctx, entryID)
	if errors.Is(err, model.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &l, nil
}

// Sweep deletes every expired lock and returns how many were removed.
func (m *Manager) Sweep(ctx context.Context) (int64, error) {
	n, err := m.db.Read().DeleteLocksAcquiredBefore(ctx, m.now().Add(-m.ttl))
	if err != nil {
		return 0, err
	}
	if n > 0 {
		m.logger.Info("expired locks swept", "count", n)
	}
	return n, nil
}

// Locks lists every lock.
func (m *Manager) Locks(ctx context.Context) ([]model.Lock, error) {
	return m.db.Read().Locks(ctx)
}
