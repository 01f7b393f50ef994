package store

import (
	"context"
	"fmt"
	"time"

	"github.com/roach88/lexicon/internal/model"
)

// Lock returns the lock row of an entry. Returns model.ErrNotFound if the
// entry is unlocked.
func (t *Tx) Lock(ctx context.Context, entryID int64) (model.Lock, error) {
	var (
		l  model.Lock
		at int64
	)
	err := t.q.QueryRowContext(ctx, `
		SELECT entry_id, holder, acquired_at FROM locks WHERE entry_id = ?
	`, entryID).Scan(&l.EntryID, &l.Holder, &at)
	if err != nil {
		return model.Lock{}, notFound(err, fmt.Sprintf("read lock of entry %d", entryID))
	}
	l.AcquiredAt = fromNanos(at)
	return l, nil
}

// InsertLock creates the lock row. Returns model.ErrNotFound when the entry
// does not exist.
func (t *Tx) InsertLock(ctx context.Context, l model.Lock) error {
	_, err := t.q.ExecContext(ctx, `
		INSERT INTO locks (entry_id, holder, acquired_at) VALUES (?, ?, ?)
	`, l.EntryID, l.Holder, toNanos(l.AcquiredAt))
	if err != nil {
		if IsForeignKeyViolation(err) {
			return fmt.Errorf("insert lock for entry %d: %w", l.EntryID, model.ErrNotFound)
		}
		return fmt.Errorf("insert lock for entry %d: %w", l.EntryID, err)
	}
	return nil
}

// RefreshLock bumps the acquisition time of an existing lock.
func (t *Tx) RefreshLock(ctx context.Context, entryID int64, at time.Time) error {
	_, err := t.q.ExecContext(ctx, `UPDATE locks SET acquired_at = ? WHERE entry_id = ?`, toNanos(at), entryID)
	if err != nil {
		return fmt.Errorf("refresh lock of entry %d: %w", entryID, err)
	}
	return nil
}

// DeleteLock removes the lock of an entry.
func (t *Tx) DeleteLock(ctx context.Context, entryID int64) (bool, error) {
	result, err := t.q.ExecContext(ctx, `DELETE FROM locks WHERE entry_id = ?`, entryID)
	if err != nil {
		return false, fmt.Errorf("delete lock of entry %d: %w", entryID, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete lock: rows affected: %w", err)
	}
	return n > 0, nil
}

// DeleteLocksAcquiredBefore removes every lock older than cutoff and
// returns how many were removed.
func (t *Tx) DeleteLocksAcquiredBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := t.q.ExecContext(ctx, `DELETE FROM locks WHERE acquired_at < ?`, toNanos(cutoff))
	if err != nil {
		return 0, fmt.Errorf("delete expired locks: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete expired locks: rows affected: %w", err)
	}
	return n, nil
}

// Locks returns every lock ordered by entry.
func (t *Tx) Locks(ctx context.Context) ([]model.Lock, error) {
	rows, err := t.q.QueryContext(ctx, `SELECT entry_id, holder, acquired_at FROM locks ORDER BY entry_id ASC`)
	if err != nil {
		return nil, fmt.Errorf("query locks: %w", err)
	}
	defer rows.Close()

	locks := []model.Lock{}
	for rows.Next() {
		var (
			l  model.Lock
			at int64
		)
		if err := rows.Scan(&l.EntryID, &l.Holder, &at); err != nil {
			return nil, fmt.Errorf("scan lock: %w", err)
		}
		l.AcquiredAt = fromNanos(at)
		locks = append(locks, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate locks: %w", err)
	}
	return locks, nil
}
