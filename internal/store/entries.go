package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/roach88/lexicon/internal/model"
)

const entryColumns = `id, key, latest_id, latest_published_id, deleted`

// InsertEntry creates a live entry with no records yet.
// Returns model.ErrKeyTaken if another live entry uses key.
func (t *Tx) InsertEntry(ctx context.Context, key string) (int64, error) {
	result, err := t.q.ExecContext(ctx, `INSERT INTO entries (key) VALUES (?)`, key)
	if err != nil {
		if IsUniqueViolation(err) {
			return 0, fmt.Errorf("insert entry %q: %w", key, model.ErrKeyTaken)
		}
		return 0, fmt.Errorf("insert entry %q: %w", key, err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("insert entry: last insert id: %w", err)
	}
	return id, nil
}

// Entry returns an entry by id, deleted or not.
func (t *Tx) Entry(ctx context.Context, id int64) (model.Entry, error) {
	row := t.q.QueryRowContext(ctx, `SELECT `+entryColumns+` FROM entries WHERE id = ?`, id)
	e, err := scanEntry(row)
	if err != nil {
		return model.Entry{}, notFound(err, fmt.Sprintf("read entry %d", id))
	}
	return e, nil
}

// EntryByKey returns the live entry holding key.
func (t *Tx) EntryByKey(ctx context.Context, key string) (model.Entry, error) {
	row := t.q.QueryRowContext(ctx, `SELECT `+entryColumns+` FROM entries WHERE key = ? AND deleted = 0`, key)
	e, err := scanEntry(row)
	if err != nil {
		return model.Entry{}, notFound(err, fmt.Sprintf("read entry %q", key))
	}
	return e, nil
}

// Entries returns every entry ordered by id.
func (t *Tx) Entries(ctx context.Context) ([]model.Entry, error) {
	rows, err := t.q.QueryContext(ctx, `SELECT `+entryColumns+` FROM entries ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("query entries: %w", err)
	}
	defer rows.Close()

	entries := []model.Entry{}
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate entries: %w", err)
	}
	return entries, nil
}

// SetEntryKey renames an entry. Returns model.ErrKeyTaken on collision.
func (t *Tx) SetEntryKey(ctx context.Context, id int64, key string) error {
	_, err := t.q.ExecContext(ctx, `UPDATE entries SET key = ? WHERE id = ?`, key, id)
	if err != nil {
		if IsUniqueViolation(err) {
			return fmt.Errorf("rename entry %d to %q: %w", id, key, model.ErrKeyTaken)
		}
		return fmt.Errorf("rename entry %d: %w", id, err)
	}
	return nil
}

// SetEntryDeleted flips the soft-delete flag. Returns changed=false when the
// flag already had the requested value, and model.ErrKeyTaken when undeleting
// would collide with a live entry.
func (t *Tx) SetEntryDeleted(ctx context.Context, id int64, deleted bool) (changed bool, err error) {
	result, err := t.q.ExecContext(ctx, `
		UPDATE entries SET deleted = ?
		WHERE id = ? AND deleted != ?
	`, boolInt(deleted), id, boolInt(deleted))
	if err != nil {
		if IsUniqueViolation(err) {
			return false, fmt.Errorf("undelete entry %d: %w", id, model.ErrKeyTaken)
		}
		return false, fmt.Errorf("set entry %d deleted: %w", id, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("set entry deleted: rows affected: %w", err)
	}
	return n > 0, nil
}

// RecomputeLatest points entries.latest_id at the newest record of the
// entry (hidden records included) and returns it.
func (t *Tx) RecomputeLatest(ctx context.Context, entryID int64) (int64, error) {
	return t.recomputePointer(ctx, entryID, "latest_id", "")
}

// RecomputeLatestPublished points entries.latest_published_id at the newest
// published record, or NULL if none remains, and returns it (0 for NULL).
func (t *Tx) RecomputeLatestPublished(ctx context.Context, entryID int64) (int64, error) {
	return t.recomputePointer(ctx, entryID, "latest_published_id", "AND published = 1")
}

func (t *Tx) recomputePointer(ctx context.Context, entryID int64, column, filter string) (int64, error) {
	var id sql.NullInt64
	err := t.q.QueryRowContext(ctx, `
		SELECT id FROM change_records
		WHERE entry_id = ? `+filter+`
		ORDER BY timestamp DESC, id DESC
		LIMIT 1
	`, entryID).Scan(&id)
	if err != nil && err != sql.ErrNoRows {
		return 0, fmt.Errorf("recompute %s: %w", column, err)
	}

	if _, err := t.q.ExecContext(ctx, `UPDATE entries SET `+column+` = ? WHERE id = ?`, id, entryID); err != nil {
		return 0, fmt.Errorf("update %s: %w", column, err)
	}
	return id.Int64, nil
}

func scanEntry(row rowScanner) (model.Entry, error) {
	var (
		e               model.Entry
		latest, latestP sql.NullInt64
		deleted         int
	)
	if err := row.Scan(&e.ID, &e.Key, &latest, &latestP, &deleted); err != nil {
		return model.Entry{}, err
	}
	e.Latest = latest.Int64
	e.LatestPublished = latestP.Int64
	e.Deleted = deleted != 0
	return e, nil
}
