package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/roach88/lexicon/internal/model"
)

const recordColumns = `id, entry_id, key, author, timestamp, session, type, subtype, chunk_hash, published, hidden, note`

// InsertRecord appends a change record and returns its id.
// A duplicate (entry, timestamp, type) is reported as
// model.ErrInvalidTransition.
func (t *Tx) InsertRecord(ctx context.Context, r model.ChangeRecord) (int64, error) {
	result, err := t.q.ExecContext(ctx, `
		INSERT INTO change_records
		(entry_id, key, author, timestamp, session, type, subtype, chunk_hash, published, hidden, note)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		r.EntryID,
		r.Key,
		r.Author,
		toNanos(r.Timestamp),
		r.Session,
		string(r.Type),
		string(r.Subtype),
		string(r.Chunk),
		boolInt(r.Published),
		boolInt(r.Hidden),
		r.Note,
	)
	if err != nil {
		if IsUniqueViolation(err) {
			return 0, fmt.Errorf("insert record for entry %d: duplicate (timestamp, type): %w", r.EntryID, model.ErrInvalidTransition)
		}
		return 0, fmt.Errorf("insert record: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("insert record: last insert id: %w", err)
	}
	return id, nil
}

// Record returns a change record by id, hidden or not.
func (t *Tx) Record(ctx context.Context, id int64) (model.ChangeRecord, error) {
	row := t.q.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM change_records WHERE id = ?`, id)
	r, err := scanRecord(row)
	if err != nil {
		return model.ChangeRecord{}, notFound(err, fmt.Sprintf("read record %d", id))
	}
	return r, nil
}

// Records returns the history of an entry ordered oldest first.
// Hidden records are only included when includeHidden is set.
//
// Returns empty slice (not nil) if the entry has no matching records.
func (t *Tx) Records(ctx context.Context, entryID int64, includeHidden bool) ([]model.ChangeRecord, error) {
	query := `SELECT ` + recordColumns + ` FROM change_records WHERE entry_id = ?`
	if !includeHidden {
		query += ` AND hidden = 0`
	}
	query += ` ORDER BY timestamp ASC, id ASC`

	rows, err := t.q.QueryContext(ctx, query, entryID)
	if err != nil {
		return nil, fmt.Errorf("query records: %w", err)
	}
	return scanRecords(rows)
}

// CountRecords returns the number of records of an entry, hidden included.
func (t *Tx) CountRecords(ctx context.Context, entryID int64) (int, error) {
	var n int
	err := t.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM change_records WHERE entry_id = ?`, entryID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count records: %w", err)
	}
	return n, nil
}

// SetPublished flips the published flag. Returns changed=false if the
// record already had the requested value.
func (t *Tx) SetPublished(ctx context.Context, id int64, published bool) (changed bool, err error) {
	result, err := t.q.ExecContext(ctx, `
		UPDATE change_records SET published = ?
		WHERE id = ? AND published != ?
	`, boolInt(published), id, boolInt(published))
	if err != nil {
		return false, fmt.Errorf("set record %d published: %w", id, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("set published: rows affected: %w", err)
	}
	return n > 0, nil
}

// SetHidden hides a record. Returns changed=false if it was already hidden.
func (t *Tx) SetHidden(ctx context.Context, id int64) (changed bool, err error) {
	result, err := t.q.ExecContext(ctx, `UPDATE change_records SET hidden = 1 WHERE id = ? AND hidden = 0`, id)
	if err != nil {
		return false, fmt.Errorf("hide record %d: %w", id, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("hide record: rows affected: %w", err)
	}
	return n > 0, nil
}

// CleaningRow is a visible record joined with the state of its entry.
type CleaningRow struct {
	Record          model.ChangeRecord
	EntryKey        string
	Latest          int64
	LatestPublished int64
}

// CleaningRows returns every visible record with its entry pointers,
// ordered by entry, then oldest first.
func (t *Tx) CleaningRows(ctx context.Context) ([]CleaningRow, error) {
	rows, err := t.q.QueryContext(ctx, `
		SELECT r.id, r.entry_id, r.key, r.author, r.timestamp, r.session, r.type, r.subtype,
		       r.chunk_hash, r.published, r.hidden, r.note,
		       e.key, e.latest_id, e.latest_published_id
		FROM change_records r
		JOIN entries e ON e.id = r.entry_id
		WHERE r.hidden = 0
		ORDER BY r.entry_id ASC, r.timestamp ASC, r.id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query cleaning rows: %w", err)
	}
	defer rows.Close()

	out := []CleaningRow{}
	for rows.Next() {
		var (
			cr              CleaningRow
			latest, latestP sql.NullInt64
		)
		r, err := scanRecordWith(rows, &cr.EntryKey, &latest, &latestP)
		if err != nil {
			return nil, fmt.Errorf("scan cleaning row: %w", err)
		}
		cr.Record = r
		cr.Latest = latest.Int64
		cr.LatestPublished = latestP.Int64
		out = append(out, cr)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate cleaning rows: %w", err)
	}
	return out, nil
}

func scanRecords(rows *sql.Rows) ([]model.ChangeRecord, error) {
	defer rows.Close()

	records := []model.ChangeRecord{}
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate records: %w", err)
	}
	return records, nil
}

func scanRecord(row rowScanner) (model.ChangeRecord, error) {
	return scanRecordWith(row)
}

// scanRecordWith scans recordColumns followed by extra destinations.
func scanRecordWith(row rowScanner, extra ...any) (model.ChangeRecord, error) {
	var (
		r                 model.ChangeRecord
		ts                int64
		typ, subtype      string
		chunk             string
		published, hidden int
	)
	dest := []any{&r.ID, &r.EntryID, &r.Key, &r.Author, &ts, &r.Session, &typ, &subtype, &chunk, &published, &hidden, &r.Note}
	dest = append(dest, extra...)
	if err := row.Scan(dest...); err != nil {
		return model.ChangeRecord{}, err
	}

	r.Timestamp = fromNanos(ts)
	r.Type = model.ChangeType(typ)
	r.Subtype = model.ChangeSubtype(subtype)
	r.Chunk = model.ChunkID(chunk)
	r.Published = published != 0
	r.Hidden = hidden != 0
	return r, nil
}

// InsertPublicationChange appends a publish/unpublish audit row.
func (t *Tx) InsertPublicationChange(ctx context.Context, recordID int64, author string, at time.Time, published bool) error {
	_, err := t.q.ExecContext(ctx, `
		INSERT INTO publication_changes (record_id, author, timestamp, published)
		VALUES (?, ?, ?, ?)
	`, recordID, author, toNanos(at), boolInt(published))
	if err != nil {
		return fmt.Errorf("insert publication change: %w", err)
	}
	return nil
}

// PublicationChanges returns the audit trail of a record, oldest first.
func (t *Tx) PublicationChanges(ctx context.Context, recordID int64) ([]model.PublicationChange, error) {
	rows, err := t.q.QueryContext(ctx, `
		SELECT id, record_id, author, timestamp, published
		FROM publication_changes
		WHERE record_id = ?
		ORDER BY id ASC
	`, recordID)
	if err != nil {
		return nil, fmt.Errorf("query publication changes: %w", err)
	}
	defer rows.Close()

	out := []model.PublicationChange{}
	for rows.Next() {
		var (
			pc        model.PublicationChange
			ts        int64
			published int
		)
		if err := rows.Scan(&pc.ID, &pc.RecordID, &pc.Author, &ts, &published); err != nil {
			return nil, fmt.Errorf("scan publication change: %w", err)
		}
		pc.Timestamp = fromNanos(ts)
		pc.Published = published != 0
		out = append(out, pc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate publication changes: %w", err)
	}
	return out, nil
}

// InsertDeletionChange appends a delete/undelete audit row.
func (t *Tx) InsertDeletionChange(ctx context.Context, entryID int64, author string, at time.Time, deleted bool) error {
	_, err := t.q.ExecContext(ctx, `
		INSERT INTO deletion_changes (entry_id, author, timestamp, deleted)
		VALUES (?, ?, ?, ?)
	`, entryID, author, toNanos(at), boolInt(deleted))
	if err != nil {
		return fmt.Errorf("insert deletion change: %w", err)
	}
	return nil
}

// DeletionChanges returns the deletion audit trail of an entry, oldest first.
func (t *Tx) DeletionChanges(ctx context.Context, entryID int64) ([]model.DeletionChange, error) {
	rows, err := t.q.QueryContext(ctx, `
		SELECT id, entry_id, author, timestamp, deleted
		FROM deletion_changes
		WHERE entry_id = ?
		ORDER BY id ASC
	`, entryID)
	if err != nil {
		return nil, fmt.Errorf("query deletion changes: %w", err)
	}
	defer rows.Close()

	out := []model.DeletionChange{}
	for rows.Next() {
		var (
			dc      model.DeletionChange
			ts      int64
			deleted int
		)
		if err := rows.Scan(&dc.ID, &dc.EntryID, &dc.Author, &ts, &deleted); err != nil {
			return nil, fmt.Errorf("scan deletion change: %w", err)
		}
		dc.Timestamp = fromNanos(ts)
		dc.Deleted = deleted != 0
		out = append(out, dc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate deletion changes: %w", err)
	}
	return out, nil
}
