package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/roach88/lexicon/internal/model"
)

// InsertChunk stores a chunk body under its hash.
// Uses ON CONFLICT(hash) DO NOTHING: writing existing content is a no-op and
// reports inserted=false, leaving every referencer untouched.
func (t *Tx) InsertChunk(ctx context.Context, c model.Chunk, body []byte, createdAt time.Time) (inserted bool, err error) {
	var valid any
	if c.Validity != model.ValidityUnknown {
		valid = boolInt(c.Validity == model.ValidityValid)
	}

	result, err := t.q.ExecContext(ctx, `
		INSERT INTO chunks (hash, content, size, is_normal, schema_version, valid, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(hash) DO NOTHING
	`, string(c.ID), body, c.Size, boolInt(c.IsNormal), c.SchemaVersion, valid, toNanos(createdAt))
	if err != nil {
		return false, fmt.Errorf("insert chunk: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert chunk: rows affected: %w", err)
	}
	return n > 0, nil
}

// Chunk returns chunk metadata. Returns model.ErrNotFound if absent.
func (t *Tx) Chunk(ctx context.Context, id model.ChunkID) (model.Chunk, error) {
	row := t.q.QueryRowContext(ctx, `
		SELECT hash, size, is_normal, schema_version, valid
		FROM chunks
		WHERE hash = ?
	`, string(id))

	var (
		c        model.Chunk
		hash     string
		isNormal int
		valid    sql.NullInt64
	)
	if err := row.Scan(&hash, &c.Size, &isNormal, &c.SchemaVersion, &valid); err != nil {
		return model.Chunk{}, notFound(err, "read chunk "+string(id))
	}

	c.ID = model.ChunkID(hash)
	c.IsNormal = isNormal != 0
	if valid.Valid {
		c.Validity = model.ValidityOf(valid.Int64 != 0)
	}
	return c, nil
}

// ChunkBody returns the stored (compressed) body of a chunk.
func (t *Tx) ChunkBody(ctx context.Context, id model.ChunkID) ([]byte, error) {
	var body []byte
	err := t.q.QueryRowContext(ctx, `SELECT content FROM chunks WHERE hash = ?`, string(id)).Scan(&body)
	if err != nil {
		return nil, notFound(err, "read chunk body "+string(id))
	}
	return body, nil
}

// SetChunkValidity memoizes a validation result. Only the first write wins:
// validity of immutable content never changes once known.
func (t *Tx) SetChunkValidity(ctx context.Context, id model.ChunkID, v model.Validity) error {
	if v == model.ValidityUnknown {
		return nil
	}
	_, err := t.q.ExecContext(ctx, `
		UPDATE chunks SET valid = ?
		WHERE hash = ? AND valid IS NULL
	`, boolInt(v == model.ValidityValid), string(id))
	if err != nil {
		return fmt.Errorf("set chunk validity: %w", err)
	}
	return nil
}

// UnreferencedChunks returns every chunk no change record points at,
// ordered by hash.
func (t *Tx) UnreferencedChunks(ctx context.Context) ([]model.ChunkID, error) {
	rows, err := t.q.QueryContext(ctx, `
		SELECT c.hash FROM chunks c
		WHERE NOT EXISTS (SELECT 1 FROM change_records r WHERE r.chunk_hash = c.hash)
		ORDER BY c.hash COLLATE BINARY ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query unreferenced chunks: %w", err)
	}
	return scanChunkIDs(rows)
}

// ChunkIDs returns every stored chunk id, ordered by hash.
func (t *Tx) ChunkIDs(ctx context.Context) ([]model.ChunkID, error) {
	rows, err := t.q.QueryContext(ctx, `SELECT hash FROM chunks ORDER BY hash COLLATE BINARY ASC`)
	if err != nil {
		return nil, fmt.Errorf("query chunks: %w", err)
	}
	return scanChunkIDs(rows)
}

// ChunkReferences counts the change records pointing at a chunk.
func (t *Tx) ChunkReferences(ctx context.Context, id model.ChunkID) (int, error) {
	var n int
	err := t.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM change_records WHERE chunk_hash = ?`, string(id)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count chunk references: %w", err)
	}
	return n, nil
}

// DeleteChunk deletes a chunk row. A foreign key violation is returned
// unchanged so callers can detect a reference created concurrently.
func (t *Tx) DeleteChunk(ctx context.Context, id model.ChunkID) (bool, error) {
	result, err := t.q.ExecContext(ctx, `DELETE FROM chunks WHERE hash = ?`, string(id))
	if err != nil {
		return false, fmt.Errorf("delete chunk %s: %w", id, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete chunk %s: rows affected: %w", id, err)
	}
	return n > 0, nil
}

func scanChunkIDs(rows *sql.Rows) ([]model.ChunkID, error) {
	defer rows.Close()

	ids := []model.ChunkID{}
	for rows.Next() {
		var hash string
		if err := rows.Scan(&hash); err != nil {
			return nil, fmt.Errorf("scan chunk id: %w", err)
		}
		ids = append(ids, model.ChunkID(hash))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate chunks: %w", err)
	}
	return ids, nil
}
