package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/roach88/lexicon/internal/model"
)

var testEpoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

// createTestStore creates a new temp-dir store for testing.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// createTestChunk stores body as a valid chunk and returns its id.
func createTestChunk(t *testing.T, s *Store, body string) model.ChunkID {
	t.Helper()
	id := model.HashContent([]byte(body))
	err := s.WithTx(context.Background(), func(tx *Tx) error {
		_, err := tx.InsertChunk(context.Background(), model.Chunk{
			ID:            id,
			Size:          int64(len(body)),
			IsNormal:      true,
			SchemaVersion: "1",
		}, []byte(body), testEpoch)
		return err
	})
	require.NoError(t, err)
	return id
}

// createTestRecord creates an entry (if needed) and appends one record.
func createTestRecord(t *testing.T, s *Store, key string, typ model.ChangeType, at time.Time, chunk model.ChunkID) model.ChangeRecord {
	t.Helper()
	ctx := context.Background()
	var rec model.ChangeRecord
	err := s.WithTx(ctx, func(tx *Tx) error {
		e, err := tx.EntryByKey(ctx, key)
		if err != nil {
			id, err := tx.InsertEntry(ctx, key)
			if err != nil {
				return err
			}
			e.ID = id
		}
		rec = model.ChangeRecord{
			EntryID:   e.ID,
			Key:       key,
			Author:    "alice",
			Timestamp: at,
			Session:   "s1",
			Type:      typ,
			Subtype:   model.SubtypeManual,
			Chunk:     chunk,
		}
		rec.ID, err = tx.InsertRecord(ctx, rec)
		if err != nil {
			return err
		}
		_, err = tx.RecomputeLatest(ctx, e.ID)
		return err
	})
	require.NoError(t, err)
	return rec
}
