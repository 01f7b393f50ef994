package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/lexicon/internal/model"
)

func TestInsertChunk_Idempotent(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	id := createTestChunk(t, s, "<entry/>")

	var inserted bool
	err := s.WithTx(ctx, func(tx *Tx) error {
		var err error
		inserted, err = tx.InsertChunk(ctx, model.Chunk{ID: id, Size: 8, SchemaVersion: "1"}, []byte("<entry/>"), testEpoch)
		return err
	})
	require.NoError(t, err)
	assert.False(t, inserted, "second insert of same content must be a no-op")

	ids, err := s.Read().ChunkIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []model.ChunkID{id}, ids)
}

func TestChunk_NotFound(t *testing.T) {
	s := createTestStore(t)

	_, err := s.Read().Chunk(context.Background(), "missing")
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestSetChunkValidity_FirstWriteWins(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	id := createTestChunk(t, s, "<a/>")

	c, err := s.Read().Chunk(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.ValidityUnknown, c.Validity)

	require.NoError(t, s.Read().SetChunkValidity(ctx, id, model.ValidityInvalid))
	require.NoError(t, s.Read().SetChunkValidity(ctx, id, model.ValidityValid))

	c, err = s.Read().Chunk(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.ValidityInvalid, c.Validity)
}

func TestDeleteChunk_ReferencedFails(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	used := createTestChunk(t, s, "<used/>")
	unused := createTestChunk(t, s, "<unused/>")
	createTestRecord(t, s, "a", model.ChangeCreate, testEpoch, used)

	unref, err := s.Read().UnreferencedChunks(ctx)
	require.NoError(t, err)
	assert.Equal(t, []model.ChunkID{unused}, unref)

	_, err = s.Read().DeleteChunk(ctx, used)
	require.Error(t, err)
	assert.True(t, IsForeignKeyViolation(err))

	deleted, err := s.Read().DeleteChunk(ctx, unused)
	require.NoError(t, err)
	assert.True(t, deleted)
}

func TestInsertEntry_LiveKeyUnique(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	tx := s.Read()

	first, err := tx.InsertEntry(ctx, "abcd")
	require.NoError(t, err)

	_, err = tx.InsertEntry(ctx, "abcd")
	assert.ErrorIs(t, err, model.ErrKeyTaken)

	changed, err := tx.SetEntryDeleted(ctx, first, true)
	require.NoError(t, err)
	assert.True(t, changed)

	second, err := tx.InsertEntry(ctx, "abcd")
	require.NoError(t, err, "deleted entries release their key")

	_, err = tx.SetEntryDeleted(ctx, first, false)
	assert.ErrorIs(t, err, model.ErrKeyTaken)

	e, err := tx.EntryByKey(ctx, "abcd")
	require.NoError(t, err)
	assert.Equal(t, second, e.ID)
}

func TestSetEntryDeleted_NoChange(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	id, err := s.Read().InsertEntry(ctx, "x")
	require.NoError(t, err)

	changed, err := s.Read().SetEntryDeleted(ctx, id, false)
	require.NoError(t, err)
	assert.False(t, changed)
}

func TestInsertRecord_DuplicateTimestampAndType(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	chunk := createTestChunk(t, s, "<a/>")
	rec := createTestRecord(t, s, "a", model.ChangeCreate, testEpoch, chunk)

	dup := rec
	dup.ID = 0
	_, err := s.Read().InsertRecord(ctx, dup)
	assert.ErrorIs(t, err, model.ErrInvalidTransition)

	dup.Type = model.ChangeUpdate
	_, err = s.Read().InsertRecord(ctx, dup)
	assert.NoError(t, err, "same timestamp with a different type is allowed")
}

func TestRecomputeLatest(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	chunk := createTestChunk(t, s, "<a/>")

	r1 := createTestRecord(t, s, "a", model.ChangeCreate, testEpoch, chunk)
	r2 := createTestRecord(t, s, "a", model.ChangeUpdate, testEpoch.Add(time.Minute), chunk)

	e, err := s.Read().Entry(ctx, r1.EntryID)
	require.NoError(t, err)
	assert.Equal(t, r2.ID, e.Latest)
	assert.False(t, e.HasPublished())

	tx := s.Read()
	changed, err := tx.SetPublished(ctx, r1.ID, true)
	require.NoError(t, err)
	assert.True(t, changed)

	lp, err := tx.RecomputeLatestPublished(ctx, r1.EntryID)
	require.NoError(t, err)
	assert.Equal(t, r1.ID, lp)

	_, err = tx.SetPublished(ctx, r1.ID, false)
	require.NoError(t, err)
	lp, err = tx.RecomputeLatestPublished(ctx, r1.EntryID)
	require.NoError(t, err)
	assert.Zero(t, lp)

	e, err = tx.Entry(ctx, r1.EntryID)
	require.NoError(t, err)
	assert.Zero(t, e.LatestPublished)
}

func TestRecords_HiddenFiltering(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	chunk := createTestChunk(t, s, "<a/>")

	r1 := createTestRecord(t, s, "a", model.ChangeCreate, testEpoch, chunk)
	createTestRecord(t, s, "a", model.ChangeUpdate, testEpoch.Add(time.Hour), chunk)

	changed, err := s.Read().SetHidden(ctx, r1.ID)
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = s.Read().SetHidden(ctx, r1.ID)
	require.NoError(t, err)
	assert.False(t, changed)

	visible, err := s.Read().Records(ctx, r1.EntryID, false)
	require.NoError(t, err)
	assert.Len(t, visible, 1)

	all, err := s.Read().Records(ctx, r1.EntryID, true)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.True(t, all[0].Hidden)
	assert.Equal(t, testEpoch, all[0].Timestamp)

	rows, err := s.Read().CleaningRows(ctx)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "a", rows[0].EntryKey)
	assert.Equal(t, rows[0].Record.ID, rows[0].Latest)
}

func TestAuditTrails(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	chunk := createTestChunk(t, s, "<a/>")
	rec := createTestRecord(t, s, "a", model.ChangeCreate, testEpoch, chunk)
	tx := s.Read()

	require.NoError(t, tx.InsertPublicationChange(ctx, rec.ID, "bob", testEpoch, true))
	require.NoError(t, tx.InsertPublicationChange(ctx, rec.ID, "bob", testEpoch.Add(time.Second), false))
	pcs, err := tx.PublicationChanges(ctx, rec.ID)
	require.NoError(t, err)
	require.Len(t, pcs, 2)
	assert.True(t, pcs[0].Published)
	assert.False(t, pcs[1].Published)

	require.NoError(t, tx.InsertDeletionChange(ctx, rec.EntryID, "bob", testEpoch, true))
	dcs, err := tx.DeletionChanges(ctx, rec.EntryID)
	require.NoError(t, err)
	require.Len(t, dcs, 1)
	assert.Equal(t, "bob", dcs[0].Author)
}

func TestLocks(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	tx := s.Read()
	entry, err := tx.InsertEntry(ctx, "a")
	require.NoError(t, err)

	_, err = tx.Lock(ctx, entry)
	assert.ErrorIs(t, err, model.ErrNotFound)

	require.NoError(t, tx.InsertLock(ctx, model.Lock{EntryID: entry, Holder: "alice", AcquiredAt: testEpoch}))
	assert.Error(t, tx.InsertLock(ctx, model.Lock{EntryID: entry, Holder: "bob", AcquiredAt: testEpoch}))

	err = tx.InsertLock(ctx, model.Lock{EntryID: 999, Holder: "bob", AcquiredAt: testEpoch})
	assert.ErrorIs(t, err, model.ErrNotFound)

	require.NoError(t, tx.RefreshLock(ctx, entry, testEpoch.Add(time.Minute)))
	l, err := tx.Lock(ctx, entry)
	require.NoError(t, err)
	assert.Equal(t, "alice", l.Holder)
	assert.Equal(t, testEpoch.Add(time.Minute), l.AcquiredAt)

	n, err := tx.DeleteLocksAcquiredBefore(ctx, testEpoch.Add(time.Minute))
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = tx.DeleteLocksAcquiredBefore(ctx, testEpoch.Add(time.Hour))
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	locks, err := tx.Locks(ctx)
	require.NoError(t, err)
	assert.Empty(t, locks)
}

func TestWithTx_RollbackOnError(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	err := s.WithTx(ctx, func(tx *Tx) error {
		if _, err := tx.InsertEntry(ctx, "a"); err != nil {
			return err
		}
		return model.ErrInvalidTransition
	})
	require.ErrorIs(t, err, model.ErrInvalidTransition)

	entries, err := s.Read().Entries(ctx)
	require.NoError(t, err)
	assert.Empty(t, entries)
}
