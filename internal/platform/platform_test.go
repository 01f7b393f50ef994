package platform

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/lexicon/internal/cleaning"
	"github.com/roach88/lexicon/internal/config"
	"github.com/roach88/lexicon/internal/derived"
	"github.com/roach88/lexicon/internal/history"
	"github.com/roach88/lexicon/internal/model"
	"github.com/roach88/lexicon/internal/testutil"
	"github.com/roach88/lexicon/internal/xmlstore"
)

type fixture struct {
	p     *Platform
	xml   *xmlstore.Memory
	clock *testutil.Clock
}

func openTestPlatform(t *testing.T) *fixture {
	t.Helper()
	cfg := config.Default()
	cfg.Database = filepath.Join(t.TempDir(), "lexicon.db")
	cfg.Tasks.Workers = 2

	clock := testutil.NewClock(time.Time{})
	mem := xmlstore.NewMemory()
	p, err := Open(cfg, WithClock(clock.Now), WithXMLStore(mem))
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, p.Close()) })
	return &fixture{p: p, xml: mem, clock: clock}
}

func (f *fixture) write(t *testing.T, entryID int64, key, content string, typ model.ChangeType, publish bool) model.ChangeRecord {
	t.Helper()
	f.clock.Advance(time.Second)
	rec, err := f.p.History.Update(context.Background(), history.UpdateRequest{
		EntryID: entryID,
		Key:     key,
		Author:  "alice",
		Content: []byte(content),
		Type:    typ,
		Subtype: model.SubtypeManual,
		Publish: publish,
	})
	require.NoError(t, err)
	return rec
}

func TestOpen_InMemoryDefaults(t *testing.T) {
	f := openTestPlatform(t)

	c, ok := f.p.Cleaner(cleaning.CollapserName)
	require.True(t, ok)
	assert.Equal(t, cleaning.CollapserName, c.Name())
	_, ok = f.p.Cleaner("nope")
	assert.False(t, ok)
	assert.Equal(t, 15*time.Minute, f.p.Locks.TTL())
}

func TestPlatform_NewChunkIsMirroredAndSearchable(t *testing.T) {
	f := openTestPlatform(t)
	ctx := context.Background()

	rec := f.write(t, 0, "abcd", `<entry><lemma>abcd</lemma><sense>quartz</sense></entry>`, model.ChangeCreate, false)

	assert.Equal(t, []string{xmlstore.ChunkPath(rec.Chunk)}, f.xml.Paths())
	hits, err := f.p.Chunks.Search(ctx, "quartz", 10)
	require.NoError(t, err)
	assert.Equal(t, []model.ChunkID{rec.Chunk}, hits)
}

func TestPlatform_PublishingTargetInvalidatesLinkingDisplay(t *testing.T) {
	f := openTestPlatform(t)
	ctx := context.Background()

	src := f.write(t, 0, "abcd", `<entry><lemma>abcd</lemma><ref lemma="efgh"/></entry>`, model.ChangeCreate, true)
	require.True(t, src.Published)

	d, st, err := f.p.Display.DisplayRecord(ctx, src.ID)
	require.NoError(t, err)
	assert.Equal(t, derived.StatusComputed, st)
	require.Len(t, d.Links, 1)
	assert.False(t, d.Links[0].Resolved)

	_, st, err = f.p.Display.DisplayRecord(ctx, src.ID)
	require.NoError(t, err)
	assert.Equal(t, derived.StatusReady, st)

	target := f.write(t, 0, "efgh", `<entry><lemma>efgh</lemma></entry>`, model.ChangeCreate, true)

	d, st, err = f.p.Display.DisplayRecord(ctx, src.ID)
	require.NoError(t, err)
	assert.Equal(t, derived.StatusComputed, st)
	require.Len(t, d.Links, 1)
	assert.True(t, d.Links[0].Resolved)
	assert.Equal(t, target.EntryID, d.Links[0].EntryID)
}

func TestPlatform_CreatingTargetInvalidatesLinkingDraft(t *testing.T) {
	f := openTestPlatform(t)
	ctx := context.Background()

	src := f.write(t, 0, "abcd", `<entry><lemma>abcd</lemma><ref lemma="efgh"/></entry>`, model.ChangeCreate, false)
	require.False(t, src.Published)

	d, st, err := f.p.Display.DisplayRecord(ctx, src.ID)
	require.NoError(t, err)
	assert.Equal(t, derived.StatusComputed, st)
	require.Len(t, d.Links, 1)
	assert.False(t, d.Links[0].Resolved)

	target := f.write(t, 0, "efgh", `<entry><lemma>efgh</lemma></entry>`, model.ChangeCreate, false)

	d, st, err = f.p.Display.DisplayRecord(ctx, src.ID)
	require.NoError(t, err)
	assert.Equal(t, derived.StatusComputed, st)
	require.Len(t, d.Links, 1)
	assert.True(t, d.Links[0].Resolved)
	assert.Equal(t, target.EntryID, d.Links[0].EntryID)

	_, err = f.p.History.MarkDeleted(ctx, target.EntryID, "alice")
	require.NoError(t, err)
	d, _, err = f.p.Display.DisplayRecord(ctx, src.ID)
	require.NoError(t, err)
	require.Len(t, d.Links, 1)
	assert.False(t, d.Links[0].Resolved)

	again := f.write(t, 0, "efgh", `<entry><lemma>efgh</lemma><sense>x</sense></entry>`, model.ChangeCreate, false)

	d, st, err = f.p.Display.DisplayRecord(ctx, src.ID)
	require.NoError(t, err)
	assert.Equal(t, derived.StatusComputed, st)
	require.Len(t, d.Links, 1)
	assert.True(t, d.Links[0].Resolved)
	assert.Equal(t, again.EntryID, d.Links[0].EntryID)
}

func TestPlatform_MaintenanceCollectsHiddenChunks(t *testing.T) {
	f := openTestPlatform(t)
	ctx := context.Background()

	const doc = `<entry><lemma>abcd</lemma></entry>`
	r1 := f.write(t, 0, "abcd", doc, model.ChangeCreate, false)
	f.write(t, r1.EntryID, "abcd", doc, model.ChangeUpdate, false)

	require.NoError(t, f.p.Maintenance()(ctx))

	recs, err := f.p.History.Records(ctx, r1.EntryID, false)
	require.NoError(t, err)
	assert.Len(t, recs, 1)

	// The hidden record still references the chunk.
	_, err = f.p.Chunks.Get(ctx, r1.Chunk)
	require.NoError(t, err)
	assert.Len(t, f.xml.Paths(), 1)
}

func TestPlatform_AuthorsRestrictWriters(t *testing.T) {
	cfg := config.Default()
	cfg.Database = filepath.Join(t.TempDir(), "lexicon.db")
	cfg.Authors = []string{"alice"}

	p, err := Open(cfg)
	require.NoError(t, err)
	defer p.Close()

	_, err = p.History.Update(context.Background(), history.UpdateRequest{
		Key: "abcd", Author: "mallory", Content: []byte(`<entry/>`),
		Type: model.ChangeCreate, Subtype: model.SubtypeManual,
	})
	assert.ErrorIs(t, err, model.ErrPermissionDenied)
}

func TestOpen_BadDatabasePath(t *testing.T) {
	cfg := config.Default()
	cfg.Database = filepath.Join(t.TempDir(), "missing", "dir", "lexicon.db")

	_, err := Open(cfg)
	assert.Error(t, err)
}
