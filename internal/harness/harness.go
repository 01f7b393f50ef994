package harness

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/roach88/lexicon/internal/cleaning"
	"github.com/roach88/lexicon/internal/config"
	"github.com/roach88/lexicon/internal/events"
	"github.com/roach88/lexicon/internal/history"
	"github.com/roach88/lexicon/internal/model"
	"github.com/roach88/lexicon/internal/platform"
	"github.com/roach88/lexicon/internal/render"
	"github.com/roach88/lexicon/internal/testutil"
	"github.com/roach88/lexicon/internal/validate"
)

// Harness executes one scenario.
type Harness struct {
	p     *platform.Platform
	clock *testutil.Clock

	// entries maps keys to entry ids, records labels to record ids.
	entries map[string]int64
	records map[string]int64
	labels  map[int64]string

	result *Result
	seq    int

	// pending holds the current step's events with their trace positions.
	// They are described once the step is done so labels it assigns apply.
	pending []pendingEvent
}

type pendingEvent struct {
	at    int
	event events.Event
}

// errorKinds names the sentinel errors a step may expect.
var errorKinds = []struct {
	name string
	err  error
}{
	{"lock_not_held", model.ErrLockNotHeld},
	{"invalid_transition", model.ErrInvalidTransition},
	{"permission_denied", model.ErrPermissionDenied},
	{"key_taken", model.ErrKeyTaken},
	{"not_found", model.ErrNotFound},
	{"transient_conflict", model.ErrTransientConflict},
}

func errorKind(err error) string {
	for _, k := range errorKinds {
		if errors.Is(err, k.err) {
			return k.name
		}
	}
	return "unexpected"
}

// Run executes a scenario on a fresh in-memory platform and returns the
// result. The returned error reports harness failures, not failed
// expectations; those are in Result.Errors.
func Run(ctx context.Context, scenario *Scenario) (*Result, error) {
	cfg := config.Default()
	cfg.Database = ":memory:"
	cfg.Cleaning.Interval = 0
	cfg.Tasks.Workers = 1
	if scenario.Config.LockTTL > 0 {
		cfg.Locks.TTL = scenario.Config.LockTTL
	}
	if scenario.Config.MarkerTTL > 0 {
		cfg.Cache.MarkerTTL = scenario.Config.MarkerTTL
	}
	if scenario.Config.MinAge > 0 {
		cfg.Cleaning.MinAge = scenario.Config.MinAge
	}
	cfg.Authors = scenario.Config.Authors

	clock := testutil.NewClock(testutil.Epoch)
	p, err := platform.Open(cfg,
		platform.WithClock(clock.Now),
		platform.WithValidator(validate.RequireRoot("entry")),
		platform.WithTaskIDs(testutil.NewSequenceIDs("task").Next),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to open platform: %w", err)
	}
	defer p.Close()

	h := &Harness{
		p:       p,
		clock:   clock,
		entries: map[string]int64{},
		records: map[string]int64{},
		labels:  map[int64]string{},
		result:  NewResult(),
	}
	p.Events.SubscribeAll(func(_ context.Context, e events.Event) error {
		if e.Type != events.ResourceChanged {
			h.pending = append(h.pending, pendingEvent{at: len(h.result.Trace), event: e})
			h.result.AddEvent(h.seq, string(e.Type))
		}
		return nil
	})

	for i, step := range scenario.Steps {
		h.seq = i + 1
		if err := h.execute(ctx, step); err != nil {
			return nil, fmt.Errorf("step %d (%s): %w", h.seq, step.Op, err)
		}
	}

	for _, msg := range h.evaluate(ctx, scenario.Assertions) {
		h.result.AddError(msg)
	}
	return h.result, nil
}

func (h *Harness) recordName(id int64) string {
	if l, ok := h.labels[id]; ok {
		return l
	}
	return fmt.Sprintf("#%d", id)
}

func (h *Harness) describeEvent(e events.Event) string {
	switch e.Type {
	case events.RecordPublished, events.RecordUnpublished, events.RecordHidden:
		return fmt.Sprintf("%s %s %s", e.Type, e.Key, h.recordName(e.RecordID))
	case events.EntryKeyChanged:
		return fmt.Sprintf("%s %s -> %s", e.Type, e.OldKey, e.Key)
	case events.EntryAvailabilityChanged:
		return fmt.Sprintf("%s %s deleted=%t", e.Type, e.Key, e.Deleted)
	case events.ChunkCollected:
		return fmt.Sprintf("%s %s", e.Type, e.Chunk)
	default:
		return fmt.Sprintf("%s %s", e.Type, e.Key)
	}
}

func (h *Harness) entryID(key string) (int64, error) {
	if id, ok := h.entries[model.NormalizeKey(key)]; ok {
		return id, nil
	}
	return 0, fmt.Errorf("unknown entry %q", key)
}

func (h *Harness) author(s Step) string {
	if s.Author != "" {
		return s.Author
	}
	return "alice"
}

// execute runs one step and records its outcome. Domain errors are
// outcomes; only harness misuse is returned.
func (h *Harness) execute(ctx context.Context, s Step) (err error) {
	detail := s.Op
	var outcome string

	// The step line goes before the events it triggered.
	mark := len(h.result.Trace)
	h.pending = h.pending[:0]
	defer func() {
		if err != nil {
			return
		}
		for _, pe := range h.pending {
			h.result.Trace[pe.at].Detail = h.describeEvent(pe.event)
		}
		line := TraceEvent{Seq: h.seq, Kind: "step", Op: s.Op, Detail: detail, Outcome: outcome}
		h.result.Trace = append(h.result.Trace[:mark], append([]TraceEvent{line}, h.result.Trace[mark:]...)...)
	}()

	var opErr error
	switch s.Op {
	case OpWrite:
		detail = "write " + s.Key
		if s.As != "" {
			detail += " as " + s.As
		}
		outcome, opErr = h.write(ctx, s)
	case OpPublish, OpUnpublish:
		detail = s.Op + " " + s.Record
		var changed bool
		if s.Op == OpPublish {
			changed, opErr = h.p.History.Publish(ctx, h.records[s.Record], h.author(s))
		} else {
			changed, opErr = h.p.History.Unpublish(ctx, h.records[s.Record], h.author(s))
		}
		outcome = fmt.Sprint(changed)
	case OpDelete, OpUndelete:
		detail = s.Op + " " + s.Entry
		id, err := h.entryID(s.Entry)
		if err != nil {
			return err
		}
		var changed bool
		if s.Op == OpDelete {
			changed, opErr = h.p.History.MarkDeleted(ctx, id, h.author(s))
		} else {
			changed, opErr = h.p.History.Undelete(ctx, id, h.author(s))
		}
		outcome = fmt.Sprint(changed)
	case OpInspect:
		detail = "inspect " + s.Entry
		id, err := h.entryID(s.Entry)
		if err != nil {
			return err
		}
		var e model.Entry
		e, opErr = h.p.History.Entry(ctx, id)
		if opErr == nil {
			outcome = fmt.Sprintf("latest=%s latest_published=%s deleted=%t",
				h.pointer(e.Latest), h.pointer(e.LatestPublished), e.Deleted)
		}
	case OpLock:
		detail = fmt.Sprintf("lock %s by %s", s.Entry, s.Who)
		id, err := h.entryID(s.Entry)
		if err != nil {
			return err
		}
		outcome, opErr = h.lock(ctx, id, s.Who)
	case OpRelease:
		detail = fmt.Sprintf("release %s by %s", s.Entry, s.Who)
		id, err := h.entryID(s.Entry)
		if err != nil {
			return err
		}
		if opErr = h.p.Locks.Release(ctx, id, s.Who); opErr == nil {
			outcome = "released"
		}
	case OpSweep:
		var n int64
		n, opErr = h.p.Locks.Sweep(ctx)
		outcome = fmt.Sprintf("removed %d", n)
	case OpAdvance:
		detail = "advance " + s.By.String()
		h.clock.Advance(s.By.D())
		outcome = h.clock.Now().Format("2006-01-02T15:04:05Z")
	case OpClean:
		detail = "clean " + s.Cleaner
		if s.DryRun {
			detail += " (dry run)"
		}
		outcome, opErr = h.clean(ctx, s)
	case OpGC:
		var ids []model.ChunkID
		ids, opErr = h.p.Chunks.Collect(ctx)
		outcome = fmt.Sprintf("collected %d", len(ids))
	case OpRender:
		detail = "render " + s.Record
		outcome, opErr = h.render(ctx, h.records[s.Record])
	case OpResourceChanged:
		detail = "resource_changed " + strings.Join(s.Dependees, " ")
		var keys []model.CacheKey
		keys, opErr = h.p.Invalid.ResourceChanged(ctx, s.Dependees...)
		outcome = fmt.Sprintf("invalidated %d", len(keys))
	default:
		return fmt.Errorf("unknown op %q", s.Op)
	}

	if opErr != nil {
		outcome = "error " + errorKind(opErr)
	}
	h.check(s, outcome, opErr)
	return nil
}

func (h *Harness) check(s Step, outcome string, opErr error) {
	switch {
	case s.Expect == nil:
		if opErr != nil {
			h.result.AddError(fmt.Sprintf("step %d (%s): unexpected error: %v", h.seq, s.Op, opErr))
		}
	case s.Expect.Error != "":
		if opErr == nil {
			h.result.AddError(fmt.Sprintf("step %d (%s): expected error %s, got %q", h.seq, s.Op, s.Expect.Error, outcome))
		} else if kind := errorKind(opErr); kind != s.Expect.Error {
			h.result.AddError(fmt.Sprintf("step %d (%s): expected error %s, got %s: %v", h.seq, s.Op, s.Expect.Error, kind, opErr))
		}
	default:
		if opErr != nil {
			h.result.AddError(fmt.Sprintf("step %d (%s): unexpected error: %v", h.seq, s.Op, opErr))
		} else if outcome != s.Expect.Result {
			h.result.AddError(fmt.Sprintf("step %d (%s): expected %q, got %q", h.seq, s.Op, s.Expect.Result, outcome))
		}
	}
}

func (h *Harness) pointer(id int64) string {
	if id == 0 {
		return "none"
	}
	return h.recordName(id)
}

func (h *Harness) write(ctx context.Context, s Step) (string, error) {
	key := model.NormalizeKey(s.Key)
	typ := model.ChangeType(strings.ToUpper(s.Type))

	var entryID int64
	switch {
	case s.Entry != "":
		id, err := h.entryID(s.Entry)
		if err != nil {
			return "", err
		}
		entryID = id
	case typ != model.ChangeCreate:
		entryID = h.entries[key]
	}
	if typ == "" {
		typ = model.ChangeUpdate
		if entryID == 0 {
			typ = model.ChangeCreate
		}
	}
	subtype := model.ChangeSubtype(strings.ToUpper(s.Subtype))
	if subtype == "" {
		subtype = model.SubtypeManual
	}

	h.clock.Advance(time.Second)
	rec, err := h.p.History.Update(ctx, history.UpdateRequest{
		EntryID: entryID,
		Key:     key,
		Author:  h.author(s),
		Session: "session",
		Content: []byte(s.Content),
		Type:    typ,
		Subtype: subtype,
		Publish: s.Publish,
	})
	if err != nil {
		return "", err
	}

	if s.Entry != "" {
		delete(h.entries, model.NormalizeKey(s.Entry))
	}
	h.entries[key] = rec.EntryID
	if s.As != "" {
		h.records[s.As] = rec.ID
		h.labels[rec.ID] = s.As
	}
	return fmt.Sprintf("%s/%s published=%t", rec.Type, rec.Subtype, rec.Published), nil
}

func (h *Harness) lock(ctx context.Context, entryID int64, who string) (string, error) {
	l, err := h.p.Locks.TryAcquire(ctx, entryID, who)
	if err != nil {
		return "", err
	}
	if l != nil {
		return "held by " + l.Holder, nil
	}
	holder, err := h.p.Locks.Holder(ctx, entryID)
	if err != nil {
		return "", err
	}
	if holder == nil {
		return "contended", nil
	}
	return "contended, held by " + holder.Holder, nil
}

func (h *Harness) clean(ctx context.Context, s Step) (string, error) {
	c, ok := h.p.Cleaner(s.Cleaner)
	if !ok {
		return "", fmt.Errorf("unknown cleaner %q", s.Cleaner)
	}
	report, err := c.Run(ctx, cleaning.Options{DryRun: s.DryRun, KeyGlob: s.KeyGlob})
	if err != nil {
		return "", err
	}
	names := make([]string, len(report.ToClean))
	for i, id := range report.ToClean {
		names[i] = h.recordName(id)
	}
	return fmt.Sprintf("examined %d to_clean [%s] cleaned %d kept %d",
		report.Examined, strings.Join(names, " "), report.Cleaned, report.Kept), nil
}

func (h *Harness) render(ctx context.Context, recordID int64) (string, error) {
	d, st, err := h.p.Display.DisplayRecord(ctx, recordID)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s %s lemma=%s links=[%s] bibl=[%s]",
		d.State, st, d.Lemma, h.links(d.Links), strings.Join(d.Bibliography, " ")), nil
}

func (h *Harness) links(links []render.Link) string {
	parts := make([]string, len(links))
	for i, l := range links {
		if l.Resolved {
			parts[i] = fmt.Sprintf("%s@%d", l.Key, l.EntryID)
		} else {
			parts[i] = l.Key + ":unresolved"
		}
	}
	return strings.Join(parts, " ")
}
