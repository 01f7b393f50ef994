// Package history is the append-only version history of dictionary entries.
//
// Every write appends a ChangeRecord pointing at an immutable chunk. Only the
// published and hidden flags of a record change afterwards. Each mutation
// runs in a single SQLite transaction that also maintains the entry's latest
// and latest-published pointers and the audit trail; events are published
// once the transaction has committed.
package history

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/roach88/lexicon/internal/events"
	"github.com/roach88/lexicon/internal/model"
	"github.com/roach88/lexicon/internal/store"
)

// Chunks is the part of the chunk store history writes through.
type Chunks interface {
	Put(ctx context.Context, content []byte) (model.ChunkID, error)
	PutTx(ctx context.Context, tx *store.Tx, content []byte) (model.ChunkID, bool, error)
	Mirror(ctx context.Context, id model.ChunkID, content []byte) error
	Validity(ctx context.Context, id model.ChunkID) (model.Validity, error)
}

// Options configures a History. Zero values select defaults.
type Options struct {
	Authorizer Authorizer
	Events     *events.Bus
	Logger     *slog.Logger
	Now        func() time.Time
}

// History implements entry versioning and publication.
type History struct {
	db     *store.Store
	chunks Chunks
	auth   Authorizer
	bus    *events.Bus
	logger *slog.Logger
	now    func() time.Time
}

// New creates a History.
func New(db *store.Store, chunks Chunks, opts Options) *History {
	if opts.Authorizer == nil {
		opts.Authorizer = AllowAll{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &History{
		db:     db,
		chunks: chunks,
		auth:   opts.Authorizer,
		bus:    opts.Events,
		logger: opts.Logger,
		now:    opts.Now,
	}
}

// UpdateRequest describes one write to an entry.
type UpdateRequest struct {
	// EntryID is 0 to create a new entry.
	EntryID int64
	Key     string
	Author  string
	Session string
	Content []byte
	Type    model.ChangeType
	Subtype model.ChangeSubtype
	Note    string

	// Publish creates the record published when its content is valid.
	Publish bool
	// Timestamp overrides the clock.
	Timestamp time.Time
}

func (h *History) authorize(op, user string) error {
	if !h.auth.CanAuthor(user) {
		return fmt.Errorf("%s by %q: %w", op, user, model.ErrPermissionDenied)
	}
	return nil
}

// Update appends a record to an entry, creating the entry when
// req.EntryID is 0.
//
// Returns model.ErrInvalidTransition for a CREATE on an existing entry, a
// non-CREATE first record, a write to a deleted entry or a duplicate
// (timestamp, type); model.ErrKeyTaken when the key belongs to another live
// entry.
func (h *History) Update(ctx context.Context, req UpdateRequest) (model.ChangeRecord, error) {
	if err := h.authorize("update", req.Author); err != nil {
		return model.ChangeRecord{}, err
	}
	if !req.Type.Valid() || !req.Subtype.Valid() {
		return model.ChangeRecord{}, fmt.Errorf("update: change %s/%s: %w", req.Type, req.Subtype, model.ErrInvalidTransition)
	}
	key := model.NormalizeKey(req.Key)
	if key == "" {
		return model.ChangeRecord{}, errors.New("update: empty key")
	}
	if req.Session == "" {
		req.Session = uuid.NewString()
	}
	ts := req.Timestamp
	if ts.IsZero() {
		ts = h.now()
	}

	publish := false
	if req.Publish {
		var err error
		publish, err = h.publishable(ctx, req.Content)
		if err != nil {
			return model.ChangeRecord{}, err
		}
	}

	var (
		rec          model.ChangeRecord
		created      bool
		newEntry     bool
		oldKey       string
		hadPublished bool
	)
	err := h.db.WithTx(ctx, func(tx *store.Tx) error {
		var entryID int64
		if req.EntryID == 0 {
			if req.Type != model.ChangeCreate {
				return fmt.Errorf("first record of %q is %s: %w", key, req.Type, model.ErrInvalidTransition)
			}
			id, err := tx.InsertEntry(ctx, key)
			if err != nil {
				return err
			}
			entryID = id
			newEntry = true
		} else {
			e, err := tx.Entry(ctx, req.EntryID)
			if err != nil {
				return err
			}
			if e.Deleted {
				return fmt.Errorf("entry %d is deleted: %w", e.ID, model.ErrInvalidTransition)
			}
			if req.Type == model.ChangeCreate {
				return fmt.Errorf("CREATE on existing entry %d: %w", e.ID, model.ErrInvalidTransition)
			}
			if e.Key != key {
				if err := tx.SetEntryKey(ctx, e.ID, key); err != nil {
					return err
				}
				oldKey = e.Key
			}
			entryID = e.ID
			hadPublished = e.HasPublished()
		}

		chunkID, isNew, err := h.chunks.PutTx(ctx, tx, req.Content)
		if err != nil {
			return err
		}
		created = isNew

		rec = model.ChangeRecord{
			EntryID:   entryID,
			Key:       key,
			Author:    req.Author,
			Timestamp: ts.UTC(),
			Session:   req.Session,
			Type:      req.Type,
			Subtype:   req.Subtype,
			Chunk:     chunkID,
			Published: publish,
			Note:      req.Note,
		}
		rec.ID, err = tx.InsertRecord(ctx, rec)
		if err != nil {
			return err
		}
		if _, err := tx.RecomputeLatest(ctx, entryID); err != nil {
			return err
		}
		if publish {
			if err := tx.InsertPublicationChange(ctx, rec.ID, req.Author, ts, true); err != nil {
				return err
			}
			if _, err := tx.RecomputeLatestPublished(ctx, entryID); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return model.ChangeRecord{}, fmt.Errorf("update %q: %w", key, err)
	}

	h.logger.Info("record written",
		"entry", rec.EntryID,
		"record", rec.ID,
		"key", key,
		"type", string(rec.Type),
		"chunk", string(rec.Chunk),
		"published", rec.Published,
	)

	var evs []events.Event
	if newEntry {
		evs = append(evs, events.Event{Type: events.EntryCreated, EntryID: rec.EntryID, RecordID: rec.ID, Key: key})
	}
	if oldKey != "" {
		evs = append(evs, events.Event{Type: events.EntryKeyChanged, EntryID: rec.EntryID, OldKey: oldKey, Key: key})
	}
	if publish {
		evs = append(evs, events.Event{Type: events.RecordPublished, EntryID: rec.EntryID, RecordID: rec.ID, Key: key})
		if !hadPublished {
			evs = append(evs, events.Event{Type: events.EntryNewlyPublished, EntryID: rec.EntryID, RecordID: rec.ID, Key: key})
		}
	}
	h.publish(ctx, evs...)

	if created {
		if err := h.chunks.Mirror(ctx, rec.Chunk, req.Content); err != nil {
			return rec, fmt.Errorf("record %d stored: %w", rec.ID, err)
		}
	}
	return rec, nil
}

// publishable stores the content ahead of the write so its validity can be
// computed without holding the write transaction.
func (h *History) publishable(ctx context.Context, content []byte) (bool, error) {
	id, err := h.chunks.Put(ctx, content)
	if err != nil {
		return false, err
	}
	v, err := h.chunks.Validity(ctx, id)
	if err != nil {
		return false, err
	}
	return v == model.ValidityValid, nil
}

// CanBePublished reports whether a record is visible and its chunk valid.
func (h *History) CanBePublished(ctx context.Context, rec model.ChangeRecord) (bool, error) {
	if rec.Hidden {
		return false, nil
	}
	v, err := h.chunks.Validity(ctx, rec.Chunk)
	if err != nil {
		return false, err
	}
	return v == model.ValidityValid, nil
}

// Publish marks a record published. It returns false, without error, when
// the record is already published or cannot be published.
func (h *History) Publish(ctx context.Context, recordID int64, author string) (bool, error) {
	if err := h.authorize("publish", author); err != nil {
		return false, err
	}
	rec, err := h.db.Read().Record(ctx, recordID)
	if err != nil {
		return false, fmt.Errorf("publish: %w", err)
	}
	if rec.Published {
		return false, nil
	}
	ok, err := h.CanBePublished(ctx, rec)
	if err != nil {
		return false, fmt.Errorf("publish record %d: %w", recordID, err)
	}
	if !ok {
		h.logger.Info("record not publishable", "record", recordID, "chunk", string(rec.Chunk))
		return false, nil
	}
	return h.setPublished(ctx, recordID, author, true)
}

// Unpublish clears the published flag of a record. It returns false when the
// record was not published.
func (h *History) Unpublish(ctx context.Context, recordID int64, author string) (bool, error) {
	if err := h.authorize("unpublish", author); err != nil {
		return false, err
	}
	return h.setPublished(ctx, recordID, author, false)
}

func (h *History) setPublished(ctx context.Context, recordID int64, author string, published bool) (bool, error) {
	var evs []events.Event
	changed := false
	err := h.db.WithTx(ctx, func(tx *store.Tx) error {
		rec, err := tx.Record(ctx, recordID)
		if err != nil {
			return err
		}
		if published && rec.Hidden {
			return nil
		}
		e, err := tx.Entry(ctx, rec.EntryID)
		if err != nil {
			return err
		}
		changed, err = tx.SetPublished(ctx, recordID, published)
		if err != nil || !changed {
			return err
		}
		if err := tx.InsertPublicationChange(ctx, recordID, author, h.now(), published); err != nil {
			return err
		}
		latestPublished, err := tx.RecomputeLatestPublished(ctx, e.ID)
		if err != nil {
			return err
		}

		base := events.Event{EntryID: e.ID, RecordID: recordID, Key: e.Key}
		if published {
			evs = append(evs, with(base, events.RecordPublished))
			if !e.HasPublished() {
				evs = append(evs, with(base, events.EntryNewlyPublished))
			}
		} else {
			evs = append(evs, with(base, events.RecordUnpublished))
			if latestPublished == 0 {
				evs = append(evs, with(base, events.EntryUnpublished))
			}
		}
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("set record %d published=%t: %w", recordID, published, err)
	}
	if changed {
		h.logger.Info("publication changed", "record", recordID, "published", published, "author", author)
		h.publish(ctx, evs...)
	}
	return changed, nil
}

func with(e events.Event, t events.Type) events.Event {
	e.Type = t
	return e
}

// MarkDeleted soft-deletes an entry and drops its lock. Returns false if the
// entry was already deleted.
func (h *History) MarkDeleted(ctx context.Context, entryID int64, author string) (bool, error) {
	return h.setDeleted(ctx, entryID, author, true)
}

// Undelete restores a deleted entry. Returns model.ErrKeyTaken when another
// live entry has taken its key meanwhile.
func (h *History) Undelete(ctx context.Context, entryID int64, author string) (bool, error) {
	return h.setDeleted(ctx, entryID, author, false)
}

func (h *History) setDeleted(ctx context.Context, entryID int64, author string, deleted bool) (bool, error) {
	if err := h.authorize("delete", author); err != nil {
		return false, err
	}
	var (
		e       model.Entry
		changed bool
	)
	err := h.db.WithTx(ctx, func(tx *store.Tx) error {
		var err error
		e, err = tx.Entry(ctx, entryID)
		if err != nil {
			return err
		}
		changed, err = tx.SetEntryDeleted(ctx, entryID, deleted)
		if err != nil || !changed {
			return err
		}
		if deleted {
			if _, err := tx.DeleteLock(ctx, entryID); err != nil {
				return err
			}
		}
		return tx.InsertDeletionChange(ctx, entryID, author, h.now(), deleted)
	})
	if err != nil {
		return false, fmt.Errorf("set entry %d deleted=%t: %w", entryID, deleted, err)
	}
	if changed {
		h.logger.Info("availability changed", "entry", entryID, "key", e.Key, "deleted", deleted, "author", author)
		h.publish(ctx, events.Event{Type: events.EntryAvailabilityChanged, EntryID: entryID, Key: e.Key, Deleted: deleted})
	}
	return changed, nil
}

func (h *History) publish(ctx context.Context, evs ...events.Event) {
	if err := h.bus.Publish(ctx, evs...); err != nil {
		h.logger.Warn("post-commit handlers failed", "error", err)
	}
}
