package history

import (
	"context"
	"errors"

	"github.com/roach88/lexicon/internal/model"
)

// Entry returns an entry by id.
func (h *History) Entry(ctx context.Context, id int64) (model.Entry, error) {
	return h.db.Read().Entry(ctx, id)
}

// EntryByKey returns the live entry holding key.
func (h *History) EntryByKey(ctx context.Context, key string) (model.Entry, error) {
	return h.db.Read().EntryByKey(ctx, model.NormalizeKey(key))
}

// Record returns a change record by id.
func (h *History) Record(ctx context.Context, id int64) (model.ChangeRecord, error) {
	return h.db.Read().Record(ctx, id)
}

// Records returns the history of an entry, oldest first.
func (h *History) Records(ctx context.Context, entryID int64, includeHidden bool) ([]model.ChangeRecord, error) {
	return h.db.Read().Records(ctx, entryID, includeHidden)
}

// PublicationLog returns the publish/unpublish trail of a record.
func (h *History) PublicationLog(ctx context.Context, recordID int64) ([]model.PublicationChange, error) {
	return h.db.Read().PublicationChanges(ctx, recordID)
}

// DeletionLog returns the delete/undelete trail of an entry.
func (h *History) DeletionLog(ctx context.Context, entryID int64) ([]model.DeletionChange, error) {
	return h.db.Read().DeletionChanges(ctx, entryID)
}

// ResolveKey resolves a cross reference. In the published view only entries
// with a published record resolve.
func (h *History) ResolveKey(ctx context.Context, key string, state model.PublicationState) (int64, bool, error) {
	e, err := h.EntryByKey(ctx, key)
	if errors.Is(err, model.ErrNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	if state == model.Published && !e.HasPublished() {
		return 0, false, nil
	}
	return e.ID, true, nil
}
