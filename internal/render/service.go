package render

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/roach88/lexicon/internal/derived"
	"github.com/roach88/lexicon/internal/model"
)

// Service serves display artifacts through the derived cache.
type Service struct {
	renderer *Renderer
	records  RecordSource
	cache    *derived.Cache
}

// NewService creates a display service.
func NewService(renderer *Renderer, records RecordSource, cache *derived.Cache) *Service {
	return &Service{renderer: renderer, records: records, cache: cache}
}

// Display returns the display of chunk id in state. When another task is
// rendering the slot the status is StatusPending and the Display is empty.
func (s *Service) Display(ctx context.Context, id model.ChunkID, state model.PublicationState) (Display, derived.Status, error) {
	a, st, err := s.cache.Ensure(ctx, model.DisplayKey(id, state), s.renderer.Compute(id, state))
	if err != nil {
		return Display{}, st, err
	}
	if st == derived.StatusPending {
		return Display{}, st, nil
	}
	var d Display
	if err := json.Unmarshal(a.Value, &d); err != nil {
		return Display{}, st, fmt.Errorf("decode display %s: %w", id, err)
	}
	return d, st, nil
}

// DisplayRecord renders the chunk of a record in the view matching its
// publication flag.
func (s *Service) DisplayRecord(ctx context.Context, recordID int64) (Display, derived.Status, error) {
	rec, err := s.records.Record(ctx, recordID)
	if err != nil {
		return Display{}, derived.StatusAbsent, err
	}
	return s.Display(ctx, rec.Chunk, model.PublicationState(rec.Published))
}

// Prefetch schedules background rendering of both views of a chunk.
func (s *Service) Prefetch(ctx context.Context, id model.ChunkID) ([]string, error) {
	var ids []string
	for _, state := range []model.PublicationState{model.Draft, model.Published} {
		taskID, err := s.cache.Submit(ctx, model.DisplayKey(id, state), s.renderer.Compute(id, state))
		if err != nil {
			return ids, err
		}
		ids = append(ids, taskID)
	}
	return ids, nil
}
