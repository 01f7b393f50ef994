package chunks

import (
	"context"
	"errors"
	"fmt"

	"github.com/roach88/lexicon/internal/events"
	"github.com/roach88/lexicon/internal/model"
	"github.com/roach88/lexicon/internal/store"
)

// Collect deletes every chunk without referencing change records and
// returns the deleted ids. An attempt that races with a writer is retried
// up to the configured number of attempts.
func (s *Store) Collect(ctx context.Context) ([]model.ChunkID, error) {
	for attempt := 1; ; attempt++ {
		removed, err := s.collectOnce(ctx, attempt)
		if err == nil {
			s.metrics.Collected(len(removed))
			if len(removed) > 0 {
				s.logger.Info("chunks collected", "count", len(removed), "attempts", attempt)
				s.publishCollected(ctx, removed)
			}
			return removed, nil
		}
		if !errors.Is(err, model.ErrTransientConflict) || attempt >= s.maxAttempts {
			return nil, fmt.Errorf("collect chunks (attempt %d): %w", attempt, err)
		}
		s.metrics.GCConflict()
		s.logger.Warn("chunk collection conflicted, retrying", "attempt", attempt, "error", err)
	}
}

func (s *Store) collectOnce(ctx context.Context, attempt int) ([]model.ChunkID, error) {
	candidates, err := s.db.Read().UnreferencedChunks(ctx)
	if err != nil {
		return nil, transient(err)
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	if s.beforeDelete != nil {
		s.beforeDelete(attempt)
	}

	var removed []model.ChunkID
	err = s.db.WithTx(ctx, func(tx *store.Tx) error {
		for _, id := range candidates {
			deleted, err := tx.DeleteChunk(ctx, id)
			if err != nil {
				return transient(err)
			}
			if deleted {
				removed = append(removed, id)
			}
		}
		// Secondary artifacts go before commit; a purge failure keeps the
		// chunk rows so the next pass retries the whole set.
		for _, id := range removed {
			if err := s.purge(ctx, id); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, transient(err)
	}
	return removed, nil
}

func (s *Store) purge(ctx context.Context, id model.ChunkID) error {
	s.cache.Del(string(id))

	s.mu.RLock()
	purgers := s.purgers
	s.mu.RUnlock()

	for _, p := range purgers {
		if err := p.PurgeChunk(ctx, id); err != nil {
			return fmt.Errorf("purge chunk %s: %w", id, err)
		}
	}
	return nil
}

func (s *Store) publishCollected(ctx context.Context, ids []model.ChunkID) {
	evs := make([]events.Event, len(ids))
	for i, id := range ids {
		evs[i] = events.Event{Type: events.ChunkCollected, Chunk: id}
	}
	_ = s.events.Publish(ctx, evs...)
}

// transient marks foreign key and busy failures as retryable conflicts.
func transient(err error) error {
	if err == nil || errors.Is(err, model.ErrTransientConflict) {
		return err
	}
	if store.IsForeignKeyViolation(err) || store.IsBusy(err) {
		return fmt.Errorf("%w: %w", model.ErrTransientConflict, err)
	}
	return err
}
