package derived

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/roach88/lexicon/internal/depindex"
	"github.com/roach88/lexicon/internal/events"
	"github.com/roach88/lexicon/internal/model"
)

// Invalidator drops cached artifacts when a resource they consulted changes.
type Invalidator struct {
	deps   *depindex.Index
	cache  *Cache
	bus    *events.Bus
	logger *slog.Logger
}

// NewInvalidator creates an invalidator. bus may be nil.
func NewInvalidator(deps *depindex.Index, cache *Cache, bus *events.Bus, logger *slog.Logger) *Invalidator {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Invalidator{deps: deps, cache: cache, bus: bus, logger: logger}
}

// ResourceChanged invalidates every artifact depending on the dependees and
// returns the invalidated keys. Index rows are removed before the slots so a
// recomputation racing with this call re-records its dependencies against a
// clean index.
func (inv *Invalidator) ResourceChanged(ctx context.Context, dependees ...string) ([]model.CacheKey, error) {
	if len(dependees) == 0 {
		return nil, nil
	}

	set, err := inv.deps.GetUnion(ctx, dependees)
	if err != nil {
		return nil, fmt.Errorf("resource changed: %w", err)
	}
	keys := set.Sorted()

	if err := inv.deps.DeleteMany(ctx, dependees); err != nil {
		return nil, fmt.Errorf("resource changed: %w", err)
	}
	for _, k := range keys {
		if err := inv.deps.Forget(ctx, k); err != nil {
			return nil, fmt.Errorf("resource changed: %w", err)
		}
	}
	if err := inv.cache.Invalidate(ctx, keys...); err != nil {
		return nil, fmt.Errorf("resource changed: %w", err)
	}

	inv.logger.Info("resources changed", "dependees", dependees, "invalidated", len(keys))

	evs := make([]events.Event, len(dependees))
	for i, d := range dependees {
		evs[i] = events.Event{Type: events.ResourceChanged, Dependee: d}
	}
	if err := inv.bus.Publish(ctx, evs...); err != nil {
		inv.logger.Warn("resource change notification failed", "error", err)
	}
	return keys, nil
}

// Subscribe wires history events to lemma invalidations: whatever changes
// what a key resolves to in either view invalidates artifacts linking to it.
func (inv *Invalidator) Subscribe(bus *events.Bus) {
	byKey := func(ctx context.Context, e events.Event) error {
		_, err := inv.ResourceChanged(ctx, model.LemmaDependee(e.Key))
		return err
	}
	for _, t := range []events.Type{
		events.EntryCreated,
		events.EntryNewlyPublished,
		events.EntryUnpublished,
		events.RecordPublished,
		events.RecordUnpublished,
		events.EntryAvailabilityChanged,
	} {
		bus.Subscribe(t, byKey)
	}
	bus.Subscribe(events.EntryKeyChanged, func(ctx context.Context, e events.Event) error {
		_, err := inv.ResourceChanged(ctx, model.LemmaDependee(e.OldKey), model.LemmaDependee(e.Key))
		return err
	})
}
