package cleaning

import (
	"context"

	"github.com/roach88/lexicon/internal/model"
	"github.com/roach88/lexicon/internal/tasks"
)

// Collector removes unreferenced chunks.
type Collector interface {
	Collect(ctx context.Context) ([]model.ChunkID, error)
}

// Maintenance returns a task body running every cleaner and then chunk
// collection. It stops at the first error.
func Maintenance(gc Collector, cleaners ...*Cleaner) tasks.Func {
	return func(ctx context.Context) error {
		for _, c := range cleaners {
			if _, err := c.Run(ctx, Options{}); err != nil {
				return err
			}
		}
		if gc == nil {
			return nil
		}
		_, err := gc.Collect(ctx)
		return err
	}
}
