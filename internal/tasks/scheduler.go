package tasks

import (
	"context"
	"time"
)

// Every submits fn to q once per interval until ctx is done. A tick is
// skipped while the previous run is still queued or running.
//
// Every blocks; run it in its own goroutine.
func (q *Queue) Every(ctx context.Context, interval time.Duration, name string, fn Func) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var last *Task
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if last != nil {
			select {
			case <-last.Done():
			default:
				q.logger.Debug("scheduled task still running, skipping tick", "task", name)
				continue
			}
		}

		t, err := q.Submit(name, fn)
		if err != nil {
			q.logger.Debug("scheduler stopped", "task", name, "error", err)
			return
		}
		last = t
	}
}
