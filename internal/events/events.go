// Package events is the in-process notification bus. Producers publish only
// after their transaction has committed, so a handler never observes state
// that could still roll back.
package events

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/roach88/lexicon/internal/model"
)

// Type names an event kind.
type Type string

const (
	EntryCreated             Type = "entry_created"
	EntryNewlyPublished      Type = "entry_newly_published"
	EntryUnpublished         Type = "entry_unpublished"
	RecordPublished          Type = "record_published"
	RecordUnpublished        Type = "record_unpublished"
	EntryAvailabilityChanged Type = "entry_availability_changed"
	EntryKeyChanged          Type = "entry_key_changed"
	RecordHidden             Type = "record_hidden"
	ChunkCollected           Type = "chunk_collected"
	ResourceChanged          Type = "resource_changed"
)

// Event is a single notification. Only the fields relevant to Type are set.
type Event struct {
	Type     Type
	EntryID  int64
	RecordID int64
	Key      string
	OldKey   string
	Chunk    model.ChunkID
	Deleted  bool
	Dependee string
}

func (e Event) String() string {
	switch e.Type {
	case EntryKeyChanged:
		return fmt.Sprintf("%s entry=%d %q->%q", e.Type, e.EntryID, e.OldKey, e.Key)
	case EntryAvailabilityChanged:
		return fmt.Sprintf("%s entry=%d key=%q deleted=%t", e.Type, e.EntryID, e.Key, e.Deleted)
	case ChunkCollected:
		return fmt.Sprintf("%s chunk=%s", e.Type, e.Chunk)
	case ResourceChanged:
		return fmt.Sprintf("%s %s", e.Type, e.Dependee)
	case RecordPublished, RecordUnpublished, RecordHidden:
		return fmt.Sprintf("%s entry=%d record=%d", e.Type, e.EntryID, e.RecordID)
	default:
		return fmt.Sprintf("%s entry=%d key=%q", e.Type, e.EntryID, e.Key)
	}
}

// Handler receives a published event.
type Handler func(ctx context.Context, e Event) error

type subscription struct {
	typ Type // empty matches every type
	fn  Handler
}

// Bus dispatches events synchronously, in subscription order.
// The zero value is not usable; call NewBus.
type Bus struct {
	mu     sync.RWMutex
	subs   []subscription
	logger *slog.Logger
}

// NewBus creates an empty bus. A nil logger discards output.
func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Bus{logger: logger}
}

// Subscribe registers fn for events of type t.
func (b *Bus) Subscribe(t Type, fn Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = append(b.subs, subscription{typ: t, fn: fn})
}

// SubscribeAll registers fn for every event.
func (b *Bus) SubscribeAll(fn Handler) {
	b.Subscribe("", fn)
}

// Publish delivers each event to its subscribers. Handler errors are logged
// and returned joined; they never stop delivery to later handlers.
func (b *Bus) Publish(ctx context.Context, events ...Event) error {
	if b == nil || len(events) == 0 {
		return nil
	}

	b.mu.RLock()
	subs := make([]subscription, len(b.subs))
	copy(subs, b.subs)
	b.mu.RUnlock()

	var errs []error
	for _, e := range events {
		for _, s := range subs {
			if s.typ != "" && s.typ != e.Type {
				continue
			}
			if err := s.fn(ctx, e); err != nil {
				b.logger.Error("event handler failed", "event", string(e.Type), "entry", e.EntryID, "error", err)
				errs = append(errs, fmt.Errorf("handle %s: %w", e.Type, err))
			}
		}
	}
	return errors.Join(errs...)
}

// Recorder collects every event published on a bus. Used by tests and the
// scenario harness.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// Attach subscribes the recorder to every event on b.
func (r *Recorder) Attach(b *Bus) *Recorder {
	b.SubscribeAll(func(_ context.Context, e Event) error {
		r.mu.Lock()
		r.events = append(r.events, e)
		r.mu.Unlock()
		return nil
	})
	return r
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// Types returns the recorded event types in order.
func (r *Recorder) Types() []Type {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Type, len(r.events))
	for i, e := range r.events {
		out[i] = e.Type
	}
	return out
}

// Reset drops recorded events.
func (r *Recorder) Reset() {
	r.mu.Lock()
	r.events = nil
	r.mu.Unlock()
}
