package events

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBus_DispatchesByType(t *testing.T) {
	bus := NewBus(nil)
	var got []string

	bus.Subscribe(EntryUnpublished, func(_ context.Context, e Event) error {
		got = append(got, "unpublished:"+e.Key)
		return nil
	})
	bus.SubscribeAll(func(_ context.Context, e Event) error {
		got = append(got, "all:"+string(e.Type))
		return nil
	})

	err := bus.Publish(context.Background(),
		Event{Type: RecordPublished, EntryID: 1},
		Event{Type: EntryUnpublished, EntryID: 1, Key: "abcd"},
	)
	require.NoError(t, err)
	assert.Equal(t, []string{
		"all:record_published",
		"unpublished:abcd",
		"all:entry_unpublished",
	}, got)
}

func TestBus_HandlerErrorsJoinedAndDeliveryContinues(t *testing.T) {
	bus := NewBus(nil)
	first := errors.New("first")
	calls := 0

	bus.SubscribeAll(func(context.Context, Event) error { return first })
	bus.SubscribeAll(func(context.Context, Event) error {
		calls++
		return nil
	})

	err := bus.Publish(context.Background(), Event{Type: RecordHidden}, Event{Type: RecordHidden})
	assert.ErrorIs(t, err, first)
	assert.Equal(t, 2, calls)
}

func TestBus_NilAndEmpty(t *testing.T) {
	var bus *Bus
	assert.NoError(t, bus.Publish(context.Background(), Event{Type: RecordHidden}))
	assert.NoError(t, NewBus(nil).Publish(context.Background()))
}

func TestRecorder(t *testing.T) {
	bus := NewBus(nil)
	rec := (&Recorder{}).Attach(bus)

	require.NoError(t, bus.Publish(context.Background(), Event{Type: EntryKeyChanged, OldKey: "a", Key: "b"}))
	assert.Equal(t, []Type{EntryKeyChanged}, rec.Types())
	assert.Equal(t, `entry_key_changed entry=0 "a"->"b"`, rec.Events()[0].String())

	rec.Reset()
	assert.Empty(t, rec.Events())
}
