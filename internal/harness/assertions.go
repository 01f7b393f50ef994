package harness

import (
	"context"
	"fmt"
	"strings"
)

// AssertionError is returned when an assertion fails.
type AssertionError struct {
	Type     string // Assertion type for categorization
	Expected string // Human-readable expected outcome
	Actual   string // Human-readable actual outcome
}

func (e *AssertionError) Error() string {
	return fmt.Sprintf("assertion failed: %s: expected %s, got %s", e.Type, e.Expected, e.Actual)
}

// evaluate checks every assertion and returns the failure messages.
func (h *Harness) evaluate(ctx context.Context, assertions []Assertion) []string {
	var msgs []string
	for i, a := range assertions {
		if err := h.assert(ctx, a); err != nil {
			msgs = append(msgs, fmt.Sprintf("assertions[%d]: %v", i, err))
		}
	}
	return msgs
}

func (h *Harness) assert(ctx context.Context, a Assertion) error {
	switch a.Type {
	case AssertEntry:
		return h.assertEntry(ctx, a)
	case AssertVisibleRecords:
		return h.assertVisible(ctx, a)
	case AssertEventCount:
		return assertEventCount(h.result.Events(), a)
	case AssertEventOrder:
		return assertEventOrder(h.result.Events(), a)
	case AssertLock:
		return h.assertLock(ctx, a)
	}
	return fmt.Errorf("unknown assertion type %q", a.Type)
}

func (h *Harness) assertEntry(ctx context.Context, a Assertion) error {
	id, err := h.entryID(a.Entry)
	if err != nil {
		return err
	}
	e, err := h.p.History.Entry(ctx, id)
	if err != nil {
		return err
	}
	if a.Latest != "" && h.pointer(e.Latest) != a.Latest {
		return &AssertionError{Type: "entry.latest", Expected: a.Latest, Actual: h.pointer(e.Latest)}
	}
	if a.LatestPublished != "" && h.pointer(e.LatestPublished) != a.LatestPublished {
		return &AssertionError{Type: "entry.latest_published", Expected: a.LatestPublished, Actual: h.pointer(e.LatestPublished)}
	}
	if a.Deleted != nil && e.Deleted != *a.Deleted {
		return &AssertionError{Type: "entry.deleted", Expected: fmt.Sprint(*a.Deleted), Actual: fmt.Sprint(e.Deleted)}
	}
	return nil
}

func (h *Harness) assertVisible(ctx context.Context, a Assertion) error {
	id, err := h.entryID(a.Entry)
	if err != nil {
		return err
	}
	recs, err := h.p.History.Records(ctx, id, false)
	if err != nil {
		return err
	}
	if len(recs) != a.Count {
		return &AssertionError{Type: AssertVisibleRecords, Expected: fmt.Sprint(a.Count), Actual: fmt.Sprint(len(recs))}
	}
	return nil
}

func (h *Harness) assertLock(ctx context.Context, a Assertion) error {
	id, err := h.entryID(a.Entry)
	if err != nil {
		return err
	}
	l, err := h.p.Locks.Holder(ctx, id)
	if err != nil {
		return err
	}
	actual := ""
	if l != nil {
		actual = l.Holder
	}
	if actual != a.Who {
		return &AssertionError{Type: AssertLock, Expected: quoteHolder(a.Who), Actual: quoteHolder(actual)}
	}
	return nil
}

func quoteHolder(who string) string {
	if who == "" {
		return "unlocked"
	}
	return who
}

// eventType is the first word of an event line.
func eventType(line string) string {
	t, _, _ := strings.Cut(line, " ")
	return t
}

func assertEventCount(lines []string, a Assertion) error {
	n := 0
	for _, l := range lines {
		if eventType(l) == a.Event {
			n++
		}
	}
	if n != a.Count {
		return &AssertionError{Type: AssertEventCount, Expected: fmt.Sprintf("%d %s events", a.Count, a.Event), Actual: fmt.Sprint(n)}
	}
	return nil
}

// assertEventOrder checks that the event types appear in the given order.
// Other events may appear in between.
func assertEventOrder(lines []string, a Assertion) error {
	next := 0
	for _, l := range lines {
		if next < len(a.Events) && eventType(l) == a.Events[next] {
			next++
		}
	}
	if next != len(a.Events) {
		return &AssertionError{
			Type:     AssertEventOrder,
			Expected: strings.Join(a.Events, ", "),
			Actual:   fmt.Sprintf("only the first %d found in order", next),
		}
	}
	return nil
}
