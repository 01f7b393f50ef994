package model

import (
	"errors"
	"fmt"
)

// Synchronous rejections. None of these are retried.
var (
	// ErrInvalidTransition indicates a history mutation that violates the
	// record ordering rules, such as an UPDATE before the first CREATE.
	ErrInvalidTransition = errors.New("invalid transition")

	// ErrPermissionDenied indicates the acting user lacks authoring rights.
	ErrPermissionDenied = errors.New("permission denied")

	// ErrKeyTaken indicates another live entry already uses the key.
	ErrKeyTaken = errors.New("entry key already in use")

	// ErrNotFound indicates the referenced entry, record or chunk is absent.
	ErrNotFound = errors.New("not found")
)

// ErrTransientConflict indicates a concurrent writer interfered with a
// multi-step store operation. Callers retry it with a bounded loop.
var ErrTransientConflict = errors.New("transient store conflict")

// ErrLockNotHeld is wrapped in a ProtocolError when a caller releases a lock
// that does not exist or belongs to someone else.
var ErrLockNotHeld = errors.New("lock not held by caller")

// ProtocolError reports a caller that broke the usage protocol of a
// component. It is a programming error: it must propagate and never be
// retried or masked.
type ProtocolError struct {
	Op      string
	EntryID int64
	Who     string
	Err     error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol violation in %s (entry=%d, who=%s): %v", e.Op, e.EntryID, e.Who, e.Err)
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}

// IsProtocolError returns true if err is or wraps a ProtocolError.
func IsProtocolError(err error) bool {
	var pe *ProtocolError
	return errors.As(err, &pe)
}
