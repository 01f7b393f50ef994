package model

import (
	"fmt"
	"time"
)

// ChangeType classifies how a ChangeRecord came to be.
type ChangeType string

const (
	ChangeCreate         ChangeType = "CREATE"
	ChangeUpdate         ChangeType = "UPDATE"
	ChangeRevert         ChangeType = "REVERT"
	ChangeVersionUpgrade ChangeType = "VERSION_UPGRADE"
)

// Valid reports whether t is one of the known change types.
func (t ChangeType) Valid() bool {
	switch t {
	case ChangeCreate, ChangeUpdate, ChangeRevert, ChangeVersionUpgrade:
		return true
	}
	return false
}

// ChangeSubtype records whether a change was made by a person, by the
// system, or restored from an editor's recovery buffer.
type ChangeSubtype string

const (
	SubtypeManual    ChangeSubtype = "MANUAL"
	SubtypeAutomatic ChangeSubtype = "AUTOMATIC"
	SubtypeRecovery  ChangeSubtype = "RECOVERY"
)

// Valid reports whether s is one of the known subtypes.
func (s ChangeSubtype) Valid() bool {
	switch s {
	case SubtypeManual, SubtypeAutomatic, SubtypeRecovery:
		return true
	}
	return false
}

// ParseChangeType parses the textual form used by the CLI and scenarios.
func ParseChangeType(s string) (ChangeType, error) {
	t := ChangeType(s)
	if !t.Valid() {
		return "", fmt.Errorf("unknown change type %q", s)
	}
	return t, nil
}

// ParseChangeSubtype parses the textual form used by the CLI and scenarios.
func ParseChangeSubtype(s string) (ChangeSubtype, error) {
	st := ChangeSubtype(s)
	if !st.Valid() {
		return "", fmt.Errorf("unknown change subtype %q", s)
	}
	return st, nil
}

// Validity is the memoized tri-state result of validating a chunk.
type Validity int

const (
	ValidityUnknown Validity = iota
	ValidityValid
	ValidityInvalid
)

func (v Validity) String() string {
	switch v {
	case ValidityValid:
		return "valid"
	case ValidityInvalid:
		return "invalid"
	default:
		return "unknown"
	}
}

// ValidityOf converts a boolean validation outcome.
func ValidityOf(ok bool) Validity {
	if ok {
		return ValidityValid
	}
	return ValidityInvalid
}

// Chunk is an immutable, content-addressed article body.
// Content is never part of the struct; it is read through the chunk store.
type Chunk struct {
	ID            ChunkID  `json:"id"`
	Size          int64    `json:"size"`
	IsNormal      bool     `json:"is_normal"`
	SchemaVersion string   `json:"schema_version"`
	Validity      Validity `json:"validity"`
}

// Entry is a logical dictionary article.
type Entry struct {
	ID              int64  `json:"id"`
	Key             string `json:"key"`
	Latest          int64  `json:"latest,omitempty"`
	LatestPublished int64  `json:"latest_published,omitempty"`
	Deleted         bool   `json:"deleted"`
}

// HasPublished reports whether any record of the entry is published.
func (e Entry) HasPublished() bool {
	return e.LatestPublished != 0
}

// ChangeRecord is one historical version of an Entry.
// Only Published and Hidden ever change after the record is created.
type ChangeRecord struct {
	ID        int64         `json:"id"`
	EntryID   int64         `json:"entry_id"`
	Key       string        `json:"key"`
	Author    string        `json:"author"`
	Timestamp time.Time     `json:"timestamp"`
	Session   string        `json:"session"`
	Type      ChangeType    `json:"type"`
	Subtype   ChangeSubtype `json:"subtype"`
	Chunk     ChunkID       `json:"chunk"`
	Published bool          `json:"published"`
	Hidden    bool          `json:"hidden"`
	Note      string        `json:"note,omitempty"`
}

// PublicationChange is the audit row written by every publish and unpublish.
type PublicationChange struct {
	ID        int64     `json:"id"`
	RecordID  int64     `json:"record_id"`
	Author    string    `json:"author"`
	Timestamp time.Time `json:"timestamp"`
	Published bool      `json:"published"`
}

// DeletionChange is the audit row written when an entry is deleted or
// undeleted.
type DeletionChange struct {
	ID        int64     `json:"id"`
	EntryID   int64     `json:"entry_id"`
	Author    string    `json:"author"`
	Timestamp time.Time `json:"timestamp"`
	Deleted   bool      `json:"deleted"`
}

// Lock is a time-boxed editing claim on an Entry.
type Lock struct {
	EntryID    int64     `json:"entry_id"`
	Holder     string    `json:"holder"`
	AcquiredAt time.Time `json:"acquired_at"`
}

// Expirable reports whether the lock is older than ttl at instant now and
// may therefore be taken over by another holder.
func (l Lock) Expirable(now time.Time, ttl time.Duration) bool {
	return now.Sub(l.AcquiredAt) > ttl
}
