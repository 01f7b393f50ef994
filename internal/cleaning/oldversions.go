package cleaning

import (
	"time"

	"github.com/roach88/lexicon/internal/model"
	"github.com/roach88/lexicon/internal/store"
)

const (
	// OldVersionsName identifies the old version cleaner.
	OldVersionsName = "old_versions"

	// DefaultMinAge is how old a record must be before it may be hidden.
	DefaultMinAge = 90 * 24 * time.Hour
)

// NewOldVersionCleaner returns the cleaner that hides stale machine-made
// and recovery records that were never published and are not the latest.
func NewOldVersionCleaner(deps Deps, minAge time.Duration) *Cleaner {
	if minAge <= 0 {
		minAge = DefaultMinAge
	}
	oldEnough := Check{Name: "old_enough", Pass: func(c Candidate) bool {
		return c.Now.Sub(c.Record.Timestamp) > minAge
	}}
	rightType := Check{Name: "right_type", Pass: func(c Candidate) bool {
		r := c.Record
		return r.Subtype == model.SubtypeRecovery ||
			(r.Type == model.ChangeUpdate && r.Subtype == model.SubtypeAutomatic)
	}}
	return &Cleaner{
		name:       OldVersionsName,
		checks:     []Check{NotPublished, NotLatest, oldEnough, rightType},
		candidates: everyRow,
		deps:       deps.withDefaults(),
	}
}

func everyRow(rows []store.CleaningRow, now time.Time) []Candidate {
	out := make([]Candidate, len(rows))
	for i, r := range rows {
		out[i] = Candidate{CleaningRow: r, Now: now}
	}
	return out
}
