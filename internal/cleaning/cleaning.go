// Package cleaning hides obsolete change records.
//
// A cleaner turns the visible records into candidates and hides every
// candidate that passes all of its checks. Hidden records stay in the
// database, so the entry's latest pointer and the audit trail are unaffected.
// Chunks only referenced by hidden records are still referenced; the cleaner
// never deletes anything itself.
package cleaning

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/gobwas/glob"

	"github.com/roach88/lexicon/internal/events"
	"github.com/roach88/lexicon/internal/metrics"
	"github.com/roach88/lexicon/internal/model"
	"github.com/roach88/lexicon/internal/store"
)

// Candidate is a visible record considered by a cleaner.
type Candidate struct {
	store.CleaningRow

	// Keeper is the record of the candidate's group that must survive.
	Keeper int64
	Now    time.Time
}

// Check is a named predicate. A candidate is cleaned iff every check
// passes.
type Check struct {
	Name string
	Pass func(c Candidate) bool
}

// Options restricts a run.
type Options struct {
	DryRun bool
	// KeyGlob limits the run to entries whose key matches.
	KeyGlob string
}

// Report summarizes a run.
type Report struct {
	Cleaner  string  `json:"cleaner"`
	Examined int     `json:"examined"`
	ToClean  []int64 `json:"to_clean"`
	Cleaned  int     `json:"cleaned"`
	Kept     int     `json:"kept"`
	DryRun   bool    `json:"dry_run"`
}

// Deps are the collaborators every cleaner needs.
type Deps struct {
	DB      *store.Store
	Events  *events.Bus
	Metrics *metrics.Collectors
	Logger  *slog.Logger
	Now     func() time.Time
}

func (d Deps) withDefaults() Deps {
	if d.Logger == nil {
		d.Logger = slog.New(slog.DiscardHandler)
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	return d
}

// Cleaner hides the candidates passing all of its checks.
type Cleaner struct {
	name       string
	checks     []Check
	candidates func(rows []store.CleaningRow, now time.Time) []Candidate
	deps       Deps
}

// Name returns the cleaner's name.
func (c *Cleaner) Name() string {
	return c.name
}

// Checks returns the cleaner's checks in evaluation order.
func (c *Cleaner) Checks() []Check {
	return c.checks
}

// ShouldClean evaluates the checks in order and reports the first failing
// one.
func (c *Cleaner) ShouldClean(cand Candidate) (bool, string) {
	for _, chk := range c.checks {
		if !chk.Pass(cand) {
			return false, chk.Name
		}
	}
	return true, ""
}

// Run examines every visible record and hides those to clean.
func (c *Cleaner) Run(ctx context.Context, opts Options) (Report, error) {
	report := Report{Cleaner: c.name, ToClean: []int64{}, DryRun: opts.DryRun}

	var match glob.Glob
	if opts.KeyGlob != "" {
		g, err := glob.Compile(opts.KeyGlob)
		if err != nil {
			return report, fmt.Errorf("%s: compile key glob %q: %w", c.name, opts.KeyGlob, err)
		}
		match = g
	}

	rows, err := c.deps.DB.Read().CleaningRows(ctx)
	if err != nil {
		return report, fmt.Errorf("%s: %w", c.name, err)
	}
	if match != nil {
		filtered := rows[:0]
		for _, r := range rows {
			if match.Match(r.EntryKey) {
				filtered = append(filtered, r)
			}
		}
		rows = filtered
	}

	for _, cand := range c.candidates(rows, c.deps.Now()) {
		report.Examined++
		if ok, _ := c.ShouldClean(cand); ok {
			report.ToClean = append(report.ToClean, cand.Record.ID)
		} else {
			report.Kept++
		}
	}

	if opts.DryRun || len(report.ToClean) == 0 {
		c.log(report)
		return report, nil
	}

	hidden, err := c.hide(ctx, report.ToClean)
	if err != nil {
		return report, fmt.Errorf("%s: %w", c.name, err)
	}
	report.Cleaned = len(hidden)
	c.deps.Metrics.Hidden(c.name, len(hidden))
	c.log(report)

	evs := make([]events.Event, len(hidden))
	for i, r := range hidden {
		evs[i] = events.Event{Type: events.RecordHidden, EntryID: r.EntryID, RecordID: r.ID, Key: r.Key}
	}
	if err := c.deps.Events.Publish(ctx, evs...); err != nil {
		c.deps.Logger.Warn("record hidden handlers failed", "cleaner", c.name, "error", err)
	}
	return report, nil
}

// hide flips the hidden flag in one transaction. A record that became
// published or latest since the scan is left alone.
func (c *Cleaner) hide(ctx context.Context, ids []int64) ([]model.ChangeRecord, error) {
	var hidden []model.ChangeRecord
	err := c.deps.DB.WithTx(ctx, func(tx *store.Tx) error {
		for _, id := range ids {
			rec, err := tx.Record(ctx, id)
			if err != nil {
				return err
			}
			e, err := tx.Entry(ctx, rec.EntryID)
			if err != nil {
				return err
			}
			if rec.Published || rec.ID == e.Latest {
				continue
			}
			changed, err := tx.SetHidden(ctx, id)
			if err != nil {
				return err
			}
			if changed {
				hidden = append(hidden, rec)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return hidden, nil
}

func (c *Cleaner) log(r Report) {
	c.deps.Logger.Info("cleaner finished",
		"cleaner", c.name,
		"examined", r.Examined,
		"to_clean", len(r.ToClean),
		"cleaned", r.Cleaned,
		"kept", r.Kept,
		"dry_run", r.DryRun,
	)
}

// Common checks.
var (
	NotPublished = Check{Name: "not_published", Pass: func(c Candidate) bool { return !c.Record.Published }}
	NotLatest    = Check{Name: "not_latest", Pass: func(c Candidate) bool { return c.Record.ID != c.Latest }}
	NotKeeper    = Check{Name: "not_keeper", Pass: func(c Candidate) bool { return c.Record.ID != c.Keeper }}
)
