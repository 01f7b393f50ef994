package cleaning

import (
	"time"

	"github.com/roach88/lexicon/internal/model"
	"github.com/roach88/lexicon/internal/store"
)

// CollapserName identifies the collapser in reports and metrics.
const CollapserName = "collapse"

// NewCollapser returns the cleaner that collapses runs of records sharing
// the same content. Within each (entry, chunk) group of two or more visible
// records one keeper survives: the newest published record, or the newest
// record when none is published.
func NewCollapser(deps Deps) *Cleaner {
	return &Cleaner{
		name:       CollapserName,
		checks:     []Check{NotPublished, NotLatest, NotKeeper},
		candidates: collapseCandidates,
		deps:       deps.withDefaults(),
	}
}

type groupKey struct {
	entry int64
	chunk model.ChunkID
}

// collapseCandidates expects rows ordered oldest first within an entry.
func collapseCandidates(rows []store.CleaningRow, now time.Time) []Candidate {
	groups := make(map[groupKey][]store.CleaningRow)
	var order []groupKey
	for _, r := range rows {
		k := groupKey{entry: r.Record.EntryID, chunk: r.Record.Chunk}
		if _, ok := groups[k]; !ok {
			order = append(order, k)
		}
		groups[k] = append(groups[k], r)
	}

	var out []Candidate
	for _, k := range order {
		g := groups[k]
		if len(g) < 2 {
			continue
		}
		keeper := keeperOf(g)
		for _, r := range g {
			out = append(out, Candidate{CleaningRow: r, Keeper: keeper, Now: now})
		}
	}
	return out
}

func keeperOf(group []store.CleaningRow) int64 {
	for i := len(group) - 1; i >= 0; i-- {
		if group[i].Record.Published {
			return group[i].Record.ID
		}
	}
	return group[len(group)-1].Record.ID
}
