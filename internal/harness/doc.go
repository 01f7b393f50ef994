// Package harness runs YAML scenarios against a fully wired platform and
// produces a deterministic trace for golden-file comparison.
//
// # Scenario Format
//
//	name: abcd_publication
//	description: "What this scenario validates"
//	config:
//	  lock_ttl: 15m
//	steps:
//	  - op: write
//	    key: abcd
//	    as: t1
//	    content: "<entry><lemma>abcd</lemma></entry>"
//	  - op: publish
//	    record: t1
//	    expect:
//	      result: "true"
//	  - op: advance
//	    by: 8m
//	assertions:
//	  - type: entry
//	    entry: abcd
//	    latest: t1
//	    latest_published: t1
//
// Records are referred to by the label given in "as", entries by key.
//
// # Determinism
//
// Every scenario runs on a fresh in-memory database, cache and index with a
// controllable clock starting at testutil.Epoch and sequential task ids.
// The clock advances one second before each write so no two records share
// a timestamp. Chunk validity requires an <entry> document element.
//
// # Trace
//
// The trace has one line per step with its outcome, followed by the events
// the step published, indented. Resource change notifications are left out;
// render outcomes show their effect.
package harness
