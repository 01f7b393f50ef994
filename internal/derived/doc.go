// Package derived caches expensive artifacts computed from chunks.
//
// Each cache slot lives in badger under "slot/<cache key>" and holds either
// a finished artifact or an in-progress marker naming the task computing it.
// A caller that finds the slot empty claims it by writing its marker inside a
// badger transaction; badger's conflict detection guarantees exactly one
// claimant. Callers that find another task's marker get StatusPending and do
// not compute.
//
// Markers carry a TTL so a task that dies without running its failure path
// cannot block a slot forever.
//
// When a computation succeeds, the dependees it consulted replace the key's
// previous rows in the dependency index. Invalidator turns resource change
// notifications into slot deletions, always clearing the index rows before
// the slots.
package derived
