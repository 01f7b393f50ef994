// Package store provides SQLite-backed durable storage for lexicon history.
//
// The store holds:
//   - Chunks: content-addressed article bodies (zstd-compressed at rest)
//   - Entries: logical articles with latest/latest-published pointers
//   - Change records: append-only versions; only published/hidden flip
//   - Publication and deletion changes: audit trail rows
//   - Locks: at most one editing lock per entry
//
// # Constraints
//
//   - UNIQUE(entry_id, timestamp, type) on change_records
//   - UNIQUE(key) on live (non-deleted) entries, as a partial index
//   - UNIQUE(entry_id) on locks
//   - change_records.chunk_hash REFERENCES chunks(hash): a referenced chunk
//     cannot be deleted, which is what makes optimistic chunk GC safe
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Enforce referential integrity
//   - _txlock=immediate: every transaction takes the write lock up front, so
//     read-then-write sequences (lock acquisition, pointer recomputation)
//     are serialized
//
// All mutating operations go through WithTx; Read returns a Tx bound to the
// database for single statements outside a transaction.
package store
