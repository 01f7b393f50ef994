// Package model provides the domain types shared by every lexicon package.
//
// This package contains type definitions, content hashing and key helpers
// only. All other internal packages import model; model imports nothing
// internal.
//
// Key design constraints:
//   - Chunk identity is the SHA-1 hex digest of the raw article bytes
//   - Entry keys are NFC-normalized before they are stored or compared
//   - Timestamps are wall-clock instants persisted as Unix nanoseconds
//   - Zero int64 ids mean "not yet persisted" or "no record"
package model
