// Package chunks is the content-addressed store of article bodies.
//
// A chunk is identified by the SHA-1 of its raw bytes and never changes once
// written. Bodies are kept zstd-compressed in SQLite and served through a
// ristretto read cache. New chunks are pushed to secondary indexes (the XML
// mirror and the search index) after the writing transaction commits.
//
// Collect deletes chunks no change record references. The unreferenced set is
// scanned outside the deleting transaction, so a writer may reference a
// candidate in between; the foreign key then fails the delete, and the whole
// attempt is rolled back and retried.
package chunks
