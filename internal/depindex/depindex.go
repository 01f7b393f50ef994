// Package depindex is the reverse-dependency index of derived artifacts.
//
// For every dependee (an external resource such as "lemma:Haus" or
// "bibliography:123") it stores the set of cache keys whose last successful
// computation consulted it. Each (dependee, dependent) pair is its own
// badger key, so recording is idempotent and concurrent records never
// overwrite each other. A mirrored reverse key per pair lets Forget drop
// all pairs of one dependent without scanning every dependee.
package depindex

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/dgraph-io/badger/v4"

	"github.com/roach88/lexicon/internal/model"
)

const (
	forwardPrefix = "dep/"
	reversePrefix = "rdep/"
	sep           = "\x00"
)

// Set is a set of cache keys.
type Set map[model.CacheKey]struct{}

// Sorted returns the keys in lexical order.
func (s Set) Sorted() []model.CacheKey {
	out := make([]model.CacheKey, 0, len(s))
	for k := range s {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Index stores dependee → dependents pairs in badger.
type Index struct {
	db *badger.DB
}

// New wraps an open badger database.
func New(db *badger.DB) *Index {
	return &Index{db: db}
}

func forwardKey(dependee string, dependent model.CacheKey) []byte {
	return []byte(forwardPrefix + dependee + sep + string(dependent))
}

func reverseKey(dependent model.CacheKey, dependee string) []byte {
	return []byte(reversePrefix + string(dependent) + sep + dependee)
}

// Record adds dependents under dependee. Recording an existing pair is a
// no-op.
func (idx *Index) Record(_ context.Context, dependee string, dependents ...model.CacheKey) error {
	if len(dependents) == 0 {
		return nil
	}
	wb := idx.db.NewWriteBatch()
	defer wb.Cancel()
	for _, d := range dependents {
		if err := wb.Set(forwardKey(dependee, d), nil); err != nil {
			return fmt.Errorf("record %s -> %s: %w", dependee, d, err)
		}
		if err := wb.Set(reverseKey(d, dependee), nil); err != nil {
			return fmt.Errorf("record %s -> %s: %w", dependee, d, err)
		}
	}
	if err := wb.Flush(); err != nil {
		return fmt.Errorf("record %s: %w", dependee, err)
	}
	return nil
}

// RecordAll records dependent under every dependee.
func (idx *Index) RecordAll(ctx context.Context, dependent model.CacheKey, dependees []string) error {
	for _, d := range dependees {
		if err := idx.Record(ctx, d, dependent); err != nil {
			return err
		}
	}
	return nil
}

// Get returns the dependents of dependee, or nil when there are none.
func (idx *Index) Get(ctx context.Context, dependee string) (Set, error) {
	return idx.GetUnion(ctx, []string{dependee})
}

// GetUnion returns the union of the dependents of every dependee, or nil
// when there are none.
func (idx *Index) GetUnion(_ context.Context, dependees []string) (Set, error) {
	var out Set
	err := idx.db.View(func(txn *badger.Txn) error {
		for _, dependee := range dependees {
			prefix := []byte(forwardPrefix + dependee + sep)
			err := scan(txn, prefix, func(rest string) {
				if out == nil {
					out = make(Set)
				}
				out[model.CacheKey(rest)] = struct{}{}
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("read dependents: %w", err)
	}
	return out, nil
}

// Dependees returns what dependent consulted during its last computation,
// sorted.
func (idx *Index) Dependees(_ context.Context, dependent model.CacheKey) ([]string, error) {
	var out []string
	err := idx.db.View(func(txn *badger.Txn) error {
		return scan(txn, []byte(reversePrefix+string(dependent)+sep), func(rest string) {
			out = append(out, rest)
		})
	})
	if err != nil {
		return nil, fmt.Errorf("read dependees of %s: %w", dependent, err)
	}
	sort.Strings(out)
	return out, nil
}

// DeleteMany removes every pair of the given dependees.
func (idx *Index) DeleteMany(_ context.Context, dependees []string) error {
	var doomed [][]byte
	err := idx.db.View(func(txn *badger.Txn) error {
		for _, dependee := range dependees {
			err := scan(txn, []byte(forwardPrefix+dependee+sep), func(rest string) {
				doomed = append(doomed,
					forwardKey(dependee, model.CacheKey(rest)),
					reverseKey(model.CacheKey(rest), dependee))
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("scan dependees: %w", err)
	}
	return idx.deleteKeys(doomed)
}

// Forget removes every pair whose dependent is key.
func (idx *Index) Forget(_ context.Context, key model.CacheKey) error {
	var doomed [][]byte
	err := idx.db.View(func(txn *badger.Txn) error {
		return scan(txn, []byte(reversePrefix+string(key)+sep), func(dependee string) {
			doomed = append(doomed, reverseKey(key, dependee), forwardKey(dependee, key))
		})
	})
	if err != nil {
		return fmt.Errorf("scan dependent %s: %w", key, err)
	}
	return idx.deleteKeys(doomed)
}

func (idx *Index) deleteKeys(keys [][]byte) error {
	if len(keys) == 0 {
		return nil
	}
	wb := idx.db.NewWriteBatch()
	defer wb.Cancel()
	for _, k := range keys {
		if err := wb.Delete(k); err != nil {
			return fmt.Errorf("delete %q: %w", k, err)
		}
	}
	if err := wb.Flush(); err != nil {
		return fmt.Errorf("flush deletes: %w", err)
	}
	return nil
}

// scan calls fn with the remainder of every key under prefix.
func scan(txn *badger.Txn, prefix []byte, fn func(rest string)) error {
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	opts.Prefix = prefix
	it := txn.NewIterator(opts)
	defer it.Close()

	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		k := string(it.Item().Key())
		fn(strings.TrimPrefix(k, string(prefix)))
	}
	return nil
}
