// Package xmlstore mirrors chunk XML into a secondary document store used
// for cross-article XQuery-style lookups. The store itself is external;
// this package defines the contract plus a filesystem and an in-memory
// implementation.
package xmlstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/roach88/lexicon/internal/model"
)

// Store is the secondary XML document store.
type Store interface {
	Put(ctx context.Context, docPath string, data []byte) error
	Remove(ctx context.Context, docPath string) error
	Exists(ctx context.Context, docPath string) (bool, error)
}

// ChunkPath is the document path of a chunk.
func ChunkPath(id model.ChunkID) string {
	return "/chunks/" + string(id) + ".xml"
}

// Mirror adapts a Store to the chunk store's indexer contract.
type Mirror struct {
	Store Store
}

// IndexChunk stores the chunk content under ChunkPath.
func (m Mirror) IndexChunk(ctx context.Context, id model.ChunkID, content []byte) error {
	if err := m.Store.Put(ctx, ChunkPath(id), content); err != nil {
		return fmt.Errorf("xml store put %s: %w", id, err)
	}
	return nil
}

// PurgeChunk removes the chunk document. Missing documents are not an error.
func (m Mirror) PurgeChunk(ctx context.Context, id model.ChunkID) error {
	if err := m.Store.Remove(ctx, ChunkPath(id)); err != nil {
		return fmt.Errorf("xml store remove %s: %w", id, err)
	}
	return nil
}

// Dir stores documents as files below Root.
type Dir struct {
	Root string
}

func (d Dir) resolve(docPath string) (string, error) {
	clean := path.Clean("/" + docPath)
	if clean == "/" || strings.Contains(clean, "..") {
		return "", fmt.Errorf("invalid document path %q", docPath)
	}
	return filepath.Join(d.Root, filepath.FromSlash(clean)), nil
}

// Put writes data atomically through a temp file and rename.
func (d Dir) Put(_ context.Context, docPath string, data []byte) error {
	p, err := d.resolve(docPath)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return fmt.Errorf("create directory: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(p), ".put-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name()) // No-op after rename

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write %s: %w", docPath, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close %s: %w", docPath, err)
	}
	if err := os.Rename(tmp.Name(), p); err != nil {
		return fmt.Errorf("rename %s: %w", docPath, err)
	}
	return nil
}

// Remove deletes a document. Missing documents are ignored.
func (d Dir) Remove(_ context.Context, docPath string) error {
	p, err := d.resolve(docPath)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove %s: %w", docPath, err)
	}
	return nil
}

// Exists reports whether the document is present.
func (d Dir) Exists(_ context.Context, docPath string) (bool, error) {
	p, err := d.resolve(docPath)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(p)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("stat %s: %w", docPath, err)
	}
	return true, nil
}

// Memory is an in-memory Store for tests and ephemeral deployments.
type Memory struct {
	mu   sync.RWMutex
	docs map[string][]byte
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{docs: make(map[string][]byte)}
}

func (m *Memory) Put(_ context.Context, docPath string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.docs[docPath] = append([]byte(nil), data...)
	return nil
}

func (m *Memory) Remove(_ context.Context, docPath string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.docs, docPath)
	return nil
}

func (m *Memory) Exists(_ context.Context, docPath string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.docs[docPath]
	return ok, nil
}

// Paths returns the stored document paths, sorted.
func (m *Memory) Paths() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.docs))
	for p := range m.docs {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}
