// Package search maintains a full-text index over chunk content.
package search

import (
	"bytes"
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/blevesearch/bleve/v2"

	"github.com/roach88/lexicon/internal/model"
)

// document is the indexed form of a chunk.
type document struct {
	Lemma string `json:"lemma"`
	Text  string `json:"text"`
}

// Index is a bleve index keyed by chunk id.
type Index struct {
	bi bleve.Index
}

// Open opens the index stored at path, creating it if absent.
// An empty path creates an in-memory index.
func Open(path string) (*Index, error) {
	if path == "" {
		bi, err := bleve.NewMemOnly(bleve.NewIndexMapping())
		if err != nil {
			return nil, fmt.Errorf("create memory index: %w", err)
		}
		return &Index{bi: bi}, nil
	}

	bi, err := bleve.Open(path)
	if errors.Is(err, bleve.ErrorIndexPathDoesNotExist) {
		bi, err = bleve.New(path, bleve.NewIndexMapping())
	}
	if err != nil {
		return nil, fmt.Errorf("open search index %s: %w", path, err)
	}
	return &Index{bi: bi}, nil
}

// Close releases the index.
func (idx *Index) Close() error {
	return idx.bi.Close()
}

// IndexChunk adds or replaces the document of a chunk.
func (idx *Index) IndexChunk(_ context.Context, id model.ChunkID, content []byte) error {
	if err := idx.bi.Index(string(id), extract(content)); err != nil {
		return fmt.Errorf("index chunk %s: %w", id, err)
	}
	return nil
}

// PurgeChunk removes the document of a chunk.
func (idx *Index) PurgeChunk(_ context.Context, id model.ChunkID) error {
	if err := idx.bi.Delete(string(id)); err != nil {
		return fmt.Errorf("unindex chunk %s: %w", id, err)
	}
	return nil
}

// Search runs a match query and returns matching chunk ids by score.
func (idx *Index) Search(_ context.Context, q string, limit int) ([]model.ChunkID, error) {
	if limit <= 0 {
		limit = 10
	}
	req := bleve.NewSearchRequest(bleve.NewMatchQuery(q))
	req.Size = limit

	result, err := idx.bi.Search(req)
	if err != nil {
		return nil, fmt.Errorf("search %q: %w", q, err)
	}

	ids := make([]model.ChunkID, 0, len(result.Hits))
	for _, hit := range result.Hits {
		ids = append(ids, model.ChunkID(hit.ID))
	}
	return ids, nil
}

// Count returns the number of indexed documents.
func (idx *Index) Count() (uint64, error) {
	return idx.bi.DocCount()
}

// extract collects the headword and all character data of an article.
// Content that does not parse is indexed as raw text.
func extract(content []byte) document {
	dec := xml.NewDecoder(bytes.NewReader(content))
	var (
		doc     document
		text    strings.Builder
		inLemma bool
	)
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return document{Text: string(content)}
		}
		switch t := tok.(type) {
		case xml.StartElement:
			if t.Name.Local == "lemma" {
				inLemma = true
			}
		case xml.EndElement:
			if t.Name.Local == "lemma" {
				inLemma = false
			}
		case xml.CharData:
			s := strings.TrimSpace(string(t))
			if s == "" {
				continue
			}
			if inLemma {
				doc.Lemma = strings.TrimSpace(doc.Lemma + " " + s)
			}
			if text.Len() > 0 {
				text.WriteByte(' ')
			}
			text.WriteString(s)
		}
	}
	doc.Text = text.String()
	return doc
}
