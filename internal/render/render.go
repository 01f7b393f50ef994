// Package render computes the display artifact of a chunk.
//
// Rendering resolves every cross reference against the history of the
// requested view: the published view only links to entries that have a
// published record, the draft view to any live entry. Every reference and
// bibliography item consulted is reported as a dependee so the derived cache
// can invalidate the artifact when the target changes.
package render

import (
	"bytes"
	"context"
	"encoding/json"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/roach88/lexicon/internal/derived"
	"github.com/roach88/lexicon/internal/model"
)

// Resolver resolves an entry key in one publication view.
type Resolver interface {
	ResolveKey(ctx context.Context, key string, state model.PublicationState) (entryID int64, ok bool, err error)
}

// ChunkSource returns chunk content.
type ChunkSource interface {
	Get(ctx context.Context, id model.ChunkID) ([]byte, error)
}

// RecordSource returns change records.
type RecordSource interface {
	Record(ctx context.Context, id int64) (model.ChangeRecord, error)
}

// Link is a cross reference to another entry.
type Link struct {
	Key      string `json:"key"`
	EntryID  int64  `json:"entry_id,omitempty"`
	Resolved bool   `json:"resolved"`
}

// Display is the rendered form of a chunk.
type Display struct {
	Chunk        model.ChunkID `json:"chunk"`
	State        string        `json:"state"`
	Lemma        string        `json:"lemma"`
	Text         string        `json:"text"`
	Links        []Link        `json:"links"`
	Bibliography []string      `json:"bibliography"`
}

// Renderer builds display artifacts. It holds no cache; see Service.
type Renderer struct {
	Chunks   ChunkSource
	Resolver Resolver
}

// Render parses the chunk and resolves its references.
func (r *Renderer) Render(ctx context.Context, id model.ChunkID, state model.PublicationState) (Display, []string, error) {
	content, err := r.Chunks.Get(ctx, id)
	if err != nil {
		return Display{}, nil, err
	}
	parsed, err := parse(content)
	if err != nil {
		return Display{}, nil, fmt.Errorf("render %s: %w", id, err)
	}

	d := Display{
		Chunk:        id,
		State:        state.String(),
		Lemma:        parsed.lemma,
		Text:         parsed.text,
		Links:        []Link{},
		Bibliography: parsed.bibl,
	}
	dependees := make(map[string]struct{})
	for _, key := range parsed.refs {
		key = model.NormalizeKey(key)
		dependees[model.LemmaDependee(key)] = struct{}{}

		entryID, ok, err := r.Resolver.ResolveKey(ctx, key, state)
		if err != nil {
			return Display{}, nil, fmt.Errorf("resolve %q: %w", key, err)
		}
		d.Links = append(d.Links, Link{Key: key, EntryID: entryID, Resolved: ok})
	}
	for _, b := range parsed.bibl {
		dependees[model.BibliographyDependee(b)] = struct{}{}
	}

	out := make([]string, 0, len(dependees))
	for k := range dependees {
		out = append(out, k)
	}
	sort.Strings(out)
	return d, out, nil
}

// Compute renders and encodes an artifact for the derived cache.
func (r *Renderer) Compute(id model.ChunkID, state model.PublicationState) derived.ComputeFunc {
	return func(ctx context.Context) (derived.Artifact, error) {
		d, deps, err := r.Render(ctx, id, state)
		if err != nil {
			return derived.Artifact{}, err
		}
		value, err := json.Marshal(d)
		if err != nil {
			return derived.Artifact{}, fmt.Errorf("encode display: %w", err)
		}
		return derived.Artifact{Value: value, Dependees: deps}, nil
	}
}

type parsed struct {
	lemma string
	text  string
	refs  []string
	bibl  []string
}

func parse(content []byte) (parsed, error) {
	dec := xml.NewDecoder(bytes.NewReader(content))
	var (
		p       parsed
		text    []string
		inLemma bool
		seenRef = map[string]bool{}
		seenBib = map[string]bool{}
	)
	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return parsed{}, fmt.Errorf("parse xml: %w", err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			switch t.Name.Local {
			case "lemma":
				inLemma = true
			case "ref":
				if k := attr(t, "lemma"); k != "" && !seenRef[k] {
					seenRef[k] = true
					p.refs = append(p.refs, k)
				}
			case "bibl":
				if id := attr(t, "id"); id != "" && !seenBib[id] {
					seenBib[id] = true
					p.bibl = append(p.bibl, id)
				}
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
				p.lemma = strings.TrimSpace(p.lemma + " " + s)
			}
			text = append(text, s)
		}
	}
	if p.bibl == nil {
		p.bibl = []string{}
	}
	p.text = strings.Join(text, " ")
	return p, nil
}

func attr(e xml.StartElement, name string) string {
	for _, a := range e.Attr {
		if a.Name.Local == name {
			return strings.TrimSpace(a.Value)
		}
	}
	return ""
}
