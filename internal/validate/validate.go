// Package validate decides whether chunk content may be published.
//
// Schema and schematron rules live outside this module; Validator is the
// seam where they plug in. WellFormed is the built-in syntax check used to
// set a chunk's IsNormal flag.
package validate

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
)

// Validator checks content against a schema version.
type Validator interface {
	Validate(content []byte, schemaVersion string) (bool, error)
	SchematronCheck(content []byte, schemaVersion string) (bool, error)
}

// Funcs adapts two functions to Validator. A nil function accepts.
type Funcs struct {
	ValidateFunc   func(content []byte, schemaVersion string) (bool, error)
	SchematronFunc func(content []byte, schemaVersion string) (bool, error)
}

func (f Funcs) Validate(content []byte, schemaVersion string) (bool, error) {
	if f.ValidateFunc == nil {
		return true, nil
	}
	return f.ValidateFunc(content, schemaVersion)
}

func (f Funcs) SchematronCheck(content []byte, schemaVersion string) (bool, error) {
	if f.SchematronFunc == nil {
		return true, nil
	}
	return f.SchematronFunc(content, schemaVersion)
}

// AcceptAll accepts every well-formed chunk.
var AcceptAll Validator = Funcs{}

// RequireRoot returns a Validator whose schema check requires the document
// element to be named root.
func RequireRoot(root string) Validator {
	return Funcs{
		ValidateFunc: func(content []byte, _ string) (bool, error) {
			name, err := rootName(content)
			if err != nil {
				return false, nil
			}
			return name == root, nil
		},
	}
}

// WellFormed reports whether content parses as XML with exactly one
// document element.
func WellFormed(content []byte) bool {
	_, err := rootName(content)
	return err == nil
}

var errNoRoot = errors.New("no document element")

func rootName(content []byte) (string, error) {
	dec := xml.NewDecoder(bytes.NewReader(content))
	var (
		root  string
		depth int
		roots int
	)
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", fmt.Errorf("parse: %w", err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			if depth == 0 {
				roots++
				root = t.Name.Local
			}
			depth++
		case xml.EndElement:
			depth--
		case xml.CharData:
			if depth == 0 && len(bytes.TrimSpace(t)) > 0 {
				return "", errors.New("text outside document element")
			}
		}
	}
	if roots == 0 {
		return "", errNoRoot
	}
	if roots > 1 {
		return "", fmt.Errorf("%d document elements", roots)
	}
	return root, nil
}
