package harness

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/roach88/lexicon/internal/config"
)

// Scenario is a sequence of operations plus assertions on the final state.
type Scenario struct {
	// Name uniquely identifies this scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Config overrides platform defaults.
	Config Overrides `yaml:"config,omitempty"`

	Steps      []Step      `yaml:"steps"`
	Assertions []Assertion `yaml:"assertions"`
}

// Overrides are the configuration knobs a scenario may change.
type Overrides struct {
	LockTTL   config.Duration `yaml:"lock_ttl,omitempty"`
	MarkerTTL config.Duration `yaml:"marker_ttl,omitempty"`
	MinAge    config.Duration `yaml:"min_age,omitempty"`
	Authors   []string        `yaml:"authors,omitempty"`
}

// Step is one operation. Only the fields relevant to Op are read.
type Step struct {
	Op string `yaml:"op"`

	// write
	Key     string `yaml:"key,omitempty"`
	Type    string `yaml:"type,omitempty"`
	Subtype string `yaml:"subtype,omitempty"`
	Content string `yaml:"content,omitempty"`
	Publish bool   `yaml:"publish,omitempty"`
	As      string `yaml:"as,omitempty"`

	// Entry names an existing entry by key. On write it selects the entry
	// to update under Key.
	Entry  string `yaml:"entry,omitempty"`
	Record string `yaml:"record,omitempty"`
	Author string `yaml:"author,omitempty"`
	Who    string `yaml:"who,omitempty"`

	// advance
	By config.Duration `yaml:"by,omitempty"`

	// clean
	Cleaner string `yaml:"cleaner,omitempty"`
	DryRun  bool   `yaml:"dry_run,omitempty"`
	KeyGlob string `yaml:"key_glob,omitempty"`

	// resource_changed
	Dependees []string `yaml:"dependees,omitempty"`

	Expect *Expect `yaml:"expect,omitempty"`
}

// Expect is the expected outcome of a step.
type Expect struct {
	// Result must equal the step outcome.
	Result string `yaml:"result,omitempty"`
	// Error names the expected error kind, e.g. "key_taken".
	Error string `yaml:"error,omitempty"`
}

// Step operations.
const (
	OpWrite           = "write"
	OpPublish         = "publish"
	OpUnpublish       = "unpublish"
	OpDelete          = "delete"
	OpUndelete        = "undelete"
	OpInspect         = "inspect"
	OpLock            = "lock"
	OpRelease         = "release"
	OpSweep           = "sweep"
	OpAdvance         = "advance"
	OpClean           = "clean"
	OpGC              = "gc"
	OpRender          = "render"
	OpResourceChanged = "resource_changed"
)

// Assertion validates the final state.
type Assertion struct {
	// Type is one of entry, visible_records, event_count, event_order, lock.
	Type string `yaml:"type"`

	Entry string `yaml:"entry,omitempty"`

	// entry
	Latest          string `yaml:"latest,omitempty"`
	LatestPublished string `yaml:"latest_published,omitempty"`
	Deleted         *bool  `yaml:"deleted,omitempty"`

	// visible_records, event_count
	Count int `yaml:"count,omitempty"`

	// event_count
	Event string `yaml:"event,omitempty"`

	// event_order
	Events []string `yaml:"events,omitempty"`

	// lock; empty means unlocked.
	Who string `yaml:"who,omitempty"`
}

// Assertion type constants.
const (
	AssertEntry          = "entry"
	AssertVisibleRecords = "visible_records"
	AssertEventCount     = "event_count"
	AssertEventOrder     = "event_order"
	AssertLock           = "lock"
)

// LoadScenario reads and parses a scenario YAML file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is missing required fields.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario parses and validates a scenario document.
func ParseScenario(data []byte) (*Scenario, error) {
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true) // Reject unknown fields
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// LoadScenarios loads every *.yaml file in dir, sorted by file name.
func LoadScenarios(dir string) ([]*Scenario, error) {
	paths, err := filepath.Glob(filepath.Join(dir, "*.yaml"))
	if err != nil {
		return nil, err
	}
	sort.Strings(paths)

	out := make([]*Scenario, 0, len(paths))
	for _, p := range paths {
		s, err := LoadScenario(p)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", filepath.Base(p), err)
		}
		out = append(out, s)
	}
	return out, nil
}

func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}

	labels := map[string]bool{}
	for i, step := range s.Steps {
		if err := validateStep(i, &step, labels); err != nil {
			return err
		}
	}
	for i, a := range s.Assertions {
		if err := validateAssertion(i, &a); err != nil {
			return err
		}
	}
	return nil
}

func validateStep(i int, s *Step, labels map[string]bool) error {
	need := func(field, value string) error {
		if value == "" {
			return fmt.Errorf("steps[%d]: %s is required for %s", i, field, s.Op)
		}
		return nil
	}
	needRecord := func() error {
		if err := need("record", s.Record); err != nil {
			return err
		}
		if !labels[s.Record] {
			return fmt.Errorf("steps[%d]: unknown record label %q", i, s.Record)
		}
		return nil
	}

	var err error
	switch s.Op {
	case OpWrite:
		if err = need("key", s.Key); err == nil && s.As != "" {
			if labels[s.As] {
				return fmt.Errorf("steps[%d]: duplicate record label %q", i, s.As)
			}
			labels[s.As] = true
		}
	case OpPublish, OpUnpublish, OpRender:
		err = needRecord()
	case OpDelete, OpUndelete, OpInspect, OpLock, OpRelease:
		err = need("entry", s.Entry)
		if err == nil && (s.Op == OpLock || s.Op == OpRelease) {
			err = need("who", s.Who)
		}
	case OpAdvance:
		if s.By <= 0 {
			err = fmt.Errorf("steps[%d]: by must be positive for advance", i)
		}
	case OpClean:
		err = need("cleaner", s.Cleaner)
	case OpResourceChanged:
		if len(s.Dependees) == 0 {
			err = fmt.Errorf("steps[%d]: dependees are required for resource_changed", i)
		}
	case OpSweep, OpGC:
	case "":
		err = fmt.Errorf("steps[%d]: op is required", i)
	default:
		err = fmt.Errorf("steps[%d]: unknown op %q", i, s.Op)
	}
	if err != nil {
		return err
	}
	if s.Expect != nil && s.Expect.Result == "" && s.Expect.Error == "" {
		return fmt.Errorf("steps[%d].expect: result or error is required", i)
	}
	return nil
}

func validateAssertion(index int, a *Assertion) error {
	switch a.Type {
	case AssertEntry, AssertVisibleRecords, AssertLock:
		if a.Entry == "" {
			return fmt.Errorf("assertions[%d]: entry is required for %s", index, a.Type)
		}
	case AssertEventCount:
		if a.Event == "" {
			return fmt.Errorf("assertions[%d]: event is required for event_count", index)
		}
	case AssertEventOrder:
		if len(a.Events) == 0 {
			return fmt.Errorf("assertions[%d]: events list is required for event_order", index)
		}
	case "":
		return fmt.Errorf("assertions[%d]: type is required", index)
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	if a.Count < 0 {
		return fmt.Errorf("assertions[%d]: count must be non-negative", index)
	}
	return nil
}
