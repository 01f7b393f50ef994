// Package config loads the lexicon configuration file.
//
// The file is YAML. Omitted keys keep their Default value and unknown keys
// are rejected. The decoded result is checked against an embedded CUE
// schema before it is returned.
package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"gopkg.in/yaml.v3"
)

//go:embed schema.cue
var schemaSource string

// Config is the full configuration.
type Config struct {
	Database      string   `yaml:"database"`
	CacheDir      string   `yaml:"cache_dir"`
	IndexDir      string   `yaml:"index_dir"`
	XMLDir        string   `yaml:"xml_dir"`
	SchemaVersion string   `yaml:"schema_version"`
	Authors       []string `yaml:"authors"`

	Locks    Locks    `yaml:"locks"`
	Cache    Cache    `yaml:"cache"`
	Tasks    Tasks    `yaml:"tasks"`
	GC       GC       `yaml:"gc"`
	Cleaning Cleaning `yaml:"cleaning"`
}

type Locks struct {
	TTL Duration `yaml:"ttl"`
}

type Cache struct {
	MarkerTTL       Duration `yaml:"marker_ttl"`
	FrontSize       int      `yaml:"front_size"`
	ChunkCacheBytes int64    `yaml:"chunk_cache_bytes"`
}

type Tasks struct {
	Workers int `yaml:"workers"`
}

type GC struct {
	MaxAttempts int `yaml:"max_attempts"`
}

type Cleaning struct {
	MinAge Duration `yaml:"min_age"`
	// Interval of the periodic maintenance job; 0 disables it.
	Interval Duration `yaml:"interval"`
}

// Default returns the configuration used when no file is given.
// Empty directories mean in-memory storage.
func Default() Config {
	return Config{
		Database:      "lexicon.db",
		SchemaVersion: "1",
		Locks:         Locks{TTL: Duration(15 * time.Minute)},
		Cache: Cache{
			MarkerTTL:       Duration(10 * time.Minute),
			FrontSize:       1024,
			ChunkCacheBytes: 64 << 20,
		},
		Tasks:    Tasks{Workers: 4},
		GC:       GC{MaxAttempts: 5},
		Cleaning: Cleaning{MinAge: Duration(90 * 24 * time.Hour), Interval: Duration(24 * time.Hour)},
	}
}

// Load reads and validates the file at path. An empty path yields Default.
func Load(path string) (Config, error) {
	if path == "" {
		cfg := Default()
		return cfg, cfg.Validate()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return Config{}, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes YAML over Default and validates the result.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(strings.NewReader(string(data)))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// schemaView is the shape checked by schema.cue. Durations are nanoseconds.
type schemaView struct {
	Database      string   `json:"database"`
	CacheDir      string   `json:"cache_dir"`
	IndexDir      string   `json:"index_dir"`
	XMLDir        string   `json:"xml_dir"`
	SchemaVersion string   `json:"schema_version"`
	Authors       []string `json:"authors"`
	Locks         struct {
		TTL int64 `json:"ttl"`
	} `json:"locks"`
	Cache struct {
		MarkerTTL       int64 `json:"marker_ttl"`
		FrontSize       int   `json:"front_size"`
		ChunkCacheBytes int64 `json:"chunk_cache_bytes"`
	} `json:"cache"`
	Tasks struct {
		Workers int `json:"workers"`
	} `json:"tasks"`
	GC struct {
		MaxAttempts int `json:"max_attempts"`
	} `json:"gc"`
	Cleaning struct {
		MinAge   int64 `json:"min_age"`
		Interval int64 `json:"interval"`
	} `json:"cleaning"`
}

func (c Config) view() schemaView {
	var v schemaView
	v.Database = c.Database
	v.CacheDir = c.CacheDir
	v.IndexDir = c.IndexDir
	v.XMLDir = c.XMLDir
	v.SchemaVersion = c.SchemaVersion
	v.Authors = c.Authors
	if v.Authors == nil {
		v.Authors = []string{}
	}
	v.Locks.TTL = int64(c.Locks.TTL)
	v.Cache.MarkerTTL = int64(c.Cache.MarkerTTL)
	v.Cache.FrontSize = c.Cache.FrontSize
	v.Cache.ChunkCacheBytes = c.Cache.ChunkCacheBytes
	v.Tasks.Workers = c.Tasks.Workers
	v.GC.MaxAttempts = c.GC.MaxAttempts
	v.Cleaning.MinAge = int64(c.Cleaning.MinAge)
	v.Cleaning.Interval = int64(c.Cleaning.Interval)
	return v
}

// Validate checks c against the embedded schema.
func (c Config) Validate() error {
	ctx := cuecontext.New()
	schema := ctx.CompileString(schemaSource, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return fmt.Errorf("compile config schema: %w", err)
	}
	def := schema.LookupPath(cue.ParsePath("#Config"))
	v := def.Unify(ctx.Encode(c.view()))
	if err := v.Validate(cue.Concrete(true)); err != nil {
		return fmt.Errorf("invalid config: %s", strings.TrimSpace(cueerrors.Details(err, nil)))
	}
	return nil
}

// Duration is a time.Duration written as a string in YAML ("15m", "90d").
type Duration time.Duration

// D returns d as a time.Duration.
func (d Duration) D() time.Duration {
	return time.Duration(d)
}

func (d Duration) String() string {
	return time.Duration(d).String()
}

func (d *Duration) UnmarshalYAML(n *yaml.Node) error {
	var s string
	if err := n.Decode(&s); err != nil {
		return err
	}
	parsed, err := ParseDuration(s)
	if err != nil {
		return fmt.Errorf("line %d: %w", n.Line, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return d.String(), nil
}

// ParseDuration is time.ParseDuration plus a whole-day "d" suffix.
func ParseDuration(s string) (time.Duration, error) {
	if days, ok := strings.CutSuffix(s, "d"); ok {
		n, err := strconv.Atoi(days)
		if err != nil {
			return 0, fmt.Errorf("invalid duration %q", s)
		}
		return time.Duration(n) * 24 * time.Hour, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q", s)
	}
	return d, nil
}
