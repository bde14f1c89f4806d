package tuning

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
)

//go:embed tuning.schema.json
var schemaJSON string

type Tuning struct {
	WorldID string `yaml:"world_id" json:"world_id"`

	FlushEveryMs         int `yaml:"flush_every_ms" json:"flush_every_ms"`
	SnapshotEveryFlushes int `yaml:"snapshot_every_flushes" json:"snapshot_every_flushes"`

	CacheMaxCost int64 `yaml:"cache_max_cost" json:"cache_max_cost"`
	ZstdLevel    int   `yaml:"zstd_level" json:"zstd_level"`
	MirrorQueue  int   `yaml:"mirror_queue" json:"mirror_queue"`

	// Enables go-deadlock's lock-order detection on chunk locks.
	DebugLocks bool `yaml:"debug_locks" json:"debug_locks"`

	Log LogConfig `yaml:"log" json:"log"`
}

type LogConfig struct {
	Level      string `yaml:"level" json:"level"`
	File       string `yaml:"file" json:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb" json:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups" json:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days" json:"max_age_days"`
}

func Defaults() Tuning {
	return Tuning{
		WorldID:              "OVERWORLD",
		FlushEveryMs:         1000,
		SnapshotEveryFlushes: 60,
		CacheMaxCost:         64 << 20,
		ZstdLevel:            3,
		MirrorQueue:          1024,
		Log: LogConfig{
			Level:      "info",
			MaxSizeMB:  64,
			MaxBackups: 5,
			MaxAgeDays: 14,
		},
	}
}

// Load reads a tuning file over Defaults, then normalizes and validates it.
func Load(path string) (Tuning, error) {
	t := Defaults()
	raw, err := os.ReadFile(path)
	if err != nil {
		return t, err
	}
	if err := yaml.Unmarshal(raw, &t); err != nil {
		return t, fmt.Errorf("tuning.yaml: %w", err)
	}
	t.Normalize()
	if err := t.Validate(); err != nil {
		return t, fmt.Errorf("tuning.yaml: %w", err)
	}
	return t, nil
}

// Normalize trims strings and fills unset values from Defaults.
func (t *Tuning) Normalize() {
	d := Defaults()
	t.WorldID = strings.TrimSpace(t.WorldID)
	if t.WorldID == "" {
		t.WorldID = d.WorldID
	}
	if t.FlushEveryMs <= 0 {
		t.FlushEveryMs = d.FlushEveryMs
	}
	if t.ZstdLevel == 0 {
		t.ZstdLevel = d.ZstdLevel
	}
	if t.MirrorQueue <= 0 {
		t.MirrorQueue = d.MirrorQueue
	}
	t.Log.Level = strings.ToLower(strings.TrimSpace(t.Log.Level))
	if t.Log.Level == "" {
		t.Log.Level = d.Log.Level
	}
	t.Log.File = strings.TrimSpace(t.Log.File)
}

var (
	schemaOnce sync.Once
	schema     *jsonschema.Schema
	schemaErr  error
)

func compiledSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		c := jsonschema.NewCompiler()
		if err := c.AddResource("tuning.schema.json", strings.NewReader(schemaJSON)); err != nil {
			schemaErr = err
			return
		}
		schema, schemaErr = c.Compile("tuning.schema.json")
	})
	return schema, schemaErr
}

// Validate checks t against the embedded JSON schema.
func (t Tuning) Validate() error {
	s, err := compiledSchema()
	if err != nil {
		return fmt.Errorf("compile schema: %w", err)
	}
	raw, err := json.Marshal(t)
	if err != nil {
		return err
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return err
	}
	return s.Validate(doc)
}
