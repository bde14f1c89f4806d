package tuning

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultsValidate(t *testing.T) {
	if err := Defaults().Validate(); err != nil {
		t.Fatalf("defaults: %v", err)
	}
}

func TestLoadRepoConfig(t *testing.T) {
	tu, err := Load("../../../configs/tuning.yaml")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if tu.WorldID != "OVERWORLD" || tu.FlushEveryMs != 1000 || tu.MirrorQueue != 1024 {
		t.Fatalf("unexpected tuning: %+v", tu)
	}
}

func TestLoadFillsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tuning.yaml")
	if err := os.WriteFile(path, []byte("world_id: \"  w2 \"\nlog:\n  level: DEBUG\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	tu, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if tu.WorldID != "w2" {
		t.Fatalf("world_id=%q want w2", tu.WorldID)
	}
	if tu.Log.Level != "debug" {
		t.Fatalf("level=%q want debug", tu.Log.Level)
	}
	if tu.FlushEveryMs != 1000 || tu.ZstdLevel != 3 {
		t.Fatalf("defaults not applied: %+v", tu)
	}
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]func(*Tuning){
		"bad world id":   func(t *Tuning) { t.WorldID = "has space" },
		"flush too fast": func(t *Tuning) { t.FlushEveryMs = 10 },
		"zstd level":     func(t *Tuning) { t.ZstdLevel = 30 },
		"log level":      func(t *Tuning) { t.Log.Level = "loud" },
		"negative cost":  func(t *Tuning) { t.CacheMaxCost = -1 },
	}
	for name, mutate := range cases {
		tu := Defaults()
		mutate(&tu)
		if err := tu.Validate(); err == nil {
			t.Fatalf("%s: expected validation error", name)
		}
	}
}

func TestLoadRejectsBadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tuning.yaml")
	if err := os.WriteFile(path, []byte("flush_every_ms: [1,2\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatalf("expected yaml error")
	}
}
