package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"steadyscope/internal/motion"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	t.Setenv(EnvVar, filepath.Join(t.TempDir(), "absent.json"))
	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Motion.MaxShiftW != motion.DefaultMaxShift || cfg.Storage.Driver != "sqlite" {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}
}

func TestLoadJSONOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	body := `{"motion": {"max_shift_w": 8, "method": "zncc"}, "storage": {"driver": "sqlite3"}}`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Motion.MaxShiftW != 8 || cfg.Motion.Method != "zncc" || cfg.Storage.Driver != "sqlite3" {
		t.Fatalf("overrides not applied: %+v", cfg)
	}
	if cfg.Motion.MaxShiftH != motion.DefaultMaxShift {
		t.Fatalf("unset field lost its default: %d", cfg.Motion.MaxShiftH)
	}
}

func TestLoadTOML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	body := `
[motion]
max_shift_h = 12
interpolation = "lanczos4"
remove_blanks = true

[watch]
directories = ["/data/a", "/data/b"]
settle = "500ms"
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Motion.MaxShiftH != 12 || !cfg.Motion.RemoveBlanks || cfg.Motion.Interpolation != "lanczos4" {
		t.Fatalf("toml not applied: %+v", cfg.Motion)
	}
	if len(cfg.Watch.Directories) != 2 || cfg.Watch.SettleDuration() != 500*time.Millisecond {
		t.Fatalf("watch section not applied: %+v", cfg.Watch)
	}
}

func TestSaveRoundTrip(t *testing.T) {
	for _, name := range []string{"out.json", "out.toml"} {
		path := filepath.Join(t.TempDir(), "nested", name)
		cfg := Default()
		cfg.Motion.TemplateWindow = 7
		if err := Save(path, cfg); err != nil {
			t.Fatalf("%s: save: %v", name, err)
		}
		got, err := LoadFile(path)
		if err != nil {
			t.Fatalf("%s: load: %v", name, err)
		}
		if got.Motion.TemplateWindow != 7 {
			t.Fatalf("%s: expected template window 7, got %d", name, got.Motion.TemplateWindow)
		}
	}
}

func TestValidateCollectsProblems(t *testing.T) {
	cfg := Default()
	cfg.Motion.Method = "phase"
	cfg.Storage.Driver = "postgres"
	cfg.Processing.ParallelJobs = 0
	err := cfg.Validate()
	if err == nil {
		t.Fatalf("expected validation error")
	}
	if !errors.Is(err, motion.ErrConfiguration) {
		t.Fatalf("expected method error to wrap ErrConfiguration: %v", err)
	}
	for _, want := range []string{"phase", "postgres", "parallel_jobs"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("expected %q in %v", want, err)
		}
	}
}

func TestMotionOptions(t *testing.T) {
	cfg := Default()
	cfg.Motion.Method = "skimage"
	cfg.Processing.Workers = 3
	opts, err := cfg.MotionOptions()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if opts.Method != motion.MethodZNCC || opts.Workers != 3 || opts.Interpolation != motion.InterpCubic {
		t.Fatalf("unexpected options %+v", opts)
	}
}

func TestExpandUser(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home directory")
	}
	got, err := expandUser("~/x/y.json")
	if err != nil || got != filepath.Join(home, "x/y.json") {
		t.Fatalf("unexpected expansion %q %v", got, err)
	}
}
