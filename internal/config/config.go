package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"

	"steadyscope/internal/motion"
)

const (
	// EnvVar names the environment variable overriding the config path.
	EnvVar            = "STEADYSCOPE_CONFIG"
	DefaultConfigPath = "~/.config/steadyscope/config.json"
	defaultParallel   = 2
)

// Config holds user-editable settings for the pipeline.
type Config struct {
	Processing Processing `json:"processing" toml:"processing"`
	Motion     Motion     `json:"motion" toml:"motion"`
	Logging    Logging    `json:"logging" toml:"logging"`
	Paths      Paths      `json:"paths" toml:"paths"`
	Storage    Storage    `json:"storage" toml:"storage"`
	Server     Server     `json:"server" toml:"server"`
	Watch      Watch      `json:"watch" toml:"watch"`
}

// Processing captures execution preferences.
type Processing struct {
	ParallelJobs int    `json:"parallel_jobs" toml:"parallel_jobs"` // concurrent jobs in the pipeline
	Workers      int    `json:"workers" toml:"workers"`             // per-frame workers inside one job, 0 = all CPUs
	TempDir      string `json:"temp_dir" toml:"temp_dir"`
	MemoryCheck  bool   `json:"memory_check" toml:"memory_check"` // refuse movies larger than available RAM
}

// Motion holds defaults for motion correction.
type Motion struct {
	MaxShiftW            int    `json:"max_shift_w" toml:"max_shift_w"`
	MaxShiftH            int    `json:"max_shift_h" toml:"max_shift_h"`
	Method               string `json:"method" toml:"method"`               // native, zncc, opencv
	Interpolation        string `json:"interpolation" toml:"interpolation"` // nearest, linear, cubic, area, lanczos4
	NumFramesForTemplate int    `json:"num_frames_for_template" toml:"num_frames_for_template"`
	TemplateWindow       int    `json:"template_window" toml:"template_window"`
	RemoveBlanks         bool   `json:"remove_blanks" toml:"remove_blanks"`
}

// Logging controls logging verbosity and destinations.
type Logging struct {
	Level      string `json:"level" toml:"level"`             // debug, info, warn, error
	Format     string `json:"format" toml:"format"`           // text, json
	FileOutput bool   `json:"file_output" toml:"file_output"` // Enable file logging
	LogDir     string `json:"log_dir" toml:"log_dir"`
	MaxAge     int    `json:"max_age" toml:"max_age"` // Days to keep log files
}

// Paths configures default input/output locations.
type Paths struct {
	DefaultInput  string `json:"default_input" toml:"default_input"`
	DefaultOutput string `json:"default_output" toml:"default_output"`
	DatabasePath  string `json:"database_path" toml:"database_path"`
}

// Storage selects the SQLite driver.
type Storage struct {
	Driver string `json:"driver" toml:"driver"` // sqlite (pure Go) or sqlite3 (cgo)
}

// Server configures listen addresses.
type Server struct {
	HTTPAddr string `json:"http_addr" toml:"http_addr"`
	GRPCAddr string `json:"grpc_addr" toml:"grpc_addr"`
}

// Watch configures directory watching and remote submission.
type Watch struct {
	Directories []string `json:"directories" toml:"directories"`
	Settle      string   `json:"settle" toml:"settle"` // quiet period before a new file is picked up
	Target      string   `json:"target" toml:"target"` // gRPC address the agent submits to
	AgentID     string   `json:"agent_id" toml:"agent_id"`
}

// SettleDuration parses Watch.Settle.
func (w Watch) SettleDuration() time.Duration {
	d, err := time.ParseDuration(w.Settle)
	if err != nil || d <= 0 {
		return 2 * time.Second
	}
	return d
}

// Path returns the config path in effect: the env override or the default.
func Path() string {
	if p := os.Getenv(EnvVar); p != "" {
		return p
	}
	return DefaultConfigPath
}

// Load reads configuration from disk, falling back to sensible defaults.
func Load() (*Config, error) {
	return LoadFile(Path())
}

// LoadFile reads a JSON or TOML file (chosen by extension) over the defaults.
// A missing file yields the defaults.
func LoadFile(path string) (*Config, error) {
	cfg := defaultConfig()

	expanded, err := expandUser(path)
	if err != nil {
		return nil, err
	}

	b, err := os.ReadFile(expanded)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, err
	}

	switch strings.ToLower(filepath.Ext(expanded)) {
	case ".toml":
		err = toml.Unmarshal(b, cfg)
	default:
		err = json.Unmarshal(b, cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", expanded, err)
	}
	cfg.Paths.DatabasePath, err = expandUser(cfg.Paths.DatabasePath)
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes cfg as JSON or TOML depending on the extension.
func Save(path string, cfg *Config) error {
	expanded, err := expandUser(path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(expanded), 0o755); err != nil {
		return err
	}
	var b []byte
	if strings.ToLower(filepath.Ext(expanded)) == ".toml" {
		b, err = toml.Marshal(cfg)
	} else {
		b, err = json.MarshalIndent(cfg, "", "  ")
	}
	if err != nil {
		return err
	}
	return os.WriteFile(expanded, b, 0o644)
}

// Validate checks enumerations and numeric ranges.
func (c *Config) Validate() error {
	var errs []error
	if _, err := motion.ParseMethod(c.Motion.Method); err != nil {
		errs = append(errs, err)
	}
	if _, err := motion.ParseInterpolation(c.Motion.Interpolation); err != nil {
		errs = append(errs, err)
	}
	if c.Motion.MaxShiftW < 0 || c.Motion.MaxShiftH < 0 {
		errs = append(errs, fmt.Errorf("motion.max_shift_w/h must be non-negative"))
	}
	if c.Motion.TemplateWindow < 0 || c.Motion.NumFramesForTemplate < 0 {
		errs = append(errs, fmt.Errorf("motion.template_window and num_frames_for_template must be non-negative"))
	}
	if c.Processing.ParallelJobs < 1 {
		errs = append(errs, fmt.Errorf("processing.parallel_jobs must be at least 1"))
	}
	if c.Processing.Workers < 0 {
		errs = append(errs, fmt.Errorf("processing.workers must be non-negative"))
	}
	switch c.Storage.Driver {
	case "sqlite", "sqlite3":
	default:
		errs = append(errs, fmt.Errorf("storage.driver %q must be sqlite or sqlite3", c.Storage.Driver))
	}
	switch c.Logging.Format {
	case "text", "json", "traditional":
	default:
		errs = append(errs, fmt.Errorf("logging.format %q must be text, json or traditional", c.Logging.Format))
	}
	if c.Watch.Settle != "" {
		if _, err := time.ParseDuration(c.Watch.Settle); err != nil {
			errs = append(errs, fmt.Errorf("watch.settle: %w", err))
		}
	}
	return errors.Join(errs...)
}

// MotionOptions converts the motion section into correction options.
func (c *Config) MotionOptions() (motion.Options, error) {
	method, err := motion.ParseMethod(c.Motion.Method)
	if err != nil {
		return motion.Options{}, err
	}
	interp, err := motion.ParseInterpolation(c.Motion.Interpolation)
	if err != nil {
		return motion.Options{}, err
	}
	return motion.Options{
		MaxShiftW:            c.Motion.MaxShiftW,
		MaxShiftH:            c.Motion.MaxShiftH,
		Method:               method,
		Interpolation:        interp,
		NumFramesForTemplate: c.Motion.NumFramesForTemplate,
		TemplateWindow:       c.Motion.TemplateWindow,
		RemoveBlanks:         c.Motion.RemoveBlanks,
		Workers:              c.Processing.Workers,
	}, nil
}

// Default returns the built-in configuration.
func Default() *Config { return defaultConfig() }

func defaultConfig() *Config {
	return &Config{
		Processing: Processing{
			ParallelJobs: defaultParallel,
			TempDir:      os.TempDir(),
			MemoryCheck:  true,
		},
		Motion: Motion{
			MaxShiftW:            motion.DefaultMaxShift,
			MaxShiftH:            motion.DefaultMaxShift,
			Method:               string(motion.MethodNative),
			Interpolation:        string(motion.InterpCubic),
			NumFramesForTemplate: motion.DefaultNumFramesForTemplate,
			TemplateWindow:       motion.DefaultTemplateWindow,
		},
		Logging: Logging{
			Level:      "info",
			Format:     "text",
			FileOutput: false,
			LogDir:     "./logs",
			MaxAge:     30,
		},
		Paths: Paths{
			DefaultInput:  ".",
			DefaultOutput: "./output",
			DatabasePath:  filepath.Join(os.TempDir(), "steadyscope.db"),
		},
		Storage: Storage{Driver: "sqlite"},
		Server: Server{
			HTTPAddr: "127.0.0.1:8080",
			GRPCAddr: "127.0.0.1:9090",
		},
		Watch: Watch{
			Settle: "2s",
			Target: "127.0.0.1:9090",
		},
	}
}

func expandUser(path string) (string, error) {
	if path == "" || path[0] != '~' {
		return path, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}

	if path == "~" {
		return home, nil
	}

	return filepath.Join(home, path[2:]), nil
}
