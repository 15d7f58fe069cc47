package logging

import (
	"context"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"steadyscope/internal/config"
	"steadyscope/internal/motion"
)

// New returns a slog.Logger with the provided level string (info, debug, warn, error).
// format may be "json" or "text".
func New(level string, format string) *slog.Logger {
	return slog.New(newHandler(os.Stdout, parseLevel(level), format))
}

func newHandler(w io.Writer, level slog.Level, format string) slog.Handler {
	opts := &slog.HandlerOptions{Level: level}
	switch strings.ToLower(format) {
	case "json":
		return slog.NewJSONHandler(w, opts)
	case "traditional":
		return &TraditionalHandler{logger: log.New(w, "", log.LstdFlags), level: level}
	default:
		return slog.NewTextHandler(w, opts)
	}
}

// Setup configures global logging with optional daily log files.
func Setup(cfg *config.Config) (*slog.Logger, error) {
	level := parseLevel(cfg.Logging.Level)

	writers := []io.Writer{os.Stderr}
	if cfg.Logging.FileOutput {
		file, err := openDailyLog(cfg.Logging.LogDir, time.Now())
		if err != nil {
			return nil, err
		}
		writers = append(writers, file)
		pruneLogs(cfg.Logging.LogDir, cfg.Logging.MaxAge, time.Now())
	}

	logger := slog.New(newHandler(io.MultiWriter(writers...), level, cfg.Logging.Format))
	slog.SetDefault(logger)

	logger.Info("steadyscope logging initialized",
		"level", cfg.Logging.Level,
		"format", cfg.Logging.Format,
		"file_output", cfg.Logging.FileOutput,
		"log_dir", cfg.Logging.LogDir,
	)
	return logger, nil
}

// openDailyLog opens steadyscope-YYYY-MM-DD.log for appending and points
// steadyscope-current.log at it.
func openDailyLog(dir string, now time.Time) (*os.File, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %v", err)
	}
	logFile := filepath.Join(dir, fmt.Sprintf("steadyscope-%s.log", now.Format("2006-01-02")))
	file, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %v", err)
	}

	current := filepath.Join(dir, "steadyscope-current.log")
	os.Remove(current)
	// a missing symlink only loses the convenience name
	_ = os.Symlink(filepath.Base(logFile), current)
	return file, nil
}

// pruneLogs removes daily logs older than maxAge days.
func pruneLogs(dir string, maxAge int, now time.Time) {
	if maxAge <= 0 {
		return
	}
	matches, _ := filepath.Glob(filepath.Join(dir, "steadyscope-*.log"))
	cutoff := now.AddDate(0, 0, -maxAge)
	for _, m := range matches {
		day := strings.TrimSuffix(strings.TrimPrefix(filepath.Base(m), "steadyscope-"), ".log")
		t, err := time.Parse("2006-01-02", day)
		if err != nil {
			continue
		}
		if t.Before(cutoff) {
			os.Remove(m)
		}
	}
}

// TraditionalHandler implements slog.Handler with traditional log formatting
type TraditionalHandler struct {
	logger *log.Logger
	level  slog.Level
	attrs  []slog.Attr
}

// NewTraditionalHandler writes "[LEVEL] message [k=v ...]" lines to w.
func NewTraditionalHandler(w io.Writer, level slog.Level) *TraditionalHandler {
	return &TraditionalHandler{logger: log.New(w, "", log.LstdFlags), level: level}
}

func (h *TraditionalHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *TraditionalHandler) Handle(ctx context.Context, r slog.Record) error {
	msg := r.Message
	attrs := make([]string, 0, len(h.attrs)+r.NumAttrs())
	for _, a := range h.attrs {
		attrs = append(attrs, fmt.Sprintf("%s=%v", a.Key, a.Value))
	}
	r.Attrs(func(a slog.Attr) bool {
		attrs = append(attrs, fmt.Sprintf("%s=%v", a.Key, a.Value.Resolve()))
		return true
	})
	if len(attrs) > 0 {
		msg = fmt.Sprintf("%s [%s]", msg, strings.Join(attrs, " "))
	}
	h.logger.Printf("[%s] %s", strings.ToUpper(r.Level.String()), msg)
	return nil
}

func (h *TraditionalHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := *h
	next.attrs = append(append([]slog.Attr{}, h.attrs...), attrs...)
	return &next
}

func (h *TraditionalHandler) WithGroup(name string) slog.Handler {
	// groups are flattened
	return h
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// LogJobStart logs the beginning of a processing job
func LogJobStart(logger *slog.Logger, jobType, jobID, inputPath, outputPath string, options map[string]any) {
	logger.Info("job started",
		"type", jobType,
		"id", jobID,
		"input", inputPath,
		"output", outputPath,
		"options", options,
	)
}

// LogJobComplete logs successful job completion
func LogJobComplete(logger *slog.Logger, jobType, jobID string, duration time.Duration, resultInfo map[string]any) {
	logger.Info("job completed successfully",
		"type", jobType,
		"id", jobID,
		"duration_ms", duration.Milliseconds(),
		"duration_human", duration.String(),
		"result", resultInfo,
	)
}

// LogJobError logs job failures
func LogJobError(logger *slog.Logger, jobType, jobID string, duration time.Duration, err error, context map[string]any) {
	logger.Error("job failed",
		"type", jobType,
		"id", jobID,
		"duration_ms", duration.Milliseconds(),
		"error", err.Error(),
		"context", context,
	)
}

// LogProcessingStep logs individual processing steps within a job
func LogProcessingStep(logger *slog.Logger, jobID, step, status string, details map[string]any) {
	logger.Info("processing step",
		"job_id", jobID,
		"step", step,
		"status", status,
		"details", details,
	)
}

// LogCorrection summarizes a finished correction run.
func LogCorrection(logger *slog.Logger, jobID string, res *motion.Result) {
	var maxAbs float64
	for _, s := range res.Shifts {
		maxAbs = max(maxAbs, abs(s.DX), abs(s.DY))
	}
	logger.Info("correction summary",
		"job_id", jobID,
		"frames", len(res.Shifts),
		"max_abs_shift", maxAbs,
		"fallbacks", res.Fallbacks,
		"warnings", len(res.Warnings),
		"offset", res.Offset,
		"elapsed", res.Elapsed.String(),
	)
}

// LogWarnings emits one warn record per recoverable condition.
func LogWarnings(logger *slog.Logger, jobID string, warnings []motion.Warning) {
	for _, w := range warnings {
		logger.Warn("correction warning", "job_id", jobID, "warning", w)
	}
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
