package tasks

import (
	"context"
	"time"

	"steadyscope/internal/motion"
	"steadyscope/internal/movie"
)

// CorrectionProcessor runs motion registration with one correlation backend.
type CorrectionProcessor interface {
	Name() string
	IsAvailable() bool
	SupportsMethod(method motion.Method) bool
	Correct(ctx context.Context, req CorrectionRequest) (*motion.Result, error)
	Extract(ctx context.Context, req CorrectionRequest) ([]motion.Shift, []motion.Warning, error)
}

// CorrectionRequest carries a loaded movie and the options to run with.
type CorrectionRequest struct {
	Movie   *movie.Movie
	Options motion.Options
	// Template is used by Extract; Correct reads Options.Template instead.
	Template *motion.Template
}

// NativeProcessor runs the pure Go correlation (native and zncc methods).
type NativeProcessor struct{}

func (p *NativeProcessor) Name() string      { return "native" }
func (p *NativeProcessor) IsAvailable() bool { return true }

func (p *NativeProcessor) SupportsMethod(method motion.Method) bool {
	return method == motion.MethodNative || method == motion.MethodZNCC
}

func (p *NativeProcessor) Correct(ctx context.Context, req CorrectionRequest) (*motion.Result, error) {
	return motion.Correct(ctx, req.Movie, req.Options)
}

func (p *NativeProcessor) Extract(ctx context.Context, req CorrectionRequest) ([]motion.Shift, []motion.Warning, error) {
	return motion.ExtractShifts(ctx, req.Movie, req.Template, req.Options)
}

// OpenCVProcessor runs correlation and warping through OpenCV. It is only
// available in binaries built with -tags gocv.
type OpenCVProcessor struct{}

func (p *OpenCVProcessor) Name() string      { return "opencv" }
func (p *OpenCVProcessor) IsAvailable() bool { return motion.OpenCVAvailable() }

func (p *OpenCVProcessor) SupportsMethod(method motion.Method) bool {
	return method == motion.MethodOpenCV
}

func (p *OpenCVProcessor) Correct(ctx context.Context, req CorrectionRequest) (*motion.Result, error) {
	opts := req.Options
	opts.Method = motion.MethodOpenCV
	return motion.Correct(ctx, req.Movie, opts)
}

func (p *OpenCVProcessor) Extract(ctx context.Context, req CorrectionRequest) ([]motion.Shift, []motion.Warning, error) {
	opts := req.Options
	opts.Method = motion.MethodOpenCV
	return motion.ExtractShifts(ctx, req.Movie, req.Template, opts)
}

// CorrectionSummary is a flat, serialisable digest of a Result.
type CorrectionSummary struct {
	Processor   string        `json:"processor"`
	Frames      int           `json:"frames"`
	Height      int           `json:"height"`
	Width       int           `json:"width"`
	MaxAbsShift float64       `json:"max_abs_shift"`
	MeanQuality float64       `json:"mean_quality"`
	Fallbacks   int           `json:"fallbacks"`
	Boundary    int           `json:"boundary"`
	Warnings    int           `json:"warnings"`
	Offset      float64       `json:"offset"`
	Elapsed     time.Duration `json:"elapsed"`
}

// Summarize digests res for logs, job metadata and the run table.
func Summarize(processor string, res *motion.Result) CorrectionSummary {
	s := CorrectionSummary{
		Processor: processor,
		Frames:    len(res.Shifts),
		Fallbacks: res.Fallbacks,
		Warnings:  len(res.Warnings),
		Offset:    float64(res.Offset),
		Elapsed:   res.Elapsed,
	}
	if res.Movie != nil {
		s.Height, s.Width = res.Movie.H, res.Movie.W
	}
	s.MaxAbsShift, s.MeanQuality, s.Boundary = ShiftStats(res.Shifts)
	return s
}

// ShiftStats returns the largest absolute component, the mean quality and
// the number of boundary peaks.
func ShiftStats(shifts []motion.Shift) (maxAbs, meanQuality float64, boundary int) {
	for _, s := range shifts {
		maxAbs = max(maxAbs, abs(s.DX), abs(s.DY))
		meanQuality += s.Quality
		if s.Boundary {
			boundary++
		}
	}
	if len(shifts) > 0 {
		meanQuality /= float64(len(shifts))
	}
	return maxAbs, meanQuality, boundary
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
