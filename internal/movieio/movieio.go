// Package movieio reads movies into memory and writes corrected movies,
// templates and shift tables back to disk.
package movieio

import (
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"steadyscope/internal/fsutil"
	"steadyscope/internal/motion"
	"steadyscope/internal/movie"
)

// ErrUnsupportedFormat is returned for paths whose container cannot be read or written.
var ErrUnsupportedFormat = errors.New("unsupported movie format")

// Range selects frames [Begin, End) every Step. A zero End means the last frame.
type Range struct {
	Begin int
	End   int
	Step  int
}

func (r Range) indices(n int) ([]int, error) {
	step := r.Step
	if step == 0 {
		step = 1
	}
	end := r.End
	if end == 0 || end > n {
		end = n
	}
	if r.Begin < 0 || step < 0 || r.Begin >= end {
		return nil, fmt.Errorf("frame range %d:%d:%d selects nothing from %d frames", r.Begin, r.End, r.Step, n)
	}
	out := make([]int, 0, (end-r.Begin+step-1)/step)
	for i := r.Begin; i < end; i += step {
		out = append(out, i)
	}
	return out, nil
}

// LoadOptions describes how to ingest a movie.
type LoadOptions struct {
	// FrameRate overrides the source rate; zero keeps the default.
	FrameRate float64
	StartTime float64
	Frames    Range
	Logger    *slog.Logger
}

func (o LoadOptions) logger() *slog.Logger {
	if o.Logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return o.Logger
}

// Load reads a multi-page TIFF or a directory of single-frame images.
// Integer samples are cast to float32 and reported as a PrecisionWarning.
func Load(path string, opts LoadOptions) (*movie.Movie, []motion.Warning, error) {
	var (
		frames [][]float32
		h, w   int
		depth  string
		err    error
	)
	switch {
	case fsutil.IsDir(path):
		frames, h, w, depth, err = readFrameDir(path, opts.Frames)
	case fsutil.IsMovieFile(path):
		frames, h, w, depth, err = readTIFFStack(path, opts.Frames)
	default:
		return nil, nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, filepath.Ext(path))
	}
	if err != nil {
		return nil, nil, fmt.Errorf("load %s: %w", path, err)
	}

	meta := movie.Metadata{FrameRate: opts.FrameRate, StartTime: opts.StartTime, FileName: path}
	m, err := movie.FromFrames(frames, h, w, meta)
	if err != nil {
		return nil, nil, fmt.Errorf("load %s: %w", path, err)
	}

	var warnings []motion.Warning
	if depth != "float32" {
		wn := motion.Warning{Kind: motion.PrecisionWarning, Frame: -1,
			Message: fmt.Sprintf("%s samples cast to float32", depth)}
		opts.logger().Warn("Precision cast on load", "path", path, "warning", wn)
		warnings = append(warnings, wn)
	}
	opts.logger().Debug("Loaded movie", "path", path, "movie", m.String())
	return m, warnings, nil
}

// Trim crops loaded movies before they are chained.
type Trim struct {
	Top, Bottom, Left, Right int
}

// LoadChain loads several movies, trims each and concatenates them in order.
// Every part must have the same frame size after trimming.
func LoadChain(paths []string, trim Trim, opts LoadOptions) (*movie.Movie, []motion.Warning, error) {
	if len(paths) == 0 {
		return nil, nil, errors.New("no movies to chain")
	}
	parts := make([]*movie.Movie, 0, len(paths))
	var warnings []motion.Warning
	for _, p := range paths {
		m, ws, err := Load(p, opts)
		if err != nil {
			return nil, nil, err
		}
		warnings = append(warnings, ws...)
		if trim != (Trim{}) {
			if m, err = m.Crop(trim.Top, trim.Bottom, trim.Left, trim.Right, 0, 0); err != nil {
				return nil, nil, fmt.Errorf("trim %s: %w", p, err)
			}
		}
		parts = append(parts, m)
	}
	out, err := movie.Concat(parts...)
	if err != nil {
		return nil, nil, err
	}
	out.Meta.FileName = paths[0]
	return out, warnings, nil
}

// Save writes m as a multi-page TIFF (.tif/.tiff) or, for a path without an
// extension, as a directory of per-frame 16-bit TIFFs.
func Save(path string, m *movie.Movie) error {
	ext := strings.ToLower(filepath.Ext(path))
	switch {
	case ext == "":
		return writeFrameDir(path, m)
	case fsutil.IsMovieFile(path):
		return writeTIFFStack(path, m)
	default:
		return fmt.Errorf("%w: %s", ErrUnsupportedFormat, ext)
	}
}

// toUint16 maps a sample onto the 16-bit range used for export.
func toUint16(v float32) uint16 {
	switch {
	case v != v || v <= 0:
		return 0
	case v >= 65535:
		return 65535
	}
	return uint16(v + 0.5)
}
