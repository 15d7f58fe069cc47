package motion

import (
	"errors"
	"fmt"
	"log/slog"

	"steadyscope/internal/movie"
)

var (
	// ErrConfiguration marks invalid options: unknown method or interpolation,
	// a search window that does not fit the frame, or an empty crop region.
	ErrConfiguration = errors.New("configuration error")
	// ErrInputShape marks inconsistent frame dimensions or a shift count that
	// does not match the frame count.
	ErrInputShape = errors.New("input shape error")
)

func configErrorf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrConfiguration, fmt.Sprintf(format, args...))
}

func shapeErrorf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInputShape, fmt.Sprintf(format, args...))
}

// shapeError lifts movie.ErrShape into ErrInputShape.
func shapeError(err error) error {
	if err == nil || errors.Is(err, ErrInputShape) {
		return err
	}
	if errors.Is(err, movie.ErrShape) {
		return fmt.Errorf("%w: %w", ErrInputShape, err)
	}
	return err
}

// WarningKind classifies recoverable conditions reported alongside results.
type WarningKind string

const (
	PrecisionWarning     WarningKind = "precision"
	NegativeValueWarning WarningKind = "negative_value"
	NumericalDegeneracy  WarningKind = "numerical_degeneracy"
)

// Warning is a non-fatal condition. Frame is -1 when it applies to the whole movie.
type Warning struct {
	Kind    WarningKind `json:"kind"`
	Frame   int         `json:"frame"`
	Message string      `json:"message"`
}

func (w Warning) String() string {
	if w.Frame < 0 {
		return fmt.Sprintf("%s: %s", w.Kind, w.Message)
	}
	return fmt.Sprintf("%s (frame %d): %s", w.Kind, w.Frame, w.Message)
}

// LogValue renders the warning as a structured slog group.
func (w Warning) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("kind", string(w.Kind)),
		slog.Int("frame", w.Frame),
		slog.String("message", w.Message),
	)
}
