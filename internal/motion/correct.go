package motion

import (
	"context"
	"fmt"
	"math"
	"time"

	"steadyscope/internal/movie"
)

// Result is the outcome of Correct.
type Result struct {
	Movie    *movie.Movie
	Shifts   []Shift
	Quality  []float64
	Template *Template
	Warnings []Warning

	Fallbacks int
	Offset    float32
	Elapsed   time.Duration
}

// bootstrapPasses is the fixed number of template refinements on the subsample.
const bootstrapPasses = 2

// Correct registers the whole movie. Without a caller template it first
// bootstraps one on an evenly spaced subsample, then extracts and applies
// shifts for every frame. Intensities are shifted to be non-negative while
// working and restored before returning. On cancellation nothing is returned.
func Correct(ctx context.Context, m *movie.Movie, opts Options) (*Result, error) {
	start := time.Now()
	p, err := opts.resolve(m.H, m.W)
	if err != nil {
		return nil, err
	}
	res := &Result{}

	offset := m.MinOfMeans()
	if offset < 0 {
		res.Warnings = append(res.Warnings, Warning{Kind: NegativeValueWarning, Frame: -1,
			Message: fmt.Sprintf("minimum temporal mean %.4g is negative, data offset before correction", offset)})
	}
	work := m.AddScalar(-offset)
	res.Offset = offset
	p.log.Debug("Normalized movie", "movie", m.String(), "offset", offset)

	var tmpl *Template
	if opts.Template != nil {
		tmpl, err = p.kernelFor(opts.Template)
		if err != nil {
			return nil, err
		}
		tmpl = offsetTemplate(tmpl, -offset)
	} else {
		tmpl, err = p.bootstrap(ctx, work, res)
		if err != nil {
			return nil, err
		}
	}

	shifts, warnings, err := p.extract(ctx, work, tmpl, "extract")
	if err != nil {
		return nil, err
	}
	res.Warnings = append(res.Warnings, warnings...)
	logShiftSummary(p.log, "full", shifts)

	out, err := p.apply(ctx, work, shifts, "apply")
	if err != nil {
		return nil, err
	}
	if offset != 0 {
		for i := range out.Data {
			out.Data[i] += offset
		}
	}
	if opts.RemoveBlanks {
		if out, err = RemoveBlanks(out, shifts); err != nil {
			return nil, err
		}
	}

	res.Movie = out
	res.Shifts = shifts
	res.Quality = make([]float64, len(shifts))
	for i, s := range shifts {
		res.Quality[i] = s.Quality
	}
	res.Template = offsetTemplate(tmpl, offset)
	res.Fallbacks = countFallbacks(shifts)
	res.Elapsed = time.Since(start)
	p.log.Info("Motion correction complete",
		"frames", m.T,
		"fallbacks", res.Fallbacks,
		"warnings", len(res.Warnings),
		"duration", res.Elapsed,
	)
	return res, nil
}

// bootstrap estimates a template from a subsample and refines it twice by
// registering the subsample against the current estimate.
func (p *plan) bootstrap(ctx context.Context, work *movie.Movie, res *Result) (*Template, error) {
	stride := subsampleStride(work.T, p.numTmpl)
	sub := work.Subsample(stride)
	window := templateWindow(p.window, sub.T)
	p.log.Debug("Bootstrapping template", "stride", stride, "frames", sub.T, "window", window)

	tmpl, err := EstimateTemplate(sub, window)
	if err != nil {
		return nil, err
	}
	for pass := 1; pass <= bootstrapPasses; pass++ {
		stage := fmt.Sprintf("bootstrap-%d", pass)
		shifts, warnings, err := p.extract(ctx, sub, tmpl, stage+"/extract")
		if err != nil {
			return nil, err
		}
		res.Warnings = append(res.Warnings, subsampleWarnings(warnings, stride)...)
		logShiftSummary(p.log, stage, shifts)
		corrected, err := p.apply(ctx, sub, shifts, stage+"/apply")
		if err != nil {
			return nil, err
		}
		if tmpl, err = EstimateTemplate(corrected, window); err != nil {
			return nil, err
		}
	}
	return tmpl.Trim(p.msh, p.msw), nil
}

// subsampleStride spaces a budget of frames evenly over t frames.
func subsampleStride(t, budget int) int {
	return int(math.Round(math.Max(1, float64(t)/float64(budget))))
}

// subsampleWarnings maps frame indices of the subsample back to the movie.
func subsampleWarnings(ws []Warning, stride int) []Warning {
	out := make([]Warning, 0, len(ws))
	for _, w := range ws {
		if w.Kind == NegativeValueWarning {
			continue
		}
		if w.Frame >= 0 {
			w.Frame *= stride
		}
		w.Message = "template bootstrap: " + w.Message
		out = append(out, w)
	}
	return out
}

func offsetTemplate(t *Template, v float32) *Template {
	data := make([]float32, len(t.Data))
	for i, x := range t.Data {
		data[i] = x + v
	}
	return &Template{H: t.H, W: t.W, Data: data}
}
