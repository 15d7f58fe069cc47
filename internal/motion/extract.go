package motion

import (
	"context"
	"fmt"
	"log/slog"
	"math"

	"steadyscope/internal/movie"
)

// Shift is the correction for one frame: the displacement that moves the
// frame's content back onto the template. DY is along rows, DX along columns.
type Shift struct {
	DX      float64 `json:"dx"`
	DY      float64 `json:"dy"`
	Quality float64 `json:"quality"`
	// Boundary is set when the correlation peak sits on the edge of the
	// search window; the true displacement may exceed it.
	Boundary bool `json:"boundary,omitempty"`
	// Fallback is set when sub-pixel refinement was degenerate and the
	// integer peak was reported instead.
	Fallback bool `json:"fallback,omitempty"`
}

// matcher fills a (2*msh+1)×(2*msw+1) correlation surface for one frame.
// Implementations are shared by all workers and must not keep per-call state.
type matcher interface {
	match(frame []float32, surface []float64) error
	close()
}

// ExtractShifts registers every frame of m against tmpl. A nil template is
// replaced by the whole-sequence median. Shifts are index-aligned with frames.
func ExtractShifts(ctx context.Context, m *movie.Movie, tmpl *Template, opts Options) ([]Shift, []Warning, error) {
	p, err := opts.resolve(m.H, m.W)
	if err != nil {
		return nil, nil, err
	}
	return p.extract(ctx, m, tmpl, "extract")
}

func (p *plan) extract(ctx context.Context, m *movie.Movie, tmpl *Template, stage string) ([]Shift, []Warning, error) {
	if m.H != p.h || m.W != p.w {
		return nil, nil, shapeErrorf("movie is %dx%d, options resolved for %dx%d", m.H, m.W, p.h, p.w)
	}
	if tmpl == nil {
		var err error
		if tmpl, err = EstimateTemplate(m, 1); err != nil {
			return nil, nil, err
		}
	}
	kernel, err := p.kernelFor(tmpl)
	if err != nil {
		return nil, nil, err
	}

	var warnings []Warning
	if lo := m.MinOfMeans(); lo < 0 {
		w := Warning{Kind: NegativeValueWarning, Frame: -1,
			Message: fmt.Sprintf("minimum temporal mean %.4g is negative; correlation assumes non-negative data", lo)}
		p.log.Warn("Negative pixel averages", "warning", w)
		warnings = append(warnings, w)
	}

	mt, err := p.newMatcher(kernel)
	if err != nil {
		return nil, nil, err
	}
	defer mt.close()

	sh, sw := 2*p.msh+1, 2*p.msw+1
	shifts := make([]Shift, m.T)
	err = forEachFrame(ctx, m.T, p.workers, stage, p.progress, func(i int) error {
		surface := make([]float64, sh*sw)
		if err := mt.match(m.Frame(i), surface); err != nil {
			return fmt.Errorf("frame %d: %w", i, err)
		}
		shifts[i] = locatePeak(surface, p.msh, p.msw)
		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	for i, s := range shifts {
		if s.Fallback {
			warnings = append(warnings, Warning{Kind: NumericalDegeneracy, Frame: i,
				Message: "sub-pixel fit undefined, integer peak used"})
		}
	}
	if n := countFallbacks(shifts); n > 0 {
		p.log.Debug("Integer-pixel fallback", "stage", stage, "frames", n)
	}
	return shifts, warnings, nil
}

// kernelFor accepts a full-frame template (trimmed here) or one already at kernel size.
func (p *plan) kernelFor(t *Template) (*Template, error) {
	kh, kw := p.h-2*p.msh, p.w-2*p.msw
	switch {
	case t.H == p.h && t.W == p.w:
		return t.Trim(p.msh, p.msw), nil
	case t.H == kh && t.W == kw:
		return t, nil
	default:
		return nil, shapeErrorf("template is %dx%d, want %dx%d or %dx%d", t.H, t.W, p.h, p.w, kh, kw)
	}
}

func (p *plan) newMatcher(k *Template) (matcher, error) {
	switch p.method {
	case MethodNative:
		return newNCCMatcher(k, p.h, p.w, false), nil
	case MethodZNCC:
		return newNCCMatcher(k, p.h, p.w, true), nil
	case MethodOpenCV:
		return newOpenCVMatcher(k, p.h, p.w)
	}
	return nil, configErrorf("unknown method %q", p.method)
}

func countFallbacks(shifts []Shift) int {
	n := 0
	for _, s := range shifts {
		if s.Fallback {
			n++
		}
	}
	return n
}

// locatePeak turns a correlation surface into a shift. The first maximum in
// row-major order wins. A flat surface has no peak and yields a zero
// fallback shift.
func locatePeak(surface []float64, msh, msw int) Shift {
	sh, sw := 2*msh+1, 2*msw+1
	best, worst := 0, 0
	var sum float64
	for i, v := range surface {
		sum += v
		if v > surface[best] {
			best = i
		}
		if v < surface[worst] {
			worst = i
		}
	}
	s := Shift{Quality: sum / float64(len(surface))}
	if !(surface[best] > surface[worst]) {
		s.Fallback = true
		return s
	}
	py, px := best/sw, best%sw

	interior := py > 0 && py < sh-1 && px > 0 && px < sw-1
	var offY, offX float64
	if interior {
		var okY, okX bool
		offY, okY = refineAxis(surface[best-sw], surface[best], surface[best+sw])
		offX, okX = refineAxis(surface[best-1], surface[best], surface[best+1])
		if !okY || !okX {
			offY, offX = 0, 0
			s.Fallback = true
		}
	} else {
		s.Boundary = true
	}
	s.DY = -(float64(py-msh) + offY)
	s.DX = -(float64(px-msw) + offX)
	return s
}

// refineAxis fits a parabola through the logs of three samples straddling a
// peak and returns the vertex offset from the centre sample. ok is false when
// a sample is non-positive or the fit is flat.
func refineAxis(before, centre, after float64) (float64, bool) {
	if !(before > 0 && centre > 0 && after > 0) {
		return 0, false
	}
	lb, lc, la := math.Log(before), math.Log(centre), math.Log(after)
	denom := 2*lb - 4*lc + 2*la
	if denom == 0 || math.IsNaN(denom) || math.IsInf(denom, 0) {
		return 0, false
	}
	off := (lb - la) / denom
	if math.IsNaN(off) || math.Abs(off) > 1 {
		return 0, false
	}
	return off, true
}

// nccMatcher computes normalized cross-correlation directly. Window sums of
// the frame and its square come from integral images.
type nccMatcher struct {
	k        []float64
	kh, kw   int
	h, w     int
	kNorm    float64
	zeroMean bool
}

func newNCCMatcher(k *Template, h, w int, zeroMean bool) *nccMatcher {
	n := len(k.Data)
	kk := make([]float64, n)
	var mean float64
	for i, v := range k.Data {
		kk[i] = float64(v)
		mean += float64(v)
	}
	mean /= float64(n)
	var norm float64
	for i := range kk {
		if zeroMean {
			kk[i] -= mean
		}
		norm += kk[i] * kk[i]
	}
	return &nccMatcher{k: kk, kh: k.H, kw: k.W, h: h, w: w, kNorm: norm, zeroMean: zeroMean}
}

func (n *nccMatcher) close() {}

func (n *nccMatcher) match(frame []float32, surface []float64) error {
	if len(frame) != n.h*n.w {
		return shapeErrorf("frame holds %d samples, want %d", len(frame), n.h*n.w)
	}
	w1 := n.w + 1
	sum := make([]float64, (n.h+1)*w1)
	sq := make([]float64, (n.h+1)*w1)
	for y := 0; y < n.h; y++ {
		var rs, rq float64
		for x := 0; x < n.w; x++ {
			v := float64(frame[y*n.w+x])
			rs += v
			rq += v * v
			sum[(y+1)*w1+x+1] = sum[y*w1+x+1] + rs
			sq[(y+1)*w1+x+1] = sq[y*w1+x+1] + rq
		}
	}
	box := func(tab []float64, y, x int) float64 {
		y1, x1 := y+n.kh, x+n.kw
		return tab[y1*w1+x1] - tab[y*w1+x1] - tab[y1*w1+x] + tab[y*w1+x]
	}

	sh, sw := n.h-n.kh+1, n.w-n.kw+1
	count := float64(n.kh * n.kw)
	for oy := 0; oy < sh; oy++ {
		for ox := 0; ox < sw; ox++ {
			var cross float64
			for ky := 0; ky < n.kh; ky++ {
				row := frame[(oy+ky)*n.w+ox : (oy+ky)*n.w+ox+n.kw]
				krow := n.k[ky*n.kw : (ky+1)*n.kw]
				for kx, kv := range krow {
					cross += kv * float64(row[kx])
				}
			}
			energy := box(sq, oy, ox)
			if n.zeroMean {
				s := box(sum, oy, ox)
				energy -= s * s / count
			}
			denom := math.Sqrt(math.Max(energy, 0) * n.kNorm)
			if denom <= 1e-12*count {
				surface[oy*sw+ox] = 0
				continue
			}
			surface[oy*sw+ox] = cross / denom
		}
	}
	return nil
}

func logShiftSummary(log *slog.Logger, stage string, shifts []Shift) {
	if len(shifts) == 0 {
		return
	}
	var maxAbs, quality float64
	for _, s := range shifts {
		maxAbs = math.Max(maxAbs, math.Max(math.Abs(s.DX), math.Abs(s.DY)))
		quality += s.Quality
	}
	log.Info("Shifts extracted",
		"stage", stage,
		"frames", len(shifts),
		"max_abs_shift", maxAbs,
		"mean_quality", quality/float64(len(shifts)),
	)
}
