package motion

import (
	"context"
	"fmt"
	"math"

	"steadyscope/internal/movie"
)

// taps holds source offsets and weights for one axis of a translation.
type taps struct {
	off []int
	w   []float64
}

// kernelFunc returns the taps that resample a line at positions c+s.
type kernelFunc func(s float64) taps

var kernels = map[Interpolation]kernelFunc{
	InterpNearest:  nearestTaps,
	InterpLinear:   linearTaps,
	InterpArea:     linearTaps, // a pure translation preserves pixel area, so area averaging is bilinear
	InterpCubic:    cubicTaps,
	InterpLanczos4: lanczosTaps,
}

func split(s float64) (int, float64) {
	i := math.Floor(s)
	return int(i), s - i
}

func nearestTaps(s float64) taps {
	return taps{off: []int{int(math.Floor(s + 0.5))}, w: []float64{1}}
}

func linearTaps(s float64) taps {
	i0, f := split(s)
	if f == 0 {
		return taps{off: []int{i0}, w: []float64{1}}
	}
	return taps{off: []int{i0, i0 + 1}, w: []float64{1 - f, f}}
}

// cubicTaps uses the Keys kernel with a = -0.75, as OpenCV does.
func cubicTaps(s float64) taps {
	i0, f := split(s)
	if f == 0 {
		return taps{off: []int{i0}, w: []float64{1}}
	}
	const a = -0.75
	keys := func(x float64) float64 {
		x = math.Abs(x)
		switch {
		case x <= 1:
			return ((a+2)*x-(a+3))*x*x + 1
		case x < 2:
			return ((a*x-5*a)*x+8*a)*x - 4*a
		}
		return 0
	}
	return taps{
		off: []int{i0 - 1, i0, i0 + 1, i0 + 2},
		w:   []float64{keys(1 + f), keys(f), keys(1 - f), keys(2 - f)},
	}
}

func lanczosTaps(s float64) taps {
	i0, f := split(s)
	if f == 0 {
		return taps{off: []int{i0}, w: []float64{1}}
	}
	const a = 4
	t := taps{off: make([]int, 0, 2*a), w: make([]float64, 0, 2*a)}
	var total float64
	for k := -a + 1; k <= a; k++ {
		x := float64(k) - f
		px := math.Pi * x
		v := a * math.Sin(px) * math.Sin(px/a) / (px * px)
		t.off = append(t.off, i0+k)
		t.w = append(t.w, v)
		total += v
	}
	for i := range t.w {
		t.w[i] /= total
	}
	return t
}

// warper resamples one frame translated by (dx, dy) into dst.
type warper interface {
	warp(src, dst []float32, dx, dy float64) error
	close()
}

// separableWarper applies the translation as a horizontal then a vertical
// pass with edge replication.
type separableWarper struct {
	h, w   int
	kernel kernelFunc
}

func (s *separableWarper) close() {}

func (s *separableWarper) warp(src, dst []float32, dx, dy float64) error {
	if dx == 0 && dy == 0 {
		copy(dst, src)
		return nil
	}
	// dst(r, c) = src(r - dy, c - dx)
	tx, ty := s.kernel(-dx), s.kernel(-dy)
	tmp := make([]float64, s.h*s.w)
	for y := 0; y < s.h; y++ {
		row := src[y*s.w : (y+1)*s.w]
		out := tmp[y*s.w : (y+1)*s.w]
		for x := range out {
			var acc float64
			for j, o := range tx.off {
				acc += tx.w[j] * float64(row[clamp(x+o, s.w)])
			}
			out[x] = acc
		}
	}
	acc := make([]float64, s.w)
	for y := 0; y < s.h; y++ {
		clear(acc)
		for j, o := range ty.off {
			wj := ty.w[j]
			line := tmp[clamp(y+o, s.h)*s.w:]
			for x := range acc {
				acc[x] += wj * line[x]
			}
		}
		out := dst[y*s.w : (y+1)*s.w]
		for x, v := range acc {
			out[x] = float32(v)
		}
	}
	return nil
}

func clamp(i, n int) int {
	if i < 0 {
		return 0
	}
	if i >= n {
		return n - 1
	}
	return i
}

// ApplyShifts resamples every frame by its shift. Shape and metadata are preserved.
func ApplyShifts(ctx context.Context, m *movie.Movie, shifts []Shift, opts Options) (*movie.Movie, error) {
	p, err := opts.resolve(m.H, m.W)
	if err != nil {
		return nil, err
	}
	return p.apply(ctx, m, shifts, "apply")
}

func (p *plan) apply(ctx context.Context, m *movie.Movie, shifts []Shift, stage string) (*movie.Movie, error) {
	if len(shifts) != m.T {
		return nil, shapeErrorf("%d shifts for %d frames", len(shifts), m.T)
	}
	wp, err := p.newWarper()
	if err != nil {
		return nil, err
	}
	defer wp.close()

	out := make([]float32, len(m.Data))
	n := m.FrameSize()
	err = forEachFrame(ctx, m.T, p.workers, stage, p.progress, func(i int) error {
		s := shifts[i]
		if err := wp.warp(m.Frame(i), out[i*n:(i+1)*n], s.DX, s.DY); err != nil {
			return fmt.Errorf("frame %d: %w", i, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	res, err := m.WithData(out)
	return res, shapeError(err)
}

func (p *plan) newWarper() (warper, error) {
	if p.method == MethodOpenCV {
		return newOpenCVWarper(p.h, p.w, p.interp)
	}
	if p.kernel == nil {
		return nil, configErrorf("unknown interpolation %q", p.interp)
	}
	return &separableWarper{h: p.h, w: p.w, kernel: p.kernel}, nil
}
