package movie

import (
	"context"
	"fmt"
	"math"
	"runtime"

	"golang.org/x/sync/errgroup"
)

// Filter names a per-frame smoothing or derived-movie transform.
type Filter string

const (
	FilterGaussian     Filter = "gaussian"
	FilterMedian       Filter = "median"
	FilterBilateral    Filter = "bilateral"
	FilterGuided       Filter = "guided"
	FilterCorrelations Filter = "correlations"
)

// Filters lists every supported filter.
var Filters = []Filter{FilterGaussian, FilterMedian, FilterBilateral, FilterGuided, FilterCorrelations}

// Frame kernels. The gocv build replaces some of them with OpenCV calls.
var (
	gaussianFrame  = goGaussianFrame
	medianFrame    = goMedianFrame
	bilateralFrame = goBilateralFrame
)

// GaussianBlur smooths every frame with a separable gaussian kernel of kx×ky
// taps. A non-positive sigma is derived from the kernel size as OpenCV does; a
// zero kernel size is derived from sigma. sigmaY = 0 reuses sigmaX. Borders
// replicate the edge samples.
func (m *Movie) GaussianBlur(ctx context.Context, kx, ky int, sigmaX, sigmaY float64) (*Movie, error) {
	if sigmaY <= 0 {
		sigmaY = sigmaX
	}
	var err error
	if kx, err = gaussianSize(kx, sigmaX); err != nil {
		return nil, err
	}
	if ky, err = gaussianSize(ky, sigmaY); err != nil {
		return nil, err
	}
	return m.mapFrames(ctx, func(src, dst []float32) error {
		return gaussianFrame(src, dst, m.H, m.W, kx, ky, sigmaX, sigmaY)
	})
}

// MedianBlur replaces every sample with the median of its k×k neighbourhood.
func (m *Movie) MedianBlur(ctx context.Context, k int) (*Movie, error) {
	if k < 1 || k%2 == 0 {
		return nil, fmt.Errorf("median kernel size must be odd and positive, got %d", k)
	}
	return m.mapFrames(ctx, func(src, dst []float32) error {
		return medianFrame(src, dst, m.H, m.W, k)
	})
}

// BilateralBlur is an edge-preserving blur: neighbours within the disc of the
// given diameter are weighted by spatial distance and by intensity
// difference. A non-positive diameter is derived from sigmaSpace.
func (m *Movie) BilateralBlur(ctx context.Context, diameter int, sigmaColor, sigmaSpace float64) (*Movie, error) {
	if sigmaColor <= 0 {
		sigmaColor = 1
	}
	if sigmaSpace <= 0 {
		sigmaSpace = 1
	}
	radius := diameter / 2
	if diameter <= 0 {
		radius = int(math.Round(sigmaSpace * 1.5))
	}
	radius = max(radius, 1)

	return m.mapFrames(ctx, func(src, dst []float32) error {
		return bilateralFrame(src, dst, m.H, m.W, radius, sigmaColor, sigmaSpace)
	})
}

// GuidedBlur applies the guided filter with an H×W guide image: each frame is
// locally modelled as a linear function of the guide over (2r+1)² windows,
// regularized by eps.
func (m *Movie) GuidedBlur(ctx context.Context, guide []float32, radius int, eps float64) (*Movie, error) {
	n := m.FrameSize()
	if len(guide) != n {
		return nil, fmt.Errorf("%w: guide holds %d samples, want %d", ErrShape, len(guide), n)
	}
	if radius < 1 {
		return nil, fmt.Errorf("guided filter radius must be positive, got %d", radius)
	}
	if eps < 0 {
		return nil, fmt.Errorf("guided filter eps must be non-negative, got %v", eps)
	}

	g := make([]float64, n)
	guideSq := make([]float64, n)
	for i, v := range guide {
		g[i] = float64(v)
		guideSq[i] = g[i] * g[i]
	}
	meanI := boxMean(g, m.H, m.W, radius)
	varI := boxMean(guideSq, m.H, m.W, radius)
	for i := range varI {
		varI[i] -= meanI[i] * meanI[i]
	}

	return m.mapFrames(ctx, func(src, dst []float32) error {
		p := make([]float64, n)
		gp := make([]float64, n)
		for i, v := range src {
			p[i] = float64(v)
			gp[i] = g[i] * p[i]
		}
		meanP := boxMean(p, m.H, m.W, radius)
		corrIp := boxMean(gp, m.H, m.W, radius)
		a, b := p, gp
		for i := range a {
			den := varI[i] + eps
			a[i] = 0
			if den > 0 {
				a[i] = (corrIp[i] - meanI[i]*meanP[i]) / den
			}
			b[i] = meanP[i] - a[i]*meanI[i]
		}
		meanA := boxMean(a, m.H, m.W, radius)
		meanB := boxMean(b, m.H, m.W, radius)
		for i := range dst {
			dst[i] = float32(meanA[i]*g[i] + meanB[i])
		}
		return nil
	})
}

// LocalCorrelationsMovie slides a window of frames along the movie and
// returns, for each start j in [0, T-window), the 8-neighbour local
// correlation image of frames j..j+window-1.
func (m *Movie) LocalCorrelationsMovie(ctx context.Context, window int) (*Movie, error) {
	if window < 2 {
		return nil, fmt.Errorf("correlation window must span at least 2 frames, got %d", window)
	}
	nt := m.T - window
	if nt < 1 {
		return nil, fmt.Errorf("%w: %d frames leave no %d-frame correlation window", ErrShape, m.T, window)
	}
	n := m.FrameSize()
	out := make([]float32, nt*n)
	err := eachFrame(ctx, nt, func(j int) error {
		view := &Movie{T: window, H: m.H, W: m.W, Data: m.Data[j*n : (j+window)*n]}
		copy(out[j*n:(j+1)*n], view.LocalCorrelations(true))
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &Movie{T: nt, H: m.H, W: m.W, Data: out, Meta: m.Meta.Clone()}, nil
}

// mapFrames builds a same-shaped movie by running fn on every frame.
func (m *Movie) mapFrames(ctx context.Context, fn func(src, dst []float32) error) (*Movie, error) {
	n := m.FrameSize()
	out := make([]float32, len(m.Data))
	err := eachFrame(ctx, m.T, func(i int) error {
		return fn(m.Frame(i), out[i*n:(i+1)*n])
	})
	if err != nil {
		return nil, err
	}
	return &Movie{T: m.T, H: m.H, W: m.W, Data: out, Meta: m.Meta.Clone()}, nil
}

// eachFrame runs fn for frames [0, n) on up to GOMAXPROCS goroutines.
func eachFrame(ctx context.Context, n int, fn func(i int) error) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.GOMAXPROCS(0))
	for i := 0; i < n; i++ {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			return fn(i)
		})
	}
	if err := g.Wait(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return err
	}
	return ctx.Err()
}

// gaussianSize validates an odd kernel size, deriving it from sigma when zero.
func gaussianSize(k int, sigma float64) (int, error) {
	if k == 0 {
		if sigma <= 0 {
			return 0, fmt.Errorf("gaussian blur needs a kernel size or a positive sigma")
		}
		return int(math.Round(sigma*8+1)) | 1, nil
	}
	if k < 0 || k%2 == 0 {
		return 0, fmt.Errorf("gaussian kernel size must be odd and positive, got %d", k)
	}
	return k, nil
}

// gaussianKernel returns k normalized weights.
func gaussianKernel(k int, sigma float64) []float64 {
	if sigma <= 0 {
		sigma = 0.3*(float64(k-1)*0.5-1) + 0.8
	}
	w := make([]float64, k)
	c := float64(k-1) / 2
	var sum float64
	for i := range w {
		d := float64(i) - c
		w[i] = math.Exp(-d * d / (2 * sigma * sigma))
		sum += w[i]
	}
	for i := range w {
		w[i] /= sum
	}
	return w
}

func goGaussianFrame(src, dst []float32, h, w, kx, ky int, sigmaX, sigmaY float64) error {
	wx, wy := gaussianKernel(kx, sigmaX), gaussianKernel(ky, sigmaY)
	rx, ry := kx/2, ky/2
	tmp := make([]float64, h*w)
	for y := 0; y < h; y++ {
		row := src[y*w : (y+1)*w]
		for x := 0; x < w; x++ {
			var acc float64
			for i, c := range wx {
				acc += c * float64(row[clampIndex(x+i-rx, w)])
			}
			tmp[y*w+x] = acc
		}
	}
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			var acc float64
			for j, c := range wy {
				acc += c * tmp[clampIndex(y+j-ry, h)*w+x]
			}
			dst[y*w+x] = float32(acc)
		}
	}
	return nil
}

func goMedianFrame(src, dst []float32, h, w, k int) error {
	r := k / 2
	win := make([]float64, k*k)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			win = win[:0]
			for dy := -r; dy <= r; dy++ {
				row := clampIndex(y+dy, h) * w
				for dx := -r; dx <= r; dx++ {
					win = append(win, float64(src[row+clampIndex(x+dx, w)]))
				}
			}
			dst[y*w+x] = float32(Median(win))
		}
	}
	return nil
}

func goBilateralFrame(src, dst []float32, h, w, radius int, sigmaColor, sigmaSpace float64) error {
	type tap struct {
		dy, dx int
		w      float64
	}
	var disc []tap
	for dy := -radius; dy <= radius; dy++ {
		for dx := -radius; dx <= radius; dx++ {
			r2 := float64(dy*dy + dx*dx)
			if r2 > float64(radius*radius) {
				continue
			}
			disc = append(disc, tap{dy, dx, math.Exp(-r2 / (2 * sigmaSpace * sigmaSpace))})
		}
	}
	colorScale := -1 / (2 * sigmaColor * sigmaColor)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			c := float64(src[y*w+x])
			var acc, norm float64
			for _, t := range disc {
				v := float64(src[clampIndex(y+t.dy, h)*w+clampIndex(x+t.dx, w)])
				d := v - c
				k := t.w * math.Exp(d*d*colorScale)
				acc += k * v
				norm += k
			}
			dst[y*w+x] = float32(acc / norm)
		}
	}
	return nil
}

// boxMean averages src over (2r+1)² windows clipped to the frame, using an
// integral image.
func boxMean(src []float64, h, w, r int) []float64 {
	stride := w + 1
	sum := make([]float64, (h+1)*stride)
	for y := 0; y < h; y++ {
		var run float64
		for x := 0; x < w; x++ {
			run += src[y*w+x]
			sum[(y+1)*stride+x+1] = sum[y*stride+x+1] + run
		}
	}
	out := make([]float64, h*w)
	for y := 0; y < h; y++ {
		y0, y1 := max(y-r, 0), min(y+r+1, h)
		for x := 0; x < w; x++ {
			x0, x1 := max(x-r, 0), min(x+r+1, w)
			s := sum[y1*stride+x1] - sum[y0*stride+x1] - sum[y1*stride+x0] + sum[y0*stride+x0]
			out[y*w+x] = s / float64((y1-y0)*(x1-x0))
		}
	}
	return out
}
