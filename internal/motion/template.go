package motion

import (
	"steadyscope/internal/movie"
)

// Template is the reference image frames are registered against. It is
// either full frame size or already trimmed to the matching kernel.
type Template struct {
	H, W int
	Data []float32
}

// NewTemplate wraps a single image.
func NewTemplate(h, w int, data []float32) (*Template, error) {
	if h <= 0 || w <= 0 || len(data) != h*w {
		return nil, shapeErrorf("template buffer holds %d samples for %dx%d", len(data), h, w)
	}
	return &Template{H: h, W: w, Data: data}, nil
}

// Trim drops dy rows and dx columns from every side.
func (t *Template) Trim(dy, dx int) *Template {
	h, w := t.H-2*dy, t.W-2*dx
	out := make([]float32, 0, h*w)
	for y := dy; y < t.H-dy; y++ {
		out = append(out, t.Data[y*t.W+dx:y*t.W+t.W-dx]...)
	}
	return &Template{H: h, W: w, Data: out}
}

// EstimateTemplate bins the movie into floor(T/window) contiguous blocks,
// averages each block and takes the per-pixel median of the block means.
// Frames after the last full block are ignored.
func EstimateTemplate(m *movie.Movie, window int) (*Template, error) {
	if window < 1 || window > m.T {
		return nil, configErrorf("template window %d must be within [1, %d]", window, m.T)
	}
	blocks := m.T / window
	n := m.FrameSize()
	means := make([]float64, blocks*n)
	for b := 0; b < blocks; b++ {
		acc := means[b*n : (b+1)*n]
		for t := b * window; t < (b+1)*window; t++ {
			for i, v := range m.Frame(t) {
				acc[i] += float64(v)
			}
		}
		for i := range acc {
			acc[i] /= float64(window)
		}
	}

	out := make([]float32, n)
	col := make([]float64, blocks)
	for i := 0; i < n; i++ {
		for b := 0; b < blocks; b++ {
			col[b] = means[b*n+i]
		}
		out[i] = float32(movie.Median(col))
	}
	return &Template{H: m.H, W: m.W, Data: out}, nil
}

// templateWindow clamps the bin size for short movies: fewer frames than
// one bin fall back to a whole-sequence median.
func templateWindow(window, frames int) int {
	if window > frames {
		return 1
	}
	return window
}
