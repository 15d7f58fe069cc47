package movie

import (
	"fmt"
	"math"
	"slices"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// Crop trims rows, columns and frames from each side. All counts must be
// non-negative and leave at least one sample along every axis.
func (m *Movie) Crop(top, bottom, left, right, begin, end int) (*Movie, error) {
	if top < 0 || bottom < 0 || left < 0 || right < 0 || begin < 0 || end < 0 {
		return nil, fmt.Errorf("crop amounts must be non-negative")
	}
	nt := m.T - begin - end
	nh := m.H - top - bottom
	nw := m.W - left - right
	if nt <= 0 || nh <= 0 || nw <= 0 {
		return nil, fmt.Errorf("%w: crop leaves %dx%dx%d", ErrShape, nt, nh, nw)
	}
	data := make([]float32, 0, nt*nh*nw)
	for t := begin; t < m.T-end; t++ {
		f := m.Frame(t)
		for y := top; y < m.H-bottom; y++ {
			row := f[y*m.W : (y+1)*m.W]
			data = append(data, row[left:m.W-right]...)
		}
	}
	meta := m.Meta.Clone()
	meta.StartTime = m.Meta.StartTime + float64(begin)/m.Meta.FrameRate
	return &Movie{T: nt, H: nh, W: nw, Data: data, Meta: meta}, nil
}

// Concat joins movies along time. Spatial shapes must match; metadata comes from the first movie.
func Concat(movies ...*Movie) (*Movie, error) {
	if len(movies) == 0 {
		return nil, fmt.Errorf("%w: nothing to concatenate", ErrShape)
	}
	first := movies[0]
	total := 0
	for i, m := range movies {
		if !m.SameShape(first) {
			return nil, fmt.Errorf("%w: movie %d is %dx%d, want %dx%d", ErrShape, i, m.H, m.W, first.H, first.W)
		}
		total += m.T
	}
	data := make([]float32, 0, total*first.FrameSize())
	for _, m := range movies {
		data = append(data, m.Data...)
	}
	return &Movie{T: total, H: first.H, W: first.W, Data: data, Meta: first.Meta.Clone()}, nil
}

// To2D exposes the movie as a T×(H·W) matrix of frame views.
func (m *Movie) To2D() [][]float32 {
	rows := make([][]float32, m.T)
	for t := range rows {
		rows[t] = m.Frame(t)
	}
	return rows
}

// Resize rescales width by fx, height by fy and time by fz. Shrinking uses
// area averaging, enlarging uses linear interpolation. The frame rate is
// scaled by fz.
func (m *Movie) Resize(fx, fy, fz float64) (*Movie, error) {
	if fx <= 0 || fy <= 0 || fz <= 0 {
		return nil, fmt.Errorf("resize factors must be positive")
	}
	nw := int(float64(m.W) * fx)
	nh := int(float64(m.H) * fy)
	nt := int(float64(m.T) * fz)
	if nw < 1 || nh < 1 || nt < 1 {
		return nil, fmt.Errorf("%w: resize to %dx%dx%d", ErrShape, nt, nh, nw)
	}

	cur := m
	if nw != m.W || nh != m.H {
		data := make([]float32, m.T*nh*nw)
		tmp := make([]float64, m.H*nw)
		line := make([]float64, max(m.W, m.H))
		out := make([]float64, max(nw, nh))
		for t := 0; t < m.T; t++ {
			f := m.Frame(t)
			for y := 0; y < m.H; y++ {
				for x := 0; x < m.W; x++ {
					line[x] = float64(f[y*m.W+x])
				}
				resampleLine(line[:m.W], out[:nw])
				copy(tmp[y*nw:(y+1)*nw], out[:nw])
			}
			dst := data[t*nh*nw : (t+1)*nh*nw]
			for x := 0; x < nw; x++ {
				for y := 0; y < m.H; y++ {
					line[y] = tmp[y*nw+x]
				}
				resampleLine(line[:m.H], out[:nh])
				for y := 0; y < nh; y++ {
					dst[y*nw+x] = float32(out[y])
				}
			}
		}
		cur = &Movie{T: m.T, H: nh, W: nw, Data: data, Meta: m.Meta.Clone()}
	}

	if nt != cur.T {
		n := cur.FrameSize()
		data := make([]float32, nt*n)
		line := make([]float64, cur.T)
		out := make([]float64, nt)
		for p := 0; p < n; p++ {
			for t := 0; t < cur.T; t++ {
				line[t] = float64(cur.Data[t*n+p])
			}
			resampleLine(line, out)
			for t := 0; t < nt; t++ {
				data[t*n+p] = float32(out[t])
			}
		}
		meta := cur.Meta.Clone()
		meta.FrameRate = cur.Meta.FrameRate * float64(nt) / float64(cur.T)
		cur = &Movie{T: nt, H: cur.H, W: cur.W, Data: data, Meta: meta}
	}

	if cur == m {
		return m.Clone(), nil
	}
	return cur, nil
}

// resampleLine maps src onto len(dst) samples with pixel-centre alignment.
func resampleLine(src, dst []float64) {
	n, k := len(src), len(dst)
	if n == k {
		copy(dst, src)
		return
	}
	scale := float64(n) / float64(k)
	if k < n {
		// area: dst[i] covers [i*scale, (i+1)*scale) in source coordinates
		for i := range dst {
			lo := float64(i) * scale
			hi := lo + scale
			var acc float64
			for j := int(lo); j < n && float64(j) < hi; j++ {
				a := math.Max(lo, float64(j))
				b := math.Min(hi, float64(j+1))
				if b > a {
					acc += src[j] * (b - a)
				}
			}
			dst[i] = acc / scale
		}
		return
	}
	for i := range dst {
		x := (float64(i)+0.5)*scale - 0.5
		x0 := int(math.Floor(x))
		f := x - float64(x0)
		a := src[clampIndex(x0, n)]
		b := src[clampIndex(x0+1, n)]
		dst[i] = a + (b-a)*f
	}
}

func clampIndex(i, n int) int {
	if i < 0 {
		return 0
	}
	if i >= n {
		return n - 1
	}
	return i
}

// Projection selects a reduction over time.
type Projection string

const (
	ProjectMean   Projection = "mean"
	ProjectMedian Projection = "median"
	ProjectStd    Projection = "std"
	ProjectMax    Projection = "max"
	ProjectMin    Projection = "min"
)

// ZProject reduces the movie over time into one H×W image.
func (m *Movie) ZProject(p Projection) ([]float32, error) {
	n := m.FrameSize()
	out := make([]float32, n)
	series := make([]float64, m.T)
	for px := 0; px < n; px++ {
		for t := 0; t < m.T; t++ {
			series[t] = float64(m.Data[t*n+px])
		}
		var v float64
		switch p {
		case ProjectMean:
			v = stat.Mean(series, nil)
		case ProjectMedian:
			v = Median(series)
		case ProjectStd:
			_, v = stat.PopMeanStdDev(series, nil)
		case ProjectMax:
			v = floats.Max(series)
		case ProjectMin:
			v = floats.Min(series)
		default:
			return nil, fmt.Errorf("unknown projection %q", p)
		}
		out[px] = float32(v)
	}
	return out, nil
}

// Median returns the middle value of vals, averaging the two central values
// for even lengths. vals is reordered.
func Median(vals []float64) float64 {
	n := len(vals)
	if n == 0 {
		return math.NaN()
	}
	slices.Sort(vals)
	if n%2 == 1 {
		return vals[n/2]
	}
	return 0.5 * (vals[n/2-1] + vals[n/2])
}

// LocalCorrelations computes, for every pixel, the mean temporal correlation
// with its 4 (or 8) spatial neighbours.
func (m *Movie) LocalCorrelations(eightNeighbours bool) []float32 {
	n := m.FrameSize()
	z := make([]float64, m.T*n)
	series := make([]float64, m.T)
	for px := 0; px < n; px++ {
		for t := 0; t < m.T; t++ {
			series[t] = float64(m.Data[t*n+px])
		}
		mean, std := stat.PopMeanStdDev(series, nil)
		if std == 0 {
			continue
		}
		for t := 0; t < m.T; t++ {
			z[t*n+px] = (series[t] - mean) / std
		}
	}
	corr := func(a, b int) float64 {
		var acc float64
		for t := 0; t < m.T; t++ {
			acc += z[t*n+a] * z[t*n+b]
		}
		return acc / float64(m.T)
	}

	offsets := [][2]int{{-1, 0}, {1, 0}, {0, -1}, {0, 1}}
	if eightNeighbours {
		offsets = append(offsets, [2]int{-1, -1}, [2]int{-1, 1}, [2]int{1, -1}, [2]int{1, 1})
	}
	out := make([]float32, n)
	for y := 0; y < m.H; y++ {
		for x := 0; x < m.W; x++ {
			var acc float64
			var count int
			for _, o := range offsets {
				yy, xx := y+o[0], x+o[1]
				if yy < 0 || yy >= m.H || xx < 0 || xx >= m.W {
					continue
				}
				acc += corr(y*m.W+x, yy*m.W+xx)
				count++
			}
			if count > 0 {
				out[y*m.W+x] = float32(acc / float64(count))
			}
		}
	}
	return out
}
