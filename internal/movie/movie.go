package movie

import (
	"errors"
	"fmt"
	"maps"
)

// ErrShape is returned when frame dimensions or buffer sizes disagree.
var ErrShape = errors.New("inconsistent movie shape")

// Metadata carries acquisition details that travel with a Movie.
type Metadata struct {
	FrameRate float64        `json:"frame_rate"` // frames per second
	StartTime float64        `json:"start_time"` // seconds
	FileName  string         `json:"file_name,omitempty"`
	Extra     map[string]any `json:"extra,omitempty"`
}

// Clone returns a deep copy of the metadata map.
func (m Metadata) Clone() Metadata {
	out := m
	if m.Extra != nil {
		out.Extra = maps.Clone(m.Extra)
	}
	return out
}

// Movie is an ordered sequence of equally sized frames stored in one flat
// buffer. Frame i occupies Data[i*H*W : (i+1)*H*W], row-major.
type Movie struct {
	T, H, W int
	Data    []float32
	Meta    Metadata
}

// New wraps data as a T×H×W movie. The slice is not copied.
func New(t, h, w int, data []float32, meta Metadata) (*Movie, error) {
	if t <= 0 || h <= 0 || w <= 0 {
		return nil, fmt.Errorf("%w: dimensions %dx%dx%d must be positive", ErrShape, t, h, w)
	}
	if len(data) != t*h*w {
		return nil, fmt.Errorf("%w: buffer holds %d samples, want %d", ErrShape, len(data), t*h*w)
	}
	if meta.FrameRate < 0 {
		return nil, fmt.Errorf("frame rate must be positive, got %g", meta.FrameRate)
	}
	if meta.FrameRate == 0 {
		meta.FrameRate = DefaultFrameRate
	}
	return &Movie{T: t, H: h, W: w, Data: data, Meta: meta}, nil
}

// DefaultFrameRate is used when a source does not declare one.
const DefaultFrameRate = 30.0

// Zeros allocates an empty movie with the given shape.
func Zeros(t, h, w int, meta Metadata) (*Movie, error) {
	if t <= 0 || h <= 0 || w <= 0 {
		return nil, fmt.Errorf("%w: dimensions %dx%dx%d must be positive", ErrShape, t, h, w)
	}
	return New(t, h, w, make([]float32, t*h*w), meta)
}

// FromFrames copies a slice of frames into a new movie. Every frame must hold h*w samples.
func FromFrames(frames [][]float32, h, w int, meta Metadata) (*Movie, error) {
	if len(frames) == 0 {
		return nil, fmt.Errorf("%w: no frames", ErrShape)
	}
	data := make([]float32, 0, len(frames)*h*w)
	for i, f := range frames {
		if len(f) != h*w {
			return nil, fmt.Errorf("%w: frame %d has %d samples, want %d", ErrShape, i, len(f), h*w)
		}
		data = append(data, f...)
	}
	return New(len(frames), h, w, data, meta)
}

// FromFloat64 converts double precision samples. The returned bool reports
// that a precision cast took place, which callers surface as a warning.
func FromFloat64(t, h, w int, data []float64, meta Metadata) (*Movie, bool, error) {
	if len(data) != t*h*w {
		return nil, false, fmt.Errorf("%w: buffer holds %d samples, want %d", ErrShape, len(data), t*h*w)
	}
	out := make([]float32, len(data))
	for i, v := range data {
		out[i] = float32(v)
	}
	m, err := New(t, h, w, out, meta)
	return m, true, err
}

// FromUint16 converts integer samples (the usual sensor output).
func FromUint16(t, h, w int, data []uint16, meta Metadata) (*Movie, bool, error) {
	if len(data) != t*h*w {
		return nil, false, fmt.Errorf("%w: buffer holds %d samples, want %d", ErrShape, len(data), t*h*w)
	}
	out := make([]float32, len(data))
	for i, v := range data {
		out[i] = float32(v)
	}
	m, err := New(t, h, w, out, meta)
	return m, true, err
}

// FrameSize is H*W.
func (m *Movie) FrameSize() int { return m.H * m.W }

// Frame returns frame i as a view into the shared buffer. Callers must not write to it.
func (m *Movie) Frame(i int) []float32 {
	n := m.H * m.W
	return m.Data[i*n : (i+1)*n : (i+1)*n]
}

// At returns the sample at frame t, row y, column x.
func (m *Movie) At(t, y, x int) float32 {
	return m.Data[(t*m.H+y)*m.W+x]
}

// Duration is the acquisition time spanned by the movie, in seconds.
func (m *Movie) Duration() float64 {
	return float64(m.T) / m.Meta.FrameRate
}

// Bytes is the in-memory size of the sample buffer.
func (m *Movie) Bytes() int64 {
	return int64(len(m.Data)) * 4
}

// Clone deep-copies samples and metadata.
func (m *Movie) Clone() *Movie {
	data := make([]float32, len(m.Data))
	copy(data, m.Data)
	return &Movie{T: m.T, H: m.H, W: m.W, Data: data, Meta: m.Meta.Clone()}
}

// WithData returns a movie sharing metadata and shape but using data as samples.
func (m *Movie) WithData(data []float32) (*Movie, error) {
	return New(m.T, m.H, m.W, data, m.Meta.Clone())
}

// Subsample keeps every stride-th frame starting with frame 0.
func (m *Movie) Subsample(stride int) *Movie {
	if stride < 1 {
		stride = 1
	}
	n := m.FrameSize()
	count := (m.T + stride - 1) / stride
	data := make([]float32, 0, count*n)
	for i := 0; i < m.T; i += stride {
		data = append(data, m.Frame(i)...)
	}
	meta := m.Meta.Clone()
	meta.FrameRate = m.Meta.FrameRate / float64(stride)
	return &Movie{T: count, H: m.H, W: m.W, Data: data, Meta: meta}
}

// AddScalar returns a copy with v added to every sample.
func (m *Movie) AddScalar(v float32) *Movie {
	out := m.Clone()
	if v == 0 {
		return out
	}
	for i := range out.Data {
		out.Data[i] += v
	}
	return out
}

// MeanImage averages the movie over time.
func (m *Movie) MeanImage() []float32 {
	n := m.FrameSize()
	acc := make([]float64, n)
	for t := 0; t < m.T; t++ {
		f := m.Frame(t)
		for i, v := range f {
			acc[i] += float64(v)
		}
	}
	out := make([]float32, n)
	for i, v := range acc {
		out[i] = float32(v / float64(m.T))
	}
	return out
}

// MinOfMeans is the smallest pixel of the temporal mean image.
func (m *Movie) MinOfMeans() float32 {
	mean := m.MeanImage()
	lo := mean[0]
	for _, v := range mean[1:] {
		if v < lo {
			lo = v
		}
	}
	return lo
}

// SameShape reports whether o has the same spatial dimensions.
func (m *Movie) SameShape(o *Movie) bool {
	return m.H == o.H && m.W == o.W
}

func (m *Movie) String() string {
	return fmt.Sprintf("movie[%dx%dx%d @ %.2f fps]", m.T, m.H, m.W, m.Meta.FrameRate)
}
