package motion

import (
	"log/slog"
	"runtime"
	"strings"
)

// Method selects the correlation and warping backend.
type Method string

const (
	// MethodNative is normalized cross-correlation computed in Go.
	MethodNative Method = "native"
	// MethodZNCC subtracts the template and window means before correlating.
	MethodZNCC Method = "zncc"
	// MethodOpenCV delegates matching and warping to OpenCV. Requires the gocv build tag.
	MethodOpenCV Method = "opencv"
)

// Methods lists every accepted backend.
var Methods = []Method{MethodNative, MethodZNCC, MethodOpenCV}

// ParseMethod resolves a user supplied backend name. Empty selects MethodNative.
func ParseMethod(s string) (Method, error) {
	switch m := Method(strings.ToLower(strings.TrimSpace(s))); m {
	case "":
		return MethodNative, nil
	case MethodNative, MethodZNCC, MethodOpenCV:
		return m, nil
	case "skimage":
		return MethodZNCC, nil
	default:
		return "", configErrorf("unknown method %q", s)
	}
}

// Interpolation selects the resampling kernel used when applying shifts.
type Interpolation string

const (
	InterpNearest  Interpolation = "nearest"
	InterpLinear   Interpolation = "linear"
	InterpCubic    Interpolation = "cubic"
	InterpArea     Interpolation = "area"
	InterpLanczos4 Interpolation = "lanczos4"
)

// Interpolations lists every accepted kernel.
var Interpolations = []Interpolation{InterpNearest, InterpLinear, InterpCubic, InterpArea, InterpLanczos4}

// ParseInterpolation resolves a kernel name. Empty selects InterpCubic.
func ParseInterpolation(s string) (Interpolation, error) {
	switch i := Interpolation(strings.ToLower(strings.TrimSpace(s))); i {
	case "":
		return InterpCubic, nil
	case InterpNearest, InterpLinear, InterpCubic, InterpArea, InterpLanczos4:
		return i, nil
	case "bilinear":
		return InterpLinear, nil
	case "bicubic":
		return InterpCubic, nil
	default:
		return "", configErrorf("unknown interpolation %q", s)
	}
}

// OpenCVAvailable reports whether the binary was built with the opencv backend.
func OpenCVAvailable() bool { return openCVAvailable }

// ProgressFunc receives per-frame progress. It is called from worker
// goroutines and must be safe for concurrent use.
type ProgressFunc func(stage string, done, total int)

const (
	// DefaultNumFramesForTemplate is the subsample budget used to bootstrap a template.
	DefaultNumFramesForTemplate = 100_000_000 / (512 * 512)
	// DefaultTemplateWindow is the bin size used when estimating templates.
	DefaultTemplateWindow = 10
	DefaultMaxShift       = 5
)

// Options configures extraction, application and the full correction.
type Options struct {
	MaxShiftW int
	MaxShiftH int

	Method        Method
	Interpolation Interpolation

	// Template skips the bootstrap passes when set.
	Template             *Template
	NumFramesForTemplate int
	TemplateWindow       int
	RemoveBlanks         bool

	// Workers bounds per-frame parallelism. Zero uses every CPU.
	Workers  int
	Logger   *slog.Logger
	Progress ProgressFunc
}

// DefaultOptions mirrors the configuration defaults.
func DefaultOptions() Options {
	return Options{
		MaxShiftW:            DefaultMaxShift,
		MaxShiftH:            DefaultMaxShift,
		Method:               MethodNative,
		Interpolation:        InterpCubic,
		NumFramesForTemplate: DefaultNumFramesForTemplate,
		TemplateWindow:       DefaultTemplateWindow,
	}
}

// plan is Options validated against one movie's frame size.
type plan struct {
	msw, msh int
	h, w     int
	method   Method
	interp   Interpolation
	kernel   kernelFunc
	window   int
	numTmpl  int
	workers  int
	log      *slog.Logger
	progress ProgressFunc
}

func (o Options) resolve(h, w int) (*plan, error) {
	method, err := ParseMethod(string(o.Method))
	if err != nil {
		return nil, err
	}
	if method == MethodOpenCV && !openCVAvailable {
		return nil, configErrorf("method %q requires a binary built with -tags gocv", method)
	}
	interp, err := ParseInterpolation(string(o.Interpolation))
	if err != nil {
		return nil, err
	}
	if o.MaxShiftW < 0 || o.MaxShiftH < 0 {
		return nil, configErrorf("max shifts must be non-negative, got w=%d h=%d", o.MaxShiftW, o.MaxShiftH)
	}
	if 2*o.MaxShiftW >= w {
		return nil, configErrorf("max_shift_w=%d must be less than half the frame width %d", o.MaxShiftW, w)
	}
	if 2*o.MaxShiftH >= h {
		return nil, configErrorf("max_shift_h=%d must be less than half the frame height %d", o.MaxShiftH, h)
	}
	if o.TemplateWindow < 0 || o.NumFramesForTemplate < 0 || o.Workers < 0 {
		return nil, configErrorf("template window, template frame budget and workers must be non-negative")
	}

	p := &plan{
		msw: o.MaxShiftW, msh: o.MaxShiftH,
		h: h, w: w,
		method:   method,
		interp:   interp,
		kernel:   kernels[interp],
		window:   o.TemplateWindow,
		numTmpl:  o.NumFramesForTemplate,
		workers:  o.Workers,
		log:      o.Logger,
		progress: o.Progress,
	}
	if p.window == 0 {
		p.window = DefaultTemplateWindow
	}
	if p.numTmpl == 0 {
		p.numTmpl = DefaultNumFramesForTemplate
	}
	if p.workers == 0 {
		p.workers = runtime.NumCPU()
	}
	if p.log == nil {
		p.log = slog.New(slog.DiscardHandler)
	}
	return p, nil
}
