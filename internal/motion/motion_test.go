package motion

import (
	"context"
	"errors"
	"math"
	"sync/atomic"
	"testing"

	"steadyscope/internal/movie"
)

const testSize = 64

var blobCentres = [][3]float64{
	// row, col, amplitude
	{20, 20, 100},
	{20, 40, 80},
	{40, 22, 120},
	{36, 44, 90},
	{30, 31, 60},
}

// blobImage renders Gaussian blobs with their content displaced by (dy, dx).
func blobImage(dy, dx float64) []float32 {
	const sigma = 2.0
	img := make([]float32, testSize*testSize)
	for y := 0; y < testSize; y++ {
		for x := 0; x < testSize; x++ {
			var v float64
			for _, b := range blobCentres {
				ry := float64(y) - dy - b[0]
				rx := float64(x) - dx - b[1]
				v += b[2] * math.Exp(-(ry*ry+rx*rx)/(2*sigma*sigma))
			}
			img[y*testSize+x] = float32(v)
		}
	}
	return img
}

// shiftedMovie builds one frame per displacement.
func shiftedMovie(t *testing.T, disp [][2]float64) *movie.Movie {
	t.Helper()
	frames := make([][]float32, len(disp))
	for i, d := range disp {
		frames[i] = blobImage(d[0], d[1])
	}
	m, err := movie.FromFrames(frames, testSize, testSize, movie.Metadata{FrameRate: 20})
	if err != nil {
		t.Fatalf("build movie: %v", err)
	}
	return m
}

func baseTemplate(t *testing.T) *Template {
	t.Helper()
	tmpl, err := NewTemplate(testSize, testSize, blobImage(0, 0))
	if err != nil {
		t.Fatalf("template: %v", err)
	}
	return tmpl
}

func testOptions() Options {
	opts := DefaultOptions()
	opts.Workers = 2
	return opts
}

func TestApplyZeroShiftsIsIdentity(t *testing.T) {
	m := shiftedMovie(t, [][2]float64{{0, 0}, {0.4, -1.2}, {2, 3}})
	zero := make([]Shift, m.T)
	for _, interp := range Interpolations {
		opts := testOptions()
		opts.Interpolation = interp
		out, err := ApplyShifts(context.Background(), m, zero, opts)
		if err != nil {
			t.Fatalf("%s: unexpected error: %v", interp, err)
		}
		for i := range m.Data {
			if out.Data[i] != m.Data[i] {
				t.Fatalf("%s: sample %d changed from %v to %v", interp, i, m.Data[i], out.Data[i])
			}
		}
	}
}

func TestApplyIntegerShiftMovesContent(t *testing.T) {
	m := shiftedMovie(t, [][2]float64{{0, 0}})
	out, err := ApplyShifts(context.Background(), m, []Shift{{DX: 2, DY: -1}}, testOptions())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// dst(r, c) = src(r+1, c-2)
	for _, p := range [][2]int{{10, 10}, {20, 20}, {40, 30}} {
		got := out.At(0, p[0], p[1])
		want := m.At(0, p[0]+1, p[1]-2)
		if math.Abs(float64(got-want)) > 1e-4 {
			t.Fatalf("pixel %v: expected %v, got %v", p, want, got)
		}
	}
	// replicated border
	if got, want := out.At(0, 5, 0), m.At(0, 6, 0); got != want {
		t.Fatalf("expected replicated edge %v, got %v", want, got)
	}
}

func TestExtractRecoversSubpixelShift(t *testing.T) {
	disp := [][2]float64{{-0.7, 1.3}, {0, 0}, {0.45, -2.2}, {1.8, 0.25}}
	m := shiftedMovie(t, disp)
	tmpl := baseTemplate(t)

	cases := []struct {
		method    Method
		tolerance float64
	}{
		{MethodNative, 0.1},
		{MethodZNCC, 0.2},
	}
	for _, tc := range cases {
		opts := testOptions()
		opts.Method = tc.method
		shifts, _, err := ExtractShifts(context.Background(), m, tmpl, opts)
		if err != nil {
			t.Fatalf("%s: unexpected error: %v", tc.method, err)
		}
		for i, d := range disp {
			s := shifts[i]
			if math.Abs(s.DY+d[0]) > tc.tolerance || math.Abs(s.DX+d[1]) > tc.tolerance {
				t.Fatalf("%s frame %d: displacement (%.2f, %.2f) gave shift (%.3f, %.3f)",
					tc.method, i, d[0], d[1], s.DY, s.DX)
			}
			if s.Boundary || s.Fallback {
				t.Fatalf("%s frame %d: unexpected flags %+v", tc.method, i, s)
			}
			if s.Quality <= 0 || s.Quality > 1 {
				t.Fatalf("%s frame %d: quality %v out of range", tc.method, i, s.Quality)
			}
		}
	}
}

func TestExtractBoundaryReportsInteger(t *testing.T) {
	m := shiftedMovie(t, [][2]float64{{0, DefaultMaxShift}, {-DefaultMaxShift, 0}})
	shifts, _, err := ExtractShifts(context.Background(), m, baseTemplate(t), testOptions())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s := shifts[0]; !s.Boundary || s.DX != -DefaultMaxShift || s.DY != 0 {
		t.Fatalf("frame 0: expected boundary shift dx=%d, got %+v", -DefaultMaxShift, s)
	}
	if s := shifts[1]; !s.Boundary || s.DY != DefaultMaxShift || s.DX != 0 {
		t.Fatalf("frame 1: expected boundary shift dy=%d, got %+v", DefaultMaxShift, s)
	}
}

func TestExtractWithoutTemplateUsesMedian(t *testing.T) {
	m := shiftedMovie(t, [][2]float64{{0, 0}, {0, 0}, {1, -1}})
	shifts, _, err := ExtractShifts(context.Background(), m, nil, testOptions())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if math.Abs(shifts[0].DX) > 0.05 || math.Abs(shifts[2].DX-1) > 0.1 || math.Abs(shifts[2].DY+1) > 0.1 {
		t.Fatalf("unexpected shifts %+v", shifts)
	}
}

func TestExtractAcceptsKernelSizedTemplate(t *testing.T) {
	m := shiftedMovie(t, [][2]float64{{0.5, 0.5}})
	opts := testOptions()
	kernel := baseTemplate(t).Trim(opts.MaxShiftH, opts.MaxShiftW)
	if _, _, err := ExtractShifts(context.Background(), m, kernel, opts); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	bad, _ := NewTemplate(10, 10, make([]float32, 100))
	if _, _, err := ExtractShifts(context.Background(), m, bad, opts); !errors.Is(err, ErrInputShape) {
		t.Fatalf("expected ErrInputShape, got %v", err)
	}
}

func TestExtractRejectsInvalidConfiguration(t *testing.T) {
	m := shiftedMovie(t, [][2]float64{{0, 0}})
	cases := map[string]func(*Options){
		"method":        func(o *Options) { o.Method = "phase" },
		"window width":  func(o *Options) { o.MaxShiftW = testSize / 2 },
		"window height": func(o *Options) { o.MaxShiftH = testSize/2 + 3 },
		"negative":      func(o *Options) { o.MaxShiftW = -1 },
	}
	for name, mutate := range cases {
		opts := testOptions()
		mutate(&opts)
		if _, _, err := ExtractShifts(context.Background(), m, nil, opts); !errors.Is(err, ErrConfiguration) {
			t.Fatalf("%s: expected ErrConfiguration, got %v", name, err)
		}
	}
}

func TestExtractWarnsOnNegativeMeans(t *testing.T) {
	m := shiftedMovie(t, [][2]float64{{0, 0}, {0, 0}})
	neg := m.AddScalar(-1000)
	_, warnings, err := ExtractShifts(context.Background(), neg, nil, testOptions())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(warnings) == 0 || warnings[0].Kind != NegativeValueWarning {
		t.Fatalf("expected negative value warning, got %v", warnings)
	}
}

func TestRefineAxisGuardsDegenerateSamples(t *testing.T) {
	cases := []struct {
		name          string
		b, c, a       float64
		ok            bool
		wantOffsetSgn int
	}{
		{"symmetric", 0.5, 1, 0.5, true, 0},
		{"leans right", 0.4, 1, 0.8, true, 1},
		{"leans left", 0.9, 1, 0.3, true, -1},
		{"zero neighbour", 0, 1, 0.5, false, 0},
		{"negative neighbour", 0.5, 1, -0.2, false, 0},
		{"flat", 0.7, 0.7, 0.7, false, 0},
	}
	for _, tc := range cases {
		off, ok := refineAxis(tc.b, tc.c, tc.a)
		if ok != tc.ok {
			t.Fatalf("%s: expected ok=%v, got %v (offset %v)", tc.name, tc.ok, ok, off)
		}
		if !ok {
			continue
		}
		switch {
		case tc.wantOffsetSgn == 0 && off != 0,
			tc.wantOffsetSgn > 0 && off <= 0,
			tc.wantOffsetSgn < 0 && off >= 0:
			t.Fatalf("%s: unexpected offset %v", tc.name, off)
		}
		if math.Abs(off) > 0.5 {
			t.Fatalf("%s: offset %v exceeds half a pixel", tc.name, off)
		}
	}
}

func TestLocatePeakFallsBackOnNonPositiveNeighbour(t *testing.T) {
	// 3x3 surface, peak in the centre, the left neighbour is negative.
	surface := []float64{
		0.1, 0.2, 0.1,
		-0.3, 0.9, 0.3,
		0.1, 0.3, 0.1,
	}
	s := locatePeak(surface, 1, 1)
	if !s.Fallback || s.Boundary {
		t.Fatalf("expected fallback without boundary, got %+v", s)
	}
	if s.DX != 0 || s.DY != 0 {
		t.Fatalf("expected integer shift (0,0), got %+v", s)
	}
	if math.Abs(s.Quality-0.2) > 1e-9 {
		t.Fatalf("expected mean quality 0.2, got %v", s.Quality)
	}
}

func TestLocatePeakOnFlatSurfaceIsZeroFallback(t *testing.T) {
	s := locatePeak(make([]float64, 25), 2, 2)
	if s.DX != 0 || s.DY != 0 || s.Boundary || !s.Fallback {
		t.Fatalf("expected zero fallback shift, got %+v", s)
	}
}

func TestExtractBlankMovieReportsDegeneracy(t *testing.T) {
	m, err := movie.Zeros(3, 5, 5, movie.Metadata{})
	if err != nil {
		t.Fatalf("movie: %v", err)
	}
	opts := testOptions()
	opts.MaxShiftW, opts.MaxShiftH = 2, 2
	shifts, warnings, err := ExtractShifts(context.Background(), m, nil, opts)
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	for i, s := range shifts {
		if s.DX != 0 || s.DY != 0 || s.Boundary || !s.Fallback {
			t.Fatalf("frame %d: expected zero fallback shift, got %+v", i, s)
		}
	}
	degenerate := 0
	for _, w := range warnings {
		if w.Kind == NumericalDegeneracy {
			degenerate++
		}
	}
	if degenerate != 3 {
		t.Fatalf("expected a degeneracy warning per frame, got %+v", warnings)
	}

	cropped, err := RemoveBlanks(m, shifts)
	if err != nil || cropped.H != 5 || cropped.W != 5 {
		t.Fatalf("blank frames should not crop, got %v %v", cropped, err)
	}
}

func TestDefaultTemplateBudget(t *testing.T) {
	if DefaultNumFramesForTemplate != 381 {
		t.Fatalf("expected 1e8/(512*512) = 381 frames, got %d", DefaultNumFramesForTemplate)
	}
	p, err := Options{}.resolve(testSize, testSize)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if p.numTmpl != 381 {
		t.Fatalf("expected default budget applied, got %d", p.numTmpl)
	}
	cases := []struct{ frames, want int }{{1000, 3}, {381, 1}, {100, 1}, {4000, 10}}
	for _, tc := range cases {
		if got := subsampleStride(tc.frames, p.numTmpl); got != tc.want {
			t.Fatalf("%d frames: expected stride %d, got %d", tc.frames, tc.want, got)
		}
	}
}

func TestEstimateTemplateSuppressesOutliers(t *testing.T) {
	const window = 4
	clean := blobImage(0, 0)
	frames := make([][]float32, 0, 5*window+2)
	for b := 0; b < 5; b++ {
		for i := 0; i < window; i++ {
			f := clean
			if i == b%window && b < 2 {
				f = make([]float32, len(clean))
				for j := range f {
					f[j] = 5000
				}
			}
			frames = append(frames, f)
		}
	}
	// trailing frames outside the last full block are ignored
	frames = append(frames, make([]float32, len(clean)), make([]float32, len(clean)))
	m, err := movie.FromFrames(frames, testSize, testSize, movie.Metadata{})
	if err != nil {
		t.Fatalf("build movie: %v", err)
	}
	tmpl, err := EstimateTemplate(m, window)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for i, v := range tmpl.Data {
		if math.Abs(float64(v-clean[i])) > 1e-3 {
			t.Fatalf("pixel %d: expected %v, got %v", i, clean[i], v)
		}
	}
	if _, err := EstimateTemplate(m, 0); !errors.Is(err, ErrConfiguration) {
		t.Fatalf("expected ErrConfiguration for zero window, got %v", err)
	}
	if _, err := EstimateTemplate(m, m.T+1); !errors.Is(err, ErrConfiguration) {
		t.Fatalf("expected ErrConfiguration for oversized window, got %v", err)
	}
}

func TestRemoveBlanksCropsByExtremeShifts(t *testing.T) {
	m := shiftedMovie(t, [][2]float64{{0, 0}, {0, 0}, {0, 0}})
	shifts := []Shift{{DY: 3, DX: 2}, {DY: -4, DX: -1}, {DY: 0.5, DX: 0.2}}
	mg := BlankMargins(shifts)
	if mg != (Margins{Top: 3, Bottom: 4, Left: 2, Right: 1}) {
		t.Fatalf("unexpected margins %+v", mg)
	}
	out, err := RemoveBlanks(m, shifts)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.H != testSize-7 || out.W != testSize-3 || out.T != 3 {
		t.Fatalf("unexpected shape %dx%dx%d", out.T, out.H, out.W)
	}
	if out.At(1, 0, 0) != m.At(1, 3, 2) {
		t.Fatalf("crop origin mismatch")
	}

	huge := []Shift{{DY: testSize / 2}, {DY: -testSize / 2}, {}}
	if _, err := RemoveBlanks(m, huge); !errors.Is(err, ErrConfiguration) {
		t.Fatalf("expected ErrConfiguration, got %v", err)
	}
	if _, err := RemoveBlanks(m, shifts[:2]); !errors.Is(err, ErrInputShape) {
		t.Fatalf("expected ErrInputShape, got %v", err)
	}
}

func TestApplyRejectsMismatchedShifts(t *testing.T) {
	m := shiftedMovie(t, [][2]float64{{0, 0}, {0, 0}})
	if _, err := ApplyShifts(context.Background(), m, []Shift{{}}, testOptions()); !errors.Is(err, ErrInputShape) {
		t.Fatalf("expected ErrInputShape, got %v", err)
	}
	opts := testOptions()
	opts.Interpolation = "sinc"
	if _, err := ApplyShifts(context.Background(), m, make([]Shift, 2), opts); !errors.Is(err, ErrConfiguration) {
		t.Fatalf("expected ErrConfiguration, got %v", err)
	}
}

func TestOpenCVWithoutBuildTagIsConfigurationError(t *testing.T) {
	if openCVAvailable {
		t.Skip("built with gocv")
	}
	m := shiftedMovie(t, [][2]float64{{0, 0}})
	opts := testOptions()
	opts.Method = MethodOpenCV
	if _, _, err := ExtractShifts(context.Background(), m, nil, opts); !errors.Is(err, ErrConfiguration) {
		t.Fatalf("expected ErrConfiguration, got %v", err)
	}
}

func TestCorrectWithTemplateAlignsFrames(t *testing.T) {
	disp := [][2]float64{{1, -2}, {-0.5, 0.8}, {0, 0}, {2.3, 1.1}}
	m := shiftedMovie(t, disp)
	opts := testOptions()
	opts.Template = baseTemplate(t)
	res, err := Correct(context.Background(), m, opts)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(res.Shifts) != m.T || len(res.Quality) != m.T {
		t.Fatalf("expected %d shifts, got %d", m.T, len(res.Shifts))
	}
	for i, d := range disp {
		if math.Abs(res.Shifts[i].DY+d[0]) > 0.1 || math.Abs(res.Shifts[i].DX+d[1]) > 0.1 {
			t.Fatalf("frame %d: unexpected shift %+v for displacement %v", i, res.Shifts[i], d)
		}
	}
	// centre pixel of a blob lines up with the template after correction
	want := blobImage(0, 0)[20*testSize+20]
	for i := 0; i < m.T; i++ {
		got := res.Movie.At(i, 20, 20)
		if math.Abs(float64(got-want)) > 0.05*float64(want) {
			t.Fatalf("frame %d: blob peak %v, want about %v", i, got, want)
		}
	}
}

func TestCorrectIsIdempotent(t *testing.T) {
	disp := make([][2]float64, 24)
	for i := range disp {
		disp[i] = [2]float64{math.Sin(float64(i)) * 1.5, math.Cos(float64(i)*0.7) * 1.2}
	}
	m := shiftedMovie(t, disp)
	opts := testOptions()
	opts.NumFramesForTemplate = 12
	opts.TemplateWindow = 3

	first, err := Correct(context.Background(), m, opts)
	if err != nil {
		t.Fatalf("first pass: %v", err)
	}
	second, err := Correct(context.Background(), first.Movie, opts)
	if err != nil {
		t.Fatalf("second pass: %v", err)
	}
	for i, s := range second.Shifts {
		if math.Abs(s.DX) > 0.25 || math.Abs(s.DY) > 0.25 {
			t.Fatalf("frame %d: second pass shift %+v should be near zero", i, s)
		}
	}
	if first.Template == nil || first.Elapsed <= 0 {
		t.Fatalf("expected template and elapsed time in result")
	}
}

func TestCorrectRestoresOffsetAndRemovesBlanks(t *testing.T) {
	m := shiftedMovie(t, [][2]float64{{0, 0}, {1, 0}, {0, -1}, {0, 0}})
	neg := m.AddScalar(-50)
	opts := testOptions()
	opts.Template = offsetTemplate(baseTemplate(t), -50)
	opts.RemoveBlanks = true
	res, err := Correct(context.Background(), neg, opts)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Offset != -50 {
		t.Fatalf("expected offset -50, got %v", res.Offset)
	}
	found := false
	for _, w := range res.Warnings {
		if w.Kind == NegativeValueWarning {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected negative value warning, got %v", res.Warnings)
	}
	mg := BlankMargins(res.Shifts)
	if res.Movie.H != testSize-mg.Top-mg.Bottom || res.Movie.W != testSize-mg.Left-mg.Right {
		t.Fatalf("expected blanks removed, got %dx%d with margins %+v", res.Movie.H, res.Movie.W, mg)
	}
	// background far from blobs returns to the original level
	if v := res.Movie.At(0, res.Movie.H-2, res.Movie.W-2); math.Abs(float64(v+50)) > 0.5 {
		t.Fatalf("expected background near -50, got %v", v)
	}
}

func TestCorrectCancellationReturnsNoResult(t *testing.T) {
	m := shiftedMovie(t, make([][2]float64, 16))
	ctx, cancel := context.WithCancel(context.Background())
	var calls atomic.Int32
	opts := testOptions()
	opts.Workers = 1
	opts.Progress = func(stage string, done, total int) {
		if calls.Add(1) == 3 {
			cancel()
		}
	}
	res, err := Correct(ctx, m, opts)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if res != nil {
		t.Fatalf("expected no partial result")
	}
}

func TestParseMethodAndInterpolation(t *testing.T) {
	if m, err := ParseMethod(""); err != nil || m != MethodNative {
		t.Fatalf("empty method: %v %v", m, err)
	}
	if m, err := ParseMethod("SKIMAGE"); err != nil || m != MethodZNCC {
		t.Fatalf("skimage alias: %v %v", m, err)
	}
	if _, err := ParseMethod("fft"); !errors.Is(err, ErrConfiguration) {
		t.Fatalf("expected ErrConfiguration, got %v", err)
	}
	if i, err := ParseInterpolation("bicubic"); err != nil || i != InterpCubic {
		t.Fatalf("bicubic alias: %v %v", i, err)
	}
	if _, err := ParseInterpolation("spline"); !errors.Is(err, ErrConfiguration) {
		t.Fatalf("expected ErrConfiguration, got %v", err)
	}
}
