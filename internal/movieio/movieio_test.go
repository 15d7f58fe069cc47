package movieio

import (
	"bytes"
	"errors"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"steadyscope/internal/motion"
	"steadyscope/internal/movie"
)

func rampMovie(t *testing.T, frames, h, w int) *movie.Movie {
	t.Helper()
	data := make([]float32, frames*h*w)
	for i := range data {
		data[i] = float32(i * 7 % 60000)
	}
	m, err := movie.New(frames, h, w, data, movie.Metadata{FrameRate: 15})
	if err != nil {
		t.Fatalf("movie: %v", err)
	}
	return m
}

func TestFrameDirectoryRoundTrip(t *testing.T) {
	m := rampMovie(t, 4, 6, 5)
	dir := filepath.Join(t.TempDir(), "frames")
	if err := Save(dir, m); err != nil {
		t.Fatalf("save: %v", err)
	}

	got, warnings, err := Load(dir, LoadOptions{FrameRate: 15})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got.T != 4 || got.H != 6 || got.W != 5 {
		t.Fatalf("unexpected shape %v", got)
	}
	for i := range m.Data {
		if got.Data[i] != m.Data[i] {
			t.Fatalf("sample %d: expected %v, got %v", i, m.Data[i], got.Data[i])
		}
	}
	if len(warnings) != 1 || warnings[0].Kind != motion.PrecisionWarning {
		t.Fatalf("expected one precision warning, got %v", warnings)
	}
	if got.Meta.FileName != dir || got.Meta.FrameRate != 15 {
		t.Fatalf("unexpected metadata %+v", got.Meta)
	}
}

func TestLoadFrameSubindices(t *testing.T) {
	m := rampMovie(t, 6, 3, 3)
	dir := filepath.Join(t.TempDir(), "frames")
	if err := Save(dir, m); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, _, err := Load(dir, LoadOptions{Frames: Range{Begin: 1, End: 6, Step: 2}})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got.T != 3 || got.At(1, 0, 0) != m.At(3, 0, 0) {
		t.Fatalf("unexpected frames selected: %v", got)
	}
	if _, _, err := Load(dir, LoadOptions{Frames: Range{Begin: 6}}); err == nil {
		t.Fatalf("expected error for empty selection")
	}
}

func TestLoadRejectsMismatchedFrames(t *testing.T) {
	dir := t.TempDir()
	writePNG(t, filepath.Join(dir, "a.png"), 4, 4)
	writePNG(t, filepath.Join(dir, "b.png"), 5, 4)
	if _, _, err := Load(dir, LoadOptions{}); !errors.Is(err, movie.ErrShape) {
		t.Fatalf("expected ErrShape, got %v", err)
	}
}

func writePNG(t *testing.T, path string, w, h int) {
	t.Helper()
	img := image.NewGray(image.Rect(0, 0, w, h))
	for i := range img.Pix {
		img.Pix[i] = uint8(i)
	}
	img.SetGray(0, 0, color.Gray{Y: 200})
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	defer f.Close()
	if err := png.Encode(f, img); err != nil {
		t.Fatalf("encode: %v", err)
	}
}

func TestLoadChainTrimsAndConcatenates(t *testing.T) {
	root := t.TempDir()
	a, b := filepath.Join(root, "a"), filepath.Join(root, "b")
	if err := Save(a, rampMovie(t, 2, 6, 6)); err != nil {
		t.Fatalf("save a: %v", err)
	}
	if err := Save(b, rampMovie(t, 3, 6, 6)); err != nil {
		t.Fatalf("save b: %v", err)
	}
	got, _, err := LoadChain([]string{a, b}, Trim{Top: 1, Bottom: 1, Left: 2}, LoadOptions{})
	if err != nil {
		t.Fatalf("chain: %v", err)
	}
	if got.T != 5 || got.H != 4 || got.W != 4 {
		t.Fatalf("unexpected shape %v", got)
	}
}

func TestLoadUnsupportedFormat(t *testing.T) {
	path := filepath.Join(t.TempDir(), "movie.avi")
	if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, _, err := Load(path, LoadOptions{}); !errors.Is(err, ErrUnsupportedFormat) {
		t.Fatalf("expected ErrUnsupportedFormat, got %v", err)
	}
}

func TestTemplateRoundTrip(t *testing.T) {
	tmpl, _ := motion.NewTemplate(2, 3, []float32{0, 10, 20, 30, 40, 70000})
	path := filepath.Join(t.TempDir(), "tmpl", "template.tif")
	if err := SaveTemplate(path, tmpl); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, err := LoadTemplate(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	want := []float32{0, 10, 20, 30, 40, 65535}
	for i, v := range want {
		if got.Data[i] != v {
			t.Fatalf("sample %d: expected %v, got %v", i, v, got.Data[i])
		}
	}
}

func TestShiftTablesRoundTrip(t *testing.T) {
	shifts := []motion.Shift{
		{DX: 1.25, DY: -0.5, Quality: 0.91},
		{DX: -5, DY: 0, Quality: 0.4, Boundary: true},
		{DX: 2, DY: 1, Quality: 0.7, Fallback: true},
	}
	dir := t.TempDir()
	for _, name := range []string{"shifts.csv", "shifts.json"} {
		path := filepath.Join(dir, name)
		if err := SaveShifts(path, shifts); err != nil {
			t.Fatalf("%s: save: %v", name, err)
		}
		got, err := LoadShifts(path)
		if err != nil {
			t.Fatalf("%s: load: %v", name, err)
		}
		if len(got) != len(shifts) {
			t.Fatalf("%s: expected %d shifts, got %d", name, len(shifts), len(got))
		}
		for i := range shifts {
			if got[i] != shifts[i] {
				t.Fatalf("%s: shift %d: expected %+v, got %+v", name, i, shifts[i], got[i])
			}
		}
	}
	if err := SaveShifts(filepath.Join(dir, "shifts.xml"), shifts); !errors.Is(err, ErrUnsupportedFormat) {
		t.Fatalf("expected ErrUnsupportedFormat, got %v", err)
	}
}

func TestReadShiftsCSVOrdersByFrame(t *testing.T) {
	in := "frame,dy,dx\n1,0.5,2\n0,-1,3\n"
	got, err := ReadShiftsCSV(strings.NewReader(in))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got[0].DX != 3 || got[0].DY != -1 || got[1].DX != 2 {
		t.Fatalf("unexpected shifts %+v", got)
	}

	for _, bad := range []string{"frame,dx\n0,1\n", "frame,dx,dy\n0,1,2\n0,1,2\n", "dx,dy\nabc,1\n"} {
		if _, err := ReadShiftsCSV(strings.NewReader(bad)); err == nil {
			t.Fatalf("expected error for %q", bad)
		}
	}
}

func TestWriteShiftsCSVHeader(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteShiftsCSV(&buf, []motion.Shift{{DX: 1}}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.HasPrefix(buf.String(), "frame,dx,dy,quality,boundary,fallback\n0,1,0,0,false,false") {
		t.Fatalf("unexpected csv %q", buf.String())
	}
}
