package movieio

import (
	"fmt"
	"image"
	"image/color"
	_ "image/png"
	"os"
	"path/filepath"

	"golang.org/x/image/tiff"

	"steadyscope/internal/fsutil"
	"steadyscope/internal/motion"
	"steadyscope/internal/movie"
)

// readFrameDir decodes the selected images of a directory in name order.
func readFrameDir(dir string, sel Range) ([][]float32, int, int, string, error) {
	files, err := fsutil.ListFrames(dir)
	if err != nil {
		return nil, 0, 0, "", err
	}
	if len(files) == 0 {
		return nil, 0, 0, "", fmt.Errorf("no frames in %s", dir)
	}
	idx, err := sel.indices(len(files))
	if err != nil {
		return nil, 0, 0, "", err
	}
	frames := make([][]float32, 0, len(idx))
	var h, w int
	kind := ""
	for _, i := range idx {
		img, err := decodeFile(files[i])
		if err != nil {
			return nil, 0, 0, "", err
		}
		b := img.Bounds()
		if len(frames) == 0 {
			h, w = b.Dy(), b.Dx()
		} else if b.Dy() != h || b.Dx() != w {
			return nil, 0, 0, "", fmt.Errorf("%w: %s is %dx%d, want %dx%d",
				movie.ErrShape, filepath.Base(files[i]), b.Dy(), b.Dx(), h, w)
		}
		samples, k := grayscale(img)
		if kind == "" || k == "uint16" {
			kind = k
		}
		frames = append(frames, samples)
	}
	return frames, h, w, kind, nil
}

func decodeFile(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", filepath.Base(path), err)
	}
	return img, nil
}

// grayscale extracts luminance samples, keeping the native integer scale.
func grayscale(img image.Image) ([]float32, string) {
	b := img.Bounds()
	out := make([]float32, 0, b.Dx()*b.Dy())
	switch g := img.(type) {
	case *image.Gray:
		for y := b.Min.Y; y < b.Max.Y; y++ {
			for x := b.Min.X; x < b.Max.X; x++ {
				out = append(out, float32(g.GrayAt(x, y).Y))
			}
		}
		return out, "uint8"
	case *image.Gray16:
		for y := b.Min.Y; y < b.Max.Y; y++ {
			for x := b.Min.X; x < b.Max.X; x++ {
				out = append(out, float32(g.Gray16At(x, y).Y))
			}
		}
		return out, "uint16"
	}
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			out = append(out, float32(color.Gray16Model.Convert(img.At(x, y)).(color.Gray16).Y))
		}
	}
	return out, "uint16"
}

func gray16(h, w int, samples []float32) *image.Gray16 {
	img := image.NewGray16(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetGray16(x, y, color.Gray16{Y: toUint16(samples[y*w+x])})
		}
	}
	return img
}

func writeTIFF(path string, img image.Image) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := tiff.Encode(f, img, &tiff.Options{Compression: tiff.Deflate, Predictor: true}); err != nil {
		f.Close()
		return fmt.Errorf("encode %s: %w", filepath.Base(path), err)
	}
	return f.Close()
}

// writeFrameDir stores one 16-bit TIFF per frame, named frame_00000.tif onwards.
func writeFrameDir(dir string, m *movie.Movie) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	for t := 0; t < m.T; t++ {
		name := filepath.Join(dir, fmt.Sprintf("frame_%05d.tif", t))
		if err := writeTIFF(name, gray16(m.H, m.W, m.Frame(t))); err != nil {
			return err
		}
	}
	return nil
}

// SaveTemplate writes a template as a single 16-bit TIFF.
func SaveTemplate(path string, t *motion.Template) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return writeTIFF(path, gray16(t.H, t.W, t.Data))
}

// LoadTemplate reads a single-image template.
func LoadTemplate(path string) (*motion.Template, error) {
	img, err := decodeFile(path)
	if err != nil {
		return nil, err
	}
	samples, _ := grayscale(img)
	b := img.Bounds()
	return motion.NewTemplate(b.Dy(), b.Dx(), samples)
}

// SaveImage writes a single H×W image such as a projection.
func SaveImage(path string, h, w int, samples []float32) error {
	if len(samples) != h*w {
		return fmt.Errorf("%w: image holds %d samples for %dx%d", movie.ErrShape, len(samples), h, w)
	}
	return writeTIFF(path, gray16(h, w, samples))
}
