package movieio

import (
	"fmt"
	"sync"

	"gopkg.in/gographics/imagick.v3/imagick"

	"steadyscope/internal/movie"
)

var magickOnce sync.Once

func initMagick() {
	magickOnce.Do(imagick.Initialize)
}

// Shutdown releases ImageMagick. Call once at process exit.
func Shutdown() {
	imagick.Terminate()
}

// readTIFFStack decodes every selected page of a multi-page TIFF as grayscale.
func readTIFFStack(path string, sel Range) ([][]float32, int, int, string, error) {
	initMagick()
	mw := imagick.NewMagickWand()
	defer mw.Destroy()

	if err := mw.ReadImage(path); err != nil {
		return nil, 0, 0, "", fmt.Errorf("failed to read image: %v", err)
	}
	idx, err := sel.indices(int(mw.GetNumberImages()))
	if err != nil {
		return nil, 0, 0, "", err
	}

	var (
		frames = make([][]float32, 0, len(idx))
		h, w   int
		depth  uint
	)
	for _, i := range idx {
		mw.SetIteratorIndex(i)
		fw, fh := mw.GetImageWidth(), mw.GetImageHeight()
		if len(frames) == 0 {
			w, h = int(fw), int(fh)
			depth = mw.GetImageDepth()
		} else if int(fw) != w || int(fh) != h {
			return nil, 0, 0, "", fmt.Errorf("%w: page %d is %dx%d, want %dx%d", movie.ErrShape, i, fh, fw, h, w)
		}
		pixels, err := mw.ExportImagePixels(0, 0, fw, fh, "I", imagick.PIXEL_FLOAT)
		if err != nil {
			return nil, 0, 0, "", fmt.Errorf("failed to export pixels for page %d: %v", i, err)
		}
		vals := pixels.([]float32)
		// ImageMagick normalizes to [0,1]; restore the stored integer scale.
		scale := float32(uint64(1)<<depth - 1)
		if depth >= 32 {
			scale = 1
		}
		for j := range vals {
			vals[j] *= scale
		}
		frames = append(frames, vals)
	}
	kind := fmt.Sprintf("uint%d", depth)
	if depth >= 32 {
		kind = "float32"
	}
	return frames, h, w, kind, nil
}

// writeTIFFStack stores m as 16-bit pages in one TIFF.
func writeTIFFStack(path string, m *movie.Movie) error {
	initMagick()
	mw := imagick.NewMagickWand()
	defer mw.Destroy()

	page := make([]float32, m.FrameSize())
	for t := 0; t < m.T; t++ {
		for i, v := range m.Frame(t) {
			page[i] = float32(toUint16(v)) / 65535
		}
		if err := mw.ConstituteImage(uint(m.W), uint(m.H), "I", imagick.PIXEL_FLOAT, page); err != nil {
			return fmt.Errorf("failed to build page %d: %v", t, err)
		}
		if err := mw.SetImageDepth(16); err != nil {
			return fmt.Errorf("failed to set depth on page %d: %v", t, err)
		}
		if err := mw.SetImageFormat("TIFF"); err != nil {
			return fmt.Errorf("failed to set format: %v", err)
		}
	}
	if err := mw.WriteImages(path, true); err != nil {
		return fmt.Errorf("failed to write %s: %v", path, err)
	}
	return nil
}
