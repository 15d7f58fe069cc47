//go:build gocv

package motion

import (
	"encoding/binary"
	"fmt"
	"image"
	"image/color"
	"math"

	"gocv.io/x/gocv"
)

const openCVAvailable = true

var cvInterpolation = map[Interpolation]gocv.InterpolationFlags{
	InterpNearest:  gocv.InterpolationNearestNeighbor,
	InterpLinear:   gocv.InterpolationLinear,
	InterpCubic:    gocv.InterpolationCubic,
	InterpArea:     gocv.InterpolationArea,
	InterpLanczos4: gocv.InterpolationLanczos4,
}

func matFromFloat32(rows, cols int, data []float32) (gocv.Mat, error) {
	buf := make([]byte, 4*len(data))
	for i, v := range data {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(v))
	}
	return gocv.NewMatFromBytes(rows, cols, gocv.MatTypeCV32F, buf)
}

// matValues returns the float32 samples of a result Mat. OpenCV leaves the
// destination empty when an operation fails.
func matValues(op string, m gocv.Mat, want int) ([]float32, error) {
	if m.Empty() {
		return nil, fmt.Errorf("frame: opencv %s returned an empty result", op)
	}
	vals, err := m.DataPtrFloat32()
	if err != nil {
		return nil, fmt.Errorf("frame: opencv %s: %w", op, err)
	}
	if len(vals) != want {
		return nil, fmt.Errorf("frame: opencv %s returned %d values, want %d", op, len(vals), want)
	}
	return vals, nil
}

// openCVMatcher runs TM_CCORR_NORMED template matching.
type openCVMatcher struct {
	kernel gocv.Mat
	h, w   int
}

func newOpenCVMatcher(k *Template, h, w int) (matcher, error) {
	km, err := matFromFloat32(k.H, k.W, k.Data)
	if err != nil {
		return nil, configErrorf("opencv kernel: %v", err)
	}
	return &openCVMatcher{kernel: km, h: h, w: w}, nil
}

func (o *openCVMatcher) close() { o.kernel.Close() }

func (o *openCVMatcher) match(frame []float32, surface []float64) error {
	img, err := matFromFloat32(o.h, o.w, frame)
	if err != nil {
		return err
	}
	defer img.Close()
	res := gocv.NewMat()
	defer res.Close()
	mask := gocv.NewMat()
	defer mask.Close()

	if err := gocv.MatchTemplate(img, o.kernel, &res, gocv.TmCcorrNormed, mask); err != nil {
		return fmt.Errorf("frame: opencv match template: %w", err)
	}
	vals, err := matValues("match template", res, len(surface))
	if err != nil {
		return err
	}
	for i, v := range vals {
		surface[i] = float64(v)
	}
	return nil
}

// openCVWarper applies the translation with warpAffine and replicated borders.
type openCVWarper struct {
	h, w   int
	interp gocv.InterpolationFlags
}

func newOpenCVWarper(h, w int, interp Interpolation) (warper, error) {
	flag, ok := cvInterpolation[interp]
	if !ok {
		return nil, configErrorf("unknown interpolation %q", interp)
	}
	return &openCVWarper{h: h, w: w, interp: flag}, nil
}

func (o *openCVWarper) close() {}

func (o *openCVWarper) warp(src, dst []float32, dx, dy float64) error {
	img, err := matFromFloat32(o.h, o.w, src)
	if err != nil {
		return err
	}
	defer img.Close()
	m := gocv.NewMatWithSize(2, 3, gocv.MatTypeCV64F)
	defer m.Close()
	affine := [2][3]float64{{1, 0, dx}, {0, 1, dy}}
	for r, row := range affine {
		for c, v := range row {
			m.SetDoubleAt(r, c, v)
		}
	}

	out := gocv.NewMat()
	defer out.Close()
	if err := gocv.WarpAffineWithParams(img, &out, m, image.Pt(o.w, o.h), o.interp, gocv.BorderReplicate, color.RGBA{}); err != nil {
		return fmt.Errorf("frame: opencv warp affine: %w", err)
	}
	vals, err := matValues("warp affine", out, len(dst))
	if err != nil {
		return err
	}
	copy(dst, vals)
	return nil
}
