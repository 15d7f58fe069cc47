//go:build gocv

package movie

import (
	"encoding/binary"
	"fmt"
	"image"
	"math"

	"gocv.io/x/gocv"
)

func init() {
	gaussianFrame = cvGaussianFrame
	medianFrame = cvMedianFrame
	bilateralFrame = cvBilateralFrame
}

func frameMat(h, w int, data []float32) (gocv.Mat, error) {
	buf := make([]byte, 4*len(data))
	for i, v := range data {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(v))
	}
	return gocv.NewMatFromBytes(h, w, gocv.MatTypeCV32F, buf)
}

func copyMat(op string, m gocv.Mat, dst []float32) error {
	if m.Empty() {
		return fmt.Errorf("frame: opencv %s returned an empty result", op)
	}
	vals, err := m.DataPtrFloat32()
	if err != nil {
		return fmt.Errorf("frame: opencv %s: %w", op, err)
	}
	if len(vals) != len(dst) {
		return fmt.Errorf("frame: opencv %s returned %d values, want %d", op, len(vals), len(dst))
	}
	copy(dst, vals)
	return nil
}

func cvGaussianFrame(src, dst []float32, h, w, kx, ky int, sigmaX, sigmaY float64) error {
	img, err := frameMat(h, w, src)
	if err != nil {
		return err
	}
	defer img.Close()
	out := gocv.NewMat()
	defer out.Close()
	if err := gocv.GaussianBlur(img, &out, image.Pt(kx, ky), sigmaX, sigmaY, gocv.BorderReplicate); err != nil {
		return fmt.Errorf("frame: opencv gaussian blur: %w", err)
	}
	return copyMat("gaussian blur", out, dst)
}

// cvMedianFrame uses OpenCV for the kernel sizes it accepts on float frames.
func cvMedianFrame(src, dst []float32, h, w, k int) error {
	if k != 3 && k != 5 {
		return goMedianFrame(src, dst, h, w, k)
	}
	img, err := frameMat(h, w, src)
	if err != nil {
		return err
	}
	defer img.Close()
	out := gocv.NewMat()
	defer out.Close()
	if err := gocv.MedianBlur(img, &out, k); err != nil {
		return fmt.Errorf("frame: opencv median blur: %w", err)
	}
	return copyMat("median blur", out, dst)
}

func cvBilateralFrame(src, dst []float32, h, w, radius int, sigmaColor, sigmaSpace float64) error {
	img, err := frameMat(h, w, src)
	if err != nil {
		return err
	}
	defer img.Close()
	out := gocv.NewMat()
	defer out.Close()
	if err := gocv.BilateralFilter(img, &out, 2*radius+1, sigmaColor, sigmaSpace); err != nil {
		return fmt.Errorf("frame: opencv bilateral filter: %w", err)
	}
	return copyMat("bilateral filter", out, dst)
}
