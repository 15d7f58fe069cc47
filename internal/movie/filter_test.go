package movie

import (
	"context"
	"errors"
	"math"
	"testing"
)

func constant(t, h, w int, v float32) *Movie {
	m, err := Zeros(t, h, w, Metadata{FrameRate: 20})
	if err != nil {
		panic(err)
	}
	for i := range m.Data {
		m.Data[i] = v
	}
	return m
}

func near(a, b float32, tol float64) bool {
	return math.Abs(float64(a-b)) <= tol
}

func TestGaussianBlurSpreadsImpulse(t *testing.T) {
	m := constant(2, 9, 9, 0)
	m.Data[4*9+4] = 1
	out, err := m.GaussianBlur(context.Background(), 5, 5, 1, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out == m || out.T != 2 || out.H != 9 || out.W != 9 {
		t.Fatalf("expected a new 2x9x9 movie, got %v", out)
	}
	var sum float64
	for _, v := range out.Frame(0) {
		sum += float64(v)
	}
	if math.Abs(sum-1) > 1e-5 {
		t.Fatalf("blur should conserve mass away from the border, got %v", sum)
	}
	c := out.At(0, 4, 4)
	if !(c > out.At(0, 4, 5)) || !near(out.At(0, 4, 3), out.At(0, 4, 5), 1e-6) || !near(out.At(0, 3, 4), out.At(0, 4, 5), 1e-6) {
		t.Fatalf("expected a symmetric peak, got centre %v neighbours %v %v %v", c, out.At(0, 4, 3), out.At(0, 4, 5), out.At(0, 3, 4))
	}
	if m.At(0, 4, 4) != 1 {
		t.Fatalf("input movie was modified")
	}
	if out.At(1, 0, 0) != 0 {
		t.Fatalf("blank frame should stay blank, got %v", out.At(1, 0, 0))
	}
}

func TestGaussianBlurValidatesKernel(t *testing.T) {
	m := constant(1, 4, 4, 3)
	if _, err := m.GaussianBlur(context.Background(), 4, 3, 1, 1); err == nil {
		t.Fatalf("expected error for even kernel size")
	}
	if _, err := m.GaussianBlur(context.Background(), 0, 0, 0, 0); err == nil {
		t.Fatalf("expected error without kernel size or sigma")
	}
	out, err := m.GaussianBlur(context.Background(), 0, 0, 1.5, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for i, v := range out.Data {
		if !near(v, 3, 1e-5) {
			t.Fatalf("sample %d: constant frame changed to %v", i, v)
		}
	}
}

func TestGaussianKernelDerivesSigma(t *testing.T) {
	w := gaussianKernel(3, 0)
	want := math.Exp(-1 / (2 * 0.8 * 0.8))
	if math.Abs(w[0]/w[1]-want) > 1e-12 || w[0] != w[2] {
		t.Fatalf("unexpected kernel %v", w)
	}
	if math.Abs(w[0]+w[1]+w[2]-1) > 1e-12 {
		t.Fatalf("kernel is not normalized: %v", w)
	}
}

func TestMedianBlurRemovesOutlier(t *testing.T) {
	m := constant(1, 5, 5, 10)
	m.Data[2*5+2] = 1000
	out, err := m.MedianBlur(context.Background(), 3)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for i, v := range out.Data {
		if v != 10 {
			t.Fatalf("sample %d: expected 10, got %v", i, v)
		}
	}
	if _, err := m.MedianBlur(context.Background(), 2); err == nil {
		t.Fatalf("expected error for even kernel size")
	}
}

func TestBilateralBlurKeepsEdges(t *testing.T) {
	m := constant(1, 6, 6, 0)
	for y := 0; y < 6; y++ {
		for x := 3; x < 6; x++ {
			m.Data[y*6+x] = 100
		}
	}
	out, err := m.BilateralBlur(context.Background(), 5, 10, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for i, v := range out.Data {
		if !near(v, m.Data[i], 1e-3) {
			t.Fatalf("sample %d: edge blurred from %v to %v", i, m.Data[i], v)
		}
	}
}

func TestGuidedBlurWithSelfGuideIsIdentity(t *testing.T) {
	m := ramp(2, 5, 5)
	out, err := m.GuidedBlur(context.Background(), m.Frame(0), 1, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for i, v := range out.Frame(0) {
		if !near(v, m.Data[i], 1e-3) {
			t.Fatalf("sample %d: expected %v, got %v", i, m.Data[i], v)
		}
	}
}

func TestGuidedBlurKeepsConstantFrames(t *testing.T) {
	m := constant(1, 4, 4, 7)
	guide := ramp(1, 4, 4).Data
	out, err := m.GuidedBlur(context.Background(), guide, 1, 0.01)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for i, v := range out.Data {
		if !near(v, 7, 1e-4) {
			t.Fatalf("sample %d: expected 7, got %v", i, v)
		}
	}
	if _, err := m.GuidedBlur(context.Background(), guide[:3], 1, 0); !errors.Is(err, ErrShape) {
		t.Fatalf("expected ErrShape for a mismatched guide, got %v", err)
	}
	if _, err := m.GuidedBlur(context.Background(), guide, 0, 0); err == nil {
		t.Fatalf("expected error for zero radius")
	}
}

func TestLocalCorrelationsMovieSlidesWindow(t *testing.T) {
	series := []float32{1, 4, 2, 8, 3, 5}
	data := make([]float32, 0, len(series)*9)
	for _, v := range series {
		for i := 0; i < 9; i++ {
			data = append(data, v*float32(i+1))
		}
	}
	m, _ := New(len(series), 3, 3, data, Metadata{FrameRate: 12})
	out, err := m.LocalCorrelationsMovie(context.Background(), 3)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.T != 3 || out.H != 3 || out.W != 3 || out.Meta.FrameRate != 12 {
		t.Fatalf("unexpected result %v", out)
	}
	for i, c := range out.Data {
		if !near(c, 1, 1e-5) {
			t.Fatalf("sample %d: expected 1, got %v", i, c)
		}
	}
	if _, err := m.LocalCorrelationsMovie(context.Background(), 6); !errors.Is(err, ErrShape) {
		t.Fatalf("expected ErrShape when the window covers the movie, got %v", err)
	}
}

func TestFiltersHonourCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	m := constant(4, 4, 4, 1)
	if out, err := m.MedianBlur(ctx, 3); !errors.Is(err, context.Canceled) || out != nil {
		t.Fatalf("expected cancellation and no output, got %v %v", out, err)
	}
}
