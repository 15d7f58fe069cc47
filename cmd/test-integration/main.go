package main

import (
	"context"
	"fmt"
	"log"
	"math"
	"os"
	"path/filepath"
	"time"

	"steadyscope/internal/config"
	"steadyscope/internal/logging"
	"steadyscope/internal/movie"
	"steadyscope/internal/movieio"
	"steadyscope/internal/pipeline"
	"steadyscope/internal/storage"
)

const (
	size   = 64
	frames = 40
)

// drift is the simulated sample motion (dy, dx) of frame i.
func drift(i int) (float64, float64) {
	t := float64(i)
	return 2.5 * math.Sin(t/6), 1.5 * math.Cos(t/9)
}

// scene renders a fixed set of gaussian cells displaced by (dy, dx).
func scene(dy, dx float64) []float32 {
	cells := [][3]float64{{16, 20, 3}, {40, 44, 4}, {28, 12, 2.5}, {50, 18, 3.5}, {12, 50, 2}, {34, 34, 5}}
	img := make([]float32, size*size)
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			v := 100.0
			for _, c := range cells {
				ry, rx := float64(y)-c[0]-dy, float64(x)-c[1]-dx
				v += 900 * math.Exp(-(ry*ry+rx*rx)/(2*c[2]*c[2]))
			}
			img[y*size+x] = float32(v)
		}
	}
	return img
}

func main() {
	fmt.Println("🔍 Testing end-to-end motion correction")

	dir, err := os.MkdirTemp("", "steadyscope-integration-")
	if err != nil {
		log.Fatal("Failed to create work directory:", err)
	}
	defer os.RemoveAll(dir)

	store, err := storage.New(filepath.Join(dir, "test_integration.db"))
	if err != nil {
		log.Fatal("Failed to create storage:", err)
	}
	defer store.Close()

	input := filepath.Join(dir, "session")
	stack := make([][]float32, frames)
	for i := range stack {
		stack[i] = scene(drift(i))
	}
	m, err := movie.FromFrames(stack, size, size, movie.Metadata{FrameRate: 15})
	if err != nil {
		log.Fatal("Failed to build movie:", err)
	}
	if err := movieio.Save(input, m); err != nil {
		log.Fatal("Failed to write movie:", err)
	}
	fmt.Printf("✅ Wrote %d synthetic frames to %s\n", frames, input)

	cfg := config.Default()
	cfg.Paths.DefaultOutput = dir
	cfg.Logging.Level = "warn"
	logger := logging.New(cfg.Logging.Level, cfg.Logging.Format)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	pipe := pipeline.New(ctx, 1, logger, store, cfg)
	defer pipe.Stop()

	results, unsubscribe := pipe.Subscribe()
	defer unsubscribe()

	job, err := pipeline.NewJob(pipeline.JobCorrect, input, filepath.Join(dir, "session_mc"), map[string]any{"maxShift": 6})
	if err != nil {
		log.Fatal("Failed to create job:", err)
	}
	if err := pipe.Submit(job); err != nil {
		log.Fatal("Failed to submit job:", err)
	}
	fmt.Printf("🚀 Submitted correct job %s\n", job.ID)

	for {
		select {
		case <-ctx.Done():
			log.Fatal("Timed out waiting for correction")
		case res := <-results:
			if res.Job.ID != job.ID {
				continue
			}
			if res.Error != nil {
				log.Fatal("Correction failed:", res.Error)
			}
			report(ctx, store, job.ID, res.Meta)
			return
		}
	}
}

func report(ctx context.Context, store *storage.Store, id string, meta map[string]any) {
	run, err := store.Run(ctx, id)
	if err != nil {
		log.Fatal("Run was not recorded:", err)
	}
	shifts, err := store.RunShifts(ctx, id)
	if err != nil {
		log.Fatal("Failed to load shifts:", err)
	}

	fmt.Printf("📊 Correction summary:\n")
	fmt.Printf("   Frames: %d (%dx%d → %dx%d)\n", run.Frames, run.Height, run.Width, run.OutHeight, run.OutWidth)
	fmt.Printf("   Method: %s / %s\n", run.Method, run.Interpolation)
	fmt.Printf("   Mean quality: %.3f\n", run.MeanQuality)
	fmt.Printf("   Output: %v\n", meta["output"])

	// Shifts undo the drift, so each should be its negation up to the
	// template's own offset, which is removed by centring both series.
	var meanErrY, meanErrX float64
	for i, s := range shifts {
		dy, dx := drift(i)
		meanErrY += s.DY + dy
		meanErrX += s.DX + dx
	}
	meanErrY /= float64(len(shifts))
	meanErrX /= float64(len(shifts))

	worst := 0.0
	for i, s := range shifts {
		dy, dx := drift(i)
		worst = math.Max(worst, math.Hypot(s.DY+dy-meanErrY, s.DX+dx-meanErrX))
	}
	fmt.Printf("   Worst residual: %.3f px\n", worst)
	if worst > 0.5 {
		fmt.Println("❌ Recovered shifts do not match the simulated drift")
		os.Exit(1)
	}
	fmt.Println("✅ Recovered shifts match the simulated drift")
}
