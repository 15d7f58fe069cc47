package motion

import (
	"context"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
)

// forEachFrame runs fn for frames [0, n) on at most workers goroutines.
// Each call owns index i only. Cancellation is checked before every frame;
// on cancel the context error is returned and callers drop their output.
func forEachFrame(ctx context.Context, n, workers int, stage string, progress ProgressFunc, fn func(i int) error) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	var done atomic.Int64
	for i := 0; i < n; i++ {
		if err := gctx.Err(); err != nil {
			break
		}
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			if err := fn(i); err != nil {
				return err
			}
			if progress != nil {
				progress(stage, int(done.Add(1)), n)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return err
	}
	return ctx.Err()
}
