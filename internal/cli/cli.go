package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/sync/errgroup"

	"steadyscope/internal/agent"
	"steadyscope/internal/config"
	"steadyscope/internal/grpcserver"
	"steadyscope/internal/movieio"
	"steadyscope/internal/pipeline"
	"steadyscope/internal/server"
	"steadyscope/internal/storage"
	"steadyscope/internal/tasks"
)

// Version is stamped at build time with -ldflags.
var Version = "0.4.0-dev"

type pipelineClient interface {
	Submit(job pipeline.Job) error
	Subscribe() (<-chan pipeline.Result, func())
}

type remoteClient interface {
	Submit(ctx context.Context, req grpcserver.SubmitRequest) (string, error)
	GetJob(ctx context.Context, id string) (grpcserver.JobStatus, error)
	GetRun(ctx context.Context, id string, includeShifts bool) (map[string]any, error)
	Close() error
}

type dialFunc func(cfg grpcserver.DialConfig) (remoteClient, error)

func defaultDial(cfg grpcserver.DialConfig) (remoteClient, error) {
	conn, err := grpcserver.Dial(cfg)
	if err != nil {
		return nil, err
	}
	return grpcserver.NewClient(conn), nil
}

// serveOptions configures the combined HTTP and gRPC server.
type serveOptions struct {
	HTTPAddr     string
	GRPCAddr     string
	WatchDirs    []string
	Settle       time.Duration
	WatchOptions map[string]any
}

type serverFunc func(ctx context.Context, store *storage.Store, pipe pipelineClient, opts serveOptions, log *slog.Logger) error

func defaultServe(ctx context.Context, store *storage.Store, pipe pipelineClient, opts serveOptions, log *slog.Logger) error {
	real, ok := pipe.(*pipeline.Pipeline)
	if !ok {
		return fmt.Errorf("pipeline does not support server operation")
	}
	httpServer, err := server.NewServer(opts.HTTPAddr, store, real, opts.WatchDirs, opts.Settle, opts.WatchOptions, log)
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return httpServer.Start(gctx) })
	if opts.GRPCAddr != "" {
		g.Go(func() error { return grpcserver.NewServer(real, store, log).Start(gctx, opts.GRPCAddr) })
	}
	return g.Wait()
}

type agentFunc func(ctx context.Context, cfg agent.Config, dial grpcserver.DialConfig, log *slog.Logger) error

func defaultAgent(ctx context.Context, cfg agent.Config, dial grpcserver.DialConfig, log *slog.Logger) error {
	conn, err := grpcserver.Dial(dial)
	if err != nil {
		return fmt.Errorf("failed to connect to server: %w", err)
	}
	defer conn.Close()

	a, err := agent.NewAgent(cfg, grpcserver.NewClient(conn), log)
	if err != nil {
		return fmt.Errorf("failed to create agent: %w", err)
	}
	if err := a.Start(ctx); err != nil {
		return err
	}
	fmt.Printf("🤖 Agent %s running, press Ctrl+C to stop...\n", a.ID())
	<-ctx.Done()
	fmt.Printf("\n🛑 Stopping agent...\n")
	return a.Stop()
}

// Root wires CLI commands to the pipeline.
type Root struct {
	pipeline pipelineClient
	cfg      *config.Config
	log      *slog.Logger
	store    *storage.Store
	serveFn  serverFunc
	agentFn  agentFunc
	dialFn   dialFunc
}

// NewRoot constructs the CLI root.
func NewRoot(pl *pipeline.Pipeline, cfg *config.Config, logger *slog.Logger, store *storage.Store) *Root {
	return &Root{
		pipeline: pl,
		cfg:      cfg,
		log:      logger,
		store:    store,
		serveFn:  defaultServe,
		agentFn:  defaultAgent,
		dialFn:   defaultDial,
	}
}

// Run executes the command line in args.
func (r *Root) Run(ctx context.Context, args []string) error {
	cmd := r.Command()
	cmd.SetArgs(args)
	return cmd.ExecuteContext(ctx)
}

// runJob submits a local job, waits for it and prints the outcome.
func (r *Root) runJob(ctx context.Context, typ pipeline.JobType, input, output string, opts map[string]any) error {
	job, err := pipeline.NewJob(typ, input, output, opts)
	if err != nil {
		return err
	}
	res, err := r.enqueueAndWait(ctx, job)
	if err != nil {
		return err
	}
	printResult(res)
	return nil
}

func (r *Root) enqueueAndWait(ctx context.Context, job pipeline.Job) (pipeline.Result, error) {
	resCh, unsubscribe := r.pipeline.Subscribe()
	defer unsubscribe()
	if err := r.enqueue(ctx, job); err != nil {
		return pipeline.Result{}, err
	}
	for {
		select {
		case <-ctx.Done():
			return pipeline.Result{}, ctx.Err()
		case res, ok := <-resCh:
			if !ok {
				return pipeline.Result{}, fmt.Errorf("pipeline stopped before completion")
			}
			if res.Job.ID == job.ID {
				return res, res.Error
			}
		}
	}
}

func (r *Root) enqueue(ctx context.Context, job pipeline.Job) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	if err := r.pipeline.Submit(job); err != nil {
		return err
	}

	r.log.Info("job queued", "type", job.Type, "id", job.ID, "input", job.InputPath)
	return nil
}

// printResult writes a short human summary of a finished job.
func printResult(res pipeline.Result) {
	if res.Error != nil {
		fmt.Printf("❌ %s %s failed: %v\n", res.Job.Type, res.Job.ID, res.Error)
		return
	}
	fmt.Printf("✅ %s %s completed\n", res.Job.Type, res.Job.ID)
	printMeta(res.Meta)
}

func printMeta(meta map[string]any) {
	keys := make([]string, 0, len(meta))
	for k := range meta {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		fmt.Printf("  %-14s %s\n", k+":", formatMetaValue(k, meta[k]))
	}
}

func formatMetaValue(key string, v any) string {
	switch key {
	case "output", "shifts", "template":
		if path, ok := v.(string); ok {
			if st, err := os.Stat(path); err == nil && !st.IsDir() {
				return fmt.Sprintf("%s (%s)", path, humanize.Bytes(uint64(st.Size())))
			}
		}
	case "elapsed_ms":
		if ms, ok := toFloat(v); ok {
			return (time.Duration(ms) * time.Millisecond).String()
		}
	case "max_abs_shift", "mean_quality", "offset":
		if f, ok := toFloat(v); ok {
			return strconv.FormatFloat(f, 'f', 3, 64)
		}
	}
	return fmt.Sprint(v)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

// showRuns lists recent runs, or prints one run and optionally its shift table.
func (r *Root) showRuns(ctx context.Context, id string, limit int, withShifts bool) error {
	if r.store == nil {
		return fmt.Errorf("run history requires a database")
	}
	if id == "" {
		runs, err := r.store.RecentRuns(ctx, limit)
		if err != nil {
			return err
		}
		if len(runs) == 0 {
			fmt.Println("No runs recorded yet")
			return nil
		}
		for _, run := range runs {
			fmt.Printf("%-36s  %5d frames  %-7s  q=%.3f  %s  %s\n",
				run.ID, run.Frames, run.Method, run.MeanQuality, humanize.Time(run.CreatedAt), run.InputPath)
		}
		return nil
	}

	run, err := r.store.Run(ctx, id)
	if err != nil {
		return err
	}
	fmt.Printf("Run %s\n", run.ID)
	fmt.Printf("  Input:          %s\n", run.InputPath)
	if run.OutputPath != "" {
		fmt.Printf("  Output:         %s\n", run.OutputPath)
	}
	fmt.Printf("  Frames:         %s (%dx%d → %dx%d)\n", humanize.Comma(int64(run.Frames)), run.Height, run.Width, run.OutHeight, run.OutWidth)
	fmt.Printf("  Method:         %s / %s\n", run.Method, run.Interpolation)
	fmt.Printf("  Max shift:      %d x %d\n", run.MaxShiftW, run.MaxShiftH)
	fmt.Printf("  Mean quality:   %.4f\n", run.MeanQuality)
	fmt.Printf("  Fallbacks:      %d\n", run.Fallbacks)
	fmt.Printf("  Elapsed:        %s\n", run.Elapsed)
	fmt.Printf("  Recorded:       %s\n", humanize.Time(run.CreatedAt))
	for _, w := range run.Warnings {
		fmt.Printf("  ⚠️  %s (frame %d): %s\n", w.Kind, w.Frame, w.Message)
	}
	if withShifts {
		shifts, err := r.store.RunShifts(ctx, id)
		if err != nil {
			return err
		}
		return movieio.WriteShiftsCSV(os.Stdout, shifts)
	}
	return nil
}

// watchLocal runs settled movies in dirs through the local pipeline until ctx ends.
func (r *Root) watchLocal(ctx context.Context, dirs []string, settle time.Duration, opts map[string]any) error {
	if len(dirs) == 0 {
		return fmt.Errorf("at least one directory must be watched")
	}
	w, err := tasks.NewMovieWatcher(dirs, settle, r.log)
	if err != nil {
		return err
	}
	if err := w.Start(); err != nil {
		return err
	}
	defer w.Stop()

	resCh, unsubscribe := r.pipeline.Subscribe()
	defer unsubscribe()

	fmt.Printf("👀 Watching %s for new movies (settle %s)\n", strings.Join(dirs, ", "), settle)
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			job, err := pipeline.NewJob(pipeline.JobCorrect, ev.Path, "", opts)
			if err != nil {
				return err
			}
			if err := r.store.RecordWatchEvent(storage.WatchEvent{FilePath: ev.Path, EventType: "settled", EventTime: ev.Time, FileSize: ev.Size, JobID: job.ID}); err != nil {
				r.log.Warn("failed to record watch event", "path", ev.Path, "error", err)
			}
			if err := r.enqueue(ctx, job); err != nil {
				r.log.Error("failed to queue watched movie", "path", ev.Path, "error", err)
				continue
			}
			fmt.Printf("📥 %s (%s) queued as %s\n", ev.Path, humanize.Bytes(uint64(ev.Size)), job.ID)
		case res, ok := <-resCh:
			if !ok {
				return nil
			}
			printResult(res)
		}
	}
}

// submitRemote sends a job to a gRPC server and optionally waits for it.
func (r *Root) submitRemote(ctx context.Context, dial grpcserver.DialConfig, req grpcserver.SubmitRequest, wait bool, poll time.Duration) error {
	client, err := r.dialFn(dial)
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", dial.Address, err)
	}
	defer client.Close()

	id, err := client.Submit(ctx, req)
	if err != nil {
		return err
	}
	fmt.Printf("📤 Submitted %s job %s to %s\n", req.Type, id, dial.Address)
	if !wait {
		return nil
	}

	ticker := time.NewTicker(poll)
	defer ticker.Stop()
	for {
		st, err := client.GetJob(ctx, id)
		if err != nil {
			return err
		}
		if st.Done() {
			if st.Status != "completed" {
				return fmt.Errorf("job %s %s: %s", id, st.Status, st.Error)
			}
			fmt.Printf("✅ %s %s completed\n", st.Type, id)
			printMeta(st.Meta)
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// parseSetFlags turns key=value pairs into job options with typed values.
func parseSetFlags(pairs []string) (map[string]any, error) {
	out := make(map[string]any, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("option %q must be key=value", p)
		}
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			out[k] = f
		} else if b, err := strconv.ParseBool(v); err == nil {
			out[k] = b
		} else if strings.Contains(v, ",") {
			parts := strings.Split(v, ",")
			list := make([]any, len(parts))
			for i, s := range parts {
				list[i] = s
			}
			out[k] = list
		} else {
			out[k] = v
		}
	}
	return out, nil
}
