package cli

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"steadyscope/internal/agent"
	"steadyscope/internal/config"
	"steadyscope/internal/grpcserver"
	"steadyscope/internal/motion"
	"steadyscope/internal/pipeline"
	"steadyscope/internal/storage"
)

func TestRunDispatchesProcessingCommands(t *testing.T) {
	root, fakePipe := newTestRoot(t)
	movie := filepath.Join(t.TempDir(), "session.tif")

	cases := []struct {
		name       string
		args       []string
		expectType pipeline.JobType
		expectOpts map[string]any
	}{
		{"correct", []string{"correct", movie, "--max-shift", "7", "--method", "zncc"}, pipeline.JobCorrect,
			map[string]any{"maxShift": 7, "method": "zncc"}},
		{"correct chain", []string{"correct", movie, "--chain", "b.tif,c.tif", "--remove-blanks"}, pipeline.JobCorrect,
			map[string]any{"removeBlanks": true}},
		{"extract", []string{"extract", movie, "out.csv", "--interpolation", "linear"}, pipeline.JobExtract,
			map[string]any{"interpolation": "linear"}},
		{"apply", []string{"apply", movie, "--shifts", "s.csv"}, pipeline.JobApply,
			map[string]any{"shifts": "s.csv"}},
		{"template", []string{"template", movie, "--window", "50"}, pipeline.JobTemplate,
			map[string]any{"window": 50}},
		{"project", []string{"project", movie, "--projection", "max"}, pipeline.JobProject,
			map[string]any{"projection": "max"}},
		{"filter", []string{"filter", movie, "--filter", "median", "--kernel", "3"}, pipeline.JobFilter,
			map[string]any{"filter": "median", "kernel": 3}},
		{"filter guided", []string{"filter", movie, "--filter", "guided", "--eps", "0.5", "--guide", "g.tif"}, pipeline.JobFilter,
			map[string]any{"filter": "guided", "eps": 0.5, "guide": "g.tif"}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			fakePipe.reset()
			if err := root.Run(context.Background(), tc.args); err != nil {
				t.Fatalf("run failed: %v", err)
			}
			jobs := fakePipe.submitted()
			if len(jobs) != 1 {
				t.Fatalf("expected one job, got %d", len(jobs))
			}
			job := jobs[0]
			if job.Type != tc.expectType || job.InputPath != movie {
				t.Fatalf("unexpected job %+v", job)
			}
			for k, v := range tc.expectOpts {
				if job.Options[k] != v {
					t.Fatalf("option %s: expected %v, got %v (all %v)", k, v, job.Options[k], job.Options)
				}
			}
		})
	}
}

func TestUnsetFlagsAreNotForwarded(t *testing.T) {
	root, fakePipe := newTestRoot(t)
	if err := root.Run(context.Background(), []string{"correct", "m.tif"}); err != nil {
		t.Fatalf("run failed: %v", err)
	}
	jobs := fakePipe.submitted()
	if len(jobs) != 1 || len(jobs[0].Options) != 0 {
		t.Fatalf("expected no options, got %+v", jobs)
	}
}

func TestChainOptionIsList(t *testing.T) {
	root, fakePipe := newTestRoot(t)
	if err := root.Run(context.Background(), []string{"correct", "a.tif", "--chain", "b.tif,c.tif"}); err != nil {
		t.Fatalf("run failed: %v", err)
	}
	chain, ok := fakePipe.submitted()[0].Options["chain"].([]any)
	if !ok || len(chain) != 2 || chain[1] != "c.tif" {
		t.Fatalf("unexpected chain %#v", fakePipe.submitted()[0].Options["chain"])
	}
}

func TestRunValidatesArguments(t *testing.T) {
	root, _ := newTestRoot(t)
	if err := root.Run(context.Background(), []string{"correct"}); err == nil {
		t.Fatalf("expected error for missing movie")
	}
	if err := root.Run(context.Background(), []string{"apply", "m.tif"}); err == nil {
		t.Fatalf("expected error for missing --shifts")
	}
	if err := root.Run(context.Background(), []string{"submit", "correct"}); err == nil {
		t.Fatalf("expected error for missing submit input")
	}
}

func TestServeCommandUsesInjectedFunction(t *testing.T) {
	root, _ := newTestRoot(t)
	var got serveOptions
	root.serveFn = func(ctx context.Context, store *storage.Store, pipe pipelineClient, opts serveOptions, log *slog.Logger) error {
		got = opts
		return nil
	}
	args := []string{"serve", "--addr", ":9999", "--grpc-addr", ":9998", "--watch", "/in", "--settle", "3s", "--max-shift", "4"}
	if err := root.Run(context.Background(), args); err != nil {
		t.Fatalf("serve failed: %v", err)
	}
	if got.HTTPAddr != ":9999" || got.GRPCAddr != ":9998" || len(got.WatchDirs) != 1 || got.Settle != 3*time.Second {
		t.Fatalf("unexpected serve options %+v", got)
	}
	if got.WatchOptions["maxShift"] != 4 {
		t.Fatalf("expected watch options to carry overrides, got %v", got.WatchOptions)
	}
}

func TestAgentCommandBuildsConfig(t *testing.T) {
	root, _ := newTestRoot(t)
	var (
		gotCfg  agent.Config
		gotDial grpcserver.DialConfig
	)
	root.agentFn = func(ctx context.Context, cfg agent.Config, dial grpcserver.DialConfig, log *slog.Logger) error {
		gotCfg, gotDial = cfg, dial
		return nil
	}
	if err := root.Run(context.Background(), []string{"agent", "-s", "scope:9090", "-d", "/a,/b", "--scan-existing"}); err != nil {
		t.Fatalf("agent failed: %v", err)
	}
	if gotDial.Address != "scope:9090" || !gotDial.Insecure {
		t.Fatalf("unexpected dial config %+v", gotDial)
	}
	if len(gotCfg.Directories) != 2 || !gotCfg.ScanExisting || gotCfg.Settle != 2*time.Second {
		t.Fatalf("unexpected agent config %+v", gotCfg)
	}

	root.cfg.Watch.Directories = nil
	if err := root.Run(context.Background(), []string{"agent"}); err == nil {
		t.Fatalf("expected error without directories")
	}
}

func TestSubmitCommandWaitsForRemoteJob(t *testing.T) {
	root, _ := newTestRoot(t)
	client := &stubRemote{statuses: []string{"running", "completed"}}
	var dialed grpcserver.DialConfig
	root.dialFn = func(cfg grpcserver.DialConfig) (remoteClient, error) {
		dialed = cfg
		return client, nil
	}

	output := captureOutput(t, func() {
		args := []string{"submit", "correct", "/data/m.tif", "--set", "maxShift=8", "--set", "method=zncc", "--wait", "--poll", "5ms", "--tls"}
		if err := root.Run(context.Background(), args); err != nil {
			t.Fatalf("submit failed: %v", err)
		}
	})
	if dialed.Insecure {
		t.Fatalf("expected TLS dial config")
	}
	if client.req.Type != "correct" || client.req.Options["maxShift"] != 8.0 || client.req.Options["method"] != "zncc" {
		t.Fatalf("unexpected request %+v", client.req)
	}
	if !client.closed {
		t.Fatalf("client not closed")
	}
	if !strings.Contains(output, "remote-1") || !strings.Contains(output, "completed") {
		t.Fatalf("unexpected output %q", output)
	}
}

func TestSubmitCommandReportsRemoteFailure(t *testing.T) {
	root, _ := newTestRoot(t)
	client := &stubRemote{statuses: []string{"failed"}, jobErr: "bad movie"}
	root.dialFn = func(grpcserver.DialConfig) (remoteClient, error) { return client, nil }
	err := root.Run(context.Background(), []string{"submit", "extract", "/m.tif", "--wait", "--poll", "5ms"})
	if err == nil || !strings.Contains(err.Error(), "bad movie") {
		t.Fatalf("expected remote failure, got %v", err)
	}
}

func TestRunsCommand(t *testing.T) {
	root, _ := newTestRoot(t)
	store, err := storage.New(filepath.Join(t.TempDir(), "runs.db"))
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	defer store.Close()
	root.store = store

	ctx := context.Background()
	rec := storage.RunRecord{ID: "run-1", InputPath: "/data/m.tif", Frames: 1200, Height: 512, Width: 512, OutHeight: 500, OutWidth: 498, Method: "native", Interpolation: "cubic", MeanQuality: 0.61}
	shifts := []motion.Shift{{DX: 0.5, DY: -1, Quality: 0.6}}
	if err := store.RecordRun(ctx, rec, shifts); err != nil {
		t.Fatalf("record: %v", err)
	}

	list := captureOutput(t, func() {
		if err := root.Run(ctx, []string{"runs"}); err != nil {
			t.Fatalf("runs failed: %v", err)
		}
	})
	if !strings.Contains(list, "run-1") || !strings.Contains(list, "/data/m.tif") {
		t.Fatalf("unexpected runs list %q", list)
	}

	detail := captureOutput(t, func() {
		if err := root.Run(ctx, []string{"runs", "run-1", "--shifts"}); err != nil {
			t.Fatalf("runs detail failed: %v", err)
		}
	})
	if !strings.Contains(detail, "1,200") || !strings.Contains(detail, "frame,dx,dy") {
		t.Fatalf("unexpected run detail %q", detail)
	}

	if err := root.Run(ctx, []string{"runs", "missing"}); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestWatchLocalQueuesSettledMovies(t *testing.T) {
	root, fakePipe := newTestRoot(t)
	dir := t.TempDir()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- root.watchLocal(ctx, []string{dir}, 50*time.Millisecond, map[string]any{"maxShift": 3}) }()

	path := filepath.Join(dir, "new.tif")
	deadline := time.Now().Add(5 * time.Second)
	for len(fakePipe.submitted()) == 0 {
		// The watcher may not be registered yet on the first iterations.
		_ = os.WriteFile(path, []byte("movie"), 0o644)
		if time.Now().After(deadline) {
			t.Fatalf("watched movie never queued")
		}
		time.Sleep(100 * time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("watch returned %v", err)
	}
	job := fakePipe.submitted()[0]
	if job.Type != pipeline.JobCorrect || job.InputPath != path || job.Options["maxShift"] != 3 {
		t.Fatalf("unexpected job %+v", job)
	}

	if err := root.watchLocal(context.Background(), nil, time.Second, nil); err == nil {
		t.Fatalf("expected error without directories")
	}
}

func TestConfigCommands(t *testing.T) {
	root, _ := newTestRoot(t)

	showOut := captureOutput(t, func() {
		if err := root.Run(context.Background(), []string{"config", "show"}); err != nil {
			t.Fatalf("config show failed: %v", err)
		}
	})
	if !strings.Contains(showOut, "Current configuration") || !strings.Contains(showOut, "Interpolation: cubic") {
		t.Fatalf("expected configuration output, got %q", showOut)
	}

	validOut := captureOutput(t, func() {
		if err := root.Run(context.Background(), []string{"config", "validate"}); err != nil {
			t.Fatalf("config validate failed: %v", err)
		}
	})
	if !strings.Contains(validOut, "valid") {
		t.Fatalf("unexpected validate output %q", validOut)
	}

	root.cfg.Motion.Method = "phase"
	if err := root.Run(context.Background(), []string{"config", "validate"}); err == nil {
		t.Fatalf("expected invalid method to fail validation")
	}

	path := filepath.Join(t.TempDir(), "steadyscope.toml")
	if err := root.Run(context.Background(), []string{"config", "init", path}); err != nil {
		t.Fatalf("config init failed: %v", err)
	}
	loaded, err := config.LoadFile(path)
	if err != nil || loaded.Motion.Interpolation != "cubic" {
		t.Fatalf("unexpected written config %+v %v", loaded, err)
	}

	versionOut := captureOutput(t, func() {
		if err := root.cmdVersion(); err != nil {
			t.Fatalf("cmdVersion failed: %v", err)
		}
	})
	if !strings.Contains(versionOut, "SteadyScope v"+Version) || !strings.Contains(versionOut, "native: ✅ available") {
		t.Fatalf("unexpected version output %q", versionOut)
	}
}

func TestEnqueueAndWaitPropagatesErrors(t *testing.T) {
	root, fakePipe := newTestRoot(t)
	job := pipeline.Job{ID: "err-job", Type: pipeline.JobCorrect}
	fakePipe.jobErrors["err-job"] = context.DeadlineExceeded
	if _, err := root.enqueueAndWait(context.Background(), job); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected error from pipeline result, got %v", err)
	}
}

func TestParseSetFlags(t *testing.T) {
	opts, err := parseSetFlags([]string{"maxShift=6", "removeBlanks=true", "method=zncc", "chain=a.tif,b.tif"})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if opts["maxShift"] != 6.0 || opts["removeBlanks"] != true || opts["method"] != "zncc" {
		t.Fatalf("unexpected options %v", opts)
	}
	if chain, ok := opts["chain"].([]any); !ok || len(chain) != 2 {
		t.Fatalf("unexpected chain %v", opts["chain"])
	}
	if _, err := parseSetFlags([]string{"novalue"}); err == nil {
		t.Fatalf("expected error for missing '='")
	}
}

func TestFormatMetaValue(t *testing.T) {
	if got := formatMetaValue("elapsed_ms", 1500.0); got != "1.5s" {
		t.Fatalf("unexpected elapsed %q", got)
	}
	if got := formatMetaValue("mean_quality", 0.61234); got != "0.612" {
		t.Fatalf("unexpected quality %q", got)
	}
	path := filepath.Join(t.TempDir(), "out.tif")
	if err := os.WriteFile(path, make([]byte, 2048), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if got := formatMetaValue("output", path); !strings.Contains(got, "2.0 kB") {
		t.Fatalf("unexpected output %q", got)
	}
}

// Test helpers

func newTestRoot(t *testing.T) (*Root, *fakePipeline) {
	t.Helper()

	cfg := config.Default()
	tmp := t.TempDir()
	cfg.Paths.DefaultOutput = filepath.Join(tmp, "output")
	cfg.Paths.DatabasePath = filepath.Join(tmp, "steadyscope.db")
	cfg.Watch.Directories = []string{tmp}

	logger := slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelDebug}))
	pipe := newFakePipeline()

	root := &Root{
		pipeline: pipe,
		cfg:      cfg,
		log:      logger,
		store:    nil,
		serveFn:  defaultServe,
		agentFn:  defaultAgent,
		dialFn:   defaultDial,
	}
	return root, pipe
}

type fakePipeline struct {
	mu        sync.Mutex
	jobs      []pipeline.Job
	subs      map[int]chan pipeline.Result
	nextSubID int
	jobErrors map[string]error
}

func newFakePipeline() *fakePipeline {
	return &fakePipeline{
		subs:      make(map[int]chan pipeline.Result),
		jobErrors: make(map[string]error),
	}
}

func (f *fakePipeline) Submit(job pipeline.Job) error {
	f.mu.Lock()
	f.jobs = append(f.jobs, job)
	subs := make([]chan pipeline.Result, 0, len(f.subs))
	for _, ch := range f.subs {
		subs = append(subs, ch)
	}
	err := f.errorFor(job)
	f.mu.Unlock()

	go func() {
		res := pipeline.Result{Job: job, Error: err, Meta: map[string]any{"frames": 3}}
		for _, ch := range subs {
			select {
			case ch <- res:
			default:
			}
		}
	}()
	return nil
}

func (f *fakePipeline) Subscribe() (<-chan pipeline.Result, func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.nextSubID
	f.nextSubID++
	ch := make(chan pipeline.Result, 2)
	f.subs[id] = ch
	unsub := func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		delete(f.subs, id)
	}
	return ch, unsub
}

func (f *fakePipeline) errorFor(job pipeline.Job) error {
	if err, ok := f.jobErrors[job.ID]; ok {
		return err
	}
	if err, ok := f.jobErrors[string(job.Type)]; ok {
		return err
	}
	return nil
}

func (f *fakePipeline) submitted() []pipeline.Job {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]pipeline.Job(nil), f.jobs...)
}

func (f *fakePipeline) reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs = nil
	f.jobErrors = make(map[string]error)
}

type stubRemote struct {
	req      grpcserver.SubmitRequest
	statuses []string
	jobErr   string
	polls    int
	closed   bool
}

func (s *stubRemote) Submit(ctx context.Context, req grpcserver.SubmitRequest) (string, error) {
	s.req = req
	return "remote-1", nil
}

func (s *stubRemote) GetJob(ctx context.Context, id string) (grpcserver.JobStatus, error) {
	st := s.statuses[min(s.polls, len(s.statuses)-1)]
	s.polls++
	return grpcserver.JobStatus{ID: id, Type: s.req.Type, Status: st, Error: s.jobErr, Meta: map[string]any{"frames": 10.0}}, nil
}

func (s *stubRemote) GetRun(ctx context.Context, id string, includeShifts bool) (map[string]any, error) {
	return map[string]any{"id": id}, nil
}

func (s *stubRemote) Close() error {
	s.closed = true
	return nil
}

func captureOutput(t *testing.T, fn func()) string {
	t.Helper()
	oldStdout := os.Stdout
	r, w, _ := os.Pipe()
	os.Stdout = w

	done := make(chan string)
	go func() {
		var buf bytes.Buffer
		_, _ = io.Copy(&buf, r)
		done <- buf.String()
	}()

	fn()

	_ = w.Close()
	os.Stdout = oldStdout
	return <-done
}
