package agent

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"sort"
	"sync"
	"time"

	"steadyscope/internal/fsutil"
	"steadyscope/internal/grpcserver"
	"steadyscope/internal/tasks"
)

// CorrectionClient is the subset of the gRPC client the agent needs.
type CorrectionClient interface {
	RegisterAgent(ctx context.Context, info grpcserver.AgentInfo) (string, error)
	Heartbeat(ctx context.Context, agentID string, pending int) error
	Submit(ctx context.Context, req grpcserver.SubmitRequest) (string, error)
	GetJob(ctx context.Context, id string) (grpcserver.JobStatus, error)
}

// Config controls what the agent watches and how often it talks to the server.
type Config struct {
	AgentID           string
	Hostname          string
	Directories       []string
	Settle            time.Duration
	HeartbeatInterval time.Duration
	PollInterval      time.Duration
	// Options are forwarded with every correct job.
	Options map[string]any
	// ScanExisting submits movies already present when the agent starts.
	ScanExisting bool
}

// Task tracks one submitted movie until the server reports a terminal state.
type Task struct {
	JobID       string
	Path        string
	Status      string
	Error       string
	SubmittedAt time.Time
	FinishedAt  time.Time
}

// Agent watches directories and submits settled movies to a remote server.
type Agent struct {
	cfg      Config
	client   CorrectionClient
	log      *slog.Logger
	serverID string

	watcher *tasks.MovieWatcher

	tasks      map[string]*Task
	finished   []Task
	tasksMutex sync.RWMutex

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewAgent fills in defaults and returns an agent that is not yet running.
func NewAgent(cfg Config, client CorrectionClient, log *slog.Logger) (*Agent, error) {
	if client == nil {
		return nil, fmt.Errorf("agent requires a client")
	}
	if len(cfg.Directories) == 0 {
		return nil, fmt.Errorf("agent requires at least one directory")
	}
	if log == nil {
		log = slog.Default()
	}
	if cfg.Hostname == "" {
		hostname, err := os.Hostname()
		if err != nil {
			hostname = "unknown"
		}
		cfg.Hostname = hostname
	}
	if cfg.AgentID == "" {
		cfg.AgentID = fmt.Sprintf("agent-%s-%d", cfg.Hostname, time.Now().Unix())
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	return &Agent{
		cfg:    cfg,
		client: client,
		log:    log.With("agent_id", cfg.AgentID),
		tasks:  make(map[string]*Task),
	}, nil
}

// ID returns the agent identifier.
func (a *Agent) ID() string { return a.cfg.AgentID }

// Start registers with the server and launches the background loops.
func (a *Agent) Start(ctx context.Context) error {
	regCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	serverID, err := a.client.RegisterAgent(regCtx, grpcserver.AgentInfo{
		AgentID:     a.cfg.AgentID,
		Hostname:    a.cfg.Hostname,
		Platform:    runtime.GOOS + "/" + runtime.GOARCH,
		Directories: a.cfg.Directories,
	})
	cancel()
	if err != nil {
		return fmt.Errorf("failed to register with server: %w", err)
	}
	a.serverID = serverID

	w, err := tasks.NewMovieWatcher(a.cfg.Directories, a.cfg.Settle, a.log)
	if err != nil {
		return err
	}
	if err := w.Start(); err != nil {
		return err
	}
	a.watcher = w

	ctx, a.cancel = context.WithCancel(ctx)
	a.log.Info("Agent started", "server_id", serverID, "hostname", a.cfg.Hostname, "directories", a.cfg.Directories)

	if a.cfg.ScanExisting {
		a.scanExisting(ctx)
	}

	a.wg.Add(3)
	go a.heartbeatLoop(ctx)
	go a.submitLoop(ctx)
	go a.pollLoop(ctx)
	return nil
}

// Stop ends the background loops and the watcher.
func (a *Agent) Stop() error {
	if a.cancel != nil {
		a.cancel()
	}
	var err error
	if a.watcher != nil {
		err = a.watcher.Stop()
	}
	a.wg.Wait()
	a.log.Info("Agent stopped")
	return err
}

func (a *Agent) scanExisting(ctx context.Context) {
	for _, dir := range a.cfg.Directories {
		movies, err := fsutil.ListMovies(dir)
		if err != nil {
			a.log.Warn("Failed to scan directory", "dir", dir, "error", err)
			continue
		}
		for _, path := range movies {
			a.submit(ctx, path)
		}
	}
}

func (a *Agent) heartbeatLoop(ctx context.Context) {
	defer a.wg.Done()
	ticker := time.NewTicker(a.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			hbCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			if err := a.client.Heartbeat(hbCtx, a.cfg.AgentID, a.pendingCount()); err != nil {
				a.log.Warn("Heartbeat failed", "error", err)
			}
			cancel()
		}
	}
}

func (a *Agent) submitLoop(ctx context.Context) {
	defer a.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-a.watcher.Events:
			if !ok {
				return
			}
			a.submit(ctx, ev.Path)
		}
	}
}

func (a *Agent) submit(ctx context.Context, path string) {
	subCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	id, err := a.client.Submit(subCtx, grpcserver.SubmitRequest{
		Type:    "correct",
		Input:   path,
		Options: a.cfg.Options,
		AgentID: a.cfg.AgentID,
	})
	if err != nil {
		a.log.Error("Failed to submit movie", "path", path, "error", err)
		return
	}
	a.tasksMutex.Lock()
	a.tasks[id] = &Task{JobID: id, Path: path, Status: "queued", SubmittedAt: time.Now()}
	a.tasksMutex.Unlock()
	a.log.Info("Submitted movie", "path", path, "job_id", id)
}

func (a *Agent) pollLoop(ctx context.Context) {
	defer a.wg.Done()
	ticker := time.NewTicker(a.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.poll(ctx)
		}
	}
}

func (a *Agent) poll(ctx context.Context) {
	a.tasksMutex.RLock()
	ids := make([]string, 0, len(a.tasks))
	for id := range a.tasks {
		ids = append(ids, id)
	}
	a.tasksMutex.RUnlock()

	for _, id := range ids {
		pollCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		st, err := a.client.GetJob(pollCtx, id)
		cancel()
		if err != nil {
			a.log.Warn("Failed to poll job", "job_id", id, "error", err)
			continue
		}

		a.tasksMutex.Lock()
		task, ok := a.tasks[id]
		if !ok {
			a.tasksMutex.Unlock()
			continue
		}
		task.Status = st.Status
		task.Error = st.Error
		if st.Done() {
			task.FinishedAt = time.Now()
			a.finished = append(a.finished, *task)
			delete(a.tasks, id)
		}
		done := *task
		a.tasksMutex.Unlock()

		if !st.Done() {
			continue
		}
		if st.Status == "completed" {
			a.log.Info("Correction completed", "job_id", id, "path", done.Path,
				"output", st.Meta["output"], "elapsed", done.FinishedAt.Sub(done.SubmittedAt))
		} else {
			a.log.Error("Correction did not complete", "job_id", id, "path", done.Path, "status", st.Status, "error", st.Error)
		}
	}
}

func (a *Agent) pendingCount() int {
	a.tasksMutex.RLock()
	defer a.tasksMutex.RUnlock()
	return len(a.tasks)
}

// Pending returns the tasks still awaiting a terminal state, ordered by path.
func (a *Agent) Pending() []Task {
	a.tasksMutex.RLock()
	defer a.tasksMutex.RUnlock()
	out := make([]Task, 0, len(a.tasks))
	for _, t := range a.tasks {
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

// Finished returns tasks that reached a terminal state.
func (a *Agent) Finished() []Task {
	a.tasksMutex.RLock()
	defer a.tasksMutex.RUnlock()
	return append([]Task(nil), a.finished...)
}

// GetStatus summarizes the agent for display.
func (a *Agent) GetStatus() map[string]any {
	a.tasksMutex.RLock()
	defer a.tasksMutex.RUnlock()
	return map[string]any{
		"agentId":     a.cfg.AgentID,
		"hostname":    a.cfg.Hostname,
		"serverId":    a.serverID,
		"pending":     len(a.tasks),
		"finished":    len(a.finished),
		"directories": a.cfg.Directories,
	}
}
