package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"log/slog"

	"github.com/google/uuid"

	"steadyscope/internal/config"
	"steadyscope/internal/logging"
	"steadyscope/internal/motion"
	"steadyscope/internal/storage"
)

// JobType enumerates supported processing categories.
type JobType string

const (
	JobCorrect  JobType = "correct"
	JobExtract  JobType = "extract"
	JobApply    JobType = "apply"
	JobTemplate JobType = "template"
	JobProject  JobType = "project"
	JobFilter   JobType = "filter"
)

// JobTypes lists every accepted job type.
var JobTypes = []JobType{JobCorrect, JobExtract, JobApply, JobTemplate, JobProject, JobFilter}

// ErrQueueFull is returned by Submit when the job buffer is saturated.
var ErrQueueFull = errors.New("job queue is full")

// Job represents a single processing request.
type Job struct {
	ID        string         `json:"id"`
	Type      JobType        `json:"type"`
	InputPath string         `json:"input"`
	Output    string         `json:"output,omitempty"`
	Options   map[string]any `json:"options,omitempty"`
}

// NewJob validates a submission and assigns it a fresh ID.
func NewJob(typ JobType, input, output string, options map[string]any) (Job, error) {
	if !slices.Contains(JobTypes, typ) {
		return Job{}, fmt.Errorf("%w: unknown job type %q", motion.ErrConfiguration, typ)
	}
	if input == "" {
		return Job{}, fmt.Errorf("%w: input path required", motion.ErrConfiguration)
	}
	return Job{ID: uuid.NewString(), Type: typ, InputPath: input, Output: output, Options: options}, nil
}

// Result captures the outcome of a Job.
type Result struct {
	Job   Job
	Error error
	Meta  map[string]any
}

// Progress reports per-frame advancement of a running job.
type Progress struct {
	JobID string `json:"job_id"`
	Stage string `json:"stage"`
	Done  int    `json:"done"`
	Total int    `json:"total"`
}

// Processor executes a job and returns a Result.
type Processor interface {
	Process(ctx context.Context, job Job) Result
}

// Pipeline orchestrates job dispatch across workers.
type Pipeline struct {
	processor Processor
	log       *slog.Logger
	jobs      chan Job
	wg        sync.WaitGroup
	cancel    context.CancelFunc
	startOnce sync.Once
	stopOnce  sync.Once
	store     *storage.Store

	mu           sync.Mutex
	subs         map[int]chan Result
	progressSubs map[int]chan Progress
	nextSubID    int
	stopped      bool
}

// New creates a new Pipeline with the given concurrency. Jobs are routed to
// the motion correction handlers configured from cfg.
func New(ctx context.Context, concurrency int, logger *slog.Logger, store *storage.Store, cfg *config.Config) *Pipeline {
	p := newPipeline(concurrency, logger, store)
	p.start(ctx, concurrency, newRouter(p.log, store, cfg, p.publishProgress))
	return p
}

// NewWithProcessor starts a Pipeline around an arbitrary Processor.
func NewWithProcessor(ctx context.Context, concurrency int, logger *slog.Logger, store *storage.Store, proc Processor) *Pipeline {
	p := newPipeline(concurrency, logger, store)
	p.start(ctx, concurrency, proc)
	return p
}

func newPipeline(concurrency int, logger *slog.Logger, store *storage.Store) *Pipeline {
	if concurrency < 1 {
		concurrency = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		log:          logger,
		jobs:         make(chan Job, concurrency*2),
		store:        store,
		subs:         make(map[int]chan Result),
		progressSubs: make(map[int]chan Progress),
	}
}

func (p *Pipeline) start(ctx context.Context, concurrency int, proc Processor) {
	ctx, p.cancel = context.WithCancel(ctx)
	p.startOnce.Do(func() {
		p.processor = proc
		for i := 0; i < max(concurrency, 1); i++ {
			p.wg.Add(1)
			go p.worker(ctx, i)
		}
	})
}

// Submit adds a job to the processing queue.
func (p *Pipeline) Submit(job Job) error {
	// stopped is checked and the send made under mu, so nothing is queued after Stop
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return errors.New("pipeline stopped")
	}

	if p.store != nil {
		optsJSON, _ := json.Marshal(job.Options)
		_ = p.store.RecordJobQueued(storage.JobRecord{
			ID:          job.ID,
			JobType:     string(job.Type),
			Status:      "queued",
			InputPath:   job.InputPath,
			OutputPath:  job.Output,
			OptionsJSON: string(optsJSON),
		})
	}

	select {
	case p.jobs <- job:
		return nil
	default:
		if p.store != nil {
			_ = p.store.RecordJobResult(job.ID, "rejected", nil, ErrQueueFull.Error())
		}
		return ErrQueueFull
	}
}

// Stop signals workers to exit and waits for completion.
func (p *Pipeline) Stop() {
	p.stopOnce.Do(func() {
		p.mu.Lock()
		p.stopped = true
		p.mu.Unlock()

		p.cancel()
		close(p.jobs)
		p.wg.Wait()
		p.mu.Lock()
		for id, ch := range p.subs {
			close(ch)
			delete(p.subs, id)
		}
		for id, ch := range p.progressSubs {
			close(ch)
			delete(p.progressSubs, id)
		}
		p.mu.Unlock()
	})
}

func (p *Pipeline) worker(ctx context.Context, id int) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case job, ok := <-p.jobs:
			if !ok {
				return
			}
			start := time.Now()

			logging.LogJobStart(p.log, string(job.Type), job.ID, job.InputPath, job.Output, job.Options)

			if p.store != nil {
				_ = p.store.RecordJobStart(job.ID)
			}
			res := p.processor.Process(ctx, job)
			duration := time.Since(start)

			status := "completed"
			if res.Error != nil {
				status = "failed"
				if errors.Is(res.Error, context.Canceled) {
					status = "cancelled"
				}
				logging.LogJobError(p.log, string(job.Type), job.ID, duration, res.Error, map[string]any{
					"input":   job.InputPath,
					"output":  job.Output,
					"options": job.Options,
					"worker":  id,
				})
			} else {
				logging.LogJobComplete(p.log, string(job.Type), job.ID, duration, res.Meta)
			}
			if p.store != nil {
				_ = p.store.RecordJobResult(job.ID, status, res.Meta, errString(res.Error))
			}

			p.broadcast(res)
		}
	}
}

// Subscribe returns a channel for receiving job results and an unsubscribe function.
func (p *Pipeline) Subscribe() (<-chan Result, func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := p.nextSubID
	p.nextSubID++
	ch := make(chan Result, 8)
	p.subs[id] = ch
	unsub := func() {
		p.mu.Lock()
		if c, ok := p.subs[id]; ok {
			close(c)
			delete(p.subs, id)
		}
		p.mu.Unlock()
	}
	return ch, unsub
}

// SubscribeProgress returns a channel of progress updates. Updates are
// dropped for subscribers that fall behind.
func (p *Pipeline) SubscribeProgress() (<-chan Progress, func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := p.nextSubID
	p.nextSubID++
	ch := make(chan Progress, 64)
	p.progressSubs[id] = ch
	unsub := func() {
		p.mu.Lock()
		if c, ok := p.progressSubs[id]; ok {
			close(c)
			delete(p.progressSubs, id)
		}
		p.mu.Unlock()
	}
	return ch, unsub
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func (p *Pipeline) broadcast(res Result) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, ch := range p.subs {
		select {
		case ch <- res:
		default:
			p.log.Warn("result channel full", "subscriber", id, "job", res.Job.ID)
		}
	}
}

func (p *Pipeline) publishProgress(ev Progress) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, ch := range p.progressSubs {
		select {
		case ch <- ev:
		default:
		}
	}
}
