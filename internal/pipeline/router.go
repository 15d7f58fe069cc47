package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"slices"
	"strings"

	"steadyscope/internal/config"
	"steadyscope/internal/fsutil"
	"steadyscope/internal/logging"
	"steadyscope/internal/motion"
	"steadyscope/internal/movie"
	"steadyscope/internal/movieio"
	"steadyscope/internal/storage"
	"steadyscope/internal/tasks"
)

// router implements Processor and routes jobs to their concrete handlers.
type router struct {
	log         *slog.Logger
	store       *storage.Store
	manager     correctionManager
	base        motion.Options
	baseErr     error
	memoryCheck bool
	publish     func(Progress)
}

type correctionManager interface {
	Correct(ctx context.Context, req tasks.CorrectionRequest) (*motion.Result, string, error)
	Extract(ctx context.Context, req tasks.CorrectionRequest) ([]motion.Shift, []motion.Warning, error)
}

func newRouter(logger *slog.Logger, store *storage.Store, cfg *config.Config, publish func(Progress)) Processor {
	if cfg == nil {
		cfg = config.Default()
	}
	base, err := cfg.MotionOptions()
	return &router{
		log:         logger,
		store:       store,
		manager:     tasks.NewCorrectionManager(""),
		base:        base,
		baseErr:     err,
		memoryCheck: cfg.Processing.MemoryCheck,
		publish:     publish,
	}
}

func (r *router) Process(ctx context.Context, job Job) Result {
	switch job.Type {
	case JobCorrect:
		return r.handleCorrect(ctx, job)
	case JobExtract:
		return r.handleExtract(ctx, job)
	case JobApply:
		return r.handleApply(ctx, job)
	case JobTemplate:
		return r.handleTemplate(ctx, job)
	case JobProject:
		return r.handleProject(ctx, job)
	case JobFilter:
		return r.handleFilter(ctx, job)
	default:
		return Result{Job: job, Error: fmt.Errorf("unknown job type: %s", job.Type)}
	}
}

func (r *router) handleCorrect(ctx context.Context, job Job) Result {
	m, loadWarnings, err := r.load(job)
	if err != nil {
		return Result{Job: job, Error: err}
	}
	opts, err := r.options(job)
	if err != nil {
		return Result{Job: job, Error: err}
	}
	if p := optString(job.Options, "template"); p != "" {
		if opts.Template, err = movieio.LoadTemplate(p); err != nil {
			return Result{Job: job, Error: err}
		}
	}

	res, proc, err := r.manager.Correct(ctx, tasks.CorrectionRequest{Movie: m, Options: opts})
	if err != nil {
		return Result{Job: job, Error: err}
	}
	res.Warnings = append(loadWarnings, res.Warnings...)
	logging.LogCorrection(r.log, job.ID, res)
	logging.LogWarnings(r.log, job.ID, res.Warnings)

	out := job.Output
	if out == "" {
		out = derivePath(job.InputPath, "_mc.tif")
	}
	shiftsOut := optString(job.Options, "shiftsOut")
	if shiftsOut == "" {
		shiftsOut = siblingPath(out, "_shifts.csv")
	}
	templateOut := optString(job.Options, "templateOut")
	if templateOut == "" {
		templateOut = siblingPath(out, "_template.tif")
	}

	logging.LogProcessingStep(r.log, job.ID, "save", "started", map[string]any{"output": out})
	if err := movieio.Save(out, res.Movie); err != nil {
		return Result{Job: job, Error: fmt.Errorf("save corrected movie: %w", err)}
	}
	if err := movieio.SaveShifts(shiftsOut, res.Shifts); err != nil {
		return Result{Job: job, Error: fmt.Errorf("save shifts: %w", err)}
	}
	if err := movieio.SaveTemplate(templateOut, res.Template); err != nil {
		return Result{Job: job, Error: fmt.Errorf("save template: %w", err)}
	}
	logging.LogProcessingStep(r.log, job.ID, "save", "completed", map[string]any{"output": out, "shifts": shiftsOut, "template": templateOut})

	sum := tasks.Summarize(proc, res)
	rec := storage.RunRecord{
		ID:            job.ID,
		JobID:         job.ID,
		InputPath:     job.InputPath,
		OutputPath:    out,
		TemplatePath:  templateOut,
		Frames:        m.T,
		Height:        m.H,
		Width:         m.W,
		OutHeight:     res.Movie.H,
		OutWidth:      res.Movie.W,
		Method:        string(opts.Method),
		Interpolation: string(opts.Interpolation),
		MaxShiftW:     opts.MaxShiftW,
		MaxShiftH:     opts.MaxShiftH,
		Fallbacks:     res.Fallbacks,
		Offset:        float64(res.Offset),
		MeanQuality:   sum.MeanQuality,
		Elapsed:       res.Elapsed,
		Warnings:      res.Warnings,
	}
	if err := r.store.RecordRun(ctx, rec, res.Shifts); err != nil {
		r.log.Warn("failed to record correction run", "job_id", job.ID, "error", err)
	}

	return Result{Job: job, Meta: map[string]any{
		"output":        out,
		"shifts":        shiftsOut,
		"template":      templateOut,
		"processor":     sum.Processor,
		"frames":        sum.Frames,
		"height":        sum.Height,
		"width":         sum.Width,
		"max_abs_shift": sum.MaxAbsShift,
		"mean_quality":  sum.MeanQuality,
		"fallbacks":     sum.Fallbacks,
		"boundary":      sum.Boundary,
		"warnings":      sum.Warnings,
		"offset":        sum.Offset,
		"elapsed_ms":    sum.Elapsed.Milliseconds(),
	}}
}

func (r *router) handleExtract(ctx context.Context, job Job) Result {
	m, loadWarnings, err := r.load(job)
	if err != nil {
		return Result{Job: job, Error: err}
	}
	opts, err := r.options(job)
	if err != nil {
		return Result{Job: job, Error: err}
	}
	var tmpl *motion.Template
	if p := optString(job.Options, "template"); p != "" {
		if tmpl, err = movieio.LoadTemplate(p); err != nil {
			return Result{Job: job, Error: err}
		}
	}

	shifts, warnings, err := r.manager.Extract(ctx, tasks.CorrectionRequest{Movie: m, Options: opts, Template: tmpl})
	if err != nil {
		return Result{Job: job, Error: err}
	}
	warnings = append(loadWarnings, warnings...)
	logging.LogWarnings(r.log, job.ID, warnings)

	out := job.Output
	if out == "" {
		out = derivePath(job.InputPath, "_shifts.csv")
	}
	if err := movieio.SaveShifts(out, shifts); err != nil {
		return Result{Job: job, Error: fmt.Errorf("save shifts: %w", err)}
	}

	maxAbs, meanQuality, boundary := tasks.ShiftStats(shifts)
	fallbacks := 0
	for _, s := range shifts {
		if s.Fallback {
			fallbacks++
		}
	}
	rec := storage.RunRecord{
		ID:            job.ID,
		JobID:         job.ID,
		InputPath:     job.InputPath,
		Frames:        m.T,
		Height:        m.H,
		Width:         m.W,
		Method:        string(opts.Method),
		Interpolation: string(opts.Interpolation),
		MaxShiftW:     opts.MaxShiftW,
		MaxShiftH:     opts.MaxShiftH,
		Fallbacks:     fallbacks,
		MeanQuality:   meanQuality,
		Warnings:      warnings,
	}
	if err := r.store.RecordRun(ctx, rec, shifts); err != nil {
		r.log.Warn("failed to record shift extraction", "job_id", job.ID, "error", err)
	}

	return Result{Job: job, Meta: map[string]any{
		"shifts":        out,
		"frames":        len(shifts),
		"max_abs_shift": maxAbs,
		"mean_quality":  meanQuality,
		"boundary":      boundary,
		"fallbacks":     fallbacks,
		"warnings":      len(warnings),
	}}
}

func (r *router) handleApply(ctx context.Context, job Job) Result {
	shiftsPath := optString(job.Options, "shifts")
	if shiftsPath == "" {
		return Result{Job: job, Error: fmt.Errorf("%w: apply requires a shifts table", motion.ErrConfiguration)}
	}
	shifts, err := movieio.LoadShifts(shiftsPath)
	if err != nil {
		return Result{Job: job, Error: err}
	}
	m, _, err := r.load(job)
	if err != nil {
		return Result{Job: job, Error: err}
	}
	opts, err := r.options(job)
	if err != nil {
		return Result{Job: job, Error: err}
	}

	out, err := motion.ApplyShifts(ctx, m, shifts, opts)
	if err != nil {
		return Result{Job: job, Error: err}
	}
	if opts.RemoveBlanks {
		if out, err = motion.RemoveBlanks(out, shifts); err != nil {
			return Result{Job: job, Error: err}
		}
	}

	dst := job.Output
	if dst == "" {
		dst = derivePath(job.InputPath, "_applied.tif")
	}
	if err := movieio.Save(dst, out); err != nil {
		return Result{Job: job, Error: fmt.Errorf("save movie: %w", err)}
	}
	return Result{Job: job, Meta: map[string]any{
		"output": dst,
		"frames": out.T,
		"height": out.H,
		"width":  out.W,
	}}
}

func (r *router) handleTemplate(ctx context.Context, job Job) Result {
	m, _, err := r.load(job)
	if err != nil {
		return Result{Job: job, Error: err}
	}
	window, ok := optInt(job.Options, "window")
	if !ok {
		window = min(max(r.base.TemplateWindow, 1), m.T)
	}
	tmpl, err := motion.EstimateTemplate(m, window)
	if err != nil {
		return Result{Job: job, Error: err}
	}
	out := job.Output
	if out == "" {
		out = derivePath(job.InputPath, "_template.tif")
	}
	if err := movieio.SaveTemplate(out, tmpl); err != nil {
		return Result{Job: job, Error: err}
	}
	return Result{Job: job, Meta: map[string]any{"output": out, "window": window, "height": tmpl.H, "width": tmpl.W}}
}

func (r *router) handleProject(ctx context.Context, job Job) Result {
	m, _, err := r.load(job)
	if err != nil {
		return Result{Job: job, Error: err}
	}
	proj := movie.Projection(optString(job.Options, "projection"))
	if proj == "" {
		proj = movie.ProjectMean
	}
	img, err := m.ZProject(proj)
	if err != nil {
		return Result{Job: job, Error: err}
	}
	out := job.Output
	if out == "" {
		out = derivePath(job.InputPath, "_"+string(proj)+".tif")
	}
	if err := movieio.SaveImage(out, m.H, m.W, img); err != nil {
		return Result{Job: job, Error: err}
	}
	return Result{Job: job, Meta: map[string]any{"output": out, "projection": string(proj)}}
}

func (r *router) handleFilter(ctx context.Context, job Job) Result {
	kind := movie.Filter(optString(job.Options, "filter"))
	if kind == "" {
		kind = movie.FilterGaussian
	}
	if !slices.Contains(movie.Filters, kind) {
		return Result{Job: job, Error: fmt.Errorf("%w: unknown filter %q", motion.ErrConfiguration, kind)}
	}
	m, _, err := r.load(job)
	if err != nil {
		return Result{Job: job, Error: err}
	}

	logging.LogProcessingStep(r.log, job.ID, "filter", "started", map[string]any{"filter": string(kind)})
	var out *movie.Movie
	switch kind {
	case movie.FilterGaussian:
		k := optIntOr(job.Options, "kernel", 5)
		sigma := optFloatOr(job.Options, "sigma", 1)
		out, err = m.GaussianBlur(ctx, optIntOr(job.Options, "kernelX", k), optIntOr(job.Options, "kernelY", k),
			optFloatOr(job.Options, "sigmaX", sigma), optFloatOr(job.Options, "sigmaY", sigma))
	case movie.FilterMedian:
		out, err = m.MedianBlur(ctx, optIntOr(job.Options, "kernel", 3))
	case movie.FilterBilateral:
		out, err = m.BilateralBlur(ctx, optIntOr(job.Options, "diameter", 5),
			optFloatOr(job.Options, "sigmaColor", 10000), optFloatOr(job.Options, "sigmaSpace", 0))
	case movie.FilterGuided:
		guide := m.MeanImage()
		if p := optString(job.Options, "guide"); p != "" {
			img, err := movieio.LoadTemplate(p)
			if err != nil {
				return Result{Job: job, Error: err}
			}
			guide = img.Data
		}
		out, err = m.GuidedBlur(ctx, guide, optIntOr(job.Options, "radius", 5), optFloatOr(job.Options, "eps", 0))
	case movie.FilterCorrelations:
		out, err = m.LocalCorrelationsMovie(ctx, optIntOr(job.Options, "window", 10))
	}
	if err != nil {
		return Result{Job: job, Error: err}
	}

	dst := job.Output
	if dst == "" {
		dst = derivePath(job.InputPath, "_"+string(kind)+".tif")
	}
	if err := movieio.Save(dst, out); err != nil {
		return Result{Job: job, Error: fmt.Errorf("save movie: %w", err)}
	}
	logging.LogProcessingStep(r.log, job.ID, "filter", "completed", map[string]any{"output": dst})
	return Result{Job: job, Meta: map[string]any{
		"output": dst,
		"filter": string(kind),
		"frames": out.T,
		"height": out.H,
		"width":  out.W,
	}}
}

// load ingests the job input, optionally chaining further files and trimming each.
func (r *router) load(job Job) (*movie.Movie, []motion.Warning, error) {
	lo := movieio.LoadOptions{Logger: r.log}
	lo.FrameRate, _ = optFloat(job.Options, "frameRate")
	lo.StartTime, _ = optFloat(job.Options, "startTime")
	lo.Frames.Begin, _ = optInt(job.Options, "begin")
	lo.Frames.End, _ = optInt(job.Options, "end")
	lo.Frames.Step, _ = optInt(job.Options, "step")

	var trim movieio.Trim
	trim.Top, _ = optInt(job.Options, "trimTop")
	trim.Bottom, _ = optInt(job.Options, "trimBottom")
	trim.Left, _ = optInt(job.Options, "trimLeft")
	trim.Right, _ = optInt(job.Options, "trimRight")

	var (
		m        *movie.Movie
		warnings []motion.Warning
		err      error
	)
	chain := optStrings(job.Options, "chain")
	if len(chain) == 0 && trim == (movieio.Trim{}) {
		m, warnings, err = movieio.Load(job.InputPath, lo)
	} else {
		m, warnings, err = movieio.LoadChain(append([]string{job.InputPath}, chain...), trim, lo)
	}
	if err != nil {
		return nil, nil, err
	}
	if r.memoryCheck {
		if _, err := fsutil.CheckMemory(int64(len(m.Data)), r.log); err != nil {
			return nil, nil, err
		}
	}
	return m, warnings, nil
}

// options overlays per-job overrides on the configured motion options.
func (r *router) options(job Job) (motion.Options, error) {
	if r.baseErr != nil {
		return motion.Options{}, r.baseErr
	}
	o := r.base
	if v, ok := optInt(job.Options, "maxShift"); ok {
		o.MaxShiftW, o.MaxShiftH = v, v
	}
	if v, ok := optInt(job.Options, "maxShiftW"); ok {
		o.MaxShiftW = v
	}
	if v, ok := optInt(job.Options, "maxShiftH"); ok {
		o.MaxShiftH = v
	}
	if v, ok := optInt(job.Options, "numFramesForTemplate"); ok {
		o.NumFramesForTemplate = v
	}
	if v, ok := optInt(job.Options, "templateWindow"); ok {
		o.TemplateWindow = v
	}
	if v, ok := optInt(job.Options, "workers"); ok {
		o.Workers = v
	}
	if v, ok := optBool(job.Options, "removeBlanks"); ok {
		o.RemoveBlanks = v
	}
	if s := optString(job.Options, "method"); s != "" {
		m, err := motion.ParseMethod(s)
		if err != nil {
			return o, err
		}
		o.Method = m
	}
	if s := optString(job.Options, "interpolation"); s != "" {
		i, err := motion.ParseInterpolation(s)
		if err != nil {
			return o, err
		}
		o.Interpolation = i
	}
	o.Logger = r.log.With("job_id", job.ID)
	o.Progress = r.progressFor(job.ID)
	return o, nil
}

// progressFor publishes roughly one update per percent of each stage.
func (r *router) progressFor(jobID string) motion.ProgressFunc {
	if r.publish == nil {
		return nil
	}
	return func(stage string, done, total int) {
		step := max(1, total/100)
		if done != total && done%step != 0 {
			return
		}
		r.publish(Progress{JobID: jobID, Stage: stage, Done: done, Total: total})
	}
}

// derivePath names an output next to input: "/d/movie.tif" + "_mc.tif" gives "/d/movie_mc.tif".
func derivePath(input, suffix string) string {
	input = strings.TrimRight(input, string(filepath.Separator))
	if !fsutil.IsDir(input) {
		input = strings.TrimSuffix(input, filepath.Ext(input))
	}
	return input + suffix
}

// siblingPath replaces the extension of path with suffix.
func siblingPath(path, suffix string) string {
	return strings.TrimSuffix(path, filepath.Ext(path)) + suffix
}
