package cli

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"steadyscope/internal/agent"
	"steadyscope/internal/config"
	"steadyscope/internal/grpcserver"
	"steadyscope/internal/pipeline"
	"steadyscope/internal/storage"
)

// NewRootCmd creates the root Cobra command
func NewRootCmd(cfg *config.Config, log *slog.Logger, store *storage.Store, pipe *pipeline.Pipeline) *cobra.Command {
	return NewRoot(pipe, cfg, log, store).Command()
}

// Command builds the command tree bound to r.
func (r *Root) Command() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "steadyscope",
		Short: "SteadyScope corrects rigid motion in calcium-imaging movies",
		Long: `SteadyScope estimates per-frame translations of a microscopy movie against a
template, applies them with sub-pixel interpolation and writes the stabilized movie.
It can run one-off corrections, serve an HTTP and gRPC API, or watch directories.`,
		SilenceUsage: true,
	}

	rootCmd.AddCommand(newCorrectCmd(r))
	rootCmd.AddCommand(newExtractCmd(r))
	rootCmd.AddCommand(newApplyCmd(r))
	rootCmd.AddCommand(newTemplateCmd(r))
	rootCmd.AddCommand(newProjectCmd(r))
	rootCmd.AddCommand(newFilterCmd(r))
	rootCmd.AddCommand(newRunsCmd(r))
	rootCmd.AddCommand(newServeCmd(r))
	rootCmd.AddCommand(newWatchCmd(r))
	rootCmd.AddCommand(newConfigCmd(r))
	rootCmd.AddCommand(newVersionCmd(r))

	// Distributed commands
	rootCmd.AddCommand(newAgentCmd(r))
	rootCmd.AddCommand(newSubmitCmd(r))

	return rootCmd
}

// motionFlags are the correction overrides shared by several commands.
type motionFlags struct {
	maxShift      int
	maxShiftW     int
	maxShiftH     int
	method        string
	interpolation string
	numFrames     int
	window        int
	workers       int
	removeBlanks  bool
	template      string
	frameRate     float64
	begin         int
	end           int
	step          int
	chain         []string
}

func (f *motionFlags) register(cmd *cobra.Command, cfg *config.Config) {
	fl := cmd.Flags()
	fl.IntVar(&f.maxShift, "max-shift", cfg.Motion.MaxShiftW, "maximum shift in pixels along both axes")
	fl.IntVar(&f.maxShiftW, "max-shift-w", cfg.Motion.MaxShiftW, "maximum horizontal shift in pixels")
	fl.IntVar(&f.maxShiftH, "max-shift-h", cfg.Motion.MaxShiftH, "maximum vertical shift in pixels")
	fl.StringVar(&f.method, "method", cfg.Motion.Method, "shift extraction method (native|zncc|opencv)")
	fl.StringVar(&f.interpolation, "interpolation", cfg.Motion.Interpolation, "resampling (nearest|linear|cubic|area|lanczos4)")
	fl.IntVar(&f.numFrames, "num-frames", cfg.Motion.NumFramesForTemplate, "frames sampled for the bootstrap template")
	fl.IntVar(&f.window, "template-window", cfg.Motion.TemplateWindow, "frames per template refinement window")
	fl.IntVar(&f.workers, "workers", cfg.Processing.Workers, "per-frame workers, 0 for all CPUs")
	fl.BoolVar(&f.removeBlanks, "remove-blanks", cfg.Motion.RemoveBlanks, "crop borders left blank by the shifts")
	fl.StringVar(&f.template, "template", "", "use this image as the template instead of estimating one")
	fl.Float64Var(&f.frameRate, "frame-rate", 0, "frame rate recorded in the output")
	fl.IntVar(&f.begin, "begin", 0, "first frame to load")
	fl.IntVar(&f.end, "end", 0, "frame to stop loading at (exclusive, 0 for all)")
	fl.IntVar(&f.step, "step", 0, "load every n-th frame")
	fl.StringSliceVar(&f.chain, "chain", nil, "additional movies appended along time")
}

// options returns only the flags the user set, keyed as the router expects.
// Values stay structpb-compatible so agents can forward them.
func (f *motionFlags) options(cmd *cobra.Command) map[string]any {
	opts := map[string]any{}
	changed := cmd.Flags().Changed
	set := func(flag, key string, v any) {
		if changed(flag) {
			opts[key] = v
		}
	}
	set("max-shift", "maxShift", f.maxShift)
	set("max-shift-w", "maxShiftW", f.maxShiftW)
	set("max-shift-h", "maxShiftH", f.maxShiftH)
	set("method", "method", f.method)
	set("interpolation", "interpolation", f.interpolation)
	set("num-frames", "numFramesForTemplate", f.numFrames)
	set("template-window", "templateWindow", f.window)
	set("workers", "workers", f.workers)
	set("remove-blanks", "removeBlanks", f.removeBlanks)
	set("frame-rate", "frameRate", f.frameRate)
	set("begin", "begin", f.begin)
	set("end", "end", f.end)
	set("step", "step", f.step)
	if f.template != "" {
		opts["template"] = f.template
	}
	if len(f.chain) > 0 {
		chain := make([]any, len(f.chain))
		for i, c := range f.chain {
			chain[i] = c
		}
		opts["chain"] = chain
	}
	return opts
}

func newCorrectCmd(root *Root) *cobra.Command {
	var (
		flags       motionFlags
		output      string
		shiftsOut   string
		templateOut string
	)

	cmd := &cobra.Command{
		Use:   "correct <movie> [output]",
		Short: "Motion-correct a movie",
		Long: `Estimate a template, extract per-frame shifts against it, apply them and write
the corrected movie. The shift table and final template are written next to the output.

Examples:
  steadyscope correct session.tif
  steadyscope correct session.tif stable.tif --max-shift 10 --method zncc
  steadyscope correct frames/ --chain frames2/,frames3/ --remove-blanks`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) > 1 {
				output = args[1]
			}
			opts := flags.options(cmd)
			if shiftsOut != "" {
				opts["shiftsOut"] = shiftsOut
			}
			if templateOut != "" {
				opts["templateOut"] = templateOut
			}
			return root.runJob(cmd.Context(), pipeline.JobCorrect, args[0], output, opts)
		},
	}

	flags.register(cmd, root.cfg)
	cmd.Flags().StringVarP(&output, "output", "o", "", "corrected movie path (default <movie>_mc.tif)")
	cmd.Flags().StringVar(&shiftsOut, "shifts-out", "", "shift table path (.csv or .json)")
	cmd.Flags().StringVar(&templateOut, "template-out", "", "final template path")

	return cmd
}

func newExtractCmd(root *Root) *cobra.Command {
	var (
		flags  motionFlags
		output string
	)

	cmd := &cobra.Command{
		Use:   "extract <movie> [shifts]",
		Short: "Extract per-frame shifts without writing a corrected movie",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) > 1 {
				output = args[1]
			}
			return root.runJob(cmd.Context(), pipeline.JobExtract, args[0], output, flags.options(cmd))
		},
	}

	flags.register(cmd, root.cfg)
	cmd.Flags().StringVarP(&output, "output", "o", "", "shift table path (default <movie>_shifts.csv)")

	return cmd
}

func newApplyCmd(root *Root) *cobra.Command {
	var (
		flags  motionFlags
		shifts string
		output string
	)

	cmd := &cobra.Command{
		Use:   "apply <movie> --shifts <table>",
		Short: "Apply a previously extracted shift table to a movie",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) > 1 {
				output = args[1]
			}
			opts := flags.options(cmd)
			opts["shifts"] = shifts
			return root.runJob(cmd.Context(), pipeline.JobApply, args[0], output, opts)
		},
	}

	flags.register(cmd, root.cfg)
	cmd.Flags().StringVar(&shifts, "shifts", "", "shift table (.csv or .json)")
	cmd.Flags().StringVarP(&output, "output", "o", "", "output movie path (default <movie>_applied.tif)")
	cmd.MarkFlagRequired("shifts")

	return cmd
}

func newTemplateCmd(root *Root) *cobra.Command {
	var (
		window int
		output string
	)

	cmd := &cobra.Command{
		Use:   "template <movie> [output]",
		Short: "Compute the median-of-means template of a movie",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) > 1 {
				output = args[1]
			}
			opts := map[string]any{}
			if cmd.Flags().Changed("window") {
				opts["window"] = window
			}
			return root.runJob(cmd.Context(), pipeline.JobTemplate, args[0], output, opts)
		},
	}

	cmd.Flags().IntVar(&window, "window", root.cfg.Motion.TemplateWindow, "frames averaged per window before the median")
	cmd.Flags().StringVarP(&output, "output", "o", "", "template image path (default <movie>_template.tif)")

	return cmd
}

func newProjectCmd(root *Root) *cobra.Command {
	var (
		projection string
		output     string
	)

	cmd := &cobra.Command{
		Use:   "project <movie> [output]",
		Short: "Write a z-projection of a movie",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) > 1 {
				output = args[1]
			}
			return root.runJob(cmd.Context(), pipeline.JobProject, args[0], output, map[string]any{"projection": projection})
		},
	}

	cmd.Flags().StringVar(&projection, "projection", "mean", "projection (mean|median|std|max|min)")
	cmd.Flags().StringVarP(&output, "output", "o", "", "image path")

	return cmd
}

func newFilterCmd(root *Root) *cobra.Command {
	var (
		kind       string
		output     string
		kernel     int
		sigma      float64
		diameter   int
		sigmaColor float64
		sigmaSpace float64
		radius     int
		eps        float64
		guide      string
		window     int
	)

	cmd := &cobra.Command{
		Use:   "filter <movie> [output]",
		Short: "Write a filtered copy of a movie",
		Long: `Filter every frame of a movie and write the result as a new movie.

Filters: gaussian, median, bilateral, guided (against --guide or the mean
image) and correlations (a sliding-window local correlation movie).`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) > 1 {
				output = args[1]
			}
			opts := map[string]any{"filter": kind}
			flags := cmd.Flags()
			set := func(flag, key string, v any) {
				if flags.Changed(flag) {
					opts[key] = v
				}
			}
			set("kernel", "kernel", kernel)
			set("sigma", "sigma", sigma)
			set("diameter", "diameter", diameter)
			set("sigma-color", "sigmaColor", sigmaColor)
			set("sigma-space", "sigmaSpace", sigmaSpace)
			set("radius", "radius", radius)
			set("eps", "eps", eps)
			set("guide", "guide", guide)
			set("window", "window", window)
			return root.runJob(cmd.Context(), pipeline.JobFilter, args[0], output, opts)
		},
	}

	cmd.Flags().StringVar(&kind, "filter", "gaussian", "filter (gaussian|median|bilateral|guided|correlations)")
	cmd.Flags().StringVarP(&output, "output", "o", "", "output movie path")
	cmd.Flags().IntVar(&kernel, "kernel", 5, "gaussian or median kernel size (odd)")
	cmd.Flags().Float64Var(&sigma, "sigma", 1, "gaussian standard deviation in pixels")
	cmd.Flags().IntVar(&diameter, "diameter", 5, "bilateral neighbourhood diameter")
	cmd.Flags().Float64Var(&sigmaColor, "sigma-color", 10000, "bilateral intensity sigma")
	cmd.Flags().Float64Var(&sigmaSpace, "sigma-space", 0, "bilateral spatial sigma")
	cmd.Flags().IntVar(&radius, "radius", 5, "guided filter window radius")
	cmd.Flags().Float64Var(&eps, "eps", 0, "guided filter regularization")
	cmd.Flags().StringVar(&guide, "guide", "", "guide image for the guided filter")
	cmd.Flags().IntVar(&window, "window", 10, "frames per correlation window")

	return cmd
}

func newRunsCmd(root *Root) *cobra.Command {
	var (
		limit  int
		shifts bool
	)

	cmd := &cobra.Command{
		Use:   "runs [id]",
		Short: "List recorded correction runs or show one",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := ""
			if len(args) == 1 {
				id = args[0]
			}
			return root.showRuns(cmd.Context(), id, limit, shifts)
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "number of runs to list")
	cmd.Flags().BoolVar(&shifts, "shifts", false, "print the shift table as CSV")

	return cmd
}

func newServeCmd(root *Root) *cobra.Command {
	var (
		addr       string
		grpcAddr   string
		watchPaths []string
		settle     time.Duration
		flags      motionFlags
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP and gRPC servers",
		Long: `Start an HTTP server with job, run and streaming endpoints plus a websocket
dashboard, and a gRPC correction service for agents. Optionally watch directories
and correct new movies as they settle.

Examples:
  steadyscope serve --addr :8080 --grpc-addr :9090
  steadyscope serve --watch /data/scope1 --watch /data/scope2 --settle 5s`,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := serveOptions{
				HTTPAddr:     addr,
				GRPCAddr:     grpcAddr,
				WatchDirs:    watchPaths,
				Settle:       settle,
				WatchOptions: flags.options(cmd),
			}
			root.log.Info("starting server",
				"addr", addr,
				"grpc_addr", grpcAddr,
				"watch_paths", watchPaths,
			)
			return root.serveFn(cmd.Context(), root.store, root.pipeline, opts, root.log)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", root.cfg.Server.HTTPAddr, "HTTP address (host:port)")
	cmd.Flags().StringVar(&grpcAddr, "grpc-addr", root.cfg.Server.GRPCAddr, "gRPC address, empty to disable")
	cmd.Flags().StringSliceVar(&watchPaths, "watch", root.cfg.Watch.Directories, "directories to watch for new movies")
	cmd.Flags().DurationVar(&settle, "settle", root.cfg.Watch.SettleDuration(), "quiet period before a new file is processed")
	flags.register(cmd, root.cfg)

	return cmd
}

func newWatchCmd(root *Root) *cobra.Command {
	var (
		settle time.Duration
		flags  motionFlags
	)

	cmd := &cobra.Command{
		Use:   "watch [dir...]",
		Short: "Correct new movies appearing in directories",
		RunE: func(cmd *cobra.Command, args []string) error {
			dirs := args
			if len(dirs) == 0 {
				dirs = root.cfg.Watch.Directories
			}
			return root.watchLocal(cmd.Context(), dirs, settle, flags.options(cmd))
		},
	}

	cmd.Flags().DurationVar(&settle, "settle", root.cfg.Watch.SettleDuration(), "quiet period before a new file is processed")
	flags.register(cmd, root.cfg)

	return cmd
}

// tlsFlags hold client transport settings for commands that dial a server.
type tlsFlags struct {
	server string
	useTLS bool
	caCert string
	cert   string
	key    string
}

func (f *tlsFlags) register(cmd *cobra.Command, cfg *config.Config) {
	cmd.Flags().StringVarP(&f.server, "server", "s", cfg.Watch.Target, "gRPC server address")
	cmd.Flags().BoolVar(&f.useTLS, "tls", false, "connect with TLS")
	cmd.Flags().StringVar(&f.caCert, "ca-cert", "", "CA certificate for TLS")
	cmd.Flags().StringVar(&f.cert, "cert", "", "client certificate for TLS")
	cmd.Flags().StringVar(&f.key, "key", "", "client key for TLS")
}

func (f *tlsFlags) dialConfig() grpcserver.DialConfig {
	return grpcserver.DialConfig{
		Address:     f.server,
		CACertPath:  f.caCert,
		TLSCertPath: f.cert,
		TLSKeyPath:  f.key,
		Insecure:    !f.useTLS,
	}
}

// newAgentCmd creates the agent command for distributed correction
func newAgentCmd(root *Root) *cobra.Command {
	var (
		conn         tlsFlags
		directories  []string
		agentID      string
		settle       time.Duration
		heartbeat    time.Duration
		scanExisting bool
		flags        motionFlags
	)

	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Watch local directories and submit movies to a remote server",
		Long: `Start an agent that registers with a SteadyScope gRPC server, watches local
directories and submits each settled movie as a correct job.

The agent will:
- Register with the specified gRPC server
- Monitor directories for new movies
- Send regular heartbeats with its pending job count
- Poll submitted jobs and log their outcome`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(directories) == 0 {
				directories = root.cfg.Watch.Directories
			}
			if len(directories) == 0 {
				return fmt.Errorf("at least one directory must be specified")
			}
			if agentID == "" {
				agentID = root.cfg.Watch.AgentID
			}
			cfg := agent.Config{
				AgentID:           agentID,
				Directories:       directories,
				Settle:            settle,
				HeartbeatInterval: heartbeat,
				Options:           flags.options(cmd),
				ScanExisting:      scanExisting,
			}
			return root.agentFn(cmd.Context(), cfg, conn.dialConfig(), root.log)
		},
	}

	conn.register(cmd, root.cfg)
	cmd.Flags().StringSliceVarP(&directories, "directories", "d", nil, "directories to watch")
	cmd.Flags().StringVarP(&agentID, "agent-id", "i", "", "agent ID (auto-generated if empty)")
	cmd.Flags().DurationVar(&settle, "settle", root.cfg.Watch.SettleDuration(), "quiet period before a new file is submitted")
	cmd.Flags().DurationVar(&heartbeat, "heartbeat", 30*time.Second, "heartbeat interval")
	cmd.Flags().BoolVar(&scanExisting, "scan-existing", false, "submit movies already present at startup")
	flags.register(cmd, root.cfg)

	return cmd
}

func newSubmitCmd(root *Root) *cobra.Command {
	var (
		conn   tlsFlags
		output string
		sets   []string
		wait   bool
		poll   time.Duration
	)

	cmd := &cobra.Command{
		Use:   "submit <type> <input>",
		Short: "Submit a job to a remote server",
		Long: `Submit a correct, extract, apply, template or project job over gRPC.
Options are passed as key=value pairs using the job option names.

Examples:
  steadyscope submit correct /data/session.tif --set maxShift=8 --set method=zncc --wait
  steadyscope submit apply /data/session.tif --set shifts=/data/session_shifts.csv`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := parseSetFlags(sets)
			if err != nil {
				return err
			}
			req := grpcserver.SubmitRequest{Type: args[0], Input: args[1], Output: output, Options: opts}
			return root.submitRemote(cmd.Context(), conn.dialConfig(), req, wait, poll)
		},
	}

	conn.register(cmd, root.cfg)
	cmd.Flags().StringVarP(&output, "output", "o", "", "output path on the server")
	cmd.Flags().StringArrayVar(&sets, "set", nil, "job option as key=value (repeatable)")
	cmd.Flags().BoolVar(&wait, "wait", false, "wait for the job to finish")
	cmd.Flags().DurationVar(&poll, "poll", time.Second, "status poll interval with --wait")

	return cmd
}
