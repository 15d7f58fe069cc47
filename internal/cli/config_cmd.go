package cli

import (
	"fmt"
	"runtime"
	"slices"
	"strings"

	"github.com/spf13/cobra"

	"steadyscope/internal/config"
	"steadyscope/internal/tasks"
)

func newConfigCmd(root *Root) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage configuration settings",
		Long:  "Show, validate, or initialize steadyscope configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			return root.configShow()
		},
	}

	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Show current configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			return root.configShow()
		},
	}

	validateCmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			return root.configValidate()
		},
	}

	initCmd := &cobra.Command{
		Use:   "init [path]",
		Short: "Write the default configuration (.json or .toml)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path()
			if len(args) == 1 {
				path = args[0]
			}
			if err := config.Save(path, config.Default()); err != nil {
				return err
			}
			fmt.Printf("Wrote default configuration to %s\n", path)
			return nil
		},
	}

	cmd.AddCommand(showCmd, validateCmd, initCmd)
	return cmd
}

func (r *Root) configShow() error {
	c := r.cfg
	fmt.Printf("Current configuration:\n")
	fmt.Printf("Config file: %s\n", config.Path())

	fmt.Printf("\nMotion:\n")
	fmt.Printf("  Max shift (w x h): %d x %d\n", c.Motion.MaxShiftW, c.Motion.MaxShiftH)
	fmt.Printf("  Method: %s\n", c.Motion.Method)
	fmt.Printf("  Interpolation: %s\n", c.Motion.Interpolation)
	fmt.Printf("  Template frames: %d\n", c.Motion.NumFramesForTemplate)
	fmt.Printf("  Template window: %d\n", c.Motion.TemplateWindow)
	fmt.Printf("  Remove blanks: %t\n", c.Motion.RemoveBlanks)

	fmt.Printf("\nProcessing:\n")
	fmt.Printf("  Parallel jobs: %d\n", c.Processing.ParallelJobs)
	fmt.Printf("  Workers: %d\n", c.Processing.Workers)
	fmt.Printf("  Memory check: %t\n", c.Processing.MemoryCheck)
	fmt.Printf("  Temp directory: %s\n", c.Processing.TempDir)

	fmt.Printf("\nStorage:\n")
	fmt.Printf("  Database: %s (%s)\n", c.Paths.DatabasePath, c.Storage.Driver)

	fmt.Printf("\nServer:\n")
	fmt.Printf("  HTTP: %s\n", c.Server.HTTPAddr)
	fmt.Printf("  gRPC: %s\n", c.Server.GRPCAddr)

	fmt.Printf("\nWatch:\n")
	fmt.Printf("  Directories: %s\n", strings.Join(c.Watch.Directories, ", "))
	fmt.Printf("  Settle: %s\n", c.Watch.SettleDuration())
	fmt.Printf("  Target: %s\n", c.Watch.Target)

	fmt.Printf("\nLogging:\n")
	fmt.Printf("  Level: %s\n", c.Logging.Level)
	fmt.Printf("  Format: %s\n", c.Logging.Format)
	if c.Logging.FileOutput {
		fmt.Printf("  Directory: %s (keep %d days)\n", c.Logging.LogDir, c.Logging.MaxAge)
	}
	return nil
}

func (r *Root) configValidate() error {
	if err := r.cfg.Validate(); err != nil {
		fmt.Printf("❌ Configuration is invalid:\n%v\n", err)
		return err
	}
	r.log.Info("configuration validation", "status", "valid")
	fmt.Println("✅ Configuration is valid")
	return nil
}

func newVersionCmd(root *Root) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			return root.cmdVersion()
		},
	}
}

func (r *Root) cmdVersion() error {
	fmt.Printf("SteadyScope v%s\n", Version)
	fmt.Printf("Built with Go %s\n", runtime.Version())
	fmt.Printf("Correction processors:\n")
	procs := tasks.NewCorrectionManager("").Processors()
	names := make([]string, 0, len(procs))
	for name := range procs {
		names = append(names, name)
	}
	slices.Sort(names)
	for _, name := range names {
		status := "❌ unavailable"
		if procs[name].IsAvailable() {
			status = "✅ available"
		}
		fmt.Printf("  %s: %s\n", name, status)
	}
	return nil
}
