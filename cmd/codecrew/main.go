package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"codecrew/internal/config"
	"codecrew/internal/logging"
	"codecrew/internal/state"
	"codecrew/internal/types"
)

// Exit codes.
const (
	exitComplete      = 0
	exitAwaitingHuman = 2
	exitFatal         = 3
	exitCancelled     = 4
	exitConfig        = 5
)

var (
	// Global flags
	configPath string
	persistDir string
	envName    string
	verbose    bool
	parallel   bool
	noMemory   bool
	maxRetries int

	// Logger
	logger *zap.Logger
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "codecrew",
	Short: "codecrew - autonomous software delivery crew",
	Long: `codecrew turns a one-line project description into a delivered project:
requirements, architecture, code, tests, and a deployment bundle.

A run moves through intake, planning, development, testing, and deployment.
Each phase is handled by a crew of role workers whose output is validated by
guardrails before it is committed. Runs that need a human decision suspend
and can be resumed later.

Exit codes: 0 complete, 2 awaiting human feedback, 3 failed, 4 cancelled,
5 configuration error.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Initialize logger
		cfg := zap.NewProductionConfig()
		if verbose {
			cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = cfg.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "codecrew.yaml", "Path to the options file")
	rootCmd.PersistentFlags().StringVar(&persistDir, "persist-dir", "", "Override the persistence directory")
	rootCmd.PersistentFlags().StringVar(&envName, "env", "", "Model tier: dev, test, or prod")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")

	runCmd.Flags().BoolVar(&parallel, "parallel", false, "Run independent development tasks concurrently")
	runCmd.Flags().BoolVar(&noMemory, "no-memory", false, "Disable the associative memory store")
	runCmd.Flags().IntVar(&maxRetries, "max-retries", 0, "Override the per-phase retry budget")
	runCmd.Flags().BoolVar(&interactive, "interactive", false, "Answer feedback requests on stdin instead of suspending")

	resumeCmd.Flags().StringVar(&feedbackText, "feedback", "", "Reply to the pending feedback request")
	resumeCmd.Flags().BoolVar(&interactive, "interactive", false, "Answer further feedback requests on stdin")

	rootCmd.AddCommand(runCmd, resumeCmd, statusCmd, runsCmd)
}

// loadOptions reads the options file and applies command line overrides.
func loadOptions() (*config.Options, error) {
	opts, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if persistDir != "" {
		opts.PersistDir = persistDir
	}
	if envName != "" {
		opts.Environment = config.Environment(envName)
		if !opts.Environment.Known() {
			return nil, types.NewError(types.KindConfiguration, "main",
				fmt.Sprintf("unknown environment %q", envName))
		}
	}
	if parallel {
		opts.Parallel = true
	}
	if noMemory {
		opts.MemoryEnabled = false
	}
	if maxRetries > 0 {
		opts.MaxRetries = maxRetries
	}
	if verbose {
		opts.Debug = true
	}
	return opts, nil
}

func initLogging(opts *config.Options) error {
	level := "info"
	if opts.Debug {
		level = "debug"
	}
	return logging.Initialize(opts.PersistDir, logging.Config{Debug: opts.Debug, Level: level})
}

func openStore(opts *config.Options) (*state.Store, error) {
	return state.NewStore(opts.PersistDir)
}

func metricsPath(opts *config.Options) string {
	return filepath.Join(opts.PersistDir, "metrics.db")
}

func memoryPath(opts *config.Options) string {
	return filepath.Join(opts.PersistDir, "memory.db")
}

// exitCode maps a run outcome to the process exit code.
func exitCode(phase state.Phase, err error) int {
	switch phase {
	case state.PhaseComplete:
		return exitComplete
	case state.PhaseAwaitingHuman:
		return exitAwaitingHuman
	}
	if types.KindOf(err) == types.KindCancelled {
		return exitCancelled
	}
	return exitFatal
}

func fatalf(code int, format string, args ...any) {
	fmt.Fprintf(os.Stderr, "codecrew: "+format+"\n", args...)
	logging.CloseAll()
	os.Exit(code)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		code := exitFatal
		if types.KindOf(err) == types.KindConfiguration {
			code = exitConfig
		}
		fatalf(code, "%v", err)
	}
	logging.CloseAll()
}
