// Package cli - Flags and process setup shared by the train and test commands.
package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/nvr-ai/go-detlab/config"
	"github.com/nvr-ai/go-detlab/logging"
	"github.com/nvr-ai/go-detlab/metrics"
	"github.com/spf13/cobra"
)

// Flags are the command line options of every command.
type Flags struct {
	Cfg         string
	EnvFiles    []string
	Frequent    int
	Verbose     bool
	MetricsAddr string
	Profile     bool
}

// Register adds the flags to cmd.
func (f *Flags) Register(cmd *cobra.Command) {
	fs := cmd.Flags()
	fs.StringVar(&f.Cfg, "cfg", "", "experiment configuration file (required)")
	fs.StringSliceVar(&f.EnvFiles, "env", nil, "dotenv files with DETLAB_* overrides (default .env)")
	fs.IntVar(&f.Frequent, "frequent", 0, "logging frequency in batches, overrides default.frequent")
	fs.BoolVarP(&f.Verbose, "verbose", "v", false, "enable debug logging")
	fs.StringVar(&f.MetricsAddr, "metrics-addr", "", "address to serve prometheus metrics on, disabled when empty")
	fs.BoolVar(&f.Profile, "profile", false, "log periodic runtime profiles")
	_ = cmd.MarkFlagRequired("cfg")
}

// Session is a configured process: its experiment, logger and lifetime.
type Session struct {
	Config *config.Config
	Run    *logging.Run
	Log    *slog.Logger
	Ctx    context.Context

	cancel context.CancelFunc
}

// Start loads the experiment of f, creates its output directory and logger
// for imageSet and starts the metrics server when requested. The session
// context is cancelled on SIGINT or SIGTERM.
//
// Arguments:
//   - ctx: The parent context.
//   - f: The parsed flags.
//   - console: Where console logs go.
//   - imageSet: Selects the image set that names the output directory.
//
// Returns:
//   - *Session: The session, to be closed by the caller.
//   - error: If the configuration or output directory is invalid.
func Start(ctx context.Context, f Flags, console io.Writer, imageSet func(*config.Config) string) (*Session, error) {
	if f.Frequent < 0 {
		return nil, fmt.Errorf("--frequent %d must be > 0", f.Frequent)
	}
	if err := config.LoadEnv(f.EnvFiles...); err != nil {
		return nil, err
	}
	cfg, err := config.Load(f.Cfg)
	if err != nil {
		return nil, err
	}
	if f.Frequent > 0 {
		cfg.Default.Frequent = f.Frequent
	}
	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}

	run, err := logging.Create(console, cfg.OutputPath, cfg.Name(), imageSet(cfg), f.Verbose)
	if err != nil {
		return nil, err
	}
	log := run.Logger
	log.Info("called with arguments", "cfg", f.Cfg, "symbol", cfg.Symbol, "frequent", cfg.Default.Frequent, "output", run.OutputPath, "logFile", run.LogFile)

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	if f.MetricsAddr != "" {
		go func() {
			if err := metrics.Serve(ctx, log, f.MetricsAddr); err != nil {
				log.Error("metrics server failed", "error", err)
			}
		}()
	}
	return &Session{Config: cfg, Run: run, Log: log, Ctx: ctx, cancel: cancel}, nil
}

// Close stops the metrics server and closes the log file.
func (s *Session) Close() error {
	s.cancel()
	return s.Run.Close()
}

// Main executes cmd, printing any error to stderr and exiting with status 1.
func Main(cmd *cobra.Command) {
	cmd.SilenceUsage = true
	cmd.SilenceErrors = true
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
