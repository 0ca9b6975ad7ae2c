package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/dhcgn/mbox-export/cmd"
	"github.com/dhcgn/mbox-export/config"
	"github.com/dhcgn/mbox-export/filter"
	"github.com/dhcgn/mbox-export/gmail"
	"github.com/dhcgn/mbox-export/imap"
	"github.com/dhcgn/mbox-export/logging"
	"github.com/dhcgn/mbox-export/mbox"
	"github.com/dhcgn/mbox-export/progress"
	"github.com/dhcgn/mbox-export/runner"
	"github.com/dhcgn/mbox-export/source"
	"github.com/dhcgn/mbox-export/state"
	"github.com/dhcgn/mbox-export/stats"
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "mbox-export",
		Short:         "Export attachments, messages or markdown from mbox files, IMAP or Gmail",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(cmd)
			if err != nil {
				return err
			}

			logger, cleanup, err := setupLogger(cfg)
			if err != nil {
				return err
			}
			defer func() {
				_ = cleanup()
			}()

			slog.SetDefault(logger)
			logger.Info("starting mbox-export",
				"source", cfg.Source,
				"output", cfg.OutputDir,
				"mode", cfg.Mode(),
				"dryRun", cfg.DryRun,
			)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return run(ctx, cfg, logger)
		},
	}

	if err := config.RegisterFlags(rootCmd); err != nil {
		fmt.Fprintf(os.Stderr, "failed to register CLI flags: %v\n", err)
		os.Exit(1)
	}
	rootCmd.AddCommand(cmd.NewStatsCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	f, err := filter.New(cfg.Criteria())
	if err != nil {
		return fmt.Errorf("filter.New: %w", err)
	}

	opts, err := cfg.RunnerOptions()
	if err != nil {
		return err
	}

	tracker, closeTracker, err := openTracker(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := closeTracker(); err != nil {
			logger.Error("failed to close hash index", "err", err)
		}
	}()

	r, err := runner.New(opts, f, tracker, logger)
	if err != nil {
		return fmt.Errorf("runner.New: %w", err)
	}
	reporter := stats.NewReporter(r, logger)

	src, total, err := openSource(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := src.Close(); err != nil {
			logger.Warn("failed to close source", "err", err)
		}
	}()

	if cfg.Limit > 0 && (total == 0 || cfg.Limit < total) {
		total = cfg.Limit
	}
	bar := progress.New(total, cfg.Progress && cfg.LogLevel == "info")
	progressReporter := progress.NewProgressReporter(r, bar)

	result, runErr := r.Run(ctx, src)
	reporter.Finish(runErr)
	progressReporter.Finish(result, cfg.DryRun)

	if result != nil {
		logger.Info("export finished", result.LogAttrs()...)
	}
	if runErr != nil {
		return runErr
	}

	if cfg.OpenFolder && !cfg.DryRun {
		if err := openFolder(cfg.OutputDir); err != nil {
			logger.Warn("failed to open output folder", "path", cfg.OutputDir, "err", err)
		}
	}
	return nil
}

// openSource connects the configured mailbox. total is the number of
// messages when the source can tell up front, else 0.
func openSource(ctx context.Context, cfg config.Config, logger *slog.Logger) (source.Source, int, error) {
	switch cfg.Source {
	case config.SourceIMAP:
		src, err := imap.Open(ctx, imap.Options{
			Host:               cfg.IMAPHost,
			Port:               cfg.IMAPPort,
			Username:           cfg.IMAPUser,
			Password:           cfg.IMAPPass,
			UseTLS:             cfg.UseTLS,
			InsecureSkipVerify: cfg.InsecureSkipVerify,
			Folder:             cfg.Folder,
			Since:              cfg.StartDate,
			Before:             cfg.EndDate,
		}, logger)
		if err != nil {
			return nil, 0, fmt.Errorf("imap.Open: %w", err)
		}
		return src, src.Count(), nil

	case config.SourceGmail:
		src, err := gmail.Open(ctx, gmail.Options{
			CredentialsFile:   cfg.GmailCredentials,
			TokenFile:         cfg.GmailToken,
			Label:             cfg.Folder,
			Since:             cfg.StartDate,
			Before:            cfg.EndDate,
			Senders:           cfg.Senders,
			WithAttachments:   cfg.WithAttachments,
			RequestsPerSecond: cfg.GmailRate,
		}, logger)
		if err != nil {
			return nil, 0, fmt.Errorf("gmail.Open: %w", err)
		}
		return src, 0, nil

	default:
		total, err := mbox.CountMessages(cfg.MboxPath)
		if err != nil {
			logger.Warn("could not count messages, progress shows a spinner", "mbox", cfg.MboxPath, "err", err)
			total = 0
		}
		src, err := mbox.Open(cfg.MboxPath, logger)
		if err != nil {
			return nil, 0, fmt.Errorf("mbox.Open: %w", err)
		}
		return src, total, nil
	}
}

// openTracker returns the persistent hash index when --state-dir is set and
// an in-memory one otherwise. A dry run reads the index but never appends.
func openTracker(cfg config.Config) (state.Tracker, func() error, error) {
	if cfg.StateDir == "" {
		return state.NewMemoryTracker(), func() error { return nil }, nil
	}
	tracker, err := state.NewFileTracker(cfg.StateDir, !cfg.DryRun)
	if err != nil {
		return nil, nil, fmt.Errorf("state.NewFileTracker: %w", err)
	}
	return tracker, tracker.Close, nil
}

func setupLogger(cfg config.Config) (*slog.Logger, func() error, error) {
	level, err := logging.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, nil, err
	}
	return logging.Setup(os.Stdout, level, cfg.LogFile)
}

var errNoOpener = errors.New("no folder opener for this platform")

// openFolder shows path in the platform file manager.
func openFolder(path string) error {
	var name string
	switch runtime.GOOS {
	case "windows":
		name = "explorer"
	case "darwin":
		name = "open"
	case "linux", "freebsd", "openbsd", "netbsd":
		name = "xdg-open"
	default:
		return errNoOpener
	}
	return exec.Command(name, path).Start()
}
