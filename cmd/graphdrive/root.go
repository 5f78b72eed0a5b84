package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/graphdrive/graphdrive"
	"github.com/graphdrive/graphdrive/auth"
	"github.com/graphdrive/graphdrive/config"
)

// version is set at build time via ldflags.
var version = "dev"

// Global persistent flags, bound in newRootCmd().
var (
	flagConfigPath string
	flagVerbose    bool
	flagQuiet      bool
)

// cfg holds the effective configuration loaded by PersistentPreRunE.
var cfg *config.Config

// newRootCmd builds the fully-assembled root command. Called once from main().
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "graphdrive",
		Short:   "Cloud drive CLI client",
		Long:    "A CLI for browsing, transferring, and managing files on a cloud drive.",
		Version: version,
		// Silence Cobra's default error/usage printing — main handles it.
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
			path := flagConfigPath
			if path == "" {
				path = config.DefaultConfigPath()
			}

			var err error
			if cfg, err = config.LoadOrDefault(path); err != nil {
				return err
			}

			setupLogging()

			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&flagConfigPath, "config", "", "config file path")
	cmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "enable debug logging")
	cmd.PersistentFlags().BoolVarP(&flagQuiet, "quiet", "q", false, "suppress informational output")

	cmd.AddCommand(newLoginCmd())
	cmd.AddCommand(newLogoutCmd())
	cmd.AddCommand(newWhoamiCmd())
	cmd.AddCommand(newLsCmd())
	cmd.AddCommand(newStatCmd())
	cmd.AddCommand(newMkdirCmd())
	cmd.AddCommand(newMvCmd())
	cmd.AddCommand(newRmCmd())
	cmd.AddCommand(newCpCmd())
	cmd.AddCommand(newSearchCmd())
	cmd.AddCommand(newQuotaCmd())
	cmd.AddCommand(newPutCmd())
	cmd.AddCommand(newGetCmd())
	cmd.AddCommand(newResumeCmd())
	cmd.AddCommand(newWatchCmd())

	return cmd
}

// setupLogging configures the default slog logger from config and flags.
// --verbose wins over the configured level; --quiet raises it to error.
func setupLogging() {
	level := slog.LevelInfo

	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	if flagVerbose {
		level = slog.LevelDebug
	}

	if flagQuiet {
		level = slog.LevelError
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})))
}

// buildClient loads the saved token and assembles the SDK client. Commands
// that talk to the API go through here; login and logout do not.
func buildClient() (*graphdrive.Client, error) {
	mgr, err := auth.ManagerFromPath(cfg.TokenPath, slog.Default())
	if err != nil {
		if errors.Is(err, auth.ErrNotLoggedIn) {
			return nil, fmt.Errorf("not logged in, run 'graphdrive login' first")
		}

		return nil, err
	}

	return graphdrive.NewClient(mgr, graphdrive.Options{
		Config: cfg,
		Logger: slog.Default(),
	})
}
