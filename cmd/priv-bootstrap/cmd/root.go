package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/macfleet/priv-bootstrap/internal/logger"
	"github.com/macfleet/priv-bootstrap/internal/service/bootstrap"
	"github.com/macfleet/priv-bootstrap/internal/version"
)

var (
	// configPath to the configuration YAML file.
	configPath string

	// logLevel selects the minimum level for console and file output.
	logLevel string

	// noProgress disables the download progress bar.
	noProgress bool

	// rootCmd represents the base command running the full bootstrap.
	rootCmd = &cobra.Command{
		Use:   "priv-bootstrap",
		Short: "Provision this machine with the Privileges app and its managed settings",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			// Setup graceful shutdown handling.
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
			defer stop()

			closeLog := setupLogging(ctx)
			defer closeLog()

			options := &bootstrap.Options{
				ConfigPath:   configPath,
				ShowProgress: !noProgress,
			}

			return bootstrap.Run(ctx, options)
		},
	}
)

// Execute runs the priv-bootstrap CLI and exits with non-zero status on error.
func Execute() {
	version.AttachCobraVersionCommand(rootCmd)
	rootCmd.AddCommand(verifyCmd)

	rootCmd.SilenceUsage = true

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// setupLogging applies the requested level and tees output to a timestamped
// file in the user's home directory. A file that cannot be opened degrades to
// console-only logging; the log is diagnostic, not a contract.
func setupLogging(ctx context.Context) (closeLog func()) {
	if level, ok := logger.ParseLogLevel(logLevel); ok {
		logger.SetLevel(level)
	}

	home, err := os.UserHomeDir()
	if err != nil {
		logger.Warnf(ctx, "Home directory not resolved, logging to console only: %v", err)
		return func() {}
	}

	file, err := logger.OpenLogFile(home)
	if err != nil {
		logger.Warnf(ctx, "Log file not created, logging to console only: %v", err)
		return func() {}
	}

	teed := logger.NewTee(logger.Level(), file)
	logger.SetLogger(teed)

	return func() {
		_ = teed.Sync()
		_ = file.Close()
	}
}

//nolint:gochecknoinits // Required by Cobra CLI framework architecture.
func init() {
	// Setup command flags with consistent naming and descriptions.
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to configuration file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "minimum log level (debug|info|warn|error)")
	rootCmd.PersistentFlags().BoolVar(&noProgress, "no-progress", false, "disable the download progress bar")
}
