package cmd

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/macfleet/priv-bootstrap/internal/service/bootstrap"
)

// verifyCmd downloads and digest-checks the pinned package without installing
// anything or touching system state.
var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Download and verify the pinned package without installing",
	Args:  cobra.NoArgs,
	RunE: func(_ *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
		defer stop()

		closeLog := setupLogging(ctx)
		defer closeLog()

		options := &bootstrap.Options{
			ConfigPath:   configPath,
			VerifyOnly:   true,
			ShowProgress: !noProgress,
		}

		return bootstrap.Run(ctx, options)
	},
}
