package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/uusseis/sis-poller/internal/config"
	"github.com/uusseis/sis-poller/internal/service/poller"
	"github.com/uusseis/sis-poller/internal/version"
)

var (
	// options collects the flag values passed to the poller.
	options poller.Options

	// rootCmd represents the base command for one poll cycle.
	rootCmd = &cobra.Command{
		Use:   "sis-poller",
		Short: "Synchronize SIS StationXML modification times into a database.",
		Long: `Fetches the SIS StationXML listing for every configured network, compares the
last modified times against the xml_update table and stores new and updated
stations. A summary of the changes is sent to the notification gateway.

Run it from cron; every invocation performs exactly one cycle.
Use --initialize to rebuild the table from the listing without notifying,
--test to send a test notification and --dry-run to only log the changes.`,
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(_ *cobra.Command, _ []string) error {
			// Setup graceful shutdown handling.
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
			defer stop()

			return poller.Run(ctx, &options)
		},
	}
)

// Execute runs the sis-poller CLI and exits with non-zero status on error.
func Execute() {
	version.AttachCobraVersionCommand(rootCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

//nolint:gochecknoinits // Required by Cobra CLI framework architecture.
func init() {
	flags := rootCmd.Flags()

	flags.StringVarP(&options.ConfigPath, "config", "c", config.DefaultConfigFilename, "path to configuration file")
	flags.StringVarP(&options.LogLevel, "log-level", "l", "", "override the configured log level (debug, info, warn, error)")
	flags.BoolVar(&options.Initialize, "initialize", false, "replace the stored stations with the current listing")
	flags.BoolVar(&options.Test, "test", false, "send a test notification and exit")
	flags.BoolVar(&options.DryRun, "dry-run", false, "log the changes without writing or notifying")

	rootCmd.MarkFlagsMutuallyExclusive("initialize", "test")
	rootCmd.MarkFlagsMutuallyExclusive("dry-run", "test")
}
