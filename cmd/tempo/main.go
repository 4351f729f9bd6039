package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/teranos/tempo/am"
	"github.com/teranos/tempo/cmd/tempo/commands"
	"github.com/teranos/tempo/logger"
)

var rootCmd = &cobra.Command{
	Use:   "tempo",
	Short: "tempo - persistent trigger-firing job scheduler",
	Long: `tempo - persistent trigger-firing job scheduler.

tempo stores jobs, triggers and calendars in SQLite and fires triggers onto
a worker pool. Several instances can share one database as a cluster.

Available commands:
  am      - Manage tempo configuration ("I am")
  db      - Migrate and inspect the database
  pulse   - Run the scheduler daemon
  job     - Manage jobs
  trigger - Manage triggers

Examples:
  tempo am show                     # Show current configuration
  tempo pulse start                 # Start the scheduler
  tempo job load jobs.toml          # Store jobs and triggers from a file
  tempo job ls                      # List jobs
  tempo job trigger reports.nightly # Run a job now`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// am show prints config to stdout; keep it clean
		if cmd.Name() == "show" {
			return nil
		}
		verbosity, _ := cmd.Flags().GetCount("verbose")
		jsonLogs := false
		if cfg, err := am.Load(); err == nil {
			jsonLogs = cfg.Log.JSON
			logger.SetTheme(cfg.Log.Theme)
		}
		if err := logger.InitializeWithVerbosity(jsonLogs, verbosity); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logger.Cleanup()
	},
}

func init() {
	rootCmd.PersistentFlags().CountP("verbose", "v", "Increase output verbosity (repeat for more detail: -v, -vv, -vvv)")
	rootCmd.PersistentFlags().Bool("json", false, "Print command results as JSON")

	rootCmd.AddCommand(commands.AmCmd)
	rootCmd.AddCommand(commands.DbCmd)
	rootCmd.AddCommand(commands.PulseCmd)
	rootCmd.AddCommand(commands.JobCmd)
	rootCmd.AddCommand(commands.TriggerCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, commands.FormatError(err))
		os.Exit(1)
	}
}
