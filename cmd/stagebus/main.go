package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/teranos/stagebus/cmd/stagebus/commands"
	"github.com/teranos/stagebus/errors"
	"github.com/teranos/stagebus/logger"
)

var rootCmd = &cobra.Command{
	Use:   "stagebus",
	Short: "stagebus - staging mailbox and durable message bus",
	Long: `stagebus - staging mailbox and durable message bus.

Producers drop files into <staging.root>/incoming/. The orchestrator claims
each file, runs it through the analysis pipeline and moves it into
processed/ or failed/, recording every step in a SQLite-backed event log,
command queue and state store.

Available commands:
  am       - Manage stagebus configuration ("I am")
  db       - Migrate and inspect the database
  bus      - Query and drive the message bus
  staging  - Run the orchestrator and inspect the mailbox
  settings - Operator settings and feature flags

Examples:
  stagebus staging init           # Create the staging layout
  stagebus staging start          # Run the orchestrator until Ctrl+C
  stagebus bus events --follow    # Tail the event log
  stagebus settings flag rag_integration_enabled on`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		verbosity, _ := cmd.Flags().GetCount("verbose")
		jsonLogs, _ := cmd.Flags().GetBool("log-json")
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
	rootCmd.PersistentFlags().Bool("log-json", false, "Emit logs as JSON")

	rootCmd.AddCommand(commands.AmCmd)
	rootCmd.AddCommand(commands.DbCmd)
	rootCmd.AddCommand(commands.BusCmd)
	rootCmd.AddCommand(commands.StagingCmd)
	rootCmd.AddCommand(commands.SettingsCmd)
	rootCmd.AddCommand(commands.VersionCmd)
}

func main() {
	// Ctrl+C cancels the command context; long-running commands drain and exit
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		for _, hint := range errors.GetAllHints(err) {
			fmt.Fprintln(os.Stderr, "Hint:", hint)
		}
		os.Exit(1)
	}
}
