package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/teranos/stagebus/bus"
	"github.com/teranos/stagebus/db"
	"github.com/teranos/stagebus/sym"
)

// DbCmd groups database maintenance commands
var DbCmd = &cobra.Command{
	Use:   "db",
	Short: sym.DB + " Manage the stagebus database",
}

var dbMigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending schema migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openStore()
		if err != nil {
			return err
		}
		defer s.Close()

		applied, err := db.AppliedVersions(s.db)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s Schema up to date (%d migrations applied)\n", sym.DB, len(applied))
		return nil
	},
}

var dbStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show event, command and state counts",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openStore()
		if err != nil {
			return err
		}
		defer s.Close()

		stats, err := s.bus.Stats(cmd.Context())
		if err != nil {
			return err
		}
		if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
			return printJSON(cmd, stats)
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "%s Database Statistics\n\n", sym.DB)
		fmt.Fprintf(out, "Events:            %d (last id %d)\n", stats.Events, stats.LastEventID)
		for _, status := range []bus.CommandStatus{bus.CommandPending, bus.CommandInProgress, bus.CommandDone, bus.CommandFailed} {
			fmt.Fprintf(out, "Commands %-11s %d\n", string(status)+":", stats.Commands[status])
		}
		fmt.Fprintf(out, "Archived commands: %d\n", stats.ArchivedCommands)
		fmt.Fprintf(out, "State keys:        %d\n", stats.StateKeys)
		return nil
	},
}

func init() {
	DbCmd.PersistentFlags().StringVar(&dbPath, "db", "", "Database path (default: database.path from config)")
	dbStatsCmd.Flags().BoolP("json", "j", false, "Output as JSON")

	DbCmd.AddCommand(dbMigrateCmd)
	DbCmd.AddCommand(dbStatsCmd)
}
