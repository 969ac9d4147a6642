package commands

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/teranos/stagebus/errors"
	"github.com/teranos/stagebus/settings"
	"github.com/teranos/stagebus/sym"
)

// SettingsCmd manages operator settings and feature flags. Values set here
// override the matching am.toml keys while the orchestrator runs.
var SettingsCmd = &cobra.Command{
	Use:   "settings",
	Short: sym.AM + " Operator settings and feature flags",
	Long: sym.AM + ` settings - Operator settings and feature flags

Settings override am.toml for a running orchestrator without a restart:
  scan_interval_seconds   poll interval (>= 1)
  retention_days          processed/ -> archive/ after N days (0 = never)
  failed_retention_days   failed/ cleanup age in days
  auto_cleanup            enable failed/ cleanup (true/false)

Flags:
  rag_integration_enabled request RAG indexing for processed files

Examples:
  stagebus settings set scan_interval_seconds 10
  stagebus settings flag rag_integration_enabled on
  stagebus settings history auto_cleanup`,
}

var historyLimit int

var settingsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored settings and flags",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withBus(func(s *store) error {
			all, err := s.settings.List(cmd.Context())
			if err != nil {
				return err
			}
			if busJSON {
				return printJSON(cmd, all)
			}
			rows := make([][]string, 0, len(all))
			for _, st := range all {
				rows = append(rows, []string{st.Key, string(st.Kind), string(st.Value), strconv.FormatBool(st.Enabled), formatTime(st.UpdatedAt)})
			}
			return renderTable(cmd, []string{"KEY", "KIND", "VALUE", "ENABLED", "UPDATED"}, rows)
		})
	},
}

var settingsGetCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Show one setting",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withBus(func(s *store) error {
			st, err := s.settings.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if busJSON {
				return printJSON(cmd, st)
			}
			if st.Kind == settings.KindFlag {
				fmt.Fprintln(cmd.OutOrStdout(), st.Enabled)
				return nil
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(st.Value))
			return nil
		})
	},
}

var settingsSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Store a setting",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withBus(func(s *store) error {
			if err := s.settings.Set(cmd.Context(), args[0], parseValue(args[1])); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s = %s\n", sym.AM, args[0], args[1])
			return nil
		})
	},
}

var settingsFlagCmd = &cobra.Command{
	Use:   "flag <key> <on|off>",
	Short: "Enable or disable a feature flag",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		enabled, err := parseSwitch(args[1])
		if err != nil {
			return err
		}
		return withBus(func(s *store) error {
			if err := s.settings.SetFlag(cmd.Context(), args[0], enabled); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s %s\n", sym.AM, args[0], args[1])
			return nil
		})
	},
}

var settingsHistoryCmd = &cobra.Command{
	Use:   "history [key]",
	Short: "Show setting changes, newest first",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withBus(func(s *store) error {
			changes, err := s.settings.History(cmd.Context(), argOr(args, 0), historyLimit)
			if err != nil {
				return err
			}
			if busJSON {
				return printJSON(cmd, changes)
			}
			rows := make([][]string, 0, len(changes))
			for _, c := range changes {
				old := "-"
				if c.OldValue != nil {
					old = *c.OldValue
				}
				rows = append(rows, []string{formatTime(c.ChangedAt), c.Key, old, c.NewValue})
			}
			return renderTable(cmd, []string{"CHANGED", "KEY", "OLD", "NEW"}, rows)
		})
	},
}

func init() {
	SettingsCmd.PersistentFlags().StringVar(&dbPath, "db", "", "Database path (default: database.path from config)")
	SettingsCmd.PersistentFlags().BoolVarP(&busJSON, "json", "j", false, "Output as JSON")
	settingsHistoryCmd.Flags().IntVar(&historyLimit, "limit", 50, "Maximum changes")

	SettingsCmd.AddCommand(settingsListCmd, settingsGetCmd, settingsSetCmd, settingsFlagCmd, settingsHistoryCmd)
}

func parseSwitch(s string) (bool, error) {
	switch s {
	case "on", "true", "enable", "enabled", "1":
		return true, nil
	case "off", "false", "disable", "disabled", "0":
		return false, nil
	}
	return false, errors.NewInvalidRequestError("expected on or off, got %q", s)
}
