package commands

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/teranos/stagebus/bus"
	"github.com/teranos/stagebus/errors"
	"github.com/teranos/stagebus/sym"
)

// BusCmd exposes the event log, command queue and state store
var BusCmd = &cobra.Command{
	Use:   "bus",
	Short: sym.Bus + " Query and drive the message bus",
	Long: sym.Bus + ` bus - Query and drive the message bus

Events are append-only and paged by id. Commands move
pending -> in_progress -> done | failed and may be requeued.
State is a last-writer-wins key/value store.

Examples:
  stagebus bus events --type staging_file_failed
  stagebus bus events --follow
  stagebus bus commands --status pending
  stagebus bus complete 42 '{"chunks": 7}'
  stagebus bus publish rag_indexing_completed '{"scan_id":"..."}'`,
}

var (
	eventTypes   []string
	eventAfter   int64
	eventLimit   int
	eventFollow  bool
	cmdStatus    string
	cmdType      string
	cmdAfter     int64
	cmdLimit     int
	statePrefix  string
	archiveAfter time.Duration
	busJSON      bool
)

var busEventsCmd = &cobra.Command{
	Use:   "events",
	Short: "List events after a cursor",
	RunE:  runBusEvents,
}

var busCommandsCmd = &cobra.Command{
	Use:   "commands",
	Short: "List commands",
	RunE:  runBusCommands,
}

var busStateCmd = &cobra.Command{
	Use:   "state [key]",
	Short: "Show one state key, or all keys with --prefix",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runBusState,
}

var busPublishCmd = &cobra.Command{
	Use:   "publish <event_type> [payload-json]",
	Short: "Append an event",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		payload, err := parsePayload(argOr(args, 1))
		if err != nil {
			return err
		}
		return withBus(func(s *store) error {
			id, err := s.bus.Publish(cmd.Context(), bus.EventType(args[0]), payload)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s event %d\n", sym.Bus, id)
			return nil
		})
	},
}

var busEnqueueCmd = &cobra.Command{
	Use:   "enqueue <command_type> [payload-json]",
	Short: "Add a pending command",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		payload, err := parsePayload(argOr(args, 1))
		if err != nil {
			return err
		}
		return withBus(func(s *store) error {
			id, err := s.bus.Enqueue(cmd.Context(), bus.CommandType(args[0]), payload)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s command %d\n", sym.Bus, id)
			return nil
		})
	},
}

var busCompleteCmd = &cobra.Command{
	Use:   "complete <id> [outcome-json]",
	Short: "Mark an in_progress command done",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		outcome, err := parsePayload(argOr(args, 1))
		if err != nil {
			return err
		}
		return withBus(func(s *store) error {
			return s.bus.CompleteCommand(cmd.Context(), id, outcome)
		})
	},
}

var busFailCmd = &cobra.Command{
	Use:   "fail <id> <reason>",
	Short: "Mark an in_progress command failed",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		return withBus(func(s *store) error {
			return s.bus.FailCommand(cmd.Context(), id, args[1])
		})
	},
}

var busRequeueCmd = &cobra.Command{
	Use:   "requeue <id>",
	Short: "Return an in_progress or failed command to pending",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		return withBus(func(s *store) error {
			return s.bus.RequeueCommand(cmd.Context(), id)
		})
	},
}

var busPruneCmd = &cobra.Command{
	Use:   "prune-events <before-id>",
	Short: "Delete events with id below before-id",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		return withBus(func(s *store) error {
			n, err := s.bus.PruneEvents(cmd.Context(), id)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s pruned %d events\n", sym.Bus, n)
			return nil
		})
	},
}

var busArchiveCmd = &cobra.Command{
	Use:   "archive-commands",
	Short: "Move finished commands into commands_archive",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withBus(func(s *store) error {
			n, err := s.bus.ArchiveCommands(cmd.Context(), archiveAfter)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s archived %d commands\n", sym.Bus, n)
			return nil
		})
	},
}

func init() {
	BusCmd.PersistentFlags().StringVar(&dbPath, "db", "", "Database path (default: database.path from config)")
	BusCmd.PersistentFlags().BoolVarP(&busJSON, "json", "j", false, "Output as JSON")

	busEventsCmd.Flags().StringSliceVar(&eventTypes, "type", nil, "Only these event types (repeatable)")
	busEventsCmd.Flags().Int64Var(&eventAfter, "after", 0, "Only events with id greater than this")
	busEventsCmd.Flags().IntVar(&eventLimit, "limit", bus.DefaultQueryLimit, "Page size")
	busEventsCmd.Flags().BoolVarP(&eventFollow, "follow", "f", false, "Keep polling for new events")

	busCommandsCmd.Flags().StringVar(&cmdStatus, "status", "", "pending, in_progress, done or failed")
	busCommandsCmd.Flags().StringVar(&cmdType, "type", "", "Command type")
	busCommandsCmd.Flags().Int64Var(&cmdAfter, "after", 0, "Only commands with id greater than this")
	busCommandsCmd.Flags().IntVar(&cmdLimit, "limit", bus.DefaultQueryLimit, "Page size")

	busStateCmd.Flags().StringVar(&statePrefix, "prefix", "", "List keys with this prefix")

	busArchiveCmd.Flags().DurationVar(&archiveAfter, "older-than", 7*24*time.Hour, "Archive commands finished longer ago than this")

	BusCmd.AddCommand(busEventsCmd, busCommandsCmd, busStateCmd, busPublishCmd, busEnqueueCmd,
		busCompleteCmd, busFailCmd, busRequeueCmd, busPruneCmd, busArchiveCmd)
}

func withBus(fn func(*store) error) error {
	s, err := openStore()
	if err != nil {
		return err
	}
	defer s.Close()
	return fn(s)
}

func argOr(args []string, i int) string {
	if len(args) > i {
		return args[i]
	}
	return ""
}

func runBusEvents(cmd *cobra.Command, args []string) error {
	types := make([]bus.EventType, 0, len(eventTypes))
	for _, t := range eventTypes {
		if !bus.IsKnownEventType(bus.EventType(t)) {
			return errors.WithHintf(errors.NewInvalidRequestError("unknown event type %q", t),
				"known types: %v", bus.EventTypes())
		}
		types = append(types, bus.EventType(t))
	}

	return withBus(func(s *store) error {
		ctx := cmd.Context()
		after := eventAfter
		for {
			events, err := s.bus.GetEvents(ctx, bus.EventQuery{AfterID: after, Types: types, Limit: eventLimit})
			if err != nil {
				return err
			}
			if len(events) > 0 {
				after = events[len(events)-1].ID
				if err := printEvents(cmd, events); err != nil {
					return err
				}
			}
			if !eventFollow {
				return nil
			}
			if len(events) == eventLimit {
				continue
			}
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
		}
	})
}

func printEvents(cmd *cobra.Command, events []*bus.Event) error {
	if busJSON || eventFollow {
		out := cmd.OutOrStdout()
		for _, e := range events {
			if busJSON {
				if err := printJSON(cmd, e); err != nil {
					return err
				}
				continue
			}
			fmt.Fprintf(out, "%6d  %s  %-30s %s\n", e.ID, formatTime(e.Timestamp), e.Type, e.Payload.String("scan_id"))
		}
		return nil
	}

	rows := make([][]string, 0, len(events))
	for _, e := range events {
		rows = append(rows, []string{
			strconv.FormatInt(e.ID, 10),
			formatTime(e.Timestamp),
			string(e.Type),
			orDash(e.Payload.String("scan_id")),
			orDash(e.Payload.String("filename")),
		})
	}
	return renderTable(cmd, []string{"ID", "TIME", "TYPE", "SCAN", "FILE"}, rows)
}

func runBusCommands(cmd *cobra.Command, args []string) error {
	if cmdStatus != "" && !bus.IsValidCommandStatus(cmdStatus) {
		return errors.NewInvalidRequestError("invalid status %q", cmdStatus)
	}
	return withBus(func(s *store) error {
		cmds, err := s.bus.ListCommands(cmd.Context(), bus.CommandQuery{
			Status:  bus.CommandStatus(cmdStatus),
			Type:    bus.CommandType(cmdType),
			AfterID: cmdAfter,
			Limit:   cmdLimit,
		})
		if err != nil {
			return err
		}
		if busJSON {
			return printJSON(cmd, cmds)
		}
		rows := make([][]string, 0, len(cmds))
		for _, c := range cmds {
			rows = append(rows, []string{
				strconv.FormatInt(c.ID, 10),
				string(c.Type),
				string(c.Status),
				strconv.Itoa(c.Attempts),
				orDash(c.ClaimedBy),
				formatTime(c.UpdatedAt),
				orDash(c.Error),
			})
		}
		return renderTable(cmd, []string{"ID", "TYPE", "STATUS", "ATTEMPTS", "CLAIMED BY", "UPDATED", "ERROR"}, rows)
	})
}

func runBusState(cmd *cobra.Command, args []string) error {
	return withBus(func(s *store) error {
		ctx := cmd.Context()
		if len(args) == 1 {
			entry, err := s.bus.GetState(ctx, args[0])
			if err != nil {
				return err
			}
			if entry == nil {
				return errors.NewNotFoundError("state key %s", args[0])
			}
			if busJSON {
				return printJSON(cmd, entry)
			}
			fmt.Fprintln(cmd.OutOrStdout(), entry.String())
			return nil
		}

		entries, err := s.bus.ListState(ctx, statePrefix)
		if err != nil {
			return err
		}
		if busJSON {
			return printJSON(cmd, entries)
		}
		rows := make([][]string, 0, len(entries))
		for _, e := range entries {
			rows = append(rows, []string{e.Key, e.String(), formatTime(e.UpdatedAt)})
		}
		return renderTable(cmd, []string{"KEY", "VALUE", "UPDATED"}, rows)
	})
}
