package commands

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/stagebus/am"
	"github.com/teranos/stagebus/bus"
	"github.com/teranos/stagebus/errors"
	"github.com/teranos/stagebus/logger"
	"github.com/teranos/stagebus/orchestrator"
	"github.com/teranos/stagebus/pipeline"
	"github.com/teranos/stagebus/settings"
	"github.com/teranos/stagebus/staging"
	"github.com/teranos/stagebus/sym"
)

// StagingCmd runs and inspects the staging orchestrator
var StagingCmd = &cobra.Command{
	Use:   "staging",
	Short: sym.Staging + " Run the orchestrator and inspect the mailbox",
	Long: sym.Staging + ` staging - Run the orchestrator and inspect the mailbox

Layout below staging.root:
  incoming/                    producers drop files here
  processed/<date>/<scan_id>/  file plus one <stage>.json per stage
  failed/<reason>/<scan_id>/   file plus error_log.yaml
  archive/<date>/<scan_id>/    processed entries past retention
  legacy/                      stray files from older layouts

Examples:
  stagebus staging init
  stagebus staging submit ./main.go
  stagebus staging start
  stagebus staging tick           # one iteration, then exit
  stagebus staging manifest --status FAILED`,
}

var (
	manifestStatus string
	manifestFile   string
	manifestLimit  int
	manifestFlight bool
	manifestExport bool
	stagingJSON    bool
)

var stagingInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Create the staging directories and migrate the database",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openStore()
		if err != nil {
			return err
		}
		defer s.Close()

		area := staging.NewArea(s.cfg.Staging.Root, logger.Logger)
		if err := area.Init(); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s Staging root ready at %s\n", sym.Staging, area.Root())
		return nil
	},
}

var stagingSubmitCmd = &cobra.Command{
	Use:   "submit <file>...",
	Short: "Copy files into incoming/ atomically",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := am.Load()
		if err != nil {
			return errors.Wrap(err, "failed to load config")
		}
		area := staging.NewArea(cfg.Staging.Root, logger.Logger)
		if err := area.Init(); err != nil {
			return err
		}
		for _, path := range args {
			data, err := os.ReadFile(path)
			if err != nil {
				return errors.Wrapf(err, "read %s", path)
			}
			if err := area.Submit(filepath.Base(path), data); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s submitted %s\n", sym.Staging, filepath.Base(path))
		}
		return nil
	},
}

var stagingStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Run the orchestrator until interrupted",
	RunE:  runStagingStart,
}

var stagingTickCmd = &cobra.Command{
	Use:   "tick",
	Short: "Run one orchestrator iteration and process everything it claims",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withOrchestrator(func(s *store, o *orchestrator.Orchestrator) error {
			report, err := o.Tick(cmd.Context())
			if stagingJSON {
				if perr := printJSON(cmd, report); perr != nil {
					return perr
				}
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s detected %d, claimed %d, processed %d, failed %d, unchanged %d, duplicates %d\n",
				sym.Orchestrator, report.Detected, report.Claimed, report.Processed, report.Failed,
				report.Unchanged, report.Duplicates)
			if report.Reconciled != nil && report.Reconciled.Changed() {
				printReconcile(cmd, report.Reconciled)
			}
			if report.Sweep != nil && report.Sweep.Changed() {
				fmt.Fprintf(out, "%s archived %d, deleted %d\n", sym.Staging, len(report.Sweep.Archived), len(report.Sweep.Deleted))
			}
			return err
		})
	},
}

var stagingReconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Repair the mailbox after a crash",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withOrchestrator(func(s *store, o *orchestrator.Orchestrator) error {
			report, err := o.Reconcile(cmd.Context())
			if err != nil {
				return err
			}
			if stagingJSON {
				return printJSON(cmd, report)
			}
			printReconcile(cmd, report)
			return nil
		})
	},
}

var stagingSweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Apply retention: archive old processed scans, clean up old failures",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withOrchestrator(func(s *store, o *orchestrator.Orchestrator) error {
			result, err := o.Sweep(cmd.Context())
			if err != nil {
				return err
			}
			if stagingJSON {
				return printJSON(cmd, result)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s archived %d, deleted %d\n", sym.Staging, len(result.Archived), len(result.Deleted))
			return nil
		})
	},
}

var stagingStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show orchestrator status and manifest totals",
	RunE:  runStagingStatus,
}

var stagingManifestCmd = &cobra.Command{
	Use:   "manifest",
	Short: "List manifest entries",
	RunE:  runStagingManifest,
}

func init() {
	StagingCmd.PersistentFlags().StringVar(&dbPath, "db", "", "Database path (default: database.path from config)")
	StagingCmd.PersistentFlags().BoolVarP(&stagingJSON, "json", "j", false, "Output as JSON")

	stagingManifestCmd.Flags().StringVar(&manifestStatus, "status", "", "SUCCESS or FAILED")
	stagingManifestCmd.Flags().StringVar(&manifestFile, "file", "", "Only entries for this filename")
	stagingManifestCmd.Flags().IntVar(&manifestLimit, "limit", 0, "Maximum entries (0 = all)")
	stagingManifestCmd.Flags().BoolVar(&manifestFlight, "in-flight", false, "Only entries that have not concluded")
	stagingManifestCmd.Flags().BoolVar(&manifestExport, "export", false, "Rewrite the manifest document and print its path")

	StagingCmd.AddCommand(stagingInitCmd, stagingSubmitCmd, stagingStartCmd, stagingTickCmd,
		stagingReconcileCmd, stagingSweepCmd, stagingStatusCmd, stagingManifestCmd)
}

// newOrchestrator wires an orchestrator over an opened store. The settings
// view reads the orchestrator's current config, so reloads reach it too.
func newOrchestrator(s *store) (*orchestrator.Orchestrator, error) {
	area := staging.NewArea(s.cfg.Staging.Root, logger.Logger)
	if err := area.Init(); err != nil {
		return nil, err
	}
	p, err := pipeline.FromConfig(s.cfg, logger.Logger)
	if err != nil {
		return nil, err
	}

	var o *orchestrator.Orchestrator
	view := settings.NewView(s.settings, func() *am.Config { return o.Config() })
	o, err = orchestrator.New(orchestrator.Deps{
		Bus:      s.bus,
		Manifest: s.manifest,
		Area:     area,
		Pipeline: p,
		Settings: view,
		Config:   s.cfg,
		Logger:   logger.Logger,
	})
	return o, err
}

func withOrchestrator(fn func(*store, *orchestrator.Orchestrator) error) error {
	s, err := openStore()
	if err != nil {
		return err
	}
	defer s.Close()

	o, err := newOrchestrator(s)
	if err != nil {
		return err
	}
	return fn(s, o)
}

func runStagingStart(cmd *cobra.Command, args []string) error {
	return withOrchestrator(func(s *store, o *orchestrator.Orchestrator) error {
		if path := am.FindProjectConfig(); path != "" {
			w, err := am.NewConfigWatcher(path, logger.Logger)
			if err != nil {
				logger.Warnw("Config hot reload unavailable", logger.FieldPath, path, logger.FieldError, err)
			} else {
				w.OnReload(func(cfg *am.Config) error {
					o.UpdateConfig(cfg)
					return nil
				})
				am.SetGlobalWatcher(w)
				w.Start()
				defer w.Stop()
			}
		}

		cfg := o.Config()
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "%s Orchestrator %s starting\n", sym.Orchestrator, o.Instance())
		fmt.Fprintf(out, "  Staging root:  %s\n", cfg.Staging.Root)
		fmt.Fprintf(out, "  Scan interval: %v\n", cfg.Staging.ScanInterval())
		fmt.Fprintf(out, "  Workers:       %d\n", cfg.Staging.EffectiveWorkers())
		fmt.Fprintf(out, "\n%s Press Ctrl+C for graceful shutdown\n\n", sym.Orchestrator)

		if err := o.Run(cmd.Context()); err != nil {
			return err
		}
		fmt.Fprintf(out, "\n%s Orchestrator stopped\n", sym.Close)
		return nil
	})
}

type stagingStatus struct {
	Status       string     `json:"status"`
	Instance     string     `json:"instance,omitempty"`
	LastTick     string     `json:"last_tick,omitempty"`
	LastSweep    string     `json:"last_retention_sweep,omitempty"`
	TotalScans   int64      `json:"total_scans"`
	FailedScans  int64      `json:"failed_scans"`
	Processed    int64      `json:"processed"`
	Failed       int64      `json:"failed"`
	InFlight     int        `json:"in_flight"`
	PendingFiles int        `json:"pending_files"`
	Commands     *bus.Stats `json:"bus"`
}

func runStagingStatus(cmd *cobra.Command, args []string) error {
	return withBus(func(s *store) error {
		ctx := cmd.Context()
		st := &stagingStatus{Status: string(orchestrator.StatusStopped)}

		states, err := s.bus.ListState(ctx, "")
		if err != nil {
			return err
		}
		for _, e := range states {
			switch e.Key {
			case bus.StateOrchestratorStatus:
				st.Status = e.String()
			case bus.StateOrchestratorInstance:
				st.Instance = e.String()
			case bus.StateLastTick:
				st.LastTick = e.String()
			case bus.StateLastSweep:
				st.LastSweep = e.String()
			case bus.StateTotalScans:
				st.TotalScans = e.Int()
			case bus.StateFailedScans:
				st.FailedScans = e.Int()
			}
		}

		totals, err := s.manifest.Totals(ctx)
		if err != nil {
			return err
		}
		st.Processed, st.Failed = totals.Processed, totals.Failed

		inFlight, err := s.manifest.InFlight(ctx)
		if err != nil {
			return err
		}
		st.InFlight = len(inFlight)

		incoming, err := staging.NewArea(s.cfg.Staging.Root, logger.Logger).ListIncoming()
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
		st.PendingFiles = len(incoming)

		if st.Commands, err = s.bus.Stats(ctx); err != nil {
			return err
		}

		if stagingJSON {
			return printJSON(cmd, st)
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "%s Orchestrator: %s\n", sym.Orchestrator, statusText(st.Status))
		fmt.Fprintf(out, "  Instance:      %s\n", orDash(st.Instance))
		fmt.Fprintf(out, "  Last tick:     %s\n", orDash(st.LastTick))
		fmt.Fprintf(out, "  Last sweep:    %s\n", orDash(st.LastSweep))
		fmt.Fprintf(out, "\n%s Staging\n", sym.Staging)
		fmt.Fprintf(out, "  Waiting in incoming/: %d\n", st.PendingFiles)
		fmt.Fprintf(out, "  In flight:            %d\n", st.InFlight)
		fmt.Fprintf(out, "  Processed:            %d\n", st.Processed)
		fmt.Fprintf(out, "  Failed:               %d\n", st.Failed)
		fmt.Fprintf(out, "  Scans (total/failed): %d/%d\n", st.TotalScans, st.FailedScans)
		fmt.Fprintf(out, "  Commands pending:     %d\n", st.Commands.Commands[bus.CommandPending])
		return nil
	})
}

func statusText(status string) string {
	switch orchestrator.Status(status) {
	case orchestrator.StatusRunning:
		return pterm.Green(status)
	case orchestrator.StatusDegraded:
		return pterm.Yellow(status)
	default:
		return pterm.Gray(status)
	}
}

func runStagingManifest(cmd *cobra.Command, args []string) error {
	return withBus(func(s *store) error {
		ctx := cmd.Context()
		if manifestExport {
			path := s.cfg.GetManifestDocument()
			if !filepath.IsAbs(path) {
				path = filepath.Join(s.cfg.Staging.Root, path)
			}
			if _, err := s.manifest.ExportDocument(ctx, path); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), path)
			return nil
		}

		q := staging.ListQuery{Status: staging.Status(manifestStatus), Filename: manifestFile, Limit: manifestLimit}
		if manifestFlight {
			q.States = []staging.FileState{staging.StateDetected, staging.StateClaimed, staging.StateStage, staging.StateFinalizing}
		}
		entries, err := s.manifest.List(ctx, q)
		if err != nil {
			return err
		}
		if stagingJSON {
			return printJSON(cmd, entries)
		}
		rows := make([][]string, 0, len(entries))
		for _, e := range entries {
			rows = append(rows, []string{
				e.ScanID,
				e.Filename,
				strconv.Itoa(e.Version),
				string(e.State),
				orDash(e.Stage),
				orDash(e.Reason),
				orDash(e.Location),
			})
		}
		return renderTable(cmd, []string{"SCAN", "FILE", "V", "STATE", "STAGE", "REASON", "LOCATION"}, rows)
	})
}

func printReconcile(cmd *cobra.Command, r *orchestrator.ReconcileReport) {
	fmt.Fprintf(cmd.OutOrStdout(),
		"%s requeued %d, finalized %d, interrupted %d, released %d, moved %d, duplicates %d, legacy %d\n",
		sym.Open, r.Requeued, r.Finalized, r.Interrupted, r.Released, r.Moved, r.Duplicates, r.Legacy)
}
