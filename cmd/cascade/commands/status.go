package commands

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/piwi3910/cascade/pkg/engine"
	"github.com/piwi3910/cascade/pkg/environ"
)

func newStatusCommand() *cobra.Command {
	var (
		runID string
		graph bool
	)

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show pipeline state",
		Long: `Report the latest record per stage: status, attempt number, and the
environment revision it ran against. A stage verified at an older
revision than the store's current one is flagged as drifted; the next
run will re-apply it.

With --run, shows that run's records instead. With --graph, emits the
dependency graph in DOT format for rendering with graphviz.`,
		Example: `  # Latest state per stage
  cascade status

  # Records of one run
  cascade status --run 01a4c3e8

  # Render the dependency graph
  cascade status --graph | dot -Tsvg > pipeline.svg`,
		Args: noArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			tel, err := newTelemetry()
			if err != nil {
				return err
			}
			defer tel.Shutdown(context.Background())

			cfg, err := loadPipeline(ctx)
			if err != nil {
				return err
			}

			env, err := loadEnvironment()
			if err != nil {
				return err
			}

			deps, cleanup, err := buildDeps(ctx, cfg, env, tel, false)
			if err != nil {
				return err
			}
			defer cleanup()

			registry, _, err := buildRegistry(cfg, deps)
			if err != nil {
				return err
			}

			if graph {
				dot, err := registry.ToDOT()
				if err != nil {
					return err
				}
				fmt.Print(dot)
				return nil
			}

			store, err := openStore(ctx)
			if err != nil {
				return err
			}
			defer store.Close()

			if runID != "" {
				return printRunStatus(ctx, store, runID)
			}
			return printPipelineStatus(ctx, store, registry, env)
		},
	}

	cmd.Flags().StringVar(&runID, "run", "", "show records for one run")
	cmd.Flags().BoolVar(&graph, "graph", false, "emit the dependency graph as DOT")

	return cmd
}

// stageStatus is the per-stage state reported by status.
type stageStatus struct {
	StageID  string `json:"stage_id"`
	Status   string `json:"status"`
	Attempt  int    `json:"attempt,omitempty"`
	Revision uint64 `json:"revision,omitempty"`
	Drifted  bool   `json:"drifted,omitempty"`
}

func printPipelineStatus(ctx context.Context, store engine.Store, registry *engine.Registry, env *environ.Store) error {
	order, err := registry.ResolveOrder()
	if err != nil {
		return err
	}
	latest, err := store.LatestRecords(ctx)
	if err != nil {
		return err
	}

	current := env.Revision()
	rows := make([]stageStatus, 0, len(order))
	for _, stage := range order {
		row := stageStatus{StageID: stage.ID, Status: "never_run"}
		if record := latest[stage.ID]; record != nil {
			row.Status = string(record.Status)
			row.Attempt = record.Attempt
			row.Revision = record.EnvRevision
			row.Drifted = record.Status == engine.RecordStatusVerified && record.EnvRevision < current
		}
		rows = append(rows, row)
	}

	if jsonOutput {
		return printJSON(struct {
			EnvRevision uint64        `json:"env_revision"`
			Stages      []stageStatus `json:"stages"`
		}{current, rows})
	}

	fmt.Printf("Environment revision: %d\n\n", current)
	for _, row := range rows {
		line := fmt.Sprintf("%s %-24s %s", statusMarker(row.Status), row.StageID, row.Status)
		if row.Attempt > 0 {
			line += fmt.Sprintf(" (attempt %d, revision %d)", row.Attempt, row.Revision)
		}
		if row.Drifted {
			line += "  [drift: environment changed since verification]"
		}
		fmt.Println(line)
	}
	return nil
}

func printRunStatus(ctx context.Context, store engine.Store, runID string) error {
	run, err := store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	records, err := store.GetRecords(ctx, runID)
	if err != nil {
		return err
	}

	if jsonOutput {
		return printJSON(struct {
			Run     *engine.Run        `json:"run"`
			Records []engine.RunRecord `json:"records"`
		}{run, records})
	}

	fmt.Printf("Run %s: %s\n", run.ID, run.Status)
	fmt.Printf("  pipeline: %s\n", run.Pipeline)
	fmt.Printf("  started:  %s\n", run.StartedAt.Format(time.RFC3339))
	if run.CompletedAt != nil {
		fmt.Printf("  finished: %s\n", run.CompletedAt.Format(time.RFC3339))
	}
	if run.DryRun {
		fmt.Printf("  dry run\n")
	}
	if run.Error != nil {
		fmt.Printf("  error:    %s\n", *run.Error)
	}
	fmt.Printf("  environment revision: %d\n\n", run.EnvRevision)

	for _, record := range records {
		line := fmt.Sprintf("%s %-24s %s (attempt %d)",
			statusMarker(string(record.Status)), record.StageID, record.Status, record.Attempt)
		if len(record.Tags) > 0 {
			line += fmt.Sprintf("  [%s]", strings.Join(record.Tags, ", "))
		}
		fmt.Println(line)
		if record.Error != nil {
			fmt.Printf("    %s\n", *record.Error)
		}
	}
	return nil
}

func statusMarker(status string) string {
	switch status {
	case string(engine.RecordStatusVerified):
		return "✓"
	case string(engine.RecordStatusFailed):
		return "✗"
	case string(engine.RecordStatusRolledBack):
		return "-"
	default:
		return " "
	}
}
