package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/piwi3910/cascade/pkg/engine"
	"github.com/piwi3910/cascade/pkg/telemetry"
)

func newRunCommand() *cobra.Command {
	var (
		fromID   string
		toID     string
		dryRun   bool
		parallel int
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the pipeline to its verified state",
		Long: `Execute the pipeline: apply every stage not already verified at the
current environment revision, in dependency order, verifying each stage
before its dependents start.

Stages verified at the current revision are skipped. A failing stage
stops the run; stages after it are not attempted. Every attempt is
recorded in the state store with its captured evidence.

With --dry-run nothing is applied: the command reports which stages
would run and why, and evaluates their checks read-only.`,
		Example: `  # Apply the full pipeline
  cascade run

  # Preview without applying anything
  cascade run --dry-run

  # Re-run a slice of the pipeline
  cascade run --from migrate-db --to deploy-api

  # Let independent stages apply concurrently
  cascade run --parallel 4`,
		Args: noArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			log.Info().
				Str("pipeline", pipelinePath).
				Bool("dry_run", dryRun).
				Msg("Starting run")

			tel, err := newTelemetry()
			if err != nil {
				return err
			}
			defer tel.Shutdown(context.Background())

			if err := tel.StartMetricsServer(); err != nil {
				log.Warn().Err(err).Msg("Failed to start metrics server")
			}

			cfg, err := loadPipeline(ctx)
			if err != nil {
				return err
			}

			env, err := loadEnvironment()
			if err != nil {
				return err
			}

			store, err := openStore(ctx)
			if err != nil {
				return err
			}
			defer store.Close()

			gate, err := newGate(ctx, tel.Logger)
			if err != nil {
				return err
			}

			deps, cleanup, err := buildDeps(ctx, cfg, env, tel, true)
			if err != nil {
				return err
			}
			defer cleanup()

			registry, _, err := buildRegistry(cfg, deps)
			if err != nil {
				return err
			}

			scheduler := engine.NewScheduler(cfg.Name, registry, store, env, tel.Events)
			scheduler.SetPolicyGate(gate)

			stop := func() {}
			if !jsonOutput {
				stop, err = watchEvents(ctx, tel.Events)
				if err != nil {
					return err
				}
			}

			runCtx, span := tel.Tracer.StartRunSpan(ctx, cfg.Name, dryRun)

			tel.Metrics.RecordRunStarted()
			startRevision := env.Revision()
			result, runErr := scheduler.Run(runCtx, engine.RunOptions{
				FromID:      fromID,
				ToID:        toID,
				DryRun:      dryRun,
				MaxParallel: parallel,
				User:        currentUser(),
			})
			stop()
			tel.Metrics.RecordRunResult(result)
			tel.Metrics.SetEnvRevision(env.Revision())

			if result != nil && result.Run != nil {
				span.SetAttributes(telemetry.AttrRunID.String(result.Run.ID))
			}
			if runErr != nil {
				telemetry.RecordError(span, runErr)
			} else {
				telemetry.RecordSuccess(span)
			}
			span.End()

			// env.set actions write through the in-memory store; the file
			// must follow even when a later stage failed.
			if !dryRun {
				if saveErr := saveEnvironment(env, startRevision); saveErr != nil {
					log.Error().Err(saveErr).Msg("Failed to persist environment changes")
					if runErr == nil {
						runErr = saveErr
					}
				}
			}

			if jsonOutput {
				if result != nil {
					if err := printJSON(result); err != nil {
						return err
					}
				}
				return runErr
			}

			if result != nil {
				printRunSummary(result)
			}
			return runErr
		},
	}

	cmd.Flags().StringVar(&fromID, "from", "", "start execution at this stage in resolved order")
	cmd.Flags().StringVar(&toID, "to", "", "stop execution after this stage in resolved order")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "verify only; apply nothing")
	cmd.Flags().IntVar(&parallel, "parallel", 0, "max concurrent stages within an independent group")

	return cmd
}

func printRunSummary(result *engine.RunResult) {
	if result.Run != nil {
		fmt.Printf("\nRun %s: %s (%s)\n", result.Run.ID, result.Run.Status,
			result.Summary.Duration.Round(time.Millisecond))
	}
	s := result.Summary
	fmt.Printf("  %d stage(s): %d applied, %d verified, %d skipped, %d failed\n",
		s.Total, s.Applied, s.Verified, s.Skipped, s.Failed)

	if result.Run != nil && result.Run.DryRun && result.Plan != nil {
		fmt.Printf("\nPlan at revision %d:\n", result.Plan.EnvRevision)
		for _, entry := range result.Plan.Entries {
			fmt.Printf("  %-6s %s (%s)\n", entry.Decision, entry.StageID, entry.Reason)
		}
	}
}
