package commands

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/piwi3910/cascade/pkg/engine"
	"github.com/piwi3910/cascade/pkg/telemetry"
)

func newRollbackCommand() *cobra.Command {
	var (
		through           string
		forceIrreversible bool
	)

	cmd := &cobra.Command{
		Use:   "rollback <stage-id>",
		Short: "Roll back a stage, or a range of stages",
		Long: `Revert a stage to the state preceding its first successful application.

With --through, every stage between the named stage and the one given
is reverted, descendants before ancestors, so a still-applied stage is
never left standing on a reverted dependency. Eligibility for the whole
range is checked before anything is touched.

Rolling back a stage flagged irreversible requires --force-irreversible;
the override is recorded on the run record for audit.`,
		Example: `  # Roll back one stage
  cascade rollback deploy-api

  # Roll back deploy-api and everything back through migrate-db
  cascade rollback deploy-api --through migrate-db

  # Audited override of an irreversible stage
  cascade rollback send-announcement --force-irreversible`,
		Args: exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			stageID := args[0]
			ctx := cmd.Context()

			log.Info().
				Str("stage", stageID).
				Str("through", through).
				Bool("force_irreversible", forceIrreversible).
				Msg("Rolling back")

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

			manager := engine.NewRollbackManager(registry, store, env, tel.Events)
			manager.SetPolicyGate(gate)

			stop := func() {}
			if !jsonOutput {
				stop, err = watchEvents(ctx, tel.Events)
				if err != nil {
					return err
				}
			}

			opts := engine.RollbackOptions{
				ForceIrreversible: forceIrreversible,
				User:              currentUser(),
			}

			rbCtx, span := tel.Tracer.StartRollbackSpan(ctx, stageID, forceIrreversible)

			startRevision := env.Revision()
			var records []*engine.RunRecord
			var rbErr error
			if through != "" {
				// Resolved order runs ancestors first, so the range starts
				// at --through and ends at the named stage.
				records, rbErr = manager.RollbackRange(rbCtx, through, stageID, opts)
			} else {
				var record *engine.RunRecord
				record, rbErr = manager.Rollback(rbCtx, stageID, opts)
				if record != nil {
					records = append(records, record)
				}
			}
			stop()
			tel.Metrics.RecordRollbackResult(records, forceIrreversible)
			tel.Metrics.SetEnvRevision(env.Revision())

			if rbErr != nil {
				telemetry.RecordError(span, rbErr)
			} else {
				telemetry.RecordSuccess(span)
			}
			span.End()

			if saveErr := saveEnvironment(env, startRevision); saveErr != nil {
				log.Error().Err(saveErr).Msg("Failed to persist environment changes")
				if rbErr == nil {
					rbErr = saveErr
				}
			}

			if jsonOutput {
				if err := printJSON(records); err != nil {
					return err
				}
				return rbErr
			}

			for _, record := range records {
				if record.Status != engine.RecordStatusRolledBack {
					continue
				}
				fmt.Printf("✓ %s rolled back (attempt %d)\n", record.StageID, record.Attempt)
			}
			if rbErr != nil {
				return rbErr
			}
			if len(records) == 0 {
				fmt.Println("Nothing to roll back")
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&through, "through", "", "roll back every stage back through this one")
	cmd.Flags().BoolVar(&forceIrreversible, "force-irreversible", false, "permit rolling back an irreversible stage (audited)")

	return cmd
}
