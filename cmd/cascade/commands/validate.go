package commands

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/piwi3910/cascade/pkg/config"
	"github.com/piwi3910/cascade/pkg/engine"
	"github.com/piwi3910/cascade/pkg/pipeline"
)

func newValidateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate the pipeline definition",
		Long: `Parse the pipeline definition, evaluate the policy gate against it, and
dry-register the stages. Reports schema problems with source positions,
policy violations, and structural errors such as dependency cycles.

Nothing is executed and no state is touched.`,
		Example: `  # Validate the default pipeline file
  cascade validate

  # Validate a specific file
  cascade validate --config deploy/checkout.cue`,
		Args: noArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			log.Info().Str("pipeline", pipelinePath).Msg("Validating pipeline")

			tel, err := newTelemetry()
			if err != nil {
				return err
			}
			defer tel.Shutdown(context.Background())

			cfg, err := loadPipeline(ctx)
			if err != nil {
				return renderParseError(err)
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

			stages, err := pipeline.Build(cfg, deps)
			if err != nil {
				return renderParseError(err)
			}

			gate, err := newGate(ctx, tel.Logger)
			if err != nil {
				return err
			}

			result, err := gate.EvaluatePipeline(ctx, stages)
			if err != nil {
				return err
			}

			registry := engine.NewRegistry()
			regErr := registry.RegisterAll(stages)

			if jsonOutput {
				regMsg := ""
				if regErr != nil {
					regMsg = regErr.Error()
				}
				report := struct {
					Valid        bool                 `json:"valid"`
					Stages       int                  `json:"stages"`
					Policy       *engine.PolicyResult `json:"policy"`
					Registration string               `json:"registration_error,omitempty"`
				}{regErr == nil && result.Allowed, len(stages), result, regMsg}
				if err := printJSON(report); err != nil {
					return err
				}
				if perr := result.Err(); perr != nil {
					return perr
				}
				return regErr
			}

			for _, warning := range result.Warnings {
				fmt.Printf("! %s\n", warning)
			}
			for _, violation := range result.Violations {
				fmt.Printf("✗ %s: %s\n", violation.Policy, violation.Message)
			}
			if regErr != nil {
				fmt.Printf("✗ %v\n", regErr)
			}

			if perr := result.Err(); perr != nil {
				return perr
			}
			if regErr != nil {
				return regErr
			}

			fmt.Printf("✓ Pipeline %s is valid: %d stage(s)\n", cfg.Name, len(stages))
			return nil
		},
	}

	return cmd
}

// renderParseError prints the per-position findings a parse error
// carries, then passes the error through for the exit code.
func renderParseError(err error) error {
	problems := config.Problems(err)

	if jsonOutput {
		_ = printJSON(struct {
			Valid    bool                     `json:"valid"`
			Problems []config.ValidationError `json:"problems,omitempty"`
			Error    string                   `json:"error"`
		}{false, problems, err.Error()})
		return err
	}

	for _, p := range problems {
		fmt.Printf("✗ %s\n", p.Error())
	}
	if len(problems) == 0 {
		fmt.Printf("✗ %v\n", err)
	}
	return err
}
