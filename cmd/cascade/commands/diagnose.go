package commands

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/piwi3910/cascade/pkg/engine"
)

func newDiagnoseCommand() *cobra.Command {
	var (
		hypothesis      string
		requestEvidence []string
		submitEvidence  string
		conclude        string
		inconclusive    bool
	)

	cmd := &cobra.Command{
		Use:   "diagnose <stage-id>",
		Short: "Open or advance a stage's diagnostic session",
		Long: `Drive the structured diagnostic loop for a failed stage: propose a
hypothesis, request read-only probe evidence, submit the observed
output, and conclude with a confirmed root cause.

A failed stage's definition stays locked until a session concludes with
a root cause; concluding --inconclusive closes the session but keeps
the stage locked. Run without flags, the command opens a session for a
fresh failure, or shows the state and transcript of the existing one.`,
		Example: `  # Show the current session, opening one if the stage just failed
  cascade diagnose deploy-api

  # Propose what went wrong
  cascade diagnose deploy-api --hypothesis "unit file not reloaded"

  # Ask for probe output to test it
  cascade diagnose deploy-api --request-evidence "systemctl status api" \
    --request-evidence "journalctl -u api -n 50"

  # Submit what the probes observed
  cascade diagnose deploy-api --submit-evidence probes.txt

  # Conclude with the confirmed cause
  cascade diagnose deploy-api --conclude "daemon-reload missing after unit change"`,
		Args: exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			stageID := args[0]
			ctx := cmd.Context()

			log.Info().Str("stage", stageID).Msg("Diagnosing stage")

			tel, err := newTelemetry()
			if err != nil {
				return err
			}
			defer tel.Shutdown(context.Background())

			store, err := openStore(ctx)
			if err != nil {
				return err
			}
			defer store.Close()

			manager := engine.NewDiagnosticManager(store, tel.Events)

			advancing := hypothesis != "" || len(requestEvidence) > 0 ||
				submitEvidence != "" || conclude != "" || inconclusive

			session, err := store.OpenSessionForStage(ctx, stageID)
			if err != nil {
				return err
			}
			if session == nil {
				session, err = manager.OpenForStage(ctx, stageID)
				if err != nil {
					// Without an open session or a failed record, plain
					// diagnose falls back to the stage's session history.
					if !advancing {
						latest, lerr := store.LatestSession(ctx, stageID)
						if lerr == nil && latest != nil {
							return showSession(latest)
						}
					}
					return err
				}
				if !jsonOutput {
					fmt.Printf("Opened session %s for stage %s\n\n", session.ID, stageID)
				}
			}

			if hypothesis != "" {
				if session, err = manager.ProposeHypothesis(ctx, session.ID, hypothesis); err != nil {
					return err
				}
			}
			if len(requestEvidence) > 0 {
				if session, err = manager.RequestEvidence(ctx, session.ID, requestEvidence); err != nil {
					return err
				}
			}
			if submitEvidence != "" {
				output, err := readEvidence(cmd, submitEvidence)
				if err != nil {
					return err
				}
				if session, err = manager.SubmitEvidence(ctx, session.ID, output); err != nil {
					return err
				}
			}
			if conclude != "" || inconclusive {
				if session, err = manager.Conclude(ctx, session.ID, conclude); err != nil {
					return err
				}
				if session.Conclusion != nil {
					tel.Metrics.RecordSessionConcluded(string(session.Conclusion.Kind))
				}
			}

			return showSession(session)
		},
	}

	cmd.Flags().StringVar(&hypothesis, "hypothesis", "", "propose an explanation for the failure")
	cmd.Flags().StringArrayVar(&requestEvidence, "request-evidence", nil, "read-only probe command to request (repeatable)")
	cmd.Flags().StringVar(&submitEvidence, "submit-evidence", "", "file with probe output, or - for stdin")
	cmd.Flags().StringVar(&conclude, "conclude", "", "close the session with this confirmed root cause")
	cmd.Flags().BoolVar(&inconclusive, "inconclusive", false, "close the session without a confirmed root cause")
	cmd.MarkFlagsMutuallyExclusive("conclude", "inconclusive")

	return cmd
}

// readEvidence reads the probe output to submit, from a file or stdin.
func readEvidence(cmd *cobra.Command, path string) (string, error) {
	if path == "-" {
		data, err := io.ReadAll(cmd.InOrStdin())
		if err != nil {
			return "", fmt.Errorf("failed to read evidence from stdin: %w", err)
		}
		return string(data), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read evidence file: %w", err)
	}
	return string(data), nil
}

// showSession renders the session transcript, or the raw session in
// JSON mode.
func showSession(session *engine.DiagnosticSession) error {
	if jsonOutput {
		return printJSON(session)
	}

	fmt.Printf("Session %s for stage %s\n", session.ID, session.StageID)
	fmt.Printf("  state:  %s\n", session.State)
	fmt.Printf("  record: %s\n", session.RecordID)
	fmt.Printf("  opened: %s\n", session.OpenedAt.Format(time.RFC3339))

	if len(session.Hypotheses) > 0 {
		fmt.Printf("\nHypotheses:\n")
		for _, h := range session.Hypotheses {
			fmt.Printf("  %d. %s\n", h.ID, h.Text)
		}
	}

	if len(session.Requests) > 0 {
		fmt.Printf("\nEvidence:\n")
		for _, req := range session.Requests {
			for _, command := range req.Commands {
				fmt.Printf("  $ %s\n", command)
			}
			if req.ReceivedAt != nil {
				fmt.Println(indent(strings.TrimRight(req.Output, "\n"), "    "))
			} else {
				fmt.Printf("    (awaiting output)\n")
			}
		}
	}

	if session.Conclusion != nil {
		if session.Conclusion.Kind == engine.ConclusionRootCause {
			fmt.Printf("\nRoot cause: %s\n", session.Conclusion.RootCause)
		} else {
			fmt.Printf("\nConcluded inconclusive; the stage stays locked until a root cause is confirmed\n")
		}
	}

	return nil
}

func indent(s, prefix string) string {
	if s == "" {
		return prefix + "(empty)"
	}
	lines := strings.Split(s, "\n")
	for i, line := range lines {
		lines[i] = prefix + line
	}
	return strings.Join(lines, "\n")
}
