package commands

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	// Persistent flags shared by every command.
	pipelinePath  string
	envPath       string
	statePath     string
	policyDir     string
	logLevel      string
	logFormat     string
	metricsListen string
	jsonOutput    bool
	verbose       bool

	// policyDirSet records whether --policy-dir was given explicitly. A
	// missing default directory is skipped; a missing explicit one is an
	// error.
	policyDirSet bool

	// buildVersion identifies the binary in telemetry, set by Execute.
	buildVersion = "dev"
)

// usageError marks errors from flag and argument parsing so the caller
// can exit with the usage code instead of a failure class.
type usageError struct{ err error }

func (u usageError) Error() string { return u.err.Error() }
func (u usageError) Unwrap() error { return u.err }

// IsUsageError reports whether err came from command-line parsing.
func IsUsageError(err error) bool {
	var u usageError
	return errors.As(err, &u)
}

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	buildVersion = version
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "cascade",
		Short: "Cascade - Staged Deployment Orchestration Engine",
		Long: `Cascade executes deployment pipelines as ranked, dependency-ordered
stages with enforced verification and an explicit rollback contract.

Features:
  - Typed pipeline definitions via CUE
  - Read-only checks: commands, Starlark expressions, WASM plugins
  - Stages verified at the current environment revision are skipped
  - Every stage declares a rollback or is marked irreversible
  - Structured diagnosis required before a failed stage may change
  - Policy admission via OPA/Rego`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			policyDirSet = cmd.Flags().Changed("policy-dir")
			return configureLogging()
		},
	}

	rootCmd.SetFlagErrorFunc(func(cmd *cobra.Command, err error) error {
		return usageError{err}
	})

	// Persistent flags available to all commands
	rootCmd.PersistentFlags().StringVarP(&pipelinePath, "config", "c", "cascade.cue", "pipeline definition file")
	rootCmd.PersistentFlags().StringVar(&envPath, "env", "env.yaml", "environment file")
	rootCmd.PersistentFlags().StringVar(&statePath, "state", "cascade.db", "state store path")
	rootCmd.PersistentFlags().StringVar(&policyDir, "policy-dir", "policies", "directory of custom .rego policies")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (trace, debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "console", "log format (console, json)")
	rootCmd.PersistentFlags().StringVar(&metricsListen, "metrics-listen", "", "serve Prometheus metrics on this address during the command (e.g. :9090)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")

	// Add subcommands
	rootCmd.AddCommand(newInitCommand())
	rootCmd.AddCommand(newValidateCommand())
	rootCmd.AddCommand(newRunCommand())
	rootCmd.AddCommand(newRollbackCommand())
	rootCmd.AddCommand(newStatusCommand())
	rootCmd.AddCommand(newDiagnoseCommand())
	rootCmd.AddCommand(newEnvCommand())
	rootCmd.AddCommand(newVersionCommand(version, commit, buildDate))

	return rootCmd
}

// configureLogging retunes the global logger from the persistent flags.
func configureLogging() error {
	level := logLevel
	if verbose {
		level = "debug"
	}
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		return usageError{fmt.Errorf("invalid log level %q", logLevel)}
	}
	zerolog.SetGlobalLevel(lvl)

	switch logFormat {
	case "console":
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	case "json":
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	default:
		return usageError{fmt.Errorf("invalid log format %q (must be console or json)", logFormat)}
	}
	return nil
}

// exactArgs is cobra.ExactArgs with the failure marked as a usage error.
func exactArgs(n int) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if err := cobra.ExactArgs(n)(cmd, args); err != nil {
			return usageError{err}
		}
		return nil
	}
}

// noArgs is cobra.NoArgs with the failure marked as a usage error.
func noArgs(cmd *cobra.Command, args []string) error {
	if err := cobra.NoArgs(cmd, args); err != nil {
		return usageError{err}
	}
	return nil
}
