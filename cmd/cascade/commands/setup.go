package commands

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/user"

	"github.com/piwi3910/cascade/pkg/config"
	"github.com/piwi3910/cascade/pkg/engine"
	"github.com/piwi3910/cascade/pkg/environ"
	"github.com/piwi3910/cascade/pkg/pipeline"
	"github.com/piwi3910/cascade/pkg/plugins/wasm"
	"github.com/piwi3910/cascade/pkg/policy"
	"github.com/piwi3910/cascade/pkg/stores"
	"github.com/piwi3910/cascade/pkg/telemetry"
	"github.com/piwi3910/cascade/pkg/transports/local"
	"github.com/piwi3910/cascade/pkg/transports/ssh"
)

// newTelemetry builds the telemetry handle for one command invocation
// from the persistent logging flags.
func newTelemetry() (*telemetry.Telemetry, error) {
	cfg := telemetry.DefaultConfig()
	cfg.ServiceVersion = buildVersion
	cfg.Logging.Level = logLevel
	cfg.Logging.Format = logFormat
	if verbose {
		cfg.Logging.Level = "debug"
	}
	if metricsListen != "" {
		cfg.Metrics.Enabled = true
		cfg.Metrics.ListenAddress = metricsListen
	}
	return telemetry.NewTelemetry(cfg)
}

// openStore opens the state store and brings its schema current.
func openStore(ctx context.Context) (*stores.SQLiteStore, error) {
	store, err := stores.NewSQLiteStore(stores.Config{Path: statePath})
	if err != nil {
		return nil, err
	}
	if err := store.Init(ctx); err != nil {
		return nil, err
	}
	if err := store.Migrate(ctx); err != nil {
		store.Close()
		return nil, err
	}
	return store, nil
}

// loadEnvironment loads the environment file. A missing file is an
// empty store at revision 1, so commands work before the first env set.
func loadEnvironment() (*environ.Store, error) {
	store, err := environ.Load(envPath)
	if errors.Is(err, os.ErrNotExist) {
		return environ.New(), nil
	}
	return store, err
}

// loadPipeline parses the pipeline definition named by --config.
func loadPipeline(ctx context.Context) (*config.PipelineConfig, error) {
	return config.NewCUEParser().ParsePipeline(ctx, pipelinePath)
}

// newGate builds the policy gate with the built-in set plus any
// policies under --policy-dir.
func newGate(ctx context.Context, logger *telemetry.Logger) (*policy.Gate, error) {
	gate, err := policy.NewGate(logger)
	if err != nil {
		return nil, err
	}
	if policyDir == "" {
		return gate, nil
	}
	if _, err := os.Stat(policyDir); err != nil {
		if os.IsNotExist(err) && !policyDirSet {
			return gate, nil
		}
		return nil, fmt.Errorf("policy directory %s: %w", policyDir, err)
	}
	if err := gate.LoadPolicies(ctx, []string{policyDir}); err != nil {
		return nil, err
	}
	return gate, nil
}

// buildDeps assembles the transports and evaluators a pipeline build
// needs. With connect set the SSH client dials the declared target;
// validation paths pass false and never touch the network.
func buildDeps(ctx context.Context, cfg *config.PipelineConfig, env *environ.Store, tel *telemetry.Telemetry, connect bool) (pipeline.Deps, func(), error) {
	deps := pipeline.Deps{
		Local:      local.NewExecutor(tel.Logger),
		Env:        env,
		Plugins:    wasm.NewRunner(nil, tel.Logger),
		Predicates: config.NewStarlarkEvaluator(0),
	}
	cleanup := func() {}

	if cfg.Target != nil {
		client, err := ssh.NewClient(ssh.FromTarget(cfg.Target), tel.Logger)
		if err != nil {
			return pipeline.Deps{}, cleanup, err
		}
		if connect {
			if err := client.Connect(ctx); err != nil {
				return pipeline.Deps{}, cleanup, err
			}
			cleanup = func() { client.Close() }
		}
		deps.Remote = client
	}

	return deps, cleanup, nil
}

// buildRegistry turns the parsed pipeline into registered engine stages.
func buildRegistry(cfg *config.PipelineConfig, deps pipeline.Deps) (*engine.Registry, []*engine.Stage, error) {
	stages, err := pipeline.Build(cfg, deps)
	if err != nil {
		return nil, nil, err
	}
	registry := engine.NewRegistry()
	if err := registry.RegisterAll(stages); err != nil {
		return nil, nil, err
	}
	return registry, stages, nil
}

// saveEnvironment persists the environment file when the run bumped its
// revision through env.set actions or rollbacks.
func saveEnvironment(env *environ.Store, startRevision uint64) error {
	if env.Revision() == startRevision {
		return nil
	}
	if err := env.Save(envPath); err != nil {
		return fmt.Errorf("environment changed but could not be saved: %w", err)
	}
	return nil
}

// currentUser resolves who is invoking the command, for the audit trail.
func currentUser() string {
	if u, err := user.Current(); err == nil && u.Username != "" {
		return u.Username
	}
	return os.Getenv("USER")
}

// printJSON writes v to stdout as indented JSON.
func printJSON(v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

// printEvent renders one execution event as a progress line.
func printEvent(event *engine.Event) {
	switch event.Type {
	case engine.EventTypeStageStarted, engine.EventTypeRollbackStarted:
		fmt.Printf("→ %s\n", event.Message)
	case engine.EventTypeStageVerified, engine.EventTypeRollbackCompleted, engine.EventTypeRunCompleted:
		fmt.Printf("✓ %s\n", event.Message)
	case engine.EventTypeStageFailed, engine.EventTypeRunFailed, engine.EventTypeError:
		fmt.Printf("✗ %s\n", event.Message)
	case engine.EventTypeDriftDetected, engine.EventTypePolicyViolation, engine.EventTypeWarning:
		fmt.Printf("! %s\n", event.Message)
	default:
		fmt.Printf("  %s\n", event.Message)
	}
}

// watchEvents subscribes to the execution event stream and prints
// progress lines until stopped. The returned stop function unsubscribes
// and waits for the printer to drain.
func watchEvents(ctx context.Context, publisher engine.EventPublisher) (func(), error) {
	subID, events, err := publisher.Subscribe(ctx, engine.EventFilter{})
	if err != nil {
		return nil, err
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for event := range events {
			printEvent(&event)
		}
	}()

	return func() {
		_ = publisher.Unsubscribe(context.Background(), subID)
		<-done
	}, nil
}
