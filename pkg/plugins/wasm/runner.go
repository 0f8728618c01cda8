// Package wasm runs verification check plugins inside a WASI sandbox.
// Every call gets a fresh runtime with no filesystem or network access,
// so plugin checks are read-only by construction: everything a plugin
// knows arrives in the request, and everything it says leaves in the
// response.
package wasm

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"github.com/tetratelabs/wazero/sys"

	"github.com/piwi3910/cascade/pkg/plugins/wasm/protocol"
	"github.com/piwi3910/cascade/pkg/telemetry"
)

// RunnerConfig contains configuration for the plugin runner.
type RunnerConfig struct {
	// Timeout bounds a plugin call when the context has no deadline.
	Timeout time.Duration

	// MemoryLimitPages is the maximum module memory in pages (64KB
	// each). Default is 256 pages (16MB).
	MemoryLimitPages uint32
}

// Runner executes WASM check plugins.
type Runner struct {
	logger           *telemetry.Logger
	timeout          time.Duration
	memoryLimitPages uint32
}

// NewRunner creates a plugin runner.
func NewRunner(cfg *RunnerConfig, logger *telemetry.Logger) *Runner {
	if cfg == nil {
		cfg = &RunnerConfig{}
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MemoryLimitPages == 0 {
		cfg.MemoryLimitPages = 256 // 16MB
	}

	return &Runner{
		logger:           logger.WithComponent("wasm-runner"),
		timeout:          cfg.Timeout,
		memoryLimitPages: cfg.MemoryLimitPages,
	}
}

// Run loads the plugin at path and evaluates one request against it.
// The request goes to the module's stdin as JSON and the response is
// read back from its stdout. A fail or error verdict from the plugin
// comes back as a Response, not an error; errors mean the plugin could
// not be run or broke protocol.
func (r *Runner) Run(ctx context.Context, path string, req *protocol.Request) (*protocol.Response, error) {
	if _, ok := ctx.Deadline(); !ok && r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	var stdin bytes.Buffer
	if err := protocol.NewEncoder(&stdin).EncodeRequest(req); err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}

	moduleBytes, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read plugin module: %w", err)
	}

	runtimeConfig := wazero.NewRuntimeConfig().
		WithMemoryLimitPages(r.memoryLimitPages).
		WithCloseOnContextDone(true)

	runtime := wazero.NewRuntimeWithConfig(ctx, runtimeConfig)
	defer runtime.Close(context.Background())

	if _, err := wasi_snapshot_preview1.Instantiate(ctx, runtime); err != nil {
		return nil, fmt.Errorf("failed to instantiate WASI: %w", err)
	}

	var stdout, stderr bytes.Buffer
	moduleConfig := wazero.NewModuleConfig().
		WithArgs(filepath.Base(path)).
		WithStdin(&stdin).
		WithStdout(&stdout).
		WithStderr(&stderr)

	startedAt := time.Now()

	_, err = runtime.InstantiateWithConfig(ctx, moduleBytes, moduleConfig)
	if err != nil {
		var exitErr *sys.ExitError
		switch {
		case errors.As(err, &exitErr) && exitErr.ExitCode() == 0:
			// Normal termination
		case ctx.Err() != nil:
			return nil, fmt.Errorf("plugin %s timed out: %w", req.Name, ctx.Err())
		case errors.As(err, &exitErr):
			return nil, fmt.Errorf("plugin %s exited with code %d: %s", req.Name, exitErr.ExitCode(), strings.TrimSpace(stderr.String()))
		default:
			return nil, fmt.Errorf("plugin %s failed: %w", req.Name, err)
		}
	}

	if stderr.Len() > 0 {
		r.logger.WithFields(map[string]interface{}{
			"plugin": req.Name,
			"stderr": strings.TrimSpace(stderr.String()),
		}).Debug("plugin wrote diagnostics")
	}

	resp, err := protocol.NewDecoder(&stdout).DecodeResponse()
	if err != nil {
		return nil, fmt.Errorf("plugin %s wrote an invalid response: %w", req.Name, err)
	}

	r.logger.WithFields(map[string]interface{}{
		"plugin":   req.Name,
		"stage":    req.StageID,
		"status":   string(resp.Status),
		"duration": time.Since(startedAt).String(),
	}).Debug("plugin check evaluated")

	return resp, nil
}
