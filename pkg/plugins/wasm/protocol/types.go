// Package protocol defines the JSON-over-stdio contract between
// cascade and WASM check plugins. The host writes one Request to the
// plugin's stdin; the plugin writes one Response to stdout. Plugins
// must keep stdout clean of anything else; stderr is free for
// diagnostics.
package protocol

import (
	"encoding/json"
	"fmt"
)

// Version is the protocol version spoken by this host.
const Version = 1

// RequestKind identifies what the host is asking the plugin to do.
type RequestKind string

const (
	// KindCheck asks the plugin to evaluate one verification check
	KindCheck RequestKind = "check"
)

// Status is the plugin's verdict on a check.
type Status string

const (
	// StatusPass means the condition holds
	StatusPass Status = "pass"
	// StatusFail means the condition does not hold
	StatusFail Status = "fail"
	// StatusError means the plugin could not evaluate the condition
	StatusError Status = "error"
)

// Request is the message written to the plugin's stdin.
type Request struct {
	// Version is the protocol version of the host
	Version int `json:"version"`

	// Kind is the kind of request
	Kind RequestKind `json:"kind"`

	// Name is the check name from the pipeline definition
	Name string `json:"name"`

	// StageID is the stage the check belongs to
	StageID string `json:"stage_id,omitempty"`

	// Env is the stage's view of the environment store
	Env map[string]string `json:"env,omitempty"`

	// Params carries plugin-specific configuration
	Params json.RawMessage `json:"params,omitempty"`
}

// Response is the message read from the plugin's stdout.
type Response struct {
	// Status is the verdict
	Status Status `json:"status"`

	// Message explains a fail or error verdict
	Message string `json:"message,omitempty"`

	// Evidence captures what the plugin observed
	Evidence map[string]interface{} `json:"evidence,omitempty"`
}

// Validate checks if the request kind is valid.
func (k RequestKind) Validate() error {
	switch k {
	case KindCheck:
		return nil
	default:
		return fmt.Errorf("invalid request kind: %s", k)
	}
}

// Validate checks if the status is valid.
func (s Status) Validate() error {
	switch s {
	case StatusPass, StatusFail, StatusError:
		return nil
	default:
		return fmt.Errorf("invalid status: %s", s)
	}
}

// Validate checks if the request is well formed.
func (r *Request) Validate() error {
	if r.Version != Version {
		return fmt.Errorf("unsupported protocol version: %d", r.Version)
	}
	if err := r.Kind.Validate(); err != nil {
		return err
	}
	if r.Name == "" {
		return fmt.Errorf("check name is required")
	}
	return nil
}

// Validate checks if the response is well formed.
func (r *Response) Validate() error {
	if err := r.Status.Validate(); err != nil {
		return err
	}
	return nil
}

// ParseParams parses request params into a plugin-specific type.
func ParseParams(params json.RawMessage, target interface{}) error {
	if len(params) == 0 {
		return nil
	}
	if err := json.Unmarshal(params, target); err != nil {
		return fmt.Errorf("failed to parse params: %w", err)
	}
	return nil
}
