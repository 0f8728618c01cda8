// Package main implements the envprobe check plugin for cascade.
// It asserts that required configuration keys are present and non-empty
// in the stage environment, and compiles to WASM (GOOS=wasip1
// GOARCH=wasm) for sandboxed execution.
package main

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/piwi3910/cascade/pkg/plugins/wasm/protocol"
)

// Params configures which keys envprobe asserts.
type Params struct {
	// Required lists the env keys that must be present and non-empty.
	Required []string `json:"required"`
}

func main() {
	if err := run(os.Stdin, os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// run decodes one request, evaluates it, and writes one response.
// Protocol problems come back as an error response where possible so
// the host sees a verdict rather than a broken pipe.
func run(in io.Reader, out io.Writer) error {
	encoder := protocol.NewEncoder(out)

	req, err := protocol.NewDecoder(in).DecodeRequest()
	if err != nil {
		return encoder.EncodeResponse(&protocol.Response{
			Status:  protocol.StatusError,
			Message: fmt.Sprintf("failed to decode request: %v", err),
		})
	}

	return encoder.EncodeResponse(evaluate(req))
}

// evaluate applies the probe to the request's environment.
func evaluate(req *protocol.Request) *protocol.Response {
	var params Params
	if err := protocol.ParseParams(req.Params, &params); err != nil {
		return &protocol.Response{
			Status:  protocol.StatusError,
			Message: err.Error(),
		}
	}

	if len(params.Required) == 0 {
		return &protocol.Response{
			Status:  protocol.StatusError,
			Message: `envprobe params need a non-empty "required" key list`,
		}
	}

	var missing, empty []string
	for _, key := range params.Required {
		value, ok := req.Env[key]
		switch {
		case !ok:
			missing = append(missing, key)
		case strings.TrimSpace(value) == "":
			empty = append(empty, key)
		}
	}
	sort.Strings(missing)
	sort.Strings(empty)

	evidence := map[string]interface{}{
		"checked": len(params.Required),
	}
	if len(missing) > 0 {
		evidence["missing"] = missing
	}
	if len(empty) > 0 {
		evidence["empty"] = empty
	}

	if len(missing) == 0 && len(empty) == 0 {
		return &protocol.Response{
			Status:   protocol.StatusPass,
			Evidence: evidence,
		}
	}

	var parts []string
	if len(missing) > 0 {
		parts = append(parts, "missing keys: "+strings.Join(missing, ", "))
	}
	if len(empty) > 0 {
		parts = append(parts, "empty keys: "+strings.Join(empty, ", "))
	}

	return &protocol.Response{
		Status:   protocol.StatusFail,
		Message:  strings.Join(parts, "; "),
		Evidence: evidence,
	}
}
