// Package agent provides the manager-side view of compute agents: the
// process-local peer cache and the NATS RPC client with per-order-key FIFO
// call ordering.
package agent

import (
	"errors"
	"fmt"
	"strings"
)

// Error kinds. TIMEOUT means the transport gave up (no responder, request
// timeout); FAILURE means the agent replied with a business error.
const (
	ErrKindTimeout = "TIMEOUT"
	ErrKindFailure = "FAILURE"
)

// Error is a failed agent call. Name/Repr carry the remote exception
// identity for FAILURE errors so operators can see what the agent raised.
type Error struct {
	Kind    string
	AgentID string
	Name    string
	Repr    string
}

func (e *Error) Error() string {
	if e.Kind == ErrKindTimeout {
		return fmt.Sprintf("agent %s: rpc timeout", e.AgentID)
	}
	return fmt.Sprintf("agent %s: %s: %s", e.AgentID, e.Name, e.Repr)
}

// IsTimeout reports whether err is an agent transport timeout.
func IsTimeout(err error) bool {
	var ae *Error
	return errors.As(err, &ae) && ae.Kind == ErrKindTimeout
}

// MultiError collects per-agent failures from a fan-out call such as
// create_kernels across several agents.
type MultiError struct {
	Errors []error
}

func (m *MultiError) Error() string {
	parts := make([]string, len(m.Errors))
	for i, err := range m.Errors {
		parts[i] = err.Error()
	}
	return fmt.Sprintf("%d agent error(s): %s", len(m.Errors), strings.Join(parts, "; "))
}

// Unwrap exposes the sub-errors to errors.Is/As.
func (m *MultiError) Unwrap() []error {
	return m.Errors
}

// ErrorStatusData renders err into the status_data.error JSON shape.
func ErrorStatusData(err error) map[string]any {
	var multi *MultiError
	if errors.As(err, &multi) {
		collection := make([]map[string]any, len(multi.Errors))
		for i, sub := range multi.Errors {
			collection[i] = ErrorStatusData(sub)["error"].(map[string]any)
		}
		return map[string]any{
			"error": map[string]any{
				"src":        "agent",
				"name":       "MultiAgentError",
				"repr":       multi.Error(),
				"collection": collection,
			},
		}
	}
	var ae *Error
	if errors.As(err, &ae) {
		name := ae.Name
		if name == "" {
			name = ae.Kind
		}
		return map[string]any{
			"error": map[string]any{
				"src":      "agent",
				"name":     name,
				"repr":     ae.Error(),
				"agent_id": ae.AgentID,
			},
		}
	}
	return map[string]any{
		"error": map[string]any{
			"src":  "other",
			"name": fmt.Sprintf("%T", err),
			"repr": err.Error(),
		},
	}
}
