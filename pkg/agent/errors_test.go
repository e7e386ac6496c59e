package agent

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsTimeout(t *testing.T) {
	timeout := &Error{Kind: ErrKindTimeout, AgentID: "i-ag01", Name: "create_kernels"}
	failure := &Error{Kind: ErrKindFailure, AgentID: "i-ag01", Name: "RuntimeError", Repr: "boom"}

	assert.True(t, IsTimeout(timeout))
	assert.True(t, IsTimeout(fmt.Errorf("wrapped: %w", timeout)))
	assert.False(t, IsTimeout(failure))
	assert.False(t, IsTimeout(errors.New("plain")))
}

func TestMultiErrorUnwrap(t *testing.T) {
	inner := &Error{Kind: ErrKindTimeout, AgentID: "i-ag02"}
	multi := &MultiError{Errors: []error{
		&Error{Kind: ErrKindFailure, AgentID: "i-ag01", Name: "RuntimeError", Repr: "boom"},
		inner,
	}}

	assert.True(t, errors.Is(multi, inner))
	var ae *Error
	assert.True(t, errors.As(multi, &ae))
	assert.Contains(t, multi.Error(), "2 agent error(s)")
}

func TestErrorStatusData(t *testing.T) {
	data := ErrorStatusData(&Error{
		Kind: ErrKindFailure, AgentID: "i-ag01",
		Name: "RuntimeError", Repr: "boom",
	})
	inner, ok := data["error"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "agent", inner["src"])
	assert.Equal(t, "RuntimeError", inner["name"])
	assert.Equal(t, "i-ag01", inner["agent_id"])
}

func TestErrorStatusDataMulti(t *testing.T) {
	multi := &MultiError{Errors: []error{
		&Error{Kind: ErrKindTimeout, AgentID: "i-ag01", Name: "create_kernels"},
		&Error{Kind: ErrKindFailure, AgentID: "i-ag02", Name: "RuntimeError", Repr: "boom"},
	}}

	data := ErrorStatusData(multi)
	inner := data["error"].(map[string]any)
	assert.Equal(t, "MultiAgentError", inner["name"])
	collection, ok := inner["collection"].([]map[string]any)
	require.True(t, ok)
	require.Len(t, collection, 2)
	assert.Equal(t, "i-ag01", collection[0]["agent_id"])
	assert.Equal(t, "RuntimeError", collection[1]["name"])
}

func TestErrorStatusDataPlainError(t *testing.T) {
	data := ErrorStatusData(errors.New("disk full"))
	inner := data["error"].(map[string]any)
	assert.Equal(t, "other", inner["src"])
	assert.Equal(t, "disk full", inner["repr"])
}
