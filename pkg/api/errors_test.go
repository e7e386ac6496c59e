package api

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"

	"github.com/peregrinehq/peregrine/pkg/agent"
	"github.com/peregrinehq/peregrine/pkg/registry"
)

func statusFor(t *testing.T, err error) int {
	t.Helper()
	gin.SetMode(gin.TestMode)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	respondError(c, err)
	return w.Code
}

func TestRespondErrorMapping(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{&registry.ValidationError{Field: "name", Msg: "empty"}, http.StatusBadRequest},
		{&registry.NotFoundError{Entity: "session", ID: "x"}, http.StatusNotFound},
		{registry.ErrSessionAlreadyExists, http.StatusConflict},
		{&registry.QuotaError{Msg: "too many"}, http.StatusPreconditionFailed},
		{registry.ErrSessionNotRunning, http.StatusConflict},
		{registry.ErrDestroyNotAllowed, http.StatusConflict},
		{registry.ErrRejectedByHook, http.StatusForbidden},
		{&agent.Error{Kind: agent.ErrKindTimeout, AgentID: "i-1"}, http.StatusGatewayTimeout},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, statusFor(t, tc.err), "error %v", tc.err)
	}
}

func TestRespondErrorWrappedStillMatches(t *testing.T) {
	err := errors.Join(errors.New("context"), registry.ErrQuotaExceeded)
	assert.Equal(t, http.StatusPreconditionFailed, statusFor(t, err))
}
