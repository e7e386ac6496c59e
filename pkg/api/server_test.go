package api

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRouter(t *testing.T) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	// Handlers that validate input before touching backends are testable
	// with a bare server.
	s := NewServer(nil, nil, nil, nil, nil)
	return s.Router()
}

func do(t *testing.T, router *gin.Engine, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestCreateSessionRejectsMalformedBody(t *testing.T) {
	router := testRouter(t)
	w := do(t, router, http.MethodPost, "/api/v1/sessions", "{not json")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCreateSessionRequiresFields(t *testing.T) {
	router := testRouter(t)
	w := do(t, router, http.MethodPost, "/api/v1/sessions", `{"name": "only-name"}`)
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "Image")
}

func TestForcedDestroyRequiresSuperadmin(t *testing.T) {
	router := testRouter(t)
	w := do(t, router, http.MethodDelete, "/api/v1/sessions/s-1?forced=true", "")
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestExecuteRequiresMode(t *testing.T) {
	router := testRouter(t)
	w := do(t, router, http.MethodPost, "/api/v1/sessions/s-1/execute", `{"code": "1+1"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestDownloadRequiresFileParam(t *testing.T) {
	router := testRouter(t)
	w := do(t, router, http.MethodGet, "/api/v1/sessions/s-1/files/download", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestListAgentsRejectsUnknownStatus(t *testing.T) {
	router := testRouter(t)
	w := do(t, router, http.MethodGet, "/api/v1/agents?status=SLEEPING", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRecalcRequiresSuperadmin(t *testing.T) {
	router := testRouter(t)
	w := do(t, router, http.MethodPost, "/api/v1/admin/recalc", "")
	assert.Equal(t, http.StatusForbidden, w.Code)
}
