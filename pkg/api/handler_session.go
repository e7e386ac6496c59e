package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/peregrinehq/peregrine/pkg/registry"
	"github.com/peregrinehq/peregrine/pkg/store"
	"github.com/peregrinehq/peregrine/pkg/types"
)

// createSessionHandler handles POST /api/v1/sessions.
func (s *Server) createSessionHandler(c *gin.Context) {
	var req CreateSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	result, err := s.registry.CreateSession(c.Request.Context(), req.toRegistry())
	if err != nil {
		respondError(c, err)
		return
	}

	status := http.StatusCreated
	if result.Status == string(types.SessionRunning) {
		status = http.StatusOK
	}
	c.JSON(status, createSessionResponse(result))
}

// getSessionHandler handles GET /api/v1/sessions/:id.
func (s *Server) getSessionHandler(c *gin.Context) {
	sess, err := s.store.GetSession(c.Request.Context(), c.Param("id"))
	if errors.Is(err, store.ErrNoRows) {
		respondError(c, &registry.NotFoundError{Entity: "session", ID: c.Param("id")})
		return
	}
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, sessionResponse(sess))
}

// destroySessionHandler handles DELETE /api/v1/sessions/:id. The forced
// query parameter requires the superadmin role header.
func (s *Server) destroySessionHandler(c *gin.Context) {
	forced, _ := strconv.ParseBool(c.Query("forced"))
	opts := registry.DestroyOptions{
		Forced:     forced,
		Reason:     types.LifecycleReason(c.Query("reason")),
		Superadmin: c.GetHeader("X-Role") == "superadmin",
	}
	if forced && !opts.Superadmin {
		c.JSON(http.StatusForbidden, gin.H{"error": "forced destruction requires the superadmin role"})
		return
	}

	sess, err := s.registry.DestroySession(c.Request.Context(), c.Param("id"), opts)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"session_id": sess.ID,
		"status":     string(sess.Status),
	})
}

// restartSessionHandler handles POST /api/v1/sessions/:id/restart.
func (s *Server) restartSessionHandler(c *gin.Context) {
	if err := s.registry.RestartSession(c.Request.Context(), c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "restarted"})
}

// interruptSessionHandler handles POST /api/v1/sessions/:id/interrupt.
func (s *Server) interruptSessionHandler(c *gin.Context) {
	if err := s.registry.Interrupt(c.Request.Context(), c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "interrupted"})
}

// executeHandler handles POST /api/v1/sessions/:id/execute.
func (s *Server) executeHandler(c *gin.Context) {
	var req ExecuteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.RunID == "" {
		req.RunID = uuid.NewString()
	}
	if req.FlushTimeout <= 0 {
		req.FlushTimeout = 2.0
	}

	result, err := s.registry.Execute(c.Request.Context(), c.Param("id"),
		req.RunID, req.Mode, req.Code, req.Options, req.FlushTimeout)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"run_id": req.RunID, "result": result})
}

// completeHandler handles POST /api/v1/sessions/:id/complete.
func (s *Server) completeHandler(c *gin.Context) {
	var req CompleteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	result, err := s.registry.GetCompletions(c.Request.Context(), c.Param("id"),
		req.Text, req.Options)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// getLogsHandler handles GET /api/v1/sessions/:id/logs.
func (s *Server) getLogsHandler(c *gin.Context) {
	logs, err := s.registry.GetLogs(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"result": logs})
}

// commitSessionHandler handles POST /api/v1/sessions/:id/commit.
func (s *Server) commitSessionHandler(c *gin.Context) {
	var req CommitRequest
	if err := c.ShouldBindJSON(&req); err != nil && c.Request.ContentLength > 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	result, err := s.registry.CommitSession(c.Request.Context(), c.Param("id"), req.ExtraLabels)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// startServiceHandler handles POST /api/v1/sessions/:id/services/:service/start.
func (s *Server) startServiceHandler(c *gin.Context) {
	var req ServiceRequest
	if err := c.ShouldBindJSON(&req); err != nil && c.Request.ContentLength > 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	result, err := s.registry.StartService(c.Request.Context(), c.Param("id"),
		c.Param("service"), req.Options)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// shutdownServiceHandler handles POST /api/v1/sessions/:id/services/:service/shutdown.
func (s *Server) shutdownServiceHandler(c *gin.Context) {
	err := s.registry.ShutdownService(c.Request.Context(), c.Param("id"), c.Param("service"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "shutdown"})
}

// uploadFileHandler handles POST /api/v1/sessions/:id/files/upload.
func (s *Server) uploadFileHandler(c *gin.Context) {
	var req UploadFileRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	err := s.registry.UploadFile(c.Request.Context(), c.Param("id"), req.Filename, req.Payload)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "uploaded"})
}

// downloadFileHandler handles GET /api/v1/sessions/:id/files/download.
func (s *Server) downloadFileHandler(c *gin.Context) {
	filePath := c.Query("file")
	if filePath == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "file query parameter is required"})
		return
	}

	data, err := s.registry.DownloadFile(c.Request.Context(), c.Param("id"), filePath)
	if err != nil {
		respondError(c, err)
		return
	}
	c.Data(http.StatusOK, "application/octet-stream", data)
}

// listFilesHandler handles GET /api/v1/sessions/:id/files.
func (s *Server) listFilesHandler(c *gin.Context) {
	path := c.Query("path")
	if path == "" {
		path = "."
	}

	result, err := s.registry.ListFiles(c.Request.Context(), c.Param("id"), path)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}
