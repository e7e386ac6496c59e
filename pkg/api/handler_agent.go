package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/peregrinehq/peregrine/pkg/registry"
	"github.com/peregrinehq/peregrine/pkg/store"
	"github.com/peregrinehq/peregrine/pkg/types"
)

// listAgentsHandler handles GET /api/v1/agents. The status query parameter
// defaults to ALIVE.
func (s *Server) listAgentsHandler(c *gin.Context) {
	status := types.AgentStatus(c.DefaultQuery("status", string(types.AgentAlive)))
	switch status {
	case types.AgentAlive, types.AgentLost, types.AgentRestarting, types.AgentTerminated:
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid status: " + string(status)})
		return
	}

	agents, err := s.store.ListAgentsByStatus(c.Request.Context(), status)
	if err != nil {
		respondError(c, err)
		return
	}

	out := make([]AgentResponse, len(agents))
	for i, a := range agents {
		out[i] = agentResponse(a)
	}
	c.JSON(http.StatusOK, gin.H{"agents": out})
}

// getAgentHandler handles GET /api/v1/agents/:id.
func (s *Server) getAgentHandler(c *gin.Context) {
	a, err := s.store.GetAgent(c.Request.Context(), c.Param("id"))
	if errors.Is(err, store.ErrNoRows) {
		respondError(c, &registry.NotFoundError{Entity: "agent", ID: c.Param("id")})
		return
	}
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, agentResponse(a))
}

// recalcHandler handles POST /api/v1/admin/recalc: recomputes agent
// occupancy and keypair concurrency from the database.
func (s *Server) recalcHandler(c *gin.Context) {
	if c.GetHeader("X-Role") != "superadmin" {
		c.JSON(http.StatusForbidden, gin.H{"error": "recalculation requires the superadmin role"})
		return
	}
	if err := s.registry.RecalcResourceUsage(c.Request.Context()); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "recalculated"})
}
