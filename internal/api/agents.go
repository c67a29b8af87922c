package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/opencode/opencode-dashboard/internal/store"
)

type createAgentRequest struct {
	ID            string                 `json:"id"`
	Name          string                 `json:"name" binding:"required"`
	Type          string                 `json:"type"`
	ParentAgentID *string                `json:"parent_agent_id"`
	SoulMD        string                 `json:"soul_md"`
	Skills        []string               `json:"skills"`
	Config        map[string]interface{} `json:"config"`
}

func (s *Server) createAgent(c *gin.Context) {
	var req createAgentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	agentType := store.AgentType(req.Type)
	if req.Type != "" && agentType != store.AgentTypePrimary && agentType != store.AgentTypeSubAgent {
		badRequest(c, "type must be primary or sub-agent")
		return
	}

	agent, err := s.lifecycle.RegisterAgent(c.Request.Context(), &store.Agent{
		ID:            req.ID,
		Name:          req.Name,
		Type:          agentType,
		ParentAgentID: req.ParentAgentID,
		SoulMD:        req.SoulMD,
		Skills:        req.Skills,
		Config:        req.Config,
	})
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, agent)
}

func (s *Server) listAgents(c *gin.Context) {
	var filter store.AgentFilter
	if v := c.Query("status"); v != "" {
		status := store.AgentStatus(v)
		filter.Status = &status
	}
	if v := c.Query("type"); v != "" {
		agentType := store.AgentType(v)
		filter.Type = &agentType
	}
	if v := c.Query("parent_agent_id"); v != "" {
		parent := v
		filter.ParentID = &parent
	}

	agents, err := s.store.ListAgents(c.Request.Context(), filter)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"agents": agents, "total": len(agents)})
}

func (s *Server) getAgent(c *gin.Context) {
	agent, err := s.store.GetAgent(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, agent)
}

type updateAgentRequest struct {
	Name   *string                 `json:"name"`
	SoulMD *string                 `json:"soul_md"`
	Skills *[]string               `json:"skills"`
	Config *map[string]interface{} `json:"config"`
}

func (s *Server) updateAgent(c *gin.Context) {
	var req updateAgentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	if req.Name != nil && *req.Name == "" {
		badRequest(c, "name must not be empty")
		return
	}

	agent, err := s.store.UpdateAgent(c.Request.Context(), c.Param("id"), store.AgentUpdate{
		Name:   req.Name,
		SoulMD: req.SoulMD,
		Skills: req.Skills,
		Config: req.Config,
	})
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, agent)
}

func (s *Server) deleteAgent(c *gin.Context) {
	if err := s.lifecycle.RemoveAgent(c.Request.Context(), c.Param("id")); err != nil {
		s.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
