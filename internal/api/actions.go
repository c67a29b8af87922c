package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/opencode/opencode-dashboard/internal/lifecycle"
)

func (s *Server) heartbeat(c *gin.Context) {
	if err := s.lifecycle.RefreshHeartbeat(c.Request.Context(), c.Param("id")); err != nil {
		s.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type blockRequest struct {
	TaskID string `json:"taskId" binding:"required"`
	Source string `json:"source" binding:"required"`
	Reason string `json:"reason" binding:"required"`
}

func (s *Server) reportBlocked(c *gin.Context) {
	var req blockRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	if !lifecycle.ValidBlockSource(req.Source) {
		badRequest(c, "unknown block source: "+req.Source)
		return
	}

	err := s.lifecycle.DetectBlocked(c.Request.Context(), c.Param("id"), lifecycle.BlockReport{
		TaskID: req.TaskID,
		Source: req.Source,
		Reason: req.Reason,
	})
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"ok": true})
}

type taskRefRequest struct {
	TaskID string `json:"taskId" binding:"required"`
}

func (s *Server) reportError(c *gin.Context) {
	var req taskRefRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}

	triggered, err := s.lifecycle.RecordError(c.Request.Context(), c.Param("id"), req.TaskID)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"triggered": triggered})
}

func (s *Server) completeTask(c *gin.Context) {
	var req taskRefRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}

	agent, task, err := s.lifecycle.CompleteTask(c.Request.Context(), c.Param("id"), req.TaskID)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"agent": agent, "task": task})
}

type actionRequest struct {
	Action string `json:"action" binding:"required"`
	Reason string `json:"reason"`
}

func (s *Server) agentAction(c *gin.Context) {
	var req actionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	agentID := c.Param("id")
	ctx := c.Request.Context()

	switch req.Action {
	case "sleep":
		reason := req.Reason
		if reason == "" {
			reason = "manual"
		}
		if err := s.lifecycle.TriggerSleep(ctx, agentID, reason); err != nil {
			s.respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"ok": true})

	case "wake":
		if err := s.lifecycle.TriggerWake(ctx, agentID); err != nil {
			s.respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"ok": true})

	case "stop":
		cancelled, err := s.lifecycle.StopAgent(ctx, agentID)
		if err != nil {
			s.respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"ok": true, "cancelled_tasks": cancelled})

	case "unblock":
		task, err := s.lifecycle.Unblock(ctx, agentID)
		if err != nil {
			s.respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"ok": true, "task": task})

	case "restart":
		if err := s.lifecycle.RestartAgent(ctx, agentID); err != nil {
			s.respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"ok": true})

	default:
		badRequest(c, "action must be sleep, wake, stop, unblock, or restart")
	}
}
