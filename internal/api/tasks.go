package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/opencode/opencode-dashboard/internal/events"
	"github.com/opencode/opencode-dashboard/internal/lifecycle"
	"github.com/opencode/opencode-dashboard/internal/store"
)

type createTaskRequest struct {
	TaskID        string  `json:"taskId"`
	Title         string  `json:"title" binding:"required"`
	Priority      string  `json:"priority"`
	LinearIssueID *string `json:"linearIssueId"`
	ProjectID     *string `json:"projectId"`
}

func (s *Server) createTask(c *gin.Context) {
	var req createTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	priority, ok := parsePriority(req.Priority)
	if !ok {
		badRequest(c, "priority must be high, medium, or low")
		return
	}

	task, err := s.lifecycle.AssignTask(c.Request.Context(), c.Param("id"), lifecycle.AssignRequest{
		TaskID:        req.TaskID,
		Title:         req.Title,
		Priority:      priority,
		LinearIssueID: req.LinearIssueID,
		ProjectID:     req.ProjectID,
	})
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, task)
}

// assignTask is the agent-hook flavour of task creation. Same semantics as
// createTask under a different path, kept for the hook contract.
func (s *Server) assignTask(c *gin.Context) {
	s.createTask(c)
}

type updateTaskRequest struct {
	Status   string  `json:"status"`
	Title    *string `json:"title"`
	Priority *string `json:"priority"`
	Reason   string  `json:"reason"`
}

// updateTask edits task fields and drives status transitions. Status changes
// go through the lifecycle manager so the watchdogs and alerts stay coherent;
// plain field edits go straight to the store.
func (s *Server) updateTask(c *gin.Context) {
	var req updateTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	agentID := c.Param("id")
	taskID := c.Param("taskId")
	ctx := c.Request.Context()

	switch store.TaskStatus(req.Status) {
	case "":
	case store.TaskInProgress:
		task, err := s.lifecycle.StartTask(ctx, agentID, taskID)
		if err != nil {
			s.respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, task)
		return
	case store.TaskCompleted:
		_, task, err := s.lifecycle.CompleteTask(ctx, agentID, taskID)
		if err != nil {
			s.respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, task)
		return
	case store.TaskBlocked:
		reason := req.Reason
		if reason == "" {
			reason = "blocked via task update"
		}
		err := s.lifecycle.DetectBlocked(ctx, agentID, lifecycle.BlockReport{
			TaskID: taskID,
			Source: lifecycle.SourceExplicit,
			Reason: reason,
		})
		if err != nil {
			s.respondError(c, err)
			return
		}
		task, err := s.store.GetTask(ctx, taskID)
		if err != nil {
			s.respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, task)
		return
	default:
		badRequest(c, "status must be in_progress, blocked, or completed")
		return
	}

	update := store.TaskUpdate{Title: req.Title}
	if req.Priority != nil {
		priority, ok := parsePriority(*req.Priority)
		if !ok || priority == "" {
			badRequest(c, "priority must be high, medium, or low")
			return
		}
		update.Priority = &priority
	}
	task, err := s.store.UpdateTask(ctx, taskID, update)
	if err != nil {
		s.respondError(c, err)
		return
	}
	s.publish(c, events.TodoUpdated, map[string]interface{}{
		"agent_id": agentID,
		"task_id":  task.ID,
	})
	c.JSON(http.StatusOK, task)
}

func (s *Server) deleteTask(c *gin.Context) {
	taskID := c.Param("taskId")
	if err := s.store.DeleteTask(c.Request.Context(), taskID); err != nil {
		s.respondError(c, err)
		return
	}
	s.publish(c, events.TodoDeleted, map[string]interface{}{
		"agent_id": c.Param("id"),
		"task_id":  taskID,
	})
	c.Status(http.StatusNoContent)
}

// parsePriority validates the wire value. Empty means caller default.
func parsePriority(raw string) (store.Priority, bool) {
	switch p := store.Priority(raw); p {
	case "", store.PriorityHigh, store.PriorityMedium, store.PriorityLow:
		return p, true
	}
	return "", false
}
