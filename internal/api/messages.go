package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/opencode/opencode-dashboard/internal/events"
	"github.com/opencode/opencode-dashboard/internal/store"
)

const defaultMessageLimit = 100

func (s *Server) listMessages(c *gin.Context) {
	filter := store.MessageFilter{
		UnreadOnly: c.Query("unread") == "true",
		Type:       c.Query("type"),
		Limit:      defaultMessageLimit,
	}
	if raw := c.Query("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			badRequest(c, "limit must be a positive integer")
			return
		}
		if limit > 1000 {
			limit = 1000
		}
		filter.Limit = limit
	}

	messages, err := s.store.ListMessages(c.Request.Context(), filter)
	if err != nil {
		s.respondError(c, err)
		return
	}
	if messages == nil {
		messages = []*store.Message{}
	}
	c.JSON(http.StatusOK, gin.H{"messages": messages, "total": len(messages)})
}

func (s *Server) markMessageRead(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		badRequest(c, "message id must be an integer")
		return
	}

	if err := s.store.MarkMessageRead(c.Request.Context(), id); err != nil {
		s.respondError(c, err)
		return
	}
	s.publish(c, events.MessageRead, map[string]interface{}{"message_id": id})
	c.JSON(http.StatusOK, gin.H{"ok": true})
}
