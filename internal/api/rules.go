package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/opencode/opencode-dashboard/internal/store"
)

func (s *Server) listAlertRules(c *gin.Context) {
	rules, err := s.store.ListAlertRules(c.Request.Context())
	if err != nil {
		s.respondError(c, err)
		return
	}
	if rules == nil {
		rules = []*store.AlertRule{}
	}
	c.JSON(http.StatusOK, gin.H{"rules": rules, "total": len(rules)})
}

type updateAlertRuleRequest struct {
	Enabled *bool   `json:"enabled"`
	DelayMS *int64  `json:"delay_ms"`
	Channel *string `json:"channel"`
}

func (s *Server) updateAlertRule(c *gin.Context) {
	var req updateAlertRuleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	if req.DelayMS != nil && *req.DelayMS < 0 {
		badRequest(c, "delay_ms must not be negative")
		return
	}

	update := store.AlertRuleUpdate{Enabled: req.Enabled, DelayMS: req.DelayMS}
	if req.Channel != nil {
		channel := store.Channel(*req.Channel)
		switch channel {
		case store.ChannelPush, store.ChannelInApp, store.ChannelBoth:
		default:
			badRequest(c, "channel must be push, in_app, or both")
			return
		}
		update.Channel = &channel
	}

	rule, err := s.store.UpdateAlertRule(c.Request.Context(), c.Param("id"), update)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, rule)
}
