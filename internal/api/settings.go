package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/opencode/opencode-dashboard/internal/lifecycle"
	"github.com/opencode/opencode-dashboard/internal/store"
)

func (s *Server) getSleepSchedule(c *gin.Context) {
	schedule, err := s.lifecycle.GetSleepSchedule(c.Request.Context())
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, schedule)
}

type sleepScheduleRequest struct {
	StartHour int    `json:"start_hour"`
	EndHour   int    `json:"end_hour"`
	Timezone  string `json:"timezone" binding:"required"`
	Enabled   bool   `json:"enabled"`
}

func (s *Server) putSleepSchedule(c *gin.Context) {
	var req sleepScheduleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}

	schedule := &store.SleepSchedule{
		StartHour: req.StartHour,
		EndHour:   req.EndHour,
		Timezone:  req.Timezone,
		Enabled:   req.Enabled,
	}
	if err := s.lifecycle.SetSleepSchedule(c.Request.Context(), schedule); err != nil {
		if errors.Is(err, lifecycle.ErrInvalidSchedule) {
			badRequest(c, err.Error())
			return
		}
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, schedule)
}
