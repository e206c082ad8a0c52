package api

import (
	"fmt"
	"strconv"

	"github.com/auroraphtgrp01/go-dump-postgres/internal/scheduler"

	"github.com/labstack/echo/v4"
)

type scheduleRequest struct {
	ProfileID    int64  `json:"profile_id"`
	CronSchedule string `json:"cron_schedule"`
}

func bindSchedule(c echo.Context) (scheduleRequest, error) {
	var req scheduleRequest
	if err := c.Bind(&req); err != nil {
		return req, badRequest("invalid request body")
	}
	if req.ProfileID <= 0 {
		return req, badRequest("profile_id is required")
	}
	return req, nil
}

func (s *Server) listJobs(c echo.Context) error {
	jobs, err := s.deps.Scheduler.ListJobs(c.Request().Context())
	if err != nil {
		return respondError(c, err)
	}
	return ok(c, echo.Map{"jobs": jobs})
}

func (s *Server) scheduleOptions(c echo.Context) error {
	return ok(c, echo.Map{"options": scheduler.ScheduleOptions()})
}

func (s *Server) runNow(c echo.Context) error {
	req, err := bindSchedule(c)
	if err != nil {
		return respondError(c, err)
	}
	if err := s.deps.Scheduler.RunNow(c.Request().Context(), req.ProfileID); err != nil {
		return respondError(c, err)
	}
	return ok(c, echo.Map{"message": fmt.Sprintf("backup started for profile %d", req.ProfileID)})
}

func (s *Server) pauseJob(c echo.Context) error {
	req, err := bindSchedule(c)
	if err != nil {
		return respondError(c, err)
	}
	if err := s.deps.Scheduler.Pause(c.Request().Context(), req.ProfileID); err != nil {
		return respondError(c, err)
	}
	return ok(c, echo.Map{"message": "schedule paused"})
}

func (s *Server) resumeJob(c echo.Context) error {
	req, err := bindSchedule(c)
	if err != nil {
		return respondError(c, err)
	}
	if err := s.deps.Scheduler.Resume(c.Request().Context(), req.ProfileID); err != nil {
		return respondError(c, err)
	}
	return ok(c, echo.Map{"message": "schedule resumed"})
}

func (s *Server) deleteJob(c echo.Context) error {
	req, err := bindSchedule(c)
	if err != nil {
		return respondError(c, err)
	}
	if err := s.deps.Scheduler.Delete(c.Request().Context(), req.ProfileID); err != nil {
		return respondError(c, err)
	}
	return ok(c, echo.Map{"message": "schedule deleted"})
}

func (s *Server) updateSchedule(c echo.Context) error {
	req, err := bindSchedule(c)
	if err != nil {
		return respondError(c, err)
	}
	if err := s.deps.Scheduler.SetSchedule(c.Request().Context(), req.ProfileID, req.CronSchedule); err != nil {
		return respondError(c, err)
	}
	return ok(c, echo.Map{"message": "schedule updated"})
}

func (s *Server) jobLogs(c echo.Context) error {
	profileID, err := pathID(c, "profile_id")
	if err != nil {
		return respondError(c, err)
	}
	limit := 0
	if raw := c.QueryParam("limit"); raw != "" {
		limit, err = strconv.Atoi(raw)
		if err != nil || limit < 0 {
			return respondError(c, badRequest("invalid limit"))
		}
	}
	logs, err := s.deps.Store.ListJobLogs(c.Request().Context(), profileID, limit)
	if err != nil {
		return respondError(c, err)
	}
	return ok(c, echo.Map{"logs": logs})
}
