package api

import (
	"fmt"
	"net/http"

	"github.com/auroraphtgrp01/go-dump-postgres/internal/logger"
	"github.com/auroraphtgrp01/go-dump-postgres/internal/model"
	"github.com/auroraphtgrp01/go-dump-postgres/internal/scheduler"
	"github.com/auroraphtgrp01/go-dump-postgres/internal/store"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

// profileRequest is the writable part of a profile. Pointer fields
// distinguish "absent" from the zero value.
type profileRequest struct {
	Name               string `json:"name"`
	Description        string `json:"description"`
	DBUser             string `json:"db_user"`
	DBPassword         string `json:"db_password"`
	ContainerName      string `json:"container_name"`
	DBName             string `json:"db_name"`
	IsActive           *bool  `json:"is_active"`
	GoogleClientID     string `json:"google_client_id"`
	GoogleClientSecret string `json:"google_client_secret"`
	BackupDir          string `json:"backup_dir"`
	CronSchedule       string `json:"cron_schedule"`
	BackupRetention    *int   `json:"backup_retention"`
	UploadToDrive      *bool  `json:"upload_to_drive"`
	FolderDrive        string `json:"folder_drive"`
}

// apply copies the request onto p, leaving p's values where the request
// is silent.
func (r profileRequest) apply(p *model.Profile) {
	p.Name = r.Name
	p.Description = r.Description
	p.DBUser = r.DBUser
	p.DBPassword = r.DBPassword
	p.ContainerName = r.ContainerName
	p.DBName = r.DBName
	p.GoogleClientID = r.GoogleClientID
	p.GoogleClientSecret = r.GoogleClientSecret
	p.BackupDir = r.BackupDir
	p.CronSchedule = r.CronSchedule
	p.FolderDrive = r.FolderDrive
	if r.IsActive != nil {
		p.IsActive = *r.IsActive
	}
	if r.BackupRetention != nil {
		p.BackupRetention = *r.BackupRetention
	}
	if r.UploadToDrive != nil {
		p.UploadToDrive = *r.UploadToDrive
	}
}

func redactAll(profiles []model.Profile) []model.Profile {
	out := make([]model.Profile, len(profiles))
	for i, p := range profiles {
		out[i] = p.Redacted()
	}
	return out
}

// syncSchedule pushes a profile change to the scheduler. The profile
// change itself has already been committed, so failures are only logged.
func (s *Server) syncSchedule(c echo.Context, profileID int64) {
	if err := s.deps.Scheduler.Sync(c.Request().Context(), profileID); err != nil {
		logger.Log.Warn("Failed to sync schedule after profile change",
			zap.Int64("profileId", profileID), zap.Error(err))
	}
}

func (s *Server) listProfiles(c echo.Context) error {
	profiles, err := s.deps.Store.ListProfiles(c.Request().Context())
	if err != nil {
		return respondError(c, err)
	}
	return ok(c, echo.Map{"profiles": redactAll(profiles)})
}

func (s *Server) getProfile(c echo.Context) error {
	id, err := pathID(c, "id")
	if err != nil {
		return respondError(c, err)
	}
	p, err := s.deps.Store.GetProfile(c.Request().Context(), id)
	if err != nil {
		return respondError(c, err)
	}
	return ok(c, echo.Map{"profile": p.Redacted()})
}

func (s *Server) activeProfile(c echo.Context) error {
	p, err := s.deps.Store.ActiveProfile(c.Request().Context())
	if err != nil {
		return respondError(c, fmt.Errorf("no active profile: %w", err))
	}
	return ok(c, echo.Map{"profile": p.Redacted()})
}

func (s *Server) createProfile(c echo.Context) error {
	var req profileRequest
	if err := c.Bind(&req); err != nil {
		return respondError(c, badRequest("invalid request body"))
	}
	if err := scheduler.ValidateSchedule(req.CronSchedule); err != nil {
		return respondError(c, err)
	}

	p := model.Profile{BackupRetention: store.DefaultRetentionDays}
	req.apply(&p)
	if err := s.deps.Store.CreateProfile(c.Request().Context(), &p); err != nil {
		return respondError(c, err)
	}
	s.syncSchedule(c, p.ID)

	return c.JSON(http.StatusCreated, echo.Map{
		"success": true,
		"message": fmt.Sprintf("profile %s created", p.Name),
		"profile": p.Redacted(),
	})
}

func (s *Server) updateProfile(c echo.Context) error {
	id, err := pathID(c, "id")
	if err != nil {
		return respondError(c, err)
	}
	var req profileRequest
	if err := c.Bind(&req); err != nil {
		return respondError(c, badRequest("invalid request body"))
	}
	if err := scheduler.ValidateSchedule(req.CronSchedule); err != nil {
		return respondError(c, err)
	}

	ctx := c.Request().Context()
	existing, err := s.deps.Store.GetProfile(ctx, id)
	if err != nil {
		return respondError(c, err)
	}
	p := *existing
	req.apply(&p)
	updated, err := s.deps.Store.UpdateProfile(ctx, id, p)
	if err != nil {
		return respondError(c, err)
	}
	s.syncSchedule(c, id)

	return ok(c, echo.Map{
		"message": fmt.Sprintf("profile %s updated", updated.Name),
		"profile": updated.Redacted(),
	})
}

func (s *Server) deleteProfile(c echo.Context) error {
	id, err := pathID(c, "id")
	if err != nil {
		return respondError(c, err)
	}
	if err := s.deps.Store.DeleteProfile(c.Request().Context(), id); err != nil {
		return respondError(c, err)
	}
	s.syncSchedule(c, id)
	return ok(c, echo.Map{"message": "profile deleted"})
}

func (s *Server) activateProfile(c echo.Context) error {
	id, err := pathID(c, "id")
	if err != nil {
		return respondError(c, err)
	}
	if err := s.deps.Store.SetActive(c.Request().Context(), id); err != nil {
		return respondError(c, err)
	}
	return ok(c, echo.Map{"message": "profile activated"})
}

func (s *Server) toggleActive(c echo.Context) error {
	id, err := pathID(c, "id")
	if err != nil {
		return respondError(c, err)
	}
	active, err := s.deps.Store.ToggleActive(c.Request().Context(), id)
	if err != nil {
		return respondError(c, err)
	}
	msg := "profile deactivated"
	if active {
		msg = "profile activated"
	}
	return ok(c, echo.Map{"message": msg, "is_active": active})
}
