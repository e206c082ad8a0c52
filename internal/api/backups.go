package api

import (
	"context"
	"fmt"
	"net/http"
	"strconv"

	"github.com/auroraphtgrp01/go-dump-postgres/internal/model"
	"github.com/auroraphtgrp01/go-dump-postgres/internal/writer"

	"github.com/labstack/echo/v4"
)

// profileFromQuery resolves ?profile_id=, falling back to the active profile.
func (s *Server) profileFromQuery(c echo.Context) (int64, error) {
	if raw := c.QueryParam("profile_id"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || id <= 0 {
			return 0, badRequest("invalid profile_id")
		}
		return id, nil
	}
	p, err := s.deps.Store.ActiveProfile(c.Request().Context())
	if err != nil {
		return 0, fmt.Errorf("no active profile: %w", err)
	}
	return p.ID, nil
}

func (s *Server) dump(c echo.Context) error {
	profileID, err := s.profileFromQuery(c)
	if err != nil {
		return respondError(c, err)
	}
	// A dump that has started runs to completion even if the client goes away.
	ctx := context.WithoutCancel(c.Request().Context())
	artifact, err := s.deps.Dumps.Dump(ctx, profileID, model.TriggerManual)
	if err != nil {
		return respondError(c, err)
	}
	return ok(c, echo.Map{
		"message": fmt.Sprintf("backup %s created", artifact.Name),
		"backup":  artifact,
	})
}

func (s *Server) uploadOne(c echo.Context) error {
	id, err := pathID(c, "id")
	if err != nil {
		return respondError(c, err)
	}
	link, err := s.deps.Uploads.UploadOne(c.Request().Context(), id)
	if err != nil {
		return respondError(c, err)
	}
	return ok(c, echo.Map{
		"message":    fmt.Sprintf("uploaded to %s", s.deps.Uploads.Target()),
		"drive_link": link,
	})
}

func (s *Server) uploadLast(c echo.Context) error {
	profileID, err := s.profileFromQuery(c)
	if err != nil {
		return respondError(c, err)
	}
	res, err := s.deps.Uploads.UploadLast(c.Request().Context(), profileID)
	if err != nil {
		return respondError(c, err)
	}
	return ok(c, echo.Map{
		"message":    fmt.Sprintf("uploaded %s to %s", res.Name, s.deps.Uploads.Target()),
		"drive_link": res.Link,
	})
}

func (s *Server) uploadAll(c echo.Context) error {
	profileID, err := s.profileFromQuery(c)
	if err != nil {
		return respondError(c, err)
	}
	results, err := s.deps.Uploads.UploadAll(c.Request().Context(), profileID)
	if err != nil {
		return respondError(c, err)
	}
	uploaded := 0
	for _, r := range results {
		if r.Success {
			uploaded++
		}
	}
	return ok(c, echo.Map{
		"message": fmt.Sprintf("uploaded %d of %d backups", uploaded, len(results)),
		"results": results,
	})
}

func (s *Server) listBackups(c echo.Context) error {
	var profileID int64
	if raw := c.QueryParam("profile_id"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || id <= 0 {
			return respondError(c, badRequest("invalid profile_id"))
		}
		profileID = id
	}
	artifacts, err := s.deps.Store.ListArtifacts(c.Request().Context(), profileID)
	if err != nil {
		return respondError(c, err)
	}
	for i := range artifacts {
		artifacts[i].FileExists = writer.Exists(artifacts[i].Path)
	}
	return ok(c, echo.Map{"backups": artifacts})
}

func (s *Server) downloadBackup(c echo.Context) error {
	id, err := pathID(c, "id")
	if err != nil {
		return respondError(c, err)
	}
	artifact, err := s.deps.Store.GetArtifact(c.Request().Context(), id)
	if err != nil {
		return respondError(c, err)
	}
	if !writer.Exists(artifact.Path) {
		return fail(c, http.StatusNotFound, "backup file no longer exists on disk")
	}
	return c.Attachment(artifact.Path, artifact.Name)
}

func (s *Server) deleteBackup(c echo.Context) error {
	id, err := pathID(c, "id")
	if err != nil {
		return respondError(c, err)
	}
	ctx := c.Request().Context()
	artifact, err := s.deps.Store.GetArtifact(ctx, id)
	if err != nil {
		return respondError(c, err)
	}
	if err := s.deps.Files.Remove(ctx, artifact.Path); err != nil {
		return respondError(c, err)
	}
	if err := s.deps.Store.DeleteArtifact(ctx, id); err != nil {
		return respondError(c, err)
	}
	return ok(c, echo.Map{"message": fmt.Sprintf("backup %s deleted", artifact.Name)})
}
