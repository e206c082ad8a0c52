package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/auroraphtgrp01/go-dump-postgres/internal/auth"
	"github.com/auroraphtgrp01/go-dump-postgres/internal/logger"
	"github.com/auroraphtgrp01/go-dump-postgres/internal/writer"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

func (s *Server) healthz(c echo.Context) error {
	return c.String(http.StatusOK, "ok")
}

// readyz reports each dependency on its own line and fails with 503 if any
// of them is unhealthy.
func (s *Server) readyz(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	var lines []string
	ready := true
	check := func(name string, err error) {
		if err != nil {
			ready = false
			lines = append(lines, fmt.Sprintf("%s: %v", name, err))
			return
		}
		lines = append(lines, name+": OK")
	}

	check("Database", s.deps.Store.Ping(ctx))
	if s.deps.DockerPing != nil {
		check("Docker", s.deps.DockerPing(ctx))
	}
	if s.deps.BackupDir != "" {
		check("Disk", writer.CheckDiskSpace(s.deps.BackupDir, s.deps.MinFreePercent))
	}

	if !ready {
		return c.String(http.StatusServiceUnavailable, "not ready\n"+strings.Join(lines, "\n"))
	}
	return c.String(http.StatusOK, "ready\n"+strings.Join(lines, "\n"))
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (s *Server) login(c echo.Context) error {
	var req loginRequest
	if err := c.Bind(&req); err != nil {
		return respondError(c, badRequest("invalid request body"))
	}
	token, expires, err := s.deps.Auth.Login(req.Username, req.Password)
	if errors.Is(err, auth.ErrInvalidCredentials) {
		return fail(c, http.StatusUnauthorized, err.Error())
	}
	if err != nil {
		return respondError(c, err)
	}
	return ok(c, echo.Map{"token": token, "expires_at": expires})
}

func (s *Server) me(c echo.Context) error {
	username, _ := c.Get(contextKeyUsername).(string)
	if username == "" {
		return fail(c, http.StatusUnauthorized, "authentication required")
	}
	return ok(c, echo.Map{"user": echo.Map{"username": username}})
}

// logout has nothing to revoke since tokens are stateless; clients drop
// theirs. A still valid token is only used to name the user in the log.
func (s *Server) logout(c echo.Context) error {
	var username string
	if token, found := bearerToken(c); found {
		if claims, err := s.deps.Auth.Validate(token); err == nil {
			username = claims.Username
		}
	}
	logger.Log.Info("User logged out", zap.String("username", username))
	return ok(c, echo.Map{"message": "Logged out"})
}

func (s *Server) sweep(c echo.Context) error {
	res := s.deps.Sweeper.Sweep(c.Request().Context())
	errs := make([]string, 0, len(res.Errors))
	for _, err := range res.Errors {
		errs = append(errs, err.Error())
	}
	return c.JSON(http.StatusOK, echo.Map{
		"success": len(errs) == 0,
		"deleted": res.Deleted,
		"errors":  errs,
	})
}

func (s *Server) listContainers(c echo.Context) error {
	candidates, err := s.deps.Containers.List(c.Request().Context())
	if err != nil {
		return respondError(c, err)
	}
	return ok(c, echo.Map{"containers": candidates})
}
