package api

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

func (s *Server) driveStatus(c echo.Context) error {
	return ok(c, echo.Map{"drive_status": s.deps.Drive.Status(c.Request().Context())})
}

func (s *Server) driveAuthURL(c echo.Context) error {
	url, err := s.deps.Drive.AuthURL(c.Request().Context())
	if err != nil {
		return respondError(c, err)
	}
	return ok(c, echo.Map{"auth_url": url})
}

type exchangeRequest struct {
	Code  string `json:"code"`
	State string `json:"state"`
}

func (s *Server) driveExchange(c echo.Context) error {
	var req exchangeRequest
	if err := c.Bind(&req); err != nil {
		return respondError(c, badRequest("invalid request body"))
	}
	if strings.TrimSpace(req.Code) == "" {
		return respondError(c, badRequest("code is required"))
	}
	if strings.TrimSpace(req.State) == "" {
		return respondError(c, badRequest("state is required"))
	}
	if err := s.deps.Drive.Exchange(c.Request().Context(), strings.TrimSpace(req.State), strings.TrimSpace(req.Code)); err != nil {
		return respondError(c, err)
	}
	return ok(c, echo.Map{"message": "Google Drive connected"})
}

// driveCallback is the OAuth redirect target. The browser lands here
// without a bearer token, so the state issued by driveAuthURL is what ties
// the code to an authenticated session.
func (s *Server) driveCallback(c echo.Context) error {
	if msg := c.QueryParam("error"); msg != "" {
		return c.String(http.StatusBadRequest, fmt.Sprintf("Authorization failed: %s", msg))
	}
	code := c.QueryParam("code")
	if code == "" {
		return c.String(http.StatusBadRequest, "Authorization failed: missing code")
	}
	state := c.QueryParam("state")
	if state == "" {
		return c.String(http.StatusBadRequest, "Authorization failed: missing state")
	}
	if err := s.deps.Drive.Exchange(c.Request().Context(), state, code); err != nil {
		return c.String(statusFor(err), fmt.Sprintf("Authorization failed: %v", err))
	}
	return c.String(http.StatusOK, "Google Drive connected. You can close this window.")
}

func (s *Server) driveDisconnect(c echo.Context) error {
	if err := s.deps.Drive.Disconnect(); err != nil {
		return respondError(c, err)
	}
	return ok(c, echo.Map{"message": "Google Drive disconnected"})
}
