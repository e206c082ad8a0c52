package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/auroraphtgrp01/go-dump-postgres/internal/dumper"
	"github.com/auroraphtgrp01/go-dump-postgres/internal/gdrive"
	"github.com/auroraphtgrp01/go-dump-postgres/internal/logger"
	"github.com/auroraphtgrp01/go-dump-postgres/internal/scheduler"
	"github.com/auroraphtgrp01/go-dump-postgres/internal/store"
	"github.com/auroraphtgrp01/go-dump-postgres/internal/uploader"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

var errBadRequest = errors.New("bad request")

func ok(c echo.Context, body echo.Map) error {
	if body == nil {
		body = echo.Map{}
	}
	body["success"] = true
	return c.JSON(http.StatusOK, body)
}

func fail(c echo.Context, status int, message string) error {
	return c.JSON(status, echo.Map{"success": false, "message": message})
}

func badRequest(message string) error {
	return &requestError{msg: message}
}

type requestError struct {
	msg string
}

func (e *requestError) Error() string { return e.msg }
func (e *requestError) Unwrap() error { return errBadRequest }

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, errBadRequest),
		errors.Is(err, store.ErrInvalidProfile),
		errors.Is(err, scheduler.ErrInvalidCronExpr),
		errors.Is(err, gdrive.ErrNoCredentials),
		errors.Is(err, gdrive.ErrInvalidState):
		return http.StatusBadRequest
	case errors.Is(err, store.ErrNotFound),
		errors.Is(err, dumper.ErrProfileNotFound),
		errors.Is(err, uploader.ErrArtifactNotFound),
		errors.Is(err, uploader.ErrProfileNotFound),
		errors.Is(err, scheduler.ErrJobNotFound):
		return http.StatusNotFound
	case errors.Is(err, store.ErrProfileActive),
		errors.Is(err, dumper.ErrAlreadyRunning):
		return http.StatusConflict
	case errors.Is(err, uploader.ErrNotAuthenticated):
		return http.StatusPreconditionFailed
	case errors.Is(err, dumper.ErrContainerUnreachable),
		errors.Is(err, uploader.ErrTransferFailed):
		return http.StatusBadGateway
	case errors.Is(err, uploader.ErrQuotaExceeded):
		return http.StatusInsufficientStorage
	default:
		return http.StatusInternalServerError
	}
}

// respondError writes err as a failure envelope.
func respondError(c echo.Context, err error) error {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		logger.Log.Error("Request failed", zap.String("path", c.Path()), zap.Int("status", status), zap.Error(err))
	}
	body := echo.Map{"success": false, "message": err.Error()}
	if status == http.StatusPreconditionFailed {
		body["need_auth"] = true
	}
	return c.JSON(status, body)
}

// errorHandler renders framework errors (unknown routes, bad methods) in
// the same envelope as handler errors.
func errorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}
	var he *echo.HTTPError
	if errors.As(err, &he) {
		msg := http.StatusText(he.Code)
		if m, isString := he.Message.(string); isString {
			msg = m
		}
		_ = fail(c, he.Code, msg)
		return
	}
	_ = respondError(c, err)
}

func pathID(c echo.Context, name string) (int64, error) {
	id, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil || id <= 0 {
		return 0, badRequest("invalid " + name)
	}
	return id, nil
}
