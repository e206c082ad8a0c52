package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

const contextKeyUsername = "username"

func requestLogger(log *zap.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			requestID := req.Header.Get(echo.HeaderXRequestID)
			if requestID == "" {
				requestID = uuid.NewString()
			}
			c.Response().Header().Set(echo.HeaderXRequestID, requestID)

			start := time.Now()
			err := next(c)
			if err != nil {
				c.Error(err)
			}

			fields := []zap.Field{
				zap.String("requestId", requestID),
				zap.String("method", req.Method),
				zap.String("path", req.URL.Path),
				zap.Int("status", c.Response().Status),
				zap.Duration("latency", time.Since(start)),
			}
			switch {
			case c.Response().Status >= 500:
				log.Error("HTTP request failed", fields...)
			case req.URL.Path == "/healthz" || req.URL.Path == "/readyz":
				log.Debug("HTTP request", fields...)
			default:
				log.Info("HTTP request", fields...)
			}
			return nil
		}
	}
}

func bearerToken(c echo.Context) (string, bool) {
	token, found := strings.CutPrefix(c.Request().Header.Get(echo.HeaderAuthorization), "Bearer ")
	token = strings.TrimSpace(token)
	return token, found && token != ""
}

// requireAuth accepts "Authorization: Bearer <token>".
func (s *Server) requireAuth(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		token, found := bearerToken(c)
		if !found {
			return fail(c, http.StatusUnauthorized, "authentication required")
		}
		claims, err := s.deps.Auth.Validate(token)
		if err != nil {
			return fail(c, http.StatusUnauthorized, err.Error())
		}
		c.Set(contextKeyUsername, claims.Username)
		return next(c)
	}
}
