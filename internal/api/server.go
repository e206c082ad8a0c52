// Package api exposes the backup service over HTTP.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/auroraphtgrp01/go-dump-postgres/internal/auth"
	"github.com/auroraphtgrp01/go-dump-postgres/internal/discovery"
	"github.com/auroraphtgrp01/go-dump-postgres/internal/gc"
	"github.com/auroraphtgrp01/go-dump-postgres/internal/gdrive"
	"github.com/auroraphtgrp01/go-dump-postgres/internal/logger"
	"github.com/auroraphtgrp01/go-dump-postgres/internal/model"
	"github.com/auroraphtgrp01/go-dump-postgres/internal/uploader"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"
)

type Store interface {
	Ping(ctx context.Context) error

	ListProfiles(ctx context.Context) ([]model.Profile, error)
	GetProfile(ctx context.Context, id int64) (*model.Profile, error)
	ActiveProfile(ctx context.Context) (*model.Profile, error)
	CreateProfile(ctx context.Context, p *model.Profile) error
	UpdateProfile(ctx context.Context, id int64, p model.Profile) (*model.Profile, error)
	DeleteProfile(ctx context.Context, id int64) error
	SetActive(ctx context.Context, id int64) error
	ToggleActive(ctx context.Context, id int64) (bool, error)

	ListArtifacts(ctx context.Context, profileID int64) ([]model.BackupArtifact, error)
	GetArtifact(ctx context.Context, id int64) (*model.BackupArtifact, error)
	DeleteArtifact(ctx context.Context, id int64) error

	ListJobLogs(ctx context.Context, profileID int64, limit int) ([]model.JobLogEntry, error)
}

type Dumps interface {
	Dump(ctx context.Context, profileID int64, trigger model.Trigger) (*model.BackupArtifact, error)
}

type Uploads interface {
	Target() string
	UploadOne(ctx context.Context, artifactID int64) (string, error)
	UploadLast(ctx context.Context, profileID int64) (uploader.Result, error)
	UploadAll(ctx context.Context, profileID int64) ([]uploader.Result, error)
}

type Scheduler interface {
	ListJobs(ctx context.Context) ([]model.ScheduledJob, error)
	RunNow(ctx context.Context, profileID int64) error
	Pause(ctx context.Context, profileID int64) error
	Resume(ctx context.Context, profileID int64) error
	Delete(ctx context.Context, profileID int64) error
	SetSchedule(ctx context.Context, profileID int64, expr string) error
	Sync(ctx context.Context, profileID int64) error
}

type Drive interface {
	AuthURL(ctx context.Context) (string, error)
	Exchange(ctx context.Context, state, code string) error
	Status(ctx context.Context) gdrive.Status
	Disconnect() error
}

type Sweeper interface {
	Sweep(ctx context.Context) gc.Result
}

type Containers interface {
	List(ctx context.Context) ([]discovery.Candidate, error)
}

// FileRemover deletes local artifact files.
type FileRemover interface {
	Remove(ctx context.Context, path string) error
}

// Deps are the collaborators the handlers call into.
type Deps struct {
	Store      Store
	Dumps      Dumps
	Uploads    Uploads
	Scheduler  Scheduler
	Drive      Drive
	Sweeper    Sweeper
	Containers Containers
	Files      FileRemover
	Auth       *auth.Authenticator
	DockerPing func(ctx context.Context) error

	BackupDir      string
	MinFreePercent float64
	CORSOrigins    []string
}

type Server struct {
	deps Deps
	echo *echo.Echo
	http *http.Server
}

func New(deps Deps) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = errorHandler

	e.Use(middleware.Recover())
	e.Use(requestLogger(logger.Log.Named("http")))
	if len(deps.CORSOrigins) > 0 {
		e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
			AllowOrigins: deps.CORSOrigins,
			AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderAuthorization},
		}))
	}

	s := &Server{deps: deps, echo: e}
	s.routes()
	return s
}

func (s *Server) routes() {
	e := s.echo
	e.GET("/healthz", s.healthz)
	e.GET("/readyz", s.readyz)
	e.POST("/api/auth/login", s.login)
	e.POST("/api/logout", s.logout)
	e.GET("/api/drive/callback", s.driveCallback)

	p := e.Group("", s.requireAuth)
	p.GET("/api/me", s.me)

	p.POST("/dump", s.dump)
	p.POST("/upload/:id", s.uploadOne)
	p.POST("/upload-last", s.uploadLast)
	p.POST("/upload-all", s.uploadAll)

	p.GET("/api/backups", s.listBackups)
	p.GET("/api/backups/:id/download", s.downloadBackup)
	p.DELETE("/api/backups/:id", s.deleteBackup)

	p.GET("/api/profiles", s.listProfiles)
	p.GET("/api/profiles/active", s.activeProfile)
	p.GET("/api/profiles/:id", s.getProfile)
	p.POST("/api/profiles", s.createProfile)
	p.PUT("/api/profiles/:id", s.updateProfile)
	p.DELETE("/api/profiles/:id", s.deleteProfile)
	p.POST("/api/profiles/:id/activate", s.activateProfile)
	p.POST("/api/profiles/:id/toggle-active", s.toggleActive)

	p.GET("/api/schedule/jobs", s.listJobs)
	p.GET("/api/schedule/options", s.scheduleOptions)
	p.POST("/api/schedule/run-now", s.runNow)
	p.POST("/api/schedule/pause", s.pauseJob)
	p.POST("/api/schedule/resume", s.resumeJob)
	p.POST("/api/schedule/delete", s.deleteJob)
	p.POST("/api/schedule/update", s.updateSchedule)
	p.GET("/api/schedule/logs/:profile_id", s.jobLogs)

	p.GET("/api/drive/status", s.driveStatus)
	p.GET("/api/drive/auth-url", s.driveAuthURL)
	p.POST("/api/drive/exchange", s.driveExchange)
	p.POST("/api/drive/disconnect", s.driveDisconnect)

	p.POST("/api/retention/sweep", s.sweep)
	p.GET("/api/containers", s.listContainers)
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start serves on addr until Shutdown is called.
func (s *Server) Start(addr string, readTimeout time.Duration) error {
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.echo,
		ReadHeaderTimeout: readTimeout,
	}
	logger.Log.Info("Serving HTTP endpoints", zap.String("addr", addr))
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	logger.Log.Info("HTTP server closed gracefully.")
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	logger.Log.Info("Shutting down HTTP server...")
	return s.http.Shutdown(ctx)
}
