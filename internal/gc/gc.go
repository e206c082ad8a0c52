package gc

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/auroraphtgrp01/go-dump-postgres/internal/logger"
	"github.com/auroraphtgrp01/go-dump-postgres/internal/model"
	"github.com/auroraphtgrp01/go-dump-postgres/internal/store"

	"go.uber.org/zap"
)

// Store is the persistence the sweeper needs.
type Store interface {
	ListProfiles(ctx context.Context) ([]model.Profile, error)
	ListArtifacts(ctx context.Context, profileID int64) ([]model.BackupArtifact, error)
	DeleteArtifact(ctx context.Context, id int64) error
}

// Remover deletes artifact files. A missing file must count as removed.
type Remover interface {
	Remove(ctx context.Context, path string) error
}

type Options struct {
	DryRun bool
	// KeepUnuploaded protects artifacts that never reached remote storage.
	KeepUnuploaded bool
	Now            func() time.Time
}

// Result summarises one sweep.
type Result struct {
	Deleted int
	Errors  []error
}

// Err joins the collected errors, or returns nil.
func (r Result) Err() error {
	return errors.Join(r.Errors...)
}

// Sweeper removes artifacts older than their profile's retention.
type Sweeper struct {
	store   Store
	remover Remover
	opts    Options
}

func NewSweeper(st Store, remover Remover, opts Options) *Sweeper {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	logger.Log.Info("Retention sweeper configured",
		zap.Bool("dryRun", opts.DryRun),
		zap.Bool("keepUnuploaded", opts.KeepUnuploaded),
	)
	return &Sweeper{store: st, remover: remover, opts: opts}
}

// Sweep walks every profile with a positive retention and deletes artifacts
// created strictly before now minus the retention. Artifacts left behind by
// deleted profiles expire after store.DefaultRetentionDays. Failures are
// collected and the sweep continues.
func (s *Sweeper) Sweep(ctx context.Context) Result {
	var res Result
	now := s.opts.Now().UTC()

	profiles, err := s.store.ListProfiles(ctx)
	if err != nil {
		logger.Log.Error("GC failed to list profiles", zap.Error(err))
		res.Errors = append(res.Errors, fmt.Errorf("failed to list profiles: %w", err))
		return res
	}

	logger.Log.Info("Starting GC run",
		zap.Int("profiles", len(profiles)),
		zap.Bool("dryRun", s.opts.DryRun),
		zap.Time("now", now),
	)

	for _, p := range profiles {
		if ctx.Err() != nil {
			logger.Log.Warn("GC run cancelled", zap.Int("deleted", res.Deleted), zap.Error(ctx.Err()))
			res.Errors = append(res.Errors, ctx.Err())
			return res
		}
		if p.BackupRetention <= 0 {
			logger.Log.Debug("GC: retention disabled for profile, keeping everything", zap.Int64("profileId", p.ID))
			continue
		}
		s.sweepProfile(ctx, p, now, &res)
	}
	if ctx.Err() == nil {
		s.sweepOrphans(ctx, profiles, now, &res)
	}

	statusMsg := "deleted"
	if s.opts.DryRun {
		statusMsg = "that would be deleted (dry run)"
	}
	logger.Log.Info("GC run completed",
		zap.String("status", statusMsg),
		zap.Int("artifactsAffected", res.Deleted),
		zap.Int("failures", len(res.Errors)),
	)
	return res
}

func (s *Sweeper) sweepProfile(ctx context.Context, p model.Profile, now time.Time, res *Result) {
	cutoff := now.AddDate(0, 0, -p.BackupRetention)
	artifacts, err := s.store.ListArtifacts(ctx, p.ID)
	if err != nil {
		logger.Log.Error("GC failed to list artifacts", zap.Int64("profileId", p.ID), zap.Error(err))
		res.Errors = append(res.Errors, fmt.Errorf("profile %d: failed to list artifacts: %w", p.ID, err))
		return
	}

	logger.Log.Debug("GC: artifact scan details",
		zap.Int64("profileId", p.ID),
		zap.Int("artifactCount", len(artifacts)),
		zap.Int("retentionDays", p.BackupRetention),
		zap.String("cutoffDate", cutoff.Format(time.RFC3339)),
	)
	s.sweepArtifacts(ctx, artifacts, cutoff, res)
}

// sweepOrphans handles artifacts whose profile no longer exists.
func (s *Sweeper) sweepOrphans(ctx context.Context, profiles []model.Profile, now time.Time, res *Result) {
	known := make(map[int64]bool, len(profiles))
	for _, p := range profiles {
		known[p.ID] = true
	}
	all, err := s.store.ListArtifacts(ctx, 0)
	if err != nil {
		logger.Log.Error("GC failed to list artifacts", zap.Error(err))
		res.Errors = append(res.Errors, fmt.Errorf("failed to list artifacts: %w", err))
		return
	}
	var orphans []model.BackupArtifact
	for _, a := range all {
		if !known[a.ProfileID] {
			orphans = append(orphans, a)
		}
	}
	if len(orphans) == 0 {
		return
	}
	cutoff := now.AddDate(0, 0, -store.DefaultRetentionDays)
	logger.Log.Info("GC: found artifacts of deleted profiles",
		zap.Int("artifactCount", len(orphans)),
		zap.Int("retentionDays", store.DefaultRetentionDays),
	)
	s.sweepArtifacts(ctx, orphans, cutoff, res)
}

func (s *Sweeper) sweepArtifacts(ctx context.Context, artifacts []model.BackupArtifact, cutoff time.Time, res *Result) {
	for _, a := range artifacts {
		if !a.CreatedAt.Before(cutoff) {
			continue
		}
		fields := []zap.Field{
			zap.Int64("profileId", a.ProfileID),
			zap.Int64("artifactId", a.ID),
			zap.String("path", a.Path),
			zap.Time("createdAt", a.CreatedAt),
		}
		if s.opts.KeepUnuploaded && !a.Uploaded {
			logger.Log.Info("GC: keeping expired artifact that was never uploaded", fields...)
			continue
		}
		if s.opts.DryRun {
			logger.Log.Info("[DryRun] GC: Would delete artifact", fields...)
			res.Deleted++
			continue
		}

		if err := s.remover.Remove(ctx, a.Path); err != nil {
			logger.Log.Error("GC: Failed to delete artifact file", append(fields, zap.Error(err))...)
			res.Errors = append(res.Errors, fmt.Errorf("artifact %d: %w", a.ID, err))
			continue
		}
		if err := s.store.DeleteArtifact(ctx, a.ID); err != nil && !errors.Is(err, store.ErrNotFound) {
			logger.Log.Error("GC: Failed to delete artifact record", append(fields, zap.Error(err))...)
			res.Errors = append(res.Errors, fmt.Errorf("artifact %d: %w", a.ID, err))
			continue
		}
		logger.Log.Info("GC: Deleted artifact", fields...)
		res.Deleted++
	}
}
