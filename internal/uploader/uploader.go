package uploader

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/auroraphtgrp01/go-dump-postgres/internal/logger"
	"github.com/auroraphtgrp01/go-dump-postgres/internal/model"
	"github.com/auroraphtgrp01/go-dump-postgres/internal/notify"
	"github.com/auroraphtgrp01/go-dump-postgres/internal/store"
	"github.com/auroraphtgrp01/go-dump-postgres/internal/writer"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultConcurrency = 2
	defaultFolder      = "backups"
)

// Store is the persistence the uploader needs.
type Store interface {
	GetProfile(ctx context.Context, id int64) (*model.Profile, error)
	GetArtifact(ctx context.Context, id int64) (*model.BackupArtifact, error)
	LatestArtifact(ctx context.Context, profileID int64) (*model.BackupArtifact, error)
	PendingArtifacts(ctx context.Context, profileID int64) ([]model.BackupArtifact, error)
	MarkUploaded(ctx context.Context, id int64, link string) error
	StartJob(ctx context.Context, e *model.JobLogEntry) error
	FinishJob(ctx context.Context, id int64, status model.LogStatus, backupFile, message string) error
}

type Options struct {
	Timeout     time.Duration
	Concurrency int
	Notifier    notify.Notifier
}

// Result is the outcome of one artifact within a batch.
type Result struct {
	ArtifactID int64  `json:"artifact_id"`
	Name       string `json:"name"`
	Success    bool   `json:"success"`
	Link       string `json:"drive_link,omitempty"`
	Error      string `json:"error,omitempty"`
}

// Executor ships local artifacts to the configured remote writer.
type Executor struct {
	store  Store
	remote writer.RemoteWriter
	opts   Options
	locks  *keyedMutex
}

func NewExecutor(st Store, remote writer.RemoteWriter, opts Options) *Executor {
	if opts.Concurrency <= 0 {
		opts.Concurrency = DefaultConcurrency
	}
	if opts.Notifier == nil {
		opts.Notifier = notify.Nop{}
	}
	return &Executor{store: st, remote: remote, opts: opts, locks: newKeyedMutex()}
}

// Target names the remote writer in use.
func (e *Executor) Target() string {
	return e.remote.Type()
}

func (e *Executor) checkAuth(ctx context.Context) error {
	if err := e.remote.Authenticated(ctx); err != nil {
		return &UploadError{Kind: ErrNotAuthenticated, Err: err}
	}
	return nil
}

// UploadOne uploads artifactID and returns its remote link. An artifact that
// was already uploaded returns its stored link without a transfer.
func (e *Executor) UploadOne(ctx context.Context, artifactID int64) (string, error) {
	if err := e.checkAuth(ctx); err != nil {
		return "", err
	}
	return e.uploadOne(ctx, artifactID)
}

func (e *Executor) uploadOne(ctx context.Context, artifactID int64) (string, error) {
	unlock := e.locks.Lock(artifactID)
	defer unlock()

	artifact, err := e.store.GetArtifact(ctx, artifactID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return "", &UploadError{Kind: ErrArtifactNotFound, Reason: fmt.Sprintf("backup %d", artifactID)}
		}
		return "", fmt.Errorf("failed to load backup %d: %w", artifactID, err)
	}
	if artifact.Uploaded && artifact.DriveLink != "" {
		logger.Log.Info("Backup already uploaded", zap.Int64("artifactId", artifactID), zap.String("link", artifact.DriveLink))
		return artifact.DriveLink, nil
	}
	if !writer.Exists(artifact.Path) {
		return "", &UploadError{Kind: ErrArtifactMissing, Reason: artifact.Path}
	}

	folder := defaultFolder
	profile, err := e.store.GetProfile(ctx, artifact.ProfileID)
	if err == nil && profile.FolderDrive != "" {
		folder = profile.FolderDrive
	}
	return e.transfer(ctx, artifact, profile, folder)
}

func (e *Executor) transfer(ctx context.Context, artifact *model.BackupArtifact, profile *model.Profile, folder string) (string, error) {
	start := time.Now()
	runID := uuid.NewString()
	logFields := []zap.Field{
		zap.String("runId", runID),
		zap.Int64("artifactId", artifact.ID),
		zap.Int64("profileId", artifact.ProfileID),
		zap.String("target", e.remote.Type()),
		zap.String("folder", folder),
	}

	entry := &model.JobLogEntry{
		ProfileID:  artifact.ProfileID,
		Status:     model.LogStatusRunning,
		Trigger:    model.TriggerUpload,
		StartTime:  start.UTC(),
		BackupFile: artifact.Name,
		Message:    "Upload started",
	}
	if err := e.store.StartJob(ctx, entry); err != nil {
		logger.Log.Error("Failed to record upload start", append(logFields, zap.Error(err))...)
		entry = nil
	}

	tctx := ctx
	if e.opts.Timeout > 0 {
		var cancel context.CancelFunc
		tctx, cancel = context.WithTimeout(ctx, e.opts.Timeout)
		defer cancel()
	}

	logger.Log.Info("Uploading backup", logFields...)
	link, err := e.remote.Upload(tctx, writer.Object{
		LocalPath: artifact.Path,
		Folder:    folder,
		Name:      artifact.Name,
	})
	if err == nil {
		if markErr := e.store.MarkUploaded(ctx, artifact.ID, link); markErr != nil {
			err = fmt.Errorf("uploaded but failed to record link: %w", markErr)
		}
	}

	event := notify.Event{
		Kind:       notify.EventUpload,
		RunID:      runID,
		ProfileID:  artifact.ProfileID,
		Trigger:    string(model.TriggerUpload),
		ArtifactID: artifact.ID,
		BackupFile: artifact.Name,
		SizeBytes:  artifact.Size,
		Duration:   time.Since(start),
		Timestamp:  time.Now().UTC(),
	}
	if profile != nil {
		event.ProfileName = profile.Name
		event.Database = profile.DBName
	}

	if err != nil {
		uploadErr := classify(tctx, err)
		logger.Log.Error("Upload failed", append(logFields, zap.Error(uploadErr))...)
		e.finishLog(ctx, entry, model.LogStatusFailed, artifact.Name, uploadErr.Error())
		event.Error = uploadErr.Error()
		e.opts.Notifier.Notify(event)
		return "", uploadErr
	}

	logger.Log.Info("Upload completed", append(logFields, zap.String("link", link), zap.Duration("duration", event.Duration))...)
	e.finishLog(ctx, entry, model.LogStatusSuccess, artifact.Name, "Uploaded to "+link)
	event.Success = true
	event.Link = link
	e.opts.Notifier.Notify(event)
	return link, nil
}

func classify(ctx context.Context, err error) *UploadError {
	switch {
	case errors.Is(err, writer.ErrNotAuthenticated):
		return &UploadError{Kind: ErrNotAuthenticated, Err: err}
	case errors.Is(err, writer.ErrQuotaExceeded):
		return &UploadError{Kind: ErrQuotaExceeded, Err: err}
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return &UploadError{Kind: ErrTransferFailed, Reason: "timed out", Err: err}
	default:
		return &UploadError{Kind: ErrTransferFailed, Reason: err.Error(), Err: err}
	}
}

// UploadLast uploads the newest artifact of profileID.
func (e *Executor) UploadLast(ctx context.Context, profileID int64) (Result, error) {
	if err := e.checkAuth(ctx); err != nil {
		return Result{}, err
	}
	if _, err := e.store.GetProfile(ctx, profileID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return Result{}, &UploadError{Kind: ErrProfileNotFound, Reason: fmt.Sprintf("profile %d", profileID)}
		}
		return Result{}, err
	}
	latest, err := e.store.LatestArtifact(ctx, profileID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return Result{}, &UploadError{Kind: ErrArtifactNotFound, Reason: "no backups for this profile"}
		}
		return Result{}, err
	}

	link, err := e.uploadOne(ctx, latest.ID)
	if err != nil {
		return Result{ArtifactID: latest.ID, Name: latest.Name, Error: err.Error()}, err
	}
	return Result{ArtifactID: latest.ID, Name: latest.Name, Success: true, Link: link}, nil
}

// UploadAll uploads every pending artifact of profileID. Individual
// failures are reported in the results and do not stop the batch.
func (e *Executor) UploadAll(ctx context.Context, profileID int64) ([]Result, error) {
	if err := e.checkAuth(ctx); err != nil {
		return nil, err
	}
	pending, err := e.store.PendingArtifacts(ctx, profileID)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending backups: %w", err)
	}

	results := make([]Result, len(pending))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.opts.Concurrency)
	for i, artifact := range pending {
		g.Go(func() error {
			res := Result{ArtifactID: artifact.ID, Name: artifact.Name}
			link, err := e.uploadOne(gctx, artifact.ID)
			if err != nil {
				res.Error = err.Error()
			} else {
				res.Success = true
				res.Link = link
			}
			results[i] = res
			return nil
		})
	}
	_ = g.Wait()

	logger.Log.Info("Upload batch finished", zap.Int64("profileId", profileID), zap.Int("count", len(results)))
	return results, nil
}

func (e *Executor) finishLog(ctx context.Context, entry *model.JobLogEntry, status model.LogStatus, backupFile, message string) {
	if entry == nil {
		return
	}
	finishCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := e.store.FinishJob(finishCtx, entry.ID, status, backupFile, message); err != nil {
		logger.Log.Error("Failed to finalize upload log entry", zap.Int64("logId", entry.ID), zap.Error(err))
	}
}
