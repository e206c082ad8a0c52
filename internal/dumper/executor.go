package dumper

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"sync"
	"time"

	"github.com/auroraphtgrp01/go-dump-postgres/internal/encryption"
	"github.com/auroraphtgrp01/go-dump-postgres/internal/logger"
	"github.com/auroraphtgrp01/go-dump-postgres/internal/model"
	"github.com/auroraphtgrp01/go-dump-postgres/internal/notify"
	"github.com/auroraphtgrp01/go-dump-postgres/internal/store"
	"github.com/auroraphtgrp01/go-dump-postgres/internal/writer"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const dumpExtension = ".sql.gz"

// Store is the persistence the executor needs.
type Store interface {
	GetProfile(ctx context.Context, id int64) (*model.Profile, error)
	CreateArtifact(ctx context.Context, a *model.BackupArtifact) error
	StartJob(ctx context.Context, e *model.JobLogEntry) error
	FinishJob(ctx context.Context, id int64, status model.LogStatus, backupFile, message string) error
}

type Options struct {
	// BaseDir is used for profiles without their own backup_dir.
	BaseDir        string
	Timeout        time.Duration
	MinFreePercent float64
	Encryptor      *encryption.GPGEncryptor
	Notifier       notify.Notifier
	Now            func() time.Time
}

// Executor runs dumps, at most one per profile at a time.
type Executor struct {
	store  Store
	dumper Dumper
	opts   Options

	mu       sync.Mutex
	inFlight map[int64]struct{}
}

func NewExecutor(st Store, d Dumper, opts Options) *Executor {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Notifier == nil {
		opts.Notifier = notify.Nop{}
	}
	return &Executor{
		store:    st,
		dumper:   d,
		opts:     opts,
		inFlight: make(map[int64]struct{}),
	}
}

// Reservation holds the dump lock of one profile until Run finishes or
// Release is called.
type Reservation struct {
	exec      *Executor
	profileID int64
	trigger   model.Trigger
	once      sync.Once
}

// Reserve claims the dump lock for profileID. When a dump is already in
// flight it records a failed job log entry and returns ErrAlreadyRunning.
func (e *Executor) Reserve(ctx context.Context, profileID int64, trigger model.Trigger) (*Reservation, error) {
	e.mu.Lock()
	_, busy := e.inFlight[profileID]
	if !busy {
		e.inFlight[profileID] = struct{}{}
	}
	e.mu.Unlock()

	if busy {
		err := &DumpError{Kind: ErrAlreadyRunning}
		logger.Log.Warn("Dump rejected, another dump is running", zap.Int64("profileId", profileID), zap.String("trigger", string(trigger)))
		now := e.opts.Now().UTC()
		entry := &model.JobLogEntry{ProfileID: profileID, Status: model.LogStatusRunning, Trigger: trigger, StartTime: now}
		if logErr := e.store.StartJob(ctx, entry); logErr == nil {
			e.finishLog(ctx, entry, model.LogStatusFailed, "", err.Error())
		}
		return nil, err
	}
	return &Reservation{exec: e, profileID: profileID, trigger: trigger}, nil
}

// Running reports whether a dump for profileID is in flight.
func (e *Executor) Running(profileID int64) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.inFlight[profileID]
	return ok
}

func (r *Reservation) Release() {
	r.once.Do(func() {
		r.exec.mu.Lock()
		delete(r.exec.inFlight, r.profileID)
		r.exec.mu.Unlock()
	})
}

// Run performs the dump and releases the reservation.
func (r *Reservation) Run(ctx context.Context) (*model.BackupArtifact, error) {
	defer r.Release()
	return r.exec.run(ctx, r.profileID, r.trigger)
}

// Dump reserves and runs a dump synchronously.
func (e *Executor) Dump(ctx context.Context, profileID int64, trigger model.Trigger) (*model.BackupArtifact, error) {
	res, err := e.Reserve(ctx, profileID, trigger)
	if err != nil {
		return nil, err
	}
	return res.Run(ctx)
}

func (e *Executor) run(ctx context.Context, profileID int64, trigger model.Trigger) (*model.BackupArtifact, error) {
	start := e.opts.Now()
	runID := uuid.NewString()
	logFields := []zap.Field{
		zap.String("runId", runID),
		zap.Int64("profileId", profileID),
		zap.String("trigger", string(trigger)),
	}

	status := model.LogStatusRunning
	if trigger == model.TriggerManual {
		status = model.LogStatusManual
	}
	entry := &model.JobLogEntry{
		ProfileID: profileID,
		Status:    status,
		Trigger:   trigger,
		StartTime: start.UTC(),
		Message:   "Backup started",
	}
	if err := e.store.StartJob(ctx, entry); err != nil {
		logger.Log.Error("Failed to record job start", append(logFields, zap.Error(err))...)
		entry = nil
	}

	logger.Log.Info("Starting backup", logFields...)
	profile, artifact, err := e.dump(ctx, profileID, start)

	event := notify.Event{
		Kind:      notify.EventDump,
		RunID:     runID,
		ProfileID: profileID,
		Trigger:   string(trigger),
		Success:   err == nil,
		Duration:  e.opts.Now().Sub(start),
		Timestamp: e.opts.Now().UTC(),
	}
	if profile != nil {
		event.ProfileName = profile.Name
		event.Database = profile.DBName
		event.Container = profile.ContainerName
	}

	if err != nil {
		logger.Log.Error("Backup failed", append(logFields, zap.Error(err))...)
		e.finishLog(ctx, entry, model.LogStatusFailed, "", err.Error())
		event.Error = err.Error()
		e.opts.Notifier.Notify(event)
		return nil, err
	}

	logger.Log.Info("Backup completed",
		append(logFields,
			zap.String("path", artifact.Path),
			zap.Int64("sizeBytes", artifact.Size),
			zap.Duration("duration", event.Duration),
		)...)
	e.finishLog(ctx, entry, model.LogStatusSuccess, artifact.Name, fmt.Sprintf("Backup created: %s", artifact.Name))
	event.ArtifactID = artifact.ID
	event.BackupFile = artifact.Name
	event.SizeBytes = artifact.Size
	e.opts.Notifier.Notify(event)
	return artifact, nil
}

func (e *Executor) dump(ctx context.Context, profileID int64, start time.Time) (*model.Profile, *model.BackupArtifact, error) {
	profile, err := e.store.GetProfile(ctx, profileID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil, &DumpError{Kind: ErrProfileNotFound, Err: fmt.Errorf("profile %d", profileID)}
		}
		return nil, nil, fmt.Errorf("failed to load profile %d: %w", profileID, err)
	}

	if e.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.opts.Timeout)
		defer cancel()
	}

	if err := e.dumper.TestConnection(ctx, *profile); err != nil {
		return profile, nil, err
	}

	dir := profile.BackupDir
	if dir == "" {
		dir = e.opts.BaseDir
	}
	lw, err := writer.NewLocalWriter(dir)
	if err != nil {
		return profile, nil, &DumpError{Kind: ErrDiskWriteFailed, Err: err}
	}
	if err := writer.CheckDiskSpace(lw.BasePath(), e.opts.MinFreePercent); err != nil {
		return profile, nil, &DumpError{Kind: ErrDiskWriteFailed, Err: err}
	}

	objectName := writer.GenerateObjectName(profile.DBName, start, dumpExtension+e.opts.Encryptor.Extension())

	pr, pw := io.Pipe()
	var (
		produceErr error
		done       = make(chan struct{})
	)
	go func() {
		defer close(done)
		produceErr = StreamCompressed(ctx, pw, e.opts.Encryptor, func(w io.Writer) error {
			return e.dumper.Dump(ctx, *profile, w)
		})
		pw.CloseWithError(produceErr)
	}()

	path, size, writeErr := lw.Write(ctx, objectName, pr)
	if writeErr != nil {
		pr.CloseWithError(writeErr)
	}
	<-done

	if err := classify(ctx, e.opts.Timeout, produceErr, writeErr); err != nil {
		return profile, nil, err
	}

	artifact := &model.BackupArtifact{
		ProfileID:  profile.ID,
		Name:       filepath.Base(path),
		Path:       path,
		Size:       size,
		CreatedAt:  start.UTC(),
		FileExists: true,
	}
	if err := e.store.CreateArtifact(ctx, artifact); err != nil {
		if rmErr := lw.Remove(context.Background(), path); rmErr != nil {
			logger.Log.Warn("Failed to remove unregistered dump", zap.String("path", path), zap.Error(rmErr))
		}
		return profile, nil, fmt.Errorf("failed to register backup artifact: %w", err)
	}
	return profile, artifact, nil
}

// classify turns pipeline failures into a DumpError. Errors reported by the
// dumper win over local write errors, which win over anything else.
func classify(ctx context.Context, timeout time.Duration, produceErr, writeErr error) error {
	if produceErr == nil && writeErr == nil {
		return nil
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return commandFailed(-1, "", fmt.Errorf("timed out after %s", timeout))
	}
	var dumpErr *DumpError
	if errors.As(produceErr, &dumpErr) {
		return dumpErr
	}
	// A write error that merely carries the producer's failure is not a
	// disk problem.
	if writeErr != nil && (produceErr == nil || !errors.Is(writeErr, produceErr)) {
		return &DumpError{Kind: ErrDiskWriteFailed, Err: writeErr}
	}
	if produceErr == nil {
		produceErr = writeErr
	}
	return commandFailed(-1, "", produceErr)
}

func (e *Executor) finishLog(ctx context.Context, entry *model.JobLogEntry, status model.LogStatus, backupFile, message string) {
	if entry == nil {
		return
	}
	// The dump context may already be cancelled; the log entry must still
	// reach a terminal state.
	finishCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := e.store.FinishJob(finishCtx, entry.ID, status, backupFile, message); err != nil {
		logger.Log.Error("Failed to finalize job log entry", zap.Int64("logId", entry.ID), zap.Error(err))
	}
}
