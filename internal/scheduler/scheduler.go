package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/auroraphtgrp01/go-dump-postgres/internal/dumper"
	"github.com/auroraphtgrp01/go-dump-postgres/internal/logger"
	"github.com/auroraphtgrp01/go-dump-postgres/internal/model"
	"github.com/auroraphtgrp01/go-dump-postgres/internal/store"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

var ErrJobNotFound = errors.New("no scheduled job for this profile")

const (
	DefaultReconcileInterval = time.Minute
	DefaultStopTimeout       = 30 * time.Second
)

// Store is the persistence the scheduler needs.
type Store interface {
	ListProfiles(ctx context.Context) ([]model.Profile, error)
	GetProfile(ctx context.Context, id int64) (*model.Profile, error)
	SetCronSchedule(ctx context.Context, id int64, expr string) error
	SetSchedulePaused(ctx context.Context, id int64, paused bool) error
	CountJobLogs(ctx context.Context, profileID int64) (store.JobCounts, error)
}

// Dumps claims and runs profile dumps.
type Dumps interface {
	Reserve(ctx context.Context, profileID int64, trigger model.Trigger) (*dumper.Reservation, error)
}

// Uploads ships a finished artifact.
type Uploads interface {
	UploadOne(ctx context.Context, artifactID int64) (string, error)
}

type Options struct {
	Location          *time.Location
	ReconcileInterval time.Duration
	Now               func() time.Time
}

// scheduledJob holds the schedule and runtime state of one profile.
type scheduledJob struct {
	profileID   int64
	name        string
	expr        string
	schedule    cron.Schedule
	paused      bool
	uploadAfter bool
	nextRun     time.Time
	lastRun     time.Time
	lastFired   time.Time
}

// Scheduler runs profile dumps on their cron schedules.
type Scheduler struct {
	store   Store
	dumps   Dumps
	uploads Uploads
	opts    Options
	cron    *cron.Cron

	mu   sync.Mutex
	jobs map[int64]*scheduledJob

	runCtx    context.Context
	cancelRun context.CancelFunc
	wg        sync.WaitGroup
	stopOnce  sync.Once
	stopCh    chan struct{}
}

func New(st Store, dumps Dumps, uploads Uploads, opts Options) *Scheduler {
	if opts.Location == nil {
		opts.Location = time.Local
	}
	if opts.ReconcileInterval <= 0 {
		opts.ReconcileInterval = DefaultReconcileInterval
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	c := cron.New(
		cron.WithLocation(opts.Location),
		cron.WithChain(
			cron.SkipIfStillRunning(logger.NewCronZapLogger(logger.Log.Named("cron-skip-if-running"))),
		),
		cron.WithLogger(logger.NewCronZapLogger(logger.Log.Named("cron"))),
	)
	runCtx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		store:     st,
		dumps:     dumps,
		uploads:   uploads,
		opts:      opts,
		cron:      c,
		jobs:      make(map[int64]*scheduledJob),
		runCtx:    runCtx,
		cancelRun: cancel,
		stopCh:    make(chan struct{}),
	}
}

// Start loads every scheduled profile and starts the minute clock.
func (s *Scheduler) Start(ctx context.Context) error {
	if err := s.Load(ctx); err != nil {
		return err
	}
	if _, err := s.cron.AddFunc("* * * * *", func() { s.Tick(s.opts.Now()) }); err != nil {
		return fmt.Errorf("failed to register scheduler clock: %w", err)
	}
	s.cron.Start()

	s.wg.Add(1)
	go s.reconcileLoop()

	logger.Log.Info("Cron scheduler started",
		zap.String("timezone", s.opts.Location.String()),
		zap.Int("jobs", s.jobCount()),
		zap.Duration("reconcileInterval", s.opts.ReconcileInterval),
	)
	return nil
}

// reconcileLoop picks up schedule changes written to the store by other
// processes.
func (s *Scheduler) reconcileLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.opts.ReconcileInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(s.runCtx, 30*time.Second)
			if err := s.Load(ctx); err != nil {
				logger.Log.Warn("Scheduler reconcile failed", zap.Error(err))
			}
			cancel()
		case <-s.stopCh:
			return
		}
	}
}

// Stop halts the clock and waits for in-flight executions until ctx ends,
// after which they are cancelled.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.stopOnce.Do(func() { close(s.stopCh) })
	logger.Log.Info("Stopping cron scheduler...")
	cronDone := s.cron.Stop()

	drained := make(chan struct{})
	go func() {
		<-cronDone.Done()
		s.wg.Wait()
		close(drained)
	}()

	select {
	case <-drained:
		s.cancelRun()
		logger.Log.Info("Cron scheduler stopped gracefully.")
		return nil
	case <-ctx.Done():
		s.cancelRun()
		logger.Log.Warn("Cron scheduler stop timed out. Cancelling running jobs.", zap.Error(ctx.Err()))
		return fmt.Errorf("scheduler did not drain: %w", ctx.Err())
	}
}

// Load rebuilds the job table from the store. Runtime state of jobs whose
// profile still has a schedule is kept.
func (s *Scheduler) Load(ctx context.Context) error {
	profiles, err := s.store.ListProfiles(ctx)
	if err != nil {
		return fmt.Errorf("failed to load profiles: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[int64]bool, len(profiles))
	for _, p := range profiles {
		if strings.TrimSpace(p.CronSchedule) == "" {
			continue
		}
		sched, err := ParseSchedule(p.CronSchedule)
		if err != nil {
			logger.Log.Error("Ignoring stored schedule", zap.Int64("profileId", p.ID), zap.String("cron", p.CronSchedule), zap.Error(err))
			continue
		}
		s.upsertLocked(p, sched)
		seen[p.ID] = true
	}
	for id := range s.jobs {
		if !seen[id] {
			delete(s.jobs, id)
			logger.Log.Info("Removed cron job", zap.Int64("profileId", id))
		}
	}
	return nil
}

// Sync re-reads one profile after it was created, updated or deleted.
func (s *Scheduler) Sync(ctx context.Context, profileID int64) error {
	p, err := s.store.GetProfile(ctx, profileID)
	if errors.Is(err, store.ErrNotFound) {
		s.remove(profileID)
		return nil
	}
	if err != nil {
		return err
	}
	if strings.TrimSpace(p.CronSchedule) == "" {
		s.remove(profileID)
		return nil
	}
	sched, err := ParseSchedule(p.CronSchedule)
	if err != nil {
		s.remove(profileID)
		return err
	}
	s.mu.Lock()
	s.upsertLocked(*p, sched)
	s.mu.Unlock()
	return nil
}

func (s *Scheduler) upsertLocked(p model.Profile, sched cron.Schedule) {
	j, exists := s.jobs[p.ID]
	if !exists {
		j = &scheduledJob{profileID: p.ID}
		s.jobs[p.ID] = j
	}
	if exists && j.expr != p.CronSchedule {
		logger.Log.Info("Cron expression changed for existing job, re-scheduling",
			zap.Int64("profileId", p.ID),
			zap.String("oldCron", j.expr),
			zap.String("newCron", p.CronSchedule))
	} else if !exists {
		logger.Log.Info("Successfully added new cron job", zap.Int64("profileId", p.ID), zap.String("cron", p.CronSchedule))
	}
	// Reconcile reads the same profile every interval; recomputing the next
	// run each time would keep pushing @every schedules into the future.
	reschedule := !exists || j.expr != p.CronSchedule || j.paused != p.SchedulePaused
	j.name = p.Name
	j.expr = p.CronSchedule
	j.schedule = sched
	j.paused = p.SchedulePaused
	j.uploadAfter = p.UploadToDrive
	if reschedule {
		s.refreshNextLocked(j, s.opts.Now())
	}
}

func (s *Scheduler) refreshNextLocked(j *scheduledJob, now time.Time) {
	if j.paused {
		j.nextRun = time.Time{}
		return
	}
	j.nextRun = j.schedule.Next(now.In(s.opts.Location))
}

func (s *Scheduler) remove(profileID int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[profileID]; !ok {
		return false
	}
	delete(s.jobs, profileID)
	logger.Log.Info("Removed cron job", zap.Int64("profileId", profileID))
	return true
}

func (s *Scheduler) jobCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.jobs)
}

// Tick fires every running job whose next run falls in or before the minute
// containing now, then advances it. A job fires at most once per minute
// however often Tick is called, and a stalled clock catches up with a single
// run rather than one per missed minute.
func (s *Scheduler) Tick(now time.Time) {
	minute := now.In(s.opts.Location).Truncate(time.Minute)

	type due struct {
		profileID   int64
		uploadAfter bool
	}
	var fire []due

	s.mu.Lock()
	for _, j := range s.jobs {
		if j.paused || j.nextRun.IsZero() || j.lastFired.Equal(minute) {
			continue
		}
		if minute.Before(j.nextRun.Truncate(time.Minute)) {
			continue
		}
		j.lastFired = minute
		j.lastRun = now
		j.nextRun = j.schedule.Next(minute)
		fire = append(fire, due{profileID: j.profileID, uploadAfter: j.uploadAfter})
	}
	s.mu.Unlock()

	for _, d := range fire {
		logger.Log.Info("Dispatching scheduled backup", zap.Int64("profileId", d.profileID), zap.Time("minute", minute))
		s.dispatch(d.profileID, d.uploadAfter)
	}
}

func (s *Scheduler) dispatch(profileID int64, uploadAfter bool) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		res, err := s.dumps.Reserve(s.runCtx, profileID, model.TriggerScheduled)
		if err != nil {
			logger.Log.Warn("Scheduled backup skipped", zap.Int64("profileId", profileID), zap.Error(err))
			return
		}
		s.execute(res, profileID, uploadAfter)
	}()
}

// execute runs a reserved dump and, when asked, uploads the result.
// Failures are logged; they never disable the job.
func (s *Scheduler) execute(res *dumper.Reservation, profileID int64, uploadAfter bool) {
	artifact, err := res.Run(s.runCtx)
	if err != nil {
		logger.Log.Error("Backup job failed", zap.Int64("profileId", profileID), zap.Error(err))
		return
	}
	if !uploadAfter || s.uploads == nil {
		return
	}
	if _, err := s.uploads.UploadOne(s.runCtx, artifact.ID); err != nil {
		logger.Log.Error("Automatic upload failed", zap.Int64("profileId", profileID), zap.Int64("artifactId", artifact.ID), zap.Error(err))
	}
}

// RunNow starts a dump for profileID immediately, paused or not. The dump
// lock is claimed before returning, so a concurrent dump is reported as
// dumper.ErrAlreadyRunning.
func (s *Scheduler) RunNow(ctx context.Context, profileID int64) error {
	p, err := s.store.GetProfile(ctx, profileID)
	if err != nil {
		return err
	}
	res, err := s.dumps.Reserve(ctx, profileID, model.TriggerManual)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if j, ok := s.jobs[profileID]; ok {
		j.lastRun = s.opts.Now()
	}
	s.mu.Unlock()

	logger.Log.Info("Running backup now", zap.Int64("profileId", profileID))
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.execute(res, profileID, p.UploadToDrive)
	}()
	return nil
}

func (s *Scheduler) setPaused(ctx context.Context, profileID int64, paused bool) error {
	s.mu.Lock()
	_, ok := s.jobs[profileID]
	s.mu.Unlock()
	if !ok {
		return ErrJobNotFound
	}
	if err := s.store.SetSchedulePaused(ctx, profileID, paused); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if j, ok := s.jobs[profileID]; ok {
		j.paused = paused
		s.refreshNextLocked(j, s.opts.Now())
	}
	logger.Log.Info("Schedule state changed", zap.Int64("profileId", profileID), zap.Bool("paused", paused))
	return nil
}

func (s *Scheduler) Pause(ctx context.Context, profileID int64) error {
	return s.setPaused(ctx, profileID, true)
}

func (s *Scheduler) Resume(ctx context.Context, profileID int64) error {
	return s.setPaused(ctx, profileID, false)
}

// Delete removes the profile's schedule.
func (s *Scheduler) Delete(ctx context.Context, profileID int64) error {
	s.mu.Lock()
	_, ok := s.jobs[profileID]
	s.mu.Unlock()
	if !ok {
		return ErrJobNotFound
	}
	if err := s.store.SetCronSchedule(ctx, profileID, ""); err != nil {
		return err
	}
	s.remove(profileID)
	return nil
}

// SetSchedule stores expr for the profile and (re)schedules it. An invalid
// expression is rejected before anything is stored; an empty one removes
// the schedule.
func (s *Scheduler) SetSchedule(ctx context.Context, profileID int64, expr string) error {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		if err := s.store.SetCronSchedule(ctx, profileID, ""); err != nil {
			return err
		}
		s.remove(profileID)
		return nil
	}

	sched, err := ParseSchedule(expr)
	if err != nil {
		return err
	}
	p, err := s.store.GetProfile(ctx, profileID)
	if err != nil {
		return err
	}
	if err := s.store.SetCronSchedule(ctx, profileID, expr); err != nil {
		return err
	}
	p.CronSchedule = expr

	s.mu.Lock()
	s.upsertLocked(*p, sched)
	s.mu.Unlock()
	return nil
}

// ListJobs returns every scheduled job ordered by profile id, with outcome
// counts from the job log.
func (s *Scheduler) ListJobs(ctx context.Context) ([]model.ScheduledJob, error) {
	s.mu.Lock()
	jobs := make([]model.ScheduledJob, 0, len(s.jobs))
	for _, j := range s.jobs {
		sj := model.ScheduledJob{
			ProfileID:   j.profileID,
			ProfileName: j.name,
			Schedule:    j.expr,
			Status:      model.JobStatusRunning,
			NextRun:     timePtr(j.nextRun),
			LastRun:     timePtr(j.lastRun),
		}
		if j.paused {
			sj.Status = model.JobStatusPaused
		}
		jobs = append(jobs, sj)
	}
	s.mu.Unlock()

	sort.Slice(jobs, func(a, b int) bool { return jobs[a].ProfileID < jobs[b].ProfileID })
	for i := range jobs {
		counts, err := s.store.CountJobLogs(ctx, jobs[i].ProfileID)
		if err != nil {
			return nil, fmt.Errorf("failed to count job logs: %w", err)
		}
		jobs[i].SuccessCount = counts.Success
		jobs[i].FailedCount = counts.Failed
	}
	return jobs, nil
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
