package scheduler

import (
	"context"
	"io"
	"path/filepath"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/auroraphtgrp01/go-dump-postgres/internal/config"
	"github.com/auroraphtgrp01/go-dump-postgres/internal/dumper"
	"github.com/auroraphtgrp01/go-dump-postgres/internal/model"
	"github.com/auroraphtgrp01/go-dump-postgres/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var clock = time.Date(2026, 1, 1, 0, 0, 30, 0, time.UTC)

type stubDumper struct {
	release chan struct{}
}

func (d *stubDumper) Dump(ctx context.Context, p model.Profile, w io.Writer) error {
	if d.release != nil {
		<-d.release
	}
	_, err := io.WriteString(w, "SELECT 1;\n")
	return err
}

func (d *stubDumper) TestConnection(ctx context.Context, p model.Profile) error { return nil }

type recordingUploads struct {
	mu  sync.Mutex
	ids []int64
}

func (r *recordingUploads) UploadOne(ctx context.Context, artifactID int64) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ids = append(r.ids, artifactID)
	return "https://remote.example/x", nil
}

type harness struct {
	store   *store.Store
	sched   *Scheduler
	uploads *recordingUploads
}

func newHarness(t *testing.T, d dumper.Dumper) *harness {
	t.Helper()
	st, err := store.Open(context.Background(), config.DatabaseConfig{
		Driver: "sqlite",
		DSN:    filepath.Join(t.TempDir(), "meta.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	exec := dumper.NewExecutor(st, d, dumper.Options{BaseDir: t.TempDir()})
	uploads := &recordingUploads{}
	s := New(st, exec, uploads, Options{Location: time.UTC, Now: func() time.Time { return clock }})
	return &harness{store: st, sched: s, uploads: uploads}
}

func (h *harness) profile(t *testing.T, cronExpr string) *model.Profile {
	t.Helper()
	p := &model.Profile{
		Name:            "shop",
		DBUser:          "postgres",
		ContainerName:   "pg-shop",
		DBName:          "shop",
		BackupRetention: 7,
		CronSchedule:    cronExpr,
	}
	require.NoError(t, h.store.CreateProfile(context.Background(), p))
	return p
}

func (h *harness) logs(t *testing.T, profileID int64) []model.JobLogEntry {
	t.Helper()
	logs, err := h.store.ListJobLogs(context.Background(), profileID, 50)
	require.NoError(t, err)
	return logs
}

func TestPausedJobDoesNotRun(t *testing.T) {
	h := newHarness(t, &stubDumper{})
	ctx := context.Background()
	p := h.profile(t, "*/5 * * * *")
	require.NoError(t, h.sched.Load(ctx))

	require.NoError(t, h.sched.Pause(ctx, p.ID))
	h.sched.Tick(time.Date(2026, 1, 1, 10, 5, 0, 0, time.UTC))
	h.sched.wg.Wait()
	assert.Empty(t, h.logs(t, p.ID))

	stored, err := h.store.GetProfile(ctx, p.ID)
	require.NoError(t, err)
	assert.True(t, stored.SchedulePaused)

	require.NoError(t, h.sched.Resume(ctx, p.ID))
	h.sched.Tick(time.Date(2026, 1, 1, 10, 10, 0, 0, time.UTC))
	h.sched.wg.Wait()

	logs := h.logs(t, p.ID)
	require.Len(t, logs, 1)
	assert.Equal(t, model.LogStatusSuccess, logs[0].Status)
	assert.Equal(t, model.TriggerScheduled, logs[0].Trigger)
}

func TestTickFiresOncePerMinuteAndOnlyWhenDue(t *testing.T) {
	h := newHarness(t, &stubDumper{})
	ctx := context.Background()
	p := h.profile(t, "0 2 * * *")
	require.NoError(t, h.sched.Load(ctx))

	h.sched.Tick(time.Date(2026, 1, 1, 1, 59, 0, 0, time.UTC))
	h.sched.Tick(time.Date(2026, 1, 1, 2, 0, 0, 0, time.UTC))
	h.sched.Tick(time.Date(2026, 1, 1, 2, 0, 40, 0, time.UTC))
	h.sched.wg.Wait()

	assert.Len(t, h.logs(t, p.ID), 1)

	jobs, err := h.sched.ListJobs(ctx)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	require.NotNil(t, jobs[0].NextRun)
	assert.Equal(t, time.Date(2026, 1, 2, 2, 0, 0, 0, time.UTC), *jobs[0].NextRun)
	assert.Equal(t, int64(1), jobs[0].SuccessCount)
	assert.NotNil(t, jobs[0].LastRun)
}

func TestTickFiresEveryScheduleKind(t *testing.T) {
	at := func(day, hour, minute int) time.Time { return time.Date(2026, 1, day, hour, minute, 0, 0, time.UTC) }

	cases := []struct {
		name  string
		expr  string
		quiet []time.Time
		fires []time.Time
		next  time.Time
	}{
		{
			name:  "five field",
			expr:  "30 1 * * *",
			quiet: []time.Time{at(1, 1, 29), at(1, 1, 31)},
			fires: []time.Time{at(1, 1, 30)},
			next:  at(2, 1, 30),
		},
		{
			name:  "descriptor",
			expr:  "@daily",
			quiet: []time.Time{at(1, 23, 59), at(2, 0, 1)},
			fires: []time.Time{at(2, 0, 0)},
			next:  at(3, 0, 0),
		},
		{
			name:  "constant delay",
			expr:  "@every 1h",
			quiet: []time.Time{at(1, 0, 59), at(1, 1, 30)},
			fires: []time.Time{at(1, 1, 0), at(1, 2, 0)},
			next:  at(1, 3, 0),
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t, &stubDumper{})
			ctx := context.Background()
			p := h.profile(t, tc.expr)
			require.NoError(t, h.sched.Load(ctx))

			ticks := append(append([]time.Time{}, tc.quiet...), tc.fires...)
			slices.SortFunc(ticks, func(a, b time.Time) int { return a.Compare(b) })
			for _, tick := range ticks {
				h.sched.Tick(tick)
				h.sched.wg.Wait()
				// A reconcile between ticks must not move the next run.
				require.NoError(t, h.sched.Load(ctx))
			}

			assert.Len(t, h.logs(t, p.ID), len(tc.fires))
			jobs, err := h.sched.ListJobs(ctx)
			require.NoError(t, err)
			require.Len(t, jobs, 1)
			require.NotNil(t, jobs[0].NextRun)
			assert.Equal(t, tc.next, *jobs[0].NextRun)
		})
	}
}

func TestSetScheduleRoundTrip(t *testing.T) {
	h := newHarness(t, &stubDumper{})
	ctx := context.Background()
	p := h.profile(t, "")
	require.NoError(t, h.sched.Load(ctx))

	jobs, err := h.sched.ListJobs(ctx)
	require.NoError(t, err)
	assert.Empty(t, jobs)

	require.NoError(t, h.sched.SetSchedule(ctx, p.ID, " 0 2 * * * "))
	jobs, err = h.sched.ListJobs(ctx)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, "0 2 * * *", jobs[0].Schedule)
	assert.Equal(t, model.JobStatusRunning, jobs[0].Status)
	assert.Equal(t, "shop", jobs[0].ProfileName)
	require.NotNil(t, jobs[0].NextRun)
	assert.Equal(t, time.Date(2026, 1, 1, 2, 0, 0, 0, time.UTC), *jobs[0].NextRun)

	stored, err := h.store.GetProfile(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, "0 2 * * *", stored.CronSchedule)

	require.NoError(t, h.sched.SetSchedule(ctx, p.ID, ""))
	jobs, err = h.sched.ListJobs(ctx)
	require.NoError(t, err)
	assert.Empty(t, jobs)
}

func TestSetScheduleRejectsInvalidExpression(t *testing.T) {
	h := newHarness(t, &stubDumper{})
	ctx := context.Background()
	p := h.profile(t, "0 2 * * *")
	require.NoError(t, h.sched.Load(ctx))

	for _, expr := range []string{"not a cron", "61 * * * *", "* * * * * *", "custom"} {
		err := h.sched.SetSchedule(ctx, p.ID, expr)
		assert.ErrorIs(t, err, ErrInvalidCronExpr, expr)
	}

	stored, err := h.store.GetProfile(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, "0 2 * * *", stored.CronSchedule)

	jobs, err := h.sched.ListJobs(ctx)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, "0 2 * * *", jobs[0].Schedule)
}

func TestRunNowWhilePausedAndAlreadyRunning(t *testing.T) {
	d := &stubDumper{release: make(chan struct{})}
	h := newHarness(t, d)
	ctx := context.Background()
	p := h.profile(t, "0 2 * * *")
	require.NoError(t, h.sched.Load(ctx))
	require.NoError(t, h.sched.Pause(ctx, p.ID))

	require.NoError(t, h.sched.RunNow(ctx, p.ID))
	err := h.sched.RunNow(ctx, p.ID)
	assert.ErrorIs(t, err, dumper.ErrAlreadyRunning)

	close(d.release)
	h.sched.wg.Wait()

	counts, err := h.store.CountJobLogs(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts.Success)
	assert.Equal(t, int64(1), counts.Failed)

	assert.ErrorIs(t, h.sched.RunNow(ctx, 999), store.ErrNotFound)
}

func TestSuccessfulDumpChainsUpload(t *testing.T) {
	h := newHarness(t, &stubDumper{})
	ctx := context.Background()
	p := h.profile(t, "")
	p.UploadToDrive = true
	_, err := h.store.UpdateProfile(ctx, p.ID, *p)
	require.NoError(t, err)

	require.NoError(t, h.sched.RunNow(ctx, p.ID))
	h.sched.wg.Wait()

	latest, err := h.store.LatestArtifact(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, []int64{latest.ID}, h.uploads.ids)
}

func TestDeleteAndSync(t *testing.T) {
	h := newHarness(t, &stubDumper{})
	ctx := context.Background()
	p := h.profile(t, "@daily")
	require.NoError(t, h.sched.Load(ctx))

	assert.ErrorIs(t, h.sched.Pause(ctx, 999), ErrJobNotFound)
	require.NoError(t, h.sched.Delete(ctx, p.ID))
	assert.ErrorIs(t, h.sched.Delete(ctx, p.ID), ErrJobNotFound)

	stored, err := h.store.GetProfile(ctx, p.ID)
	require.NoError(t, err)
	assert.Empty(t, stored.CronSchedule)

	require.NoError(t, h.store.SetCronSchedule(ctx, p.ID, "@every 1h"))
	require.NoError(t, h.sched.Sync(ctx, p.ID))
	jobs, err := h.sched.ListJobs(ctx)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, "@every 1h", jobs[0].Schedule)

	require.NoError(t, h.store.DeleteProfile(ctx, p.ID))
	require.NoError(t, h.sched.Sync(ctx, p.ID))
	jobs, err = h.sched.ListJobs(ctx)
	require.NoError(t, err)
	assert.Empty(t, jobs)
}

func TestStartAndStop(t *testing.T) {
	h := newHarness(t, &stubDumper{})
	ctx := context.Background()
	h.profile(t, "0 2 * * *")

	require.NoError(t, h.sched.Start(ctx))
	assert.Equal(t, 1, h.sched.jobCount())

	stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	assert.NoError(t, h.sched.Stop(stopCtx))
}

func TestScheduleOptionsOrder(t *testing.T) {
	var values []string
	for _, o := range ScheduleOptions() {
		values = append(values, o.Value)
	}
	assert.Equal(t, []string{"*/1 * * * *", "0 */1 * * *", "0 2 * * *", "0 2 * * 0", "0 2 1 * *", "custom"}, values)
}

func TestValidateSchedule(t *testing.T) {
	assert.NoError(t, ValidateSchedule(""))
	assert.NoError(t, ValidateSchedule("@weekly"))
	assert.ErrorIs(t, ValidateSchedule("every day"), ErrInvalidCronExpr)
}
