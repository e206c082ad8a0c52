package store

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/auroraphtgrp01/go-dump-postgres/internal/config"
	"github.com/auroraphtgrp01/go-dump-postgres/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), config.DatabaseConfig{
		Driver: "sqlite",
		DSN:    filepath.Join(t.TempDir(), "meta.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newProfile(name string) *model.Profile {
	return &model.Profile{
		Name:            name,
		DBUser:          "postgres",
		DBPassword:      "secret",
		ContainerName:   "pg-" + name,
		DBName:          name,
		BackupRetention: 7,
	}
}

func countActive(t *testing.T, s *Store) int {
	t.Helper()
	profiles, err := s.ListProfiles(context.Background())
	require.NoError(t, err)
	n := 0
	for _, p := range profiles {
		if p.IsActive {
			n++
		}
	}
	return n
}

func TestCreateProfileValidation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	tests := []struct {
		name    string
		mutate  func(p *model.Profile)
		wantErr bool
	}{
		{"valid", func(p *model.Profile) {}, false},
		{"missing name", func(p *model.Profile) { p.Name = " " }, true},
		{"missing container", func(p *model.Profile) { p.ContainerName = "" }, true},
		{"missing db", func(p *model.Profile) { p.DBName = "" }, true},
		{"negative retention", func(p *model.Profile) { p.BackupRetention = -1 }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newProfile("shop")
			tt.mutate(p)
			err := s.CreateProfile(ctx, p)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidProfile)
				return
			}
			require.NoError(t, err)
			assert.NotZero(t, p.ID)
			assert.Equal(t, DefaultFolderDrive, p.FolderDrive)
		})
	}
}

func TestCreateProfileKeepsZeroRetention(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	p := newProfile("forever")
	p.BackupRetention = 0
	require.NoError(t, s.CreateProfile(ctx, p))

	got, err := s.GetProfile(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, got.BackupRetention)
}

func TestAtMostOneActiveProfile(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	var ids []int64
	for _, name := range []string{"a", "b", "c", "d"} {
		p := newProfile(name)
		p.IsActive = true
		require.NoError(t, s.CreateProfile(ctx, p))
		ids = append(ids, p.ID)
		assert.Equal(t, 1, countActive(t, s))
	}

	active, err := s.ActiveProfile(ctx)
	require.NoError(t, err)
	assert.Equal(t, ids[3], active.ID)

	require.NoError(t, s.SetActive(ctx, ids[0]))
	assert.Equal(t, 1, countActive(t, s))

	assert.ErrorIs(t, s.SetActive(ctx, 999), ErrNotFound)
	assert.Equal(t, 1, countActive(t, s))

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(id int64) {
			defer wg.Done()
			assert.NoError(t, s.SetActive(ctx, id))
		}(ids[i%len(ids)])
	}
	wg.Wait()
	assert.Equal(t, 1, countActive(t, s))
}

func TestToggleActive(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a, b := newProfile("a"), newProfile("b")
	require.NoError(t, s.CreateProfile(ctx, a))
	require.NoError(t, s.CreateProfile(ctx, b))

	on, err := s.ToggleActive(ctx, a.ID)
	require.NoError(t, err)
	assert.True(t, on)

	on, err = s.ToggleActive(ctx, b.ID)
	require.NoError(t, err)
	assert.True(t, on)
	assert.Equal(t, 1, countActive(t, s))

	on, err = s.ToggleActive(ctx, b.ID)
	require.NoError(t, err)
	assert.False(t, on)
	assert.Equal(t, 0, countActive(t, s))

	_, err = s.ToggleActive(ctx, 404)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUpdateProfile(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a, b := newProfile("a"), newProfile("b")
	a.IsActive = true
	require.NoError(t, s.CreateProfile(ctx, a))
	require.NoError(t, s.CreateProfile(ctx, b))

	change := *b
	change.DBPassword = ""
	change.Description = "nightly"
	change.UploadToDrive = true
	change.IsActive = true
	updated, err := s.UpdateProfile(ctx, b.ID, change)
	require.NoError(t, err)
	assert.Equal(t, "nightly", updated.Description)
	assert.True(t, updated.UploadToDrive)
	assert.True(t, updated.IsActive)
	assert.Equal(t, "secret", updated.DBPassword, "empty password keeps the stored one")
	assert.Equal(t, 1, countActive(t, s))

	_, err = s.UpdateProfile(ctx, 404, change)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDeleteProfile(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	p := newProfile("a")
	p.IsActive = true
	require.NoError(t, s.CreateProfile(ctx, p))

	assert.ErrorIs(t, s.DeleteProfile(ctx, p.ID), ErrProfileActive)

	_, err := s.ToggleActive(ctx, p.ID)
	require.NoError(t, err)
	require.NoError(t, s.DeleteProfile(ctx, p.ID))

	_, err = s.GetProfile(ctx, p.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, s.DeleteProfile(ctx, p.ID), ErrNotFound)
}

func TestSeedProfile(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	created, err := s.SeedProfile(ctx, newProfile("seed"))
	require.NoError(t, err)
	assert.True(t, created)

	created, err = s.SeedProfile(ctx, newProfile("again"))
	require.NoError(t, err)
	assert.False(t, created)

	active, err := s.ActiveProfile(ctx)
	require.NoError(t, err)
	assert.Equal(t, "seed", active.Name)
}

func TestArtifacts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)

	for i, offset := range []time.Duration{0, time.Hour, 2 * time.Hour} {
		a := &model.BackupArtifact{
			ProfileID: 1,
			Name:      []string{"old.sql.gz", "mid.sql.gz", "new.sql.gz"}[i],
			Path:      "/tmp/x",
			CreatedAt: base.Add(offset),
		}
		require.NoError(t, s.CreateArtifact(ctx, a))
	}
	other := &model.BackupArtifact{ProfileID: 2, Name: "other.sql.gz", Path: "/tmp/y", CreatedAt: base}
	require.NoError(t, s.CreateArtifact(ctx, other))

	all, err := s.ListArtifacts(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, all, 4)

	mine, err := s.ListArtifacts(ctx, 1)
	require.NoError(t, err)
	require.Len(t, mine, 3)
	assert.Equal(t, "new.sql.gz", mine[0].Name)

	latest, err := s.LatestArtifact(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "new.sql.gz", latest.Name)

	require.NoError(t, s.MarkUploaded(ctx, latest.ID, "https://drive/new"))
	pending, err := s.PendingArtifacts(ctx, 1)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, "old.sql.gz", pending[0].Name)

	got, err := s.GetArtifact(ctx, latest.ID)
	require.NoError(t, err)
	assert.True(t, got.Uploaded)
	assert.Equal(t, "https://drive/new", got.DriveLink)

	require.NoError(t, s.DeleteArtifact(ctx, got.ID))
	assert.ErrorIs(t, s.DeleteArtifact(ctx, got.ID), ErrNotFound)
	assert.ErrorIs(t, s.MarkUploaded(ctx, got.ID, "x"), ErrNotFound)

	_, err = s.LatestArtifact(ctx, 42)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestJobLogLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	entry := &model.JobLogEntry{ProfileID: 7, Status: model.LogStatusManual, Trigger: model.TriggerManual}
	require.NoError(t, s.StartJob(ctx, entry))
	assert.NotZero(t, entry.ID)
	assert.False(t, entry.StartTime.IsZero())

	require.NoError(t, s.FinishJob(ctx, entry.ID, model.LogStatusSuccess, "shop.sql.gz", "done"))
	assert.ErrorIs(t, s.FinishJob(ctx, entry.ID, model.LogStatusFailed, "", "again"), ErrLogFinished)
	assert.ErrorIs(t, s.FinishJob(ctx, 999, model.LogStatusFailed, "", "missing"), ErrNotFound)
	assert.Error(t, s.FinishJob(ctx, entry.ID, model.LogStatusRunning, "", "not terminal"))
	assert.Error(t, s.StartJob(ctx, &model.JobLogEntry{ProfileID: 7, Status: model.LogStatusFailed}))

	failed := &model.JobLogEntry{ProfileID: 7, Status: model.LogStatusRunning, Trigger: model.TriggerScheduled}
	require.NoError(t, s.StartJob(ctx, failed))
	require.NoError(t, s.FinishJob(ctx, failed.ID, model.LogStatusFailed, "", "boom"))

	running := &model.JobLogEntry{ProfileID: 7, Status: model.LogStatusRunning, Trigger: model.TriggerScheduled}
	require.NoError(t, s.StartJob(ctx, running))

	logs, err := s.ListJobLogs(ctx, 7, 0)
	require.NoError(t, err)
	require.Len(t, logs, 3)
	assert.Equal(t, running.ID, logs[0].ID)
	assert.Nil(t, logs[0].EndTime)

	var first model.JobLogEntry
	for _, l := range logs {
		if l.ID == entry.ID {
			first = l
		}
	}
	require.NotNil(t, first.EndTime)
	assert.Equal(t, model.LogStatusSuccess, first.Status)
	assert.Equal(t, "done", first.Message)
	assert.Equal(t, "shop.sql.gz", first.BackupFile)

	limited, err := s.ListJobLogs(ctx, 7, 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)

	counts, err := s.CountJobLogs(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, JobCounts{Success: 1, Failed: 1}, counts)
}
