package uploader

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/auroraphtgrp01/go-dump-postgres/internal/config"
	"github.com/auroraphtgrp01/go-dump-postgres/internal/model"
	"github.com/auroraphtgrp01/go-dump-postgres/internal/store"
	"github.com/auroraphtgrp01/go-dump-postgres/internal/writer"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRemote struct {
	authErr   error
	uploadErr func(obj writer.Object) error
	delay     time.Duration

	uploads atomic.Int32
	mu      sync.Mutex
	objects []writer.Object
}

func (f *fakeRemote) Type() string { return "fake" }

func (f *fakeRemote) Authenticated(ctx context.Context) error { return f.authErr }

func (f *fakeRemote) Upload(ctx context.Context, obj writer.Object) (string, error) {
	f.uploads.Add(1)
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if f.uploadErr != nil {
		if err := f.uploadErr(obj); err != nil {
			return "", err
		}
	}
	f.mu.Lock()
	f.objects = append(f.objects, obj)
	f.mu.Unlock()
	return "https://remote.example/" + obj.Folder + "/" + obj.Name, nil
}

type fixture struct {
	store   *store.Store
	profile *model.Profile
	dir     string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st, err := store.Open(context.Background(), config.DatabaseConfig{
		Driver: "sqlite",
		DSN:    filepath.Join(t.TempDir(), "meta.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	p := &model.Profile{
		Name:            "shop",
		DBUser:          "postgres",
		ContainerName:   "pg-shop",
		DBName:          "shop",
		BackupRetention: 7,
		FolderDrive:     "shop-backups",
	}
	require.NoError(t, st.CreateProfile(context.Background(), p))
	return &fixture{store: st, profile: p, dir: t.TempDir()}
}

func (f *fixture) addArtifact(t *testing.T, name string, onDisk bool, createdAt time.Time) *model.BackupArtifact {
	t.Helper()
	path := filepath.Join(f.dir, name)
	if onDisk {
		require.NoError(t, os.WriteFile(path, []byte("dump"), 0o644))
	}
	a := &model.BackupArtifact{ProfileID: f.profile.ID, Name: name, Path: path, Size: 4, CreatedAt: createdAt}
	require.NoError(t, f.store.CreateArtifact(context.Background(), a))
	return a
}

func TestUploadOneIsIdempotent(t *testing.T) {
	f := newFixture(t)
	a := f.addArtifact(t, "a.sql.gz", true, time.Now())
	remote := &fakeRemote{delay: 20 * time.Millisecond}
	u := NewExecutor(f.store, remote, Options{})
	ctx := context.Background()

	links := make([]string, 2)
	var wg sync.WaitGroup
	for i := range links {
		wg.Add(1)
		go func() {
			defer wg.Done()
			link, err := u.UploadOne(ctx, a.ID)
			assert.NoError(t, err)
			links[i] = link
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), remote.uploads.Load())
	assert.Equal(t, links[0], links[1])
	assert.Equal(t, "https://remote.example/shop-backups/a.sql.gz", links[0])
	assert.Equal(t, 0, u.locks.size())

	stored, err := f.store.GetArtifact(ctx, a.ID)
	require.NoError(t, err)
	assert.True(t, stored.Uploaded)
	assert.Equal(t, links[0], stored.DriveLink)

	logs, err := f.store.ListJobLogs(ctx, f.profile.ID, 10)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, model.TriggerUpload, logs[0].Trigger)
	assert.Equal(t, model.LogStatusSuccess, logs[0].Status)
}

func TestUploadOneFailsFastWhenNotAuthenticated(t *testing.T) {
	f := newFixture(t)
	remote := &fakeRemote{authErr: writer.ErrNotAuthenticated}
	u := NewExecutor(f.store, remote, Options{})

	_, err := u.UploadOne(context.Background(), 12345)
	assert.ErrorIs(t, err, ErrNotAuthenticated)
	assert.Equal(t, int32(0), remote.uploads.Load())

	_, err = u.UploadAll(context.Background(), f.profile.ID)
	assert.ErrorIs(t, err, ErrNotAuthenticated)
}

func TestUploadOneErrorKinds(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	t.Run("artifact not found", func(t *testing.T) {
		_, err := NewExecutor(f.store, &fakeRemote{}, Options{}).UploadOne(ctx, 999)
		assert.ErrorIs(t, err, ErrArtifactNotFound)
	})

	t.Run("file missing", func(t *testing.T) {
		a := f.addArtifact(t, "gone.sql.gz", false, time.Now())
		remote := &fakeRemote{}
		_, err := NewExecutor(f.store, remote, Options{}).UploadOne(ctx, a.ID)
		assert.ErrorIs(t, err, ErrArtifactMissing)
		assert.Equal(t, int32(0), remote.uploads.Load())
	})

	t.Run("quota exceeded", func(t *testing.T) {
		a := f.addArtifact(t, "big.sql.gz", true, time.Now())
		remote := &fakeRemote{uploadErr: func(writer.Object) error {
			return fmt.Errorf("%w: storage full", writer.ErrQuotaExceeded)
		}}
		_, err := NewExecutor(f.store, remote, Options{}).UploadOne(ctx, a.ID)
		assert.ErrorIs(t, err, ErrQuotaExceeded)

		stored, err := f.store.GetArtifact(ctx, a.ID)
		require.NoError(t, err)
		assert.False(t, stored.Uploaded)
	})

	t.Run("transfer failed", func(t *testing.T) {
		a := f.addArtifact(t, "flaky.sql.gz", true, time.Now())
		remote := &fakeRemote{uploadErr: func(writer.Object) error { return errors.New("connection reset") }}
		_, err := NewExecutor(f.store, remote, Options{}).UploadOne(ctx, a.ID)

		var uploadErr *UploadError
		require.ErrorAs(t, err, &uploadErr)
		assert.Equal(t, ErrTransferFailed, uploadErr.Kind)
		assert.Equal(t, "connection reset", uploadErr.Reason)
	})
}

func TestUploadLast(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	u := NewExecutor(f.store, &fakeRemote{}, Options{})

	_, err := u.UploadLast(ctx, f.profile.ID)
	assert.ErrorIs(t, err, ErrArtifactNotFound)

	f.addArtifact(t, "old.sql.gz", true, time.Now().Add(-time.Hour))
	newest := f.addArtifact(t, "new.sql.gz", true, time.Now())

	res, err := u.UploadLast(ctx, f.profile.ID)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, newest.ID, res.ArtifactID)

	_, err = u.UploadLast(ctx, 999)
	assert.ErrorIs(t, err, ErrProfileNotFound)
}

func TestUploadAllIsBestEffort(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	base := time.Now().Add(-time.Hour)
	for i := 0; i < 4; i++ {
		f.addArtifact(t, fmt.Sprintf("b%d.sql.gz", i), i != 2, base.Add(time.Duration(i)*time.Minute))
	}
	done := f.addArtifact(t, "done.sql.gz", true, base)
	require.NoError(t, f.store.MarkUploaded(ctx, done.ID, "https://remote.example/done"))

	remote := &fakeRemote{}
	u := NewExecutor(f.store, remote, Options{Concurrency: 2})
	results, err := u.UploadAll(ctx, f.profile.ID)
	require.NoError(t, err)
	require.Len(t, results, 4)

	var ok, failed int
	for _, r := range results {
		if r.Success {
			ok++
		} else {
			failed++
			assert.Equal(t, "b2.sql.gz", r.Name)
		}
	}
	assert.Equal(t, 3, ok)
	assert.Equal(t, 1, failed)
	assert.Equal(t, int32(3), remote.uploads.Load())

	pending, err := f.store.PendingArtifacts(ctx, f.profile.ID)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "b2.sql.gz", pending[0].Name)
}

func TestKeyedMutexSerializesSameKey(t *testing.T) {
	km := newKeyedMutex()
	var active, peak atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := km.Lock(1)
			if n := active.Add(1); n > peak.Load() {
				peak.Store(n)
			}
			time.Sleep(time.Millisecond)
			active.Add(-1)
			unlock()
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), peak.Load())
	assert.Equal(t, 0, km.size())
}
