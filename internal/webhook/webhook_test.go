package webhook

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/auroraphtgrp01/go-dump-postgres/internal/config"
	"github.com/auroraphtgrp01/go-dump-postgres/internal/notify"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSenderSignsAndRetries(t *testing.T) {
	var (
		calls    atomic.Int32
		mu       sync.Mutex
		received []byte
		sig      string
		done     = make(chan struct{})
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		received = body
		sig = r.Header.Get(HMACHeaderName)
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
		close(done)
	}))
	defer srv.Close()

	s := NewSender(config.NotifyConfig{
		WebhookURL:        srv.URL,
		WebhookSecret:     "shh",
		WebhookTimeout:    time.Second,
		WebhookMaxRetries: 2,
	})
	s.backoff = func(int) time.Duration { return time.Millisecond }
	defer s.Stop()

	s.Notify(notify.Event{
		Kind:        notify.EventDump,
		ProfileID:   3,
		ProfileName: "shop",
		Success:     true,
		Duration:    1500 * time.Millisecond,
	})

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("webhook was not delivered")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, Sign("shh", received), sig)

	var payload map[string]interface{}
	require.NoError(t, json.Unmarshal(received, &payload))
	assert.Equal(t, "dump", payload["kind"])
	assert.Equal(t, float64(3), payload["profile_id"])
	assert.Equal(t, 1.5, payload["duration_seconds"])
	assert.NotEmpty(t, payload["timestamp_utc"])
}

func TestSenderWithoutURLIsSilent(t *testing.T) {
	s := NewSender(config.NotifyConfig{})
	s.Notify(notify.Event{ProfileID: 1})
	s.Stop()
	s.Stop()
	assert.Empty(t, s.queue)
}

func TestExtractHost(t *testing.T) {
	assert.Equal(t, "hooks.example.com", extractHost("https://hooks.example.com/x"))
	assert.Equal(t, "unknown_host", extractHost(""))
}
