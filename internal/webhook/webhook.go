package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/auroraphtgrp01/go-dump-postgres/internal/config"
	"github.com/auroraphtgrp01/go-dump-postgres/internal/logger"
	"github.com/auroraphtgrp01/go-dump-postgres/internal/notify"

	"go.uber.org/zap"
)

const (
	DefaultWebhookTimeout    = 10 * time.Second
	DefaultWebhookMaxRetries = 3
	HMACHeaderName           = "X-Backup-Signature-SHA256"
	queueSize                = 100
)

// NotificationPayload is the JSON body posted to the webhook.
type NotificationPayload struct {
	notify.Event
	DurationSeconds float64 `json:"duration_seconds"`
}

// Sender posts notifications asynchronously with retries and optional
// HMAC signing.
type Sender struct {
	httpClient *http.Client
	targetURL  string
	secret     string
	maxRetries int
	backoff    func(attempt int) time.Duration

	queue    chan NotificationPayload
	stopOnce sync.Once
	stopChan chan struct{}
	wg       sync.WaitGroup
}

var _ notify.Notifier = (*Sender)(nil)

// extractHost returns the hostname of urlString for log fields.
func extractHost(urlString string) string {
	u, err := url.Parse(urlString)
	if err != nil || u.Hostname() == "" {
		return "unknown_host"
	}
	return u.Hostname()
}

func NewSender(cfg config.NotifyConfig) *Sender {
	timeout := cfg.WebhookTimeout
	if timeout <= 0 {
		timeout = DefaultWebhookTimeout
	}
	maxRetries := cfg.WebhookMaxRetries
	if maxRetries < 0 {
		logger.Log.Warn("Invalid webhook max_retries value", zap.Int("value", maxRetries), zap.Int("default", DefaultWebhookMaxRetries))
		maxRetries = DefaultWebhookMaxRetries
	}

	s := &Sender{
		httpClient: &http.Client{Timeout: timeout},
		targetURL:  cfg.WebhookURL,
		secret:     cfg.WebhookSecret,
		maxRetries: maxRetries,
		backoff: func(attempt int) time.Duration {
			return time.Duration(2<<attempt) * time.Second
		},
		queue:    make(chan NotificationPayload, queueSize),
		stopChan: make(chan struct{}),
	}

	s.wg.Add(1)
	go s.worker()

	logger.Log.Info("Webhook Sender initialized.",
		zap.String("targetHost", extractHost(s.targetURL)),
		zap.Int("maxRetries", s.maxRetries),
		zap.Duration("timeout", timeout),
		zap.Bool("hmacSecretConfigured", s.secret != ""),
	)
	return s
}

// Notify queues e for delivery. Events are dropped when the queue is full.
func (s *Sender) Notify(e notify.Event) {
	if s.targetURL == "" {
		return
	}
	payload := NotificationPayload{Event: e, DurationSeconds: e.Duration.Seconds()}
	if payload.Timestamp.IsZero() {
		payload.Timestamp = time.Now().UTC()
	}

	select {
	case s.queue <- payload:
		logger.Log.Debug("Enqueued webhook notification", zap.Int64("profileId", e.ProfileID), zap.String("kind", string(e.Kind)))
	default:
		logger.Log.Warn("Webhook queue full. Dropping notification.", zap.Int64("profileId", e.ProfileID))
	}
}

func (s *Sender) worker() {
	defer s.wg.Done()
	for {
		select {
		case item := <-s.queue:
			s.sendWithRetries(item)
		case <-s.stopChan:
			logger.Log.Info("Webhook worker stopping.")
			return
		}
	}
}

func (s *Sender) sendWithRetries(payload NotificationPayload) {
	baseFields := []zap.Field{
		zap.Int64("profileId", payload.ProfileID),
		zap.String("kind", string(payload.Kind)),
		zap.String("targetHost", extractHost(s.targetURL)),
	}

	var lastErr error
	for attempt := 0; attempt <= s.maxRetries; attempt++ {
		fields := append(baseFields, zap.Int("attempt", attempt+1), zap.Int("maxAttempts", s.maxRetries+1))
		lastErr = s.sendAttempt(payload)
		if lastErr == nil {
			logger.Log.Info("Webhook sent successfully", fields...)
			return
		}
		logger.Log.Warn("Webhook send attempt failed", append(fields, zap.Error(lastErr))...)
		if attempt < s.maxRetries {
			select {
			case <-time.After(s.backoff(attempt)):
			case <-s.stopChan:
				logger.Log.Warn("Webhook retry abandoned on shutdown", baseFields...)
				return
			}
		}
	}
	logger.Log.Error("Webhook failed after all retries.", append(baseFields, zap.Error(lastErr))...)
}

// Sign returns the hex HMAC-SHA256 of body under secret.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func (s *Sender) sendAttempt(payload NotificationPayload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal webhook payload: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.httpClient.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.targetURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "BackupScheduler/1.0")
	if s.secret != "" {
		req.Header.Set(HMACHeaderName, Sign(s.secret, body))
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("HTTP request failed for webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("webhook returned non-2xx status: %s. Body: %s", resp.Status, string(respBody))
	}
	return nil
}

// Stop shuts the worker down. Queued notifications that were not picked up
// are discarded.
func (s *Sender) Stop() {
	s.stopOnce.Do(func() {
		logger.Log.Info("Stopping webhook sender...")
		close(s.stopChan)
	})
	s.wg.Wait()
}
