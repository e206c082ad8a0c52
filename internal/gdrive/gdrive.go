package gdrive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/auroraphtgrp01/go-dump-postgres/internal/config"
	"github.com/auroraphtgrp01/go-dump-postgres/internal/logger"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/drive/v3"
	"google.golang.org/api/option"
)

var (
	ErrNoCredentials = errors.New("google client id and secret are not configured")
	ErrNoToken       = errors.New("google drive token not found, authorization required")
	ErrInvalidState  = errors.New("oauth state is unknown or expired, request a new authorization url")
)

// StateTTL bounds how long an issued OAuth state can complete a consent.
const StateTTL = 10 * time.Minute

// CredentialsFunc supplies OAuth client credentials when the configuration
// leaves them empty.
type CredentialsFunc func(ctx context.Context) (clientID, clientSecret string)

// Manager owns the OAuth token used for Drive uploads.
type Manager struct {
	cfg      config.DriveConfig
	fallback CredentialsFunc
	now      func() time.Time

	mu sync.Mutex

	stateMu sync.Mutex
	states  map[string]time.Time
}

type TokenInfo struct {
	ExpiresAt       *time.Time `json:"expires_at,omitempty"`
	HasRefreshToken bool       `json:"has_refresh_token"`
	Expired         bool       `json:"expired"`
}

type Status struct {
	IsAuthenticated bool       `json:"is_authenticated"`
	HasIssues       bool       `json:"has_issues"`
	ConfigIssues    []string   `json:"config_issues"`
	TokenInfo       *TokenInfo `json:"token_info,omitempty"`
}

func NewManager(cfg config.DriveConfig, fallback CredentialsFunc) *Manager {
	return &Manager{
		cfg:      cfg,
		fallback: fallback,
		now:      time.Now,
		states:   make(map[string]time.Time),
	}
}

func (m *Manager) credentials(ctx context.Context) (string, string) {
	if m.cfg.ClientID != "" && m.cfg.ClientSecret != "" {
		return m.cfg.ClientID, m.cfg.ClientSecret
	}
	if m.fallback != nil {
		return m.fallback(ctx)
	}
	return "", ""
}

func (m *Manager) OAuthConfig(ctx context.Context) (*oauth2.Config, error) {
	id, secret := m.credentials(ctx)
	if id == "" || secret == "" {
		return nil, ErrNoCredentials
	}
	return &oauth2.Config{
		ClientID:     id,
		ClientSecret: secret,
		Endpoint:     google.Endpoint,
		RedirectURL:  m.cfg.RedirectURL,
		Scopes:       []string{drive.DriveFileScope},
	}, nil
}

// AuthURL returns the consent page address carrying a freshly issued
// state. Offline access with a forced consent prompt makes Google return a
// refresh token every time.
func (m *Manager) AuthURL(ctx context.Context) (string, error) {
	oc, err := m.OAuthConfig(ctx)
	if err != nil {
		return "", err
	}
	state := m.issueState()
	return oc.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.SetAuthURLParam("prompt", "consent")), nil
}

func (m *Manager) issueState() string {
	state := uuid.NewString()
	now := m.now()

	m.stateMu.Lock()
	defer m.stateMu.Unlock()
	for s, issued := range m.states {
		if now.Sub(issued) > StateTTL {
			delete(m.states, s)
		}
	}
	m.states[state] = now
	return state
}

// consumeState accepts each issued state once, within StateTTL.
func (m *Manager) consumeState(state string) error {
	m.stateMu.Lock()
	defer m.stateMu.Unlock()
	issued, ok := m.states[state]
	if !ok {
		return ErrInvalidState
	}
	delete(m.states, state)
	if m.now().Sub(issued) > StateTTL {
		return ErrInvalidState
	}
	return nil
}

// Exchange trades an authorization code for a token and persists it. state
// must come from a prior AuthURL call.
func (m *Manager) Exchange(ctx context.Context, state, code string) error {
	if err := m.consumeState(state); err != nil {
		logger.Log.Warn("Rejected drive authorization with unknown or expired state")
		return err
	}
	oc, err := m.OAuthConfig(ctx)
	if err != nil {
		return err
	}
	tok, err := oc.Exchange(ctx, code)
	if err != nil {
		return fmt.Errorf("token exchange failed: %w", err)
	}
	if tok.RefreshToken == "" {
		logger.Log.Warn("Drive token exchange returned no refresh token; access will lapse when the token expires")
	}
	if err := m.SaveToken(tok); err != nil {
		return err
	}
	logger.Log.Info("Google Drive authorization stored", zap.String("tokenFile", m.cfg.TokenFile))
	return nil
}

func (m *Manager) LoadToken() (*oauth2.Token, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.loadTokenLocked()
}

func (m *Manager) loadTokenLocked() (*oauth2.Token, error) {
	data, err := os.ReadFile(m.cfg.TokenFile)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNoToken
		}
		return nil, fmt.Errorf("failed to read token file: %w", err)
	}
	var tok oauth2.Token
	if err := json.Unmarshal(data, &tok); err != nil {
		return nil, fmt.Errorf("failed to decode token file: %w", err)
	}
	return &tok, nil
}

// SaveToken writes tok atomically with owner-only permissions.
func (m *Manager) SaveToken(tok *oauth2.Token) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	data, err := json.MarshalIndent(tok, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode token: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(m.cfg.TokenFile), 0o700); err != nil {
		return fmt.Errorf("failed to create token directory: %w", err)
	}
	tmp := m.cfg.TokenFile + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("failed to write token file: %w", err)
	}
	if err := os.Rename(tmp, m.cfg.TokenFile); err != nil {
		return fmt.Errorf("failed to move token file into place: %w", err)
	}
	return nil
}

// Disconnect forgets the stored token.
func (m *Manager) Disconnect() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := os.Remove(m.cfg.TokenFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove token file: %w", err)
	}
	return nil
}

// IsAuthenticated reports whether an upload can be attempted without user
// interaction.
func (m *Manager) IsAuthenticated(ctx context.Context) bool {
	return m.Status(ctx).IsAuthenticated
}

func (m *Manager) Status(ctx context.Context) Status {
	st := Status{ConfigIssues: []string{}}

	if id, secret := m.credentials(ctx); id == "" || secret == "" {
		st.ConfigIssues = append(st.ConfigIssues, ErrNoCredentials.Error())
	}
	if m.cfg.RedirectURL == "" {
		st.ConfigIssues = append(st.ConfigIssues, "drive.redirect_url is empty")
	}

	tok, err := m.LoadToken()
	switch {
	case err == nil:
		info := &TokenInfo{
			HasRefreshToken: tok.RefreshToken != "",
			Expired:         !tok.Valid(),
		}
		if !tok.Expiry.IsZero() {
			exp := tok.Expiry
			info.ExpiresAt = &exp
		}
		st.TokenInfo = info
		if info.Expired && !info.HasRefreshToken {
			st.ConfigIssues = append(st.ConfigIssues, "token expired and cannot be refreshed")
		}
	case errors.Is(err, ErrNoToken):
		st.ConfigIssues = append(st.ConfigIssues, ErrNoToken.Error())
	default:
		st.ConfigIssues = append(st.ConfigIssues, err.Error())
	}

	st.HasIssues = len(st.ConfigIssues) > 0
	st.IsAuthenticated = !st.HasIssues
	return st
}

// Service returns a Drive client whose refreshed tokens are written back to
// the token file.
func (m *Manager) Service(ctx context.Context) (*drive.Service, error) {
	oc, err := m.OAuthConfig(ctx)
	if err != nil {
		return nil, err
	}
	tok, err := m.LoadToken()
	if err != nil {
		return nil, err
	}

	ts := &persistingTokenSource{
		base:    oc.TokenSource(ctx, tok),
		manager: m,
		last:    tok.AccessToken,
	}
	client := oauth2.NewClient(ctx, oauth2.ReuseTokenSource(tok, ts))

	svc, err := drive.NewService(ctx, option.WithHTTPClient(client))
	if err != nil {
		return nil, fmt.Errorf("failed to create drive service: %w", err)
	}
	return svc, nil
}

type persistingTokenSource struct {
	base    oauth2.TokenSource
	manager *Manager

	mu   sync.Mutex
	last string
}

func (s *persistingTokenSource) Token() (*oauth2.Token, error) {
	tok, err := s.base.Token()
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if tok.AccessToken != s.last {
		s.last = tok.AccessToken
		if err := s.manager.SaveToken(tok); err != nil {
			logger.Log.Warn("Failed to persist refreshed drive token", zap.Error(err))
		}
	}
	return tok, nil
}
