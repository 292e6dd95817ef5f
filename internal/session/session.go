// Package session owns the portal credentials: loading the persisted cookie
// blob, re-authenticating through a browser, and coalescing renewals.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"sogou_spider/internal/logger"
	"sogou_spider/internal/models"
)

var (
	ErrAuth    = errors.New("authentication failed")
	ErrNoLogin = errors.New("no login method configured")
)

// Provider supplies the session used for portal requests.
type Provider interface {
	Session(ctx context.Context) (*models.SessionState, error)
	Renew(ctx context.Context) (*models.SessionState, error)
}

// Login obtains a fresh session interactively.
type Login interface {
	Login(ctx context.Context) (*models.SessionState, error)
}

// FileProvider persists the session as a JSON blob between runs.
type FileProvider struct {
	path     string
	login    Login
	validFor time.Duration
}

func NewFileProvider(path string, login Login, validFor time.Duration) *FileProvider {
	return &FileProvider{
		path:     path,
		login:    login,
		validFor: validFor,
	}
}

// Session loads the stored blob. A missing file yields an empty anonymous
// session; the portal still serves the first result pages without login.
func (p *FileProvider) Session(ctx context.Context) (*models.SessionState, error) {
	l := logger.WithComponent("session")

	data, err := os.ReadFile(p.path)
	if errors.Is(err, os.ErrNotExist) {
		l.Info().Str("path", p.path).Msg("no saved session, starting anonymous")
		return &models.SessionState{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read session %s: %w", p.path, err)
	}

	var state models.SessionState
	if err := json.Unmarshal(data, &state); err != nil {
		l.Warn().Err(err).Str("path", p.path).Msg("saved session is corrupt, ignoring it")
		return &models.SessionState{}, nil
	}

	l.Info().Int("cookies", len(state.Cookies)).Time("valid_until", state.ValidUntilHint).Msg("loaded saved session")
	return &state, nil
}

// Renew runs the login flow and persists its result.
func (p *FileProvider) Renew(ctx context.Context) (*models.SessionState, error) {
	if p.login == nil {
		return nil, fmt.Errorf("%w: %w", ErrAuth, ErrNoLogin)
	}

	state, err := p.login.Login(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrAuth, err)
	}
	if state.ObtainedAt.IsZero() {
		state.ObtainedAt = time.Now()
	}
	if state.ValidUntilHint.IsZero() && p.validFor > 0 {
		state.ValidUntilHint = state.ObtainedAt.Add(p.validFor)
	}

	if err := p.save(state); err != nil {
		// the fresh session is still usable for this run
		l := logger.WithComponent("session")
		l.Error().Err(err).Str("path", p.path).Msg("failed to persist session")
	}
	return state, nil
}

// Clear removes the persisted blob.
func (p *FileProvider) Clear() error {
	err := os.Remove(p.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

func (p *FileProvider) save(state *models.SessionState) error {
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return err
	}
	if dir := filepath.Dir(p.path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	tmp := p.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, p.path)
}
