// Package token manages the bearer credential lifecycle: challenge
// issuance, grant polling, persistence, and expiry.
package token

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tududes/websophon/internal/sophon"
)

// ChallengeClient is the slice of the runner client the manager needs.
type ChallengeClient interface {
	FetchChallenge(ctx context.Context) (sophon.ChallengeInfo, error)
	PollChallenge(ctx context.Context, challengeID string) (sophon.GrantResponse, error)
}

// Config tunes the grant polling loop.
type Config struct {
	PollInterval time.Duration
	MaxAttempts  int
}

// Manager owns the single process-wide credential. It implements
// sophon.CredentialSource for the authenticated transport and runs at
// most one grant-polling goroutine at a time.
type Manager struct {
	cfg      Config
	store    sophon.CredentialStore
	client   ChallengeClient
	clock    sophon.Clock
	notifier sophon.Notifier
	logger   *zap.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewManager creates a credential manager.
func NewManager(cfg Config, store sophon.CredentialStore, client ChallengeClient, clock sophon.Clock, notifier sophon.Notifier, logger *zap.Logger) *Manager {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 3 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 600
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		cfg:      cfg,
		store:    store,
		client:   client,
		clock:    clock,
		notifier: notifier,
		logger:   logger,
	}
}

// RequestChallenge starts a fresh verification round. The round is
// persisted before the grant poller starts so a restart can resume it.
// Any previous poller is cancelled; the newest round wins.
func (m *Manager) RequestChallenge(ctx context.Context) (sophon.ChallengeInfo, error) {
	info, err := m.client.FetchChallenge(ctx)
	if err != nil {
		return sophon.ChallengeInfo{}, fmt.Errorf("request challenge: %w", err)
	}
	state := sophon.ChallengeState{
		ChallengeID: info.ChallengeID,
		IssuedAt:    m.clock.Now(),
	}
	if err := m.store.SaveChallenge(ctx, state); err != nil {
		return sophon.ChallengeInfo{}, fmt.Errorf("persist challenge: %w", err)
	}
	m.startPolling(info.ChallengeID)
	return info, nil
}

// Resume restarts grant polling for a persisted challenge round, if any.
// Called once at startup.
func (m *Manager) Resume(ctx context.Context) error {
	state, err := m.store.LoadChallenge(ctx)
	if err != nil {
		if sophon.IsNotFound(err) {
			return nil
		}
		return fmt.Errorf("load challenge: %w", err)
	}
	m.logger.Info("resuming grant polling for persisted challenge",
		zap.String("challenge_id", state.ChallengeID))
	m.startPolling(state.ChallengeID)
	return nil
}

func (m *Manager) startPolling(challengeID string) {
	m.mu.Lock()
	if m.cancel != nil {
		m.cancel()
	}
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.pollForGrant(ctx, challengeID)
	}()
}

// pollForGrant polls the grant endpoint at a fixed cadence until the
// grant arrives, the round disappears server-side, or the attempt
// budget runs out. Network hiccups burn an attempt and continue.
func (m *Manager) pollForGrant(ctx context.Context, challengeID string) {
	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()

	for attempt := 1; attempt <= m.cfg.MaxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		grant, err := m.client.PollChallenge(ctx, challengeID)
		if err != nil {
			if sophon.IsNotFound(err) {
				m.logger.Warn("challenge expired server-side",
					zap.String("challenge_id", challengeID))
				m.clearChallenge(ctx)
				return
			}
			m.logger.Debug("grant poll failed",
				zap.String("challenge_id", challengeID),
				zap.Int("attempt", attempt),
				zap.Error(err))
			continue
		}
		if !grant.Success {
			continue
		}

		cred := sophon.Credential{Token: grant.Token, ExpiresAt: grant.ExpiresAt}
		if err := m.store.Save(ctx, cred); err != nil {
			m.logger.Error("persist granted credential", zap.Error(err))
			return
		}
		m.clearChallenge(ctx)
		m.logger.Info("credential acquired",
			zap.Time("expires_at", cred.ExpiresAt))
		if m.notifier != nil {
			m.notifier.Notify(sophon.Notification{
				Kind: sophon.NotifyTokenAcquired,
				TS:   m.clock.Now(),
			})
		}
		return
	}
	m.logger.Warn("grant polling exhausted",
		zap.String("challenge_id", challengeID),
		zap.Int("attempts", m.cfg.MaxAttempts))
	m.clearChallenge(ctx)
}

func (m *Manager) clearChallenge(ctx context.Context) {
	if err := m.store.ClearChallenge(ctx); err != nil {
		m.logger.Warn("clear challenge state", zap.Error(err))
	}
}

// Token returns the current bearer token, reading the persisted value
// fresh on every call so a grant landed by another goroutine is picked
// up immediately. Expired credentials are cleared and reported as
// ErrAuthRequired.
func (m *Manager) Token(ctx context.Context) (string, error) {
	cred, err := m.store.Load(ctx)
	if err != nil {
		if sophon.IsNotFound(err) {
			return "", sophon.ErrAuthRequired
		}
		return "", fmt.Errorf("load credential: %w", err)
	}
	if !cred.Valid(m.clock.Now()) {
		if err := m.store.Clear(ctx); err != nil {
			m.logger.Warn("clear expired credential", zap.Error(err))
		}
		return "", sophon.ErrAuthRequired
	}
	return cred.Token, nil
}

// Invalidate drops the credential after a server-side rejection.
func (m *Manager) Invalidate(ctx context.Context) error {
	if err := m.store.Clear(ctx); err != nil {
		return fmt.Errorf("clear credential: %w", err)
	}
	return nil
}

// Status reports the persisted credential without exposing the token
// value.
func (m *Manager) Status(ctx context.Context) (valid bool, expiresAt time.Time, err error) {
	cred, err := m.store.Load(ctx)
	if err != nil {
		if sophon.IsNotFound(err) {
			return false, time.Time{}, nil
		}
		return false, time.Time{}, fmt.Errorf("load credential: %w", err)
	}
	return cred.Valid(m.clock.Now()), cred.ExpiresAt, nil
}

// Close stops any in-flight grant polling and waits for it to exit.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	m.mu.Unlock()
	m.wg.Wait()
}
