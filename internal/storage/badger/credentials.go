package badger

import (
	"context"
	"errors"
	"fmt"

	"github.com/timshannon/badgerhold/v4"

	"github.com/tududes/websophon/internal/sophon"
)

// Key-value records are stored under fixed keys; at most one credential
// and one challenge exist process-wide.
const (
	credentialKey = "credential"
	challengeKey  = "challenge"
)

// CredentialStore implements sophon.CredentialStore on Badger.
type CredentialStore struct {
	db *DB
}

// NewCredentialStore creates a CredentialStore.
func NewCredentialStore(db *DB) *CredentialStore {
	return &CredentialStore{db: db}
}

// Save persists the credential.
func (s *CredentialStore) Save(_ context.Context, cred sophon.Credential) error {
	if err := s.db.Store().Upsert(credentialKey, &cred); err != nil {
		return fmt.Errorf("save credential: %w", err)
	}
	return nil
}

// Load reads the persisted credential fresh from disk.
func (s *CredentialStore) Load(_ context.Context) (sophon.Credential, error) {
	var cred sophon.Credential
	if err := s.db.Store().Get(credentialKey, &cred); err != nil {
		if errors.Is(err, badgerhold.ErrNotFound) {
			return sophon.Credential{}, sophon.ErrNotFound
		}
		return sophon.Credential{}, fmt.Errorf("load credential: %w", err)
	}
	return cred, nil
}

// Clear removes the credential; a missing record is not an error.
func (s *CredentialStore) Clear(_ context.Context) error {
	if err := s.db.Store().Delete(credentialKey, &sophon.Credential{}); err != nil {
		if errors.Is(err, badgerhold.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("clear credential: %w", err)
	}
	return nil
}

// SaveChallenge persists the in-progress challenge round.
func (s *CredentialStore) SaveChallenge(_ context.Context, st sophon.ChallengeState) error {
	if err := s.db.Store().Upsert(challengeKey, &st); err != nil {
		return fmt.Errorf("save challenge: %w", err)
	}
	return nil
}

// LoadChallenge reads the persisted challenge state.
func (s *CredentialStore) LoadChallenge(_ context.Context) (sophon.ChallengeState, error) {
	var st sophon.ChallengeState
	if err := s.db.Store().Get(challengeKey, &st); err != nil {
		if errors.Is(err, badgerhold.ErrNotFound) {
			return sophon.ChallengeState{}, sophon.ErrNotFound
		}
		return sophon.ChallengeState{}, fmt.Errorf("load challenge: %w", err)
	}
	return st, nil
}

// ClearChallenge removes the challenge state.
func (s *CredentialStore) ClearChallenge(_ context.Context) error {
	if err := s.db.Store().Delete(challengeKey, &sophon.ChallengeState{}); err != nil {
		if errors.Is(err, badgerhold.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("clear challenge: %w", err)
	}
	return nil
}
