package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/tududes/websophon/internal/sophon"
)

// JobRegistry is an in-memory sophon.JobRegistry.
type JobRegistry struct {
	mu      sync.RWMutex
	entries map[string]sophon.RegistryEntry
}

// NewJobRegistry constructs a JobRegistry.
func NewJobRegistry() *JobRegistry {
	return &JobRegistry{entries: make(map[string]sophon.RegistryEntry)}
}

// Put upserts the entry for its domain.
func (r *JobRegistry) Put(_ context.Context, entry sophon.RegistryEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[entry.Domain] = entry
	return nil
}

// Get fetches the entry for a domain.
func (r *JobRegistry) Get(_ context.Context, domain string) (sophon.RegistryEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.entries[domain]
	if !ok {
		return sophon.RegistryEntry{}, sophon.ErrNotFound
	}
	return entry, nil
}

// Delete removes the entry for a domain; missing entries are not an
// error.
func (r *JobRegistry) Delete(_ context.Context, domain string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, domain)
	return nil
}

// List returns all entries ordered by domain.
func (r *JobRegistry) List(_ context.Context) ([]sophon.RegistryEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]sophon.RegistryEntry, 0, len(r.entries))
	for _, entry := range r.entries {
		out = append(out, entry)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Domain < out[j].Domain })
	return out, nil
}

// CredentialStore is an in-memory sophon.CredentialStore.
type CredentialStore struct {
	mu           sync.RWMutex
	cred         *sophon.Credential
	challenge    *sophon.ChallengeState
	failNextSave error
}

// NewCredentialStore constructs a CredentialStore.
func NewCredentialStore() *CredentialStore {
	return &CredentialStore{}
}

// Save persists the credential.
func (s *CredentialStore) Save(_ context.Context, cred sophon.Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failNextSave != nil {
		err := s.failNextSave
		s.failNextSave = nil
		return err
	}
	c := cred
	s.cred = &c
	return nil
}

// Load reads the persisted credential fresh.
func (s *CredentialStore) Load(_ context.Context) (sophon.Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.cred == nil {
		return sophon.Credential{}, sophon.ErrNotFound
	}
	return *s.cred, nil
}

// Clear removes the credential.
func (s *CredentialStore) Clear(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cred = nil
	return nil
}

// SaveChallenge persists the in-progress challenge round.
func (s *CredentialStore) SaveChallenge(_ context.Context, st sophon.ChallengeState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := st
	s.challenge = &c
	return nil
}

// LoadChallenge reads the persisted challenge state.
func (s *CredentialStore) LoadChallenge(_ context.Context) (sophon.ChallengeState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.challenge == nil {
		return sophon.ChallengeState{}, sophon.ErrNotFound
	}
	return *s.challenge, nil
}

// ClearChallenge removes the challenge state.
func (s *CredentialStore) ClearChallenge(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.challenge = nil
	return nil
}

// FailNextSave makes the next Save return err, for quota tests.
func (s *CredentialStore) FailNextSave(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNextSave = err
}

// ContextStore is an in-memory sophon.ContextStore.
type ContextStore struct {
	mu       sync.RWMutex
	contexts map[string][]sophon.FieldResult
}

// NewContextStore constructs a ContextStore.
func NewContextStore() *ContextStore {
	return &ContextStore{contexts: make(map[string][]sophon.FieldResult)}
}

// SaveContext persists the filtered snapshot for a domain.
func (s *ContextStore) SaveContext(_ context.Context, domain string, fields []sophon.FieldResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]sophon.FieldResult, len(fields))
	copy(cp, fields)
	s.contexts[domain] = cp
	return nil
}

// LoadContext returns the persisted snapshot for a domain.
func (s *ContextStore) LoadContext(_ context.Context, domain string) ([]sophon.FieldResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	fields, ok := s.contexts[domain]
	if !ok {
		return nil, sophon.ErrNotFound
	}
	cp := make([]sophon.FieldResult, len(fields))
	copy(cp, fields)
	return cp, nil
}

// ClearContext removes the snapshot for a domain.
func (s *ContextStore) ClearContext(_ context.Context, domain string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.contexts, domain)
	return nil
}
