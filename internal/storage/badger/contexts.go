package badger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/timshannon/badgerhold/v4"

	"github.com/tududes/websophon/internal/sophon"
)

// contextRecord persists one domain's confidence-filtered snapshot.
type contextRecord struct {
	Domain    string
	Fields    []sophon.FieldResult
	UpdatedAt time.Time
}

// ContextStore implements sophon.ContextStore on Badger.
type ContextStore struct {
	db *DB
}

// NewContextStore creates a ContextStore.
func NewContextStore(db *DB) *ContextStore {
	return &ContextStore{db: db}
}

// SaveContext persists the filtered snapshot for a domain.
func (s *ContextStore) SaveContext(_ context.Context, domain string, fields []sophon.FieldResult) error {
	if domain == "" {
		return fmt.Errorf("domain is required")
	}
	rec := contextRecord{Domain: domain, Fields: fields, UpdatedAt: time.Now().UTC()}
	if err := s.db.Store().Upsert(domain, &rec); err != nil {
		return fmt.Errorf("save context: %w", err)
	}
	return nil
}

// LoadContext returns the persisted snapshot for a domain.
func (s *ContextStore) LoadContext(_ context.Context, domain string) ([]sophon.FieldResult, error) {
	var rec contextRecord
	if err := s.db.Store().Get(domain, &rec); err != nil {
		if errors.Is(err, badgerhold.ErrNotFound) {
			return nil, sophon.ErrNotFound
		}
		return nil, fmt.Errorf("load context: %w", err)
	}
	return rec.Fields, nil
}

// ClearContext removes the snapshot for a domain.
func (s *ContextStore) ClearContext(_ context.Context, domain string) error {
	if err := s.db.Store().Delete(domain, &contextRecord{}); err != nil {
		if errors.Is(err, badgerhold.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("clear context: %w", err)
	}
	return nil
}
