package badger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/timshannon/badgerhold/v4"
	"go.uber.org/zap"

	"github.com/tududes/websophon/internal/sophon"
)

// JobRegistry implements sophon.JobRegistry on Badger, one entry per
// domain.
type JobRegistry struct {
	db     *DB
	logger *zap.Logger
}

// NewJobRegistry creates a JobRegistry.
func NewJobRegistry(db *DB, logger *zap.Logger) *JobRegistry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &JobRegistry{db: db, logger: logger}
}

// Put upserts the entry for its domain, replacing any prior job.
func (r *JobRegistry) Put(_ context.Context, entry sophon.RegistryEntry) error {
	if entry.Domain == "" {
		return fmt.Errorf("registry entry domain is required")
	}
	if entry.UpdatedAt.IsZero() {
		entry.UpdatedAt = time.Now().UTC()
	}
	if err := r.db.Store().Upsert(entry.Domain, &entry); err != nil {
		return fmt.Errorf("save registry entry: %w", err)
	}
	return nil
}

// Get fetches the entry for a domain.
func (r *JobRegistry) Get(_ context.Context, domain string) (sophon.RegistryEntry, error) {
	var entry sophon.RegistryEntry
	if err := r.db.Store().Get(domain, &entry); err != nil {
		if errors.Is(err, badgerhold.ErrNotFound) {
			return sophon.RegistryEntry{}, sophon.ErrNotFound
		}
		return sophon.RegistryEntry{}, fmt.Errorf("get registry entry: %w", err)
	}
	return entry, nil
}

// Delete removes the entry for a domain; a missing entry is not an
// error.
func (r *JobRegistry) Delete(_ context.Context, domain string) error {
	if err := r.db.Store().Delete(domain, &sophon.RegistryEntry{}); err != nil {
		if errors.Is(err, badgerhold.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("delete registry entry: %w", err)
	}
	return nil
}

// List returns all entries sorted by domain.
func (r *JobRegistry) List(_ context.Context) ([]sophon.RegistryEntry, error) {
	var entries []sophon.RegistryEntry
	query := badgerhold.Where("Domain").Ne("").SortBy("Domain")
	if err := r.db.Store().Find(&entries, query); err != nil {
		return nil, fmt.Errorf("list registry entries: %w", err)
	}
	return entries, nil
}
