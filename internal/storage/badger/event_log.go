package badger

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/timshannon/badgerhold/v4"
	"go.uber.org/zap"

	"github.com/tududes/websophon/internal/sophon"
)

// EventLog implements sophon.EventLog on Badger. Every mutation is a
// read-modify-write against the persisted record so concurrent
// execution contexts sharing the store never act on a stale copy.
type EventLog struct {
	db     *DB
	cap    int
	logger *zap.Logger
}

// NewEventLog creates an EventLog capped at maxEntries.
func NewEventLog(db *DB, maxEntries int, logger *zap.Logger) *EventLog {
	if maxEntries <= 0 {
		maxEntries = 200
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EventLog{db: db, cap: maxEntries, logger: logger}
}

// Append stores a new event and enforces the log cap.
func (l *EventLog) Append(_ context.Context, evt sophon.Event) error {
	if evt.ID == "" {
		return fmt.Errorf("event id is required")
	}
	if err := l.db.Store().Insert(evt.ID, &evt); err != nil {
		if errors.Is(err, badgerhold.ErrKeyExists) {
			return fmt.Errorf("event %s exists: %w", evt.ID, sophon.ErrAlreadyCompleted)
		}
		return fmt.Errorf("append event: %w", err)
	}
	l.enforceCap()
	return nil
}

// Complete applies the single pending-to-completed transition,
// preserving source and the original request job id.
func (l *EventLog) Complete(_ context.Context, id string, upd sophon.CompletionUpdate) (sophon.Event, error) {
	var evt sophon.Event
	if err := l.db.Store().Get(id, &evt); err != nil {
		if errors.Is(err, badgerhold.ErrNotFound) {
			return sophon.Event{}, sophon.ErrNotFound
		}
		return sophon.Event{}, fmt.Errorf("load event: %w", err)
	}
	if evt.Status == sophon.EventStatusCompleted {
		return evt, sophon.ErrAlreadyCompleted
	}

	evt.Status = sophon.EventStatusCompleted
	evt.Success = upd.Success
	evt.HTTPStatus = upd.HTTPStatus
	evt.Error = upd.Error
	evt.Fields = upd.Fields
	evt.Summary = upd.Summary
	evt.HasTrueResult = upd.HasTrueResult
	if upd.ScreenshotRef != "" {
		evt.ScreenshotRef = upd.ScreenshotRef
	}
	evt.Response = upd.Response
	if upd.ResultID != "" {
		evt.ResultID = upd.ResultID
	}

	if err := l.db.Store().Update(id, &evt); err != nil {
		return sophon.Event{}, fmt.Errorf("complete event: %w", err)
	}
	return evt, nil
}

// MergeResult records a completed event keyed by ResultID. A result id
// already present in the log is returned unchanged; the caller's event
// is discarded. This is the dedup that absorbs re-fetches after a
// failed purge.
func (l *EventLog) MergeResult(_ context.Context, evt sophon.Event) (sophon.Event, bool, error) {
	if evt.ResultID != "" {
		var existing []sophon.Event
		query := badgerhold.Where("ResultID").Eq(evt.ResultID)
		if err := l.db.Store().Find(&existing, query); err != nil {
			return sophon.Event{}, false, fmt.Errorf("find by result id: %w", err)
		}
		if len(existing) > 0 {
			return existing[0], false, nil
		}
	}
	if err := l.db.Store().Upsert(evt.ID, &evt); err != nil {
		return sophon.Event{}, false, fmt.Errorf("merge result: %w", err)
	}
	l.enforceCap()
	return evt, true, nil
}

// LinkJob sets the request job id on a pending event.
func (l *EventLog) LinkJob(_ context.Context, id string, jobID string) error {
	var evt sophon.Event
	if err := l.db.Store().Get(id, &evt); err != nil {
		if errors.Is(err, badgerhold.ErrNotFound) {
			return sophon.ErrNotFound
		}
		return fmt.Errorf("load event: %w", err)
	}
	evt.Request.JobID = jobID
	if err := l.db.Store().Update(id, &evt); err != nil {
		return fmt.Errorf("link job: %w", err)
	}
	return nil
}

// Get fetches an event by ID.
func (l *EventLog) Get(_ context.Context, id string) (sophon.Event, error) {
	var evt sophon.Event
	if err := l.db.Store().Get(id, &evt); err != nil {
		if errors.Is(err, badgerhold.ErrNotFound) {
			return sophon.Event{}, sophon.ErrNotFound
		}
		return sophon.Event{}, fmt.Errorf("get event: %w", err)
	}
	return evt, nil
}

// List returns events newest-first, optionally filtered by domain.
func (l *EventLog) List(_ context.Context, domain string, limit int) ([]sophon.Event, error) {
	query := badgerhold.Where("ID").Ne("").SortBy("Timestamp").Reverse()
	if domain != "" {
		query = badgerhold.Where("Domain").Eq(domain).SortBy("Timestamp").Reverse()
	}
	if limit > 0 {
		query = query.Limit(limit)
	}
	var events []sophon.Event
	if err := l.db.Store().Find(&events, query); err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	return events, nil
}

// ListPendingRemote returns pending remote events carrying a job id,
// used to resume polling after a restart.
func (l *EventLog) ListPendingRemote(_ context.Context) ([]sophon.Event, error) {
	var pending []sophon.Event
	query := badgerhold.Where("Status").Eq(sophon.EventStatusPending).
		And("Source").Eq(sophon.SourceRemote)
	if err := l.db.Store().Find(&pending, query); err != nil {
		return nil, fmt.Errorf("list pending events: %w", err)
	}
	out := pending[:0]
	for _, evt := range pending {
		if evt.Request.JobID != "" {
			out = append(out, evt)
		}
	}
	return out, nil
}

// MarkRead flags an event as seen.
func (l *EventLog) MarkRead(_ context.Context, id string) error {
	var evt sophon.Event
	if err := l.db.Store().Get(id, &evt); err != nil {
		if errors.Is(err, badgerhold.ErrNotFound) {
			return sophon.ErrNotFound
		}
		return fmt.Errorf("load event: %w", err)
	}
	evt.Read = true
	if err := l.db.Store().Update(id, &evt); err != nil {
		return fmt.Errorf("mark read: %w", err)
	}
	return nil
}

// PruneScreenshots clears screenshot references oldest-first until at
// most keep remain, returning the evicted references.
func (l *EventLog) PruneScreenshots(_ context.Context, keep int) ([]string, error) {
	var withShots []sophon.Event
	query := badgerhold.Where("ScreenshotRef").Ne("").SortBy("Timestamp")
	if err := l.db.Store().Find(&withShots, query); err != nil {
		return nil, fmt.Errorf("find screenshots: %w", err)
	}
	var evicted []string
	for i := 0; len(withShots)-len(evicted) > keep && i < len(withShots); i++ {
		evt := withShots[i]
		ref := evt.ScreenshotRef
		evt.ScreenshotRef = ""
		if err := l.db.Store().Update(evt.ID, &evt); err != nil {
			return evicted, fmt.Errorf("clear screenshot ref: %w", err)
		}
		evicted = append(evicted, ref)
	}
	return evicted, nil
}

func (l *EventLog) enforceCap() {
	var events []sophon.Event
	if err := l.db.Store().Find(&events, badgerhold.Where("ID").Ne("")); err != nil {
		l.logger.Warn("event cap scan failed", zap.Error(err))
		return
	}
	if len(events) <= l.cap {
		return
	}
	sort.Slice(events, func(i, j int) bool {
		return events[i].Timestamp.Before(events[j].Timestamp)
	})
	for _, evt := range events[:len(events)-l.cap] {
		if err := l.db.Store().Delete(evt.ID, &sophon.Event{}); err != nil {
			l.logger.Warn("event eviction failed", zap.String("event_id", evt.ID), zap.Error(err))
		}
	}
}
