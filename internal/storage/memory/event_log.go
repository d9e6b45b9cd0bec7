// Package memory provides in-memory store implementations for
// development and testing.
package memory

import (
	"context"
	"sync"

	"github.com/tududes/websophon/internal/sophon"
)

// EventLog is an in-memory sophon.EventLog.
type EventLog struct {
	mu     sync.RWMutex
	events map[string]sophon.Event
	order  []string
	cap    int
}

// NewEventLog constructs an EventLog capped at maxEntries.
func NewEventLog(maxEntries int) *EventLog {
	if maxEntries <= 0 {
		maxEntries = 200
	}
	return &EventLog{
		events: make(map[string]sophon.Event),
		cap:    maxEntries,
	}
}

// Append stores a new event, evicting the oldest entries beyond the cap.
func (l *EventLog) Append(_ context.Context, evt sophon.Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, exists := l.events[evt.ID]; exists {
		return sophon.ErrAlreadyCompleted
	}
	l.events[evt.ID] = evt
	l.order = append(l.order, evt.ID)
	l.enforceCapLocked()
	return nil
}

// Complete applies the single pending-to-completed transition.
func (l *EventLog) Complete(_ context.Context, id string, upd sophon.CompletionUpdate) (sophon.Event, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	evt, ok := l.events[id]
	if !ok {
		return sophon.Event{}, sophon.ErrNotFound
	}
	if evt.Status == sophon.EventStatusCompleted {
		return evt, sophon.ErrAlreadyCompleted
	}
	applyCompletion(&evt, upd)
	l.events[id] = evt
	return evt, nil
}

// MergeResult records a completed event keyed by ResultID, idempotently.
func (l *EventLog) MergeResult(_ context.Context, evt sophon.Event) (sophon.Event, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if evt.ResultID != "" {
		for _, existing := range l.events {
			if existing.ResultID == evt.ResultID {
				return existing, false, nil
			}
		}
	}
	l.events[evt.ID] = evt
	l.order = append(l.order, evt.ID)
	l.enforceCapLocked()
	return evt, true, nil
}

// LinkJob sets the request job id on a pending event.
func (l *EventLog) LinkJob(_ context.Context, id string, jobID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	evt, ok := l.events[id]
	if !ok {
		return sophon.ErrNotFound
	}
	evt.Request.JobID = jobID
	l.events[id] = evt
	return nil
}

// Get fetches an event by ID.
func (l *EventLog) Get(_ context.Context, id string) (sophon.Event, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	evt, ok := l.events[id]
	if !ok {
		return sophon.Event{}, sophon.ErrNotFound
	}
	return evt, nil
}

// List returns events newest-first, optionally filtered by domain.
func (l *EventLog) List(_ context.Context, domain string, limit int) ([]sophon.Event, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]sophon.Event, 0, len(l.order))
	for i := len(l.order) - 1; i >= 0; i-- {
		evt := l.events[l.order[i]]
		if domain != "" && evt.Domain != domain {
			continue
		}
		out = append(out, evt)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// ListPendingRemote returns pending remote events with a job id.
func (l *EventLog) ListPendingRemote(_ context.Context) ([]sophon.Event, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []sophon.Event
	for _, id := range l.order {
		evt := l.events[id]
		if evt.Status == sophon.EventStatusPending &&
			evt.Source == sophon.SourceRemote &&
			evt.Request.JobID != "" {
			out = append(out, evt)
		}
	}
	return out, nil
}

// MarkRead flags an event as seen by the user.
func (l *EventLog) MarkRead(_ context.Context, id string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	evt, ok := l.events[id]
	if !ok {
		return sophon.ErrNotFound
	}
	evt.Read = true
	l.events[id] = evt
	return nil
}

// PruneScreenshots clears screenshot references oldest-first until at
// most keep remain, returning the evicted references.
func (l *EventLog) PruneScreenshots(_ context.Context, keep int) ([]string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var withShots []string
	for _, id := range l.order {
		if l.events[id].ScreenshotRef != "" {
			withShots = append(withShots, id)
		}
	}
	var evicted []string
	for len(withShots)-len(evicted) > keep && len(evicted) < len(withShots) {
		id := withShots[len(evicted)]
		evt := l.events[id]
		evicted = append(evicted, evt.ScreenshotRef)
		evt.ScreenshotRef = ""
		l.events[id] = evt
	}
	return evicted, nil
}

func (l *EventLog) enforceCapLocked() {
	for len(l.order) > l.cap {
		oldest := l.order[0]
		l.order = l.order[1:]
		delete(l.events, oldest)
	}
}

func applyCompletion(evt *sophon.Event, upd sophon.CompletionUpdate) {
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
}
