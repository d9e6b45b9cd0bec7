package syncer

import (
	"context"
	"sync"
)

// inflightSet tracks which jobs have an active polling goroutine. It is
// the single dedup point between the submission path and the
// reconciliation sweep: a job is polled by at most one goroutine at a
// time.
type inflightSet struct {
	mu   sync.Mutex
	jobs map[string]context.CancelFunc
}

func newInflightSet() *inflightSet {
	return &inflightSet{jobs: make(map[string]context.CancelFunc)}
}

// TryAcquire registers a poller for jobID. It returns false when the
// job is already being polled.
func (s *inflightSet) TryAcquire(jobID string, cancel context.CancelFunc) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[jobID]; ok {
		return false
	}
	s.jobs[jobID] = cancel
	return true
}

// Release removes the registration. The owning poller calls this on
// exit regardless of how it terminated.
func (s *inflightSet) Release(jobID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.jobs, jobID)
}

// Cancel stops the poller for jobID if one is running.
func (s *inflightSet) Cancel(jobID string) bool {
	s.mu.Lock()
	cancel, ok := s.jobs[jobID]
	s.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// Has reports whether jobID is actively polled.
func (s *inflightSet) Has(jobID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.jobs[jobID]
	return ok
}

// CancelAll stops every registered poller.
func (s *inflightSet) CancelAll() {
	s.mu.Lock()
	cancels := make([]context.CancelFunc, 0, len(s.jobs))
	for _, cancel := range s.jobs {
		cancels = append(cancels, cancel)
	}
	s.mu.Unlock()
	for _, cancel := range cancels {
		cancel()
	}
}
