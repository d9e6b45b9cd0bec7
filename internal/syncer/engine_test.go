package syncer

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	blobmem "github.com/tududes/websophon/internal/blob/memory"
	"github.com/tududes/websophon/internal/sophon"
	"github.com/tududes/websophon/internal/storage/memory"
)

type fakeRemote struct {
	mu        sync.Mutex
	createErr error
	nextJobID string
	created   []sophon.JobPayload
	results   map[string][]sophon.JobResult
	resultErr map[string]error
	status    map[string]sophon.JobStatus
	statusErr map[string]error
	purged    map[string][]string
	purgeErr  error
	deleted   []string
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{
		nextJobID: "job-1",
		results:   make(map[string][]sophon.JobResult),
		resultErr: make(map[string]error),
		status:    make(map[string]sophon.JobStatus),
		statusErr: make(map[string]error),
		purged:    make(map[string][]string),
	}
}

func (f *fakeRemote) CreateJob(_ context.Context, payload sophon.JobPayload) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return "", f.createErr
	}
	f.created = append(f.created, payload)
	return f.nextJobID, nil
}

func (f *fakeRemote) GetStatus(_ context.Context, jobID string) (sophon.JobStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.statusErr[jobID]; err != nil {
		return sophon.JobStatus{}, err
	}
	if st, ok := f.status[jobID]; ok {
		return st, nil
	}
	return sophon.JobStatus{Status: sophon.JobStateRunning}, nil
}

func (f *fakeRemote) GetResults(_ context.Context, jobID string) ([]sophon.JobResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.resultErr[jobID]; err != nil {
		return nil, err
	}
	out := make([]sophon.JobResult, len(f.results[jobID]))
	copy(out, f.results[jobID])
	return out, nil
}

func (f *fakeRemote) Purge(_ context.Context, jobID string, resultIDs []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.purgeErr != nil {
		return f.purgeErr
	}
	f.purged[jobID] = append(f.purged[jobID], resultIDs...)
	drop := make(map[string]bool, len(resultIDs))
	for _, id := range resultIDs {
		drop[id] = true
	}
	kept := f.results[jobID][:0]
	for _, res := range f.results[jobID] {
		if !drop[res.ResultID] {
			kept = append(kept, res)
		}
	}
	f.results[jobID] = kept
	return nil
}

func (f *fakeRemote) DeleteJob(_ context.Context, jobID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, jobID)
	delete(f.results, jobID)
	return nil
}

func (f *fakeRemote) setResults(jobID string, results ...sophon.JobResult) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.results[jobID] = results
}

func (f *fakeRemote) purgedIDs(jobID string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.purged[jobID]))
	copy(out, f.purged[jobID])
	return out
}

func (f *fakeRemote) createdPayloads() []sophon.JobPayload {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]sophon.JobPayload, len(f.created))
	copy(out, f.created)
	return out
}

type seqIDs struct {
	mu sync.Mutex
	n  int
}

func (s *seqIDs) NewID() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.n++
	return fmt.Sprintf("evt-%d", s.n), nil
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now().UTC() }

type capturedNotifier struct {
	mu   sync.Mutex
	seen []sophon.Notification
}

func (n *capturedNotifier) Notify(ntf sophon.Notification) {
	n.mu.Lock()
	n.seen = append(n.seen, ntf)
	n.mu.Unlock()
}

func (n *capturedNotifier) kinds() []sophon.NotificationKind {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]sophon.NotificationKind, len(n.seen))
	for i, ntf := range n.seen {
		out[i] = ntf.Kind
	}
	return out
}

type testHarness struct {
	engine   *Engine
	client   *fakeRemote
	events   *memory.EventLog
	registry *memory.JobRegistry
	contexts *memory.ContextStore
	blobs    *blobmem.BlobStore
	notifier *capturedNotifier
}

func newHarness(t *testing.T, tweak func(*Config)) *testHarness {
	return newHarnessWithBlobQuota(t, tweak, 0)
}

func newHarnessWithBlobQuota(t *testing.T, tweak func(*Config), blobQuota int) *testHarness {
	t.Helper()
	h := &testHarness{
		client:   newFakeRemote(),
		events:   memory.NewEventLog(100),
		registry: memory.NewJobRegistry(),
		contexts: memory.NewContextStore(),
		blobs:    blobmem.New(blobQuota),
		notifier: &capturedNotifier{},
	}
	cfg := Config{
		PollInterval:    10 * time.Millisecond,
		MaxPollAttempts: 50,
		ScreenshotKeep:  2,
		Model:           sophon.ModelConfig{Model: "vision-1"},
	}
	if tweak != nil {
		tweak(&cfg)
	}
	engine, err := New(cfg, Deps{
		Events:   h.events,
		Registry: h.registry,
		Contexts: h.contexts,
		Client:   h.client,
		Blobs:    h.blobs,
		Notifier: h.notifier,
		Clock:    realClock{},
		IDs:      &seqIDs{},
		Logger:   zap.NewNop(),
	})
	require.NoError(t, err)
	h.engine = engine
	t.Cleanup(engine.Close)
	return h
}

func fieldSpecs() []sophon.FieldSpec {
	return []sophon.FieldSpec{
		{Name: "foo", Criteria: "page shows a sale banner", Threshold: 0.75},
	}
}

func response(body string) json.RawMessage {
	return json.RawMessage(body)
}

func TestSubmit_OneShotLifecycle(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	ctx := context.Background()

	res, err := h.engine.Submit(ctx, SubmitRequest{
		URL:    "https://example.com/deals",
		Domain: "example.com",
		Fields: fieldSpecs(),
	})
	require.NoError(t, err)
	require.NotEmpty(t, res.EventID)
	require.Equal(t, "job-1", res.JobID)

	evt, err := h.events.Get(ctx, res.EventID)
	require.NoError(t, err)
	require.Equal(t, sophon.EventStatusPending, evt.Status)
	require.Equal(t, "job-1", evt.Request.JobID)

	entry, err := h.registry.Get(ctx, "example.com")
	require.NoError(t, err)
	require.Equal(t, "job-1", entry.JobID)

	h.client.setResults("job-1", sophon.JobResult{
		ResultID:    "r-1",
		LLMResponse: response(`{"foo":[true,0.9],"summary":"sale is live"}`),
	})

	require.Eventually(t, func() bool {
		evt, err := h.events.Get(ctx, res.EventID)
		return err == nil && evt.Status == sophon.EventStatusCompleted
	}, 2*time.Second, 10*time.Millisecond)

	evt, err = h.events.Get(ctx, res.EventID)
	require.NoError(t, err)
	require.True(t, evt.Success)
	require.True(t, evt.HasTrueResult)
	require.Equal(t, "sale is live", evt.Summary)
	require.Equal(t, "r-1", evt.ResultID)
	require.Len(t, evt.Fields, 1)

	require.Eventually(t, func() bool {
		_, err := h.registry.Get(ctx, "example.com")
		return sophon.IsNotFound(err)
	}, 2*time.Second, 10*time.Millisecond)

	require.Equal(t, []string{"r-1"}, h.client.purgedIDs("job-1"))

	kinds := h.notifier.kinds()
	require.Contains(t, kinds, sophon.NotifyEventCreated)
	require.Contains(t, kinds, sophon.NotifyEventUpdated)
}

func TestSubmit_CreateJobFailureCompletesEvent(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	h.client.createErr = &sophon.RemoteError{StatusCode: 500, Body: "boom"}
	ctx := context.Background()

	_, err := h.engine.Submit(ctx, SubmitRequest{
		URL:    "https://example.com/",
		Domain: "example.com",
		Fields: fieldSpecs(),
	})
	require.Error(t, err)

	events, err := h.events.List(ctx, "example.com", 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, sophon.EventStatusCompleted, events[0].Status)
	require.False(t, events[0].Success)
	require.Contains(t, events[0].Error, "job submission failed")
}

func TestPoller_RedeliveredResultsIngestOnce(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	ctx := context.Background()

	// Purge failures leave results buffered server-side, so the poller
	// keeps re-reading the same batch.
	h.client.mu.Lock()
	h.client.purgeErr = &sophon.RemoteError{StatusCode: 503, Body: "try later"}
	h.client.mu.Unlock()

	require.NoError(t, h.registry.Put(ctx, sophon.RegistryEntry{
		Domain: "example.com", JobID: "job-7", Recurring: true, Fields: fieldSpecs(),
	}))
	h.client.setResults("job-7", sophon.JobResult{
		ResultID:    "r-dup",
		LLMResponse: response(`{"foo":[true,0.9]}`),
	})

	h.engine.StartPoll("job-7", "example.com", "")

	require.Eventually(t, func() bool {
		events, err := h.events.List(ctx, "example.com", 0)
		return err == nil && len(events) == 1
	}, 2*time.Second, 10*time.Millisecond)

	// Give the poller several more cycles over the still-buffered batch.
	time.Sleep(100 * time.Millisecond)

	events, err := h.events.List(ctx, "example.com", 0)
	require.NoError(t, err)
	require.Len(t, events, 1, "re-delivered result must not create a second event")
	require.Equal(t, "r-dup", events[0].ResultID)
}

func TestPoller_TimeoutCompletesEventAsFailed(t *testing.T) {
	t.Parallel()

	h := newHarness(t, func(cfg *Config) {
		cfg.MaxPollAttempts = 3
	})
	ctx := context.Background()

	require.NoError(t, h.events.Append(ctx, sophon.Event{
		ID:        "evt-pending",
		Timestamp: time.Now().UTC(),
		Domain:    "example.com",
		Status:    sophon.EventStatusPending,
		Source:    sophon.SourceRemote,
		Request:   sophon.RequestMeta{JobID: "job-slow"},
	}))
	require.NoError(t, h.registry.Put(ctx, sophon.RegistryEntry{
		Domain: "example.com", JobID: "job-slow", Fields: fieldSpecs(),
	}))

	h.engine.StartPoll("job-slow", "example.com", "evt-pending")

	require.Eventually(t, func() bool {
		evt, err := h.events.Get(ctx, "evt-pending")
		return err == nil && evt.Status == sophon.EventStatusCompleted
	}, 2*time.Second, 10*time.Millisecond)

	evt, err := h.events.Get(ctx, "evt-pending")
	require.NoError(t, err)
	require.False(t, evt.Success)
	require.Contains(t, evt.Error, "timed out")

	// The registry keeps the mapping so the reconciler can still drain
	// late results.
	_, err = h.registry.Get(ctx, "example.com")
	require.NoError(t, err)
}

func TestPoller_AuthRejectionFailsPendingEvent(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	ctx := context.Background()

	require.NoError(t, h.events.Append(ctx, sophon.Event{
		ID:        "evt-auth",
		Timestamp: time.Now().UTC(),
		Domain:    "example.com",
		Status:    sophon.EventStatusPending,
		Source:    sophon.SourceRemote,
		Request:   sophon.RequestMeta{JobID: "job-auth"},
	}))
	require.NoError(t, h.registry.Put(ctx, sophon.RegistryEntry{
		Domain: "example.com", JobID: "job-auth", Fields: fieldSpecs(),
	}))
	h.client.mu.Lock()
	h.client.resultErr["job-auth"] = &sophon.RemoteError{StatusCode: 401, Body: "token revoked"}
	h.client.mu.Unlock()

	h.engine.StartPoll("job-auth", "example.com", "evt-auth")

	require.Eventually(t, func() bool {
		evt, err := h.events.Get(ctx, "evt-auth")
		return err == nil && evt.Status == sophon.EventStatusCompleted
	}, 2*time.Second, 10*time.Millisecond)

	evt, err := h.events.Get(ctx, "evt-auth")
	require.NoError(t, err)
	require.False(t, evt.Success)
	require.Contains(t, evt.Error, "credential rejected")

	// The registry keeps the mapping so a fresh grant lets the sweep
	// drain the job.
	_, err = h.registry.Get(ctx, "example.com")
	require.NoError(t, err)
}

func TestPoller_PermanentErrorFailsImmediately(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	ctx := context.Background()

	require.NoError(t, h.events.Append(ctx, sophon.Event{
		ID:        "evt-perm",
		Timestamp: time.Now().UTC(),
		Domain:    "example.com",
		Status:    sophon.EventStatusPending,
		Source:    sophon.SourceRemote,
		Request:   sophon.RequestMeta{JobID: "job-perm"},
	}))
	require.NoError(t, h.registry.Put(ctx, sophon.RegistryEntry{
		Domain: "example.com", JobID: "job-perm", Fields: fieldSpecs(),
	}))
	h.client.mu.Lock()
	h.client.resultErr["job-perm"] = &sophon.RemoteError{StatusCode: 410, Body: "job expired"}
	h.client.mu.Unlock()

	h.engine.StartPoll("job-perm", "example.com", "evt-perm")

	require.Eventually(t, func() bool {
		evt, err := h.events.Get(ctx, "evt-perm")
		return err == nil && evt.Status == sophon.EventStatusCompleted
	}, 2*time.Second, 10*time.Millisecond)

	evt, err := h.events.Get(ctx, "evt-perm")
	require.NoError(t, err)
	require.False(t, evt.Success)
	require.Contains(t, evt.Error, "410")
	require.NotContains(t, evt.Error, "timed out",
		"a permanent rejection must not burn the attempt budget")

	_, err = h.registry.Get(ctx, "example.com")
	require.ErrorIs(t, err, sophon.ErrNotFound)
}

func TestPoller_CompletedJobWithNoResultsRetires(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	ctx := context.Background()

	require.NoError(t, h.events.Append(ctx, sophon.Event{
		ID:        "evt-empty",
		Timestamp: time.Now().UTC(),
		Domain:    "example.com",
		Status:    sophon.EventStatusPending,
		Source:    sophon.SourceRemote,
		Request:   sophon.RequestMeta{JobID: "job-empty"},
	}))
	require.NoError(t, h.registry.Put(ctx, sophon.RegistryEntry{
		Domain: "example.com", JobID: "job-empty", Fields: fieldSpecs(),
	}))
	h.client.mu.Lock()
	h.client.status["job-empty"] = sophon.JobStatus{Status: sophon.JobStateComplete}
	h.client.mu.Unlock()

	h.engine.StartPoll("job-empty", "example.com", "evt-empty")

	require.Eventually(t, func() bool {
		evt, err := h.events.Get(ctx, "evt-empty")
		return err == nil && evt.Status == sophon.EventStatusCompleted
	}, 2*time.Second, 10*time.Millisecond)

	evt, err := h.events.Get(ctx, "evt-empty")
	require.NoError(t, err)
	require.False(t, evt.Success)
	require.Contains(t, evt.Error, "without delivering results")

	_, err = h.registry.Get(ctx, "example.com")
	require.ErrorIs(t, err, sophon.ErrNotFound)
}

func TestPoller_JobGoneRemotelyCleansUp(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	ctx := context.Background()

	require.NoError(t, h.events.Append(ctx, sophon.Event{
		ID:        "evt-orphan",
		Timestamp: time.Now().UTC(),
		Domain:    "example.com",
		Status:    sophon.EventStatusPending,
		Source:    sophon.SourceRemote,
		Request:   sophon.RequestMeta{JobID: "job-gone"},
	}))
	require.NoError(t, h.registry.Put(ctx, sophon.RegistryEntry{
		Domain: "example.com", JobID: "job-gone",
	}))
	h.client.mu.Lock()
	h.client.resultErr["job-gone"] = &sophon.RemoteError{StatusCode: 404, Body: "no such job"}
	h.client.mu.Unlock()

	h.engine.StartPoll("job-gone", "example.com", "evt-orphan")

	require.Eventually(t, func() bool {
		evt, err := h.events.Get(ctx, "evt-orphan")
		if err != nil || evt.Status != sophon.EventStatusCompleted {
			return false
		}
		_, err = h.registry.Get(ctx, "example.com")
		return sophon.IsNotFound(err)
	}, 2*time.Second, 10*time.Millisecond)
}

func TestResumePending_RestartsPolling(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	ctx := context.Background()

	// State as left behind by a process that died mid-poll.
	require.NoError(t, h.events.Append(ctx, sophon.Event{
		ID:        "evt-resume",
		Timestamp: time.Now().UTC(),
		Domain:    "example.com",
		Status:    sophon.EventStatusPending,
		Source:    sophon.SourceRemote,
		Request:   sophon.RequestMeta{JobID: "job-re"},
	}))
	require.NoError(t, h.registry.Put(ctx, sophon.RegistryEntry{
		Domain: "example.com", JobID: "job-re", Fields: fieldSpecs(),
	}))
	h.client.setResults("job-re", sophon.JobResult{
		ResultID:    "r-late",
		LLMResponse: response(`{"foo":{"result":true,"confidence":0.8}}`),
	})

	require.NoError(t, h.engine.ResumePending(ctx))

	require.Eventually(t, func() bool {
		evt, err := h.events.Get(ctx, "evt-resume")
		return err == nil && evt.Status == sophon.EventStatusCompleted && evt.Success
	}, 2*time.Second, 10*time.Millisecond)
	require.Equal(t, []string{"r-late"}, h.client.purgedIDs("job-re"))
}

func TestStop_CancelsPollerAndRemoteJob(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	ctx := context.Background()

	require.NoError(t, h.registry.Put(ctx, sophon.RegistryEntry{
		Domain: "example.com", JobID: "job-stop", Recurring: true,
	}))
	h.engine.StartPoll("job-stop", "example.com", "")
	require.True(t, h.engine.inflight.Has("job-stop"))

	require.NoError(t, h.engine.Stop(ctx, "example.com"))

	require.Eventually(t, func() bool {
		return !h.engine.inflight.Has("job-stop")
	}, 2*time.Second, 10*time.Millisecond)

	h.client.mu.Lock()
	deleted := append([]string(nil), h.client.deleted...)
	h.client.mu.Unlock()
	require.Equal(t, []string{"job-stop"}, deleted)

	_, err := h.registry.Get(ctx, "example.com")
	require.ErrorIs(t, err, sophon.ErrNotFound)

	require.ErrorIs(t, h.engine.Stop(ctx, "example.com"), sophon.ErrNotFound)
}

func TestSubmit_CarriesFilteredPreviousEvaluation(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	ctx := context.Background()

	// First run reports true at 0.6 confidence, below the 0.75
	// threshold.
	res, err := h.engine.Submit(ctx, SubmitRequest{
		URL:    "https://example.com/",
		Domain: "example.com",
		Fields: fieldSpecs(),
	})
	require.NoError(t, err)

	h.client.setResults(res.JobID, sophon.JobResult{
		ResultID:    "r-low",
		LLMResponse: response(`{"foo":[true,0.6]}`),
	})
	require.Eventually(t, func() bool {
		evt, err := h.events.Get(ctx, res.EventID)
		return err == nil && evt.Status == sophon.EventStatusCompleted
	}, 2*time.Second, 10*time.Millisecond)

	saved, err := h.contexts.LoadContext(ctx, "example.com")
	require.NoError(t, err)
	require.Len(t, saved, 1)
	require.False(t, saved[0].Result, "low-confidence positive must be carried as false")

	// Second submission ships the filtered snapshot.
	h.client.mu.Lock()
	h.client.nextJobID = "job-2"
	h.client.mu.Unlock()
	_, err = h.engine.Submit(ctx, SubmitRequest{
		URL:    "https://example.com/",
		Domain: "example.com",
		Fields: fieldSpecs(),
	})
	require.NoError(t, err)

	payloads := h.client.createdPayloads()
	require.Len(t, payloads, 2)
	require.Nil(t, payloads[0].PreviousEvaluation)
	require.Len(t, payloads[1].PreviousEvaluation, 1)
	require.False(t, payloads[1].PreviousEvaluation[0].Result)
}

func TestIngest_ScreenshotQuotaTriggersPruneAndRetry(t *testing.T) {
	t.Parallel()

	// Room for three 400-byte screenshots but not four; storing the
	// fourth must prune down to ScreenshotKeep (2) and retry.
	h := newHarnessWithBlobQuota(t, nil, 1300)
	ctx := context.Background()

	shot := base64.StdEncoding.EncodeToString(make([]byte, 400))

	for i := 0; i < 3; i++ {
		key := fmt.Sprintf("screenshots/old/%d.png", i)
		ref, err := h.blobs.PutObject(ctx, key, "image/png", make([]byte, 400))
		require.NoError(t, err)
		require.NoError(t, h.events.Append(ctx, sophon.Event{
			ID:            fmt.Sprintf("old-%d", i),
			Timestamp:     time.Now().UTC().Add(time.Duration(i-10) * time.Minute),
			Domain:        "example.com",
			Status:        sophon.EventStatusCompleted,
			Source:        sophon.SourceRemote,
			ScreenshotRef: ref,
		}))
	}

	entry := sophon.RegistryEntry{Domain: "example.com", JobID: "job-s", Fields: fieldSpecs()}
	ingested := h.engine.ingestResults(ctx, entry, "", []sophon.JobResult{{
		ResultID:       "r-shot",
		ScreenshotData: shot,
		LLMResponse:    response(`{"foo":[true,0.9]}`),
	}})
	require.Equal(t, []string{"r-shot"}, ingested)

	// The oldest reference was cleared and its blob freed.
	oldest, err := h.events.Get(ctx, "old-0")
	require.NoError(t, err)
	require.Empty(t, oldest.ScreenshotRef)
	_, ok := h.blobs.Get("screenshots/old/0.png")
	require.False(t, ok)

	// The new screenshot landed on retry.
	events, err := h.events.List(ctx, "example.com", 0)
	require.NoError(t, err)
	var found bool
	for _, evt := range events {
		if evt.ResultID == "r-shot" {
			found = true
			require.NotEmpty(t, evt.ScreenshotRef)
		}
	}
	require.True(t, found)
}

func TestSweep_DrainsUnwatchedJobsAndPrunesDeadEntries(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	ctx := context.Background()

	require.NoError(t, h.registry.Put(ctx, sophon.RegistryEntry{
		Domain: "recurring.example", JobID: "job-r", Recurring: true, Fields: fieldSpecs(),
	}))
	require.NoError(t, h.registry.Put(ctx, sophon.RegistryEntry{
		Domain: "dead.example", JobID: "job-d",
	}))

	h.client.setResults("job-r", sophon.JobResult{
		ResultID:    "r-sweep",
		LLMResponse: response(`{"foo":[true,0.95]}`),
	})
	h.client.mu.Lock()
	h.client.resultErr["job-d"] = &sophon.RemoteError{StatusCode: 404, Body: "gone"}
	h.client.mu.Unlock()

	require.NoError(t, h.engine.Sweep(ctx, time.Second, time.Second))

	events, err := h.events.List(ctx, "recurring.example", 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, sophon.SourceRemote, events[0].Source)
	require.Equal(t, "job-r", events[0].Request.JobID)
	require.Equal(t, []string{"r-sweep"}, h.client.purgedIDs("job-r"))

	_, err = h.registry.Get(ctx, "dead.example")
	require.ErrorIs(t, err, sophon.ErrNotFound)

	// Entry for the recurring job survives.
	_, err = h.registry.Get(ctx, "recurring.example")
	require.NoError(t, err)

	// A second sweep over the now-empty buffer is a no-op.
	before := len(h.client.purgedIDs("job-r"))
	require.NoError(t, h.engine.Sweep(ctx, time.Second, time.Second))
	events, err = h.events.List(ctx, "recurring.example", 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, before, len(h.client.purgedIDs("job-r")))
}

func TestSubmit_MissingModelNameRejected(t *testing.T) {
	t.Parallel()

	h := newHarness(t, func(cfg *Config) {
		cfg.Model = sophon.ModelConfig{}
	})
	ctx := context.Background()

	_, err := h.engine.Submit(ctx, SubmitRequest{
		URL:    "https://example.com/",
		Domain: "example.com",
		Fields: fieldSpecs(),
	})
	require.ErrorIs(t, err, sophon.ErrInvalidConfig)

	// Rejected before any network call or event.
	require.Empty(t, h.client.createdPayloads())
	events, listErr := h.events.List(ctx, "example.com", 0)
	require.NoError(t, listErr)
	require.Empty(t, events)
}

func TestSweep_PrunesEntryOnPermanentError(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	ctx := context.Background()

	require.NoError(t, h.registry.Put(ctx, sophon.RegistryEntry{
		Domain: "example.com", JobID: "job-410",
	}))
	h.client.mu.Lock()
	h.client.resultErr["job-410"] = &sophon.RemoteError{StatusCode: 410, Body: "job expired"}
	h.client.mu.Unlock()

	require.NoError(t, h.engine.Sweep(ctx, time.Second, time.Second))

	_, err := h.registry.Get(ctx, "example.com")
	require.ErrorIs(t, err, sophon.ErrNotFound)
}

func TestSweep_RemovesCompletedOneShotWithEmptyBuffer(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	ctx := context.Background()

	require.NoError(t, h.registry.Put(ctx, sophon.RegistryEntry{
		Domain: "example.com", JobID: "job-done", Fields: fieldSpecs(),
	}))
	h.client.mu.Lock()
	h.client.status["job-done"] = sophon.JobStatus{Status: sophon.JobStateComplete}
	h.client.mu.Unlock()

	require.NoError(t, h.engine.Sweep(ctx, time.Second, time.Second))

	_, err := h.registry.Get(ctx, "example.com")
	require.ErrorIs(t, err, sophon.ErrNotFound)

	events, err := h.events.List(ctx, "example.com", 0)
	require.NoError(t, err)
	require.Empty(t, events, "an empty buffer must not fabricate an event")
}

func TestSweep_SkipsActivelyPolledJobs(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	ctx := context.Background()

	require.NoError(t, h.registry.Put(ctx, sophon.RegistryEntry{
		Domain: "example.com", JobID: "job-live", Recurring: true, Fields: fieldSpecs(),
	}))

	// Register a poller by hand so the sweep sees the job as in-flight.
	acquired := h.engine.inflight.TryAcquire("job-live", func() {})
	require.True(t, acquired)
	defer h.engine.inflight.Release("job-live")

	h.client.setResults("job-live", sophon.JobResult{
		ResultID:    "r-live",
		LLMResponse: response(`{"foo":[true,0.9]}`),
	})

	require.NoError(t, h.engine.Sweep(ctx, time.Second, time.Second))

	events, err := h.events.List(ctx, "example.com", 0)
	require.NoError(t, err)
	require.Empty(t, events, "sweep must not touch a job with an active poller")
}
