// Package syncer keeps the local event log in lockstep with jobs
// running on the remote capture runner: it submits jobs, polls the
// active ones, reconciles the rest, and ingests each buffered result
// exactly once.
package syncer

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"path"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tududes/websophon/internal/ingest"
	"github.com/tududes/websophon/internal/sophon"
)

// RemoteClient is the slice of the runner client the engine uses.
type RemoteClient interface {
	CreateJob(ctx context.Context, payload sophon.JobPayload) (string, error)
	GetStatus(ctx context.Context, jobID string) (sophon.JobStatus, error)
	GetResults(ctx context.Context, jobID string) ([]sophon.JobResult, error)
	Purge(ctx context.Context, jobID string, resultIDs []string) error
	DeleteJob(ctx context.Context, jobID string) error
}

// Config tunes the engine's polling and screenshot retention.
type Config struct {
	PollInterval    time.Duration
	MaxPollAttempts int
	// ScreenshotKeep is how many screenshot references survive a prune
	// when the blob store reports quota exhaustion.
	ScreenshotKeep int
	BlobPrefix     string
	Model          sophon.ModelConfig
}

// Engine is the remote job synchronization engine. All public methods
// are safe for concurrent use.
type Engine struct {
	cfg      Config
	events   sophon.EventLog
	registry sophon.JobRegistry
	contexts sophon.ContextStore
	client   RemoteClient
	capturer sophon.Capturer
	blobs    sophon.BlobStore
	notifier sophon.Notifier
	clock    sophon.Clock
	ids      sophon.IDGenerator
	logger   *zap.Logger

	inflight *inflightSet
	wg       sync.WaitGroup
}

// Deps bundles the engine's collaborators.
type Deps struct {
	Events   sophon.EventLog
	Registry sophon.JobRegistry
	Contexts sophon.ContextStore
	Client   RemoteClient
	Capturer sophon.Capturer
	Blobs    sophon.BlobStore
	Notifier sophon.Notifier
	Clock    sophon.Clock
	IDs      sophon.IDGenerator
	Logger   *zap.Logger
}

// New creates an Engine.
func New(cfg Config, deps Deps) (*Engine, error) {
	if deps.Events == nil || deps.Registry == nil || deps.Contexts == nil {
		return nil, fmt.Errorf("event log, registry and context store are required")
	}
	if deps.Client == nil {
		return nil, fmt.Errorf("remote client is required")
	}
	if deps.Clock == nil || deps.IDs == nil {
		return nil, fmt.Errorf("clock and id generator are required")
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.MaxPollAttempts <= 0 {
		cfg.MaxPollAttempts = 150
	}
	if cfg.ScreenshotKeep <= 0 {
		cfg.ScreenshotKeep = 25
	}
	if cfg.BlobPrefix == "" {
		cfg.BlobPrefix = "screenshots"
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		cfg:      cfg,
		events:   deps.Events,
		registry: deps.Registry,
		contexts: deps.Contexts,
		client:   deps.Client,
		capturer: deps.Capturer,
		blobs:    deps.Blobs,
		notifier: deps.Notifier,
		clock:    deps.Clock,
		ids:      deps.IDs,
		logger:   logger,
		inflight: newInflightSet(),
	}, nil
}

// SubmitRequest describes a job submission.
type SubmitRequest struct {
	URL             string
	Domain          string
	Fields          []sophon.FieldSpec
	Recurring       bool
	IntervalSeconds int
}

// SubmitResult reports what Submit created.
type SubmitResult struct {
	JobID   string
	EventID string
}

// Submit captures the current session, builds the job payload with the
// previous confidence-filtered evaluation for the domain, creates the
// job remotely, records it in the registry, and starts polling. A
// one-shot submission also creates a pending event up front so the UI
// sees the capture immediately; recurring jobs produce events only as
// results arrive.
func (e *Engine) Submit(ctx context.Context, req SubmitRequest) (SubmitResult, error) {
	if req.URL == "" || req.Domain == "" {
		return SubmitResult{}, fmt.Errorf("url and domain are required: %w", sophon.ErrInvalidConfig)
	}
	if len(req.Fields) == 0 {
		return SubmitResult{}, fmt.Errorf("at least one field is required: %w", sophon.ErrInvalidConfig)
	}
	if e.cfg.Model.Model == "" {
		return SubmitResult{}, fmt.Errorf("model name is not configured: %w", sophon.ErrInvalidConfig)
	}

	session := e.captureSession(ctx, req.URL)
	previous := e.loadPrevious(ctx, req.Domain)

	payload := sophon.JobPayload{
		URL:                req.URL,
		Domain:             req.Domain,
		SessionData:        session,
		ModelConfig:        e.cfg.Model,
		Fields:             req.Fields,
		PreviousEvaluation: previous,
	}
	if req.Recurring {
		payload.IntervalSeconds = req.IntervalSeconds
	}

	var eventID string
	if !req.Recurring {
		id, err := e.ids.NewID()
		if err != nil {
			return SubmitResult{}, fmt.Errorf("generate event id: %w", err)
		}
		eventID = id
		evt := sophon.Event{
			ID:        eventID,
			Timestamp: e.clock.Now(),
			Domain:    req.Domain,
			URL:       req.URL,
			Status:    sophon.EventStatusPending,
			Source:    sophon.SourceRemote,
			Request: sophon.RequestMeta{
				FieldNames:      fieldNames(req.Fields),
				IntervalSeconds: req.IntervalSeconds,
			},
		}
		if err := e.events.Append(ctx, evt); err != nil {
			return SubmitResult{}, fmt.Errorf("append pending event: %w", err)
		}
		e.notify(sophon.Notification{
			Kind: sophon.NotifyEventCreated, TS: e.clock.Now(),
			Domain: req.Domain, EventID: eventID, Event: &evt,
		})
	}

	jobID, err := e.client.CreateJob(ctx, payload)
	if err != nil {
		if eventID != "" {
			e.completeFailed(ctx, eventID, req.Domain, fmt.Sprintf("job submission failed: %v", err))
		}
		return SubmitResult{}, fmt.Errorf("submit job for %s: %w", req.Domain, err)
	}

	if eventID != "" {
		if err := e.events.LinkJob(ctx, eventID, jobID); err != nil {
			e.logger.Warn("link job to pending event",
				zap.String("event_id", eventID), zap.Error(err))
		}
	}
	entry := sophon.RegistryEntry{
		Domain:    req.Domain,
		JobID:     jobID,
		Recurring: req.Recurring,
		Fields:    req.Fields,
		URL:       req.URL,
		UpdatedAt: e.clock.Now(),
	}
	if err := e.registry.Put(ctx, entry); err != nil {
		return SubmitResult{}, fmt.Errorf("record job in registry: %w", err)
	}

	e.StartPoll(jobID, req.Domain, eventID)
	e.logger.Info("job submitted",
		zap.String("domain", req.Domain),
		zap.String("job_id", jobID),
		zap.Bool("recurring", req.Recurring))
	return SubmitResult{JobID: jobID, EventID: eventID}, nil
}

// Stop cancels the domain's active job: the local poller first, then
// the remote job, then the registry entry. A job already gone remotely
// still gets its local state cleaned up.
func (e *Engine) Stop(ctx context.Context, domain string) error {
	entry, err := e.registry.Get(ctx, domain)
	if err != nil {
		return fmt.Errorf("look up job for %s: %w", domain, err)
	}
	e.inflight.Cancel(entry.JobID)
	if err := e.client.DeleteJob(ctx, entry.JobID); err != nil {
		return fmt.Errorf("cancel remote job %s: %w", entry.JobID, err)
	}
	if err := e.registry.Delete(ctx, domain); err != nil {
		return fmt.Errorf("remove registry entry for %s: %w", domain, err)
	}
	e.logger.Info("job stopped",
		zap.String("domain", domain), zap.String("job_id", entry.JobID))
	return nil
}

// ResumePending restarts polling for every pending remote event that
// carries a job id, typically once at startup.
func (e *Engine) ResumePending(ctx context.Context) error {
	pending, err := e.events.ListPendingRemote(ctx)
	if err != nil {
		return fmt.Errorf("list pending remote events: %w", err)
	}
	for _, evt := range pending {
		e.StartPoll(evt.Request.JobID, evt.Domain, evt.ID)
	}
	if len(pending) > 0 {
		e.logger.Info("resumed polling for pending events", zap.Int("count", len(pending)))
	}
	return nil
}

// Close cancels all pollers and waits for them to exit.
func (e *Engine) Close() {
	e.inflight.CancelAll()
	e.wg.Wait()
}

func (e *Engine) captureSession(ctx context.Context, url string) sophon.SessionData {
	if e.capturer == nil {
		return sophon.SessionData{Viewport: sophon.Viewport{Width: 1280, Height: 800}}
	}
	res, err := e.capturer.Capture(ctx, url)
	if err != nil {
		e.logger.Warn("session capture failed, submitting without session",
			zap.String("url", url), zap.Error(err))
		return sophon.SessionData{Viewport: sophon.Viewport{Width: 1280, Height: 800}}
	}
	return res.Session
}

func (e *Engine) loadPrevious(ctx context.Context, domain string) []sophon.FieldResult {
	previous, err := e.contexts.LoadContext(ctx, domain)
	if err != nil {
		if !sophon.IsNotFound(err) {
			e.logger.Warn("load previous evaluation", zap.String("domain", domain), zap.Error(err))
		}
		return nil
	}
	return previous
}

func (e *Engine) completeFailed(ctx context.Context, eventID, domain, reason string) {
	evt, err := e.events.Complete(ctx, eventID, sophon.CompletionUpdate{
		Success: false,
		Error:   reason,
	})
	if err != nil {
		if !errors.Is(err, sophon.ErrAlreadyCompleted) {
			e.logger.Warn("complete event as failed",
				zap.String("event_id", eventID), zap.Error(err))
		}
		return
	}
	e.notify(sophon.Notification{
		Kind: sophon.NotifyEventUpdated, TS: e.clock.Now(),
		Domain: domain, EventID: eventID, Event: &evt,
	})
}

func (e *Engine) notify(n sophon.Notification) {
	if e.notifier != nil {
		e.notifier.Notify(n)
	}
}

// ingestResults records a batch of runner results. The first result may
// complete the submission's pending event; every further result (and
// all results of recurring jobs) is merged by its server-issued result
// id, which is what makes re-delivery harmless. The returned ids are
// safe to purge remotely whether or not they were new here.
func (e *Engine) ingestResults(ctx context.Context, entry sophon.RegistryEntry, eventID string, results []sophon.JobResult) []string {
	ingested := make([]string, 0, len(results))
	for _, res := range results {
		if err := e.ingestOne(ctx, entry, &eventID, res); err != nil {
			e.logger.Warn("ingest result",
				zap.String("job_id", entry.JobID),
				zap.String("result_id", res.ResultID),
				zap.Error(err))
			continue
		}
		ingested = append(ingested, res.ResultID)
	}
	return ingested
}

func (e *Engine) ingestOne(ctx context.Context, entry sophon.RegistryEntry, eventID *string, res sophon.JobResult) error {
	normalized := ingest.Normalize(res.LLMResponse, e.logger)
	screenshotRef := e.storeScreenshot(ctx, entry.JobID, res)

	ts := res.Timestamp
	if ts.IsZero() {
		ts = e.clock.Now()
	}
	success := res.Error == ""

	if *eventID != "" {
		id := *eventID
		*eventID = ""
		evt, err := e.events.Complete(ctx, id, sophon.CompletionUpdate{
			Success:       success,
			Error:         res.Error,
			Fields:        normalized.Fields,
			Summary:       normalized.Summary,
			HasTrueResult: normalized.HasTrue,
			ScreenshotRef: screenshotRef,
			Response:      res.LLMResponse,
			ResultID:      res.ResultID,
		})
		if err != nil {
			if !errors.Is(err, sophon.ErrAlreadyCompleted) {
				return fmt.Errorf("complete pending event: %w", err)
			}
			// Someone else completed it; fall through to the merge path
			// so the result is still recorded exactly once.
		} else {
			e.saveContext(ctx, entry, normalized.Fields, success)
			e.notify(sophon.Notification{
				Kind: sophon.NotifyEventUpdated, TS: e.clock.Now(),
				Domain: entry.Domain, JobID: entry.JobID, EventID: evt.ID, Event: &evt,
			})
			return nil
		}
	}

	newID, err := e.ids.NewID()
	if err != nil {
		return fmt.Errorf("generate event id: %w", err)
	}
	evt := sophon.Event{
		ID:            newID,
		Timestamp:     ts,
		Domain:        entry.Domain,
		URL:           entry.URL,
		Status:        sophon.EventStatusCompleted,
		Source:        sophon.SourceRemote,
		Success:       success,
		Error:         res.Error,
		Fields:        normalized.Fields,
		Summary:       normalized.Summary,
		HasTrueResult: normalized.HasTrue,
		ScreenshotRef: screenshotRef,
		Request:       sophon.RequestMeta{JobID: entry.JobID, FieldNames: fieldNames(entry.Fields)},
		Response:      res.LLMResponse,
		ResultID:      res.ResultID,
	}
	stored, created, err := e.events.MergeResult(ctx, evt)
	if err != nil {
		return fmt.Errorf("merge result: %w", err)
	}
	if !created {
		// Duplicate delivery. The earlier ingestion already did the
		// bookkeeping; purging again is still correct.
		return nil
	}
	e.saveContext(ctx, entry, normalized.Fields, success)
	e.notify(sophon.Notification{
		Kind: sophon.NotifyEventUpdated, TS: e.clock.Now(),
		Domain: entry.Domain, JobID: entry.JobID, EventID: stored.ID, Event: &stored,
	})
	return nil
}

func (e *Engine) saveContext(ctx context.Context, entry sophon.RegistryEntry, fields []sophon.FieldResult, success bool) {
	if !success || len(fields) == 0 {
		return
	}
	filtered := ingest.FilterForContext(fields, entry.Fields)
	if err := e.contexts.SaveContext(ctx, entry.Domain, filtered); err != nil {
		e.logger.Warn("save evaluation context",
			zap.String("domain", entry.Domain), zap.Error(err))
	}
}

// storeScreenshot decodes and persists the result's screenshot. Quota
// exhaustion triggers one prune of the oldest references followed by a
// single retry; a result without a screenshot is still a valid result.
func (e *Engine) storeScreenshot(ctx context.Context, jobID string, res sophon.JobResult) string {
	if res.ScreenshotData == "" || e.blobs == nil {
		return ""
	}
	data, err := base64.StdEncoding.DecodeString(res.ScreenshotData)
	if err != nil {
		e.logger.Warn("decode screenshot",
			zap.String("result_id", res.ResultID), zap.Error(err))
		return ""
	}
	key := path.Join(e.cfg.BlobPrefix, jobID, res.ResultID+".png")
	ref, err := e.blobs.PutObject(ctx, key, "image/png", data)
	if err == nil {
		return ref
	}
	if !errors.Is(err, sophon.ErrQuotaExceeded) {
		e.logger.Warn("store screenshot", zap.String("result_id", res.ResultID), zap.Error(err))
		return ""
	}
	evicted, pruneErr := e.events.PruneScreenshots(ctx, e.cfg.ScreenshotKeep)
	if pruneErr != nil {
		e.logger.Warn("prune screenshots", zap.Error(pruneErr))
		return ""
	}
	for _, old := range evicted {
		if delErr := e.blobs.DeleteObject(ctx, old); delErr != nil {
			e.logger.Warn("delete pruned screenshot", zap.String("ref", old), zap.Error(delErr))
		}
	}
	e.logger.Info("screenshot quota reached, pruned oldest references",
		zap.Int("evicted", len(evicted)))
	ref, err = e.blobs.PutObject(ctx, key, "image/png", data)
	if err != nil {
		e.logger.Warn("store screenshot after prune",
			zap.String("result_id", res.ResultID), zap.Error(err))
		return ""
	}
	return ref
}

// purge acknowledges ingested results remotely. Failure is tolerable:
// the ids stay buffered server-side and the next poll or sweep purges
// them again, with MergeResult deduplication absorbing the re-read.
func (e *Engine) purge(ctx context.Context, jobID string, resultIDs []string) {
	if len(resultIDs) == 0 {
		return
	}
	if err := e.client.Purge(ctx, jobID, resultIDs); err != nil {
		e.logger.Warn("purge ingested results",
			zap.String("job_id", jobID),
			zap.Int("count", len(resultIDs)),
			zap.Error(err))
	}
}

func fieldNames(fields []sophon.FieldSpec) []string {
	if len(fields) == 0 {
		return nil
	}
	names := make([]string, len(fields))
	for i, f := range fields {
		names[i] = f.Name
	}
	return names
}
