package syncer

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/tududes/websophon/internal/sophon"
)

// StartPoll launches the polling goroutine for a job. The in-flight set
// guarantees a single poller per job; a second call for the same job is
// a no-op, which is what lets the reconciler and the submission path
// race safely.
func (e *Engine) StartPoll(jobID, domain, eventID string) {
	if jobID == "" {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	if !e.inflight.TryAcquire(jobID, cancel) {
		cancel()
		return
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer e.inflight.Release(jobID)
		defer cancel()
		e.poll(ctx, jobID, domain, eventID)
	}()
}

// poll drives one job to completion: drain results, acknowledge them,
// and retire the job when the runner reports a terminal state. The
// attempt budget bounds how long a job is actively polled; after that
// the periodic reconciliation sweep takes over.
func (e *Engine) poll(ctx context.Context, jobID, domain, eventID string) {
	logger := e.logger.With(zap.String("job_id", jobID), zap.String("domain", domain))
	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()

	for attempt := 1; attempt <= e.cfg.MaxPollAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		entry, recurring := e.lookupEntry(ctx, jobID, domain)

		results, err := e.client.GetResults(ctx, jobID)
		switch {
		case err == nil:
		case sophon.IsAuthError(err):
			// The credential is already invalidated by the client. The
			// registry entry stays so a fresh grant lets the sweep drain
			// the job, but the pending event must not hang.
			logger.Warn("polling stopped, credential rejected")
			if eventID != "" {
				e.completeFailed(ctx, eventID, domain, "credential rejected by the runner")
			}
			return
		case sophon.IsNotFound(err):
			logger.Info("job gone remotely, cleaning up")
			e.retireJob(ctx, domain, jobID, eventID, "job no longer exists on the runner")
			return
		case sophon.IsPermanent(err):
			logger.Warn("job rejected permanently", zap.Error(err))
			e.retireJob(ctx, domain, jobID, eventID, err.Error())
			return
		case ctx.Err() != nil:
			return
		default:
			logger.Debug("result poll failed", zap.Int("attempt", attempt), zap.Error(err))
			continue
		}

		if len(results) > 0 {
			ingested := e.ingestResults(ctx, entry, eventID, results)
			eventID = ""
			e.purge(ctx, jobID, ingested)
			if !recurring {
				// One-shot jobs are done after their first delivery.
				e.removeRegistryEntry(ctx, domain, jobID)
				return
			}
			continue
		}

		status, err := e.client.GetStatus(ctx, jobID)
		if err != nil {
			if sophon.IsNotFound(err) {
				e.retireJob(ctx, domain, jobID, eventID, "job no longer exists on the runner")
				return
			}
			if sophon.IsPermanent(err) {
				e.retireJob(ctx, domain, jobID, eventID, err.Error())
				return
			}
			logger.Debug("status poll failed", zap.Int("attempt", attempt), zap.Error(err))
			continue
		}
		if status.Status == sophon.JobStateFailed {
			reason := status.Error
			if reason == "" {
				reason = "job failed on the runner"
			}
			e.retireJob(ctx, domain, jobID, eventID, reason)
			return
		}
		if status.Status == sophon.JobStateComplete && !recurring {
			// The result fetch above came back empty, so a completed
			// one-shot has nothing left to deliver.
			e.retireJob(ctx, domain, jobID, eventID, "job completed without delivering results")
			return
		}
	}

	logger.Warn("polling attempts exhausted, handing job to reconciler",
		zap.Int("attempts", e.cfg.MaxPollAttempts))
	if eventID != "" {
		e.completeFailed(ctx, eventID, domain, "timed out waiting for results")
	}
	// The registry entry stays so the reconciliation sweep can still
	// pick up late results.
}

// lookupEntry fetches the registry entry for the polled job, falling
// back to a synthetic entry when it is already gone (a stop raced us).
func (e *Engine) lookupEntry(ctx context.Context, jobID, domain string) (sophon.RegistryEntry, bool) {
	entry, err := e.registry.Get(ctx, domain)
	if err != nil || entry.JobID != jobID {
		return sophon.RegistryEntry{Domain: domain, JobID: jobID}, false
	}
	return entry, entry.Recurring
}

// retireJob completes any pending event as failed and drops the
// registry entry.
func (e *Engine) retireJob(ctx context.Context, domain, jobID, eventID, reason string) {
	if eventID != "" {
		e.completeFailed(ctx, eventID, domain, reason)
	}
	e.removeRegistryEntry(ctx, domain, jobID)
}

// removeRegistryEntry deletes the domain's entry only while it still
// points at jobID, so a newer submission for the same domain is never
// clobbered by a stale poller.
func (e *Engine) removeRegistryEntry(ctx context.Context, domain, jobID string) {
	entry, err := e.registry.Get(ctx, domain)
	if err != nil {
		if !sophon.IsNotFound(err) {
			e.logger.Warn("load registry entry", zap.String("domain", domain), zap.Error(err))
		}
		return
	}
	if entry.JobID != jobID {
		return
	}
	if err := e.registry.Delete(ctx, domain); err != nil && !sophon.IsNotFound(err) {
		e.logger.Warn("remove registry entry", zap.String("domain", domain), zap.Error(err))
	}
}
