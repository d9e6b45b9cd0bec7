package syncer

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/tududes/websophon/internal/sophon"
)

// ReconcilerConfig tunes the periodic sweep.
type ReconcilerConfig struct {
	Period         time.Duration
	ResultsTimeout time.Duration
	PurgeTimeout   time.Duration
}

// Reconciler periodically sweeps the job registry and drains results
// for jobs no active poller is watching: recurring jobs past their poll
// budget, and jobs orphaned by a restart or a missed delivery.
type Reconciler struct {
	cfg    ReconcilerConfig
	engine *Engine
	cron   *cron.Cron
	logger *zap.Logger
}

// NewReconciler creates a Reconciler driving the engine's sweep on a
// cron schedule.
func NewReconciler(cfg ReconcilerConfig, engine *Engine, logger *zap.Logger) (*Reconciler, error) {
	if engine == nil {
		return nil, fmt.Errorf("engine is required")
	}
	if cfg.Period <= 0 {
		cfg.Period = 30 * time.Second
	}
	if cfg.ResultsTimeout <= 0 {
		cfg.ResultsTimeout = 10 * time.Second
	}
	if cfg.PurgeTimeout <= 0 {
		cfg.PurgeTimeout = 5 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reconciler{
		cfg:    cfg,
		engine: engine,
		cron:   cron.New(),
		logger: logger,
	}, nil
}

// Start schedules the sweep and begins running it.
func (r *Reconciler) Start() error {
	spec := fmt.Sprintf("@every %s", r.cfg.Period)
	if _, err := r.cron.AddFunc(spec, func() {
		if err := r.engine.Sweep(context.Background(), r.cfg.ResultsTimeout, r.cfg.PurgeTimeout); err != nil {
			r.logger.Warn("reconciliation sweep failed", zap.Error(err))
		}
	}); err != nil {
		return fmt.Errorf("schedule reconciliation: %w", err)
	}
	r.cron.Start()
	r.logger.Info("reconciler started", zap.Duration("period", r.cfg.Period))
	return nil
}

// Stop halts the schedule and waits for a running sweep to finish.
func (r *Reconciler) Stop() {
	ctx := r.cron.Stop()
	<-ctx.Done()
}

// Sweep walks the registry once. Jobs with an active poller are
// skipped; the in-flight set is the sole arbiter, so a sweep can never
// double-ingest against a live poller. An auth failure aborts the whole
// sweep since every remaining call would fail the same way.
func (e *Engine) Sweep(ctx context.Context, resultsTimeout, purgeTimeout time.Duration) error {
	entries, err := e.registry.List(ctx)
	if err != nil {
		return fmt.Errorf("list registry: %w", err)
	}
	for _, entry := range entries {
		if e.inflight.Has(entry.JobID) {
			continue
		}
		if err := e.sweepEntry(ctx, entry, resultsTimeout, purgeTimeout); err != nil {
			if sophon.IsAuthError(err) {
				return fmt.Errorf("sweep aborted: %w", err)
			}
			e.logger.Debug("sweep entry failed",
				zap.String("domain", entry.Domain),
				zap.String("job_id", entry.JobID),
				zap.Error(err))
		}
	}
	return nil
}

func (e *Engine) sweepEntry(ctx context.Context, entry sophon.RegistryEntry, resultsTimeout, purgeTimeout time.Duration) error {
	resCtx, cancel := context.WithTimeout(ctx, resultsTimeout)
	results, err := e.client.GetResults(resCtx, entry.JobID)
	cancel()
	if err != nil {
		if sophon.IsNotFound(err) || sophon.IsPermanent(err) {
			// The job is gone or permanently rejected server-side; drop
			// the mapping so the domain can be resubmitted.
			e.removeRegistryEntry(ctx, entry.Domain, entry.JobID)
			return nil
		}
		return fmt.Errorf("fetch results: %w", err)
	}

	if len(results) > 0 {
		ingested := e.ingestResults(ctx, entry, "", results)
		purgeCtx, cancel := context.WithTimeout(ctx, purgeTimeout)
		e.purge(purgeCtx, entry.JobID, ingested)
		cancel()
		e.logger.Info("reconciled buffered results",
			zap.String("domain", entry.Domain),
			zap.String("job_id", entry.JobID),
			zap.Int("count", len(ingested)))
	}

	statusCtx, cancel := context.WithTimeout(ctx, resultsTimeout)
	status, err := e.client.GetStatus(statusCtx, entry.JobID)
	cancel()
	if err != nil {
		if sophon.IsNotFound(err) || sophon.IsPermanent(err) {
			e.removeRegistryEntry(ctx, entry.Domain, entry.JobID)
			return nil
		}
		return fmt.Errorf("fetch status: %w", err)
	}
	if entry.Recurring {
		return nil
	}
	if status.Status == sophon.JobStateFailed || status.Status == sophon.JobStateComplete {
		// Results were fetched at the top of this sweep, so a terminal
		// one-shot has nothing left to drain.
		e.removeRegistryEntry(ctx, entry.Domain, entry.JobID)
	}
	return nil
}
