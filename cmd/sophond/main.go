// Package main wires together the sync engine daemon.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	gcppubsub "cloud.google.com/go/pubsub"
	gcs "cloud.google.com/go/storage"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/tududes/websophon/internal/api"
	gcsblob "github.com/tududes/websophon/internal/blob/gcs"
	localblob "github.com/tududes/websophon/internal/blob/local"
	memblob "github.com/tududes/websophon/internal/blob/memory"
	"github.com/tududes/websophon/internal/capture"
	"github.com/tududes/websophon/internal/clock/system"
	"github.com/tududes/websophon/internal/config"
	"github.com/tududes/websophon/internal/id/uuid"
	"github.com/tududes/websophon/internal/logging"
	"github.com/tududes/websophon/internal/notify"
	"github.com/tududes/websophon/internal/notify/sinks"
	"github.com/tududes/websophon/internal/remote"
	"github.com/tududes/websophon/internal/sophon"
	badgerstorage "github.com/tududes/websophon/internal/storage/badger"
	"github.com/tududes/websophon/internal/syncer"
	"github.com/tududes/websophon/internal/token"
	"github.com/tududes/websophon/internal/transport"
)

// lateBoundCreds lets the remote client and the token manager reference
// each other: the client authenticates via the manager, and the manager
// polls grants via the client. It is populated once during wiring,
// before any request is made.
type lateBoundCreds struct {
	mgr *token.Manager
}

func (c *lateBoundCreds) Token(ctx context.Context) (string, error) {
	if c.mgr == nil {
		return "", sophon.ErrAuthRequired
	}
	return c.mgr.Token(ctx)
}

func (c *lateBoundCreds) Invalidate(ctx context.Context) error {
	if c.mgr == nil {
		return nil
	}
	return c.mgr.Invalidate(ctx)
}

func main() {
	cfgPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config failed: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = logger.Sync()
	}()
	zap.ReplaceGlobals(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := badgerstorage.Open(badgerstorage.Config{Path: cfg.Storage.Path}, logger.Named("storage"))
	if err != nil {
		logger.Fatal("open storage", zap.Error(err))
	}
	defer func() {
		if closeErr := db.Close(); closeErr != nil {
			logger.Error("close storage", zap.Error(closeErr))
		}
	}()

	eventLog := badgerstorage.NewEventLog(db, cfg.Events.MaxEntries, logger.Named("events"))
	registry := badgerstorage.NewJobRegistry(db, logger.Named("registry"))
	credStore := badgerstorage.NewCredentialStore(db)
	ctxStore := badgerstorage.NewContextStore(db)

	blobs, err := buildBlobStore(ctx, cfg)
	if err != nil {
		logger.Fatal("init blob store", zap.Error(err))
	}

	registryProm := prometheus.NewRegistry()
	registryProm.MustRegister(collectors.NewGoCollector())
	registryProm.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	hub, err := buildNotifyHub(ctx, cfg, registryProm, logger)
	if err != nil {
		logger.Fatal("init notification hub", zap.Error(err))
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if closeErr := hub.Close(closeCtx); closeErr != nil {
			logger.Warn("close notification hub", zap.Error(closeErr))
		}
	}()

	clock := system.New()
	idGen := uuid.New()

	creds := &lateBoundCreds{}
	authed := transport.NewClient(creds, cfg.RemoteTimeout())
	client, err := remote.New(remote.Config{
		BaseURL: cfg.Remote.BaseURL,
		Timeout: cfg.RemoteTimeout(),
	}, authed, creds, logger.Named("remote"))
	if err != nil {
		logger.Fatal("init remote client", zap.Error(err))
	}

	tokens := token.NewManager(token.Config{
		PollInterval: time.Duration(cfg.Token.PollIntervalSeconds) * time.Second,
		MaxAttempts:  cfg.Token.MaxPollAttempts,
	}, credStore, client, clock, hub, logger.Named("token"))
	creds.mgr = tokens
	defer tokens.Close()

	var capturer sophon.Capturer
	if cfg.Capture.Enabled {
		chrome, err := capture.NewChromedp(capture.Config{
			UserAgent:         cfg.Capture.UserAgent,
			NavigationTimeout: time.Duration(cfg.Capture.NavTimeoutSec) * time.Second,
			ViewportWidth:     cfg.Capture.ViewportWidth,
			ViewportHeight:    cfg.Capture.ViewportHeight,
		})
		if err != nil {
			logger.Warn("headless capture init failed, continuing without", zap.Error(err))
		} else {
			defer chrome.Close()
			capturer = chrome
		}
	}
	if capturer == nil {
		capturer = capture.Noop{Viewport: sophon.Viewport{
			Width:  cfg.Capture.ViewportWidth,
			Height: cfg.Capture.ViewportHeight,
		}}
	}

	engine, err := syncer.New(syncer.Config{
		PollInterval:    time.Duration(cfg.Poller.IntervalSeconds) * time.Second,
		MaxPollAttempts: cfg.Poller.MaxAttempts,
		ScreenshotKeep:  cfg.Events.MaxScreenshots,
		BlobPrefix:      cfg.Blobs.Prefix,
		Model: sophon.ModelConfig{
			Model:       cfg.Model.Name,
			Temperature: cfg.Model.Temperature,
			MaxTokens:   cfg.Model.MaxTokens,
		},
	}, syncer.Deps{
		Events:   eventLog,
		Registry: registry,
		Contexts: ctxStore,
		Client:   client,
		Capturer: capturer,
		Blobs:    blobs,
		Notifier: hub,
		Clock:    clock,
		IDs:      idGen,
		Logger:   logger.Named("syncer"),
	})
	if err != nil {
		logger.Fatal("init sync engine", zap.Error(err))
	}
	defer engine.Close()

	reconciler, err := syncer.NewReconciler(syncer.ReconcilerConfig{
		Period:         time.Duration(cfg.Reconciler.PeriodSeconds) * time.Second,
		ResultsTimeout: time.Duration(cfg.Reconciler.ResultsTimeoutSeconds) * time.Second,
		PurgeTimeout:   time.Duration(cfg.Reconciler.PurgeTimeoutSeconds) * time.Second,
	}, engine, logger.Named("reconciler"))
	if err != nil {
		logger.Fatal("init reconciler", zap.Error(err))
	}
	if err := reconciler.Start(); err != nil {
		logger.Fatal("start reconciler", zap.Error(err))
	}
	defer reconciler.Stop()

	// Pick up state left behind by a previous run.
	if err := tokens.Resume(ctx); err != nil {
		logger.Warn("resume challenge polling", zap.Error(err))
	}
	if err := engine.ResumePending(ctx); err != nil {
		logger.Warn("resume pending events", zap.Error(err))
	}

	apiServer := api.NewServer(engine, tokens, eventLog, registry, registryProm, logger.Named("api"))
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("http server started", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}
	logger.Info("shutdown complete")
}

func buildBlobStore(ctx context.Context, cfg config.Config) (sophon.BlobStore, error) {
	switch cfg.Blobs.Provider {
	case "local":
		return localblob.New(localblob.Config{BaseDir: cfg.Blobs.BaseDir})
	case "memory":
		return memblob.New(0), nil
	case "gcs":
		client, err := gcs.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("create gcs client: %w", err)
		}
		return gcsblob.New(client, gcsblob.Config{Bucket: cfg.Blobs.GCSBucket})
	default:
		return nil, fmt.Errorf("unknown blob provider %q", cfg.Blobs.Provider)
	}
}

func buildNotifyHub(ctx context.Context, cfg config.Config, reg *prometheus.Registry, logger *zap.Logger) (*notify.Hub, error) {
	hubSinks := []notify.Sink{sinks.NewLogSink(logger.Named("notify"))}

	promSink, err := sinks.NewPrometheusSink(reg)
	if err != nil {
		return nil, err
	}
	hubSinks = append(hubSinks, promSink)

	if cfg.Notify.WebhookURL != "" {
		webhook, err := sinks.NewWebhookSink(sinks.WebhookConfig{
			URL:    cfg.Notify.WebhookURL,
			Secret: cfg.Notify.WebhookSecret,
		}, logger.Named("webhook"))
		if err != nil {
			return nil, err
		}
		hubSinks = append(hubSinks, webhook)
	}

	if cfg.Notify.PubSubProjectID != "" && cfg.Notify.PubSubTopic != "" {
		client, err := gcppubsub.NewClient(ctx, cfg.Notify.PubSubProjectID)
		if err != nil {
			return nil, fmt.Errorf("create pubsub client: %w", err)
		}
		sink, err := sinks.NewPubSubSink(client.Topic(cfg.Notify.PubSubTopic), logger.Named("pubsub"))
		if err != nil {
			return nil, err
		}
		hubSinks = append(hubSinks, sink)
	}

	return notify.NewHub(notify.Config{Logger: logger.Named("notify")}, hubSinks...), nil
}
