// Package main wires together the price discovery service binary.
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
	gcstorage "cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/grocerlabs/pricescout/internal/ai"
	"github.com/grocerlabs/pricescout/internal/api"
	"github.com/grocerlabs/pricescout/internal/audit"
	"github.com/grocerlabs/pricescout/internal/clock/system"
	"github.com/grocerlabs/pricescout/internal/config"
	"github.com/grocerlabs/pricescout/internal/dispatcher"
	"github.com/grocerlabs/pricescout/internal/hash/sha256"
	idgen "github.com/grocerlabs/pricescout/internal/id/uuid"
	"github.com/grocerlabs/pricescout/internal/logging"
	"github.com/grocerlabs/pricescout/internal/metrics"
	"github.com/grocerlabs/pricescout/internal/places"
	"github.com/grocerlabs/pricescout/internal/pricing"
	memorypublisher "github.com/grocerlabs/pricescout/internal/publisher/memory"
	pubsubpublisher "github.com/grocerlabs/pricescout/internal/publisher/pubsub"
	queuememory "github.com/grocerlabs/pricescout/internal/queue/memory"
	"github.com/grocerlabs/pricescout/internal/registry"
	"github.com/grocerlabs/pricescout/internal/scrape"
	"github.com/grocerlabs/pricescout/internal/search"
	gcsstorage "github.com/grocerlabs/pricescout/internal/storage/gcs"
	memorystorage "github.com/grocerlabs/pricescout/internal/storage/memory"
	"github.com/grocerlabs/pricescout/internal/storage/postgres"
	"github.com/grocerlabs/pricescout/internal/worker"
)

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
		if syncErr := logger.Sync(); syncErr != nil {
			fmt.Fprintf(os.Stderr, "logger sync failed: %v\n", syncErr)
		}
	}()
	zap.ReplaceGlobals(logger)
	metrics.Init()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	clock := system.New()
	hasher := sha256.New()
	ids := idgen.New()

	var (
		jobStore   pricing.JobStore
		auditStore pricing.AuditStore
	)
	if cfg.DB.DSN != "" {
		pgCfg := postgres.Config{DSN: cfg.DB.DSN, MaxConns: int32(cfg.DB.MaxOpenConns), MinConns: int32(cfg.DB.MaxIdleConns)}
		pgJobs, err := postgres.NewJobStore(ctx, pgCfg)
		if err != nil {
			logger.Fatal("postgres job store init failed", zap.Error(err))
		}
		defer pgJobs.Close()
		pgAudit, err := postgres.NewAuditStore(ctx, pgCfg)
		if err != nil {
			logger.Fatal("postgres audit store init failed", zap.Error(err))
		}
		defer pgAudit.Close()
		jobStore, auditStore = pgJobs, pgAudit
	} else {
		logger.Info("using in-memory job and audit stores")
		jobStore = memorystorage.NewJobStore()
		auditStore = memorystorage.NewAuditStore()
	}

	var blobStore pricing.BlobStore
	if cfg.Storage.GCSBucket != "" {
		gcsClient, err := gcstorage.NewClient(ctx)
		if err != nil {
			logger.Fatal("gcs client init failed", zap.Error(err))
		}
		store, err := gcsstorage.New(gcsClient, gcsstorage.Config{Bucket: cfg.Storage.GCSBucket})
		if err != nil {
			logger.Fatal("gcs blob store init failed", zap.Error(err))
		}
		blobStore = store
	}

	var publisher pricing.Publisher
	if cfg.PubSub.ProjectID != "" && cfg.PubSub.TopicName != "" {
		psClient, err := gcppubsub.NewClient(ctx, cfg.PubSub.ProjectID)
		if err != nil {
			logger.Fatal("pubsub client init failed", zap.Error(err))
		}
		pub := pubsubpublisher.New(psClient.Topic(cfg.PubSub.TopicName))
		defer pub.Stop()
		publisher = pub
	} else {
		publisher = memorypublisher.New()
	}

	recorder := audit.NewRecorder(auditStore, blobStore, cfg.Storage.Prefix, cfg.Storage.ContentType, hasher, clock, ids, logger.Named("audit"))

	providers := ai.BuildProviders(ctx, cfg.AI, logger.Named("ai"))
	aggregator, _ := ai.ParseKind(cfg.AI.Aggregator)
	aiSvc := ai.NewService(providers, cfg.AI.Timeout(), aggregator, recorder, logger.Named("ai"))
	if !aiSvc.Available() {
		logger.Warn("no AI providers configured; discovery and estimation tiers disabled")
	}

	scraper := scrape.NewClient(scrape.Config{
		BaseURL:     cfg.Scrape.BaseURL,
		Timeout:     cfg.Scrape.Timeout(),
		BatchPerURL: time.Duration(cfg.Scrape.BatchPerURLSeconds) * time.Second,
	}, recorder, logger.Named("scrape"))

	var placesClient pricing.PlacesClient
	if cfg.Places.APIKey != "" {
		placesClient = places.NewClient(places.Config{
			BaseURL:  cfg.Places.BaseURL,
			APIKey:   cfg.Places.APIKey,
			CacheTTL: time.Duration(cfg.Places.CacheTTLMinutes) * time.Minute,
		}, recorder, logger.Named("places"))
	}

	stores := registry.New(cfg.Stores)

	orchestrator := search.New(stores, scraper, placesClient, aiSvc, jobStore, search.Config{
		MinOffers:        cfg.Search.MinOffers,
		MaxStores:        cfg.Search.MaxStores,
		ResultTTL:        time.Duration(cfg.Search.ResultCacheTTLMin) * time.Minute,
		LocalRadiusMiles: cfg.Places.DefaultRadiusMiles,
		LocalStoreTTL:    time.Duration(cfg.Search.LocalStoreCacheHours) * time.Hour,
	}, clock, logger.Named("search"))

	queue := queuememory.NewQueue(cfg.Jobs.QueueDepth)
	workerCfg := worker.Config{Topic: cfg.PubSub.TopicName}

	var workers []*worker.Worker
	for i := 0; i < cfg.Jobs.Concurrency; i++ {
		workers = append(workers, worker.New(
			queue,
			jobStore,
			orchestrator,
			aiSvc,
			publisher,
			clock,
			workerCfg,
			logger.Named("worker").With(zap.Int("index", i)),
		))
	}
	dispatch := dispatcher.New(queue, workers)

	apiServer := api.NewServer(
		jobStore,
		auditStore,
		stores,
		scraper,
		aiSvc,
		dispatch,
		ids,
		clock,
		cfg,
		logger.Named("api"),
	)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("dispatcher started", zap.Int("workers", len(workers)))
		dispatch.Run(ctx)
	}()

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
	queue.Close()
	logger.Info("shutdown complete")
}
