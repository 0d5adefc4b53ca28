// Package main wires together the pagesift service binary.
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

	"cloud.google.com/go/pubsub"
	gcstorage "cloud.google.com/go/storage"
	vision "cloud.google.com/go/vision/v2/apiv1"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/pagesift/pagesift/internal/api"
	"github.com/pagesift/pagesift/internal/clock/system"
	"github.com/pagesift/pagesift/internal/config"
	"github.com/pagesift/pagesift/internal/fetch"
	"github.com/pagesift/pagesift/internal/id/uuid"
	"github.com/pagesift/pagesift/internal/logging"
	"github.com/pagesift/pagesift/internal/metrics"
	"github.com/pagesift/pagesift/internal/ocr"
	visionocr "github.com/pagesift/pagesift/internal/ocr/vision"
	"github.com/pagesift/pagesift/internal/pipeline"
	memorypublisher "github.com/pagesift/pagesift/internal/publisher/memory"
	pubsubpublisher "github.com/pagesift/pagesift/internal/publisher/pubsub"
	"github.com/pagesift/pagesift/internal/render"
	"github.com/pagesift/pagesift/internal/scheduler"
	gcsstorage "github.com/pagesift/pagesift/internal/storage/gcs"
	memorystorage "github.com/pagesift/pagesift/internal/storage/memory"
	memorystore "github.com/pagesift/pagesift/internal/store/memory"
	"github.com/pagesift/pagesift/internal/store/postgres"
	"github.com/pagesift/pagesift/internal/worker"
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

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("service exited with error", zap.Error(err))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	clock := system.New()
	idGen := uuid.New()

	store, ready, closeStore, err := buildRecordStore(ctx, cfg, idGen, clock, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	objects, err := buildObjectStore(ctx, cfg, logger)
	if err != nil {
		return err
	}

	recognizer, closeRecognizer, err := buildRecognizer(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeRecognizer()

	publisher, closePublisher, err := buildPublisher(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closePublisher()

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	downloader := fetch.New(fetch.Config{
		UserAgent:      cfg.Render.UserAgent,
		AcceptLanguage: cfg.Render.AcceptLanguage,
		Timeout:        cfg.Fetch.Timeout,
	})
	renderer := render.New(render.Config{
		BaseTimeout:    cfg.Render.BaseTimeout,
		MaxAttempts:    cfg.Render.MaxAttempts,
		SettleDelay:    cfg.Render.SettleDelay,
		ViewportWidth:  cfg.Render.ViewportWidth,
		ViewportHeight: cfg.Render.ViewportHeight,
		UserAgent:      cfg.Render.UserAgent,
		AcceptLanguage: cfg.Render.AcceptLanguage,
	}, logger.Named("render"))

	ocrPipeline := ocr.New(
		store,
		objects,
		recognizer,
		downloader,
		publisher,
		ocr.RetryPolicy{
			MaxAttempts:    cfg.OCR.MaxAttempts,
			InitialBackoff: cfg.OCR.InitialBackoff,
			MaxBackoff:     cfg.OCR.MaxBackoff,
			Deadline:       cfg.OCR.Deadline,
		},
		ocr.Config{
			StagingPrefix: cfg.Storage.StagingPrefix,
			OutputPrefix:  cfg.Storage.OutputPrefix,
			BatchWait:     cfg.OCR.BatchWait,
			Topic:         cfg.PubSub.TopicName,
		},
		logger.Named("ocr"),
	)

	pageWorker := worker.New(
		store,
		renderer,
		ocrPipeline,
		publisher,
		m,
		worker.Config{Topic: cfg.PubSub.TopicName},
		logger.Named("worker"),
	)

	sched := scheduler.New(
		store,
		pageWorker,
		clock,
		m,
		scheduler.Config{
			Interval:     cfg.Scheduler.Interval,
			MisfireGrace: cfg.Scheduler.MisfireGrace,
		},
		logger.Named("scheduler"),
	)

	apiServer := api.NewServer(store, sched, ready, reg, logger.Named("api"))

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("scheduler started", zap.Duration("interval", cfg.Scheduler.Interval))
		sched.Run(ctx)
	}()

	go func() {
		logger.Info("http server started", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", zap.Error(err))
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
	return nil
}

func buildRecordStore(
	ctx context.Context,
	cfg config.Config,
	idGen pipeline.IDGenerator,
	clock pipeline.Clock,
	logger *zap.Logger,
) (pipeline.RecordStore, api.ReadyChecker, func(), error) {
	if cfg.DB.DSN == "" {
		logger.Warn("db.dsn not set, using in-memory record store")
		return memorystore.NewRecordStore(idGen, clock), nil, func() {}, nil
	}
	store, err := postgres.NewRecordStore(ctx, postgres.RecordStoreConfig{
		DSN:             cfg.DB.DSN,
		MaxConns:        cfg.DB.MaxConns,
		MinConns:        cfg.DB.MinConns,
		MaxConnLifetime: cfg.DB.MaxConnLifetime,
	}, idGen, clock)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("connect record store: %w", err)
	}
	return store, store.Ping, store.Close, nil
}

func buildObjectStore(ctx context.Context, cfg config.Config, logger *zap.Logger) (pipeline.ObjectStore, error) {
	if cfg.Storage.GCSBucket == "" {
		logger.Warn("storage.gcs_bucket not set, using in-memory object store")
		return memorystorage.NewObjectStore(), nil
	}
	client, err := gcstorage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("create storage client: %w", err)
	}
	store, err := gcsstorage.New(ctx, client, gcsstorage.Config{Bucket: cfg.Storage.GCSBucket})
	if err != nil {
		return nil, fmt.Errorf("open bucket: %w", err)
	}
	return store, nil
}

func buildRecognizer(ctx context.Context, cfg config.Config, logger *zap.Logger) (pipeline.Recognizer, func(), error) {
	if !cfg.OCR.Enabled {
		logger.Warn("ocr disabled, recognition calls will be skipped")
		return ocr.NoopRecognizer{}, func() {}, nil
	}
	client, err := vision.NewImageAnnotatorClient(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("create vision client: %w", err)
	}
	recognizer, err := visionocr.New(client)
	if err != nil {
		return nil, nil, fmt.Errorf("create recognizer: %w", err)
	}
	closeFn := func() {
		if err := recognizer.Close(); err != nil {
			logger.Warn("recognizer close failed", zap.Error(err))
		}
	}
	return recognizer, closeFn, nil
}

func buildPublisher(ctx context.Context, cfg config.Config, logger *zap.Logger) (pipeline.Publisher, func(), error) {
	if cfg.PubSub.ProjectID == "" || cfg.PubSub.TopicName == "" {
		logger.Info("pubsub not configured, events recorded in memory")
		return memorypublisher.New(), func() {}, nil
	}
	client, err := pubsub.NewClient(ctx, cfg.PubSub.ProjectID)
	if err != nil {
		return nil, nil, fmt.Errorf("create pubsub client: %w", err)
	}
	publisher, err := pubsubpublisher.New(client)
	if err != nil {
		return nil, nil, fmt.Errorf("create publisher: %w", err)
	}
	closeFn := func() {
		if err := client.Close(); err != nil {
			logger.Warn("pubsub client close failed", zap.Error(err))
		}
	}
	return publisher, closeFn, nil
}
