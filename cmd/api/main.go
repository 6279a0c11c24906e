package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/IBM/sarama"

	"github.com/samims/hakhel/internal/calendar"
	"github.com/samims/hakhel/internal/config"
	"github.com/samims/hakhel/internal/handler"
	"github.com/samims/hakhel/internal/kafka"
	"github.com/samims/hakhel/internal/logger"
	"github.com/samims/hakhel/internal/metrics"
	"github.com/samims/hakhel/internal/oplog"
	"github.com/samims/hakhel/internal/queue"
	"github.com/samims/hakhel/internal/router"
	"github.com/samims/hakhel/internal/service"
	"github.com/samims/hakhel/internal/storage"
	"github.com/samims/hakhel/pkg/tracing"
)

const serviceName = "hakhel-api"

func main() {
	l := logger.NewLogger(serviceName)
	slog.SetDefault(l)

	cfg, err := config.LoadConfig(serviceName)
	if err != nil {
		l.Error("Failed to load config", slog.Any("error", err))
		os.Exit(1)
	}

	metrics.Init()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tracerShutdown, err := tracing.SetupTracing(ctx, cfg.AppCfg.ServiceName, l)
	if err != nil {
		l.Error("Failed to initialize tracing", slog.Any("error", err))
		os.Exit(1)
	}
	defer tracerShutdown()

	if cfg.DBConfig.AutoMigrate {
		if err := storage.MigrateUp(cfg.DBConfig.URL, cfg.DBConfig.MigrationsPath); err != nil {
			l.Error("Failed to migrate database", slog.Any("error", err))
			os.Exit(1)
		}
	}

	dbPool, err := storage.NewPostgresPool(ctx, cfg.DBConfig)
	if err != nil {
		l.Error("Failed to connect to database", slog.Any("error", err))
		os.Exit(1)
	}
	defer dbPool.Close()
	store := storage.NewPostgresStorage(dbPool)

	recorder, err := oplog.NewPostgresRecorder(cfg.DBConfig, l)
	if err != nil {
		l.Error("Failed to connect operational log", slog.Any("error", err))
		os.Exit(1)
	}
	defer recorder.Close()

	redisClient, err := queue.NewRedisClient(ctx, cfg.RedisCfg)
	if err != nil {
		l.Error("Failed to connect to redis", slog.Any("error", err))
		os.Exit(1)
	}
	defer redisClient.Close()
	jobs := queue.NewRedisQueue(redisClient, cfg.QueueCfg.Key, l)

	asyncProducer, err := sarama.NewAsyncProducer(cfg.KafkaCfg.Brokers, kafka.NewSaramaConfig(cfg.KafkaCfg))
	if err != nil {
		l.Error("Failed to create sarama producer", slog.Any("error", err))
		os.Exit(1)
	}
	var wg sync.WaitGroup
	producer := kafka.NewProducer(asyncProducer, cfg.KafkaCfg.PreferenceTopic, l, &wg)
	producer.Start(ctx)
	defer producer.Close(context.Background())

	cal := calendar.NewCachedResolver(calendar.NewHebcalClient(cfg.CalendarCfg, l))
	resolver := service.NewPreferenceResolver(store)

	// The API only previews impact; change analysis runs in the worker.
	analyzer := service.NewImpactAnalyzer(store, jobs, nil, recorder, cfg.RebuildBatchSize, l)
	prefSvc := service.NewPreferenceService(store, analyzer, producer, l)
	intentSvc := service.NewIntentService(store, resolver, cal, jobs, recorder, l)
	auditSvc := service.NewAuditService(store, resolver, l)
	healthSvc := service.NewHealthService(map[string]service.Pinger{
		"database": store,
		"redis": service.PingFunc(func(ctx context.Context) error {
			return redisClient.Ping(ctx).Err()
		}),
	})

	r := router.NewRouter(router.Handlers{
		Preference: handler.NewPreferenceHandler(prefSvc, l),
		Intent:     handler.NewIntentHandler(intentSvc, l),
		Audit:      handler.NewAuditHandler(auditSvc, recorder, l),
		Webhook:    handler.NewWebhookHandler(cfg.DeliveryCfg.TwilioAuthToken, cfg.DeliveryCfg.WebhookHost, recorder, l),
		Health:     handler.NewHealthHandler(healthSvc, l),
	}, cfg.AuthCfg)

	server := &http.Server{
		Addr:              ":" + cfg.AppCfg.Port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		l.Info("Server started", slog.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			l.Error("Failed to start server", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	l.Info("Shutting down server...")

	ctxTimeout, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(ctxTimeout); err != nil {
		l.Error("Shutdown failed", slog.Any("error", err))
		return
	}
	l.Info("Server exited cleanly")
}
