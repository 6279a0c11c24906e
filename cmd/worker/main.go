package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/IBM/sarama"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/samims/hakhel/internal/calendar"
	"github.com/samims/hakhel/internal/config"
	"github.com/samims/hakhel/internal/delivery"
	appErr "github.com/samims/hakhel/internal/errors"
	"github.com/samims/hakhel/internal/handler"
	"github.com/samims/hakhel/internal/kafka"
	"github.com/samims/hakhel/internal/logger"
	"github.com/samims/hakhel/internal/metrics"
	"github.com/samims/hakhel/internal/model"
	"github.com/samims/hakhel/internal/oplog"
	"github.com/samims/hakhel/internal/queue"
	"github.com/samims/hakhel/internal/scheduler"
	"github.com/samims/hakhel/internal/service"
	"github.com/samims/hakhel/internal/storage"
	"github.com/samims/hakhel/pkg/tracing"
)

const serviceName = "hakhel-worker"

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
	locker := queue.NewRedisLocker(redisClient)

	cal := calendar.NewCachedResolver(calendar.NewHebcalClient(cfg.CalendarCfg, l))
	resolver := service.NewPreferenceResolver(store)

	intentSvc := service.NewIntentService(store, resolver, cal, jobs, recorder, l)
	rebuildSvc := service.NewRebuildService(store, intentSvc, resolver, jobs, recorder,
		cfg.RebuildWorkerLimit, cfg.RebuildBatchSize, l)
	dispatchSvc := service.NewDispatchService(service.DispatchDeps{
		Store:      store,
		Resolver:   resolver,
		Calendar:   cal,
		Intents:    intentSvc,
		Dispatcher: delivery.NewDispatcher(transports(cfg.DeliveryCfg, l), cfg.DeliveryCfg.AttemptTimeout, l),
		Renderer:   service.NewRenderer(cfg.DeliveryCfg.EmailSubject),
		Jobs:       jobs,
		Locker:     locker,
		LockTTL:    cfg.QueueCfg.LockTTL,
		Recorder:   recorder,
	}, l)

	sched := scheduler.New(store, resolver, rebuildSvc, locker, recorder, cfg.SchedulerCfg, cfg.RebuildBatchSize, l)
	analyzer := service.NewImpactAnalyzer(store, jobs, sched, recorder, cfg.RebuildBatchSize, l)

	worker := queue.NewWorker(jobs, cfg.QueueCfg, l)
	worker.Handle(queue.KindDispatch, func(ctx context.Context, job queue.Job) error {
		_, err := dispatchSvc.Perform(ctx, job.CommunityID, job.IntentID)
		return err
	})
	worker.Handle(queue.KindRebuildSubject, func(ctx context.Context, job queue.Job) error {
		return rebuildSvc.RebuildSubject(ctx, job.CommunityID, job.SubjectID)
	})
	worker.Handle(queue.KindRebuildCommunity, func(ctx context.Context, job queue.Job) error {
		_, err := rebuildSvc.RebuildCommunity(ctx, job.CommunityID)
		return err
	})

	consumerGroup, err := sarama.NewConsumerGroup(cfg.KafkaCfg.Brokers, cfg.KafkaCfg.ConsumerGroup, kafka.NewSaramaConfig(cfg.KafkaCfg))
	if err != nil {
		l.Error("Failed to create Kafka consumer group", slog.Any("error", err))
		os.Exit(1)
	}
	consumer := kafka.NewConsumer(cfg.KafkaCfg.PreferenceTopic, consumerGroup, analyzer, l)

	healthSvc := service.NewHealthService(map[string]service.Pinger{
		"database": store,
		"redis": service.PingFunc(func(ctx context.Context) error {
			return redisClient.Ping(ctx).Err()
		}),
	})
	healthHandler := handler.NewHealthHandler(healthSvc, l)
	mux := chi.NewRouter()
	mux.Get("/healthz", healthHandler.Liveness)
	mux.Get("/readyz", healthHandler.Readiness)
	mux.Handle("/metrics", promhttp.Handler())
	server := &http.Server{
		Addr:              ":" + cfg.AppCfg.Port,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error { return worker.Start(egCtx) })
	eg.Go(func() error { return sched.Start(egCtx) })
	eg.Go(func() error { return consumer.Start(egCtx) })
	eg.Go(func() error {
		l.Info("Starting health server", slog.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	eg.Go(func() error {
		<-egCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	err = eg.Wait()
	switch {
	case appErr.IsTenantMissing(err):
		l.Error("FATAL: work without tenant context", slog.Any("error", err))
		os.Exit(2)
	case err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, sarama.ErrClosedConsumerGroup):
		l.Error("Worker stopped with error", slog.Any("error", err))
		os.Exit(1)
	}
	l.Info("Worker shut down gracefully")
}

// transports registers a channel only when its provider is configured.
func transports(cfg config.DeliveryConfig, l *slog.Logger) map[model.Channel]delivery.Transport {
	t := make(map[model.Channel]delivery.Transport)
	if cfg.TwilioAccountSID != "" {
		client := delivery.NewTwilioClient(cfg)
		t[model.ChannelSMS] = delivery.NewSMSTransport(client.Api, cfg)
		t[model.ChannelWhatsApp] = delivery.NewWhatsAppTransport(client.Api, cfg)
	} else {
		l.Warn("Twilio not configured, sms and whatsapp disabled")
	}
	if cfg.SendGridAPIKey != "" {
		t[model.ChannelEmail] = delivery.NewSendGridTransport(delivery.NewSendGridClient(cfg), cfg)
	} else {
		l.Warn("SendGrid not configured, email disabled")
	}
	return t
}
