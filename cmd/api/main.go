package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"commerce-relay/config"
	"commerce-relay/internal/allocation"
	"commerce-relay/internal/consumers"
	"commerce-relay/internal/domain/coupon"
	"commerce-relay/internal/events"
	"commerce-relay/internal/handler"
	"commerce-relay/internal/metrics"
	"commerce-relay/internal/outbox"
	relayredis "commerce-relay/internal/redis"
	"commerce-relay/internal/repository"
	"commerce-relay/internal/server"
	"commerce-relay/internal/services"
	"commerce-relay/internal/storage"
	"commerce-relay/pkg/database"
	"commerce-relay/pkg/logger"

	"go.uber.org/zap"
)

const connectTimeout = 60 * time.Second

func main() {
	cfg := config.LoadConfig()

	mode := logger.DevelopmentMode
	if cfg.AppMode == server.ReleaseMode {
		mode = logger.ProductionMode
	}
	l := logger.New(mode)
	logger.SetGlobalLogger(l)
	defer func() { _ = l.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, l); err != nil {
		l.Errorf("relay exited: %v", err)
		stop()
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, l *logger.Logger) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	db, err := database.Connect(ctx, cfg, connectTimeout)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := repository.InitSchema(ctx, db); err != nil {
		return err
	}

	rdb := relayredis.NewClient(relayredis.Config{
		Host:           cfg.RedisHost,
		Port:           cfg.RedisPort,
		Password:       cfg.RedisPassword,
		DB:             cfg.RedisDB,
		ConnectTimeout: 5 * time.Second,
	})
	defer rdb.Close()
	if err := relayredis.WaitReady(ctx, rdb, connectTimeout); err != nil {
		return err
	}

	m, err := metrics.NewRelayMetrics()
	if err != nil {
		return err
	}

	outboxRepo := repository.NewOutboxRepository(db)
	deadLetterRepo := repository.NewDeadLetterRepository(db)
	couponRepo := repository.NewCouponRepository(db)
	issueRepo := repository.NewCouponIssueRepository(db)
	stockRepo := repository.NewStockRepository(db)

	sinks := outbox.MultiSink{outbox.NewLogAlertSink(l)}
	archiveCfg := storage.S3Config{
		Region:    cfg.Archive.Region,
		Bucket:    cfg.Archive.Bucket,
		AccessKey: cfg.Archive.AccessKey,
		SecretKey: cfg.Archive.SecretKey,
		Endpoint:  cfg.Archive.Endpoint,
		Prefix:    cfg.Archive.Prefix,
	}
	if archiveCfg.Enabled() {
		archive, err := storage.NewClient(ctx, archiveCfg)
		if err != nil {
			return err
		}
		sinks = append(sinks, outbox.NewArchiveAlertSink(archive))
		l.Infof("dead-letter archive enabled: s3://%s/%s", archiveCfg.Bucket, archiveCfg.Prefix)
	}

	deadLetters := outbox.NewDeadLetterService(deadLetterRepo, outboxRepo, sinks, m, l)
	defer deadLetters.WaitAlerts()

	publisher, err := events.NewPublisher(ctx, cfg.Broker, rdb, l)
	if err != nil {
		return err
	}
	defer func() {
		if err := publisher.Close(); err != nil {
			l.Warnf("close publisher: %v", err)
		}
	}()

	registry := outbox.NewRegistry()
	forwarder := consumers.NewBrokerForwarder(publisher, relayredis.NewIdempotencyGuard(rdb, "publish", cfg.IdempotencyTTL), l)
	notifier := consumers.NewCouponIssuedNotifier(
		consumers.NewLogNotifier(l),
		relayredis.NewIdempotencyGuard(rdb, "notify", cfg.IdempotencyTTL),
		l,
	)
	registry.Register(coupon.EventCouponPublished, forwarder)
	registry.Register(coupon.EventCouponIssued, forwarder)
	registry.Register(coupon.EventCouponIssued, notifier)
	registry.Register(consumers.EventStockDecreased, consumers.NewStockDecreaseHandler(stockRepo))
	l.Logger.Info("handlers registered", zap.Strings("event_types", registry.EventTypes()))

	processor := outbox.NewProcessor(outboxRepo, deadLetters, registry, outbox.ProcessorConfig{
		BatchSize:      cfg.Outbox.DispatchBatch,
		Interval:       cfg.Outbox.DispatchInterval,
		MaxRetries:     cfg.Outbox.MaxRetries,
		HandlerTimeout: cfg.Outbox.HandlerTimeout,
	}, outbox.WithLocker(repository.NewLocker(db)), outbox.WithMetrics(m), outbox.WithLogger(l))

	monitor := outbox.NewMonitor(deadLetterRepo, sinks, cfg.DeadLetter.AlertThreshold, cfg.DeadLetter.MonitorInterval, m, l)

	allocator := relayredis.NewAllocator(rdb)
	appender := outbox.NewAppender(outboxRepo)
	worker := allocation.NewWorker(allocator, db, issueRepo, appender, allocation.Config{
		Interval:  cfg.Allocation.DrainInterval,
		BatchSize: cfg.Allocation.DrainBatch,
	}, m, l)

	couponService := services.NewCouponService(
		db,
		couponRepo,
		issueRepo,
		services.NewEventPublisher(appender),
		allocator,
		relayredis.NewCouponCache(rdb, relayredis.CacheConfig{MetadataTTL: cfg.CouponMetaTTL}),
		m,
		l,
	)

	runner := outbox.NewRunner(processor, monitor, worker)
	runner.Start(ctx)

	srv := server.New(cfg, l)
	srv.SetupRoutes(&server.Handlers{
		DeadLetters: handler.NewDeadLetterHandler(deadLetters),
		Coupons:     handler.NewCouponHandler(couponService),
	}, services.NewAuthService(cfg.JWTSecret), relayredis.NewRateLimiter(rdb, relayredis.RateLimitConfig{
		IssueLimit:  cfg.RateLimit.IssueLimit,
		IssueWindow: cfg.RateLimit.IssueWindow,
		AdminLimit:  cfg.RateLimit.AdminLimit,
		AdminWindow: cfg.RateLimit.AdminWindow,
	}), map[string]server.HealthCheck{
		"postgres": func(ctx context.Context) error { return database.HealthCheck(ctx, db) },
		"redis":    func(ctx context.Context) error { return rdb.Ping(ctx).Err() },
	})

	serveErr := srv.Run(ctx)

	// a failed listener also stops the loops
	cancel()
	l.Infof("waiting for background loops to stop")
	runner.Wait()
	return serveErr
}
