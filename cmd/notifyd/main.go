package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/meattrace/notify/internal/api"
	"github.com/meattrace/notify/internal/cache"
	"github.com/meattrace/notify/internal/channel"
	"github.com/meattrace/notify/internal/circuitbreaker"
	"github.com/meattrace/notify/internal/config"
	"github.com/meattrace/notify/internal/db"
	"github.com/meattrace/notify/internal/delivery"
	"github.com/meattrace/notify/internal/events"
	"github.com/meattrace/notify/internal/metrics"
	"github.com/meattrace/notify/internal/notify"
	"github.com/meattrace/notify/internal/observ"
	"github.com/meattrace/notify/internal/ratelimit"
	"github.com/meattrace/notify/internal/realtime"
	"github.com/meattrace/notify/internal/schedule"
	"github.com/meattrace/notify/internal/template"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// statsSource adapts the notification repository for the realtime hub,
// which only needs the per-user counters pushed on connect.
type statsSource struct {
	repo *db.NotificationRepo
}

func (s *statsSource) Stats(ctx context.Context, recipientID uuid.UUID) (*db.Stats, error) {
	return s.repo.CountStats(ctx, recipientID)
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger, err := observ.NewLogger(cfg.Env, cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("starting notifyd",
		zap.String("env", cfg.Env),
		zap.Int("port", cfg.Port),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	database, err := db.New(ctx, db.Config{
		Host:     cfg.DBHost,
		Port:     cfg.DBPort,
		User:     cfg.DBUser,
		Password: cfg.DBPassword,
		Database: cfg.DBName,
		SSLMode:  cfg.DBSSLMode,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()

	notificationRepo := db.NewNotificationRepo(database, logger)
	deliveryRepo := db.NewDeliveryRepo(database, logger)
	channelRepo := db.NewChannelRepo(database, logger)
	scheduleRepo := db.NewScheduleRepo(database, logger)
	templateRepo := db.NewTemplateRepo(database, logger)
	rateLimitRepo := db.NewRateLimitRepo(database, logger)
	recipientRepo := db.NewRecipientRepo(database, logger)

	// Channel reads are hot on every dispatch; the cache shaves the DB
	// round trip. Redis being down degrades to direct reads.
	var channelSource delivery.ChannelSource = channelRepo
	var cachedChannels *notify.CachedChannels
	cacheClient, err := cache.New(ctx, cache.Config{
		Host:     cfg.RedisHost,
		Port:     cfg.RedisPort,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}, logger)
	if err != nil {
		logger.Warn("redis unavailable, channel reads go straight to the database",
			zap.Error(err),
			zap.String("host", cfg.RedisHost),
		)
	} else {
		defer cacheClient.Close()
		cachedChannels = notify.NewCachedChannels(channelRepo, cacheClient, logger)
		channelSource = cachedChannels
	}

	renderer := template.NewRenderer(templateRepo, logger)
	limiter := ratelimit.NewLimiter(rateLimitRepo, logger)

	senders := []channel.Sender{channel.NewInAppSender(logger)}

	sesSender, err := channel.NewSESSender(ctx, channel.SESConfig{
		Region:    cfg.AWSRegion,
		FromEmail: cfg.SESFromEmail,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to create ses sender: %w", err)
	}
	senders = append(senders, circuitbreaker.NewProtectedSender(
		sesSender, circuitbreaker.New(circuitbreaker.DefaultConfig("ses"), logger), logger))

	snsSender, err := channel.NewSNSSender(ctx, channel.SNSConfig{Region: cfg.SNSRegion}, logger)
	if err != nil {
		return fmt.Errorf("failed to create sns sender: %w", err)
	}
	senders = append(senders, circuitbreaker.NewProtectedSender(
		snsSender, circuitbreaker.New(circuitbreaker.DefaultConfig("sns"), logger), logger))

	if cfg.FCMServerKey != "" {
		fcmSender := channel.NewFCMSender(channel.FCMConfig{
			Endpoint:  cfg.FCMEndpoint,
			ServerKey: cfg.FCMServerKey,
		}, logger)
		senders = append(senders, circuitbreaker.NewProtectedSender(
			fcmSender, circuitbreaker.New(circuitbreaker.DefaultConfig("fcm"), logger), logger))
	} else {
		logger.Warn("fcm server key not configured, push deliveries will fail permanently")
	}

	dispatcher := channel.NewDispatcher(logger, senders...)

	var outcomes delivery.OutcomeSink
	if cfg.SQSOutcomeQueueURL != "" {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWSRegion))
		if err != nil {
			return fmt.Errorf("failed to load AWS config for SQS: %w", err)
		}
		outcomes = events.NewOutcomePublisher(sqs.NewFromConfig(awsCfg), cfg.SQSOutcomeQueueURL, logger)
	}

	tracker := delivery.NewTracker(
		deliveryRepo, notificationRepo, channelSource, recipientRepo,
		limiter, dispatcher, outcomes,
		delivery.Config{
			MaxRetries:   cfg.MaxRetries,
			StalePending: time.Duration(cfg.StalePendingMins) * time.Minute,
			ClaimBatch:   cfg.RetryBatchSize,
		},
		logger,
	)

	hub := realtime.NewHub(&statsSource{repo: notificationRepo}, logger)
	go hub.Run(ctx)

	store := notify.NewStore(notificationRepo, recipientRepo, renderer, hub, tracker, logger)
	scheduler := schedule.NewScheduler(scheduleRepo, store, logger)

	invalidate := func(ctx context.Context) {
		if cachedChannels != nil {
			cachedChannels.Invalidate(ctx)
		}
	}
	handler := api.NewHandler(logger, store, tracker, deliveryRepo,
		channelRepo, scheduleRepo, templateRepo, hub, invalidate)

	// A slow sweep must not overlap its next tick; the claim lease
	// protects other instances, this protects against ourselves.
	sweeper := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	_, err = sweeper.AddFunc(fmt.Sprintf("@every %dm", cfg.ScheduleSweepMins), func() {
		if fired, err := scheduler.Sweep(ctx); err != nil {
			logger.Error("schedule sweep failed", zap.Error(err))
		} else if fired > 0 {
			logger.Info("schedule sweep fired", zap.Int("count", fired))
		}
	})
	if err != nil {
		return fmt.Errorf("failed to register schedule sweep: %w", err)
	}
	_, err = sweeper.AddFunc(fmt.Sprintf("@every %dm", cfg.RetrySweepMins), func() {
		metrics.SetDBConnections(int(database.Pool().Stat().TotalConns()))
		if attempted, err := tracker.RetrySweep(ctx); err != nil {
			logger.Error("retry sweep failed", zap.Error(err))
		} else if attempted > 0 {
			logger.Info("retry sweep attempted deliveries", zap.Int("count", attempted))
		}
	})
	if err != nil {
		return fmt.Errorf("failed to register retry sweep: %w", err)
	}
	_, err = sweeper.AddFunc(fmt.Sprintf("@every %dm", cfg.CleanupSweepMins), func() {
		expired, err := notificationRepo.ArchiveExpired(ctx, time.Now())
		if err != nil {
			logger.Error("cleanup sweep failed", zap.Error(err))
			return
		}
		if len(expired) == 0 {
			return
		}
		metrics.RecordNotificationsExpired(len(expired))

		ids := make([]uuid.UUID, len(expired))
		for i, n := range expired {
			ids[i] = n.ID
		}
		cancelled, err := tracker.CancelForExpired(ctx, ids)
		if err != nil {
			logger.Error("failed to cancel deliveries for expired notifications", zap.Error(err))
		}
		logger.Info("cleanup sweep archived expired notifications",
			zap.Int("archived", len(expired)),
			zap.Int64("deliveries_cancelled", cancelled),
		)
	})
	if err != nil {
		return fmt.Errorf("failed to register cleanup sweep: %w", err)
	}
	sweeper.Start()
	defer sweeper.Stop()

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(metrics.Middleware)

	r.Handle("/metrics", metrics.Handler())
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		if err := database.Health(r.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			fmt.Fprintln(w, "database unreachable")
			return
		}
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})
	r.Mount("/", handler.Routes())

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", zap.Int("port", cfg.Port))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return fmt.Errorf("http server failed: %w", err)
	case sig := <-stop:
		logger.Info("shutting down", zap.String("signal", sig.String()))
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	return nil
}
