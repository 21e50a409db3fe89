package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/segmentio/kafka-go"
	"golang.org/x/time/rate"

	"github.com/example/dispatch-engine/internal/broadcast"
	"github.com/example/dispatch-engine/internal/bulk"
	"github.com/example/dispatch-engine/internal/common"
	"github.com/example/dispatch-engine/internal/dispatch"
	"github.com/example/dispatch-engine/internal/dispatcher"
	"github.com/example/dispatch-engine/internal/presence"
	"github.com/example/dispatch-engine/internal/provider"
	"github.com/example/dispatch-engine/internal/resilience"
	"github.com/example/dispatch-engine/internal/store"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := common.LoadConfig("dispatchd")
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger := common.NewLogger(cfg.ServiceName, cfg.LogLevel)
	shutdown, err := common.SetupOTel(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialise telemetry")
	}
	defer common.ShutdownTelemetry(context.Background(), shutdown)

	metricsSrv := common.StartMetricsServer(cfg.MetricsPort)
	defer metricsSrv.Shutdown(context.Background())

	if cfg.DatabaseURL == "" {
		logger.Fatal().Msg("DATABASE_URL must be provided")
	}
	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("connect postgres")
	}
	defer pool.Close()

	db, err := store.NewPostgres(pool)
	if err != nil {
		logger.Fatal().Err(err).Msg("build store")
	}

	presenceReg := presence.NewRegistry(logger)

	circuits := resilience.NewCircuitRegistry(resilience.CircuitConfig{
		FailureThreshold: cfg.CircuitFailureThreshold,
		SuccessThreshold: cfg.CircuitSuccessThreshold,
		Timeout:          cfg.CircuitCallTimeout,
		ResetTimeout:     cfg.CircuitResetTimeout,
	}, logger)
	bulkheads := resilience.NewBulkhead(cfg.BulkheadMaxConcurrent)

	retryPolicy := resilience.Policy{
		MaxAttempts:  cfg.RetryMaxAttempts,
		Strategy:     resilience.StrategyExponential,
		InitialDelay: cfg.RetryInitialDelay,
		MaxDelay:     cfg.RetryMaxDelay,
	}

	registry := dispatch.NewRegistry()
	registry.Register(dispatch.ChannelEmail, &provider.SendGrid{
		Endpoint: envOr("SENDGRID_ENDPOINT", "https://api.sendgrid.com/v3"),
		APIKey:   os.Getenv("SENDGRID_API_KEY"),
	})
	registry.Register(dispatch.ChannelEmail, &provider.SES{
		Endpoint: envOr("SES_ENDPOINT", "https://email.us-east-1.amazonaws.com"),
		APIKey:   os.Getenv("SES_API_KEY"),
	})
	registry.Register(dispatch.ChannelSMS, &provider.HTTPJSON{
		ProviderName: "twilio",
		Channel:      dispatch.ChannelSMS,
		Endpoint:     envOr("TWILIO_ENDPOINT", "https://api.twilio.com/sms"),
		APIKey:       os.Getenv("TWILIO_API_KEY"),
	})
	registry.Register(dispatch.ChannelSMS, &provider.HTTPJSON{
		ProviderName: "vonage",
		Channel:      dispatch.ChannelSMS,
		Endpoint:     envOr("VONAGE_ENDPOINT", "https://rest.nexmo.com/sms"),
		APIKey:       os.Getenv("VONAGE_API_KEY"),
	})
	registry.Register(dispatch.ChannelPush, &provider.HTTPJSON{
		ProviderName: "fcm",
		Channel:      dispatch.ChannelPush,
		Endpoint:     envOr("FCM_ENDPOINT", "https://fcm.googleapis.com/v1/send"),
		APIKey:       os.Getenv("FCM_API_KEY"),
	})
	registry.Register(dispatch.ChannelChat, &provider.HTTPJSON{
		ProviderName: "slack",
		Channel:      dispatch.ChannelChat,
		Endpoint:     envOr("SLACK_ENDPOINT", "https://slack.com/api/chat.postMessage"),
		APIKey:       os.Getenv("SLACK_API_KEY"),
	})
	registry.Register(dispatch.ChannelInApp, &provider.InApp{Registry: presenceReg})

	router := &dispatch.Router{
		Source:    db,
		Registry:  registry,
		Circuits:  circuits,
		Bulkheads: bulkheads,
		Retry:     retryPolicy,
		Logger:    logger,
	}

	eventWriter := &kafka.Writer{
		Addr:     kafka.TCP(cfg.KafkaBrokers...),
		Topic:    cfg.ProviderEventsTopic,
		Balancer: &kafka.Hash{},
	}
	defer eventWriter.Close()

	dlqWriter := &kafka.Writer{
		Addr:     kafka.TCP(cfg.KafkaBrokers...),
		Topic:    cfg.DLQTopic,
		Balancer: &kafka.Hash{},
	}
	defer dlqWriter.Close()

	sink := dispatcher.ResultFanout{
		&dispatcher.StoreSink{Store: db, Logger: logger},
		&dispatcher.PresenceSink{Registry: presenceReg},
		&dispatcher.ProviderEventSink{Writer: eventWriter, Logger: logger},
	}
	deadLetters := &dispatcher.KafkaDeadLetters{Writer: dlqWriter, Logger: logger}

	workers := make(map[dispatch.Channel]int, len(dispatch.Channels()))
	for _, ch := range dispatch.Channels() {
		workers[ch] = cfg.WorkersPerChannel
	}
	queue := dispatch.NewQueue(router, sink, deadLetters, dispatch.QueueConfig{
		Depth:       cfg.QueueDepth,
		Workers:     workers,
		MaxAttempts: cfg.QueueMaxAttempts,
		Backoff:     retryPolicy,
	}, logger)
	go func() {
		if err := queue.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error().Err(err).Msg("queue stopped")
		}
	}()

	orchestrator := &broadcast.Orchestrator{Queue: queue, Logger: logger}
	processor := &bulk.Processor{
		Queue:   queue,
		Limiter: rate.NewLimiter(rate.Limit(cfg.BulkSubmitPerSec), cfg.BulkSubmitBurst),
		Progress: &dispatcher.BulkProgressFanout{
			Registry: presenceReg,
			Store:    db,
			Logger:   logger,
		},
		Logger: logger,
	}

	liveSrv := &http.Server{
		Addr:    ":" + strconv.Itoa(cfg.HTTPPort),
		Handler: (&presence.Handler{Registry: presenceReg, Logger: logger}).Router(),
	}
	go func() {
		logger.Info().Int("port", cfg.HTTPPort).Msg("live event stream listening")
		if err := liveSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("live http server failed")
		}
	}()

	consumer := &dispatcher.Consumer{
		ReaderFactory: func() *kafka.Reader {
			return kafka.NewReader(kafka.ReaderConfig{
				Brokers: cfg.KafkaBrokers,
				GroupID: cfg.ServiceName,
				Topic:   cfg.NotificationTopic,
			})
		},
		Queue:       queue,
		Broadcaster: orchestrator,
		Bulk:        processor,
		Logger:      logger,
	}

	logger.Info().Msg("dispatch engine started")
	if err := consumer.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error().Err(err).Msg("consumer stopped")
	}

	ctxShutdown, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	if err := liveSrv.Shutdown(ctxShutdown); err != nil {
		logger.Error().Err(err).Msg("graceful shutdown failed")
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
