package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/segmentio/kafka-go"

	"github.com/example/dispatch-engine/internal/common"
	"github.com/example/dispatch-engine/internal/store"
	"github.com/example/dispatch-engine/internal/webhookout"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := common.LoadConfig("webhook-dispatcher")
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

	worker := &webhookout.Worker{
		ReaderFactory: func() *kafka.Reader {
			return kafka.NewReader(kafka.ReaderConfig{
				Brokers: cfg.KafkaBrokers,
				GroupID: cfg.ServiceName,
				Topic:   cfg.ProviderEventsTopic,
			})
		},
		Configs: db,
		Deliverer: &webhookout.Deliverer{
			Client:   &http.Client{Timeout: cfg.WebhookTimeout},
			Recorder: db,
			Logger:   logger,
		},
		Logger: logger,
	}

	logger.Info().Msg("webhook dispatcher started")
	if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatal().Err(err).Msg("webhook dispatcher stopped")
	}
}
