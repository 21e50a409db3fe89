package webhookout

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

// ConfigSource resolves the webhook subscriptions for a tenant and event
// type.
type ConfigSource interface {
	WebhooksFor(ctx context.Context, tenantID, eventType string) ([]Config, error)
}

// Worker drains the provider events topic and delivers each event to every
// subscribed webhook config. Configs are delivered concurrently; one
// endpoint's failure never blocks another's delivery. Events with no
// subscribers are committed and dropped.
type Worker struct {
	ReaderFactory func() *kafka.Reader
	Configs       ConfigSource
	Deliverer     *Deliverer
	Logger        zerolog.Logger
}

func (w *Worker) Run(ctx context.Context) error {
	if w.ReaderFactory == nil {
		return errors.New("worker requires a reader factory")
	}
	reader := w.ReaderFactory()
	defer reader.Close()

	tracer := otel.Tracer("webhook-dispatcher")

	for {
		m, err := reader.FetchMessage(ctx)
		if err != nil {
			return fmt.Errorf("fetch message: %w", err)
		}

		var event Event
		if err := json.Unmarshal(m.Value, &event); err != nil {
			w.Logger.Error().Err(err).Msg("failed to decode provider event")
			_ = reader.CommitMessages(ctx, m)
			continue
		}

		spanCtx, span := tracer.Start(ctx, "deliver_event")
		span.SetAttributes(
			attribute.String("event.type", event.EventType),
			attribute.String("tenant.id", event.TenantID),
		)
		if err := w.deliver(spanCtx, event); err != nil {
			span.RecordError(err)
			w.Logger.Error().Err(err).Str("event_type", event.EventType).Msg("event delivery incomplete")
		}
		span.End()

		if err := reader.CommitMessages(ctx, m); err != nil {
			return fmt.Errorf("commit message: %w", err)
		}
	}
}

func (w *Worker) deliver(ctx context.Context, event Event) error {
	configs, err := w.Configs.WebhooksFor(ctx, event.TenantID, event.EventType)
	if err != nil {
		return fmt.Errorf("resolve webhook configs: %w", err)
	}
	if len(configs) == 0 {
		return nil
	}

	var wg sync.WaitGroup
	errs := make([]error, len(configs))
	for i, cfg := range configs {
		wg.Add(1)
		go func(i int, cfg Config) {
			defer wg.Done()
			errs[i] = w.Deliverer.Deliver(ctx, cfg, event)
		}(i, cfg)
	}
	wg.Wait()

	return errors.Join(errs...)
}
