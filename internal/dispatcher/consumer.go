package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/example/dispatch-engine/internal/broadcast"
	"github.com/example/dispatch-engine/internal/bulk"
	"github.com/example/dispatch-engine/internal/dispatch"
)

type Submitter interface {
	Submit(ctx context.Context, job dispatch.Job) (<-chan dispatch.Result, error)
}

type Broadcaster interface {
	Broadcast(ctx context.Context, req broadcast.Request) broadcast.Result
}

type BulkStarter interface {
	Start(ctx context.Context, tenantID string, rows []bulk.Row, cfg bulk.ChannelConfig) *bulk.Job
}

// Consumer drains the notifications topic and routes each envelope into the
// engine: single jobs onto the channel queues, broadcasts to the
// orchestrator, imports to the bulk processor. Malformed messages are
// logged and committed; they have no retry value.
type Consumer struct {
	ReaderFactory func() *kafka.Reader
	Queue         Submitter
	Broadcaster   Broadcaster
	Bulk          BulkStarter
	Logger        zerolog.Logger
}

func (c *Consumer) Run(ctx context.Context) error {
	if c.ReaderFactory == nil {
		return errors.New("consumer requires a reader factory")
	}
	reader := c.ReaderFactory()
	defer reader.Close()

	tracer := otel.Tracer("dispatcher")

	for {
		m, err := reader.FetchMessage(ctx)
		if err != nil {
			return fmt.Errorf("fetch message: %w", err)
		}

		var env Envelope
		if err := json.Unmarshal(m.Value, &env); err != nil {
			c.Logger.Error().Err(err).Msg("failed to decode envelope")
			_ = reader.CommitMessages(ctx, m)
			continue
		}

		spanCtx, span := tracer.Start(ctx, "route_envelope")
		span.SetAttributes(
			attribute.String("envelope.kind", string(env.Kind)),
			attribute.String("tenant.id", env.TenantID),
		)
		if err := c.handle(spanCtx, env); err != nil {
			span.RecordError(err)
			c.Logger.Error().Err(err).Str("kind", string(env.Kind)).Msg("failed to route envelope")
		}
		span.End()

		if err := reader.CommitMessages(ctx, m); err != nil {
			return fmt.Errorf("commit message: %w", err)
		}
	}
}

func (c *Consumer) handle(ctx context.Context, env Envelope) error {
	switch env.Kind {
	case KindDispatch:
		if env.Dispatch == nil {
			return errors.New("dispatch envelope missing job")
		}
		// Submit blocks when the channel queue is full; that back-pressure
		// is what paces consumption.
		_, err := c.Queue.Submit(ctx, *env.Dispatch)
		return err
	case KindBroadcast:
		if env.Broadcast == nil {
			return errors.New("broadcast envelope missing request")
		}
		go func(req broadcast.Request) {
			res := c.Broadcaster.Broadcast(ctx, req)
			c.Logger.Info().
				Str("broadcast_id", req.BroadcastID).
				Int("channels", res.TotalChannels).
				Int("succeeded", res.SuccessCount).
				Bool("success", res.Success).
				Msg("broadcast finished")
		}(*env.Broadcast)
		return nil
	case KindBulk:
		if env.Bulk == nil {
			return errors.New("bulk envelope missing request")
		}
		job := c.Bulk.Start(ctx, env.Bulk.TenantID, env.Bulk.Rows, env.Bulk.Config)
		c.Logger.Info().
			Str("bulk_job_id", job.ID).
			Int("rows", len(env.Bulk.Rows)).
			Msg("bulk job started")
		return nil
	default:
		return fmt.Errorf("unknown envelope kind %q", env.Kind)
	}
}
