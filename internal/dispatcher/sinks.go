package dispatcher

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"github.com/example/dispatch-engine/internal/bulk"
	"github.com/example/dispatch-engine/internal/dispatch"
	"github.com/example/dispatch-engine/internal/presence"
	"github.com/example/dispatch-engine/internal/webhookout"
)

// ResultStore is the persistence half of the result fanout.
type ResultStore interface {
	RecordResult(ctx context.Context, job dispatch.Job, res dispatch.Result) error
}

// ResultFanout delivers each terminal result to every sink in order. Sinks
// must tolerate being called after the consumer context is cancelled.
type ResultFanout []dispatch.ResultSink

func (f ResultFanout) ReportResult(ctx context.Context, job dispatch.Job, res dispatch.Result) {
	for _, sink := range f {
		sink.ReportResult(ctx, job, res)
	}
}

// StoreSink persists results; storage errors are logged, never propagated,
// so one slow row cannot stall the worker pool.
type StoreSink struct {
	Store  ResultStore
	Logger zerolog.Logger
}

func (s *StoreSink) ReportResult(ctx context.Context, job dispatch.Job, res dispatch.Result) {
	if err := s.Store.RecordResult(ctx, job, res); err != nil {
		s.Logger.Error().Err(err).
			Str("notification_id", res.NotificationID).
			Msg("failed to persist dispatch result")
	}
}

// PresenceSink pushes a status event to the recipient's live connections.
type PresenceSink struct {
	Registry *presence.Registry
}

func (s *PresenceSink) ReportResult(ctx context.Context, job dispatch.Job, res dispatch.Result) {
	status := "failed"
	if res.Success {
		status = "sent"
	} else if res.DeadLettered {
		status = "dead-lettered"
	}
	s.Registry.SendToUser(job.Recipient.UserID, presence.Event{
		Name: presence.EventNotificationStatus,
		Data: map[string]any{
			"notificationId": res.NotificationID,
			"status":         status,
			"provider":       res.Provider,
			"error":          res.Error,
		},
	})
}

// ProviderEventSink publishes each terminal result onto the provider
// events topic for outbound webhook delivery.
type ProviderEventSink struct {
	Writer *kafka.Writer
	Logger zerolog.Logger
}

func (s *ProviderEventSink) ReportResult(ctx context.Context, job dispatch.Job, res dispatch.Result) {
	eventType := "notification.failed"
	if res.Success {
		eventType = "notification.sent"
	} else if res.DeadLettered {
		eventType = "notification.dead_lettered"
	}
	event := webhookout.Event{
		EventType:     eventType,
		Timestamp:     time.Now().UTC(),
		CorrelationID: res.NotificationID,
		TenantID:      job.TenantID,
		Data: map[string]any{
			"notificationId":    res.NotificationID,
			"channel":           string(job.Channel),
			"provider":          res.Provider,
			"providerMessageId": res.ProviderMessageID,
			"attempts":          res.Attempts,
			"error":             res.Error,
		},
	}
	payload, err := json.Marshal(event)
	if err != nil {
		s.Logger.Error().Err(err).Msg("failed to encode provider event")
		return
	}
	if err := s.Writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(job.TenantID),
		Value: payload,
	}); err != nil {
		s.Logger.Error().Err(err).
			Str("notification_id", res.NotificationID).
			Msg("failed to publish provider event")
	}
}

// KafkaDeadLetters copies exhausted jobs onto the dead-letter topic with
// their final result attached, for offline inspection and replay.
type KafkaDeadLetters struct {
	Writer *kafka.Writer
	Logger zerolog.Logger
}

func (s *KafkaDeadLetters) DeadLetter(ctx context.Context, job dispatch.Job, res dispatch.Result) {
	payload, err := json.Marshal(map[string]any{
		"job":    job,
		"result": res,
	})
	if err != nil {
		s.Logger.Error().Err(err).Msg("failed to encode dead letter")
		return
	}
	if err := s.Writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(job.TenantID + ":" + job.NotificationID),
		Value: payload,
	}); err != nil {
		s.Logger.Error().Err(err).
			Str("notification_id", job.NotificationID).
			Msg("failed to publish dead letter")
	}
}

// BulkJobStore mirrors bulk job counters into storage.
type BulkJobStore interface {
	SaveBulkJob(ctx context.Context, snap bulk.Snapshot) error
}

// BulkProgressFanout pushes bulk progress to the tenant's live connections
// and mirrors each snapshot into storage when a store is configured.
type BulkProgressFanout struct {
	Registry *presence.Registry
	Store    BulkJobStore
	Logger   zerolog.Logger
}

func (s *BulkProgressFanout) BulkJobProgress(ctx context.Context, tenantID string, p bulk.Progress) {
	s.Registry.SendBulkJobProgress(tenantID, p)
	if s.Store == nil {
		return
	}
	snap := bulk.Snapshot{
		ID:             p.JobID,
		TenantID:       tenantID,
		TotalCount:     p.TotalItems,
		ProcessedCount: p.ProcessedItems,
		SuccessCount:   p.SuccessfulItems,
		FailedCount:    p.FailedItems,
		Status:         p.Status,
	}
	if err := s.Store.SaveBulkJob(ctx, snap); err != nil {
		s.Logger.Error().Err(err).Str("bulk_job_id", p.JobID).Msg("failed to persist bulk job progress")
	}
}
