package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/example/dispatch-engine/internal/bulk"
	"github.com/example/dispatch-engine/internal/dispatch"
	"github.com/example/dispatch-engine/internal/resilience"
	"github.com/example/dispatch-engine/internal/webhookout"
)

func resilienceStrategy(s string) resilience.Strategy {
	switch s {
	case "linear":
		return resilience.StrategyLinear
	case "constant":
		return resilience.StrategyConstant
	default:
		return resilience.StrategyExponential
	}
}

var ErrNotConfigured = errors.New("postgres store requires a non-nil pool")

const selectProviders = `
SELECT provider, priority, is_primary, enabled, settings_json
FROM tenant_providers
WHERE tenant_id = $1 AND channel = $2
ORDER BY priority, is_primary DESC
`

const updateNotificationStatus = `
UPDATE notifications
SET status = $2,
provider = $3,
provider_message_id = $4,
error = $5,
sent_at = $6,
updated_at = now()
WHERE id = $1
`

const selectWebhookConfigs = `
SELECT id, tenant_id, url, secret, enabled_events, max_retries,
initial_delay_ms, max_delay_ms, backoff_strategy, timeout_ms, headers_json
FROM webhook_configs
WHERE tenant_id = $1 AND $2 = ANY(enabled_events)
`

const insertWebhookAttempt = `
INSERT INTO webhook_delivery_attempts (
config_id,
event_type,
payload_json,
attempt_number,
outcome,
response_status,
error_message,
attempted_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
`

const upsertBulkJob = `
INSERT INTO bulk_jobs (id, tenant_id, total_count, processed_count, success_count, failed_count, status, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,now())
ON CONFLICT (id) DO UPDATE
SET processed_count = EXCLUDED.processed_count,
success_count = EXCLUDED.success_count,
failed_count = EXCLUDED.failed_count,
status = EXCLUDED.status,
updated_at = now()
`

type Postgres struct {
	pool *pgxpool.Pool
}

func NewPostgres(pool *pgxpool.Pool) (*Postgres, error) {
	if pool == nil {
		return nil, ErrNotConfigured
	}
	return &Postgres{pool: pool}, nil
}

// ProvidersFor implements dispatch.ProviderConfigSource.
func (s *Postgres) ProvidersFor(ctx context.Context, tenantID string, channel dispatch.Channel) ([]dispatch.ProviderConfig, error) {
	rows, err := s.pool.Query(ctx, selectProviders, tenantID, string(channel))
	if err != nil {
		return nil, fmt.Errorf("query providers: %w", err)
	}
	defer rows.Close()

	var out []dispatch.ProviderConfig
	for rows.Next() {
		var (
			cfg          dispatch.ProviderConfig
			settingsJSON []byte
		)
		if err := rows.Scan(&cfg.Name, &cfg.Priority, &cfg.Primary, &cfg.Enabled, &settingsJSON); err != nil {
			return nil, fmt.Errorf("scan provider row: %w", err)
		}
		if len(settingsJSON) > 0 {
			if err := json.Unmarshal(settingsJSON, &cfg.Settings); err != nil {
				return nil, fmt.Errorf("decode provider settings: %w", err)
			}
		}
		out = append(out, cfg)
	}
	return out, rows.Err()
}

// RecordResult persists a job's terminal outcome on its notification row.
func (s *Postgres) RecordResult(ctx context.Context, job dispatch.Job, res dispatch.Result) error {
	status := "failed"
	if res.Success {
		status = "sent"
	} else if res.DeadLettered {
		status = "dead-lettered"
	}
	var sentAt *time.Time
	if !res.SentAt.IsZero() {
		sentAt = &res.SentAt
	}
	_, err := s.pool.Exec(ctx, updateNotificationStatus,
		res.NotificationID, status, res.Provider, res.ProviderMessageID, res.Error, sentAt)
	if err != nil {
		return fmt.Errorf("update notification status: %w", err)
	}
	return nil
}

// WebhooksFor returns the tenant's webhook configs subscribed to eventType.
func (s *Postgres) WebhooksFor(ctx context.Context, tenantID, eventType string) ([]webhookout.Config, error) {
	rows, err := s.pool.Query(ctx, selectWebhookConfigs, tenantID, eventType)
	if err != nil {
		return nil, fmt.Errorf("query webhook configs: %w", err)
	}
	defer rows.Close()

	var out []webhookout.Config
	for rows.Next() {
		var (
			cfg            webhookout.Config
			events         []string
			initialDelayMs int64
			maxDelayMs     int64
			strategy       string
			timeoutMs      int64
			headersJSON    []byte
		)
		if err := rows.Scan(&cfg.ID, &cfg.TenantID, &cfg.URL, &cfg.Secret, &events,
			&cfg.Retry.MaxRetries, &initialDelayMs, &maxDelayMs, &strategy, &timeoutMs, &headersJSON); err != nil {
			return nil, fmt.Errorf("scan webhook config: %w", err)
		}
		cfg.EnabledEvents = make(map[string]bool, len(events))
		for _, ev := range events {
			cfg.EnabledEvents[ev] = true
		}
		cfg.Retry.InitialDelay = time.Duration(initialDelayMs) * time.Millisecond
		cfg.Retry.MaxDelay = time.Duration(maxDelayMs) * time.Millisecond
		cfg.Retry.Strategy = resilienceStrategy(strategy)
		cfg.Timeout = time.Duration(timeoutMs) * time.Millisecond
		if len(headersJSON) > 0 {
			if err := json.Unmarshal(headersJSON, &cfg.Headers); err != nil {
				return nil, fmt.Errorf("decode webhook headers: %w", err)
			}
		}
		out = append(out, cfg)
	}
	return out, rows.Err()
}

// RecordAttempt implements webhookout.AttemptRecorder.
func (s *Postgres) RecordAttempt(ctx context.Context, a webhookout.Attempt) error {
	_, err := s.pool.Exec(ctx, insertWebhookAttempt,
		a.ConfigID, a.EventType, a.Payload, a.AttemptNumber, a.Outcome, a.ResponseStatus, a.ErrorMessage, a.AttemptedAt)
	if err != nil {
		return fmt.Errorf("insert webhook attempt: %w", err)
	}
	return nil
}

// SaveBulkJob upserts a bulk job's counters and status.
func (s *Postgres) SaveBulkJob(ctx context.Context, snap bulk.Snapshot) error {
	_, err := s.pool.Exec(ctx, upsertBulkJob,
		snap.ID, snap.TenantID, snap.TotalCount, snap.ProcessedCount, snap.SuccessCount, snap.FailedCount, string(snap.Status))
	if err != nil {
		return fmt.Errorf("upsert bulk job: %w", err)
	}
	return nil
}
