package webhookout

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/example/dispatch-engine/internal/resilience"
)

// ErrDeliveryExhausted marks a delivery whose retries are all consumed.
// Terminal; the deliverer never escalates past it.
var ErrDeliveryExhausted = errors.New("webhook delivery exhausted")

var deliveryCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "webhook_deliveries_total",
	Help: "Outbound webhook deliveries by outcome",
}, []string{"outcome"})

const SignatureHeader = "X-Webhook-Signature"

type RetryPolicy struct {
	MaxRetries   int                 `json:"maxRetries"`
	InitialDelay time.Duration       `json:"initialDelay"`
	MaxDelay     time.Duration       `json:"maxDelay"`
	Strategy     resilience.Strategy `json:"backoffStrategy"`
}

// Config is a tenant's webhook subscription. Read-only to the deliverer.
type Config struct {
	ID            string
	TenantID      string
	URL           string
	Secret        string
	EnabledEvents map[string]bool
	Retry         RetryPolicy
	Timeout       time.Duration
	Headers       map[string]string
}

// Event is the outbound payload envelope.
type Event struct {
	EventType     string         `json:"eventType"`
	Timestamp     time.Time      `json:"timestamp"`
	CorrelationID string         `json:"correlationId,omitempty"`
	TenantID      string         `json:"tenantId"`
	Data          map[string]any `json:"data"`
}

// Attempt is one append-only audit row, written per attempt regardless of
// outcome.
type Attempt struct {
	ConfigID       string
	EventType      string
	Payload        []byte
	AttemptNumber  int
	Outcome        string
	ResponseStatus int
	ErrorMessage   string
	AttemptedAt    time.Time
}

type AttemptRecorder interface {
	RecordAttempt(ctx context.Context, a Attempt) error
}

type Deliverer struct {
	Client   *http.Client
	Recorder AttemptRecorder
	Logger   zerolog.Logger
}

// Deliver POSTs the signed event to cfg.URL, retrying per cfg.Retry on
// non-2xx responses and transport failures. A no-op when the event type is
// not enabled for the config. Deliveries for different (config, event)
// pairs are independent; callers run them concurrently.
func (d *Deliverer) Deliver(ctx context.Context, cfg Config, event Event) error {
	if !cfg.EnabledEvents[event.EventType] {
		return nil
	}

	tracer := otel.Tracer("webhook-deliverer")
	ctx, span := tracer.Start(ctx, "deliver_webhook")
	span.SetAttributes(
		attribute.String("webhook.config_id", cfg.ID),
		attribute.String("event.type", event.EventType),
	)
	defer span.End()

	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}

	policy := resilience.Policy{
		MaxAttempts:  cfg.Retry.MaxRetries + 1,
		Strategy:     cfg.Retry.Strategy,
		InitialDelay: cfg.Retry.InitialDelay,
		MaxDelay:     cfg.Retry.MaxDelay,
	}
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		status, err := d.post(ctx, cfg, body)
		d.record(ctx, cfg, event, body, attempt, status, err)

		if err == nil {
			deliveryCounter.WithLabelValues("success").Inc()
			return nil
		}
		lastErr = err
		span.RecordError(err)

		if attempt == policy.MaxAttempts {
			break
		}
		select {
		case <-time.After(policy.Delay(attempt)):
		case <-ctx.Done():
			deliveryCounter.WithLabelValues("cancelled").Inc()
			return ctx.Err()
		}
	}

	deliveryCounter.WithLabelValues("exhausted").Inc()
	d.Logger.Error().
		Str("config_id", cfg.ID).
		Str("event_type", event.EventType).
		Int("attempts", policy.MaxAttempts).
		Err(lastErr).
		Msg("webhook delivery exhausted")
	return fmt.Errorf("%w: %w", ErrDeliveryExhausted, lastErr)
}

func (d *Deliverer) post(ctx context.Context, cfg Config, body []byte) (int, error) {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, cfg.URL, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(SignatureHeader, Sign(cfg.Secret, body))
	for k, v := range cfg.Headers {
		req.Header.Set(k, v)
	}

	client := d.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return resp.StatusCode, fmt.Errorf("endpoint returned %s", resp.Status)
	}
	return resp.StatusCode, nil
}

func (d *Deliverer) record(ctx context.Context, cfg Config, event Event, body []byte, attempt, status int, err error) {
	if d.Recorder == nil {
		return
	}
	a := Attempt{
		ConfigID:       cfg.ID,
		EventType:      event.EventType,
		Payload:        body,
		AttemptNumber:  attempt,
		Outcome:        "success",
		ResponseStatus: status,
		AttemptedAt:    time.Now().UTC(),
	}
	if err != nil {
		a.Outcome = "failed"
		a.ErrorMessage = err.Error()
	}
	if recErr := d.Recorder.RecordAttempt(ctx, a); recErr != nil {
		d.Logger.Error().Err(recErr).Str("config_id", cfg.ID).Msg("failed to record webhook attempt")
	}
}

// Sign computes the hex HMAC-SHA256 of body under secret, in the header
// format subscribers verify against.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}
