package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/example/dispatch-engine/internal/broadcast"
	"github.com/example/dispatch-engine/internal/common"
	"github.com/example/dispatch-engine/internal/dispatch"
	"github.com/example/dispatch-engine/internal/dispatcher"
)

var (
	reqCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ingest_requests_total",
		Help: "Total ingestion requests received",
	}, []string{"endpoint", "status"})
	requestLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ingest_request_duration_seconds",
		Help:    "Latency for ingestion requests",
		Buckets: prometheus.DefBuckets,
	}, []string{"endpoint"})
)

type Handler struct {
	repo     NotificationRepository
	producer *kafka.Writer
	cfg      *common.Config
	tracer   trace.Tracer
	logger   zerolog.Logger
}

func NewHandler(repo NotificationRepository, producer *kafka.Writer, cfg *common.Config, logger zerolog.Logger) *Handler {
	return &Handler{
		repo:     repo,
		producer: producer,
		cfg:      cfg,
		tracer:   otel.Tracer("ingestion"),
		logger:   logger,
	}
}

func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	r.Post("/v1/notify", h.notify)
	r.Post("/v1/broadcast", h.broadcast)
	r.Post("/v1/bulk", h.bulkImport)
	return r
}

func (h *Handler) notify(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "notify")
	defer span.End()
	start := time.Now()
	defer func() { requestLatency.WithLabelValues("notify").Observe(time.Since(start).Seconds()) }()

	tenantID := r.Header.Get("x-tenant-id")
	if tenantID == "" {
		h.respondErr(ctx, w, "notify", http.StatusBadRequest, errors.New("missing x-tenant-id header"))
		return
	}
	idempotencyKey := r.Header.Get("x-idempotency-key")
	if idempotencyKey == "" {
		h.respondErr(ctx, w, "notify", http.StatusBadRequest, errors.New("missing x-idempotency-key header"))
		return
	}

	var req NotifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondErr(ctx, w, "notify", http.StatusBadRequest, err)
		return
	}
	if err := validateNotify(req); err != nil {
		h.respondErr(ctx, w, "notify", http.StatusBadRequest, err)
		return
	}

	n := Notification{
		ID:         uuid.NewString(),
		TenantID:   tenantID,
		MessageKey: idempotencyKey,
		Channel:    req.Channel,
		Recipient:  req.Recipient,
		Content:    req.Content,
		TemplateID: req.TemplateID,
		Status:     "queued",
		CreatedAt:  time.Now().UTC(),
	}

	saved, duplicate, err := h.repo.CreateNotification(ctx, n)
	if err != nil {
		h.respondErr(ctx, w, "notify", http.StatusInternalServerError, err)
		return
	}
	n = saved
	span.SetAttributes(attribute.String("notification.id", n.ID))

	if duplicate {
		reqCounter.WithLabelValues("notify", "duplicate").Inc()
		w.WriteHeader(http.StatusConflict)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"notificationId": n.ID,
			"status":         "duplicate",
		})
		return
	}

	env := dispatcher.Envelope{
		Kind:      dispatcher.KindDispatch,
		TenantID:  tenantID,
		CreatedAt: n.CreatedAt,
		Dispatch: &dispatch.Job{
			NotificationID: n.ID,
			TenantID:       tenantID,
			Channel:        n.Channel,
			Recipient:      n.Recipient,
			Content:        n.Content,
			Priority:       req.Priority,
			TemplateID:     n.TemplateID,
			Metadata:       req.Metadata,
		},
	}
	if err := h.produce(ctx, tenantID+":"+idempotencyKey, env); err != nil {
		h.respondErr(ctx, w, "notify", http.StatusInternalServerError, err)
		return
	}

	reqCounter.WithLabelValues("notify", "accepted").Inc()
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(map[string]any{"notificationId": n.ID})
}

func (h *Handler) broadcast(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "broadcast")
	defer span.End()
	start := time.Now()
	defer func() { requestLatency.WithLabelValues("broadcast").Observe(time.Since(start).Seconds()) }()

	tenantID := r.Header.Get("x-tenant-id")
	if tenantID == "" {
		h.respondErr(ctx, w, "broadcast", http.StatusBadRequest, errors.New("missing x-tenant-id header"))
		return
	}

	var req BroadcastRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondErr(ctx, w, "broadcast", http.StatusBadRequest, err)
		return
	}
	if err := validateBroadcast(req); err != nil {
		h.respondErr(ctx, w, "broadcast", http.StatusBadRequest, err)
		return
	}

	broadcastID := uuid.NewString()
	env := dispatcher.Envelope{
		Kind:      dispatcher.KindBroadcast,
		TenantID:  tenantID,
		CreatedAt: time.Now().UTC(),
		Broadcast: &broadcast.Request{
			BroadcastID: broadcastID,
			TenantID:    tenantID,
			Channels:    req.Channels,
			Recipient:   req.Recipient,
			Content:     req.Content,
			TemplateID:  req.TemplateID,
			Options:     req.Options,
			Metadata:    req.Metadata,
		},
	}
	if err := h.produce(ctx, tenantID+":"+broadcastID, env); err != nil {
		h.respondErr(ctx, w, "broadcast", http.StatusInternalServerError, err)
		return
	}

	reqCounter.WithLabelValues("broadcast", "accepted").Inc()
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(map[string]any{"broadcastId": broadcastID})
}

func (h *Handler) bulkImport(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "bulk_import")
	defer span.End()
	start := time.Now()
	defer func() { requestLatency.WithLabelValues("bulk").Observe(time.Since(start).Seconds()) }()

	tenantID := r.Header.Get("x-tenant-id")
	if tenantID == "" {
		h.respondErr(ctx, w, "bulk", http.StatusBadRequest, errors.New("missing x-tenant-id header"))
		return
	}

	var req BulkImportRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondErr(ctx, w, "bulk", http.StatusBadRequest, err)
		return
	}
	if err := validateBulk(req); err != nil {
		h.respondErr(ctx, w, "bulk", http.StatusBadRequest, err)
		return
	}
	span.SetAttributes(attribute.Int("bulk.rows", len(req.Rows)))

	importID := uuid.NewString()
	env := dispatcher.Envelope{
		Kind:      dispatcher.KindBulk,
		TenantID:  tenantID,
		CreatedAt: time.Now().UTC(),
		Bulk: &dispatcher.BulkRequest{
			TenantID: tenantID,
			Rows:     req.Rows,
			Config:   req.Config,
		},
	}
	if err := h.produce(ctx, tenantID+":"+importID, env); err != nil {
		h.respondErr(ctx, w, "bulk", http.StatusInternalServerError, err)
		return
	}

	reqCounter.WithLabelValues("bulk", "accepted").Inc()
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(map[string]any{"importId": importID, "rows": len(req.Rows)})
}

func (h *Handler) produce(ctx context.Context, key string, env dispatcher.Envelope) error {
	payload, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return h.producer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(key),
		Value: payload,
	})
}

func (h *Handler) respondErr(ctx context.Context, w http.ResponseWriter, endpoint string, status int, err error) {
	logger := common.WithContext(ctx, h.logger)
	logger.Error().Err(err).Int("status", status).Str("endpoint", endpoint).Msg("ingestion request failed")
	reqCounter.WithLabelValues(endpoint, http.StatusText(status)).Inc()
	http.Error(w, err.Error(), status)
}
