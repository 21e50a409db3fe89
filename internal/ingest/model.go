package ingest

import (
	"context"
	"errors"
	"time"

	"github.com/example/dispatch-engine/internal/broadcast"
	"github.com/example/dispatch-engine/internal/bulk"
	"github.com/example/dispatch-engine/internal/dispatch"
)

type NotifyRequest struct {
	Channel    dispatch.Channel   `json:"channel"`
	Recipient  dispatch.Recipient `json:"recipient"`
	Content    dispatch.Content   `json:"content"`
	Priority   int                `json:"priority"`
	TemplateID string             `json:"templateId,omitempty"`
	Metadata   map[string]string  `json:"metadata,omitempty"`
}

type BroadcastRequest struct {
	Channels   []dispatch.Channel `json:"channels"`
	Recipient  dispatch.Recipient `json:"recipient"`
	Content    dispatch.Content   `json:"content"`
	TemplateID string             `json:"templateId,omitempty"`
	Options    broadcast.Options  `json:"options"`
	Metadata   map[string]string  `json:"metadata,omitempty"`
}

type BulkImportRequest struct {
	Config bulk.ChannelConfig `json:"config"`
	Rows   []bulk.Row         `json:"rows"`
}

// Notification is the durable record created per accepted notify request,
// keyed idempotently on (tenant, message key).
type Notification struct {
	ID         string
	TenantID   string
	MessageKey string
	Channel    dispatch.Channel
	Recipient  dispatch.Recipient
	Content    dispatch.Content
	TemplateID string
	Status     string
	CreatedAt  time.Time
}

// NotificationRepository persists accepted requests. The boolean result
// reports whether the message key was already taken.
type NotificationRepository interface {
	CreateNotification(ctx context.Context, n Notification) (Notification, bool, error)
}

func validateNotify(req NotifyRequest) error {
	if req.Channel == "" {
		return errors.New("channel is required")
	}
	if !knownChannel(req.Channel) {
		return errors.New("unknown channel")
	}
	if req.Recipient.UserID == "" {
		return errors.New("recipient.userId is required")
	}
	if req.Content.Body == "" && req.TemplateID == "" {
		return errors.New("content.body or templateId is required")
	}
	return nil
}

func validateBroadcast(req BroadcastRequest) error {
	if len(req.Channels) == 0 {
		return errors.New("channels is required")
	}
	for _, ch := range req.Channels {
		if !knownChannel(ch) {
			return errors.New("unknown channel " + string(ch))
		}
	}
	if req.Recipient.UserID == "" {
		return errors.New("recipient.userId is required")
	}
	if req.Content.Body == "" && req.TemplateID == "" {
		return errors.New("content.body or templateId is required")
	}
	return nil
}

func validateBulk(req BulkImportRequest) error {
	if !knownChannel(req.Config.Channel) {
		return errors.New("config.channel is required")
	}
	if len(req.Rows) == 0 {
		return errors.New("rows is required")
	}
	return nil
}

func knownChannel(ch dispatch.Channel) bool {
	for _, known := range dispatch.Channels() {
		if ch == known {
			return true
		}
	}
	return false
}
