package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"
)

type Channel string

const (
	ChannelEmail Channel = "email"
	ChannelSMS   Channel = "sms"
	ChannelPush  Channel = "push"
	ChannelChat  Channel = "chat"
	ChannelInApp Channel = "in-app"
)

func Channels() []Channel {
	return []Channel{ChannelEmail, ChannelSMS, ChannelPush, ChannelChat, ChannelInApp}
}

type Recipient struct {
	UserID    string `json:"userId"`
	Email     string `json:"email,omitempty"`
	Phone     string `json:"phone,omitempty"`
	PushToken string `json:"pushToken,omitempty"`
}

type Attachment struct {
	Name        string `json:"name"`
	ContentType string `json:"contentType"`
	URL         string `json:"url"`
}

type Content struct {
	Subject     string       `json:"subject,omitempty"`
	Body        string       `json:"body"`
	HTMLBody    string       `json:"htmlBody,omitempty"`
	Attachments []Attachment `json:"attachments,omitempty"`
}

// Job is the unit of work consumed exactly once by a dispatch worker.
// Immutable once enqueued.
type Job struct {
	NotificationID string            `json:"notificationId"`
	TenantID       string            `json:"tenantId"`
	Channel        Channel           `json:"channel"`
	Recipient      Recipient         `json:"recipient"`
	Content        Content           `json:"content"`
	Priority       int               `json:"priority"`
	TemplateID     string            `json:"templateId,omitempty"`
	BatchID        string            `json:"batchId,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// Result is the single terminal outcome of a Job's attempt sequence.
type Result struct {
	Success           bool      `json:"success"`
	NotificationID    string    `json:"notificationId"`
	Provider          string    `json:"providerName,omitempty"`
	ProviderMessageID string    `json:"providerMessageId,omitempty"`
	Error             string    `json:"error,omitempty"`
	SentAt            time.Time `json:"sentAt,omitempty"`
	Attempts          int       `json:"attempts,omitempty"`
	DeadLettered      bool      `json:"deadLettered,omitempty"`
}

// SendResponse carries provider call metadata for audit and persistence.
type SendResponse struct {
	MessageID string
	Raw       map[string]any
}

// Provider is the outbound delivery port a channel backend implements.
// Errors must be classified retryable or permanent via Error.
type Provider interface {
	Name() string
	Send(ctx context.Context, job Job) (*SendResponse, error)
}

// Error is a classified provider failure. Permanent errors (invalid
// recipient, rejected payload) are never retried and never failed over
// pointlessly within the same provider.
type Error struct {
	Provider  string
	Retryable bool
	Err       error
}

func (e *Error) Error() string {
	kind := "permanent"
	if e.Retryable {
		kind = "retryable"
	}
	return fmt.Sprintf("provider %s: %s: %v", e.Provider, kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// IsRetryable reports whether err may be retried. Unclassified errors
// (network failures, timeouts) are treated as retryable.
func IsRetryable(err error) bool {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Retryable
	}
	return true
}

// ProviderConfig is one row of a tenant's provider routing table.
type ProviderConfig struct {
	Name     string
	Priority int
	Primary  bool
	Enabled  bool
	Settings map[string]string
}

// ProviderConfigSource yields the configured providers for a tenant+channel.
// Backed by storage; read-only to the engine.
type ProviderConfigSource interface {
	ProvidersFor(ctx context.Context, tenantID string, channel Channel) ([]ProviderConfig, error)
}
