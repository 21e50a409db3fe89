package provider

import (
	"context"

	"github.com/example/dispatch-engine/internal/dispatch"
	"github.com/example/dispatch-engine/internal/presence"
)

// InApp delivers straight to the recipient's live connections. The
// notification row is already persisted by ingestion, so an offline user
// still picks it up on next fetch; delivery here never fails.
type InApp struct {
	Registry *presence.Registry
}

func (p *InApp) Name() string { return "inapp" }

func (p *InApp) Send(ctx context.Context, job dispatch.Job) (*dispatch.SendResponse, error) {
	p.Registry.SendToUser(job.Recipient.UserID, presence.Event{
		Name: presence.EventNotificationNew,
		Data: map[string]any{
			"notificationId": job.NotificationID,
			"title":          job.Content.Subject,
			"body":           job.Content.Body,
			"metadata":       job.Metadata,
		},
	})
	return &dispatch.SendResponse{MessageID: job.NotificationID}, nil
}
