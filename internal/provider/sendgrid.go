package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/example/dispatch-engine/internal/dispatch"
)

// SendGrid is the email adapter for the SendGrid v3 mail API surface.
type SendGrid struct {
	Endpoint string
	APIKey   string
	Client   *http.Client
}

func (p *SendGrid) Name() string { return "sendgrid" }

func (p *SendGrid) Send(ctx context.Context, job dispatch.Job) (*dispatch.SendResponse, error) {
	payload := map[string]any{
		"personalizations": []any{map[string]any{
			"to": []any{map[string]string{"email": job.Recipient.Email}},
		}},
		"subject": job.Content.Subject,
		"content": []any{
			map[string]string{"type": "text/plain", "value": job.Content.Body},
		},
	}
	if job.Content.HTMLBody != "" {
		payload["content"] = append(payload["content"].([]any),
			map[string]string{"type": "text/html", "value": job.Content.HTMLBody})
	}
	if job.TemplateID != "" {
		payload["template_id"] = job.TemplateID
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, &dispatch.Error{Provider: p.Name(), Retryable: false, Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.Endpoint+"/mail/send", bytes.NewReader(body))
	if err != nil {
		return nil, &dispatch.Error{Provider: p.Name(), Retryable: false, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.APIKey)

	resp, err := p.client().Do(req)
	if err != nil {
		return nil, &dispatch.Error{Provider: p.Name(), Retryable: true, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return nil, &dispatch.Error{Provider: p.Name(), Retryable: true, Err: fmt.Errorf("temporary error: %s", resp.Status)}
	}
	if resp.StatusCode >= 400 {
		return nil, &dispatch.Error{Provider: p.Name(), Retryable: false, Err: fmt.Errorf("permanent error: %s", resp.Status)}
	}
	return &dispatch.SendResponse{MessageID: resp.Header.Get("X-Message-Id")}, nil
}

func (p *SendGrid) client() *http.Client {
	if p.Client != nil {
		return p.Client
	}
	return &http.Client{Timeout: 5 * time.Second}
}
