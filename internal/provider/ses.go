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

// SES is the email adapter for an SES-compatible HTTP send API.
type SES struct {
	Endpoint string
	APIKey   string
	Client   *http.Client
}

func (p *SES) Name() string { return "ses" }

func (p *SES) Send(ctx context.Context, job dispatch.Job) (*dispatch.SendResponse, error) {
	payload := map[string]any{
		"to":        job.Recipient.Email,
		"subject":   job.Content.Subject,
		"body_text": job.Content.Body,
	}
	if job.Content.HTMLBody != "" {
		payload["body_html"] = job.Content.HTMLBody
	}
	if job.TemplateID != "" {
		payload["template_id"] = job.TemplateID
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, &dispatch.Error{Provider: p.Name(), Retryable: false, Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.Endpoint+"/send", bytes.NewReader(body))
	if err != nil {
		return nil, &dispatch.Error{Provider: p.Name(), Retryable: false, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-Key", p.APIKey)

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

	var out struct {
		MessageID string `json:"message_id"`
	}
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return &dispatch.SendResponse{MessageID: out.MessageID}, nil
}

func (p *SES) client() *http.Client {
	if p.Client != nil {
		return p.Client
	}
	return &http.Client{Timeout: 5 * time.Second}
}
