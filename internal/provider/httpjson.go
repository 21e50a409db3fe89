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

// HTTPJSON is a generic adapter for JSON-over-HTTP gateways (SMS, push,
// chat backends that accept a flat send call). The recipient address is
// picked per channel.
type HTTPJSON struct {
	ProviderName string
	Channel      dispatch.Channel
	Endpoint     string
	APIKey       string
	Client       *http.Client
}

func (p *HTTPJSON) Name() string { return p.ProviderName }

func (p *HTTPJSON) Send(ctx context.Context, job dispatch.Job) (*dispatch.SendResponse, error) {
	to := addressFor(p.Channel, job.Recipient)
	if to == "" {
		return nil, &dispatch.Error{
			Provider:  p.Name(),
			Retryable: false,
			Err:       fmt.Errorf("recipient has no %s address", p.Channel),
		}
	}

	payload := map[string]any{
		"to":      to,
		"subject": job.Content.Subject,
		"body":    job.Content.Body,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, &dispatch.Error{Provider: p.Name(), Retryable: false, Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.Endpoint+"/messages", bytes.NewReader(body))
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

	var out struct {
		ID string `json:"id"`
	}
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return &dispatch.SendResponse{MessageID: out.ID}, nil
}

func (p *HTTPJSON) client() *http.Client {
	if p.Client != nil {
		return p.Client
	}
	return &http.Client{Timeout: 5 * time.Second}
}

func addressFor(ch dispatch.Channel, r dispatch.Recipient) string {
	switch ch {
	case dispatch.ChannelEmail:
		return r.Email
	case dispatch.ChannelSMS:
		return r.Phone
	case dispatch.ChannelPush:
		return r.PushToken
	default:
		return r.UserID
	}
}
