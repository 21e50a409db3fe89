package broadcast

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/example/dispatch-engine/internal/dispatch"
)

type Options struct {
	StopOnFirstSuccess bool `json:"stopOnFirstSuccess,omitempty"`
	RequireAllSuccess  bool `json:"requireAllSuccess,omitempty"`
}

type Request struct {
	BroadcastID string             `json:"broadcastId"`
	TenantID    string             `json:"tenantId"`
	Channels    []dispatch.Channel `json:"channels"`
	Recipient   dispatch.Recipient `json:"recipient"`
	TemplateID  string             `json:"templateId,omitempty"`
	Content     dispatch.Content   `json:"content"`
	Options     Options            `json:"options"`
	Metadata    map[string]string  `json:"metadata,omitempty"`
}

type ChannelResult struct {
	Channel   dispatch.Channel `json:"channel"`
	Success   bool             `json:"success"`
	MessageID string           `json:"messageId,omitempty"`
	Provider  string           `json:"provider,omitempty"`
	Error     string           `json:"error,omitempty"`
	Timestamp time.Time        `json:"timestamp"`
}

type Result struct {
	Success       bool            `json:"success"`
	TotalChannels int             `json:"totalChannels"`
	SuccessCount  int             `json:"successCount"`
	FailureCount  int             `json:"failureCount"`
	Results       []ChannelResult `json:"results"`
	Timestamp     time.Time       `json:"timestamp"`
}

// Submitter is the dispatch queue surface the orchestrator fans out over.
type Submitter interface {
	Submit(ctx context.Context, job dispatch.Job) (<-chan dispatch.Result, error)
}

// Orchestrator fans one logical notification out to N channels and
// aggregates per-channel results.
type Orchestrator struct {
	Queue  Submitter
	Logger zerolog.Logger
}

// Broadcast dispatches the request's content to every requested channel
// concurrently. With StopOnFirstSuccess the remaining in-flight channel
// dispatches are cancelled as soon as one succeeds; their results are still
// reported individually.
func (o *Orchestrator) Broadcast(ctx context.Context, req Request) Result {
	tracer := otel.Tracer("broadcast")
	ctx, span := tracer.Start(ctx, "broadcast")
	span.SetAttributes(
		attribute.String("tenant.id", req.TenantID),
		attribute.Int("channels", len(req.Channels)),
	)
	defer span.End()

	if req.BroadcastID == "" {
		req.BroadcastID = uuid.NewString()
	}

	fanCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	results := make([]ChannelResult, len(req.Channels))
	var wg sync.WaitGroup
	for i, ch := range req.Channels {
		wg.Add(1)
		go func(i int, ch dispatch.Channel) {
			defer wg.Done()
			results[i] = o.dispatchChannel(fanCtx, req, ch)
			if results[i].Success && req.Options.StopOnFirstSuccess {
				cancel()
			}
		}(i, ch)
	}
	wg.Wait()

	out := Result{
		TotalChannels: len(req.Channels),
		Results:       results,
		Timestamp:     time.Now().UTC(),
	}
	for _, r := range results {
		if r.Success {
			out.SuccessCount++
		} else {
			out.FailureCount++
		}
	}
	if req.Options.RequireAllSuccess {
		out.Success = out.FailureCount == 0 && out.TotalChannels > 0
	} else {
		out.Success = out.SuccessCount > 0
	}
	return out
}

func (o *Orchestrator) dispatchChannel(ctx context.Context, req Request, ch dispatch.Channel) ChannelResult {
	job := dispatch.Job{
		NotificationID: uuid.NewString(),
		TenantID:       req.TenantID,
		Channel:        ch,
		Recipient:      req.Recipient,
		Content:        req.Content,
		TemplateID:     req.TemplateID,
		BatchID:        req.BroadcastID,
		Metadata:       req.Metadata,
	}

	out, err := o.Queue.Submit(ctx, job)
	if err != nil {
		return ChannelResult{Channel: ch, Error: err.Error(), Timestamp: time.Now().UTC()}
	}

	res := <-out
	cr := ChannelResult{
		Channel:   ch,
		Success:   res.Success,
		MessageID: res.ProviderMessageID,
		Provider:  res.Provider,
		Error:     res.Error,
		Timestamp: time.Now().UTC(),
	}
	if !res.Success {
		o.Logger.Debug().
			Str("broadcast_id", req.BroadcastID).
			Str("channel", string(ch)).
			Str("error", res.Error).
			Msg("broadcast channel failed")
	}
	return cr
}
