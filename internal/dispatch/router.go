package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/example/dispatch-engine/internal/resilience"
)

var ErrNoEnabledProvider = errors.New("no enabled provider")

// Router tries a tenant's providers for a channel in priority order,
// advancing on failure. Each attempt is guarded by a bulkhead permit keyed
// by provider, a circuit keyed by tenant:channel:provider, and the bounded
// retry policy. Providers are tried strictly sequentially; a later provider
// only runs after the former, including its retries, has definitively
// failed.
type Router struct {
	Source    ProviderConfigSource
	Registry  *Registry
	Circuits  *resilience.CircuitRegistry
	Bulkheads *resilience.Bulkhead
	Retry     resilience.Policy
	Logger    zerolog.Logger
}

func (r *Router) Dispatch(ctx context.Context, job Job) Result {
	res := Result{NotificationID: job.NotificationID}

	configs, err := r.Source.ProvidersFor(ctx, job.TenantID, job.Channel)
	if err != nil {
		res.Error = fmt.Sprintf("load providers: %v", err)
		return res
	}

	ordered := orderProviders(configs)
	if len(ordered) == 0 {
		res.Error = ErrNoEnabledProvider.Error()
		return res
	}

	var lastErr error
	for _, cfg := range ordered {
		p, ok := r.Registry.Lookup(job.Channel, cfg.Name)
		if !ok {
			r.Logger.Warn().
				Str("tenant_id", job.TenantID).
				Str("channel", string(job.Channel)).
				Str("provider", cfg.Name).
				Msg("configured provider not registered")
			lastErr = fmt.Errorf("provider %s not registered for channel %s", cfg.Name, job.Channel)
			continue
		}

		resp, err := r.attempt(ctx, p, job)
		if err == nil {
			res.Success = true
			res.Provider = p.Name()
			if resp != nil {
				res.ProviderMessageID = resp.MessageID
			}
			res.SentAt = time.Now().UTC()
			return res
		}
		if ctx.Err() != nil {
			res.Error = ctx.Err().Error()
			return res
		}
		lastErr = err
		r.Logger.Warn().Err(err).
			Str("notification_id", job.NotificationID).
			Str("provider", p.Name()).
			Msg("provider attempt failed, trying next")
	}

	if lastErr != nil {
		res.Error = lastErr.Error()
	}
	return res
}

// attempt runs one provider's full attempt sequence: bulkhead permit, then
// retries around circuit-guarded sends. Circuit-open and permanent provider
// errors stop the retry loop immediately so the router can fail over.
func (r *Router) attempt(ctx context.Context, p Provider, job Job) (*SendResponse, error) {
	release, err := r.Bulkheads.Acquire(ctx, p.Name())
	if err != nil {
		return nil, fmt.Errorf("bulkhead %s: %w", p.Name(), err)
	}
	defer release()

	circuitKey := job.TenantID + ":" + string(job.Channel) + ":" + p.Name()

	var resp *SendResponse
	err = resilience.Retry(ctx, r.Retry, func() error {
		err := r.Circuits.Execute(ctx, circuitKey, func(callCtx context.Context) error {
			got, sendErr := p.Send(callCtx, job)
			if sendErr != nil {
				return sendErr
			}
			resp = got
			return nil
		})
		if err == nil {
			return nil
		}
		if errors.Is(err, resilience.ErrCircuitOpen) || !IsRetryable(err) {
			return backoff.Permanent(err)
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// orderProviders filters to enabled providers sorted by priority, lower
// first, with the primary provider winning ties.
func orderProviders(configs []ProviderConfig) []ProviderConfig {
	enabled := make([]ProviderConfig, 0, len(configs))
	for _, c := range configs {
		if c.Enabled {
			enabled = append(enabled, c)
		}
	}
	sort.SliceStable(enabled, func(i, j int) bool {
		if enabled[i].Priority != enabled[j].Priority {
			return enabled[i].Priority < enabled[j].Priority
		}
		return enabled[i].Primary && !enabled[j].Primary
	})
	return enabled
}
