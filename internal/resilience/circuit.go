package resilience

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

type CircuitState string

const (
	StateClosed   CircuitState = "closed"
	StateOpen     CircuitState = "open"
	StateHalfOpen CircuitState = "half-open"
)

type CircuitConfig struct {
	FailureThreshold int
	SuccessThreshold int
	Timeout          time.Duration
	ResetTimeout     time.Duration
}

func (c CircuitConfig) withDefaults(d CircuitConfig) CircuitConfig {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = d.FailureThreshold
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = d.SuccessThreshold
	}
	if c.Timeout <= 0 {
		c.Timeout = d.Timeout
	}
	if c.ResetTimeout <= 0 {
		c.ResetTimeout = d.ResetTimeout
	}
	return c
}

// circuit holds the per-key breaker state. All fields are guarded by mu;
// every read-modify-write on the state machine happens under it.
type circuit struct {
	mu          sync.Mutex
	cfg         CircuitConfig
	state       CircuitState
	failures    int
	successes   int
	nextAttempt time.Time
}

// CircuitRegistry owns one circuit per service key, created lazily on first
// use and kept for the life of the process. The registry is injected into
// every component that guards calls with it; there is no package-level state.
type CircuitRegistry struct {
	mu       sync.Mutex
	circuits map[string]*circuit
	defaults CircuitConfig
	logger   zerolog.Logger
	now      func() time.Time
}

func NewCircuitRegistry(defaults CircuitConfig, logger zerolog.Logger) *CircuitRegistry {
	if defaults.FailureThreshold <= 0 {
		defaults.FailureThreshold = 5
	}
	if defaults.SuccessThreshold <= 0 {
		defaults.SuccessThreshold = 2
	}
	if defaults.Timeout <= 0 {
		defaults.Timeout = 5 * time.Second
	}
	if defaults.ResetTimeout <= 0 {
		defaults.ResetTimeout = 30 * time.Second
	}
	return &CircuitRegistry{
		circuits: make(map[string]*circuit),
		defaults: defaults,
		logger:   logger,
		now:      time.Now,
	}
}

func (r *CircuitRegistry) get(key string) *circuit {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := r.circuits[key]
	if c == nil {
		c = &circuit{cfg: r.defaults, state: StateClosed}
		r.circuits[key] = c
	}
	return c
}

// Configure overrides breaker settings for one key. Zero fields keep the
// registry defaults. Safe to call before or after first use.
func (r *CircuitRegistry) Configure(key string, cfg CircuitConfig) {
	c := r.get(key)
	c.mu.Lock()
	c.cfg = cfg.withDefaults(r.defaults)
	c.mu.Unlock()
}

// Execute runs op guarded by the circuit for key. While the circuit is open
// and the cool-down has not elapsed it fails fast with ErrCircuitOpen. The
// call races against the per-key timeout; a lost race counts as a failure
// and op's context is cancelled so the loser releases its resources.
func (r *CircuitRegistry) Execute(ctx context.Context, key string, op func(context.Context) error) error {
	c := r.get(key)

	c.mu.Lock()
	now := r.now()
	if c.state == StateOpen {
		if now.Before(c.nextAttempt) {
			c.mu.Unlock()
			return fmt.Errorf("%w: %s until %s", ErrCircuitOpen, key, c.nextAttempt.Format(time.RFC3339))
		}
		r.transition(key, c, StateHalfOpen)
		c.successes = 0
	}
	timeout := c.cfg.Timeout
	c.mu.Unlock()

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- op(callCtx) }()

	var err error
	select {
	case err = <-done:
	case <-callCtx.Done():
		if ctx.Err() != nil {
			// Caller cancellation is not a provider failure.
			return ctx.Err()
		}
		err = fmt.Errorf("%w: %s after %s", ErrCallTimeout, key, timeout)
	}

	r.record(key, c, err)
	return err
}

func (r *CircuitRegistry) record(key string, c *circuit, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err != nil && errors.Is(err, context.Canceled) {
		// Caller cancellation, not an outcome of the guarded call.
		return
	}

	if err == nil {
		switch c.state {
		case StateClosed:
			c.failures = 0
		case StateHalfOpen:
			c.successes++
			if c.successes >= c.cfg.SuccessThreshold {
				r.transition(key, c, StateClosed)
				c.failures = 0
				c.successes = 0
			}
		}
		return
	}

	switch c.state {
	case StateClosed:
		c.failures++
		if c.failures >= c.cfg.FailureThreshold {
			r.transition(key, c, StateOpen)
			c.nextAttempt = r.now().Add(c.cfg.ResetTimeout)
		}
	case StateHalfOpen:
		r.transition(key, c, StateOpen)
		c.nextAttempt = r.now().Add(c.cfg.ResetTimeout)
		c.successes = 0
	}
}

// transition must be called with c.mu held.
func (r *CircuitRegistry) transition(key string, c *circuit, to CircuitState) {
	from := c.state
	c.state = to
	r.logger.Info().
		Str("circuit", key).
		Str("from", string(from)).
		Str("to", string(to)).
		Msg("circuit state changed")
}

// State reports the current state for key without mutating it.
func (r *CircuitRegistry) State(key string) CircuitState {
	c := r.get(key)
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Reset forces the circuit for key back to closed and clears its counters.
func (r *CircuitRegistry) Reset(key string) {
	c := r.get(key)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateClosed {
		r.transition(key, c, StateClosed)
	}
	c.failures = 0
	c.successes = 0
	c.nextAttempt = time.Time{}
}
