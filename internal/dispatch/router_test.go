package dispatch

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/dispatch-engine/internal/resilience"
)

type fakeSource struct {
	configs []ProviderConfig
	err     error
}

func (s *fakeSource) ProvidersFor(ctx context.Context, tenantID string, channel Channel) ([]ProviderConfig, error) {
	return s.configs, s.err
}

type fakeProvider struct {
	name  string
	calls int32
	send  func(ctx context.Context, job Job) (*SendResponse, error)
}

func (p *fakeProvider) Name() string { return p.name }

func (p *fakeProvider) Send(ctx context.Context, job Job) (*SendResponse, error) {
	atomic.AddInt32(&p.calls, 1)
	return p.send(ctx, job)
}

func succeeding(name, msgID string) *fakeProvider {
	return &fakeProvider{name: name, send: func(context.Context, Job) (*SendResponse, error) {
		return &SendResponse{MessageID: msgID}, nil
	}}
}

func failing(name string, retryable bool) *fakeProvider {
	return &fakeProvider{name: name, send: func(context.Context, Job) (*SendResponse, error) {
		return nil, &Error{Provider: name, Retryable: retryable, Err: errors.New("send failed")}
	}}
}

func newTestRouter(source ProviderConfigSource, providers ...Provider) *Router {
	reg := NewRegistry()
	for _, p := range providers {
		reg.Register(ChannelEmail, p)
	}
	return &Router{
		Source:    source,
		Registry:  reg,
		Circuits:  resilience.NewCircuitRegistry(resilience.CircuitConfig{FailureThreshold: 100, SuccessThreshold: 1, Timeout: time.Second, ResetTimeout: time.Minute}, zerolog.Nop()),
		Bulkheads: resilience.NewBulkhead(10),
		Retry:     resilience.Policy{MaxAttempts: 1, Strategy: resilience.StrategyConstant, InitialDelay: time.Millisecond},
		Logger:    zerolog.Nop(),
	}
}

func emailJob() Job {
	return Job{
		NotificationID: "n-1",
		TenantID:       "t-1",
		Channel:        ChannelEmail,
		Recipient:      Recipient{UserID: "u-1", Email: "a@b.com"},
		Content:        Content{Subject: "hi", Body: "hello"},
	}
}

func TestRouterFallsOverToNextProvider(t *testing.T) {
	p1 := failing("p1", true)
	p2 := succeeding("p2", "msg-2")
	p3 := succeeding("p3", "msg-3")
	source := &fakeSource{configs: []ProviderConfig{
		{Name: "p1", Priority: 1, Enabled: true},
		{Name: "p2", Priority: 2, Enabled: true},
		{Name: "p3", Priority: 3, Enabled: true},
	}}

	res := newTestRouter(source, p1, p2, p3).Dispatch(context.Background(), emailJob())

	if !res.Success {
		t.Fatalf("expected success, got error %q", res.Error)
	}
	if res.Provider != "p2" || res.ProviderMessageID != "msg-2" {
		t.Fatalf("result=%+v, expected p2/msg-2", res)
	}
	if got := atomic.LoadInt32(&p3.calls); got != 0 {
		t.Fatalf("p3 called %d times, later providers must not run after success", got)
	}
}

func TestRouterOrdersByPriorityThenPrimary(t *testing.T) {
	got := orderProviders([]ProviderConfig{
		{Name: "c", Priority: 2, Enabled: true},
		{Name: "b", Priority: 1, Enabled: true},
		{Name: "a", Priority: 1, Primary: true, Enabled: true},
		{Name: "d", Priority: 3, Enabled: false},
	})
	names := make([]string, len(got))
	for i, c := range got {
		names[i] = c.Name
	}
	if want := "a,b,c"; strings.Join(names, ",") != want {
		t.Fatalf("order=%v, expected %s", names, want)
	}
}

func TestRouterNoEnabledProvider(t *testing.T) {
	source := &fakeSource{configs: []ProviderConfig{{Name: "p1", Priority: 1, Enabled: false}}}
	res := newTestRouter(source).Dispatch(context.Background(), emailJob())

	if res.Success {
		t.Fatal("expected failure")
	}
	if res.Error != ErrNoEnabledProvider.Error() {
		t.Fatalf("error=%q, expected %q", res.Error, ErrNoEnabledProvider)
	}
}

func TestRouterAllProvidersExhausted(t *testing.T) {
	p1 := failing("p1", true)
	p2 := failing("p2", true)
	source := &fakeSource{configs: []ProviderConfig{
		{Name: "p1", Priority: 1, Enabled: true},
		{Name: "p2", Priority: 2, Enabled: true},
	}}

	res := newTestRouter(source, p1, p2).Dispatch(context.Background(), emailJob())

	if res.Success {
		t.Fatal("expected failure")
	}
	if res.Error == "" || !strings.Contains(res.Error, "p2") {
		t.Fatalf("error=%q, expected last provider's error", res.Error)
	}
}

func TestRouterPermanentErrorSkipsRetries(t *testing.T) {
	p1 := failing("p1", false)
	p2 := succeeding("p2", "msg-2")
	source := &fakeSource{configs: []ProviderConfig{
		{Name: "p1", Priority: 1, Enabled: true},
		{Name: "p2", Priority: 2, Enabled: true},
	}}

	r := newTestRouter(source, p1, p2)
	r.Retry = resilience.Policy{MaxAttempts: 5, Strategy: resilience.StrategyConstant, InitialDelay: time.Millisecond}

	res := r.Dispatch(context.Background(), emailJob())
	if !res.Success {
		t.Fatalf("expected fallback success, got %q", res.Error)
	}
	if got := atomic.LoadInt32(&p1.calls); got != 1 {
		t.Fatalf("p1 called %d times, permanent errors must not be retried", got)
	}
}

func TestRouterRetriesTransientErrorPerProvider(t *testing.T) {
	var calls int32
	flaky := &fakeProvider{name: "p1", send: func(context.Context, Job) (*SendResponse, error) {
		if atomic.AddInt32(&calls, 1) < 3 {
			return nil, &Error{Provider: "p1", Retryable: true, Err: errors.New("transient")}
		}
		return &SendResponse{MessageID: "msg-1"}, nil
	}}
	source := &fakeSource{configs: []ProviderConfig{{Name: "p1", Priority: 1, Enabled: true}}}

	r := newTestRouter(source, flaky)
	r.Retry = resilience.Policy{MaxAttempts: 3, Strategy: resilience.StrategyConstant, InitialDelay: time.Millisecond}

	res := r.Dispatch(context.Background(), emailJob())
	if !res.Success {
		t.Fatalf("expected success after retries, got %q", res.Error)
	}
	if got := atomic.LoadInt32(&calls); got != 3 {
		t.Fatalf("calls=%d, expected 3", got)
	}
}

func TestRouterSkipsOpenCircuit(t *testing.T) {
	p1 := failing("p1", true)
	p2 := succeeding("p2", "msg-2")
	source := &fakeSource{configs: []ProviderConfig{
		{Name: "p1", Priority: 1, Enabled: true},
		{Name: "p2", Priority: 2, Enabled: true},
	}}

	r := newTestRouter(source, p1, p2)
	r.Circuits = resilience.NewCircuitRegistry(resilience.CircuitConfig{FailureThreshold: 1, SuccessThreshold: 1, Timeout: time.Second, ResetTimeout: time.Minute}, zerolog.Nop())

	// First dispatch trips p1's circuit.
	if res := r.Dispatch(context.Background(), emailJob()); !res.Success {
		t.Fatalf("first dispatch: %q", res.Error)
	}
	p1Calls := atomic.LoadInt32(&p1.calls)

	// Second dispatch must fail fast past p1 without calling it.
	if res := r.Dispatch(context.Background(), emailJob()); !res.Success {
		t.Fatalf("second dispatch: %q", res.Error)
	}
	if got := atomic.LoadInt32(&p1.calls); got != p1Calls {
		t.Fatalf("p1 called while its circuit was open")
	}
}
