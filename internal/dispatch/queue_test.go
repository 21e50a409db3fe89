package dispatch

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/dispatch-engine/internal/resilience"
)

type scriptedDispatcher struct {
	calls int32
	fn    func(attempt int32, job Job) Result
}

func (d *scriptedDispatcher) Dispatch(ctx context.Context, job Job) Result {
	n := atomic.AddInt32(&d.calls, 1)
	return d.fn(n, job)
}

type captureSink struct {
	mu      sync.Mutex
	results []Result
	jobs    []Job
}

func (s *captureSink) ReportResult(ctx context.Context, job Job, res Result) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs = append(s.jobs, job)
	s.results = append(s.results, res)
}

type captureDLQ struct {
	mu   sync.Mutex
	jobs []Job
}

func (d *captureDLQ) DeadLetter(ctx context.Context, job Job, res Result) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.jobs = append(d.jobs, job)
}

func fastBackoff(maxAttempts int) QueueConfig {
	return QueueConfig{
		Depth:       8,
		Workers:     map[Channel]int{ChannelEmail: 1},
		MaxAttempts: maxAttempts,
		Backoff:     resilience.Policy{MaxAttempts: maxAttempts, Strategy: resilience.StrategyConstant, InitialDelay: time.Millisecond},
	}
}

func startQueue(t *testing.T, q *Queue) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = q.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return cancel
}

func TestQueueReportsSuccess(t *testing.T) {
	d := &scriptedDispatcher{fn: func(int32, Job) Result {
		return Result{Success: true, NotificationID: "n-1", Provider: "p1", SentAt: time.Now()}
	}}
	sink := &captureSink{}
	q := NewQueue(d, sink, nil, fastBackoff(3), zerolog.Nop())
	startQueue(t, q)

	out, err := q.Submit(context.Background(), emailJob())
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	res := <-out
	if !res.Success || res.Attempts != 1 {
		t.Fatalf("result=%+v, expected success on first attempt", res)
	}

	deadline := time.After(time.Second)
	for {
		sink.mu.Lock()
		n := len(sink.results)
		sink.mu.Unlock()
		if n == 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("sink never received the result")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestQueueDeadLettersAfterMaxAttempts(t *testing.T) {
	d := &scriptedDispatcher{fn: func(int32, Job) Result {
		return Result{NotificationID: "n-1", Error: "all providers failed"}
	}}
	sink := &captureSink{}
	dlq := &captureDLQ{}
	q := NewQueue(d, sink, dlq, fastBackoff(3), zerolog.Nop())
	startQueue(t, q)

	out, err := q.Submit(context.Background(), emailJob())
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	res := <-out

	if res.Success {
		t.Fatal("expected failure")
	}
	if !res.DeadLettered {
		t.Fatal("expected dead-letter outcome")
	}
	if res.Attempts != 3 {
		t.Fatalf("attempts=%d, expected 3", res.Attempts)
	}
	if got := atomic.LoadInt32(&d.calls); got != 3 {
		t.Fatalf("dispatch calls=%d, expected 3", got)
	}

	deadline := time.After(time.Second)
	for {
		dlq.mu.Lock()
		n := len(dlq.jobs)
		dlq.mu.Unlock()
		if n == 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("dead-letter sink never received the job")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestQueueRecoversOnLaterAttempt(t *testing.T) {
	d := &scriptedDispatcher{fn: func(attempt int32, _ Job) Result {
		if attempt < 2 {
			return Result{NotificationID: "n-1", Error: "transient"}
		}
		return Result{Success: true, NotificationID: "n-1", Provider: "p1"}
	}}
	q := NewQueue(d, &captureSink{}, nil, fastBackoff(3), zerolog.Nop())
	startQueue(t, q)

	out, err := q.Submit(context.Background(), emailJob())
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	res := <-out
	if !res.Success || res.Attempts != 2 {
		t.Fatalf("result=%+v, expected success on attempt 2", res)
	}
}

func TestQueueEnqueueDoesNotBlockWhenFull(t *testing.T) {
	// No workers running, so the buffer fills and stays full.
	cfg := fastBackoff(1)
	cfg.Depth = 1
	q := NewQueue(&scriptedDispatcher{fn: func(int32, Job) Result { return Result{} }}, nil, nil, cfg, zerolog.Nop())

	if err := q.Enqueue(emailJob()); err != nil {
		t.Fatalf("first enqueue: %v", err)
	}
	start := time.Now()
	err := q.Enqueue(emailJob())
	if elapsed := time.Since(start); elapsed > 100*time.Millisecond {
		t.Fatalf("enqueue blocked for %s", elapsed)
	}
	if err == nil {
		t.Fatal("expected ErrQueueFull")
	}
}

func TestQueueRejectsUnknownChannel(t *testing.T) {
	q := NewQueue(&scriptedDispatcher{fn: func(int32, Job) Result { return Result{} }}, nil, nil, fastBackoff(1), zerolog.Nop())
	job := emailJob()
	job.Channel = Channel("fax")
	if err := q.Enqueue(job); err == nil {
		t.Fatal("expected unknown channel error")
	}
}

func TestQueueCancelledSubmitResolvesWithoutDispatch(t *testing.T) {
	d := &scriptedDispatcher{fn: func(int32, Job) Result {
		return Result{Success: true}
	}}
	q := NewQueue(d, nil, nil, fastBackoff(1), zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	out, err := q.Submit(ctx, emailJob())
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	cancel()

	// Start workers after cancellation; the item must resolve as a failure
	// without reaching the dispatcher.
	startQueue(t, q)

	res := <-out
	if res.Success {
		t.Fatal("expected cancelled job to fail")
	}
	if got := atomic.LoadInt32(&d.calls); got != 0 {
		t.Fatalf("dispatcher called %d times for a cancelled job", got)
	}
}
