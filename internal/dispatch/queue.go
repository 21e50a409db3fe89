package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/example/dispatch-engine/internal/resilience"
)

var (
	ErrQueueFull      = errors.New("dispatch queue full")
	ErrUnknownChannel = errors.New("unknown channel")
)

var (
	dispatchResults = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dispatch_results_total",
		Help: "Terminal dispatch results by channel and outcome",
	}, []string{"channel", "outcome"})
	dispatchDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "dispatch_duration_seconds",
		Help:    "Time from dequeue to terminal result",
		Buckets: prometheus.DefBuckets,
	}, []string{"channel"})
	queueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "dispatch_queue_depth",
		Help: "Jobs waiting per channel queue",
	}, []string{"channel"})
)

// Dispatcher is the router contract the queue workers call.
type Dispatcher interface {
	Dispatch(ctx context.Context, job Job) Result
}

// ResultSink receives every terminal result exactly once per job.
type ResultSink interface {
	ReportResult(ctx context.Context, job Job, res Result)
}

// DeadLetterSink receives jobs whose attempts were exhausted.
type DeadLetterSink interface {
	DeadLetter(ctx context.Context, job Job, res Result)
}

type QueueConfig struct {
	Depth       int
	Workers     map[Channel]int
	MaxAttempts int
	Backoff     resilience.Policy
}

// Queue runs one bounded work queue per channel, each drained by an
// independently sized worker pool. Jobs for a channel are picked up in
// roughly arrival order; completion order is unspecified.
type Queue struct {
	router      Dispatcher
	sink        ResultSink
	deadLetters DeadLetterSink
	logger      zerolog.Logger
	cfg         QueueConfig
	queues      map[Channel]chan item
}

type item struct {
	job Job
	ctx context.Context
	out chan Result
}

func NewQueue(router Dispatcher, sink ResultSink, deadLetters DeadLetterSink, cfg QueueConfig, logger zerolog.Logger) *Queue {
	if cfg.Depth <= 0 {
		cfg.Depth = 256
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.Backoff.MaxAttempts == 0 {
		cfg.Backoff = resilience.Policy{
			MaxAttempts:  cfg.MaxAttempts,
			Strategy:     resilience.StrategyExponential,
			InitialDelay: time.Second,
			MaxDelay:     time.Minute,
		}
	}
	q := &Queue{
		router:      router,
		sink:        sink,
		deadLetters: deadLetters,
		logger:      logger,
		cfg:         cfg,
		queues:      make(map[Channel]chan item),
	}
	for _, ch := range Channels() {
		q.queues[ch] = make(chan item, cfg.Depth)
	}
	return q
}

// Run starts the worker pools and blocks until ctx is done and all workers
// have drained their current job.
func (q *Queue) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for ch, queue := range q.queues {
		workers := q.cfg.Workers[ch]
		if workers <= 0 {
			workers = 1
		}
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func(ch Channel, queue chan item) {
				defer wg.Done()
				q.work(ctx, ch, queue)
			}(ch, queue)
		}
	}
	wg.Wait()
	return ctx.Err()
}

// Enqueue appends without blocking the caller. A full queue is reported as
// ErrQueueFull rather than applying back-pressure; use Submit for that.
func (q *Queue) Enqueue(job Job) error {
	queue, ok := q.queues[job.Channel]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownChannel, job.Channel)
	}
	select {
	case queue <- item{job: job}:
		queueDepth.WithLabelValues(string(job.Channel)).Set(float64(len(queue)))
		return nil
	default:
		return fmt.Errorf("%w: %s", ErrQueueFull, job.Channel)
	}
}

// Submit blocks until the channel queue has room, then returns a buffered
// channel that receives the job's terminal result. Cancelling ctx before a
// worker picks the job up resolves it as a failure without a dispatch.
func (q *Queue) Submit(ctx context.Context, job Job) (<-chan Result, error) {
	queue, ok := q.queues[job.Channel]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownChannel, job.Channel)
	}
	out := make(chan Result, 1)
	select {
	case queue <- item{job: job, ctx: ctx, out: out}:
		queueDepth.WithLabelValues(string(job.Channel)).Set(float64(len(queue)))
		return out, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (q *Queue) work(ctx context.Context, ch Channel, queue chan item) {
	for {
		select {
		case <-ctx.Done():
			return
		case it := <-queue:
			queueDepth.WithLabelValues(string(ch)).Set(float64(len(queue)))
			q.process(ctx, it)
		}
	}
}

func (q *Queue) process(ctx context.Context, it item) {
	jobCtx := ctx
	if it.ctx != nil {
		jobCtx = it.ctx
	}

	res := q.dispatchWithRetries(jobCtx, it.job)

	if it.out != nil {
		it.out <- res
	}
	outcome := "failed"
	if res.Success {
		outcome = "sent"
	} else if res.DeadLettered {
		outcome = "dead-lettered"
	}
	dispatchResults.WithLabelValues(string(it.job.Channel), outcome).Inc()
	if q.sink != nil {
		q.sink.ReportResult(ctx, it.job, res)
	}
	if res.DeadLettered && q.deadLetters != nil {
		q.deadLetters.DeadLetter(ctx, it.job, res)
	}
}

// dispatchWithRetries re-runs the full provider fallback sequence up to
// MaxAttempts times with backoff between rounds; exhausting them moves the
// job to its dead-letter outcome.
func (q *Queue) dispatchWithRetries(ctx context.Context, job Job) Result {
	tracer := otel.Tracer("dispatch-queue")
	spanCtx, span := tracer.Start(ctx, "dispatch")
	span.SetAttributes(
		attribute.String("notification.id", job.NotificationID),
		attribute.String("channel", string(job.Channel)),
	)
	defer span.End()

	start := time.Now()
	defer func() {
		dispatchDuration.WithLabelValues(string(job.Channel)).Observe(time.Since(start).Seconds())
	}()

	var res Result
	for attempt := 1; ; attempt++ {
		if err := spanCtx.Err(); err != nil {
			res = Result{NotificationID: job.NotificationID, Error: err.Error()}
			res.Attempts = attempt - 1
			return res
		}

		res = q.router.Dispatch(spanCtx, job)
		res.Attempts = attempt
		if res.Success {
			return res
		}

		if attempt >= q.cfg.MaxAttempts {
			res.DeadLettered = true
			q.logger.Error().
				Str("notification_id", job.NotificationID).
				Str("channel", string(job.Channel)).
				Int("attempts", attempt).
				Str("error", res.Error).
				Msg("dispatch attempts exhausted, dead-lettering")
			return res
		}

		delay := q.cfg.Backoff.Delay(attempt)
		q.logger.Warn().
			Str("notification_id", job.NotificationID).
			Int("attempt", attempt).
			Dur("backoff", delay).
			Msg("dispatch failed, backing off")
		select {
		case <-time.After(delay):
		case <-spanCtx.Done():
		}
	}
}
