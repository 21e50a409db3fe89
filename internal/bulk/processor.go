package bulk

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/example/dispatch-engine/internal/dispatch"
)

type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

type ItemStatus string

const (
	ItemPending   ItemStatus = "pending"
	ItemProcessed ItemStatus = "processed"
	ItemFailed    ItemStatus = "failed"
)

// Row is one unit of an import, content already rendered.
type Row struct {
	RowNumber int               `json:"rowNumber"`
	Recipient dispatch.Recipient `json:"recipient"`
	Content   dispatch.Content  `json:"content"`
	Raw       map[string]string `json:"raw,omitempty"`
}

type Item struct {
	RowNumber    int
	Status       ItemStatus
	ErrorMessage string
}

// ChannelConfig selects the channel and shared job fields for an import.
type ChannelConfig struct {
	Channel    dispatch.Channel  `json:"channel"`
	TemplateID string            `json:"templateId,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// Job tracks an import's aggregate progress. Counter updates from
// concurrently completing items serialize on mu; processedCount equals
// successCount+failedCount at all times and never exceeds totalCount.
type Job struct {
	ID       string
	TenantID string

	mu             sync.Mutex
	totalCount     int
	processedCount int
	successCount   int
	failedCount    int
	status         Status
	items          []Item
	done           chan struct{}
}

type Snapshot struct {
	ID             string `json:"jobId"`
	TenantID       string `json:"tenantId"`
	TotalCount     int    `json:"totalCount"`
	ProcessedCount int    `json:"processedCount"`
	SuccessCount   int    `json:"successCount"`
	FailedCount    int    `json:"failedCount"`
	Status         Status `json:"status"`
}

func (j *Job) Snapshot() Snapshot {
	j.mu.Lock()
	defer j.mu.Unlock()
	return Snapshot{
		ID:             j.ID,
		TenantID:       j.TenantID,
		TotalCount:     j.totalCount,
		ProcessedCount: j.processedCount,
		SuccessCount:   j.successCount,
		FailedCount:    j.failedCount,
		Status:         j.status,
	}
}

func (j *Job) Items() []Item {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]Item, len(j.items))
	copy(out, j.items)
	return out
}

// Wait blocks until every item is terminal or ctx is done.
func (j *Job) Wait(ctx context.Context) error {
	select {
	case <-j.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Progress is the per-completion event emitted for live consumption.
type Progress struct {
	JobID           string `json:"jobId"`
	TotalItems      int    `json:"totalItems"`
	ProcessedItems  int    `json:"processedItems"`
	SuccessfulItems int    `json:"successfulItems"`
	FailedItems     int    `json:"failedItems"`
	Progress        int    `json:"progress"`
	Status          Status `json:"status"`
	CurrentItem     int    `json:"currentItem,omitempty"`
}

type ProgressSink interface {
	BulkJobProgress(ctx context.Context, tenantID string, p Progress)
}

// Submitter is the dispatch queue surface the processor feeds; its blocking
// Submit is the processor's back-pressure.
type Submitter interface {
	Submit(ctx context.Context, job dispatch.Job) (<-chan dispatch.Result, error)
}

type Processor struct {
	Queue    Submitter
	Limiter  *rate.Limiter
	Progress ProgressSink
	Logger   zerolog.Logger
}

// Start creates one item per row and submits a dispatch job per item,
// returning immediately. Item failures never abort the job; the job turns
// failed only once every item is terminal and at least one failed.
// Cancelling ctx stops submission; in-flight items run to completion and
// never-submitted items are recorded as failed so the job still terminates.
func (p *Processor) Start(ctx context.Context, tenantID string, rows []Row, cfg ChannelConfig) *Job {
	job := &Job{
		ID:         uuid.NewString(),
		TenantID:   tenantID,
		totalCount: len(rows),
		status:     StatusPending,
		items:      make([]Item, len(rows)),
		done:       make(chan struct{}),
	}
	for i, row := range rows {
		job.items[i] = Item{RowNumber: row.RowNumber, Status: ItemPending}
	}
	if len(rows) == 0 {
		job.status = StatusCompleted
		close(job.done)
		return job
	}

	job.mu.Lock()
	job.status = StatusProcessing
	job.mu.Unlock()

	go p.run(ctx, job, rows, cfg)
	return job
}

func (p *Processor) run(ctx context.Context, job *Job, rows []Row, cfg ChannelConfig) {
	var wg sync.WaitGroup
	for i, row := range rows {
		if p.Limiter != nil {
			if err := p.Limiter.Wait(ctx); err != nil {
				p.completeItem(ctx, job, i, dispatch.Result{Error: "submission cancelled"})
				continue
			}
		}

		dj := dispatch.Job{
			NotificationID: uuid.NewString(),
			TenantID:       job.TenantID,
			Channel:        cfg.Channel,
			Recipient:      row.Recipient,
			Content:        row.Content,
			TemplateID:     cfg.TemplateID,
			BatchID:        job.ID,
			Metadata:       cfg.Metadata,
		}

		out, err := p.Queue.Submit(ctx, dj)
		if err != nil {
			p.completeItem(ctx, job, i, dispatch.Result{Error: err.Error()})
			continue
		}

		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			p.completeItem(ctx, job, i, <-out)
		}(i)
	}
	wg.Wait()
}

func (p *Processor) completeItem(ctx context.Context, job *Job, idx int, res dispatch.Result) {
	job.mu.Lock()
	item := &job.items[idx]
	if item.Status != ItemPending {
		job.mu.Unlock()
		return
	}
	if res.Success {
		item.Status = ItemProcessed
		job.successCount++
	} else {
		item.Status = ItemFailed
		item.ErrorMessage = res.Error
		job.failedCount++
	}
	job.processedCount++

	terminal := job.processedCount == job.totalCount
	if terminal {
		if job.failedCount > 0 {
			job.status = StatusFailed
		} else {
			job.status = StatusCompleted
		}
	}
	snap := Snapshot{
		ID:             job.ID,
		TenantID:       job.TenantID,
		TotalCount:     job.totalCount,
		ProcessedCount: job.processedCount,
		SuccessCount:   job.successCount,
		FailedCount:    job.failedCount,
		Status:         job.status,
	}
	current := item.RowNumber
	job.mu.Unlock()

	if p.Progress != nil {
		p.Progress.BulkJobProgress(ctx, snap.TenantID, Progress{
			JobID:           snap.ID,
			TotalItems:      snap.TotalCount,
			ProcessedItems:  snap.ProcessedCount,
			SuccessfulItems: snap.SuccessCount,
			FailedItems:     snap.FailedCount,
			Progress:        snap.ProcessedCount * 100 / snap.TotalCount,
			Status:          snap.Status,
			CurrentItem:     current,
		})
	}

	if terminal {
		p.Logger.Info().
			Str("bulk_job_id", snap.ID).
			Int("total", snap.TotalCount).
			Int("failed", snap.FailedCount).
			Str("status", string(snap.Status)).
			Msg("bulk job finished")
		close(job.done)
	}
}
