package bulk

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/dispatch-engine/internal/dispatch"
)

// fakeQueue fails dispatch for recipients whose user id is listed in fail.
type fakeQueue struct {
	fail map[string]bool
}

func (q *fakeQueue) Submit(ctx context.Context, job dispatch.Job) (<-chan dispatch.Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := make(chan dispatch.Result, 1)
	go func() {
		if q.fail[job.Recipient.UserID] {
			out <- dispatch.Result{NotificationID: job.NotificationID, Error: "provider rejected"}
			return
		}
		out <- dispatch.Result{Success: true, NotificationID: job.NotificationID, Provider: "p"}
	}()
	return out, nil
}

type progressLog struct {
	mu     sync.Mutex
	events []Progress
}

func (l *progressLog) BulkJobProgress(ctx context.Context, tenantID string, p Progress) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, p)
}

func makeRows(n int) []Row {
	rows := make([]Row, n)
	for i := range rows {
		rows[i] = Row{
			RowNumber: i + 1,
			Recipient: dispatch.Recipient{UserID: fmt.Sprintf("u-%d", i+1), Email: fmt.Sprintf("u%d@example.com", i+1)},
			Content:   dispatch.Content{Subject: "hi", Body: "hello"},
		}
	}
	return rows
}

func TestBulkJobPartialFailure(t *testing.T) {
	q := &fakeQueue{fail: map[string]bool{"u-3": true, "u-7": true}}
	progress := &progressLog{}
	p := &Processor{Queue: q, Progress: progress, Logger: zerolog.Nop()}

	job := p.Start(context.Background(), "t-1", makeRows(10), ChannelConfig{Channel: dispatch.ChannelEmail})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := job.Wait(ctx); err != nil {
		t.Fatalf("job did not finish: %v", err)
	}

	snap := job.Snapshot()
	if snap.ProcessedCount != 10 || snap.SuccessCount != 8 || snap.FailedCount != 2 {
		t.Fatalf("counters=%+v, expected 10/8/2", snap)
	}
	if snap.Status != StatusFailed {
		t.Fatalf("status=%s, expected failed for partial failure", snap.Status)
	}

	failed := 0
	for _, item := range job.Items() {
		if item.Status == ItemFailed {
			failed++
			if item.ErrorMessage == "" {
				t.Fatal("failed item missing error message")
			}
		}
	}
	if failed != 2 {
		t.Fatalf("failed items=%d, expected 2", failed)
	}

	progress.mu.Lock()
	n := len(progress.events)
	last := progress.events[n-1]
	progress.mu.Unlock()
	if n != 10 {
		t.Fatalf("progress events=%d, expected one per item", n)
	}
	if last.Progress != 100 || last.Status != StatusFailed {
		t.Fatalf("final progress=%+v, expected 100%%/failed", last)
	}
}

func TestBulkJobAllSucceed(t *testing.T) {
	p := &Processor{Queue: &fakeQueue{}, Logger: zerolog.Nop()}

	job := p.Start(context.Background(), "t-1", makeRows(5), ChannelConfig{Channel: dispatch.ChannelEmail})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := job.Wait(ctx); err != nil {
		t.Fatalf("job did not finish: %v", err)
	}

	snap := job.Snapshot()
	if snap.Status != StatusCompleted {
		t.Fatalf("status=%s, expected completed", snap.Status)
	}
	if snap.SuccessCount != 5 || snap.FailedCount != 0 {
		t.Fatalf("counters=%+v, expected 5/0", snap)
	}
}

func TestBulkJobEmptyRows(t *testing.T) {
	p := &Processor{Queue: &fakeQueue{}, Logger: zerolog.Nop()}
	job := p.Start(context.Background(), "t-1", nil, ChannelConfig{Channel: dispatch.ChannelEmail})

	if got := job.Snapshot().Status; got != StatusCompleted {
		t.Fatalf("status=%s, expected completed for empty import", got)
	}
}

func TestBulkJobCountersNeverExceedTotal(t *testing.T) {
	q := &fakeQueue{fail: map[string]bool{"u-2": true}}
	p := &Processor{Queue: q, Logger: zerolog.Nop()}

	job := p.Start(context.Background(), "t-1", makeRows(50), ChannelConfig{Channel: dispatch.ChannelEmail})

	deadline := time.After(2 * time.Second)
	for {
		snap := job.Snapshot()
		if snap.ProcessedCount != snap.SuccessCount+snap.FailedCount {
			t.Fatalf("invariant broken: %+v", snap)
		}
		if snap.ProcessedCount > snap.TotalCount {
			t.Fatalf("processed %d exceeds total %d", snap.ProcessedCount, snap.TotalCount)
		}
		if snap.ProcessedCount == snap.TotalCount {
			return
		}
		select {
		case <-deadline:
			t.Fatal("job did not finish")
		case <-time.After(time.Millisecond):
		}
	}
}

func TestBulkJobStopsSubmittingOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	p := &Processor{Queue: &fakeQueue{}, Logger: zerolog.Nop()}
	job := p.Start(ctx, "t-1", makeRows(4), ChannelConfig{Channel: dispatch.ChannelEmail})

	waitCtx, waitCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer waitCancel()
	if err := job.Wait(waitCtx); err != nil {
		t.Fatalf("job did not reach a terminal state: %v", err)
	}
	snap := job.Snapshot()
	if snap.Status != StatusFailed {
		t.Fatalf("status=%s, expected failed when submission was cancelled", snap.Status)
	}
	if snap.FailedCount != 4 {
		t.Fatalf("failedCount=%d, expected every unsubmitted item recorded", snap.FailedCount)
	}
}
