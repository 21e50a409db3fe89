package resilience

import (
	"context"
	"sync"
)

// Bulkhead limits in-flight operations per resource key with channel-token
// semaphores. A key's limit is fixed at first use; later SetLimit calls for
// an existing key keep the first-seen value to avoid unsafe resizing.
type Bulkhead struct {
	mu           sync.Mutex
	defaultLimit int
	limits       map[string]int
	sems         map[string]chan struct{}
}

func NewBulkhead(defaultLimit int) *Bulkhead {
	if defaultLimit <= 0 {
		defaultLimit = 1
	}
	return &Bulkhead{
		defaultLimit: defaultLimit,
		limits:       make(map[string]int),
		sems:         make(map[string]chan struct{}),
	}
}

// SetLimit declares the concurrency limit for key. No-op once the key's
// semaphore exists.
func (b *Bulkhead) SetLimit(key string, limit int) {
	if limit <= 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.sems[key]; exists {
		return
	}
	b.limits[key] = limit
}

func (b *Bulkhead) sem(key string) chan struct{} {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := b.sems[key]
	if s == nil {
		limit := b.limits[key]
		if limit <= 0 {
			limit = b.defaultLimit
		}
		s = make(chan struct{}, limit)
		b.sems[key] = s
	}
	return s
}

// Acquire blocks until a permit for key is available or ctx is done. The
// returned release is idempotent and must always be called, regardless of
// how the guarded operation ends.
func (b *Bulkhead) Acquire(ctx context.Context, key string) (func(), error) {
	s := b.sem(key)
	select {
	case s <- struct{}{}:
		var once sync.Once
		return func() { once.Do(func() { <-s }) }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// InFlight reports current permit usage for key. Intended for metrics.
func (b *Bulkhead) InFlight(key string) int {
	b.mu.Lock()
	s := b.sems[key]
	b.mu.Unlock()
	if s == nil {
		return 0
	}
	return len(s)
}
