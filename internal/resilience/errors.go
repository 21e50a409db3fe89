package resilience

import "errors"

var (
	// ErrCircuitOpen is returned without invoking the guarded operation
	// while a circuit's cool-down has not elapsed. Callers must treat it
	// as fail-fast and never feed it back into a retry loop.
	ErrCircuitOpen = errors.New("circuit open")

	// ErrCallTimeout marks a guarded call that lost the race against its
	// per-call timeout. Counts as a failure for breaker accounting.
	ErrCallTimeout = errors.New("call timed out")

	// ErrRetriesExhausted tags the last error once a retry policy has
	// consumed all attempts.
	ErrRetriesExhausted = errors.New("retries exhausted")
)
