package execution

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// retryPolicy bounds transient I/O retries. Delays double per attempt up to
// maxBackoff. Exhaustion propagates the last error to the caller; nothing
// in the commit path blocks indefinitely.
type retryPolicy struct {
	attempts   int
	backoff    time.Duration
	maxBackoff time.Duration
}

var defaultRetryPolicy = retryPolicy{
	attempts:   5,
	backoff:    100 * time.Millisecond,
	maxBackoff: 2 * time.Second,
}

func (p retryPolicy) run(ctx context.Context, log *slog.Logger, name string, op func(context.Context) error) error {
	delay := p.backoff

	var err error
	for attempt := 1; attempt <= p.attempts; attempt++ {
		if err = op(ctx); err == nil {
			return nil
		}
		if attempt == p.attempts {
			break
		}

		log.Warn("Operation failed, backing off",
			"op", name, "attempt", attempt, "backoff", delay, "error", err)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}

		delay *= 2
		if delay > p.maxBackoff {
			delay = p.maxBackoff
		}
	}

	return fmt.Errorf("%s: retries exhausted: %w", name, err)
}
