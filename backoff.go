package chatsync

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// ============================================================================
// Backoff
// ============================================================================

// backoff computes exponential delays with jitter. The attempt counter
// resets once a connection has stayed up for stableAfter.
type backoff struct {
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
	stableAfter time.Duration
	attempt     int
	connectedAt time.Time
}

func newBackoff(base, max time.Duration, maxAttempts int) *backoff {
	return &backoff{
		baseDelay:   base,
		maxDelay:    max,
		maxAttempts: maxAttempts,
		stableAfter: 60 * time.Second,
	}
}

func (b *backoff) shouldRetry() bool {
	return b.maxAttempts == 0 || b.attempt < b.maxAttempts
}

func (b *backoff) markConnected() {
	b.connectedAt = time.Now()
}

func (b *backoff) nextDelay() time.Duration {
	if !b.connectedAt.IsZero() && time.Since(b.connectedAt) > b.stableAfter {
		b.attempt = 0
	}
	jitter := time.Duration(rand.Float64() * float64(b.baseDelay) * 0.5)
	delay := time.Duration(math.Min(
		float64(b.baseDelay)*math.Pow(2, float64(b.attempt))+float64(jitter),
		float64(b.maxDelay),
	))
	b.attempt++
	return delay
}

func (b *backoff) reset() {
	b.attempt = 0
	b.connectedAt = time.Time{}
}

// sleep waits for d or until ctx is done.
func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
