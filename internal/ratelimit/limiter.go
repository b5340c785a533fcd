// Package ratelimit guards pickup verification against code guessing. State is
// keyed by the (attendance record, source address) pair; the window slides
// from the most recent failure.
package ratelimit

import (
	"context"
	"fmt"
	"time"
)

const (
	DefaultMaxAttempts = 5
	DefaultWindow      = 10 * time.Minute
)

type Limiter interface {
	// IsLimited reports whether the pair has exhausted its attempts within
	// the current window.
	IsLimited(ctx context.Context, subjectKey, sourceAddr string) (bool, error)
	// RecordFailure counts one failed attempt. Counting is atomic: two
	// concurrent failures both land.
	RecordFailure(ctx context.Context, subjectKey, sourceAddr string) error
	// Reset clears the pair, typically after a successful verification.
	Reset(ctx context.Context, subjectKey, sourceAddr string) error
	// RetryAfter returns how long until the pair may try again; zero when
	// it is not limited.
	RetryAfter(ctx context.Context, subjectKey, sourceAddr string) (time.Duration, error)
}

func pairKey(subjectKey, sourceAddr string) string {
	return fmt.Sprintf("%s|%s", subjectKey, sourceAddr)
}
