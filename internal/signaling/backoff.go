package signaling

import (
	"time"

	"github.com/sethvargo/go-retry"
)

// BackoffPolicy is the reconnect schedule: exponential from Base, capped at
// Max, ±JitterPercent. The schedule stops once MaxAttempts connection
// attempts have been made.
type BackoffPolicy struct {
	Base          time.Duration
	Max           time.Duration
	JitterPercent uint64
	MaxAttempts   int
}

// New returns a fresh stateful schedule.
func (p BackoffPolicy) New() retry.Backoff {
	b := retry.NewExponential(p.Base)
	if p.JitterPercent > 0 {
		b = retry.WithJitterPercent(p.JitterPercent, b)
	}
	if p.Max > 0 {
		b = retry.WithCappedDuration(p.Max, b)
	}
	if p.MaxAttempts > 0 {
		b = retry.WithMaxRetries(uint64(p.MaxAttempts-1), b)
	}
	return b
}
