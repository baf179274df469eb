package pipeline

import "time"

const (
	defaultBackoffBase = 10 * time.Second
	defaultBackoffCap  = 15 * time.Minute
)

// Backoff maps a zero-based attempt number to a redelivery delay. The
// contract: Delay(0) > 0 and Delay(n) <= Delay(n+1) for all n, bounded
// above by the queue's maximum visibility extension.
type Backoff interface {
	Delay(attempt int) time.Duration
}

// ExponentialBackoff doubles Base per attempt up to Cap.
type ExponentialBackoff struct {
	Base time.Duration
	Cap  time.Duration
}

// NewExponentialBackoff returns a policy with the default 10s base and
// 15m cap. Both sit well inside the SQS 12-hour visibility ceiling.
func NewExponentialBackoff() ExponentialBackoff {
	return ExponentialBackoff{Base: defaultBackoffBase, Cap: defaultBackoffCap}
}

func (b ExponentialBackoff) Delay(attempt int) time.Duration {
	base := b.Base
	if base <= 0 {
		base = defaultBackoffBase
	}
	limit := b.Cap
	if limit <= 0 {
		limit = defaultBackoffCap
	}
	if attempt < 0 {
		attempt = 0
	}

	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= limit || d < 0 { // overflow guard
			return limit
		}
	}
	if d > limit {
		return limit
	}
	return d
}
