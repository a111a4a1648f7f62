package services

import (
	"time"

	"github.com/cenkalti/backoff/v5"
)

// BackoffPolicy computes the delay before a failed entry is considered again
type BackoffPolicy struct {
	Initial time.Duration
	Max     time.Duration
}

// Delay returns the wait after the given (1-based) failed attempt:
// Initial, 2*Initial, 4*Initial, ... capped at Max.
func (p BackoffPolicy) Delay(attempt int) time.Duration {
	if p.Initial <= 0 {
		return 0
	}
	b := p.exponential()
	d := b.NextBackOff()
	for i := 1; i < attempt; i++ {
		d = b.NextBackOff()
	}
	return d
}

func (p BackoffPolicy) exponential() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.Initial
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxInterval = p.Max
	if b.MaxInterval < p.Initial {
		b.MaxInterval = p.Initial
	}
	b.Reset()
	return b
}
