package voice

import (
	"time"

	"github.com/cenkalti/backoff/v5"
)

const (
	DefaultMaxAttempts       = 5
	DefaultReconnectInterval = 2 * time.Second
)

// ReconnectPolicy bounds how a Client recovers a dropped connection. The
// attempt counter it is consulted with resets after every successful
// reconnect.
type ReconnectPolicy struct {
	MaxAttempts int
	Interval    time.Duration

	// Exponential grows the delay from Interval with jitter, capped at
	// MaxInterval. The default is a constant Interval.
	Exponential bool
	MaxInterval time.Duration
}

func DefaultReconnectPolicy() ReconnectPolicy {
	return ReconnectPolicy{
		MaxAttempts: DefaultMaxAttempts,
		Interval:    DefaultReconnectInterval,
	}
}

// ShouldRetry reports whether another attempt is allowed after attempt
// attempts have already failed.
func (p ReconnectPolicy) ShouldRetry(attempt, maxAttempts int) bool {
	return maxAttempts > 0 && attempt >= 0 && attempt < maxAttempts
}

// DelayFor returns the wait before the attempt-th reconnect (1-based).
func (p ReconnectPolicy) DelayFor(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	b := p.backOff()
	d := b.NextBackOff()
	for i := 1; i < attempt; i++ {
		d = b.NextBackOff()
	}
	if d < 0 {
		return 0
	}
	return d
}

func (p ReconnectPolicy) backOff() backoff.BackOff {
	interval := p.Interval
	if interval <= 0 {
		interval = DefaultReconnectInterval
	}
	if !p.Exponential {
		return backoff.NewConstantBackOff(interval)
	}
	maxInterval := p.MaxInterval
	if maxInterval < interval {
		maxInterval = 30 * interval
	}
	b := &backoff.ExponentialBackOff{
		InitialInterval:     interval,
		RandomizationFactor: backoff.DefaultRandomizationFactor,
		Multiplier:          2,
		MaxInterval:         maxInterval,
	}
	b.Reset()
	return b
}

func (p ReconnectPolicy) withDefaults() ReconnectPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultMaxAttempts
	}
	if p.Interval <= 0 {
		p.Interval = DefaultReconnectInterval
	}
	return p
}
