package app

import (
	"context"
	"math/rand/v2"
	"time"

	"github.com/transfa/bridge-service/pkg/gateway"
)

const (
	defaultRetryBaseDelay   = 200 * time.Millisecond
	defaultRetryMaxDelay    = 5 * time.Second
	defaultRetryMaxAttempts = 5
)

// RetryPolicy is capped exponential backoff with jitter for remote calls that
// returned a transient outcome. The same idempotency key is reused on every attempt.
type RetryPolicy struct {
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	MaxAttempts int
	// Jitter picks the actual sleep for a computed backoff; nil uses equal jitter.
	Jitter func(time.Duration) time.Duration
}

// DefaultRetryPolicy is base 200ms, factor 2, at most 5 attempts.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		BaseDelay:   defaultRetryBaseDelay,
		MaxDelay:    defaultRetryMaxDelay,
		MaxAttempts: defaultRetryMaxAttempts,
	}
}

func (p RetryPolicy) normalized() RetryPolicy {
	if p.BaseDelay <= 0 {
		p.BaseDelay = defaultRetryBaseDelay
	}
	if p.MaxDelay < p.BaseDelay {
		p.MaxDelay = p.BaseDelay
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = defaultRetryMaxAttempts
	}
	return p
}

// Delay is the backoff before retry number attempt (1-based), before jitter.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	p = p.normalized()
	if attempt < 1 {
		attempt = 1
	}
	delay := p.BaseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	return delay
}

func (p RetryPolicy) jittered(d time.Duration) time.Duration {
	if p.Jitter != nil {
		return p.Jitter(d)
	}
	half := d / 2
	if half <= 0 {
		return d
	}
	return half + rand.N(half)
}

// attemptLog summarizes a retried call.
type attemptLog struct {
	last      gateway.Result
	attempts  int
	ambiguous bool
}

// Run calls fn until it returns a non-transient outcome or attempts run out.
func (p RetryPolicy) Run(ctx context.Context, fn func(context.Context) gateway.Result) attemptLog {
	p = p.normalized()
	var log attemptLog
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		log.last = fn(ctx)
		log.attempts = attempt
		if log.last.Outcome == gateway.AmbiguousTimeout {
			log.ambiguous = true
		}
		if !log.last.Outcome.Transient() || attempt == p.MaxAttempts {
			return log
		}
		select {
		case <-ctx.Done():
			return log
		case <-time.After(p.jittered(p.Delay(attempt))):
		}
	}
	return log
}
