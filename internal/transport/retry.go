package transport

import "time"

// Defaults for the link lifecycle.
const (
	DefaultMaxRetry          = 3
	DefaultRetryInterval     = 2 * time.Second
	DefaultConnectTimeout    = 30 * time.Second
	DefaultHeartbeatInterval = 10 * time.Second
	DefaultStaggerGap        = 1 * time.Second
)

// maxShift keeps Backoff from overflowing on absurd attempt counts.
const maxShift = 30

// Options configures a Supervisor.
type Options struct {
	MaxRetry       int
	RetryInterval  time.Duration
	ConnectTimeout time.Duration
}

// DefaultOptions returns the stock retry policy.
func DefaultOptions() Options {
	return Options{
		MaxRetry:       DefaultMaxRetry,
		RetryInterval:  DefaultRetryInterval,
		ConnectTimeout: DefaultConnectTimeout,
	}
}

func (o Options) withDefaults() Options {
	if o.MaxRetry <= 0 {
		o.MaxRetry = DefaultMaxRetry
	}
	if o.RetryInterval <= 0 {
		o.RetryInterval = DefaultRetryInterval
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = DefaultConnectTimeout
	}
	return o
}

// Backoff returns base * 2^attempt.
func Backoff(base time.Duration, attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if attempt > maxShift {
		attempt = maxShift
	}
	return base * time.Duration(1<<uint(attempt))
}

// RetryState counts consecutive failures of one link.
type RetryState struct {
	Attempt   int
	NextDelay time.Duration
}

// Failure records one failed attempt or link drop. It returns the delay
// before the next attempt, or false once Attempt exceeds maxRetry.
func (r *RetryState) Failure(o Options) (time.Duration, bool) {
	o = o.withDefaults()
	r.Attempt++
	if r.Attempt > o.MaxRetry {
		r.NextDelay = 0
		return 0, false
	}
	r.NextDelay = Backoff(o.RetryInterval, r.Attempt)
	return r.NextDelay, true
}

// Reset clears the failure count, as on reaching Ready.
func (r *RetryState) Reset() {
	*r = RetryState{}
}
