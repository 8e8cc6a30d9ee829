package transport

import (
	"testing"
	"time"
)

func TestRetryStateSequence(t *testing.T) {
	var r RetryState
	opts := DefaultOptions()

	for i, want := range []time.Duration{4 * time.Second, 8 * time.Second, 16 * time.Second} {
		got, ok := r.Failure(opts)
		if !ok {
			t.Fatalf("failure %d: gave up early", i+1)
		}
		if got != want {
			t.Errorf("failure %d: delay = %v, want %v", i+1, got, want)
		}
		if r.Attempt != i+1 {
			t.Errorf("failure %d: Attempt = %d", i+1, r.Attempt)
		}
	}
	if _, ok := r.Failure(opts); ok {
		t.Error("fourth failure should give up")
	}
}

func TestRetryStateReset(t *testing.T) {
	var r RetryState
	r.Failure(DefaultOptions())
	r.Failure(DefaultOptions())
	r.Reset()
	if r.Attempt != 0 || r.NextDelay != 0 {
		t.Errorf("after Reset: %+v", r)
	}
	got, _ := r.Failure(DefaultOptions())
	if got != 4*time.Second {
		t.Errorf("delay after reset = %v, want 4s", got)
	}
}

func TestRetryStateZeroOptionsUseDefaults(t *testing.T) {
	var r RetryState
	got, ok := r.Failure(Options{})
	if !ok || got != 4*time.Second {
		t.Errorf("Failure(Options{}) = %v, %v; want 4s, true", got, ok)
	}
}

func TestBackoffOverflowProtection(t *testing.T) {
	got := Backoff(time.Millisecond, 100)
	if got <= 0 {
		t.Errorf("Backoff(1ms, 100) = %v, should be positive", got)
	}
	if got != Backoff(time.Millisecond, maxShift) {
		t.Errorf("Backoff should clamp the exponent")
	}
	if Backoff(time.Second, -1) != time.Second {
		t.Errorf("negative attempts should clamp to zero")
	}
}
