package transport

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

type fakeLink struct {
	kind     Kind
	state    State
	ready    bool
	recovers atomic.Int32
	resets   atomic.Int32
}

func (l *fakeLink) Kind() Kind    { return l.kind }
func (l *fakeLink) State() State  { return l.state }
func (l *fakeLink) IsReady() bool { return l.ready }
func (l *fakeLink) Recover()      { l.recovers.Add(1) }
func (l *fakeLink) ResetRetry()   { l.resets.Add(1) }

func TestHeartbeatTick(t *testing.T) {
	ready := &fakeLink{kind: KindBLE, state: StateReady, ready: true}
	dead := &fakeLink{kind: KindClassic, state: StateReady}
	idle := &fakeLink{kind: KindBLE, state: StateIdle}
	gone := &fakeLink{kind: KindClassic, state: StateGivenUp}

	h := NewHeartbeatMonitor(time.Second, ready, dead, idle, gone)
	h.Tick()

	if ready.resets.Load() != 1 || ready.recovers.Load() != 0 {
		t.Errorf("ready link: resets=%d recovers=%d", ready.resets.Load(), ready.recovers.Load())
	}
	if dead.recovers.Load() != 1 {
		t.Errorf("dead link: recovers=%d, want 1", dead.recovers.Load())
	}
	for _, l := range []*fakeLink{idle, gone} {
		if l.recovers.Load() != 0 || l.resets.Load() != 0 {
			t.Errorf("%s link should be left alone", l.state)
		}
	}
}

func TestHeartbeatRunStopsOnCancel(t *testing.T) {
	l := &fakeLink{kind: KindBLE, state: StateDisconnected}
	h := NewHeartbeatMonitor(5*time.Millisecond, l)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		h.Run(ctx)
		close(done)
	}()
	waitFor(t, "ticks", func() bool { return l.recovers.Load() >= 2 })
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestHeartbeatTwoTicksOneReconnect(t *testing.T) {
	var first atomic.Bool
	f := &fakeAttempter{}
	f.attempt = func(ctx context.Context, a *Attempt) error {
		if first.CompareAndSwap(false, true) {
			return classicReady(ctx, a)
		}
		return blocking(ctx, a)
	}
	s, _ := newTestSupervisor(t, KindClassic, f, Options{RetryInterval: time.Millisecond})
	s.Connect(testDevice)
	waitFor(t, "ready", s.IsReady)

	// The socket dies without the OS telling us.
	f.alive.Store(false)

	h := NewHeartbeatMonitor(time.Hour, s)
	h.Tick()
	waitFor(t, "reconnect attempt", func() bool { return f.calls.Load() == 2 })
	h.Tick()
	time.Sleep(30 * time.Millisecond)

	if got := f.calls.Load(); got != 2 {
		t.Errorf("attempts = %d, want 2 (initial plus one reconnect)", got)
	}
	if s.State() != StateConnecting {
		t.Errorf("state = %s, want connecting", s.State())
	}
}
