package transport

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Attempter performs the OS side of one link. The Supervisor calls Attempt on
// its own goroutine with the machine already in StateConnecting.
type Attempter interface {
	// Attempt runs one handshake, reporting progress through a.Fire, and
	// returns once the link is Ready or the handshake failed. It must honor
	// ctx, which carries the connect timeout.
	Attempt(ctx context.Context, a *Attempt) error
	// Teardown releases the OS handle and drops queued writes. It is never
	// called with the supervisor locked.
	Teardown()
	// Alive reports whether the OS handle still looks usable.
	Alive() bool
}

// Supervisor owns the lifecycle of one link: the state machine, the retry
// counter and the reconnect timer. Callbacks from torn-down attempts are
// recognized by generation and ignored.
type Supervisor struct {
	kind Kind
	opts Options
	att  Attempter

	mu        sync.Mutex
	m         *Machine
	sink      Sink
	retry     RetryState
	id        DeviceIdentity
	gen       uint64
	cancel    context.CancelFunc
	timer     *time.Timer
	next      time.Time
	notBefore time.Time

	// Work queued under mu and performed by unlock in order.
	emitMu   sync.Mutex
	outbox   []Event
	teardown bool
	starts   []*Attempt
}

// NewSupervisor returns an idle supervisor for att. Zero option fields take
// their defaults.
func NewSupervisor(kind Kind, att Attempter, opts Options) *Supervisor {
	return &Supervisor{
		kind: kind,
		opts: opts.withDefaults(),
		att:  att,
		m:    NewMachine(kind),
	}
}

// SetSink directs subsequent events to sink.
func (s *Supervisor) SetSink(sink Sink) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sink = sink
}

func (s *Supervisor) Kind() Kind { return s.kind }

// State returns the machine's current state.
func (s *Supervisor) State() State { return s.m.State() }

// Device returns the identity of the last Connect.
func (s *Supervisor) Device() DeviceIdentity {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id
}

// Retry returns a copy of the retry counter.
func (s *Supervisor) Retry() RetryState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.retry
}

// IsReady reports whether the link is Ready and its OS handle is alive.
func (s *Supervisor) IsReady() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.m.State() == StateReady && s.att.Alive()
}

// ReadyErr returns nil when the link can take writes, ErrGivenUp after the
// retry budget is spent and ErrNotReady otherwise.
func (s *Supervisor) ReadyErr() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.m.State() {
	case StateReady:
		if s.att.Alive() {
			return nil
		}
	case StateGivenUp:
		return ErrGivenUp
	}
	return ErrNotReady
}

// BeginScan moves an idle link into Discovering for the length of a scan.
func (s *Supervisor) BeginScan() bool {
	s.mu.Lock()
	defer s.unlock()
	return s.m.State() == StateIdle && s.fire(TriggerScan)
}

// EndScan returns a scanning link to Idle.
func (s *Supervisor) EndScan() {
	s.mu.Lock()
	defer s.unlock()
	if s.m.State() == StateDiscovering {
		s.fire(TriggerScanStopped)
	}
}

// Connect starts connecting to id, resetting the retry budget. Connecting to
// the device the link is already on or working towards is a no-op.
func (s *Supervisor) Connect(id DeviceIdentity) error {
	if id.Address == "" {
		return fmt.Errorf("transport: %s connect: empty device address", s.kind)
	}
	s.mu.Lock()
	defer s.unlock()

	st := s.m.State()
	if s.id == id && (st == StateReady || st == StateReconnecting || (st.handshake() && s.cancel != nil)) {
		return nil
	}
	s.reset()
	s.id = id
	s.retry.Reset()
	s.notBefore = time.Time{}
	s.fire(TriggerConnect)
	s.fire(TriggerDeviceFound)
	s.start()
	return nil
}

// Disconnect tears the link down from any state and leaves it Idle. It is
// idempotent.
func (s *Supervisor) Disconnect() {
	s.mu.Lock()
	defer s.unlock()
	s.reset()
	s.retry.Reset()
	s.notBefore = time.Time{}
}

// Recover is the heartbeat's path into the reconnect logic. A Ready link whose
// OS handle died silently is treated as lost; every other state is left to
// the running attempt or timer.
func (s *Supervisor) Recover() {
	s.mu.Lock()
	defer s.unlock()
	st := s.m.State()
	if st != StateReady {
		slog.Debug("[LINK] heartbeat recovery suppressed", "link", s.kind, "state", st)
		return
	}
	if s.att.Alive() {
		return
	}
	slog.Warn("[LINK] heartbeat found dead link", "link", s.kind, "device", s.id.Address)
	s.lose()
}

// ResetRetry clears the failure count of a Ready link.
func (s *Supervisor) ResetRetry() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.m.State() == StateReady {
		s.retry.Reset()
	}
}

// NextAttempt returns when the pending reconnect fires, or the zero time if
// none is pending.
func (s *Supervisor) NextAttempt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.next
}

// DeferUntil keeps the next reconnect of this link from starting before t.
func (s *Supervisor) DeferUntil(t time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t.After(s.notBefore) {
		s.notBefore = t
	}
	if s.timer == nil || !s.next.Before(t) {
		return
	}
	s.timer.Stop()
	s.gen++
	slog.Info("[LINK] deferring reconnect", "link", s.kind, "until", t.Format(time.TimeOnly))
	s.schedule(t)
}

// Emit forwards a link event, such as a write failure, to the sink.
func (s *Supervisor) Emit(e Event) {
	s.mu.Lock()
	defer s.unlock()
	s.queue(e)
}

// Attempt is the handle an Attempter uses to report progress on one
// connection attempt. Calls made after the attempt was superseded are ignored.
type Attempt struct {
	ID DeviceIdentity
	// Number counts attempts since the last Ready, starting at 1.
	Number int

	s      *Supervisor
	gen    uint64
	ctx    context.Context
	cancel context.CancelFunc
}

// Fire applies t if the attempt is still current and reports whether it was
// accepted.
func (a *Attempt) Fire(t Trigger) bool {
	s := a.s
	s.mu.Lock()
	defer s.unlock()
	if a.gen != s.gen {
		return false
	}
	return s.fire(t)
}

// Current reports whether the attempt has not been superseded.
func (a *Attempt) Current() bool {
	s := a.s
	s.mu.Lock()
	defer s.mu.Unlock()
	return a.gen == s.gen
}

// Lost reports that the OS dropped the connection this attempt opened. On a
// Ready link it starts the reconnect cycle; during the handshake it aborts
// the attempt. Repeated calls are ignored.
func (a *Attempt) Lost() {
	s := a.s
	s.mu.Lock()
	defer s.unlock()
	if a.gen != s.gen {
		return
	}
	switch st := s.m.State(); {
	case st == StateReady:
		slog.Warn("[LINK] link lost", "link", s.kind, "device", s.id.Address)
		s.lose()
	case st.handshake():
		a.cancel()
	}
}

// Emit forwards an event produced by this attempt's connection.
func (a *Attempt) Emit(e Event) {
	s := a.s
	s.mu.Lock()
	defer s.unlock()
	if a.gen != s.gen {
		return
	}
	s.queue(e)
}

// The methods below run with s.mu held.

func (s *Supervisor) fire(t Trigger) bool {
	tr, err := s.m.Fire(t)
	if err != nil {
		slog.Debug("[LINK] trigger ignored", "link", s.kind, "error", err)
		return false
	}
	if tr.Changed() {
		s.transitioned(tr)
	}
	return true
}

func (s *Supervisor) transitioned(tr Transition) {
	slog.Debug("[LINK] state", "link", s.kind, "from", tr.From, "to", tr.To, "trigger", tr.Trigger)
	switch {
	case tr.To == StateReady:
		slog.Info("[LINK] ready", "link", s.kind, "device", s.id.Address)
		s.retry.Reset()
		s.notBefore = time.Time{}
		s.queue(Event{Type: EventConnectionChanged, Ready: true, Device: s.id})
	case tr.From == StateReady:
		s.queue(Event{Type: EventConnectionChanged, Ready: false, Device: s.id})
	case tr.To == StateGivenUp:
		s.queue(Event{Type: EventConnectionChanged, Ready: false, Terminal: true, Device: s.id})
	}
}

func (s *Supervisor) queue(e Event) {
	e.Link = s.kind
	s.outbox = append(s.outbox, e)
}

// reset invalidates the current attempt and timer and closes the machine.
func (s *Supervisor) reset() {
	s.gen++
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.next = time.Time{}
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	if s.m.State() != StateIdle {
		s.teardown = true
		s.fire(TriggerClose)
	}
}

func (s *Supervisor) lose() {
	s.teardown = true
	s.fire(TriggerLinkLost)
	s.failure()
}

// failure runs with the machine in StateDisconnected.
func (s *Supervisor) failure() {
	s.gen++
	s.cancel = nil
	delay, ok := s.retry.Failure(s.opts)
	if !ok {
		slog.Error("[LINK] giving up", "link", s.kind, "device", s.id.Address, "attempts", s.retry.Attempt-1)
		s.fire(TriggerGiveUp)
		return
	}
	at := time.Now().Add(delay)
	if at.Before(s.notBefore) {
		at = s.notBefore
	}
	slog.Info("[LINK] reconnect scheduled", "link", s.kind, "attempt", s.retry.Attempt, "delay", time.Until(at).Round(time.Millisecond))
	s.fire(TriggerScheduleRetry)
	s.schedule(at)
}

func (s *Supervisor) schedule(at time.Time) {
	gen := s.gen
	s.next = at
	s.timer = time.AfterFunc(time.Until(at), func() { s.retryNow(gen) })
}

func (s *Supervisor) retryNow(gen uint64) {
	s.mu.Lock()
	defer s.unlock()
	if gen != s.gen || s.m.State() != StateReconnecting {
		return
	}
	s.timer = nil
	s.next = time.Time{}
	s.fire(TriggerRetry)
	s.start()
}

func (s *Supervisor) start() {
	ctx, cancel := context.WithTimeout(context.Background(), s.opts.ConnectTimeout)
	s.cancel = cancel
	s.starts = append(s.starts, &Attempt{
		ID:     s.id,
		Number: s.retry.Attempt + 1,
		s:      s,
		gen:    s.gen,
		ctx:    ctx,
		cancel: cancel,
	})
}

// unlock releases s.mu and then, in order, tears down the OS handle, launches
// queued attempts and delivers queued events. emitMu is taken before mu is
// released so that work from consecutive critical sections is not reordered.
func (s *Supervisor) unlock() {
	if len(s.outbox) == 0 && !s.teardown && len(s.starts) == 0 {
		s.mu.Unlock()
		return
	}
	events, teardown, starts, sink := s.outbox, s.teardown, s.starts, s.sink
	s.outbox, s.teardown, s.starts = nil, false, nil

	s.emitMu.Lock()
	s.mu.Unlock()
	defer s.emitMu.Unlock()

	if teardown {
		s.att.Teardown()
	}
	for _, a := range starts {
		go s.run(a)
	}
	if sink != nil {
		for _, e := range events {
			sink(e)
		}
	}
}

func (s *Supervisor) run(a *Attempt) {
	slog.Info("[LINK] connecting", "link", s.kind, "device", a.ID.Address, "attempt", a.Number)

	errc := make(chan error, 1)
	go func() { errc <- s.att.Attempt(a.ctx, a) }()
	var err error
	select {
	case err = <-errc:
	case <-a.ctx.Done():
		err = a.ctx.Err()
	}

	a.cancel()
	s.mu.Lock()
	defer s.unlock()
	if a.gen != s.gen {
		return
	}
	s.cancel = nil
	st := s.m.State()
	if !st.handshake() {
		return
	}
	if err == nil {
		err = fmt.Errorf("attempt ended in %s", st)
	}
	slog.Warn("[LINK] connection attempt failed", "link", s.kind, "device", a.ID.Address, "attempt", a.Number, "error", err)
	s.teardown = true
	s.fire(TriggerFail)
	s.failure()
}
