// Package hotkey turns a global key combo into push-to-talk start/stop
// events. In "hold" mode the combo records while held; in "toggle" mode each
// press flips recording on or off.
package hotkey

import (
	"log/slog"
	"strings"
	"sync"

	hook "github.com/robotn/gohook"
)

// EventType says whether a voice message should start or end.
type EventType int

const (
	EventStart EventType = iota
	EventStop
)

func (t EventType) String() string {
	if t == EventStart {
		return "start"
	}
	return "stop"
}

// Event is emitted on the channel returned by Events.
type Event struct {
	Type EventType
}

// Listener watches one key combo.
type Listener struct {
	keys   []string
	toggle bool
	ch     chan Event
	done   chan struct{}
	once   sync.Once

	mu     sync.Mutex
	active bool
}

// NewListener creates a Listener for keys (lowercase gohook names such as
// "ctrl", "shift", "v") in mode "hold" or "toggle". Unknown modes mean hold.
func NewListener(keys []string, mode string) *Listener {
	return &Listener{
		keys:   keys,
		toggle: mode == "toggle",
		ch:     make(chan Event, 16),
		done:   make(chan struct{}),
	}
}

// Events returns the event channel. It is closed when Run returns.
func (l *Listener) Events() <-chan Event {
	return l.ch
}

// Run installs the global hook and blocks until Stop.
func (l *Listener) Run() {
	hook.Register(hook.KeyDown, l.keys, func(hook.Event) { l.press() })
	if !l.toggle {
		hook.Register(hook.KeyUp, l.keys, func(hook.Event) { l.release() })
	}

	evChan := hook.Start()
	go func() {
		<-l.done
		hook.End()
	}()
	slog.Info("[HOTKEY] listening", "keys", strings.Join(l.keys, "+"), "toggle", l.toggle)
	<-hook.Process(evChan)
	close(l.ch)
}

// Stop ends Run. It is safe to call multiple times.
func (l *Listener) Stop() {
	l.once.Do(func() {
		close(l.done)
	})
}

// press handles a key-down of the combo. Auto-repeat while held must not
// restart the recording.
func (l *Listener) press() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.toggle && l.active {
		l.active = false
		l.emit(EventStop)
		return
	}
	if l.active {
		return
	}
	l.active = true
	l.emit(EventStart)
}

// release handles a key-up of the combo in hold mode.
func (l *Listener) release() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.active {
		return
	}
	l.active = false
	l.emit(EventStop)
}

func (l *Listener) emit(t EventType) {
	select {
	case l.ch <- Event{Type: t}:
	default:
		slog.Warn("[HOTKEY] event dropped, consumer too slow", "event", t)
	}
}
