package main

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/chaz8081/wearlink/internal/config"
	"github.com/chaz8081/wearlink/internal/store"
	"github.com/chaz8081/wearlink/internal/transport"
)

func TestResolveDevice(t *testing.T) {
	st := store.New(filepath.Join(t.TempDir(), "device.json"))
	cfg := config.Default()

	if _, err := resolveDevice("", cfg, st); err == nil {
		t.Error("resolveDevice() with nothing configured should fail")
	}

	saved := transport.DeviceIdentity{Address: "11:22:33:44:55:66", Name: "Saved"}
	if err := st.Save(saved); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	if got, _ := resolveDevice("", cfg, st); got != saved {
		t.Errorf("store fallback = %v, want %v", got, saved)
	}

	cfg.Device = config.DeviceConfig{Address: "AA:BB:CC:DD:EE:FF", Name: "Configured"}
	if got, _ := resolveDevice("", cfg, st); got.Address != "AA:BB:CC:DD:EE:FF" || got.Name != "Configured" {
		t.Errorf("config device = %v", got)
	}

	if got, _ := resolveDevice("01:02:03:04:05:06", cfg, st); got.Address != "01:02:03:04:05:06" {
		t.Errorf("flag device = %v", got)
	}
}

func TestWaitReady(t *testing.T) {
	events := make(chan transport.Event, 4)
	events <- transport.Event{Type: transport.EventConnectionChanged, Link: transport.KindClassic, Ready: true}
	events <- transport.Event{Type: transport.EventTextReceived, Link: transport.KindBLE}
	events <- transport.Event{Type: transport.EventConnectionChanged, Link: transport.KindBLE, Ready: true}

	if err := waitReady(context.Background(), events, transport.KindBLE); err != nil {
		t.Errorf("waitReady() error = %v", err)
	}
}

func TestWaitReadyGivenUp(t *testing.T) {
	events := make(chan transport.Event, 1)
	events <- transport.Event{Type: transport.EventConnectionChanged, Link: transport.KindBLE, Terminal: true}

	if err := waitReady(context.Background(), events, transport.KindBLE); !errors.Is(err, transport.ErrGivenUp) {
		t.Errorf("waitReady() error = %v, want ErrGivenUp", err)
	}
}

func TestWaitReadyTimeout(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := waitReady(ctx, make(chan transport.Event), transport.KindBLE); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("waitReady() error = %v, want deadline exceeded", err)
	}
}

type countdown struct{ pending, backlog int }

func (c *countdown) Pending() int {
	if c.pending > 0 {
		c.pending--
		return c.pending + 1
	}
	return 0
}

func (c *countdown) QueueLen() int { return c.backlog }

func TestWaitDrained(t *testing.T) {
	if err := waitDrained(context.Background(), &countdown{pending: 3}); err != nil {
		t.Errorf("waitDrained() error = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := waitDrained(ctx, &countdown{backlog: 1}); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("waitDrained() with stuck backlog error = %v, want deadline exceeded", err)
	}
}

// mockInjector records injected text.
type mockInjector struct {
	injected []string
	err      error
}

func (m *mockInjector) Inject(text string) error {
	m.injected = append(m.injected, text)
	return m.err
}

func TestHandleEventsInjectsText(t *testing.T) {
	inj := &mockInjector{err: errors.New("no display")}
	s := &session{cfg: config.Default(), injector: inj}
	st := store.New(filepath.Join(t.TempDir(), "device.json"))

	events := make(chan transport.Event, 3)
	events <- transport.Event{Type: transport.EventTextReceived, Link: transport.KindBLE, Text: "first"}
	events <- transport.Event{Type: transport.EventAudioStreamChunk, Link: transport.KindClassic, Data: []byte{1}}
	events <- transport.Event{Type: transport.EventTextReceived, Link: transport.KindBLE, Text: "second"}
	close(events)

	if err := s.handleEvents(context.Background(), events, st, nil); err != nil {
		t.Fatalf("handleEvents() error = %v", err)
	}
	if len(inj.injected) != 2 || inj.injected[0] != "first" || inj.injected[1] != "second" {
		t.Errorf("injected = %v, want [first second]", inj.injected)
	}
}
