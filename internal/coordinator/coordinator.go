// Package coordinator binds the BLE and Classic links to one accessory and
// merges their events into a single stream.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/chaz8081/wearlink/internal/protocol"
	"github.com/chaz8081/wearlink/internal/transport"
)

// Link is what the coordinator needs from either transport client.
type Link interface {
	transport.Monitored
	SetSink(transport.Sink)
	Scan(ctx context.Context) ([]transport.DeviceIdentity, error)
	Connect(id transport.DeviceIdentity) error
	Disconnect()
	NextAttempt() time.Time
	DeferUntil(t time.Time)
}

// BLELink is the text and command side.
type BLELink interface {
	Link
	Send(text string) error
	SendCommand(command byte, tlvs ...protocol.TLV) error
}

// ClassicLink is the voice and audio side.
type ClassicLink interface {
	Link
	SendAudioRaw(b []byte) error
	SendVoice(b []byte) error
}

// Options tunes the coordinator.
type Options struct {
	HeartbeatInterval time.Duration
	// StaggerGap is the minimum spacing between the reconnects of the two
	// links.
	StaggerGap time.Duration
	// EventBuffer sizes the inbound queue and each subscriber's buffer.
	EventBuffer int
}

// DefaultOptions returns the stock timings.
func DefaultOptions() Options {
	return Options{
		HeartbeatInterval: transport.DefaultHeartbeatInterval,
		StaggerGap:        transport.DefaultStaggerGap,
		EventBuffer:       defaultSubscriberBuffer,
	}
}

// Coordinator owns one BLE and one Classic link bound to the same device.
// Construct it with New and release it with Close.
type Coordinator struct {
	ble     BLELink
	classic ClassicLink
	opts    Options
	bus     *Bus

	in     chan transport.Event
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	device transport.DeviceIdentity
	closed bool
}

// New wires both links into the coordinator and starts its event loop and
// heartbeat. Zero option fields take their defaults.
func New(ble BLELink, classic ClassicLink, opts Options) *Coordinator {
	def := DefaultOptions()
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = def.HeartbeatInterval
	}
	if opts.StaggerGap <= 0 {
		opts.StaggerGap = def.StaggerGap
	}
	if opts.EventBuffer <= 0 {
		opts.EventBuffer = def.EventBuffer
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Coordinator{
		ble:     ble,
		classic: classic,
		opts:    opts,
		bus:     NewBus(opts.EventBuffer),
		in:      make(chan transport.Event, opts.EventBuffer),
		ctx:     ctx,
		cancel:  cancel,
	}
	ble.SetSink(c.enqueue)
	classic.SetSink(c.enqueue)

	hb := transport.NewHeartbeatMonitor(opts.HeartbeatInterval, ble, classic)
	c.wg.Add(2)
	go func() {
		defer c.wg.Done()
		c.loop()
	}()
	go func() {
		defer c.wg.Done()
		hb.Run(ctx)
	}()
	return c
}

// enqueue is the sink of both links. Links deliver events under their own
// ordering lock, so the coordinator only queues here.
func (c *Coordinator) enqueue(e transport.Event) {
	select {
	case c.in <- e:
	case <-c.ctx.Done():
	}
}

func (c *Coordinator) loop() {
	for {
		select {
		case <-c.ctx.Done():
			return
		case e := <-c.in:
			c.handle(e)
		}
	}
}

func (c *Coordinator) handle(e transport.Event) {
	if e.Type == transport.EventConnectionChanged {
		slog.Info("[COORD] connection changed", "link", e.Link, "ready", e.Ready, "terminal", e.Terminal)
		if !e.Ready && !e.Terminal {
			c.stagger(e.Link)
		}
	}
	c.bus.Publish(e)
}

// stagger keeps the two links from reconnecting at the same moment. When
// dropped has a reconnect pending and the other link is also down with its
// own reconnect too close to it, the other one is pushed to at least
// StaggerGap after dropped's.
func (c *Coordinator) stagger(dropped transport.Kind) {
	var a, b Link = c.ble, c.classic
	if dropped == transport.KindClassic {
		a, b = c.classic, c.ble
	}
	nextA := a.NextAttempt()
	if nextA.IsZero() {
		return
	}
	switch b.State() {
	case transport.StateReady, transport.StateIdle, transport.StateGivenUp:
		return
	}
	nextB := b.NextAttempt()
	if !nextB.IsZero() {
		d := nextB.Sub(nextA)
		if d >= c.opts.StaggerGap || d <= -c.opts.StaggerGap {
			return
		}
	}
	at := nextA.Add(c.opts.StaggerGap)
	slog.Info("[COORD] staggering reconnect", "link", b.Kind(), "after", a.Kind(), "at", at.Format(time.TimeOnly))
	b.DeferUntil(at)
}

// StartAsClient scans both transports at once until ctx is done and returns
// the accessories found, merged by address.
func (c *Coordinator) StartAsClient(ctx context.Context) ([]transport.DeviceIdentity, error) {
	var bleIDs, classicIDs []transport.DeviceIdentity
	var bleErr, classicErr error

	var g errgroup.Group
	g.Go(func() error {
		bleIDs, bleErr = c.ble.Scan(ctx)
		return nil
	})
	g.Go(func() error {
		classicIDs, classicErr = c.classic.Scan(ctx)
		return nil
	})
	g.Wait()

	if bleErr != nil && classicErr != nil {
		return nil, fmt.Errorf("coordinator: scan: %w", errors.Join(bleErr, classicErr))
	}
	if bleErr != nil {
		slog.Warn("[COORD] BLE scan failed", "error", bleErr)
	}
	if classicErr != nil {
		slog.Warn("[COORD] Classic scan failed", "error", classicErr)
	}
	return mergeIdentities(bleIDs, classicIDs), nil
}

func mergeIdentities(lists ...[]transport.DeviceIdentity) []transport.DeviceIdentity {
	byAddr := make(map[string]transport.DeviceIdentity)
	for _, list := range lists {
		for _, id := range list {
			key := strings.ToUpper(id.Address)
			if prev, ok := byAddr[key]; ok && prev.Name != "" {
				continue
			}
			byAddr[key] = id
		}
	}
	out := make([]transport.DeviceIdentity, 0, len(byAddr))
	for _, id := range byAddr {
		out = append(out, id)
	}
	slices.SortFunc(out, func(a, b transport.DeviceIdentity) int {
		return strings.Compare(strings.ToUpper(a.Address), strings.ToUpper(b.Address))
	})
	return out
}

// Connect starts both links towards id. Either may become ready first.
func (c *Coordinator) Connect(id transport.DeviceIdentity) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return errors.New("coordinator: closed")
	}
	c.device = id
	c.mu.Unlock()

	slog.Info("[COORD] connecting", "device", id)
	return errors.Join(c.ble.Connect(id), c.classic.Connect(id))
}

// Disconnect tears both links down. It is idempotent.
func (c *Coordinator) Disconnect() {
	c.ble.Disconnect()
	c.classic.Disconnect()
}

// Device returns the identity of the last Connect.
func (c *Coordinator) Device() transport.DeviceIdentity {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.device
}

// Send routes text to the BLE link.
func (c *Coordinator) Send(text string) error {
	return c.ble.Send(text)
}

// SendCommand routes a command packet to the BLE link.
func (c *Coordinator) SendCommand(command byte, tlvs ...protocol.TLV) error {
	return c.ble.SendCommand(command, tlvs...)
}

// SendAudioRaw routes raw audio to the Classic link. It fails unless Classic
// is ready.
func (c *Coordinator) SendAudioRaw(b []byte) error {
	return c.classic.SendAudioRaw(b)
}

// SendVoice sends b as one voice message on the Classic link.
func (c *Coordinator) SendVoice(b []byte) error {
	return c.classic.SendVoice(b)
}

// IsReady reports whether the given link can take writes.
func (c *Coordinator) IsReady(kind transport.Kind) bool {
	switch kind {
	case transport.KindBLE:
		return c.ble.IsReady()
	case transport.KindClassic:
		return c.classic.IsReady()
	}
	return false
}

// Subscribe returns a channel of events from both links and a function that
// cancels the subscription.
func (c *Coordinator) Subscribe() (<-chan transport.Event, func()) {
	return c.bus.Subscribe()
}

// Close disconnects both links, stops the event loop and heartbeat and
// closes every subscription.
func (c *Coordinator) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.Disconnect()
	c.cancel()
	c.wg.Wait()
	c.bus.Close()
	return nil
}
