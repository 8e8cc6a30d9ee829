package ble

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/chaz8081/wearlink/internal/protocol"
	"github.com/chaz8081/wearlink/internal/transport"
)

var errSuperseded = errors.New("ble: attempt superseded")

// ClientOptions configures the BLE client behavior.
type ClientOptions struct {
	ServiceUUID string
	WriteUUID   string
	NotifyUUIDs []string // subscribed in order, one descriptor write at a time

	MTU         int  // requested ATT MTU
	TextCommand byte // command byte carrying text messages
	BacklogSize int  // max texts kept while the link is down

	Link transport.Options
}

// DefaultClientOptions returns sensible defaults.
func DefaultClientOptions() ClientOptions {
	return ClientOptions{
		ServiceUUID: ServiceUUID,
		WriteUUID:   WriteCharUUID,
		NotifyUUIDs: []string{NotifyCharUUID},
		MTU:         DefaultMTU,
		TextCommand: defaultTextCmd,
		BacklogSize: defaultBacklog,
		Link:        transport.DefaultOptions(),
	}
}

// Client manages the GATT link to the accessory. Lifecycle calls (Connect,
// State, IsReady, ...) come from the embedded Supervisor.
type Client struct {
	*transport.Supervisor

	adapter Adapter
	opts    ClientOptions
	queue   *transport.WriteQueue

	mu        sync.Mutex
	enabled   bool
	conn      Connection
	write     Characteristic
	mtu       int
	connected bool
	backlog   []string

	// sendMu keeps the frames of one message contiguous in the queue.
	sendMu sync.Mutex

	rxMu   sync.Mutex
	frames protocol.FrameAssembler
	text   protocol.TextAssembler
}

// NewClient creates a BLE client on adapter. Zero option fields take their
// defaults.
func NewClient(adapter Adapter, opts ClientOptions) *Client {
	def := DefaultClientOptions()
	if opts.ServiceUUID == "" {
		opts.ServiceUUID = def.ServiceUUID
	}
	if opts.WriteUUID == "" {
		opts.WriteUUID = def.WriteUUID
	}
	if len(opts.NotifyUUIDs) == 0 {
		opts.NotifyUUIDs = def.NotifyUUIDs
	}
	if opts.MTU < MinMTU {
		opts.MTU = def.MTU
	}
	if opts.TextCommand == 0 {
		opts.TextCommand = def.TextCommand
	}
	if opts.BacklogSize <= 0 {
		opts.BacklogSize = def.BacklogSize
	}

	c := &Client{
		adapter: adapter,
		opts:    opts,
		mtu:     MinMTU,
	}
	c.Supervisor = transport.NewSupervisor(transport.KindBLE, c, opts.Link)
	c.queue = transport.NewWriteQueue(func(err error) {
		slog.Warn("[BLE] write failed", "error", err)
		c.Emit(transport.Event{Type: transport.EventWriteFailed, Err: err})
	})
	return c
}

// Scan looks for accessories advertising the configured service until ctx is
// done.
func (c *Client) Scan(ctx context.Context) ([]transport.DeviceIdentity, error) {
	if err := c.enable(); err != nil {
		return nil, err
	}
	if c.BeginScan() {
		defer c.EndScan()
	}
	devices, err := c.adapter.Scan(ctx, c.opts.ServiceUUID)
	if err != nil {
		return nil, fmt.Errorf("ble: scan: %w", err)
	}
	ids := make([]transport.DeviceIdentity, 0, len(devices))
	for _, d := range devices {
		slog.Debug("[BLE] found device", "name", d.Name, "mac", d.MAC, "rssi", d.RSSI)
		ids = append(ids, transport.DeviceIdentity{Address: d.MAC, Name: d.Name})
	}
	return ids, nil
}

// Send fragments text and queues it for the write characteristic. While the
// link is down the text is kept in a bounded backlog and sent on the next
// Ready. Safe for concurrent use.
func (c *Client) Send(text string) error {
	if text == "" {
		return nil
	}
	if !c.IsReady() {
		c.enqueue(text)
		return nil
	}
	return c.sendText(text)
}

// SendCommand encodes a command packet and queues it. It fails with
// transport.ErrNotReady when the link is down.
func (c *Client) SendCommand(command byte, tlvs ...protocol.TLV) error {
	if err := c.ReadyErr(); err != nil {
		return err
	}
	pkt, err := protocol.EncodeCommand(command, tlvs)
	if err != nil {
		return fmt.Errorf("ble: encode command: %w", err)
	}
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	return c.writePacket(pkt)
}

// MTU returns the negotiated ATT MTU.
func (c *Client) MTU() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mtu
}

// QueueLen returns the number of texts waiting for the link.
func (c *Client) QueueLen() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.backlog)
}

// Pending returns the number of writes queued on the link.
func (c *Client) Pending() int {
	return c.queue.Len()
}

// Disconnect tears the link down and discards the backlog.
func (c *Client) Disconnect() {
	c.mu.Lock()
	if n := len(c.backlog); n > 0 {
		slog.Warn("[BLE] disconnecting with unsent messages", "count", n)
	}
	c.backlog = nil
	c.mu.Unlock()
	c.Supervisor.Disconnect()
}

// Close gracefully disconnects the BLE client.
func (c *Client) Close() error {
	c.Disconnect()
	return nil
}

// Attempt runs the GATT handshake: connect, MTU, one service discovery, then
// notification subscriptions through the write queue.
func (c *Client) Attempt(ctx context.Context, a *transport.Attempt) (err error) {
	if err := c.enable(); err != nil {
		return err
	}
	conn, err := c.adapter.Connect(ctx, a.ID.Address)
	if err != nil {
		return &transport.Error{Link: transport.KindBLE, Op: "connect", Err: err}
	}
	if !a.Current() {
		conn.Disconnect()
		return errSuperseded
	}
	c.mu.Lock()
	c.conn = conn
	c.connected = true
	c.mtu = MinMTU
	c.mu.Unlock()
	defer func() {
		if errors.Is(err, errSuperseded) {
			c.abandon(conn)
		}
	}()
	conn.OnDisconnect(func() {
		c.markLost(conn)
		a.Lost()
	})
	if !a.Fire(transport.TriggerOSConnected) {
		return errSuperseded
	}

	mtu, err := conn.RequestMTU(ctx, c.opts.MTU)
	if err != nil || mtu < MinMTU {
		slog.Warn("[BLE] MTU negotiation failed, using minimum", "mtu", mtu, "error", err)
		mtu = MinMTU
	}
	c.mu.Lock()
	c.mtu = mtu
	c.mu.Unlock()
	slog.Info("[BLE] MTU negotiated", "mtu", mtu)
	if !a.Fire(transport.TriggerMtuResult) {
		return errSuperseded
	}

	uuids := append([]string{c.opts.WriteUUID}, c.opts.NotifyUUIDs...)
	chars, err := conn.DiscoverService(ctx, c.opts.ServiceUUID, uuids...)
	if err != nil {
		return &transport.Error{Link: transport.KindBLE, Op: "discover", Err: err}
	}
	for _, u := range uuids {
		if chars[u] == nil {
			return &transport.Error{Link: transport.KindBLE, Op: "discover",
				Err: fmt.Errorf("characteristic %s not found", u)}
		}
	}
	a.Fire(transport.TriggerServicesFound)

	c.mu.Lock()
	c.write = chars[c.opts.WriteUUID]
	c.mu.Unlock()
	c.resetRx()

	if err := c.subscribe(ctx, a, chars); err != nil {
		return err
	}
	if !a.Fire(transport.TriggerDescriptorsDone) {
		return errSuperseded
	}
	slog.Info("[BLE] connected", "mac", a.ID.Address)
	c.flushQueue()
	return nil
}

// subscribe enables every notify characteristic, one descriptor write at a
// time, and waits for all of them.
func (c *Client) subscribe(ctx context.Context, a *transport.Attempt, chars map[string]Characteristic) error {
	results := make(chan error, len(c.opts.NotifyUUIDs))
	for _, u := range c.opts.NotifyUUIDs {
		ch := chars[u]
		c.queue.Enqueue(func(done func(error)) {
			err := ch.Subscribe(func(data []byte) { c.receive(a, data) })
			if err != nil {
				err = &transport.Error{Link: transport.KindBLE, Op: "subscribe " + u, Err: err}
			}
			done(err)
			results <- err
		})
	}
	for range c.opts.NotifyUUIDs {
		select {
		case err := <-results:
			if err != nil {
				return err
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Teardown drops queued writes and reassembly state and closes the connection.
func (c *Client) Teardown() {
	if n := c.queue.Drain(); n > 0 {
		slog.Warn("[BLE] dropped pending writes", "count", n)
	}
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.write = nil
	c.connected = false
	c.mu.Unlock()
	c.resetRx()
	if conn != nil {
		if err := conn.Disconnect(); err != nil {
			slog.Debug("[BLE] disconnect", "error", err)
		}
	}
}

// Alive reports whether the OS still holds the connection.
func (c *Client) Alive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected && c.conn != nil
}

func (c *Client) enable() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.enabled {
		return nil
	}
	if err := c.adapter.Enable(); err != nil {
		return fmt.Errorf("ble: enable adapter: %w", err)
	}
	c.enabled = true
	return nil
}

// abandon closes a connection whose attempt was superseded after it opened.
func (c *Client) abandon(conn Connection) {
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
		c.write = nil
		c.connected = false
	}
	c.mu.Unlock()
	conn.Disconnect()
}

func (c *Client) markLost(conn Connection) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == conn {
		c.connected = false
	}
}

func (c *Client) sendText(text string) error {
	packets, err := protocol.EncodeFragmentedText(c.opts.TextCommand, text)
	if err != nil {
		return fmt.Errorf("ble: encode text: %w", err)
	}
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	for _, pkt := range packets {
		if err := c.writePacket(pkt); err != nil {
			return err
		}
	}
	return nil
}

// writePacket queues pkt, split into link frames when it exceeds the MTU.
// Caller holds sendMu.
func (c *Client) writePacket(pkt []byte) error {
	budget := c.MTU() - attHeaderLen
	frames := [][]byte{pkt}
	if len(pkt) > budget {
		var err error
		frames, err = protocol.EncodeBleFragments(pkt, budget)
		if err != nil {
			return fmt.Errorf("ble: fragment packet: %w", err)
		}
	}
	for _, f := range frames {
		c.queue.Enqueue(c.writeOp(f))
	}
	return nil
}

func (c *Client) writeOp(data []byte) transport.Op {
	return func(done func(error)) {
		c.mu.Lock()
		w := c.write
		c.mu.Unlock()
		if w == nil {
			done(&transport.Error{Link: transport.KindBLE, Op: "write", Err: transport.ErrNotReady})
			return
		}
		if err := w.Write(data); err != nil {
			done(&transport.Error{Link: transport.KindBLE, Op: "write", Err: err})
			return
		}
		done(nil)
	}
}

// enqueue adds text to the backlog, dropping the oldest when full.
func (c *Client) enqueue(text string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.backlog) >= c.opts.BacklogSize {
		slog.Warn("[BLE] queue full, dropping oldest message")
		c.backlog = c.backlog[1:]
	}
	c.backlog = append(c.backlog, text)
}

// flushQueue sends the backlog. Call after reaching Ready.
func (c *Client) flushQueue() {
	c.mu.Lock()
	queued := c.backlog
	c.backlog = nil
	c.mu.Unlock()
	if len(queued) > 0 {
		slog.Info("[BLE] flushing queued messages", "count", len(queued))
	}
	for _, text := range queued {
		if err := c.sendText(text); err != nil {
			slog.Error("[BLE] failed to flush queued message", "error", err)
		}
	}
}

func (c *Client) resetRx() {
	c.rxMu.Lock()
	defer c.rxMu.Unlock()
	c.frames.Reset()
	c.text.Reset()
}

// receive handles one notification in arrival order.
func (c *Client) receive(a *transport.Attempt, data []byte) {
	c.rxMu.Lock()
	defer c.rxMu.Unlock()

	frame, err := protocol.DecodeBleFrame(data)
	if err != nil {
		slog.Warn("[BLE] dropping notification", "error", err)
		return
	}
	msg, ok := c.frames.Add(frame)
	if !ok {
		return
	}
	pkt, err := protocol.DecodeOuterPacket(msg)
	if err != nil {
		slog.Warn("[BLE] dropping packet", "error", err)
		return
	}
	if pkt.Command == c.opts.TextCommand {
		if tlv, ok := pkt.Find(protocol.TLVText); ok {
			if text, done := c.text.Add(tlv.Value); done {
				a.Emit(transport.Event{Type: transport.EventTextReceived, Text: string(text)})
			}
			return
		}
	}
	a.Emit(transport.Event{Type: transport.EventCommandReceived, Command: pkt.Command, TLVs: pkt.TLVs})
}

var _ transport.Attempter = (*Client)(nil)
