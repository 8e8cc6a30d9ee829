package classic

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/chaz8081/wearlink/internal/protocol"
	"github.com/chaz8081/wearlink/internal/transport"
)

var errSuperseded = errors.New("classic: attempt superseded")

// ClientOptions configures the Classic client.
type ClientOptions struct {
	Channel int // RFCOMM channel
	Link    transport.Options
}

// DefaultClientOptions returns sensible defaults.
func DefaultClientOptions() ClientOptions {
	return ClientOptions{
		Channel: DefaultChannel,
		Link:    transport.DefaultOptions(),
	}
}

// Client manages the RFCOMM link to the accessory. Lifecycle calls come from
// the embedded Supervisor.
type Client struct {
	*transport.Supervisor

	dialer Dialer
	bonder Bonder
	opts   ClientOptions
	queue  *transport.WriteQueue

	mu    sync.Mutex
	conn  io.ReadWriteCloser
	alive bool
}

// NewClient creates a Classic client. bonder may be nil when the platform
// handles bonding inside Dial.
func NewClient(dialer Dialer, bonder Bonder, opts ClientOptions) *Client {
	if opts.Channel <= 0 {
		opts.Channel = DefaultChannel
	}
	c := &Client{
		dialer: dialer,
		bonder: bonder,
		opts:   opts,
	}
	c.Supervisor = transport.NewSupervisor(transport.KindClassic, c, opts.Link)
	c.queue = transport.NewWriteQueue(func(err error) {
		slog.Warn("[CLASSIC] write failed", "error", err)
		c.Emit(transport.Event{Type: transport.EventWriteFailed, Err: err})
	})
	return c
}

// Scan runs Classic discovery when the bonder supports it.
func (c *Client) Scan(ctx context.Context) ([]transport.DeviceIdentity, error) {
	d, ok := c.bonder.(Discoverer)
	if !ok {
		return nil, nil
	}
	if c.BeginScan() {
		defer c.EndScan()
	}
	ids, err := d.Discover(ctx)
	if err != nil {
		return nil, fmt.Errorf("classic: discover: %w", err)
	}
	return ids, nil
}

// SendAudioRaw queues b for the socket as is.
func (c *Client) SendAudioRaw(b []byte) error {
	if len(b) == 0 {
		return nil
	}
	return c.send(append([]byte(nil), b...))
}

// SendVoice queues b as one VOICE message.
func (c *Client) SendVoice(b []byte) error {
	return c.send(protocol.EncodeClassicFrame(true, b))
}

// SendAudioStream queues b as one AUDIO_STREAM message.
func (c *Client) SendAudioStream(b []byte) error {
	return c.send(protocol.EncodeClassicFrame(false, b))
}

// Pending returns the number of writes queued on the link.
func (c *Client) Pending() int {
	return c.queue.Len()
}

// Close gracefully disconnects the Classic client.
func (c *Client) Close() error {
	c.Disconnect()
	return nil
}

func (c *Client) send(data []byte) error {
	if err := c.ReadyErr(); err != nil {
		return err
	}
	c.queue.Enqueue(func(done func(error)) {
		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()
		if conn == nil {
			done(&transport.Error{Link: transport.KindClassic, Op: "write", Err: transport.ErrNotReady})
			return
		}
		if _, err := conn.Write(data); err != nil {
			done(&transport.Error{Link: transport.KindClassic, Op: "write", Err: err})
			return
		}
		done(nil)
	})
	return nil
}

// Attempt checks the bond, pairing first when needed, then opens the socket,
// marks the link Ready and starts its reader.
func (c *Client) Attempt(ctx context.Context, a *transport.Attempt) error {
	if err := c.bond(ctx, a); err != nil {
		return err
	}

	conn, err := c.dialer.Dial(ctx, a.ID.Address, c.opts.Channel)
	if err != nil {
		return &transport.Error{Link: transport.KindClassic, Op: "dial", Err: err}
	}
	if !a.Current() {
		conn.Close()
		return errSuperseded
	}
	c.mu.Lock()
	c.conn = conn
	c.alive = true
	c.mu.Unlock()

	// The link is Ready before the reader runs, so a socket that ends at once
	// is reported as a lost link rather than an aborted handshake.
	if !a.Fire(transport.TriggerSocketOpen) {
		c.abandon(conn)
		return errSuperseded
	}
	go c.read(a, conn)

	slog.Info("[CLASSIC] connected", "address", a.ID.Address, "channel", c.opts.Channel)
	return nil
}

func (c *Client) bond(ctx context.Context, a *transport.Attempt) error {
	if c.bonder == nil {
		return nil
	}
	ok, err := c.bonder.Bonded(ctx, a.ID.Address)
	if err != nil {
		return &transport.Error{Link: transport.KindClassic, Op: "bond check", Err: err}
	}
	if ok {
		return nil
	}

	slog.Warn("[CLASSIC] device not bonded, starting pairing", "address", a.ID.Address)
	if !a.Fire(transport.TriggerNotBonded) {
		return errSuperseded
	}
	a.Emit(transport.Event{Type: transport.EventBondRequired, Device: a.ID, Err: ErrBondRequired})
	if err := c.bonder.Pair(ctx, a.ID.Address); err != nil {
		return &transport.Error{Link: transport.KindClassic, Op: "pair", Err: fmt.Errorf("%w: %v", ErrBondRequired, err)}
	}
	slog.Info("[CLASSIC] bonded", "address", a.ID.Address)
	if !a.Fire(transport.TriggerBonded) {
		return errSuperseded
	}
	return nil
}

// read is the link's only blocking reader. It exits when the socket closes.
func (c *Client) read(a *transport.Attempt, conn io.ReadWriteCloser) {
	var rerr error
	for m, err := range protocol.Messages(conn) {
		if err != nil {
			rerr = err
			break
		}
		typ := transport.EventAudioStreamChunk
		if m.Voice {
			typ = transport.EventVoiceBlobReceived
		}
		a.Emit(transport.Event{Type: typ, Data: m.Payload})
	}

	c.mu.Lock()
	current := c.conn == conn
	if current {
		c.alive = false
	}
	c.mu.Unlock()
	if current {
		slog.Warn("[CLASSIC] stream ended", "error", rerr)
	}
	a.Lost()
}

// abandon closes a socket whose attempt was superseded after it opened.
func (c *Client) abandon(conn io.ReadWriteCloser) {
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
		c.alive = false
	}
	c.mu.Unlock()
	conn.Close()
}

// Teardown drops queued writes and closes the socket, which ends the reader.
func (c *Client) Teardown() {
	if n := c.queue.Drain(); n > 0 {
		slog.Warn("[CLASSIC] dropped pending writes", "count", n)
	}
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.alive = false
	c.mu.Unlock()
	if conn != nil {
		if err := conn.Close(); err != nil {
			slog.Debug("[CLASSIC] close", "error", err)
		}
	}
}

// Alive reports whether the reader still sees an open socket.
func (c *Client) Alive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.alive && c.conn != nil
}

var _ transport.Attempter = (*Client)(nil)
