package ble

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/chaz8081/wearlink/internal/protocol"
	"github.com/chaz8081/wearlink/internal/transport"
)

const testNotify2UUID = "6e400004-b5a3-f393-e0a9-e50e24dcca9e"

var testDevice = transport.DeviceIdentity{Address: "AA:BB:CC:DD:EE:FF", Name: "Wearable"}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

type recorder struct {
	mu     sync.Mutex
	events []transport.Event
}

func (r *recorder) sink(e transport.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) ofType(typ transport.EventType) []transport.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []transport.Event
	for _, e := range r.events {
		if e.Type == typ {
			out = append(out, e)
		}
	}
	return out
}

func testOpts() ClientOptions {
	opts := DefaultClientOptions()
	opts.Link.RetryInterval = time.Millisecond
	return opts
}

func newTestClient(t *testing.T, adapter Adapter, opts ClientOptions) (*Client, *recorder) {
	t.Helper()
	c := NewClient(adapter, opts)
	rec := &recorder{}
	c.SetSink(rec.sink)
	t.Cleanup(func() { c.Close() })
	return c, rec
}

func connectReady(t *testing.T, c *Client) {
	t.Helper()
	if err := c.Connect(testDevice); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	waitFor(t, "ready", c.IsReady)
}

func TestClientConnectHandshake(t *testing.T) {
	adapter := newMockAdapter(nil)
	opts := testOpts()
	opts.NotifyUUIDs = []string{NotifyCharUUID, testNotify2UUID}
	c, rec := newTestClient(t, adapter, opts)
	connectReady(t, c)

	conn := adapter.latestConnection()
	if n := conn.discoverCalls.Load(); n != 1 {
		t.Errorf("DiscoverService called %d times, want 1", n)
	}
	if n := conn.subscribed.Load(); n != 2 {
		t.Errorf("subscribed %d characteristics, want 2", n)
	}
	if n := conn.subOverlap.Load(); n != 0 {
		t.Errorf("%d descriptor writes overlapped", n)
	}
	if c.MTU() != DefaultMTU {
		t.Errorf("MTU() = %d, want %d", c.MTU(), DefaultMTU)
	}
	waitFor(t, "ready event", func() bool { return len(rec.ofType(transport.EventConnectionChanged)) == 1 })
	if ev := rec.ofType(transport.EventConnectionChanged)[0]; !ev.Ready || ev.Link != transport.KindBLE {
		t.Errorf("event = %+v, want ble ready", ev)
	}
}

func TestClientMissingCharacteristicFails(t *testing.T) {
	adapter := newMockAdapter(nil)
	opts := testOpts()
	opts.NotifyUUIDs = []string{"6e4000ff-b5a3-f393-e0a9-e50e24dcca9e"}
	opts.Link.MaxRetry = 1
	c, _ := newTestClient(t, adapter, opts)
	c.Connect(testDevice)
	waitFor(t, "given up", func() bool { return c.State() == transport.StateGivenUp })
}

func TestClientSendWritesPacket(t *testing.T) {
	adapter := newMockAdapter(nil)
	c, _ := newTestClient(t, adapter, testOpts())
	connectReady(t, c)

	if err := c.Send("hello"); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	w := adapter.latestConnection().writeChar()
	waitFor(t, "write", func() bool { return len(w.Writes()) == 1 })

	want, _ := protocol.EncodeFragmentedText(defaultTextCmd, "hello")
	if got := w.Writes()[0]; !bytes.Equal(got, want[0]) {
		t.Errorf("write = %x, want %x", got, want[0])
	}
}

func TestClientSendEmptyString(t *testing.T) {
	adapter := newMockAdapter(nil)
	c, _ := newTestClient(t, adapter, testOpts())
	connectReady(t, c)

	if err := c.Send(""); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	time.Sleep(10 * time.Millisecond)
	if n := len(adapter.latestConnection().writeChar().Writes()); n != 0 {
		t.Errorf("Send(\"\") produced %d writes, want 0", n)
	}
}

func TestClientSendFramesToMTU(t *testing.T) {
	adapter := newMockAdapter(nil)
	adapter.mtu = MinMTU
	c, _ := newTestClient(t, adapter, testOpts())
	connectReady(t, c)

	text := strings.Repeat("word ", 90) // 450 bytes, three text packets
	packets, _ := protocol.EncodeFragmentedText(defaultTextCmd, text)
	budget := MinMTU - attHeaderLen
	chunk := budget - protocol.FrameHeaderLen
	wantWrites := 0
	for _, p := range packets {
		wantWrites += (len(p) + chunk - 1) / chunk
	}

	if err := c.Send(text); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	w := adapter.latestConnection().writeChar()
	waitFor(t, "all frames", func() bool { return len(w.Writes()) == wantWrites })

	var frames protocol.FrameAssembler
	var texts protocol.TextAssembler
	var got string
	for _, raw := range w.Writes() {
		if len(raw) > budget {
			t.Fatalf("write of %d bytes exceeds MTU budget %d", len(raw), budget)
		}
		f, err := protocol.DecodeBleFrame(raw)
		if err != nil {
			t.Fatalf("DecodeBleFrame() error = %v", err)
		}
		msg, ok := frames.Add(f)
		if !ok {
			continue
		}
		pkt, err := protocol.DecodeOuterPacket(msg)
		if err != nil {
			t.Fatalf("DecodeOuterPacket() error = %v", err)
		}
		tlv, _ := pkt.Find(protocol.TLVText)
		if s, done := texts.Add(tlv.Value); done {
			got = string(s)
		}
	}
	if got != text {
		t.Errorf("reassembled %d bytes, want the original %d", len(got), len(text))
	}
}

func TestClientQueuesDuringDisconnect(t *testing.T) {
	adapter := newMockAdapter(nil)
	c, _ := newTestClient(t, adapter, testOpts())

	if err := c.Send("queued message"); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if c.QueueLen() != 1 {
		t.Errorf("QueueLen() = %d, want 1", c.QueueLen())
	}
}

func TestClientQueueOverflow(t *testing.T) {
	adapter := newMockAdapter(nil)
	opts := testOpts()
	opts.BacklogSize = 2
	c, _ := newTestClient(t, adapter, opts)

	c.Send("a")
	c.Send("b")
	c.Send("c")
	if c.QueueLen() != 2 {
		t.Fatalf("QueueLen() = %d, want 2", c.QueueLen())
	}
	c.mu.Lock()
	first := c.backlog[0]
	c.mu.Unlock()
	if first != "b" {
		t.Errorf("oldest queued = %q, want %q (oldest dropped)", first, "b")
	}
}

func TestClientFlushQueueOnReady(t *testing.T) {
	adapter := newMockAdapter(nil)
	c, _ := newTestClient(t, adapter, testOpts())
	c.Send("early")

	connectReady(t, c)
	w := adapter.latestConnection().writeChar()
	waitFor(t, "flushed write", func() bool { return len(w.Writes()) == 1 })

	want, _ := protocol.EncodeFragmentedText(defaultTextCmd, "early")
	if !bytes.Equal(w.Writes()[0], want[0]) {
		t.Errorf("flushed write = %x, want %x", w.Writes()[0], want[0])
	}
	if c.QueueLen() != 0 {
		t.Errorf("QueueLen() = %d after flush, want 0", c.QueueLen())
	}
}

func TestClientDisconnectClearsBacklog(t *testing.T) {
	adapter := newMockAdapter(nil)
	c, _ := newTestClient(t, adapter, testOpts())
	c.Send("dropped")
	c.Disconnect()
	if c.QueueLen() != 0 {
		t.Errorf("QueueLen() = %d after Disconnect, want 0", c.QueueLen())
	}
	if c.State() != transport.StateIdle {
		t.Errorf("state = %s, want idle", c.State())
	}
}

func TestClientSendCommandNotReady(t *testing.T) {
	c, _ := newTestClient(t, newMockAdapter(nil), testOpts())
	err := c.SendCommand(0x30, protocol.TLV{Type: 1, Value: []byte{1}})
	if !errors.Is(err, transport.ErrNotReady) {
		t.Errorf("SendCommand() error = %v, want ErrNotReady", err)
	}
}

func TestClientSendCommand(t *testing.T) {
	adapter := newMockAdapter(nil)
	c, _ := newTestClient(t, adapter, testOpts())
	connectReady(t, c)

	tlv := protocol.TLV{Type: 0x02, Value: []byte{0x01}}
	if err := c.SendCommand(0x30, tlv); err != nil {
		t.Fatalf("SendCommand() error = %v", err)
	}
	w := adapter.latestConnection().writeChar()
	waitFor(t, "write", func() bool { return len(w.Writes()) == 1 })
	want, _ := protocol.EncodeCommand(0x30, []protocol.TLV{tlv})
	if !bytes.Equal(w.Writes()[0], want) {
		t.Errorf("write = %x, want %x", w.Writes()[0], want)
	}
}

func TestClientWriteFailureEmitsEvent(t *testing.T) {
	adapter := newMockAdapter(nil)
	c, rec := newTestClient(t, adapter, testOpts())
	connectReady(t, c)

	w := adapter.latestConnection().writeChar()
	w.mu.Lock()
	w.writeErr = errors.New("gatt busy")
	w.mu.Unlock()

	c.SendCommand(0x30)
	c.SendCommand(0x31)
	waitFor(t, "write failures", func() bool { return len(rec.ofType(transport.EventWriteFailed)) == 2 })
	if c.Pending() != 0 {
		t.Errorf("Pending() = %d, want 0 after failed writes", c.Pending())
	}
}

func TestClientReceiveText(t *testing.T) {
	adapter := newMockAdapter(nil)
	c, rec := newTestClient(t, adapter, testOpts())
	connectReady(t, c)

	text := strings.Repeat("héllo ", 70)
	packets, _ := protocol.EncodeFragmentedText(defaultTextCmd, text)
	notify := adapter.latestConnection().notifyChar()
	for _, p := range packets {
		frames, err := protocol.EncodeBleFragments(p, 20)
		if err != nil {
			t.Fatalf("EncodeBleFragments() error = %v", err)
		}
		// Frames of one packet may arrive in any order.
		for i := len(frames) - 1; i >= 0; i-- {
			notify.SimulateNotification(frames[i])
		}
	}

	waitFor(t, "text event", func() bool { return len(rec.ofType(transport.EventTextReceived)) == 1 })
	if got := rec.ofType(transport.EventTextReceived)[0].Text; got != text {
		t.Errorf("Text has %d bytes, want %d", len(got), len(text))
	}
}

func TestClientReceiveCommand(t *testing.T) {
	adapter := newMockAdapter(nil)
	c, rec := newTestClient(t, adapter, testOpts())
	connectReady(t, c)

	pkt, _ := protocol.EncodeCommand(0x41, []protocol.TLV{{Type: 0x02, Value: []byte("ok")}})
	adapter.latestConnection().notifyChar().SimulateNotification(pkt)

	waitFor(t, "command event", func() bool { return len(rec.ofType(transport.EventCommandReceived)) == 1 })
	ev := rec.ofType(transport.EventCommandReceived)[0]
	if ev.Command != 0x41 || len(ev.TLVs) != 1 || string(ev.TLVs[0].Value) != "ok" {
		t.Errorf("event = %+v", ev)
	}
}

func TestClientReceiveDropsMalformed(t *testing.T) {
	adapter := newMockAdapter(nil)
	c, rec := newTestClient(t, adapter, testOpts())
	connectReady(t, c)

	notify := adapter.latestConnection().notifyChar()
	notify.SimulateNotification([]byte{0x02, 0x00, 0x80, 0x00, 0x00})       // bad header
	notify.SimulateNotification([]byte{0xAA, 0x55, 0x02})                   // truncated frame
	notify.SimulateNotification([]byte{0x01, 0x20, 0x80, 0x09, 0x00, 0x01}) // short body
	good, _ := protocol.EncodeFragmentedText(defaultTextCmd, "fine")
	notify.SimulateNotification(good[0])

	waitFor(t, "text event", func() bool { return len(rec.ofType(transport.EventTextReceived)) == 1 })
	if n := len(rec.ofType(transport.EventCommandReceived)); n != 0 {
		t.Errorf("malformed input produced %d command events", n)
	}
}

func TestClientScan(t *testing.T) {
	adapter := newMockAdapter([]Device{{Name: "Wearable", MAC: "AA:BB:CC:DD:EE:FF", RSSI: -45}})
	c, _ := newTestClient(t, adapter, testOpts())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	ids, err := c.Scan(ctx)
	if err != nil {
		t.Fatalf("Scan() error = %v", err)
	}
	if len(ids) != 1 || ids[0] != testDevice {
		t.Errorf("Scan() = %+v, want [%v]", ids, testDevice)
	}
	if c.State() != transport.StateIdle {
		t.Errorf("state after scan = %s, want idle", c.State())
	}
}
