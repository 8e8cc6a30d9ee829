package bridge

import (
	"fmt"

	"github.com/chaz8081/wearlink/internal/protocol"
	"github.com/chaz8081/wearlink/internal/transport"
)

// Message types exchanged over the socket. Outbound event messages use the
// transport.EventType names ("text", "command", "voice", "audio",
// "connection", "bond-required", "write-failed").
const (
	TypeText    = "text"
	TypeCommand = "command"
	TypeAck     = "ack"
	TypeError   = "error"
)

// TLV is the JSON form of protocol.TLV. Value is base64 on the wire.
type TLV struct {
	Type  int    `json:"type"`
	Value []byte `json:"value"`
}

// Message is one JSON frame in either direction.
type Message struct {
	Type string `json:"type"`
	ID   string `json:"id,omitempty"`
	Link string `json:"link,omitempty"`

	Text    string `json:"text,omitempty"`
	Command int    `json:"command,omitempty"`
	TLVs    []TLV  `json:"tlvs,omitempty"`
	Data    []byte `json:"data,omitempty"`

	Ready    *bool                     `json:"ready,omitempty"`
	Terminal bool                      `json:"terminal,omitempty"`
	Device   *transport.DeviceIdentity `json:"device,omitempty"`

	Error string `json:"error,omitempty"`
}

// FromEvent converts a link event to its outbound message.
func FromEvent(e transport.Event) Message {
	m := Message{Type: e.Type.String(), Link: e.Link.String()}
	switch e.Type {
	case transport.EventTextReceived:
		m.Text = e.Text
	case transport.EventCommandReceived:
		m.Command = int(e.Command)
		for _, t := range e.TLVs {
			m.TLVs = append(m.TLVs, TLV{Type: int(t.Type), Value: t.Value})
		}
	case transport.EventVoiceBlobReceived, transport.EventAudioStreamChunk:
		m.Data = e.Data
	case transport.EventConnectionChanged:
		ready := e.Ready
		m.Ready = &ready
		m.Terminal = e.Terminal
		if e.Device.Address != "" {
			dev := e.Device
			m.Device = &dev
		}
	}
	if e.Err != nil {
		m.Error = e.Err.Error()
	}
	return m
}

// packetTLVs validates and converts the inbound TLV list.
func (m Message) packetTLVs() ([]protocol.TLV, error) {
	out := make([]protocol.TLV, 0, len(m.TLVs))
	for i, t := range m.TLVs {
		if t.Type < 0 || t.Type > 0xFF {
			return nil, fmt.Errorf("tlvs[%d]: type %d out of range", i, t.Type)
		}
		out = append(out, protocol.TLV{Type: byte(t.Type), Value: t.Value})
	}
	return out, nil
}
