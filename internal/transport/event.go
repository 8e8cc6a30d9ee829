package transport

import (
	"fmt"

	"github.com/chaz8081/wearlink/internal/protocol"
)

// DeviceIdentity names the accessory. Address is a MAC on Linux and a
// CoreBluetooth UUID on macOS.
type DeviceIdentity struct {
	Address string `json:"address" yaml:"address"`
	Name    string `json:"name,omitempty" yaml:"name,omitempty"`
}

func (d DeviceIdentity) String() string {
	if d.Name == "" {
		return d.Address
	}
	return fmt.Sprintf("%s (%s)", d.Name, d.Address)
}

// EventType enumerates what links report upward.
type EventType int

const (
	EventTextReceived EventType = iota
	EventCommandReceived
	EventVoiceBlobReceived
	EventAudioStreamChunk
	EventConnectionChanged
	EventBondRequired
	EventWriteFailed
)

var eventNames = [...]string{
	EventTextReceived:      "text",
	EventCommandReceived:   "command",
	EventVoiceBlobReceived: "voice",
	EventAudioStreamChunk:  "audio",
	EventConnectionChanged: "connection",
	EventBondRequired:      "bond-required",
	EventWriteFailed:       "write-failed",
}

func (t EventType) String() string {
	if t >= 0 && int(t) < len(eventNames) {
		return eventNames[t]
	}
	return fmt.Sprintf("event(%d)", int(t))
}

// Event is one notification from a link. Only the fields relevant to Type are
// set.
type Event struct {
	Type EventType
	Link Kind

	Text    string         // TextReceived
	Command byte           // CommandReceived
	TLVs    []protocol.TLV // CommandReceived
	Data    []byte         // VoiceBlobReceived, AudioStreamChunk

	Ready    bool // ConnectionChanged
	Terminal bool // ConnectionChanged after giving up
	Device   DeviceIdentity

	Err error // WriteFailed
}

// Sink receives link events in order. It must not call back into the link
// that emitted the event.
type Sink func(Event)
