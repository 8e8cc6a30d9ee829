package protocol

import "fmt"

// Link frame markers, distinct from the text role markers one layer up.
const (
	FrameMarker0 byte = 0xAA
	FrameMarker1 byte = 0x55

	// FrameHeaderLen is marker(2) + total + index + payloadLen.
	FrameHeaderLen = 5
	// MaxFrames is the most fragments a single-byte total can count.
	MaxFrames = 255
	// MaxFramePayload is the most payload a single-byte payloadLen can count.
	MaxFramePayload = 255
)

// Frame is one BLE link-layer fragment. When Fragmented is false the frame is
// a complete message carried without link framing and only Payload is set.
type Frame struct {
	Fragmented bool
	Total      byte
	Index      byte
	Payload    []byte
}

// EncodeBleFragments splits payload into link frames that each fit in
// mtuBudget bytes. Index is zero based.
func EncodeBleFragments(payload []byte, mtuBudget int) ([][]byte, error) {
	chunk := mtuBudget - FrameHeaderLen
	if chunk <= 0 {
		return nil, &EncodingError{Op: "encode frames", Size: mtuBudget, Limit: FrameHeaderLen + 1,
			Reason: "mtu budget leaves no room for payload"}
	}
	chunk = min(chunk, MaxFramePayload)

	total := (len(payload) + chunk - 1) / chunk
	if total == 0 {
		total = 1
	}
	if total > MaxFrames {
		return nil, &EncodingError{Op: "encode frames", Size: len(payload), Limit: MaxFrames * chunk,
			Reason: fmt.Sprintf("needs %d fragments", total)}
	}

	frames := make([][]byte, 0, total)
	for i := 0; i < total; i++ {
		end := min((i+1)*chunk, len(payload))
		part := payload[i*chunk : end]
		f := make([]byte, 0, FrameHeaderLen+len(part))
		f = append(f, FrameMarker0, FrameMarker1, byte(total), byte(i), byte(len(part)))
		f = append(f, part...)
		frames = append(frames, f)
	}
	return frames, nil
}

// DecodeBleFrame inspects a notification payload. Without the AA 55 markers
// the whole buffer is returned as an unfragmented message.
func DecodeBleFrame(data []byte) (Frame, error) {
	if len(data) < 2 || data[0] != FrameMarker0 || data[1] != FrameMarker1 {
		return Frame{Payload: data}, nil
	}
	if len(data) < FrameHeaderLen {
		return Frame{}, &DecodeError{Op: "decode frame", Offset: len(data), Reason: "truncated frame header"}
	}
	n := int(data[4])
	if n > len(data)-FrameHeaderLen {
		return Frame{}, &DecodeError{Op: "decode frame", Offset: 4,
			Reason: fmt.Sprintf("payload length %d exceeds remaining %d bytes", n, len(data)-FrameHeaderLen)}
	}
	payload := make([]byte, n)
	copy(payload, data[FrameHeaderLen:FrameHeaderLen+n])
	return Frame{Fragmented: true, Total: data[2], Index: data[3], Payload: payload}, nil
}

// FrameAssembler collects link frames of one message by index. A frame with a
// different total than the one in progress discards the stale fragments and
// starts over. Not safe for concurrent use.
type FrameAssembler struct {
	total byte
	parts map[byte][]byte
}

// Add stores f and returns the reassembled message once every index in
// [0, total) has arrived. Unfragmented frames pass straight through. Duplicate
// and out-of-range indices are ignored.
func (a *FrameAssembler) Add(f Frame) ([]byte, bool) {
	if !f.Fragmented {
		return f.Payload, true
	}
	if f.Total == 0 || f.Index >= f.Total {
		return nil, false
	}
	if a.parts == nil || a.total != f.Total {
		a.total = f.Total
		a.parts = make(map[byte][]byte, int(f.Total))
	}
	if _, dup := a.parts[f.Index]; dup {
		return nil, false
	}
	a.parts[f.Index] = f.Payload
	if len(a.parts) < int(a.total) {
		return nil, false
	}

	size := 0
	for _, p := range a.parts {
		size += len(p)
	}
	out := make([]byte, 0, size)
	for i := 0; i < int(a.total); i++ {
		out = append(out, a.parts[byte(i)]...)
	}
	a.Reset()
	return out, true
}

// Received returns how many distinct fragments are buffered.
func (a *FrameAssembler) Received() int {
	return len(a.parts)
}

// Reset drops any buffered fragments.
func (a *FrameAssembler) Reset() {
	a.total = 0
	a.parts = nil
}
