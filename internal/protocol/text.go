package protocol

import "bytes"

// TLVText is the inner TLV type that carries UTF-8 text.
const TLVText byte = 0x01

// TextChunkSize is the text payload budget of one command packet.
const TextChunkSize = 200

// Role markers prefixed to each chunk of a fragmented text message.
var (
	MarkerLeader   = []byte{0x5A, 0x5A}
	MarkerSegment  = []byte{0x7C, 0x7C}
	MarkerTerminal = []byte{0x6B, 0x6B}
)

// Role is the position of a chunk within a fragmented text message.
type Role int

const (
	RoleNone Role = iota // unfragmented message
	RoleLeader
	RoleSegment
	RoleTerminal
)

func (r Role) String() string {
	switch r {
	case RoleLeader:
		return "leader"
	case RoleSegment:
		return "segment"
	case RoleTerminal:
		return "terminal"
	default:
		return "none"
	}
}

// EncodeFragmentedText encodes text as one or more command packets. A text
// whose UTF-8 encoding fits in TextChunkSize bytes becomes a single packet
// without a role marker. Longer text is cut every TextChunkSize bytes into a
// leader, zero or more segments and a terminal.
//
// Chunks are cut on raw byte offsets, so a multi-byte code point may straddle
// two chunks. Only the reassembled message is guaranteed to be valid UTF-8.
func EncodeFragmentedText(command byte, text string) ([][]byte, error) {
	raw := []byte(text)
	if len(raw) <= TextChunkSize {
		pkt, err := EncodeCommand(command, []TLV{{Type: TLVText, Value: raw}})
		if err != nil {
			return nil, err
		}
		return [][]byte{pkt}, nil
	}

	n := (len(raw) + TextChunkSize - 1) / TextChunkSize
	packets := make([][]byte, 0, n)
	for i := 0; i < n; i++ {
		end := min((i+1)*TextChunkSize, len(raw))
		chunk := raw[i*TextChunkSize : end]

		var marker []byte
		switch i {
		case 0:
			marker = MarkerLeader
		case n - 1:
			marker = MarkerTerminal
		default:
			marker = MarkerSegment
		}
		value := make([]byte, 0, len(marker)+len(chunk))
		value = append(value, marker...)
		value = append(value, chunk...)

		pkt, err := EncodeCommand(command, []TLV{{Type: TLVText, Value: value}})
		if err != nil {
			return nil, err
		}
		packets = append(packets, pkt)
	}
	return packets, nil
}

// SplitRole separates the role marker from a text TLV value.
func SplitRole(value []byte) (Role, []byte) {
	if len(value) < 2 {
		return RoleNone, value
	}
	switch {
	case bytes.Equal(value[:2], MarkerLeader):
		return RoleLeader, value[2:]
	case bytes.Equal(value[:2], MarkerSegment):
		return RoleSegment, value[2:]
	case bytes.Equal(value[:2], MarkerTerminal):
		return RoleTerminal, value[2:]
	}
	return RoleNone, value
}

// TextAssembler rebuilds fragmented text messages strictly in arrival order.
// It holds at most one logical message in progress. Not safe for concurrent
// use.
type TextAssembler struct {
	buf     []byte
	pending bool
}

// Add feeds one text TLV value. It returns the complete message bytes and
// true when value is an unfragmented message or the terminal of the message in
// progress. A segment or terminal without a leader is dropped.
func (a *TextAssembler) Add(value []byte) ([]byte, bool) {
	role, chunk := SplitRole(value)
	switch role {
	case RoleNone:
		out := make([]byte, len(chunk))
		copy(out, chunk)
		return out, true
	case RoleLeader:
		// A new leader abandons any message still in progress.
		a.buf = append(a.buf[:0], chunk...)
		a.pending = true
		return nil, false
	case RoleSegment:
		if !a.pending {
			return nil, false
		}
		a.buf = append(a.buf, chunk...)
		return nil, false
	default: // RoleTerminal
		if !a.pending {
			return nil, false
		}
		out := make([]byte, 0, len(a.buf)+len(chunk))
		out = append(out, a.buf...)
		out = append(out, chunk...)
		a.Reset()
		return out, true
	}
}

// Pending reports whether a fragmented message is in progress.
func (a *TextAssembler) Pending() bool {
	return a.pending
}

// Reset discards any message in progress.
func (a *TextAssembler) Reset() {
	a.buf = a.buf[:0]
	a.pending = false
}
