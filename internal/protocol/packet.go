// Package protocol implements the accessory wire formats: the TLV command
// envelope carried over BLE, role-marked text fragmentation, BLE link-layer
// frames and the header-delimited Classic RFCOMM stream.
//
// All multi-byte integers are little-endian.
package protocol

import (
	"encoding/binary"
	"fmt"
)

// Envelope constants.
const (
	HeaderByte byte = 0x01
	OuterType  byte = 0x80

	// EnvelopeLen is header + command + outer type + u16 length.
	EnvelopeLen = 5
	// TLVHeaderLen is type + u16 length.
	TLVHeaderLen = 3
	// MaxValueLen is the largest value a u16 length field can describe.
	MaxValueLen = 0xFFFF
)

// TLV is one inner type-length-value entry of a command packet.
type TLV struct {
	Type  byte
	Value []byte
}

// Packet is a decoded BLE command packet.
type Packet struct {
	Command   byte
	OuterType byte
	TLVs      []TLV
}

// Find returns the first inner TLV with the given type.
func (p *Packet) Find(typ byte) (TLV, bool) {
	for _, t := range p.TLVs {
		if t.Type == typ {
			return t, true
		}
	}
	return TLV{}, false
}

// EncodeCommand builds the outer envelope around the given inner TLVs:
//
//	0x01 | command | 0x80 | len (u16 LE) | value
//
// value is the concatenation of the inner TLVs in the order given. Values that
// do not fit the u16 length fields are rejected; callers must pre-fragment.
func EncodeCommand(command byte, tlvs []TLV) ([]byte, error) {
	valueLen := 0
	for _, t := range tlvs {
		if len(t.Value) > MaxValueLen {
			return nil, &EncodingError{Op: "encode command", Size: len(t.Value), Limit: MaxValueLen,
				Reason: fmt.Sprintf("inner tlv 0x%02x too large", t.Type)}
		}
		valueLen += TLVHeaderLen + len(t.Value)
	}
	if valueLen > MaxValueLen {
		return nil, &EncodingError{Op: "encode command", Size: valueLen, Limit: MaxValueLen,
			Reason: "value exceeds u16 length"}
	}

	buf := make([]byte, 0, EnvelopeLen+valueLen)
	buf = append(buf, HeaderByte, command, OuterType)
	buf = binary.LittleEndian.AppendUint16(buf, uint16(valueLen))
	for _, t := range tlvs {
		buf = append(buf, t.Type)
		buf = binary.LittleEndian.AppendUint16(buf, uint16(len(t.Value)))
		buf = append(buf, t.Value...)
	}
	return buf, nil
}

// DecodeOuterPacket parses a complete (already link-reassembled) command
// packet. Bytes after the declared value length are ignored. The outer type
// byte is reported but not enforced.
func DecodeOuterPacket(data []byte) (*Packet, error) {
	if len(data) < EnvelopeLen {
		return nil, &DecodeError{Op: "decode packet", Offset: 0,
			Reason: fmt.Sprintf("need %d header bytes, have %d", EnvelopeLen, len(data))}
	}
	if data[0] != HeaderByte {
		return nil, &DecodeError{Op: "decode packet", Offset: 0,
			Reason: fmt.Sprintf("bad header 0x%02x", data[0])}
	}

	pkt := &Packet{Command: data[1], OuterType: data[2]}
	declared := int(binary.LittleEndian.Uint16(data[3:5]))
	rest := data[EnvelopeLen:]
	if declared > len(rest) {
		return nil, &DecodeError{Op: "decode packet", Offset: 3,
			Reason: fmt.Sprintf("declared length %d exceeds remaining %d bytes", declared, len(rest))}
	}

	value := rest[:declared]
	offset := EnvelopeLen
	for len(value) > 0 {
		if len(value) < TLVHeaderLen {
			return nil, &DecodeError{Op: "decode tlv", Offset: offset, Reason: "truncated tlv header"}
		}
		typ := value[0]
		n := int(binary.LittleEndian.Uint16(value[1:3]))
		value = value[TLVHeaderLen:]
		if n > len(value) {
			return nil, &DecodeError{Op: "decode tlv", Offset: offset,
				Reason: fmt.Sprintf("tlv 0x%02x length %d exceeds remaining %d bytes", typ, n, len(value))}
		}
		v := make([]byte, n)
		copy(v, value[:n])
		pkt.TLVs = append(pkt.TLVs, TLV{Type: typ, Value: v})
		value = value[n:]
		offset += TLVHeaderLen + n
	}
	return pkt, nil
}
