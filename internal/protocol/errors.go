package protocol

import "fmt"

// EncodingError reports a payload that exceeds a wire-format limit. It is
// fatal to the call that produced it; the caller has to split the payload.
type EncodingError struct {
	Op     string
	Size   int
	Limit  int
	Reason string
}

func (e *EncodingError) Error() string {
	return fmt.Sprintf("protocol: %s: %s (size %d, limit %d)", e.Op, e.Reason, e.Size, e.Limit)
}

// DecodeError reports a malformed or truncated inbound packet. Receivers log
// it and drop the packet; the link stays up.
type DecodeError struct {
	Op     string
	Offset int
	Reason string
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("protocol: %s at offset %d: %s", e.Op, e.Offset, e.Reason)
}
