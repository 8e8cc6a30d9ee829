package protocol

import (
	"bytes"
	"io"
	"iter"
	"log/slog"
	"strconv"
)

// Classic stream headers.
const (
	VoicePrefix       = "VOICE:"
	AudioStreamPrefix = "AUDIO_STREAM:"
)

const (
	// ReadBufferSize is the size of a single RFCOMM read.
	ReadBufferSize = 4096
	// MaxStreamMessage bounds a declared body length.
	MaxStreamMessage = 16 << 20
	maxHeaderLen     = len(AudioStreamPrefix) + 20
)

// StreamMessage is one message taken from the Classic byte stream. Voice is
// false for audio-stream chunks, including opaque chunks that followed a header
// without a usable length.
type StreamMessage struct {
	Voice   bool
	Payload []byte
}

// EncodeClassicFrame prefixes payload with its header line.
func EncodeClassicFrame(voice bool, payload []byte) []byte {
	prefix := AudioStreamPrefix
	if voice {
		prefix = VoicePrefix
	}
	out := make([]byte, 0, len(prefix)+12+len(payload))
	out = append(out, prefix...)
	out = strconv.AppendInt(out, int64(len(payload)), 10)
	out = append(out, '\n')
	return append(out, payload...)
}

// StreamDecoder is the stateful parser for the Classic link. Bytes may arrive
// split at arbitrary points; a message is only emitted once its whole body is
// buffered. Not safe for concurrent use.
type StreamDecoder struct {
	buf       []byte
	awaiting  bool
	need      int
	voice     bool
	resyncing bool
}

// Feed appends one read's worth of bytes and returns every message completed
// by it, in stream order.
func (d *StreamDecoder) Feed(p []byte) []StreamMessage {
	d.buf = append(d.buf, p...)

	var out []StreamMessage
	for {
		if d.awaiting {
			if len(d.buf) < d.need {
				break
			}
			payload := make([]byte, d.need)
			copy(payload, d.buf[:d.need])
			d.buf = d.buf[d.need:]
			d.awaiting = false
			out = append(out, StreamMessage{Voice: d.voice, Payload: payload})
			continue
		}
		if len(d.buf) == 0 {
			break
		}

		nl := bytes.IndexByte(d.buf, '\n')
		if nl < 0 {
			if len(d.buf) > maxHeaderLen || !headerPrefix(d.buf) {
				d.skipTail()
				continue
			}
			break
		}

		voice, rawLen, ok := parseHeader(d.buf[:nl])
		if !ok {
			d.skipLine(nl)
			continue
		}
		n, err := strconv.Atoi(string(rawLen))
		if err != nil || n < 0 {
			// Header without a usable length: the rest of this read is one
			// opaque audio chunk.
			rest := d.buf[nl+1:]
			if len(rest) > 0 {
				chunk := make([]byte, len(rest))
				copy(chunk, rest)
				out = append(out, StreamMessage{Payload: chunk})
			}
			d.buf = d.buf[:0]
			d.resyncing = false
			continue
		}
		if n > MaxStreamMessage {
			d.skipLine(nl)
			continue
		}

		d.buf = d.buf[nl+1:]
		d.need = n
		d.voice = voice
		d.awaiting = true
		d.resyncing = false
	}

	if len(d.buf) == 0 {
		d.buf = d.buf[:0:0]
	}
	return out
}

// Buffered returns the number of bytes held for an incomplete message.
func (d *StreamDecoder) Buffered() int {
	return len(d.buf)
}

// Reset drops all buffered state, as after a reconnect.
func (d *StreamDecoder) Reset() {
	*d = StreamDecoder{}
}

// A header can only start at a 'V' or an 'A' and runs to the first newline
// after it. The skip helpers drop garbage up to the next such start in one
// pass over the bad bytes.

// skipLine drops the bad header line ending at nl, keeping any header that
// starts inside it.
func (d *StreamDecoder) skipLine(nl int) {
	d.warnResync()
	for i := 1; i < nl; i++ {
		if headerStart(d.buf[i:nl]) {
			d.buf = d.buf[i:]
			return
		}
	}
	d.buf = d.buf[nl+1:]
}

// skipTail drops an unterminated run of bytes that cannot begin a header.
// Only the last maxHeaderLen bytes can still grow into one.
func (d *StreamDecoder) skipTail() {
	d.warnResync()
	for i := max(1, len(d.buf)-maxHeaderLen); i < len(d.buf); i++ {
		if c := d.buf[i]; (c == 'V' || c == 'A') && headerPrefix(d.buf[i:]) {
			d.buf = d.buf[i:]
			return
		}
	}
	d.buf = d.buf[:0]
}

func (d *StreamDecoder) warnResync() {
	if d.resyncing {
		return
	}
	end := min(len(d.buf), maxHeaderLen)
	slog.Warn("[PROTO] unknown classic header, resyncing", "head", strconv.Quote(string(d.buf[:end])))
	d.resyncing = true
}

func parseHeader(line []byte) (voice bool, length []byte, ok bool) {
	line = bytes.TrimSuffix(line, []byte{'\r'})
	switch {
	case bytes.HasPrefix(line, []byte(VoicePrefix)):
		return true, line[len(VoicePrefix):], true
	case bytes.HasPrefix(line, []byte(AudioStreamPrefix)):
		return false, line[len(AudioStreamPrefix):], true
	}
	return false, nil, false
}

func headerStart(line []byte) bool {
	return bytes.HasPrefix(line, []byte(VoicePrefix)) || bytes.HasPrefix(line, []byte(AudioStreamPrefix))
}

// headerPrefix reports whether buf could still grow into a known header.
func headerPrefix(buf []byte) bool {
	for _, p := range []string{VoicePrefix, AudioStreamPrefix} {
		if bytes.HasPrefix(buf, []byte(p)) || bytes.HasPrefix([]byte(p), buf) {
			return true
		}
	}
	return false
}

// Messages reads r until EOF and yields each decoded message. A read error
// other than io.EOF is yielded once and ends the sequence.
func Messages(r io.Reader) iter.Seq2[StreamMessage, error] {
	return func(yield func(StreamMessage, error) bool) {
		var dec StreamDecoder
		buf := make([]byte, ReadBufferSize)
		for {
			n, err := r.Read(buf)
			if n > 0 {
				for _, m := range dec.Feed(buf[:n]) {
					if !yield(m, nil) {
						return
					}
				}
			}
			if err != nil {
				if err != io.EOF {
					yield(StreamMessage{}, err)
				}
				return
			}
		}
	}
}
