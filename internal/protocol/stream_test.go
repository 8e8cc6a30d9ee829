package protocol

import (
	"bytes"
	"errors"
	"io"
	"testing"
	"testing/iotest"
)

func TestStreamDecoderVoiceSplitAcrossReads(t *testing.T) {
	var d StreamDecoder
	first := append([]byte("VOICE:4\n"), 0x01, 0x02)
	if msgs := d.Feed(first); len(msgs) != 0 {
		t.Fatalf("first read produced %d messages, want 0", len(msgs))
	}
	msgs := d.Feed([]byte{0x03, 0x04})
	if len(msgs) != 1 {
		t.Fatalf("second read produced %d messages, want 1", len(msgs))
	}
	if !msgs[0].Voice {
		t.Error("message should be a voice blob")
	}
	if !bytes.Equal(msgs[0].Payload, []byte{1, 2, 3, 4}) {
		t.Errorf("Payload = %x, want 01020304", msgs[0].Payload)
	}
	if d.Buffered() != 0 {
		t.Errorf("Buffered() = %d, want 0", d.Buffered())
	}
}

func TestStreamDecoderHeaderSplitAcrossReads(t *testing.T) {
	var d StreamDecoder
	d.Feed([]byte("AUDIO_ST"))
	d.Feed([]byte("REAM:3"))
	msgs := d.Feed([]byte("\nabcVOICE:0\n"))
	if len(msgs) != 2 {
		t.Fatalf("got %d messages, want 2", len(msgs))
	}
	if msgs[0].Voice || string(msgs[0].Payload) != "abc" {
		t.Errorf("msgs[0] = %+v, want audio chunk \"abc\"", msgs[0])
	}
	if !msgs[1].Voice || len(msgs[1].Payload) != 0 {
		t.Errorf("msgs[1] = %+v, want empty voice blob", msgs[1])
	}
}

func TestStreamDecoderBackToBackMessages(t *testing.T) {
	var d StreamDecoder
	stream := append(EncodeClassicFrame(true, []byte("hello")), EncodeClassicFrame(false, []byte{9, 9})...)
	msgs := d.Feed(stream)
	if len(msgs) != 2 {
		t.Fatalf("got %d messages, want 2", len(msgs))
	}
	if string(msgs[0].Payload) != "hello" || !msgs[0].Voice {
		t.Errorf("msgs[0] = %+v", msgs[0])
	}
	if !bytes.Equal(msgs[1].Payload, []byte{9, 9}) || msgs[1].Voice {
		t.Errorf("msgs[1] = %+v", msgs[1])
	}
}

func TestStreamDecoderResyncsAfterGarbage(t *testing.T) {
	var d StreamDecoder
	msgs := d.Feed([]byte("junk\nzzVOICE:2\nok"))
	if len(msgs) != 1 {
		t.Fatalf("got %d messages, want 1", len(msgs))
	}
	if string(msgs[0].Payload) != "ok" {
		t.Errorf("Payload = %q, want %q", msgs[0].Payload, "ok")
	}
}

func TestStreamDecoderLongGarbageLine(t *testing.T) {
	var d StreamDecoder
	garbage := bytes.Repeat([]byte("VxAy"), 1024)
	if msgs := d.Feed(garbage); len(msgs) != 0 {
		t.Fatalf("garbage produced %d messages", len(msgs))
	}
	if d.Buffered() > maxHeaderLen {
		t.Errorf("Buffered() = %d after unterminated garbage, want at most %d", d.Buffered(), maxHeaderLen)
	}

	msgs := d.Feed(append([]byte("\n"), EncodeClassicFrame(true, []byte{7, 8})...))
	if len(msgs) != 1 || !msgs[0].Voice || !bytes.Equal(msgs[0].Payload, []byte{7, 8}) {
		t.Fatalf("msgs = %+v, want voice blob 0708", msgs)
	}
	if d.Buffered() != 0 {
		t.Errorf("Buffered() = %d, want 0", d.Buffered())
	}
}

func TestStreamDecoderGarbageLineInOneRead(t *testing.T) {
	var d StreamDecoder
	in := append(bytes.Repeat([]byte{'A'}, 4096), '\n')
	in = append(in, "xxAUDIO_STREAM:2\nhi"...)
	msgs := d.Feed(in)
	if len(msgs) != 1 || msgs[0].Voice || string(msgs[0].Payload) != "hi" {
		t.Fatalf("msgs = %+v, want audio chunk \"hi\"", msgs)
	}
	if d.Buffered() != 0 {
		t.Errorf("Buffered() = %d, want 0", d.Buffered())
	}
}

func TestStreamDecoderUnparsedLengthIsOpaqueChunk(t *testing.T) {
	var d StreamDecoder
	msgs := d.Feed([]byte("AUDIO_STREAM:abc\n\x10\x20\x30"))
	if len(msgs) != 1 {
		t.Fatalf("got %d messages, want 1", len(msgs))
	}
	if msgs[0].Voice || !bytes.Equal(msgs[0].Payload, []byte{0x10, 0x20, 0x30}) {
		t.Errorf("msg = %+v, want opaque audio chunk 102030", msgs[0])
	}
	if d.Buffered() != 0 {
		t.Errorf("Buffered() = %d, want 0", d.Buffered())
	}
}

func TestStreamDecoderRejectsOversizedLength(t *testing.T) {
	var d StreamDecoder
	msgs := d.Feed([]byte("VOICE:999999999999\nVOICE:1\nx"))
	if len(msgs) != 1 || string(msgs[0].Payload) != "x" {
		t.Errorf("msgs = %+v, want single voice blob \"x\"", msgs)
	}
}

func TestStreamDecoderCRLFHeader(t *testing.T) {
	var d StreamDecoder
	msgs := d.Feed([]byte("VOICE:1\r\nq"))
	if len(msgs) != 1 || string(msgs[0].Payload) != "q" {
		t.Errorf("msgs = %+v, want voice blob \"q\"", msgs)
	}
}

func TestMessagesOneByteReader(t *testing.T) {
	stream := append(EncodeClassicFrame(true, []byte{1, 2, 3, 4}), EncodeClassicFrame(false, []byte("pcm"))...)
	r := iotest.OneByteReader(bytes.NewReader(stream))

	var got []StreamMessage
	for m, err := range Messages(r) {
		if err != nil {
			t.Fatalf("Messages() error = %v", err)
		}
		got = append(got, m)
	}
	if len(got) != 2 {
		t.Fatalf("got %d messages, want 2", len(got))
	}
	if !got[0].Voice || !bytes.Equal(got[0].Payload, []byte{1, 2, 3, 4}) {
		t.Errorf("got[0] = %+v", got[0])
	}
	if got[1].Voice || string(got[1].Payload) != "pcm" {
		t.Errorf("got[1] = %+v", got[1])
	}
}

func TestMessagesReportsReadError(t *testing.T) {
	boom := errors.New("boom")
	r := io.MultiReader(bytes.NewReader([]byte("VOICE:1\na")), iotest.ErrReader(boom))

	var msgs int
	var gotErr error
	for m, err := range Messages(r) {
		if err != nil {
			gotErr = err
			continue
		}
		if string(m.Payload) == "a" {
			msgs++
		}
	}
	if msgs != 1 {
		t.Errorf("got %d messages, want 1", msgs)
	}
	if !errors.Is(gotErr, boom) {
		t.Errorf("error = %v, want %v", gotErr, boom)
	}
}
