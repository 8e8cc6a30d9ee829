package audio

import (
	"fmt"
	"sync"
	"time"
)

// Source is a chunked PCM stream such as Capture.
type Source interface {
	Start(sink func([]byte)) error
	Stop()
	IsCapturing() bool
}

// Recorder collects one whole utterance from a Source for a voice message.
type Recorder struct {
	src Source

	mu  sync.Mutex
	buf []byte
}

// NewRecorder returns a recorder reading from src.
func NewRecorder(src Source) *Recorder {
	return &Recorder{src: src}
}

// Start begins a new utterance.
func (r *Recorder) Start() error {
	if r.src.IsCapturing() {
		return fmt.Errorf("audio: already recording")
	}
	r.mu.Lock()
	r.buf = r.buf[:0]
	r.mu.Unlock()
	return r.src.Start(r.append)
}

// Stop ends the utterance and returns its PCM. It returns nil when nothing
// was recording.
func (r *Recorder) Stop() []byte {
	if !r.src.IsCapturing() {
		return nil
	}
	r.src.Stop()

	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]byte, len(r.buf))
	copy(out, r.buf)
	return out
}

// IsRecording reports whether an utterance is in progress.
func (r *Recorder) IsRecording() bool {
	return r.src.IsCapturing()
}

func (r *Recorder) append(chunk []byte) {
	r.mu.Lock()
	r.buf = append(r.buf, chunk...)
	r.mu.Unlock()
}

// Duration is the play time of n bytes of S16 PCM.
func Duration(n int, sampleRate, channels uint32) time.Duration {
	if sampleRate == 0 || channels == 0 {
		return 0
	}
	frames := n / (2 * int(channels))
	return time.Duration(frames) * time.Second / time.Duration(sampleRate)
}
