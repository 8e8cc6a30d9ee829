// Package audio captures microphone PCM for the Classic audio stream and
// writes received voice blobs to WAV files.
package audio

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gen2brain/malgo"
)

// Capture streams 16-bit little-endian PCM from the default microphone in
// fixed-size chunks.
type Capture struct {
	ctx        *malgo.AllocatedContext
	sampleRate uint32
	channels   uint32
	chunkBytes int

	mu        sync.Mutex
	device    *malgo.Device
	sink      func([]byte)
	pending   []byte
	capturing bool
}

// NewCapture creates a capture context. Each chunk handed to the sink holds
// chunk worth of audio. Call Close() when done.
func NewCapture(sampleRate, channels uint32, chunk time.Duration) (*Capture, error) {
	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return nil, fmt.Errorf("audio: initializing context: %w", err)
	}
	return &Capture{
		ctx:        ctx,
		sampleRate: sampleRate,
		channels:   channels,
		chunkBytes: ChunkBytes(sampleRate, channels, chunk),
	}, nil
}

// ChunkBytes is the size of chunk worth of S16 audio, rounded down to whole
// frames and never smaller than one frame.
func ChunkBytes(sampleRate, channels uint32, chunk time.Duration) int {
	frame := 2 * int(channels)
	frames := int(time.Duration(sampleRate) * chunk / time.Second)
	if frames < 1 {
		frames = 1
	}
	return frames * frame
}

// Start begins capturing. sink is called from the audio thread with a fresh
// slice for every full chunk; it must not block for long.
func (c *Capture) Start(sink func([]byte)) error {
	c.mu.Lock()
	if c.capturing {
		c.mu.Unlock()
		return fmt.Errorf("audio: already capturing")
	}
	c.sink = sink
	c.pending = c.pending[:0]
	c.capturing = true
	c.mu.Unlock()

	deviceCfg := malgo.DefaultDeviceConfig(malgo.Capture)
	deviceCfg.Capture.Format = malgo.FormatS16
	deviceCfg.Capture.Channels = c.channels
	deviceCfg.SampleRate = c.sampleRate

	device, err := malgo.InitDevice(c.ctx.Context, deviceCfg, malgo.DeviceCallbacks{Data: c.onData})
	if err != nil {
		c.reset()
		return fmt.Errorf("audio: initializing capture device: %w", err)
	}
	if err := device.Start(); err != nil {
		device.Uninit()
		c.reset()
		return fmt.Errorf("audio: starting capture device: %w", err)
	}

	c.mu.Lock()
	c.device = device
	c.mu.Unlock()
	slog.Info("[AUDIO] capture started", "rate", c.sampleRate, "channels", c.channels, "chunk_bytes", c.chunkBytes)
	return nil
}

// Stop ends the capture and hands any partial chunk to the sink.
func (c *Capture) Stop() {
	c.mu.Lock()
	if !c.capturing {
		c.mu.Unlock()
		return
	}
	device := c.device
	c.device = nil
	c.mu.Unlock()

	// Uninit waits for the audio thread, so onData cannot run after this.
	if device != nil {
		device.Uninit()
	}

	c.mu.Lock()
	sink, rest := c.sink, c.pending
	c.pending = nil
	c.sink = nil
	c.capturing = false
	c.mu.Unlock()

	if sink != nil && len(rest) > 0 {
		sink(rest)
	}
	slog.Info("[AUDIO] capture stopped")
}

// IsCapturing reports whether the microphone is running.
func (c *Capture) IsCapturing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.capturing
}

// Close stops any capture and releases the audio context.
func (c *Capture) Close() error {
	c.Stop()
	if c.ctx != nil {
		if err := c.ctx.Uninit(); err != nil {
			return fmt.Errorf("audio: uninitializing context: %w", err)
		}
		c.ctx.Free()
		c.ctx = nil
	}
	return nil
}

func (c *Capture) reset() {
	c.mu.Lock()
	c.capturing = false
	c.sink = nil
	c.mu.Unlock()
}

// onData is the malgo callback. pSample holds frameCount S16 frames.
func (c *Capture) onData(_, pSample []byte, frameCount uint32) {
	n := int(frameCount) * 2 * int(c.channels)
	if n > len(pSample) {
		n = len(pSample)
	}

	c.mu.Lock()
	if !c.capturing || c.sink == nil {
		c.mu.Unlock()
		return
	}
	sink := c.sink
	c.pending = append(c.pending, pSample[:n]...)
	var chunks [][]byte
	for len(c.pending) >= c.chunkBytes {
		chunk := make([]byte, c.chunkBytes)
		copy(chunk, c.pending)
		chunks = append(chunks, chunk)
		c.pending = c.pending[c.chunkBytes:]
	}
	if len(chunks) > 0 {
		c.pending = append([]byte(nil), c.pending...)
	}
	c.mu.Unlock()

	for _, chunk := range chunks {
		sink(chunk)
	}
}
