package audio

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// SaveVoiceBlob writes blob, raw S16LE PCM as the accessory sends it, to a
// timestamped WAV file in dir and returns its path. A trailing odd byte is
// dropped.
func SaveVoiceBlob(dir string, blob []byte, sampleRate, channels int) (string, error) {
	if len(blob) < 2 {
		return "", fmt.Errorf("audio: voice blob too short (%d bytes)", len(blob))
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("audio: creating voice dir: %w", err)
	}

	name := "voice-" + time.Now().UTC().Format("20060102-150405.000000000") + ".wav"
	path := filepath.Join(dir, name)
	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("audio: creating %s: %w", path, err)
	}

	if err := writeWAV(f, blob, sampleRate, channels); err != nil {
		f.Close()
		os.Remove(path)
		return "", err
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("audio: closing %s: %w", path, err)
	}
	return path, nil
}

func writeWAV(f *os.File, pcm []byte, sampleRate, channels int) error {
	buf := &audio.IntBuffer{
		Format:         &audio.Format{NumChannels: channels, SampleRate: sampleRate},
		Data:           S16ToInts(pcm),
		SourceBitDepth: 16,
	}
	enc := wav.NewEncoder(f, sampleRate, 16, channels, 1)
	if err := enc.Write(buf); err != nil {
		return fmt.Errorf("audio: encoding wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("audio: finishing wav: %w", err)
	}
	return nil
}

// S16ToInts converts little-endian signed 16-bit samples to ints.
func S16ToInts(pcm []byte) []int {
	out := make([]int, len(pcm)/2)
	for i := range out {
		out[i] = int(int16(binary.LittleEndian.Uint16(pcm[2*i:])))
	}
	return out
}
