package audio

import (
	"time"

	"github.com/openlisten/earshot/pkg/types"
)

// Chunk represents a single chunk of captured PCM audio flowing through the
// pipeline. Chunks are the atomic unit of audio transport — captured from the
// microphone or the system-audio subprocess, gated by the VAD, resampled when
// a provider requires it, and handed to an STT session. They are ephemeral
// and never persisted.
type Chunk struct {
	// Data is raw little-endian int16 PCM.
	Data []byte

	// SampleRate in Hz (e.g., 24000 for capture, 16000 for STT input).
	SampleRate int

	// Channels: 1 for mono (STT input), 2 for interleaved capture output.
	Channels int

	// Speaker identifies the stream this chunk was captured from.
	Speaker types.Speaker

	// Timestamp marks when this chunk was captured, relative to stream start.
	Timestamp time.Duration
}

// Samples decodes Data into int16 samples. A trailing odd byte is ignored.
func (c Chunk) Samples() []int16 {
	out := make([]int16, len(c.Data)/2)
	for i := range out {
		out[i] = int16(c.Data[i*2]) | int16(c.Data[i*2+1])<<8
	}
	return out
}

// Duration returns the play time of the chunk at its sample rate.
func (c Chunk) Duration() time.Duration {
	if c.SampleRate <= 0 || c.Channels <= 0 {
		return 0
	}
	samples := len(c.Data) / 2 / c.Channels
	return time.Duration(samples) * time.Second / time.Duration(c.SampleRate)
}
