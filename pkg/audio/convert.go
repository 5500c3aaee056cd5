package audio

import (
	"time"

	"github.com/openlisten/earshot/pkg/types"
)

// StereoToMono averages L+R per interleaved stereo frame (4 bytes) to produce
// mono output. Uses int32 arithmetic to prevent overflow and clamps to int16
// range. The system-audio capture subprocess emits interleaved stereo; STT
// providers want mono.
func StereoToMono(pcm []byte) []byte {
	// Each stereo frame is 4 bytes (2 bytes L + 2 bytes R).
	frames := len(pcm) / 4
	out := make([]byte, frames*2)
	for i := range frames {
		lSample := int32(int16(pcm[i*4]) | int16(pcm[i*4+1])<<8)
		rSample := int32(int16(pcm[i*4+2]) | int16(pcm[i*4+3])<<8)
		avg := (lSample + rSample) / 2

		// Clamp to int16 range.
		if avg > 32767 {
			avg = 32767
		} else if avg < -32768 {
			avg = -32768
		}

		out[i*2] = byte(avg)
		out[i*2+1] = byte(avg >> 8)
	}
	return out
}

// Chunker accumulates mono int16LE PCM and re-emits it in fixed-duration
// chunks sized for provider hand-off. Partial trailing data is held until
// enough bytes arrive or [Chunker.Flush] is called.
//
// A Chunker is not safe for concurrent use; create one per stream.
type Chunker struct {
	speaker    types.Speaker
	sampleRate int
	chunkBytes int
	buf        []byte
	elapsed    time.Duration
}

// NewChunker creates a Chunker producing chunks of frameDuration mono audio
// at sampleRate for the given speaker.
func NewChunker(speaker types.Speaker, sampleRate int, frameDuration time.Duration) *Chunker {
	samples := int(int64(sampleRate) * int64(frameDuration) / int64(time.Second))
	if samples < 1 {
		samples = 1
	}
	return &Chunker{
		speaker:    speaker,
		sampleRate: sampleRate,
		chunkBytes: samples * 2,
	}
}

// Write appends pcm and returns any complete chunks now available.
func (c *Chunker) Write(pcm []byte) []Chunk {
	c.buf = append(c.buf, pcm...)
	var out []Chunk
	for len(c.buf) >= c.chunkBytes {
		data := make([]byte, c.chunkBytes)
		copy(data, c.buf[:c.chunkBytes])
		c.buf = c.buf[c.chunkBytes:]
		out = append(out, c.emit(data))
	}
	return out
}

// Flush returns any buffered partial chunk and resets the buffer.
func (c *Chunker) Flush() (Chunk, bool) {
	if len(c.buf) == 0 {
		return Chunk{}, false
	}
	data := make([]byte, len(c.buf))
	copy(data, c.buf)
	c.buf = c.buf[:0]
	return c.emit(data), true
}

func (c *Chunker) emit(data []byte) Chunk {
	chunk := Chunk{
		Data:       data,
		SampleRate: c.sampleRate,
		Channels:   1,
		Speaker:    c.speaker,
		Timestamp:  c.elapsed,
	}
	c.elapsed += chunk.Duration()
	return chunk
}
