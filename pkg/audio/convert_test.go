package audio

import (
	"bytes"
	"testing"
	"time"

	"github.com/openlisten/earshot/pkg/types"
)

func TestStereoToMono(t *testing.T) {
	tests := []struct {
		name  string
		input []byte
		want  []byte
	}{
		{
			name:  "averages L and R",
			input: pcm16(100, 200, -100, -200),
			want:  pcm16(150, -150),
		},
		{
			name:  "empty input",
			input: nil,
			want:  []byte{},
		},
		{
			name:  "opposite channels cancel",
			input: pcm16(1000, -1000),
			want:  pcm16(0),
		},
		{
			name:  "incomplete trailing frame dropped",
			input: pcm16(100, 200, 300),
			want:  pcm16(150),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := StereoToMono(tt.input)
			if !bytes.Equal(got, tt.want) {
				t.Errorf("StereoToMono() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestChunker_FixedFrames(t *testing.T) {
	// 100ms at 16kHz mono = 1600 samples = 3200 bytes.
	c := NewChunker(types.SpeakerOther, 16000, 100*time.Millisecond)

	chunks := c.Write(make([]byte, 3200))
	if len(chunks) != 1 {
		t.Fatalf("expected 1 chunk, got %d", len(chunks))
	}
	if len(chunks[0].Data) != 3200 {
		t.Errorf("chunk size = %d, want 3200", len(chunks[0].Data))
	}
	if chunks[0].Speaker != types.SpeakerOther {
		t.Errorf("speaker = %q, want %q", chunks[0].Speaker, types.SpeakerOther)
	}
	if chunks[0].SampleRate != 16000 || chunks[0].Channels != 1 {
		t.Errorf("format = %d/%d, want 16000/1", chunks[0].SampleRate, chunks[0].Channels)
	}
}

func TestChunker_BuffersPartialData(t *testing.T) {
	c := NewChunker(types.SpeakerSelf, 16000, 100*time.Millisecond)

	if chunks := c.Write(make([]byte, 3000)); chunks != nil {
		t.Fatalf("expected no chunks from partial write, got %d", len(chunks))
	}

	// 3000 buffered + 3600 = 6600 → two 3200-byte chunks, 200 buffered.
	chunks := c.Write(make([]byte, 3600))
	if len(chunks) != 2 {
		t.Fatalf("expected 2 chunks, got %d", len(chunks))
	}

	rest, ok := c.Flush()
	if !ok {
		t.Fatal("expected flushed partial chunk")
	}
	if len(rest.Data) != 200 {
		t.Errorf("flushed %d bytes, want 200", len(rest.Data))
	}
	if _, ok := c.Flush(); ok {
		t.Error("second Flush should report no data")
	}
}

func TestChunker_TimestampsAdvance(t *testing.T) {
	c := NewChunker(types.SpeakerSelf, 16000, 100*time.Millisecond)
	chunks := c.Write(make([]byte, 6400))
	if len(chunks) != 2 {
		t.Fatalf("expected 2 chunks, got %d", len(chunks))
	}
	if chunks[0].Timestamp != 0 {
		t.Errorf("first timestamp = %v, want 0", chunks[0].Timestamp)
	}
	if chunks[1].Timestamp != 100*time.Millisecond {
		t.Errorf("second timestamp = %v, want 100ms", chunks[1].Timestamp)
	}
}
