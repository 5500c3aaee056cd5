package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/openlisten/earshot/pkg/audio"
	"github.com/openlisten/earshot/pkg/types"
)

func TestSystemCaptureValidation(t *testing.T) {
	if _, err := NewSystemCapture("", nil, 16000, func(audio.Chunk) {}); err == nil {
		t.Error("empty command accepted")
	}
	if _, err := NewSystemCapture("cat", nil, 0, func(audio.Chunk) {}); err == nil {
		t.Error("zero sample rate accepted")
	}
	if _, err := NewSystemCapture("cat", nil, 16000, nil); err == nil {
		t.Error("nil callback accepted")
	}
}

func TestSystemCaptureRestartRearmsShutdown(t *testing.T) {
	c, err := NewSystemCapture("sleep", []string{"30"}, 16000, func(audio.Chunk) {})
	if err != nil {
		t.Fatalf("NewSystemCapture() error = %v", err)
	}

	for cycle := 1; cycle <= 2; cycle++ {
		if err := c.Start(context.Background()); err != nil {
			t.Fatalf("cycle %d: Start() error = %v", cycle, err)
		}
		c.mu.Lock()
		done := c.done
		c.mu.Unlock()

		if err := c.Stop(); err != nil {
			t.Fatalf("cycle %d: Stop() error = %v", cycle, err)
		}
		select {
		case <-done:
		default:
			t.Fatalf("cycle %d: Stop() left the shutdown signal unarmed", cycle)
		}
	}
}

func TestSystemCaptureChunksStereoStream(t *testing.T) {
	var (
		mu     sync.Mutex
		chunks []audio.Chunk
	)
	// 12800 stereo bytes = 6400 mono bytes = two 100ms frames at 16 kHz.
	c, err := NewSystemCapture("sh", []string{"-c", "head -c 12800 /dev/zero"}, 16000, func(ch audio.Chunk) {
		mu.Lock()
		chunks = append(chunks, ch)
		mu.Unlock()
	})
	if err != nil {
		t.Fatalf("NewSystemCapture() error = %v", err)
	}

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	deadline := time.After(5 * time.Second)
	for {
		mu.Lock()
		n := len(chunks)
		mu.Unlock()
		if n >= 2 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("got %d chunks, want 2", n)
		case <-time.After(10 * time.Millisecond):
		}
	}

	if err := c.Stop(); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	for i, ch := range chunks[:2] {
		if len(ch.Data) != 3200 {
			t.Errorf("chunk %d size = %d, want 3200", i, len(ch.Data))
		}
		if ch.Speaker != types.SpeakerOther {
			t.Errorf("chunk %d speaker = %v, want other", i, ch.Speaker)
		}
		if ch.SampleRate != 16000 {
			t.Errorf("chunk %d sample rate = %d", i, ch.SampleRate)
		}
	}
}
