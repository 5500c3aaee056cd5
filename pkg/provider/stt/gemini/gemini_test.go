package gemini

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/openlisten/earshot/pkg/provider/stt"
	"github.com/openlisten/earshot/pkg/types"
)

func TestProviderContract(t *testing.T) {
	p, err := New("test-key")
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if got := p.Accumulation(); got != stt.AccumulateDelta {
		t.Errorf("Accumulation() = %v, want AccumulateDelta", got)
	}
	if got := p.FlushDelay(); got != time.Second {
		t.Errorf("FlushDelay() = %v, want 1s", got)
	}
	if got := p.RequiredSampleRate(); got != 16000 {
		t.Errorf("RequiredSampleRate() = %d, want 16000", got)
	}
}

func TestNewRequiresAPIKey(t *testing.T) {
	if _, err := New(""); err == nil {
		t.Error("New(\"\") expected error, got nil")
	}
}

func TestSetupMessageShape(t *testing.T) {
	msg := setupMessage{
		Setup: setupConfig{
			Model: "models/gemini-2.0-flash-live-001",
			GenerationConfig: generationConfig{
				ResponseModalities: []string{"TEXT"},
			},
		},
	}
	data, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	setup, ok := decoded["setup"].(map[string]any)
	if !ok {
		t.Fatal("missing setup object")
	}
	if _, ok := setup["inputAudioTranscription"]; !ok {
		t.Error("setup message missing inputAudioTranscription")
	}
	if setup["model"] != "models/gemini-2.0-flash-live-001" {
		t.Errorf("model = %v", setup["model"])
	}
}

func TestParseMessage(t *testing.T) {
	sess := &session{speaker: types.SpeakerSelf}

	tests := []struct {
		name     string
		raw      string
		wantOK   bool
		wantText string
		wantTC   bool
	}{
		{
			name:     "transcription delta",
			raw:      `{"serverContent":{"inputTranscription":{"text":"hello "}}}`,
			wantOK:   true,
			wantText: "hello ",
		},
		{
			name:   "turn complete without text",
			raw:    `{"serverContent":{"turnComplete":true}}`,
			wantOK: true,
			wantTC: true,
		},
		{
			name:     "delta with turn complete",
			raw:      `{"serverContent":{"turnComplete":true,"inputTranscription":{"text":"bye"}}}`,
			wantOK:   true,
			wantText: "bye",
			wantTC:   true,
		},
		{
			name:   "setup complete frame",
			raw:    `{"setupComplete":{}}`,
			wantOK: false,
		},
		{
			name:   "server error frame",
			raw:    `{"error":{"code":429,"message":"quota exceeded"}}`,
			wantOK: false,
		},
		{
			name:   "empty server content",
			raw:    `{"serverContent":{}}`,
			wantOK: false,
		},
		{
			name:   "malformed json",
			raw:    `{"serverContent":`,
			wantOK: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, ok := sess.parseMessage([]byte(tt.raw))
			if ok != tt.wantOK {
				t.Fatalf("parseMessage() ok = %v, want %v", ok, tt.wantOK)
			}
			if !ok {
				return
			}
			if ev.Text != tt.wantText {
				t.Errorf("Text = %q, want %q", ev.Text, tt.wantText)
			}
			if ev.TurnComplete != tt.wantTC {
				t.Errorf("TurnComplete = %v, want %v", ev.TurnComplete, tt.wantTC)
			}
			if ev.Speaker != types.SpeakerSelf {
				t.Errorf("Speaker = %v, want self", ev.Speaker)
			}
			if ev.Partial == ev.TurnComplete {
				t.Errorf("Partial = %v with TurnComplete = %v, want opposites", ev.Partial, ev.TurnComplete)
			}
		})
	}
}
