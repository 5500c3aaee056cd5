package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/openlisten/earshot/pkg/audio"
	"github.com/openlisten/earshot/pkg/provider/stt"
	sttmock "github.com/openlisten/earshot/pkg/provider/stt/mock"
	"github.com/openlisten/earshot/pkg/types"
)

func noopHandler(stt.StreamEvent) {}

func loudChunk(speaker types.Speaker, sampleRate int) audio.Chunk {
	// Square-ish wave well above the gate threshold.
	n := sampleRate / 10
	data := make([]byte, n*2)
	for i := 0; i < n; i++ {
		v := int16(8000)
		if i%2 == 0 {
			v = -8000
		}
		data[i*2] = byte(v)
		data[i*2+1] = byte(v >> 8)
	}
	return audio.Chunk{Data: data, SampleRate: sampleRate, Channels: 1, Speaker: speaker}
}

func TestInitializeRejectsConcurrent(t *testing.T) {
	provider := &sttmock.Provider{}
	m, err := NewManager(Config{Provider: provider, Handler: noopHandler})
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}

	if err := m.Initialize(context.Background(), "en"); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	defer m.Close()

	if err := m.Initialize(context.Background(), "en"); err == nil {
		t.Error("second Initialize succeeded, want rejection")
	}
	if m.State() != StateActive {
		t.Errorf("State() = %v, want active", m.State())
	}
	if len(provider.Calls()) != 2 {
		t.Errorf("StartStream calls = %d, want 2 (self + other)", len(provider.Calls()))
	}
}

func TestInitializeRetriesThenFails(t *testing.T) {
	provider := &sttmock.Provider{StartStreamErr: errors.New("dial refused")}
	m, err := NewManager(Config{
		Provider:       provider,
		Handler:        noopHandler,
		InitAttempts:   3,
		InitRetryDelay: time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}

	if err := m.Initialize(context.Background(), "en"); err == nil {
		t.Fatal("Initialize succeeded with failing provider")
	}
	if m.State() != StateUninitialized {
		t.Errorf("State() = %v, want uninitialized after failed init", m.State())
	}
	// 3 attempts, up to 2 dials each (errgroup may cancel the second dial).
	if calls := len(provider.Calls()); calls < 3 {
		t.Errorf("StartStream calls = %d, want at least one per attempt", calls)
	}
}

func TestEventsReachHandler(t *testing.T) {
	self := sttmock.NewSession()
	other := sttmock.NewSession()
	provider := &sttmock.Provider{Sessions: []stt.SessionHandle{self, other}}

	events := make(chan stt.StreamEvent, 8)
	m, err := NewManager(Config{
		Provider: provider,
		Handler:  func(ev stt.StreamEvent) { events <- ev },
	})
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	if err := m.Initialize(context.Background(), "en"); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	defer m.Close()

	self.EventsCh <- stt.StreamEvent{Speaker: types.SpeakerSelf, Text: "hello", Final: true}

	select {
	case ev := <-events:
		if ev.Text != "hello" {
			t.Errorf("Text = %q, want hello", ev.Text)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("event never reached handler")
	}
}

func TestSendChunkRoutesBySpeaker(t *testing.T) {
	self := sttmock.NewSession()
	other := sttmock.NewSession()
	sp := &speakerProvider{self: self, other: other}

	m, err := NewManager(Config{Provider: sp, Handler: noopHandler, SourceSampleRate: 24000})
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	if err := m.Initialize(context.Background(), "en"); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	defer m.Close()

	if err := m.SendChunk(loudChunk(types.SpeakerSelf, 24000)); err != nil {
		t.Fatalf("SendChunk(self) error = %v", err)
	}
	if err := m.SendChunk(loudChunk(types.SpeakerOther, 24000)); err != nil {
		t.Fatalf("SendChunk(other) error = %v", err)
	}

	if got := len(self.Chunks()); got != 1 {
		t.Errorf("self chunks = %d, want 1", got)
	}
	if got := len(other.Chunks()); got != 1 {
		t.Errorf("other chunks = %d, want 1", got)
	}
}

func TestSendChunkResamplesForProvider(t *testing.T) {
	self := sttmock.NewSession()
	other := sttmock.NewSession()
	sp := &speakerProvider{self: self, other: other, sampleRate: 16000, format: stt.FormatFloat32}

	m, err := NewManager(Config{Provider: sp, Handler: noopHandler, SourceSampleRate: 24000})
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	if err := m.Initialize(context.Background(), "en"); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	defer m.Close()

	chunk := loudChunk(types.SpeakerSelf, 24000)
	if err := m.SendChunk(chunk); err != nil {
		t.Fatalf("SendChunk() error = %v", err)
	}

	chunks := self.Chunks()
	if len(chunks) != 1 {
		t.Fatalf("self chunks = %d, want 1", len(chunks))
	}
	// 2400 source samples at ratio 2/3 -> 1600 float32 samples -> 6400 bytes.
	if got, want := len(chunks[0]), 1600*4; got != want {
		t.Errorf("payload size = %d, want %d", got, want)
	}
}

func TestGateSuppressesSilence(t *testing.T) {
	self := sttmock.NewSession()
	other := sttmock.NewSession()
	sp := &speakerProvider{self: self, other: other}

	m, err := NewManager(Config{
		Provider:         sp,
		Handler:          noopHandler,
		SourceSampleRate: 16000,
		GateGrace:        2,
	})
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	if err := m.Initialize(context.Background(), "en"); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	defer m.Close()

	quiet := audio.Chunk{Data: make([]byte, 3200), SampleRate: 16000, Channels: 1, Speaker: types.SpeakerSelf}
	for i := 0; i < 5; i++ {
		if err := m.SendChunk(quiet); err != nil {
			t.Fatalf("SendChunk() error = %v", err)
		}
	}

	// Grace window of 2 passes through; three further quiet chunks suppressed.
	if got := len(self.Chunks()); got != 2 {
		t.Errorf("delivered quiet chunks = %d, want 2", got)
	}
}

func TestRenewalKeepsOldPairDuringOverlap(t *testing.T) {
	oldSelf, oldOther := sttmock.NewSession(), sttmock.NewSession()
	newSelf, newOther := sttmock.NewSession(), sttmock.NewSession()
	sp := &speakerProvider{self: oldSelf, other: oldOther}

	m, err := NewManager(Config{
		Provider:         sp,
		Handler:          noopHandler,
		SourceSampleRate: 16000,
		RenewInterval:    30 * time.Millisecond,
		OverlapWindow:    80 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	if err := m.Initialize(context.Background(), "en"); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	defer m.Close()

	sp.swap(newSelf, newOther)

	// Wait for the renewal to install the fresh pair.
	deadline := time.After(2 * time.Second)
	for m.State() != StateRenewing {
		select {
		case <-deadline:
			t.Fatal("renewal never started")
		case <-time.After(time.Millisecond):
		}
	}

	// During overlap both pairs receive audio and the old pair is still open.
	if err := m.SendChunk(loudChunk(types.SpeakerSelf, 16000)); err != nil {
		t.Fatalf("SendChunk() error = %v", err)
	}
	if oldSelf.IsClosed() {
		t.Error("old session closed before overlap window elapsed")
	}
	if len(newSelf.Chunks()) == 0 && len(oldSelf.Chunks()) == 0 {
		t.Error("chunk sent during overlap reached neither session")
	}

	// After the overlap window the old pair closes.
	deadline = time.After(2 * time.Second)
	for !oldSelf.IsClosed() || !oldOther.IsClosed() {
		select {
		case <-deadline:
			t.Fatal("old pair never closed after overlap window")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestCloseResetsState(t *testing.T) {
	self, other := sttmock.NewSession(), sttmock.NewSession()
	sp := &speakerProvider{self: self, other: other}

	m, err := NewManager(Config{Provider: sp, Handler: noopHandler})
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	if err := m.Initialize(context.Background(), "en"); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	if err := m.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	if !self.IsClosed() || !other.IsClosed() {
		t.Error("sessions not closed on Close")
	}
	if m.State() != StateUninitialized {
		t.Errorf("State() = %v, want uninitialized", m.State())
	}
	if m.SessionID() != "" {
		t.Errorf("SessionID() = %q, want empty", m.SessionID())
	}
	if err := m.Close(); err == nil {
		t.Error("second Close succeeded, want error")
	}

	// A fresh initialize works after teardown.
	sp.swap(sttmock.NewSession(), sttmock.NewSession())
	if err := m.Initialize(context.Background(), "en"); err != nil {
		t.Fatalf("re-Initialize() error = %v", err)
	}
	m.Close()
}

// speakerProvider hands out fixed handles keyed by the requested speaker so
// tests can address each side of the pair deterministically.
type speakerProvider struct {
	mu         sync.Mutex
	self       stt.SessionHandle
	other      stt.SessionHandle
	sampleRate int
	format     stt.SampleFormat
}

func (p *speakerProvider) swap(self, other stt.SessionHandle) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.self, p.other = self, other
}

func (p *speakerProvider) StartStream(_ context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if cfg.Speaker == types.SpeakerSelf {
		return p.self, nil
	}
	return p.other, nil
}

func (p *speakerProvider) Accumulation() stt.Accumulation { return stt.AccumulateReplace }
func (p *speakerProvider) FlushDelay() time.Duration      { return 25 * time.Millisecond }
func (p *speakerProvider) RequiredSampleRate() int        { return p.sampleRate }
func (p *speakerProvider) SampleFormat() stt.SampleFormat {
	if p.format == "" {
		return stt.FormatPCM16
	}
	return p.format
}
