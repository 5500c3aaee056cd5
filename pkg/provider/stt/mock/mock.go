// Package mock provides test doubles for the stt package interfaces.
//
// Use Provider to verify that the caller starts sessions with the expected
// StreamConfig. Use Session to feed controlled StreamEvent values and inspect
// which audio chunks were delivered.
//
// Example:
//
//	sess := mock.NewSession()
//	p := &mock.Provider{Session: sess}
//	handle, _ := p.StartStream(ctx, cfg)
//	sess.EventsCh <- stt.StreamEvent{Text: "hello", Final: true}
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/openlisten/earshot/pkg/provider/stt"
)

// Ensure the mocks implement the stt interfaces at compile time.
var (
	_ stt.Provider      = (*Provider)(nil)
	_ stt.SessionHandle = (*Session)(nil)
)

// StartStreamCall records a single invocation of Provider.StartStream.
type StartStreamCall struct {
	// Ctx is the context passed to StartStream.
	Ctx context.Context
	// Cfg is the StreamConfig passed to StartStream.
	Cfg stt.StreamConfig
}

// Provider is a mock implementation of stt.Provider.
type Provider struct {
	mu sync.Mutex

	// Session is the SessionHandle returned by StartStream. If nil,
	// StartStream returns a fresh Session.
	Session stt.SessionHandle

	// Sessions, when non-empty, is consumed one handle per StartStream call
	// (takes precedence over Session). Useful for renewal tests that need
	// distinct old and new handles.
	Sessions []stt.SessionHandle

	// StartStreamErr, if non-nil, is returned as the error from StartStream.
	StartStreamErr error

	// Mode is reported by Accumulation. Defaults to AccumulateReplace.
	Mode stt.Accumulation

	// Delay is reported by FlushDelay.
	Delay time.Duration

	// SampleRate is reported by RequiredSampleRate.
	SampleRate int

	// Format is reported by SampleFormat. Defaults to FormatPCM16.
	Format stt.SampleFormat

	// StartStreamCalls records every call to StartStream.
	StartStreamCalls []StartStreamCall
}

// StartStream records the call and returns the configured session handle.
func (p *Provider) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.StartStreamCalls = append(p.StartStreamCalls, StartStreamCall{Ctx: ctx, Cfg: cfg})
	if p.StartStreamErr != nil {
		return nil, p.StartStreamErr
	}
	if len(p.Sessions) > 0 {
		s := p.Sessions[0]
		p.Sessions = p.Sessions[1:]
		return s, nil
	}
	if p.Session != nil {
		return p.Session, nil
	}
	return NewSession(), nil
}

// Accumulation returns Mode, defaulting to AccumulateReplace.
func (p *Provider) Accumulation() stt.Accumulation {
	if p.Mode == "" {
		return stt.AccumulateReplace
	}
	return p.Mode
}

// FlushDelay returns Delay.
func (p *Provider) FlushDelay() time.Duration { return p.Delay }

// RequiredSampleRate returns SampleRate.
func (p *Provider) RequiredSampleRate() int { return p.SampleRate }

// SampleFormat returns Format, defaulting to FormatPCM16.
func (p *Provider) SampleFormat() stt.SampleFormat {
	if p.Format == "" {
		return stt.FormatPCM16
	}
	return p.Format
}

// Calls returns a snapshot of recorded StartStream calls. Thread-safe.
func (p *Provider) Calls() []StartStreamCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]StartStreamCall, len(p.StartStreamCalls))
	copy(out, p.StartStreamCalls)
	return out
}

// Session is a mock implementation of stt.SessionHandle. Tests send events on
// EventsCh and inspect delivered audio via SentChunks.
type Session struct {
	mu sync.Mutex

	// EventsCh is the channel returned by Events. Tests own this channel.
	EventsCh chan stt.StreamEvent

	// ClosedCh is the channel returned by Closed. Close delivers an
	// intentional CloseReason on it.
	ClosedCh chan stt.CloseReason

	// SendAudioErr, if non-nil, is returned by every SendAudio call.
	SendAudioErr error

	// KeepAliveErr, if non-nil, is returned by every KeepAlive call.
	KeepAliveErr error

	// SentChunks records copies of every chunk passed to SendAudio.
	SentChunks [][]byte

	// KeepAliveCalls counts KeepAlive invocations.
	KeepAliveCalls int

	closed bool
}

// NewSession returns a Session with buffered channels ready for use.
func NewSession() *Session {
	return &Session{
		EventsCh: make(chan stt.StreamEvent, 64),
		ClosedCh: make(chan stt.CloseReason, 1),
	}
}

// SendAudio records a copy of chunk.
func (s *Session) SendAudio(chunk []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.SendAudioErr != nil {
		return s.SendAudioErr
	}
	cp := make([]byte, len(chunk))
	copy(cp, chunk)
	s.SentChunks = append(s.SentChunks, cp)
	return nil
}

// Events returns EventsCh.
func (s *Session) Events() <-chan stt.StreamEvent { return s.EventsCh }

// Closed returns ClosedCh.
func (s *Session) Closed() <-chan stt.CloseReason { return s.ClosedCh }

// KeepAlive counts the call and returns KeepAliveErr.
func (s *Session) KeepAlive() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.KeepAliveCalls++
	return s.KeepAliveErr
}

// Close closes EventsCh and delivers an intentional CloseReason once.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	close(s.EventsCh)
	s.ClosedCh <- stt.CloseReason{Intentional: true}
	return nil
}

// IsClosed reports whether Close has been called. Thread-safe.
func (s *Session) IsClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Chunks returns a snapshot of recorded audio chunks. Thread-safe.
func (s *Session) Chunks() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]byte, len(s.SentChunks))
	copy(out, s.SentChunks)
	return out
}
