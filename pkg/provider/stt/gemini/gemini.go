// Package gemini provides an STT provider backed by Google's Gemini live API.
// It implements the stt.Provider interface.
//
// The session speaks the BidiGenerateContent WebSocket protocol: audio is
// transmitted as base64-encoded PCM chunks inside realtimeInput messages, and
// recognition results arrive as inputTranscription deltas — each message
// carries only new text, so sessions report stt.AccumulateDelta and recommend
// a long flush delay suited to word-by-word output.
package gemini

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/openlisten/earshot/pkg/provider/stt"
	"github.com/openlisten/earshot/pkg/types"
)

const (
	defaultModel   = "gemini-2.0-flash-live-001"
	defaultBaseURL = "wss://generativelanguage.googleapis.com/ws"

	requiredRate = 16000

	// defaultFlushDelay is long because deltas arrive word by word.
	defaultFlushDelay = 1 * time.Second
)

// Compile-time assertions.
var (
	_ stt.Provider      = (*Provider)(nil)
	_ stt.SessionHandle = (*session)(nil)
)

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithModel sets the Gemini model used for sessions.
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithBaseURL overrides the base WebSocket URL. Primarily used in tests to
// point at a local mock server.
func WithBaseURL(url string) Option {
	return func(p *Provider) { p.baseURL = url }
}

// WithBackoff overrides the reconnection policy.
func WithBackoff(policy stt.BackoffPolicy) Option {
	return func(p *Provider) { p.backoff = policy }
}

// Provider implements stt.Provider for Google's Gemini live API.
type Provider struct {
	apiKey  string
	model   string
	baseURL string
	backoff stt.BackoffPolicy
}

// New creates a new Gemini live Provider. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("gemini: apiKey must not be empty")
	}
	p := &Provider{
		apiKey:  apiKey,
		model:   defaultModel,
		baseURL: defaultBaseURL,
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Accumulation reports that each event carries only new text to append.
func (p *Provider) Accumulation() stt.Accumulation { return stt.AccumulateDelta }

// FlushDelay returns the recommended debounce interval.
func (p *Provider) FlushDelay() time.Duration { return defaultFlushDelay }

// RequiredSampleRate returns 16000: the live API expects 16 kHz PCM input.
func (p *Provider) RequiredSampleRate() int { return requiredRate }

// SampleFormat returns PCM16, matching the audio/pcm media chunk MIME type.
func (p *Provider) SampleFormat() stt.SampleFormat { return stt.FormatPCM16 }

// StartStream opens a live session and sends the setup message before
// returning.
func (p *Provider) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	wsURL := fmt.Sprintf(
		"%s/google.ai.generativelanguage.v1beta.GenerativeService.BidiGenerateContent?key=%s",
		p.baseURL, p.apiKey,
	)

	dial := func(ctx context.Context) (*websocket.Conn, error) {
		conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
			HTTPHeader: http.Header{
				"Content-Type": []string{"application/json"},
			},
		})
		if err != nil {
			return nil, err
		}
		if err := sendSetup(ctx, conn, p.model, cfg.Language); err != nil {
			conn.Close(websocket.StatusInternalError, "setup failed")
			return nil, err
		}
		return conn, nil
	}

	conn, err := dial(ctx)
	if err != nil {
		return nil, fmt.Errorf("gemini: dial: %w", err)
	}

	sess := &session{
		speaker:  cfg.Speaker,
		mimeType: fmt.Sprintf("audio/pcm;rate=%d", requiredRate),
		dial:     dial,
		backoff:  p.backoff,
		conn:     conn,
		events:   make(chan stt.StreamEvent, 64),
		closedC:  make(chan stt.CloseReason, 1),
		done:     make(chan struct{}),
	}
	sess.wg.Add(1)
	go sess.readLoop()
	return sess, nil
}

// ── Protocol message types (outgoing) ─────────────────────────────────────────

type setupMessage struct {
	Setup setupConfig `json:"setup"`
}

type setupConfig struct {
	Model                   string           `json:"model"`
	GenerationConfig        generationConfig `json:"generationConfig"`
	InputAudioTranscription struct{}         `json:"inputAudioTranscription"`
	SystemInstruction       *systemPart      `json:"systemInstruction,omitempty"`
}

type generationConfig struct {
	ResponseModalities []string `json:"responseModalities"`
}

type systemPart struct {
	Parts []textPart `json:"parts"`
}

type textPart struct {
	Text string `json:"text"`
}

type realtimeInputMessage struct {
	RealtimeInput realtimeInput `json:"realtimeInput"`
}

type realtimeInput struct {
	MediaChunks []mediaChunk `json:"mediaChunks"`
}

type mediaChunk struct {
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"` // base64-encoded
}

// ── Protocol message types (incoming) ─────────────────────────────────────────

type serverMessage struct {
	SetupComplete *json.RawMessage `json:"setupComplete,omitempty"`
	ServerContent *serverContent   `json:"serverContent,omitempty"`
	Error         *geminiError     `json:"error,omitempty"`
}

type serverContent struct {
	TurnComplete       bool           `json:"turnComplete,omitempty"`
	InputTranscription *transcription `json:"inputTranscription,omitempty"`
}

type transcription struct {
	Text string `json:"text"`
}

type geminiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  string `json:"status,omitempty"`
}

// sendSetup sends the BidiGenerateContent setup message enabling input
// transcription.
func sendSetup(ctx context.Context, conn *websocket.Conn, model, language string) error {
	msg := setupMessage{
		Setup: setupConfig{
			Model: fmt.Sprintf("models/%s", model),
			GenerationConfig: generationConfig{
				ResponseModalities: []string{"TEXT"},
			},
		},
	}
	if language != "" {
		msg.Setup.SystemInstruction = &systemPart{
			Parts: []textPart{{Text: "Transcribe the incoming audio. Language: " + language + "."}},
		}
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal setup: %w", err)
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

// ── session ────────────────────────────────────────────────────────────────────

type session struct {
	speaker  types.Speaker
	mimeType string
	dial     func(ctx context.Context) (*websocket.Conn, error)
	backoff  stt.BackoffPolicy

	connMu sync.Mutex
	conn   *websocket.Conn

	events  chan stt.StreamEvent
	closedC chan stt.CloseReason

	done     chan struct{}
	once     sync.Once
	finished sync.Once
	wg       sync.WaitGroup
}

func (s *session) current() *websocket.Conn {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	return s.conn
}

func (s *session) replace(conn *websocket.Conn) {
	s.connMu.Lock()
	old := s.conn
	s.conn = conn
	s.connMu.Unlock()
	if old != nil {
		old.Close(websocket.StatusAbnormalClosure, "replaced")
	}
}

// SendAudio transmits a PCM16 chunk as a base64 media chunk.
func (s *session) SendAudio(chunk []byte) error {
	select {
	case <-s.done:
		return errors.New("gemini: session is closed")
	default:
	}
	conn := s.current()
	if conn == nil {
		return errors.New("gemini: no live connection")
	}

	msg := realtimeInputMessage{
		RealtimeInput: realtimeInput{
			MediaChunks: []mediaChunk{{
				MIMEType: s.mimeType,
				Data:     base64.StdEncoding.EncodeToString(chunk),
			}},
		},
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("gemini: marshal audio: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("gemini: send audio: %w", err)
	}
	return nil
}

// Events returns the normalized transcript event channel.
func (s *session) Events() <-chan stt.StreamEvent { return s.events }

// Closed returns the terminal close-reason channel.
func (s *session) Closed() <-chan stt.CloseReason { return s.closedC }

// KeepAlive sends a WebSocket ping frame.
func (s *session) KeepAlive() error {
	select {
	case <-s.done:
		return errors.New("gemini: session is closed")
	default:
	}
	conn := s.current()
	if conn == nil {
		return errors.New("gemini: no live connection")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.Ping(ctx); err != nil {
		return fmt.Errorf("gemini: keepalive: %w", err)
	}
	return nil
}

// Close terminates the session intentionally, suppressing reconnection.
func (s *session) Close() error {
	s.once.Do(func() {
		close(s.done)
		if conn := s.current(); conn != nil {
			conn.Close(websocket.StatusNormalClosure, "session closed")
		}
		s.wg.Wait()
		s.finish(stt.CloseReason{Intentional: true})
	})
	return nil
}

func (s *session) finish(reason stt.CloseReason) {
	s.finished.Do(func() {
		close(s.events)
		s.closedC <- reason
	})
}

// readLoop receives server messages, dispatches normalized delta events, and
// reconnects with exponential backoff on unexpected closure.
func (s *session) readLoop() {
	defer s.wg.Done()
	ctx := context.Background()

	for {
		conn := s.current()
		_, data, err := conn.Read(ctx)
		if err != nil {
			select {
			case <-s.done:
				return
			default:
			}
			if !s.reconnect() {
				s.finish(stt.CloseReason{Err: fmt.Errorf("gemini: reconnection attempts exhausted: %w", err)})
				return
			}
			continue
		}

		ev, ok := s.parseMessage(data)
		if !ok {
			continue
		}
		select {
		case s.events <- ev:
		case <-s.done:
			return
		}
	}
}

func (s *session) reconnect() bool {
	for attempt := 1; ; attempt++ {
		delay, ok := s.backoff.Delay(attempt)
		if !ok {
			return false
		}

		slog.Info("gemini: connection lost, reconnecting",
			"speaker", s.speaker,
			"attempt", attempt,
			"backoff", delay,
		)

		select {
		case <-s.done:
			return false
		case <-time.After(delay):
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		conn, err := s.dial(ctx)
		cancel()
		if err == nil {
			s.replace(conn)
			slog.Info("gemini: reconnected", "speaker", s.speaker, "attempt", attempt)
			return true
		}
		slog.Warn("gemini: reconnection attempt failed",
			"speaker", s.speaker,
			"attempt", attempt,
			"err", err,
		)
	}
}

// parseMessage converts a server frame into a delta StreamEvent. Returns
// (zero, false) for frames that carry no transcription.
func (s *session) parseMessage(data []byte) (stt.StreamEvent, bool) {
	var msg serverMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return stt.StreamEvent{}, false
	}
	if msg.Error != nil {
		slog.Warn("gemini: server error", "speaker", s.speaker, "code", msg.Error.Code, "message", msg.Error.Message)
		return stt.StreamEvent{}, false
	}
	sc := msg.ServerContent
	if sc == nil {
		return stt.StreamEvent{}, false
	}

	ev := stt.StreamEvent{
		Speaker:   s.speaker,
		Timestamp: time.Now(),
	}
	if sc.InputTranscription != nil {
		ev.Text = sc.InputTranscription.Text
	}
	ev.TurnComplete = sc.TurnComplete
	if ev.Text == "" && !ev.TurnComplete {
		return stt.StreamEvent{}, false
	}
	// Deltas are partial by definition; the turn-complete flag is the only
	// finality signal this protocol offers.
	ev.Partial = !ev.TurnComplete
	ev.Final = ev.TurnComplete
	return ev, true
}
