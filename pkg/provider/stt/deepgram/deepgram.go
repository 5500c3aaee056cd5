// Package deepgram provides a Deepgram-backed STT provider using the Deepgram
// streaming WebSocket API. It implements the stt.Provider interface.
//
// Deepgram emits partial/final pairs with explicit turn-complete signaling
// (speech_final), so sessions report stt.AccumulateReplace. On unexpected
// socket closure the session reconnects with exponential backoff; exhausting
// the attempt bound surfaces a terminal CloseReason.
package deepgram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/openlisten/earshot/pkg/provider/stt"
	"github.com/openlisten/earshot/pkg/types"
)

const (
	deepgramEndpoint  = "wss://api.deepgram.com/v1/listen"
	defaultModel      = "nova-3"
	defaultLanguage   = "en"
	defaultSampleRate = 16000

	// defaultFlushDelay is short because finals carry complete sentences.
	defaultFlushDelay = 25 * time.Millisecond
)

// Compile-time assertions.
var (
	_ stt.Provider      = (*Provider)(nil)
	_ stt.SessionHandle = (*session)(nil)
)

// Option is a functional option for configuring the Deepgram Provider.
type Option func(*Provider)

// WithModel sets the Deepgram model to use (e.g., "nova-3", "base").
func WithModel(model string) Option {
	return func(p *Provider) {
		p.model = model
	}
}

// WithLanguage sets the BCP-47 language code for recognition (e.g., "en", "de-DE").
func WithLanguage(language string) Option {
	return func(p *Provider) {
		p.language = language
	}
}

// WithEndpoint overrides the streaming endpoint URL. Primarily used in tests
// to point at a local mock server.
func WithEndpoint(endpoint string) Option {
	return func(p *Provider) {
		p.endpoint = endpoint
	}
}

// WithBackoff overrides the reconnection policy.
func WithBackoff(policy stt.BackoffPolicy) Option {
	return func(p *Provider) {
		p.backoff = policy
	}
}

// Provider implements stt.Provider backed by the Deepgram streaming API.
type Provider struct {
	apiKey   string
	model    string
	language string
	endpoint string
	backoff  stt.BackoffPolicy
}

// New creates a new Deepgram Provider. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("deepgram: apiKey must not be empty")
	}
	p := &Provider{
		apiKey:   apiKey,
		model:    defaultModel,
		language: defaultLanguage,
		endpoint: deepgramEndpoint,
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Accumulation reports that partials supersede one another and finals carry
// whole utterance text.
func (p *Provider) Accumulation() stt.Accumulation { return stt.AccumulateReplace }

// FlushDelay returns the recommended debounce interval.
func (p *Provider) FlushDelay() time.Duration { return defaultFlushDelay }

// RequiredSampleRate returns 0: Deepgram accepts whatever rate the stream
// declares in its URL parameters.
func (p *Provider) RequiredSampleRate() int { return 0 }

// SampleFormat returns PCM16: the stream is configured with encoding=linear16.
func (p *Provider) SampleFormat() stt.SampleFormat { return stt.FormatPCM16 }

// StartStream opens a streaming transcription session with Deepgram.
func (p *Provider) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	wsURL, err := p.buildURL(cfg)
	if err != nil {
		return nil, fmt.Errorf("deepgram: build URL: %w", err)
	}

	headers := http.Header{}
	headers.Set("Authorization", "Token "+p.apiKey)

	dial := func(ctx context.Context) (*websocket.Conn, error) {
		conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
			HTTPHeader: headers,
		})
		return conn, err
	}

	conn, err := dial(ctx)
	if err != nil {
		return nil, fmt.Errorf("deepgram: dial: %w", err)
	}

	sess := &session{
		speaker: cfg.Speaker,
		dial:    dial,
		backoff: p.backoff,
		conn:    conn,
		events:  make(chan stt.StreamEvent, 64),
		closedC: make(chan stt.CloseReason, 1),
		audio:   make(chan []byte, 256),
		done:    make(chan struct{}),
	}

	sess.wg.Add(2)
	go sess.readLoop()
	go sess.writeLoop()

	return sess, nil
}

// buildURL constructs the Deepgram streaming endpoint URL for the given config.
func (p *Provider) buildURL(cfg stt.StreamConfig) (string, error) {
	u, err := url.Parse(p.endpoint)
	if err != nil {
		return "", err
	}

	lang := cfg.Language
	if lang == "" {
		lang = p.language
	}
	sr := cfg.SampleRate
	if sr == 0 {
		sr = defaultSampleRate
	}

	q := u.Query()
	q.Set("model", p.model)
	q.Set("language", lang)
	q.Set("encoding", "linear16")
	q.Set("punctuate", "true")
	q.Set("interim_results", "true")
	q.Set("sample_rate", strconv.Itoa(sr))
	if cfg.Channels > 0 {
		q.Set("channels", strconv.Itoa(cfg.Channels))
	}

	u.RawQuery = q.Encode()
	return u.String(), nil
}

// ---- session ----

// deepgramResponse is the JSON structure returned by Deepgram for a Results event.
type deepgramResponse struct {
	Type        string `json:"type"`
	IsFinal     bool   `json:"is_final"`
	SpeechFinal bool   `json:"speech_final"`
	Channel     struct {
		Alternatives []struct {
			Transcript string  `json:"transcript"`
			Confidence float64 `json:"confidence"`
		} `json:"alternatives"`
	} `json:"channel"`
}

// session is a live Deepgram streaming session. It implements stt.SessionHandle.
type session struct {
	speaker types.Speaker
	dial    func(ctx context.Context) (*websocket.Conn, error)
	backoff stt.BackoffPolicy

	connMu sync.Mutex
	conn   *websocket.Conn

	events  chan stt.StreamEvent
	closedC chan stt.CloseReason
	audio   chan []byte

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

// SendAudio queues a PCM audio chunk for delivery to Deepgram. A full queue
// surfaces as an error rather than blocking the audio path; live audio is
// bounded-loss by design of the pipeline.
func (s *session) SendAudio(chunk []byte) error {
	select {
	case <-s.done:
		return errors.New("deepgram: session is closed")
	default:
	}
	select {
	case s.audio <- chunk:
		return nil
	case <-s.done:
		return errors.New("deepgram: session is closed")
	default:
		return errors.New("deepgram: audio queue saturated, chunk dropped")
	}
}

// Events returns the normalized transcript event channel.
func (s *session) Events() <-chan stt.StreamEvent { return s.events }

// Closed returns the terminal close-reason channel.
func (s *session) Closed() <-chan stt.CloseReason { return s.closedC }

// KeepAlive sends Deepgram's KeepAlive text frame, preventing the 10-second
// idle timeout from tearing down a quiet session.
func (s *session) KeepAlive() error {
	select {
	case <-s.done:
		return errors.New("deepgram: session is closed")
	default:
	}
	conn := s.current()
	if conn == nil {
		return errors.New("deepgram: no live connection")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, []byte(`{"type":"KeepAlive"}`)); err != nil {
		return fmt.Errorf("deepgram: keepalive: %w", err)
	}
	return nil
}

// Close terminates the session cleanly and suppresses reconnection.
func (s *session) Close() error {
	s.once.Do(func() {
		close(s.done)
		if conn := s.current(); conn != nil {
			// Ask Deepgram to flush pending audio before the socket drops.
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			_ = conn.Write(ctx, websocket.MessageText, []byte(`{"type":"CloseStream"}`))
			cancel()
		}
		s.wg.Wait()
		if conn := s.current(); conn != nil {
			conn.Close(websocket.StatusNormalClosure, "session closed")
		}
		s.finish(stt.CloseReason{Intentional: true})
	})
	return nil
}

// finish closes the event stream and delivers the terminal CloseReason
// exactly once.
func (s *session) finish(reason stt.CloseReason) {
	s.finished.Do(func() {
		close(s.events)
		s.closedC <- reason
	})
}

// writeLoop reads from the audio channel and sends binary messages to Deepgram.
func (s *session) writeLoop() {
	defer s.wg.Done()
	ctx := context.Background()
	for {
		select {
		case chunk := <-s.audio:
			conn := s.current()
			if conn == nil {
				continue
			}
			if err := conn.Write(ctx, websocket.MessageBinary, chunk); err != nil {
				// The read loop owns reconnection; drop and move on.
				slog.Debug("deepgram: write failed, dropping chunk", "speaker", s.speaker, "err", err)
			}
		case <-s.done:
			// Drain the audio channel before exiting.
			for {
				select {
				case chunk := <-s.audio:
					if conn := s.current(); conn != nil {
						_ = conn.Write(ctx, websocket.MessageBinary, chunk)
					}
				default:
					return
				}
			}
		}
	}
}

// readLoop receives JSON messages from Deepgram, dispatches normalized events,
// and reconnects with exponential backoff on unexpected closure.
func (s *session) readLoop() {
	defer s.wg.Done()
	ctx := context.Background()

	for {
		conn := s.current()
		_, msg, err := conn.Read(ctx)
		if err != nil {
			select {
			case <-s.done:
				// Intentional close; Close() delivers the reason.
				return
			default:
			}
			if !s.reconnect() {
				s.finish(stt.CloseReason{Err: fmt.Errorf("deepgram: reconnection attempts exhausted: %w", err)})
				return
			}
			continue
		}

		ev, ok := parseResponse(msg)
		if !ok {
			continue
		}
		ev.Speaker = s.speaker
		select {
		case s.events <- ev:
		case <-s.done:
			return
		}
	}
}

// reconnect redials with exponential backoff. Returns false when the attempt
// bound is exhausted or the session was closed meanwhile.
func (s *session) reconnect() bool {
	for attempt := 1; ; attempt++ {
		delay, ok := s.backoff.Delay(attempt)
		if !ok {
			return false
		}

		slog.Info("deepgram: connection lost, reconnecting",
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
			slog.Info("deepgram: reconnected", "speaker", s.speaker, "attempt", attempt)
			return true
		}
		slog.Warn("deepgram: reconnection attempt failed",
			"speaker", s.speaker,
			"attempt", attempt,
			"err", err,
		)
	}
}

// parseResponse parses a raw Deepgram WebSocket message into a StreamEvent.
// Returns (event, true) on success, or (zero, false) if the message should be
// ignored.
func parseResponse(data []byte) (stt.StreamEvent, bool) {
	var resp deepgramResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return stt.StreamEvent{}, false
	}
	if resp.Type != "Results" {
		return stt.StreamEvent{}, false
	}
	if len(resp.Channel.Alternatives) == 0 {
		return stt.StreamEvent{}, false
	}

	text := resp.Channel.Alternatives[0].Transcript
	if text == "" && !resp.SpeechFinal {
		return stt.StreamEvent{}, false
	}

	return stt.StreamEvent{
		Text:         text,
		Partial:      !resp.IsFinal,
		Final:        resp.IsFinal,
		TurnComplete: resp.SpeechFinal,
		Timestamp:    time.Now(),
	}, true
}
