// Package whisperlive provides an STT provider backed by a local WhisperLive
// server (faster-whisper behind a WebSocket). It implements the stt.Provider
// interface.
//
// WhisperLive performs its own VAD and utterance segmentation server-side
// and re-sends its segment list while refining the trailing segment, so
// sessions report stt.AccumulateWhole: refinements arrive as superseding
// partials and a final is emitted once the server completes the segment. The
// server expects 16 kHz mono float32 samples; callers resample capture audio
// with pkg/audio before SendAudio.
package whisperlive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/openlisten/earshot/pkg/provider/stt"
	"github.com/openlisten/earshot/pkg/types"
)

const (
	defaultServerURL  = "ws://localhost:9090"
	defaultModel      = "small.en"
	defaultLanguage   = "en"
	requiredRate = 16000

	// defaultFlushDelay sits above the server's refinement cadence so an
	// utterance still being refined is not committed mid-segment.
	defaultFlushDelay = time.Second

	// serverReadyTimeout bounds the wait for the SERVER_READY handshake.
	serverReadyTimeout = 10 * time.Second
)

// Compile-time assertions.
var (
	_ stt.Provider      = (*Provider)(nil)
	_ stt.SessionHandle = (*session)(nil)
)

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithModel sets the whisper model size (e.g., "small.en", "base").
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithLanguage sets the recognition language code (e.g., "en").
func WithLanguage(lang string) Option {
	return func(p *Provider) { p.language = lang }
}

// WithBackoff overrides the reconnection policy.
func WithBackoff(policy stt.BackoffPolicy) Option {
	return func(p *Provider) { p.backoff = policy }
}

// Provider implements stt.Provider backed by a WhisperLive server.
type Provider struct {
	serverURL string
	model     string
	language  string
	backoff   stt.BackoffPolicy
}

// New creates a Provider that connects to the WhisperLive server at serverURL
// (e.g., "ws://localhost:9090"). An empty serverURL uses the default local
// port.
func New(serverURL string, opts ...Option) *Provider {
	if serverURL == "" {
		serverURL = defaultServerURL
	}
	p := &Provider{
		serverURL: serverURL,
		model:     defaultModel,
		language:  defaultLanguage,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Accumulation reports that partials supersede each other and finals each
// carry one complete utterance.
func (p *Provider) Accumulation() stt.Accumulation { return stt.AccumulateWhole }

// FlushDelay returns the recommended debounce interval.
func (p *Provider) FlushDelay() time.Duration { return defaultFlushDelay }

// RequiredSampleRate returns 16000: WhisperLive only accepts 16 kHz input.
func (p *Provider) RequiredSampleRate() int { return requiredRate }

// SampleFormat returns Float32: WhisperLive consumes raw float32 samples.
func (p *Provider) SampleFormat() stt.SampleFormat { return stt.FormatFloat32 }

// clientConfig is the handshake message sent on connect.
type clientConfig struct {
	UID      string `json:"uid"`
	Language string `json:"language"`
	Task     string `json:"task"`
	Model    string `json:"model"`
	UseVAD   bool   `json:"use_vad"`
}

// serverMessage covers both control messages and transcript segments.
type serverMessage struct {
	UID      string `json:"uid"`
	Message  string `json:"message"`
	Status   string `json:"status"`
	Segments []struct {
		Start     json.Number `json:"start"`
		End       json.Number `json:"end"`
		Text      string      `json:"text"`
		Completed bool        `json:"completed"`
	} `json:"segments"`
}

// StartStream opens a session against the WhisperLive server and waits for
// the SERVER_READY handshake before returning.
func (p *Provider) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	lang := cfg.Language
	if lang == "" {
		lang = p.language
	}
	uid := uuid.NewString()

	dial := func(ctx context.Context) (*websocket.Conn, error) {
		conn, _, err := websocket.Dial(ctx, p.serverURL, nil)
		if err != nil {
			return nil, err
		}
		hello, err := json.Marshal(clientConfig{
			UID:      uid,
			Language: lang,
			Task:     "transcribe",
			Model:    p.model,
			UseVAD:   true,
		})
		if err != nil {
			conn.Close(websocket.StatusInternalError, "marshal config")
			return nil, err
		}
		if err := conn.Write(ctx, websocket.MessageText, hello); err != nil {
			conn.Close(websocket.StatusInternalError, "handshake write")
			return nil, err
		}
		if err := awaitReady(ctx, conn); err != nil {
			conn.Close(websocket.StatusInternalError, "handshake read")
			return nil, err
		}
		return conn, nil
	}

	dialCtx, cancel := context.WithTimeout(ctx, serverReadyTimeout)
	defer cancel()
	conn, err := dial(dialCtx)
	if err != nil {
		return nil, fmt.Errorf("whisperlive: connect: %w", err)
	}

	sess := &session{
		speaker: cfg.Speaker,
		uid:     uid,
		dial:    dial,
		backoff: p.backoff,
		conn:    conn,
		events:  make(chan stt.StreamEvent, 64),
		closedC: make(chan stt.CloseReason, 1),
		done:    make(chan struct{}),
	}
	sess.wg.Add(1)
	go sess.readLoop()
	return sess, nil
}

// awaitReady reads messages until SERVER_READY arrives or ctx expires.
func awaitReady(ctx context.Context, conn *websocket.Conn) error {
	for {
		_, msg, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		var sm serverMessage
		if err := json.Unmarshal(msg, &sm); err != nil {
			continue
		}
		switch sm.Message {
		case "SERVER_READY":
			return nil
		case "DISCONNECT":
			return errors.New("server refused connection")
		}
		if sm.Status == "WAIT" {
			return errors.New("server busy")
		}
	}
}

// session is a live WhisperLive streaming session.
type session struct {
	speaker types.Speaker
	uid     string
	dial    func(ctx context.Context) (*websocket.Conn, error)
	backoff stt.BackoffPolicy

	connMu sync.Mutex
	conn   *websocket.Conn

	events  chan stt.StreamEvent
	closedC chan stt.CloseReason

	// The server re-sends its full segment list on every update. pending
	// tracks the trailing segment's latest refinement (keyed by its start
	// offset); lastFinal deduplicates completed segments across messages.
	pending      string
	pendingStart string
	lastFinal    string

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

// SendAudio delivers little-endian float32 mono samples at 16 kHz. The write
// happens inline; WhisperLive reads fast enough that no queue is needed, and
// a failed write is dropped rather than buffered.
func (s *session) SendAudio(chunk []byte) error {
	select {
	case <-s.done:
		return errors.New("whisperlive: session is closed")
	default:
	}
	conn := s.current()
	if conn == nil {
		return errors.New("whisperlive: no live connection")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageBinary, chunk); err != nil {
		return fmt.Errorf("whisperlive: send audio: %w", err)
	}
	return nil
}

// Events returns the normalized transcript event channel.
func (s *session) Events() <-chan stt.StreamEvent { return s.events }

// Closed returns the terminal close-reason channel.
func (s *session) Closed() <-chan stt.CloseReason { return s.closedC }

// KeepAlive is a no-op: WhisperLive keeps local sessions alive as long as the
// socket is open.
func (s *session) KeepAlive() error { return nil }

// Close sends the END_OF_AUDIO marker, closes the socket, and suppresses
// reconnection.
func (s *session) Close() error {
	s.once.Do(func() {
		close(s.done)
		if conn := s.current(); conn != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			_ = conn.Write(ctx, websocket.MessageText, []byte("END_OF_AUDIO"))
			cancel()
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

// readLoop receives segment messages and emits transcript events. Unexpected
// closure triggers reconnection with exponential backoff.
func (s *session) readLoop() {
	defer s.wg.Done()
	ctx := context.Background()

	for {
		conn := s.current()
		_, msg, err := conn.Read(ctx)
		if err != nil {
			select {
			case <-s.done:
				return
			default:
			}
			if !s.reconnect() {
				s.finish(stt.CloseReason{Err: fmt.Errorf("whisperlive: reconnection attempts exhausted: %w", err)})
				return
			}
			continue
		}

		for _, ev := range s.parseSegments(msg) {
			select {
			case s.events <- ev:
			case <-s.done:
				return
			}
		}
	}
}

func (s *session) reconnect() bool {
	for attempt := 1; ; attempt++ {
		delay, ok := s.backoff.Delay(attempt)
		if !ok {
			return false
		}

		slog.Info("whisperlive: connection lost, reconnecting",
			"speaker", s.speaker,
			"attempt", attempt,
			"backoff", delay,
		)

		select {
		case <-s.done:
			return false
		case <-time.After(delay):
		}

		ctx, cancel := context.WithTimeout(context.Background(), serverReadyTimeout)
		conn, err := s.dial(ctx)
		cancel()
		if err == nil {
			s.replace(conn)
			slog.Info("whisperlive: reconnected", "speaker", s.speaker, "attempt", attempt)
			return true
		}
		slog.Warn("whisperlive: reconnection attempt failed",
			"speaker", s.speaker,
			"attempt", attempt,
			"err", err,
		)
	}
}

// parseSegments converts one server message into transcript events. Only the
// trailing segment is the utterance in progress: refinements of it are
// emitted as superseding partials, and the text is committed once the server
// marks the segment completed or moves on to a new one.
func (s *session) parseSegments(data []byte) []stt.StreamEvent {
	var sm serverMessage
	if err := json.Unmarshal(data, &sm); err != nil {
		return nil
	}
	if sm.UID != "" && sm.UID != s.uid {
		return nil
	}
	if len(sm.Segments) == 0 {
		return nil
	}

	var out []stt.StreamEvent
	seg := sm.Segments[len(sm.Segments)-1]
	text := strings.TrimSpace(seg.Text)

	// A new segment started while the previous one was never marked
	// completed: commit the pending text before tracking the new one.
	if s.pending != "" && string(seg.Start) != s.pendingStart {
		out = append(out, stt.StreamEvent{
			Speaker:   s.speaker,
			Text:      s.pending,
			Final:     true,
			Timestamp: time.Now(),
		})
		s.lastFinal = s.pending
		s.pending = ""
	}

	if text == "" {
		return out
	}

	if seg.Completed {
		s.pending = ""
		if text == s.lastFinal {
			return out
		}
		s.lastFinal = text
		return append(out, stt.StreamEvent{
			Speaker:      s.speaker,
			Text:         text,
			Final:        true,
			TurnComplete: true,
			Timestamp:    time.Now(),
		})
	}

	if text == s.pending {
		return out
	}
	s.pending = text
	s.pendingStart = string(seg.Start)
	return append(out, stt.StreamEvent{
		Speaker:   s.speaker,
		Text:      text,
		Partial:   true,
		Timestamp: time.Now(),
	})
}
