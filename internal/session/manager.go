// Package session manages the lifecycle of a listening session: the paired
// self/other STT streams, keep-alive ticking, proactive renewal before the
// upstream hard session limit, and best-effort teardown.
//
// A [Manager] moves through Uninitialized → Initializing → Active →
// (Renewing ⇄ Active) → Closing → Uninitialized. Audio capture is never
// interrupted by renewal: during the overlap window chunks are delivered to
// both the old and the new session pair.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/openlisten/earshot/pkg/audio"
	"github.com/openlisten/earshot/pkg/provider/stt"
	"github.com/openlisten/earshot/pkg/types"
)

// State identifies the lifecycle phase of a Manager.
type State string

const (
	StateUninitialized State = "uninitialized"
	StateInitializing  State = "initializing"
	StateActive        State = "active"
	StateRenewing      State = "renewing"
	StateClosing       State = "closing"
)

// Defaults for the lifecycle policy. All are configurable.
const (
	DefaultKeepAliveInterval = time.Minute
	DefaultRenewInterval     = 20 * time.Minute
	DefaultOverlapWindow     = 2 * time.Second
	DefaultInitAttempts      = 3
	DefaultInitRetryDelay    = time.Second
)

// Capture is the optional native audio-capture subprocess collaborator.
// Start and Stop failures are logged but never block session teardown.
type Capture interface {
	Start(ctx context.Context) error
	Stop() error
}

// Config holds the dependencies and policy knobs for a [Manager].
type Config struct {
	// Provider opens the STT streams. Required.
	Provider stt.Provider

	// Handler receives every normalized transcript event from both streams.
	// Required. Called from the sessions' event goroutines; the downstream
	// debouncer serializes internally.
	Handler func(stt.StreamEvent)

	// OnClosed, when set, is notified when a stream terminates unexpectedly
	// after its reconnection attempts are exhausted.
	OnClosed func(types.Speaker, stt.CloseReason)

	// SourceSampleRate is the rate of captured audio handed to SendChunk.
	SourceSampleRate int

	// Capture, when set, is started after the pair is up and stopped during
	// Close.
	Capture Capture

	KeepAliveInterval time.Duration
	RenewInterval     time.Duration
	OverlapWindow     time.Duration
	InitAttempts      int
	InitRetryDelay    time.Duration

	// GateThreshold and GateGrace tune the voice-activity gate. Zero values
	// select the audio package defaults.
	GateThreshold float64
	GateGrace     int
}

// pair is one self/other session set.
type pair struct {
	self  stt.SessionHandle
	other stt.SessionHandle
}

func (p *pair) handle(sp types.Speaker) stt.SessionHandle {
	if sp == types.SpeakerSelf {
		return p.self
	}
	return p.other
}

// close shuts both handles down in parallel, best-effort.
func (p *pair) close() {
	var wg sync.WaitGroup
	for _, h := range []stt.SessionHandle{p.self, p.other} {
		if h == nil {
			continue
		}
		wg.Add(1)
		go func(h stt.SessionHandle) {
			defer wg.Done()
			if err := h.Close(); err != nil {
				slog.Warn("session: stream close error", "err", err)
			}
		}(h)
	}
	wg.Wait()
}

// Manager owns one listening session's stream pair and timers. All exported
// methods are safe for concurrent use.
type Manager struct {
	cfg Config

	mu         sync.Mutex
	state      State
	sessionID  string
	language   string
	startedAt  time.Time
	current    *pair
	old        *pair
	cancel     context.CancelFunc
	resamplers map[types.Speaker]*audio.Resampler
	gates      map[types.Speaker]*audio.Gate
	wg         sync.WaitGroup
}

// NewManager validates cfg and returns an uninitialized Manager.
func NewManager(cfg Config) (*Manager, error) {
	var errs []error
	if cfg.Provider == nil {
		errs = append(errs, errors.New("session: Provider must not be nil"))
	}
	if cfg.Handler == nil {
		errs = append(errs, errors.New("session: Handler must not be nil"))
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}

	if cfg.KeepAliveInterval <= 0 {
		cfg.KeepAliveInterval = DefaultKeepAliveInterval
	}
	if cfg.RenewInterval <= 0 {
		cfg.RenewInterval = DefaultRenewInterval
	}
	if cfg.OverlapWindow <= 0 {
		cfg.OverlapWindow = DefaultOverlapWindow
	}
	if cfg.InitAttempts <= 0 {
		cfg.InitAttempts = DefaultInitAttempts
	}
	if cfg.InitRetryDelay <= 0 {
		cfg.InitRetryDelay = DefaultInitRetryDelay
	}

	return &Manager{
		cfg:   cfg,
		state: StateUninitialized,
	}, nil
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// SessionID returns the active session's identifier, or "" when none.
func (m *Manager) SessionID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessionID
}

// StartedAt returns when the active session was initialized.
func (m *Manager) StartedAt() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.startedAt
}

// Initialize establishes the self/other stream pair for the given language
// and starts the keep-alive and renewal timers. A second call while a
// session is initializing or active is rejected.
func (m *Manager) Initialize(ctx context.Context, language string) error {
	m.mu.Lock()
	if m.state != StateUninitialized {
		state := m.state
		m.mu.Unlock()
		return fmt.Errorf("session: initialize rejected in state %q", state)
	}
	m.state = StateInitializing
	m.sessionID = uuid.NewString()
	m.language = language
	m.mu.Unlock()

	gateOpts := []audio.GateOption{}
	if m.cfg.GateThreshold > 0 {
		gateOpts = append(gateOpts, audio.WithGateThreshold(m.cfg.GateThreshold))
	}
	if m.cfg.GateGrace > 0 {
		gateOpts = append(gateOpts, audio.WithGateGrace(m.cfg.GateGrace))
	}

	sessionCtx, cancel := context.WithCancel(context.Background())

	p, err := m.establishPair(ctx, language)
	if err != nil {
		cancel()
		m.mu.Lock()
		m.state = StateUninitialized
		m.sessionID = ""
		m.mu.Unlock()
		return fmt.Errorf("session: initialize: %w", err)
	}

	m.mu.Lock()
	m.cancel = cancel
	m.current = p
	m.startedAt = time.Now()
	m.resamplers = map[types.Speaker]*audio.Resampler{}
	m.gates = map[types.Speaker]*audio.Gate{
		types.SpeakerSelf:  audio.NewGate(gateOpts...),
		types.SpeakerOther: audio.NewGate(gateOpts...),
	}
	m.pumpLocked(sessionCtx, p)
	m.state = StateActive
	sessionID := m.sessionID
	m.mu.Unlock()

	m.wg.Add(2)
	go m.keepAliveLoop(sessionCtx)
	go m.renewLoop(sessionCtx)

	if m.cfg.Capture != nil {
		if err := m.cfg.Capture.Start(sessionCtx); err != nil {
			slog.Warn("session: capture start failed", "session_id", sessionID, "err", err)
		}
	}

	slog.Info("session initialized",
		"session_id", sessionID,
		"language", language,
		"keepalive_interval", m.cfg.KeepAliveInterval,
		"renew_interval", m.cfg.RenewInterval,
	)
	return nil
}

// establishPair opens both streams concurrently, retrying the whole pair up
// to InitAttempts times. A partially created pair is unwound before retrying.
func (m *Manager) establishPair(ctx context.Context, language string) (*pair, error) {
	var lastErr error
	for attempt := 1; attempt <= m.cfg.InitAttempts; attempt++ {
		p := &pair{}
		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			h, err := m.startStream(gctx, types.SpeakerSelf, language)
			p.self = h
			return err
		})
		g.Go(func() error {
			h, err := m.startStream(gctx, types.SpeakerOther, language)
			p.other = h
			return err
		})
		if err := g.Wait(); err != nil {
			p.close()
			lastErr = err
			slog.Warn("session: pair establishment failed",
				"attempt", attempt,
				"max_attempts", m.cfg.InitAttempts,
				"err", err,
			)
			if attempt < m.cfg.InitAttempts {
				select {
				case <-ctx.Done():
					return nil, ctx.Err()
				case <-time.After(m.cfg.InitRetryDelay):
				}
			}
			continue
		}
		return p, nil
	}
	return nil, fmt.Errorf("establish pair after %d attempts: %w", m.cfg.InitAttempts, lastErr)
}

func (m *Manager) startStream(ctx context.Context, sp types.Speaker, language string) (stt.SessionHandle, error) {
	rate := m.cfg.SourceSampleRate
	if required := m.cfg.Provider.RequiredSampleRate(); required > 0 {
		rate = required
	}
	h, err := m.cfg.Provider.StartStream(ctx, stt.StreamConfig{
		SampleRate: rate,
		Channels:   1,
		Language:   language,
		Speaker:    sp,
	})
	if err != nil {
		return nil, fmt.Errorf("start %s stream: %w", sp, err)
	}
	return h, nil
}

// pumpLocked starts the event and close watchers for both handles of p.
// Callers must hold m.mu.
func (m *Manager) pumpLocked(ctx context.Context, p *pair) {
	for _, sp := range []types.Speaker{types.SpeakerSelf, types.SpeakerOther} {
		h := p.handle(sp)
		m.wg.Add(2)
		go func(sp types.Speaker, h stt.SessionHandle) {
			defer m.wg.Done()
			for ev := range h.Events() {
				m.cfg.Handler(ev)
			}
		}(sp, h)
		go func(sp types.Speaker, h stt.SessionHandle) {
			defer m.wg.Done()
			select {
			case reason := <-h.Closed():
				if reason.Intentional {
					return
				}
				slog.Error("session: stream closed unexpectedly", "speaker", sp, "err", reason.Err)
				if m.cfg.OnClosed != nil {
					m.cfg.OnClosed(sp, reason)
				}
			case <-ctx.Done():
			}
		}(sp, h)
	}
}

// SendChunk routes one mono capture chunk to the stream for its speaker,
// resampling and re-encoding to the provider's required format and applying
// the voice-activity gate. During renewal overlap the chunk goes to both the
// old and new stream so no audio is dropped. Suppressed chunks return nil.
func (m *Manager) SendChunk(chunk audio.Chunk) error {
	m.mu.Lock()
	if m.state != StateActive && m.state != StateRenewing {
		m.mu.Unlock()
		return fmt.Errorf("session: send in state %q", m.state)
	}
	current, old := m.current, m.old
	gate := m.gates[chunk.Speaker]
	payload, floats := m.preparePayloadLocked(chunk)
	m.mu.Unlock()

	if gate != nil && !gate.Pass(floats) {
		return nil
	}

	var errs []error
	if h := current.handle(chunk.Speaker); h != nil {
		if err := h.SendAudio(payload); err != nil {
			errs = append(errs, err)
		}
	}
	if old != nil {
		if h := old.handle(chunk.Speaker); h != nil {
			if err := h.SendAudio(payload); err != nil {
				slog.Debug("session: send to retiring stream failed", "speaker", chunk.Speaker, "err", err)
			}
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("session: send audio: %w", errors.Join(errs...))
	}
	return nil
}

// preparePayloadLocked converts chunk data to the provider's sample rate and
// byte format. Callers must hold m.mu (resamplers are per-speaker state).
func (m *Manager) preparePayloadLocked(chunk audio.Chunk) (payload []byte, floats []float32) {
	required := m.cfg.Provider.RequiredSampleRate()
	if required > 0 && chunk.SampleRate != required {
		r, ok := m.resamplers[chunk.Speaker]
		if !ok {
			r = audio.NewResampler(chunk.SampleRate, required)
			m.resamplers[chunk.Speaker] = r
		}
		floats = r.Resample(chunk.Data)
	} else {
		floats = audio.PCM16ToFloat32(chunk.Data)
	}

	if m.cfg.Provider.SampleFormat() == stt.FormatFloat32 {
		return audio.Float32ToBytes(floats), floats
	}
	if required > 0 && chunk.SampleRate != required {
		return audio.Float32ToPCM16(floats), floats
	}
	return chunk.Data, floats
}

// keepAliveLoop pings both streams on a fixed interval while the session is
// up.
func (m *Manager) keepAliveLoop(ctx context.Context) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.KeepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.mu.Lock()
			current := m.current
			m.mu.Unlock()
			if current == nil {
				continue
			}
			for _, sp := range []types.Speaker{types.SpeakerSelf, types.SpeakerOther} {
				if h := current.handle(sp); h != nil {
					if err := h.KeepAlive(); err != nil {
						slog.Warn("session: keepalive failed", "speaker", sp, "err", err)
					}
				}
			}
		}
	}
}

// renewLoop replaces the stream pair on a fixed interval, keeping the old
// pair alive for the overlap window.
func (m *Manager) renewLoop(ctx context.Context) {
	defer m.wg.Done()
	timer := time.NewTimer(m.cfg.RenewInterval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			m.renew(ctx)
			timer.Reset(m.cfg.RenewInterval)
		}
	}
}

func (m *Manager) renew(ctx context.Context) {
	m.mu.Lock()
	if m.state != StateActive {
		m.mu.Unlock()
		return
	}
	m.state = StateRenewing
	sessionID := m.sessionID
	language := m.language
	m.mu.Unlock()

	slog.Info("session: renewing stream pair", "session_id", sessionID)

	fresh, err := m.establishPair(ctx, language)
	if err != nil {
		slog.Error("session: renewal failed, keeping existing pair", "session_id", sessionID, "err", err)
		m.mu.Lock()
		if m.state == StateRenewing {
			m.state = StateActive
		}
		m.mu.Unlock()
		return
	}

	m.mu.Lock()
	if m.state != StateRenewing {
		// Closed while we were dialing.
		m.mu.Unlock()
		fresh.close()
		return
	}
	m.old = m.current
	m.current = fresh
	m.pumpLocked(ctx, fresh)
	m.mu.Unlock()

	select {
	case <-ctx.Done():
	case <-time.After(m.cfg.OverlapWindow):
	}

	m.mu.Lock()
	retiring := m.old
	m.old = nil
	if m.state == StateRenewing {
		m.state = StateActive
	}
	m.mu.Unlock()

	if retiring != nil {
		retiring.close()
	}
	slog.Info("session: renewal complete", "session_id", sessionID)
}

// Close tears the session down: timers are cancelled first so no stale fire
// can race teardown, then both pairs close in parallel, the capture
// subprocess is stopped, and all per-speaker state is reset. Subordinate
// failures are logged and never block progress.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.state == StateUninitialized || m.state == StateClosing {
		m.mu.Unlock()
		return errors.New("session: no active session to close")
	}
	m.state = StateClosing
	sessionID := m.sessionID
	if m.cancel != nil {
		m.cancel()
	}
	current, old := m.current, m.old
	m.current = nil
	m.old = nil
	m.resamplers = nil
	m.gates = nil
	m.mu.Unlock()

	if m.cfg.Capture != nil {
		if err := m.cfg.Capture.Stop(); err != nil {
			slog.Warn("session: capture stop error", "session_id", sessionID, "err", err)
		}
	}

	if old != nil {
		old.close()
	}
	if current != nil {
		current.close()
	}
	m.wg.Wait()

	m.mu.Lock()
	m.state = StateUninitialized
	m.sessionID = ""
	m.startedAt = time.Time{}
	m.cancel = nil
	m.mu.Unlock()

	slog.Info("session closed", "session_id", sessionID)
	return nil
}
