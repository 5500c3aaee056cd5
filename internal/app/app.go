// Package app wires all earshot subsystems into a running application.
//
// The App owns one listening session at a time: StartListening opens the
// paired transcription streams through the session manager and connects them
// to the noise filter, the turn debouncer, the analysis engine, and the event
// sink; StopListening tears the pipeline down and exports the session note.
//
// For testing, inject mock implementations via functional options
// (WithTurnStore, WithSink, etc.). When an option is not provided, New uses a
// no-op sink and skips persistence.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/openlisten/earshot/internal/analysis"
	"github.com/openlisten/earshot/internal/config"
	"github.com/openlisten/earshot/internal/events"
	"github.com/openlisten/earshot/internal/export"
	"github.com/openlisten/earshot/internal/noise"
	"github.com/openlisten/earshot/internal/observe"
	"github.com/openlisten/earshot/internal/session"
	"github.com/openlisten/earshot/internal/turn"
	"github.com/openlisten/earshot/pkg/audio"
	"github.com/openlisten/earshot/pkg/provider/llm"
	"github.com/openlisten/earshot/pkg/provider/stt"
	"github.com/openlisten/earshot/pkg/store"
	"github.com/openlisten/earshot/pkg/types"
)

// ErrAlreadyListening is returned by StartListening while a session is active.
var ErrAlreadyListening = errors.New("app: a listening session is already active")

// ErrNotListening is returned by StopListening when no session is active.
var ErrNotListening = errors.New("app: no listening session is active")

// persistTimeout bounds store writes issued from the hot transcript path.
const persistTimeout = 5 * time.Second

// App owns the listening pipeline and its collaborators.
type App struct {
	cfg     *config.Config
	stt     stt.Provider
	llm     llm.Provider
	sink    events.Sink
	metrics *observe.Metrics
	capture session.Capture

	turnStore    store.TurnStore
	summaryStore store.SummaryStore
	noteStore    store.NoteStore

	mu        sync.Mutex
	listening bool
	sessionID string
	manager   *session.Manager
	debouncer *turn.Debouncer
	engine    *analysis.Engine
	turns     []types.Turn
}

// Option is a functional option for New. Use these to inject collaborators.
type Option func(*App)

// WithSink sets the event sink. Defaults to a sink that discards everything.
func WithSink(s events.Sink) Option {
	return func(a *App) { a.sink = s }
}

// WithMetrics sets the metrics instance. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithTurnStore enables turn persistence.
func WithTurnStore(s store.TurnStore) Option {
	return func(a *App) { a.turnStore = s }
}

// WithSummaryStore enables analysis summary persistence.
func WithSummaryStore(s store.SummaryStore) Option {
	return func(a *App) { a.summaryStore = s }
}

// WithNoteStore enables session note persistence on StopListening.
func WithNoteStore(s store.NoteStore) Option {
	return func(a *App) { a.noteStore = s }
}

// WithCapture sets the system-audio capture subprocess started with each
// session.
func WithCapture(c session.Capture) Option {
	return func(a *App) { a.capture = c }
}

// New wires an App from its providers. The STT provider is required; when the
// LLM provider is nil the app runs transcription-only with no analysis.
func New(cfg *config.Config, sttProvider stt.Provider, llmProvider llm.Provider, opts ...Option) (*App, error) {
	if cfg == nil {
		return nil, errors.New("app: cfg must not be nil")
	}
	if sttProvider == nil {
		return nil, errors.New("app: stt provider must not be nil")
	}

	a := &App{
		cfg:  cfg,
		stt:  sttProvider,
		llm:  llmProvider,
		sink: events.NewFanout(),
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	return a, nil
}

// Listening reports whether a session is currently active.
func (a *App) Listening() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.listening
}

// SessionID returns the active session's identifier, or "" when none.
func (a *App) SessionID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.sessionID
}

// StartListening opens the transcription stream pair and starts the pipeline.
// It blocks until both streams are established or the bounded retries are
// exhausted.
func (a *App) StartListening(ctx context.Context) error {
	a.mu.Lock()
	if a.listening {
		a.mu.Unlock()
		return ErrAlreadyListening
	}

	flushDelay := a.cfg.Session.FlushDelay
	if flushDelay <= 0 {
		flushDelay = a.stt.FlushDelay()
	}
	a.debouncer = turn.New(a.stt.Accumulation(), flushDelay, a.onTurn,
		turn.WithStatusFunc(a.sink.StatusText),
		turn.WithNoiseFunc(noise.IsNoise),
	)

	mgr, err := session.NewManager(session.Config{
		Provider:          a.stt,
		Handler:           a.handleEvent,
		OnClosed:          a.onStreamClosed,
		SourceSampleRate:  a.cfg.Capture.SampleRate,
		Capture:           a.capture,
		KeepAliveInterval: a.cfg.Session.KeepAliveInterval,
		RenewInterval:     a.cfg.Session.RenewInterval,
		OverlapWindow:     a.cfg.Session.RenewOverlap,
		GateThreshold:     a.cfg.Session.VADThreshold,
		GateGrace:         a.cfg.Session.VADGrace,
	})
	if err != nil {
		a.mu.Unlock()
		return fmt.Errorf("app: build session manager: %w", err)
	}
	a.manager = mgr
	a.turns = nil
	a.mu.Unlock()

	language := a.cfg.Session.Language
	if language == "" {
		language = "en"
	}

	start := time.Now()
	if err := mgr.Initialize(ctx, language); err != nil {
		return fmt.Errorf("app: start listening: %w", err)
	}
	a.metrics.StreamEstablishDuration.Record(ctx, time.Since(start).Seconds())
	a.metrics.ActiveSessions.Add(ctx, 1)
	a.metrics.ActiveStreams.Add(ctx, 2)

	a.mu.Lock()
	if a.llm != nil {
		engineOpts := []analysis.Option{
			analysis.WithSnapshotFunc(a.sink.AnalysisSnapshot),
			analysis.WithStatusFunc(a.sink.StatusText),
			analysis.WithObserveFunc(func(status string, elapsed time.Duration) {
				a.metrics.RecordAnalysis(context.Background(), status, elapsed.Seconds())
			}),
		}
		if a.summaryStore != nil {
			engineOpts = append(engineOpts, analysis.WithSummaryStore(a.summaryStore))
		}
		if n := a.cfg.Analysis.TurnInterval; n > 0 {
			engineOpts = append(engineOpts, analysis.WithTurnInterval(n))
		}
		if n := a.cfg.Analysis.PromptWindow; n > 0 {
			engineOpts = append(engineOpts, analysis.WithPromptWindow(n))
		}
		if n := a.cfg.Analysis.HistoryLimit; n > 0 {
			engineOpts = append(engineOpts, analysis.WithHistoryLimit(n))
		}
		if d := a.cfg.Analysis.RequestTimeout; d > 0 {
			engineOpts = append(engineOpts, analysis.WithRequestTimeout(d))
		}
		a.engine = analysis.NewEngine(mgr.SessionID(), a.llm, engineOpts...)
	}
	a.sessionID = mgr.SessionID()
	a.listening = true
	a.mu.Unlock()

	slog.Info("listening session started",
		"session_id", mgr.SessionID(),
		"language", language,
		"analysis", a.llm != nil,
	)
	a.sink.StatusText("Listening...")
	return nil
}

// Reconfigure applies hot-reloadable settings from a configuration change.
// Analysis cadence and the capture gate take effect when the next listening
// session starts; the active session keeps the values it was started with.
func (a *App) Reconfigure(d config.DiffResult) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if d.AnalysisChanged {
		a.cfg.Analysis = d.NewAnalysis
	}
	if d.GateChanged {
		a.cfg.Session.VADThreshold = d.NewVADThreshold
		a.cfg.Session.VADGrace = d.NewVADGrace
	}
}

// SendChunk feeds captured audio for one speaker into the active session.
func (a *App) SendChunk(chunk audio.Chunk) error {
	a.mu.Lock()
	mgr := a.manager
	active := a.listening
	a.mu.Unlock()

	if !active || mgr == nil {
		return ErrNotListening
	}
	if err := mgr.SendChunk(chunk); err != nil {
		a.metrics.RecordChunk(context.Background(), string(chunk.Speaker), "dropped")
		return err
	}
	a.metrics.RecordChunk(context.Background(), string(chunk.Speaker), "sent")
	return nil
}

// StopListening closes the session, flushes pending turns, and returns the
// rendered session note. The note is persisted when a note store is
// configured.
func (a *App) StopListening(ctx context.Context) (string, error) {
	a.mu.Lock()
	if !a.listening {
		a.mu.Unlock()
		return "", ErrNotListening
	}
	a.listening = false
	mgr := a.manager
	deb := a.debouncer
	eng := a.engine
	a.manager = nil
	a.debouncer = nil
	a.engine = nil
	sessionID := mgr.SessionID()
	startedAt := mgr.StartedAt()
	a.mu.Unlock()

	var errs []error

	// Stop audio first so no new events arrive, then flush what is buffered.
	if err := mgr.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close session: %w", err))
	}
	deb.FlushAll()
	deb.Close()

	a.mu.Lock()
	a.sessionID = ""
	a.mu.Unlock()

	var snap analysis.Snapshot
	var hasSnap bool
	if eng != nil {
		snap, hasSnap = eng.Snapshot()
		eng.Close()
	}

	a.metrics.ActiveSessions.Add(ctx, -1)
	a.metrics.ActiveStreams.Add(ctx, -2)

	a.mu.Lock()
	turns := make([]types.Turn, len(a.turns))
	copy(turns, a.turns)
	a.mu.Unlock()

	note := export.Render(export.Document{
		SessionID:   sessionID,
		Title:       "Conversation Notes",
		StartedAt:   startedAt,
		EndedAt:     time.Now(),
		Turns:       turns,
		Snapshot:    snap,
		HasSnapshot: hasSnap,
	})

	if a.noteStore != nil {
		saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
		defer cancel()
		err := a.noteStore.SaveNote(saveCtx, store.Note{
			SessionID: sessionID,
			Title:     "Conversation Notes",
			Body:      note,
			CreatedAt: time.Now(),
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("save note: %w", err))
		}
	}

	slog.Info("listening session stopped", "session_id", sessionID, "turns", len(turns))
	return note, errors.Join(errs...)
}

// handleEvent is the session manager's transcript callback: partial
// forwarding, then the debouncer. Fragments are passed through untouched;
// noise screening happens on the assembled utterance when the debouncer
// flushes, so delta streams never lose individual pieces.
func (a *App) handleEvent(ev stt.StreamEvent) {
	kind := "final"
	if ev.Partial {
		kind = "partial"
	}
	a.metrics.RecordStreamEvent(context.Background(), string(ev.Speaker), kind)

	if ev.Partial && ev.Text != "" {
		a.sink.PartialUtterance(ev.Speaker, ev.Text)
	}

	a.mu.Lock()
	deb := a.debouncer
	a.mu.Unlock()
	if deb != nil {
		deb.HandleEvent(ev)
	}
}

// onTurn receives each finalized turn from the debouncer.
func (a *App) onTurn(t types.Turn) {
	a.metrics.RecordTurn(context.Background(), string(t.Speaker))

	a.mu.Lock()
	a.turns = append(a.turns, t)
	eng := a.engine
	sessionID := a.sessionID
	a.mu.Unlock()

	if a.turnStore != nil && sessionID != "" {
		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		if err := a.turnStore.AppendTurn(ctx, sessionID, t); err != nil {
			slog.Error("failed to persist turn", "session_id", sessionID, "seq", t.Seq, "err", err)
		}
		cancel()
	}

	a.sink.FinalizedUtterance(t)

	if eng != nil {
		eng.AddTurn(t)
	}
}

// onStreamClosed is invoked when a stream dies after exhausting reconnects.
func (a *App) onStreamClosed(sp types.Speaker, reason stt.CloseReason) {
	if reason.Intentional {
		return
	}
	slog.Error("transcription stream lost", "speaker", sp, "err", reason.Err)
	a.metrics.RecordProviderError(context.Background(), "stt", string(sp))
	a.sink.StatusText("Transcription interrupted")
}
