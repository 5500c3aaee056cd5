// Package analysis maintains the ordered conversation history for a
// listening session and periodically turns it into structured insight
// snapshots via an LLM.
//
// The [Engine] triggers an analysis each time the turn count crosses a fixed
// cadence. Triggers arriving while a run is in flight collapse into a single
// pending re-run. Model replies are parsed through an ordered fallback
// pipeline and merged with the previous snapshot so the displayed state never
// regresses to empty.
package analysis

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/openlisten/earshot/pkg/provider/llm"
	"github.com/openlisten/earshot/pkg/store"
	"github.com/openlisten/earshot/pkg/types"
)

// Defaults for the trigger and prompt policies. All are configurable.
const (
	DefaultTurnInterval   = 3
	DefaultPromptWindow   = 30
	DefaultHistoryLimit   = 10
	DefaultRequestTimeout = 30 * time.Second
)

const systemPrompt = `You are a live meeting assistant. You receive the recent transcript of an ongoing conversation between the user ("Me") and another participant ("Them"), plus the previous analysis state.

Respond with strict JSON only, no prose and no code fences, using exactly this schema:
{
  "suggestion": "one natural sentence the user could say next",
  "guidance": "short advice for handling the current question or topic",
  "followUps": ["up to 4 follow-up questions the user could ask"],
  "summary": "running summary of the conversation so far",
  "bullets": ["up to 5 key points so far"]
}

Keep every field grounded in the transcript. Update the summary and bullets incrementally from the previous state rather than starting over.`

// Option is a functional option for configuring an Engine.
type Option func(*Engine)

// WithTurnInterval sets how many new turns trigger an analysis pass.
func WithTurnInterval(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.interval = n
		}
	}
}

// WithPromptWindow caps how many recent turns are included in the prompt.
func WithPromptWindow(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.window = n
		}
	}
}

// WithHistoryLimit caps the in-memory snapshot history.
func WithHistoryLimit(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.historyLimit = n
		}
	}
}

// WithRequestTimeout bounds each LLM call.
func WithRequestTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.timeout = d
		}
	}
}

// WithSnapshotFunc sets a callback invoked with each new snapshot.
func WithSnapshotFunc(fn func(Snapshot)) Option {
	return func(e *Engine) { e.onSnapshot = fn }
}

// WithStatusFunc sets a callback invoked with short status text on analysis
// failures.
func WithStatusFunc(fn func(string)) Option {
	return func(e *Engine) { e.onStatus = fn }
}

// WithSummaryStore enables persistence of each successful analysis.
func WithSummaryStore(s store.SummaryStore) Option {
	return func(e *Engine) { e.summaries = s }
}

// WithObserveFunc sets a callback invoked after each analysis pass with its
// outcome ("ok" or "error") and wall-clock duration.
func WithObserveFunc(fn func(status string, elapsed time.Duration)) Option {
	return func(e *Engine) { e.onObserve = fn }
}

// Engine runs the incremental conversation analysis loop. Safe for
// concurrent use; turns may arrive from the debouncer while an analysis is
// in flight.
type Engine struct {
	provider  llm.Provider
	summaries store.SummaryStore
	sessionID string

	interval     int
	window       int
	historyLimit int
	timeout      time.Duration

	onSnapshot func(Snapshot)
	onStatus   func(string)
	onObserve  func(status string, elapsed time.Duration)

	ctx    context.Context
	cancel context.CancelFunc

	mu           sync.Mutex
	turns        []types.Turn
	snapshot     Snapshot
	hasSnapshot  bool
	history      []Snapshot
	lastAnalyzed int
	inFlight     bool
	pending      bool
	wg           sync.WaitGroup
}

// NewEngine creates an Engine for one listening session.
func NewEngine(sessionID string, provider llm.Provider, opts ...Option) *Engine {
	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		provider:     provider,
		sessionID:    sessionID,
		interval:     DefaultTurnInterval,
		window:       DefaultPromptWindow,
		historyLimit: DefaultHistoryLimit,
		timeout:      DefaultRequestTimeout,
		ctx:          ctx,
		cancel:       cancel,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// AddTurn appends one finalized turn and starts an analysis pass when the
// turn count crosses the next cadence point. If a pass is already running
// the trigger is coalesced into a single pending re-run.
func (e *Engine) AddTurn(turn types.Turn) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.turns = append(e.turns, turn)
	if len(e.turns) < e.lastAnalyzed+e.interval {
		return
	}
	if e.inFlight {
		e.pending = true
		return
	}
	e.startLocked()
}

// Snapshot returns the latest snapshot and whether one exists yet.
func (e *Engine) Snapshot() (Snapshot, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshot, e.hasSnapshot
}

// Turns returns a copy of the full conversation history.
func (e *Engine) Turns() []types.Turn {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]types.Turn, len(e.turns))
	copy(out, e.turns)
	return out
}

// History returns the bounded snapshot history, oldest first.
func (e *Engine) History() []Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Snapshot, len(e.history))
	copy(out, e.history)
	return out
}

// Close cancels any in-flight analysis and waits for the worker to exit.
func (e *Engine) Close() {
	e.cancel()
	e.wg.Wait()
}

// startLocked marks the run boundary and launches the worker. Callers must
// hold e.mu.
func (e *Engine) startLocked() {
	e.inFlight = true
	milestone := e.lastAnalyzed
	e.lastAnalyzed = len(e.turns)
	prompt := e.buildPromptLocked()
	prev := e.snapshot

	e.wg.Add(1)
	go e.run(prompt, prev, e.lastAnalyzed, milestone)
}

func (e *Engine) run(prompt string, prev Snapshot, total, milestone int) {
	defer e.wg.Done()

	start := time.Now()
	snap, err := e.analyze(prompt, prev, total, milestone)
	if e.onObserve != nil {
		status := "ok"
		if err != nil {
			status = "error"
		}
		e.onObserve(status, time.Since(start))
	}

	e.mu.Lock()
	e.inFlight = false
	if err != nil {
		slog.Error("analysis failed, keeping previous snapshot",
			"session_id", e.sessionID,
			"err", err,
		)
		if e.onStatus != nil {
			defer e.onStatus("Analysis unavailable")
		}
	} else {
		e.snapshot = snap
		e.hasSnapshot = true
		e.history = append(e.history, snap)
		if len(e.history) > e.historyLimit {
			e.history = e.history[len(e.history)-e.historyLimit:]
		}
		if e.onSnapshot != nil {
			defer e.onSnapshot(snap)
		}
	}

	// Re-evaluate coalesced triggers against the latest history.
	if e.pending && e.ctx.Err() == nil {
		e.pending = false
		if len(e.turns) > e.lastAnalyzed {
			e.startLocked()
		}
	}
	e.mu.Unlock()
}

func (e *Engine) analyze(prompt string, prev Snapshot, total, milestone int) (Snapshot, error) {
	ctx, cancel := context.WithTimeout(e.ctx, e.timeout)
	defer cancel()

	resp, err := e.provider.Complete(ctx, llm.CompletionRequest{
		SystemPrompt: systemPrompt,
		Messages:     []llm.Message{{Role: "user", Content: prompt}},
		Temperature:  0.3,
	})
	if err != nil {
		return Snapshot{}, fmt.Errorf("analysis: complete: %w", err)
	}

	parsed, ok := parseResponse(resp.Content)
	if !ok {
		// Unparseable output is absorbed: the previous snapshot stands.
		parsed = Snapshot{}
	}
	snap := normalize(parsed, prev)
	snap.Model = e.provider.Model()
	snap.GeneratedAt = time.Now()
	snap.RunID = uuid.NewString()
	snap.ConversationLength = total
	snap.MilestoneLength = milestone

	if e.summaries != nil {
		if err := e.summaries.SaveSummary(ctx, store.Summary{
			SessionID:   e.sessionID,
			TLDR:        headline(snap.Summary),
			Text:        snap.Summary,
			Bullets:     snap.Bullets,
			Actions:     snap.FollowUps,
			Model:       snap.Model,
			GeneratedAt: snap.GeneratedAt,
		}); err != nil {
			slog.Warn("analysis: persist summary failed", "session_id", e.sessionID, "err", err)
		}
	}
	return snap, nil
}

// buildPromptLocked assembles the bounded transcript window plus a compact
// rendering of the previous snapshot. Callers must hold e.mu.
func (e *Engine) buildPromptLocked() string {
	turns := e.turns
	if len(turns) > e.window {
		turns = turns[len(turns)-e.window:]
	}

	var sb strings.Builder
	if e.hasSnapshot {
		sb.WriteString("Previous analysis state:\n")
		fmt.Fprintf(&sb, "Summary: %s\n", e.snapshot.Summary)
		for _, b := range e.snapshot.Bullets {
			fmt.Fprintf(&sb, "- %s\n", b)
		}
		sb.WriteString("\n")
	}
	sb.WriteString("Recent transcript:\n")
	for _, t := range turns {
		fmt.Fprintf(&sb, "[%s]: %s\n", speakerLabel(t.Speaker), t.Text)
	}
	return sb.String()
}

func speakerLabel(s types.Speaker) string {
	if s == types.SpeakerSelf {
		return "Me"
	}
	return "Them"
}

// headline reduces a summary to a short single-line TLDR.
func headline(summary string) string {
	summary = strings.TrimSpace(summary)
	if i := strings.IndexAny(summary, ".!?\n"); i > 0 {
		summary = summary[:i+1]
	}
	const max = 140
	if len(summary) > max {
		summary = strings.TrimSpace(summary[:max])
	}
	return strings.TrimSuffix(summary, "\n")
}
