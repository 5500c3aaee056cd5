// Package turn converts the stream of partial and final transcript fragments
// produced by an STT session pair into discrete, speaker-attributed
// conversation turns.
//
// A [Debouncer] keeps one small state machine per speaker
// (Idle → Accumulating → Flushed → Idle). Fragments restart a flush timer;
// an explicit turn-complete signal, or the other speaker becoming active,
// flushes immediately. This guarantees utterances never interleave across
// speakers in the emitted turn log.
package turn

import (
	"strings"
	"sync"
	"time"

	"github.com/openlisten/earshot/pkg/provider/stt"
	"github.com/openlisten/earshot/pkg/types"
)

// DefaultFlushDelay is used when the provider does not recommend one.
const DefaultFlushDelay = 25 * time.Millisecond

// Option is a functional option for configuring a Debouncer.
type Option func(*Debouncer)

// WithStatusFunc sets a callback invoked with short status text after each
// flush (e.g. to reset a UI caption back to "Listening...").
func WithStatusFunc(fn func(status string)) Option {
	return func(d *Debouncer) { d.onStatus = fn }
}

// WithAfterFunc overrides the timer constructor. Used by tests to substitute
// a synchronous fake clock.
func WithAfterFunc(fn func(d time.Duration, f func()) *time.Timer) Option {
	return func(d *Debouncer) { d.afterFunc = fn }
}

// WithNoiseFunc sets a predicate applied to the assembled utterance text at
// flush time. Utterances the predicate rejects are dropped without consuming
// a sequence number. Screening whole utterances here, rather than individual
// fragments, keeps delta streams from losing their pieces.
func WithNoiseFunc(fn func(text string) bool) Option {
	return func(d *Debouncer) { d.noiseFn = fn }
}

// speakerState holds one speaker's accumulation buffer and pending timer.
type speakerState struct {
	parts    []string
	inflight string
	timer    *time.Timer
	gen      uint64
}

func (s *speakerState) pending() bool {
	return len(s.parts) > 0 || s.inflight != ""
}

func (s *speakerState) reset() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.gen++
	s.parts = nil
	s.inflight = ""
}

// Debouncer buffers transcript fragments per speaker and emits finalized
// [types.Turn] values. Safe for concurrent use; events from both speakers'
// sessions are serialized internally.
type Debouncer struct {
	mode       stt.Accumulation
	flushDelay time.Duration
	onTurn     func(types.Turn)
	onStatus   func(string)
	noiseFn    func(string) bool
	afterFunc  func(time.Duration, func()) *time.Timer

	mu       sync.Mutex
	speakers map[types.Speaker]*speakerState
	active   types.Speaker
	seq      int
	closed   bool
}

// New creates a Debouncer for a provider with the given accumulation mode.
// flushDelay <= 0 selects [DefaultFlushDelay]. onTurn receives every
// finalized turn and must not be nil.
func New(mode stt.Accumulation, flushDelay time.Duration, onTurn func(types.Turn), opts ...Option) *Debouncer {
	if flushDelay <= 0 {
		flushDelay = DefaultFlushDelay
	}
	d := &Debouncer{
		mode:       mode,
		flushDelay: flushDelay,
		onTurn:     onTurn,
		afterFunc:  time.AfterFunc,
		speakers: map[types.Speaker]*speakerState{
			types.SpeakerSelf:  {},
			types.SpeakerOther: {},
		},
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// HandleEvent feeds one normalized transcript event into the state machine.
// Events arriving after Close are dropped.
func (d *Debouncer) HandleEvent(ev stt.StreamEvent) {
	if !ev.Speaker.IsValid() {
		return
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}

	// Speaker switch: finalize the previously active speaker before the new
	// one begins accumulating, so turns never interleave.
	if d.active != "" && d.active != ev.Speaker {
		if prev := d.speakers[d.active]; prev.pending() {
			d.flushLocked(d.active)
		}
	}
	d.active = ev.Speaker

	st := d.speakers[ev.Speaker]
	switch d.mode {
	case stt.AccumulateDelta:
		st.inflight += ev.Text
	default:
		// Replace and whole modes: each partial supersedes the in-flight
		// text, each final commits a piece and clears it.
		if ev.Final {
			if ev.Text != "" {
				st.parts = append(st.parts, ev.Text)
			}
			st.inflight = ""
		} else {
			st.inflight = ev.Text
		}
	}

	if ev.TurnComplete {
		d.flushLocked(ev.Speaker)
		return
	}
	d.scheduleLocked(ev.Speaker)
}

// Flush force-finalizes one speaker's buffered content immediately.
func (d *Debouncer) Flush(speaker types.Speaker) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed || !speaker.IsValid() {
		return
	}
	d.flushLocked(speaker)
}

// FlushAll finalizes any buffered content for both speakers, the previously
// active speaker first.
func (d *Debouncer) FlushAll() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	order := []types.Speaker{types.SpeakerSelf, types.SpeakerOther}
	if d.active == types.SpeakerOther {
		order[0], order[1] = order[1], order[0]
	}
	for _, sp := range order {
		d.flushLocked(sp)
	}
}

// Close flushes remaining content and stops all timers. Subsequent events
// and late timer fires are no-ops.
func (d *Debouncer) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	for _, sp := range []types.Speaker{types.SpeakerSelf, types.SpeakerOther} {
		d.flushLocked(sp)
	}
	d.closed = true
}

// scheduleLocked restarts the flush timer for speaker. Callers must hold d.mu.
func (d *Debouncer) scheduleLocked(speaker types.Speaker) {
	st := d.speakers[speaker]
	if st.timer != nil {
		st.timer.Stop()
	}
	st.gen++
	gen := st.gen
	st.timer = d.afterFunc(d.flushDelay, func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		// Stale fire after cancellation, flush, or teardown.
		if d.closed || d.speakers[speaker].gen != gen {
			return
		}
		d.flushLocked(speaker)
	})
}

// flushLocked emits the speaker's buffered content as one finalized turn.
// Empty content emits nothing. Callers must hold d.mu.
func (d *Debouncer) flushLocked(speaker types.Speaker) {
	st := d.speakers[speaker]

	parts := st.parts
	if st.inflight != "" {
		parts = append(parts, st.inflight)
	}
	text := strings.TrimSpace(strings.Join(parts, " "))
	st.reset()

	if text == "" {
		return
	}
	if d.noiseFn != nil && d.noiseFn(text) {
		return
	}

	d.seq++
	d.onTurn(types.Turn{
		Speaker:   speaker,
		Text:      text,
		Seq:       d.seq,
		CreatedAt: time.Now(),
	})
	if d.onStatus != nil {
		d.onStatus("Listening...")
	}
}
