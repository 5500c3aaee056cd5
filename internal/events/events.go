// Package events carries pipeline output to whatever surface is listening:
// a CLI printer, a websocket bridge, a test recorder. Sinks receive the
// latest pipeline state; delivery is fire-and-forget and must never block
// the transcript path.
package events

import (
	"sync"

	"github.com/openlisten/earshot/internal/analysis"
	"github.com/openlisten/earshot/pkg/types"
)

// Sink receives pipeline events. Implementations must return promptly;
// the caller is the hot transcript path. Use [ChannelSink] to decouple a
// slow consumer.
type Sink interface {
	// FinalizedUtterance delivers one debounced, noise-filtered turn.
	FinalizedUtterance(turn types.Turn)

	// PartialUtterance delivers an interim transcript fragment that may be
	// superseded. Only the latest fragment per speaker matters.
	PartialUtterance(speaker types.Speaker, text string)

	// StatusText delivers a short UI status line ("Listening...",
	// "Analysis unavailable").
	StatusText(text string)

	// AnalysisSnapshot delivers the latest insight state.
	AnalysisSnapshot(snap analysis.Snapshot)
}

// Fanout replicates events to every registered sink, in registration order.
// It is safe for concurrent use and implements [Sink] itself.
type Fanout struct {
	mu    sync.RWMutex
	sinks []Sink
}

// NewFanout returns a Fanout delivering to the given sinks.
func NewFanout(sinks ...Sink) *Fanout {
	return &Fanout{sinks: sinks}
}

// Add registers another sink. Events emitted after Add returns reach it.
func (f *Fanout) Add(s Sink) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sinks = append(f.sinks, s)
}

func (f *Fanout) each(fn func(Sink)) {
	f.mu.RLock()
	sinks := f.sinks
	f.mu.RUnlock()
	for _, s := range sinks {
		fn(s)
	}
}

func (f *Fanout) FinalizedUtterance(turn types.Turn) {
	f.each(func(s Sink) { s.FinalizedUtterance(turn) })
}

func (f *Fanout) PartialUtterance(speaker types.Speaker, text string) {
	f.each(func(s Sink) { s.PartialUtterance(speaker, text) })
}

func (f *Fanout) StatusText(text string) {
	f.each(func(s Sink) { s.StatusText(text) })
}

func (f *Fanout) AnalysisSnapshot(snap analysis.Snapshot) {
	f.each(func(s Sink) { s.AnalysisSnapshot(snap) })
}

// Partial is one interim fragment as carried by [ChannelSink].
type Partial struct {
	Speaker types.Speaker
	Text    string
}

// ChannelSink exposes events as channels so a consumer can select on them.
// Turns are buffered and never dropped while the buffer has room; partials,
// statuses, and snapshots are latest-wins — a slow consumer sees the newest
// value, not a backlog.
type ChannelSink struct {
	Turns     chan types.Turn
	Partials  chan Partial
	Statuses  chan string
	Snapshots chan analysis.Snapshot
}

// NewChannelSink returns a ChannelSink with a turn buffer of the given size.
func NewChannelSink(turnBuffer int) *ChannelSink {
	if turnBuffer <= 0 {
		turnBuffer = 64
	}
	return &ChannelSink{
		Turns:     make(chan types.Turn, turnBuffer),
		Partials:  make(chan Partial, 1),
		Statuses:  make(chan string, 1),
		Snapshots: make(chan analysis.Snapshot, 1),
	}
}

func (c *ChannelSink) FinalizedUtterance(turn types.Turn) {
	select {
	case c.Turns <- turn:
	default:
		// Buffer full: drop the oldest so recent turns still arrive.
		select {
		case <-c.Turns:
		default:
		}
		select {
		case c.Turns <- turn:
		default:
		}
	}
}

func (c *ChannelSink) PartialUtterance(speaker types.Speaker, text string) {
	sendLatest(c.Partials, Partial{Speaker: speaker, Text: text})
}

func (c *ChannelSink) StatusText(text string) {
	sendLatest(c.Statuses, text)
}

func (c *ChannelSink) AnalysisSnapshot(snap analysis.Snapshot) {
	sendLatest(c.Snapshots, snap)
}

// sendLatest replaces any undelivered value with v.
func sendLatest[T any](ch chan T, v T) {
	for {
		select {
		case ch <- v:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}
