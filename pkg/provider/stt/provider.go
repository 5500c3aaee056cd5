// Package stt defines the Provider interface for streaming Speech-to-Text
// backends.
//
// An STT provider wraps a real-time transcription service (e.g., Deepgram, a
// local WhisperLive server, or the Gemini live API) and exposes a uniform
// streaming interface. The central abstraction is SessionHandle: once opened,
// a session accepts raw PCM audio and emits a single normalized stream of
// StreamEvent values, regardless of whether the upstream protocol delivers
// whole utterances per message, incremental deltas, or partial/final pairs.
//
// Implementations must be safe for concurrent use. Audio input and event
// output channels are goroutine-safe by construction.
package stt

import (
	"context"
	"time"

	"github.com/openlisten/earshot/pkg/types"
)

// Accumulation describes how a provider's transcript messages relate to the
// utterance being spoken, and therefore how the downstream debouncer must
// combine them.
type Accumulation string

const (
	// AccumulateReplace means each partial supersedes the previous partial
	// for the same utterance; a final carries the whole utterance text.
	AccumulateReplace Accumulation = "replace"

	// AccumulateDelta means each message carries only new text that must be
	// appended to what came before.
	AccumulateDelta Accumulation = "delta"

	// AccumulateWhole means each final carries one complete utterance;
	// partials are refinements of it and supersede each other like
	// AccumulateReplace.
	AccumulateWhole Accumulation = "whole"
)

// SampleFormat describes the byte encoding a provider expects in SendAudio
// payloads.
type SampleFormat string

const (
	// FormatPCM16 is little-endian signed 16-bit PCM.
	FormatPCM16 SampleFormat = "pcm16"

	// FormatFloat32 is little-endian IEEE-754 32-bit float PCM.
	FormatFloat32 SampleFormat = "float32"
)

// StreamConfig describes the audio format and recognition settings for a new
// STT session.
type StreamConfig struct {
	// SampleRate is the audio sample rate in Hz. Common values: 16000
	// (STT-optimised mono), 24000 (desktop capture output).
	SampleRate int

	// Channels is the number of audio channels. 1 = mono (required by most
	// STT providers).
	Channels int

	// Language is the BCP-47 language tag for recognition (e.g., "en",
	// "de-DE"). An empty string lets the provider auto-detect, if supported.
	Language string

	// Speaker is stamped on every StreamEvent the session emits, so that the
	// self and other sessions of a pair produce attributable events.
	Speaker types.Speaker
}

// StreamEvent is the normalized STT output unit shared by all providers.
// Within one speaker's stream, events are delivered in arrival order.
type StreamEvent struct {
	// Speaker attributes the event to one side of the conversation.
	Speaker types.Speaker

	// Text is the transcript fragment. Its relationship to the utterance is
	// governed by the provider's Accumulation mode.
	Text string

	// Partial marks an interim result that may be superseded by a later
	// event for the same utterance.
	Partial bool

	// Final marks a terminal result for the current utterance.
	Final bool

	// TurnComplete is set when the provider explicitly signals the end of a
	// speaking turn, independent of Final text.
	TurnComplete bool

	// Timestamp marks when the event was received.
	Timestamp time.Time
}

// CloseReason is delivered once on a session's Closed channel when the
// session terminates for any reason.
type CloseReason struct {
	// Err is the terminal error, or nil for an intentional close.
	Err error

	// Intentional is true when the close was requested via Close rather than
	// caused by a transport failure or exhausted reconnection attempts.
	Intentional bool
}

// SessionHandle represents an open STT streaming session.
//
// Callers must call Close when the session is no longer needed. Failing to do
// so may leak goroutines and network connections inside the provider
// implementation. All methods must be safe for concurrent use.
type SessionHandle interface {
	// SendAudio delivers a chunk of raw PCM audio bytes to the provider for
	// transcription. The chunk must match the SampleRate, Channels, and
	// bit-depth agreed in StreamConfig. Calling SendAudio after Close
	// returns an error. Backpressure surfaces as an error from this call;
	// the session never buffers unboundedly.
	SendAudio(chunk []byte) error

	// Events returns a read-only channel of normalized transcript events.
	// The channel is closed when the session ends.
	Events() <-chan StreamEvent

	// Closed returns a channel that delivers exactly one CloseReason when
	// the session terminates, after any reconnection attempts have been
	// exhausted.
	Closed() <-chan CloseReason

	// KeepAlive sends a low-cost liveness signal to prevent idle-timeout
	// disconnects. Providers that self-manage liveness implement this as a
	// no-op returning nil.
	KeepAlive() error

	// Close terminates the session intentionally, suppressing reconnection,
	// flushing pending audio where the protocol supports it, and releasing
	// all associated resources. Calling Close more than once is safe.
	Close() error
}

// Provider is the abstraction over any streaming STT backend.
//
// Implementations must be safe for concurrent use. Multiple sessions may be
// open simultaneously (one per speaker, plus a second pair during renewal).
type Provider interface {
	// StartStream opens a new streaming transcription session. The returned
	// SessionHandle is ready to accept audio immediately.
	StartStream(ctx context.Context, cfg StreamConfig) (SessionHandle, error)

	// Accumulation reports how this provider's events combine into
	// utterances; the debouncer selects its buffering strategy from it.
	Accumulation() Accumulation

	// FlushDelay is the debounce interval the provider recommends between
	// its last event and utterance finalization. Whole-utterance providers
	// return a short delay; word-by-word delta providers a longer one.
	FlushDelay() time.Duration

	// RequiredSampleRate returns the input sample rate the provider expects,
	// or 0 when any rate declared in StreamConfig is acceptable. Callers
	// resample capture audio when it differs.
	RequiredSampleRate() int

	// SampleFormat returns the byte encoding SendAudio payloads must use.
	SampleFormat() SampleFormat
}
