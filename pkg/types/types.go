// Package earshot defines the shared types used across all earshot packages.
//
// These types form the lingua franca between audio capture, STT providers, the
// turn debouncer, and the analysis engine. They are intentionally minimal —
// each package defines its own domain types, but cross-cutting data structures
// live here to avoid circular imports.
package types

import "time"

// Speaker identifies which side of the conversation an audio stream or
// utterance belongs to.
type Speaker string

const (
	// SpeakerSelf is the local user, captured from the microphone.
	SpeakerSelf Speaker = "self"

	// SpeakerOther is the remote party, captured from system audio output.
	SpeakerOther Speaker = "other"
)

// IsValid reports whether s is a recognised speaker identity.
func (s Speaker) IsValid() bool {
	return s == SpeakerSelf || s == SpeakerOther
}

// Opposite returns the other side of the conversation.
func (s Speaker) Opposite() Speaker {
	if s == SpeakerSelf {
		return SpeakerOther
	}
	return SpeakerSelf
}

// Turn is one finalized, speaker-attributed utterance in the conversation
// log. Turns are immutable once created and are appended in strictly
// increasing Seq order within a listening session.
type Turn struct {
	// Speaker attributes the utterance to one side of the conversation.
	Speaker Speaker

	// Text is the finalized utterance text, trimmed and noise-filtered.
	Text string

	// Seq is the 1-based position of this turn in the session log.
	Seq int

	// CreatedAt marks when the turn was finalized.
	CreatedAt time.Time
}
