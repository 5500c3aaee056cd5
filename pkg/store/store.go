// Package store defines the persistence contracts for listening sessions:
// an append-only turn log, per-session insight summary records, and exported
// session notes.
//
// Implementations must be safe for concurrent use. The reference
// implementation lives in the postgres subpackage; the mock subpackage holds
// an in-memory double for tests.
package store

import (
	"context"
	"time"

	"github.com/openlisten/earshot/pkg/types"
)

// Summary is one persisted analysis result for a session.
type Summary struct {
	// SessionID identifies the listening session this summary belongs to.
	SessionID string

	// TLDR is the one-line topic headline.
	TLDR string

	// Text is the running prose summary of the conversation so far.
	Text string

	// Bullets are the key points, at most a handful.
	Bullets []string

	// Actions are suggested follow-up questions or next steps.
	Actions []string

	// Model identifies which LLM produced this summary.
	Model string

	// GeneratedAt is when the analysis completed.
	GeneratedAt time.Time
}

// Note is a rendered session document saved on session end.
type Note struct {
	SessionID string
	Title     string
	Body      string
	CreatedAt time.Time
}

// TurnStore is the append-only conversation turn log.
type TurnStore interface {
	// AppendTurn appends one finalized turn under sessionID.
	AppendTurn(ctx context.Context, sessionID string, turn types.Turn) error

	// ListTurns returns all turns for sessionID in sequence order.
	ListTurns(ctx context.Context, sessionID string) ([]types.Turn, error)
}

// SummaryStore persists analysis summary records.
type SummaryStore interface {
	// SaveSummary appends one summary record.
	SaveSummary(ctx context.Context, summary Summary) error

	// LatestSummary returns the most recent summary for sessionID, or nil
	// when none exists.
	LatestSummary(ctx context.Context, sessionID string) (*Summary, error)
}

// NoteStore persists exported session notes.
type NoteStore interface {
	// SaveNote stores one rendered session document.
	SaveNote(ctx context.Context, note Note) error
}
