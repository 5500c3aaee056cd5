// Package mock provides in-memory implementations of the store contracts for
// unit testing.
package mock

import (
	"context"
	"sync"

	"github.com/openlisten/earshot/pkg/store"
	"github.com/openlisten/earshot/pkg/types"
)

// Store is an in-memory implementation of TurnStore, SummaryStore, and
// NoteStore. Configure the Err fields to simulate persistence failures.
type Store struct {
	mu sync.Mutex

	// AppendErr, when non-nil, is returned by AppendTurn.
	AppendErr error

	// SaveSummaryErr, when non-nil, is returned by SaveSummary.
	SaveSummaryErr error

	// SaveNoteErr, when non-nil, is returned by SaveNote.
	SaveNoteErr error

	turns     map[string][]types.Turn
	summaries map[string][]store.Summary
	notes     []store.Note
}

var (
	_ store.TurnStore    = (*Store)(nil)
	_ store.SummaryStore = (*Store)(nil)
	_ store.NoteStore    = (*Store)(nil)
)

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		turns:     map[string][]types.Turn{},
		summaries: map[string][]store.Summary{},
	}
}

// AppendTurn implements [store.TurnStore].
func (s *Store) AppendTurn(_ context.Context, sessionID string, turn types.Turn) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.AppendErr != nil {
		return s.AppendErr
	}
	s.turns[sessionID] = append(s.turns[sessionID], turn)
	return nil
}

// ListTurns implements [store.TurnStore].
func (s *Store) ListTurns(_ context.Context, sessionID string) ([]types.Turn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]types.Turn, len(s.turns[sessionID]))
	copy(out, s.turns[sessionID])
	return out, nil
}

// SaveSummary implements [store.SummaryStore].
func (s *Store) SaveSummary(_ context.Context, summary store.Summary) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.SaveSummaryErr != nil {
		return s.SaveSummaryErr
	}
	s.summaries[summary.SessionID] = append(s.summaries[summary.SessionID], summary)
	return nil
}

// LatestSummary implements [store.SummaryStore].
func (s *Store) LatestSummary(_ context.Context, sessionID string) (*store.Summary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.summaries[sessionID]
	if len(list) == 0 {
		return nil, nil
	}
	latest := list[len(list)-1]
	return &latest, nil
}

// SaveNote implements [store.NoteStore].
func (s *Store) SaveNote(_ context.Context, note store.Note) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.SaveNoteErr != nil {
		return s.SaveNoteErr
	}
	s.notes = append(s.notes, note)
	return nil
}

// Summaries returns all recorded summaries for sessionID.
func (s *Store) Summaries(sessionID string) []store.Summary {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]store.Summary, len(s.summaries[sessionID]))
	copy(out, s.summaries[sessionID])
	return out
}

// Notes returns all recorded notes.
func (s *Store) Notes() []store.Note {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]store.Note, len(s.notes))
	copy(out, s.notes)
	return out
}
