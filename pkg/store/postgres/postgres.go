// Package postgres provides the PostgreSQL-backed implementation of the
// session persistence contracts (turn log, summary records, exported notes).
//
// All three stores share a single [pgxpool.Pool]. [NewStore] runs the
// idempotent schema migration on every start.
//
// Usage:
//
//	st, err := postgres.NewStore(ctx, dsn)
//	if err != nil { … }
//	defer st.Close()
//
//	_ = st.AppendTurn(ctx, sessionID, turn)
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/openlisten/earshot/pkg/store"
	"github.com/openlisten/earshot/pkg/types"
)

// Compile-time interface checks.
var (
	_ store.TurnStore    = (*Store)(nil)
	_ store.SummaryStore = (*Store)(nil)
	_ store.NoteStore    = (*Store)(nil)
)

const ddl = `
CREATE TABLE IF NOT EXISTS turns (
    id          BIGSERIAL    PRIMARY KEY,
    session_id  TEXT         NOT NULL,
    seq         INTEGER      NOT NULL,
    speaker     TEXT         NOT NULL,
    text        TEXT         NOT NULL,
    created_at  TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_turns_session_seq
    ON turns (session_id, seq);

CREATE TABLE IF NOT EXISTS summaries (
    id            BIGSERIAL    PRIMARY KEY,
    session_id    TEXT         NOT NULL,
    tldr          TEXT         NOT NULL DEFAULT '',
    text          TEXT         NOT NULL DEFAULT '',
    bullets_json  JSONB        NOT NULL DEFAULT '[]',
    actions_json  JSONB        NOT NULL DEFAULT '[]',
    model         TEXT         NOT NULL DEFAULT '',
    generated_at  TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_summaries_session_generated
    ON summaries (session_id, generated_at);

CREATE TABLE IF NOT EXISTS notes (
    id          BIGSERIAL    PRIMARY KEY,
    session_id  TEXT         NOT NULL,
    title       TEXT         NOT NULL DEFAULT '',
    body        TEXT         NOT NULL,
    created_at  TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_notes_session
    ON notes (session_id);
`

// Store implements the turn, summary, and note stores on one connection pool.
// All methods are safe for concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore connects to the PostgreSQL database at dsn and ensures the schema
// exists.
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres store: parse dsn: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres store: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: ping: %w", err)
	}

	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: migrate: %w", err)
	}

	return &Store{pool: pool}, nil
}

// Migrate creates or ensures all required tables and indexes exist. It is
// idempotent and safe to call on every application start.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("postgres migrate: %w", err)
	}
	return nil
}

// Close releases all connections held by the underlying pool.
func (s *Store) Close() {
	s.pool.Close()
}

// Ping verifies database connectivity. Used by readiness probes.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// AppendTurn implements [store.TurnStore].
func (s *Store) AppendTurn(ctx context.Context, sessionID string, turn types.Turn) error {
	const q = `
		INSERT INTO turns (session_id, seq, speaker, text, created_at)
		VALUES ($1, $2, $3, $4, $5)`

	_, err := s.pool.Exec(ctx, q,
		sessionID,
		turn.Seq,
		string(turn.Speaker),
		turn.Text,
		turn.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("turn store: append: %w", err)
	}
	return nil
}

// ListTurns implements [store.TurnStore]. Turns are returned in sequence
// order, oldest first.
func (s *Store) ListTurns(ctx context.Context, sessionID string) ([]types.Turn, error) {
	const q = `
		SELECT seq, speaker, text, created_at
		FROM   turns
		WHERE  session_id = $1
		ORDER  BY seq`

	rows, err := s.pool.Query(ctx, q, sessionID)
	if err != nil {
		return nil, fmt.Errorf("turn store: list: %w", err)
	}

	turns, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (types.Turn, error) {
		var (
			t       types.Turn
			speaker string
		)
		if err := row.Scan(&t.Seq, &speaker, &t.Text, &t.CreatedAt); err != nil {
			return types.Turn{}, err
		}
		t.Speaker = types.Speaker(speaker)
		return t, nil
	})
	if err != nil {
		return nil, fmt.Errorf("turn store: scan rows: %w", err)
	}
	if turns == nil {
		turns = []types.Turn{}
	}
	return turns, nil
}

// SaveSummary implements [store.SummaryStore].
func (s *Store) SaveSummary(ctx context.Context, summary store.Summary) error {
	bullets, err := json.Marshal(emptyIfNil(summary.Bullets))
	if err != nil {
		return fmt.Errorf("summary store: marshal bullets: %w", err)
	}
	actions, err := json.Marshal(emptyIfNil(summary.Actions))
	if err != nil {
		return fmt.Errorf("summary store: marshal actions: %w", err)
	}

	generatedAt := summary.GeneratedAt
	if generatedAt.IsZero() {
		generatedAt = time.Now()
	}

	const q = `
		INSERT INTO summaries (session_id, tldr, text, bullets_json, actions_json, model, generated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`

	_, err = s.pool.Exec(ctx, q,
		summary.SessionID,
		summary.TLDR,
		summary.Text,
		bullets,
		actions,
		summary.Model,
		generatedAt,
	)
	if err != nil {
		return fmt.Errorf("summary store: save: %w", err)
	}
	return nil
}

// LatestSummary implements [store.SummaryStore]. Returns (nil, nil) when the
// session has no summaries yet.
func (s *Store) LatestSummary(ctx context.Context, sessionID string) (*store.Summary, error) {
	const q = `
		SELECT tldr, text, bullets_json, actions_json, model, generated_at
		FROM   summaries
		WHERE  session_id = $1
		ORDER  BY generated_at DESC
		LIMIT  1`

	var (
		summary store.Summary
		bullets []byte
		actions []byte
	)
	err := s.pool.QueryRow(ctx, q, sessionID).Scan(
		&summary.TLDR,
		&summary.Text,
		&bullets,
		&actions,
		&summary.Model,
		&summary.GeneratedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("summary store: latest: %w", err)
	}
	summary.SessionID = sessionID

	if err := json.Unmarshal(bullets, &summary.Bullets); err != nil {
		return nil, fmt.Errorf("summary store: unmarshal bullets: %w", err)
	}
	if err := json.Unmarshal(actions, &summary.Actions); err != nil {
		return nil, fmt.Errorf("summary store: unmarshal actions: %w", err)
	}
	return &summary, nil
}

// SaveNote implements [store.NoteStore].
func (s *Store) SaveNote(ctx context.Context, note store.Note) error {
	createdAt := note.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	const q = `
		INSERT INTO notes (session_id, title, body, created_at)
		VALUES ($1, $2, $3, $4)`

	_, err := s.pool.Exec(ctx, q, note.SessionID, note.Title, note.Body, createdAt)
	if err != nil {
		return fmt.Errorf("note store: save: %w", err)
	}
	return nil
}

func emptyIfNil(in []string) []string {
	if in == nil {
		return []string{}
	}
	return in
}
