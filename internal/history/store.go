// Package history provides SQLite-backed storage for transcription
// history and the user glossary.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/whispo/whispo-mcp/internal/mcp"
)

// Transcription is one dictation session: the raw transcript and, when
// glossary substitution changed it, the enhanced text.
type Transcription struct {
	ID         string    `json:"id"`
	CreatedAt  time.Time `json:"createdAt"`
	DurationMS int64     `json:"durationMs,omitempty"`
	Transcript string    `json:"transcript"`
	Enhanced   string    `json:"enhanced,omitempty"`
	AppName    string    `json:"appName,omitempty"`
}

// Store is a SQLite-backed history store. It implements the manager's
// RecentSource and GlossarySource interfaces.
type Store struct {
	db *sql.DB
}

// NewStore opens (or creates) the history database at dbPath.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return store, nil
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS transcriptions (
		id TEXT PRIMARY KEY,
		created_at TIMESTAMP NOT NULL,
		duration_ms INTEGER DEFAULT 0,
		transcript TEXT NOT NULL,
		enhanced TEXT,
		app_name TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_transcriptions_created ON transcriptions(created_at);

	CREATE TABLE IF NOT EXISTS glossary (
		term TEXT PRIMARY KEY,
		definition TEXT,
		replacement TEXT,
		updated_at TIMESTAMP NOT NULL
	);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Add stores a transcription. A missing ID or timestamp is filled in.
func (s *Store) Add(ctx context.Context, t Transcription) (Transcription, error) {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO transcriptions (id, created_at, duration_ms, transcript, enhanced, app_name)
		VALUES (?, ?, ?, ?, ?, ?)
	`, t.ID, t.CreatedAt, t.DurationMS, t.Transcript, t.Enhanced, t.AppName)
	if err != nil {
		return Transcription{}, fmt.Errorf("insert transcription: %w", err)
	}
	return t, nil
}

// Recent returns the newest transcriptions, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Transcription, error) {
	if limit <= 0 {
		limit = 10
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, created_at, duration_ms, transcript, COALESCE(enhanced, ''), COALESCE(app_name, '')
		FROM transcriptions
		ORDER BY created_at DESC, id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query transcriptions: %w", err)
	}
	defer rows.Close()

	var out []Transcription
	for rows.Next() {
		var t Transcription
		if err := rows.Scan(&t.ID, &t.CreatedAt, &t.DurationMS, &t.Transcript, &t.Enhanced, &t.AppName); err != nil {
			return nil, fmt.Errorf("scan transcription: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// RecentInteractions returns the text of recent transcriptions for
// context aggregation, preferring enhanced text where present.
func (s *Store) RecentInteractions(ctx context.Context, limit int) ([]string, error) {
	items, err := s.Recent(ctx, limit)
	if err != nil {
		return nil, err
	}

	out := make([]string, 0, len(items))
	for _, t := range items {
		text := t.Transcript
		if t.Enhanced != "" {
			text = t.Enhanced
		}
		out = append(out, text)
	}
	return out, nil
}

// Glossary returns all glossary entries ordered by term.
func (s *Store) Glossary(ctx context.Context) ([]mcp.GlossaryEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT term, COALESCE(definition, ''), COALESCE(replacement, '')
		FROM glossary
		ORDER BY term
	`)
	if err != nil {
		return nil, fmt.Errorf("query glossary: %w", err)
	}
	defer rows.Close()

	var out []mcp.GlossaryEntry
	for rows.Next() {
		var e mcp.GlossaryEntry
		if err := rows.Scan(&e.Term, &e.Definition, &e.Replacement); err != nil {
			return nil, fmt.Errorf("scan glossary entry: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// SetGlossary replaces the whole glossary in one transaction.
func (s *Store) SetGlossary(ctx context.Context, entries []mcp.GlossaryEntry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin glossary update: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM glossary`); err != nil {
		return fmt.Errorf("clear glossary: %w", err)
	}

	now := time.Now().UTC()
	for _, e := range entries {
		if e.Term == "" {
			continue
		}
		_, err := tx.ExecContext(ctx, `
			INSERT OR REPLACE INTO glossary (term, definition, replacement, updated_at)
			VALUES (?, ?, ?, ?)
		`, e.Term, e.Definition, e.Replacement, now)
		if err != nil {
			return fmt.Errorf("insert glossary term %q: %w", e.Term, err)
		}
	}

	return tx.Commit()
}

// Count returns the number of stored transcriptions.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM transcriptions`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count transcriptions: %w", err)
	}
	return n, nil
}
