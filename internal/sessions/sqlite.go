package sessions

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // Pure-Go SQLite driver

	"github.com/strandlabs/strand/pkg/models"
)

// SQLiteSession persists the transcript and metadata in a SQLite database,
// one row per message. Suitable for single-process durable sessions.
type SQLiteSession struct {
	mu        sync.Mutex
	db        *sql.DB
	id        string
	summarize Summarizer
}

// SQLiteConfig configures a SQLite-backed session.
type SQLiteConfig struct {
	Path      string // database file, ":memory:" when empty
	SessionID string // generated when empty
	Summarize Summarizer
}

// NewSQLiteSession opens (creating if needed) a SQLite-backed session.
func NewSQLiteSession(cfg SQLiteConfig) (*SQLiteSession, error) {
	if cfg.Path == "" {
		cfg.Path = ":memory:"
	}
	if cfg.SessionID == "" {
		cfg.SessionID = uuid.NewString()
	}
	if cfg.Summarize == nil {
		cfg.Summarize = DefaultSummarizer
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	s := &SQLiteSession{db: db, id: cfg.SessionID, summarize: cfg.Summarize}
	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteSession) init() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS messages (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL,
			payload TEXT NOT NULL,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS metadata (
			session_id TEXT NOT NULL,
			key TEXT NOT NULL,
			value TEXT NOT NULL,
			PRIMARY KEY (session_id, key)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to initialize schema: %w", err)
		}
	}
	return nil
}

// Close releases the underlying database handle.
func (s *SQLiteSession) Close() error { return s.db.Close() }

func (s *SQLiteSession) Append(msg models.Message) error {
	return s.AppendMany([]models.Message{msg})
}

func (s *SQLiteSession) AppendMany(msgs []models.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.insert(msgs)
}

func (s *SQLiteSession) insert(msgs []models.Message) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			_ = err
		}
	}()

	if err := insertMessages(tx, s.id, msgs); err != nil {
		return err
	}
	return tx.Commit()
}

func insertMessages(tx *sql.Tx, sessionID string, msgs []models.Message) error {
	stmt, err := tx.Prepare(`INSERT INTO messages (session_id, payload) VALUES (?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer stmt.Close()

	for _, msg := range msgs {
		payload, err := json.Marshal(msg)
		if err != nil {
			return fmt.Errorf("failed to marshal message: %w", err)
		}
		if _, err := stmt.Exec(sessionID, string(payload)); err != nil {
			return fmt.Errorf("failed to insert message: %w", err)
		}
	}
	return nil
}

func (s *SQLiteSession) Path() ([]models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load()
}

func (s *SQLiteSession) load() ([]models.Message, error) {
	rows, err := s.db.Query(`SELECT payload FROM messages WHERE session_id = ? ORDER BY seq`, s.id)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	var msgs []models.Message
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		var msg models.Message
		if err := json.Unmarshal([]byte(payload), &msg); err != nil {
			return nil, fmt.Errorf("failed to unmarshal message: %w", err)
		}
		msgs = append(msgs, msg)
	}
	return msgs, rows.Err()
}

func (s *SQLiteSession) CurrentID() (string, bool) { return s.id, true }

// Save exports the transcript as <id>.json under dir, same format as the
// in-memory backend.
func (s *SQLiteSession) Save(dir string) error {
	msgs, err := s.Path()
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(msgs, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, s.id+".json"), data, 0o644)
}

func (s *SQLiteSession) Compact(keepRatio float64) (int, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	msgs, err := s.load()
	if err != nil {
		return 0, 0, err
	}
	before := len(msgs)
	cut := compactionCut(msgs, keepRatio)
	if cut <= 0 {
		return before, before, nil
	}

	summary := models.UserMessage(s.summarize(msgs[:cut]))
	replacement := make([]models.Message, 0, len(msgs)-cut+1)
	replacement = append(replacement, summary)
	replacement = append(replacement, msgs[cut:]...)

	// Delete and reinsert commit together; a failure in between must not
	// lose the transcript.
	tx, err := s.db.Begin()
	if err != nil {
		return 0, 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			_ = err
		}
	}()

	if _, err := tx.Exec(`DELETE FROM messages WHERE session_id = ?`, s.id); err != nil {
		return 0, 0, fmt.Errorf("failed to clear messages: %w", err)
	}
	if err := insertMessages(tx, s.id, replacement); err != nil {
		return 0, 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, 0, fmt.Errorf("failed to commit compaction: %w", err)
	}
	return before, len(replacement), nil
}

func (s *SQLiteSession) SetMetadata(key string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}
	_, err = s.db.Exec(
		`INSERT INTO metadata (session_id, key, value) VALUES (?, ?, ?)
		 ON CONFLICT (session_id, key) DO UPDATE SET value = excluded.value`,
		s.id, key, string(data))
	if err != nil {
		return fmt.Errorf("failed to store metadata: %w", err)
	}
	return nil
}

func (s *SQLiteSession) GetMetadata(key string) (any, bool) {
	var data string
	err := s.db.QueryRow(
		`SELECT value FROM metadata WHERE session_id = ? AND key = ?`, s.id, key).Scan(&data)
	if err != nil {
		return nil, false
	}
	var value any
	if err := json.Unmarshal([]byte(data), &value); err != nil {
		return nil, false
	}
	return value, true
}
