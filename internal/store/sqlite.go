package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"agentbridge/internal/logger"
)

// ErrClosed is returned by every operation after Close.
var ErrClosed = errors.New("store: not initialized or already closed")

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db  *sql.DB
	log *logger.Logger
}

// NewSQLiteStore opens (or creates) a SQLite database at the given path and
// brings its schema up to the current version.
func NewSQLiteStore(dbPath string, log *logger.Logger) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, err
	}

	_, statErr := os.Stat(dbPath)
	existed := statErr == nil

	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, err
	}
	// Single shared connection avoids writer lock contention under
	// concurrent goroutines.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &SQLiteStore{db: db, log: log}
	if err := s.initSchema(existed); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) conn() (*sql.DB, error) {
	if s == nil || s.db == nil {
		return nil, ErrClosed
	}
	return s.db, nil
}

// Close releases the underlying connection. Subsequent operations fail with
// ErrClosed.
func (s *SQLiteStore) Close() error {
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

// SchemaVersion returns the currently stamped schema version.
func (s *SQLiteStore) SchemaVersion(ctx context.Context) (int, error) {
	db, err := s.conn()
	if err != nil {
		return 0, err
	}
	return currentVersion(ctx, db)
}

// SaveMessage upserts a message by primary key. Retries are idempotent.
func (s *SQLiteStore) SaveMessage(ctx context.Context, msg Message) error {
	db, err := s.conn()
	if err != nil {
		return err
	}
	if msg.UserID == "" {
		msg.UserID = DefaultUserID
	}
	if msg.Timestamp == "" {
		msg.Timestamp = time.Now().Format(TimeFormat)
	}
	_, err = db.ExecContext(ctx,
		`INSERT OR REPLACE INTO messages (id, role, content, item_id, user_id, datetime)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		msg.ID, string(msg.Role), msg.Content, nullable(msg.ItemID), msg.UserID, msg.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("save message %s: %w", msg.ID, err)
	}
	return nil
}

// GetMessage returns the message with the given id, or nil when absent.
func (s *SQLiteStore) GetMessage(ctx context.Context, id string) (*Message, error) {
	db, err := s.conn()
	if err != nil {
		return nil, err
	}
	row := db.QueryRowContext(ctx,
		`SELECT id, role, content, item_id, user_id, datetime FROM messages WHERE id = ?`, id)
	return scanMessage(row)
}

// GetMessageByItemID returns the message correlated with a remote stream item.
func (s *SQLiteStore) GetMessageByItemID(ctx context.Context, itemID string) (*Message, error) {
	db, err := s.conn()
	if err != nil {
		return nil, err
	}
	row := db.QueryRowContext(ctx,
		`SELECT id, role, content, item_id, user_id, datetime FROM messages WHERE item_id = ?`, itemID)
	return scanMessage(row)
}

// UpdateMessage replaces an existing message's fields. When the updated
// message is a user turn, the immediately preceding user message is deleted if
// one text is a prefix of the other after trimming trailing sentence
// punctuation: upstream transcription emits successive corrected versions of
// the same utterance and only the final one should survive. The update and the
// de-dup delete commit as one transaction.
func (s *SQLiteStore) UpdateMessage(ctx context.Context, id string, msg Message) error {
	db, err := s.conn()
	if err != nil {
		return err
	}
	if msg.UserID == "" {
		msg.UserID = DefaultUserID
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE messages SET role = ?, content = ?, item_id = ?, user_id = ?, datetime = ?
		 WHERE id = ?`,
		string(msg.Role), msg.Content, nullable(msg.ItemID), msg.UserID, msg.Timestamp, id,
	)
	if err != nil {
		return fmt.Errorf("update message %s: %w", id, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("update message %s: no such message", id)
	}

	if msg.Role == RoleUser {
		if err := s.dedupPrecedingUser(ctx, tx, id, msg.Content); err != nil {
			// The heuristic is best effort; the update itself still lands.
			s.log.Warn("user transcript de-dup failed", "id", id, "error", err)
		}
	}

	return tx.Commit()
}

// dedupPrecedingUser deletes the user message directly before id when its text
// is an earlier partial of the updated content (or vice versa).
func (s *SQLiteStore) dedupPrecedingUser(ctx context.Context, tx *sql.Tx, id, content string) error {
	row := tx.QueryRowContext(ctx,
		`SELECT id, role, content FROM messages WHERE id < ? ORDER BY id DESC LIMIT 1`, id)

	var prevID string
	var prevRole, prevContent string
	if err := row.Scan(&prevID, &prevRole, &prevContent); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		return err
	}
	if Role(prevRole) != RoleUser {
		return nil
	}

	a := trimSentencePunct(prevContent)
	b := trimSentencePunct(content)
	if a == "" || b == "" {
		return nil
	}
	if strings.HasPrefix(b, a) || strings.HasPrefix(a, b) {
		if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE id = ?`, prevID); err != nil {
			return err
		}
		s.log.Debug("dropped superseded user transcript", "id", prevID)
	}
	return nil
}

// trimSentencePunct strips trailing sentence punctuation so "hello." and
// "hello world" compare as partials of the same utterance.
func trimSentencePunct(s string) string {
	return strings.TrimRight(strings.TrimSpace(s), ".,!?;:。，！？；：…")
}

// DeleteMessage removes a message by id.
func (s *SQLiteStore) DeleteMessage(ctx context.Context, id string) error {
	db, err := s.conn()
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx, `DELETE FROM messages WHERE id = ?`, id)
	return err
}

// GetMessages returns a page of messages ordered by timestamp.
func (s *SQLiteStore) GetMessages(ctx context.Context, offset, limit int, desc bool) ([]Message, error) {
	db, err := s.conn()
	if err != nil {
		return nil, err
	}
	order := "ASC"
	if desc {
		order = "DESC"
	}
	rows, err := db.QueryContext(ctx,
		`SELECT id, role, content, item_id, user_id, datetime FROM messages
		 ORDER BY datetime `+order+` LIMIT ? OFFSET ?`,
		limit, offset,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var msgs []Message
	for rows.Next() {
		var m Message
		var itemID sql.NullString
		if err := rows.Scan(&m.ID, &m.Role, &m.Content, &itemID, &m.UserID, &m.Timestamp); err != nil {
			return nil, err
		}
		m.ItemID = itemID.String
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// SaveMemory appends a memory record.
func (s *SQLiteStore) SaveMemory(ctx context.Context, mem Memory) error {
	db, err := s.conn()
	if err != nil {
		return err
	}
	if mem.UserID == "" {
		mem.UserID = DefaultUserID
	}
	if mem.Timestamp == "" {
		mem.Timestamp = time.Now().Format(TimeFormat)
	}
	_, err = db.ExecContext(ctx,
		`INSERT INTO memories (type, content, user_id, datetime) VALUES (?, ?, ?, ?)`,
		string(mem.Type), mem.Content, mem.UserID, mem.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("save memory: %w", err)
	}
	return nil
}

// GetMemory returns the memory with the given id, or nil when absent.
func (s *SQLiteStore) GetMemory(ctx context.Context, id int64) (*Memory, error) {
	db, err := s.conn()
	if err != nil {
		return nil, err
	}
	row := db.QueryRowContext(ctx,
		`SELECT id, type, content, user_id, datetime FROM memories WHERE id = ?`, id)
	return scanMemory(row)
}

// UpdateMemory replaces an existing memory's fields.
func (s *SQLiteStore) UpdateMemory(ctx context.Context, id int64, mem Memory) error {
	db, err := s.conn()
	if err != nil {
		return err
	}
	res, err := db.ExecContext(ctx,
		`UPDATE memories SET type = ?, content = ?, user_id = ?, datetime = ? WHERE id = ?`,
		string(mem.Type), mem.Content, mem.UserID, mem.Timestamp, id,
	)
	if err != nil {
		return fmt.Errorf("update memory %d: %w", id, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("update memory %d: no such memory", id)
	}
	return nil
}

// DeleteMemory removes a memory by id.
func (s *SQLiteStore) DeleteMemory(ctx context.Context, id int64) error {
	db, err := s.conn()
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx, `DELETE FROM memories WHERE id = ?`, id)
	return err
}

// GetLatestMemory returns the memory with the largest timestamp, or nil when
// the log is empty.
func (s *SQLiteStore) GetLatestMemory(ctx context.Context) (*Memory, error) {
	db, err := s.conn()
	if err != nil {
		return nil, err
	}
	row := db.QueryRowContext(ctx,
		`SELECT id, type, content, user_id, datetime FROM memories ORDER BY datetime DESC LIMIT 1`)
	return scanMemory(row)
}

// GetMemories returns a page of memories ordered by timestamp.
func (s *SQLiteStore) GetMemories(ctx context.Context, offset, limit int, desc bool) ([]Memory, error) {
	db, err := s.conn()
	if err != nil {
		return nil, err
	}
	order := "ASC"
	if desc {
		order = "DESC"
	}
	rows, err := db.QueryContext(ctx,
		`SELECT id, type, content, user_id, datetime FROM memories
		 ORDER BY datetime `+order+` LIMIT ? OFFSET ?`,
		limit, offset,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var mems []Memory
	for rows.Next() {
		var m Memory
		if err := rows.Scan(&m.ID, &m.Type, &m.Content, &m.UserID, &m.Timestamp); err != nil {
			return nil, err
		}
		mems = append(mems, m)
	}
	return mems, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (*Message, error) {
	var m Message
	var itemID sql.NullString
	err := row.Scan(&m.ID, &m.Role, &m.Content, &itemID, &m.UserID, &m.Timestamp)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	m.ItemID = itemID.String
	return &m, nil
}

func scanMemory(row rowScanner) (*Memory, error) {
	var m Memory
	err := row.Scan(&m.ID, &m.Type, &m.Content, &m.UserID, &m.Timestamp)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
