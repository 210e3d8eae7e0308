package store

import (
	"context"
	"database/sql"
	"time"
)

// currentDBVersion is stamped into fresh databases; bump it when appending to
// the migrations list below.
const currentDBVersion = 1

// migrations holds one additive step per version, applied strictly in order.
// Every step must check whether it already ran so a crash mid-migration leaves
// initialization idempotent.
var migrations = []struct {
	version int
	apply   func(ctx context.Context, tx *sql.Tx) error
}{
	{
		version: 1,
		apply: func(ctx context.Context, tx *sql.Tx) error {
			for _, table := range []string{"messages", "memories"} {
				has, err := columnExists(ctx, tx, table, "user_id")
				if err != nil {
					return err
				}
				if has {
					continue
				}
				if _, err := tx.ExecContext(ctx,
					`ALTER TABLE `+table+` ADD COLUMN user_id TEXT DEFAULT 'nobody'`); err != nil {
					return err
				}
			}
			return nil
		},
	},
}

// initSchema brings the database to currentDBVersion. A fresh database gets
// the latest schema directly; an existing one is migrated forward from its
// stamped version.
func (s *SQLiteStore) initSchema(existed bool) error {
	ctx := context.Background()

	if _, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS db_version (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			version INTEGER NOT NULL,
			updated_at TEXT NOT NULL
		)`); err != nil {
		return err
	}

	version, err := currentVersion(ctx, s.db)
	if err != nil {
		return err
	}

	if !existed {
		if err := s.createLatestSchema(ctx); err != nil {
			return err
		}
		if version < currentDBVersion {
			return s.stampVersion(ctx, currentDBVersion)
		}
		return nil
	}

	if version >= currentDBVersion {
		return nil
	}

	s.log.Info("upgrading database schema", "from", version, "to", currentDBVersion)
	for _, m := range migrations {
		if m.version <= version {
			continue
		}
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		if err := m.apply(ctx, tx); err != nil {
			tx.Rollback()
			return err
		}
		if err := tx.Commit(); err != nil {
			return err
		}
	}
	return s.stampVersion(ctx, currentDBVersion)
}

func (s *SQLiteStore) createLatestSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			item_id TEXT,
			user_id TEXT DEFAULT 'nobody',
			datetime TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_item_id ON messages(item_id)`,
		`CREATE TABLE IF NOT EXISTS memories (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			type TEXT NOT NULL,
			content TEXT NOT NULL,
			user_id TEXT DEFAULT 'nobody',
			datetime TEXT NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteStore) stampVersion(ctx context.Context, version int) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO db_version (version, updated_at) VALUES (?, ?)`,
		version, time.Now().Format(TimeFormat),
	)
	return err
}

func currentVersion(ctx context.Context, db *sql.DB) (int, error) {
	var v int
	err := db.QueryRowContext(ctx,
		`SELECT version FROM db_version ORDER BY id DESC LIMIT 1`).Scan(&v)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return v, err
}

type execQuerier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func columnExists(ctx context.Context, q execQuerier, table, column string) (bool, error) {
	rows, err := q.QueryContext(ctx, `PRAGMA table_info(`+table+`)`)
	if err != nil {
		return false, err
	}
	defer rows.Close()

	for rows.Next() {
		var cid int
		var name, ctype string
		var notnull, pk int
		var dflt sql.NullString
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pk); err != nil {
			return false, err
		}
		if name == column {
			return true, nil
		}
	}
	return false, rows.Err()
}
