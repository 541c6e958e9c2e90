package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"paircode/internal/model"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS rooms (
	id         TEXT PRIMARY KEY,
	code       TEXT NOT NULL DEFAULT '',
	language   TEXT NOT NULL DEFAULT 'python',
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
)`

// SQLite stores sessions in a single database file.
type SQLite struct {
	db *sql.DB
}

func OpenSQLite(ctx context.Context, path string) (*SQLite, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &SQLite{db: db}, nil
}

func (s *SQLite) Create(ctx context.Context, sess model.Session) error {
	res, err := s.db.ExecContext(ctx, `
INSERT INTO rooms(id, code, language, created_at, updated_at)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT(id) DO NOTHING`,
		sess.ID, sess.Code, string(sess.Language), ts(sess.CreatedAt), ts(sess.UpdatedAt))
	if err != nil {
		return fmt.Errorf("insert room: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrDuplicate
	}
	return nil
}

func (s *SQLite) Get(ctx context.Context, id string) (model.Session, error) {
	var sess model.Session
	var lang, created, updated string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, code, language, created_at, updated_at FROM rooms WHERE id = ?`, id,
	).Scan(&sess.ID, &sess.Code, &lang, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Session{}, ErrNotFound
	}
	if err != nil {
		return model.Session{}, fmt.Errorf("select room: %w", err)
	}
	sess.Language = model.ParseLanguage(lang)
	sess.CreatedAt = parseTS(created)
	sess.UpdatedAt = parseTS(updated)
	return sess, nil
}

func (s *SQLite) UpdateCode(ctx context.Context, id, code string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE rooms SET code = ?, updated_at = ? WHERE id = ?`, code, ts(time.Now().UTC()), id)
	if err != nil {
		return fmt.Errorf("update room: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLite) GetOrCreate(ctx context.Context, id string) (model.Session, error) {
	sess := newSession(id, time.Now().UTC())
	if err := s.Create(ctx, sess); err != nil && !errors.Is(err, ErrDuplicate) {
		return model.Session{}, err
	}
	return s.Get(ctx, id)
}

func (s *SQLite) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func ts(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTS(v string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}
	}
	return t
}
