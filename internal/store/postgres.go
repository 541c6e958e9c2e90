package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"paircode/internal/model"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS rooms (
	id         TEXT PRIMARY KEY,
	code       TEXT NOT NULL DEFAULT '',
	language   TEXT NOT NULL DEFAULT 'python',
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`

// Postgres stores sessions in the rooms table.
type Postgres struct {
	pool *pgxpool.Pool
}

// OpenPostgres connects to dsn, retrying the initial ping up to retries
// times with exponential backoff, and creates the schema.
func OpenPostgres(ctx context.Context, dsn string, retries uint64) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 200 * time.Millisecond
	policy.MaxInterval = 2 * time.Second
	ping := func() error { return pool.Ping(ctx) }
	if err := backoff.Retry(ping, backoff.WithContext(backoff.WithMaxRetries(policy, retries), ctx)); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

func (p *Postgres) Create(ctx context.Context, sess model.Session) error {
	tag, err := p.pool.Exec(ctx, `
INSERT INTO rooms(id, code, language, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (id) DO NOTHING`,
		sess.ID, sess.Code, string(sess.Language), sess.CreatedAt, sess.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert room: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrDuplicate
	}
	return nil
}

func (p *Postgres) Get(ctx context.Context, id string) (model.Session, error) {
	var sess model.Session
	var lang string
	err := p.pool.QueryRow(ctx,
		`SELECT id, code, language, created_at, updated_at FROM rooms WHERE id = $1`, id,
	).Scan(&sess.ID, &sess.Code, &lang, &sess.CreatedAt, &sess.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Session{}, ErrNotFound
	}
	if err != nil {
		return model.Session{}, fmt.Errorf("select room: %w", err)
	}
	sess.Language = model.ParseLanguage(lang)
	return sess, nil
}

func (p *Postgres) UpdateCode(ctx context.Context, id, code string) error {
	tag, err := p.pool.Exec(ctx,
		`UPDATE rooms SET code = $2, updated_at = now() WHERE id = $1`, id, code)
	if err != nil {
		return fmt.Errorf("update room: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) GetOrCreate(ctx context.Context, id string) (model.Session, error) {
	if _, err := p.pool.Exec(ctx,
		`INSERT INTO rooms(id) VALUES ($1) ON CONFLICT (id) DO NOTHING`, id); err != nil {
		return model.Session{}, fmt.Errorf("insert room: %w", err)
	}
	return p.Get(ctx, id)
}

func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}
