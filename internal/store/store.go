// Package store persists sessions for the reference server.
package store

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"time"

	"paircode/internal/model"
)

var (
	ErrNotFound  = errors.New("session not found")
	ErrDuplicate = errors.New("session id already exists")
)

// Store is a session repository. Implementations are safe for concurrent use.
type Store interface {
	// Create inserts sess. An existing id yields ErrDuplicate.
	Create(ctx context.Context, sess model.Session) error
	Get(ctx context.Context, id string) (model.Session, error)
	// UpdateCode replaces the buffer of an existing session.
	UpdateCode(ctx context.Context, id, code string) error
	// GetOrCreate returns id, creating an empty python session if missing.
	GetOrCreate(ctx context.Context, id string) (model.Session, error)
	Close() error
}

const (
	idLength   = 8
	idAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"
)

// NewID returns a random 8-character alphanumeric session id.
func NewID() (string, error) {
	max := big.NewInt(int64(len(idAlphabet)))
	buf := make([]byte, idLength)
	for i := range buf {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fmt.Errorf("generate id: %w", err)
		}
		buf[i] = idAlphabet[n.Int64()]
	}
	return string(buf), nil
}

// CreateSession creates an empty session with a fresh id, retrying on the
// rare collision.
func CreateSession(ctx context.Context, s Store, language model.Language) (model.Session, error) {
	for attempt := 0; attempt < 5; attempt++ {
		id, err := NewID()
		if err != nil {
			return model.Session{}, err
		}
		now := time.Now().UTC()
		sess := model.Session{
			ID:        id,
			Language:  model.ParseLanguage(string(language)),
			CreatedAt: now,
			UpdatedAt: now,
		}
		err = s.Create(ctx, sess)
		if errors.Is(err, ErrDuplicate) {
			continue
		}
		if err != nil {
			return model.Session{}, err
		}
		return sess, nil
	}
	return model.Session{}, fmt.Errorf("create session: %w", ErrDuplicate)
}

func newSession(id string, now time.Time) model.Session {
	return model.Session{ID: id, Language: model.LanguagePython, CreatedAt: now, UpdatedAt: now}
}
