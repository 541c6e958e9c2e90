package store

import (
	"context"
	"sync"
	"time"

	"paircode/internal/model"
)

// Memory keeps sessions in process. Contents are lost on restart.
type Memory struct {
	mu       sync.RWMutex
	sessions map[string]model.Session
}

func NewMemory() *Memory {
	return &Memory{sessions: make(map[string]model.Session)}
}

func (m *Memory) Create(_ context.Context, sess model.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[sess.ID]; ok {
		return ErrDuplicate
	}
	m.sessions[sess.ID] = sess
	return nil
}

func (m *Memory) Get(_ context.Context, id string) (model.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sess, ok := m.sessions[id]
	if !ok {
		return model.Session{}, ErrNotFound
	}
	return sess, nil
}

func (m *Memory) UpdateCode(_ context.Context, id, code string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[id]
	if !ok {
		return ErrNotFound
	}
	sess.Code = code
	sess.UpdatedAt = time.Now().UTC()
	m.sessions[id] = sess
	return nil
}

func (m *Memory) GetOrCreate(_ context.Context, id string) (model.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if sess, ok := m.sessions[id]; ok {
		return sess, nil
	}
	sess := newSession(id, time.Now().UTC())
	m.sessions[id] = sess
	return sess, nil
}

func (m *Memory) Close() error { return nil }
