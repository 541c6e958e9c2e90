// Package editsync keeps the locally displayed buffer consistent with the
// updates exchanged over a session connection.
//
// The protocol is last-writer-wins at whole-buffer granularity: every local
// edit sends the full buffer, every inbound code_update replaces it. There
// are no sequence numbers, so two participants typing at the same moment can
// overwrite each other. The only reconciliation is the local edit marker,
// which suppresses inbound updates equal to what this participant already
// shows (the server relaying our own edit back, or a duplicate).
package editsync

import (
	"log/slog"
	"sync"
	"unicode/utf8"

	"paircode/internal/model"
	"paircode/internal/observability"
	"paircode/internal/protocol"
)

// Sender transmits an outbound message. conn.Manager implements it.
type Sender interface {
	Send(protocol.Message)
}

// Snapshot is the editor state at one instant. Cursor is a rune offset.
type Snapshot struct {
	SessionID string
	Code      string
	Cursor    int
	Language  model.Language
}

// Synchronizer owns the buffer, cursor and local edit marker of one
// session view. Only its methods write them.
type Synchronizer struct {
	sender Sender
	userID string
	logger *slog.Logger

	mu        sync.Mutex
	sessionID string
	session   *model.Session
	pending   *model.Session
	buffer    string
	cursor    int
	marker    string
	live      bool
	peers     map[string]int
	listeners []func(Snapshot)
}

// New returns a Synchronizer sending through sender. userID tags outbound
// cursor updates.
func New(sender Sender, userID string, logger *slog.Logger) *Synchronizer {
	return &Synchronizer{
		sender: sender,
		userID: userID,
		logger: observability.WithComponent(logger, "editsync"),
		peers:  make(map[string]int),
	}
}

// OnChange registers fn to run after the buffer changes for any reason
// other than a local edit. fn runs outside the synchronizer's lock.
func (s *Synchronizer) OnChange(fn func(Snapshot)) {
	s.mu.Lock()
	s.listeners = append(s.listeners, fn)
	s.mu.Unlock()
}

// LocalEdit records code as the newest local buffer and sends it.
func (s *Synchronizer) LocalEdit(code string, cursor int) {
	s.mu.Lock()
	s.marker = code
	s.buffer = code
	s.cursor = clamp(cursor, code)
	if s.session != nil {
		s.session.Code = code
	}
	s.mu.Unlock()

	s.sender.Send(protocol.CodeUpdate{Code: code})
}

// MoveCursor records the local cursor and announces it to peers.
func (s *Synchronizer) MoveCursor(cursor int) {
	s.mu.Lock()
	s.cursor = clamp(cursor, s.buffer)
	pos := s.cursor
	s.mu.Unlock()

	s.sender.Send(protocol.CursorUpdate{Position: pos, UserID: s.userID})
}

// ApplyRemote applies an inbound code_update. It reports whether the buffer
// changed; an update equal to the local edit marker is discarded.
func (s *Synchronizer) ApplyRemote(u protocol.CodeUpdate) bool {
	s.mu.Lock()
	if u.Code == s.marker {
		s.live = true
		s.mu.Unlock()
		return false
	}
	s.buffer = u.Code
	s.marker = u.Code
	s.cursor = clamp(s.cursor, u.Code)
	s.live = true
	if s.session != nil {
		s.session.Code = u.Code
	}
	snap, listeners := s.snapshotLocked(), s.listenersLocked()
	s.mu.Unlock()

	s.logger.Debug("applied remote update", "session", snap.SessionID, "runes", utf8.RuneCountInString(u.Code))
	notify(listeners, snap)
	return true
}

// ApplyRemoteCursor records a peer's cursor. Offsets are kept as sent; they
// are informational and never applied to the local buffer.
func (s *Synchronizer) ApplyRemoteCursor(u protocol.CursorUpdate) {
	if u.UserID == "" || u.UserID == s.userID {
		return
	}
	s.mu.Lock()
	s.peers[u.UserID] = u.Position
	s.mu.Unlock()
}

// Live reports whether the connection has delivered a code_update since
// the last Reset. Until then a late join frame may still replace the buffer.
func (s *Synchronizer) Live() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.live
}

// PeerCursors returns the last known cursor of every peer.
func (s *Synchronizer) PeerCursors() map[string]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]int, len(s.peers))
	for k, v := range s.peers {
		out[k] = v
	}
	return out
}

// Reset discards state left from a previously viewed session and binds the
// synchronizer to sessionID. A fetched session for sessionID that arrived
// before this call is applied now.
func (s *Synchronizer) Reset(sessionID string) {
	s.mu.Lock()
	s.clearLocked()
	s.sessionID = sessionID
	pending := s.pending
	s.pending = nil
	s.mu.Unlock()

	if pending != nil && pending.ID == sessionID {
		s.Bootstrap(*pending)
	}
}

// Bootstrap applies a fetched session. A session for an id other than the
// bound one is held until Reset binds that id. When a live update has
// already been applied, the fetched buffer is older than what the
// connection delivered and only the metadata is taken.
func (s *Synchronizer) Bootstrap(sess model.Session) {
	s.mu.Lock()
	if sess.ID != s.sessionID {
		s.pending = &sess
		bound := s.sessionID
		s.mu.Unlock()
		s.logger.Debug("deferring bootstrap", "session", sess.ID, "bound", bound)
		return
	}
	cached := sess
	if s.live {
		cached.Code = s.buffer
	} else {
		s.buffer = sess.Code
		s.marker = sess.Code
		s.cursor = clamp(s.cursor, sess.Code)
	}
	s.session = &cached
	snap, listeners := s.snapshotLocked(), s.listenersLocked()
	s.mu.Unlock()

	notify(listeners, snap)
}

// Teardown clears all state when the session view closes.
func (s *Synchronizer) Teardown() {
	s.mu.Lock()
	s.clearLocked()
	s.sessionID = ""
	s.pending = nil
	s.listeners = nil
	s.mu.Unlock()
}

func (s *Synchronizer) clearLocked() {
	s.session = nil
	s.buffer = ""
	s.cursor = 0
	s.marker = ""
	s.live = false
	s.peers = make(map[string]int)
}

// Snapshot returns the current editor state.
func (s *Synchronizer) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// Session returns a copy of the cached session, or false before bootstrap.
func (s *Synchronizer) Session() (model.Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.session == nil {
		return model.Session{}, false
	}
	return *s.session, true
}

func (s *Synchronizer) snapshotLocked() Snapshot {
	snap := Snapshot{SessionID: s.sessionID, Code: s.buffer, Cursor: s.cursor, Language: model.LanguagePython}
	if s.session != nil {
		snap.Language = s.session.Language
	}
	return snap
}

func (s *Synchronizer) listenersLocked() []func(Snapshot) {
	return append([]func(Snapshot){}, s.listeners...)
}

func notify(listeners []func(Snapshot), snap Snapshot) {
	for _, fn := range listeners {
		fn(snap)
	}
}

func clamp(cursor int, code string) int {
	if cursor < 0 {
		return 0
	}
	if n := utf8.RuneCountInString(code); cursor > n {
		return n
	}
	return cursor
}
