// Package session ties the realtime core together for one viewed session:
// an event bus, a connection, an edit synchronizer and a completion
// scheduler, all created by Open and released by Close. Switching sessions
// closes the current view before opening the next, so nothing from the old
// connection can reach the new view's handlers.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"paircode/internal/api"
	"paircode/internal/clock"
	"paircode/internal/completion"
	"paircode/internal/conn"
	"paircode/internal/editsync"
	"paircode/internal/eventbus"
	"paircode/internal/model"
	"paircode/internal/observability"
	"paircode/internal/protocol"
)

var ErrSessionNotFound = api.ErrSessionNotFound

// Fetcher loads a session's stored state. api.Client implements it.
type Fetcher interface {
	GetSession(ctx context.Context, id string) (model.Session, error)
}

// Deps are the collaborators shared by every view a client opens.
type Deps struct {
	BaseURL        string
	Fetcher        Fetcher
	Completer      completion.Requester
	UserID         string
	Dialer         *websocket.Dialer
	Clock          clock.Clock
	ConnectTimeout time.Duration
	ReconnectDelay time.Duration
	MaxRetries     int
	Debounce       time.Duration
	Logger         *slog.Logger
}

// View is one open session.
type View struct {
	id        string
	conn      *conn.Manager
	sync      *editsync.Synchronizer
	scheduler *completion.Scheduler
	logger    *slog.Logger

	mu        sync.Mutex
	connected bool
	unsubs    []func()
	closed    bool
}

// Option configures a view after it is bootstrapped and before it
// connects. Listeners registered here see every change the connection
// delivers.
type Option func(*View)

// Open fetches session id, builds a view for it and connects. A missing
// session is returned as ErrSessionNotFound before anything is dialed, since
// the server creates rooms on websocket join. Connection failures are
// absorbed by the reconnect loop.
func Open(ctx context.Context, deps Deps, id string, opts ...Option) (*View, error) {
	sess, err := deps.Fetcher.GetSession(ctx, id)
	if err != nil {
		if errors.Is(err, api.ErrSessionNotFound) {
			return nil, fmt.Errorf("open %s: %w", id, ErrSessionNotFound)
		}
		return nil, fmt.Errorf("open %s: %w", id, err)
	}

	logger := observability.WithComponent(deps.Logger, "session").With("session", id)
	bus := eventbus.New(deps.Logger)
	manager := conn.New(conn.Options{
		BaseURL:        deps.BaseURL,
		Dialer:         deps.Dialer,
		Bus:            bus,
		Clock:          deps.Clock,
		BaseDelay:      deps.ReconnectDelay,
		MaxRetries:     deps.MaxRetries,
		ConnectTimeout: deps.ConnectTimeout,
		Logger:         deps.Logger,
	})
	v := &View{
		id:     id,
		conn:   manager,
		sync:   editsync.New(manager, deps.UserID, deps.Logger),
		logger: logger,
		scheduler: completion.New(deps.Completer, completion.Options{
			Debounce: deps.Debounce,
			Clock:    deps.Clock,
			Logger:   deps.Logger,
		}),
	}
	v.sync.Reset(id)
	v.subscribe()
	v.sync.Bootstrap(sess)
	for _, opt := range opts {
		opt(v)
	}

	if err := manager.Connect(ctx, id); err != nil {
		logger.Warn("initial connect failed; reconnecting in background", "error", err)
	}
	return v, nil
}

func (v *View) subscribe() {
	unsubs := []func(){
		v.conn.On(protocol.KindCodeUpdate, func(msg protocol.Message) {
			if u, ok := msg.(protocol.CodeUpdate); ok {
				v.sync.ApplyRemote(u)
			}
		}),
		v.conn.On(protocol.KindCursorUpdate, func(msg protocol.Message) {
			if u, ok := msg.(protocol.CursorUpdate); ok {
				v.sync.ApplyRemoteCursor(u)
			}
		}),
		v.conn.On(protocol.KindConnectionStatus, func(msg protocol.Message) {
			if s, ok := msg.(protocol.ConnectionStatus); ok {
				v.mu.Lock()
				v.connected = s.Status == protocol.StatusConnected
				v.mu.Unlock()
			}
		}),
	}
	v.mu.Lock()
	v.unsubs = unsubs
	v.mu.Unlock()
}

func (v *View) ID() string { return v.id }

// Edit records a local change of the whole buffer and the cursor after it.
func (v *View) Edit(code string, cursor int) {
	v.sync.LocalEdit(code, cursor)
	v.scheduler.Touch(v.completionSnapshot())
}

// MoveCursor records a cursor move without a buffer change.
func (v *View) MoveCursor(cursor int) {
	v.sync.MoveCursor(cursor)
	v.scheduler.Touch(v.completionSnapshot())
}

// AcceptSuggestion applies the visible suggestion as a local edit.
func (v *View) AcceptSuggestion() (editsync.Snapshot, error) {
	res, err := v.scheduler.Accept(v.completionSnapshot())
	if err != nil {
		if errors.Is(err, completion.ErrInvalidSuggestion) {
			v.logger.Debug("dismissed stale suggestion")
		}
		return v.sync.Snapshot(), err
	}
	v.Edit(res.Code, res.Cursor)
	return v.sync.Snapshot(), nil
}

func (v *View) DismissSuggestion() { v.scheduler.Dismiss() }

func (v *View) Suggestion() *completion.Suggestion { return v.scheduler.State().Suggestion }

func (v *View) Completion() completion.State { return v.scheduler.State() }

func (v *View) Snapshot() editsync.Snapshot { return v.sync.Snapshot() }

func (v *View) Session() (model.Session, bool) { return v.sync.Session() }

func (v *View) PeerCursors() map[string]int { return v.sync.PeerCursors() }

// Live reports whether the server's current buffer has arrived over the
// connection.
func (v *View) Live() bool { return v.sync.Live() }

// Connected reports the last connection_status seen by this view.
func (v *View) Connected() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.connected
}

// Retries exposes the connection's reconnect counter.
func (v *View) Retries() int { return v.conn.Retries() }

// OnChange registers fn for buffer changes that did not originate locally.
func (v *View) OnChange(fn func(editsync.Snapshot)) { v.sync.OnChange(fn) }

// OnStatus registers fn for connection status transitions.
func (v *View) OnStatus(fn func(connected bool)) {
	unsub := v.conn.On(protocol.KindConnectionStatus, func(msg protocol.Message) {
		if s, ok := msg.(protocol.ConnectionStatus); ok {
			fn(s.Status == protocol.StatusConnected)
		}
	})
	v.mu.Lock()
	v.unsubs = append(v.unsubs, unsub)
	v.mu.Unlock()
}

// OnCompletion registers fn for completion state changes.
func (v *View) OnCompletion(fn func(completion.State)) { v.scheduler.OnChange(fn) }

// Close unsubscribes every handler and closes the connection before
// returning. It is safe to call more than once.
func (v *View) Close() {
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return
	}
	v.closed = true
	unsubs := v.unsubs
	v.unsubs = nil
	v.connected = false
	v.mu.Unlock()

	for _, unsub := range unsubs {
		unsub()
	}
	v.conn.Disconnect()
	v.scheduler.Close()
	v.sync.Teardown()
}

func (v *View) completionSnapshot() completion.Snapshot {
	snap := v.sync.Snapshot()
	return completion.Snapshot{Code: snap.Code, Cursor: snap.Cursor, Language: snap.Language}
}

// Switch closes current (if any) and opens id.
func Switch(ctx context.Context, deps Deps, current *View, id string, opts ...Option) (*View, error) {
	if current != nil {
		current.Close()
	}
	return Open(ctx, deps, id, opts...)
}
