// Package conn owns the realtime WebSocket connection of one session view:
// connect, fire-and-forget send, inbound dispatch through the event bus, and
// automatic reconnection with linear backoff after an unexpected close.
package conn

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/gorilla/websocket"

	"paircode/internal/clock"
	"paircode/internal/eventbus"
	"paircode/internal/observability"
	"paircode/internal/protocol"
)

// State is the lifecycle state of a Manager.
type State int

const (
	Disconnected State = iota
	Connecting
	Open
	Closing
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Open:
		return "open"
	case Closing:
		return "closing"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

const (
	DefaultBaseDelay  = time.Second
	DefaultMaxRetries = 5
	writeWait         = 10 * time.Second
)

// ErrSuperseded is returned by Connect when a later Connect or Disconnect
// replaced the attempt while it was dialing.
var ErrSuperseded = errors.New("connect superseded")

// ConnectionError reports a transport failure for a session.
type ConnectionError struct {
	SessionID string
	Op        string
	Err       error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("%s session %s: %v", e.Op, e.SessionID, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// Options configures a Manager. Zero values select defaults.
type Options struct {
	// BaseURL is the server root, e.g. "ws://localhost:8000". http and
	// https schemes are rewritten to ws and wss.
	BaseURL        string
	Dialer         *websocket.Dialer
	Bus            *eventbus.Bus
	Clock          clock.Clock
	BaseDelay      time.Duration
	MaxRetries     int
	ConnectTimeout time.Duration
	Logger         *slog.Logger
}

// Manager holds at most one live connection. It is safe for concurrent use.
type Manager struct {
	baseURL        string
	dialer         *websocket.Dialer
	bus            *eventbus.Bus
	clock          clock.Clock
	connectTimeout time.Duration
	logger         *slog.Logger

	mu         sync.Mutex
	state      State
	sessionID  string
	ws         *websocket.Conn
	gen        uint64
	retryTimer clock.Timer
	linear     *linearBackOff
	policy     backoff.BackOff

	// gorilla/websocket supports one concurrent writer.
	writeMu sync.Mutex
}

// New builds a Manager. The bus is created when Options.Bus is nil.
func New(opts Options) *Manager {
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = DefaultBaseDelay
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = DefaultMaxRetries
	}
	if opts.Bus == nil {
		opts.Bus = eventbus.New(opts.Logger)
	}
	linear := &linearBackOff{base: opts.BaseDelay}
	return &Manager{
		baseURL:        opts.BaseURL,
		dialer:         opts.Dialer,
		bus:            opts.Bus,
		clock:          opts.Clock,
		connectTimeout: opts.ConnectTimeout,
		logger:         observability.WithComponent(opts.Logger, "conn"),
		linear:         linear,
		policy:         backoff.WithMaxRetries(linear, uint64(opts.MaxRetries)),
	}
}

// Target returns the WebSocket URL for sessionID under baseURL.
func Target(baseURL, sessionID string) (string, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	return u.String() + "/ws/" + url.PathEscape(sessionID), nil
}

// Connect dials the session endpoint and returns once the handshake has
// completed. It is a no-op when already open to sessionID; a connection to
// any other session is closed first. A dial failure is returned to the
// caller and also schedules the next automatic attempt.
//
// An explicit Connect starts a fresh retry budget, even after automatic
// reconnection gave up. Browser clients of the same protocol only reset the
// counter on a successful open.
func (m *Manager) Connect(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return errors.New("connect: empty session id")
	}
	target, err := Target(m.baseURL, sessionID)
	if err != nil {
		return &ConnectionError{SessionID: sessionID, Op: "dial", Err: err}
	}

	m.mu.Lock()
	if m.state == Open && m.sessionID == sessionID {
		m.mu.Unlock()
		return nil
	}
	var prev *websocket.Conn
	var prevOpen bool
	if m.sessionID != sessionID {
		prev, prevOpen = m.teardownLocked()
	}
	m.stopRetryLocked()
	m.policy.Reset()
	gen := m.beginLocked(sessionID)
	m.mu.Unlock()

	if prev != nil {
		m.closeConn(prev)
	}
	if prevOpen {
		m.publishStatus(protocol.StatusDisconnected)
	}
	return m.dial(ctx, target, sessionID, gen)
}

// beginLocked starts a new generation bound to sessionID.
func (m *Manager) beginLocked(sessionID string) uint64 {
	m.gen++
	m.sessionID = sessionID
	m.state = Connecting
	return m.gen
}

func (m *Manager) dial(ctx context.Context, target, sessionID string, gen uint64) error {
	if !m.current(gen) {
		return ErrSuperseded
	}

	dialCtx := ctx
	if m.connectTimeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, m.connectTimeout)
		defer cancel()
	}
	ws, _, err := m.dialer.DialContext(dialCtx, target, nil)
	if err != nil {
		if !m.current(gen) {
			return ErrSuperseded
		}
		m.logger.Warn("dial failed", "session", sessionID, "error", err)
		m.closed(gen)
		return &ConnectionError{SessionID: sessionID, Op: "dial", Err: err}
	}

	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		ws.Close()
		return ErrSuperseded
	}
	m.ws = ws
	m.state = Open
	m.policy.Reset()
	m.mu.Unlock()

	m.logger.Info("connected", "session", sessionID)
	m.publishStatus(protocol.StatusConnected)
	go m.readPump(ws, gen)
	return nil
}

// readPump publishes inbound frames in arrival order until the connection
// fails or is replaced.
func (m *Manager) readPump(ws *websocket.Conn, gen uint64) {
	defer ws.Close()
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if m.current(gen) {
				m.logger.Info("connection lost", "error", err)
			}
			m.closed(gen)
			return
		}
		msg, err := protocol.Decode(data)
		if err != nil {
			m.logger.Warn("dropping frame", "error", err)
			continue
		}
		if !m.current(gen) {
			return
		}
		m.bus.Publish(msg.Kind(), msg)
	}
}

func (m *Manager) current(gen uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return gen == m.gen
}

// closed runs once per unexpected close of generation gen: it publishes the
// disconnected status and schedules the next attempt while retries remain.
func (m *Manager) closed(gen uint64) {
	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return
	}
	m.ws = nil
	m.state = Disconnected
	sessionID := m.sessionID
	delay := m.policy.NextBackOff()
	attempt := m.linear.attempt
	if delay != backoff.Stop {
		m.retryTimer = m.clock.AfterFunc(delay, func() { m.retry(gen, sessionID) })
	}
	m.mu.Unlock()

	m.publishStatus(protocol.StatusDisconnected)
	if delay == backoff.Stop {
		m.logger.Warn("giving up reconnecting", "session", sessionID, "attempts", attempt)
		return
	}
	m.logger.Info("reconnect scheduled", "session", sessionID, "attempt", attempt, "delay", delay)
}

func (m *Manager) retry(gen uint64, sessionID string) {
	target, err := Target(m.baseURL, sessionID)
	if err != nil {
		return
	}
	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return
	}
	m.retryTimer = nil
	next := m.beginLocked(sessionID)
	m.mu.Unlock()

	if err := m.dial(context.Background(), target, sessionID, next); err != nil {
		m.logger.Debug("reconnect attempt failed", "session", sessionID, "error", err)
	}
}

// Send writes msg if the connection is open and drops it otherwise. A write
// failure closes the transport; the read pump then runs the reconnect path.
func (m *Manager) Send(msg protocol.Message) {
	m.mu.Lock()
	ws := m.ws
	open := m.state == Open
	m.mu.Unlock()
	if !open || ws == nil {
		m.logger.Debug("dropping send while not connected", "kind", msg.Kind())
		return
	}
	data, err := protocol.Encode(msg)
	if err != nil {
		m.logger.Error("encode message", "error", err)
		return
	}

	m.writeMu.Lock()
	_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
	err = ws.WriteMessage(websocket.TextMessage, data)
	m.writeMu.Unlock()
	if err != nil {
		m.logger.Warn("write failed", "kind", msg.Kind(), "error", err)
		ws.Close()
	}
}

// On subscribes h to inbound messages of kind.
func (m *Manager) On(kind protocol.Kind, h eventbus.Handler) func() {
	return m.bus.Subscribe(kind, h)
}

// Disconnect closes the transport, cancels any scheduled reconnect and
// removes every subscription. It may be called any number of times.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	ws, wasOpen := m.teardownLocked()
	m.sessionID = ""
	gen := m.gen
	m.mu.Unlock()

	if ws != nil {
		m.closeConn(ws)
		m.mu.Lock()
		if gen == m.gen {
			m.state = Disconnected
		}
		m.mu.Unlock()
	}
	if wasOpen {
		m.logger.Info("disconnected")
		m.publishStatus(protocol.StatusDisconnected)
	}
	m.bus.Clear()
}

// teardownLocked invalidates the current generation and detaches its
// connection for the caller to close outside the lock.
func (m *Manager) teardownLocked() (*websocket.Conn, bool) {
	m.gen++
	m.stopRetryLocked()
	m.policy.Reset()
	ws := m.ws
	wasOpen := m.state == Open
	m.ws = nil
	if ws != nil {
		m.state = Closing
	} else {
		m.state = Disconnected
	}
	return ws, wasOpen
}

func (m *Manager) stopRetryLocked() {
	if m.retryTimer != nil {
		m.retryTimer.Stop()
		m.retryTimer = nil
	}
}

func (m *Manager) closeConn(ws *websocket.Conn) {
	m.writeMu.Lock()
	_ = ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	m.writeMu.Unlock()
	ws.Close()
}

func (m *Manager) publishStatus(s protocol.Status) {
	m.bus.Publish(protocol.KindConnectionStatus, protocol.ConnectionStatus{Status: s})
}

// IsConnected reports whether the transport was open at the time of the call.
func (m *Manager) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state == Open
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Retries returns the number of reconnect attempts since the last open.
func (m *Manager) Retries() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.linear.attempt
}

func (m *Manager) SessionID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessionID
}

// linearBackOff waits base, 2*base, 3*base, ... The attempt count doubles
// as the manager's retry counter; the cap comes from backoff.WithMaxRetries.
type linearBackOff struct {
	base    time.Duration
	attempt int
}

func (b *linearBackOff) NextBackOff() time.Duration {
	b.attempt++
	return b.base * time.Duration(b.attempt)
}

func (b *linearBackOff) Reset() { b.attempt = 0 }
