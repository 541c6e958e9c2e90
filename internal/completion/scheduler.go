// Package completion schedules inline completion requests for one session
// view. Rapid edits are coalesced into a single request per pause, only the
// newest request's answer is ever shown, and a suggestion is applied only
// against the exact buffer it was computed for.
package completion

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
	"unicode/utf8"

	"paircode/internal/clock"
	"paircode/internal/model"
	"paircode/internal/observability"
)

const (
	DefaultDebounce = 600 * time.Millisecond
	DefaultTimeout  = 10 * time.Second
)

var (
	ErrNoSuggestion = errors.New("no suggestion")
	// ErrInvalidSuggestion means the buffer moved on since the suggestion
	// was computed; it is dismissed rather than partially applied.
	ErrInvalidSuggestion = errors.New("suggestion no longer matches buffer")
)

// Requester performs one completion round trip. api.Client implements it.
type Requester interface {
	Complete(ctx context.Context, req model.CompletionRequest) (model.CompletionResponse, error)
}

// Snapshot is the editor state a request is computed from.
type Snapshot struct {
	Code     string
	Cursor   int
	Language model.Language
}

// Suggestion replaces the rune range [Start, End) of Code with Text.
type Suggestion struct {
	Text   string
	Start  int
	End    int
	Code   string
	Cursor int
}

// Result is the buffer and cursor after accepting a suggestion.
type Result struct {
	Code   string
	Cursor int
}

// State is observable scheduler state.
type State struct {
	Pending    bool
	Fetching   bool
	Suggestion *Suggestion
	Err        error
	Requests   uint64
}

type Options struct {
	Debounce time.Duration
	Timeout  time.Duration
	Clock    clock.Clock
	Logger   *slog.Logger
}

type Scheduler struct {
	requester Requester
	clock     clock.Clock
	debounce  time.Duration
	timeout   time.Duration
	logger    *slog.Logger

	mu         sync.Mutex
	timer      clock.Timer
	version    uint64
	issued     uint64
	cancel     context.CancelFunc
	fetching   bool
	suggestion *Suggestion
	err        error
	closed     bool
	listeners  []func(State)
}

func New(requester Requester, opts Options) *Scheduler {
	if opts.Debounce <= 0 {
		opts.Debounce = DefaultDebounce
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	return &Scheduler{
		requester: requester,
		clock:     opts.Clock,
		debounce:  opts.Debounce,
		timeout:   opts.Timeout,
		logger:    observability.WithComponent(opts.Logger, "completion"),
	}
}

// OnChange registers fn to run after every visible state change.
func (s *Scheduler) OnChange(fn func(State)) {
	s.mu.Lock()
	s.listeners = append(s.listeners, fn)
	s.mu.Unlock()
}

// Touch reports a local edit or cursor move. The visible suggestion is
// invalidated and the debounce window restarts from now.
func (s *Scheduler) Touch(snap Snapshot) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.version++
	version := s.version
	if s.timer != nil {
		s.timer.Stop()
	}
	s.timer = s.clock.AfterFunc(s.debounce, func() { s.fire(version, snap) })
	hadSuggestion := s.suggestion != nil
	s.suggestion = nil
	st, listeners := s.stateLocked(), s.listenersLocked()
	s.mu.Unlock()

	if hadSuggestion {
		notify(listeners, st)
	}
}

func (s *Scheduler) fire(version uint64, snap Snapshot) {
	s.mu.Lock()
	if s.closed || version != s.version {
		s.mu.Unlock()
		return
	}
	s.timer = nil
	if snap.Code == "" || snap.Cursor < 0 || snap.Cursor > utf8.RuneCountInString(snap.Code) {
		s.mu.Unlock()
		return
	}
	if s.cancel != nil {
		s.cancel()
	}
	s.issued++
	id := s.issued
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	s.cancel = cancel
	s.fetching = true
	s.err = nil
	st, listeners := s.stateLocked(), s.listenersLocked()
	s.mu.Unlock()

	notify(listeners, st)
	go s.request(ctx, cancel, id, version, snap)
}

func (s *Scheduler) request(ctx context.Context, cancel context.CancelFunc, id, version uint64, snap Snapshot) {
	defer cancel()
	resp, err := s.requester.Complete(ctx, model.CompletionRequest{
		Code:           snap.Code,
		CursorPosition: snap.Cursor,
		Language:       snap.Language,
	})

	s.mu.Lock()
	if s.closed || id != s.issued {
		s.mu.Unlock()
		s.logger.Debug("discarding superseded completion", "request", id)
		return
	}
	s.fetching = false
	s.cancel = nil
	switch {
	case err != nil:
		s.suggestion = nil
		s.err = err
	case version != s.version:
		// Edited while in flight; the answer is for a buffer we no longer show.
	default:
		s.suggestion = &Suggestion{
			Text:   resp.Suggestion,
			Start:  resp.StartPosition,
			End:    resp.EndPosition,
			Code:   snap.Code,
			Cursor: snap.Cursor,
		}
	}
	st, listeners := s.stateLocked(), s.listenersLocked()
	s.mu.Unlock()

	if err != nil {
		s.logger.Warn("completion request failed", "request", id, "error", err)
	}
	notify(listeners, st)
}

// Accept applies the visible suggestion to snap. The suggestion is consumed
// whether or not it applies.
func (s *Scheduler) Accept(snap Snapshot) (Result, error) {
	s.mu.Lock()
	sug := s.suggestion
	s.suggestion = nil
	st, listeners := s.stateLocked(), s.listenersLocked()
	s.mu.Unlock()

	if sug == nil {
		return Result{}, ErrNoSuggestion
	}
	notify(listeners, st)

	if snap.Code != sug.Code || snap.Cursor != sug.Cursor {
		return Result{}, ErrInvalidSuggestion
	}
	runes := []rune(snap.Code)
	if sug.Start < 0 || sug.End < sug.Start || sug.End > len(runes) {
		return Result{}, ErrInvalidSuggestion
	}
	out := make([]rune, 0, len(runes)-(sug.End-sug.Start)+utf8.RuneCountInString(sug.Text))
	out = append(out, runes[:sug.Start]...)
	out = append(out, []rune(sug.Text)...)
	out = append(out, runes[sug.End:]...)
	return Result{
		Code:   string(out),
		Cursor: sug.Start + utf8.RuneCountInString(sug.Text),
	}, nil
}

// Dismiss hides the visible suggestion. A pending debounce still fires.
func (s *Scheduler) Dismiss() {
	s.mu.Lock()
	had := s.suggestion != nil
	s.suggestion = nil
	st, listeners := s.stateLocked(), s.listenersLocked()
	s.mu.Unlock()
	if had {
		notify(listeners, st)
	}
}

// Close stops the debounce timer and cancels any request in flight.
func (s *Scheduler) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.fetching = false
	s.suggestion = nil
	s.listeners = nil
}

func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stateLocked()
}

func (s *Scheduler) stateLocked() State {
	st := State{
		Pending:  s.timer != nil,
		Fetching: s.fetching,
		Err:      s.err,
		Requests: s.issued,
	}
	if s.suggestion != nil {
		sug := *s.suggestion
		st.Suggestion = &sug
	}
	return st
}

func (s *Scheduler) listenersLocked() []func(State) {
	return append([]func(State){}, s.listeners...)
}

func notify(listeners []func(State), st State) {
	for _, fn := range listeners {
		fn(st)
	}
}
