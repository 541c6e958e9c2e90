package editsync

import (
	"sync"
	"testing"

	"paircode/internal/model"
	"paircode/internal/protocol"
)

type recordingSender struct {
	mu   sync.Mutex
	sent []protocol.Message
}

func (r *recordingSender) Send(m protocol.Message) {
	r.mu.Lock()
	r.sent = append(r.sent, m)
	r.mu.Unlock()
}

func newSync(t *testing.T) (*Synchronizer, *recordingSender, *int) {
	t.Helper()
	sender := &recordingSender{}
	s := New(sender, "me", nil)
	s.Reset("room1")
	notified := new(int)
	s.OnChange(func(Snapshot) { *notified++ })
	return s, sender, notified
}

func TestLocalEditSendsWholeBuffer(t *testing.T) {
	s, sender, notified := newSync(t)

	s.LocalEdit("a", 1)
	s.LocalEdit("ab", 2)

	if len(sender.sent) != 2 {
		t.Fatalf("sent %d messages, want 2", len(sender.sent))
	}
	if sender.sent[1] != (protocol.CodeUpdate{Code: "ab"}) {
		t.Fatalf("last sent = %#v", sender.sent[1])
	}
	if snap := s.Snapshot(); snap.Code != "ab" || snap.Cursor != 2 {
		t.Fatalf("snapshot = %+v", snap)
	}
	if *notified != 0 {
		t.Fatalf("local edits notified %d times", *notified)
	}
}

func TestEchoSuppressed(t *testing.T) {
	for _, buf := range []string{"", "x", "def foo():\n    pass", "naïve ✓"} {
		s, _, notified := newSync(t)
		s.LocalEdit(buf, 0)
		before := s.Snapshot()

		if s.ApplyRemote(protocol.CodeUpdate{Code: buf}) {
			t.Fatalf("echo of %q applied", buf)
		}
		if s.Snapshot() != before || *notified != 0 {
			t.Fatalf("echo of %q changed state or notified", buf)
		}
	}
}

func TestRemoteApply(t *testing.T) {
	s, sender, notified := newSync(t)
	s.LocalEdit("one", 3)

	if !s.ApplyRemote(protocol.CodeUpdate{Code: "two!"}) {
		t.Fatal("distinct remote update not applied")
	}
	if snap := s.Snapshot(); snap.Code != "two!" {
		t.Fatalf("buffer = %q", snap.Code)
	}
	if *notified != 1 {
		t.Fatalf("notified %d, want 1", *notified)
	}
	if len(sender.sent) != 1 {
		t.Fatalf("remote apply re-broadcast: sent %d", len(sender.sent))
	}

	// The marker moved with the update, so its echo is suppressed too.
	for i := 0; i < 3; i++ {
		if s.ApplyRemote(protocol.CodeUpdate{Code: "two!"}) {
			t.Fatalf("repeat %d of applied update changed buffer", i)
		}
	}
	if *notified != 1 {
		t.Fatalf("repeats notified: %d", *notified)
	}
}

func TestRemoteApplyClampsCursor(t *testing.T) {
	s, _, _ := newSync(t)
	s.LocalEdit("hello world", 11)
	s.ApplyRemote(protocol.CodeUpdate{Code: "hé"})
	if got := s.Snapshot().Cursor; got != 2 {
		t.Fatalf("cursor = %d, want 2", got)
	}
}

func TestLastWriterWins(t *testing.T) {
	s, _, _ := newSync(t)
	s.LocalEdit("mine", 4)
	s.ApplyRemote(protocol.CodeUpdate{Code: "theirs"})
	if got := s.Snapshot().Code; got != "theirs" {
		t.Fatalf("buffer = %q, want the later remote write", got)
	}
}

func TestBootstrapDeferredUntilReset(t *testing.T) {
	sender := &recordingSender{}
	s := New(sender, "me", nil)
	s.Reset("old")
	s.LocalEdit("old buffer", 0)

	s.Bootstrap(model.Session{ID: "new", Code: "fresh", Language: model.LanguageJava})
	if got := s.Snapshot().Code; got != "old buffer" {
		t.Fatalf("bootstrap for unbound session applied early: %q", got)
	}

	s.Reset("new")
	snap := s.Snapshot()
	if snap.SessionID != "new" || snap.Code != "fresh" || snap.Language != model.LanguageJava {
		t.Fatalf("snapshot after reset = %+v", snap)
	}
	if s.ApplyRemote(protocol.CodeUpdate{Code: "fresh"}) {
		t.Fatal("server's initial copy of the fetched buffer should be suppressed")
	}
}

func TestBootstrapAfterLiveUpdateKeepsLiveBuffer(t *testing.T) {
	s, _, _ := newSync(t)
	s.ApplyRemote(protocol.CodeUpdate{Code: "live"})
	s.Bootstrap(model.Session{ID: "room1", Code: "stale", Language: model.LanguageTypeScript})

	snap := s.Snapshot()
	if snap.Code != "live" || snap.Language != model.LanguageTypeScript {
		t.Fatalf("snapshot = %+v", snap)
	}
	sess, ok := s.Session()
	if !ok || sess.Code != "live" {
		t.Fatalf("cached session = %+v, %v", sess, ok)
	}
}

func TestResetDiscardsPreviousSession(t *testing.T) {
	s, _, _ := newSync(t)
	s.Bootstrap(model.Session{ID: "room1", Code: "a"})
	s.ApplyRemoteCursor(protocol.CursorUpdate{Position: 1, UserID: "peer"})

	s.Reset("room2")
	if snap := s.Snapshot(); snap.Code != "" || snap.SessionID != "room2" {
		t.Fatalf("snapshot = %+v", snap)
	}
	if _, ok := s.Session(); ok {
		t.Fatal("cached session survived reset")
	}
	if len(s.PeerCursors()) != 0 {
		t.Fatal("peer cursors survived reset")
	}
}

func TestCursorUpdates(t *testing.T) {
	s, sender, _ := newSync(t)
	s.LocalEdit("abc", 0)
	s.MoveCursor(10)
	if got := sender.sent[len(sender.sent)-1]; got != (protocol.CursorUpdate{Position: 3, UserID: "me"}) {
		t.Fatalf("sent %#v", got)
	}

	s.ApplyRemoteCursor(protocol.CursorUpdate{Position: 2, UserID: "peer"})
	s.ApplyRemoteCursor(protocol.CursorUpdate{Position: 1, UserID: "me"})
	peers := s.PeerCursors()
	if len(peers) != 1 || peers["peer"] != 2 {
		t.Fatalf("peers = %v", peers)
	}
}

func TestTeardown(t *testing.T) {
	s, _, notified := newSync(t)
	s.LocalEdit("x", 1)
	s.Teardown()
	s.Reset("room1")
	s.Bootstrap(model.Session{ID: "room1", Code: "y"})
	if *notified != 0 {
		t.Fatal("listener survived teardown")
	}
	if got := s.Snapshot().Code; got != "y" {
		t.Fatalf("buffer = %q", got)
	}
}

func TestLiveAfterAnyInboundUpdate(t *testing.T) {
	s, _, _ := newSync(t)
	if s.Live() {
		t.Fatal("live before any update")
	}
	// The join frame for an empty session equals the empty marker.
	s.ApplyRemote(protocol.CodeUpdate{Code: ""})
	if !s.Live() {
		t.Fatal("suppressed update did not mark the buffer live")
	}
	s.Reset("room2")
	if s.Live() {
		t.Fatal("live survived Reset")
	}
}

func TestListenerAddedDuringNotifyRunsNextTime(t *testing.T) {
	s := New(&recordingSender{}, "me", nil)
	s.Reset("room1")
	var outer, inner int
	s.OnChange(func(Snapshot) {
		outer++
		if outer == 1 {
			s.OnChange(func(Snapshot) { inner++ })
		}
	})

	s.ApplyRemote(protocol.CodeUpdate{Code: "a"})
	if outer != 1 || inner != 0 {
		t.Fatalf("after first update outer=%d inner=%d", outer, inner)
	}
	s.ApplyRemote(protocol.CodeUpdate{Code: "b"})
	if outer != 2 || inner != 1 {
		t.Fatalf("after second update outer=%d inner=%d", outer, inner)
	}
}
