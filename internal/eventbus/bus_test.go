package eventbus

import (
	"testing"

	"paircode/internal/protocol"
)

func TestPublishOrder(t *testing.T) {
	b := New(nil)
	var got []int
	for i := 0; i < 3; i++ {
		i := i
		b.Subscribe(protocol.KindCodeUpdate, func(protocol.Message) { got = append(got, i) })
	}
	b.Subscribe(protocol.KindCursorUpdate, func(protocol.Message) { t.Fatal("wrong kind delivered") })

	b.Publish(protocol.KindCodeUpdate, protocol.CodeUpdate{Code: "x"})

	if len(got) != 3 || got[0] != 0 || got[1] != 1 || got[2] != 2 {
		t.Fatalf("delivery order = %v, want [0 1 2]", got)
	}
}

func TestPanickingHandlerDoesNotStopOthers(t *testing.T) {
	b := New(nil)
	calls := 0
	b.Subscribe(protocol.KindCodeUpdate, func(protocol.Message) { calls++ })
	b.Subscribe(protocol.KindCodeUpdate, func(protocol.Message) { panic("boom") })
	b.Subscribe(protocol.KindCodeUpdate, func(protocol.Message) { calls++ })

	b.Publish(protocol.KindCodeUpdate, protocol.CodeUpdate{})

	if calls != 2 {
		t.Fatalf("calls = %d, want 2", calls)
	}
}

func TestUnsubscribeDuringDispatchKeepsSnapshot(t *testing.T) {
	b := New(nil)
	var second func()
	var got []string
	b.Subscribe(protocol.KindCodeUpdate, func(protocol.Message) {
		got = append(got, "first")
		second()
	})
	second = b.Subscribe(protocol.KindCodeUpdate, func(protocol.Message) { got = append(got, "second") })

	b.Publish(protocol.KindCodeUpdate, protocol.CodeUpdate{})
	if len(got) != 2 {
		t.Fatalf("first pass delivered %v, want both handlers", got)
	}

	got = nil
	b.Publish(protocol.KindCodeUpdate, protocol.CodeUpdate{})
	if len(got) != 1 || got[0] != "first" {
		t.Fatalf("second pass delivered %v, want [first]", got)
	}
}

func TestUnsubscribeIdempotent(t *testing.T) {
	b := New(nil)
	unsubA := b.Subscribe(protocol.KindCodeUpdate, func(protocol.Message) {})
	b.Subscribe(protocol.KindCodeUpdate, func(protocol.Message) {})

	unsubA()
	unsubA()
	if n := b.Len(protocol.KindCodeUpdate); n != 1 {
		t.Fatalf("Len = %d, want 1", n)
	}
}

func TestClear(t *testing.T) {
	b := New(nil)
	unsub := b.Subscribe(protocol.KindConnectionStatus, func(protocol.Message) { t.Fatal("delivered after Clear") })
	b.Clear()
	b.Publish(protocol.KindConnectionStatus, protocol.ConnectionStatus{Status: protocol.StatusConnected})
	unsub()
	if n := b.Len(protocol.KindConnectionStatus); n != 0 {
		t.Fatalf("Len = %d, want 0", n)
	}
}
