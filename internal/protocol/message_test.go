package protocol

import (
	"errors"
	"testing"
)

func TestDecode(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want Message
	}{
		{"code update", `{"type":"code_update","code":"x = 1"}`, CodeUpdate{Code: "x = 1"}},
		{"code update with room", `{"type":"code_update","code":"","roomId":"abc"}`, CodeUpdate{Code: "", SessionID: "abc"}},
		{"cursor update", `{"type":"cursor_update","cursorPosition":7,"userId":"u1"}`, CursorUpdate{Position: 7, UserID: "u1"}},
		{"status", `{"type":"connection_status","status":"connected"}`, ConnectionStatus{Status: StatusConnected}},
		{"raw text", `print("hi")`, CodeUpdate{Code: `print("hi")`}},
		{"unknown type", `{"type":"selection"}`, CodeUpdate{Code: `{"type":"selection"}`}},
		{"json scalar", `42`, CodeUpdate{Code: `42`}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Decode([]byte(tt.in))
			if err != nil {
				t.Fatalf("Decode: %v", err)
			}
			if got != tt.want {
				t.Fatalf("Decode(%q) = %#v, want %#v", tt.in, got, tt.want)
			}
		})
	}
}

func TestDecodeMalformed(t *testing.T) {
	for _, in := range []string{
		`{"type":"code_update"}`,
		`{"type":"cursor_update","userId":"u"}`,
		`{"type":"connection_status","status":"maybe"}`,
	} {
		if _, err := Decode([]byte(in)); !errors.Is(err, ErrMalformed) {
			t.Errorf("Decode(%s) error = %v, want ErrMalformed", in, err)
		}
	}
}

func TestEncodeDecodesBack(t *testing.T) {
	msgs := []Message{
		CodeUpdate{Code: "def foo():\n    pass"},
		CodeUpdate{Code: ""},
		CursorUpdate{Position: 0, UserID: "me"},
		ConnectionStatus{Status: StatusDisconnected},
	}
	for _, msg := range msgs {
		data, err := Encode(msg)
		if err != nil {
			t.Fatalf("Encode(%#v): %v", msg, err)
		}
		got, err := Decode(data)
		if err != nil {
			t.Fatalf("Decode(%s): %v", data, err)
		}
		if got != msg {
			t.Fatalf("got %#v, want %#v", got, msg)
		}
	}
}

func TestEncodeWireShape(t *testing.T) {
	data, err := Encode(CursorUpdate{Position: 3, UserID: "u"})
	if err != nil {
		t.Fatal(err)
	}
	want := `{"type":"cursor_update","cursorPosition":3,"userId":"u"}`
	if string(data) != want {
		t.Fatalf("Encode = %s, want %s", data, want)
	}
}
