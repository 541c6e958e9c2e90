// Package protocol defines the frames exchanged over a session's realtime
// connection. Frames are JSON objects discriminated by a "type" field; they
// are decoded once at the connection boundary into one of the concrete
// message types below and matched with a type switch from then on.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Kind identifies the type of a frame.
type Kind string

const (
	KindCodeUpdate       Kind = "code_update"
	KindCursorUpdate     Kind = "cursor_update"
	KindConnectionStatus Kind = "connection_status"
)

// Valid reports whether k is one of the known kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindCodeUpdate, KindCursorUpdate, KindConnectionStatus:
		return true
	}
	return false
}

// Status is carried by connection_status messages.
type Status string

const (
	StatusConnected    Status = "connected"
	StatusDisconnected Status = "disconnected"
)

// Message is implemented by every frame type.
type Message interface {
	Kind() Kind
}

// CodeUpdate replaces the whole buffer of a session.
type CodeUpdate struct {
	Code string
	// SessionID is set by the server on broadcast; clients leave it empty.
	SessionID string
}

// CursorUpdate announces a participant's cursor offset.
type CursorUpdate struct {
	Position int
	UserID   string
}

// ConnectionStatus is published locally on every open/close transition.
// It is never sent over the wire by clients.
type ConnectionStatus struct {
	Status Status
}

func (CodeUpdate) Kind() Kind       { return KindCodeUpdate }
func (CursorUpdate) Kind() Kind     { return KindCursorUpdate }
func (ConnectionStatus) Kind() Kind { return KindConnectionStatus }

// ErrMalformed is returned when a frame names a known kind but is missing a
// field that kind requires.
var ErrMalformed = errors.New("malformed frame")

// frame is the wire shape shared by all kinds.
type frame struct {
	Type           Kind    `json:"type"`
	Code           *string `json:"code,omitempty"`
	RoomID         string  `json:"roomId,omitempty"`
	CursorPosition *int    `json:"cursorPosition,omitempty"`
	UserID         string  `json:"userId,omitempty"`
	Status         Status  `json:"status,omitempty"`
}

// Decode parses a frame. Payloads that are not JSON objects, or whose type
// is not a known kind, are returned as a CodeUpdate carrying the raw payload.
func Decode(data []byte) (Message, error) {
	var f frame
	if err := json.Unmarshal(data, &f); err != nil || !f.Type.Valid() {
		return CodeUpdate{Code: string(data)}, nil
	}

	switch f.Type {
	case KindCodeUpdate:
		if f.Code == nil {
			return nil, fmt.Errorf("%s without code: %w", f.Type, ErrMalformed)
		}
		return CodeUpdate{Code: *f.Code, SessionID: f.RoomID}, nil
	case KindCursorUpdate:
		if f.CursorPosition == nil {
			return nil, fmt.Errorf("%s without cursorPosition: %w", f.Type, ErrMalformed)
		}
		return CursorUpdate{Position: *f.CursorPosition, UserID: f.UserID}, nil
	case KindConnectionStatus:
		if f.Status != StatusConnected && f.Status != StatusDisconnected {
			return nil, fmt.Errorf("%s with status %q: %w", f.Type, f.Status, ErrMalformed)
		}
		return ConnectionStatus{Status: f.Status}, nil
	}
	return nil, fmt.Errorf("unhandled kind %q", f.Type)
}

// Encode renders msg as a JSON frame.
func Encode(msg Message) ([]byte, error) {
	f := frame{Type: msg.Kind()}
	switch m := msg.(type) {
	case CodeUpdate:
		code := m.Code
		f.Code = &code
		f.RoomID = m.SessionID
	case CursorUpdate:
		pos := m.Position
		f.CursorPosition = &pos
		f.UserID = m.UserID
	case ConnectionStatus:
		f.Status = m.Status
	default:
		return nil, fmt.Errorf("encode: unsupported message %T", msg)
	}
	return json.Marshal(f)
}
