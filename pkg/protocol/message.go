package protocol

import (
	"encoding/json"
	"fmt"
)

// Type is the envelope tag every collab frame carries.
const Type = "collab"

type Action string

// Client → server actions.
const (
	ActionJoin      Action = "join"
	ActionLeave     Action = "leave"
	ActionUpdate    Action = "update"
	ActionUpdateAll Action = "update_all"
	ActionFocus     Action = "focus"
	ActionDiscard   Action = "discard"
	ActionPong      Action = "pong"
)

// Server → client actions. join, leave, update, focus and discard are
// shared with the client set.
const (
	ActionInit   Action = "init"
	ActionSave   Action = "save"
	ActionDelete Action = "delete"
	ActionError  Action = "error"
	ActionPing   Action = "ping"
)

// Error codes carried by error messages.
const (
	CodeServiceUnavailable = "SERVICE_UNAVAILABLE"
	CodeForbidden          = "FORBIDDEN"
	CodeInvalidPayload     = "INVALID_PAYLOAD"
	CodeNotInRoom          = "NOT_IN_ROOM"
	CodeTokenExpired       = "TOKEN_EXPIRED"
	CodeInternal           = "INTERNAL_SERVER_ERROR"
)

// Wildcard is the discard field list entry meaning "every field".
const Wildcard = "*"

// ClientMessage is a frame sent by an editor to the server.
//
// Changes is kept raw so that an absent key (unset) can be told apart
// from an explicit null value.
type ClientMessage struct {
	Type           string          `json:"type" validate:"eq=collab"`
	Action         Action          `json:"action" validate:"oneof=join leave update update_all focus discard pong"`
	Room           string          `json:"room,omitempty" validate:"required_unless=Action join"`
	Collection     string          `json:"collection,omitempty" validate:"required_if=Action join"`
	Item           *string         `json:"item,omitempty"`
	Version        *string         `json:"version,omitempty"`
	InitialChanges map[string]any  `json:"initialChanges,omitempty"`
	Field          *string         `json:"field,omitempty" validate:"required_if=Action update"`
	Changes        json.RawMessage `json:"changes,omitempty"`
	Fields         []string        `json:"fields,omitempty" validate:"required_if=Action discard"`
}

// RoomUser is one member entry of an init message.
type RoomUser struct {
	User       string `json:"user"`
	Connection string `json:"connection"`
	Color      string `json:"color"`
}

// ServerMessage is a frame broadcast by the server to room members.
type ServerMessage struct {
	Type       string            `json:"type"`
	Action     Action            `json:"action"`
	Room       string            `json:"room,omitempty"`
	Connection string            `json:"connection,omitempty"`
	Collection string            `json:"collection,omitempty"`
	Item       *string           `json:"item,omitempty"`
	Version    *string           `json:"version,omitempty"`
	Changes    json.RawMessage   `json:"changes,omitempty"`
	Users      []RoomUser        `json:"users,omitempty"`
	Focuses    map[string]string `json:"focuses,omitempty"`
	User       string            `json:"user,omitempty"`
	Color      string            `json:"color,omitempty"`
	Field      *string           `json:"field,omitempty"`
	Order      int64             `json:"order,omitempty"`
	Fields     []string          `json:"fields,omitempty"`
	Code       string            `json:"code,omitempty"`
	Message    string            `json:"message,omitempty"`
}

// HasChanges reports whether the changes key was present on the wire.
func (m *ServerMessage) HasChanges() bool {
	return len(m.Changes) > 0
}

// DecodeChanges unmarshals the changes payload into v.
func (m *ServerMessage) DecodeChanges(v any) error {
	if !m.HasChanges() {
		return nil
	}
	return json.Unmarshal(m.Changes, v)
}

// ChangeMap decodes an object-shaped changes payload. A missing or null
// payload yields an empty map.
func (m *ServerMessage) ChangeMap() (map[string]any, error) {
	changes := make(map[string]any)
	if !m.HasChanges() {
		return changes, nil
	}
	if err := json.Unmarshal(m.Changes, &changes); err != nil {
		return nil, fmt.Errorf("invalid changes payload: %w", err)
	}
	if changes == nil {
		changes = make(map[string]any)
	}
	return changes, nil
}

// HasChanges reports whether the changes key was present on the wire.
func (m *ClientMessage) HasChanges() bool {
	return len(m.Changes) > 0
}

// ChangeValue decodes a single-field changes payload.
func (m *ClientMessage) ChangeValue() (any, error) {
	var value any
	if err := json.Unmarshal(m.Changes, &value); err != nil {
		return nil, fmt.Errorf("invalid changes payload: %w", err)
	}
	return value, nil
}

// ChangeMap decodes an update_all payload.
func (m *ClientMessage) ChangeMap() (map[string]any, error) {
	changes := make(map[string]any)
	if !m.HasChanges() {
		return changes, nil
	}
	if err := json.Unmarshal(m.Changes, &changes); err != nil {
		return nil, fmt.Errorf("invalid changes payload: %w", err)
	}
	if changes == nil {
		changes = make(map[string]any)
	}
	return changes, nil
}

// EncodeChanges marshals v for use as a Changes payload.
func EncodeChanges(v any) (json.RawMessage, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode changes: %w", err)
	}
	return data, nil
}

// NewClientMessage returns a client frame with the envelope type set.
func NewClientMessage(action Action) *ClientMessage {
	return &ClientMessage{Type: Type, Action: action}
}

// NewServerMessage returns a server frame bound to room.
func NewServerMessage(action Action, room string) *ServerMessage {
	return &ServerMessage{Type: Type, Action: action, Room: room}
}

// NewError returns an error frame.
func NewError(code, message string) *ServerMessage {
	return &ServerMessage{Type: Type, Action: ActionError, Code: code, Message: message}
}

// DecodeServerMessage parses a server frame. Frames of a foreign type
// return ok=false without an error.
func DecodeServerMessage(data []byte) (msg *ServerMessage, ok bool, err error) {
	var m ServerMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, false, fmt.Errorf("error unmarshaling message: %w", err)
	}
	if m.Type != Type {
		return nil, false, nil
	}
	return &m, true, nil
}

// DecodeClientMessage parses a client frame. Frames of a foreign type
// return ok=false without an error.
func DecodeClientMessage(data []byte) (msg *ClientMessage, ok bool, err error) {
	var m ClientMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, false, fmt.Errorf("error unmarshaling message: %w", err)
	}
	if m.Type != Type {
		return nil, false, nil
	}
	return &m, true, nil
}

// StringPtr is a helper for the optional item/version/field members.
func StringPtr(s string) *string {
	return &s
}

// SameRef reports whether two optional identifiers are equal, treating
// nil on both sides as a match.
func SameRef(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}
