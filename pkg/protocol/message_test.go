package protocol

import (
	"encoding/json"
	"testing"
)

func TestDecodeServerMessage_ChangesPresence(t *testing.T) {
	tests := []struct {
		name        string
		raw         string
		wantChanges bool
		wantValue   any
	}{
		{
			name:        "value present",
			raw:         `{"type":"collab","action":"update","room":"r1","field":"title","changes":"Hello","order":3}`,
			wantChanges: true,
			wantValue:   "Hello",
		},
		{
			name:        "explicit null is a value",
			raw:         `{"type":"collab","action":"update","room":"r1","field":"title","changes":null,"order":4}`,
			wantChanges: true,
			wantValue:   nil,
		},
		{
			name:        "absent key means unset",
			raw:         `{"type":"collab","action":"update","room":"r1","field":"title","order":5}`,
			wantChanges: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, ok, err := DecodeServerMessage([]byte(tt.raw))
			if err != nil {
				t.Fatalf("DecodeServerMessage() error = %v", err)
			}
			if !ok {
				t.Fatal("DecodeServerMessage() rejected a collab frame")
			}

			if msg.HasChanges() != tt.wantChanges {
				t.Fatalf("HasChanges() = %v, want %v", msg.HasChanges(), tt.wantChanges)
			}

			if tt.wantChanges {
				var value any
				if err := msg.DecodeChanges(&value); err != nil {
					t.Fatalf("DecodeChanges() error = %v", err)
				}
				if value != tt.wantValue {
					t.Errorf("DecodeChanges() = %v, want %v", value, tt.wantValue)
				}
			}
		})
	}
}

func TestDecodeServerMessage_ForeignType(t *testing.T) {
	_, ok, err := DecodeServerMessage([]byte(`{"type":"subscription","event":"init"}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Error("expected a non-collab frame to be skipped")
	}

	if _, _, err := DecodeServerMessage([]byte(`{not json`)); err == nil {
		t.Error("expected an error for malformed input")
	}
}

func TestClientMessage_UnsetOmitsChanges(t *testing.T) {
	msg := NewClientMessage(ActionUpdate)
	msg.Room = "r1"
	msg.Field = StringPtr("title")

	data, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}

	var decoded map[string]any
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if _, exists := decoded["changes"]; exists {
		t.Errorf("unset update should not carry changes, got %s", data)
	}
	if decoded["type"] != Type {
		t.Errorf("type = %v, want %v", decoded["type"], Type)
	}
}

func TestSameRef(t *testing.T) {
	a, b := StringPtr("1"), StringPtr("1")

	if !SameRef(nil, nil) {
		t.Error("nil refs should match")
	}
	if !SameRef(a, b) {
		t.Error("equal refs should match")
	}
	if SameRef(a, nil) || SameRef(nil, b) {
		t.Error("nil and non-nil refs should not match")
	}
	if SameRef(a, StringPtr("2")) {
		t.Error("different refs should not match")
	}
}
