package collab

import (
	"log"
	"sort"

	"collab-sync-server/internal/throttle"
	"collab-sync-server/pkg/protocol"
)

// Field is the collaboration handle of one editable field. Value and
// unset broadcasts are throttled per field; focus goes through the
// session-wide debounce so only the last target is announced.
type Field struct {
	session *Session
	name    string
	update  *throttle.Throttle[any]
	unset   *throttle.Throttle[struct{}]
}

// Field returns the handle for name, creating it on first use.
func (s *Session) Field(name string) *Field {
	s.mu.Lock()
	defer s.mu.Unlock()

	if f, ok := s.fields[name]; ok {
		return f
	}

	f := &Field{session: s, name: name}
	f.update = throttle.New(s.clock, s.throttleInterval, func(value any) {
		s.sendUpdate(name, value)
	})
	f.unset = throttle.New(s.clock, s.throttleInterval, func(struct{}) {
		s.sendUnset(name)
	})
	s.fields[name] = f
	return f
}

func (f *Field) Name() string {
	return f.name
}

// OnFieldUpdate records a local edit and broadcasts it.
func (f *Field) OnFieldUpdate(value any) {
	s := f.session
	s.mu.Lock()
	s.edits[f.name] = cloneValue(value)
	s.mu.Unlock()
	s.changed()

	f.unset.Cancel()
	f.update.Call(value)
}

// OnFieldUnset reverts the field to its saved value and broadcasts it.
func (f *Field) OnFieldUnset() {
	s := f.session
	s.mu.Lock()
	delete(s.edits, f.name)
	s.mu.Unlock()
	s.changed()

	f.update.Cancel()
	f.unset.Call(struct{}{})
}

// OnFocus announces that the local user is editing this field, unless
// someone else already is.
func (f *Field) OnFocus() {
	if _, taken := f.session.focusedByOther(f.name); taken {
		return
	}
	f.session.focusSender.Call(protocol.StringPtr(f.name))
}

func (f *Field) OnBlur() {
	f.session.focusSender.Call(nil)
}

// FocusedBy returns the other participant currently editing this field.
// A connection whose profile is not resolved yet is returned with only
// its connection id set.
func (f *Field) FocusedBy() *Participant {
	s := f.session
	connection, ok := s.focusedByOther(f.name)
	if !ok {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.participants {
		if p.Connection == connection {
			found := p
			return &found
		}
	}
	return &Participant{Connection: connection}
}

func (f *Field) cancel() {
	f.update.Cancel()
	f.unset.Cancel()
}

func (s *Session) focusedByOther(field string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	connections := make([]string, 0, 1)
	for connection, focused := range s.focuses {
		if focused == field && connection != s.connectionID {
			connections = append(connections, connection)
		}
	}
	if len(connections) == 0 {
		return "", false
	}
	sort.Strings(connections)
	return connections[0], true
}

func (s *Session) sendUpdate(field string, value any) {
	room := s.Room()
	if room == "" {
		return
	}

	payload, err := protocol.EncodeChanges(value)
	if err != nil {
		log.Printf("[Collab] %v", err)
		return
	}
	msg := protocol.NewClientMessage(protocol.ActionUpdate)
	msg.Room = room
	msg.Field = protocol.StringPtr(field)
	msg.Changes = payload
	s.send(msg)
}

func (s *Session) sendUnset(field string) {
	room := s.Room()
	if room == "" {
		return
	}

	msg := protocol.NewClientMessage(protocol.ActionUpdate)
	msg.Room = room
	msg.Field = protocol.StringPtr(field)
	s.send(msg)
}

func (s *Session) sendFocus(field *string) {
	room := s.Room()
	if room == "" {
		return
	}

	msg := protocol.NewClientMessage(protocol.ActionFocus)
	msg.Room = room
	msg.Field = field
	s.send(msg)
}
