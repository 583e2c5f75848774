package collab

import (
	"context"
	"log"

	"collab-sync-server/pkg/protocol"
)

// HandleMessage routes one server message to its handler. Messages for
// another room, or an init for another item, are dropped silently.
func (s *Session) HandleMessage(ctx context.Context, msg *protocol.ServerMessage) {
	if msg.Action == protocol.ActionInit && s.claimAbandoned(msg) {
		leave := protocol.NewClientMessage(protocol.ActionLeave)
		leave.Room = msg.Room
		s.send(leave)
		return
	}
	if !s.accepts(msg) {
		return
	}

	switch msg.Action {
	case protocol.ActionInit:
		s.receiveInit(ctx, msg)
	case protocol.ActionUpdate:
		s.receiveUpdate(msg)
	case protocol.ActionJoin:
		s.receiveJoin(ctx, msg)
	case protocol.ActionLeave:
		s.receiveLeave(msg)
	case protocol.ActionFocus:
		s.receiveFocus(msg)
	case protocol.ActionSave:
		s.receiveSave(ctx)
	case protocol.ActionDiscard:
		s.receiveDiscard(msg)
	case protocol.ActionDelete:
		s.receiveDelete()
	case protocol.ActionError:
		s.receiveError(ctx, msg)
	case protocol.ActionPing:
		s.receivePing()
	default:
		log.Printf("[Collab] unknown action: %s", msg.Action)
	}
}

func (s *Session) accepts(msg *protocol.ServerMessage) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch msg.Action {
	case protocol.ActionInit:
		return msg.Collection == s.collection &&
			protocol.SameRef(msg.Item, s.item) &&
			protocol.SameRef(msg.Version, s.version)
	case protocol.ActionError, protocol.ActionPing:
		// connection-level frames carry no room
		if msg.Room == "" {
			return true
		}
	}
	return s.room != "" && msg.Room == s.room
}

// claimAbandoned reports whether init answers a join the session gave up
// on before the server replied. The server still counts us as a member
// of that room.
func (s *Session) claimAbandoned(init *protocol.ServerMessage) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if init.Collection == s.collection && protocol.SameRef(init.Item, s.item) && protocol.SameRef(init.Version, s.version) {
		return false
	}
	for i, t := range s.abandoned {
		if t.is(init.Collection, init.Item, init.Version) {
			s.abandoned = append(s.abandoned[:i], s.abandoned[i+1:]...)
			return true
		}
	}
	return false
}

func (s *Session) receiveInit(ctx context.Context, msg *protocol.ServerMessage) {
	changes, err := msg.ChangeMap()
	if err != nil {
		log.Printf("[Collab] dropping init for room %s: %v", msg.Room, err)
		return
	}

	s.mu.Lock()
	s.room = msg.Room
	s.connectionID = msg.Connection
	s.joinPending = false
	s.largestOrder = 0

	if len(s.edits) > 0 && !valuesEqual(changes, s.edits) {
		s.collision = &Collision{
			From:       mergeMaps(s.initialValues, changes),
			To:         mergeMaps(s.initialValues, s.edits),
			localEdits: cloneMap(s.edits),
		}
	}
	s.edits = changes

	s.focuses = make(map[string]string, len(msg.Focuses))
	for connection, field := range msg.Focuses {
		s.focuses[connection] = field
	}
	s.participants = nil
	room, self := s.room, s.connectionID
	s.mu.Unlock()
	s.changed()

	participants := s.resolveParticipants(ctx, msg.Users, self)

	s.mu.Lock()
	if s.room != room {
		s.mu.Unlock()
		return
	}
	s.participants = participants
	s.mu.Unlock()
	s.changed()
}

func (s *Session) resolveParticipants(ctx context.Context, users []protocol.RoomUser, self string) []Participant {
	if len(users) == 0 {
		return nil
	}

	ids := make([]string, 0, len(users))
	seen := make(map[string]bool, len(users))
	for _, u := range users {
		if !seen[u.User] {
			seen[u.User] = true
			ids = append(ids, u.User)
		}
	}

	profiles := make(map[string]UserProfile, len(ids))
	if s.users != nil {
		list, err := s.users.ReadUsers(ctx, ids)
		if err != nil {
			log.Printf("[Collab] failed to read room users: %v", err)
		}
		for _, p := range list {
			profiles[p.ID] = p
		}
	}

	participants := make([]Participant, 0, len(users))
	for _, u := range users {
		p := Participant{ID: u.User, Connection: u.Connection, Color: u.Color}
		if profile, ok := profiles[u.User]; ok {
			p.FirstName = profile.FirstName
			p.LastName = profile.LastName
			p.Avatar = profile.Avatar
		}
		participants = append(participants, p)
	}
	sortSelfFirst(participants, self)
	return participants
}

func (s *Session) receiveUpdate(msg *protocol.ServerMessage) {
	if msg.Field == nil {
		return
	}
	field := *msg.Field

	var value any
	if msg.HasChanges() {
		if err := msg.DecodeChanges(&value); err != nil {
			log.Printf("[Collab] dropping update for %s: %v", field, err)
			return
		}
	}

	s.mu.Lock()
	if msg.Order <= s.largestOrder {
		s.mu.Unlock()
		return
	}
	s.largestOrder = msg.Order

	if msg.HasChanges() {
		s.applyRemoteChange(field, value)
	} else {
		delete(s.edits, field)
	}
	s.mu.Unlock()
	s.changed()
}

func (s *Session) receiveJoin(ctx context.Context, msg *protocol.ServerMessage) {
	s.mu.Lock()
	room := s.room
	var known *Participant
	for _, p := range s.participants {
		if p.ID == msg.User {
			found := p
			known = &found
			break
		}
	}
	s.mu.Unlock()

	joined := Participant{ID: msg.User, Connection: msg.Connection, Color: msg.Color}
	switch {
	case known != nil:
		joined.FirstName = known.FirstName
		joined.LastName = known.LastName
		joined.Avatar = known.Avatar
	case s.users != nil:
		profile, err := s.users.ReadUser(ctx, msg.User)
		if err != nil {
			log.Printf("[Collab] failed to read user %s: %v", msg.User, err)
		} else if profile != nil {
			joined.FirstName = profile.FirstName
			joined.LastName = profile.LastName
			joined.Avatar = profile.Avatar
		}
	}

	s.mu.Lock()
	if s.room != room {
		s.mu.Unlock()
		return
	}
	replaced := false
	for i := range s.participants {
		if s.participants[i].Connection == joined.Connection {
			s.participants[i] = joined
			replaced = true
		}
	}
	if !replaced {
		s.participants = append(s.participants, joined)
	}
	s.mu.Unlock()
	s.changed()
}

func (s *Session) receiveLeave(msg *protocol.ServerMessage) {
	s.mu.Lock()
	remaining := s.participants[:0]
	for _, p := range s.participants {
		if p.Connection != msg.Connection {
			remaining = append(remaining, p)
		}
	}
	s.participants = remaining
	delete(s.focuses, msg.Connection)

	if msg.Connection == s.connectionID {
		// kicked by the server
		s.resetRoom()
		s.scheduleRejoin()
	}
	s.mu.Unlock()
	s.changed()
}

func (s *Session) receiveFocus(msg *protocol.ServerMessage) {
	s.mu.Lock()
	if msg.Connection == s.connectionID {
		s.mu.Unlock()
		return
	}
	if msg.Field == nil {
		delete(s.focuses, msg.Connection)
	} else {
		s.focuses[msg.Connection] = *msg.Field
	}
	s.mu.Unlock()
	s.changed()
}

func (s *Session) receiveSave(ctx context.Context) {
	if s.refetch == nil {
		return
	}

	item, err := s.refetch(ctx)
	if err != nil {
		log.Printf("[Collab] failed to refetch item after save: %v", err)
		return
	}

	s.mu.Lock()
	s.initialValues = cloneMap(item)
	s.dropSavedEdits(item)
	s.mu.Unlock()
	s.changed()
}

func (s *Session) receiveDiscard(msg *protocol.ServerMessage) {
	s.mu.Lock()
	discardFields(s.edits, msg.Fields)
	s.mu.Unlock()
	s.changed()
}

func (s *Session) receiveDelete() {
	if s.notify != nil {
		s.notify("This item was deleted by another user")
	}
	if s.navigateAway != nil {
		s.navigateAway()
	}
}

func (s *Session) receiveError(ctx context.Context, msg *protocol.ServerMessage) {
	if msg.Code != protocol.CodeServiceUnavailable {
		log.Printf("[Collab] server error %s: %s", msg.Code, msg.Message)
		return
	}

	if s.flags != nil {
		if err := s.flags.Rehydrate(ctx); err != nil {
			log.Printf("[Collab] failed to rehydrate server info: %v", err)
		}
	}
	s.socket.Disconnect()
}

func (s *Session) receivePing() {
	s.mu.Lock()
	room := s.room
	s.mu.Unlock()
	if room == "" {
		return
	}

	msg := protocol.NewClientMessage(protocol.ActionPong)
	msg.Room = room
	s.send(msg)
}
