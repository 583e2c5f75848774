package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"collab-sync-server/internal/clock"
	"collab-sync-server/internal/domain"
	"collab-sync-server/internal/repository"
	"collab-sync-server/internal/schema"
	"collab-sync-server/pkg/protocol"

	"github.com/go-playground/validator/v10"
	"github.com/oklog/ulid/v2"
)

const (
	DefaultPingInterval = 30 * time.Second
	DefaultPongTimeout  = 90 * time.Second
)

var collabColors = []string{"purple", "blue", "green", "yellow", "orange", "red"}

// CollabFlags tells whether collaboration is currently allowed.
type CollabFlags interface {
	CollabEnabled(ctx context.Context) bool
}

// CollabSender delivers a frame to one socket connection.
type CollabSender interface {
	SendToClient(clientID string, msg *protocol.ServerMessage) error
}

// CollabConnection is the authenticated socket a message arrived on.
type CollabConnection struct {
	ID        string
	UserID    string
	Role      string
	ExpiresAt time.Time
}

type collabError struct {
	code    string
	message string
}

func (e *collabError) Error() string {
	return fmt.Sprintf("%s: %s", e.code, e.message)
}

func forbidden(format string, args ...any) error {
	return &collabError{code: protocol.CodeForbidden, message: fmt.Sprintf(format, args...)}
}

func invalidPayload(format string, args ...any) error {
	return &collabError{code: protocol.CodeInvalidPayload, message: fmt.Sprintf(format, args...)}
}

type collabMember struct {
	conn     CollabConnection
	record   repository.RoomMember
	lastPong time.Time
}

// collabRoom is the part of a room served by this instance: the members
// whose socket is connected here.
type collabRoom struct {
	id         string
	key        string
	collection string
	item       *string
	version    *string
	members    map[string]*collabMember
	order      []string
}

// ordered returns the local members in join order.
func (r *collabRoom) ordered() []*collabMember {
	members := make([]*collabMember, 0, len(r.order))
	for _, id := range r.order {
		if m, ok := r.members[id]; ok {
			members = append(members, m)
		}
	}
	return members
}

// pickColor returns the first palette color no other member of the room
// uses, across every instance.
func pickColor(members []repository.RoomMember, self string) string {
	used := make(map[string]bool, len(members))
	others := 0
	for _, m := range members {
		if m.Connection == self {
			continue
		}
		used[m.Color] = true
		others++
	}
	for _, c := range collabColors {
		if !used[c] {
			return c
		}
	}
	return collabColors[others%len(collabColors)]
}

type CollabOptions struct {
	Store        repository.RoomStore
	Permissions  *PermissionService
	Schema       *schema.Schema
	Flags        CollabFlags
	Sender       CollabSender
	Clock        clock.Clock
	PingInterval time.Duration
	PongTimeout  time.Duration
	Debug        bool
}

// CollabService is the server side of the collab protocol. Every handler
// runs under mu, so frames of one room leave in the order the store
// handed out. Room membership and changes live in the store, and frames
// meant for members connected to other instances travel as room events.
type CollabService struct {
	store        repository.RoomStore
	perms        *PermissionService
	schema       *schema.Schema
	flags        CollabFlags
	sender       CollabSender
	clock        clock.Clock
	validate     *validator.Validate
	pingInterval time.Duration
	pongTimeout  time.Duration
	debug        bool
	instance     string

	mu    sync.Mutex
	rooms map[string]*collabRoom
}

func NewCollabService(opts CollabOptions) *CollabService {
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = DefaultPingInterval
	}
	if opts.PongTimeout <= 0 {
		opts.PongTimeout = DefaultPongTimeout
	}

	return &CollabService{
		store:        opts.Store,
		perms:        opts.Permissions,
		schema:       opts.Schema,
		flags:        opts.Flags,
		sender:       opts.Sender,
		clock:        opts.Clock,
		validate:     validator.New(),
		pingInterval: opts.PingInterval,
		pongTimeout:  opts.PongTimeout,
		debug:        opts.Debug,
		instance:     ulid.Make().String(),
		rooms:        make(map[string]*collabRoom),
	}
}

// SetSender wires the socket manager after both are built.
func (s *CollabService) SetSender(sender CollabSender) {
	s.sender = sender
}

// roomKey identifies the room of an item. Parts are escaped so a key
// prefix only ever matches whole parts.
func roomKey(collection string, item, version *string) string {
	return itemKeyPrefix(collection, deref(item)) + url.QueryEscape(deref(version))
}

func itemKeyPrefix(collection, item string) string {
	return url.QueryEscape(collection) + ":" + url.QueryEscape(item) + ":"
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// HandleMessage processes one inbound frame. Failures are answered with
// an error frame on the same connection.
func (s *CollabService) HandleMessage(ctx context.Context, conn CollabConnection, msg *protocol.ClientMessage) {
	if s.debug {
		log.Printf("[Collab] %s from %s (room %s)", msg.Action, conn.ID, msg.Room)
	}

	if !s.flags.CollabEnabled(ctx) {
		s.sendError(conn.ID, protocol.CodeServiceUnavailable, "collaboration is disabled")
		return
	}
	if err := s.validate.Struct(msg); err != nil {
		s.sendError(conn.ID, protocol.CodeInvalidPayload, err.Error())
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var err error
	switch msg.Action {
	case protocol.ActionJoin:
		err = s.join(ctx, conn, msg)
	case protocol.ActionLeave:
		err = s.leave(ctx, conn, msg)
	case protocol.ActionUpdate:
		err = s.update(ctx, conn, msg)
	case protocol.ActionUpdateAll:
		err = s.updateAll(ctx, conn, msg)
	case protocol.ActionFocus:
		err = s.focus(ctx, conn, msg)
	case protocol.ActionDiscard:
		err = s.discard(ctx, conn, msg)
	case protocol.ActionPong:
		s.pong(conn, msg)
	}

	if err != nil {
		var ce *collabError
		if errors.As(err, &ce) {
			s.sendError(conn.ID, ce.code, ce.message)
			return
		}
		log.Printf("[Collab] %s from %s failed: %v", msg.Action, conn.ID, err)
		s.sendError(conn.ID, protocol.CodeInternal, "internal error")
	}
}

func (s *CollabService) member(roomID, connID string) (*collabRoom, *collabMember, error) {
	r, ok := s.rooms[roomID]
	if !ok {
		return nil, nil, &collabError{code: protocol.CodeNotInRoom, message: "not a member of room " + roomID}
	}
	m, ok := r.members[connID]
	if !ok {
		return nil, nil, &collabError{code: protocol.CodeNotInRoom, message: "not a member of room " + roomID}
	}
	return r, m, nil
}

func (s *CollabService) join(ctx context.Context, conn CollabConnection, msg *protocol.ClientMessage) error {
	if _, ok := s.schema.Collection(msg.Collection); !ok {
		return invalidPayload("unknown collection %s", msg.Collection)
	}
	if !s.perms.CanRead(conn.Role, msg.Collection) {
		return forbidden("no read access to %s", msg.Collection)
	}
	now := s.clock.Now()
	if !conn.ExpiresAt.IsZero() && !now.Before(conn.ExpiresAt) {
		return &collabError{code: protocol.CodeTokenExpired, message: "token expired"}
	}

	key := roomKey(msg.Collection, msg.Item, msg.Version)
	for _, r := range s.rooms {
		if _, ok := r.members[conn.ID]; ok && r.key == key {
			return s.sendInit(ctx, r, conn)
		}
	}

	record := repository.RoomMember{Connection: conn.ID, User: conn.UserID, Joined: now, Seen: now}
	id, created, err := s.store.Enter(ctx, key, record)
	if err != nil {
		return err
	}
	members, err := s.store.Members(ctx, id)
	if err != nil {
		return err
	}
	record.Color = pickColor(members, conn.ID)
	if err := s.store.UpdateMember(ctx, id, record); err != nil {
		return err
	}

	if created && len(msg.InitialChanges) > 0 {
		seed := make(map[string]any, len(msg.InitialChanges))
		for field, value := range msg.InitialChanges {
			if s.perms.CanUpdateField(conn.Role, msg.Collection, field) {
				seed[field] = value
			}
		}
		if err := s.store.ReplaceChanges(ctx, id, seed); err != nil {
			return err
		}
	}

	r, ok := s.rooms[id]
	if !ok {
		r = &collabRoom{
			id:         id,
			key:        key,
			collection: msg.Collection,
			item:       msg.Item,
			version:    msg.Version,
			members:    make(map[string]*collabMember),
		}
		s.rooms[id] = r
	}
	r.members[conn.ID] = &collabMember{conn: conn, record: record, lastPong: now}
	r.order = append(r.order, conn.ID)

	if err := s.sendInit(ctx, r, conn); err != nil {
		return err
	}

	joined := protocol.NewServerMessage(protocol.ActionJoin, id)
	joined.User = conn.UserID
	joined.Connection = conn.ID
	joined.Color = record.Color
	s.fanout(ctx, r, conn.ID, joined)

	log.Printf("[Collab] %s joined room %s (%s)", conn.ID, id, key)
	return nil
}

// sendInit sends the room state to conn. The user list spans every
// instance, leaving out remote members that stopped being refreshed.
func (s *CollabService) sendInit(ctx context.Context, r *collabRoom, conn CollabConnection) error {
	changes, err := s.store.Changes(ctx, r.id)
	if err != nil {
		return err
	}
	payload, err := protocol.EncodeChanges(s.perms.FilterChanges(conn.Role, r.collection, changes))
	if err != nil {
		return err
	}
	members, err := s.store.Members(ctx, r.id)
	if err != nil {
		return err
	}

	init := protocol.NewServerMessage(protocol.ActionInit, r.id)
	init.Connection = conn.ID
	init.Collection = r.collection
	init.Item = r.item
	init.Version = r.version
	init.Changes = payload
	init.Focuses = make(map[string]string)
	now := s.clock.Now()
	for _, other := range members {
		if _, local := r.members[other.Connection]; !local && now.Sub(other.Seen) > s.pongTimeout {
			continue
		}
		init.Users = append(init.Users, protocol.RoomUser{
			User:       other.User,
			Connection: other.Connection,
			Color:      other.Color,
		})
		if other.Focus != nil && other.Connection != conn.ID && s.perms.CanReadField(conn.Role, r.collection, *other.Focus) {
			init.Focuses[other.Connection] = *other.Focus
		}
	}
	s.send(conn.ID, init)
	return nil
}

func (s *CollabService) leave(ctx context.Context, conn CollabConnection, msg *protocol.ClientMessage) error {
	r, _, err := s.member(msg.Room, conn.ID)
	if err != nil {
		return err
	}
	return s.removeMember(ctx, r, conn.ID, false)
}

// removeMember tells the room a connection left. The store drops the room
// once no instance has a member left in it. With notifySelf the leaving
// connection is told as well.
func (s *CollabService) removeMember(ctx context.Context, r *collabRoom, connID string, notifySelf bool) error {
	leave := protocol.NewServerMessage(protocol.ActionLeave, r.id)
	leave.Connection = connID
	except := connID
	if notifySelf {
		except = ""
	}
	s.fanout(ctx, r, except, leave)
	s.dropLocal(r, connID)

	closed, err := s.store.Leave(ctx, r.key, r.id, connID)
	if err != nil {
		return err
	}
	if closed {
		log.Printf("[Collab] room %s closed", r.id)
	}
	return nil
}

// dropLocal forgets a local member, and the local room once it has none.
func (s *CollabService) dropLocal(r *collabRoom, connID string) {
	delete(r.members, connID)
	for i, id := range r.order {
		if id == connID {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	if len(r.members) == 0 {
		delete(s.rooms, r.id)
	}
}

func (s *CollabService) update(ctx context.Context, conn CollabConnection, msg *protocol.ClientMessage) error {
	r, _, err := s.member(msg.Room, conn.ID)
	if err != nil {
		return err
	}
	field := *msg.Field
	if !s.perms.CanUpdateField(conn.Role, r.collection, field) {
		return forbidden("no update access to %s.%s", r.collection, field)
	}

	var value any
	set := msg.HasChanges()
	if set {
		if value, err = msg.ChangeValue(); err != nil {
			return invalidPayload("%v", err)
		}
		err = s.store.SetChange(ctx, r.id, field, value)
	} else {
		err = s.store.UnsetChange(ctx, r.id, field)
	}
	if err != nil {
		return err
	}

	order, err := s.store.NextOrder(ctx, r.id)
	if err != nil {
		return err
	}
	return s.fanoutUpdate(ctx, r, conn.ID, field, value, set, order)
}

func (s *CollabService) fanoutUpdate(ctx context.Context, r *collabRoom, from, field string, value any, set bool, order int64) error {
	out := protocol.NewServerMessage(protocol.ActionUpdate, r.id)
	out.Field = protocol.StringPtr(field)
	out.Order = order
	if set {
		payload, err := protocol.EncodeChanges(value)
		if err != nil {
			return err
		}
		out.Changes = payload
	}
	s.fanout(ctx, r, from, out)
	return nil
}

func (s *CollabService) updateAll(ctx context.Context, conn CollabConnection, msg *protocol.ClientMessage) error {
	r, _, err := s.member(msg.Room, conn.ID)
	if err != nil {
		return err
	}
	changes, err := msg.ChangeMap()
	if err != nil {
		return invalidPayload("%v", err)
	}
	current, err := s.store.Changes(ctx, r.id)
	if err != nil {
		return err
	}

	var diff []string
	for field, value := range changes {
		if old, ok := current[field]; !ok || !sameJSON(old, value) {
			diff = append(diff, field)
		}
	}
	for field := range current {
		if _, ok := changes[field]; !ok {
			diff = append(diff, field)
		}
	}
	sort.Strings(diff)

	for _, field := range diff {
		if !s.perms.CanUpdateField(conn.Role, r.collection, field) {
			return forbidden("no update access to %s.%s", r.collection, field)
		}
	}
	if err := s.store.ReplaceChanges(ctx, r.id, changes); err != nil {
		return err
	}

	for _, field := range diff {
		order, err := s.store.NextOrder(ctx, r.id)
		if err != nil {
			return err
		}
		value, set := changes[field]
		if err := s.fanoutUpdate(ctx, r, conn.ID, field, value, set, order); err != nil {
			return err
		}
	}
	return nil
}

func (s *CollabService) focus(ctx context.Context, conn CollabConnection, msg *protocol.ClientMessage) error {
	r, m, err := s.member(msg.Room, conn.ID)
	if err != nil {
		return err
	}
	if msg.Field != nil && !s.perms.CanReadField(conn.Role, r.collection, *msg.Field) {
		return forbidden("no read access to %s.%s", r.collection, *msg.Field)
	}

	m.record.Focus = nil
	if msg.Field != nil {
		m.record.Focus = protocol.StringPtr(*msg.Field)
	}
	if err := s.store.UpdateMember(ctx, r.id, m.record); err != nil {
		return err
	}

	out := protocol.NewServerMessage(protocol.ActionFocus, r.id)
	out.Connection = conn.ID
	out.Field = m.record.Focus
	s.fanout(ctx, r, conn.ID, out)
	return nil
}

func (s *CollabService) discard(ctx context.Context, conn CollabConnection, msg *protocol.ClientMessage) error {
	r, _, err := s.member(msg.Room, conn.ID)
	if err != nil {
		return err
	}
	if len(msg.Fields) == 0 {
		return invalidPayload("no fields to discard")
	}

	if schema.Contains(msg.Fields, protocol.Wildcard) {
		if !s.perms.CanUpdate(conn.Role, r.collection) {
			return forbidden("no update access to %s", r.collection)
		}
		err = s.store.ReplaceChanges(ctx, r.id, map[string]any{})
	} else {
		for _, field := range msg.Fields {
			if !s.perms.CanUpdateField(conn.Role, r.collection, field) {
				return forbidden("no update access to %s.%s", r.collection, field)
			}
		}
		err = s.store.UnsetChange(ctx, r.id, msg.Fields...)
	}
	if err != nil {
		return err
	}

	out := protocol.NewServerMessage(protocol.ActionDiscard, r.id)
	out.Fields = msg.Fields
	s.fanout(ctx, r, conn.ID, out)
	return nil
}

func (s *CollabService) pong(conn CollabConnection, msg *protocol.ClientMessage) {
	if _, m, err := s.member(msg.Room, conn.ID); err == nil {
		m.lastPong = s.clock.Now()
	}
}

// Disconnect removes a closed socket from every room it was in.
func (s *CollabService) Disconnect(ctx context.Context, connID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, r := range s.sortedRooms() {
		if _, ok := r.members[connID]; !ok {
			continue
		}
		if err := s.removeMember(ctx, r, connID, false); err != nil {
			log.Printf("[Collab] failed to remove %s from room %s: %v", connID, r.id, err)
		}
	}
}

// Start subscribes to the room events of other instances, then relays
// them and pings room members every ping interval until ctx is done.
func (s *CollabService) Start(ctx context.Context) error {
	events, err := s.store.Subscribe(ctx)
	if err != nil {
		return err
	}
	ticker := s.clock.NewTicker(s.pingInterval)
	go s.run(ctx, ticker, events)
	return nil
}

func (s *CollabService) run(ctx context.Context, ticker *clock.Ticker, events <-chan repository.RoomEvent) {
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(ctx)
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			s.relay(ev)
		}
	}
}

// relay delivers an event published by another instance to the members
// connected here.
func (s *CollabService) relay(ev repository.RoomEvent) {
	if ev.Origin == s.instance || ev.Message == nil {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.rooms[ev.Room]
	if !ok {
		return
	}
	msg := ev.Message

	// A local member purged by another instance still has to hear it.
	if msg.Action == protocol.ActionLeave {
		if _, local := r.members[msg.Connection]; local {
			s.deliver(r, "", msg)
			s.dropLocal(r, msg.Connection)
			return
		}
	}

	s.deliver(r, ev.Except, msg)
	if msg.Action == protocol.ActionDelete {
		delete(s.rooms, r.id)
	}
}

// Sweep kicks members that stopped answering pings or whose token has
// expired, and pings everyone else. Members held by other instances that
// stopped refreshing their record are dropped from the room.
func (s *CollabService) Sweep(ctx context.Context) {
	now := s.clock.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, r := range s.sortedRooms() {
		for _, m := range r.ordered() {
			expired := !m.conn.ExpiresAt.IsZero() && !now.Before(m.conn.ExpiresAt)
			stale := now.Sub(m.lastPong) > s.pongTimeout
			if !expired && !stale {
				continue
			}

			log.Printf("[Collab] kicking %s from room %s (expired: %v, stale: %v)", m.conn.ID, r.id, expired, stale)
			if err := s.removeMember(ctx, r, m.conn.ID, true); err != nil {
				log.Printf("[Collab] failed to remove %s from room %s: %v", m.conn.ID, r.id, err)
			}
		}

		if _, ok := s.rooms[r.id]; !ok {
			continue
		}
		ping := protocol.NewServerMessage(protocol.ActionPing, r.id)
		for _, m := range r.ordered() {
			s.send(m.conn.ID, ping)
			m.record.Seen = now
			if err := s.store.UpdateMember(ctx, r.id, m.record); err != nil {
				log.Printf("[Collab] failed to refresh %s in room %s: %v", m.conn.ID, r.id, err)
			}
		}
		s.purgeRemote(ctx, r, now)
	}
}

func (s *CollabService) purgeRemote(ctx context.Context, r *collabRoom, now time.Time) {
	members, err := s.store.Members(ctx, r.id)
	if err != nil {
		log.Printf("[Collab] failed to read members of room %s: %v", r.id, err)
		return
	}

	for _, m := range members {
		if _, local := r.members[m.Connection]; local || now.Sub(m.Seen) <= s.pongTimeout {
			continue
		}

		log.Printf("[Collab] dropping %s from room %s, its instance stopped refreshing it", m.Connection, r.id)
		if _, err := s.store.Leave(ctx, r.key, r.id, m.Connection); err != nil {
			log.Printf("[Collab] failed to remove %s from room %s: %v", m.Connection, r.id, err)
			continue
		}
		leave := protocol.NewServerMessage(protocol.ActionLeave, r.id)
		leave.Connection = m.Connection
		s.fanout(ctx, r, "", leave)
	}
}

// NotifySave drops the room changes the saved item now holds and tells
// the room to refetch.
func (s *CollabService) NotifySave(ctx context.Context, ref domain.ItemRef, saved domain.Item) {
	key := roomKey(ref.Collection, optional(ref.ID), optional(ref.Version))

	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok, err := s.store.Lookup(ctx, key)
	if err != nil {
		log.Printf("[Collab] failed to look up room of %s: %v", key, err)
		return
	}
	if !ok {
		return
	}

	changes, err := s.store.Changes(ctx, id)
	if err != nil {
		log.Printf("[Collab] failed to read changes of room %s: %v", id, err)
	} else {
		var applied []string
		for field, value := range changes {
			if savedValue, ok := saved[field]; ok && sameJSON(savedValue, value) {
				applied = append(applied, field)
			}
		}
		if err := s.store.UnsetChange(ctx, id, applied...); err != nil {
			log.Printf("[Collab] failed to clear saved changes of room %s: %v", id, err)
		}
	}

	s.fanoutRoom(ctx, id, protocol.NewServerMessage(protocol.ActionSave, id))
}

// NotifyDelete closes every room of the item, versions included.
func (s *CollabService) NotifyDelete(ctx context.Context, collection, id string) {
	prefix := itemKeyPrefix(collection, id)

	s.mu.Lock()
	defer s.mu.Unlock()

	rooms, err := s.store.Rooms(ctx, prefix)
	if err != nil {
		log.Printf("[Collab] failed to list rooms of %s: %v", prefix, err)
		rooms = make(map[string]string)
	}
	for _, r := range s.rooms {
		if strings.HasPrefix(r.key, prefix) {
			rooms[r.key] = r.id
		}
	}

	keys := make([]string, 0, len(rooms))
	for key := range rooms {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	for _, key := range keys {
		room := rooms[key]
		s.fanoutRoom(ctx, room, protocol.NewServerMessage(protocol.ActionDelete, room))
		delete(s.rooms, room)
		if err := s.store.Delete(ctx, key, room); err != nil {
			log.Printf("[Collab] failed to delete room %s: %v", room, err)
		}
	}
}

// RoomCount is reported by the health endpoint. It counts the rooms with
// a member connected to this instance.
func (s *CollabService) RoomCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.rooms)
}

func (s *CollabService) sortedRooms() []*collabRoom {
	rooms := make([]*collabRoom, 0, len(s.rooms))
	for _, r := range s.rooms {
		rooms = append(rooms, r)
	}
	sort.Slice(rooms, func(i, j int) bool { return rooms[i].id < rooms[j].id })
	return rooms
}

// fanout sends msg to the room members of every instance, except the
// connection with id except.
func (s *CollabService) fanout(ctx context.Context, r *collabRoom, except string, msg *protocol.ServerMessage) {
	s.deliver(r, except, msg)
	s.publish(ctx, r.id, except, msg)
}

// fanoutRoom is fanout for a room this instance may hold no member of.
func (s *CollabService) fanoutRoom(ctx context.Context, room string, msg *protocol.ServerMessage) {
	if r, ok := s.rooms[room]; ok {
		s.deliver(r, "", msg)
	}
	s.publish(ctx, room, "", msg)
}

func (s *CollabService) publish(ctx context.Context, room, except string, msg *protocol.ServerMessage) {
	ev := repository.RoomEvent{Origin: s.instance, Room: room, Except: except, Message: msg}
	if err := s.store.Publish(ctx, ev); err != nil {
		log.Printf("[Collab] failed to publish %s to room %s: %v", msg.Action, room, err)
	}
}

// deliver sends msg to the local members of r. Updates reach only members
// that may read the field, with nested fields they may not read stripped,
// and focus moves only members that may read the focused field.
func (s *CollabService) deliver(r *collabRoom, except string, msg *protocol.ServerMessage) {
	for _, m := range r.ordered() {
		if m.conn.ID == except {
			continue
		}

		out := msg
		switch msg.Action {
		case protocol.ActionUpdate:
			var ok bool
			if out, ok = s.filterUpdate(m.conn.Role, r.collection, msg); !ok {
				continue
			}
		case protocol.ActionFocus:
			if msg.Field != nil && !s.perms.CanReadField(m.conn.Role, r.collection, *msg.Field) {
				continue
			}
		}
		s.send(m.conn.ID, out)
	}
}

func (s *CollabService) filterUpdate(role, collection string, msg *protocol.ServerMessage) (*protocol.ServerMessage, bool) {
	field := deref(msg.Field)
	if !msg.HasChanges() {
		return msg, s.perms.CanReadField(role, collection, field)
	}

	var value any
	if err := msg.DecodeChanges(&value); err != nil {
		log.Printf("[Collab] %v", err)
		return nil, false
	}
	filtered, ok := s.perms.FilterValue(role, collection, field, value)
	if !ok {
		return nil, false
	}
	payload, err := protocol.EncodeChanges(filtered)
	if err != nil {
		log.Printf("[Collab] %v", err)
		return nil, false
	}
	out := *msg
	out.Changes = payload
	return &out, true
}

func (s *CollabService) send(connID string, msg *protocol.ServerMessage) {
	if s.sender == nil {
		return
	}
	if err := s.sender.SendToClient(connID, msg); err != nil {
		log.Printf("[Collab] failed to send %s to %s: %v", msg.Action, connID, err)
	}
}

func (s *CollabService) sendError(connID, code, message string) {
	s.send(connID, protocol.NewError(code, message))
}

func sameJSON(a, b any) bool {
	left, errA := json.Marshal(a)
	right, errB := json.Marshal(b)
	return errA == nil && errB == nil && bytes.Equal(left, right)
}
