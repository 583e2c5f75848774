package repository

import (
	"context"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"collab-sync-server/pkg/protocol"

	"github.com/oklog/ulid/v2"
)

// RoomMember is the shared record of one connection in a room. Members
// of every server instance are listed, so init and color picking see
// the whole room.
type RoomMember struct {
	Connection string    `json:"connection"`
	User       string    `json:"user"`
	Color      string    `json:"color"`
	Focus      *string   `json:"focus,omitempty"`
	Joined     time.Time `json:"joined"`
	// Seen is refreshed by the instance holding the socket while it
	// answers pings.
	Seen time.Time `json:"seen"`
}

// RoomEvent is a frame one instance broadcast to a room, relayed to the
// other instances so they can deliver it to their own members.
type RoomEvent struct {
	Origin  string                  `json:"origin"`
	Room    string                  `json:"room"`
	Except  string                  `json:"except,omitempty"`
	Message *protocol.ServerMessage `json:"message"`
}

// RoomStore holds the shared state of collab rooms: which room id serves
// a key, who is in it, its pending changes and its update counter. It
// also carries room events between server instances.
type RoomStore interface {
	// Enter adds m to the room serving key, creating the room when
	// missing.
	Enter(ctx context.Context, key string, m RoomMember) (room string, created bool, err error)
	// Lookup returns the room serving key without creating it.
	Lookup(ctx context.Context, key string) (room string, ok bool, err error)
	// Rooms lists the rooms whose key starts with prefix, keyed by key.
	Rooms(ctx context.Context, prefix string) (map[string]string, error)
	Members(ctx context.Context, room string) ([]RoomMember, error)
	UpdateMember(ctx context.Context, room string, m RoomMember) error
	// Leave removes a member and deletes the room once nobody is left.
	Leave(ctx context.Context, key, room, connection string) (closed bool, err error)
	Changes(ctx context.Context, room string) (map[string]any, error)
	SetChange(ctx context.Context, room, field string, value any) error
	UnsetChange(ctx context.Context, room string, fields ...string) error
	ReplaceChanges(ctx context.Context, room string, changes map[string]any) error
	NextOrder(ctx context.Context, room string) (int64, error)
	// Delete drops the room regardless of its members.
	Delete(ctx context.Context, key, room string) error
	Publish(ctx context.Context, ev RoomEvent) error
	// Subscribe streams the events of every room until ctx is done.
	Subscribe(ctx context.Context) (<-chan RoomEvent, error)
}

// SortMembers orders members by join time.
func SortMembers(members []RoomMember) {
	sort.Slice(members, func(i, j int) bool {
		if !members[i].Joined.Equal(members[j].Joined) {
			return members[i].Joined.Before(members[j].Joined)
		}
		return members[i].Connection < members[j].Connection
	})
}

const memoryEventBuffer = 1024

type memoryRoom struct {
	members map[string]RoomMember
	changes map[string]any
	order   int64
}

type memoryRoomStore struct {
	mu    sync.Mutex
	keys  map[string]string
	rooms map[string]*memoryRoom

	subsMu sync.Mutex
	subs   map[int]chan RoomEvent
	nextID int
}

// NewMemoryRoomStore keeps room state in process. Services sharing one
// instance behave like server instances sharing Redis.
func NewMemoryRoomStore() RoomStore {
	return &memoryRoomStore{
		keys:  make(map[string]string),
		rooms: make(map[string]*memoryRoom),
		subs:  make(map[int]chan RoomEvent),
	}
}

func newMemoryRoom() *memoryRoom {
	return &memoryRoom{
		members: make(map[string]RoomMember),
		changes: make(map[string]any),
	}
}

func (s *memoryRoomStore) Enter(ctx context.Context, key string, m RoomMember) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.keys[key]
	if !ok {
		id = ulid.Make().String()
		s.keys[key] = id
		s.rooms[id] = newMemoryRoom()
	}
	s.room(id).members[m.Connection] = m
	return id, !ok, nil
}

func (s *memoryRoomStore) Lookup(ctx context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.keys[key]
	return id, ok, nil
}

func (s *memoryRoomStore) Rooms(ctx context.Context, prefix string) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rooms := make(map[string]string)
	for key, id := range s.keys {
		if strings.HasPrefix(key, prefix) {
			rooms[key] = id
		}
	}
	return rooms, nil
}

func (s *memoryRoomStore) room(id string) *memoryRoom {
	r, ok := s.rooms[id]
	if !ok {
		r = newMemoryRoom()
		s.rooms[id] = r
	}
	return r
}

func (s *memoryRoomStore) Members(ctx context.Context, room string) ([]RoomMember, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var members []RoomMember
	if r, ok := s.rooms[room]; ok {
		for _, m := range r.members {
			members = append(members, m)
		}
	}
	SortMembers(members)
	return members, nil
}

func (s *memoryRoomStore) UpdateMember(ctx context.Context, room string, m RoomMember) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.rooms[room]; ok {
		if _, ok := r.members[m.Connection]; ok {
			r.members[m.Connection] = m
		}
	}
	return nil
}

func (s *memoryRoomStore) Leave(ctx context.Context, key, room, connection string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.rooms[room]
	if !ok {
		return true, nil
	}
	delete(r.members, connection)
	if len(r.members) > 0 {
		return false, nil
	}
	s.drop(key, room)
	return true, nil
}

func (s *memoryRoomStore) Changes(ctx context.Context, room string) (map[string]any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	changes := make(map[string]any)
	if r, ok := s.rooms[room]; ok {
		for k, v := range r.changes {
			changes[k] = v
		}
	}
	return changes, nil
}

func (s *memoryRoomStore) SetChange(ctx context.Context, room, field string, value any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.room(room).changes[field] = value
	return nil
}

func (s *memoryRoomStore) UnsetChange(ctx context.Context, room string, fields ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.room(room)
	for _, field := range fields {
		delete(r.changes, field)
	}
	return nil
}

func (s *memoryRoomStore) ReplaceChanges(ctx context.Context, room string, changes map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.room(room)
	r.changes = make(map[string]any, len(changes))
	for k, v := range changes {
		r.changes[k] = v
	}
	return nil
}

func (s *memoryRoomStore) NextOrder(ctx context.Context, room string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.room(room)
	r.order++
	return r.order, nil
}

func (s *memoryRoomStore) Delete(ctx context.Context, key, room string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.drop(key, room)
	return nil
}

func (s *memoryRoomStore) drop(key, room string) {
	if s.keys[key] == room {
		delete(s.keys, key)
	}
	delete(s.rooms, room)
}

// Publish never blocks. A subscriber whose buffer is full misses the
// event.
func (s *memoryRoomStore) Publish(ctx context.Context, ev RoomEvent) error {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()

	for id, ch := range s.subs {
		select {
		case ch <- ev:
		default:
			log.Printf("[Collab] room event for %s dropped, subscriber %d is full", ev.Room, id)
		}
	}
	return nil
}

func (s *memoryRoomStore) Subscribe(ctx context.Context) (<-chan RoomEvent, error) {
	ch := make(chan RoomEvent, memoryEventBuffer)

	s.subsMu.Lock()
	id := s.nextID
	s.nextID++
	s.subs[id] = ch
	s.subsMu.Unlock()

	go func() {
		<-ctx.Done()
		s.subsMu.Lock()
		delete(s.subs, id)
		close(ch)
		s.subsMu.Unlock()
	}()
	return ch, nil
}
