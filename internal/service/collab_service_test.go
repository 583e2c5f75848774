package service

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"collab-sync-server/internal/clock"
	"collab-sync-server/internal/domain"
	"collab-sync-server/internal/repository"
	"collab-sync-server/internal/schema"
	"collab-sync-server/pkg/protocol"
)

const testSchema = `
collections:
  articles:
    fields:
      id: {type: string}
      title: {type: string}
      body: {type: text}
      secret: {type: string}
      author:
        type: string
        relation: {type: m2o, collection: authors}
  authors:
    fields:
      id: {type: string}
      name: {type: string}
      email: {type: string}
roles:
  admin:
    admin_access: true
  editor:
    permissions:
      articles:
        read: ["*"]
        create: [title, body]
        update: [title, body, author]
      authors:
        read: ["*"]
  viewer:
    permissions:
      articles:
        read: [id, title, body, author]
      authors:
        read: [id, name]
`

func newTestSchema(t *testing.T) *schema.Schema {
	t.Helper()
	s, err := schema.Parse([]byte(testSchema))
	if err != nil {
		t.Fatalf("schema.Parse() error = %v", err)
	}
	return s
}

type staticFlags struct {
	enabled bool
}

func (f *staticFlags) CollabEnabled(ctx context.Context) bool {
	return f.enabled
}

type recordingSender struct {
	mu   sync.Mutex
	sent map[string][]*protocol.ServerMessage
}

func newRecordingSender() *recordingSender {
	return &recordingSender{sent: make(map[string][]*protocol.ServerMessage)}
}

func (r *recordingSender) SendToClient(clientID string, msg *protocol.ServerMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent[clientID] = append(r.sent[clientID], msg)
	return nil
}

func (r *recordingSender) received(clientID string, action protocol.Action) []*protocol.ServerMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*protocol.ServerMessage
	for _, msg := range r.sent[clientID] {
		if msg.Action == action {
			out = append(out, msg)
		}
	}
	return out
}

func (r *recordingSender) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = make(map[string][]*protocol.ServerMessage)
}

type collabFixture struct {
	service *CollabService
	sender  *recordingSender
	flags   *staticFlags
	clock   *clock.FakeClock
}

func newCollabFixture(t *testing.T) *collabFixture {
	t.Helper()
	return newCollabFixtureOn(t, repository.NewMemoryRoomStore())
}

// newCollabFixtureOn builds a service on store. Fixtures sharing a store
// act as server instances sharing Redis.
func newCollabFixtureOn(t *testing.T, store repository.RoomStore) *collabFixture {
	t.Helper()

	s := newTestSchema(t)
	f := &collabFixture{
		sender: newRecordingSender(),
		flags:  &staticFlags{enabled: true},
		clock:  clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)),
	}
	f.service = NewCollabService(CollabOptions{
		Store:        store,
		Permissions:  NewPermissionService(s),
		Schema:       s,
		Flags:        f.flags,
		Sender:       f.sender,
		Clock:        f.clock,
		PingInterval: 10 * time.Second,
		PongTimeout:  30 * time.Second,
	})
	return f
}

func conn(id, role string) CollabConnection {
	return CollabConnection{ID: id, UserID: "user-" + id, Role: role}
}

// join makes c join articles/1 and returns the room id from its init.
func (f *collabFixture) join(t *testing.T, c CollabConnection, initial map[string]any) string {
	t.Helper()

	msg := protocol.NewClientMessage(protocol.ActionJoin)
	msg.Collection = "articles"
	msg.Item = protocol.StringPtr("1")
	msg.InitialChanges = initial
	f.service.HandleMessage(context.Background(), c, msg)

	inits := f.sender.received(c.ID, protocol.ActionInit)
	if len(inits) == 0 {
		t.Fatalf("%s received no init: %+v", c.ID, f.sender.sent[c.ID])
	}
	return inits[len(inits)-1].Room
}

func (f *collabFixture) send(c CollabConnection, msg *protocol.ClientMessage) {
	f.service.HandleMessage(context.Background(), c, msg)
}

func updateMsg(t *testing.T, room, field string, value any) *protocol.ClientMessage {
	msg := protocol.NewClientMessage(protocol.ActionUpdate)
	msg.Room = room
	msg.Field = protocol.StringPtr(field)
	data, err := json.Marshal(value)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	msg.Changes = data
	return msg
}

func decodeChanges(t *testing.T, msg *protocol.ServerMessage) any {
	t.Helper()
	var v any
	if err := msg.DecodeChanges(&v); err != nil {
		t.Fatalf("DecodeChanges() error = %v", err)
	}
	return v
}

func expectError(t *testing.T, sender *recordingSender, connID, code string) {
	t.Helper()
	errs := sender.received(connID, protocol.ActionError)
	if len(errs) == 0 {
		t.Fatalf("%s received no error, want %s", connID, code)
	}
	if got := errs[len(errs)-1].Code; got != code {
		t.Errorf("error code = %s, want %s", got, code)
	}
}

func TestCollabService_JoinSeedsAndAnnounces(t *testing.T) {
	f := newCollabFixture(t)
	a, b := conn("a", "editor"), conn("b", "editor")

	room := f.join(t, a, map[string]any{"title": "draft"})
	if room == "" {
		t.Fatal("init carried no room id")
	}

	f.join(t, b, map[string]any{"title": "ignored"})

	init := f.sender.received("b", protocol.ActionInit)[0]
	if init.Room != room {
		t.Errorf("second joiner got room %s, want %s", init.Room, room)
	}
	if init.Connection != "b" {
		t.Errorf("init connection = %s, want b", init.Connection)
	}
	changes, _ := init.ChangeMap()
	if changes["title"] != "draft" {
		t.Errorf("init changes = %v, want the first joiner's seed", changes)
	}
	if len(init.Users) != 2 || init.Users[0].Connection != "a" {
		t.Errorf("init users = %+v", init.Users)
	}
	if init.Users[0].Color == init.Users[1].Color {
		t.Errorf("members share color %s", init.Users[0].Color)
	}

	joins := f.sender.received("a", protocol.ActionJoin)
	if len(joins) != 1 || joins[0].Connection != "b" || joins[0].User != "user-b" {
		t.Errorf("first member join notifications = %+v", joins)
	}
	if len(f.sender.received("b", protocol.ActionJoin)) != 0 {
		t.Error("joiner was told about its own join")
	}
}

func TestCollabService_RejoinDoesNotDuplicate(t *testing.T) {
	f := newCollabFixture(t)
	a, b := conn("a", "editor"), conn("b", "editor")
	f.join(t, a, nil)
	f.join(t, b, nil)
	f.join(t, b, nil)

	inits := f.sender.received("b", protocol.ActionInit)
	if len(inits) != 2 {
		t.Fatalf("inits = %d, want 2", len(inits))
	}
	if len(inits[1].Users) != 2 {
		t.Errorf("rejoin init users = %d, want 2", len(inits[1].Users))
	}
	if len(f.sender.received("a", protocol.ActionJoin)) != 1 {
		t.Error("rejoin announced twice")
	}
}

func TestCollabService_JoinErrors(t *testing.T) {
	tests := []struct {
		name       string
		role       string
		collection string
		disabled   bool
		code       string
	}{
		{name: "disabled", role: "editor", collection: "articles", disabled: true, code: protocol.CodeServiceUnavailable},
		{name: "no read access", role: "nobody", collection: "articles", code: protocol.CodeForbidden},
		{name: "unknown collection", role: "admin", collection: "missing", code: protocol.CodeInvalidPayload},
		{name: "missing collection", role: "admin", collection: "", code: protocol.CodeInvalidPayload},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newCollabFixture(t)
			f.flags.enabled = !tt.disabled

			msg := protocol.NewClientMessage(protocol.ActionJoin)
			msg.Collection = tt.collection
			f.send(conn("a", tt.role), msg)

			expectError(t, f.sender, "a", tt.code)
			if f.service.RoomCount() != 0 {
				t.Error("room created despite error")
			}
		})
	}
}

func TestCollabService_UpdateOrdering(t *testing.T) {
	f := newCollabFixture(t)
	a, b := conn("a", "editor"), conn("b", "editor")
	room := f.join(t, a, nil)
	f.join(t, b, nil)

	f.send(a, updateMsg(t, room, "title", "one"))
	f.send(b, updateMsg(t, room, "body", "two"))
	f.send(a, updateMsg(t, room, "title", "three"))

	toB := f.sender.received("b", protocol.ActionUpdate)
	if len(toB) != 2 {
		t.Fatalf("b received %d updates, want 2", len(toB))
	}
	if toB[0].Order != 1 || toB[1].Order != 3 {
		t.Errorf("orders = %d, %d, want 1, 3", toB[0].Order, toB[1].Order)
	}
	if decodeChanges(t, toB[1]) != "three" {
		t.Errorf("latest title = %v", decodeChanges(t, toB[1]))
	}

	toA := f.sender.received("a", protocol.ActionUpdate)
	if len(toA) != 1 || toA[0].Order != 2 || *toA[0].Field != "body" {
		t.Errorf("a received %+v", toA)
	}
}

func TestCollabService_UnsetHasNoChanges(t *testing.T) {
	f := newCollabFixture(t)
	a, b := conn("a", "editor"), conn("b", "editor")
	room := f.join(t, a, map[string]any{"title": "x"})
	f.join(t, b, nil)

	msg := protocol.NewClientMessage(protocol.ActionUpdate)
	msg.Room = room
	msg.Field = protocol.StringPtr("title")
	f.send(a, msg)

	updates := f.sender.received("b", protocol.ActionUpdate)
	if len(updates) != 1 || updates[0].HasChanges() {
		t.Fatalf("b received %+v, want one unset", updates)
	}

	c := conn("c", "editor")
	f.join(t, c, nil)
	changes, _ := f.sender.received("c", protocol.ActionInit)[0].ChangeMap()
	if _, ok := changes["title"]; ok {
		t.Error("unset field still in room changes")
	}
}

func TestCollabService_UpdateForbidden(t *testing.T) {
	f := newCollabFixture(t)
	v := conn("v", "viewer")
	room := f.join(t, v, nil)

	f.send(v, updateMsg(t, room, "title", "nope"))
	expectError(t, f.sender, "v", protocol.CodeForbidden)

	e := conn("e", "editor")
	f.join(t, e, nil)
	f.send(e, updateMsg(t, room, "secret", "nope"))
	expectError(t, f.sender, "e", protocol.CodeForbidden)
}

func TestCollabService_UpdateFilteredPerRecipient(t *testing.T) {
	f := newCollabFixture(t)
	admin, editor, viewer := conn("a", "admin"), conn("e", "editor"), conn("v", "viewer")
	room := f.join(t, admin, nil)
	f.join(t, editor, nil)
	f.join(t, viewer, nil)

	f.send(admin, updateMsg(t, room, "secret", "s3cret"))

	if len(f.sender.received("e", protocol.ActionUpdate)) != 1 {
		t.Error("editor should see the secret field")
	}
	if len(f.sender.received("v", protocol.ActionUpdate)) != 0 {
		t.Error("viewer received a field it cannot read")
	}

	f.send(admin, updateMsg(t, room, "author", map[string]any{"id": "au1", "name": "Ada", "email": "ada@example.com"}))

	toViewer := f.sender.received("v", protocol.ActionUpdate)
	if len(toViewer) != 1 {
		t.Fatalf("viewer updates = %d, want 1", len(toViewer))
	}
	author := decodeChanges(t, toViewer[0]).(map[string]any)
	if _, ok := author["email"]; ok {
		t.Error("nested email leaked to viewer")
	}
	if author["name"] != "Ada" {
		t.Errorf("nested name = %v", author["name"])
	}

	toEditor := f.sender.received("e", protocol.ActionUpdate)
	full := decodeChanges(t, toEditor[len(toEditor)-1]).(map[string]any)
	if full["email"] != "ada@example.com" {
		t.Error("editor lost a nested field it may read")
	}
}

func TestCollabService_UpdateAll(t *testing.T) {
	f := newCollabFixture(t)
	a, b := conn("a", "editor"), conn("b", "editor")
	room := f.join(t, a, map[string]any{"title": "same", "body": "old"})
	f.join(t, b, nil)

	msg := protocol.NewClientMessage(protocol.ActionUpdateAll)
	msg.Room = room
	msg.Changes = json.RawMessage(`{"title":"same","author":"au1"}`)
	f.send(a, msg)

	updates := f.sender.received("b", protocol.ActionUpdate)
	if len(updates) != 2 {
		t.Fatalf("b received %d updates, want 2", len(updates))
	}
	// sorted by field: author set, body unset
	if *updates[0].Field != "author" || decodeChanges(t, updates[0]) != "au1" {
		t.Errorf("first update = %s %s", *updates[0].Field, updates[0].Changes)
	}
	if *updates[1].Field != "body" || updates[1].HasChanges() {
		t.Errorf("second update = %s %s", *updates[1].Field, updates[1].Changes)
	}
	if updates[0].Order >= updates[1].Order {
		t.Error("update_all broadcasts out of order")
	}
}

func TestCollabService_Focus(t *testing.T) {
	f := newCollabFixture(t)
	admin, viewer := conn("a", "admin"), conn("v", "viewer")
	room := f.join(t, admin, nil)
	f.join(t, viewer, nil)

	focus := protocol.NewClientMessage(protocol.ActionFocus)
	focus.Room = room
	focus.Field = protocol.StringPtr("secret")
	f.send(admin, focus)
	if len(f.sender.received("v", protocol.ActionFocus)) != 0 {
		t.Error("viewer told about focus on an unreadable field")
	}

	focus.Field = protocol.StringPtr("title")
	f.send(admin, focus)
	blur := protocol.NewClientMessage(protocol.ActionFocus)
	blur.Room = room
	f.send(admin, blur)

	got := f.sender.received("v", protocol.ActionFocus)
	if len(got) != 2 {
		t.Fatalf("viewer focus frames = %d, want 2", len(got))
	}
	if *got[0].Field != "title" || got[0].Connection != "a" {
		t.Errorf("focus = %+v", got[0])
	}
	if got[1].Field != nil {
		t.Error("blur carried a field")
	}

	f.send(admin, focus)
	late := conn("l", "viewer")
	f.join(t, late, nil)
	init := f.sender.received("l", protocol.ActionInit)[0]
	if init.Focuses["a"] != "title" {
		t.Errorf("init focuses = %v", init.Focuses)
	}
}

func TestCollabService_Discard(t *testing.T) {
	f := newCollabFixture(t)
	a, b := conn("a", "editor"), conn("b", "editor")
	room := f.join(t, a, map[string]any{"title": "t", "body": "b"})
	f.join(t, b, nil)

	msg := protocol.NewClientMessage(protocol.ActionDiscard)
	msg.Room = room
	msg.Fields = []string{protocol.Wildcard}
	f.send(a, msg)

	discards := f.sender.received("b", protocol.ActionDiscard)
	if len(discards) != 1 || discards[0].Fields[0] != protocol.Wildcard {
		t.Fatalf("b discards = %+v", discards)
	}

	c := conn("c", "editor")
	f.join(t, c, nil)
	changes, _ := f.sender.received("c", protocol.ActionInit)[0].ChangeMap()
	if len(changes) != 0 {
		t.Errorf("changes after wildcard discard = %v", changes)
	}
}

func TestCollabService_LeaveClosesEmptyRoom(t *testing.T) {
	f := newCollabFixture(t)
	a, b := conn("a", "editor"), conn("b", "editor")
	room := f.join(t, a, map[string]any{"title": "x"})
	f.join(t, b, nil)

	leave := protocol.NewClientMessage(protocol.ActionLeave)
	leave.Room = room
	f.send(b, leave)

	leaves := f.sender.received("a", protocol.ActionLeave)
	if len(leaves) != 1 || leaves[0].Connection != "b" {
		t.Errorf("a leaves = %+v", leaves)
	}
	if len(f.sender.received("b", protocol.ActionLeave)) != 0 {
		t.Error("leaving member told about its own leave")
	}

	f.service.Disconnect(context.Background(), "a")
	if f.service.RoomCount() != 0 {
		t.Errorf("RoomCount() = %d after last member left", f.service.RoomCount())
	}

	f.sender.reset()
	fresh := f.join(t, a, nil)
	if fresh == room {
		t.Error("closed room id reused")
	}
	changes, _ := f.sender.received("a", protocol.ActionInit)[0].ChangeMap()
	if len(changes) != 0 {
		t.Errorf("stale changes survived room close: %v", changes)
	}
}

func TestCollabService_NotInRoom(t *testing.T) {
	f := newCollabFixture(t)
	f.send(conn("a", "editor"), updateMsg(t, "nope", "title", "x"))
	expectError(t, f.sender, "a", protocol.CodeNotInRoom)
}

func TestCollabService_InvalidPayload(t *testing.T) {
	f := newCollabFixture(t)
	a := conn("a", "editor")
	room := f.join(t, a, nil)

	msg := protocol.NewClientMessage(protocol.ActionUpdate)
	msg.Room = room
	f.send(a, msg)

	expectError(t, f.sender, "a", protocol.CodeInvalidPayload)
}

func TestCollabService_SweepKicksStaleMembers(t *testing.T) {
	f := newCollabFixture(t)
	a, b := conn("a", "editor"), conn("b", "editor")
	room := f.join(t, a, nil)
	f.join(t, b, nil)

	f.clock.Advance(20 * time.Second)
	pong := protocol.NewClientMessage(protocol.ActionPong)
	pong.Room = room
	f.send(a, pong)

	f.clock.Advance(15 * time.Second)
	f.service.Sweep(context.Background())

	for _, id := range []string{"a", "b"} {
		leaves := f.sender.received(id, protocol.ActionLeave)
		if len(leaves) != 1 || leaves[0].Connection != "b" {
			t.Errorf("%s leaves = %+v, want kick of b", id, leaves)
		}
	}
	if len(f.sender.received("a", protocol.ActionPing)) != 1 {
		t.Error("live member not pinged")
	}
	if len(f.sender.received("b", protocol.ActionPing)) != 0 {
		t.Error("kicked member pinged")
	}
}

func TestCollabService_SweepKicksExpiredTokens(t *testing.T) {
	f := newCollabFixture(t)
	a := conn("a", "editor")
	a.ExpiresAt = f.clock.Now().Add(5 * time.Second)
	f.join(t, a, nil)

	f.service.Sweep(context.Background())
	if len(f.sender.received("a", protocol.ActionLeave)) != 0 {
		t.Fatal("kicked before expiry")
	}

	f.clock.Advance(5 * time.Second)
	f.service.Sweep(context.Background())
	if len(f.sender.received("a", protocol.ActionLeave)) != 1 {
		t.Error("expired member not kicked")
	}
	if f.service.RoomCount() != 0 {
		t.Error("room kept after kicking its last member")
	}
}

func TestCollabService_StartSweepsOnTicks(t *testing.T) {
	f := newCollabFixture(t)
	a := conn("a", "editor")
	room := f.join(t, a, nil)
	pong := protocol.NewClientMessage(protocol.ActionPong)
	pong.Room = room

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := f.service.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for len(f.sender.received("a", protocol.ActionPing)) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("no ping after ticker fired")
		}
		f.send(a, pong)
		f.clock.Advance(10 * time.Second)
		time.Sleep(5 * time.Millisecond)
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestCollabService_RoomSharedAcrossInstances(t *testing.T) {
	store := repository.NewMemoryRoomStore()
	fa, fb := newCollabFixtureOn(t, store), newCollabFixtureOn(t, store)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	for _, f := range []*collabFixture{fa, fb} {
		if err := f.service.Start(ctx); err != nil {
			t.Fatalf("Start() error = %v", err)
		}
	}

	a, b := conn("a", "editor"), conn("b", "editor")
	room := fa.join(t, a, map[string]any{"title": "draft"})
	if got := fb.join(t, b, nil); got != room {
		t.Fatalf("second instance joined room %s, want %s", got, room)
	}

	init := fb.sender.received("b", protocol.ActionInit)[0]
	if len(init.Users) != 2 || init.Users[0].Connection != "a" || init.Users[1].Connection != "b" {
		t.Errorf("init users = %+v", init.Users)
	}
	if init.Users[0].Color == init.Users[1].Color {
		t.Errorf("both members got color %s", init.Users[0].Color)
	}
	if changes, _ := init.ChangeMap(); changes["title"] != "draft" {
		t.Errorf("init changes = %v", changes)
	}

	waitFor(t, "join of b on the first instance", func() bool {
		joins := fa.sender.received("a", protocol.ActionJoin)
		return len(joins) == 1 && joins[0].Connection == "b"
	})

	fb.send(b, updateMsg(t, room, "body", "from b"))
	waitFor(t, "update of b on the first instance", func() bool {
		updates := fa.sender.received("a", protocol.ActionUpdate)
		return len(updates) == 1 && deref(updates[0].Field) == "body" && updates[0].Order == 1
	})
	if len(fb.sender.received("b", protocol.ActionUpdate)) != 0 {
		t.Error("update echoed to its sender")
	}

	leave := protocol.NewClientMessage(protocol.ActionLeave)
	leave.Room = room
	fa.send(a, leave)
	waitFor(t, "leave of a on the second instance", func() bool {
		leaves := fb.sender.received("b", protocol.ActionLeave)
		return len(leaves) == 1 && leaves[0].Connection == "a"
	})

	key := roomKey("articles", protocol.StringPtr("1"), nil)
	if id, ok, _ := store.Lookup(ctx, key); !ok || id != room {
		t.Fatalf("Lookup() = %s, %v after one of two members left", id, ok)
	}
	changes, _ := store.Changes(ctx, room)
	if changes["title"] != "draft" || changes["body"] != "from b" {
		t.Errorf("room changes = %v after one of two members left", changes)
	}

	fb.send(b, leave)
	if _, ok, _ := store.Lookup(ctx, key); ok {
		t.Error("room kept after its last member left")
	}
}

func TestCollabService_DeleteReachesOtherInstances(t *testing.T) {
	store := repository.NewMemoryRoomStore()
	fa, fb := newCollabFixtureOn(t, store), newCollabFixtureOn(t, store)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := fb.service.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	fb.join(t, conn("b", "editor"), nil)
	fa.service.NotifyDelete(ctx, "articles", "1")

	waitFor(t, "delete on the second instance", func() bool {
		return len(fb.sender.received("b", protocol.ActionDelete)) == 1
	})
	waitFor(t, "room to close on the second instance", func() bool {
		return fb.service.RoomCount() == 0
	})
	if rooms, _ := store.Rooms(ctx, ""); len(rooms) != 0 {
		t.Errorf("Rooms() = %v after item delete", rooms)
	}
}

func TestCollabService_SweepDropsUnrefreshedRemoteMembers(t *testing.T) {
	store := repository.NewMemoryRoomStore()
	fa, fb := newCollabFixtureOn(t, store), newCollabFixtureOn(t, store)

	a := conn("a", "editor")
	room := fa.join(t, a, nil)
	fb.join(t, conn("b", "editor"), nil)

	fa.clock.Advance(20 * time.Second)
	pong := protocol.NewClientMessage(protocol.ActionPong)
	pong.Room = room
	fa.send(a, pong)
	fa.clock.Advance(15 * time.Second)
	fa.service.Sweep(context.Background())

	leaves := fa.sender.received("a", protocol.ActionLeave)
	if len(leaves) != 1 || leaves[0].Connection != "b" {
		t.Errorf("a leaves = %+v, want drop of b", leaves)
	}
	members, _ := store.Members(context.Background(), room)
	if len(members) != 1 || members[0].Connection != "a" {
		t.Errorf("Members() = %+v", members)
	}
}

func TestCollabService_JoinRejectsExpiredToken(t *testing.T) {
	f := newCollabFixture(t)
	a := conn("a", "editor")
	a.ExpiresAt = f.clock.Now()

	msg := protocol.NewClientMessage(protocol.ActionJoin)
	msg.Collection = "articles"
	msg.Item = protocol.StringPtr("1")
	f.send(a, msg)

	expectError(t, f.sender, "a", protocol.CodeTokenExpired)
	if len(f.sender.received("a", protocol.ActionInit)) != 0 {
		t.Error("expired connection got an init")
	}
	if f.service.RoomCount() != 0 {
		t.Error("expired connection opened a room")
	}
}

func TestCollabService_NotifySave(t *testing.T) {
	f := newCollabFixture(t)
	a := conn("a", "editor")
	f.join(t, a, map[string]any{"title": "saved", "body": "pending"})

	f.service.NotifySave(context.Background(), domain.ItemRef{Collection: "articles", ID: "1"}, domain.Item{"id": "1", "title": "saved", "body": "older"})

	if len(f.sender.received("a", protocol.ActionSave)) != 1 {
		t.Fatal("no save broadcast")
	}

	b := conn("b", "editor")
	f.join(t, b, nil)
	changes, _ := f.sender.received("b", protocol.ActionInit)[0].ChangeMap()
	if _, ok := changes["title"]; ok {
		t.Error("saved change kept in room")
	}
	if changes["body"] != "pending" {
		t.Errorf("unsaved change dropped: %v", changes)
	}

	f.service.NotifySave(context.Background(), domain.ItemRef{Collection: "articles", ID: "2"}, domain.Item{})
	if len(f.sender.received("a", protocol.ActionSave)) != 1 {
		t.Error("save for another item reached the room")
	}
}

func TestCollabService_NotifyDelete(t *testing.T) {
	f := newCollabFixture(t)
	f.join(t, conn("a", "editor"), nil)

	f.service.NotifyDelete(context.Background(), "articles", "1")

	if len(f.sender.received("a", protocol.ActionDelete)) != 1 {
		t.Error("no delete broadcast")
	}
	if f.service.RoomCount() != 0 {
		t.Error("room kept after item delete")
	}
}
