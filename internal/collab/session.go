package collab

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"collab-sync-server/internal/clock"
	"collab-sync-server/internal/throttle"
	"collab-sync-server/pkg/protocol"
)

// Session is the client side of one collaborative editor: it joins the
// room for an item, merges remote edits into the edit buffer and
// broadcasts local ones.
//
// Message handling is driven by the socket's read loop, one message at a
// time. The mutex only guards against the UI and timer goroutines
// touching state at the same moment.
type Session struct {
	socket    Socket
	users     UserDirectory
	flags     FeatureFlags
	relations RelationLookup
	clock     clock.Clock

	refetch      func(ctx context.Context) (map[string]any, error)
	notify       func(message string)
	navigateAway func()
	onChange     func()

	throttleInterval time.Duration
	rejoinDelay      time.Duration

	ctx    context.Context
	cancel context.CancelFunc

	mu            sync.Mutex
	collection    string
	item          *string
	version       *string
	active        bool
	connecting    bool
	connected     bool
	joinPending   bool
	abandoned     []roomTarget
	room          string
	connectionID  string
	participants  []Participant
	focuses       map[string]string
	edits         map[string]any
	initialValues map[string]any
	largestOrder  int64
	collision     *Collision
	fields        map[string]*Field
	rejoinTimer   *clock.Timer
	unsubscribe   func()

	focusSender *throttle.Debounce[*string]
}

func New(opts Options) *Session {
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.ThrottleInterval == 0 {
		opts.ThrottleInterval = DefaultThrottleInterval
	}
	if opts.RejoinDelay == 0 {
		opts.RejoinDelay = DefaultRejoinDelay
	}

	ctx, cancel := context.WithCancel(context.Background())

	s := &Session{
		socket:           opts.Socket,
		users:            opts.Users,
		flags:            opts.Flags,
		relations:        opts.Relations,
		clock:            opts.Clock,
		refetch:          opts.Refetch,
		notify:           opts.Notify,
		navigateAway:     opts.NavigateAway,
		onChange:         opts.OnChange,
		throttleInterval: opts.ThrottleInterval,
		rejoinDelay:      opts.RejoinDelay,
		ctx:              ctx,
		cancel:           cancel,
		collection:       opts.Collection,
		item:             opts.Item,
		version:          opts.Version,
		focuses:          make(map[string]string),
		edits:            make(map[string]any),
		initialValues:    make(map[string]any),
		fields:           make(map[string]*Field),
	}
	s.focusSender = throttle.NewDebounce(s.clock, s.throttleInterval, s.sendFocus)
	return s
}

// Activate connects the shared socket and joins the room, provided the
// server and the tenant both allow collaboration.
func (s *Session) Activate(ctx context.Context) error {
	if s.flags != nil && !s.flags.CollabEnabled(ctx) {
		return nil
	}

	s.mu.Lock()
	s.active = true
	s.connecting = !s.connected
	subscribed := s.unsubscribe != nil
	s.mu.Unlock()

	if !subscribed {
		unsubscribe := s.socket.Subscribe(s)
		s.mu.Lock()
		s.unsubscribe = unsubscribe
		s.mu.Unlock()
	}
	s.changed()

	err := s.socket.Connect(ctx)

	s.mu.Lock()
	s.connecting = false
	if err != nil && !errors.Is(err, ErrAlreadyOpen) {
		s.mu.Unlock()
		s.changed()
		return fmt.Errorf("failed to connect: %w", err)
	}
	s.connected = true
	s.mu.Unlock()
	s.changed()

	s.Join()
	return nil
}

// SetActive flips the session between joined and idle without tearing
// it down.
func (s *Session) SetActive(ctx context.Context, active bool) error {
	if active {
		return s.Activate(ctx)
	}

	s.Leave()
	s.mu.Lock()
	s.active = false
	s.mu.Unlock()
	s.changed()
	return nil
}

// SetIdentity moves the session to another item or content version:
// the old room is left and the new one joined.
func (s *Session) SetIdentity(collection string, item, version *string) {
	s.mu.Lock()
	same := s.collection == collection && protocol.SameRef(s.item, item) && protocol.SameRef(s.version, version)
	s.mu.Unlock()
	if same {
		return
	}

	s.Leave()

	s.mu.Lock()
	s.collection = collection
	s.item = item
	s.version = version
	s.edits = make(map[string]any)
	s.initialValues = make(map[string]any)
	s.collision = nil
	s.mu.Unlock()
	s.changed()

	s.Join()
}

func (s *Session) Join() {
	s.mu.Lock()
	if !s.canJoin() {
		s.mu.Unlock()
		return
	}

	msg := protocol.NewClientMessage(protocol.ActionJoin)
	msg.Collection = s.collection
	msg.Item = s.item
	msg.Version = s.version
	msg.InitialChanges = cloneMap(s.edits)
	s.joinPending = true
	s.abandoned = dropTarget(s.abandoned, s.collection, s.item, s.version)
	s.mu.Unlock()

	s.send(msg)
}

func (s *Session) canJoin() bool {
	switch {
	case !s.active, !s.connected:
		return false
	case s.room != "", s.joinPending:
		return false
	case s.collection == "":
		return false
	case s.item != nil && *s.item == NewItem:
		return false
	}
	return true
}

// Leave sends a leave for the current room and forgets it without
// waiting for the server. A join still in flight is remembered so the
// room it lands in can be left once its init arrives.
func (s *Session) Leave() {
	s.mu.Lock()
	if s.joinPending && s.room == "" {
		s.abandoned = append(s.abandoned, roomTarget{collection: s.collection, item: s.item, version: s.version})
	}
	s.joinPending = false
	if s.room == "" {
		s.mu.Unlock()
		return
	}

	msg := protocol.NewClientMessage(protocol.ActionLeave)
	msg.Room = s.room
	s.room = ""
	s.connectionID = ""
	s.largestOrder = 0
	s.mu.Unlock()

	s.send(msg)
	s.changed()
}

// Close leaves the room and releases timers and the socket subscription.
func (s *Session) Close() {
	s.Leave()

	s.mu.Lock()
	s.active = false
	if s.rejoinTimer != nil {
		s.rejoinTimer.Stop()
		s.rejoinTimer = nil
	}
	unsubscribe := s.unsubscribe
	s.unsubscribe = nil
	fields := make([]*Field, 0, len(s.fields))
	for _, f := range s.fields {
		fields = append(fields, f)
	}
	s.mu.Unlock()

	for _, f := range fields {
		f.cancel()
	}
	s.focusSender.Cancel()
	if unsubscribe != nil {
		unsubscribe()
	}
	s.cancel()
}

func (s *Session) OnOpen() {
	s.mu.Lock()
	s.connected = true
	s.connecting = false
	s.mu.Unlock()
	s.changed()

	s.Join()
}

// OnClose discards everything learned from the server; the next init
// repopulates it.
func (s *Session) OnClose() {
	s.mu.Lock()
	s.connected = false
	s.connecting = false
	s.resetRoom()
	s.abandoned = nil
	if s.rejoinTimer != nil {
		s.rejoinTimer.Stop()
		s.rejoinTimer = nil
	}
	s.mu.Unlock()
	s.changed()
}

func (s *Session) OnMessage(msg *protocol.ServerMessage) {
	s.HandleMessage(s.ctx, msg)
}

func (s *Session) resetRoom() {
	s.room = ""
	s.connectionID = ""
	s.joinPending = false
	s.participants = nil
	s.focuses = make(map[string]string)
	s.largestOrder = 0
}

// roomTarget is the item a join was sent for.
type roomTarget struct {
	collection string
	item       *string
	version    *string
}

func (t roomTarget) is(collection string, item, version *string) bool {
	return t.collection == collection && protocol.SameRef(t.item, item) && protocol.SameRef(t.version, version)
}

func dropTarget(targets []roomTarget, collection string, item, version *string) []roomTarget {
	kept := targets[:0]
	for _, t := range targets {
		if !t.is(collection, item, version) {
			kept = append(kept, t)
		}
	}
	return kept
}

func (s *Session) scheduleRejoin() {
	if s.rejoinTimer != nil {
		s.rejoinTimer.Stop()
	}
	s.rejoinTimer = s.clock.AfterFunc(s.rejoinDelay, s.Join)
}

// UpdateAll replaces the edit buffer and pushes it to the room in one
// message.
func (s *Session) UpdateAll(changes map[string]any) {
	s.mu.Lock()
	s.edits = cloneMap(changes)
	room := s.room
	s.mu.Unlock()
	s.changed()

	if room == "" {
		return
	}
	payload, err := protocol.EncodeChanges(changes)
	if err != nil {
		log.Printf("[Collab] %v", err)
		return
	}
	msg := protocol.NewClientMessage(protocol.ActionUpdateAll)
	msg.Room = room
	msg.Changes = payload
	s.send(msg)
}

// Discard drops local edits for fields ("*" for all) and tells the room.
func (s *Session) Discard(fields ...string) {
	if len(fields) == 0 {
		return
	}

	s.mu.Lock()
	discardFields(s.edits, fields)
	room := s.room
	s.mu.Unlock()
	s.changed()

	if room == "" {
		return
	}
	msg := protocol.NewClientMessage(protocol.ActionDiscard)
	msg.Room = room
	msg.Fields = fields
	s.send(msg)
}

// SetInitialValues sets the saved item the edits are layered over.
func (s *Session) SetInitialValues(item map[string]any) {
	s.mu.Lock()
	s.initialValues = cloneMap(item)
	s.mu.Unlock()
	s.changed()
}

// SetEdits seeds the edit buffer without broadcasting, e.g. from a
// restored draft.
func (s *Session) SetEdits(edits map[string]any) {
	s.mu.Lock()
	s.edits = cloneMap(edits)
	s.mu.Unlock()
	s.changed()
}

func (s *Session) ClearCollision() {
	s.mu.Lock()
	s.collision = nil
	s.mu.Unlock()
	s.changed()
}

// ResolveCollision clears the collision. With keepLocal the local side
// is restored and pushed to the room.
func (s *Session) ResolveCollision(keepLocal bool) {
	s.mu.Lock()
	collision := s.collision
	s.collision = nil
	s.mu.Unlock()

	if collision == nil {
		return
	}
	if !keepLocal {
		s.changed()
		return
	}
	s.UpdateAll(collision.localEdits)
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case s.connected && s.room != "":
		return Joined
	case s.connected:
		return Connected
	case s.connecting:
		return Connecting
	}
	return Disconnected
}

func (s *Session) Room() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.room
}

func (s *Session) ConnectionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connectionID
}

func (s *Session) Users() []Participant {
	s.mu.Lock()
	defer s.mu.Unlock()
	users := make([]Participant, len(s.participants))
	copy(users, s.participants)
	return users
}

func (s *Session) Focuses() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	focuses := make(map[string]string, len(s.focuses))
	for k, v := range s.focuses {
		focuses[k] = v
	}
	return focuses
}

func (s *Session) Edits() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return cloneMap(s.edits)
}

func (s *Session) InitialValues() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return cloneMap(s.initialValues)
}

func (s *Session) Collision() *Collision {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.collision == nil {
		return nil
	}
	return &Collision{
		From:       cloneMap(s.collision.From),
		To:         cloneMap(s.collision.To),
		localEdits: cloneMap(s.collision.localEdits),
	}
}

func (s *Session) send(msg *protocol.ClientMessage) {
	if err := s.socket.Send(msg); err != nil {
		log.Printf("[Collab] failed to send %s: %v", msg.Action, err)
	}
}

func (s *Session) changed() {
	if s.onChange != nil {
		s.onChange()
	}
}

func sortSelfFirst(participants []Participant, self string) {
	sort.SliceStable(participants, func(i, j int) bool {
		return participants[i].Connection == self && participants[j].Connection != self
	})
}
