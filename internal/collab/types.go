package collab

import (
	"context"
	"errors"
	"time"

	"collab-sync-server/internal/clock"
	"collab-sync-server/pkg/protocol"
)

// NewItem is the primary key placeholder of an item that has not been
// saved yet. Such items are never collaborative.
const NewItem = "+"

const (
	DefaultThrottleInterval = 100 * time.Millisecond
	DefaultRejoinDelay      = time.Second
)

// ErrAlreadyOpen is returned by Socket.Connect when the connection is
// already established.
var ErrAlreadyOpen = errors.New("socket already open")

// Socket is the process-wide connection shared by every session.
type Socket interface {
	Connect(ctx context.Context) error
	Disconnect()
	Send(msg *protocol.ClientMessage) error
	Subscribe(l Listener) (unsubscribe func())
}

// Listener receives socket events.
type Listener interface {
	OnOpen()
	OnClose()
	OnMessage(msg *protocol.ServerMessage)
}

type UserProfile struct {
	ID        string `json:"id"`
	FirstName string `json:"first_name,omitempty"`
	LastName  string `json:"last_name,omitempty"`
	Avatar    string `json:"avatar,omitempty"`
}

type UserDirectory interface {
	ReadUser(ctx context.Context, id string) (*UserProfile, error)
	ReadUsers(ctx context.Context, ids []string) ([]UserProfile, error)
}

// FeatureFlags combines the server capability and the tenant setting.
type FeatureFlags interface {
	CollabEnabled(ctx context.Context) bool
	Rehydrate(ctx context.Context) error
}

type RelationLookup interface {
	ManyToOne(collection, field string) (relatedPrimaryKey string, ok bool)
}

// Participant is one connection present in the room.
type Participant struct {
	ID         string `json:"id"`
	FirstName  string `json:"first_name,omitempty"`
	LastName   string `json:"last_name,omitempty"`
	Avatar     string `json:"avatar,omitempty"`
	Connection string `json:"connection"`
	Color      string `json:"color"`
}

// Name renders the participant for display.
func (p Participant) Name() string {
	switch {
	case p.FirstName != "" && p.LastName != "":
		return p.FirstName + " " + p.LastName
	case p.FirstName != "":
		return p.FirstName
	case p.LastName != "":
		return p.LastName
	}
	return p.ID
}

// Collision holds the two sides of a divergence detected on init. From
// is the server state, To the local state, both layered over the
// initial values.
type Collision struct {
	From map[string]any `json:"from"`
	To   map[string]any `json:"to"`

	localEdits map[string]any
}

type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	Joined
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Joined:
		return "joined"
	}
	return "disconnected"
}

type Options struct {
	Socket    Socket
	Users     UserDirectory
	Flags     FeatureFlags
	Relations RelationLookup
	Clock     clock.Clock

	Collection string
	Item       *string
	Version    *string

	// Refetch reloads the item after a save broadcast.
	Refetch func(ctx context.Context) (map[string]any, error)
	// Notify surfaces a message to the user.
	Notify func(message string)
	// NavigateAway leaves the item view after the item was deleted.
	NavigateAway func()
	// OnChange is called after every state change.
	OnChange func()

	ThrottleInterval time.Duration
	RejoinDelay      time.Duration
}
