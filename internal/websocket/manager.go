package websocket

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"collab-sync-server/pkg/protocol"
)

// Inbound is a raw frame read from a client.
type Inbound struct {
	Client  *Client
	Message []byte
}

type Manager struct {
	clients        map[string]*Client
	userIndex      map[string]map[string]bool
	clientsMutex   sync.RWMutex
	Register       chan *Client
	Unregister     chan *Client
	HandleMessage  chan *Inbound
	done           chan struct{}
	maxConnPerUser int
	sendBuffer     int
	maxMessageSize int64
	writeWait      time.Duration
	pongWait       time.Duration
	pingPeriod     time.Duration
	debug          bool
	messageHandler MessageHandler
}

// MessageHandler receives decoded collab frames and disconnects. Calls
// come from the Run goroutine one at a time.
type MessageHandler interface {
	HandleCollabMessage(client *Client, msg *protocol.ClientMessage)
	HandleDisconnect(client *Client)
}

type Options struct {
	MaxConnPerUser int
	SendBuffer     int
	MaxMessageSize int64
	WriteWait      time.Duration
	PongWait       time.Duration
	PingPeriod     time.Duration
	Debug          bool
}

func NewManager(opts Options) *Manager {
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = 256
	}
	if opts.MaxMessageSize <= 0 {
		opts.MaxMessageSize = 512 * 1024
	}

	return &Manager{
		clients:        make(map[string]*Client),
		userIndex:      make(map[string]map[string]bool),
		Register:       make(chan *Client),
		Unregister:     make(chan *Client),
		HandleMessage:  make(chan *Inbound),
		done:           make(chan struct{}),
		maxConnPerUser: opts.MaxConnPerUser,
		sendBuffer:     opts.SendBuffer,
		maxMessageSize: opts.MaxMessageSize,
		writeWait:      opts.WriteWait,
		pongWait:       opts.PongWait,
		pingPeriod:     opts.PingPeriod,
		debug:          opts.Debug,
	}
}

func (m *Manager) SetMessageHandler(handler MessageHandler) {
	m.messageHandler = handler
}

// Run serializes registrations, disconnects and inbound frames until ctx
// is done, then closes every client.
func (m *Manager) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			close(m.done)
			m.closeAll()
			return

		case client := <-m.Register:
			m.registerClient(client)

		case client := <-m.Unregister:
			if m.unregisterClient(client) && m.messageHandler != nil {
				m.messageHandler.HandleDisconnect(client)
			}

		case inbound := <-m.HandleMessage:
			m.processMessage(inbound)
		}
	}
}

// Done is closed once Run has stopped.
func (m *Manager) Done() <-chan struct{} {
	return m.done
}

func (m *Manager) registerClient(client *Client) {
	m.clientsMutex.Lock()
	defer m.clientsMutex.Unlock()

	if m.userIndex[client.UserID] == nil {
		m.userIndex[client.UserID] = make(map[string]bool)
	}

	if m.maxConnPerUser > 0 && len(m.userIndex[client.UserID]) >= m.maxConnPerUser {
		log.Printf("[WebSocket] max connections reached for user %s", client.UserID)
		close(client.Send)
		return
	}

	m.clients[client.ID] = client
	m.userIndex[client.UserID][client.ID] = true

	log.Printf("[WebSocket] client registered: %s (user: %s, role: %s)", client.ID, client.UserID, client.Role)
}

// unregisterClient reports whether client was registered.
func (m *Manager) unregisterClient(client *Client) bool {
	m.clientsMutex.Lock()
	defer m.clientsMutex.Unlock()

	if _, ok := m.clients[client.ID]; !ok {
		return false
	}

	delete(m.clients, client.ID)
	delete(m.userIndex[client.UserID], client.ID)
	if len(m.userIndex[client.UserID]) == 0 {
		delete(m.userIndex, client.UserID)
	}

	close(client.Send)
	log.Printf("[WebSocket] client unregistered: %s", client.ID)
	return true
}

func (m *Manager) closeAll() {
	m.clientsMutex.Lock()
	defer m.clientsMutex.Unlock()

	for id, client := range m.clients {
		close(client.Send)
		delete(m.clients, id)
	}
	m.userIndex = make(map[string]map[string]bool)
}

func (m *Manager) processMessage(inbound *Inbound) {
	msg, ok, err := protocol.DecodeClientMessage(inbound.Message)
	if err != nil {
		log.Printf("[WebSocket] %v", err)
		m.SendToClient(inbound.Client.ID, protocol.NewError(protocol.CodeInvalidPayload, "malformed message"))
		return
	}
	if !ok {
		if m.debug {
			log.Printf("[WebSocket] ignoring non-collab frame from %s", inbound.Client.ID)
		}
		return
	}

	if m.messageHandler != nil {
		m.messageHandler.HandleCollabMessage(inbound.Client, msg)
	}
}

// SendToClient queues msg for one connection. Unknown connections are
// ignored; a full buffer drops the message.
func (m *Manager) SendToClient(clientID string, msg *protocol.ServerMessage) error {
	m.clientsMutex.RLock()
	defer m.clientsMutex.RUnlock()

	client, exists := m.clients[clientID]
	if !exists {
		return nil
	}

	messageBytes, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to encode message: %w", err)
	}

	select {
	case client.Send <- messageBytes:
	default:
		log.Printf("[WebSocket] client %s send buffer full, dropping %s", clientID, msg.Action)
	}

	return nil
}

func (m *Manager) GetUserConnections(userID string) int {
	m.clientsMutex.RLock()
	defer m.clientsMutex.RUnlock()

	if clients, exists := m.userIndex[userID]; exists {
		return len(clients)
	}
	return 0
}

// ClientCount is reported by the health endpoint.
func (m *Manager) ClientCount() int {
	m.clientsMutex.RLock()
	defer m.clientsMutex.RUnlock()
	return len(m.clients)
}
