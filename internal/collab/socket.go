package collab

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"collab-sync-server/pkg/protocol"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/singleflight"
)

const (
	writeWait      = 10 * time.Second
	maxMessageSize = 512 * 1024
)

var ErrNotConnected = errors.New("socket not connected")

// WSSocket is a gorilla websocket connection shared by every session of
// the process. Concurrent Connect calls collapse into a single dial.
type WSSocket struct {
	url    string
	header http.Header
	dialer *websocket.Dialer

	group singleflight.Group

	mu        sync.Mutex
	conn      *websocket.Conn
	listeners map[int]Listener
	nextID    int

	writeMu sync.Mutex
}

func NewSocket(url string, header http.Header) *WSSocket {
	return &WSSocket{
		url:       url,
		header:    header,
		dialer:    websocket.DefaultDialer,
		listeners: make(map[int]Listener),
	}
}

var (
	sharedOnce   sync.Once
	sharedSocket *WSSocket
)

// Shared returns the process-wide socket. The url and header of the first
// call win.
func Shared(url string, header http.Header) *WSSocket {
	sharedOnce.Do(func() {
		sharedSocket = NewSocket(url, header)
	})
	return sharedSocket
}

func (s *WSSocket) Connect(ctx context.Context) error {
	if s.isOpen() {
		return ErrAlreadyOpen
	}

	_, err, _ := s.group.Do("connect", func() (any, error) {
		if s.isOpen() {
			return nil, nil
		}
		return nil, s.dial(ctx)
	})
	return err
}

func (s *WSSocket) dial(ctx context.Context) error {
	conn, _, err := s.dialer.DialContext(ctx, s.url, s.header)
	if err != nil {
		return fmt.Errorf("failed to dial %s: %w", s.url, err)
	}
	conn.SetReadLimit(maxMessageSize)

	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()

	log.Printf("[Collab] connected to %s", s.url)

	for _, l := range s.snapshot() {
		l.OnOpen()
	}
	go s.readLoop(conn)
	return nil
}

func (s *WSSocket) readLoop(conn *websocket.Conn) {
	defer func() {
		s.mu.Lock()
		if s.conn == conn {
			s.conn = nil
		}
		s.mu.Unlock()
		conn.Close()

		for _, l := range s.snapshot() {
			l.OnClose()
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("[Collab] read error: %v", err)
			}
			return
		}

		msg, ok, err := protocol.DecodeServerMessage(data)
		if err != nil {
			log.Printf("[Collab] %v", err)
			continue
		}
		if !ok {
			continue
		}
		for _, l := range s.snapshot() {
			l.OnMessage(msg)
		}
	}
}

// Disconnect closes the connection. Listeners see OnClose once the read
// loop exits.
func (s *WSSocket) Disconnect() {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return
	}

	s.writeMu.Lock()
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	s.writeMu.Unlock()
	conn.Close()
}

func (s *WSSocket) Send(msg *protocol.ClientMessage) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(msg); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	return nil
}

func (s *WSSocket) Subscribe(l Listener) func() {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = l
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.listeners, id)
		s.mu.Unlock()
	}
}

func (s *WSSocket) isOpen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn != nil
}

func (s *WSSocket) snapshot() []Listener {
	s.mu.Lock()
	defer s.mu.Unlock()
	listeners := make([]Listener, 0, len(s.listeners))
	for i := 0; i < s.nextID; i++ {
		if l, ok := s.listeners[i]; ok {
			listeners = append(listeners, l)
		}
	}
	return listeners
}
