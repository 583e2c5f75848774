package handler

import (
	"context"
	"log"
	"net/http"
	"strings"
	"time"

	"collab-sync-server/internal/service"
	"collab-sync-server/internal/websocket"
	"collab-sync-server/pkg/jwt"
	"collab-sync-server/pkg/protocol"

	"github.com/google/uuid"
	ws "github.com/gorilla/websocket"
)

type WebSocketHandler struct {
	manager   *websocket.Manager
	jwtSecret string
	upgrader  ws.Upgrader
}

func NewWebSocketHandler(manager *websocket.Manager, jwtSecret string, bufferSize int) *WebSocketHandler {
	return &WebSocketHandler{
		manager:   manager,
		jwtSecret: jwtSecret,
		upgrader: ws.Upgrader{
			ReadBufferSize:  bufferSize,
			WriteBufferSize: bufferSize,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

func bearerToken(r *http.Request) string {
	if token := r.URL.Query().Get("access_token"); token != "" {
		return token
	}
	if token := r.URL.Query().Get("token"); token != "" {
		return token
	}
	return strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
}

func (h *WebSocketHandler) HandleConnection(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	if token == "" {
		log.Printf("[WebSocket] Missing authorization token")
		http.Error(w, "missing authorization token", http.StatusUnauthorized)
		return
	}

	claims, err := jwt.ValidateAccessToken(token, h.jwtSecret)
	if err != nil {
		log.Printf("[WebSocket] Token validation failed: %v", err)
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}

	var expiresAt time.Time
	if claims.ExpiresAt != nil {
		expiresAt = claims.ExpiresAt.Time
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[WebSocket] Failed to upgrade connection: %v", err)
		return
	}

	client := websocket.NewClient(uuid.New().String(), claims.UserID, claims.Role, expiresAt, conn, h.manager)

	select {
	case h.manager.Register <- client:
	case <-h.manager.Done():
		conn.Close()
		return
	}

	go client.WritePump()
	go client.ReadPump()
}

// CollabMessageHandler hands socket traffic to the collab room service.
type CollabMessageHandler struct {
	collab *service.CollabService
}

func NewCollabMessageHandler(collab *service.CollabService) *CollabMessageHandler {
	return &CollabMessageHandler{
		collab: collab,
	}
}

func connectionOf(client *websocket.Client) service.CollabConnection {
	return service.CollabConnection{
		ID:        client.ID,
		UserID:    client.UserID,
		Role:      client.Role,
		ExpiresAt: client.ExpiresAt,
	}
}

func (h *CollabMessageHandler) HandleCollabMessage(client *websocket.Client, msg *protocol.ClientMessage) {
	h.collab.HandleMessage(context.Background(), connectionOf(client), msg)
}

func (h *CollabMessageHandler) HandleDisconnect(client *websocket.Client) {
	h.collab.Disconnect(context.Background(), client.ID)
}
