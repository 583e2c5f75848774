package handler

import (
	"encoding/json"
	"net/http"

	"collab-sync-server/internal/middleware"
	"collab-sync-server/internal/schema"
	"collab-sync-server/internal/service"
	"collab-sync-server/internal/websocket"

	"github.com/gorilla/mux"
)

type RouterConfig struct {
	JWTSecret      string
	AllowedOrigins string
	AllowedMethods string
	AllowedHeaders string
	WSBufferSize   int
}

type Services struct {
	Auth     *service.AuthService
	Users    *service.UserService
	Items    *service.ItemService
	Settings *service.SettingsService
	Collab   *service.CollabService
	Manager  *websocket.Manager
	Schema   *schema.Schema
}

// NewRouter mounts the REST API under /api/v1 plus /ws and /health.
func NewRouter(cfg RouterConfig, svc Services) *mux.Router {
	authHandler := NewAuthHandler(svc.Auth)
	userHandler := NewUserHandler(svc.Users)
	itemHandler := NewItemHandler(svc.Items)
	serverHandler := NewServerHandler(svc.Settings, svc.Schema)
	wsHandler := NewWebSocketHandler(svc.Manager, cfg.JWTSecret, cfg.WSBufferSize)

	r := mux.NewRouter()

	r.Use(middleware.LoggerMiddleware())
	r.Use(middleware.CORSMiddleware(
		cfg.AllowedOrigins,
		cfg.AllowedMethods,
		cfg.AllowedHeaders,
	))

	api := r.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/auth/register", authHandler.Register).Methods("POST", "OPTIONS")
	api.HandleFunc("/auth/login", authHandler.Login).Methods("POST", "OPTIONS")
	api.HandleFunc("/auth/refresh", authHandler.Refresh).Methods("POST", "OPTIONS")
	api.HandleFunc("/auth/logout", authHandler.Logout).Methods("POST", "OPTIONS")

	api.HandleFunc("/server/info", serverHandler.Info).Methods("GET", "OPTIONS")
	api.HandleFunc("/schema", serverHandler.Schema).Methods("GET", "OPTIONS")

	protected := api.PathPrefix("").Subrouter()
	protected.Use(middleware.AuthMiddleware(cfg.JWTSecret))

	protected.HandleFunc("/users/me", userHandler.GetMe).Methods("GET", "OPTIONS")
	protected.HandleFunc("/users/me", userHandler.UpdateMe).Methods("PUT", "OPTIONS")
	protected.HandleFunc("/users/{id}", userHandler.GetUser).Methods("GET", "OPTIONS")
	protected.HandleFunc("/users", userHandler.ListUsers).Methods("GET", "OPTIONS")

	requireAdmin := middleware.RequireRole("admin")
	protected.HandleFunc("/settings", serverHandler.GetSettings).Methods("GET", "OPTIONS")
	protected.Handle("/settings", requireAdmin(http.HandlerFunc(serverHandler.UpdateSettings))).Methods("PATCH", "OPTIONS")

	protected.HandleFunc("/items/{collection}", itemHandler.CreateItem).Methods("POST", "OPTIONS")
	protected.HandleFunc("/items/{collection}/{id}", itemHandler.GetItem).Methods("GET", "OPTIONS")
	protected.HandleFunc("/items/{collection}/{id}", itemHandler.UpdateItem).Methods("PATCH", "OPTIONS")
	protected.HandleFunc("/items/{collection}/{id}", itemHandler.DeleteItem).Methods("DELETE", "OPTIONS")

	r.HandleFunc("/ws", wsHandler.HandleConnection)
	r.HandleFunc("/health", healthHandler(svc.Manager, svc.Collab)).Methods("GET")

	return r
}

func healthHandler(manager *websocket.Manager, collab *service.CollabService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]any{
			"status":      "healthy",
			"service":     "collab-sync-server",
			"connections": manager.ClientCount(),
			"rooms":       collab.RoomCount(),
		})
	}
}
