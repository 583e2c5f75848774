package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"collab-sync-server/internal/config"
	"collab-sync-server/internal/handler"
	"collab-sync-server/internal/repository"
	"collab-sync-server/internal/schema"
	"collab-sync-server/internal/service"
	"collab-sync-server/internal/websocket"
	"collab-sync-server/pkg/hash"

	_ "github.com/go-kivik/kivik/v4/couchdb"

	"github.com/go-kivik/kivik/v4"
	"github.com/redis/go-redis/v9"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	appSchema, err := schema.Load(cfg.Schema.Path)
	if err != nil {
		log.Fatalf("Failed to load schema: %v", err)
	}

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	items, err := openItemStore(ctx, cfg.Store)
	if err != nil {
		log.Fatalf("Failed to open %s store: %v", cfg.Store.Driver, err)
	}
	defer items.Close()

	rooms, err := openRoomStore(ctx, cfg.Redis)
	if err != nil {
		log.Fatalf("Failed to connect to Redis: %v", err)
	}

	userRepo := repository.NewUserRepository(items)

	permissions := service.NewPermissionService(appSchema)
	authService := service.NewAuthService(userRepo, hash.NewHasher(cfg.Auth.HashCost), cfg.Auth.DefaultRole,
		cfg.JWT.Secret, cfg.JWT.Expiration, cfg.JWT.RefreshTokenExpiration)
	userService := service.NewUserService(userRepo)
	settingsService := service.NewSettingsService(items, cfg.Collab.Enabled)
	itemService := service.NewItemService(items, appSchema, permissions)

	wsManager := websocket.NewManager(websocket.Options{
		MaxConnPerUser: cfg.WebSocket.MaxConnPerUser,
		SendBuffer:     cfg.WebSocket.SendBuffer,
		MaxMessageSize: cfg.WebSocket.MaxMessageSize,
		WriteWait:      cfg.WebSocket.WriteWait,
		PongWait:       cfg.WebSocket.PongWait,
		PingPeriod:     cfg.WebSocket.PingPeriod,
		Debug:          cfg.Logging.Debug(),
	})

	collabService := service.NewCollabService(service.CollabOptions{
		Store:        rooms,
		Permissions:  permissions,
		Schema:       appSchema,
		Flags:        settingsService,
		Sender:       wsManager,
		PingInterval: cfg.Collab.PingInterval,
		PongTimeout:  cfg.Collab.PongTimeout,
		Debug:        cfg.Logging.Debug(),
	})
	itemService.SetNotifier(collabService)
	wsManager.SetMessageHandler(handler.NewCollabMessageHandler(collabService))

	go wsManager.Run(ctx)
	if err := collabService.Start(ctx); err != nil {
		log.Fatalf("Failed to start collab service: %v", err)
	}

	r := handler.NewRouter(handler.RouterConfig{
		JWTSecret:      cfg.JWT.Secret,
		AllowedOrigins: cfg.CORS.AllowedOrigins,
		AllowedMethods: cfg.CORS.AllowedMethods,
		AllowedHeaders: cfg.CORS.AllowedHeaders,
		WSBufferSize:   cfg.WebSocket.BufferSize,
	}, handler.Services{
		Auth:     authService,
		Users:    userService,
		Items:    itemService,
		Settings: settingsService,
		Collab:   collabService,
		Manager:  wsManager,
		Schema:   appSchema,
	})

	addr := fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.Port)

	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("Starting collab sync server on %s (env: %s, store: %s)", addr, cfg.Server.Env, cfg.Store.Driver)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed to start: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("Server forced to shutdown: %v", err)
	}

	log.Println("Server stopped gracefully")
}

func openItemStore(ctx context.Context, cfg config.StoreConfig) (repository.ItemRepository, error) {
	switch cfg.Driver {
	case config.StorePostgres:
		return repository.NewPostgresItemRepository(ctx, cfg.PostgresURL)

	case config.StoreSQLite:
		return repository.NewSQLiteItemRepository(cfg.SQLitePath)

	default:
		client, err := kivik.New("couch", cfg.CouchURL)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to CouchDB: %w", err)
		}
		created, err := repository.EnsureCouchDatabase(ctx, client, cfg.CouchDatabase)
		if err != nil {
			return nil, err
		}
		if created {
			log.Printf("Created database: %s", cfg.CouchDatabase)
		}
		return repository.NewCouchItemRepository(client, cfg.CouchDatabase), nil
	}
}

func openRoomStore(ctx context.Context, cfg config.RedisConfig) (repository.RoomStore, error) {
	if cfg.Addr == "" {
		log.Printf("[Collab] REDIS_ADDR not set, keeping room state in memory")
		return repository.NewMemoryRoomStore(), nil
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, err
	}
	log.Printf("[Collab] room state in Redis at %s", cfg.Addr)
	return repository.NewRedisRoomStore(rdb), nil
}
