package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"collab-sync-server/internal/domain"
	"collab-sync-server/internal/repository"
)

// ServerVersion is reported by /server/info.
const ServerVersion = "1.0.0"

// SettingsService owns the tenant settings record. The record is cached
// after the first read; Update refreshes the cache.
type SettingsService struct {
	items      repository.ItemRepository
	capability bool

	mu     sync.Mutex
	cached *domain.Settings
}

// NewSettingsService takes the deployment capability: when false, collab
// stays off whatever the settings say.
func NewSettingsService(items repository.ItemRepository, collabCapability bool) *SettingsService {
	return &SettingsService{
		items:      items,
		capability: collabCapability,
	}
}

func (s *SettingsService) Info() domain.ServerInfo {
	return domain.ServerInfo{
		Collab:  s.capability,
		Version: ServerVersion,
	}
}

func (s *SettingsService) Get(ctx context.Context) (*domain.Settings, error) {
	s.mu.Lock()
	cached := s.cached
	s.mu.Unlock()
	if cached != nil {
		copied := *cached
		return &copied, nil
	}

	settings, err := s.load(ctx)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.cached = settings
	s.mu.Unlock()

	copied := *settings
	return &copied, nil
}

func (s *SettingsService) load(ctx context.Context) (*domain.Settings, error) {
	item, err := s.items.Get(ctx, domain.SettingsCollection, domain.SettingsID)
	if errors.Is(err, repository.ErrNotFound) {
		return &domain.Settings{Collab: true}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load settings: %w", err)
	}

	data, err := json.Marshal(item)
	if err != nil {
		return nil, fmt.Errorf("failed to decode settings: %w", err)
	}
	var settings domain.Settings
	if err := json.Unmarshal(data, &settings); err != nil {
		return nil, fmt.Errorf("failed to decode settings: %w", err)
	}
	return &settings, nil
}

func (s *SettingsService) Update(ctx context.Context, req *domain.UpdateSettingsRequest) (*domain.Settings, error) {
	settings, err := s.Get(ctx)
	if err != nil {
		return nil, err
	}

	if req.ProjectName != nil {
		settings.ProjectName = *req.ProjectName
	}
	if req.Collab != nil {
		settings.Collab = *req.Collab
	}
	settings.UpdatedAt = time.Now()

	item := domain.Item{
		"project_name": settings.ProjectName,
		"collab":       settings.Collab,
		"updated_at":   settings.UpdatedAt,
	}
	if err := s.items.Put(ctx, domain.SettingsCollection, domain.SettingsID, item); err != nil {
		return nil, fmt.Errorf("failed to save settings: %w", err)
	}

	s.mu.Lock()
	s.cached = settings
	s.mu.Unlock()

	copied := *settings
	return &copied, nil
}

// CollabEnabled combines the deployment capability with the tenant
// setting. A settings read failure disables collab.
func (s *SettingsService) CollabEnabled(ctx context.Context) bool {
	if !s.capability {
		return false
	}
	settings, err := s.Get(ctx)
	if err != nil {
		return false
	}
	return settings.Collab
}
