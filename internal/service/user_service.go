package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"collab-sync-server/internal/domain"
	"collab-sync-server/internal/repository"
)

type UserService struct {
	userRepo repository.UserRepository
}

func NewUserService(userRepo repository.UserRepository) *UserService {
	return &UserService{
		userRepo: userRepo,
	}
}

func (s *UserService) GetByID(ctx context.Context, id string) (*domain.User, error) {
	user, err := s.userRepo.FindByID(ctx, id)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read user: %w", err)
	}

	user.Password = ""
	return user, nil
}

// Profile returns the public part of a user record.
func (s *UserService) Profile(ctx context.Context, id string) (*domain.Profile, error) {
	user, err := s.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	profile := user.Profile()
	return &profile, nil
}

// Profiles returns the public records of ids, in the order of ids.
// Unknown ids are skipped.
func (s *UserService) Profiles(ctx context.Context, ids []string) ([]domain.Profile, error) {
	users, err := s.userRepo.FindByIDs(ctx, ids)
	if err != nil {
		return nil, err
	}

	byID := make(map[string]*domain.User, len(users))
	for _, u := range users {
		byID[u.ID] = u
	}

	profiles := make([]domain.Profile, 0, len(users))
	for _, id := range ids {
		if u, ok := byID[id]; ok {
			profiles = append(profiles, u.Profile())
			delete(byID, id)
		}
	}
	return profiles, nil
}

func (s *UserService) Update(ctx context.Context, userID string, req *domain.UpdateUserRequest) (*domain.User, error) {
	user, err := s.userRepo.FindByID(ctx, userID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read user: %w", err)
	}

	if req.FirstName != nil {
		user.FirstName = *req.FirstName
	}
	if req.LastName != nil {
		user.LastName = *req.LastName
	}
	if req.Avatar != nil {
		user.Avatar = *req.Avatar
	}
	user.UpdatedAt = time.Now()

	if err := s.userRepo.Update(ctx, user); err != nil {
		return nil, fmt.Errorf("failed to update user: %w", err)
	}

	user.Password = ""
	return user, nil
}
