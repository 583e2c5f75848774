package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"collab-sync-server/internal/domain"
)

type UserRepository interface {
	Create(ctx context.Context, user *domain.User) error
	FindByEmail(ctx context.Context, email string) (*domain.User, error)
	FindByID(ctx context.Context, id string) (*domain.User, error)
	FindByIDs(ctx context.Context, ids []string) ([]*domain.User, error)
	Update(ctx context.Context, user *domain.User) error
	EmailExists(ctx context.Context, email string) (bool, error)
}

// userRepository keeps users as items of the users collection, so every
// item backend stores them too.
type userRepository struct {
	items ItemRepository
}

func NewUserRepository(items ItemRepository) UserRepository {
	return &userRepository{items: items}
}

func (r *userRepository) Create(ctx context.Context, user *domain.User) error {
	item, err := userToItem(user)
	if err != nil {
		return err
	}
	if err := r.items.Put(ctx, domain.UsersCollection, user.ID, item); err != nil {
		return fmt.Errorf("failed to create user: %w", err)
	}
	return nil
}

func (r *userRepository) FindByEmail(ctx context.Context, email string) (*domain.User, error) {
	item, err := r.items.FindOne(ctx, domain.UsersCollection, "email", email)
	if err != nil {
		return nil, err
	}
	return itemToUser(item)
}

func (r *userRepository) FindByID(ctx context.Context, id string) (*domain.User, error) {
	item, err := r.items.Get(ctx, domain.UsersCollection, id)
	if err != nil {
		return nil, err
	}
	return itemToUser(item)
}

func (r *userRepository) FindByIDs(ctx context.Context, ids []string) ([]*domain.User, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	items, err := r.items.List(ctx, domain.UsersCollection, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}

	users := make([]*domain.User, 0, len(items))
	for _, item := range items {
		user, err := itemToUser(item)
		if err != nil {
			return nil, err
		}
		users = append(users, user)
	}
	return users, nil
}

func (r *userRepository) Update(ctx context.Context, user *domain.User) error {
	item, err := userToItem(user)
	if err != nil {
		return err
	}
	if err := r.items.Put(ctx, domain.UsersCollection, user.ID, item); err != nil {
		return fmt.Errorf("failed to update user: %w", err)
	}
	return nil
}

func (r *userRepository) EmailExists(ctx context.Context, email string) (bool, error) {
	_, err := r.FindByEmail(ctx, email)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func userToItem(user *domain.User) (domain.Item, error) {
	data, err := json.Marshal(user)
	if err != nil {
		return nil, fmt.Errorf("failed to encode user: %w", err)
	}
	var item domain.Item
	if err := json.Unmarshal(data, &item); err != nil {
		return nil, fmt.Errorf("failed to encode user: %w", err)
	}
	return item, nil
}

func itemToUser(item domain.Item) (*domain.User, error) {
	data, err := json.Marshal(item)
	if err != nil {
		return nil, fmt.Errorf("failed to decode user: %w", err)
	}
	var user domain.User
	if err := json.Unmarshal(data, &user); err != nil {
		return nil, fmt.Errorf("failed to decode user: %w", err)
	}
	return &user, nil
}
