package repository

import (
	"context"
	"errors"

	"collab-sync-server/internal/domain"
)

var ErrNotFound = errors.New("not found")

// ItemRepository stores items as JSON documents addressed by
// (collection, id). Every backend behaves the same: Get and Delete
// return ErrNotFound for a missing item, Put creates or replaces.
type ItemRepository interface {
	Get(ctx context.Context, collection, id string) (domain.Item, error)
	// List returns the items with the given ids, or the whole collection
	// when ids is empty. Missing ids are skipped.
	List(ctx context.Context, collection string, ids []string) ([]domain.Item, error)
	// FindOne returns the first item whose top-level field equals value.
	FindOne(ctx context.Context, collection, field string, value string) (domain.Item, error)
	Put(ctx context.Context, collection, id string, item domain.Item) error
	Delete(ctx context.Context, collection, id string) error
	Close() error
}
