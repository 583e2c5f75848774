package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"collab-sync-server/internal/domain"
	"collab-sync-server/internal/repository"
	"collab-sync-server/internal/schema"

	"github.com/google/uuid"
)

// CollabNotifier is told about saves and deletes so open rooms can
// reconcile.
type CollabNotifier interface {
	NotifySave(ctx context.Context, ref domain.ItemRef, saved domain.Item)
	NotifyDelete(ctx context.Context, collection, id string)
}

type ItemService struct {
	items    repository.ItemRepository
	schema   *schema.Schema
	perms    *PermissionService
	notifier CollabNotifier
}

func NewItemService(items repository.ItemRepository, s *schema.Schema, perms *PermissionService) *ItemService {
	return &ItemService{
		items:  items,
		schema: s,
		perms:  perms,
	}
}

// SetNotifier wires the collab service after both are built.
func (s *ItemService) SetNotifier(n CollabNotifier) {
	s.notifier = n
}

func (s *ItemService) collection(name string) (*schema.Collection, error) {
	c, ok := s.schema.Collection(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCollection, name)
	}
	return c, nil
}

// Get reads an item, merged with its content version when ref names one,
// and filtered to the fields the caller may read.
func (s *ItemService) Get(ctx context.Context, acc Accountability, ref domain.ItemRef) (domain.Item, error) {
	if _, err := s.collection(ref.Collection); err != nil {
		return nil, err
	}
	if !s.perms.CanRead(acc.Role, ref.Collection) {
		return nil, &PermissionError{Action: "read", Collection: ref.Collection}
	}

	item, err := s.load(ctx, ref)
	if err != nil {
		return nil, err
	}
	return s.perms.FilterItem(acc.Role, ref.Collection, item), nil
}

func (s *ItemService) load(ctx context.Context, ref domain.ItemRef) (domain.Item, error) {
	item, err := s.items.Get(ctx, ref.Collection, ref.ID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrItemNotFound
	}
	if err != nil {
		return nil, err
	}
	if ref.Version == "" {
		return item, nil
	}

	delta, err := s.versionDelta(ctx, ref)
	if err != nil {
		return nil, err
	}
	for field, value := range delta {
		item[field] = value
	}
	return item, nil
}

func (s *ItemService) versionDelta(ctx context.Context, ref domain.ItemRef) (domain.Item, error) {
	version, err := s.items.Get(ctx, domain.VersionsCollection, domain.VersionID(ref.Collection, ref.ID, ref.Version))
	if errors.Is(err, repository.ErrNotFound) {
		return domain.Item{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load version %s: %w", ref, err)
	}
	delta, _ := version["delta"].(map[string]any)
	return domain.Item(delta), nil
}

func (s *ItemService) Create(ctx context.Context, acc Accountability, collection string, data domain.Item) (domain.Item, error) {
	c, err := s.collection(collection)
	if err != nil {
		return nil, err
	}
	for field := range data {
		if field == c.PrimaryKey {
			continue
		}
		if !s.perms.CanCreateField(acc.Role, collection, field) {
			return nil, &PermissionError{Action: "create", Collection: collection, Field: field}
		}
	}

	id, _ := data[c.PrimaryKey].(string)
	if id == "" {
		id = uuid.New().String()
	}

	item := make(domain.Item, len(data)+1)
	for field, value := range data {
		item[field] = value
	}
	item[c.PrimaryKey] = id

	if _, err := s.items.Get(ctx, collection, id); err == nil {
		return nil, fmt.Errorf("item %s/%s already exists", collection, id)
	}
	if err := s.items.Put(ctx, collection, id, item); err != nil {
		return nil, err
	}
	return s.perms.FilterItem(acc.Role, collection, item), nil
}

// Update applies changes to the item, or to the version delta when ref
// names a version, then tells open rooms about the save.
func (s *ItemService) Update(ctx context.Context, acc Accountability, ref domain.ItemRef, changes domain.Item) (domain.Item, error) {
	c, err := s.collection(ref.Collection)
	if err != nil {
		return nil, err
	}
	for field := range changes {
		if field == c.PrimaryKey {
			return nil, fmt.Errorf("primary key %s cannot be changed", field)
		}
		if !s.perms.CanUpdateField(acc.Role, ref.Collection, field) {
			return nil, &PermissionError{Action: "update", Collection: ref.Collection, Field: field}
		}
	}

	item, err := s.items.Get(ctx, ref.Collection, ref.ID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrItemNotFound
	}
	if err != nil {
		return nil, err
	}

	if ref.Version == "" {
		for field, value := range changes {
			item[field] = value
		}
		if err := s.items.Put(ctx, ref.Collection, ref.ID, item); err != nil {
			return nil, err
		}
	} else {
		delta, err := s.versionDelta(ctx, ref)
		if err != nil {
			return nil, err
		}
		for field, value := range changes {
			delta[field] = value
		}
		version := domain.Item{
			"collection": ref.Collection,
			"item":       ref.ID,
			"key":        ref.Version,
			"delta":      map[string]any(delta),
			"updated_by": acc.UserID,
			"updated_at": time.Now(),
		}
		if err := s.items.Put(ctx, domain.VersionsCollection, domain.VersionID(ref.Collection, ref.ID, ref.Version), version); err != nil {
			return nil, err
		}
		for field, value := range delta {
			item[field] = value
		}
	}

	if s.notifier != nil {
		s.notifier.NotifySave(ctx, ref, item)
	}
	return s.perms.FilterItem(acc.Role, ref.Collection, item), nil
}

// Delete removes the item, or only the version when ref names one.
func (s *ItemService) Delete(ctx context.Context, acc Accountability, ref domain.ItemRef) error {
	if _, err := s.collection(ref.Collection); err != nil {
		return err
	}
	if !s.perms.CanDelete(acc.Role, ref.Collection) {
		return &PermissionError{Action: "delete", Collection: ref.Collection}
	}

	if ref.Version != "" {
		err := s.items.Delete(ctx, domain.VersionsCollection, domain.VersionID(ref.Collection, ref.ID, ref.Version))
		if errors.Is(err, repository.ErrNotFound) {
			return ErrItemNotFound
		}
		return err
	}

	err := s.items.Delete(ctx, ref.Collection, ref.ID)
	if errors.Is(err, repository.ErrNotFound) {
		return ErrItemNotFound
	}
	if err != nil {
		return err
	}
	if s.notifier != nil {
		s.notifier.NotifyDelete(ctx, ref.Collection, ref.ID)
	}
	return nil
}
