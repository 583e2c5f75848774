package repository

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"collab-sync-server/internal/domain"

	"github.com/go-kivik/kivik/v4"
)

type couchItemDoc struct {
	ID         string      `json:"_id"`
	Rev        string      `json:"_rev,omitempty"`
	Collection string      `json:"collection"`
	ItemID     string      `json:"item_id"`
	Data       domain.Item `json:"data"`
	UpdatedAt  time.Time   `json:"updated_at"`
}

type couchItemRepository struct {
	client *kivik.Client
	dbName string
}

func NewCouchItemRepository(client *kivik.Client, dbName string) ItemRepository {
	return &couchItemRepository{
		client: client,
		dbName: dbName,
	}
}

func couchDocID(collection, id string) string {
	return fmt.Sprintf("item:%s:%s", collection, id)
}

func (r *couchItemRepository) Get(ctx context.Context, collection, id string) (domain.Item, error) {
	db := r.client.DB(r.dbName)

	var doc couchItemDoc
	if err := db.Get(ctx, couchDocID(collection, id)).ScanDoc(&doc); err != nil {
		if kivik.HTTPStatus(err) == http.StatusNotFound {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get item %s/%s: %w", collection, id, err)
	}
	return doc.Data, nil
}

func (r *couchItemRepository) List(ctx context.Context, collection string, ids []string) ([]domain.Item, error) {
	selector := map[string]interface{}{
		"collection": collection,
	}
	if len(ids) > 0 {
		selector["item_id"] = map[string]interface{}{"$in": ids}
	}
	return r.find(ctx, map[string]interface{}{"selector": selector})
}

func (r *couchItemRepository) FindOne(ctx context.Context, collection, field string, value string) (domain.Item, error) {
	items, err := r.find(ctx, map[string]interface{}{
		"selector": map[string]interface{}{
			"collection":    collection,
			"data." + field: value,
		},
		"limit": 1,
	})
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, ErrNotFound
	}
	return items[0], nil
}

func (r *couchItemRepository) find(ctx context.Context, query map[string]interface{}) ([]domain.Item, error) {
	db := r.client.DB(r.dbName)

	rows := db.Find(ctx, query)
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to query items: %w", err)
	}
	defer rows.Close()

	var items []domain.Item
	for rows.Next() {
		var doc couchItemDoc
		if err := rows.ScanDoc(&doc); err != nil {
			continue
		}
		items = append(items, doc.Data)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read items: %w", err)
	}
	return items, nil
}

func (r *couchItemRepository) Put(ctx context.Context, collection, id string, item domain.Item) error {
	db := r.client.DB(r.dbName)
	docID := couchDocID(collection, id)

	rev, err := db.GetRev(ctx, docID)
	if err != nil && kivik.HTTPStatus(err) != http.StatusNotFound {
		return fmt.Errorf("failed to fetch revision of %s/%s: %w", collection, id, err)
	}

	doc := couchItemDoc{
		ID:         docID,
		Rev:        rev,
		Collection: collection,
		ItemID:     id,
		Data:       item,
		UpdatedAt:  time.Now(),
	}
	if _, err := db.Put(ctx, docID, doc); err != nil {
		return fmt.Errorf("failed to put item %s/%s: %w", collection, id, err)
	}
	return nil
}

func (r *couchItemRepository) Delete(ctx context.Context, collection, id string) error {
	db := r.client.DB(r.dbName)
	docID := couchDocID(collection, id)

	rev, err := db.GetRev(ctx, docID)
	if err != nil {
		if kivik.HTTPStatus(err) == http.StatusNotFound {
			return ErrNotFound
		}
		return fmt.Errorf("failed to fetch revision of %s/%s: %w", collection, id, err)
	}

	if _, err := db.Delete(ctx, docID, rev); err != nil {
		return fmt.Errorf("failed to delete item %s/%s: %w", collection, id, err)
	}
	return nil
}

func (r *couchItemRepository) Close() error {
	return r.client.Close()
}

// EnsureCouchDatabase creates the database when it does not exist yet.
func EnsureCouchDatabase(ctx context.Context, client *kivik.Client, dbName string) (created bool, err error) {
	exists, err := client.DBExists(ctx, dbName)
	if err != nil {
		return false, fmt.Errorf("failed to check database existence: %w", err)
	}
	if exists {
		return false, nil
	}
	if err := client.CreateDB(ctx, dbName); err != nil {
		return false, fmt.Errorf("failed to create database: %w", err)
	}
	return true, nil
}
