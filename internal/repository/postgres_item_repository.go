package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"collab-sync-server/internal/domain"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS collab_items (
	collection TEXT NOT NULL,
	id TEXT NOT NULL,
	data JSONB NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (collection, id)
)`

type postgresItemRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresItemRepository connects to url and creates the items table
// when missing.
func NewPostgresItemRepository(ctx context.Context, url string) (ItemRepository, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("unable to connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to reach database: %w", err)
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return &postgresItemRepository{pool: pool}, nil
}

func (r *postgresItemRepository) Get(ctx context.Context, collection, id string) (domain.Item, error) {
	var data []byte
	err := r.pool.QueryRow(ctx,
		"SELECT data FROM collab_items WHERE collection = $1 AND id = $2",
		collection, id,
	).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get item %s/%s: %w", collection, id, err)
	}
	return decodeItem(data)
}

func (r *postgresItemRepository) List(ctx context.Context, collection string, ids []string) ([]domain.Item, error) {
	var (
		rows pgx.Rows
		err  error
	)
	if len(ids) == 0 {
		rows, err = r.pool.Query(ctx,
			"SELECT data FROM collab_items WHERE collection = $1 ORDER BY id",
			collection,
		)
	} else {
		rows, err = r.pool.Query(ctx,
			"SELECT data FROM collab_items WHERE collection = $1 AND id = ANY($2) ORDER BY id",
			collection, ids,
		)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list items: %w", err)
	}
	return collectItems(rows)
}

func (r *postgresItemRepository) FindOne(ctx context.Context, collection, field string, value string) (domain.Item, error) {
	var data []byte
	err := r.pool.QueryRow(ctx,
		"SELECT data FROM collab_items WHERE collection = $1 AND data->>$2 = $3 LIMIT 1",
		collection, field, value,
	).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query items: %w", err)
	}
	return decodeItem(data)
}

func (r *postgresItemRepository) Put(ctx context.Context, collection, id string, item domain.Item) error {
	data, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("failed to encode item: %w", err)
	}

	_, err = r.pool.Exec(ctx, `
		INSERT INTO collab_items (collection, id, data, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (collection, id) DO UPDATE SET data = EXCLUDED.data, updated_at = now()`,
		collection, id, data,
	)
	if err != nil {
		return fmt.Errorf("failed to put item %s/%s: %w", collection, id, err)
	}
	return nil
}

func (r *postgresItemRepository) Delete(ctx context.Context, collection, id string) error {
	tag, err := r.pool.Exec(ctx,
		"DELETE FROM collab_items WHERE collection = $1 AND id = $2",
		collection, id,
	)
	if err != nil {
		return fmt.Errorf("failed to delete item %s/%s: %w", collection, id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *postgresItemRepository) Close() error {
	r.pool.Close()
	return nil
}

func collectItems(rows pgx.Rows) ([]domain.Item, error) {
	defer rows.Close()

	var items []domain.Item
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("failed to scan item: %w", err)
		}
		item, err := decodeItem(data)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read items: %w", err)
	}
	return items, nil
}

func decodeItem(data []byte) (domain.Item, error) {
	var item domain.Item
	if err := json.Unmarshal(data, &item); err != nil {
		return nil, fmt.Errorf("failed to decode item: %w", err)
	}
	return item, nil
}
