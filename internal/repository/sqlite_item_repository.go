package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"collab-sync-server/internal/domain"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS collab_items (
	collection TEXT NOT NULL,
	id TEXT NOT NULL,
	data TEXT NOT NULL,
	updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
	PRIMARY KEY (collection, id)
);`

type sqliteItemRepository struct {
	db *sql.DB
}

// NewSQLiteItemRepository opens (or creates) the database file at path.
func NewSQLiteItemRepository(path string) (ItemRepository, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, err
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return &sqliteItemRepository{db: db}, nil
}

func (r *sqliteItemRepository) Get(ctx context.Context, collection, id string) (domain.Item, error) {
	var data string
	err := r.db.QueryRowContext(ctx,
		"SELECT data FROM collab_items WHERE collection = ? AND id = ?",
		collection, id,
	).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get item %s/%s: %w", collection, id, err)
	}
	return decodeItem([]byte(data))
}

func (r *sqliteItemRepository) List(ctx context.Context, collection string, ids []string) ([]domain.Item, error) {
	query := "SELECT data FROM collab_items WHERE collection = ?"
	args := []any{collection}
	if len(ids) > 0 {
		query += " AND id IN (" + strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",") + ")"
		for _, id := range ids {
			args = append(args, id)
		}
	}
	query += " ORDER BY id"

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list items: %w", err)
	}
	defer rows.Close()

	var items []domain.Item
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("failed to scan item: %w", err)
		}
		item, err := decodeItem([]byte(data))
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

func (r *sqliteItemRepository) FindOne(ctx context.Context, collection, field string, value string) (domain.Item, error) {
	var data string
	err := r.db.QueryRowContext(ctx,
		"SELECT data FROM collab_items WHERE collection = ? AND json_extract(data, ?) = ? LIMIT 1",
		collection, "$."+field, value,
	).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query items: %w", err)
	}
	return decodeItem([]byte(data))
}

func (r *sqliteItemRepository) Put(ctx context.Context, collection, id string, item domain.Item) error {
	data, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("failed to encode item: %w", err)
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO collab_items (collection, id, data, updated_at)
		VALUES (?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT (collection, id) DO UPDATE SET data = excluded.data, updated_at = CURRENT_TIMESTAMP`,
		collection, id, string(data),
	)
	if err != nil {
		return fmt.Errorf("failed to put item %s/%s: %w", collection, id, err)
	}
	return nil
}

func (r *sqliteItemRepository) Delete(ctx context.Context, collection, id string) error {
	result, err := r.db.ExecContext(ctx,
		"DELETE FROM collab_items WHERE collection = ? AND id = ?",
		collection, id,
	)
	if err != nil {
		return fmt.Errorf("failed to delete item %s/%s: %w", collection, id, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *sqliteItemRepository) Close() error {
	return r.db.Close()
}
