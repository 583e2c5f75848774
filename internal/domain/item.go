package domain

import (
	"fmt"
	"time"
)

// Item is one record of a collection, shaped as decoded JSON.
type Item map[string]any

// VersionsCollection holds content version deltas, keyed by VersionID.
const VersionsCollection = "versions"

func VersionID(collection, item, key string) string {
	return fmt.Sprintf("%s:%s:%s", collection, item, key)
}

// Version is a named set of pending changes on top of an item.
type Version struct {
	Collection string    `json:"collection"`
	Item       string    `json:"item"`
	Key        string    `json:"key"`
	Delta      Item      `json:"delta"`
	UpdatedBy  string    `json:"updated_by"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// ItemRef addresses an item or one of its content versions.
type ItemRef struct {
	Collection string
	ID         string
	Version    string
}

func (r ItemRef) String() string {
	if r.Version == "" {
		return fmt.Sprintf("%s/%s", r.Collection, r.ID)
	}
	return fmt.Sprintf("%s/%s@%s", r.Collection, r.ID, r.Version)
}
