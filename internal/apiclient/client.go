// Package apiclient talks to the REST API of the collab server. A Client
// also serves a collab.Session as its user directory, feature flags and
// relation lookup.
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"collab-sync-server/internal/collab"
	"collab-sync-server/internal/domain"
	"collab-sync-server/internal/schema"
)

// APIError is a non-2xx answer from the server.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error %d (%s): %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("api error %d: %s", e.Status, e.Message)
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
	Code    string          `json:"code"`
}

type Client struct {
	baseURL string
	http    *http.Client

	mu       sync.RWMutex
	token    string
	info     *domain.ServerInfo
	settings *domain.Settings
	schema   *schema.Schema
}

// New returns a client for the server at baseURL, e.g.
// http://localhost:8080.
func New(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 15 * time.Second},
	}
}

func (c *Client) SetToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = token
}

func (c *Client) Token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

// WebSocketURL is the socket endpoint with the access token attached.
func (c *Client) WebSocketURL() string {
	u := c.baseURL
	switch {
	case strings.HasPrefix(u, "https://"):
		u = "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		u = "ws://" + strings.TrimPrefix(u, "http://")
	}
	return u + "/ws?access_token=" + url.QueryEscape(c.Token())
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+"/api/v1"+path, reader)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token := c.Token(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNoContent {
		return nil
	}

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return fmt.Errorf("failed to decode response of %s %s: %w", method, path, err)
	}
	if resp.StatusCode >= 400 {
		return &APIError{Status: resp.StatusCode, Code: env.Code, Message: env.Error}
	}
	if out == nil || len(env.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("failed to decode data of %s %s: %w", method, path, err)
	}
	return nil
}

// Login authenticates and keeps the access token for later calls.
func (c *Client) Login(ctx context.Context, email, password string) (*domain.LoginResponse, error) {
	var resp domain.LoginResponse
	err := c.do(ctx, http.MethodPost, "/auth/login", domain.LoginRequest{Email: email, Password: password}, &resp)
	if err != nil {
		return nil, err
	}
	c.SetToken(resp.AccessToken)
	return &resp, nil
}

func (c *Client) ReadUser(ctx context.Context, id string) (*collab.UserProfile, error) {
	var profile collab.UserProfile
	if err := c.do(ctx, http.MethodGet, "/users/"+url.PathEscape(id), nil, &profile); err != nil {
		return nil, err
	}
	return &profile, nil
}

func (c *Client) ReadUsers(ctx context.Context, ids []string) ([]collab.UserProfile, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var profiles []collab.UserProfile
	if err := c.do(ctx, http.MethodGet, "/users?ids="+url.QueryEscape(strings.Join(ids, ",")), nil, &profiles); err != nil {
		return nil, err
	}
	return profiles, nil
}

func itemPath(collection, id string, version *string) string {
	path := "/items/" + url.PathEscape(collection) + "/" + url.PathEscape(id)
	if version != nil && *version != "" {
		path += "?version=" + url.QueryEscape(*version)
	}
	return path
}

func (c *Client) ReadItem(ctx context.Context, collection, id string, version *string) (map[string]any, error) {
	var item map[string]any
	if err := c.do(ctx, http.MethodGet, itemPath(collection, id, version), nil, &item); err != nil {
		return nil, err
	}
	return item, nil
}

func (c *Client) UpdateItem(ctx context.Context, collection, id string, version *string, changes map[string]any) (map[string]any, error) {
	var item map[string]any
	if err := c.do(ctx, http.MethodPatch, itemPath(collection, id, version), changes, &item); err != nil {
		return nil, err
	}
	return item, nil
}

// Rehydrate reloads the server capability, the tenant settings and the
// schema.
func (c *Client) Rehydrate(ctx context.Context) error {
	var info domain.ServerInfo
	if err := c.do(ctx, http.MethodGet, "/server/info", nil, &info); err != nil {
		return err
	}
	var settings domain.Settings
	if err := c.do(ctx, http.MethodGet, "/settings", nil, &settings); err != nil {
		return err
	}
	var s schema.Schema
	if err := c.do(ctx, http.MethodGet, "/schema", nil, &s); err != nil {
		return err
	}

	c.mu.Lock()
	c.info = &info
	c.settings = &settings
	c.schema = &s
	c.mu.Unlock()
	return nil
}

// CollabEnabled reports the cached capability and setting, loading them
// on first use. Any failure reads as disabled.
func (c *Client) CollabEnabled(ctx context.Context) bool {
	c.mu.RLock()
	info, settings := c.info, c.settings
	c.mu.RUnlock()

	if info == nil || settings == nil {
		if err := c.Rehydrate(ctx); err != nil {
			return false
		}
		c.mu.RLock()
		info, settings = c.info, c.settings
		c.mu.RUnlock()
	}
	return info.Collab && settings.Collab
}

// ManyToOne answers from the schema loaded by Rehydrate. Before that no
// field is relational.
func (c *Client) ManyToOne(collection, field string) (string, bool) {
	c.mu.RLock()
	s := c.schema
	c.mu.RUnlock()
	if s == nil {
		return "", false
	}
	return s.ManyToOne(collection, field)
}

var (
	_ collab.UserDirectory  = (*Client)(nil)
	_ collab.FeatureFlags   = (*Client)(nil)
	_ collab.RelationLookup = (*Client)(nil)
)
