package apiclient

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"collab-sync-server/internal/domain"

	"github.com/go-playground/assert/v2"
)

func writeData(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]any{"success": status < 400, "data": data})
}

func fakeServer(t *testing.T, collab, setting bool) *httptest.Server {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/v1/auth/login", func(w http.ResponseWriter, r *http.Request) {
		var req domain.LoginRequest
		json.NewDecoder(r.Body).Decode(&req)
		if req.Password != "secret123" {
			w.WriteHeader(http.StatusUnauthorized)
			json.NewEncoder(w).Encode(map[string]any{"success": false, "error": "invalid credentials"})
			return
		}
		writeData(w, http.StatusOK, domain.LoginResponse{AccessToken: "tok", ExpiresIn: 900})
	})
	mux.HandleFunc("/api/v1/users/", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok" {
			w.WriteHeader(http.StatusUnauthorized)
			json.NewEncoder(w).Encode(map[string]any{"error": "unauthorized"})
			return
		}
		id := strings.TrimPrefix(r.URL.Path, "/api/v1/users/")
		writeData(w, http.StatusOK, domain.Profile{ID: id, FirstName: "Ada"})
	})
	mux.HandleFunc("/api/v1/users", func(w http.ResponseWriter, r *http.Request) {
		var out []domain.Profile
		for _, id := range strings.Split(r.URL.Query().Get("ids"), ",") {
			out = append(out, domain.Profile{ID: id})
		}
		writeData(w, http.StatusOK, out)
	})
	mux.HandleFunc("/api/v1/items/articles/1", func(w http.ResponseWriter, r *http.Request) {
		item := map[string]any{"id": "1", "title": "Hello", "version": r.URL.Query().Get("version")}
		if r.Method == http.MethodPatch {
			json.NewDecoder(r.Body).Decode(&item)
		}
		writeData(w, http.StatusOK, item)
	})
	mux.HandleFunc("/api/v1/items/articles/2", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		json.NewEncoder(w).Encode(map[string]any{"error": "no", "code": "FORBIDDEN"})
	})
	mux.HandleFunc("/api/v1/server/info", func(w http.ResponseWriter, r *http.Request) {
		writeData(w, http.StatusOK, domain.ServerInfo{Collab: collab, Version: "1.0.0"})
	})
	mux.HandleFunc("/api/v1/settings", func(w http.ResponseWriter, r *http.Request) {
		writeData(w, http.StatusOK, domain.Settings{Collab: setting})
	})
	mux.HandleFunc("/api/v1/schema", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"success":true,"data":{"collections":{
			"articles":{"primary_key":"id","fields":{"author":{"type":"string","relation":{"type":"m2o","collection":"authors"}}}},
			"authors":{"primary_key":"slug","fields":{}}}}}`))
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestClient_LoginAndUsers(t *testing.T) {
	srv := fakeServer(t, true, true)
	c := New(srv.URL + "/")
	ctx := context.Background()

	_, err := c.Login(ctx, "a@example.com", "wrong")
	var apiErr *APIError
	assert.Equal(t, true, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusUnauthorized, apiErr.Status)
	assert.Equal(t, "", c.Token())

	_, err = c.Login(ctx, "a@example.com", "secret123")
	assert.Equal(t, nil, err)
	assert.Equal(t, "tok", c.Token())

	profile, err := c.ReadUser(ctx, "u1")
	assert.Equal(t, nil, err)
	assert.Equal(t, "u1", profile.ID)
	assert.Equal(t, "Ada", profile.FirstName)

	profiles, err := c.ReadUsers(ctx, []string{"u1", "u2"})
	assert.Equal(t, nil, err)
	assert.Equal(t, 2, len(profiles))
	assert.Equal(t, "u2", profiles[1].ID)

	none, err := c.ReadUsers(ctx, nil)
	assert.Equal(t, nil, err)
	assert.Equal(t, 0, len(none))

	assert.Equal(t, "ws"+strings.TrimPrefix(srv.URL, "http")+"/ws?access_token=tok", c.WebSocketURL())
}

func TestClient_Items(t *testing.T) {
	srv := fakeServer(t, true, true)
	c := New(srv.URL)
	c.SetToken("tok")
	ctx := context.Background()

	draft := "draft"
	item, err := c.ReadItem(ctx, "articles", "1", &draft)
	assert.Equal(t, nil, err)
	assert.Equal(t, "Hello", item["title"])
	assert.Equal(t, "draft", item["version"])

	item, err = c.UpdateItem(ctx, "articles", "1", nil, map[string]any{"title": "Changed"})
	assert.Equal(t, nil, err)
	assert.Equal(t, "Changed", item["title"])

	_, err = c.ReadItem(ctx, "articles", "2", nil)
	var apiErr *APIError
	assert.Equal(t, true, errors.As(err, &apiErr))
	assert.Equal(t, "FORBIDDEN", apiErr.Code)
}

func TestClient_CollabEnabled(t *testing.T) {
	tests := []struct {
		name    string
		collab  bool
		setting bool
		expect  bool
	}{
		{name: "both on", collab: true, setting: true, expect: true},
		{name: "capability off", collab: false, setting: true, expect: false},
		{name: "setting off", collab: true, setting: false, expect: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := New(fakeServer(t, tt.collab, tt.setting).URL)
			assert.Equal(t, tt.expect, c.CollabEnabled(context.Background()))
		})
	}

	unreachable := New("http://127.0.0.1:0")
	assert.Equal(t, false, unreachable.CollabEnabled(context.Background()))
}

func TestClient_ManyToOne(t *testing.T) {
	c := New(fakeServer(t, true, true).URL)

	_, ok := c.ManyToOne("articles", "author")
	assert.Equal(t, false, ok)

	assert.Equal(t, nil, c.Rehydrate(context.Background()))

	pk, ok := c.ManyToOne("articles", "author")
	assert.Equal(t, true, ok)
	assert.Equal(t, "slug", pk)

	_, ok = c.ManyToOne("articles", "title")
	assert.Equal(t, false, ok)
}
