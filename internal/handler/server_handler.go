package handler

import (
	"encoding/json"
	"net/http"

	"collab-sync-server/internal/domain"
	"collab-sync-server/internal/schema"
	"collab-sync-server/internal/service"
	"collab-sync-server/pkg/response"

	"github.com/go-playground/validator/v10"
)

// ServerHandler serves deployment info, tenant settings and the public
// schema clients use to resolve relations.
type ServerHandler struct {
	settings  *service.SettingsService
	schema    *schema.Schema
	validator *validator.Validate
}

func NewServerHandler(settings *service.SettingsService, s *schema.Schema) *ServerHandler {
	return &ServerHandler{
		settings:  settings,
		schema:    s,
		validator: validator.New(),
	}
}

func (h *ServerHandler) Info(w http.ResponseWriter, r *http.Request) {
	response.Success(w, h.settings.Info())
}

func (h *ServerHandler) GetSettings(w http.ResponseWriter, r *http.Request) {
	settings, err := h.settings.Get(r.Context())
	if err != nil {
		response.InternalError(w, "Failed to read settings")
		return
	}

	response.Success(w, settings)
}

func (h *ServerHandler) UpdateSettings(w http.ResponseWriter, r *http.Request) {
	var req domain.UpdateSettingsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.BadRequest(w, "Invalid request body")
		return
	}

	if err := h.validator.Struct(req); err != nil {
		response.BadRequest(w, err.Error())
		return
	}

	settings, err := h.settings.Update(r.Context(), &req)
	if err != nil {
		response.InternalError(w, "Failed to update settings")
		return
	}

	response.Success(w, settings)
}

func (h *ServerHandler) Schema(w http.ResponseWriter, r *http.Request) {
	response.Success(w, h.schema.Public())
}
