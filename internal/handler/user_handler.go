package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"collab-sync-server/internal/domain"
	"collab-sync-server/internal/middleware"
	"collab-sync-server/internal/service"
	"collab-sync-server/pkg/response"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
)

type UserHandler struct {
	userService *service.UserService
	validator   *validator.Validate
}

func NewUserHandler(userService *service.UserService) *UserHandler {
	return &UserHandler{
		userService: userService,
		validator:   validator.New(),
	}
}

func (h *UserHandler) GetMe(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r)
	if userID == "" {
		response.Unauthorized(w, "Unauthorized")
		return
	}

	user, err := h.userService.GetByID(r.Context(), userID)
	if err != nil {
		response.NotFound(w, "User not found")
		return
	}

	response.Success(w, user)
}

func (h *UserHandler) UpdateMe(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r)
	if userID == "" {
		response.Unauthorized(w, "Unauthorized")
		return
	}

	var req domain.UpdateUserRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.BadRequest(w, "Invalid request body")
		return
	}

	if err := h.validator.Struct(req); err != nil {
		response.BadRequest(w, err.Error())
		return
	}

	user, err := h.userService.Update(r.Context(), userID, &req)
	if errors.Is(err, service.ErrUserNotFound) {
		response.NotFound(w, "User not found")
		return
	}
	if err != nil {
		response.InternalError(w, "Failed to update user")
		return
	}

	response.Success(w, user)
}

// GetUser returns the public profile of another user.
func (h *UserHandler) GetUser(w http.ResponseWriter, r *http.Request) {
	profile, err := h.userService.Profile(r.Context(), mux.Vars(r)["id"])
	if errors.Is(err, service.ErrUserNotFound) {
		response.NotFound(w, "User not found")
		return
	}
	if err != nil {
		response.InternalError(w, "Failed to read user")
		return
	}

	response.Success(w, profile)
}

// ListUsers returns the profiles named by ?ids=a,b in that order.
func (h *UserHandler) ListUsers(w http.ResponseWriter, r *http.Request) {
	var ids []string
	for _, id := range strings.Split(r.URL.Query().Get("ids"), ",") {
		if id = strings.TrimSpace(id); id != "" {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		response.BadRequest(w, "ids is required")
		return
	}

	profiles, err := h.userService.Profiles(r.Context(), ids)
	if err != nil {
		response.InternalError(w, "Failed to read users")
		return
	}

	response.Success(w, profiles)
}
