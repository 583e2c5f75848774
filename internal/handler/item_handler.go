package handler

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"collab-sync-server/internal/domain"
	"collab-sync-server/internal/middleware"
	"collab-sync-server/internal/service"
	"collab-sync-server/pkg/response"

	"github.com/gorilla/mux"
)

type ItemHandler struct {
	itemService *service.ItemService
}

func NewItemHandler(itemService *service.ItemService) *ItemHandler {
	return &ItemHandler{
		itemService: itemService,
	}
}

func accountability(r *http.Request) service.Accountability {
	return service.Accountability{
		UserID: middleware.GetUserID(r),
		Role:   middleware.GetRole(r),
	}
}

func itemRef(r *http.Request) domain.ItemRef {
	vars := mux.Vars(r)
	return domain.ItemRef{
		Collection: vars["collection"],
		ID:         vars["id"],
		Version:    r.URL.Query().Get("version"),
	}
}

// writeServiceError maps service errors onto HTTP statuses.
func writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case service.IsPermissionError(err):
		response.Forbidden(w, err.Error())
	case errors.Is(err, service.ErrItemNotFound), errors.Is(err, service.ErrUnknownCollection):
		response.NotFound(w, err.Error())
	default:
		log.Printf("[Items] %v", err)
		response.InternalError(w, "Internal server error")
	}
}

func (h *ItemHandler) GetItem(w http.ResponseWriter, r *http.Request) {
	item, err := h.itemService.Get(r.Context(), accountability(r), itemRef(r))
	if err != nil {
		writeServiceError(w, err)
		return
	}

	response.Success(w, item)
}

func (h *ItemHandler) CreateItem(w http.ResponseWriter, r *http.Request) {
	var data domain.Item
	if err := json.NewDecoder(r.Body).Decode(&data); err != nil || data == nil {
		response.BadRequest(w, "Invalid request body")
		return
	}

	item, err := h.itemService.Create(r.Context(), accountability(r), mux.Vars(r)["collection"], data)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	response.Created(w, item)
}

func (h *ItemHandler) UpdateItem(w http.ResponseWriter, r *http.Request) {
	var changes domain.Item
	if err := json.NewDecoder(r.Body).Decode(&changes); err != nil || changes == nil {
		response.BadRequest(w, "Invalid request body")
		return
	}

	item, err := h.itemService.Update(r.Context(), accountability(r), itemRef(r), changes)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	response.Success(w, item)
}

func (h *ItemHandler) DeleteItem(w http.ResponseWriter, r *http.Request) {
	if err := h.itemService.Delete(r.Context(), accountability(r), itemRef(r)); err != nil {
		writeServiceError(w, err)
		return
	}

	response.NoContent(w)
}
