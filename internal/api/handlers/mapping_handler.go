package handlers

import (
	"errors"
	"net/http"

	"crossarb/internal/mapping"
)

// MappingStore - таблица соответствия рынков
type MappingStore interface {
	List() []mapping.Entry
	Save(primaryMarket, secondaryMarket string, metadata map[string]interface{}) error
	Remove(primaryMarket, secondaryMarket string) (bool, error)
}

// MappingHandler управляет соответствием рынков двух площадок
//
// Endpoints:
// - GET /api/v1/mappings
// - POST /api/v1/mappings
// - DELETE /api/v1/mappings?primary=...&secondary=...
type MappingHandler struct {
	store MappingStore
}

// NewMappingHandler создает новый MappingHandler
func NewMappingHandler(store MappingStore) *MappingHandler {
	return &MappingHandler{store: store}
}

// MappingsResponse - список соответствий
type MappingsResponse struct {
	Mappings []mapping.Entry `json:"mappings"`
	Total    int             `json:"total"`
}

// GetMappings возвращает все соответствия
func (h *MappingHandler) GetMappings(w http.ResponseWriter, r *http.Request) {
	list := h.store.List()
	respondJSON(w, http.StatusOK, MappingsResponse{Mappings: list, Total: len(list)})
}

// SaveMapping добавляет или заменяет соответствие
func (h *MappingHandler) SaveMapping(w http.ResponseWriter, r *http.Request) {
	var entry mapping.Entry
	if err := decodeBody(w, r, &entry); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body", err.Error())
		return
	}

	if err := h.store.Save(entry.Primary, entry.Secondary, entry.Metadata); err != nil {
		if errors.Is(err, mapping.ErrEmptyMarketID) {
			respondError(w, http.StatusBadRequest, "Both market ids are required")
			return
		}
		respondError(w, http.StatusInternalServerError, "Failed to save mapping", err.Error())
		return
	}

	respondJSON(w, http.StatusCreated, SuccessResponse{Message: "mapping saved", Data: entry})
}

// DeleteMapping удаляет соответствие по рынку любой из сторон
func (h *MappingHandler) DeleteMapping(w http.ResponseWriter, r *http.Request) {
	primary := r.URL.Query().Get("primary")
	secondary := r.URL.Query().Get("secondary")
	if primary == "" && secondary == "" {
		respondError(w, http.StatusBadRequest, "primary or secondary query parameter is required")
		return
	}

	removed, err := h.store.Remove(primary, secondary)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "Failed to remove mapping", err.Error())
		return
	}
	if !removed {
		respondError(w, http.StatusNotFound, "Mapping not found")
		return
	}

	respondJSON(w, http.StatusOK, SuccessResponse{Message: "mapping removed"})
}
