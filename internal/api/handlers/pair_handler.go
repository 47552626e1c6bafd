package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"crossarb/internal/bot"
)

// PairService - управление торговыми циклами пар
type PairService interface {
	StartPair(ctx context.Context, cfg bot.PairConfig) error
	StopPair(ctx context.Context, eventID, reason string) error
	Pairs() []bot.PairStatus
}

// PairHandler управляет парами событий
//
// Endpoints:
// - GET /api/v1/pairs - запущенные пары
// - POST /api/v1/pairs - запустить пару
// - DELETE /api/v1/pairs/{event_id}?reason=... - остановить пару и снять её ордера
type PairHandler struct {
	pairs PairService
}

// NewPairHandler создает новый PairHandler
func NewPairHandler(pairs PairService) *PairHandler {
	return &PairHandler{pairs: pairs}
}

// PairsResponse - список запущенных пар
type PairsResponse struct {
	Pairs []bot.PairStatus `json:"pairs"`
	Total int              `json:"total"`
}

// GetPairs возвращает запущенные пары
//
// GET /api/v1/pairs
func (h *PairHandler) GetPairs(w http.ResponseWriter, r *http.Request) {
	pairs := h.pairs.Pairs()
	if pairs == nil {
		pairs = []bot.PairStatus{}
	}
	respondJSON(w, http.StatusOK, PairsResponse{Pairs: pairs, Total: len(pairs)})
}

// StartPair запускает цикл пары
//
// POST /api/v1/pairs
//
// HTTP коды:
// - 201 Created: пара запущена
// - 400 Bad Request: неверное тело или параметры пары
// - 500 Internal Server Error: пару не удалось поднять
func (h *PairHandler) StartPair(w http.ResponseWriter, r *http.Request) {
	var cfg bot.PairConfig
	if err := decodeBody(w, r, &cfg); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body", err.Error())
		return
	}

	// цикл пары живёт дольше запроса
	if err := h.pairs.StartPair(context.WithoutCancel(r.Context()), cfg); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, bot.ErrValidation) || errors.Is(err, bot.ErrUnknownVenue) || errors.Is(err, bot.ErrRoutingNotSet) {
			status = http.StatusBadRequest
		}
		respondError(w, status, "Failed to start pair", err.Error())
		return
	}

	respondJSON(w, http.StatusCreated, SuccessResponse{Message: "pair started", Data: cfg})
}

// StopPair останавливает пару
//
// DELETE /api/v1/pairs/{event_id}
func (h *PairHandler) StopPair(w http.ResponseWriter, r *http.Request) {
	eventID := mux.Vars(r)["event_id"]
	reason := strings.TrimSpace(r.URL.Query().Get("reason"))
	if reason == "" {
		reason = "manual"
	}

	if err := h.pairs.StopPair(r.Context(), eventID, reason); err != nil {
		if errors.Is(err, bot.ErrPairNotFound) {
			respondError(w, http.StatusNotFound, "Pair not found", eventID)
			return
		}
		respondError(w, http.StatusInternalServerError, "Failed to stop pair", err.Error())
		return
	}

	respondJSON(w, http.StatusOK, SuccessResponse{Message: "pair stopped"})
}
