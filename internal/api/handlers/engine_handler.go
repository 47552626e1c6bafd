package handlers

import (
	"net/http"
	"sort"

	"github.com/shopspring/decimal"

	"crossarb/internal/bot"
	"crossarb/internal/models"
)

// AccountStateSource - снимок состояния пула аккаунтов площадки
type AccountStateSource interface {
	ExportState() []models.AccountState
}

// ReconcilerStatus - счётчики сверки fill
type ReconcilerStatus interface {
	Metrics() bot.ReconcilerMetrics
}

// ExposureSource - текущая экспозиция по событиям
type ExposureSource interface {
	Snapshot() map[string]decimal.Decimal
}

// EngineHandler отдаёт состояние ядра
//
// Endpoints:
// - GET /api/v1/accounts - здоровье и загрузка аккаунтов по площадкам
// - GET /api/v1/reconciler - счётчики сверки fill
// - GET /api/v1/exposure - экспозиция по событиям
type EngineHandler struct {
	pools      map[string]AccountStateSource
	reconciler ReconcilerStatus
	exposure   ExposureSource
}

// NewEngineHandler создает EngineHandler; любая зависимость может быть nil
func NewEngineHandler(pools map[string]AccountStateSource, reconciler ReconcilerStatus, exposure ExposureSource) *EngineHandler {
	return &EngineHandler{
		pools:      pools,
		reconciler: reconciler,
		exposure:   exposure,
	}
}

// AccountsResponse - состояние аккаунтов по площадкам
type AccountsResponse struct {
	Venues map[string][]models.AccountState `json:"venues"`
	Total  int                              `json:"total"`
}

// GetAccounts возвращает снимок пулов аккаунтов
//
// GET /api/v1/accounts
func (h *EngineHandler) GetAccounts(w http.ResponseWriter, r *http.Request) {
	resp := AccountsResponse{Venues: make(map[string][]models.AccountState, len(h.pools))}
	for venue, pool := range h.pools {
		state := pool.ExportState()
		sort.Slice(state, func(i, j int) bool { return state[i].AccountID < state[j].AccountID })
		resp.Venues[venue] = state
		resp.Total += len(state)
	}
	respondJSON(w, http.StatusOK, resp)
}

// GetReconciler возвращает счётчики сверки
//
// GET /api/v1/reconciler
func (h *EngineHandler) GetReconciler(w http.ResponseWriter, r *http.Request) {
	if h.reconciler == nil {
		respondError(w, http.StatusServiceUnavailable, "Reconciler is not running")
		return
	}
	respondJSON(w, http.StatusOK, h.reconciler.Metrics())
}

// GetExposure возвращает экспозицию по событиям
//
// GET /api/v1/exposure
func (h *EngineHandler) GetExposure(w http.ResponseWriter, r *http.Request) {
	out := make(map[string]string)
	if h.exposure != nil {
		for event, size := range h.exposure.Snapshot() {
			out[event] = size.String()
		}
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"exposure": out})
}
