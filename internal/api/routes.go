package api

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"crossarb/internal/api/handlers"
	"crossarb/internal/api/middleware"
	"crossarb/internal/service"
	"crossarb/internal/websocket"
	"crossarb/pkg/utils"
)

// Dependencies содержит все зависимости ops API
//
// Любое поле может быть nil: соответствующие маршруты не регистрируются.
type Dependencies struct {
	Notifications service.NotificationServiceInterface
	Pairs         handlers.PairService
	Mappings      handlers.MappingStore
	Pools         map[string]handlers.AccountStateSource
	Reconciler    handlers.ReconcilerStatus
	Exposure      handlers.ExposureSource
	Hub           *websocket.Hub

	TokenHash      string   // bcrypt-хеш bearer токена; пусто = без auth
	AllowedOrigins []string // CORS; пусто = любой origin
	Logger         *utils.Logger
}

// SetupRoutes настраивает все HTTP маршруты ops-сервера
//
// Структура маршрутов:
//
//	/health             - GET, liveness
//	/metrics            - GET, prometheus
//	/ws/alerts          - WebSocket поток уведомлений
//	/api/v1/            - bearer auth
//	├── GET    /accounts
//	├── GET    /reconciler
//	├── GET    /exposure
//	├── GET    /pairs
//	├── POST   /pairs
//	├── DELETE /pairs/{event_id}
//	├── GET    /mappings
//	├── POST   /mappings
//	├── DELETE /mappings
//	└── GET    /notifications
//
// Middleware: Recovery, Logging, CORS для всех маршрутов; auth только для /api/v1.
func SetupRoutes(deps *Dependencies) *mux.Router {
	if deps == nil {
		deps = &Dependencies{}
	}

	router := mux.NewRouter()

	router.Use(middleware.Recovery(deps.Logger))
	router.Use(middleware.Logging(deps.Logger))
	router.Use(middleware.CORS(deps.AllowedOrigins))

	// preflight отвечает CORS middleware; маршрут нужен, чтобы mux его не отбросил
	// Methods() здесь не подходит: он превращает любой 404 в 405
	router.MatcherFunc(func(r *http.Request, _ *mux.RouteMatch) bool {
		return r.Method == http.MethodOptions
	}).HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})

	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	}).Methods(http.MethodGet)

	router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	if deps.Hub != nil {
		router.HandleFunc("/ws/alerts", deps.Hub.ServeWS)
	}

	api := router.PathPrefix("/api/v1").Subrouter()
	api.Use(middleware.BearerAuth(deps.TokenHash))

	engineHandler := handlers.NewEngineHandler(deps.Pools, deps.Reconciler, deps.Exposure)
	api.HandleFunc("/accounts", engineHandler.GetAccounts).Methods(http.MethodGet)
	api.HandleFunc("/reconciler", engineHandler.GetReconciler).Methods(http.MethodGet)
	api.HandleFunc("/exposure", engineHandler.GetExposure).Methods(http.MethodGet)

	if deps.Pairs != nil {
		pairHandler := handlers.NewPairHandler(deps.Pairs)
		api.HandleFunc("/pairs", pairHandler.GetPairs).Methods(http.MethodGet)
		api.HandleFunc("/pairs", pairHandler.StartPair).Methods(http.MethodPost)
		api.HandleFunc("/pairs/{event_id}", pairHandler.StopPair).Methods(http.MethodDelete)
	}

	if deps.Mappings != nil {
		mappingHandler := handlers.NewMappingHandler(deps.Mappings)
		api.HandleFunc("/mappings", mappingHandler.GetMappings).Methods(http.MethodGet)
		api.HandleFunc("/mappings", mappingHandler.SaveMapping).Methods(http.MethodPost)
		api.HandleFunc("/mappings", mappingHandler.DeleteMapping).Methods(http.MethodDelete)
	}

	if deps.Notifications != nil {
		notificationHandler := handlers.NewNotificationHandler(deps.Notifications)
		api.HandleFunc("/notifications", notificationHandler.GetNotifications).Methods(http.MethodGet)
	}

	return router
}
