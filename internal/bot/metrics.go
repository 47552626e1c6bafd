package bot

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ============================================================
// Prometheus метрики торгового ядра
// ============================================================
//
// Экспортируются на /metrics ops-сервера (promhttp).

// ============ Fills ============

// FillsReceived - fill, пришедшие из push/poll источников (до дедупликации)
var FillsReceived = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "arbitrage",
		Subsystem: "reconciler",
		Name:      "fills_received_total",
		Help:      "Fills received from venue feeds before deduplication",
	},
	[]string{"source"}, // push, poll
)

// FillsProcessed - уникальные fill, переданные в обработку
var FillsProcessed = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "arbitrage",
		Subsystem: "reconciler",
		Name:      "fills_processed_total",
		Help:      "Unique fills dispatched downstream",
	},
	[]string{"source"},
)

// FillDuplicates - отброшенные дубликаты
var FillDuplicates = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "arbitrage",
		Subsystem: "trading",
		Name:      "fill_duplicates_total",
		Help:      "Duplicate fills dropped",
	},
	[]string{"stage"}, // reconciler, order_manager
)

// FillsUnrouted - fill, которые не принял ни один менеджер пары
var FillsUnrouted = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "arbitrage",
		Subsystem: "trading",
		Name:      "fills_unrouted_total",
		Help:      "Fills no pair manager could handle",
	},
	[]string{"reason"}, // unmanaged_market, manager_closed
)

// ============ Ордера и отмены ============

// OrdersPlaced - выставленные лимитные ордера
var OrdersPlaced = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "arbitrage",
		Subsystem: "trading",
		Name:      "orders_placed_total",
		Help:      "Limit orders placed",
	},
	[]string{"exchange", "mode"}, // mode: live, dry_run
)

// OrderPlacementLatency - время выставления ордера на площадке
var OrderPlacementLatency = promauto.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "arbitrage",
		Subsystem: "trading",
		Name:      "order_placement_latency_ms",
		Help:      "Time to place a limit order on a venue in milliseconds",
		Buckets:   []float64{50, 100, 200, 300, 500, 1000, 2000, 5000},
	},
	[]string{"exchange"},
)

// CancelAttempts - попытки отмены встречного ордера
var CancelAttempts = promauto.NewCounter(
	prometheus.CounterOpts{
		Namespace: "arbitrage",
		Subsystem: "trading",
		Name:      "cancel_attempts_total",
		Help:      "Counterpart cancel attempts",
	},
)

// CancelFailures - исчерпанные серии попыток отмены
var CancelFailures = promauto.NewCounter(
	prometheus.CounterOpts{
		Namespace: "arbitrage",
		Subsystem: "trading",
		Name:      "cancel_failures_total",
		Help:      "Cancel retry sequences that exhausted all attempts",
	},
)

// FSMTransitions - переходы машины состояний ордера
var FSMTransitions = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "arbitrage",
		Subsystem: "trading",
		Name:      "order_state_transitions_total",
		Help:      "Order state machine transitions",
	},
	[]string{"from", "to"},
)

// ============ Хедж ============

// HedgesTotal - результаты хеджа
var HedgesTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "arbitrage",
		Subsystem: "hedger",
		Name:      "hedges_total",
		Help:      "Hedge executions by result",
	},
	[]string{"result"}, // success, failed, skipped
)

// HedgeSlippage - оценка проскальзывания исполненных ног
var HedgeSlippage = promauto.NewHistogram(
	prometheus.HistogramOpts{
		Namespace: "arbitrage",
		Subsystem: "hedger",
		Name:      "leg_slippage",
		Help:      "Estimated slippage of executed hedge legs in price units",
		Buckets:   []float64{0, 0.001, 0.0025, 0.005, 0.01, 0.02, 0.05, 0.1},
	},
)

// ============ Риск и аккаунты ============

// ExposureGauge - зарезервированная экспозиция по событию
var ExposureGauge = promauto.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: "arbitrage",
		Subsystem: "risk",
		Name:      "exposure",
		Help:      "Tracked outstanding exposure per event",
	},
	[]string{"event_id"},
)

// WorkerHealthy - здоровье воркеров пула аккаунтов (1/0)
var WorkerHealthy = promauto.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: "arbitrage",
		Subsystem: "accounts",
		Name:      "worker_healthy",
		Help:      "Account worker health flag",
	},
	[]string{"account_id", "exchange"},
)

// LimiterRejections - назначения, отклонённые лимитером аккаунта
var LimiterRejections = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "arbitrage",
		Subsystem: "accounts",
		Name:      "limiter_rejections_total",
		Help:      "Scheduler assignments rejected by the account token bucket",
	},
	[]string{"exchange"},
)

// ActivePairs - количество работающих пар
var ActivePairs = promauto.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "arbitrage",
		Subsystem: "trading",
		Name:      "active_pairs",
		Help:      "Number of running pair loops",
	},
)
