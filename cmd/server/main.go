package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"go.uber.org/multierr"

	"crossarb/internal/api"
	"crossarb/internal/api/handlers"
	"crossarb/internal/bot"
	"crossarb/internal/config"
	"crossarb/internal/exchange"
	"crossarb/internal/mapping"
	"crossarb/internal/models"
	"crossarb/internal/repository"
	"crossarb/internal/service"
	"crossarb/internal/websocket"
	"crossarb/pkg/utils"
)

// retentionInterval - период очистки старых уведомлений
const retentionInterval = time.Hour

// shutdownTimeout - бюджет на отмену ордеров и остановку сервера
const shutdownTimeout = 30 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		utils.L().Fatal("failed to load config", utils.Err(err))
	}

	logger := utils.InitGlobalLogger(utils.LogConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	})
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ============ Хранилище ============

	db, err := initDatabase(ctx, cfg.Database)
	if err != nil {
		logger.Fatal("failed to connect to database",
			utils.String("dsn", cfg.Database.DSNWithoutPassword()), utils.Err(err))
	}
	logger.Info("connected to database", utils.String("dsn", cfg.Database.DSNWithoutPassword()))

	if err := repository.Migrate(ctx, db); err != nil {
		logger.Fatal("failed to migrate schema", utils.Err(err))
	}
	store := repository.NewStore(db)

	// ============ Уведомления ============

	hub := websocket.NewHub(logger, cfg.Server.AllowedOrigins)
	go hub.Run()

	notifications := service.NewNotificationService(store.Notifications, logger)
	notifications.SetWebSocketHub(hub)
	go notifications.RunRetention(ctx, retentionInterval, cfg.Server.NotificationRetention)

	// ============ Площадки и аккаунты ============

	venueConfigs := []config.VenueConfig{cfg.Venues.Primary, cfg.Venues.Secondary}
	venues := make(map[string]*exchange.GenericVenue, len(venueConfigs))
	static := make(bot.StaticVenues, len(venueConfigs))
	for _, vc := range venueConfigs {
		venue, err := exchange.NewGenericVenue(genericConfig(vc, exchange.Credentials{
			APIKey:     vc.APIKey,
			SecretKey:  vc.SecretKey,
			Passphrase: vc.Passphrase,
		}))
		if err != nil {
			logger.Fatal("failed to create venue client", utils.Exchange(vc.Name), utils.Err(err))
		}
		venues[vc.Name] = venue
		static[vc.Name] = venue
	}

	accounts, err := cfg.LoadAccounts()
	if err != nil {
		logger.Fatal("failed to load accounts", utils.Err(err))
	}
	pools, schedulers := buildAccountPools(ctx, cfg, venueConfigs, accounts, logger)
	venueSource := bot.NewPooledVenues(schedulers, static)

	// ============ Ядро ============

	mapper, err := mapping.NewFileMapper(cfg.Mapping.File, cfg.Venues.Primary.Name, cfg.Venues.Secondary.Name, logger)
	if err != nil {
		logger.Fatal("failed to load market mappings", utils.Err(err))
	}
	seedStaticMappings(mapper, cfg, logger)

	risk := bot.NewRiskManager(bot.RiskConfig{
		MaxPerMarket: cfg.Risk.MaxPerMarket,
		MaxPerEvent:  cfg.Risk.MaxPerEvent,
		MaxSlippage:  cfg.Hedge.MaxSlippage,
		BalanceAsset: cfg.Risk.BalanceAsset,
	}, logger)
	positions := bot.NewPositionTracker(store, logger)
	hedger := bot.NewHedger(venueSource, store, risk, notifications, bot.HedgerConfig{
		Ratio:    cfg.Hedge.Ratio,
		SizeStep: cfg.Hedge.SizeStep,
		Strategy: bot.ParseHedgeStrategy(cfg.Hedge.Strategy),
		DryRun:   cfg.Engine.DryRun,
	}, logger)

	supervisor := bot.NewSupervisor(bot.SupervisorConfig{
		Store:     store,
		Positions: positions,
		Hedger:    hedger,
		Risk:      risk,
		Notifier:  notifications,
		Mapper:    mapper,
		Venues:    venueSource,
		Manager: bot.OrderManagerConfig{
			DryRun:               cfg.Engine.DryRun,
			DoubleLimitEnabled:   cfg.Engine.DoubleLimitEnabled,
			CancelAfter:          cfg.Engine.CancelAfter,
			CancelRetryAttempts:  cfg.Engine.CancelRetryAttempts,
			CancelRetryBase:      cfg.Engine.CancelRetryBase,
			CancelAlertThreshold: cfg.Engine.CancelAlertThreshold,
		},
		MinSpread:    cfg.Engine.MinSpread,
		DefaultSize:  cfg.Engine.OrderSize,
		EvalInterval: cfg.Engine.DecisionInterval,
		ErrorBackoff: cfg.Engine.ErrorBackoff,
	}, logger)

	reconciler := bot.NewReconciler(store, supervisor.DispatchFill, logger)
	for _, vc := range venueConfigs {
		venue := venues[vc.Name]
		if vc.WSURL != "" {
			reconciler.SubscribePush(vc.Name, venue, exchange.NormalizeFill)
		}
		reconciler.RegisterPoller(vc.Name, venue, cfg.Engine.ReconcilePollInterval)
	}
	if err := reconciler.Start(ctx); err != nil {
		logger.Fatal("failed to start reconciler", utils.Err(err))
	}

	startMappedPairs(ctx, supervisor, mapper, cfg, logger)

	// ============ Ops HTTP сервер ============

	poolSources := make(map[string]handlers.AccountStateSource, len(pools))
	for name, pool := range pools {
		poolSources[name] = pool
	}

	router := api.SetupRoutes(&api.Dependencies{
		Notifications:  notifications,
		Pairs:          supervisor,
		Mappings:       mapper,
		Pools:          poolSources,
		Reconciler:     reconciler,
		Exposure:       risk,
		Hub:            hub,
		TokenHash:      cfg.Server.TokenHash,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		Logger:         logger,
	})

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("starting ops server", utils.String("addr", server.Addr), utils.Bool("dry_run", cfg.Engine.DryRun))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("ops server failed", utils.Err(err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	// новые fill больше не принимаются
	reconciler.Stop()

	// циклы пар, отмена открытых ордеров, таймеры автоотмены
	if err := supervisor.Shutdown(shutdownCtx); err != nil {
		logger.Warn("pairs stopped with errors", utils.Err(err))
	}

	for _, pool := range pools {
		pool.Stop()
	}

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("ops server forced to shutdown", utils.Err(err))
	}
	hub.Stop()

	var closeErr error
	for _, venue := range venues {
		closeErr = multierr.Append(closeErr, venue.Close())
	}
	closeErr = multierr.Append(closeErr, db.Close())
	if closeErr != nil {
		logger.Warn("errors while closing connections", utils.Err(closeErr))
	}

	logger.Info("stopped")
}

// initDatabase открывает пул соединений postgres и проверяет его
func initDatabase(ctx context.Context, cfg config.DatabaseConfig) (*sql.DB, error) {
	db, err := sql.Open(cfg.Driver, cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return db, nil
}

// genericConfig собирает настройки клиента площадки
func genericConfig(vc config.VenueConfig, creds exchange.Credentials) exchange.GenericConfig {
	return exchange.GenericConfig{
		Name:              vc.Name,
		BaseURL:           vc.BaseURL,
		WSURL:             vc.WSURL,
		Credentials:       creds,
		RequestsPerMinute: vc.RequestsPerMinute,
		Burst:             vc.Burst,
		Endpoints: exchange.Endpoints{
			Orders:    vc.OrdersPath,
			Cancel:    vc.CancelPath,
			OrderBook: vc.OrderBookPath,
			Balances:  vc.BalancesPath,
			Trades:    vc.TradesPath,
		},
	}
}

// buildAccountPools группирует аккаунты по площадкам и запускает проверки здоровья.
// Площадка без аккаунтов обслуживается общим клиентом.
func buildAccountPools(ctx context.Context, cfg *config.Config, venueConfigs []config.VenueConfig, accounts []models.AccountCredentials, logger *utils.Logger) (map[string]*bot.AccountPool, map[string]*bot.Scheduler) {
	byVenue := make(map[string][]models.AccountCredentials)
	for _, acc := range accounts {
		byVenue[acc.Exchange] = append(byVenue[acc.Exchange], acc)
	}

	pools := make(map[string]*bot.AccountPool)
	schedulers := make(map[string]*bot.Scheduler)
	for _, vc := range venueConfigs {
		list := byVenue[vc.Name]
		delete(byVenue, vc.Name)
		if len(list) == 0 {
			continue
		}

		vc := vc
		factory := func(_ context.Context, creds models.AccountCredentials) (exchange.Venue, error) {
			return exchange.NewGenericVenue(genericConfig(vc, exchange.Credentials{
				APIKey:     creds.APIKey,
				SecretKey:  creds.SecretKey,
				Passphrase: creds.Passphrase,
			}))
		}

		pool := bot.NewAccountPool(list, factory, bot.BalanceProbe, cfg.Engine.HealthInterval, logger)
		pool.StartHealthChecks(ctx)
		pools[vc.Name] = pool
		schedulers[vc.Name] = bot.NewScheduler(pool, bot.SchedulerPolicy(cfg.Engine.SchedulerPolicy), logger)
		logger.Info("account pool ready", utils.Exchange(vc.Name), utils.Int("accounts", pool.Size()))
	}

	for venue, list := range byVenue {
		logger.Warn("accounts for unknown venue ignored", utils.Exchange(venue), utils.Int("accounts", len(list)))
	}
	return pools, schedulers
}

// seedStaticMappings добавляет пары из MARKET_MAP, которых ещё нет в файле
func seedStaticMappings(mapper *mapping.FileMapper, cfg *config.Config, logger *utils.Logger) {
	primary, secondary := mapper.Venues()
	for src, dst := range cfg.Mapping.Static {
		if _, ok := mapper.FindCounterpart(primary, secondary, src); ok {
			continue
		}
		if err := mapper.Save(src, dst, nil); err != nil {
			logger.Warn("failed to seed market mapping", utils.MarketID(src), utils.Err(err))
		}
	}
}

// startMappedPairs запускает цикл для каждой пары рынков из таблицы соответствий
func startMappedPairs(ctx context.Context, supervisor *bot.Supervisor, mapper *mapping.FileMapper, cfg *config.Config, logger *utils.Logger) {
	primary, secondary := mapper.Venues()
	entries := mapper.List()
	for _, entry := range entries {
		pair := bot.PairConfig{
			EventID:         pairEventID(entry, cfg.Engine.EventID, len(entries) == 1),
			PrimaryVenue:    primary,
			SecondaryVenue:  secondary,
			PrimaryMarket:   entry.Primary,
			SecondaryMarket: entry.Secondary,
		}
		if err := supervisor.StartPair(ctx, pair); err != nil {
			logger.Error("failed to start pair", utils.EventID(pair.EventID), utils.Err(err))
		}
	}
}

// pairEventID: metadata.event_id, затем EVENT_ID (только для единственной пары), затем рынок основной площадки
func pairEventID(entry mapping.Entry, configured string, single bool) string {
	if id, ok := entry.Metadata["event_id"].(string); ok && id != "" {
		return id
	}
	if single && configured != "" {
		return configured
	}
	return entry.Primary
}
