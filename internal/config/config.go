package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"

	"crossarb/pkg/crypto"
)

// Config содержит всю конфигурацию процесса
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Security SecurityConfig
	Engine   EngineConfig
	Risk     RiskConfig
	Hedge    HedgeConfig
	Venues   VenuesConfig
	Accounts AccountsConfig
	Mapping  MappingConfig
	Logging  LoggingConfig
}

// ServerConfig - ops HTTP сервер (health, metrics, статус, алерты)
type ServerConfig struct {
	Port         int
	Host         string
	TokenHash    string // bcrypt хеш bearer-токена; пусто = без авторизации
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	AllowedOrigins        []string // Origin для /ws/alerts; пусто = любой
	NotificationRetention time.Duration
}

// DatabaseConfig - настройки подключения к БД
type DatabaseConfig struct {
	Driver          string
	Host            string
	Port            int
	Name            string
	User            string
	Password        string
	SSLMode         string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// SecurityConfig - ключ расшифровки секретов аккаунтов
type SecurityConfig struct {
	EncryptionKey string
}

// EngineConfig - параметры ядра исполнения
type EngineConfig struct {
	EventID            string // событие по умолчанию для пары рынков
	DryRun             bool
	DoubleLimitEnabled bool

	CancelAfter          time.Duration // автоотмена неисполненного лимита, 0 = выкл
	CancelRetryAttempts  int
	CancelRetryBase      time.Duration
	CancelAlertThreshold int

	SchedulerPolicy       string
	HealthInterval        time.Duration
	ReconcilePollInterval time.Duration

	DecisionInterval time.Duration // пауза между итерациями цикла пары
	ErrorBackoff     time.Duration // пауза после ошибки в цикле пары
	MinSpread        decimal.Decimal
	OrderSize        decimal.Decimal
}

// RiskConfig - лимиты экспозиции
type RiskConfig struct {
	MaxPerMarket decimal.Decimal
	MaxPerEvent  decimal.Decimal
	BalanceAsset string
}

// HedgeConfig - параметры хеджера
type HedgeConfig struct {
	Ratio       decimal.Decimal
	MaxSlippage decimal.Decimal
	Strategy    string
	SizeStep    decimal.Decimal // доля исходного размера, на которую уменьшается нога
}

// VenuesConfig - две площадки арбитража
type VenuesConfig struct {
	Primary   VenueConfig
	Secondary VenueConfig
}

// VenueConfig - подключение к одной площадке
type VenueConfig struct {
	Name              string
	BaseURL           string
	WSURL             string
	APIKey            string
	SecretKey         string
	Passphrase        string
	RequestsPerMinute int
	Burst             int

	OrdersPath    string
	CancelPath    string
	OrderBookPath string
	BalancesPath  string
	TradesPath    string
}

// AccountsConfig - файл с зашифрованными ключами аккаунтов
type AccountsConfig struct {
	File                string
	DefaultTokensPerSec float64
	DefaultBurst        int
}

// MappingConfig - соответствие рынков между площадками
type MappingConfig struct {
	File   string
	Static map[string]string // MARKET_MAP: "a=b,c=d"
}

// LoggingConfig - настройки логирования
type LoggingConfig struct {
	Level  string
	Format string
	Output string
}

// Стратегии хеджа
const (
	StrategyFull               = "FULL"
	StrategyPartialIfSafer     = "PARTIAL_IF_SAFER"
	StrategySkipIfTooExpensive = "SKIP_IF_TOO_EXPENSIVE"
)

var schedulerPolicies = map[string]bool{
	"round_robin":  true,
	"least_loaded": true,
	"random":       true,
	"weighted":     true,
}

// Load загружает конфигурацию из .env (если есть) и переменных окружения
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	return FromEnv()
}

// FromEnv собирает конфигурацию только из окружения
func FromEnv() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port:         getEnvAsInt("SERVER_PORT", 8080),
			Host:         getEnv("SERVER_HOST", "0.0.0.0"),
			TokenHash:    getEnv("SERVER_TOKEN_HASH", ""),
			ReadTimeout:  getEnvAsDuration("SERVER_READ_TIMEOUT", 15*time.Second),
			WriteTimeout: getEnvAsDuration("SERVER_WRITE_TIMEOUT", 15*time.Second),

			AllowedOrigins:        parseList(getEnv("ALLOWED_ORIGINS", "")),
			NotificationRetention: getEnvAsDuration("NOTIFICATION_RETENTION", 7*24*time.Hour),
		},
		Database: DatabaseConfig{
			Driver:          getEnv("DB_DRIVER", "postgres"),
			Host:            getEnv("DB_HOST", "localhost"),
			Port:            getEnvAsInt("DB_PORT", 5432),
			Name:            getEnv("DB_NAME", "crossarb"),
			User:            getEnv("DB_USER", "crossarb"),
			Password:        getEnv("DB_PASSWORD", ""),
			SSLMode:         getEnv("DB_SSL_MODE", "disable"),
			MaxOpenConns:    getEnvAsInt("DB_MAX_OPEN_CONNS", 20),
			MaxIdleConns:    getEnvAsInt("DB_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: getEnvAsDuration("DB_CONN_MAX_LIFETIME", 30*time.Minute),
		},
		Security: SecurityConfig{
			EncryptionKey: getEnv("ENCRYPTION_KEY", ""),
		},
		Engine: EngineConfig{
			EventID:            getEnv("EVENT_ID", ""),
			DryRun:             getEnvAsBool("DRY_RUN", true),
			DoubleLimitEnabled: getEnvAsBool("DOUBLE_LIMIT_ENABLED", false),

			CancelAfter:          getEnvAsDuration("CANCEL_UNFILLED_AFTER", 0),
			CancelRetryAttempts:  getEnvAsInt("CANCEL_RETRY_ATTEMPTS", 3),
			CancelRetryBase:      getEnvAsDuration("CANCEL_RETRY_BASE", 500*time.Millisecond),
			CancelAlertThreshold: getEnvAsInt("CANCEL_ALERT_THRESHOLD", 3),

			SchedulerPolicy:       getEnv("SCHEDULER_POLICY", "round_robin"),
			HealthInterval:        getEnvAsDuration("HEALTH_INTERVAL", 30*time.Second),
			ReconcilePollInterval: getEnvAsDuration("RECONCILE_POLL_INTERVAL", 5*time.Second),

			DecisionInterval: getEnvAsDuration("DECISION_INTERVAL", 1*time.Second),
			ErrorBackoff:     getEnvAsDuration("DECISION_ERROR_BACKOFF", 5*time.Second),
			MinSpread:        getEnvAsDecimal("MIN_SPREAD", decimal.RequireFromString("0.02")),
			OrderSize:        getEnvAsDecimal("ORDER_SIZE", decimal.NewFromInt(10)),
		},
		Risk: RiskConfig{
			MaxPerMarket: getEnvAsDecimal("RISK_MAX_PER_MARKET", decimal.NewFromInt(100)),
			MaxPerEvent:  getEnvAsDecimal("RISK_MAX_PER_EVENT", decimal.NewFromInt(250)),
			BalanceAsset: getEnv("RISK_BALANCE_ASSET", "USDC"),
		},
		Hedge: HedgeConfig{
			Ratio:       getEnvAsDecimal("HEDGE_RATIO", decimal.NewFromInt(1)),
			MaxSlippage: getEnvAsDecimal("HEDGE_MAX_SLIPPAGE", decimal.RequireFromString("0.02")),
			Strategy:    strings.ToUpper(getEnv("HEDGE_STRATEGY", StrategyFull)),
			SizeStep:    getEnvAsDecimal("HEDGE_SIZE_STEP", decimal.RequireFromString("0.1")),
		},
		Venues: VenuesConfig{
			Primary:   loadVenue("PRIMARY", "primary"),
			Secondary: loadVenue("SECONDARY", "secondary"),
		},
		Accounts: AccountsConfig{
			File:                getEnv("ACCOUNTS_FILE", ""),
			DefaultTokensPerSec: getEnvAsFloat("ACCOUNT_TOKENS_PER_SEC", 5),
			DefaultBurst:        getEnvAsInt("ACCOUNT_BURST", 10),
		},
		Mapping: MappingConfig{
			File:   getEnv("MARKET_MAPPING_FILE", "data/market_mappings.json"),
			Static: parseMarketMap(getEnv("MARKET_MAP", "")),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
			Output: getEnv("LOG_OUTPUT", ""),
		},
	}

	if err := cfg.validateSecurity(); err != nil {
		return nil, err
	}
	if err := cfg.validateRanges(); err != nil {
		return nil, err
	}
	if err := cfg.validateEngine(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadVenue(prefix, defaultName string) VenueConfig {
	return VenueConfig{
		Name:              getEnv(prefix+"_VENUE_NAME", defaultName),
		BaseURL:           getEnv(prefix+"_BASE_URL", ""),
		WSURL:             getEnv(prefix+"_WS_URL", ""),
		APIKey:            getEnv(prefix+"_API_KEY", ""),
		SecretKey:         getEnv(prefix+"_SECRET_KEY", ""),
		Passphrase:        getEnv(prefix+"_PASSPHRASE", ""),
		RequestsPerMinute: getEnvAsInt(prefix+"_REQUESTS_PER_MINUTE", 120),
		Burst:             getEnvAsInt(prefix+"_BURST", 5),

		OrdersPath:    getEnv(prefix+"_ORDERS_PATH", "/orders"),
		CancelPath:    getEnv(prefix+"_CANCEL_PATH", "/orders/{id}"),
		OrderBookPath: getEnv(prefix+"_ORDERBOOK_PATH", "/orderbook"),
		BalancesPath:  getEnv(prefix+"_BALANCES_PATH", "/balances"),
		TradesPath:    getEnv(prefix+"_TRADES_PATH", "/trades"),
	}
}

// parseMarketMap разбирает "src=dst,src2=dst2"; пары без "=" пропускаются
func parseMarketMap(raw string) map[string]string {
	out := make(map[string]string)
	for _, item := range strings.Split(raw, ",") {
		src, dst, ok := strings.Cut(strings.TrimSpace(item), "=")
		if !ok || src == "" || dst == "" {
			continue
		}
		out[strings.TrimSpace(src)] = strings.TrimSpace(dst)
	}
	return out
}

// parseList разбирает список через запятую; "*" = пустой список
func parseList(raw string) []string {
	var out []string
	for _, item := range strings.Split(raw, ",") {
		item = strings.TrimSpace(item)
		if item == "" || item == "*" {
			continue
		}
		out = append(out, item)
	}
	return out
}

// validateSecurity проверяет ключ шифрования и хеш токена
func (c *Config) validateSecurity() error {
	if c.Accounts.File != "" && c.Security.EncryptionKey == "" {
		return fmt.Errorf("ENCRYPTION_KEY is required when ACCOUNTS_FILE is set")
	}
	if c.Security.EncryptionKey != "" {
		if _, err := crypto.ParseKey(c.Security.EncryptionKey); err != nil {
			return fmt.Errorf("ENCRYPTION_KEY: %w", err)
		}
	}
	if c.Server.TokenHash != "" && !strings.HasPrefix(c.Server.TokenHash, "$2") {
		return fmt.Errorf("SERVER_TOKEN_HASH must be a bcrypt hash")
	}
	return nil
}

// validateRanges проверяет числовые диапазоны параметров
func (c *Config) validateRanges() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("SERVER_PORT must be between 1 and 65535, got %d", c.Server.Port)
	}
	if c.Database.Port < 1 || c.Database.Port > 65535 {
		return fmt.Errorf("DB_PORT must be between 1 and 65535, got %d", c.Database.Port)
	}
	if c.Database.MaxOpenConns < 1 {
		return fmt.Errorf("DB_MAX_OPEN_CONNS must be positive, got %d", c.Database.MaxOpenConns)
	}

	if c.Engine.CancelRetryAttempts < 1 || c.Engine.CancelRetryAttempts > 10 {
		return fmt.Errorf("CANCEL_RETRY_ATTEMPTS must be between 1 and 10, got %d", c.Engine.CancelRetryAttempts)
	}
	if c.Engine.CancelRetryBase <= 0 {
		return fmt.Errorf("CANCEL_RETRY_BASE must be positive, got %v", c.Engine.CancelRetryBase)
	}
	if c.Engine.CancelAlertThreshold < 1 {
		return fmt.Errorf("CANCEL_ALERT_THRESHOLD must be at least 1, got %d", c.Engine.CancelAlertThreshold)
	}
	if c.Engine.CancelAfter < 0 {
		return fmt.Errorf("CANCEL_UNFILLED_AFTER cannot be negative, got %v", c.Engine.CancelAfter)
	}
	if c.Engine.ReconcilePollInterval <= 0 {
		return fmt.Errorf("RECONCILE_POLL_INTERVAL must be positive, got %v", c.Engine.ReconcilePollInterval)
	}

	if !c.Risk.MaxPerMarket.IsPositive() || !c.Risk.MaxPerEvent.IsPositive() {
		return fmt.Errorf("RISK_MAX_PER_MARKET and RISK_MAX_PER_EVENT must be positive")
	}
	if !c.Hedge.Ratio.IsPositive() {
		return fmt.Errorf("HEDGE_RATIO must be positive, got %s", c.Hedge.Ratio)
	}
	if c.Hedge.MaxSlippage.IsNegative() {
		return fmt.Errorf("HEDGE_MAX_SLIPPAGE cannot be negative, got %s", c.Hedge.MaxSlippage)
	}
	if !c.Hedge.SizeStep.IsPositive() || c.Hedge.SizeStep.GreaterThan(decimal.NewFromInt(1)) {
		return fmt.Errorf("HEDGE_SIZE_STEP must be in (0, 1], got %s", c.Hedge.SizeStep)
	}

	for _, v := range []VenueConfig{c.Venues.Primary, c.Venues.Secondary} {
		if v.RequestsPerMinute < 1 || v.Burst < 1 {
			return fmt.Errorf("venue %s: requests per minute and burst must be positive", v.Name)
		}
	}
	return nil
}

// validateEngine проверяет перечислимые параметры
func (c *Config) validateEngine() error {
	switch c.Hedge.Strategy {
	case StrategyFull, StrategyPartialIfSafer, StrategySkipIfTooExpensive:
	default:
		return fmt.Errorf("HEDGE_STRATEGY %q is not supported", c.Hedge.Strategy)
	}
	if !schedulerPolicies[c.Engine.SchedulerPolicy] {
		return fmt.Errorf("SCHEDULER_POLICY %q is not supported", c.Engine.SchedulerPolicy)
	}
	if c.Venues.Primary.Name == c.Venues.Secondary.Name {
		return fmt.Errorf("primary and secondary venue names must differ")
	}
	return nil
}

// DSN возвращает строку подключения к базе данных
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.Name, d.SSLMode)
}

// DSNWithoutPassword - строка подключения для логов
func (d DatabaseConfig) DSNWithoutPassword() string {
	return fmt.Sprintf("host=%s port=%d user=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Name, d.SSLMode)
}

// Вспомогательные функции для чтения переменных окружения

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	value, err := strconv.Atoi(os.Getenv(key))
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsBool(key string, defaultValue bool) bool {
	value, err := strconv.ParseBool(os.Getenv(key))
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	value, err := time.ParseDuration(os.Getenv(key))
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	value, err := strconv.ParseFloat(os.Getenv(key), 64)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsDecimal(key string, defaultValue decimal.Decimal) decimal.Decimal {
	value, err := decimal.NewFromString(strings.TrimSpace(os.Getenv(key)))
	if err != nil {
		return defaultValue
	}
	return value
}
