package utils

import (
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// LogConfig - настройки логирования
type LogConfig struct {
	Level       string // debug, info, warn, error, fatal
	Format      string // json или text
	Output      string // путь к файлу, пусто = stderr
	Development bool   // stacktrace на warn, caller info
}

// Logger - обёртка над zap.Logger с доменными хелперами
//
// Каждый компонент ядра получает свой *Logger через WithComponent,
// поэтому в логах всегда видно, кто пишет (order_manager, hedger, reconciler...).
type Logger struct {
	*zap.Logger
	sugar *zap.SugaredLogger
}

var (
	globalLogger *Logger
	globalMu     sync.RWMutex
)

// InitLogger создаёт logger по конфигурации
//
// Невалидный путь Output не приводит к панике - пишем в stderr.
func InitLogger(cfg LogConfig) *Logger {
	level := parseLevel(cfg.Level)

	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.TimeKey = "ts"
	encoderCfg.MessageKey = "message"
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderCfg.EncodeDuration = zapcore.MillisDurationEncoder

	var encoder zapcore.Encoder
	if strings.EqualFold(cfg.Format, "text") || strings.EqualFold(cfg.Format, "console") {
		encoderCfg.EncodeLevel = zapcore.CapitalLevelEncoder
		encoder = zapcore.NewConsoleEncoder(encoderCfg)
	} else {
		encoder = zapcore.NewJSONEncoder(encoderCfg)
	}

	sink := zapcore.Lock(os.Stderr)
	if cfg.Output != "" {
		f, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err == nil {
			sink = zapcore.AddSync(f)
		}
	}

	core := zapcore.NewCore(encoder, sink, zap.NewAtomicLevelAt(level))

	opts := []zap.Option{zap.AddCaller()}
	if cfg.Development {
		opts = append(opts, zap.Development(), zap.AddStacktrace(zapcore.WarnLevel))
	} else {
		opts = append(opts, zap.AddStacktrace(zapcore.ErrorLevel))
	}

	zl := zap.New(core, opts...)
	return &Logger{Logger: zl, sugar: zl.Sugar()}
}

// InitGlobalLogger создаёт logger и делает его глобальным
func InitGlobalLogger(cfg LogConfig) *Logger {
	logger := InitLogger(cfg)
	SetGlobalLogger(logger)
	return logger
}

// SetGlobalLogger устанавливает глобальный logger
func SetGlobalLogger(logger *Logger) {
	globalMu.Lock()
	globalLogger = logger
	globalMu.Unlock()
}

// GetGlobalLogger возвращает глобальный logger, создавая дефолтный при необходимости
func GetGlobalLogger() *Logger {
	globalMu.RLock()
	logger := globalLogger
	globalMu.RUnlock()
	if logger != nil {
		return logger
	}

	globalMu.Lock()
	defer globalMu.Unlock()
	if globalLogger == nil {
		globalLogger = InitLogger(LogConfig{Level: "info", Format: "json"})
	}
	return globalLogger
}

// L - короткий алиас для GetGlobalLogger
func L() *Logger {
	return GetGlobalLogger()
}

// parseLevel переводит строку в zapcore.Level (по умолчанию info)
func parseLevel(level string) zapcore.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return zapcore.DebugLevel
	case "info":
		return zapcore.InfoLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	case "fatal":
		return zapcore.FatalLevel
	default:
		return zapcore.InfoLevel
	}
}

// ============================================================
// Дочерние логгеры
// ============================================================

// With возвращает новый logger с дополнительными полями
func (l *Logger) With(fields ...zap.Field) *Logger {
	child := l.Logger.With(fields...)
	return &Logger{Logger: child, sugar: child.Sugar()}
}

// WithComponent - logger компонента ядра
func (l *Logger) WithComponent(name string) *Logger {
	return l.With(Component(name))
}

// WithExchange - logger конкретной площадки
func (l *Logger) WithExchange(exchange string) *Logger {
	return l.With(Exchange(exchange))
}

// WithEventID - logger конкретного события (пары рынков)
func (l *Logger) WithEventID(eventID string) *Logger {
	return l.With(EventID(eventID))
}

// Sugar возвращает SugaredLogger для printf-стиля
func (l *Logger) Sugar() *zap.SugaredLogger {
	return l.sugar
}

// ============================================================
// Глобальные функции
// ============================================================

func Debug(msg string, fields ...zap.Field) { L().Debug(msg, fields...) }
func Info(msg string, fields ...zap.Field) { L().Info(msg, fields...) }
func Warn(msg string, fields ...zap.Field) { L().Warn(msg, fields...) }
func Error(msg string, fields ...zap.Field) { L().Error(msg, fields...) }

func Debugf(template string, args ...interface{}) { L().sugar.Debugf(template, args...) }
func Infof(template string, args ...interface{}) { L().sugar.Infof(template, args...) }
func Warnf(template string, args ...interface{}) { L().sugar.Warnf(template, args...) }
func Errorf(template string, args ...interface{}) { L().sugar.Errorf(template, args...) }

// ============================================================
// Конструкторы доменных полей
// ============================================================

func Exchange(name string) zap.Field { return zap.String("exchange", name) }
func MarketID(id string) zap.Field { return zap.String("market_id", id) }
func EventID(id string) zap.Field { return zap.String("event_id", id) }
func OrderID(id string) zap.Field { return zap.String("order_id", id) }
func RecordID(id string) zap.Field { return zap.String("record_id", id) }
func Side(side string) zap.Field { return zap.String("side", side) }
func State(state string) zap.Field { return zap.String("state", state) }
func Attempt(n int) zap.Field { return zap.Int("attempt", n) }
func Component(name string) zap.Field { return zap.String("component", name) }

// Price и Volume принимают decimal.Decimal (и всё, что умеет String)
func Price(v fmt.Stringer) zap.Field { return zap.Stringer("price", v) }
func Volume(v fmt.Stringer) zap.Field { return zap.Stringer("volume", v) }

// Latency пишет длительность в миллисекундах
func Latency(d time.Duration) zap.Field {
	return zap.Float64("latency_ms", float64(d.Microseconds())/1000)
}

// Переэкспорт базовых конструкторов zap, чтобы пакетам не нужен был прямой импорт
var (
	String  = zap.String
	Int     = zap.Int
	Int64   = zap.Int64
	Float64 = zap.Float64
	Bool    = zap.Bool
	Err     = zap.Error
	Any     = zap.Any
	Dur     = zap.Duration
)
