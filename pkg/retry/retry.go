package retry

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"sync"
	"time"
)

// Config конфигурация повторных попыток
//
// Экспоненциальный backoff:
// delay = min(InitialDelay * Multiplier^attempt, MaxDelay) ± jitter
type Config struct {
	// MaxRetries - количество попыток, включая первую (минимум 1)
	MaxRetries int

	// InitialDelay - задержка перед второй попыткой
	InitialDelay time.Duration

	// MaxDelay - потолок задержки
	MaxDelay time.Duration

	// Multiplier - рост задержки после каждой попытки (по умолчанию 2)
	Multiplier float64

	// JitterFactor - доля случайной вариации задержки (0.0 - 1.0)
	JitterFactor float64

	// RetryIf - нужно ли повторять эту ошибку. nil = повторять всё
	RetryIf func(error) bool

	// OnRetry вызывается перед ожиданием очередной попытки
	OnRetry func(attempt int, err error, delay time.Duration)
}

// CancelConfig - отмена встречного ордера double-limit
//
// Без jitter: задержки base, 2*base, 4*base...
func CancelConfig(attempts int, base time.Duration) Config {
	return Config{
		MaxRetries:   attempts,
		InitialDelay: base,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
		RetryIf:      RetryIfNotContext,
	}
}

// VenueConfig - REST запросы к площадке (429 и 5xx)
func VenueConfig() Config {
	return Config{
		MaxRetries:   3,
		InitialDelay: 200 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		Multiplier:   2.0,
		JitterFactor: 0.1,
		RetryIf:      IsRetryable,
	}
}

// validate выставляет значения по умолчанию
func (c *Config) validate() {
	if c.MaxRetries < 1 {
		c.MaxRetries = 1
	}
	if c.InitialDelay <= 0 {
		c.InitialDelay = 100 * time.Millisecond
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 30 * time.Second
	}
	if c.Multiplier <= 0 {
		c.Multiplier = 2.0
	}
	if c.JitterFactor < 0 {
		c.JitterFactor = 0
	}
	if c.JitterFactor > 1 {
		c.JitterFactor = 1
	}
}

// calculateDelay вычисляет задержку после попытки attempt (с нуля)
func (c *Config) calculateDelay(attempt int) time.Duration {
	delay := float64(c.InitialDelay) * math.Pow(c.Multiplier, float64(attempt))
	if delay > float64(c.MaxDelay) {
		delay = float64(c.MaxDelay)
	}

	if c.JitterFactor > 0 {
		delay += delay * c.JitterFactor * (rand.Float64()*2 - 1)
	}
	if delay < 0 {
		delay = 0
	}
	return time.Duration(delay)
}

// Do выполняет операцию с повторными попытками
//
// Возвращает nil при успехе или последнюю ошибку, когда попытки
// исчерпаны, RetryIf отказал или контекст отменён во время ожидания.
//
//	err := retry.Do(ctx, func() error {
//	    return venue.CancelOrder(ctx, orderID)
//	}, retry.CancelConfig(3, 500*time.Millisecond))
func Do(ctx context.Context, operation func() error, cfg Config) error {
	_, err := DoWithResult(ctx, func() (struct{}, error) {
		return struct{}{}, operation()
	}, cfg)
	return err
}

// DoWithResult - Do для операций, возвращающих значение
func DoWithResult[T any](ctx context.Context, operation func() (T, error), cfg Config) (T, error) {
	cfg.validate()

	var zero T
	var lastErr error

	for attempt := 0; attempt < cfg.MaxRetries; attempt++ {
		select {
		case <-ctx.Done():
			if lastErr != nil {
				return zero, lastErr
			}
			return zero, ctx.Err()
		default:
		}

		result, err := operation()
		if err == nil {
			return result, nil
		}
		lastErr = err

		if cfg.RetryIf != nil && !cfg.RetryIf(err) {
			return zero, err
		}
		if attempt >= cfg.MaxRetries-1 {
			break
		}

		delay := cfg.calculateDelay(attempt)
		if cfg.OnRetry != nil {
			cfg.OnRetry(attempt+1, err, delay)
		}

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return zero, lastErr
		}
	}

	return zero, lastErr
}

// ============================================================
// Классификация ошибок
// ============================================================

// RetryableError - ошибка, знающая, можно ли её повторять
type RetryableError interface {
	error
	Retryable() bool
}

// IsRetryable проверяет можно ли повторять ошибку
//
// RetryableError решает сам; ошибки контекста не повторяются;
// всё остальное повторяется.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var retryable RetryableError
	if errors.As(err, &retryable) {
		return retryable.Retryable()
	}
	return RetryIfNotContext(err)
}

// RetryIfNotContext не повторяет ошибки контекста (cancel, timeout)
func RetryIfNotContext(err error) bool {
	return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}

// PermanentError - ошибка, которую не нужно повторять
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string   { return e.Err.Error() }
func (e *PermanentError) Unwrap() error   { return e.Err }
func (e *PermanentError) Retryable() bool { return false }

// Permanent оборачивает ошибку в PermanentError
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// TemporaryError - ошибка, которую нужно повторить
type TemporaryError struct {
	Err error
}

func (e *TemporaryError) Error() string   { return e.Err.Error() }
func (e *TemporaryError) Unwrap() error   { return e.Err }
func (e *TemporaryError) Retryable() bool { return true }

// Temporary оборачивает ошибку в TemporaryError
func Temporary(err error) error {
	if err == nil {
		return nil
	}
	return &TemporaryError{Err: err}
}

// ============================================================
// Backoff - задержка циклов опроса
// ============================================================

// Backoff удваивает задержку после ошибки до Max и сбрасывает
// её к Base после успеха. Безопасен для конкурентного использования.
type Backoff struct {
	Base time.Duration
	Max  time.Duration

	mu      sync.Mutex
	current time.Duration
}

// NewBackoff создаёт Backoff с потолком base * maxFactor
func NewBackoff(base time.Duration, maxFactor int) *Backoff {
	if maxFactor < 1 {
		maxFactor = 1
	}
	return &Backoff{Base: base, Max: base * time.Duration(maxFactor), current: base}
}

// Current возвращает текущую задержку
func (b *Backoff) Current() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.current
}

// Failure удваивает задержку и возвращает новое значение
func (b *Backoff) Failure() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.current *= 2
	if b.current > b.Max {
		b.current = b.Max
	}
	return b.current
}

// Success сбрасывает задержку к Base
func (b *Backoff) Success() {
	b.mu.Lock()
	b.current = b.Base
	b.mu.Unlock()
}
