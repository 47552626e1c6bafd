package ratelimit

import (
	"context"
	"sync"
	"time"
)

// RateLimiter - ограничитель частоты исходящих запросов к площадке
//
// Алгоритм:
// - не больше burst запросов «в полёте» (слоты)
// - между двумя запросами не меньше interval = 60s / requestsPerMinute
// - занятый слот освобождается не сразу, а через interval после выдачи,
//   поэтому итоговая частота не превышает лимит даже при быстрых ответах
//
// Использование:
//
//	limiter := NewRateLimiter(120, 5) // 120 req/min, burst 5
//	if err := limiter.Acquire(ctx); err != nil {
//	    return err
//	}
//	// выполняем запрос к площадке
type RateLimiter struct {
	interval time.Duration
	burst    int
	slots    chan struct{}

	mu            sync.Mutex // сериализует выдачу, держится на время ожидания интервала
	lastRequestAt time.Time
}

// NewRateLimiter создаёт ограничитель
//
// Параметры:
//   - requestsPerMinute: устойчивая частота (минимум 1)
//   - burst: максимум одновременно занятых слотов (минимум 1)
func NewRateLimiter(requestsPerMinute, burst int) *RateLimiter {
	if requestsPerMinute < 1 {
		requestsPerMinute = 1
	}
	if burst < 1 {
		burst = 1
	}

	return &RateLimiter{
		interval: time.Minute / time.Duration(requestsPerMinute),
		burst:    burst,
		slots:    make(chan struct{}, burst),
	}
}

// Acquire блокирует до получения слота или отмены контекста
//
// Возвращает nil, когда слот зарезервирован и интервал выдержан.
// При отмене контекста слот возвращается немедленно.
func (rl *RateLimiter) Acquire(ctx context.Context) error {
	select {
	case rl.slots <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}

	rl.mu.Lock()
	wait := rl.interval - time.Since(rl.lastRequestAt)
	if wait > 0 {
		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			rl.mu.Unlock()
			<-rl.slots
			return ctx.Err()
		}
	}
	rl.lastRequestAt = time.Now()
	rl.mu.Unlock()

	rl.releaseLater()
	return nil
}

// TryAcquire - неблокирующий вариант для планировщиков
//
// Возвращает false, если все слоты заняты или интервал ещё не прошёл.
func (rl *RateLimiter) TryAcquire() bool {
	select {
	case rl.slots <- struct{}{}:
	default:
		return false
	}

	if !rl.mu.TryLock() {
		<-rl.slots
		return false
	}
	if time.Since(rl.lastRequestAt) < rl.interval {
		rl.mu.Unlock()
		<-rl.slots
		return false
	}
	rl.lastRequestAt = time.Now()
	rl.mu.Unlock()

	rl.releaseLater()
	return true
}

// releaseLater возвращает слот через один интервал
func (rl *RateLimiter) releaseLater() {
	time.AfterFunc(rl.interval, func() { <-rl.slots })
}

// Interval возвращает минимальный промежуток между запросами
func (rl *RateLimiter) Interval() time.Duration {
	return rl.interval
}

// Burst возвращает количество слотов
func (rl *RateLimiter) Burst() int {
	return rl.burst
}

// InFlight возвращает число занятых слотов (для мониторинга)
func (rl *RateLimiter) InFlight() int {
	return len(rl.slots)
}
