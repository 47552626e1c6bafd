package ratelimit

import (
	"context"
	"errors"
	"time"

	"golang.org/x/time/rate"
)

// ErrExceedsCapacity - запрошено больше токенов, чем вмещает ведро
var ErrExceedsCapacity = errors.New("request exceeds bucket capacity")

// TokenBucket - ведро токенов аккаунта (пополнение tokensPerSec, ёмкость burst)
//
// Планировщик использует неблокирующий TryAcquire: если токенов нет,
// аккаунт возвращается в пул, а задача переназначается позже.
type TokenBucket struct {
	limiter *rate.Limiter
	burst   int
}

// NewTokenBucket создаёт ведро, изначально полное
func NewTokenBucket(tokensPerSec float64, burst int) *TokenBucket {
	if tokensPerSec <= 0 {
		tokensPerSec = 0.0001
	}
	if burst < 1 {
		burst = 1
	}
	return &TokenBucket{
		limiter: rate.NewLimiter(rate.Limit(tokensPerSec), burst),
		burst:   burst,
	}
}

// Acquire ждёт n токенов или отмены контекста
func (b *TokenBucket) Acquire(ctx context.Context, n int) error {
	if n > b.burst {
		return ErrExceedsCapacity
	}
	return b.limiter.WaitN(ctx, n)
}

// TryAcquire забирает n токенов, если они есть прямо сейчас
func (b *TokenBucket) TryAcquire(n int) bool {
	return b.limiter.AllowN(time.Now(), n)
}

// Tokens возвращает текущее количество токенов
func (b *TokenBucket) Tokens() float64 {
	return b.limiter.Tokens()
}

// Rate возвращает скорость пополнения (токенов/сек)
func (b *TokenBucket) Rate() float64 {
	return float64(b.limiter.Limit())
}

// Burst возвращает ёмкость ведра
func (b *TokenBucket) Burst() int {
	return b.burst
}
