package bot

import (
	"context"
	"fmt"
	"time"

	"crossarb/internal/exchange"
	"crossarb/pkg/retry"
	"crossarb/pkg/utils"
)

// Scheduler назначает аккаунт задаче: политика пула + TokenBucket аккаунта
//
// Assign не блокируется. Если у выбранного аккаунта кончились токены,
// он возвращается в пул, а вызывающий повторяет позже.
type Scheduler struct {
	pool   *AccountPool
	policy SchedulerPolicy
	logger *utils.Logger
}

// NewScheduler создаёт планировщик над пулом
func NewScheduler(pool *AccountPool, policy SchedulerPolicy, logger *utils.Logger) *Scheduler {
	if logger == nil {
		logger = utils.L()
	}
	if policy == "" {
		policy = PolicyRoundRobin
	}
	return &Scheduler{
		pool:   pool,
		policy: policy,
		logger: logger.WithComponent("scheduler"),
	}
}

// Pool - пул аккаунтов планировщика
func (s *Scheduler) Pool() *AccountPool {
	return s.pool
}

// Assign возвращает воркер с зарезервированным токеном или nil
func (s *Scheduler) Assign() *AccountWorker {
	w := s.pool.AcquireWorker(s.policy)
	if w == nil {
		s.logger.Warn("no healthy accounts available", utils.String("policy", string(s.policy)))
		return nil
	}

	if !w.Limiter.TryAcquire(1) {
		s.pool.ReleaseWorker(w)
		LimiterRejections.WithLabelValues(w.Exchange()).Inc()
		s.logger.Debug("account rate limited", utils.String("account_id", w.ID()))
		return nil
	}
	return w
}

// Release возвращает воркер в пул
func (s *Scheduler) Release(w *AccountWorker) {
	s.pool.ReleaseWorker(w)
}

// ============================================================
// PooledVenues - клиенты площадок из пулов аккаунтов
// ============================================================

// PooledVenues выдаёт сессию аккаунта, назначенного планировщиком площадки.
// Площадки без пула обслуживаются через Fallback.
type PooledVenues struct {
	Schedulers map[string]*Scheduler
	Fallback   StaticVenues

	// AssignRetry - повторы Assign, когда все аккаунты заняты лимитером
	AssignRetry retry.Config
}

// NewPooledVenues создаёт источник с повторами назначения по умолчанию
func NewPooledVenues(schedulers map[string]*Scheduler, fallback StaticVenues) *PooledVenues {
	return &PooledVenues{
		Schedulers: schedulers,
		Fallback:   fallback,
		AssignRetry: retry.Config{
			MaxRetries:   5,
			InitialDelay: 50 * time.Millisecond,
			MaxDelay:     time.Second,
			Multiplier:   2.0,
			RetryIf:      retry.IsRetryable,
		},
	}
}

// Acquire назначает аккаунт и возвращает его сессию
func (p *PooledVenues) Acquire(ctx context.Context, venue string) (exchange.Venue, func(), error) {
	scheduler, ok := p.Schedulers[venue]
	if !ok {
		return p.Fallback.Acquire(ctx, venue)
	}

	worker, err := retry.DoWithResult(ctx, func() (*AccountWorker, error) {
		if w := scheduler.Assign(); w != nil {
			return w, nil
		}
		return nil, retry.Temporary(fmt.Errorf("%w: %s", ErrNoAvailableAccount, venue))
	}, p.AssignRetry)
	if err != nil {
		return nil, nil, err
	}

	session, err := scheduler.Pool().EnsureSession(ctx, worker)
	if err != nil {
		scheduler.Release(worker)
		return nil, nil, err
	}
	return session, func() { scheduler.Release(worker) }, nil
}
