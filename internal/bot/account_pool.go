package bot

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"crossarb/internal/exchange"
	"crossarb/internal/models"
	"crossarb/pkg/ratelimit"
	"crossarb/pkg/utils"
)

// SchedulerPolicy - политика выбора аккаунта
type SchedulerPolicy string

const (
	PolicyRoundRobin  SchedulerPolicy = "round_robin"
	PolicyLeastLoaded SchedulerPolicy = "least_loaded"
	PolicyRandom      SchedulerPolicy = "random"
	PolicyWeighted    SchedulerPolicy = "weighted"
)

// MinHealthInterval - нижняя граница периода проверки здоровья
const MinHealthInterval = 10 * time.Second

// SessionFactory создаёт клиент площадки для аккаунта
type SessionFactory func(ctx context.Context, creds models.AccountCredentials) (exchange.Venue, error)

// HealthProbe проверяет живость аккаунта. Ошибка = аккаунт нездоров.
type HealthProbe func(ctx context.Context, creds models.AccountCredentials, session exchange.Venue) (bool, error)

// BalanceProbe - проверка здоровья запросом балансов
func BalanceProbe(ctx context.Context, _ models.AccountCredentials, session exchange.Venue) (bool, error) {
	if _, err := session.GetBalances(ctx); err != nil {
		return false, err
	}
	return true, nil
}

// AccountWorker - рабочий аккаунт: сессия, лимитер, здоровье, нагрузка
type AccountWorker struct {
	Credentials models.AccountCredentials
	Limiter     *ratelimit.TokenBucket

	weight float64

	sessionMu sync.Mutex
	session   exchange.Venue

	mu          sync.Mutex
	healthy     bool
	activeTasks int
	lastCheck   time.Time
}

// ID - идентификатор аккаунта
func (w *AccountWorker) ID() string { return w.Credentials.AccountID }

// Exchange - площадка аккаунта
func (w *AccountWorker) Exchange() string { return w.Credentials.Exchange }

// Weight - вес для политики weighted
func (w *AccountWorker) Weight() float64 { return w.weight }

// Healthy - флаг здоровья
func (w *AccountWorker) Healthy() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.healthy
}

// ActiveTasks - число назначенных задач
func (w *AccountWorker) ActiveTasks() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.activeTasks
}

func (w *AccountWorker) setHealthy(healthy bool) {
	w.mu.Lock()
	w.healthy = healthy
	w.mu.Unlock()

	v := 0.0
	if healthy {
		v = 1
	}
	WorkerHealthy.WithLabelValues(w.ID(), w.Exchange()).Set(v)
}

// AccountPool - пул аккаунтов одной площадки
//
// Каждый аккаунт - отдельный воркер с собственным TokenBucket.
// Нездоровые воркеры исключаются из назначения до следующей
// успешной проверки.
type AccountPool struct {
	factory        SessionFactory
	probe          HealthProbe
	healthInterval time.Duration
	logger         *utils.Logger

	mu      sync.Mutex
	workers map[string]*AccountWorker
	order   []string
	cursor  int
	rng     *rand.Rand

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewAccountPool создаёт пул. healthInterval меньше 10s поднимается до 10s.
func NewAccountPool(accounts []models.AccountCredentials, factory SessionFactory, probe HealthProbe, healthInterval time.Duration, logger *utils.Logger) *AccountPool {
	if logger == nil {
		logger = utils.L()
	}
	if probe == nil {
		probe = BalanceProbe
	}
	if healthInterval < MinHealthInterval {
		healthInterval = MinHealthInterval
	}

	p := &AccountPool{
		factory:        factory,
		probe:          probe,
		healthInterval: healthInterval,
		logger:         logger.WithComponent("account_pool"),
		workers:        make(map[string]*AccountWorker, len(accounts)),
		rng:            rand.New(rand.NewSource(time.Now().UnixNano())),
		stopCh:         make(chan struct{}),
	}

	for _, acc := range accounts {
		acc = acc.WithDefaults()
		weight := acc.Weight
		if weight < 0 {
			weight = 0
		}
		w := &AccountWorker{
			Credentials: acc,
			Limiter:     ratelimit.NewTokenBucket(acc.TokensPerSec, acc.Burst),
			weight:      weight,
		}
		w.setHealthy(true)
		p.workers[acc.AccountID] = w
		p.order = append(p.order, acc.AccountID)
	}
	return p
}

// HealthInterval - фактический период проверок
func (p *AccountPool) HealthInterval() time.Duration {
	return p.healthInterval
}

// Size - количество аккаунтов
func (p *AccountPool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.order)
}

// Worker возвращает воркер по id аккаунта
func (p *AccountPool) Worker(accountID string) (*AccountWorker, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	w, ok := p.workers[accountID]
	return w, ok
}

// EnsureSession лениво создаёт сессию аккаунта
func (p *AccountPool) EnsureSession(ctx context.Context, w *AccountWorker) (exchange.Venue, error) {
	w.sessionMu.Lock()
	defer w.sessionMu.Unlock()

	if w.session != nil {
		return w.session, nil
	}
	if p.factory == nil {
		return nil, fmt.Errorf("no session factory for account %s", w.ID())
	}

	session, err := p.factory(ctx, w.Credentials)
	if err != nil {
		return nil, fmt.Errorf("create session for %s: %w", w.ID(), err)
	}
	w.session = session
	return session, nil
}

// ============================================================
// Назначение
// ============================================================

// AcquireWorker выбирает здоровый воркер по политике и увеличивает его нагрузку.
// nil, если здоровых нет.
func (p *AccountPool) AcquireWorker(policy SchedulerPolicy) *AccountWorker {
	p.mu.Lock()
	defer p.mu.Unlock()

	candidates := make([]*AccountWorker, 0, len(p.order))
	for _, id := range p.order {
		if w := p.workers[id]; w.Healthy() {
			candidates = append(candidates, w)
		}
	}
	if len(candidates) == 0 {
		return nil
	}

	var picked *AccountWorker
	switch policy {
	case PolicyLeastLoaded:
		picked = leastLoaded(candidates)
	case PolicyRandom:
		picked = candidates[p.rng.Intn(len(candidates))]
	case PolicyWeighted:
		picked = p.weighted(candidates)
	default:
		picked = p.nextRoundRobin()
	}
	if picked == nil {
		return nil
	}

	picked.mu.Lock()
	picked.activeTasks++
	picked.mu.Unlock()
	return picked
}

// ReleaseWorker уменьшает нагрузку воркера (не ниже нуля)
func (p *AccountPool) ReleaseWorker(w *AccountWorker) {
	if w == nil {
		return
	}
	w.mu.Lock()
	if w.activeTasks > 0 {
		w.activeTasks--
	}
	w.mu.Unlock()
}

// leastLoaded - минимум по (активные задачи, вес); при равной нагрузке выигрывает меньший вес
func leastLoaded(candidates []*AccountWorker) *AccountWorker {
	best := candidates[0]
	bestTasks := best.ActiveTasks()
	for _, w := range candidates[1:] {
		tasks := w.ActiveTasks()
		if tasks < bestTasks || (tasks == bestTasks && w.weight < best.weight) {
			best, bestTasks = w, tasks
		}
	}
	return best
}

// weighted - вероятность пропорциональна весу. Вызывается под p.mu.
func (p *AccountPool) weighted(candidates []*AccountWorker) *AccountWorker {
	total := 0.0
	for _, w := range candidates {
		total += w.weight
	}
	if total <= 0 {
		return candidates[p.rng.Intn(len(candidates))]
	}

	pick := p.rng.Float64() * total
	cumulative := 0.0
	for _, w := range candidates {
		cumulative += w.weight
		if pick <= cumulative {
			return w
		}
	}
	return candidates[len(candidates)-1]
}

// nextRoundRobin идёт по фиксированному порядку от курсора, пропуская нездоровые.
// Вызывается под p.mu.
func (p *AccountPool) nextRoundRobin() *AccountWorker {
	n := len(p.order)
	for i := 0; i < n; i++ {
		id := p.order[p.cursor%n]
		p.cursor = (p.cursor + 1) % n
		if w := p.workers[id]; w.Healthy() {
			return w
		}
	}
	return nil
}

// ============================================================
// Проверка здоровья
// ============================================================

// CheckHealth параллельно проверяет все воркеры.
// Воркер, проверенный меньше половины интервала назад, пропускается.
func (p *AccountPool) CheckHealth(ctx context.Context) {
	p.mu.Lock()
	workers := make([]*AccountWorker, 0, len(p.order))
	for _, id := range p.order {
		workers = append(workers, p.workers[id])
	}
	p.mu.Unlock()

	var wg sync.WaitGroup
	for _, w := range workers {
		wg.Add(1)
		go func(w *AccountWorker) {
			defer wg.Done()
			p.checkWorker(ctx, w)
		}(w)
	}
	wg.Wait()
}

func (p *AccountPool) checkWorker(ctx context.Context, w *AccountWorker) {
	now := time.Now()
	w.mu.Lock()
	if !w.lastCheck.IsZero() && now.Sub(w.lastCheck) < p.healthInterval/2 {
		w.mu.Unlock()
		return
	}
	w.lastCheck = now
	w.mu.Unlock()

	session, err := p.EnsureSession(ctx, w)
	if err == nil {
		var healthy bool
		healthy, err = p.probe(ctx, w.Credentials, session)
		if err == nil {
			if !healthy && w.Healthy() {
				p.logger.Warn("account reported unhealthy", utils.String("account_id", w.ID()), utils.Exchange(w.Exchange()))
			}
			w.setHealthy(healthy)
			return
		}
	}

	w.setHealthy(false)
	p.logger.Warn("account health check failed",
		utils.String("account_id", w.ID()), utils.Exchange(w.Exchange()), utils.Err(err))
}

// StartHealthChecks запускает периодические проверки до Stop или отмены ctx
func (p *AccountPool) StartHealthChecks(ctx context.Context) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()

		ticker := time.NewTicker(p.healthInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-p.stopCh:
				return
			case <-ticker.C:
				p.CheckHealth(ctx)
			}
		}
	}()
}

// Stop останавливает проверки и ждёт завершения цикла
func (p *AccountPool) Stop() {
	p.stopOnce.Do(func() { close(p.stopCh) })
	p.wg.Wait()
}

// ExportState - снимок состояния воркеров для ops API
func (p *AccountPool) ExportState() []models.AccountState {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]models.AccountState, 0, len(p.order))
	for _, id := range p.order {
		w := p.workers[id]
		out = append(out, models.AccountState{
			AccountID:   id,
			Exchange:    w.Exchange(),
			Healthy:     w.Healthy(),
			ActiveTasks: w.ActiveTasks(),
			Weight:      w.weight,
		})
	}
	return out
}
