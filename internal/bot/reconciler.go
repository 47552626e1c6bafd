package bot

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"crossarb/internal/exchange"
	"crossarb/internal/models"
	"crossarb/pkg/retry"
	"crossarb/pkg/utils"
)

// FillHandler - получатель уникальных fill
type FillHandler func(ctx context.Context, fill *models.Fill) error

// ReconcilerMetrics - снимок счётчиков сверки
type ReconcilerMetrics struct {
	PushEvents int64 `json:"ws_events"`
	PollEvents int64 `json:"poll_events"`
	Duplicates int64 `json:"duplicates"`
	Processed  int64 `json:"processed"`
}

type pushSource struct {
	venue    string
	listener exchange.FillListener
	decoder  exchange.FillDecoder
}

type pollSource struct {
	venue    string
	poller   exchange.FillPoller
	interval time.Duration
}

// Reconciler сводит push и poll доставку fill в один поток без дубликатов
//
// Множество увиденных ключей засевается из хранилища при старте,
// так что fill, обработанные до рестарта, повторно не отдаются.
type Reconciler struct {
	// ResubscribeDelay - начальная задержка переподписки push-потока
	ResubscribeDelay time.Duration

	keys    FillKeySource
	handler FillHandler
	logger  *utils.Logger

	mu      sync.Mutex
	seen    map[string]struct{}
	push    []pushSource
	poll    []pollSource
	started bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	pushEvents atomic.Int64
	pollEvents atomic.Int64
	duplicates atomic.Int64
	processed  atomic.Int64
}

// NewReconciler создаёт сверщик
func NewReconciler(keys FillKeySource, handler FillHandler, logger *utils.Logger) *Reconciler {
	if logger == nil {
		logger = utils.L()
	}
	return &Reconciler{
		ResubscribeDelay: time.Second,
		keys:             keys,
		handler:          handler,
		logger:           logger.WithComponent("reconciler"),
		seen:             make(map[string]struct{}),
	}
}

// SubscribePush регистрирует push-источник площадки
func (r *Reconciler) SubscribePush(venue string, listener exchange.FillListener, decoder exchange.FillDecoder) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.push = append(r.push, pushSource{venue: venue, listener: listener, decoder: decoder})
}

// RegisterPoller регистрирует pull-источник площадки с интервалом опроса
func (r *Reconciler) RegisterPoller(venue string, poller exchange.FillPoller, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.poll = append(r.poll, pollSource{venue: venue, poller: poller, interval: interval})
}

// Start засевает ключи из хранилища и запускает все источники
func (r *Reconciler) Start(ctx context.Context) error {
	var keys []string
	if r.keys != nil {
		var err error
		keys, err = r.keys.FetchFillKeys(ctx)
		if err != nil {
			return fmt.Errorf("seed fill keys: %w", err)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return nil
	}
	for _, key := range keys {
		r.seen[key] = struct{}{}
	}

	runCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.started = true

	for _, src := range r.push {
		r.wg.Add(1)
		go r.runPush(runCtx, src)
	}
	for _, src := range r.poll {
		r.wg.Add(1)
		go r.runPoller(runCtx, src)
	}

	r.logger.Info("reconciler started",
		utils.Int("seeded_keys", len(keys)),
		utils.Int("push_sources", len(r.push)),
		utils.Int("poll_sources", len(r.poll)))
	return nil
}

// Stop останавливает источники и ждёт их выхода
func (r *Reconciler) Stop() {
	r.mu.Lock()
	cancel := r.cancel
	started := r.started
	r.started = false
	r.cancel = nil
	r.mu.Unlock()

	if !started {
		return
	}
	cancel()
	r.wg.Wait()
	r.logger.Info("reconciler stopped")
}

// Metrics возвращает снимок счётчиков
func (r *Reconciler) Metrics() ReconcilerMetrics {
	return ReconcilerMetrics{
		PushEvents: r.pushEvents.Load(),
		PollEvents: r.pollEvents.Load(),
		Duplicates: r.duplicates.Load(),
		Processed:  r.processed.Load(),
	}
}

// runPush держит подписку; если ListenFills вернулся с ошибкой до отмены ctx,
// подписка перезапускается с нарастающей задержкой
func (r *Reconciler) runPush(ctx context.Context, src pushSource) {
	defer r.wg.Done()

	log := r.logger.WithExchange(src.venue)
	base := r.ResubscribeDelay
	if base <= 0 {
		base = time.Second
	}
	backoff := retry.NewBackoff(base, 30)
	handler := func(raw []byte) {
		r.pushEvents.Add(1)
		FillsReceived.WithLabelValues("push").Inc()

		fill, err := src.decoder(src.venue, raw)
		if err != nil {
			log.Warn("push fill decode failed", utils.Err(err))
			return
		}
		r.Process(ctx, fill, "push")
	}

	for {
		err := src.listener.ListenFills(ctx, handler)
		if ctx.Err() != nil {
			return
		}
		delay := backoff.Current()
		backoff.Failure()
		log.Warn("push fill stream ended, resubscribing", utils.Err(err), utils.Dur("retry_in", delay))

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

// runPoller опрашивает площадку с курсора; курсор = максимальное время fill
func (r *Reconciler) runPoller(ctx context.Context, src pollSource) {
	defer r.wg.Done()

	log := r.logger.WithExchange(src.venue)
	backoff := retry.NewBackoff(src.interval, 5)
	var since time.Time

	for {
		wait := src.interval
		fills, err := src.poller.FetchUserTrades(ctx, since)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			wait = backoff.Current()
			log.Warn("poller failure", utils.Err(err), utils.Dur("retry_in", wait))
			backoff.Failure()
		} else {
			backoff.Success()
			for _, fill := range fills {
				if fill == nil {
					continue
				}
				r.pollEvents.Add(1)
				FillsReceived.WithLabelValues("poll").Inc()
				r.Process(ctx, fill, "poll")
				if fill.Timestamp.After(since) {
					since = fill.Timestamp
				}
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

// Process дедуплицирует fill и отдаёт его обработчику ровно один раз.
// Возвращает true, если fill новый.
func (r *Reconciler) Process(ctx context.Context, fill *models.Fill, source string) bool {
	if fill == nil {
		return false
	}
	key := fill.DedupKey()

	r.mu.Lock()
	if _, seen := r.seen[key]; seen {
		r.mu.Unlock()
		r.duplicates.Add(1)
		FillDuplicates.WithLabelValues("reconciler").Inc()
		return false
	}
	r.seen[key] = struct{}{}
	r.mu.Unlock()

	r.processed.Add(1)
	FillsProcessed.WithLabelValues(source).Inc()

	if r.handler != nil {
		if err := r.handler(ctx, fill); err != nil {
			r.logger.Error("fill handler failed",
				utils.OrderID(fill.OrderID), utils.Exchange(fill.Exchange), utils.String("source", source), utils.Err(err))
		}
	}
	return true
}
