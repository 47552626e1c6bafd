package bot

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"crossarb/internal/models"
	"crossarb/pkg/utils"
)

// PositionTracker - чистая позиция по событию (+ BUY, - SELL)
//
// Кэш в памяти, каждое изменение сохраняется в хранилище.
// NetPosition читает хранилище при промахе кэша.
type PositionTracker struct {
	store  PositionStore
	logger *utils.Logger

	mu        sync.Mutex
	positions map[string]decimal.Decimal
}

// NewPositionTracker создаёт трекер
func NewPositionTracker(store PositionStore, logger *utils.Logger) *PositionTracker {
	if logger == nil {
		logger = utils.L()
	}
	return &PositionTracker{
		store:     store,
		logger:    logger.WithComponent("positions"),
		positions: make(map[string]decimal.Decimal),
	}
}

// AddFill применяет исполнение к позиции события и возвращает новую позицию
func (p *PositionTracker) AddFill(ctx context.Context, eventID string, size, price decimal.Decimal, side models.Side) (decimal.Decimal, error) {
	delta := size
	if side == models.SideSell {
		delta = size.Neg()
	}

	// прогрев кэша из хранилища после рестарта
	if _, err := p.NetPosition(ctx, eventID); err != nil {
		p.logger.Warn("position read failed, starting from cache", utils.EventID(eventID), utils.Err(err))
	}

	p.mu.Lock()
	net := p.positions[eventID].Add(delta)
	p.positions[eventID] = net
	p.mu.Unlock()

	if p.store == nil {
		return net, nil
	}
	err := p.store.UpsertPosition(ctx, &models.Position{
		EventID:     eventID,
		NetPosition: net,
		LastPrice:   price,
		UpdatedAt:   time.Now().UTC(),
	})
	if err != nil {
		return net, fmt.Errorf("upsert position %s: %w", eventID, err)
	}

	p.logger.Debug("position updated", utils.EventID(eventID), utils.String("net_position", net.String()))
	return net, nil
}

// NetPosition возвращает позицию события (0, если её нет)
func (p *PositionTracker) NetPosition(ctx context.Context, eventID string) (decimal.Decimal, error) {
	p.mu.Lock()
	net, ok := p.positions[eventID]
	p.mu.Unlock()
	if ok || p.store == nil {
		return net, nil
	}

	position, err := p.store.GetPosition(ctx, eventID)
	if err != nil {
		return decimal.Zero, fmt.Errorf("get position %s: %w", eventID, err)
	}
	if position == nil {
		return decimal.Zero, nil
	}

	p.mu.Lock()
	if _, exists := p.positions[eventID]; !exists {
		p.positions[eventID] = position.NetPosition
	}
	net = p.positions[eventID]
	p.mu.Unlock()
	return net, nil
}
