package handlers

import (
	"context"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"

	"crossarb/internal/bot"
	"crossarb/internal/mapping"
	"crossarb/internal/models"
)

// ============ Mock NotificationService ============

type MockNotificationService struct {
	notifications []*models.Notification
	getErr        error
	lastLimit     int
}

func (m *MockNotificationService) SendMessage(_ context.Context, text string) bool {
	m.notifications = append(m.notifications, &models.Notification{ID: len(m.notifications) + 1, Message: text})
	return true
}

func (m *MockNotificationService) GetNotifications(_ context.Context, limit int) ([]*models.Notification, error) {
	m.lastLimit = limit
	if m.getErr != nil {
		return nil, m.getErr
	}
	return m.notifications, nil
}

// ============ Mock PairService ============

type MockPairService struct {
	mu       sync.Mutex
	pairs    map[string]bot.PairConfig
	startErr error
	stopped  map[string]string
}

func NewMockPairService() *MockPairService {
	return &MockPairService{
		pairs:   make(map[string]bot.PairConfig),
		stopped: make(map[string]string),
	}
}

func (m *MockPairService) StartPair(_ context.Context, cfg bot.PairConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.startErr != nil {
		return m.startErr
	}
	m.pairs[cfg.EventID] = cfg
	return nil
}

func (m *MockPairService) StopPair(_ context.Context, eventID, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.pairs[eventID]; !ok {
		return fmt.Errorf("%w: %s", bot.ErrPairNotFound, eventID)
	}
	delete(m.pairs, eventID)
	m.stopped[eventID] = reason
	return nil
}

func (m *MockPairService) Pairs() []bot.PairStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []bot.PairStatus
	for _, cfg := range m.pairs {
		out = append(out, bot.PairStatus{PairConfig: cfg})
	}
	return out
}

// ============ Mock MappingStore ============

type MockMappingStore struct {
	entries []mapping.Entry
	saveErr error
}

func (m *MockMappingStore) List() []mapping.Entry { return m.entries }

func (m *MockMappingStore) Save(primary, secondary string, metadata map[string]interface{}) error {
	if m.saveErr != nil {
		return m.saveErr
	}
	if primary == "" || secondary == "" {
		return mapping.ErrEmptyMarketID
	}
	m.entries = append(m.entries, mapping.Entry{Primary: primary, Secondary: secondary, Metadata: metadata})
	return nil
}

func (m *MockMappingStore) Remove(primary, secondary string) (bool, error) {
	for i, e := range m.entries {
		if (primary != "" && e.Primary == primary) || (secondary != "" && e.Secondary == secondary) {
			m.entries = append(m.entries[:i], m.entries[i+1:]...)
			return true, nil
		}
	}
	return false, nil
}

// ============ Mock engine sources ============

type MockAccountPool struct {
	state []models.AccountState
}

func (m *MockAccountPool) ExportState() []models.AccountState { return m.state }

type MockReconciler struct {
	metrics bot.ReconcilerMetrics
}

func (m *MockReconciler) Metrics() bot.ReconcilerMetrics { return m.metrics }

type MockExposure map[string]decimal.Decimal

func (m MockExposure) Snapshot() map[string]decimal.Decimal { return m }
