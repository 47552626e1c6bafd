package service

import (
	"context"
	"sync"
	"time"

	"crossarb/internal/models"
)

// ============ Mock NotificationRepository ============

type MockNotificationRepository struct {
	mu            sync.Mutex
	notifications []*models.Notification
	createErr     error
	getErr        error
	deleteErr     error
	nextID        int
	lastLimit     int
	lastBefore    time.Time
}

func NewMockNotificationRepository() *MockNotificationRepository {
	return &MockNotificationRepository{
		notifications: make([]*models.Notification, 0),
		nextID:        1,
	}
}

func (m *MockNotificationRepository) Create(_ context.Context, notif *models.Notification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.createErr != nil {
		return m.createErr
	}
	notif.ID = m.nextID
	m.nextID++
	m.notifications = append(m.notifications, notif)
	return nil
}

func (m *MockNotificationRepository) GetRecent(_ context.Context, limit int) ([]*models.Notification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastLimit = limit
	if m.getErr != nil {
		return nil, m.getErr
	}
	if limit <= 0 || limit > len(m.notifications) {
		limit = len(m.notifications)
	}
	// Возвращаем последние limit записей
	start := len(m.notifications) - limit
	return m.notifications[start:], nil
}

func (m *MockNotificationRepository) DeleteOlderThan(_ context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastBefore = before
	if m.deleteErr != nil {
		return 0, m.deleteErr
	}
	kept := m.notifications[:0]
	var deleted int64
	for _, n := range m.notifications {
		if n.Timestamp.Before(before) {
			deleted++
			continue
		}
		kept = append(kept, n)
	}
	m.notifications = kept
	return deleted, nil
}

func (m *MockNotificationRepository) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.notifications)
}

// ============ Mock WebSocket Broadcaster ============

type MockWebSocketBroadcaster struct {
	mu            sync.Mutex
	notifications []*models.Notification
}

func NewMockWebSocketBroadcaster() *MockWebSocketBroadcaster {
	return &MockWebSocketBroadcaster{
		notifications: make([]*models.Notification, 0),
	}
}

func (m *MockWebSocketBroadcaster) BroadcastNotification(notif *models.Notification) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.notifications = append(m.notifications, notif)
}

func (m *MockWebSocketBroadcaster) received() []*models.Notification {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*models.Notification, len(m.notifications))
	copy(out, m.notifications)
	return out
}
