package websocket

import (
	"sync"
	"sync/atomic"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"crossarb/internal/models"
	"crossarb/pkg/utils"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// broadcastBufferSize - ёмкость очереди broadcast; при переполнении сообщение отбрасывается
const broadcastBufferSize = 256

// Hub управляет WebSocket соединениями операторов
//
// Назначение:
// Рассылает алерты ядра всем подключенным клиентам /ws/alerts.
//
// Функции:
// - Регистрация новых WebSocket клиентов
// - Отмена регистрации отключенных клиентов
// - Broadcast сообщений всем активным клиентам
// - Отключение клиентов, не успевающих читать
//
// Broadcast никогда не блокирует вызывающего: ядро шлёт алерты из
// горутин обработки fill, и медленный оператор не должен их тормозить.
//
// Использование:
// 1. Создать hub: hub := NewHub(logger, origins)
// 2. Запустить в горутине: go hub.Run()
// 3. Отправлять сообщения: hub.BroadcastNotification(n)
// 4. При завершении: hub.Stop()
type Hub struct {
	// Зарегистрированные клиенты
	clients map[*Client]bool

	// Broadcast канал для отправки сообщений всем клиентам
	broadcast chan []byte

	register   chan *Client
	unregister chan *Client

	done     chan struct{}
	stopOnce sync.Once

	dropped atomic.Int64

	origins *OriginChecker
	logger  *utils.Logger

	// Mutex для потокобезопасного доступа к clients
	mu sync.RWMutex
}

// NewHub создает новый Hub. Пустой allowedOrigins - разрешён любой Origin.
func NewHub(logger *utils.Logger, allowedOrigins []string) *Hub {
	if logger == nil {
		logger = utils.L()
	}
	return &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan []byte, broadcastBufferSize),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		origins:    NewOriginChecker(allowedOrigins),
		logger:     logger.WithComponent("ws_hub"),
	}
}

// Run запускает главный цикл Hub
//
// Должен запускаться в отдельной горутине: go hub.Run()
// Завершается после Stop(), закрывая каналы всех клиентов.
func (h *Hub) Run() {
	for {
		select {
		case <-h.done:
			h.mu.Lock()
			for client := range h.clients {
				delete(h.clients, client)
				close(client.send)
			}
			h.mu.Unlock()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			total := len(h.clients)
			h.mu.Unlock()
			h.logger.Info("alert client connected", zap.Int("clients", total))

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			total := len(h.clients)
			h.mu.Unlock()
			h.logger.Info("alert client disconnected", zap.Int("clients", total))

		case message := <-h.broadcast:
			// копируем список клиентов под коротким RLock
			h.mu.RLock()
			clients := make([]*Client, 0, len(h.clients))
			for client := range h.clients {
				clients = append(clients, client)
			}
			h.mu.RUnlock()

			var toRemove []*Client
			for _, client := range clients {
				select {
				case client.send <- message:
				default:
					toRemove = append(toRemove, client)
				}
			}

			// Удаляем медленных клиентов под Write Lock
			if len(toRemove) > 0 {
				h.mu.Lock()
				for _, client := range toRemove {
					if _, ok := h.clients[client]; ok {
						delete(h.clients, client)
						close(client.send)
					}
				}
				total := len(h.clients)
				h.mu.Unlock()
				h.logger.Warn("removed slow alert clients", zap.Int("removed", len(toRemove)), zap.Int("clients", total))
			}
		}
	}
}

// Stop завершает Run; повторный вызов безопасен
func (h *Hub) Stop() {
	h.stopOnce.Do(func() { close(h.done) })
}

// Broadcast сериализует message и ставит его в очередь рассылки
func (h *Hub) Broadcast(message interface{}) {
	data, err := json.Marshal(message)
	if err != nil {
		h.logger.Error("failed to encode broadcast message", zap.Error(err))
		return
	}
	h.BroadcastRaw(data)
}

// BroadcastRaw ставит готовые байты в очередь; при полной очереди сообщение отбрасывается
func (h *Hub) BroadcastRaw(data []byte) {
	select {
	case <-h.done:
		return
	default:
	}

	select {
	case h.broadcast <- data:
	default:
		h.dropped.Add(1)
	}
}

// BroadcastNotification отправляет новое уведомление
func (h *Hub) BroadcastNotification(notif *models.Notification) {
	if notif == nil {
		return
	}
	h.Broadcast(NewNotificationMessage(notif))
}

// ClientCount возвращает количество подключенных клиентов
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// DroppedMessages - число сообщений, отброшенных из-за полной очереди
func (h *Hub) DroppedMessages() int64 {
	return h.dropped.Load()
}
