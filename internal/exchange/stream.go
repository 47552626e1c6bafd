package exchange

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	jsoniter "github.com/json-iterator/go"

	"crossarb/pkg/utils"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ErrStreamClosed - поток закрыт через Close
var ErrStreamClosed = errors.New("stream closed")

// StreamConfig - параметры переподключения push-потока
type StreamConfig struct {
	InitialDelay   time.Duration // первая пауза перед переподключением
	MaxDelay       time.Duration // потолок exponential backoff
	MaxRetries     int           // 0 = без ограничения
	ConnectTimeout time.Duration
	PingInterval   time.Duration
	PongTimeout    time.Duration
}

// DefaultStreamConfig: паузы 1s, 2s, 4s ... 30s, без лимита попыток
func DefaultStreamConfig() StreamConfig {
	return StreamConfig{
		InitialDelay:   1 * time.Second,
		MaxDelay:       30 * time.Second,
		MaxRetries:     0,
		ConnectTimeout: 10 * time.Second,
		PingInterval:   20 * time.Second,
		PongTimeout:    10 * time.Second,
	}
}

// StreamState - состояние соединения
type StreamState int32

const (
	StreamDisconnected StreamState = iota
	StreamConnecting
	StreamConnected
	StreamReconnecting
	StreamClosed
)

func (s StreamState) String() string {
	switch s {
	case StreamDisconnected:
		return "disconnected"
	case StreamConnecting:
		return "connecting"
	case StreamConnected:
		return "connected"
	case StreamReconnecting:
		return "reconnecting"
	case StreamClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Stream - WebSocket соединение площадки с автоматическим переподключением
//
// После каждого (пере)подключения выполняется auth и повторно
// отправляются все сохранённые подписки. Сообщения передаются в onMessage
// из единственной читающей горутины, поэтому обработчик видит их по порядку.
type Stream struct {
	venue  string
	url    string
	config StreamConfig
	logger *utils.Logger

	conn    *websocket.Conn
	connMu  sync.RWMutex
	writeMu sync.Mutex // gorilla допускает только одного писателя

	state      int32 // StreamState
	retryCount int32

	done      chan struct{}
	closeOnce sync.Once

	onMessage    func([]byte)
	onConnect    func()
	onDisconnect func(error)
	callbackMu   sync.RWMutex

	subscriptions   []interface{}
	subscriptionsMu sync.RWMutex

	auth func(*Stream) error
}

// NewStream создаёт поток; подключение выполняет Connect
func NewStream(venue, url string, config StreamConfig) *Stream {
	return &Stream{
		venue:  venue,
		url:    url,
		config: config,
		logger: utils.L().WithComponent("stream").WithExchange(venue),
		done:   make(chan struct{}),
	}
}

// SetOnMessage устанавливает обработчик входящих сообщений
func (s *Stream) SetOnMessage(handler func([]byte)) {
	s.callbackMu.Lock()
	s.onMessage = handler
	s.callbackMu.Unlock()
}

// SetOnConnect вызывается после каждого успешного подключения
func (s *Stream) SetOnConnect(handler func()) {
	s.callbackMu.Lock()
	s.onConnect = handler
	s.callbackMu.Unlock()
}

// SetOnDisconnect вызывается при разрыве (err может быть nil)
func (s *Stream) SetOnDisconnect(handler func(error)) {
	s.callbackMu.Lock()
	s.onDisconnect = handler
	s.callbackMu.Unlock()
}

// SetAuth задаёт аутентификацию приватного канала; выполняется до подписок
func (s *Stream) SetAuth(auth func(*Stream) error) {
	s.auth = auth
}

// AddSubscription запоминает подписку и отправляет её, если соединение уже есть
func (s *Stream) AddSubscription(sub interface{}) error {
	s.subscriptionsMu.Lock()
	s.subscriptions = append(s.subscriptions, sub)
	s.subscriptionsMu.Unlock()

	if s.State() != StreamConnected {
		return nil
	}
	return s.Send(sub)
}

// State возвращает текущее состояние
func (s *Stream) State() StreamState {
	return StreamState(atomic.LoadInt32(&s.state))
}

// RetryCount - число попыток с последнего успешного подключения
func (s *Stream) RetryCount() int {
	return int(atomic.LoadInt32(&s.retryCount))
}

// Connect выполняет первое подключение и запускает читающую горутину
func (s *Stream) Connect(ctx context.Context) error {
	if s.isClosed() {
		return ErrStreamClosed
	}

	atomic.StoreInt32(&s.state, int32(StreamConnecting))
	if err := s.dial(ctx); err != nil {
		atomic.StoreInt32(&s.state, int32(StreamDisconnected))
		return err
	}

	s.markConnected()
	s.logger.Info("stream connected", utils.String("url", s.url))
	return nil
}

// Send сериализует msg и пишет его текстовым фреймом
func (s *Stream) Send(msg interface{}) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal stream message: %w", err)
	}

	s.connMu.RLock()
	conn := s.conn
	s.connMu.RUnlock()
	if conn == nil {
		return fmt.Errorf("%s: not connected (state: %s)", s.venue, s.State())
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return conn.WriteMessage(websocket.TextMessage, payload)
}

// Close останавливает переподключение и закрывает соединение. Идемпотентен.
func (s *Stream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		atomic.StoreInt32(&s.state, int32(StreamClosed))

		s.connMu.Lock()
		if s.conn != nil {
			err = s.conn.Close()
			s.conn = nil
		}
		s.connMu.Unlock()
	})
	return err
}

func (s *Stream) isClosed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

func (s *Stream) dial(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, s.config.ConnectTimeout)
	defer cancel()

	dialer := websocket.Dialer{HandshakeTimeout: s.config.ConnectTimeout}
	conn, _, err := dialer.DialContext(dialCtx, s.url, nil)
	if err != nil {
		return fmt.Errorf("%s: dial %s: %w", s.venue, s.url, err)
	}

	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(s.config.PingInterval + s.config.PongTimeout))
	})

	s.connMu.Lock()
	s.conn = conn
	s.connMu.Unlock()

	if s.auth != nil {
		if err := s.auth(s); err != nil {
			s.dropConn()
			return fmt.Errorf("%s: stream auth: %w", s.venue, err)
		}
	}

	if err := s.resubscribe(); err != nil {
		// подписки уйдут повторно после следующего переподключения
		s.logger.Warn("resubscribe failed", utils.Err(err))
	}
	return nil
}

func (s *Stream) dropConn() {
	s.connMu.Lock()
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
	s.connMu.Unlock()
}

func (s *Stream) resubscribe() error {
	s.subscriptionsMu.RLock()
	subs := make([]interface{}, len(s.subscriptions))
	copy(subs, s.subscriptions)
	s.subscriptionsMu.RUnlock()

	for _, sub := range subs {
		if err := s.Send(sub); err != nil {
			return err
		}
	}
	if len(subs) > 0 {
		s.logger.Debug("resubscribed", utils.Int("channels", len(subs)))
	}
	return nil
}

func (s *Stream) markConnected() {
	atomic.StoreInt32(&s.state, int32(StreamConnected))
	atomic.StoreInt32(&s.retryCount, 0)

	s.callbackMu.RLock()
	onConnect := s.onConnect
	s.callbackMu.RUnlock()
	if onConnect != nil {
		onConnect()
	}

	s.connMu.RLock()
	conn := s.conn
	s.connMu.RUnlock()

	go s.readPump(conn)
	go s.pingPump(conn)
}

func (s *Stream) readPump(conn *websocket.Conn) {
	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			s.handleDisconnect(conn, err)
			return
		}

		s.callbackMu.RLock()
		onMessage := s.onMessage
		s.callbackMu.RUnlock()
		if onMessage != nil {
			onMessage(message)
		}
	}
}

func (s *Stream) pingPump(conn *websocket.Conn) {
	ticker := time.NewTicker(s.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.connMu.RLock()
			current := s.conn
			s.connMu.RUnlock()
			if current != conn {
				return
			}

			s.writeMu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.config.PongTimeout))
			s.writeMu.Unlock()
			if err != nil {
				s.logger.Warn("ping failed", utils.Err(err))
				s.handleDisconnect(conn, err)
				return
			}
		}
	}
}

// handleDisconnect срабатывает один раз на соединение: переход
// Connected -> Reconnecting выигрывает только первая горутина.
func (s *Stream) handleDisconnect(conn *websocket.Conn, err error) {
	if s.isClosed() {
		return
	}
	if !atomic.CompareAndSwapInt32(&s.state, int32(StreamConnected), int32(StreamReconnecting)) {
		return
	}

	s.connMu.Lock()
	if s.conn == conn {
		s.conn.Close()
		s.conn = nil
	}
	s.connMu.Unlock()

	s.callbackMu.RLock()
	onDisconnect := s.onDisconnect
	s.callbackMu.RUnlock()
	if onDisconnect != nil {
		onDisconnect(err)
	}

	s.logger.Warn("stream disconnected", utils.Err(err))
	go s.reconnectLoop()
}

func (s *Stream) reconnectLoop() {
	delay := s.config.InitialDelay

	for {
		attempt := atomic.AddInt32(&s.retryCount, 1)
		if s.config.MaxRetries > 0 && int(attempt) > s.config.MaxRetries {
			s.logger.Error("reconnect attempts exhausted", utils.Int("max_retries", s.config.MaxRetries))
			atomic.StoreInt32(&s.state, int32(StreamDisconnected))
			return
		}

		s.logger.Info("reconnecting", utils.Attempt(int(attempt)), utils.Dur("delay", delay))

		select {
		case <-s.done:
			return
		case <-time.After(delay):
		}

		if err := s.dial(context.Background()); err != nil {
			s.logger.Warn("reconnect failed", utils.Attempt(int(attempt)), utils.Err(err))
			delay *= 2
			if delay > s.config.MaxDelay {
				delay = s.config.MaxDelay
			}
			continue
		}

		if s.isClosed() {
			s.dropConn()
			return
		}
		s.markConnected()
		s.logger.Info("stream reconnected")
		return
	}
}
