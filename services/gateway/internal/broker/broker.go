// Package broker держит клиентские WS-сессии шлюза: приветствие и реплей
// последних значений, команды, фильтры, fan-out событий шины, sweep живости
// и идемпотентную остановку.
package broker

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/YaganovValera/exchange-relay/common/backoff"
	"github.com/YaganovValera/exchange-relay/common/events"
	"github.com/YaganovValera/exchange-relay/common/logger"
	"github.com/YaganovValera/exchange-relay/common/pubsub"
	"github.com/YaganovValera/exchange-relay/services/gateway/internal/metrics"
	"github.com/YaganovValera/exchange-relay/services/gateway/internal/status"
)

// ErrShuttingDown: новые сессии после Shutdown не принимаются.
var ErrShuttingDown = errors.New("broker: shutting down")

// Коды закрытия, которые шлюз отправляет клиенту.
const (
	CloseShuttingDown = websocket.CloseGoingAway      // 1001
	CloseRevoked      = websocket.ClosePolicyViolation // 1008

	reasonShuttingDown = "server shutting down"
)

// Config: параметры сессий.
type Config struct {
	HeartbeatInterval time.Duration  `mapstructure:"heartbeat_interval"` // период sweep; 15s
	WriteTimeout      time.Duration  `mapstructure:"write_timeout"`      // 5s
	SendQueue         int            `mapstructure:"send_queue"`         // 256
	MaxMessageSize    int64          `mapstructure:"max_message_size"`   // 64KiB
	CacheTTL          time.Duration  `mapstructure:"cache_ttl"`          // старше: не реплеится; 10m
	Resubscribe       backoff.Config `mapstructure:"resubscribe"`
}

func (c *Config) applyDefaults() {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 15 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 5 * time.Second
	}
	if c.SendQueue <= 0 {
		c.SendQueue = 256
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = 64 << 10
	}
	if c.CacheTTL <= 0 {
		c.CacheTTL = 10 * time.Minute
	}
}

// Info: что шлюз сообщает о себе в welcome.
type Info struct {
	Name    string
	Version string
	Port    int
	Docs    Docs
}

// StatusSource: источник systemStatus; получает каждое событие шины.
type StatusSource interface {
	Observe(env events.Envelope)
	Snapshot() status.SystemStatus
}

// Tokens снимает привязку токена при закрытии сессии.
type Tokens interface {
	Unbind(value, clientID string)
}

// Source: шина событий (pubsub.Bridge).
type Source interface {
	Snapshots(ctx context.Context) ([]events.Envelope, error)
	Subscribe(ctx context.Context, handler pubsub.Handler, ready chan<- struct{}) error
}

type cached struct {
	raw []byte
	at  time.Time
}

// Broker потокобезопасен.
type Broker struct {
	cfg     Config
	info    Info
	status  StatusSource
	tokens  Tokens
	log     *logger.Logger
	now     func() time.Time
	started time.Time

	// mu защищает и сессии, и кэш: регистрация сессии вместе с реплеем
	// и fan-out с обновлением кэша не перемежаются.
	mu       sync.RWMutex
	sessions map[string]*Session
	cache    map[string]cached

	wg           sync.WaitGroup
	shuttingDown atomic.Bool
	once         sync.Once
	stop         chan struct{}
	done         chan struct{}
}

// New создаёт брокер. tokens может быть nil.
func New(cfg Config, info Info, st StatusSource, tokens Tokens, log *logger.Logger) *Broker {
	cfg.applyDefaults()
	return &Broker{
		cfg:      cfg,
		info:     info,
		status:   st,
		tokens:   tokens,
		log:      log.Named("broker"),
		now:      time.Now,
		started:  time.Now(),
		sessions: make(map[string]*Session),
		cache:    make(map[string]cached),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Accepting: false после начала остановки.
func (b *Broker) Accepting() bool { return !b.shuttingDown.Load() }

// Accept регистрирует уже проапгрейженное соединение: отправляет welcome,
// затем закэшированные последние значения и запускает читателя и писателя.
func (b *Broker) Accept(conn *websocket.Conn, clientID, token string) (*Session, error) {
	if b.shuttingDown.Load() {
		b.reject(conn)
		return nil, ErrShuttingDown
	}

	b.mu.Lock()
	if b.shuttingDown.Load() {
		b.mu.Unlock()
		b.reject(conn)
		return nil, ErrShuttingDown
	}
	replay := b.replayLocked()
	queue := b.cfg.SendQueue
	if len(replay)+1 > queue {
		queue = len(replay) + 1
	}
	s := newSession(clientID, token, conn, queue, b.now())
	conn.SetReadLimit(b.cfg.MaxMessageSize)
	conn.SetPongHandler(func(string) error {
		s.alive.Store(true)
		return nil
	})

	welcome, err := json.Marshal(b.welcome(s))
	if err != nil {
		b.mu.Unlock()
		_ = conn.Close()
		return nil, err
	}
	s.enqueue(welcome)
	for _, c := range replay {
		s.enqueue(c)
	}
	b.sessions[s.ID] = s
	n := len(b.sessions)
	b.wg.Add(2)
	b.mu.Unlock()

	metrics.Sessions.Set(float64(n))
	b.log.Info("session accepted",
		zap.String("client_id", s.ID),
		zap.String("remote", s.RemoteAddr),
		zap.Int("replayed", len(replay)),
		zap.Int("sessions", n),
	)

	go b.writeLoop(s)
	go b.readLoop(s)
	return s, nil
}

func (b *Broker) reject(conn *websocket.Conn) {
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(CloseShuttingDown, reasonShuttingDown),
		time.Now().Add(b.cfg.WriteTimeout))
	_ = conn.Close()
}

// replayLocked: кэш в порядке ключей, без устаревших записей.
// Фильтры новой сессии пусты, поэтому реплеится всё.
func (b *Broker) replayLocked() [][]byte {
	now := b.now()
	keys := make([]string, 0, len(b.cache))
	for k, c := range b.cache {
		if now.Sub(c.at) <= b.cfg.CacheTTL {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	out := make([][]byte, 0, len(keys))
	for _, k := range keys {
		out = append(out, b.cache[k].raw)
	}
	return out
}

// Dispatch рассылает событие всем подходящим сессиям. Последние значения
// last-value каналов запоминаются для поздних клиентов.
func (b *Broker) Dispatch(env events.Envelope) {
	if b.status != nil {
		b.status.Observe(env)
	}
	raw, err := json.Marshal(env)
	if err != nil {
		b.log.Warn("dispatch: marshal failed", zap.String("type", env.Type), zap.Error(err))
		return
	}
	ch, known := events.ChannelFor(env.Type)

	delivered := 0
	b.mu.Lock()
	if known && ch.Replay == events.LastValue {
		b.cache[env.CacheKey()] = cached{raw: raw, at: b.now()}
	}
	for _, s := range b.sessions {
		if s.matches(env) && s.enqueue(raw) {
			delivered++
		}
	}
	b.mu.Unlock()

	metrics.Delivered.WithLabelValues(env.Type).Add(float64(delivered))
}

// Seed заполняет кэш снапшотами шины без рассылки.
func (b *Broker) Seed(envs []events.Envelope) {
	now := b.now()
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, env := range envs {
		ch, ok := events.ChannelFor(env.Type)
		if !ok || ch.Replay != events.LastValue {
			continue
		}
		raw, err := json.Marshal(env)
		if err != nil {
			continue
		}
		b.cache[env.CacheKey()] = cached{raw: raw, at: now}
	}
}

// Consume засевает кэш снапшотами шины и подписывается на неё до отмены
// ctx или Shutdown. Обрыв подписки повторяется с backoff (с повторным засевом).
// ready закрывается после первой успешной подписки.
func (b *Broker) Consume(ctx context.Context, src Source, ready chan<- struct{}) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-b.stop:
			cancel()
		case <-ctx.Done():
		}
	}()

	handler := func(_ context.Context, _ events.Channel, env events.Envelope) { b.Dispatch(env) }
	err := backoff.Execute(ctx, b.cfg.Resubscribe, b.log, func(ctx context.Context) error {
		envs, err := src.Snapshots(ctx)
		if err != nil {
			b.log.Warn("cache seed failed", zap.Error(err))
		} else {
			b.Seed(envs)
		}
		err = src.Subscribe(ctx, handler, ready)
		ready = nil
		return err
	})
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// Run выполняет sweep живости каждые HeartbeatInterval до отмены ctx или Shutdown.
func (b *Broker) Run(ctx context.Context) error {
	t := time.NewTicker(b.cfg.HeartbeatInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-b.stop:
			return nil
		case <-t.C:
			b.Sweep()
		}
	}
}

// Sweep: сессия, не ответившая pong с прошлого цикла, закрывается;
// остальным флаг сбрасывается и отправляется транспортный ping.
func (b *Broker) Sweep() {
	for _, s := range b.snapshot() {
		if !s.alive.Swap(false) {
			b.close(s, 0, "", "liveness")
			continue
		}
		if err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(b.cfg.WriteTimeout)); err != nil {
			b.close(s, 0, "", "ping_failed")
		}
	}
}

// Kick закрывает сессию клиента (например, после отзыва токена).
func (b *Broker) Kick(clientID string, code int, text string) bool {
	b.mu.RLock()
	s, ok := b.sessions[clientID]
	b.mu.RUnlock()
	if !ok {
		return false
	}
	b.close(s, code, text, "kicked")
	return true
}

// Len: число активных сессий.
func (b *Broker) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.sessions)
}

// Session ищет сессию по id.
func (b *Broker) Session(id string) (*Session, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	s, ok := b.sessions[id]
	return s, ok
}

// Shutdown останавливает sweep и подписку на шину, закрывает все сессии
// кодом 1001 и ждёт их горутины. Повторный вызов только ждёт завершения.
func (b *Broker) Shutdown(ctx context.Context) error {
	b.once.Do(func() {
		b.shuttingDown.Store(true)
		close(b.stop)
		go func() {
			sessions := b.snapshot()
			for _, s := range sessions {
				b.close(s, CloseShuttingDown, reasonShuttingDown, "shutdown")
			}
			b.wg.Wait()
			b.log.Info("broker stopped", zap.Int("sessions_closed", len(sessions)))
			close(b.done)
		}()
	})
	select {
	case <-b.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done закрывается, когда Shutdown завершён.
func (b *Broker) Done() <-chan struct{} { return b.done }

func (b *Broker) snapshot() []*Session {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]*Session, 0, len(b.sessions))
	for _, s := range b.sessions {
		out = append(out, s)
	}
	return out
}

// -----------------------------------------------------------------------------
// Per-session goroutines
// -----------------------------------------------------------------------------

func (b *Broker) writeLoop(s *Session) {
	defer b.wg.Done()
	for {
		select {
		case <-s.done:
			return
		case msg := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(b.cfg.WriteTimeout))
			if err := s.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				b.log.Debug("write failed", zap.String("client_id", s.ID), zap.Error(err))
				b.close(s, 0, "", "write_error")
				return
			}
		}
	}
}

func (b *Broker) readLoop(s *Session) {
	defer b.wg.Done()
	defer b.close(s, 0, "", "disconnected")
	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) && !s.closed() {
				b.log.Debug("read failed", zap.String("client_id", s.ID), zap.Error(err))
			}
			return
		}
		b.handle(s, raw)
	}
}

// close закрывает сессию один раз; code == 0: без close-кадра (мёртвый пир).
func (b *Broker) close(s *Session, code int, text, reason string) {
	s.closeOnce.Do(func() {
		b.mu.Lock()
		delete(b.sessions, s.ID)
		n := len(b.sessions)
		b.mu.Unlock()

		close(s.done)
		if code != 0 {
			_ = s.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(code, text),
				time.Now().Add(b.cfg.WriteTimeout))
		}
		_ = s.conn.Close()
		if b.tokens != nil {
			b.tokens.Unbind(s.Token, s.ID)
		}

		metrics.Sessions.Set(float64(n))
		metrics.Closed.WithLabelValues(reason).Inc()
		b.log.Info("session closed",
			zap.String("client_id", s.ID),
			zap.String("reason", reason),
			zap.Duration("duration", time.Since(s.ConnectedAt)),
		)
	})
}
