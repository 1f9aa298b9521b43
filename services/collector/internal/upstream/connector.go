// Package upstream: универсальный переподключающийся WebSocket к бирже.
//
// Connector владеет только конечным автоматом, heartbeat-таймерами и
// политикой переподключения. Всё, что касается формата сообщений биржи,
// приходит через Hooks.
package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/YaganovValera/exchange-relay/common/backoff"
	"github.com/YaganovValera/exchange-relay/common/errs"
	"github.com/YaganovValera/exchange-relay/common/logger"
)

var (
	ErrNotConnected = errors.New("upstream: not connected")
	ErrShuttingDown = errors.New("upstream: connector is shutting down")
	ErrPongTimeout  = errors.New("upstream: pong not received in time")
)

var tracer = otel.Tracer("upstream")

// Hooks: биржевая специфика коннектора.
//
// OnOpen и OnMessage вызываются из горутины сессии строго последовательно.
// Ошибка errs.AuthError из любого хука останавливает коннектор без ретраев,
// errs.ProtocolError логируется и сообщение отбрасывается, любая другая
// ошибка рвёт сессию и запускает переподключение.
type Hooks struct {
	BuildPing func(now time.Time) ([]byte, error)
	IsPong    func(msg []byte) bool
	OnOpen    func(ctx context.Context, c *Connector) error
	OnMessage func(ctx context.Context, c *Connector, msg []byte) error
}

// Connector: один долгоживущий сокет с heartbeat и переподключением.
type Connector struct {
	cfg    Config
	hooks  Hooks
	log    *logger.Logger
	dialer *websocket.Dialer

	shutdown atomic.Bool

	mu        sync.Mutex
	state     State
	conn      *websocket.Conn
	running   bool
	cancel    context.CancelFunc
	done      chan struct{}
	err       error
	attempts  int
	listeners []StateListener

	writeMu sync.Mutex

	// sleep подменяется в тестах для проверки последовательности задержек.
	sleep func(ctx context.Context, d time.Duration) error
}

// New создаёт Connector в состоянии Disconnected.
func New(cfg Config, hooks Hooks, log *logger.Logger) (*Connector, error) {
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if hooks.BuildPing == nil || hooks.IsPong == nil || hooks.OnMessage == nil {
		return nil, fmt.Errorf("upstream: BuildPing, IsPong and OnMessage hooks are required")
	}
	c := &Connector{
		cfg:   cfg,
		hooks: hooks,
		log:   log.Named("upstream").With(zap.String("connector", cfg.Name)),
		dialer: &websocket.Dialer{
			HandshakeTimeout: cfg.HandshakeTimeout,
			Proxy:            websocket.DefaultDialer.Proxy,
		},
		sleep: backoff.Sleep,
	}
	stateGauge.WithLabelValues(cfg.Name).Set(float64(Disconnected))
	return c, nil
}

// Name: имя коннектора.
func (c *Connector) Name() string { return c.cfg.Name }

// OnStateChange регистрирует слушателя переходов состояния.
func (c *Connector) OnStateChange(fn StateListener) {
	c.mu.Lock()
	c.listeners = append(c.listeners, fn)
	c.mu.Unlock()
}

// State: текущее состояние.
func (c *Connector) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// IsConnected: Connected или Authenticated.
func (c *Connector) IsConnected() bool { return c.State().Live() }

// Attempts: число переподключений подряд с момента последнего успешного open.
func (c *Connector) Attempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts
}

// Done закрывается, когда цикл коннектора завершён (shutdown или терминальная ошибка).
// До первого Connect возвращает nil.
func (c *Connector) Done() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.done
}

// Err: терминальная ошибка (*errs.ExhaustedRetriesError или *errs.AuthError), если была.
func (c *Connector) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Connect запускает цикл соединения. Повторный вызов, пока коннектор
// подключается или подключён, ничего не делает.
func (c *Connector) Connect(ctx context.Context) error {
	if c.shutdown.Load() {
		return ErrShuttingDown
	}
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	c.running = true
	c.cancel = cancel
	c.done = make(chan struct{})
	c.err = nil
	c.attempts = 0
	done := c.done
	c.mu.Unlock()

	go c.run(runCtx, done)
	return nil
}

// Disconnect переводит коннектор в ShuttingDown, закрывает сокет и ждёт
// завершения цикла. Флаг shutdown выставляется до любой асинхронной очистки,
// поэтому таймеры и ожидание переподключения становятся no-op.
func (c *Connector) Disconnect() {
	if c.shutdown.Swap(true) {
		c.wait()
		return
	}
	c.transition(ShuttingDown)

	c.mu.Lock()
	cancel, conn := c.cancel, c.conn
	c.mu.Unlock()

	if conn != nil {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "client shutdown")
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		_ = conn.Close()
	}
	if cancel != nil {
		cancel()
	}
	c.wait()
	c.log.Info("upstream: disconnected")
}

func (c *Connector) wait() {
	if done := c.Done(); done != nil {
		<-done
	}
}

// Send сериализует v в JSON и пишет текстовый кадр.
func (c *Connector) Send(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("upstream: marshal: %w", err)
	}
	return c.SendRaw(data)
}

// SendRaw пишет готовый JSON-кадр. Записи сериализуются writeMu.
func (c *Connector) SendRaw(data []byte) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return errs.Transport("write", err)
	}
	return nil
}

// MarkAuthenticated переводит Connected → Authenticated после подтверждения логина.
func (c *Connector) MarkAuthenticated() {
	if c.State() == Connected {
		c.transition(Authenticated)
	}
}

// -----------------------------------------------------------------------------
// state machine
// -----------------------------------------------------------------------------

func (c *Connector) transition(next State) {
	c.mu.Lock()
	prev := c.state
	// из ShuttingDown выхода нет
	if prev == next || (prev == ShuttingDown && next != ShuttingDown) {
		c.mu.Unlock()
		return
	}
	c.state = next
	listeners := append([]StateListener(nil), c.listeners...)
	c.mu.Unlock()

	stateGauge.WithLabelValues(c.cfg.Name).Set(float64(next))
	c.log.Debug("upstream: state", zap.Stringer("from", prev), zap.Stringer("to", next))
	for _, fn := range listeners {
		fn(prev, next)
	}
}

func (c *Connector) run(ctx context.Context, done chan struct{}) {
	var terminal error
	defer func() {
		c.mu.Lock()
		c.running = false
		c.err = terminal
		c.mu.Unlock()
		if !c.shutdown.Load() && terminal == nil {
			c.transition(Disconnected)
		}
		close(done)
	}()

	// Задержки: min(base·2^(n-1), cap), после MaxAttempts: Stop.
	policy, err := backoff.New(backoff.Config{
		InitialInterval: c.cfg.ReconnectBase,
		Multiplier:      2,
		MaxInterval:     c.cfg.ReconnectCap,
		NoJitter:        true,
		MaxRetries:      uint64(c.cfg.MaxAttempts),
	})
	if err != nil {
		terminal = err
		return
	}

	for {
		if c.stopped(ctx) {
			return
		}
		c.transition(Connecting)

		sessErr := c.session(ctx, policy.Reset)
		if c.stopped(ctx) {
			return
		}

		if errs.IsAuth(sessErr) {
			c.transition(Error)
			c.log.Error("upstream: authentication rejected, not retrying", zap.Error(sessErr))
			terminalFailures.WithLabelValues(c.cfg.Name, "auth").Inc()
			terminal = sessErr
			return
		}

		c.transition(Error)
		delay := policy.NextBackOff()
		c.mu.Lock()
		attempts := c.attempts
		if delay != backoff.Stop {
			c.attempts++
			attempts = c.attempts
		}
		c.mu.Unlock()

		if delay == backoff.Stop {
			terminal = &errs.ExhaustedRetriesError{Attempts: attempts, Last: sessErr}
			terminalFailures.WithLabelValues(c.cfg.Name, "exhausted").Inc()
			c.log.Error("upstream: reconnect attempts exhausted", zap.Int("attempts", attempts), zap.Error(sessErr))
			return
		}

		reconnects.WithLabelValues(c.cfg.Name).Inc()
		c.log.Warn("upstream: connection lost, reconnecting",
			zap.Error(sessErr),
			zap.Int("attempt", attempts),
			zap.Duration("delay", delay),
		)
		if err := c.sleep(ctx, delay); err != nil {
			return
		}
	}
}

func (c *Connector) stopped(ctx context.Context) bool {
	return c.shutdown.Load() || ctx.Err() != nil
}

// -----------------------------------------------------------------------------
// session
// -----------------------------------------------------------------------------

type frame struct {
	data []byte
	err  error
}

// session держит одно соединение: dial → open → цикл чтения/heartbeat.
// Возвращает причину разрыва.
func (c *Connector) session(ctx context.Context, onOpen func()) error {
	conn, err := c.dial(ctx)
	if err != nil {
		return err
	}

	c.mu.Lock()
	if c.shutdown.Load() {
		c.mu.Unlock()
		_ = conn.Close()
		return ErrShuttingDown
	}
	c.conn = conn
	c.attempts = 0
	c.mu.Unlock()
	onOpen()

	defer func() {
		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
		_ = conn.Close()
	}()

	sessCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	frames := make(chan frame, c.cfg.BufferSize)
	go c.readLoop(sessCtx, conn, frames)

	c.log.Info("upstream: connected", zap.String("url", c.cfg.URL))
	c.transition(Connected)

	if c.hooks.OnOpen != nil {
		if err := c.hooks.OnOpen(sessCtx, c); err != nil {
			if errs.IsAuth(err) {
				return err
			}
			return errs.Transport("on-open", err)
		}
	}

	ping := time.NewTicker(c.cfg.PingInterval)
	defer ping.Stop()
	var (
		pongTimer *time.Timer
		pongDue   <-chan time.Time
	)
	stopPong := func() {
		if pongTimer != nil {
			pongTimer.Stop()
		}
		pongTimer, pongDue = nil, nil
	}
	defer stopPong()

	for {
		select {
		case <-sessCtx.Done():
			return ctx.Err()

		case f := <-frames:
			if f.err != nil {
				return errs.Transport("read", f.err)
			}
			if c.hooks.IsPong(f.data) {
				messages.WithLabelValues(c.cfg.Name, "pong").Inc()
				stopPong()
				continue
			}
			messages.WithLabelValues(c.cfg.Name, "data").Inc()
			if err := c.dispatch(sessCtx, f.data); err != nil {
				return err
			}

		case now := <-ping.C:
			payload, err := c.hooks.BuildPing(now)
			if err != nil {
				return errs.Transport("build-ping", err)
			}
			if err := c.SendRaw(payload); err != nil {
				return err
			}
			if pongDue == nil {
				pongTimer = time.NewTimer(c.cfg.PongTimeout)
				pongDue = pongTimer.C
			}

		case <-pongDue:
			heartbeatTimeouts.WithLabelValues(c.cfg.Name).Inc()
			return errs.Transport("heartbeat", ErrPongTimeout)
		}
	}
}

func (c *Connector) dispatch(ctx context.Context, data []byte) error {
	_, span := tracer.Start(ctx, "upstream.Dispatch", trace.WithAttributes(attribute.String("connector", c.cfg.Name)))
	defer span.End()

	err := c.hooks.OnMessage(ctx, c, data)
	switch {
	case err == nil:
		return nil
	case errs.IsProtocol(err):
		messages.WithLabelValues(c.cfg.Name, "dropped").Inc()
		c.log.Warn("upstream: dropping message", zap.Error(err), zap.ByteString("raw", truncate(data, 256)))
		return nil
	case errs.IsAuth(err):
		span.RecordError(err)
		return err
	default:
		span.RecordError(err)
		return errs.Transport("dispatch", err)
	}
}

func (c *Connector) dial(ctx context.Context) (*websocket.Conn, error) {
	ctx, span := tracer.Start(ctx, "upstream.Dial", trace.WithAttributes(
		attribute.String("connector", c.cfg.Name),
		attribute.String("url", c.cfg.URL),
	))
	defer span.End()

	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.HandshakeTimeout)
	defer cancel()
	conn, resp, err := c.dialer.DialContext(dialCtx, c.cfg.URL, c.cfg.Header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		span.RecordError(err)
		return nil, errs.Transport("dial", err)
	}
	return conn, nil
}

// readLoop: единственный читатель сокета; кадры уходят в сессию по порядку.
func (c *Connector) readLoop(ctx context.Context, conn *websocket.Conn, out chan<- frame) {
	for {
		_, data, err := conn.ReadMessage()
		select {
		case out <- frame{data: data, err: err}:
		case <-ctx.Done():
			return
		}
		if err != nil {
			return
		}
	}
}

func truncate(b []byte, n int) []byte {
	if len(b) <= n {
		return b
	}
	return b[:n]
}
