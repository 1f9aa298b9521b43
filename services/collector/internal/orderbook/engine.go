// services/collector/internal/orderbook/engine.go
package orderbook

import (
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/YaganovValera/exchange-relay/common/logger"
	"github.com/YaganovValera/exchange-relay/services/collector/internal/upstream"
)

// Subscriber: транспорт, которым движок управляет подписками биржи.
type Subscriber interface {
	Subscribe(instrument string) error
	Unsubscribe(instrument string) error
	IsConnected() bool
}

// UpdateListener получает копию стакана после каждого применённого обновления.
type UpdateListener func(snap Snapshot)

// RemoveListener вызывается, когда инструмент снят с подписки.
type RemoveListener func(instrument string)

// Config: настройки движка.
type Config struct {
	// MaxDepth ограничивает число хранимых уровней на сторону; 0: без ограничения.
	MaxDepth int `mapstructure:"max_depth"`
}

// Engine: кэш стаканов в памяти. Желаемые подписки переживают переподключения
// и переотправляются при каждом переходе коннектора в живое состояние.
type Engine struct {
	cfg Config
	log *logger.Logger

	mu       sync.RWMutex
	sub      Subscriber
	desired  map[string]struct{}
	books    map[string]*book
	onUpdate []UpdateListener
	onRemove []RemoveListener

	now func() time.Time
}

// New создаёт пустой движок.
func New(cfg Config, log *logger.Logger) *Engine {
	if cfg.MaxDepth < 0 {
		cfg.MaxDepth = 0
	}
	return &Engine{
		cfg:     cfg,
		log:     log.Named("orderbook"),
		desired: make(map[string]struct{}),
		books:   make(map[string]*book),
		now:     time.Now,
	}
}

// Attach привязывает транспорт подписок.
func (e *Engine) Attach(sub Subscriber) {
	e.mu.Lock()
	e.sub = sub
	e.mu.Unlock()
}

// OnUpdate регистрирует слушателя обновлений.
func (e *Engine) OnUpdate(fn UpdateListener) {
	e.mu.Lock()
	e.onUpdate = append(e.onUpdate, fn)
	e.mu.Unlock()
}

// OnRemove регистрирует слушателя отписок.
func (e *Engine) OnRemove(fn RemoveListener) {
	e.mu.Lock()
	e.onRemove = append(e.onRemove, fn)
	e.mu.Unlock()
}

// Normalize приводит символ инструмента к каноническому виду (BTC_USDT).
func Normalize(instrument string) string {
	s := strings.ToUpper(strings.TrimSpace(instrument))
	return strings.NewReplacer("/", "_", "-", "_").Replace(s)
}

// Subscribe добавляет инструмент в желаемый набор. Если коннектор не подключён,
// подписка отправится при следующем открытии соединения.
func (e *Engine) Subscribe(instrument string) error {
	instrument = Normalize(instrument)
	if instrument == "" {
		return errors.New("orderbook: empty instrument")
	}
	e.mu.Lock()
	sub := e.sub
	_, already := e.desired[instrument]
	e.desired[instrument] = struct{}{}
	e.mu.Unlock()

	if sub == nil || already || !sub.IsConnected() {
		return nil
	}
	return sub.Subscribe(instrument)
}

// Unsubscribe снимает инструмент и удаляет его стакан. Отписка от
// неподписанного инструмента: no-op.
func (e *Engine) Unsubscribe(instrument string) error {
	instrument = Normalize(instrument)
	e.mu.Lock()
	if _, ok := e.desired[instrument]; !ok {
		e.mu.Unlock()
		return nil
	}
	delete(e.desired, instrument)
	delete(e.books, instrument)
	sub := e.sub
	removers := append([]RemoveListener(nil), e.onRemove...)
	e.mu.Unlock()

	for _, fn := range removers {
		fn(instrument)
	}
	if sub == nil || !sub.IsConnected() {
		return nil
	}
	return sub.Unsubscribe(instrument)
}

// Desired: отсортированный список желаемых инструментов.
func (e *Engine) Desired() []string {
	e.mu.RLock()
	out := make([]string, 0, len(e.desired))
	for k := range e.desired {
		out = append(out, k)
	}
	e.mu.RUnlock()
	sort.Strings(out)
	return out
}

// Snapshot возвращает копию стакана; false, если данных нет.
func (e *Engine) Snapshot(instrument string) (Snapshot, bool) {
	instrument = Normalize(instrument)
	e.mu.RLock()
	defer e.mu.RUnlock()
	b, ok := e.books[instrument]
	if !ok {
		return Snapshot{}, false
	}
	return b.snapshot(instrument), true
}

// BestBidAsk вычисляет вершину стакана из текущего снапшота.
func (e *Engine) BestBidAsk(instrument string) (BestBidAsk, bool) {
	snap, ok := e.Snapshot(instrument)
	if !ok {
		return BestBidAsk{}, false
	}
	return snap.Top(), true
}

// ApplySnapshot заменяет стакан целиком.
func (e *Engine) ApplySnapshot(instrument string, bids, asks []Level, at time.Time) error {
	return e.apply(instrument, at, func(_ *book) (*book, error) {
		return replaceLevels(bids, asks, e.cfg.MaxDepth)
	})
}

// ApplyDelta сливает изменения уровней; Size == 0 удаляет уровень.
// Дельта без базового снимка отбрасывается.
func (e *Engine) ApplyDelta(instrument string, bids, asks []Level, at time.Time) error {
	return e.apply(instrument, at, func(cur *book) (*book, error) {
		if cur == nil {
			return nil, errNoBaseline
		}
		return cur.merge(bids, asks, e.cfg.MaxDepth)
	})
}

var errNoBaseline = errors.New("orderbook: delta without baseline snapshot")

func (e *Engine) apply(instrument string, at time.Time, build func(cur *book) (*book, error)) error {
	instrument = Normalize(instrument)
	if at.IsZero() {
		at = e.now()
	}

	e.mu.Lock()
	if _, ok := e.desired[instrument]; !ok {
		e.mu.Unlock()
		// запоздалое обновление после отписки
		e.log.Debug("update for unsubscribed instrument dropped", zap.String("instrument", instrument))
		return nil
	}
	nb, err := build(e.books[instrument])
	if err != nil {
		e.mu.Unlock()
		if errors.Is(err, errNoBaseline) {
			e.log.Debug("delta dropped", zap.String("instrument", instrument))
			return nil
		}
		return err
	}
	nb.updatedAt = at
	e.books[instrument] = nb
	snap := nb.snapshot(instrument)
	listeners := append([]UpdateListener(nil), e.onUpdate...)
	e.mu.Unlock()

	for _, fn := range listeners {
		fn(snap)
	}
	return nil
}

// HandleState: upstream.StateListener: переотправляет желаемые подписки при
// каждом входе в живое состояние и сбрасывает стаканы при ошибке соединения.
func (e *Engine) HandleState(prev, next upstream.State) {
	switch {
	case next.Live() && !prev.Live():
		e.resubscribe()
	case next == upstream.Error:
		e.invalidate()
	}
}

func (e *Engine) resubscribe() {
	e.mu.RLock()
	sub := e.sub
	e.mu.RUnlock()
	if sub == nil {
		return
	}
	for _, instr := range e.Desired() {
		if err := sub.Subscribe(instr); err != nil {
			e.log.Warn("resubscribe failed", zap.String("instrument", instr), zap.Error(err))
		}
	}
}

func (e *Engine) invalidate() {
	e.mu.Lock()
	n := len(e.books)
	e.books = make(map[string]*book)
	e.mu.Unlock()
	if n > 0 {
		e.log.Info("order books invalidated", zap.Int("instruments", n))
	}
}
