package balance

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/YaganovValera/exchange-relay/common/events"
	"github.com/YaganovValera/exchange-relay/common/logger"
)

// Publisher получает полное состояние балансов после каждого изменения.
type Publisher func(ctx context.Context, p events.BalancePayload) error

// Fetcher: источник полного снимка (REST).
type Fetcher interface {
	Accounts(ctx context.Context) ([]events.BalanceEntry, error)
}

// Tracker сливает дельты WS поверх REST-снимка и публикует итог целиком,
// чтобы last-value кэш всегда хранил полное состояние.
type Tracker struct {
	fetch   Fetcher
	publish Publisher
	log     *logger.Logger

	mu       sync.RWMutex
	balances map[string]events.BalanceEntry

	trigger chan struct{}
}

// NewTracker создаёт трекер. fetch == nil: только WS-дельты.
func NewTracker(fetch Fetcher, publish Publisher, log *logger.Logger) *Tracker {
	return &Tracker{
		fetch:    fetch,
		publish:  publish,
		log:      log.Named("balance"),
		balances: make(map[string]events.BalanceEntry),
		trigger:  make(chan struct{}, 1),
	}
}

// HandleUpdate: gateio.BalanceHandler для кадров spot.balances.
func (t *Tracker) HandleUpdate(ctx context.Context, raw json.RawMessage) error {
	entries, err := ParseUpdate(raw)
	if err != nil {
		return err
	}
	t.mu.Lock()
	for _, e := range entries {
		t.balances[e.Currency] = e
	}
	t.mu.Unlock()
	t.emit(ctx, false)
	return nil
}

// Refresh заменяет состояние REST-снимком.
func (t *Tracker) Refresh(ctx context.Context) error {
	if t.fetch == nil {
		return nil
	}
	entries, err := t.fetch.Accounts(ctx)
	if err != nil {
		return err
	}
	next := make(map[string]events.BalanceEntry, len(entries))
	for _, e := range entries {
		next[e.Currency] = e
	}
	t.mu.Lock()
	t.balances = next
	t.mu.Unlock()
	t.emit(ctx, true)
	return nil
}

// Trigger просит Run выполнить внеочередной Refresh (например, после логина).
func (t *Tracker) Trigger() {
	select {
	case t.trigger <- struct{}{}:
	default:
	}
}

// Run обновляет снимок по таймеру и по Trigger до отмены ctx.
func (t *Tracker) Run(ctx context.Context, interval time.Duration) error {
	if t.fetch == nil {
		<-ctx.Done()
		return nil
	}
	var tick <-chan time.Time
	if interval > 0 {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		tick = ticker.C
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-tick:
		case <-t.trigger:
		}
		if err := t.Refresh(ctx); err != nil && ctx.Err() == nil {
			t.log.Warn("balance refresh failed", zap.Error(err))
		}
	}
}

// Balances: отсортированная по валюте копия состояния.
func (t *Tracker) Balances() []events.BalanceEntry {
	t.mu.RLock()
	out := make([]events.BalanceEntry, 0, len(t.balances))
	for _, e := range t.balances {
		out = append(out, e)
	}
	t.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Currency < out[j].Currency })
	return out
}

// emit: сбой шины не должен рвать сокет биржи, поэтому только логируется.
func (t *Tracker) emit(ctx context.Context, snapshot bool) {
	if t.publish == nil {
		return
	}
	p := events.BalancePayload{Balances: t.Balances(), Snapshot: snapshot}
	if err := t.publish(ctx, p); err != nil {
		t.log.Warn("publish balances failed", zap.Error(err))
	}
}
