package orderbook

import (
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/YaganovValera/exchange-relay/common/errs"
	"github.com/YaganovValera/exchange-relay/common/logger"
	"github.com/YaganovValera/exchange-relay/services/collector/internal/upstream"
)

type fakeSub struct {
	mu          sync.Mutex
	connected   bool
	subscribed  []string
	unsubscribe []string
}

func (f *fakeSub) Subscribe(instr string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscribed = append(f.subscribed, instr)
	return nil
}

func (f *fakeSub) Unsubscribe(instr string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unsubscribe = append(f.unsubscribe, instr)
	return nil
}

func (f *fakeSub) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeSub) setConnected(v bool) {
	f.mu.Lock()
	f.connected = v
	f.mu.Unlock()
}

func (f *fakeSub) subs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.subscribed...)
}

func lv(price, size string) Level {
	return Level{Price: decimal.RequireFromString(price), Size: decimal.RequireFromString(size)}
}

func newEngine(t *testing.T) (*Engine, *fakeSub) {
	t.Helper()
	e := New(Config{}, logger.Nop())
	sub := &fakeSub{}
	e.Attach(sub)
	return e, sub
}

func TestSubscribe_QueuedUntilConnected(t *testing.T) {
	e, sub := newEngine(t)

	require.NoError(t, e.Subscribe("btc_usdt"))
	require.NoError(t, e.Subscribe("ETH/USDT"))
	assert.Empty(t, sub.subs(), "nothing is sent while disconnected")
	assert.Equal(t, []string{"BTC_USDT", "ETH_USDT"}, e.Desired())

	sub.setConnected(true)
	e.HandleState(upstream.Connecting, upstream.Connected)
	assert.ElementsMatch(t, []string{"BTC_USDT", "ETH_USDT"}, sub.subs())

	// Connected → Authenticated не дублирует подписки
	e.HandleState(upstream.Connected, upstream.Authenticated)
	assert.Len(t, sub.subs(), 2)
}

func TestReconnect_ReplaysAndRefreshes(t *testing.T) {
	e, sub := newEngine(t)
	sub.setConnected(true)
	require.NoError(t, e.Subscribe("BTC_USDT"))
	require.NoError(t, e.Subscribe("ETH_USDT"))
	require.Len(t, sub.subs(), 2)

	t0 := time.Unix(100, 0)
	require.NoError(t, e.ApplySnapshot("BTC_USDT", []Level{lv("100", "1")}, []Level{lv("101", "1")}, t0))

	// обрыв: стаканы сбрасываются, желаемые подписки остаются
	sub.setConnected(false)
	e.HandleState(upstream.Connected, upstream.Error)
	_, ok := e.Snapshot("BTC_USDT")
	assert.False(t, ok, "stale book must not survive a disconnect")

	sub.setConnected(true)
	e.HandleState(upstream.Connecting, upstream.Connected)
	assert.Len(t, sub.subs(), 4)

	t1 := t0.Add(time.Second)
	require.NoError(t, e.ApplySnapshot("BTC_USDT", []Level{lv("200", "1")}, []Level{lv("201", "1")}, t1))
	snap, ok := e.Snapshot("BTC_USDT")
	require.True(t, ok)
	assert.Equal(t, t1, snap.UpdatedAt)
	assert.True(t, snap.Bids[0].Price.Equal(decimal.NewFromInt(200)))
}

func TestApplyDelta_MergeAndOrdering(t *testing.T) {
	e, _ := newEngine(t)
	require.NoError(t, e.Subscribe("BTC_USDT"))

	require.NoError(t, e.ApplySnapshot("BTC_USDT",
		[]Level{lv("99", "1"), lv("100", "2"), lv("98", "3")},
		[]Level{lv("102", "1"), lv("101", "2")}, time.Time{}))

	snap, ok := e.Snapshot("BTC_USDT")
	require.True(t, ok)
	assert.Equal(t, []string{"100", "99", "98"}, prices(snap.Bids))
	assert.Equal(t, []string{"101", "102"}, prices(snap.Asks))

	// 100 удаляется, 99 меняет объём, 99.5 вставляется
	require.NoError(t, e.ApplyDelta("BTC_USDT",
		[]Level{lv("100", "0"), lv("99", "5"), lv("99.5", "1")},
		[]Level{lv("103", "1")}, time.Time{}))

	snap, _ = e.Snapshot("BTC_USDT")
	assert.Equal(t, []string{"99.5", "99", "98"}, prices(snap.Bids))
	assert.True(t, snap.Bids[1].Size.Equal(decimal.NewFromInt(5)))
	assert.Equal(t, []string{"101", "102", "103"}, prices(snap.Asks))

	// удаление отсутствующего уровня: no-op
	require.NoError(t, e.ApplyDelta("BTC_USDT", []Level{lv("1", "0")}, nil, time.Time{}))
	snap, _ = e.Snapshot("BTC_USDT")
	assert.Len(t, snap.Bids, 3)
}

func TestApplyDelta_WithoutBaselineDropped(t *testing.T) {
	e, _ := newEngine(t)
	require.NoError(t, e.Subscribe("BTC_USDT"))
	require.NoError(t, e.ApplyDelta("BTC_USDT", []Level{lv("1", "1")}, nil, time.Time{}))
	_, ok := e.Snapshot("BTC_USDT")
	assert.False(t, ok)
}

func TestCrossedBookRejected(t *testing.T) {
	e, _ := newEngine(t)
	require.NoError(t, e.Subscribe("BTC_USDT"))
	require.NoError(t, e.ApplySnapshot("BTC_USDT", []Level{lv("100", "1")}, []Level{lv("101", "1")}, time.Time{}))

	err := e.ApplyDelta("BTC_USDT", []Level{lv("101.5", "1")}, nil, time.Time{})
	require.Error(t, err)
	assert.True(t, errs.IsProtocol(err))

	// предыдущее состояние сохранено
	top, ok := e.BestBidAsk("BTC_USDT")
	require.True(t, ok)
	assert.True(t, top.BestBid.Equal(decimal.NewFromInt(100)))

	err = e.ApplySnapshot("BTC_USDT", []Level{lv("5", "1")}, []Level{lv("5", "1")}, time.Time{})
	assert.True(t, errs.IsProtocol(err))
}

func TestBestBidAsk(t *testing.T) {
	e, _ := newEngine(t)
	require.NoError(t, e.Subscribe("BTC_USDT"))

	require.NoError(t, e.ApplySnapshot("BTC_USDT", []Level{lv("99", "1")}, []Level{lv("101", "1")}, time.Time{}))
	top, ok := e.BestBidAsk("BTC_USDT")
	require.True(t, ok)
	assert.True(t, top.Spread.Equal(decimal.NewFromInt(2)), "spread = %s", top.Spread)
	assert.True(t, top.SpreadPercent.Equal(decimal.NewFromInt(2)), "spreadPercent = %s", top.SpreadPercent)

	// одна сторона пуста
	require.NoError(t, e.ApplySnapshot("BTC_USDT", []Level{lv("99", "1")}, nil, time.Time{}))
	top, _ = e.BestBidAsk("BTC_USDT")
	require.NotNil(t, top.BestBid)
	assert.Nil(t, top.BestAsk)
	assert.True(t, top.Spread.IsZero())
	assert.True(t, top.SpreadPercent.IsZero())

	_, ok = e.BestBidAsk("DOGE_USDT")
	assert.False(t, ok)
}

func TestUnsubscribe_ClearsCache(t *testing.T) {
	e, sub := newEngine(t)
	sub.setConnected(true)

	var removed []string
	e.OnRemove(func(instr string) { removed = append(removed, instr) })

	require.NoError(t, e.Subscribe("BTC_USDT"))
	require.NoError(t, e.ApplySnapshot("BTC_USDT", []Level{lv("1", "1")}, []Level{lv("2", "1")}, time.Time{}))

	require.NoError(t, e.Unsubscribe("btc_usdt"))
	_, ok := e.Snapshot("BTC_USDT")
	assert.False(t, ok)
	assert.Equal(t, []string{"BTC_USDT"}, sub.unsubscribe)
	assert.Equal(t, []string{"BTC_USDT"}, removed)

	// повторная отписка: no-op
	require.NoError(t, e.Unsubscribe("BTC_USDT"))
	assert.Len(t, sub.unsubscribe, 1)

	// запоздалое обновление не воскрешает стакан
	require.NoError(t, e.ApplySnapshot("BTC_USDT", []Level{lv("1", "1")}, nil, time.Time{}))
	_, ok = e.Snapshot("BTC_USDT")
	assert.False(t, ok)
}

func TestOnUpdate_ReceivesCopy(t *testing.T) {
	e, _ := newEngine(t)
	require.NoError(t, e.Subscribe("BTC_USDT"))

	var got Snapshot
	e.OnUpdate(func(s Snapshot) { got = s })
	require.NoError(t, e.ApplySnapshot("BTC_USDT", []Level{lv("1", "1")}, []Level{lv("2", "1")}, time.Time{}))
	require.Len(t, got.Bids, 1)

	got.Bids[0].Size = decimal.NewFromInt(42)
	snap, _ := e.Snapshot("BTC_USDT")
	assert.True(t, snap.Bids[0].Size.Equal(decimal.NewFromInt(1)), "listener must not alias engine state")
}

func TestMaxDepthAndParse(t *testing.T) {
	e := New(Config{MaxDepth: 2}, logger.Nop())
	require.NoError(t, e.Subscribe("X"))

	bids, err := ParseLevels([][]string{{"3", "1"}, {"2", "1"}, {"1", "1"}})
	require.NoError(t, err)
	require.NoError(t, e.ApplySnapshot("X", bids, nil, time.Time{}))
	snap, _ := e.Snapshot("X")
	assert.Equal(t, []string{"3", "2"}, prices(snap.Bids))
	assert.Len(t, snap.Depth(1).Bids, 1)

	_, err = ParseLevels([][]string{{"abc", "1"}})
	assert.True(t, errs.IsProtocol(err))
	_, err = ParseLevels([][]string{{"1"}})
	assert.True(t, errs.IsProtocol(err))
}

func prices(levels []Level) []string {
	out := make([]string, len(levels))
	for i, l := range levels {
		out[i] = l.Price.String()
	}
	return out
}
