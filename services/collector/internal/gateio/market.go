package gateio

import (
	"context"
	"encoding/json"
	"strconv"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/YaganovValera/exchange-relay/common/errs"
	"github.com/YaganovValera/exchange-relay/common/logger"
	"github.com/YaganovValera/exchange-relay/services/collector/internal/orderbook"
	"github.com/YaganovValera/exchange-relay/services/collector/internal/upstream"
)

// MarketOptions: параметры подписки на стаканы.
type MarketOptions struct {
	Depth    int    `mapstructure:"depth"`    // уровней в spot.order_book: 5, 10, 20, 50, 100
	Interval string `mapstructure:"interval"` // "100ms" или "1000ms"
	// Incremental дополнительно подписывает spot.order_book_update; дельты
	// сливаются поверх последнего полного снимка.
	Incremental bool `mapstructure:"incremental"`
}

func (o *MarketOptions) applyDefaults() {
	if o.Depth <= 0 {
		o.Depth = 20
	}
	if o.Interval == "" {
		o.Interval = "100ms"
	}
}

// MarketFeed: публичный фид стаканов. Реализует orderbook.Subscriber.
type MarketFeed struct {
	conn *upstream.Connector
	book *orderbook.Engine
	opts MarketOptions
	log  *logger.Logger

	seq atomic.Int64
	now func() time.Time
}

// NewMarketFeed создаёт коннектор рыночных данных и привязывает к нему движок стаканов.
func NewMarketFeed(cfg upstream.Config, opts MarketOptions, book *orderbook.Engine, log *logger.Logger) (*MarketFeed, error) {
	opts.applyDefaults()
	f := &MarketFeed{
		book: book,
		opts: opts,
		log:  log.Named("gateio.market"),
		now:  time.Now,
	}
	conn, err := upstream.New(cfg, upstream.Hooks{
		BuildPing: BuildPing,
		IsPong:    IsPong,
		OnMessage: f.onMessage,
	}, log)
	if err != nil {
		return nil, err
	}
	f.conn = conn
	book.Attach(f)
	conn.OnStateChange(book.HandleState)
	return f, nil
}

// Connector: нижележащий коннектор.
func (f *MarketFeed) Connector() *upstream.Connector { return f.conn }

// IsConnected: сокет в живом состоянии.
func (f *MarketFeed) IsConnected() bool { return f.conn.IsConnected() }

// Subscribe отправляет подписку на стакан инструмента.
func (f *MarketFeed) Subscribe(instrument string) error {
	return f.send(EventSubscribe, instrument)
}

// Unsubscribe отправляет отписку.
func (f *MarketFeed) Unsubscribe(instrument string) error {
	return f.send(EventUnsubscribe, instrument)
}

func (f *MarketFeed) send(event, instrument string) error {
	ts := f.now().Unix()
	err := f.conn.Send(Request{
		Time:    ts,
		ID:      f.seq.Add(1),
		Channel: ChannelOrderBook,
		Event:   event,
		Payload: []string{instrument, strconv.Itoa(f.opts.Depth), f.opts.Interval},
	})
	if err != nil || !f.opts.Incremental {
		return err
	}
	return f.conn.Send(Request{
		Time:    ts,
		ID:      f.seq.Add(1),
		Channel: ChannelOrderBookUpdate,
		Event:   event,
		Payload: []string{instrument, f.opts.Interval},
	})
}

type bookResult struct {
	T    int64      `json:"t"`
	S    string     `json:"s"`
	Bids [][]string `json:"bids"`
	Asks [][]string `json:"asks"`
}

type bookUpdateResult struct {
	T int64      `json:"t"`
	S string     `json:"s"`
	B [][]string `json:"b"`
	A [][]string `json:"a"`
}

func (f *MarketFeed) onMessage(_ context.Context, _ *upstream.Connector, data []byte) error {
	resp, err := ParseResponse(data)
	if err != nil {
		return err
	}
	if resp.Error != nil {
		return errs.Protocol("venue error on "+resp.Channel, resp.Error)
	}

	switch resp.Event {
	case EventSubscribe, EventUnsubscribe:
		f.log.Debug("ack", zap.String("channel", resp.Channel), zap.String("event", resp.Event))
		return nil
	case EventUpdate:
	default:
		return nil
	}

	switch resp.Channel {
	case ChannelOrderBook:
		var r bookResult
		if err := json.Unmarshal(resp.Result, &r); err != nil {
			return errs.Protocol("order_book result", err)
		}
		bids, asks, err := parseSides(r.Bids, r.Asks)
		if err != nil {
			return err
		}
		return f.book.ApplySnapshot(r.S, bids, asks, msTime(r.T))

	case ChannelOrderBookUpdate:
		var r bookUpdateResult
		if err := json.Unmarshal(resp.Result, &r); err != nil {
			return errs.Protocol("order_book_update result", err)
		}
		bids, asks, err := parseSides(r.B, r.A)
		if err != nil {
			return err
		}
		return f.book.ApplyDelta(r.S, bids, asks, msTime(r.T))
	}
	return nil
}

func parseSides(rawBids, rawAsks [][]string) (bids, asks []orderbook.Level, err error) {
	if bids, err = orderbook.ParseLevels(rawBids); err != nil {
		return nil, nil, err
	}
	if asks, err = orderbook.ParseLevels(rawAsks); err != nil {
		return nil, nil, err
	}
	return bids, asks, nil
}

func msTime(ms int64) time.Time {
	if ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
