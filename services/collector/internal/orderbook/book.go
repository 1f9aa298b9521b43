package orderbook

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/YaganovValera/exchange-relay/common/errs"
)

// book: изменяемое состояние одного инструмента. Не потокобезопасен.
type book struct {
	bids      []Level // desc
	asks      []Level // asc
	updatedAt time.Time
}

// replace строит новый стакан из полного снимка.
func replaceLevels(bids, asks []Level, maxDepth int) (*book, error) {
	nb := &book{}
	for _, l := range bids {
		nb.bids = upsert(nb.bids, l, true)
	}
	for _, l := range asks {
		nb.asks = upsert(nb.asks, l, false)
	}
	nb.trim(maxDepth)
	if err := nb.checkCrossed(); err != nil {
		return nil, err
	}
	return nb, nil
}

// merge применяет дельту к копии стакана; исходный не меняется.
func (b *book) merge(bids, asks []Level, maxDepth int) (*book, error) {
	nb := &book{
		bids: append([]Level(nil), b.bids...),
		asks: append([]Level(nil), b.asks...),
	}
	for _, l := range bids {
		nb.bids = upsert(nb.bids, l, true)
	}
	for _, l := range asks {
		nb.asks = upsert(nb.asks, l, false)
	}
	nb.trim(maxDepth)
	if err := nb.checkCrossed(); err != nil {
		return nil, err
	}
	return nb, nil
}

func (b *book) trim(maxDepth int) {
	if maxDepth <= 0 {
		return
	}
	if len(b.bids) > maxDepth {
		b.bids = b.bids[:maxDepth]
	}
	if len(b.asks) > maxDepth {
		b.asks = b.asks[:maxDepth]
	}
}

func (b *book) checkCrossed() error {
	if len(b.bids) == 0 || len(b.asks) == 0 {
		return nil
	}
	if b.bids[0].Price.GreaterThanOrEqual(b.asks[0].Price) {
		return errs.Protocol("crossed book: best bid "+b.bids[0].Price.String()+" >= best ask "+b.asks[0].Price.String(), nil)
	}
	return nil
}

func (b *book) snapshot(instrument string) Snapshot {
	return Snapshot{
		Instrument: instrument,
		Bids:       append([]Level(nil), b.bids...),
		Asks:       append([]Level(nil), b.asks...),
		UpdatedAt:  b.updatedAt,
	}
}

// upsert вставляет/заменяет уровень с сохранением порядка; Size == 0 удаляет уровень.
func upsert(levels []Level, l Level, desc bool) []Level {
	i := sort.Search(len(levels), func(i int) bool {
		if desc {
			return levels[i].Price.LessThanOrEqual(l.Price)
		}
		return levels[i].Price.GreaterThanOrEqual(l.Price)
	})
	found := i < len(levels) && levels[i].Price.Equal(l.Price)

	switch {
	case l.Size.Sign() <= 0:
		if found {
			levels = append(levels[:i], levels[i+1:]...)
		}
	case found:
		levels[i].Size = l.Size
	default:
		levels = append(levels, Level{})
		copy(levels[i+1:], levels[i:])
		levels[i] = Level{Price: l.Price, Size: l.Size}
	}
	return levels
}

// ParseLevels разбирает пары ["price","size"] в уровни.
func ParseLevels(raw [][]string) ([]Level, error) {
	out := make([]Level, 0, len(raw))
	for _, pair := range raw {
		if len(pair) < 2 {
			return nil, errs.Protocol("price level must be [price, size]", nil)
		}
		p, err := decimal.NewFromString(pair[0])
		if err != nil {
			return nil, errs.Protocol("bad price "+pair[0], err)
		}
		s, err := decimal.NewFromString(pair[1])
		if err != nil {
			return nil, errs.Protocol("bad size "+pair[1], err)
		}
		out = append(out, Level{Price: p, Size: s})
	}
	return out, nil
}
