package orderbook

import (
	"time"

	"github.com/shopspring/decimal"
)

// Level: ценовой уровень стакана.
type Level struct {
	Price decimal.Decimal
	Size  decimal.Decimal
}

// Snapshot: копия стакана инструмента: Bids по убыванию цены, Asks по возрастанию.
type Snapshot struct {
	Instrument string
	Bids       []Level
	Asks       []Level
	UpdatedAt  time.Time
}

// BestBidAsk: вершина стакана, вычисляется из Snapshot при каждом чтении.
// BestBid/BestAsk == nil, если соответствующая сторона пуста; тогда Spread = 0.
type BestBidAsk struct {
	Instrument    string
	BestBid       *decimal.Decimal
	BestAsk       *decimal.Decimal
	Spread        decimal.Decimal
	SpreadPercent decimal.Decimal
	UpdatedAt     time.Time
}

var hundred = decimal.NewFromInt(100)

// Top вычисляет BestBidAsk из снапшота.
func (s Snapshot) Top() BestBidAsk {
	out := BestBidAsk{Instrument: s.Instrument, UpdatedAt: s.UpdatedAt}
	if len(s.Bids) > 0 {
		p := s.Bids[0].Price
		out.BestBid = &p
	}
	if len(s.Asks) > 0 {
		p := s.Asks[0].Price
		out.BestAsk = &p
	}
	if out.BestBid == nil || out.BestAsk == nil {
		return out
	}
	out.Spread = out.BestAsk.Sub(*out.BestBid)
	mid := out.BestAsk.Add(*out.BestBid).Div(decimal.NewFromInt(2))
	if !mid.IsZero() {
		out.SpreadPercent = out.Spread.Div(mid).Mul(hundred)
	}
	return out
}

// Depth возвращает копию снапшота, обрезанную до n уровней на сторону (n <= 0: без обрезки).
func (s Snapshot) Depth(n int) Snapshot {
	cut := func(lv []Level) []Level {
		if n > 0 && len(lv) > n {
			lv = lv[:n]
		}
		return append([]Level(nil), lv...)
	}
	return Snapshot{Instrument: s.Instrument, Bids: cut(s.Bids), Asks: cut(s.Asks), UpdatedAt: s.UpdatedAt}
}
