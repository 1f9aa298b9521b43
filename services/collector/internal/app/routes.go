package app

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/YaganovValera/exchange-relay/common/events"
	"github.com/YaganovValera/exchange-relay/services/collector/internal/balance"
	"github.com/YaganovValera/exchange-relay/services/collector/internal/orderbook"
)

// bookPayload: orderbook:update data из снапшота, depth уровней на сторону.
func bookPayload(s orderbook.Snapshot, depth int) events.OrderBookPayload {
	cut := s.Depth(depth)
	top := s.Top()
	p := events.OrderBookPayload{
		Instrument:    s.Instrument,
		Bids:          levels(cut.Bids),
		Asks:          levels(cut.Asks),
		BestBid:       top.BestBid,
		BestAsk:       top.BestAsk,
		Spread:        top.Spread,
		SpreadPercent: top.SpreadPercent,
	}
	if !s.UpdatedAt.IsZero() {
		p.UpdatedAt = s.UpdatedAt.UnixMilli()
	}
	return p
}

func levels(in []orderbook.Level) []events.PriceLevel {
	out := make([]events.PriceLevel, len(in))
	for i, l := range in {
		out[i] = events.PriceLevel{Price: l.Price, Size: l.Size}
	}
	return out
}

// routes: отладочные read-only эндпоинты коллектора.
func routes(book *orderbook.Engine, tracker *balance.Tracker, hb *Heartbeat, depth int) func(r chi.Router) {
	return func(r chi.Router) {
		r.Get("/orderbooks", func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, http.StatusOK, map[string]interface{}{"instruments": book.Desired()})
		})
		r.Get("/orderbooks/{instrument}", func(w http.ResponseWriter, req *http.Request) {
			snap, ok := book.Snapshot(chi.URLParam(req, "instrument"))
			if !ok {
				writeJSON(w, http.StatusNotFound, map[string]string{"error": "no order book"})
				return
			}
			d := depth
			if v, err := strconv.Atoi(req.URL.Query().Get("depth")); err == nil && v > 0 {
				d = v
			}
			writeJSON(w, http.StatusOK, bookPayload(snap, d))
		})
		r.Get("/balances", func(w http.ResponseWriter, _ *http.Request) {
			if tracker == nil {
				writeJSON(w, http.StatusNotFound, map[string]string{"error": "balances disabled"})
				return
			}
			writeJSON(w, http.StatusOK, events.BalancePayload{Balances: tracker.Balances(), Snapshot: true})
		})
		r.Get("/status", func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, http.StatusOK, hb.Payload())
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
