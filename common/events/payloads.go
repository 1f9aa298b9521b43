package events

import "github.com/shopspring/decimal"

// BalanceEntry: остаток по одной валюте.
type BalanceEntry struct {
	Currency  string          `json:"currency"`
	Available decimal.Decimal `json:"available"`
	Locked    decimal.Decimal `json:"locked"`
	Total     decimal.Decimal `json:"total"`
}

// BalancePayload: data для exchange:balance.
type BalancePayload struct {
	Balances []BalanceEntry `json:"balances"`
	Snapshot bool           `json:"snapshot"` // true → полный снимок (REST), false → дельта (WS)
}

// PriceLevel: уровень стакана в data для orderbook:update.
type PriceLevel struct {
	Price decimal.Decimal `json:"price"`
	Size  decimal.Decimal `json:"size"`
}

// OrderBookPayload: data для orderbook:update.
type OrderBookPayload struct {
	Instrument    string           `json:"instrument"`
	Bids          []PriceLevel     `json:"bids"`
	Asks          []PriceLevel     `json:"asks"`
	BestBid       *decimal.Decimal `json:"bestBid"`
	BestAsk       *decimal.Decimal `json:"bestAsk"`
	Spread        decimal.Decimal  `json:"spread"`
	SpreadPercent decimal.Decimal  `json:"spreadPercent"`
	UpdatedAt     int64            `json:"updatedAt"`
}

// ConnectorStatus: состояние одного коннектора в heartbeat.
type ConnectorStatus struct {
	Name      string `json:"name"`
	State     string `json:"state"`
	Connected bool   `json:"connected"`
	Failed    bool   `json:"failed"`
	Error     string `json:"error,omitempty"`
}

// HeartbeatPayload: data для system:heartbeat.
type HeartbeatPayload struct {
	Service    string            `json:"service"`
	Status     string            `json:"status"` // ok | degraded
	Connectors []ConnectorStatus `json:"connectors"`
	UptimeSec  int64             `json:"uptimeSec"`
}
