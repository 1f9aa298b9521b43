// Package balance ведёт балансы аккаунта: полный снимок по REST и дельты из spot.balances.
package balance

import (
	"encoding/json"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/YaganovValera/exchange-relay/common/errs"
	"github.com/YaganovValera/exchange-relay/common/events"
)

// wsRow: элемент result канала spot.balances.
type wsRow struct {
	Currency  string `json:"currency"`
	Available string `json:"available"`
	Freeze    string `json:"freeze"`
	Total     string `json:"total"`
}

// accountRow: элемент ответа GET /api/v4/spot/accounts.
type accountRow struct {
	Currency  string `json:"currency"`
	Available string `json:"available"`
	Locked    string `json:"locked"`
}

// ParseUpdate разбирает result кадра spot.balances.
func ParseUpdate(raw json.RawMessage) ([]events.BalanceEntry, error) {
	var rows []wsRow
	if err := json.Unmarshal(raw, &rows); err != nil {
		return nil, errs.Protocol("spot.balances result", err)
	}
	out := make([]events.BalanceEntry, 0, len(rows))
	for _, r := range rows {
		e, err := entry(r.Currency, r.Available, r.Freeze, r.Total)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

// ParseAccounts разбирает тело ответа REST.
func ParseAccounts(body []byte) ([]events.BalanceEntry, error) {
	var rows []accountRow
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, errs.Protocol("spot accounts body", err)
	}
	out := make([]events.BalanceEntry, 0, len(rows))
	for _, r := range rows {
		e, err := entry(r.Currency, r.Available, r.Locked, "")
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

func entry(currency, available, locked, total string) (events.BalanceEntry, error) {
	currency = strings.ToUpper(strings.TrimSpace(currency))
	if currency == "" {
		return events.BalanceEntry{}, errs.Protocol("balance without currency", nil)
	}
	a, err := amount(available)
	if err != nil {
		return events.BalanceEntry{}, err
	}
	l, err := amount(locked)
	if err != nil {
		return events.BalanceEntry{}, err
	}
	t := a.Add(l)
	if total != "" {
		if t, err = amount(total); err != nil {
			return events.BalanceEntry{}, err
		}
	}
	return events.BalanceEntry{Currency: currency, Available: a, Locked: l, Total: t}, nil
}

// amount: пустая строка: ноль.
func amount(s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, errs.Protocol("bad amount "+s, err)
	}
	return d, nil
}
