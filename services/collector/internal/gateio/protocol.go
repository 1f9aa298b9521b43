// Package gateio: протокол Gate.io WebSocket API v4 (spot) поверх upstream.Connector.
package gateio

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/YaganovValera/exchange-relay/common/errs"
)

// Exchange: имя биржи в доменных событиях.
const Exchange = "gateio"

// Каналы и события Gate.io.
const (
	ChannelPing            = "spot.ping"
	ChannelPong            = "spot.pong"
	ChannelOrderBook       = "spot.order_book"
	ChannelOrderBookUpdate = "spot.order_book_update"
	ChannelLogin           = "spot.login"
	ChannelBalances        = "spot.balances"

	EventSubscribe   = "subscribe"
	EventUnsubscribe = "unsubscribe"
	EventUpdate      = "update"
	EventAPI         = "api"
)

// Request: исходящий конверт {time, channel, event, payload}.
type Request struct {
	Time    int64       `json:"time"`
	ID      int64       `json:"id,omitempty"`
	Channel string      `json:"channel"`
	Event   string      `json:"event,omitempty"`
	Payload interface{} `json:"payload,omitempty"`
	Auth    *Auth       `json:"auth,omitempty"`
}

// Auth: подпись приватного канала.
type Auth struct {
	Method string `json:"method"`
	Key    string `json:"KEY"`
	Sign   string `json:"SIGN"`
}

// Response: входящий конверт канального API.
type Response struct {
	Time    int64           `json:"time"`
	TimeMs  int64           `json:"time_ms"`
	Channel string          `json:"channel"`
	Event   string          `json:"event"`
	Error   *APIError       `json:"error"`
	Result  json.RawMessage `json:"result"`

	// ответы WS API (spot.login)
	Header *APIHeader      `json:"header"`
	Data   json.RawMessage `json:"data"`
}

// APIError: ошибка в ответе биржи.
type APIError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string { return strconv.Itoa(e.Code) + ": " + e.Message }

// APIHeader: заголовок ответа WS API.
type APIHeader struct {
	Status  string `json:"status"`
	Channel string `json:"channel"`
	Event   string `json:"event"`
}

// ParseResponse разбирает входящий кадр. Невалидный JSON: ProtocolError.
func ParseResponse(data []byte) (Response, error) {
	var r Response
	if err := json.Unmarshal(data, &r); err != nil {
		return Response{}, errs.Protocol("malformed frame", err)
	}
	if r.Channel == "" && r.Header != nil {
		r.Channel, r.Event = r.Header.Channel, r.Header.Event
	}
	return r, nil
}

// BuildPing: прикладной ping Gate.io.
func BuildPing(now time.Time) ([]byte, error) {
	return json.Marshal(Request{Time: now.Unix(), Channel: ChannelPing})
}

// IsPong распознаёт ответ на BuildPing. Быстрый разбор только поля channel.
func IsPong(data []byte) bool {
	var probe struct {
		Channel string `json:"channel"`
	}
	if json.Unmarshal(data, &probe) != nil {
		return false
	}
	return probe.Channel == ChannelPong
}
