// Package events описывает межпроцессный контракт relay-системы:
// каталог pub/sub каналов и общий конверт доменного события.
//
// Имена каналов: часть wire-контракта: менять только с новой версией префикса.
package events

import (
	"encoding/json"
	"fmt"
	"time"
)

// Версионированный префикс всех каналов и ключей снапшотов.
const Prefix = "relay:v1"

// Типы доменных событий (поле "type" в конверте и в клиентском протоколе).
const (
	TypeBalance   = "exchange:balance"
	TypeOrderBook = "orderbook:update"
	TypeExecution = "execution:result"
	TypeHeartbeat = "system:heartbeat"
)

// ReplayPolicy задаёт, кэшируется ли последнее значение канала для поздних подписчиков.
type ReplayPolicy int

const (
	// FireAndForget: событие доставляется только текущим подписчикам.
	FireAndForget ReplayPolicy = iota
	// LastValue: последнее значение (по инструменту) хранится и отдаётся новым клиентам.
	LastValue
)

func (p ReplayPolicy) String() string {
	if p == LastValue {
		return "last-value"
	}
	return "fire-and-forget"
}

// Channel: запись каталога.
type Channel struct {
	Name      string // имя pub/sub канала
	EventType string
	Replay    ReplayPolicy
}

var catalogue = []Channel{
	{Name: Prefix + ":balance", EventType: TypeBalance, Replay: LastValue},
	{Name: Prefix + ":orderbook", EventType: TypeOrderBook, Replay: LastValue},
	{Name: Prefix + ":execution", EventType: TypeExecution, Replay: FireAndForget},
	{Name: Prefix + ":heartbeat", EventType: TypeHeartbeat, Replay: FireAndForget},
}

// Catalogue возвращает копию каталога каналов.
func Catalogue() []Channel {
	out := make([]Channel, len(catalogue))
	copy(out, catalogue)
	return out
}

// ChannelNames: имена всех каналов (для SUBSCRIBE).
func ChannelNames() []string {
	names := make([]string, 0, len(catalogue))
	for _, c := range catalogue {
		names = append(names, c.Name)
	}
	return names
}

// EventTypes: все типы событий, доступные клиентам.
func EventTypes() []string {
	types := make([]string, 0, len(catalogue))
	for _, c := range catalogue {
		types = append(types, c.EventType)
	}
	return types
}

// ChannelFor ищет канал по типу события.
func ChannelFor(eventType string) (Channel, bool) {
	for _, c := range catalogue {
		if c.EventType == eventType {
			return c, true
		}
	}
	return Channel{}, false
}

// ByName ищет канал по имени.
func ByName(name string) (Channel, bool) {
	for _, c := range catalogue {
		if c.Name == name {
			return c, true
		}
	}
	return Channel{}, false
}

// SnapshotKey: ключ хранилища для последнего значения канала (и инструмента).
func SnapshotKey(ch Channel, instrument string) string {
	if instrument == "" {
		return Prefix + ":last:" + ch.EventType
	}
	return Prefix + ":last:" + ch.EventType + ":" + instrument
}

// Envelope: конверт доменного события на шине и в клиентском протоколе.
type Envelope struct {
	Type       string          `json:"type"`
	Data       json.RawMessage `json:"data"`
	Timestamp  int64           `json:"timestamp"` // unix ms
	Source     string          `json:"source"`
	Exchange   string          `json:"exchange,omitempty"`
	Instrument string          `json:"instrument,omitempty"`
}

// New собирает конверт, сериализуя data в JSON.
func New(eventType, source, exchange, instrument string, data interface{}, at time.Time) (Envelope, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Envelope{}, fmt.Errorf("events: marshal %s: %w", eventType, err)
	}
	return Envelope{
		Type:       eventType,
		Data:       raw,
		Timestamp:  at.UnixMilli(),
		Source:     source,
		Exchange:   exchange,
		Instrument: instrument,
	}, nil
}

// Decode разбирает конверт и проверяет обязательные поля.
func Decode(payload []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return Envelope{}, fmt.Errorf("events: decode: %w", err)
	}
	if env.Type == "" {
		return Envelope{}, fmt.Errorf("events: missing type")
	}
	return env, nil
}

// CacheKey: ключ last-value кэша: тип + инструмент.
func (e Envelope) CacheKey() string {
	if e.Instrument == "" {
		return e.Type
	}
	return e.Type + "|" + e.Instrument
}
