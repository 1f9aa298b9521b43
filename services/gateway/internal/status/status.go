// Package status сводит heartbeat-реле сервисов и здоровье шины в systemStatus.
package status

import (
	"encoding/json"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/YaganovValera/exchange-relay/common/events"
	"github.com/YaganovValera/exchange-relay/common/logger"
)

// Значения статусов.
const (
	OK       = "ok"
	Degraded = "degraded"
	Offline  = "offline"
)

// Config: какие сервисы считать «ботом» и «трейдером» и когда heartbeat устаревает.
type Config struct {
	BotService    string        `mapstructure:"bot_service"`    // collector
	TraderService string        `mapstructure:"trader_service"` // trader
	StaleAfter    time.Duration `mapstructure:"stale_after"`    // 30s
}

func (c *Config) applyDefaults() {
	if c.BotService == "" {
		c.BotService = "collector"
	}
	if c.TraderService == "" {
		c.TraderService = "trader"
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = 30 * time.Second
	}
}

// ServiceStatus: последнее известное состояние одного сервиса.
type ServiceStatus struct {
	Service    string                   `json:"service"`
	Status     string                   `json:"status"`
	Connectors []events.ConnectorStatus `json:"connectors,omitempty"`
	LastSeen   int64                    `json:"lastSeen"` // unix ms
}

// SystemStatus: то, что видит клиент в welcome и в ответ на status.
type SystemStatus struct {
	Status         string          `json:"status"`
	RedisConnected bool            `json:"redisConnected"`
	BotStatus      string          `json:"botStatus"`
	TraderStatus   string          `json:"traderStatus"`
	Services       []ServiceStatus `json:"services,omitempty"`
}

type entry struct {
	payload events.HeartbeatPayload
	seen    time.Time
}

// Tracker потокобезопасен.
type Tracker struct {
	cfg   Config
	store func() bool
	log   *logger.Logger
	now   func() time.Time

	mu       sync.RWMutex
	services map[string]entry
}

// NewTracker; store: неблокирующая проверка шины (nil → всегда true).
func NewTracker(cfg Config, store func() bool, log *logger.Logger) *Tracker {
	cfg.applyDefaults()
	if store == nil {
		store = func() bool { return true }
	}
	return &Tracker{
		cfg:      cfg,
		store:    store,
		log:      log.Named("status"),
		now:      time.Now,
		services: make(map[string]entry),
	}
}

// Observe принимает system:heartbeat; остальные события игнорируются.
func (t *Tracker) Observe(env events.Envelope) {
	if env.Type != events.TypeHeartbeat {
		return
	}
	var p events.HeartbeatPayload
	if err := json.Unmarshal(env.Data, &p); err != nil || p.Service == "" {
		t.log.Warn("malformed heartbeat", zap.String("source", env.Source), zap.Error(err))
		return
	}
	t.mu.Lock()
	t.services[p.Service] = entry{payload: p, seen: t.now()}
	t.mu.Unlock()
}

// Snapshot вычисляет статус на текущий момент. Сервис без свежего heartbeat:
// offline. Общий статус degraded, если шина недоступна, бот не ok или
// какой-либо из наблюдаемых сервисов деградировал.
func (t *Tracker) Snapshot() SystemStatus {
	now := t.now()
	s := SystemStatus{
		Status:         OK,
		RedisConnected: t.store(),
		BotStatus:      Offline,
		TraderStatus:   Offline,
	}

	t.mu.RLock()
	for name, e := range t.services {
		st := e.payload.Status
		if now.Sub(e.seen) > t.cfg.StaleAfter {
			st = Offline
		}
		s.Services = append(s.Services, ServiceStatus{
			Service:    name,
			Status:     st,
			Connectors: e.payload.Connectors,
			LastSeen:   e.seen.UnixMilli(),
		})
		switch name {
		case t.cfg.BotService:
			s.BotStatus = st
		case t.cfg.TraderService:
			s.TraderStatus = st
		}
		if st == Degraded {
			s.Status = Degraded
		}
	}
	t.mu.RUnlock()

	sort.Slice(s.Services, func(i, j int) bool { return s.Services[i].Service < s.Services[j].Service })
	if !s.RedisConnected || s.BotStatus != OK {
		s.Status = Degraded
	}
	return s
}
