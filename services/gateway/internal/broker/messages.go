package broker

import (
	"github.com/YaganovValera/exchange-relay/common/events"
	"github.com/YaganovValera/exchange-relay/services/gateway/internal/status"
)

// Типы сообщений клиентского протокола.
const (
	TypeWelcome      = "system:welcome"
	TypeStatus       = "system:status"
	TypePing         = "ping"
	TypePong         = "pong"
	TypeSubscribe    = "subscribe"
	TypeUnsubscribe  = "unsubscribe"
	TypeSubscribed   = "subscribed"
	TypeUnsubscribed = "unsubscribed"
	TypeError        = "error"
	// Только входящая команда; ответ: system:status.
	cmdStatus = "status"
)

// command: входящее сообщение клиента.
type command struct {
	Type        string   `json:"type"`
	Events      []string `json:"events,omitempty"`
	Instruments []string `json:"instruments,omitempty"`
}

type pongMessage struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"`
}

type statusMessage struct {
	Type      string              `json:"type"`
	Status    status.SystemStatus `json:"status"`
	Timestamp int64               `json:"timestamp"`
}

type subscriptionMessage struct {
	Type          string        `json:"type"`
	Subscriptions Subscriptions `json:"subscriptions"`
	Timestamp     int64         `json:"timestamp"`
}

type errorMessage struct {
	Type      string `json:"type"`
	Message   string `json:"message"`
	Timestamp int64  `json:"timestamp"`
}

// Docs: ссылки на документацию в welcome.
type Docs struct {
	API     string `mapstructure:"api" json:"api"`
	GitHub  string `mapstructure:"github" json:"github"`
	Support string `mapstructure:"support" json:"support"`
}

// ServerInfo описывает процесс шлюза.
type ServerInfo struct {
	Name      string `json:"name"`
	Version   string `json:"version"`
	StartedAt int64  `json:"startedAt"`
}

// ConnectionInfo: параметры текущего подключения.
type ConnectionInfo struct {
	ServerTime        int64 `json:"serverTime"`
	WebsocketPort     int   `json:"websocketPort"`
	HeartbeatInterval int64 `json:"heartbeatIntervalMs"`
}

// Welcome: первое сообщение каждой сессии.
type Welcome struct {
	Type              string              `json:"type"`
	Message           string              `json:"message"`
	ClientID          string              `json:"clientId"`
	ServerInfo        ServerInfo          `json:"serverInfo"`
	ConnectionInfo    ConnectionInfo      `json:"connectionInfo"`
	SystemStatus      status.SystemStatus `json:"systemStatus"`
	AvailableEvents   []string            `json:"availableEvents"`
	AvailableCommands map[string]string   `json:"availableCommands"`
	Tips              []string            `json:"tips"`
	Documentation     Docs                `json:"documentation"`
}

var availableCommands = map[string]string{
	TypePing:        `{"type":"ping"} → pong с серверным временем`,
	cmdStatus:       `{"type":"status"} → system:status`,
	TypeSubscribe:   `{"type":"subscribe","events":[...],"instruments":[...]} → subscribed`,
	TypeUnsubscribe: `{"type":"unsubscribe","events":[...],"instruments":[...]} → unsubscribed`,
	TypePong:        `{"type":"pong"} → подтверждение активности`,
}

var tips = []string{
	"Без подписок приходят все события; subscribe сужает поток",
	"Инструменты указываются в формате биржи: BTC_USDT",
	"Последние балансы и стаканы приходят сразу после welcome",
	"Сервер шлёт WebSocket ping; не ответившие на два цикла отключаются",
}

func (b *Broker) welcome(s *Session) Welcome {
	return Welcome{
		Type:     TypeWelcome,
		Message:  "Connected to " + b.info.Name,
		ClientID: s.ID,
		ServerInfo: ServerInfo{
			Name:      b.info.Name,
			Version:   b.info.Version,
			StartedAt: b.started.UnixMilli(),
		},
		ConnectionInfo: ConnectionInfo{
			ServerTime:        b.now().UnixMilli(),
			WebsocketPort:     b.info.Port,
			HeartbeatInterval: b.cfg.HeartbeatInterval.Milliseconds(),
		},
		SystemStatus:      b.systemStatus(),
		AvailableEvents:   events.EventTypes(),
		AvailableCommands: availableCommands,
		Tips:              tips,
		Documentation:     b.info.Docs,
	}
}

func (b *Broker) systemStatus() status.SystemStatus {
	if b.status == nil {
		return status.SystemStatus{Status: status.OK, RedisConnected: true}
	}
	return b.status.Snapshot()
}
