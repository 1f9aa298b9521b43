// services/collector/internal/config/config.go
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"

	"github.com/YaganovValera/exchange-relay/common/configloader"
	"github.com/YaganovValera/exchange-relay/common/httpserver"
	producer "github.com/YaganovValera/exchange-relay/common/kafka/producer"
	"github.com/YaganovValera/exchange-relay/common/logger"
	"github.com/YaganovValera/exchange-relay/common/pubsub"
	"github.com/YaganovValera/exchange-relay/common/telemetry"
	"github.com/YaganovValera/exchange-relay/services/collector/internal/balance"
	"github.com/YaganovValera/exchange-relay/services/collector/internal/gateio"
	"github.com/YaganovValera/exchange-relay/services/collector/internal/orderbook"
	"github.com/YaganovValera/exchange-relay/services/collector/internal/upstream"
)

// -----------------------------------------------------------------------------
// Структуры
// -----------------------------------------------------------------------------

// Config: все настройки коллектора.
type Config struct {
	ServiceName     string        `mapstructure:"service_name"`
	ServiceVersion  string        `mapstructure:"service_version"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`

	GateIO    GateIOConfig      `mapstructure:"gateio"`
	OrderBook OrderBookConfig   `mapstructure:"orderbook"`
	Heartbeat HeartbeatConfig   `mapstructure:"heartbeat"`
	PubSub    pubsub.Config     `mapstructure:"pubsub"`
	Archive   ArchiveConfig     `mapstructure:"archive"`
	Telemetry telemetry.Config  `mapstructure:"telemetry"`
	Logging   logger.Config     `mapstructure:"logging"`
	HTTP      httpserver.Config `mapstructure:"http"`
}

// GateIOConfig: подключения к бирже.
type GateIOConfig struct {
	APIKey    string `mapstructure:"api_key"`
	APISecret string `mapstructure:"api_secret"`

	Instruments []string             `mapstructure:"instruments"`
	Book        gateio.MarketOptions `mapstructure:"book"`
	Market      upstream.Config      `mapstructure:"market"`

	// Balances включает приватный фид и REST-снимок; требует ключей.
	Balances       bool                 `mapstructure:"balances"`
	Account        upstream.Config      `mapstructure:"account"`
	REST           balance.ClientConfig `mapstructure:"rest"`
	BalanceRefresh time.Duration        `mapstructure:"balance_refresh"`
}

// OrderBookConfig: кэш стаканов и публикация.
type OrderBookConfig struct {
	orderbook.Config `mapstructure:",squash"`
	// PublishDepth: уровней на сторону в orderbook:update.
	PublishDepth int `mapstructure:"publish_depth"`
}

// HeartbeatConfig: период system:heartbeat.
type HeartbeatConfig struct {
	Interval time.Duration `mapstructure:"interval"`
}

// ArchiveConfig: зеркалирование событий в Kafka.
type ArchiveConfig struct {
	Enabled         bool   `mapstructure:"enabled"`
	Topic           string `mapstructure:"topic"`
	producer.Config `mapstructure:",squash"`
}

// -----------------------------------------------------------------------------
// Load
// -----------------------------------------------------------------------------

var defaults = configloader.Defaults{
	"service_name":     "collector",
	"service_version":  "v1.0.0",
	"shutdown_timeout": "10s",

	"gateio.api_key":          "",
	"gateio.api_secret":       "",
	"gateio.instruments":      []string{"BTC_USDT"},
	"gateio.book.depth":       20,
	"gateio.book.interval":    "100ms",
	"gateio.book.incremental": false,

	"gateio.market.name":           "gateio-market",
	"gateio.market.url":            "wss://api.gateio.ws/ws/v4/",
	"gateio.market.ping_interval":  "15s",
	"gateio.market.pong_timeout":   "3s",
	"gateio.market.reconnect_base": "1s",
	"gateio.market.reconnect_cap":  "60s",
	"gateio.market.max_attempts":   10,

	"gateio.balances":                 false,
	"gateio.account.name":             "gateio-account",
	"gateio.account.url":              "wss://api.gateio.ws/ws/v4/",
	"gateio.account.ping_interval":    "15s",
	"gateio.account.pong_timeout":     "3s",
	"gateio.account.reconnect_base":   "1s",
	"gateio.account.reconnect_cap":    "60s",
	"gateio.account.max_attempts":     10,
	"gateio.rest.base_url":            "https://api.gateio.ws",
	"gateio.rest.timeout":             "10s",
	"gateio.rest.requests_per_second": 5,
	"gateio.rest.max_attempts":        5,
	"gateio.balance_refresh":          "60s",

	"orderbook.max_depth":     100,
	"orderbook.publish_depth": 20,

	"heartbeat.interval": "5s",

	"pubsub.addr":         "localhost:6379",
	"pubsub.password":     "",
	"pubsub.db":           0,
	"pubsub.snapshot_ttl": "10m",

	"archive.enabled":     false,
	"archive.topic":       "relay.events",
	"archive.brokers":     []string{},
	"archive.acks":        "all",
	"archive.timeout":     "5s",
	"archive.compression": "none",

	"telemetry.enabled":  false,
	"telemetry.endpoint": "otel-collector:4317",
	"telemetry.insecure": true,

	"logging.level":    "info",
	"logging.dev_mode": false,

	"http.addr":             ":8081",
	"http.read_timeout":     "10s",
	"http.write_timeout":    "15s",
	"http.idle_timeout":     "60s",
	"http.shutdown_timeout": "5s",
	"http.metrics_path":     "/metrics",
	"http.healthz_path":     "/healthz",
	"http.readyz_path":      "/readyz",
}

// Load читает конфиг: defaults → .env → ENV (COLLECTOR_*) → файл → флаги.
func Load(path string, flags *pflag.FlagSet) (*Config, error) {
	var cfg Config
	err := configloader.Load(configloader.Options{
		Path:      path,
		EnvPrefix: "COLLECTOR",
		DotEnv:    []string{".env"},
		Defaults:  defaults,
		Flags:     flags,
	}, &cfg)
	if err != nil {
		return nil, err
	}
	cfg.normalize()
	return &cfg, nil
}

func (c *Config) normalize() {
	for i, s := range c.GateIO.Instruments {
		c.GateIO.Instruments[i] = orderbook.Normalize(s)
	}
	c.Telemetry.ServiceName = c.ServiceName
	c.Telemetry.ServiceVersion = c.ServiceVersion
}

// -----------------------------------------------------------------------------
// Validation
// -----------------------------------------------------------------------------

func (c *Config) Validate() error {
	if c.ServiceName == "" {
		return fmt.Errorf("service_name is required")
	}
	if c.ShutdownTimeout <= 0 {
		return fmt.Errorf("shutdown_timeout must be > 0")
	}
	if c.GateIO.Market.URL == "" {
		return fmt.Errorf("gateio.market.url is required")
	}
	if len(c.GateIO.Instruments) == 0 && !c.GateIO.Balances {
		return fmt.Errorf("gateio: nothing to collect (no instruments, balances disabled)")
	}
	if c.GateIO.Balances && (c.GateIO.APIKey == "" || c.GateIO.APISecret == "") {
		return fmt.Errorf("gateio.balances requires gateio.api_key and gateio.api_secret")
	}
	switch c.GateIO.Book.Interval {
	case "", "100ms", "1000ms":
	default:
		return fmt.Errorf("gateio.book.interval must be 100ms or 1000ms")
	}
	if c.Heartbeat.Interval <= 0 {
		return fmt.Errorf("heartbeat.interval must be > 0")
	}
	if c.PubSub.Addr == "" {
		return fmt.Errorf("pubsub.addr is required")
	}
	if c.Archive.Enabled {
		if len(c.Archive.Brokers) == 0 || c.Archive.Topic == "" {
			return fmt.Errorf("archive.brokers and archive.topic are required when archive is enabled")
		}
	}
	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be one of [debug, info, warn, error]")
	}
	if c.HTTP.Addr == "" {
		return fmt.Errorf("http.addr is required")
	}
	return nil
}

// -----------------------------------------------------------------------------
// Debug print
// -----------------------------------------------------------------------------

// Print выводит конфиг без секретов.
func (c Config) Print() {
	if c.GateIO.APISecret != "" {
		c.GateIO.APISecret = "***"
	}
	if c.PubSub.Password != "" {
		c.PubSub.Password = "***"
	}
	configloader.PrintConfig(c)
}
