// services/gateway/internal/config/config.go
package config

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"

	"github.com/YaganovValera/exchange-relay/common/configloader"
	"github.com/YaganovValera/exchange-relay/common/httpserver"
	"github.com/YaganovValera/exchange-relay/common/logger"
	"github.com/YaganovValera/exchange-relay/common/pubsub"
	"github.com/YaganovValera/exchange-relay/common/telemetry"
	"github.com/YaganovValera/exchange-relay/services/gateway/internal/broker"
	"github.com/YaganovValera/exchange-relay/services/gateway/internal/status"
	"github.com/YaganovValera/exchange-relay/services/gateway/internal/token"
	"github.com/YaganovValera/exchange-relay/services/gateway/internal/transport"
)

// -----------------------------------------------------------------------------
// Структуры
// -----------------------------------------------------------------------------

// Config: все настройки шлюза.
type Config struct {
	ServiceName     string        `mapstructure:"service_name"`
	ServiceVersion  string        `mapstructure:"service_version"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`

	Broker    broker.Config     `mapstructure:"broker"`
	Tokens    token.Config      `mapstructure:"tokens"`
	Status    status.Config     `mapstructure:"status"`
	WS        transport.Config  `mapstructure:"ws"`
	Admin     AdminConfig       `mapstructure:"admin"`
	Docs      broker.Docs       `mapstructure:"docs"`
	PubSub    pubsub.Config     `mapstructure:"pubsub"`
	Telemetry telemetry.Config  `mapstructure:"telemetry"`
	Logging   logger.Config     `mapstructure:"logging"`
	HTTP      httpserver.Config `mapstructure:"http"`
}

// AdminConfig: ключ admin API токенов (X-Admin-Key).
type AdminConfig struct {
	Key string `mapstructure:"key"`
}

// -----------------------------------------------------------------------------
// Load
// -----------------------------------------------------------------------------

var defaults = configloader.Defaults{
	"service_name":     "gateway",
	"service_version":  "v1.0.0",
	"shutdown_timeout": "10s",

	"broker.heartbeat_interval":           "15s",
	"broker.write_timeout":                "5s",
	"broker.send_queue":                   256,
	"broker.max_message_size":             65536,
	"broker.cache_ttl":                    "10m",
	"broker.resubscribe.initial_interval": "1s",
	"broker.resubscribe.max_interval":     "30s",

	"tokens.sweep_interval": "1m",
	"tokens.default_ttl":    "60m",
	"tokens.static":         []string{},
	"tokens.static_ttl":     "0s",

	"status.bot_service":    "collector",
	"status.trader_service": "trader",
	"status.stale_after":    "30s",

	"ws.path":              "/ws",
	"ws.allowed_origins":   []string{},
	"ws.read_buffer_size":  1024,
	"ws.write_buffer_size": 4096,
	"ws.handshake_timeout": "10s",

	"admin.key": "",

	"docs.api":     "",
	"docs.github":  "",
	"docs.support": "",

	"pubsub.addr":         "localhost:6379",
	"pubsub.password":     "",
	"pubsub.db":           0,
	"pubsub.snapshot_ttl": "10m",

	"telemetry.enabled":  false,
	"telemetry.endpoint": "otel-collector:4317",
	"telemetry.insecure": true,

	"logging.level":    "info",
	"logging.dev_mode": false,

	"http.addr":             ":2808",
	"http.read_timeout":     "10s",
	"http.write_timeout":    "15s",
	"http.idle_timeout":     "60s",
	"http.shutdown_timeout": "5s",
	"http.metrics_path":     "/metrics",
	"http.healthz_path":     "/healthz",
	"http.readyz_path":      "/readyz",
}

// Load читает конфиг: defaults → .env → ENV (GATEWAY_*) → файл → флаги.
func Load(path string, flags *pflag.FlagSet) (*Config, error) {
	var cfg Config
	err := configloader.Load(configloader.Options{
		Path:      path,
		EnvPrefix: "GATEWAY",
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
	c.WS.AdminKey = c.Admin.Key
	c.Telemetry.ServiceName = c.ServiceName
	c.Telemetry.ServiceVersion = c.ServiceVersion
}

// Port: порт из http.addr для connectionInfo.websocketPort; 0, если не разобрать.
func (c *Config) Port() int {
	_, p, err := net.SplitHostPort(c.HTTP.Addr)
	if err != nil {
		return 0
	}
	n, _ := strconv.Atoi(p)
	return n
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
	if c.Broker.HeartbeatInterval <= 0 {
		return fmt.Errorf("broker.heartbeat_interval must be > 0")
	}
	if c.Broker.SendQueue <= 0 {
		return fmt.Errorf("broker.send_queue must be > 0")
	}
	if c.Tokens.SweepInterval <= 0 || c.Tokens.DefaultTTL <= 0 {
		return fmt.Errorf("tokens.sweep_interval and tokens.default_ttl must be > 0")
	}
	if !strings.HasPrefix(c.WS.Path, "/") {
		return fmt.Errorf("ws.path must start with /")
	}
	if c.PubSub.Addr == "" {
		return fmt.Errorf("pubsub.addr is required")
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
	if c.Admin.Key != "" {
		c.Admin.Key = "***"
	}
	c.WS.AdminKey = ""
	if c.PubSub.Password != "" {
		c.PubSub.Password = "***"
	}
	if n := len(c.Tokens.Static); n > 0 {
		c.Tokens.Static = []string{fmt.Sprintf("*** (%d)", n)}
	}
	configloader.PrintConfig(c)
}
