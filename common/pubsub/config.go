// common/pubsub/config.go
package pubsub

import (
	"fmt"
	"time"

	"github.com/YaganovValera/exchange-relay/common/backoff"
)

// Config хранит параметры подключения к Redis, используемому как pub/sub шина.
type Config struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`

	// SnapshotTTL: время жизни ключей last-value; 0 → 10m.
	SnapshotTTL time.Duration `mapstructure:"snapshot_ttl"`
	// ReadyTimeout ограничивает guarded health check перед чтением/записью.
	ReadyTimeout time.Duration `mapstructure:"ready_timeout"`
	// HealthInterval: как долго считается валидным последний успешный PING.
	HealthInterval time.Duration `mapstructure:"health_interval"`

	Backoff backoff.Config `mapstructure:"backoff"`
}

func (c *Config) applyDefaults() {
	if c.SnapshotTTL <= 0 {
		c.SnapshotTTL = 10 * time.Minute
	}
	if c.ReadyTimeout <= 0 {
		c.ReadyTimeout = 5 * time.Second
	}
	if c.HealthInterval <= 0 {
		c.HealthInterval = time.Second
	}
	if c.Backoff.InitialInterval <= 0 {
		c.Backoff.InitialInterval = 100 * time.Millisecond
	}
	if c.Backoff.MaxInterval <= 0 {
		c.Backoff.MaxInterval = time.Second
	}
}

func (c Config) validate() error {
	if c.Addr == "" {
		return fmt.Errorf("pubsub: addr is required")
	}
	return nil
}
