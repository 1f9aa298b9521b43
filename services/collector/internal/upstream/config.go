package upstream

import (
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Config: параметры одного долгоживущего сокета к бирже.
type Config struct {
	Name string `mapstructure:"name"` // имя коннектора для логов и метрик, например "gateio-market"
	URL  string `mapstructure:"url"`  // wss://api.gateio.ws/ws/v4/

	PingInterval time.Duration `mapstructure:"ping_interval"` // период прикладного ping; 15s
	PongTimeout  time.Duration `mapstructure:"pong_timeout"`  // ожидание pong; 3s

	ReconnectBase time.Duration `mapstructure:"reconnect_base"` // 1s
	ReconnectCap  time.Duration `mapstructure:"reconnect_cap"`  // 60s
	MaxAttempts   int           `mapstructure:"max_attempts"`   // 10; после стольких переподключений подряд: fail-stop

	HandshakeTimeout time.Duration `mapstructure:"handshake_timeout"`
	WriteTimeout     time.Duration `mapstructure:"write_timeout"`
	BufferSize       int           `mapstructure:"buffer_size"` // очередь кадров между читателем и обработчиком

	Header http.Header `mapstructure:"-"`
}

func (c *Config) applyDefaults() {
	if c.PingInterval <= 0 {
		c.PingInterval = 15 * time.Second
	}
	if c.PongTimeout <= 0 {
		c.PongTimeout = 3 * time.Second
	}
	if c.ReconnectBase <= 0 {
		c.ReconnectBase = time.Second
	}
	if c.ReconnectCap <= 0 {
		c.ReconnectCap = 60 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 10
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 5 * time.Second
	}
	if c.BufferSize <= 0 {
		c.BufferSize = 256
	}
}

func (c Config) validate() error {
	var errs []string
	if c.Name == "" {
		errs = append(errs, "Name is required")
	}
	if c.URL == "" {
		errs = append(errs, "URL is required")
	}
	if c.PongTimeout >= c.PingInterval {
		errs = append(errs, "PongTimeout must be shorter than PingInterval")
	}
	if c.ReconnectCap < c.ReconnectBase {
		errs = append(errs, "ReconnectCap must be >= ReconnectBase")
	}
	if len(errs) > 0 {
		return fmt.Errorf("upstream: invalid Config: %s", strings.Join(errs, "; "))
	}
	return nil
}
