package balance

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/YaganovValera/exchange-relay/common/backoff"
	"github.com/YaganovValera/exchange-relay/common/errs"
	"github.com/YaganovValera/exchange-relay/common/events"
	"github.com/YaganovValera/exchange-relay/common/logger"
	"github.com/YaganovValera/exchange-relay/services/collector/internal/signing"
)

// AccountsPath: REST-ресурс балансов спота.
const AccountsPath = "/api/v4/spot/accounts"

// ClientConfig: параметры REST-клиента.
type ClientConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	Timeout time.Duration `mapstructure:"timeout"`

	// Клиентский троттлинг запросов.
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
	Burst             int     `mapstructure:"burst"`

	// Повтор при 429/5xx/сетевых ошибках.
	MaxAttempts int           `mapstructure:"max_attempts"`
	RetryBase   time.Duration `mapstructure:"retry_base"`
	RetryCap    time.Duration `mapstructure:"retry_cap"`
}

func (c *ClientConfig) applyDefaults() {
	if c.BaseURL == "" {
		c.BaseURL = "https://api.gateio.ws"
	}
	c.BaseURL = strings.TrimRight(c.BaseURL, "/")
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
	if c.RequestsPerSecond <= 0 {
		c.RequestsPerSecond = 5
	}
	if c.Burst <= 0 {
		c.Burst = 1
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.RetryBase <= 0 {
		c.RetryBase = time.Second
	}
	if c.RetryCap <= 0 {
		c.RetryCap = 30 * time.Second
	}
}

// Client: подписанный REST-клиент балансов.
type Client struct {
	cfg     ClientConfig
	http    *http.Client
	signer  *signing.Signer
	limiter *rate.Limiter
	log     *logger.Logger

	sleep func(ctx context.Context, d time.Duration) error
}

// NewClient создаёт клиента. httpClient == nil: http.Client с cfg.Timeout.
func NewClient(cfg ClientConfig, signer *signing.Signer, httpClient *http.Client, log *logger.Logger) *Client {
	cfg.applyDefaults()
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	return &Client{
		cfg:     cfg,
		http:    httpClient,
		signer:  signer,
		limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst),
		log:     log.Named("balance.rest"),
		sleep:   backoff.Sleep,
	}
}

// Accounts получает полный снимок балансов. 429 повторяется с задержкой
// Retry-After (или экспоненциальной), не более MaxAttempts попыток.
func (c *Client) Accounts(ctx context.Context) ([]events.BalanceEntry, error) {
	policy, err := backoff.New(backoff.Config{
		InitialInterval: c.cfg.RetryBase,
		MaxInterval:     c.cfg.RetryCap,
		Multiplier:      2,
		NoJitter:        true,
	})
	if err != nil {
		return nil, err
	}

	var last error
	for attempt := 1; attempt <= c.cfg.MaxAttempts; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
		body, err := c.get(ctx, AccountsPath, "")
		if err == nil {
			return ParseAccounts(body)
		}
		if !retryable(err) {
			return nil, err
		}
		last = err

		delay := policy.NextBackOff()
		if rl, ok := errs.AsRateLimit(err); ok && rl.RetryAfter > 0 {
			delay = rl.RetryAfter
		}
		if attempt == c.cfg.MaxAttempts {
			break
		}
		c.log.Warn("request failed, retrying",
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(err),
		)
		if err := c.sleep(ctx, delay); err != nil {
			return nil, err
		}
	}
	return nil, &errs.ExhaustedRetriesError{Attempts: c.cfg.MaxAttempts, Last: last}
}

func retryable(err error) bool {
	if _, ok := errs.AsRateLimit(err); ok {
		return true
	}
	return errs.IsTransport(err)
}

func (c *Client) get(ctx context.Context, path, query string) ([]byte, error) {
	headers, err := c.signer.Sign(signing.Request{Method: http.MethodGet, Path: path, Query: query})
	if err != nil {
		return nil, errs.Auth("sign request", err)
	}
	url := c.cfg.BaseURL + path
	if query != "" {
		url += "?" + query
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, errs.Transport("http", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, errs.Transport("read body", err)
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		return body, nil
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, &errs.RateLimitError{Status: resp.StatusCode, RetryAfter: retryAfter(resp.Header.Get("Retry-After"), time.Now())}
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, errs.Auth(fmt.Sprintf("status %d", resp.StatusCode), fmt.Errorf("%s", truncate(body)))
	case resp.StatusCode >= 500:
		return nil, errs.Transport("http", fmt.Errorf("status %d: %s", resp.StatusCode, truncate(body)))
	default:
		return nil, fmt.Errorf("balance: unexpected status %d: %s", resp.StatusCode, truncate(body))
	}
}

// retryAfter понимает оба формата заголовка: секунды и HTTP-дату.
func retryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil && t.After(now) {
		return t.Sub(now)
	}
	return 0
}

func truncate(b []byte) string {
	if len(b) > 256 {
		b = b[:256]
	}
	return string(b)
}
