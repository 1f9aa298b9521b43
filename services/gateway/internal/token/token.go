// Package token хранит bearer-токены клиентских WS-сессий в памяти процесса.
package token

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/YaganovValera/exchange-relay/common/logger"
	"github.com/YaganovValera/exchange-relay/services/gateway/internal/metrics"
)

var (
	ErrNotFound     = errors.New("token: not found")
	ErrExpired      = errors.New("token: expired")
	ErrAlreadyBound = errors.New("token: already bound to an active session")
	ErrInvalidTTL   = errors.New("token: ttl must be > 0")
)

// Token: выданный токен. Нулевой ExpiresAt означает бессрочный (только static).
type Token struct {
	Value         string    `json:"token"`
	CreatedAt     time.Time `json:"createdAt"`
	ExpiresAt     time.Time `json:"expiresAt,omitempty"`
	BoundClientID string    `json:"boundClientId,omitempty"`
}

func (t Token) expired(now time.Time) bool {
	return !t.ExpiresAt.IsZero() && !now.Before(t.ExpiresAt)
}

// Config: параметры менеджера.
type Config struct {
	SweepInterval time.Duration `mapstructure:"sweep_interval"` // 1m
	DefaultTTL    time.Duration `mapstructure:"default_ttl"`    // для admin API без ttl; 60m
	// Static: токены из конфига, выдаются при старте.
	Static    []string      `mapstructure:"static"`
	StaticTTL time.Duration `mapstructure:"static_ttl"` // 0 → бессрочные
}

func (c *Config) applyDefaults() {
	if c.SweepInterval <= 0 {
		c.SweepInterval = time.Minute
	}
	if c.DefaultTTL <= 0 {
		c.DefaultTTL = time.Hour
	}
}

// Manager: потокобезопасный реестр токенов.
type Manager struct {
	cfg Config
	log *logger.Logger
	now func() time.Time

	mu     sync.Mutex
	tokens map[string]*Token
}

// NewManager создаёт менеджер и регистрирует static-токены.
func NewManager(cfg Config, log *logger.Logger) *Manager {
	cfg.applyDefaults()
	m := &Manager{
		cfg:    cfg,
		log:    log.Named("tokens"),
		now:    time.Now,
		tokens: make(map[string]*Token),
	}
	for _, v := range cfg.Static {
		if v == "" {
			continue
		}
		m.put(v, cfg.StaticTTL)
	}
	if n := len(m.tokens); n > 0 {
		m.log.Info("static tokens registered", zap.Int("count", n))
	}
	return m
}

// DefaultTTL: срок жизни, если клиент admin API его не указал.
func (m *Manager) DefaultTTL() time.Duration { return m.cfg.DefaultTTL }

// Issue выдаёт случайный токен (32 байта crypto/rand, hex) с абсолютным сроком.
func (m *Manager) Issue(ttl time.Duration) (Token, error) {
	if ttl <= 0 {
		return Token{}, ErrInvalidTTL
	}
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return Token{}, fmt.Errorf("token: random: %w", err)
	}
	t := m.put(hex.EncodeToString(buf), ttl)
	m.log.Debug("token issued", zap.Time("expires_at", t.ExpiresAt))
	return t, nil
}

func (m *Manager) put(value string, ttl time.Duration) Token {
	now := m.now()
	t := &Token{Value: value, CreatedAt: now}
	if ttl > 0 {
		t.ExpiresAt = now.Add(ttl)
	}
	m.mu.Lock()
	m.tokens[value] = t
	n := len(m.tokens)
	m.mu.Unlock()
	metrics.TokensActive.Set(float64(n))
	return *t
}

// Validate проверяет токен; просроченный удаляется сразу, не дожидаясь sweep.
func (m *Manager) Validate(value string) bool {
	_, err := m.lookup(value)
	return err == nil
}

// Get возвращает копию токена.
func (m *Manager) Get(value string) (Token, bool) {
	t, err := m.lookup(value)
	return t, err == nil
}

func (m *Manager) lookup(value string) (Token, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tokens[value]
	if !ok {
		return Token{}, ErrNotFound
	}
	if t.expired(m.now()) {
		m.evictLocked(value)
		return Token{}, ErrExpired
	}
	return *t, nil
}

// Revoke удаляет токен. false: токена не было.
func (m *Manager) Revoke(value string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tokens[value]; !ok {
		return false
	}
	m.evictLocked(value)
	return true
}

// Bind закрепляет токен за сессией. Токен остаётся валидным, но второй
// сессии с ним не будет, пока первая не вызовет Unbind.
func (m *Manager) Bind(value, clientID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tokens[value]
	if !ok {
		return ErrNotFound
	}
	if t.expired(m.now()) {
		m.evictLocked(value)
		return ErrExpired
	}
	if t.BoundClientID != "" && t.BoundClientID != clientID {
		return ErrAlreadyBound
	}
	t.BoundClientID = clientID
	return nil
}

// Unbind снимает привязку, если токен всё ещё закреплён за clientID.
func (m *Manager) Unbind(value, clientID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.tokens[value]; ok && t.BoundClientID == clientID {
		t.BoundClientID = ""
	}
}

// Len: число хранимых токенов (включая ещё не выметенные просроченные).
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.tokens)
}

// Sweep удаляет все просроченные токены и возвращает их число.
func (m *Manager) Sweep() int {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for v, t := range m.tokens {
		if t.expired(now) {
			m.evictLocked(v)
			n++
		}
	}
	return n
}

// Run периодически вызывает Sweep до отмены ctx.
func (m *Manager) Run(ctx context.Context) error {
	t := time.NewTicker(m.cfg.SweepInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if n := m.Sweep(); n > 0 {
				m.log.Info("expired tokens purged", zap.Int("count", n))
			}
		}
	}
}

func (m *Manager) evictLocked(value string) {
	delete(m.tokens, value)
	metrics.TokensActive.Set(float64(len(m.tokens)))
}
