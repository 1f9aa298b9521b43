// Package transport: HTTP-поверхность шлюза: апгрейд /ws с проверкой
// токена до рукопожатия и admin API токенов.
package transport

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/YaganovValera/exchange-relay/common/logger"
	"github.com/YaganovValera/exchange-relay/services/gateway/internal/broker"
	"github.com/YaganovValera/exchange-relay/services/gateway/internal/metrics"
	"github.com/YaganovValera/exchange-relay/services/gateway/internal/status"
	"github.com/YaganovValera/exchange-relay/services/gateway/internal/token"
)

// Tokens: то, что транспорту нужно от token.Manager.
type Tokens interface {
	Issue(ttl time.Duration) (token.Token, error)
	Get(value string) (token.Token, bool)
	Revoke(value string) bool
	Bind(value, clientID string) error
	Unbind(value, clientID string)
	DefaultTTL() time.Duration
}

// Sessions: то, что транспорту нужно от broker.Broker.
type Sessions interface {
	Accepting() bool
	Accept(conn *websocket.Conn, clientID, token string) (*broker.Session, error)
	Kick(clientID string, code int, text string) bool
	Len() int
}

// StatusSource отдаёт текущий systemStatus.
type StatusSource interface {
	Snapshot() status.SystemStatus
}

// Config: параметры WS-эндпоинта и admin API.
type Config struct {
	Path             string        `mapstructure:"path"` // "/ws"
	AllowedOrigins   []string      `mapstructure:"allowed_origins"`
	ReadBufferSize   int           `mapstructure:"read_buffer_size"`
	WriteBufferSize  int           `mapstructure:"write_buffer_size"`
	HandshakeTimeout time.Duration `mapstructure:"handshake_timeout"`
	// AdminKey включает /auth/tokens; пустой: admin API не монтируется.
	AdminKey string `mapstructure:"-"`
}

type Handler struct {
	cfg      Config
	tokens   Tokens
	sessions Sessions
	status   StatusSource
	upgrader websocket.Upgrader
	log      *logger.Logger
}

func NewHandler(cfg Config, tokens Tokens, sessions Sessions, st StatusSource, log *logger.Logger) *Handler {
	if cfg.Path == "" {
		cfg.Path = "/ws"
	}
	if cfg.ReadBufferSize <= 0 {
		cfg.ReadBufferSize = 1024
	}
	if cfg.WriteBufferSize <= 0 {
		cfg.WriteBufferSize = 4096
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	h := &Handler{
		cfg:      cfg,
		tokens:   tokens,
		sessions: sessions,
		status:   st,
		log:      log.Named("transport"),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:   cfg.ReadBufferSize,
		WriteBufferSize:  cfg.WriteBufferSize,
		HandshakeTimeout: cfg.HandshakeTimeout,
		CheckOrigin:      h.checkOrigin,
	}
	return h
}

// Routes монтирует эндпоинты шлюза (httpserver.RouteRegistrar).
// WS доступен и на корне: старые клиенты подключаются к ws://host:2808.
func (h *Handler) Routes(r chi.Router) {
	r.Get(h.cfg.Path, h.ServeWS)
	if h.cfg.Path != "/" {
		r.Get("/", h.ServeWS)
	}
	r.Get("/status", h.Status)

	if h.cfg.AdminKey != "" {
		r.Route("/auth/tokens", func(r chi.Router) {
			r.Use(AdminOnly(h.cfg.AdminKey))
			r.Post("/", h.IssueToken)
			r.Get("/{token}", h.GetToken)
			r.Delete("/{token}", h.RevokeToken)
		})
	}
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	if len(h.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true // не браузер
	}
	for _, o := range h.cfg.AllowedOrigins {
		if o == "*" || o == origin {
			return true
		}
	}
	return false
}

// ServeWS проверяет и закрепляет токен до апгрейда: клиент без валидного
// токена получает 401 (409, если токен уже занят) и в сессии не попадает.
func (h *Handler) ServeWS(w http.ResponseWriter, r *http.Request) {
	if !h.sessions.Accepting() {
		metrics.Rejected.WithLabelValues("shutting_down").Inc()
		Unavailable(w, "server shutting down")
		return
	}
	tok := bearerToken(r)
	if tok == "" {
		metrics.Rejected.WithLabelValues("missing").Inc()
		Unauthorized(w, "missing token")
		return
	}

	clientID := uuid.NewString()
	ctx := logger.ContextWithClientID(r.Context(), clientID)
	log := h.log.WithContext(ctx)

	if err := h.tokens.Bind(tok, clientID); err != nil {
		if errors.Is(err, token.ErrAlreadyBound) {
			metrics.Rejected.WithLabelValues("bound").Inc()
			Conflict(w, "token already in use by another session")
			return
		}
		metrics.Rejected.WithLabelValues("invalid").Inc()
		log.Info("handshake rejected", zap.String("remote", r.RemoteAddr), zap.Error(err))
		Unauthorized(w, "invalid or expired token")
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade уже ответил клиенту ошибкой
		h.tokens.Unbind(tok, clientID)
		metrics.Rejected.WithLabelValues("upgrade").Inc()
		log.Warn("upgrade failed", zap.Error(err))
		return
	}
	if _, err := h.sessions.Accept(conn, clientID, tok); err != nil {
		h.tokens.Unbind(tok, clientID)
		log.Warn("session not accepted", zap.Error(err))
	}
}

type issueRequest struct {
	TTL        string `json:"ttl"`        // "30m"
	TTLMinutes int    `json:"ttlMinutes"` // альтернатива ttl
}

// IssueToken: POST /auth/tokens {"ttl":"30m"} → 201 Token.
func (h *Handler) IssueToken(w http.ResponseWriter, r *http.Request) {
	var req issueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		BadRequest(w, "invalid request body")
		return
	}
	ttl := h.tokens.DefaultTTL()
	switch {
	case req.TTL != "":
		d, err := time.ParseDuration(req.TTL)
		if err != nil || d <= 0 {
			BadRequest(w, "ttl must be a positive duration, e.g. 30m")
			return
		}
		ttl = d
	case req.TTLMinutes < 0:
		BadRequest(w, "ttlMinutes must be > 0")
		return
	case req.TTLMinutes > 0:
		ttl = time.Duration(req.TTLMinutes) * time.Minute
	}

	t, err := h.tokens.Issue(ttl)
	if err != nil {
		h.log.WithContext(r.Context()).Error("issue token failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to issue token")
		return
	}
	h.log.WithContext(r.Context()).Info("token issued", zap.Duration("ttl", ttl))
	JSON(w, http.StatusCreated, t)
}

// GetToken: GET /auth/tokens/{token}.
func (h *Handler) GetToken(w http.ResponseWriter, r *http.Request) {
	t, ok := h.tokens.Get(chi.URLParam(r, "token"))
	if !ok {
		NotFound(w, "token not found")
		return
	}
	JSON(w, http.StatusOK, t)
}

// RevokeToken: DELETE /auth/tokens/{token}; активная сессия с этим токеном закрывается.
func (h *Handler) RevokeToken(w http.ResponseWriter, r *http.Request) {
	value := chi.URLParam(r, "token")
	t, ok := h.tokens.Get(value)
	if !ok || !h.tokens.Revoke(value) {
		NotFound(w, "token not found")
		return
	}
	if t.BoundClientID != "" {
		h.sessions.Kick(t.BoundClientID, broker.CloseRevoked, "token revoked")
	}
	h.log.WithContext(r.Context()).Info("token revoked", zap.Bool("session_closed", t.BoundClientID != ""))
	w.WriteHeader(http.StatusNoContent)
}

type statusResponse struct {
	Status    status.SystemStatus `json:"status"`
	Sessions  int                 `json:"sessions"`
	Timestamp int64               `json:"timestamp"`
}

// Status: GET /status: то же, что команда status, плюс число сессий.
func (h *Handler) Status(w http.ResponseWriter, _ *http.Request) {
	JSON(w, http.StatusOK, statusResponse{
		Status:    h.status.Snapshot(),
		Sessions:  h.sessions.Len(),
		Timestamp: time.Now().UnixMilli(),
	})
}
