package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/YaganovValera/exchange-relay/common/logger"
	"github.com/YaganovValera/exchange-relay/services/gateway/internal/broker"
	"github.com/YaganovValera/exchange-relay/services/gateway/internal/status"
	"github.com/YaganovValera/exchange-relay/services/gateway/internal/token"
)

const adminKey = "s3cret"

type env struct {
	tokens *token.Manager
	broker *broker.Broker
	srv    *httptest.Server
}

func setup(t *testing.T, cfg Config) *env {
	t.Helper()
	log := logger.Nop()
	e := &env{tokens: token.NewManager(token.Config{}, log)}
	st := status.NewTracker(status.Config{}, nil, log)
	e.broker = broker.New(broker.Config{}, broker.Info{Name: "gateway", Port: 2808}, st, e.tokens, log)

	r := chi.NewRouter()
	NewHandler(cfg, e.tokens, e.broker, st, log).Routes(r)
	e.srv = httptest.NewServer(r)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = e.broker.Shutdown(ctx)
		e.srv.Close()
	})
	return e
}

func (e *env) wsURL(path string) string {
	return "ws" + strings.TrimPrefix(e.srv.URL, "http") + path
}

func (e *env) dial(t *testing.T, path string, header http.Header) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	c, resp, err := websocket.DefaultDialer.Dial(e.wsURL(path), header)
	if c != nil {
		t.Cleanup(func() { _ = c.Close() })
	}
	return c, resp, err
}

func readType(t *testing.T, c *websocket.Conn) string {
	t.Helper()
	_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
	var m struct {
		Type string `json:"type"`
	}
	require.NoError(t, c.ReadJSON(&m))
	return m.Type
}

func TestServeWS_RejectsBeforeUpgrade(t *testing.T) {
	e := setup(t, Config{})
	expired, err := e.tokens.Issue(time.Millisecond)
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)

	cases := []struct {
		name string
		path string
	}{
		{"missing", "/ws"},
		{"unknown", "/ws?token=nope"},
		{"expired", "/ws?token=" + expired.Value},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, resp, err := e.dial(t, tc.path, nil)
			require.ErrorIs(t, err, websocket.ErrBadHandshake)
			require.NotNil(t, resp)
			assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
			var body errorBody
			require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
			assert.Equal(t, http.StatusUnauthorized, body.Error.Code)
		})
	}
	assert.Equal(t, 0, e.broker.Len(), "no session was created")
}

func TestServeWS_AcceptsAndBindsToken(t *testing.T) {
	e := setup(t, Config{})
	tok, err := e.tokens.Issue(time.Hour)
	require.NoError(t, err)

	c, _, err := e.dial(t, "/ws?token="+tok.Value, nil)
	require.NoError(t, err)
	assert.Equal(t, broker.TypeWelcome, readType(t, c))

	got, _ := e.tokens.Get(tok.Value)
	assert.NotEmpty(t, got.BoundClientID)

	// второй клиент с тем же токеном: 409
	_, resp, err := e.dial(t, "/ws", http.Header{"Authorization": {"Bearer " + tok.Value}})
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, 1, e.broker.Len())

	// после отключения токен снова свободен
	require.NoError(t, c.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")))
	_ = c.Close()
	require.Eventually(t, func() bool {
		got, _ := e.tokens.Get(tok.Value)
		return got.BoundClientID == ""
	}, 2*time.Second, 10*time.Millisecond)

	c2, _, err := e.dial(t, "/", http.Header{"Authorization": {"Bearer " + tok.Value}})
	require.NoError(t, err, "root path serves the socket too")
	assert.Equal(t, broker.TypeWelcome, readType(t, c2))
}

func TestServeWS_ShuttingDown(t *testing.T) {
	e := setup(t, Config{})
	tok, _ := e.tokens.Issue(time.Hour)
	require.NoError(t, e.broker.Shutdown(context.Background()))

	_, resp, err := e.dial(t, "/ws?token="+tok.Value, nil)
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func adminRequest(t *testing.T, e *env, method, path, key, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, e.srv.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	if key != "" {
		req.Header.Set(HeaderAdminKey, key)
	}
	resp, err := e.srv.Client().Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func TestAdmin_IssueAndRevoke(t *testing.T) {
	e := setup(t, Config{AdminKey: adminKey})

	assert.Equal(t, http.StatusUnauthorized, adminRequest(t, e, http.MethodPost, "/auth/tokens", "", "").StatusCode)
	assert.Equal(t, http.StatusForbidden, adminRequest(t, e, http.MethodPost, "/auth/tokens", "wrong", "").StatusCode)
	assert.Equal(t, http.StatusBadRequest, adminRequest(t, e, http.MethodPost, "/auth/tokens", adminKey, `{"ttl":"soon"}`).StatusCode)

	resp := adminRequest(t, e, http.MethodPost, "/auth/tokens", adminKey, `{"ttl":"30m"}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var tok token.Token
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&tok))
	assert.Equal(t, 30*time.Minute, tok.ExpiresAt.Sub(tok.CreatedAt))
	assert.True(t, e.tokens.Validate(tok.Value))

	resp = adminRequest(t, e, http.MethodPost, "/auth/tokens", adminKey, "")
	require.Equal(t, http.StatusCreated, resp.StatusCode, "empty body uses the default ttl")

	c, _, err := e.dial(t, "/ws?token="+tok.Value, nil)
	require.NoError(t, err)
	require.Equal(t, broker.TypeWelcome, readType(t, c))

	assert.Equal(t, http.StatusOK, adminRequest(t, e, http.MethodGet, "/auth/tokens/"+tok.Value, adminKey, "").StatusCode)
	assert.Equal(t, http.StatusNoContent, adminRequest(t, e, http.MethodDelete, "/auth/tokens/"+tok.Value, adminKey, "").StatusCode)
	assert.Equal(t, http.StatusNotFound, adminRequest(t, e, http.MethodDelete, "/auth/tokens/"+tok.Value, adminKey, "").StatusCode)
	assert.False(t, e.tokens.Validate(tok.Value))

	// сессия отозванного токена закрыта
	_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = c.ReadMessage()
	var ce *websocket.CloseError
	require.True(t, errors.As(err, &ce), "got %v", err)
	assert.Equal(t, broker.CloseRevoked, ce.Code)
}

func TestAdmin_DisabledWithoutKey(t *testing.T) {
	e := setup(t, Config{})
	assert.Equal(t, http.StatusNotFound, adminRequest(t, e, http.MethodPost, "/auth/tokens", "any", "").StatusCode)
}

func TestStatusEndpoint(t *testing.T) {
	e := setup(t, Config{})
	resp, err := e.srv.Client().Get(e.srv.URL + "/status")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body statusResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, status.Degraded, body.Status.Status)
	assert.Equal(t, 0, body.Sessions)
}

func TestBearerTokenAndOrigin(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/ws?token=q", nil)
	r.Header.Set("Authorization", "Bearer h")
	assert.Equal(t, "q", bearerToken(r), "query wins")

	r = httptest.NewRequest(http.MethodGet, "/ws", nil)
	r.Header.Set("Authorization", "bearer h")
	assert.Equal(t, "h", bearerToken(r))
	r.Header.Set("Authorization", "Basic h")
	assert.Equal(t, "", bearerToken(r))

	h := NewHandler(Config{AllowedOrigins: []string{"https://app.example"}}, nil, nil, nil, logger.Nop())
	r = httptest.NewRequest(http.MethodGet, "/ws", nil)
	assert.True(t, h.checkOrigin(r))
	r.Header.Set("Origin", "https://evil.example")
	assert.False(t, h.checkOrigin(r))
	r.Header.Set("Origin", "https://app.example")
	assert.True(t, h.checkOrigin(r))
}
