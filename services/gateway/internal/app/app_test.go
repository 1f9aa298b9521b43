package app

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/YaganovValera/exchange-relay/common/events"
	"github.com/YaganovValera/exchange-relay/common/httpserver"
	"github.com/YaganovValera/exchange-relay/common/logger"
	"github.com/YaganovValera/exchange-relay/common/pubsub"
	"github.com/YaganovValera/exchange-relay/services/gateway/internal/broker"
	"github.com/YaganovValera/exchange-relay/services/gateway/internal/config"
	"github.com/YaganovValera/exchange-relay/services/gateway/internal/status"
)

func publish(t *testing.T, b *pubsub.Bridge, typ, instrument string, data interface{}) {
	t.Helper()
	env, err := events.New(typ, "collector", "gateio", instrument, data, time.Now())
	require.NoError(t, err)
	require.NoError(t, b.Publish(context.Background(), env))
}

// Коллектор публикует в шину → шлюз отдаёт welcome со статусом и реплей.
func TestGateway_EndToEnd(t *testing.T) {
	mr := miniredis.RunT(t)
	log := logger.Nop()

	cfg, err := config.Load("", nil)
	require.NoError(t, err)
	cfg.PubSub.Addr = mr.Addr()
	cfg.HTTP.Addr = ":0"

	collectorBus, err := pubsub.New(context.Background(), pubsub.Config{Addr: mr.Addr()}, log)
	require.NoError(t, err)
	t.Cleanup(func() { _ = collectorBus.Close() })
	gatewayBus, err := pubsub.New(context.Background(), cfg.PubSub, log)
	require.NoError(t, err)
	t.Cleanup(func() { _ = gatewayBus.Close() })

	deps := Build(cfg, gatewayBus, log)
	srv, err := httpserver.New(cfg.HTTP, deps.Readiness, log, deps.Handler.Routes)
	require.NoError(t, err)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ready := make(chan struct{})
	go func() { _ = deps.Broker.Consume(ctx, gatewayBus, ready) }()
	select {
	case <-ready:
	case <-time.After(2 * time.Second):
		t.Fatal("gateway did not subscribe")
	}

	publish(t, collectorBus, events.TypeHeartbeat, "", events.HeartbeatPayload{Service: "collector", Status: status.OK})
	publish(t, collectorBus, events.TypeOrderBook, "BTC_USDT", events.OrderBookPayload{Instrument: "BTC_USDT"})
	require.Eventually(t, func() bool { return deps.Status.Snapshot().Status == status.OK }, 2*time.Second, 10*time.Millisecond)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"

	// без токена: 401 до апгрейда
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	tok, err := deps.Tokens.Issue(time.Hour)
	require.NoError(t, err)
	c, _, err := websocket.DefaultDialer.Dial(wsURL+"?token="+tok.Value, nil)
	require.NoError(t, err)
	defer c.Close()

	_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
	var w broker.Welcome
	require.NoError(t, c.ReadJSON(&w))
	assert.Equal(t, broker.TypeWelcome, w.Type)
	assert.Equal(t, status.OK, w.SystemStatus.Status)
	assert.True(t, w.SystemStatus.RedisConnected)
	assert.Equal(t, status.OK, w.SystemStatus.BotStatus)

	var env events.Envelope
	require.NoError(t, c.ReadJSON(&env))
	assert.Equal(t, events.TypeOrderBook, env.Type)
	assert.Equal(t, "BTC_USDT", env.Instrument)

	// живое событие после реплея
	publish(t, collectorBus, events.TypeBalance, "", events.BalancePayload{Snapshot: true})
	require.NoError(t, c.ReadJSON(&env))
	assert.Equal(t, events.TypeBalance, env.Type)

	res, err := ts.Client().Get(ts.URL + "/readyz")
	require.NoError(t, err)
	res.Body.Close()
	assert.Equal(t, http.StatusOK, res.StatusCode)

	sctx, scancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer scancel()
	require.NoError(t, deps.Broker.Shutdown(sctx))

	_, _, err = c.ReadMessage()
	var ce *websocket.CloseError
	require.True(t, errors.As(err, &ce), "got %v", err)
	assert.Equal(t, broker.CloseShuttingDown, ce.Code)

	res, err = ts.Client().Get(ts.URL + "/readyz")
	require.NoError(t, err)
	res.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, res.StatusCode)
}

func TestWelcome_JSONShape(t *testing.T) {
	raw, err := json.Marshal(broker.Welcome{Type: broker.TypeWelcome})
	require.NoError(t, err)
	for _, field := range []string{"clientId", "serverInfo", "connectionInfo", "systemStatus", "availableEvents", "availableCommands", "tips", "documentation"} {
		assert.Contains(t, string(raw), `"`+field+`"`)
	}
}
