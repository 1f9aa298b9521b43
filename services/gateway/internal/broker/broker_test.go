package broker

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/YaganovValera/exchange-relay/common/events"
	"github.com/YaganovValera/exchange-relay/common/logger"
	"github.com/YaganovValera/exchange-relay/common/pubsub"
	"github.com/YaganovValera/exchange-relay/services/gateway/internal/status"
)

type fakeTokens struct {
	mu      sync.Mutex
	unbound []string
}

func (f *fakeTokens) Unbind(value, clientID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unbound = append(f.unbound, value+"/"+clientID)
}

func (f *fakeTokens) calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.unbound...)
}

type harness struct {
	broker *Broker
	tokens *fakeTokens
	srv    *httptest.Server
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	h := &harness{tokens: &fakeTokens{}}
	st := status.NewTracker(status.Config{}, nil, logger.Nop())
	h.broker = New(cfg, Info{Name: "gateway", Version: "test", Port: 2808}, st, h.tokens, logger.Nop())

	up := websocket.Upgrader{}
	h.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		_, _ = h.broker.Accept(conn, uuid.NewString(), r.URL.Query().Get("token"))
	}))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = h.broker.Shutdown(ctx)
		h.srv.Close()
	})
	return h
}

func (h *harness) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(h.srv.URL, "http") + "/?token=tok"
	c, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

type inbound struct {
	Type string
	Raw  json.RawMessage
}

func read(t *testing.T, c *websocket.Conn) inbound {
	t.Helper()
	_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := c.ReadMessage()
	require.NoError(t, err)
	var head struct {
		Type string `json:"type"`
	}
	require.NoError(t, json.Unmarshal(raw, &head))
	return inbound{Type: head.Type, Raw: raw}
}

func send(t *testing.T, c *websocket.Conn, v interface{}) {
	t.Helper()
	require.NoError(t, c.WriteJSON(v))
}

func envelope(t *testing.T, typ, exchange, instrument string) events.Envelope {
	t.Helper()
	env, err := events.New(typ, "collector", exchange, instrument, map[string]string{"k": typ + instrument}, time.Now())
	require.NoError(t, err)
	return env
}

func welcomeOf(t *testing.T, c *websocket.Conn) Welcome {
	t.Helper()
	m := read(t, c)
	require.Equal(t, TypeWelcome, m.Type)
	var w Welcome
	require.NoError(t, json.Unmarshal(m.Raw, &w))
	return w
}

// -----------------------------------------------------------------------------

func TestAccept_WelcomeThenCachedState(t *testing.T) {
	h := newHarness(t, Config{})
	h.broker.Dispatch(envelope(t, events.TypeOrderBook, "gateio", "BTC_USDT"))
	h.broker.Dispatch(envelope(t, events.TypeOrderBook, "gateio", "ETH_USDT"))
	h.broker.Dispatch(envelope(t, events.TypeBalance, "gateio", ""))
	h.broker.Dispatch(envelope(t, events.TypeExecution, "gateio", "BTC_USDT"))
	h.broker.Dispatch(envelope(t, events.TypeHeartbeat, "", ""))

	c := h.dial(t)
	w := welcomeOf(t, c)
	assert.NotEmpty(t, w.ClientID)
	assert.Equal(t, 2808, w.ConnectionInfo.WebsocketPort)
	assert.ElementsMatch(t, events.EventTypes(), w.AvailableEvents)
	assert.Contains(t, w.AvailableCommands, "subscribe")
	assert.NotEmpty(t, w.Tips)

	// последние значения по ключу кэша; execution и heartbeat не реплеятся
	var replayed []string
	for i := 0; i < 3; i++ {
		m := read(t, c)
		var env events.Envelope
		require.NoError(t, json.Unmarshal(m.Raw, &env))
		replayed = append(replayed, env.CacheKey())
	}
	assert.Equal(t, []string{
		events.TypeBalance,
		events.TypeOrderBook + "|BTC_USDT",
		events.TypeOrderBook + "|ETH_USDT",
	}, replayed)

	send(t, c, map[string]string{"type": "ping"})
	assert.Equal(t, TypePong, read(t, c).Type, "nothing else was queued")
}

func TestCommands(t *testing.T) {
	h := newHarness(t, Config{})
	c := h.dial(t)
	welcomeOf(t, c)

	send(t, c, map[string]string{"type": "ping"})
	m := read(t, c)
	assert.Equal(t, TypePong, m.Type)
	assert.Contains(t, string(m.Raw), `"timestamp":`)

	send(t, c, map[string]string{"type": "status"})
	m = read(t, c)
	require.Equal(t, TypeStatus, m.Type)
	var st statusMessage
	require.NoError(t, json.Unmarshal(m.Raw, &st))
	assert.Equal(t, status.Degraded, st.Status.Status, "no collector heartbeat yet")

	send(t, c, map[string]interface{}{"type": "subscribe", "events": []string{"exchange:balance"}, "instruments": []string{"btc/usdt"}})
	m = read(t, c)
	require.Equal(t, TypeSubscribed, m.Type)
	var sub subscriptionMessage
	require.NoError(t, json.Unmarshal(m.Raw, &sub))
	assert.Equal(t, []string{"exchange:balance"}, sub.Subscriptions.Events)
	assert.Equal(t, []string{"BTC_USDT"}, sub.Subscriptions.Instruments)

	send(t, c, map[string]interface{}{"type": "unsubscribe", "instruments": []string{"BTC-USDT"}})
	m = read(t, c)
	require.Equal(t, TypeUnsubscribed, m.Type)
	require.NoError(t, json.Unmarshal(m.Raw, &sub))
	assert.Empty(t, sub.Subscriptions.Instruments)
	assert.Equal(t, []string{"exchange:balance"}, sub.Subscriptions.Events)

	for _, bad := range []string{`not json`, `{"no":"type"}`, `{"type":"launch"}`, `{"type":"subscribe","events":["nope"]}`} {
		require.NoError(t, c.WriteMessage(websocket.TextMessage, []byte(bad)))
		m = read(t, c)
		assert.Equal(t, TypeError, m.Type, bad)
	}
}

func TestFilter_Match(t *testing.T) {
	book := events.Envelope{Type: events.TypeOrderBook, Exchange: "gateio", Instrument: "BTC_USDT"}
	eth := events.Envelope{Type: events.TypeOrderBook, Exchange: "gateio", Instrument: "ETH_USDT"}
	bal := events.Envelope{Type: events.TypeBalance, Exchange: "gateio"}
	hb := events.Envelope{Type: events.TypeHeartbeat}

	f := newFilter()
	for _, env := range []events.Envelope{book, eth, bal, hb} {
		assert.True(t, f.match(env), "empty filter is broadcast-all")
	}

	f.events[events.TypeBalance] = struct{}{}
	assert.True(t, f.match(bal))
	assert.False(t, f.match(book))

	f = newFilter()
	f.instruments["BTC_USDT"] = struct{}{}
	assert.True(t, f.match(book))
	assert.False(t, f.match(eth))
	assert.True(t, f.match(hb), "untagged events pass the instrument filter")
	assert.False(t, f.match(bal), "exchange tag is checked when there is no instrument")
}

func TestFanOut_RespectsFilters(t *testing.T) {
	h := newHarness(t, Config{})
	all := h.dial(t)
	welcomeOf(t, all)
	onlyBalance := h.dial(t)
	welcomeOf(t, onlyBalance)

	send(t, onlyBalance, map[string]interface{}{"type": "subscribe", "events": []string{events.TypeBalance}})
	require.Equal(t, TypeSubscribed, read(t, onlyBalance).Type)

	h.broker.Dispatch(envelope(t, events.TypeOrderBook, "gateio", "BTC_USDT"))
	h.broker.Dispatch(envelope(t, events.TypeBalance, "gateio", ""))

	assert.Equal(t, events.TypeOrderBook, read(t, all).Type)
	assert.Equal(t, events.TypeBalance, read(t, all).Type)
	assert.Equal(t, events.TypeBalance, read(t, onlyBalance).Type, "orderbook:update never reaches a balance-only session")
}

func TestEnqueue_FullQueueDropsOnlyForThatSession(t *testing.T) {
	slow := &Session{send: make(chan []byte, 1), done: make(chan struct{})}
	assert.True(t, slow.enqueue([]byte("a")))
	assert.False(t, slow.enqueue([]byte("b")), "full queue drops instead of blocking")

	close(slow.done)
	assert.False(t, slow.enqueue([]byte("c")))
}

func TestSweep_ClosesPeerThatNeverPongs(t *testing.T) {
	h := newHarness(t, Config{})

	silent := h.dial(t)
	silent.SetPingHandler(func(string) error { return nil })
	silentID := welcomeOf(t, silent).ClientID

	healthy := h.dial(t)
	healthyID := welcomeOf(t, healthy).ClientID

	for _, c := range []*websocket.Conn{silent, healthy} {
		go func(c *websocket.Conn) {
			for {
				_ = c.SetReadDeadline(time.Time{})
				if _, _, err := c.ReadMessage(); err != nil {
					return
				}
			}
		}(c)
	}

	h.broker.Sweep()
	require.Equal(t, 2, h.broker.Len(), "first miss only clears the flag")
	hs, ok := h.broker.Session(healthyID)
	require.True(t, ok)
	require.Eventually(t, hs.alive.Load, 2*time.Second, 10*time.Millisecond, "transport pong restores the flag")

	h.broker.Sweep()
	_, ok = h.broker.Session(silentID)
	assert.False(t, ok, "silent peer terminated on the following sweep")
	_, ok = h.broker.Session(healthyID)
	assert.True(t, ok)

	require.Eventually(t, func() bool { return len(h.tokens.calls()) == 1 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, "tok/"+silentID, h.tokens.calls()[0])
}

func TestShutdown_ClosesWith1001AndIsIdempotent(t *testing.T) {
	h := newHarness(t, Config{})
	c := h.dial(t)
	welcomeOf(t, c)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, h.broker.Shutdown(ctx))
	require.NoError(t, h.broker.Shutdown(ctx), "second call is a no-op")
	assert.False(t, h.broker.Accepting())
	assert.Equal(t, 0, h.broker.Len())

	select {
	case <-h.broker.Done():
	default:
		t.Fatal("Done not closed")
	}

	_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := c.ReadMessage()
	var ce *websocket.CloseError
	require.True(t, errors.As(err, &ce), "got %v", err)
	assert.Equal(t, CloseShuttingDown, ce.Code)
	assert.Equal(t, "server shutting down", ce.Text)

	// после остановки новые соединения закрываются сразу
	late := h.dial(t)
	_ = late.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = late.ReadMessage()
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, CloseShuttingDown, ce.Code)
}

func TestKick(t *testing.T) {
	h := newHarness(t, Config{})
	c := h.dial(t)
	id := welcomeOf(t, c).ClientID

	assert.True(t, h.broker.Kick(id, CloseRevoked, "token revoked"))
	assert.False(t, h.broker.Kick(id, CloseRevoked, "token revoked"))

	_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := c.ReadMessage()
	var ce *websocket.CloseError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, CloseRevoked, ce.Code)
}

func TestConsume_SeedsFromStoreAndRelays(t *testing.T) {
	mr := miniredis.RunT(t)
	bridge, err := pubsub.New(context.Background(), pubsub.Config{Addr: mr.Addr()}, logger.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = bridge.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, bridge.Publish(ctx, envelope(t, events.TypeBalance, "gateio", "")))

	h := newHarness(t, Config{})
	ready := make(chan struct{})
	consumed := make(chan error, 1)
	go func() { consumed <- h.broker.Consume(ctx, bridge, ready) }()
	select {
	case <-ready:
	case <-time.After(2 * time.Second):
		t.Fatal("subscription not ready")
	}

	c := h.dial(t)
	welcomeOf(t, c)
	assert.Equal(t, events.TypeBalance, read(t, c).Type, "seeded from the store snapshot")

	require.NoError(t, bridge.Publish(ctx, envelope(t, events.TypeOrderBook, "gateio", "BTC_USDT")))
	m := read(t, c)
	require.Equal(t, events.TypeOrderBook, m.Type)
	var env events.Envelope
	require.NoError(t, json.Unmarshal(m.Raw, &env))
	assert.Equal(t, "BTC_USDT", env.Instrument)
	assert.Equal(t, "collector", env.Source)

	sctx, scancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer scancel()
	require.NoError(t, h.broker.Shutdown(sctx))
	select {
	case err := <-consumed:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Consume did not stop on Shutdown")
	}
}
