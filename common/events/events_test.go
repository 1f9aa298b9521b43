package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCatalogue_Stable(t *testing.T) {
	want := map[string]string{
		TypeBalance:   "relay:v1:balance",
		TypeOrderBook: "relay:v1:orderbook",
		TypeExecution: "relay:v1:execution",
		TypeHeartbeat: "relay:v1:heartbeat",
	}
	require.Len(t, Catalogue(), len(want))
	for typ, name := range want {
		ch, ok := ChannelFor(typ)
		require.True(t, ok, typ)
		assert.Equal(t, name, ch.Name)
		back, ok := ByName(name)
		require.True(t, ok)
		assert.Equal(t, typ, back.EventType)
	}

	bal, _ := ChannelFor(TypeBalance)
	exe, _ := ChannelFor(TypeExecution)
	assert.Equal(t, LastValue, bal.Replay)
	assert.Equal(t, FireAndForget, exe.Replay)
	assert.Equal(t, "relay:v1:last:orderbook:update:BTC_USDT", SnapshotKey(Channel{EventType: TypeOrderBook}, "BTC_USDT"))
	assert.Equal(t, "relay:v1:last:exchange:balance", SnapshotKey(bal, ""))
}

func TestEnvelope_RoundTrip(t *testing.T) {
	at := time.UnixMilli(1700000000123)
	env, err := New(TypeOrderBook, "collector", "gateio", "BTC_USDT", map[string]int{"x": 1}, at)
	require.NoError(t, err)
	assert.Equal(t, int64(1700000000123), env.Timestamp)
	assert.Equal(t, "orderbook:update|BTC_USDT", env.CacheKey())

	_, err = Decode([]byte(`{"data":{}}`))
	assert.Error(t, err)
	_, err = Decode([]byte(`not json`))
	assert.Error(t, err)
}
