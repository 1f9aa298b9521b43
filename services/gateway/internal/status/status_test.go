package status

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/YaganovValera/exchange-relay/common/events"
	"github.com/YaganovValera/exchange-relay/common/logger"
)

func heartbeat(t *testing.T, p events.HeartbeatPayload) events.Envelope {
	t.Helper()
	env, err := events.New(events.TypeHeartbeat, p.Service, "", "", p, time.Now())
	require.NoError(t, err)
	return env
}

func TestSnapshot_NoHeartbeatsIsDegraded(t *testing.T) {
	tr := NewTracker(Config{}, nil, logger.Nop())
	s := tr.Snapshot()
	assert.Equal(t, Degraded, s.Status)
	assert.True(t, s.RedisConnected)
	assert.Equal(t, Offline, s.BotStatus)
	assert.Equal(t, Offline, s.TraderStatus)
}

func TestSnapshot_FollowsHeartbeats(t *testing.T) {
	var redisUp atomic.Bool
	redisUp.Store(true)
	tr := NewTracker(Config{}, redisUp.Load, logger.Nop())
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	tr.now = func() time.Time { return now }

	tr.Observe(heartbeat(t, events.HeartbeatPayload{Service: "collector", Status: OK}))
	s := tr.Snapshot()
	assert.Equal(t, OK, s.Status)
	assert.Equal(t, OK, s.BotStatus)
	require.Len(t, s.Services, 1)

	// терминально упавший коннектор → degraded
	tr.Observe(heartbeat(t, events.HeartbeatPayload{
		Service: "collector", Status: Degraded,
		Connectors: []events.ConnectorStatus{{Name: "gateio-market", Failed: true, Error: "retries exhausted"}},
	}))
	s = tr.Snapshot()
	assert.Equal(t, Degraded, s.Status)
	assert.Equal(t, Degraded, s.BotStatus)
	assert.True(t, s.Services[0].Connectors[0].Failed)

	tr.Observe(heartbeat(t, events.HeartbeatPayload{Service: "collector", Status: OK}))
	tr.Observe(heartbeat(t, events.HeartbeatPayload{Service: "trader", Status: OK}))
	assert.Equal(t, OK, tr.Snapshot().TraderStatus)

	redisUp.Store(false)
	s = tr.Snapshot()
	assert.False(t, s.RedisConnected)
	assert.Equal(t, Degraded, s.Status)
	redisUp.Store(true)

	now = now.Add(time.Minute)
	s = tr.Snapshot()
	assert.Equal(t, Offline, s.BotStatus, "stale heartbeat")
	assert.Equal(t, Degraded, s.Status)
}

func TestObserve_IgnoresOtherAndMalformed(t *testing.T) {
	tr := NewTracker(Config{}, nil, logger.Nop())
	tr.Observe(events.Envelope{Type: events.TypeBalance, Data: []byte(`{}`)})
	tr.Observe(events.Envelope{Type: events.TypeHeartbeat, Data: []byte(`not json`)})
	tr.Observe(events.Envelope{Type: events.TypeHeartbeat, Data: []byte(`{"status":"ok"}`)})
	assert.Empty(t, tr.Snapshot().Services)
}
