package app

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/YaganovValera/exchange-relay/common/events"
	"github.com/YaganovValera/exchange-relay/common/logger"
	"github.com/YaganovValera/exchange-relay/services/collector/internal/upstream"
)

// Статусы heartbeat.
const (
	StatusOK       = "ok"
	StatusDegraded = "degraded"
)

// Heartbeat периодически публикует system:heartbeat с состоянием коннекторов.
type Heartbeat struct {
	service    string
	started    time.Time
	connectors []*upstream.Connector
	emit       func(ctx context.Context, p events.HeartbeatPayload) error
	log        *logger.Logger
}

// NewHeartbeat создаёт репортёр для заданных коннекторов.
func NewHeartbeat(service string, emit func(ctx context.Context, p events.HeartbeatPayload) error, log *logger.Logger, conns ...*upstream.Connector) *Heartbeat {
	return &Heartbeat{
		service:    service,
		started:    time.Now(),
		connectors: conns,
		emit:       emit,
		log:        log.Named("heartbeat"),
	}
}

// Payload: текущий снимок состояния. Терминально упавший коннектор
// помечается failed, сервис: degraded.
func (h *Heartbeat) Payload() events.HeartbeatPayload {
	p := events.HeartbeatPayload{
		Service:   h.service,
		Status:    StatusOK,
		UptimeSec: int64(time.Since(h.started).Seconds()),
	}
	for _, c := range h.connectors {
		st := events.ConnectorStatus{
			Name:      c.Name(),
			State:     c.State().String(),
			Connected: c.IsConnected(),
		}
		if err := c.Err(); err != nil {
			st.Failed = true
			st.Error = err.Error()
		}
		if st.Failed || !st.Connected {
			p.Status = StatusDegraded
		}
		p.Connectors = append(p.Connectors, st)
	}
	return p
}

// Run публикует heartbeat сразу и затем каждые interval.
func (h *Heartbeat) Run(ctx context.Context, interval time.Duration) error {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		if err := h.emit(ctx, h.Payload()); err != nil && ctx.Err() == nil {
			h.log.Warn("heartbeat publish failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}
	}
}
