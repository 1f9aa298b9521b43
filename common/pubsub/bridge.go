// common/pubsub/bridge.go
package pubsub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/YaganovValera/exchange-relay/common/backoff"
	"github.com/YaganovValera/exchange-relay/common/events"
	"github.com/YaganovValera/exchange-relay/common/logger"
)

// -----------------------------------------------------------------------------
// Service label & metrics
// -----------------------------------------------------------------------------

var serviceLabel = "unknown"

// SetServiceLabel вызывается из common.InitServiceName(..).
func SetServiceLabel(name string) { serviceLabel = name }

var bridgeMetrics = struct {
	Published     *prometheus.CounterVec
	PublishErrors *prometheus.CounterVec
	Received      *prometheus.CounterVec
	DecodeErrors  *prometheus.CounterVec
	Unavailable   *prometheus.CounterVec
}{
	Published: promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "common", Subsystem: "pubsub", Name: "published_total",
		Help: "Events published to the bus",
	}, []string{"service", "channel"}),
	PublishErrors: promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "common", Subsystem: "pubsub", Name: "publish_errors_total",
		Help: "Failed publishes",
	}, []string{"service", "channel"}),
	Received: promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "common", Subsystem: "pubsub", Name: "received_total",
		Help: "Events received from the bus",
	}, []string{"service", "channel"}),
	DecodeErrors: promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "common", Subsystem: "pubsub", Name: "decode_errors_total",
		Help: "Malformed envelopes dropped",
	}, []string{"service"}),
	Unavailable: promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "common", Subsystem: "pubsub", Name: "store_unavailable_total",
		Help: "Guarded health check failures",
	}, []string{"service"}),
}

var tracer = otel.Tracer("pubsub")

// ErrStoreUnavailable: guarded health check не дождался PONG за ReadyTimeout.
var ErrStoreUnavailable = errors.New("pubsub: store unavailable")

// Handler получает каждое декодированное событие; вызывается последовательно.
type Handler func(ctx context.Context, ch events.Channel, env events.Envelope)

// Bridge: межпроцессная шина событий поверх Redis PUBLISH/SUBSCRIBE.
// Доставка at-most-once, истории шина не хранит: last-value каналы
// дополнительно пишут снапшот в ключ с TTL.
type Bridge struct {
	client *redis.Client
	cfg    Config
	log    *logger.Logger

	lastOK atomic.Int64 // unix nano последнего успешного PING
}

// New создаёт Bridge и проверяет соединение с ретраями.
func New(ctx context.Context, cfg Config, log *logger.Logger) (*Bridge, error) {
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	b := NewWithClient(client, cfg, log)

	ctxConn, span := tracer.Start(ctx, "Connect", trace.WithAttributes(attribute.String("addr", cfg.Addr)))
	defer span.End()
	if err := b.Ready(ctxConn); err != nil {
		span.RecordError(err)
		_ = client.Close()
		return nil, fmt.Errorf("pubsub connect: %w", err)
	}
	b.log.Info("pubsub: connected", zap.String("addr", cfg.Addr))
	return b, nil
}

// NewWithClient оборачивает готовый клиент (используется в тестах).
func NewWithClient(client *redis.Client, cfg Config, log *logger.Logger) *Bridge {
	cfg.applyDefaults()
	return &Bridge{client: client, cfg: cfg, log: log.Named("pubsub")}
}

// Ready: guarded health check: PING с ретраями, не дольше ReadyTimeout.
// Свежий успешный PING (моложе HealthInterval) переиспользуется.
func (b *Bridge) Ready(ctx context.Context) error {
	if last := b.lastOK.Load(); last > 0 && time.Since(time.Unix(0, last)) < b.cfg.HealthInterval {
		return nil
	}
	bo := b.cfg.Backoff
	bo.MaxElapsedTime = b.cfg.ReadyTimeout
	if bo.PerAttemptTimeout <= 0 {
		bo.PerAttemptTimeout = b.cfg.ReadyTimeout
	}

	ctx, cancel := context.WithTimeout(ctx, b.cfg.ReadyTimeout)
	defer cancel()
	err := backoff.Execute(ctx, bo, b.log, func(ctx context.Context) error {
		return b.client.Ping(ctx).Err()
	})
	if err != nil {
		bridgeMetrics.Unavailable.WithLabelValues(serviceLabel).Inc()
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	b.lastOK.Store(time.Now().UnixNano())
	return nil
}

// Healthy: неблокирующая проверка для readiness/status: был ли недавний успешный PING.
func (b *Bridge) Healthy() bool {
	last := b.lastOK.Load()
	return last > 0 && time.Since(time.Unix(0, last)) < 3*b.cfg.HealthInterval+b.cfg.ReadyTimeout
}

// Watch периодически повторяет guarded health check, чтобы Healthy оставался
// актуальным в процессах, которые только читают шину.
func (b *Bridge) Watch(ctx context.Context) error {
	t := time.NewTicker(b.cfg.HealthInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if err := b.Ready(ctx); err != nil && ctx.Err() == nil {
				b.log.Warn("pubsub: health check failed", zap.Error(err))
			}
		}
	}
}

// Publish отправляет событие в канал его типа; для LastValue-каналов
// дополнительно сохраняет снапшот.
func (b *Bridge) Publish(ctx context.Context, env events.Envelope) error {
	ch, ok := events.ChannelFor(env.Type)
	if !ok {
		return fmt.Errorf("pubsub: unknown event type %q", env.Type)
	}
	ctx, span := tracer.Start(ctx, "Publish", trace.WithAttributes(attribute.String("channel", ch.Name)))
	defer span.End()

	if err := b.Ready(ctx); err != nil {
		span.RecordError(err)
		bridgeMetrics.PublishErrors.WithLabelValues(serviceLabel, ch.Name).Inc()
		return err
	}

	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("pubsub: marshal: %w", err)
	}

	pipe := b.client.Pipeline()
	pipe.Publish(ctx, ch.Name, payload)
	if ch.Replay == events.LastValue {
		pipe.Set(ctx, events.SnapshotKey(ch, env.Instrument), payload, b.cfg.SnapshotTTL)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		span.RecordError(err)
		bridgeMetrics.PublishErrors.WithLabelValues(serviceLabel, ch.Name).Inc()
		b.log.WithContext(ctx).Error("pubsub: publish failed", zap.String("channel", ch.Name), zap.Error(err))
		return fmt.Errorf("pubsub: publish %s: %w", ch.Name, err)
	}
	bridgeMetrics.Published.WithLabelValues(serviceLabel, ch.Name).Inc()
	return nil
}

// Forget удаляет снапшот инструмента (например, после unsubscribe стакана).
func (b *Bridge) Forget(ctx context.Context, eventType, instrument string) error {
	ch, ok := events.ChannelFor(eventType)
	if !ok || ch.Replay != events.LastValue {
		return nil
	}
	if err := b.Ready(ctx); err != nil {
		return err
	}
	return b.client.Del(ctx, events.SnapshotKey(ch, instrument)).Err()
}

// Snapshots читает все сохранённые last-value события.
func (b *Bridge) Snapshots(ctx context.Context) ([]events.Envelope, error) {
	ctx, span := tracer.Start(ctx, "Snapshots")
	defer span.End()

	if err := b.Ready(ctx); err != nil {
		return nil, err
	}

	var keys []string
	iter := b.client.Scan(ctx, 0, events.Prefix+":last:*", 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("pubsub: scan snapshots: %w", err)
	}
	if len(keys) == 0 {
		return nil, nil
	}

	vals, err := b.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("pubsub: mget snapshots: %w", err)
	}
	out := make([]events.Envelope, 0, len(vals))
	for i, v := range vals {
		s, ok := v.(string)
		if !ok {
			continue // ключ истёк между SCAN и MGET
		}
		env, err := events.Decode([]byte(s))
		if err != nil {
			b.log.Warn("pubsub: bad snapshot", zap.String("key", keys[i]), zap.Error(err))
			continue
		}
		out = append(out, env)
	}
	return out, nil
}

// Subscribe подписывается на все каналы каталога и блокирует до отмены ctx.
// ready (если не nil) закрывается после подтверждения подписки сервером.
func (b *Bridge) Subscribe(ctx context.Context, handler Handler, ready chan<- struct{}) error {
	sub := b.client.Subscribe(ctx, events.ChannelNames()...)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("pubsub: subscribe: %w", err)
	}
	b.log.Info("pubsub: subscribed", zap.Strings("channels", events.ChannelNames()))
	if ready != nil {
		close(ready)
	}

	msgs := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			b.log.Info("pubsub: unsubscribing")
			return nil
		case msg, ok := <-msgs:
			if !ok {
				return fmt.Errorf("pubsub: subscription channel closed")
			}
			ch, known := events.ByName(msg.Channel)
			if !known {
				continue
			}
			env, err := events.Decode([]byte(msg.Payload))
			if err != nil {
				bridgeMetrics.DecodeErrors.WithLabelValues(serviceLabel).Inc()
				b.log.Warn("pubsub: dropping malformed event", zap.String("channel", msg.Channel), zap.Error(err))
				continue
			}
			bridgeMetrics.Received.WithLabelValues(serviceLabel, ch.Name).Inc()
			handler(ctx, ch, env)
		}
	}
}

// Close закрывает соединение с Redis.
func (b *Bridge) Close() error {
	return b.client.Close()
}
