package app

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/YaganovValera/exchange-relay/common/events"
	"github.com/YaganovValera/exchange-relay/common/kafka"
	"github.com/YaganovValera/exchange-relay/common/logger"
	"github.com/YaganovValera/exchange-relay/services/collector/internal/metrics"
)

// Bus: межпроцессная шина (pubsub.Bridge).
type Bus interface {
	Publish(ctx context.Context, env events.Envelope) error
	Forget(ctx context.Context, eventType, instrument string) error
}

// Publisher упаковывает доменные данные в конверты, отправляет их в шину
// и зеркалирует в Kafka-архив через ограниченную очередь.
type Publisher struct {
	bus     Bus
	archive kafka.Producer
	topic   string
	source  string
	queue   chan events.Envelope
	log     *logger.Logger

	now func() time.Time
}

// NewPublisher создаёт Publisher. archive == nil: архив выключен.
func NewPublisher(bus Bus, archive kafka.Producer, topic, source string, queueSize int, log *logger.Logger) *Publisher {
	if queueSize <= 0 {
		queueSize = 1024
	}
	p := &Publisher{
		bus:     bus,
		archive: archive,
		topic:   topic,
		source:  source,
		log:     log.Named("publisher"),
		now:     time.Now,
	}
	if archive != nil {
		p.queue = make(chan events.Envelope, queueSize)
	}
	return p
}

// Emit публикует событие. Архив никогда не блокирует вызывающего:
// при полной очереди событие в архив не попадает.
func (p *Publisher) Emit(ctx context.Context, eventType, exchange, instrument string, data interface{}) error {
	env, err := events.New(eventType, p.source, exchange, instrument, data, p.now())
	if err != nil {
		return err
	}
	if err := p.bus.Publish(ctx, env); err != nil {
		metrics.PublishErrors.WithLabelValues(eventType).Inc()
		return err
	}
	metrics.EventsPublished.WithLabelValues(eventType).Inc()

	if p.queue != nil {
		select {
		case p.queue <- env:
		default:
			metrics.ArchiveDropped.Inc()
		}
	}
	return nil
}

// Forget удаляет last-value снапшот из шины.
func (p *Publisher) Forget(ctx context.Context, eventType, instrument string) error {
	return p.bus.Forget(ctx, eventType, instrument)
}

// RunArchive пишет очередь в Kafka до отмены ctx.
func (p *Publisher) RunArchive(ctx context.Context) error {
	if p.queue == nil {
		<-ctx.Done()
		return nil
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case env := <-p.queue:
			value, err := json.Marshal(env)
			if err != nil {
				continue
			}
			if err := p.archive.Publish(ctx, p.topic, []byte(env.CacheKey()), value); err != nil && ctx.Err() == nil {
				metrics.ArchiveErrors.Inc()
				p.log.Warn("archive write failed", zap.String("type", env.Type), zap.Error(err))
			}
		}
	}
}
