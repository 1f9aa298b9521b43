// services/collector/internal/metrics/metrics.go
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// EventsPublished: события, отправленные в pub/sub шину.
	EventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "collector", Name: "events_published_total",
		Help: "Domain events published to the pub/sub bridge",
	}, []string{"type"})

	// PublishErrors: ошибки публикации в шину.
	PublishErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "collector", Name: "publish_errors_total",
		Help: "Failed publishes to the pub/sub bridge",
	}, []string{"type"})

	// ArchiveDropped: события, не попавшие в Kafka-архив из-за переполнения очереди.
	ArchiveDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "collector", Subsystem: "archive", Name: "dropped_total",
		Help: "Events dropped because the archive queue was full",
	})

	// ArchiveErrors: ошибки записи в Kafka.
	ArchiveErrors = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "collector", Subsystem: "archive", Name: "errors_total",
		Help: "Failed archive writes",
	})
)
