// common/service.go
package common

import (
	"github.com/YaganovValera/exchange-relay/common/backoff"
	producer "github.com/YaganovValera/exchange-relay/common/kafka/producer"
	"github.com/YaganovValera/exchange-relay/common/pubsub"
)

// ServiceNameKey: ключ лейбла для метрик всех подсистем.
const ServiceNameKey = "service"

// InitServiceName задаёт единое имя сервиса для backoff, Kafka-producer и pub/sub шины.
// Нужно вызывать в main() до любых попыток отправки метрик.
func InitServiceName(name string) {
	backoff.SetServiceLabel(name)
	producer.SetServiceLabel(name)
	pubsub.SetServiceLabel(name)
}
