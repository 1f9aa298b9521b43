package broker

import (
	"encoding/json"
	"strings"

	"go.uber.org/zap"

	"github.com/YaganovValera/exchange-relay/common/events"
	"github.com/YaganovValera/exchange-relay/services/gateway/internal/metrics"
)

// handle разбирает одну команду клиента. Ответы идут через очередь сессии,
// поэтому порядок ответов совпадает с порядком команд.
func (b *Broker) handle(s *Session, raw []byte) {
	var cmd command
	if err := json.Unmarshal(raw, &cmd); err != nil || cmd.Type == "" {
		metrics.Commands.WithLabelValues("malformed").Inc()
		b.replyError(s, "malformed message: expected a JSON object with a \"type\" field")
		return
	}
	ts := b.now().UnixMilli()

	switch cmd.Type {
	case TypePing:
		b.reply(s, pongMessage{Type: TypePong, Timestamp: ts})
	case TypePong:
		s.alive.Store(true)
	case cmdStatus:
		b.reply(s, statusMessage{Type: TypeStatus, Status: b.systemStatus(), Timestamp: ts})
	case TypeSubscribe, TypeUnsubscribe:
		if bad := unknownEvents(cmd.Events); len(bad) > 0 {
			metrics.Commands.WithLabelValues(cmd.Type).Inc()
			b.replyError(s, "unknown event types: "+strings.Join(bad, ", "))
			return
		}
		msg := subscriptionMessage{Timestamp: ts}
		if cmd.Type == TypeSubscribe {
			msg.Type = TypeSubscribed
			msg.Subscriptions = s.subscribe(cmd.Events, cmd.Instruments)
		} else {
			msg.Type = TypeUnsubscribed
			msg.Subscriptions = s.unsubscribe(cmd.Events, cmd.Instruments)
		}
		b.log.Debug("filter changed",
			zap.String("client_id", s.ID),
			zap.Strings("events", msg.Subscriptions.Events),
			zap.Strings("instruments", msg.Subscriptions.Instruments),
		)
		b.reply(s, msg)
	default:
		metrics.Commands.WithLabelValues("unknown").Inc()
		b.replyError(s, "unknown command: "+cmd.Type)
		return
	}
	metrics.Commands.WithLabelValues(cmd.Type).Inc()
}

func (b *Broker) reply(s *Session, v interface{}) {
	raw, err := json.Marshal(v)
	if err != nil {
		b.log.Error("reply marshal failed", zap.Error(err))
		return
	}
	s.enqueue(raw)
}

func (b *Broker) replyError(s *Session, msg string) {
	b.reply(s, errorMessage{Type: TypeError, Message: msg, Timestamp: b.now().UnixMilli()})
}

func unknownEvents(types []string) []string {
	var bad []string
	for _, t := range types {
		if _, ok := events.ChannelFor(t); !ok {
			bad = append(bad, t)
		}
	}
	return bad
}
