package broker

import (
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/YaganovValera/exchange-relay/common/events"
	"github.com/YaganovValera/exchange-relay/services/gateway/internal/metrics"
)

// Subscriptions: состояние фильтра в ответах subscribed/unsubscribed.
type Subscriptions struct {
	Events      []string `json:"events"`
	Instruments []string `json:"instruments"`
}

// filter: пустое множество пропускает всё.
type filter struct {
	events      map[string]struct{}
	instruments map[string]struct{}
}

func newFilter() filter {
	return filter{events: map[string]struct{}{}, instruments: map[string]struct{}{}}
}

// match: тип события должен входить в events; тег события (инструмент,
// иначе биржа): в instruments. Событие без тега проходит фильтр инструментов.
func (f filter) match(env events.Envelope) bool {
	if len(f.events) > 0 {
		if _, ok := f.events[env.Type]; !ok {
			return false
		}
	}
	if len(f.instruments) > 0 {
		tag := env.Instrument
		if tag == "" {
			tag = env.Exchange
		}
		if tag == "" {
			return true
		}
		if _, ok := f.instruments[normalize(tag)]; !ok {
			return false
		}
	}
	return true
}

func (f filter) subscriptions() Subscriptions {
	return Subscriptions{Events: keys(f.events), Instruments: keys(f.instruments)}
}

func keys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// normalize приводит "btc/usdt", "BTC-USDT" к виду биржи "BTC_USDT".
func normalize(s string) string {
	s = strings.ToUpper(strings.TrimSpace(s))
	return strings.NewReplacer("/", "_", "-", "_").Replace(s)
}

// Session: одно клиентское подключение.
type Session struct {
	ID          string
	Token       string
	ConnectedAt time.Time
	RemoteAddr  string

	conn  *websocket.Conn
	send  chan []byte
	done  chan struct{}
	alive atomic.Bool

	mu     sync.Mutex
	filter filter

	closeOnce sync.Once
}

func newSession(id, token string, conn *websocket.Conn, queue int, now time.Time) *Session {
	s := &Session{
		ID:          id,
		Token:       token,
		ConnectedAt: now,
		RemoteAddr:  conn.RemoteAddr().String(),
		conn:        conn,
		send:        make(chan []byte, queue),
		done:        make(chan struct{}),
		filter:      newFilter(),
	}
	s.alive.Store(true)
	return s
}

// Subscriptions: текущее состояние фильтра.
func (s *Session) Subscriptions() Subscriptions {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.filter.subscriptions()
}

func (s *Session) matches(env events.Envelope) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.filter.match(env)
}

func (s *Session) subscribe(evs, instruments []string) Subscriptions {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range evs {
		s.filter.events[e] = struct{}{}
	}
	for _, i := range instruments {
		s.filter.instruments[normalize(i)] = struct{}{}
	}
	return s.filter.subscriptions()
}

func (s *Session) unsubscribe(evs, instruments []string) Subscriptions {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range evs {
		delete(s.filter.events, e)
	}
	for _, i := range instruments {
		delete(s.filter.instruments, normalize(i))
	}
	return s.filter.subscriptions()
}

// enqueue не блокирует: при полной очереди сообщение для этой сессии теряется.
func (s *Session) enqueue(msg []byte) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.send <- msg:
		return true
	default:
		metrics.Dropped.WithLabelValues("queue_full").Inc()
		return false
	}
}

func (s *Session) closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}
