package gateway

import (
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
)

const subscriberQueueLen = 64

// Broker fans events out to connected clients. Every published event
// gets one globally monotonic seq for the gateway lifetime; a gap in
// the seq stream tells a client its queue overflowed and it should
// resynchronise with state queries. Publishing never blocks the
// originating subsystem: a saturated subscriber drops its oldest
// queued event instead.
type Broker struct {
	seq    atomic.Int64
	logger *slog.Logger

	mu   sync.RWMutex
	subs map[string]*subscriber

	dropped atomic.Int64
	onDrop  func()
}

type subscriber struct {
	id string
	ch chan []byte
	// qmu serialises the drop-oldest dance so two publishers cannot
	// both pop and leave the queue under-filled.
	qmu sync.Mutex
}

type BrokerOption func(*Broker)

func WithBrokerLogger(l *slog.Logger) BrokerOption {
	return func(b *Broker) { b.logger = l.With("component", "broker") }
}

// WithOnDrop installs a counter hook invoked once per dropped event.
func WithOnDrop(fn func()) BrokerOption {
	return func(b *Broker) { b.onDrop = fn }
}

func NewBroker(opts ...BrokerOption) *Broker {
	b := &Broker{
		logger: slog.Default().With("component", "broker"),
		subs:   make(map[string]*subscriber),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe registers a client queue. The returned channel carries
// marshaled event frames and closes on Unsubscribe.
func (b *Broker) Subscribe(clientID string) <-chan []byte {
	sub := &subscriber{id: clientID, ch: make(chan []byte, subscriberQueueLen)}
	b.mu.Lock()
	defer b.mu.Unlock()
	if old, ok := b.subs[clientID]; ok {
		close(old.ch)
	}
	b.subs[clientID] = sub
	return sub.ch
}

func (b *Broker) Unsubscribe(clientID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if sub, ok := b.subs[clientID]; ok {
		close(sub.ch)
		delete(b.subs, clientID)
	}
}

// Broadcast publishes one event to every subscriber.
func (b *Broker) Broadcast(event string, payload any) {
	data, ok := b.marshal(event, payload)
	if !ok {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		b.offer(sub, data)
	}
}

// Send publishes one event to a single subscriber.
func (b *Broker) Send(clientID, event string, payload any) {
	data, ok := b.marshal(event, payload)
	if !ok {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if sub, ok := b.subs[clientID]; ok {
		b.offer(sub, data)
	}
}

// Subscribers reports the current subscriber count.
func (b *Broker) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Dropped reports how many events were discarded on saturated queues.
func (b *Broker) Dropped() int64 {
	return b.dropped.Load()
}

func (b *Broker) marshal(event string, payload any) ([]byte, bool) {
	seq := b.seq.Add(1)
	data, err := json.Marshal(eventFrame(event, payload, seq))
	if err != nil {
		b.logger.Warn("unmarshalable event payload", "event", event, "error", err)
		return nil, false
	}
	return data, true
}

func (b *Broker) offer(sub *subscriber, data []byte) {
	sub.qmu.Lock()
	defer sub.qmu.Unlock()
	select {
	case sub.ch <- data:
		return
	default:
	}
	// Queue full: drop the oldest, then retry once.
	select {
	case <-sub.ch:
		b.dropped.Add(1)
		if b.onDrop != nil {
			b.onDrop()
		}
	default:
	}
	select {
	case sub.ch <- data:
	default:
	}
}
