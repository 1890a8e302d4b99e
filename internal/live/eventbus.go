package live

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/snarg/livesum/internal/metrics"
)

// ErrSubscriberBehind is returned by a channel sink whose buffer is full.
var ErrSubscriberBehind = errors.New("subscriber buffer full")

// Sink receives events for one subscriber. Send must not block for longer
// than a single bounded write attempt.
type Sink interface {
	Send(e Event) error
}

// chanSink is the default sink: a bounded channel drained by the
// subscriber's own serving goroutine.
type chanSink chan Event

func (c chanSink) Send(e Event) error {
	select {
	case c <- e:
		return nil
	default:
		return ErrSubscriberBehind
	}
}

// Subscriber is a registered event consumer.
type Subscriber struct {
	ID     string
	sink   Sink
	events chan Event

	alive atomic.Bool
	once  sync.Once
	done  chan struct{}
}

// Events returns the delivery channel. It is nil for subscribers created
// with Attach. The channel is never closed; watch Done instead.
func (s *Subscriber) Events() <-chan Event { return s.events }

// Done is closed once the subscriber has been removed from the bus.
func (s *Subscriber) Done() <-chan struct{} { return s.done }

// Alive reports whether the subscriber is still registered.
func (s *Subscriber) Alive() bool { return s.alive.Load() }

func (s *Subscriber) kill() bool {
	killed := false
	s.once.Do(func() {
		s.alive.Store(false)
		close(s.done)
		killed = true
	})
	return killed
}

// EventBus fans events out to every registered subscriber.
// It keeps a ring buffer of recent events for replay on reconnect.
type EventBus struct {
	mu          sync.RWMutex
	subscribers map[string]*Subscriber
	closed      bool
	seq         atomic.Uint64
	bufferSize  int
	log         zerolog.Logger

	ring     []Event
	ringSize int
	ringHead int
	ringMu   sync.RWMutex
}

// NewEventBus creates a bus with the given replay ring size and per-subscriber
// channel buffer.
func NewEventBus(ringSize, bufferSize int, log zerolog.Logger) *EventBus {
	if ringSize < 1 {
		ringSize = 1
	}
	if bufferSize < 1 {
		bufferSize = 1
	}
	return &EventBus{
		subscribers: make(map[string]*Subscriber),
		bufferSize:  bufferSize,
		log:         log,
		ring:        make([]Event, ringSize),
		ringSize:    ringSize,
	}
}

// Subscribe registers a channel-backed subscriber.
func (eb *EventBus) Subscribe() *Subscriber {
	ch := make(chan Event, eb.bufferSize)
	sub := eb.register(chanSink(ch))
	sub.events = ch
	return sub
}

// Attach registers a subscriber backed by a custom sink.
func (eb *EventBus) Attach(sink Sink) *Subscriber {
	return eb.register(sink)
}

func (eb *EventBus) register(sink Sink) *Subscriber {
	sub := &Subscriber{sink: sink, done: make(chan struct{})}
	sub.alive.Store(true)

	eb.mu.Lock()
	defer eb.mu.Unlock()
	if eb.closed {
		sub.kill()
		return sub
	}
	for {
		sub.ID = uuid.NewString()
		if _, dup := eb.subscribers[sub.ID]; !dup {
			break
		}
	}
	eb.subscribers[sub.ID] = sub
	eb.log.Debug().Str("subscriber", sub.ID).Int("subscribers", len(eb.subscribers)).Msg("subscriber attached")
	return sub
}

// Unsubscribe removes a subscriber. Unknown ids are ignored.
func (eb *EventBus) Unsubscribe(id string) {
	eb.mu.Lock()
	sub, ok := eb.subscribers[id]
	if ok {
		delete(eb.subscribers, id)
	}
	eb.mu.Unlock()
	if ok {
		sub.kill()
		eb.log.Debug().Str("subscriber", id).Msg("subscriber detached")
	}
}

// Send delivers an event to a single subscriber. The event is not recorded
// in the ring and gets no id, so it never shows up in a replay. A failed send
// removes the subscriber, as in Publish.
func (eb *EventBus) Send(sub *Subscriber, e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	if !sub.Alive() {
		return
	}
	if err := sub.sink.Send(e); err != nil {
		eb.drop(sub, err)
	}
}

// Publish stamps the event and delivers a copy to every live subscriber.
//
// Each subscriber gets one non-blocking send. A subscriber whose send fails
// (buffer full, broken connection) is removed from the bus and its Done
// channel is closed; the failure is not reported to the caller and does not
// affect delivery to the others.
func (eb *EventBus) Publish(e Event) {
	e = eb.stamp(e)

	eb.ringMu.Lock()
	eb.ring[eb.ringHead] = e
	eb.ringHead = (eb.ringHead + 1) % eb.ringSize
	eb.ringMu.Unlock()

	metrics.EventsPublishedTotal.WithLabelValues(string(e.Kind)).Inc()

	eb.mu.RLock()
	targets := make([]*Subscriber, 0, len(eb.subscribers))
	for _, sub := range eb.subscribers {
		targets = append(targets, sub)
	}
	eb.mu.RUnlock()

	for _, sub := range targets {
		if !sub.Alive() {
			continue
		}
		if err := sub.sink.Send(e); err != nil {
			eb.drop(sub, err)
		}
	}
}

func (eb *EventBus) stamp(e Event) Event {
	now := time.Now().UTC()
	if e.Timestamp.IsZero() {
		e.Timestamp = now
	}
	if e.ID == "" {
		e.ID = fmt.Sprintf("%d-%d", now.UnixMilli(), eb.seq.Add(1))
	}
	return e
}

func (eb *EventBus) drop(sub *Subscriber, err error) {
	eb.mu.Lock()
	if cur, ok := eb.subscribers[sub.ID]; ok && cur == sub {
		delete(eb.subscribers, sub.ID)
	}
	eb.mu.Unlock()
	if sub.kill() {
		metrics.SubscribersDroppedTotal.Inc()
		eb.log.Info().Err(err).Str("subscriber", sub.ID).Msg("subscriber removed after failed delivery")
	}
}

// ReplaySince returns buffered events published after lastEventID. If the
// id is empty or no longer in the ring, every buffered event is returned.
func (eb *EventBus) ReplaySince(lastEventID string) []Event {
	eb.ringMu.RLock()
	defer eb.ringMu.RUnlock()

	var all []Event
	after := -1
	for i := 0; i < eb.ringSize; i++ {
		e := eb.ring[(eb.ringHead+i)%eb.ringSize]
		if e.ID == "" {
			continue
		}
		if e.ID == lastEventID {
			after = len(all)
		}
		all = append(all, e)
	}
	if after >= 0 {
		return all[after+1:]
	}
	return all
}

// SubscriberCount returns the number of registered subscribers.
func (eb *EventBus) SubscriberCount() int {
	eb.mu.RLock()
	defer eb.mu.RUnlock()
	return len(eb.subscribers)
}

// Close removes every subscriber, closing their Done channels, and rejects
// later registrations.
func (eb *EventBus) Close() {
	eb.mu.Lock()
	subs := eb.subscribers
	eb.subscribers = make(map[string]*Subscriber)
	eb.closed = true
	eb.mu.Unlock()

	for _, sub := range subs {
		sub.kill()
	}
	eb.log.Info().Int("subscribers", len(subs)).Msg("event bus closed")
}
