// Package events provides the in-process pub/sub backbone connecting the
// trading engine components.
package events

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Topic identifies an event stream on the bus
type Topic string

const (
	TopicIndicatorUpdated Topic = "indicator.updated"
	TopicPriceUpdate      Topic = "market.price_update"
	TopicSignalGenerated  Topic = "signal_generated"

	TopicOrderCreated   Topic = "order_created"
	TopicOrderFilled    Topic = "order_filled"
	TopicOrderCancelled Topic = "order_cancelled"

	TopicPositionOpened  Topic = "position_opened"
	TopicPositionUpdated Topic = "position_updated"
	TopicPositionClosed  Topic = "position_closed"

	TopicSessionStarted       Topic = "session.started"
	TopicSessionStopped       Topic = "session.stopped"
	TopicSessionCircuitOpened Topic = "session.circuit_opened"
	TopicSessionHealth        Topic = "session.health"

	TopicIncidentAlert    Topic = "incident.alert"
	TopicIncidentResolved Topic = "incident.resolved"
)

// SourceStrategyManager tags events published by the strategy manager so its
// own subscribers can ignore them and avoid feedback loops.
const SourceStrategyManager = "strategy_manager"

// Event is a message delivered to topic subscribers
type Event struct {
	Topic     Topic                  `json:"topic"`
	Timestamp time.Time              `json:"timestamp"`
	Source    string                 `json:"source,omitempty"`
	Data      map[string]interface{} `json:"data"`
}

// Handler processes a single event
type Handler func(Event)

// Subscription is the handle returned by Subscribe. Unsubscribe removes the
// handler by handle identity, so the same function value can be registered
// on several topics independently.
type Subscription struct {
	id      uint64
	topic   Topic
	handler Handler
}

// Topic returns the topic this subscription is attached to
func (s *Subscription) Topic() Topic {
	return s.topic
}

// Bus is a typed topic pub/sub. Subscribers per topic are kept in insertion
// order; Publish dispatches to all of them concurrently and waits for every
// handler to return before it does.
type Bus struct {
	mu     sync.RWMutex
	subs   map[Topic][]*Subscription
	nextID uint64
	logger zerolog.Logger
}

// NewBus creates an empty event bus
func NewBus(logger zerolog.Logger) *Bus {
	return &Bus{
		subs:   make(map[Topic][]*Subscription),
		logger: logger.With().Str("component", "EventBus").Logger(),
	}
}

// Subscribe registers a handler for a topic and returns its handle
func (b *Bus) Subscribe(topic Topic, handler Handler) *Subscription {
	sub := &Subscription{
		id:      atomic.AddUint64(&b.nextID, 1),
		topic:   topic,
		handler: handler,
	}

	b.mu.Lock()
	b.subs[topic] = append(b.subs[topic], sub)
	b.mu.Unlock()

	return sub
}

// Unsubscribe removes a subscription. It is safe to call with a handle that
// was already removed or never registered.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	list := b.subs[sub.topic]
	for i, s := range list {
		if s.id == sub.id {
			b.subs[sub.topic] = append(list[:i:i], list[i+1:]...)
			break
		}
	}
	if len(b.subs[sub.topic]) == 0 {
		delete(b.subs, sub.topic)
	}
}

// Publish delivers an event to every subscriber of its topic. Each handler
// runs in its own goroutine; Publish returns once all of them have finished.
// A panicking handler is logged and does not affect the others. The
// subscriber list is snapshotted before dispatch, so handlers may publish
// further events without deadlocking.
func (b *Bus) Publish(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	b.mu.RLock()
	list := b.subs[event.Topic]
	snapshot := make([]*Subscription, len(list))
	copy(snapshot, list)
	b.mu.RUnlock()

	if len(snapshot) == 0 {
		return
	}

	var wg sync.WaitGroup
	for _, sub := range snapshot {
		wg.Add(1)
		go func(s *Subscription) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					b.logger.Error().
						Str("topic", string(event.Topic)).
						Interface("panic", r).
						Msg("Subscriber panicked during dispatch")
				}
			}()
			s.handler(event)
		}(sub)
	}
	wg.Wait()
}

// PublishAsync delivers the event without waiting for handlers to finish.
// Used for diagnostic events where the publisher must not stall.
func (b *Bus) PublishAsync(event Event) {
	go b.Publish(event)
}

// SubscriberCount returns the number of handlers registered for a topic
func (b *Bus) SubscriberCount(topic Topic) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[topic])
}

// HasSubscription reports whether the handle is still registered
func (b *Bus) HasSubscription(sub *Subscription) bool {
	if sub == nil {
		return false
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, s := range b.subs[sub.topic] {
		if s.id == sub.id {
			return true
		}
	}
	return false
}

// Topics returns all topics that currently have at least one subscriber
func (b *Bus) Topics() []Topic {
	b.mu.RLock()
	defer b.mu.RUnlock()

	topics := make([]Topic, 0, len(b.subs))
	for t := range b.subs {
		topics = append(topics, t)
	}
	return topics
}

// PublishIndicatorUpdate publishes an indicator value for a symbol
func (b *Bus) PublishIndicatorUpdate(symbol, indicator string, value float64) {
	b.Publish(Event{
		Topic: TopicIndicatorUpdated,
		Data: map[string]interface{}{
			"symbol":         symbol,
			"indicator":      indicator,
			"indicator_type": indicator,
			"value":          value,
			"timestamp":      time.Now().UTC().Format(time.RFC3339Nano),
		},
	})
}

// PublishPriceUpdate publishes a market price tick for a symbol
func (b *Bus) PublishPriceUpdate(symbol string, price float64) {
	b.Publish(Event{
		Topic: TopicPriceUpdate,
		Data: map[string]interface{}{
			"symbol": symbol,
			"price":  price,
		},
	})
}
