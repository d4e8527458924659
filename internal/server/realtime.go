package server

import (
	"context"
	"sync"
	"time"

	"github.com/wayplan/wayplan/internal/planner"
	"github.com/wayplan/wayplan/internal/route"
)

const (
	EventPlacesChanged  = "places-changed"
	EventRouteChanged   = "route-changed"
	EventSummaryChanged = "summary-changed"
	EventSchemesChanged = "schemes-changed"
	EventToast          = "toast"
	eventHeartbeat      = "heartbeat"
)

// Event is one realtime notification pushed to connected clients.
type Event struct {
	Type      string    `json:"type"`
	Payload   any       `json:"payload,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// EventDispatcher fans planner events out to all subscribed SSE streams. Slow
// subscribers drop events rather than block the publisher.
type EventDispatcher struct {
	mu          sync.RWMutex
	subscribers map[int64]*eventSubscriber
	nextID      int64
	bufferSize  int
}

type eventSubscriber struct {
	id     int64
	stream chan Event
}

func NewEventDispatcher() *EventDispatcher {
	return &EventDispatcher{
		subscribers: make(map[int64]*eventSubscriber),
		bufferSize:  16,
	}
}

// Subscribe registers a stream that receives every published event until the
// context is cancelled or the cleanup function runs.
func (d *EventDispatcher) Subscribe(ctx context.Context) (<-chan Event, func()) {
	subscriber := &eventSubscriber{
		id:     d.nextSequence(),
		stream: make(chan Event, d.bufferSize),
	}
	d.registerSubscriber(subscriber)
	cleanup := func() {
		d.unregisterSubscriber(subscriber.id)
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return subscriber.stream, cleanup
}

func (d *EventDispatcher) Publish(event Event) {
	if event.Type == "" {
		return
	}
	d.mu.RLock()
	copies := make([]*eventSubscriber, 0, len(d.subscribers))
	for _, subscriber := range d.subscribers {
		copies = append(copies, subscriber)
	}
	d.mu.RUnlock()
	for _, subscriber := range copies {
		select {
		case subscriber.stream <- event:
		default:
		}
	}
}

func (d *EventDispatcher) nextSequence() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	return d.nextID
}

func (d *EventDispatcher) registerSubscriber(subscriber *eventSubscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.subscribers[subscriber.id] = subscriber
}

func (d *EventDispatcher) unregisterSubscriber(subscriberID int64) {
	d.mu.Lock()
	delete(d.subscribers, subscriberID)
	d.mu.Unlock()
}

// EventBridge adapts the dispatcher to the planner's notifier interface.
type EventBridge struct {
	dispatcher *EventDispatcher
	clock      func() time.Time
}

// NewEventBridge wires planner notifications into the dispatcher. A nil clock
// defaults to time.Now.
func NewEventBridge(dispatcher *EventDispatcher, clock func() time.Time) *EventBridge {
	if clock == nil {
		clock = time.Now
	}
	return &EventBridge{dispatcher: dispatcher, clock: clock}
}

func (b *EventBridge) publish(eventType string, payload any) {
	b.dispatcher.Publish(Event{Type: eventType, Payload: payload, Timestamp: b.clock()})
}

func (b *EventBridge) PlacesChanged(places []planner.Place) {
	b.publish(EventPlacesChanged, places)
}

func (b *EventBridge) RouteChanged(places []planner.Place) {
	b.publish(EventRouteChanged, places)
}

func (b *EventBridge) SummaryChanged(summary route.Summary) {
	b.publish(EventSummaryChanged, summary)
}

func (b *EventBridge) SchemesChanged(schemes []planner.Scheme) {
	b.publish(EventSchemesChanged, schemes)
}

func (b *EventBridge) Toast(message string) {
	b.publish(EventToast, message)
}
