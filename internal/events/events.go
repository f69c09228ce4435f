// Package events is a pub/sub bus for session lifecycle signals —
// established, reinit, terminated, comms-broken, retries-exhausted —
// so the metrics and logging layers can observe the router and worker
// state machines without being wired directly into them.
package events

import (
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Kind classifies a SessionEvent.
type Kind int

const (
	KindEstablished Kind = iota + 1
	KindReinit
	KindTerminated
	KindCommsBroken
	KindRetriesExhausted
	KindRouteCreated
	KindRouteDropped
)

func (k Kind) String() string {
	switch k {
	case KindEstablished:
		return "ESTABLISHED"
	case KindReinit:
		return "REINIT"
	case KindTerminated:
		return "TERMINATED"
	case KindCommsBroken:
		return "COMMS_BROKEN"
	case KindRetriesExhausted:
		return "RETRIES_EXHAUSTED"
	case KindRouteCreated:
		return "ROUTE_CREATED"
	case KindRouteDropped:
		return "ROUTE_DROPPED"
	default:
		return "UNKNOWN"
	}
}

// SessionEvent is one lifecycle signal for a given wire session_id.
type SessionEvent struct {
	SessionID uint8
	Kind      Kind
	Timestamp time.Time
	Message   string
	Metadata  map[string]string
}

// Subscription is an active event subscription; Channel delivers every
// SessionEvent matching the filter this subscription was created with.
type Subscription struct {
	ID              string
	SessionIDFilter *uint8
	Channel         chan *SessionEvent
}

// Publisher fans SessionEvents out to every matching subscriber,
// dropping events for subscribers whose channel is full rather than
// blocking the publishing goroutine (the router and workers cannot
// afford to stall on a slow observer).
type Publisher struct {
	mu            sync.RWMutex
	subscriptions map[string]*Subscription
	bufferSize    int
}

// NewPublisher creates a Publisher whose subscriber channels buffer up
// to bufferSize pending events each.
func NewPublisher(bufferSize int) *Publisher {
	return &Publisher{subscriptions: make(map[string]*Subscription), bufferSize: bufferSize}
}

// Subscribe creates a subscription. If sessionIDFilter is nil, every
// session's events are delivered; otherwise only events for that one
// session_id are.
func (p *Publisher) Subscribe(sessionIDFilter *uint8) *Subscription {
	p.mu.Lock()
	defer p.mu.Unlock()

	sub := &Subscription{
		ID:              uuid.NewString(),
		SessionIDFilter: sessionIDFilter,
		Channel:         make(chan *SessionEvent, p.bufferSize),
	}
	p.subscriptions[sub.ID] = sub
	return sub
}

// Unsubscribe removes a subscription and closes its channel.
func (p *Publisher) Unsubscribe(subscriptionID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if sub, ok := p.subscriptions[subscriptionID]; ok {
		close(sub.Channel)
		delete(p.subscriptions, subscriptionID)
	}
}

// Publish broadcasts event to every subscription whose filter matches.
func (p *Publisher) Publish(event *SessionEvent) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	for _, sub := range p.subscriptions {
		if sub.SessionIDFilter != nil && *sub.SessionIDFilter != event.SessionID {
			continue
		}
		select {
		case sub.Channel <- event:
		default:
		}
	}
}

// EstablishedEvent publishes a session-established event.
func (p *Publisher) EstablishedEvent(sessionID uint8, overlay, wrap string) {
	p.Publish(&SessionEvent{
		SessionID: sessionID,
		Kind:      KindEstablished,
		Timestamp: time.Now(),
		Message:   "session established",
		Metadata:  map[string]string{"overlay": overlay, "wrapper": wrap},
	})
}

// ReinitEvent publishes a session-reinit event.
func (p *Publisher) ReinitEvent(sessionID uint8) {
	p.Publish(&SessionEvent{SessionID: sessionID, Kind: KindReinit, Timestamp: time.Now(), Message: "sequence counters reinitialized"})
}

// TerminatedEvent publishes a session-terminated event.
func (p *Publisher) TerminatedEvent(sessionID uint8, reason string) {
	p.Publish(&SessionEvent{SessionID: sessionID, Kind: KindTerminated, Timestamp: time.Now(), Message: reason})
}

// CommsBrokenEvent publishes a comms-broken event.
func (p *Publisher) CommsBrokenEvent(sessionID uint8, reason string) {
	p.Publish(&SessionEvent{SessionID: sessionID, Kind: KindCommsBroken, Timestamp: time.Now(), Message: reason})
}

// RetriesExhaustedEvent publishes a retries-exhausted event.
func (p *Publisher) RetriesExhaustedEvent(sessionID uint8, attempts int) {
	p.Publish(&SessionEvent{
		SessionID: sessionID,
		Kind:      KindRetriesExhausted,
		Timestamp: time.Now(),
		Message:   "max retries exhausted",
		Metadata:  map[string]string{"attempts": strconv.Itoa(attempts)},
	})
}

// RouteCreatedEvent publishes a router-created-a-route event.
func (p *Publisher) RouteCreatedEvent(sessionID uint8) {
	p.Publish(&SessionEvent{SessionID: sessionID, Kind: KindRouteCreated, Timestamp: time.Now(), Message: "route created"})
}

// RouteDroppedEvent publishes a router-dropped-a-route event.
func (p *Publisher) RouteDroppedEvent(sessionID uint8) {
	p.Publish(&SessionEvent{SessionID: sessionID, Kind: KindRouteDropped, Timestamp: time.Now(), Message: "route dropped"})
}

// SubscriptionCount reports the number of active subscriptions.
func (p *Publisher) SubscriptionCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.subscriptions)
}
