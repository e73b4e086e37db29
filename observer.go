// Package stagectl provides Observer pattern interfaces for control-plane events.
// Events are carried as CloudEvents so they can be forwarded to external systems
// unchanged.
package stagectl

import (
	"context"
	"time"

	cloudevents "github.com/cloudevents/sdk-go/v2"
)

// Observer is notified of CloudEvents published by a Subject.
type Observer interface {
	// OnEvent is called for each event the observer subscribed to.
	// Observers should return quickly; errors are logged, never propagated.
	OnEvent(ctx context.Context, event cloudevents.Event) error

	// ObserverID returns a unique identifier for this observer.
	ObserverID() string
}

// Subject maintains observers and notifies them of events.
type Subject interface {
	// RegisterObserver adds an observer. An empty eventTypes list subscribes to all events.
	RegisterObserver(observer Observer, eventTypes ...string) error

	// UnregisterObserver removes an observer. Unknown observers are ignored.
	UnregisterObserver(observer Observer) error

	// NotifyObservers sends an event to every interested observer without
	// blocking on observer work.
	NotifyObservers(ctx context.Context, event cloudevents.Event) error

	// GetObservers describes the current registrations.
	GetObservers() []ObserverInfo
}

// ObserverInfo describes a registered observer.
type ObserverInfo struct {
	ID           string    `json:"id"`
	EventTypes   []string  `json:"eventTypes"`
	RegisteredAt time.Time `json:"registeredAt"`
}

// CloudEvent types, in reverse domain notation.
const (
	EventTypeSelection  = "com.stagectl.module.selected"
	EventTypeSwitch     = "com.stagectl.module.switched"
	EventTypeActivation = "com.stagectl.configuration.activated"
	EventTypeValidation = "com.stagectl.configuration.validated"
	EventTypeFallback   = "com.stagectl.stage.fallback"
	EventTypeFailure    = "com.stagectl.stage.failed"

	EventTypeAvailability = "com.stagectl.module.availability"
)

// CloudEventType maps an event kind to its CloudEvent type.
func CloudEventType(kind EventKind) string {
	switch kind {
	case EventKindSelection:
		return EventTypeSelection
	case EventKindSwitch:
		return EventTypeSwitch
	case EventKindActivation:
		return EventTypeActivation
	case EventKindValidation:
		return EventTypeValidation
	case EventKindFallback:
		return EventTypeFallback
	case EventKindFailure:
		return EventTypeFailure
	case EventKindAvailability:
		return EventTypeAvailability
	default:
		return "com.stagectl." + string(kind)
	}
}

// FunctionalObserver builds an Observer from a function.
type FunctionalObserver struct {
	id      string
	handler func(ctx context.Context, event cloudevents.Event) error
}

// NewFunctionalObserver creates an observer that calls handler for each event.
func NewFunctionalObserver(id string, handler func(ctx context.Context, event cloudevents.Event) error) Observer {
	return &FunctionalObserver{
		id:      id,
		handler: handler,
	}
}

// OnEvent implements Observer.
func (f *FunctionalObserver) OnEvent(ctx context.Context, event cloudevents.Event) error {
	return f.handler(ctx, event)
}

// ObserverID implements Observer.
func (f *FunctionalObserver) ObserverID() string {
	return f.id
}
