package stagectl

import (
	"context"
	"time"
)

// EventKind classifies observability events.
type EventKind string

const (
	EventKindSelection  EventKind = "selection"
	EventKindSwitch     EventKind = "switch"
	EventKindActivation EventKind = "activation"
	EventKindFallback   EventKind = "fallback"
	EventKindFailure    EventKind = "failure"
	EventKindValidation EventKind = "validation"

	// EventKindAvailability records a module availability transition.
	EventKindAvailability EventKind = "availability"
)

// Level is the severity attached to an observability event.
type Level string

const (
	LevelDebug Level = "DEBUG"
	LevelInfo  Level = "INFO"
	LevelWarn  Level = "WARN"
	LevelError Level = "ERROR"
)

// Event is a single observability record emitted by a component.
type Event struct {
	Kind                 EventKind      `json:"kind"`
	Level                Level          `json:"level"`
	Source               string         `json:"source"`
	Message              string         `json:"message"`
	StageID              string         `json:"stageId,omitempty"`
	ModuleID             string         `json:"moduleId,omitempty"`
	SubstituteModuleID   string         `json:"substituteModuleId,omitempty"`
	ConfigurationVersion int64          `json:"configurationVersion,omitempty"`
	Outcome              string         `json:"outcome,omitempty"`
	Error                string         `json:"error,omitempty"`
	Data                 map[string]any `json:"data,omitempty"`
	Timestamp            time.Time      `json:"timestamp"`
}

// Emitter accepts observability events. Emit never fails from the caller's
// point of view; sinks swallow and log their own errors.
type Emitter interface {
	Emit(ctx context.Context, event Event)
}

// EmitterFunc adapts a function to Emitter.
type EmitterFunc func(ctx context.Context, event Event)

func (f EmitterFunc) Emit(ctx context.Context, event Event) { f(ctx, event) }

type nopEmitter struct{}

func (nopEmitter) Emit(context.Context, Event) {}

// NopEmitter returns an Emitter that drops events.
func NopEmitter() Emitter { return nopEmitter{} }

// EmitterOrNop returns e, or a no-op emitter when e is nil.
func EmitterOrNop(e Emitter) Emitter {
	if e == nil {
		return nopEmitter{}
	}
	return e
}

// SafeEmit delivers event to e and recovers from a panicking emitter so that
// observability can never break the emitting component.
func SafeEmit(ctx context.Context, e Emitter, logger Logger, event Event) {
	if e == nil {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	defer func() {
		if r := recover(); r != nil {
			LoggerOrNop(logger).Error("Event emitter panicked", "kind", event.Kind, "panic", r)
		}
	}()
	e.Emit(ctx, event)
}
