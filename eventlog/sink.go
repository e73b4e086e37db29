// Package eventlog is the observability sink. Every event is counted
// synchronously, kept in a bounded in-memory history, written to the
// configured output targets by a background worker and fanned out to
// CloudEvents observers. Nothing in the sink can fail or block the emitter.
package eventlog

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	cloudevents "github.com/cloudevents/sdk-go/v2"

	"github.com/GoCodeAlone/stagectl"
)

// observerRegistration holds information about a registered observer
type observerRegistration struct {
	observer     stagectl.Observer
	eventTypes   map[string]bool
	registeredAt time.Time
}

// Sink implements stagectl.Emitter and stagectl.Subject.
type Sink struct {
	cfg     Config
	logger  stagectl.Logger
	metrics *Metrics
	outputs []OutputTarget

	entries chan *LogEntry
	stop    chan struct{}
	wg      sync.WaitGroup

	stateMu sync.Mutex
	started bool

	recentMu sync.RWMutex
	recent   []stagectl.Event
	next     int
	filled   bool

	observerMutex sync.RWMutex
	observers     map[string]*observerRegistration
}

// Option configures a Sink.
type Option func(*Sink)

// WithLogger sets the logger used for the sink's own errors.
func WithLogger(l stagectl.Logger) Option {
	return func(s *Sink) { s.logger = stagectl.LoggerOrNop(l) }
}

// WithMetrics sets the counters updated for each event.
func WithMetrics(m *Metrics) Option {
	return func(s *Sink) { s.metrics = m }
}

// WithOutputs adds pre-built output targets in addition to the configured ones.
func WithOutputs(targets ...OutputTarget) Option {
	return func(s *Sink) { s.outputs = append(s.outputs, targets...) }
}

// New creates a sink. Output targets named in cfg are constructed here and
// opened by Start.
func New(cfg Config, opts ...Option) (*Sink, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.BufferSize == 0 {
		cfg.BufferSize = 256
	}
	if cfg.RecentSize <= 0 {
		cfg.RecentSize = 500
	}

	s := &Sink{
		cfg:       cfg,
		logger:    stagectl.NopLogger(),
		entries:   make(chan *LogEntry, cfg.BufferSize),
		recent:    make([]stagectl.Event, cfg.RecentSize),
		observers: make(map[string]*observerRegistration),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.metrics == nil {
		m, err := NewMetrics(nil)
		if err != nil {
			return nil, err
		}
		s.metrics = m
	}
	for _, tc := range cfg.Outputs {
		target, err := NewOutputTarget(tc, s.logger)
		if err != nil {
			return nil, fmt.Errorf("create output target: %w", err)
		}
		s.outputs = append(s.outputs, target)
	}
	return s, nil
}

// Metrics returns the sink's counters.
func (s *Sink) Metrics() *Metrics { return s.metrics }

// Start opens the output targets and starts the writer.
func (s *Sink) Start(ctx context.Context) error {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	if s.started {
		return nil
	}
	for _, output := range s.outputs {
		if err := output.Start(ctx); err != nil {
			return fmt.Errorf("failed to start output target: %w", err)
		}
	}
	s.started = true
	s.stop = make(chan struct{})
	s.wg.Add(1)
	go s.processEntries(s.stop)
	s.logger.Info("Event sink started", "outputs", len(s.outputs), "bufferSize", cap(s.entries))
	return nil
}

// Stop drains queued entries, bounded by ctx, and closes the outputs.
func (s *Sink) Stop(ctx context.Context) error {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	if !s.started {
		return nil
	}
	close(s.stop)

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.logger.Warn("Event sink drain interrupted; proceeding with shutdown", "error", ctx.Err())
	}

	var errs []error
	for _, output := range s.outputs {
		if err := output.Stop(ctx); err != nil {
			s.logger.Error("Failed to stop output target", "error", err)
			errs = append(errs, err)
		}
	}
	s.started = false
	s.logger.Info("Event sink stopped")
	return errors.Join(errs...)
}

// Emit records an event. It never blocks on outputs or observers.
func (s *Sink) Emit(ctx context.Context, e stagectl.Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	if e.Level == "" {
		e.Level = stagectl.LevelInfo
	}

	s.metrics.Observe(e)
	s.remember(e)
	s.enqueue(newLogEntry(e))

	if err := s.NotifyObservers(context.WithoutCancel(ctx), stagectl.ToCloudEvent(e)); err != nil {
		s.logger.Error("Failed to notify observers", "kind", e.Kind, "error", err)
	}
}

// enqueue hands an entry to the writer. When the buffer is full the oldest
// queued entry is dropped to make room.
func (s *Sink) enqueue(entry *LogEntry) {
	select {
	case s.entries <- entry:
		return
	default:
	}

	select {
	case <-s.entries:
		s.metrics.Dropped.Inc()
	default:
	}

	select {
	case s.entries <- entry:
	default:
		s.metrics.Dropped.Inc()
		s.logger.Warn("Event buffer full, dropping incoming event", "kind", entry.Kind)
	}
}

func (s *Sink) processEntries(stop <-chan struct{}) {
	defer s.wg.Done()
	for {
		select {
		case entry := <-s.entries:
			s.write(entry)
		case <-stop:
			for {
				select {
				case entry := <-s.entries:
					s.write(entry)
				default:
					s.flush()
					return
				}
			}
		}
	}
}

func (s *Sink) write(entry *LogEntry) {
	for _, output := range s.outputs {
		if err := output.WriteEvent(entry); err != nil {
			s.logger.Error("Failed to write event to output target", "kind", entry.Kind, "error", err)
		}
	}
}

func (s *Sink) flush() {
	for _, output := range s.outputs {
		if err := output.Flush(); err != nil {
			s.logger.Error("Failed to flush output target", "error", err)
		}
	}
}

func (s *Sink) remember(e stagectl.Event) {
	s.recentMu.Lock()
	defer s.recentMu.Unlock()
	s.recent[s.next] = e
	s.next = (s.next + 1) % len(s.recent)
	if s.next == 0 {
		s.filled = true
	}
}

// Recent returns up to n of the most recent events, oldest first. n <= 0
// returns everything retained.
func (s *Sink) Recent(n int) []stagectl.Event {
	s.recentMu.RLock()
	defer s.recentMu.RUnlock()

	size := s.next
	if s.filled {
		size = len(s.recent)
	}
	if n <= 0 || n > size {
		n = size
	}
	out := make([]stagectl.Event, 0, n)
	start := s.next - n
	if start < 0 {
		start += len(s.recent)
	}
	for i := 0; i < n; i++ {
		out = append(out, s.recent[(start+i)%len(s.recent)])
	}
	return out
}

// RegisterObserver adds an observer. An empty eventTypes list subscribes to all events.
func (s *Sink) RegisterObserver(observer stagectl.Observer, eventTypes ...string) error {
	s.observerMutex.Lock()
	defer s.observerMutex.Unlock()

	eventTypeMap := make(map[string]bool)
	for _, eventType := range eventTypes {
		eventTypeMap[eventType] = true
	}
	s.observers[observer.ObserverID()] = &observerRegistration{
		observer:     observer,
		eventTypes:   eventTypeMap,
		registeredAt: time.Now(),
	}
	s.logger.Info("Observer registered", "observerID", observer.ObserverID(), "eventTypes", eventTypes)
	return nil
}

// UnregisterObserver removes an observer. It is idempotent.
func (s *Sink) UnregisterObserver(observer stagectl.Observer) error {
	s.observerMutex.Lock()
	defer s.observerMutex.Unlock()

	if _, exists := s.observers[observer.ObserverID()]; exists {
		delete(s.observers, observer.ObserverID())
		s.logger.Info("Observer unregistered", "observerID", observer.ObserverID())
	}
	return nil
}

// NotifyObservers sends a CloudEvent to every interested observer, each in
// its own goroutine. Observer errors and panics are logged.
func (s *Sink) NotifyObservers(ctx context.Context, event cloudevents.Event) error {
	if event.Time().IsZero() {
		event.SetTime(time.Now())
	}
	if err := stagectl.ValidateCloudEvent(event); err != nil {
		return err
	}

	s.observerMutex.RLock()
	defer s.observerMutex.RUnlock()

	for _, registration := range s.observers {
		if len(registration.eventTypes) > 0 && !registration.eventTypes[event.Type()] {
			continue
		}
		go func() {
			defer func() {
				if r := recover(); r != nil {
					s.logger.Error("Observer panicked", "observerID", registration.observer.ObserverID(), "event", event.Type(), "panic", r)
				}
			}()
			if err := registration.observer.OnEvent(ctx, event); err != nil {
				s.logger.Error("Observer error", "observerID", registration.observer.ObserverID(), "event", event.Type(), "error", err)
			}
		}()
	}
	return nil
}

// GetObservers describes the current registrations.
func (s *Sink) GetObservers() []stagectl.ObserverInfo {
	s.observerMutex.RLock()
	defer s.observerMutex.RUnlock()

	info := make([]stagectl.ObserverInfo, 0, len(s.observers))
	for _, registration := range s.observers {
		eventTypes := make([]string, 0, len(registration.eventTypes))
		for eventType := range registration.eventTypes {
			eventTypes = append(eventTypes, eventType)
		}
		info = append(info, stagectl.ObserverInfo{
			ID:           registration.observer.ObserverID(),
			EventTypes:   eventTypes,
			RegisteredAt: registration.registeredAt,
		})
	}
	return info
}

var (
	_ stagectl.Emitter = (*Sink)(nil)
	_ stagectl.Subject = (*Sink)(nil)
)
