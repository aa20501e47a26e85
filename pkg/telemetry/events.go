package telemetry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event is a structured record of something that happened during a run.
type Event struct {
	ID         string                 `json:"id"`
	Timestamp  time.Time              `json:"timestamp"`
	Type       string                 `json:"type"`
	RunID      string                 `json:"run_id,omitempty"`
	ResourceID string                 `json:"resource,omitempty"`
	Action     string                 `json:"action,omitempty"`
	Message    string                 `json:"message"`
	Level      string                 `json:"level"`
	Data       map[string]interface{} `json:"data,omitempty"`
}

// Event types.
const (
	EventTypeRunStarted         = "run.started"
	EventTypeRunCompleted       = "run.completed"
	EventTypeRunFailed          = "run.failed"
	EventTypeActionStarted      = "action.started"
	EventTypeActionCompleted    = "action.completed"
	EventTypeActionFailed       = "action.failed"
	EventTypeResourceSkipped    = "resource.skipped"
	EventTypeNotificationQueued = "notification.queued"
	EventTypeRecipeSourced      = "recipe.sourced"
	EventTypePolicyViolation    = "policy.violation"
)

// Event levels.
const (
	EventLevelInfo    = "info"
	EventLevelWarning = "warning"
	EventLevelError   = "error"
)

// EventSubscriber handles a delivered event.
type EventSubscriber func(event Event)

// EventFilter selects events.
type EventFilter func(event Event) bool

// EventPublisher fans events out to subscribers. Without async delivery,
// subscribers run in the publishing goroutine in subscription order.
type EventPublisher struct {
	config      EventsConfig
	buffer      chan Event
	subscribers []subscriberEntry
	mu          sync.RWMutex
	wg          sync.WaitGroup
	ctx         context.Context
	cancel      context.CancelFunc
	runID       string
}

type subscriberEntry struct {
	subscriber EventSubscriber
	filter     EventFilter
}

// NewEventPublisher creates a publisher.
func NewEventPublisher(cfg EventsConfig) *EventPublisher {
	ctx, cancel := context.WithCancel(context.Background())
	ep := &EventPublisher{config: cfg, ctx: ctx, cancel: cancel}

	if cfg.Enabled && cfg.EnableAsync {
		ep.buffer = make(chan Event, cfg.BufferSize)
		ep.wg.Add(1)
		go ep.processEvents()
	}
	return ep
}

// SetRunID stamps subsequent events with runID.
func (ep *EventPublisher) SetRunID(runID string) {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	ep.runID = runID
}

// Publish delivers an event to all subscribers.
func (ep *EventPublisher) Publish(event Event) error {
	if ep == nil || !ep.config.Enabled {
		return nil
	}

	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	if event.Level == "" {
		event.Level = EventLevelInfo
	}
	ep.mu.RLock()
	if event.RunID == "" {
		event.RunID = ep.runID
	}
	ep.mu.RUnlock()

	if ep.buffer != nil {
		select {
		case ep.buffer <- event:
			return nil
		case <-ep.ctx.Done():
			return fmt.Errorf("event publisher stopped")
		default:
			return fmt.Errorf("event buffer full, event %s dropped", event.Type)
		}
	}

	ep.deliver(event)
	return nil
}

// PublishRunStarted publishes a run start.
func (ep *EventPublisher) PublishRunStarted(runID string, roles []string) error {
	return ep.Publish(Event{
		Type:    EventTypeRunStarted,
		RunID:   runID,
		Message: fmt.Sprintf("run %s started", runID),
		Data:    map[string]interface{}{"roles": roles},
	})
}

// PublishRunCompleted publishes a successful run end.
func (ep *EventPublisher) PublishRunCompleted(runID string, duration time.Duration) error {
	return ep.Publish(Event{
		Type:    EventTypeRunCompleted,
		RunID:   runID,
		Message: fmt.Sprintf("run %s converged", runID),
		Data:    map[string]interface{}{"duration": duration.Seconds()},
	})
}

// PublishRunFailed publishes a failed run.
func (ep *EventPublisher) PublishRunFailed(runID string, err error) error {
	return ep.Publish(Event{
		Type:    EventTypeRunFailed,
		RunID:   runID,
		Level:   EventLevelError,
		Message: fmt.Sprintf("run %s failed: %v", runID, err),
	})
}

// PublishAction publishes the outcome of a dispatched action.
func (ep *EventPublisher) PublishAction(resourceID, action string, updated bool, duration time.Duration, err error) error {
	ev := Event{
		Type:       EventTypeActionCompleted,
		ResourceID: resourceID,
		Action:     action,
		Message:    fmt.Sprintf("%s %s", action, resourceID),
		Data: map[string]interface{}{
			"updated":  updated,
			"duration": duration.Seconds(),
		},
	}
	if err != nil {
		ev.Type = EventTypeActionFailed
		ev.Level = EventLevelError
		ev.Message = fmt.Sprintf("%s %s failed: %v", action, resourceID, err)
	}
	return ep.Publish(ev)
}

// PublishSkipped publishes a guard skip.
func (ep *EventPublisher) PublishSkipped(resourceID, action, guard string) error {
	return ep.Publish(Event{
		Type:       EventTypeResourceSkipped,
		ResourceID: resourceID,
		Action:     action,
		Message:    fmt.Sprintf("skipped %s due to %s", resourceID, guard),
		Data:       map[string]interface{}{"guard": guard},
	})
}

// PublishNotification publishes a sent notification.
func (ep *EventPublisher) PublishNotification(from, action, to string, immediate bool) error {
	return ep.Publish(Event{
		Type:       EventTypeNotificationQueued,
		ResourceID: to,
		Action:     action,
		Message:    fmt.Sprintf("%s sending %s to %s", from, action, to),
		Data: map[string]interface{}{
			"from":      from,
			"immediate": immediate,
		},
	})
}

// PublishPolicyViolation publishes a policy finding.
func (ep *EventPublisher) PublishPolicyViolation(resourceID, policy, severity, message string) error {
	level := EventLevelWarning
	if severity == "error" {
		level = EventLevelError
	}
	return ep.Publish(Event{
		Type:       EventTypePolicyViolation,
		ResourceID: resourceID,
		Level:      level,
		Message:    message,
		Data:       map[string]interface{}{"policy": policy, "severity": severity},
	})
}

// Subscribe registers a subscriber with an optional filter.
func (ep *EventPublisher) Subscribe(subscriber EventSubscriber, filter EventFilter) {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	ep.subscribers = append(ep.subscribers, subscriberEntry{subscriber: subscriber, filter: filter})
}

func (ep *EventPublisher) processEvents() {
	defer ep.wg.Done()
	for {
		select {
		case event := <-ep.buffer:
			ep.deliver(event)
		case <-ep.ctx.Done():
			for {
				select {
				case event := <-ep.buffer:
					ep.deliver(event)
				default:
					return
				}
			}
		}
	}
}

func (ep *EventPublisher) deliver(event Event) {
	ep.mu.RLock()
	subs := make([]subscriberEntry, len(ep.subscribers))
	copy(subs, ep.subscribers)
	ep.mu.RUnlock()

	for _, entry := range subs {
		if entry.filter != nil && !entry.filter(event) {
			continue
		}
		entry.subscriber(event)
	}
}

// Shutdown stops async delivery after draining queued events.
func (ep *EventPublisher) Shutdown(ctx context.Context) error {
	if ep == nil {
		return nil
	}
	ep.cancel()

	done := make(chan struct{})
	go func() {
		ep.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("event publisher shutdown timeout")
	}
}

// FilterByLevel allows events at minLevel or above.
func FilterByLevel(minLevel string) EventFilter {
	levels := map[string]int{
		EventLevelInfo:    0,
		EventLevelWarning: 1,
		EventLevelError:   2,
	}
	threshold := levels[minLevel]
	return func(event Event) bool {
		return levels[event.Level] >= threshold
	}
}

// FilterByType allows only the given event types.
func FilterByType(types ...string) EventFilter {
	set := make(map[string]bool, len(types))
	for _, t := range types {
		set[t] = true
	}
	return func(event Event) bool {
		return set[event.Type]
	}
}
