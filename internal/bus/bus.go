// Package bus implements the in-process event bus: typed pub/sub keyed by
// event name with synchronous delivery, plus a bridge that forwards every
// event as a JSON wire message to an external sink (the WebSocket façade).
//
// Delivery guarantees: subscribers for an event are notified in subscribe
// order; a panicking subscriber is isolated and the rest still run; the bus
// imposes no ordering across event kinds, only within a single kind from a
// single emitter.
package bus

import (
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Event names every lifecycle signal the hub emits.
type Event string

const (
	EventRequestClaimed   Event = "request:claimed"
	EventRequestCompleted Event = "request:completed"
	EventRequestFailed    Event = "request:failed"
	EventA2AStatusUpdate  Event = "a2a:status-update"
	EventA2AArtifact      Event = "a2a:artifact-update"
	EventSessionOutput    Event = "session:output"
	EventSessionStart     Event = "session:start"
	EventSessionComplete  Event = "session:complete"
	EventSessionError     Event = "session:error"
	EventSchedulerTick    Event = "scheduler:tick"
	EventSyncPull         Event = "sync:pull"
	EventSyncPush         Event = "sync:push"
	EventServiceAdded     Event = "service:added"
	EventServiceRemoved   Event = "service:removed"
)

// allEvents is the fixed set bridged to external sinks.
var allEvents = []Event{
	EventRequestClaimed, EventRequestCompleted, EventRequestFailed,
	EventA2AStatusUpdate, EventA2AArtifact,
	EventSessionOutput, EventSessionStart, EventSessionComplete, EventSessionError,
	EventSchedulerTick, EventSyncPull, EventSyncPush,
	EventServiceAdded, EventServiceRemoved,
}

// Payload shapes. Each event kind carries exactly one of these.

// RequestClaimed is emitted when a request is admitted and an attempt starts.
type RequestClaimed struct {
	RequestID string `json:"request_id"`
	Service   string `json:"service"`
	Directive string `json:"directive,omitempty"`
	Attempt   int    `json:"attempt"`
}

// RequestCompleted is emitted after the terminal completed transition.
type RequestCompleted struct {
	RequestID  string  `json:"request_id"`
	Service    string  `json:"service"`
	DurationMS int64   `json:"duration_ms"`
	CostUSD    float64 `json:"cost_usd,omitempty"`
}

// RequestFailed is emitted on an execution failure. WillRetry reports whether
// the request was reverted to pending for another attempt.
type RequestFailed struct {
	RequestID string `json:"request_id"`
	Service   string `json:"service"`
	WillRetry bool   `json:"will_retry"`
	Error     string `json:"error"`
}

// A2AStatusUpdate mirrors a remote task state change.
type A2AStatusUpdate struct {
	RequestID string `json:"request_id"`
	TaskID    string `json:"task_id"`
	State     string `json:"state"`
	Message   string `json:"message,omitempty"`
}

// A2AArtifact carries one remote task artifact: either streamed in an
// artifact-update event or extracted from the terminal task snapshot.
type A2AArtifact struct {
	RequestID string `json:"request_id"`
	TaskID    string `json:"task_id"`
	Name      string `json:"name"`
	Data      string `json:"data"`
}

// SessionOutput is one streamed chunk of agent output.
type SessionOutput struct {
	RequestID string `json:"request_id"`
	Service   string `json:"service"`
	ChunkType string `json:"chunk_type"`
	Text      string `json:"text"`
}

// SessionEvent marks session lifecycle edges (start/complete/error).
type SessionEvent struct {
	RequestID string `json:"request_id"`
	Service   string `json:"service"`
	Error     string `json:"error,omitempty"`
}

// SchedulerTick reports one completed scheduler pass.
type SchedulerTick struct {
	At        time.Time `json:"at"`
	Processed int       `json:"processed"`
}

// Sync reports a git collaborator invocation.
type Sync struct {
	Root  string `json:"root"`
	Error string `json:"error,omitempty"`
}

// ServiceChange reports a registry diff observed at tick start.
type ServiceChange struct {
	Service string `json:"service"`
}

// Handler receives the payload of one event.
type Handler func(payload any)

type subscription struct {
	id int
	fn Handler
}

// Bus is the hub-wide event bus. The zero value is not usable — create
// instances with New.
type Bus struct {
	logger *zap.Logger

	mu     sync.Mutex
	nextID int
	subs   map[Event][]subscription
}

// New creates an empty Bus.
func New(logger *zap.Logger) *Bus {
	return &Bus{
		logger: logger.Named("bus"),
		subs:   make(map[Event][]subscription),
	}
}

// Subscribe registers a handler for one event kind and returns a function
// that removes it. Handlers run synchronously on the emitter's goroutine.
func (b *Bus) Subscribe(event Event, fn Handler) (unsubscribe func()) {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subs[event] = append(b.subs[event], subscription{id: id, fn: fn})
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		list := b.subs[event]
		for i, sub := range list {
			if sub.id == id {
				b.subs[event] = append(list[:i:i], list[i+1:]...)
				break
			}
		}
	}
}

// Emit delivers payload to every subscriber of event, in subscribe order.
// The subscriber list is snapshotted under the lock and the calls happen
// outside it, so handlers may subscribe or unsubscribe reentrantly.
func (b *Bus) Emit(event Event, payload any) {
	b.mu.Lock()
	snapshot := make([]subscription, len(b.subs[event]))
	copy(snapshot, b.subs[event])
	b.mu.Unlock()

	for _, sub := range snapshot {
		b.deliver(event, sub, payload)
	}
}

// deliver isolates one handler call so a panic cannot stop the remaining
// subscribers or the emitter.
func (b *Bus) deliver(event Event, sub subscription, payload any) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event subscriber panicked",
				zap.String("event", string(event)),
				zap.Any("panic", r),
			)
		}
	}()
	sub.fn(payload)
}

// WireMessage is the JSON envelope forwarded to bridged sinks.
type WireMessage struct {
	Type      string    `json:"type"`
	Data      any       `json:"data"`
	Timestamp time.Time `json:"timestamp"`
}

// Bridge subscribes a forwarder for every event kind that serialises the
// event into a WireMessage and hands the bytes to sink. Marshal failures are
// swallowed — the bridge must never disturb emitters. The returned release
// function unsubscribes all bridged listeners.
func (b *Bus) Bridge(sink func(msg []byte)) (release func()) {
	unsubs := make([]func(), 0, len(allEvents))
	for _, event := range allEvents {
		ev := event
		unsubs = append(unsubs, b.Subscribe(ev, func(payload any) {
			data, err := json.Marshal(WireMessage{
				Type:      string(ev),
				Data:      payload,
				Timestamp: time.Now().UTC(),
			})
			if err != nil {
				b.logger.Debug("bridge marshal failed", zap.String("event", string(ev)), zap.Error(err))
				return
			}
			sink(data)
		}))
	}
	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}
