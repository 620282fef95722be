package controller

import (
	"sync"

	"github.com/mark3labs/sessiontree/internal/message"
)

// EventType identifies the kind of event a Conversation emits.
type EventType string

const (
	EventAgentStart          EventType = "agent_start"
	EventMessageStart        EventType = "message_start"
	EventMessageUpdate       EventType = "message_update"
	EventMessageEnd          EventType = "message_end"
	EventToolExecutionStart  EventType = "tool_execution_start"
	EventToolExecutionUpdate EventType = "tool_execution_update"
	EventToolExecutionEnd    EventType = "tool_execution_end"
	EventAgentEnd            EventType = "agent_end"
)

// Event is implemented by every concrete event the Controller forwards to
// listeners. The Controller treats everything but message_start and
// message_end as an opaque pass-through.
type Event interface {
	EventType() EventType
}

// AgentStartEvent fires before the Conversation begins processing a prompt.
type AgentStartEvent struct{}

func (AgentStartEvent) EventType() EventType { return EventAgentStart }

// MessageStartEvent fires when a new message begins. UserText is set (and
// matched against the queue) only for user-authored messages; it is empty
// for assistant messages the Conversation starts emitting.
type MessageStartEvent struct {
	Role     string
	UserText string
}

func (MessageStartEvent) EventType() EventType { return EventMessageStart }

// MessageUpdateEvent fires for each incremental update to an in-flight
// message (streaming text, partial tool calls).
type MessageUpdateEvent struct {
	Chunk string
}

func (MessageUpdateEvent) EventType() EventType { return EventMessageUpdate }

// MessageEndEvent fires when a message is finalized, successfully or
// aborted. The Controller appends Message to the Tree after fan-out.
type MessageEndEvent struct {
	Message message.Message
}

func (MessageEndEvent) EventType() EventType { return EventMessageEnd }

// ToolExecutionStartEvent fires when a tool begins executing.
type ToolExecutionStartEvent struct {
	ToolName string
	ToolID   string
}

func (ToolExecutionStartEvent) EventType() EventType { return EventToolExecutionStart }

// ToolExecutionUpdateEvent fires for incremental tool execution progress.
type ToolExecutionUpdateEvent struct {
	ToolName string
	ToolID   string
	Chunk    string
}

func (ToolExecutionUpdateEvent) EventType() EventType { return EventToolExecutionUpdate }

// ToolExecutionEndEvent fires when a tool finishes executing.
type ToolExecutionEndEvent struct {
	ToolName string
	ToolID   string
	IsError  bool
}

func (ToolExecutionEndEvent) EventType() EventType { return EventToolExecutionEnd }

// AgentEndEvent fires after the Conversation finishes processing a prompt,
// successfully or with an error.
type AgentEndEvent struct {
	Err error
}

func (AgentEndEvent) EventType() EventType { return EventAgentEnd }

// Listener receives every event the Controller forwards, in registration
// order, after the event handler's dequeue step and before it persists a
// message_end.
type Listener func(Event)

// listenerEntry pairs a Listener with the id its unsubscribe closure
// captures, so eventBus can keep listeners in registration order (spec
// §4.2) while still supporting removal by id (a linear scan).
type listenerEntry struct {
	id int
	l  Listener
}

// eventBus is a thread-safe fan-out with unsubscribe support. Listeners are
// snapshotted under the read lock and invoked outside of it, so a listener
// may subscribe or unsubscribe from within its own callback without
// deadlocking.
type eventBus struct {
	mu        sync.RWMutex
	listeners []listenerEntry
	nextID    int
}

func newEventBus() *eventBus {
	return &eventBus{}
}

func (eb *eventBus) subscribe(l Listener) func() {
	eb.mu.Lock()
	id := eb.nextID
	eb.nextID++
	eb.listeners = append(eb.listeners, listenerEntry{id: id, l: l})
	eb.mu.Unlock()
	return func() {
		eb.mu.Lock()
		for i, e := range eb.listeners {
			if e.id == id {
				eb.listeners = append(eb.listeners[:i:i], eb.listeners[i+1:]...)
				break
			}
		}
		eb.mu.Unlock()
	}
}

func (eb *eventBus) clear() {
	eb.mu.Lock()
	eb.listeners = nil
	eb.mu.Unlock()
}

func (eb *eventBus) count() int {
	eb.mu.RLock()
	defer eb.mu.RUnlock()
	return len(eb.listeners)
}

func (eb *eventBus) emit(e Event) {
	eb.mu.RLock()
	snapshot := make([]Listener, len(eb.listeners))
	for i, e := range eb.listeners {
		snapshot[i] = e.l
	}
	eb.mu.RUnlock()
	for _, l := range snapshot {
		l(e)
	}
}
