package orchestrator

import (
	"time"

	"github.com/harun/fanout/pkg/agent"
)

// EventType identifies executor lifecycle events
type EventType string

const (
	EventSessionForked    EventType = "session.forked"
	EventMessageReceived  EventType = "message.received"
	EventSessionCompleted EventType = "session.completed"
	EventSessionFailed    EventType = "session.failed"
	EventBatchComplete    EventType = "batch.complete"
	EventRunComplete      EventType = "run.complete"
)

// Event is passed to handlers registered with On. Handlers run synchronously on
// the agent's goroutine and must not block.
type Event struct {
	Type      EventType
	RunID     string
	SessionID string
	AgentID   string
	Handle    agent.SessionHandle      // session.forked
	Message   *agent.Message           // message.received
	Err       error                    // session.failed
	Batch     int                      // batch.complete, 1-based
	BatchSize int                      // batch.complete
	Result    *ParallelExecutionResult // run.complete
	Timestamp time.Time
}

// EventHandler handles executor events
type EventHandler func(event Event)

// On registers an event handler for a specific event type
func (p *ParallelExecutor) On(eventType EventType, handler EventHandler) {
	p.handlersMu.Lock()
	defer p.handlersMu.Unlock()

	p.handlers[eventType] = append(p.handlers[eventType], handler)
}

// Off removes all handlers for an event type
func (p *ParallelExecutor) Off(eventType EventType) {
	p.handlersMu.Lock()
	defer p.handlersMu.Unlock()

	delete(p.handlers, eventType)
}

func (p *ParallelExecutor) emit(event Event) {
	event.Timestamp = time.Now()

	p.handlersMu.RLock()
	handlers := p.handlers[event.Type]
	p.handlersMu.RUnlock()

	for _, handler := range handlers {
		handler(event)
	}
}
