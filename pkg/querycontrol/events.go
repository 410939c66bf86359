package querycontrol

import (
	"time"

	"github.com/harun/fanout/pkg/agent"
)

// EventType identifies controller lifecycle events
type EventType string

const (
	EventRegistered        EventType = "registered"
	EventPaused            EventType = "paused"
	EventResumed           EventType = "resumed"
	EventTerminated        EventType = "terminated"
	EventModelChanged      EventType = "modelChanged"
	EventPermissionChanged EventType = "permissionChanged"
	EventStatus            EventType = "status"
	EventCompleted         EventType = "completed"
	EventFailed            EventType = "failed"
	EventUnregistered      EventType = "unregistered"
)

// Event is a controller notification
type Event struct {
	Type           EventType            `json:"type"`
	SessionID      string               `json:"session_id"`
	AgentID        string               `json:"agent_id,omitempty"`
	Status         QueryStatus          `json:"status,omitempty"`
	IsPaused       bool                 `json:"is_paused"`
	Elapsed        time.Duration        `json:"elapsed,omitempty"`
	Model          string               `json:"model,omitempty"`
	PermissionMode agent.PermissionMode `json:"permission_mode,omitempty"`
	Reason         string               `json:"reason,omitempty"`
	Error          string               `json:"error,omitempty"`
	Timestamp      time.Time            `json:"timestamp"`
}

// EventHandler handles controller events. Handlers run synchronously on the
// goroutine that caused the event, which may be a status ticker, so they must
// not call back into the controller.
type EventHandler func(event Event)

// On registers an event handler
func (c *Controller) On(eventType EventType, handler EventHandler) {
	c.eventMu.Lock()
	defer c.eventMu.Unlock()

	c.handlers[eventType] = append(c.handlers[eventType], handler)
}

// Off removes all handlers for an event type
func (c *Controller) Off(eventType EventType) {
	c.eventMu.Lock()
	defer c.eventMu.Unlock()

	delete(c.handlers, eventType)
}

// Subscribe returns a channel receiving every event. Events are dropped for a
// subscriber whose buffer is full. The returned function unsubscribes and
// closes the channel.
func (c *Controller) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan Event, buffer)

	c.eventMu.Lock()
	c.nextSubID++
	id := c.nextSubID
	c.subscribers[id] = ch
	c.eventMu.Unlock()

	cancel := func() {
		c.eventMu.Lock()
		defer c.eventMu.Unlock()

		if sub, ok := c.subscribers[id]; ok {
			delete(c.subscribers, id)
			close(sub)
		}
	}
	return ch, cancel
}

func (c *Controller) emit(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	c.eventMu.RLock()
	handlers := append([]EventHandler(nil), c.handlers[event.Type]...)
	for _, sub := range c.subscribers {
		select {
		case sub <- event:
		default:
			c.logger.Debug().
				Str("event", string(event.Type)).
				Str("session_id", event.SessionID).
				Msg("Subscriber buffer full, dropping event")
		}
	}
	c.eventMu.RUnlock()

	for _, handler := range handlers {
		handler(event)
	}
}

func (c *Controller) closeSubscribers() {
	c.eventMu.Lock()
	defer c.eventMu.Unlock()

	for id, sub := range c.subscribers {
		delete(c.subscribers, id)
		close(sub)
	}
}

func eventFor(eventType EventType, q ControlledQuery) Event {
	now := time.Now()
	return Event{
		Type:           eventType,
		SessionID:      q.SessionID,
		AgentID:        q.AgentID,
		Status:         q.Status,
		IsPaused:       q.IsPaused,
		Elapsed:        q.Elapsed(now),
		Model:          q.CurrentModel,
		PermissionMode: q.PermissionMode,
		Reason:         q.Reason,
		Error:          q.Error,
		Timestamp:      now,
	}
}
