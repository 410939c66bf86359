package querycontrol

import (
	"fmt"
	"time"

	"github.com/harun/fanout/internal/observability"
	"github.com/robfig/cron/v3"
)

const (
	// DefaultCleanupSchedule is the cron spec used by StartCleanupSchedule when none is given
	DefaultCleanupSchedule = "@every 1m"
	// DefaultRetention is how long finished queries stay visible
	DefaultRetention = 5 * time.Minute
)

// MarkCompleted records that a query's stream ended cleanly
func (c *Controller) MarkCompleted(sessionID string) error {
	return c.markEnded(sessionID, StatusCompleted, nil)
}

// MarkFailed records that a query's stream ended with err
func (c *Controller) MarkFailed(sessionID string, err error) error {
	return c.markEnded(sessionID, StatusFailed, err)
}

func (c *Controller) markEnded(sessionID string, status QueryStatus, cause error) error {
	e, err := c.lookup(sessionID)
	if err != nil {
		return err
	}

	now := time.Now()
	snap, ok := c.transition(e, []QueryStatus{StatusRunning, StatusPaused}, func(q *ControlledQuery) {
		q.Status = status
		q.IsPaused = false
		q.CanControl = false
		q.EndedAt = &now
		if cause != nil {
			q.Error = cause.Error()
		}
	})
	if !ok {
		return fmt.Errorf("%w: %s is %s", ErrInvalidTransition, sessionID, snap.Status)
	}

	c.detachTicker(e).stop()

	eventType := EventCompleted
	logEvent := c.logger.Info()
	if status == StatusFailed {
		eventType = EventFailed
		logEvent = c.logger.Warn().Err(cause)
	}
	logEvent.
		Str("session_id", sessionID).
		Str("agent_id", snap.AgentID).
		Dur("elapsed", snap.Elapsed(now)).
		Msg("Query ended")

	c.emit(eventFor(eventType, snap))
	return nil
}

// UnregisterQuery stops tracking a query and discards its pending commands
func (c *Controller) UnregisterQuery(sessionID string) error {
	e, err := c.lookup(sessionID)
	if err != nil {
		return err
	}

	c.detachTicker(e).stop()

	c.mu.Lock()
	if cur, ok := c.queries[sessionID]; !ok || cur != e {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrQueryNotFound, sessionID)
	}
	delete(c.queries, sessionID)
	delete(c.queues, sessionID)
	snap := e.query.snapshot()
	count := len(c.queries)
	queued := c.queuedLocked()
	c.mu.Unlock()

	c.lanes.RemoveLane(drainLane(sessionID))

	observability.SetRegisteredQueries(count)
	observability.SetQueuedCommands(queued)
	c.logger.Info().
		Str("session_id", sessionID).
		Str("agent_id", snap.AgentID).
		Str("status", string(snap.Status)).
		Msg("Query unregistered")

	c.emit(eventFor(EventUnregistered, snap))
	return nil
}

// Cleanup unregisters finished queries that ended longer than olderThan ago
// and returns how many were removed
func (c *Controller) Cleanup(olderThan time.Duration) int {
	cutoff := time.Now().Add(-olderThan)

	c.mu.RLock()
	var expired []string
	for id, e := range c.queries {
		if !e.query.Status.IsTerminal() {
			continue
		}
		if end := e.query.terminalSince(); end != nil && !end.After(cutoff) {
			expired = append(expired, id)
		}
	}
	c.mu.RUnlock()

	removed := 0
	for _, id := range expired {
		if err := c.UnregisterQuery(id); err == nil {
			removed++
		}
	}

	if removed > 0 {
		c.logger.Info().
			Int("removed", removed).
			Dur("older_than", olderThan).
			Msg("Cleaned up finished queries")
	}
	return removed
}

// StartCleanupSchedule runs Cleanup on a cron schedule. An empty spec uses
// DefaultCleanupSchedule and a non-positive retention uses DefaultRetention.
// Calling it again replaces the previous schedule.
func (c *Controller) StartCleanupSchedule(spec string, retention time.Duration) error {
	if spec == "" {
		spec = DefaultCleanupSchedule
	}
	if retention <= 0 {
		retention = DefaultRetention
	}

	c.mu.RLock()
	closed := c.closed
	c.mu.RUnlock()
	if closed {
		return ErrControllerClosed
	}

	scheduler := cron.New()
	if _, err := scheduler.AddFunc(spec, func() {
		c.Cleanup(retention)
	}); err != nil {
		return fmt.Errorf("invalid cleanup schedule %q: %w", spec, err)
	}

	c.cronMu.Lock()
	previous := c.scheduler
	c.scheduler = scheduler
	c.cronMu.Unlock()

	if previous != nil {
		<-previous.Stop().Done()
	}
	scheduler.Start()

	c.logger.Info().
		Str("schedule", spec).
		Dur("retention", retention).
		Msg("Cleanup schedule started")
	return nil
}

// Close stops the cleanup schedule and every status ticker and closes all
// subscriber channels. Registered queries are left as they are.
func (c *Controller) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	var tickers []*statusTicker
	for _, e := range c.queries {
		if e.ticker != nil {
			tickers = append(tickers, e.ticker)
			e.ticker = nil
		}
	}
	c.mu.Unlock()

	c.cronMu.Lock()
	scheduler := c.scheduler
	c.scheduler = nil
	c.cronMu.Unlock()
	if scheduler != nil {
		<-scheduler.Stop().Done()
	}

	for _, t := range tickers {
		t.stop()
	}

	c.closeSubscribers()

	if c.ownsLanes {
		if err := c.lanes.Close(); err != nil {
			return fmt.Errorf("failed to close command lanes: %w", err)
		}
	}

	c.logger.Info().Msg("Controller closed")
	return nil
}
