package querycontrol

import (
	"context"
	"errors"
	"fmt"

	"github.com/harun/fanout/internal/observability"
	"github.com/harun/fanout/pkg/commandqueue"
)

func drainLane(sessionID string) string {
	return "drain:" + sessionID
}

// QueueCommand appends a command to its session's FIFO. The session does not
// need to be registered yet.
func (c *Controller) QueueCommand(cmd Command) error {
	if err := cmd.Validate(); err != nil {
		return err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrControllerClosed
	}
	c.queues[cmd.SessionID] = append(c.queues[cmd.SessionID], cmd)
	queued := len(c.queues[cmd.SessionID])
	total := c.queuedLocked()
	c.mu.Unlock()

	observability.SetQueuedCommands(total)
	c.logger.Debug().
		Str("session_id", cmd.SessionID).
		Str("kind", string(cmd.Kind)).
		Int("queued", queued).
		Msg("Command queued")
	return nil
}

// QueuedCommands returns a copy of a session's pending commands
func (c *Controller) QueuedCommands(sessionID string) []Command {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return append([]Command(nil), c.queues[sessionID]...)
}

func (c *Controller) queuedLocked() int {
	total := 0
	for _, q := range c.queues {
		total += len(q)
	}
	return total
}

// popCommand removes the oldest pending command of a session
func (c *Controller) popCommand(sessionID string) (Command, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	q := c.queues[sessionID]
	if len(q) == 0 {
		delete(c.queues, sessionID)
		return Command{}, false
	}
	cmd := q[0]
	if len(q) == 1 {
		delete(c.queues, sessionID)
	} else {
		c.queues[sessionID] = q[1:]
	}
	return cmd, true
}

func (c *Controller) registered(sessionID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	_, ok := c.queries[sessionID]
	return ok
}

// ProcessQueuedCommands executes a session's pending commands in order.
// Drains of the same session never overlap. Failing commands are logged and
// skipped; commands for an unregistered session are dropped. The queue is
// empty when the drain returns, even if ctx was already cancelled.
func (c *Controller) ProcessQueuedCommands(ctx context.Context, sessionID string) (DrainReport, error) {
	value, err := c.lanes.Enqueue(context.WithoutCancel(ctx), drainLane(sessionID), func(taskCtx context.Context) (any, error) {
		return c.drain(taskCtx, sessionID), nil
	}, nil)
	if err != nil {
		if errors.Is(err, commandqueue.ErrClosed) {
			return DrainReport{SessionID: sessionID}, ErrControllerClosed
		}
		return DrainReport{SessionID: sessionID}, fmt.Errorf("failed to drain commands for %s: %w", sessionID, err)
	}

	report, _ := value.(DrainReport)
	return report, nil
}

func (c *Controller) drain(ctx context.Context, sessionID string) DrainReport {
	report := DrainReport{SessionID: sessionID}

	for {
		cmd, ok := c.popCommand(sessionID)
		if !ok {
			break
		}

		if !c.registered(sessionID) {
			report.Dropped++
			c.logger.Warn().
				Str("session_id", sessionID).
				Str("kind", string(cmd.Kind)).
				Msg("Dropping queued command for unknown query")
			continue
		}

		applied, err := c.ExecuteCommand(ctx, cmd)
		switch {
		case err != nil:
			report.Failed++
			c.logger.Warn().
				Err(err).
				Str("session_id", sessionID).
				Str("kind", string(cmd.Kind)).
				Msg("Queued command failed")
		case applied:
			report.Executed++
		default:
			report.Rejected++
		}
	}

	c.mu.RLock()
	total := c.queuedLocked()
	c.mu.RUnlock()
	observability.SetQueuedCommands(total)

	c.logger.Debug().
		Str("session_id", sessionID).
		Int("executed", report.Executed).
		Int("rejected", report.Rejected).
		Int("failed", report.Failed).
		Int("dropped", report.Dropped).
		Msg("Command queue drained")

	return report
}
