package querycontrol

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/harun/fanout/pkg/agent"
	"go.opentelemetry.io/otel/codes"
)

// PauseQuery interrupts a running query and marks it paused. It returns false
// when the query is not running.
func (c *Controller) PauseQuery(ctx context.Context, sessionID, reason string) (bool, error) {
	if !c.options().EnablePause {
		c.recordCommand(CommandPause, outcomeRejected)
		return false, ErrPauseDisabled
	}

	ctx, span, logger := c.startSpan(ctx, CommandPause, sessionID)
	defer span.End()

	e, err := c.lookup(sessionID)
	if err != nil {
		c.recordCommand(CommandPause, outcomeError)
		return false, err
	}

	e.ctl.Lock()
	defer e.ctl.Unlock()

	if status := c.status(e); status != StatusRunning {
		logger.Debug().Str("status", string(status)).Msg("Pause ignored")
		c.recordCommand(CommandPause, outcomeRejected)
		return false, nil
	}

	if err := e.query.handle.Interrupt(ctx); err != nil {
		logger.Error().Err(err).Msg("Failed to interrupt query")
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		c.recordCommand(CommandPause, outcomeError)
		return false, fmt.Errorf("failed to pause query %s: %w", sessionID, err)
	}

	now := time.Now()
	snap, ok := c.transition(e, []QueryStatus{StatusRunning}, func(q *ControlledQuery) {
		q.Status = StatusPaused
		q.IsPaused = true
		q.PausedAt = &now
		q.Reason = reason
	})
	if !ok {
		c.recordCommand(CommandPause, outcomeRejected)
		return false, nil
	}

	c.recordCommand(CommandPause, outcomeApplied)
	logger.Info().Str("reason", reason).Msg("Query paused")
	c.emit(eventFor(EventPaused, snap))
	return true, nil
}

// ResumeQuery marks a paused query running again. The interrupted stream is not
// restarted. It returns false when the query is not paused.
func (c *Controller) ResumeQuery(ctx context.Context, sessionID string) (bool, error) {
	_, span, logger := c.startSpan(ctx, CommandResume, sessionID)
	defer span.End()

	e, err := c.lookup(sessionID)
	if err != nil {
		c.recordCommand(CommandResume, outcomeError)
		return false, err
	}

	e.ctl.Lock()
	defer e.ctl.Unlock()

	now := time.Now()
	snap, ok := c.transition(e, []QueryStatus{StatusPaused}, func(q *ControlledQuery) {
		q.Status = StatusRunning
		q.IsPaused = false
		q.ResumedAt = &now
		q.Reason = ""
	})
	if !ok {
		logger.Debug().Str("status", string(snap.Status)).Msg("Resume ignored")
		c.recordCommand(CommandResume, outcomeRejected)
		return false, nil
	}

	c.recordCommand(CommandResume, outcomeApplied)
	logger.Info().Msg("Query resumed")
	c.emit(eventFor(EventResumed, snap))
	return true, nil
}

// TerminateQuery interrupts the query and marks it terminated. Terminating an
// already terminated query returns true without emitting another event.
func (c *Controller) TerminateQuery(ctx context.Context, sessionID, reason string) (bool, error) {
	ctx, span, logger := c.startSpan(ctx, CommandTerminate, sessionID)
	defer span.End()

	e, err := c.lookup(sessionID)
	if err != nil {
		c.recordCommand(CommandTerminate, outcomeError)
		return false, err
	}

	e.ctl.Lock()
	defer e.ctl.Unlock()

	status := c.status(e)
	if status == StatusTerminated {
		return true, nil
	}

	if status == StatusRunning || status == StatusPaused {
		if err := e.query.handle.Interrupt(ctx); err != nil {
			logger.Warn().Err(err).Msg("Interrupt failed during terminate")
			span.RecordError(err)
		}
	}

	now := time.Now()
	snap, ok := c.transition(e, []QueryStatus{StatusRunning, StatusPaused, StatusCompleted, StatusFailed}, func(q *ControlledQuery) {
		q.Status = StatusTerminated
		q.IsPaused = false
		q.CanControl = false
		q.TerminatedAt = &now
		q.Reason = reason
	})
	if !ok {
		return true, nil
	}

	c.detachTicker(e).stop()

	c.recordCommand(CommandTerminate, outcomeApplied)
	logger.Info().Str("reason", reason).Str("previous_status", string(status)).Msg("Query terminated")
	c.emit(eventFor(EventTerminated, snap))
	return true, nil
}

// ChangeModel switches the model a running query uses for subsequent turns
func (c *Controller) ChangeModel(ctx context.Context, sessionID, model string) error {
	if !c.options().EnableModelChange {
		c.recordCommand(CommandChangeModel, outcomeRejected)
		return ErrModelChangeDisabled
	}
	if strings.TrimSpace(model) == "" {
		c.recordCommand(CommandChangeModel, outcomeRejected)
		return fmt.Errorf("model is required")
	}

	ctx, span, logger := c.startSpan(ctx, CommandChangeModel, sessionID)
	defer span.End()

	e, err := c.lookup(sessionID)
	if err != nil {
		c.recordCommand(CommandChangeModel, outcomeError)
		return err
	}

	e.ctl.Lock()
	defer e.ctl.Unlock()

	if status := c.status(e); status != StatusRunning {
		c.recordCommand(CommandChangeModel, outcomeRejected)
		return fmt.Errorf("%w: %s is %s", ErrQueryNotRunning, sessionID, status)
	}

	if err := e.query.handle.SetModel(ctx, model); err != nil {
		logger.Error().Err(err).Str("model", model).Msg("Failed to change model")
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		c.recordCommand(CommandChangeModel, outcomeError)
		return fmt.Errorf("failed to change model of %s: %w", sessionID, err)
	}

	snap, _ := c.transition(e, []QueryStatus{StatusRunning, StatusPaused, StatusCompleted, StatusFailed}, func(q *ControlledQuery) {
		q.CurrentModel = model
	})

	c.recordCommand(CommandChangeModel, outcomeApplied)
	logger.Info().Str("model", model).Msg("Query model changed")
	c.emit(eventFor(EventModelChanged, snap))
	return nil
}

// ChangePermissionMode switches the permission mode of a running query
func (c *Controller) ChangePermissionMode(ctx context.Context, sessionID string, mode agent.PermissionMode) error {
	if !c.options().EnablePermissionChange {
		c.recordCommand(CommandChangePermissions, outcomeRejected)
		return ErrPermissionChangeDisabled
	}
	if !mode.Valid() {
		c.recordCommand(CommandChangePermissions, outcomeRejected)
		return fmt.Errorf("invalid permission mode: %s", mode)
	}

	ctx, span, logger := c.startSpan(ctx, CommandChangePermissions, sessionID)
	defer span.End()

	e, err := c.lookup(sessionID)
	if err != nil {
		c.recordCommand(CommandChangePermissions, outcomeError)
		return err
	}

	e.ctl.Lock()
	defer e.ctl.Unlock()

	if status := c.status(e); status != StatusRunning {
		c.recordCommand(CommandChangePermissions, outcomeRejected)
		return fmt.Errorf("%w: %s is %s", ErrQueryNotRunning, sessionID, status)
	}

	if err := e.query.handle.SetPermissionMode(ctx, mode); err != nil {
		logger.Error().Err(err).Str("permission_mode", string(mode)).Msg("Failed to change permission mode")
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		c.recordCommand(CommandChangePermissions, outcomeError)
		return fmt.Errorf("failed to change permission mode of %s: %w", sessionID, err)
	}

	snap, _ := c.transition(e, []QueryStatus{StatusRunning, StatusPaused, StatusCompleted, StatusFailed}, func(q *ControlledQuery) {
		q.PermissionMode = mode
	})

	c.recordCommand(CommandChangePermissions, outcomeApplied)
	logger.Info().Str("permission_mode", string(mode)).Msg("Query permission mode changed")
	c.emit(eventFor(EventPermissionChanged, snap))
	return nil
}

// GetSupportedModels lists the models the query's capability can switch to
func (c *Controller) GetSupportedModels(ctx context.Context, sessionID string) ([]agent.ModelInfo, error) {
	e, err := c.lookup(sessionID)
	if err != nil {
		return nil, err
	}

	models, err := e.query.handle.SupportedModels(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list models for %s: %w", sessionID, err)
	}
	return models, nil
}

// ExecuteCommand dispatches a command by kind. The boolean reports whether the
// command took effect.
func (c *Controller) ExecuteCommand(ctx context.Context, cmd Command) (bool, error) {
	switch cmd.Kind {
	case CommandPause:
		return c.PauseQuery(ctx, cmd.SessionID, cmd.Reason)
	case CommandResume:
		return c.ResumeQuery(ctx, cmd.SessionID)
	case CommandTerminate:
		return c.TerminateQuery(ctx, cmd.SessionID, cmd.Reason)
	case CommandChangeModel:
		err := c.ChangeModel(ctx, cmd.SessionID, cmd.Model)
		return err == nil, err
	case CommandChangePermissions:
		err := c.ChangePermissionMode(ctx, cmd.SessionID, cmd.PermissionMode)
		return err == nil, err
	default:
		return false, fmt.Errorf("%w: %s", ErrUnknownCommand, cmd.Kind)
	}
}
