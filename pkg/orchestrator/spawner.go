package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/harun/fanout/internal/observability"
	"github.com/harun/fanout/internal/tracing"
	"github.com/harun/fanout/pkg/agent"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const sharedMemoryNote = "Shared memory is enabled: findings written by sibling agents in this run are visible to you, and yours to them."

// buildPrompt renders the fork prompt for one agent. Identical configs always
// yield identical prompts.
func buildPrompt(cfg AgentConfig, opts ParallelOptions) string {
	agentType := cfg.Type
	if agentType == "" {
		agentType = "general"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "You are a %s agent (id: %s).\n", agentType, cfg.ID)
	if len(cfg.Capabilities) > 0 {
		fmt.Fprintf(&b, "Capabilities: %s.\n", strings.Join(cfg.Capabilities, ", "))
	}
	if opts.SharedMemory {
		b.WriteString(sharedMemoryNote)
		b.WriteString("\n")
	}
	b.WriteString("\nTask:\n")
	b.WriteString(cfg.Task)
	return b.String()
}

func forkOptions(sessionID string, cfg AgentConfig, opts ParallelOptions) agent.ForkOptions {
	timeout := opts.Timeout
	if cfg.Timeout > 0 {
		timeout = cfg.Timeout
	}
	return agent.ForkOptions{
		SessionID:       sessionID,
		ResumeFrom:      opts.BaseSessionID,
		ResumeAtMessage: opts.ResumeAt,
		Model:           opts.Model,
		Timeout:         timeout,
		MaxTurns:        opts.MaxTurns,
		CWD:             opts.CWD,
		ServerBindings:  opts.ServerBindings,
	}
}

// spawnSingleAgent forks and drains one session. It always returns a result;
// fork errors, stream errors and panics all become a failed entry.
func (p *ParallelExecutor) spawnSingleAgent(ctx context.Context, runID string, cfg AgentConfig, opts ParallelOptions) (result AgentRunResult) {
	start := time.Now()

	sessionID, err := gonanoid.New()
	if err != nil {
		observability.RecordFork(string(AgentStatusFailed), 0)
		return AgentRunResult{
			AgentID: cfg.ID,
			Status:  AgentStatusFailed,
			Error:   fmt.Sprintf("failed to generate session id: %v", err),
		}
	}

	ctx = tracing.PropagateToAgent(ctx, cfg.ID, sessionID)
	ctx, span := tracing.StartSpan(
		ctx,
		"fanout.orchestrator",
		"orchestrator.spawn_agent",
		attribute.String("agent_id", cfg.ID),
		attribute.String("session_id", sessionID),
		attribute.String("priority", cfg.Priority.String()),
	)
	defer span.End()

	logger := tracing.LoggerFromContext(ctx, p.logger)

	session := &ForkedSession{
		SessionID: sessionID,
		AgentID:   cfg.ID,
		AgentType: cfg.Type,
		Status:    AgentStatusRunning,
		StartTime: start,
	}
	observability.SetActiveForks(p.sessions.begin(session))

	var handle agent.SessionHandle
	defer func() {
		if r := recover(); r != nil {
			if handle != nil {
				_ = handle.Interrupt(context.WithoutCancel(ctx))
			}
			err := fmt.Errorf("agent panicked: %v", r)
			logger.Error().Err(err).Msg("Recovered agent panic")
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			result = p.finish(runID, session, "", err)
		}
	}()

	logger.Debug().Str("type", cfg.Type).Msg("Forking session")

	handle, err = p.forker.Fork(ctx, buildPrompt(cfg, opts), forkOptions(sessionID, cfg, opts))
	if err != nil {
		err = fmt.Errorf("fork failed: %w", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return p.finish(runID, session, "", err)
	}

	p.sessions.setHandle(sessionID, handle)
	p.emit(Event{Type: EventSessionForked, RunID: runID, SessionID: sessionID, AgentID: cfg.ID, Handle: handle})

	output, err := p.drain(runID, session, handle)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return p.finish(runID, session, output, err)
}

// drain reads the stream until it closes and collects assistant text in
// arrival order. It does not watch ctx; an interrupted session ends its stream.
func (p *ParallelExecutor) drain(runID string, session *ForkedSession, handle agent.SessionHandle) (string, error) {
	var segments []string
	for msg := range handle.Messages() {
		p.sessions.appendMessage(session.SessionID, msg)

		m := msg
		p.emit(Event{
			Type:      EventMessageReceived,
			RunID:     runID,
			SessionID: session.SessionID,
			AgentID:   session.AgentID,
			Message:   &m,
		})

		if msg.Type == agent.MessageTypeAssistant && msg.Text != "" {
			segments = append(segments, msg.Text)
		}
	}

	output := strings.Join(segments, "\n")
	if err := handle.Err(); err != nil {
		return output, fmt.Errorf("session stream failed: %w", err)
	}
	return output, nil
}

// finish records the terminal state of a session exactly once and builds its result
func (p *ParallelExecutor) finish(runID string, session *ForkedSession, output string, err error) AgentRunResult {
	final, active, ok := p.sessions.complete(session.SessionID, err)
	if !ok {
		// already finished; only reachable if a handler panicked after finish
		return p.resultFor(final, output)
	}
	observability.SetActiveForks(active)

	duration := final.EndTime.Sub(final.StartTime)
	observability.RecordFork(string(final.Status), duration)

	logger := p.logger.With().
		Str("run_id", runID).
		Str("agent_id", final.AgentID).
		Str("session_id", final.SessionID).
		Logger()

	if err != nil {
		logger.Warn().Err(err).Int64("duration_ms", duration.Milliseconds()).Msg("Agent failed")
		p.emit(Event{Type: EventSessionFailed, RunID: runID, SessionID: final.SessionID, AgentID: final.AgentID, Err: err})
	} else {
		logger.Debug().Int64("duration_ms", duration.Milliseconds()).Msg("Agent completed")
		p.emit(Event{Type: EventSessionCompleted, RunID: runID, SessionID: final.SessionID, AgentID: final.AgentID})
	}

	return p.resultFor(final, output)
}

func (p *ParallelExecutor) resultFor(s ForkedSession, output string) AgentRunResult {
	r := AgentRunResult{
		AgentID:   s.AgentID,
		SessionID: s.SessionID,
		Output:    output,
		Messages:  s.Messages,
		Status:    s.Status,
	}
	if s.EndTime != nil {
		r.Duration = s.EndTime.Sub(s.StartTime)
	}
	if s.Err != nil {
		r.Error = s.Err.Error()
	}
	return r
}
