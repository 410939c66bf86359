package querycontrol

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/harun/fanout/internal/observability"
	"github.com/harun/fanout/internal/tracing"
	"github.com/harun/fanout/pkg/agent"
	"github.com/harun/fanout/pkg/commandqueue"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Config holds Controller configuration
type Config struct {
	Options Options
	// Lanes serializes queue drains. A private queue is created when nil.
	Lanes  *commandqueue.CommandQueue
	Logger zerolog.Logger
}

type entry struct {
	// ctl serializes control calls against the session handle
	ctl sync.Mutex

	// guarded by Controller.mu
	query  ControlledQuery
	ticker *statusTicker
}

// Controller tracks forked sessions and applies runtime control commands to them
type Controller struct {
	mu        sync.RWMutex
	queries   map[string]*entry
	queues    map[string][]Command
	opts      Options
	executed  int
	rejected  int
	failed    int
	closed    bool
	lanes     *commandqueue.CommandQueue
	ownsLanes bool

	cronMu    sync.Mutex
	scheduler *cron.Cron

	eventMu     sync.RWMutex
	handlers    map[EventType][]EventHandler
	subscribers map[int]chan Event
	nextSubID   int

	logger zerolog.Logger
}

// NewController creates a new controller
func NewController(cfg Config) *Controller {
	observability.EnsureRegistered()

	opts := cfg.Options
	if opts.StatusInterval <= 0 {
		opts.StatusInterval = DefaultStatusInterval
	}

	lanes := cfg.Lanes
	ownsLanes := false
	if lanes == nil {
		lanes = commandqueue.New(cfg.Logger)
		ownsLanes = true
	}

	return &Controller{
		queries:     make(map[string]*entry),
		queues:      make(map[string][]Command),
		opts:        opts,
		lanes:       lanes,
		ownsLanes:   ownsLanes,
		handlers:    make(map[EventType][]EventHandler),
		subscribers: make(map[int]chan Event),
		logger:      cfg.Logger,
	}
}

// RegisterQuery starts tracking a forked session as running
func (c *Controller) RegisterQuery(sessionID, agentID string, handle agent.SessionHandle) error {
	if sessionID == "" {
		return fmt.Errorf("session id is required")
	}
	if handle == nil {
		return fmt.Errorf("session handle is required")
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrControllerClosed
	}
	if existing, ok := c.queries[sessionID]; ok && !existing.query.Status.IsTerminal() {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrQueryExists, sessionID)
	}

	e := &entry{
		query: ControlledQuery{
			SessionID:  sessionID,
			AgentID:    agentID,
			Status:     StatusRunning,
			CanControl: true,
			StartTime:  time.Now(),
			handle:     handle,
		},
	}
	e.ticker = startStatusTicker(c.opts.StatusInterval, func() { c.tick(e) })
	c.queries[sessionID] = e
	snap := e.query.snapshot()
	count := len(c.queries)
	c.mu.Unlock()

	observability.SetRegisteredQueries(count)
	c.logger.Info().
		Str("session_id", sessionID).
		Str("agent_id", agentID).
		Msg("Query registered")

	c.emit(eventFor(EventRegistered, snap))
	return nil
}

// tick emits a status event while the entry is registered and live
func (c *Controller) tick(e *entry) {
	c.mu.RLock()
	cur, ok := c.queries[e.query.SessionID]
	if !ok || cur != e || e.query.Status.IsTerminal() {
		c.mu.RUnlock()
		return
	}
	snap := e.query.snapshot()
	c.mu.RUnlock()

	c.emit(eventFor(EventStatus, snap))
}

func (c *Controller) lookup(sessionID string) (*entry, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	e, ok := c.queries[sessionID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrQueryNotFound, sessionID)
	}
	return e, nil
}

func (c *Controller) status(e *entry) QueryStatus {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return e.query.Status
}

// transition applies mutate when the entry is in one of the allowed states
// and returns the resulting snapshot
func (c *Controller) transition(e *entry, allowed []QueryStatus, mutate func(q *ControlledQuery)) (ControlledQuery, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, s := range allowed {
		if e.query.Status == s {
			mutate(&e.query)
			return e.query.snapshot(), true
		}
	}
	return e.query.snapshot(), false
}

// detachTicker removes the entry's ticker so the caller can stop it outside the lock
func (c *Controller) detachTicker(e *entry) *statusTicker {
	c.mu.Lock()
	defer c.mu.Unlock()

	t := e.ticker
	e.ticker = nil
	return t
}

func (c *Controller) options() Options {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.opts
}

// SetOptions replaces the capability toggles. A new status interval applies
// to queries registered afterwards.
func (c *Controller) SetOptions(opts Options) {
	if opts.StatusInterval <= 0 {
		opts.StatusInterval = DefaultStatusInterval
	}

	c.mu.Lock()
	c.opts = opts
	c.mu.Unlock()

	c.logger.Info().
		Bool("enable_pause", opts.EnablePause).
		Bool("enable_model_change", opts.EnableModelChange).
		Bool("enable_permission_change", opts.EnablePermissionChange).
		Dur("status_interval", opts.StatusInterval).
		Msg("Controller options updated")
}

// Options returns the current capability toggles
func (c *Controller) Options() Options {
	return c.options()
}

// GetQueryStatus returns a snapshot of one query
func (c *Controller) GetQueryStatus(sessionID string) (ControlledQuery, error) {
	e, err := c.lookup(sessionID)
	if err != nil {
		return ControlledQuery{}, err
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	return e.query.snapshot(), nil
}

// GetAllQueries returns snapshots of every registered query ordered by start time
func (c *Controller) GetAllQueries() []ControlledQuery {
	c.mu.RLock()
	queries := make([]ControlledQuery, 0, len(c.queries))
	for _, e := range c.queries {
		queries = append(queries, e.query.snapshot())
	}
	c.mu.RUnlock()

	sort.SliceStable(queries, func(i, j int) bool {
		if queries[i].StartTime.Equal(queries[j].StartTime) {
			return queries[i].SessionID < queries[j].SessionID
		}
		return queries[i].StartTime.Before(queries[j].StartTime)
	})
	return queries
}

// GetMetrics returns counts of queries by status and of processed commands
func (c *Controller) GetMetrics() Metrics {
	c.mu.RLock()
	defer c.mu.RUnlock()

	m := Metrics{
		TotalQueries:     len(c.queries),
		CommandsExecuted: c.executed,
		CommandsRejected: c.rejected,
		CommandsFailed:   c.failed,
	}
	for _, e := range c.queries {
		switch e.query.Status {
		case StatusRunning:
			m.Running++
		case StatusPaused:
			m.Paused++
		case StatusTerminated:
			m.Terminated++
		case StatusCompleted:
			m.Completed++
		case StatusFailed:
			m.Failed++
		}
	}
	for _, q := range c.queues {
		m.QueuedCommands += len(q)
	}
	return m
}

const (
	outcomeApplied  = "applied"
	outcomeRejected = "rejected"
	outcomeError    = "error"
)

func (c *Controller) recordCommand(kind CommandKind, outcome string) {
	c.mu.Lock()
	switch outcome {
	case outcomeApplied:
		c.executed++
	case outcomeRejected:
		c.rejected++
	default:
		c.failed++
	}
	c.mu.Unlock()

	observability.RecordControlCommand(string(kind), outcome)
}

func (c *Controller) startSpan(ctx context.Context, kind CommandKind, sessionID string) (context.Context, trace.Span, zerolog.Logger) {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx = tracing.WithSessionID(ctx, sessionID)
	ctx, span := tracing.StartSpan(
		ctx,
		"fanout.querycontrol",
		"querycontrol."+string(kind),
		attribute.String("session_id", sessionID),
	)
	return ctx, span, tracing.LoggerFromContext(ctx, c.logger)
}
