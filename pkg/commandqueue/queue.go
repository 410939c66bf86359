package commandqueue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/harun/fanout/internal/observability"
	"github.com/harun/fanout/internal/tracing"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var (
	// ErrClosed is returned for tasks enqueued after Close
	ErrClosed = errors.New("command queue closed")
	// ErrLaneReset is returned to tasks discarded by ResetLane or ClearLane
	ErrLaneReset = errors.New("lane reset")
)

// Task is a unit of work executed on a lane
type Task func(ctx context.Context) (any, error)

// TaskOptions configures a single enqueue
type TaskOptions struct {
	WarnAfter time.Duration
	OnWait    func(wait time.Duration, queuePos int)
}

type taskRecord struct {
	id         string
	task       Task
	ctx        context.Context
	generation int
	enqueuedAt time.Time
	options    TaskOptions
	result     chan taskResult
}

type taskResult struct {
	value any
	err   error
}

type laneState struct {
	mu          sync.Mutex
	generation  int
	concurrency int
	queue       []*taskRecord
	running     int
}

// EventType identifies queue lifecycle events
type EventType string

const (
	EventEnqueued  EventType = "enqueued"
	EventCompleted EventType = "completed"
)

// Event is delivered synchronously to handlers registered with On
type Event struct {
	Type     EventType
	Lane     string
	TaskID   string
	Duration time.Duration
	Err      error
	Queued   int
}

// EventHandler handles queue events
type EventHandler func(event Event)

// CommandQueue provides lane-based task serialization with concurrency control
type CommandQueue struct {
	mu        sync.RWMutex
	lanes     map[string]*laneState
	taskIDSeq int
	closed    bool

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
	logger zerolog.Logger

	eventMu       sync.RWMutex
	eventHandlers map[EventType][]EventHandler
}

// New creates an empty CommandQueue. Lanes are created on first use with
// concurrency 1.
func New(logger zerolog.Logger) *CommandQueue {
	observability.EnsureRegistered()

	ctx, cancel := context.WithCancel(context.Background())
	return &CommandQueue{
		lanes:         make(map[string]*laneState),
		ctx:           ctx,
		cancel:        cancel,
		logger:        logger.With().Str("component", "commandqueue").Logger(),
		eventHandlers: make(map[EventType][]EventHandler),
	}
}

// lane returns the state for a lane, creating it when create is set
func (cq *CommandQueue) lane(name string, create bool) *laneState {
	cq.mu.RLock()
	ls, ok := cq.lanes[name]
	cq.mu.RUnlock()
	if ok || !create {
		return ls
	}

	cq.mu.Lock()
	defer cq.mu.Unlock()
	if ls, ok = cq.lanes[name]; ok {
		return ls
	}
	ls = &laneState{concurrency: 1}
	cq.lanes[name] = ls
	cq.logger.Debug().Str("lane", name).Msg("Lane initialized")
	return ls
}

// Enqueue adds a task to a lane and blocks until it has run. Cancelling ctx
// while the task is still queued abandons the wait; the task itself is then
// skipped when its turn comes.
func (cq *CommandQueue) Enqueue(ctx context.Context, lane string, task Task, options *TaskOptions) (any, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	ctx, span := tracing.StartSpan(
		ctx,
		"fanout.commandqueue",
		"commandqueue.enqueue",
		attribute.String("lane", lane),
	)
	defer span.End()

	cq.mu.Lock()
	if cq.closed {
		cq.mu.Unlock()
		return nil, ErrClosed
	}
	cq.taskIDSeq++
	taskID := fmt.Sprintf("%s-%d", lane, cq.taskIDSeq)
	cq.mu.Unlock()

	opts := TaskOptions{}
	if options != nil {
		opts = *options
	}

	ls := cq.lane(lane, true)

	record := &taskRecord{
		id:         taskID,
		task:       task,
		ctx:        ctx,
		enqueuedAt: time.Now(),
		options:    opts,
		result:     make(chan taskResult, 1),
	}

	ls.mu.Lock()
	record.generation = ls.generation
	ls.queue = append(ls.queue, record)
	queued := len(ls.queue)
	ls.mu.Unlock()

	enqueueLogger := tracing.LoggerFromContext(ctx, cq.logger)
	enqueueLogger.Debug().
		Str("lane", lane).
		Str("task_id", taskID).
		Int("queued", queued).
		Msg("Task enqueued")

	observability.RecordQueueEnqueue(lane, queued)
	cq.emit(Event{Type: EventEnqueued, Lane: lane, TaskID: taskID, Queued: queued})

	if opts.WarnAfter > 0 {
		go cq.warnIfWaiting(record, lane)
	}

	go cq.processLane(lane)

	select {
	case result := <-record.result:
		if result.err != nil {
			span.RecordError(result.err)
			span.SetStatus(codes.Error, result.err.Error())
		}
		return result.value, result.err
	case <-ctx.Done():
		span.SetStatus(codes.Error, "wait abandoned")
		return nil, ctx.Err()
	}
}

// processLane starts queued tasks while the lane has spare concurrency
func (cq *CommandQueue) processLane(lane string) {
	ls := cq.lane(lane, false)
	if ls == nil {
		return
	}

	ls.mu.Lock()
	defer ls.mu.Unlock()

	for ls.running < ls.concurrency && len(ls.queue) > 0 {
		record := ls.queue[0]
		ls.queue = ls.queue[1:]

		if record.generation != ls.generation {
			record.result <- taskResult{err: ErrLaneReset}
			continue
		}
		if err := record.ctx.Err(); err != nil {
			record.result <- taskResult{err: err}
			continue
		}

		ls.running++
		cq.wg.Add(1)
		go cq.executeTask(lane, ls, record)
	}
}

func (cq *CommandQueue) executeTask(lane string, ls *laneState, record *taskRecord) {
	defer cq.wg.Done()

	taskCtx, span := tracing.StartSpan(
		record.ctx,
		"fanout.commandqueue",
		"commandqueue.execute_task",
		attribute.String("lane", lane),
		attribute.String("task_id", record.id),
	)
	defer span.End()

	logger := tracing.LoggerFromContext(taskCtx, cq.logger)

	runCtx, cancel := context.WithCancel(taskCtx)
	stopCancel := context.AfterFunc(cq.ctx, cancel)

	start := time.Now()
	value, err := cq.run(runCtx, record.task)
	duration := time.Since(start)

	stopCancel()
	cancel()

	ls.mu.Lock()
	ls.running--
	queued := len(ls.queue)
	ls.mu.Unlock()

	record.result <- taskResult{value: value, err: err}

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger.Warn().
			Str("lane", lane).
			Str("task_id", record.id).
			Dur("duration", duration).
			Err(err).
			Msg("Task failed")
	} else {
		logger.Debug().
			Str("lane", lane).
			Str("task_id", record.id).
			Dur("duration", duration).
			Msg("Task completed")
	}

	observability.RecordQueueCompletion(lane, duration, err == nil, queued)
	cq.emit(Event{
		Type:     EventCompleted,
		Lane:     lane,
		TaskID:   record.id,
		Duration: duration,
		Err:      err,
		Queued:   queued,
	})

	go cq.processLane(lane)
}

// run executes a task, converting a panic into an error
func (cq *CommandQueue) run(ctx context.Context, task Task) (value any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panicked: %v", r)
		}
	}()
	return task(ctx)
}

func (cq *CommandQueue) warnIfWaiting(record *taskRecord, lane string) {
	timer := time.NewTimer(record.options.WarnAfter)
	defer timer.Stop()

	select {
	case <-timer.C:
	case <-cq.ctx.Done():
		return
	}

	ls := cq.lane(lane, false)
	if ls == nil {
		return
	}

	ls.mu.Lock()
	queuePos := -1
	for i, r := range ls.queue {
		if r.id == record.id {
			queuePos = i
			break
		}
	}
	ls.mu.Unlock()

	if queuePos < 0 {
		return
	}

	wait := time.Since(record.enqueuedAt)
	cq.logger.Warn().
		Str("lane", lane).
		Str("task_id", record.id).
		Dur("wait", wait).
		Int("queue_pos", queuePos).
		Msg("Task waiting longer than expected")

	if record.options.OnWait != nil {
		record.options.OnWait(wait, queuePos)
	}
}

// QueueSize returns the number of tasks waiting on a lane
func (cq *CommandQueue) QueueSize(lane string) int {
	ls := cq.lane(lane, false)
	if ls == nil {
		return 0
	}
	ls.mu.Lock()
	defer ls.mu.Unlock()
	return len(ls.queue)
}

// RunningCount returns the number of tasks executing on a lane
func (cq *CommandQueue) RunningCount(lane string) int {
	ls := cq.lane(lane, false)
	if ls == nil {
		return 0
	}
	ls.mu.Lock()
	defer ls.mu.Unlock()
	return ls.running
}

// LaneStats summarizes one lane
type LaneStats struct {
	Queued      int `json:"queued"`
	Running     int `json:"running"`
	Concurrency int `json:"concurrency"`
}

// Stats returns statistics for all lanes
func (cq *CommandQueue) Stats() map[string]LaneStats {
	cq.mu.RLock()
	defer cq.mu.RUnlock()

	stats := make(map[string]LaneStats, len(cq.lanes))
	for name, ls := range cq.lanes {
		ls.mu.Lock()
		stats[name] = LaneStats{
			Queued:      len(ls.queue),
			Running:     ls.running,
			Concurrency: ls.concurrency,
		}
		ls.mu.Unlock()
	}
	return stats
}

// ResetLane discards queued tasks and bumps the lane generation so tasks
// enqueued before the reset are never started. Returns the number discarded.
func (cq *CommandQueue) ResetLane(lane string) int {
	ls := cq.lane(lane, false)
	if ls == nil {
		return 0
	}

	ls.mu.Lock()
	defer ls.mu.Unlock()

	ls.generation++
	count := len(ls.queue)
	for _, record := range ls.queue {
		record.result <- taskResult{err: ErrLaneReset}
	}
	ls.queue = nil

	cq.logger.Debug().Str("lane", lane).Int("generation", ls.generation).Int("discarded", count).Msg("Lane reset")
	observability.SetQueueSize(lane, 0)
	return count
}

// RemoveLane resets a lane and forgets it once nothing is running on it.
// Returns false if tasks are still executing.
func (cq *CommandQueue) RemoveLane(lane string) bool {
	cq.ResetLane(lane)

	cq.mu.Lock()
	defer cq.mu.Unlock()

	ls, ok := cq.lanes[lane]
	if !ok {
		return true
	}
	ls.mu.Lock()
	running := ls.running
	ls.mu.Unlock()
	if running > 0 {
		return false
	}
	delete(cq.lanes, lane)
	return true
}

// SetConcurrency updates the concurrency limit for a lane
func (cq *CommandQueue) SetConcurrency(lane string, concurrency int) {
	if concurrency < 1 {
		concurrency = 1
	}

	ls := cq.lane(lane, true)
	ls.mu.Lock()
	old := ls.concurrency
	ls.concurrency = concurrency
	ls.mu.Unlock()

	cq.logger.Debug().Str("lane", lane).Int("old", old).Int("new", concurrency).Msg("Lane concurrency updated")

	if concurrency > old {
		go cq.processLane(lane)
	}
}

// Close cancels running tasks and waits for them to return
func (cq *CommandQueue) Close() error {
	cq.mu.Lock()
	cq.closed = true
	cq.mu.Unlock()

	cq.cancel()
	cq.wg.Wait()
	return nil
}

// On registers an event handler for a specific event type
func (cq *CommandQueue) On(eventType EventType, handler EventHandler) {
	cq.eventMu.Lock()
	defer cq.eventMu.Unlock()

	cq.eventHandlers[eventType] = append(cq.eventHandlers[eventType], handler)
}

// Off removes all handlers for an event type
func (cq *CommandQueue) Off(eventType EventType) {
	cq.eventMu.Lock()
	defer cq.eventMu.Unlock()

	delete(cq.eventHandlers, eventType)
}

func (cq *CommandQueue) emit(event Event) {
	cq.eventMu.RLock()
	handlers := cq.eventHandlers[event.Type]
	cq.eventMu.RUnlock()

	for _, handler := range handlers {
		handler(event)
	}
}
