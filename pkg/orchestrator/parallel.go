package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/harun/fanout/internal/observability"
	"github.com/harun/fanout/internal/tracing"
	"github.com/harun/fanout/pkg/agent"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultMaxParallelAgents  = 10
	DefaultSequentialBaseline = 5 * time.Second
)

// ParallelExecutor forks agents in priority order, in batches of bounded size,
// and waits for every batch to settle before starting the next.
type ParallelExecutor struct {
	forker   agent.Forker
	logger   zerolog.Logger
	baseline time.Duration

	sessions *sessionTable

	metricsMu sync.Mutex
	metrics   ExecutionMetrics

	handlersMu sync.RWMutex
	handlers   map[EventType][]EventHandler
}

// Option is a functional option for configuring the ParallelExecutor
type Option func(*ParallelExecutor)

// WithLogger sets the logger for the executor
func WithLogger(logger zerolog.Logger) Option {
	return func(p *ParallelExecutor) {
		p.logger = logger
	}
}

// WithSequentialBaseline sets the per-agent cost assumed for a sequential run
// when reporting throughput gain.
func WithSequentialBaseline(d time.Duration) Option {
	return func(p *ParallelExecutor) {
		if d > 0 {
			p.baseline = d
		}
	}
}

// NewParallelExecutor creates a new ParallelExecutor instance
func NewParallelExecutor(forker agent.Forker, opts ...Option) *ParallelExecutor {
	observability.EnsureRegistered()

	p := &ParallelExecutor{
		forker:   forker,
		logger:   zerolog.Nop(),
		baseline: DefaultSequentialBaseline,
		sessions: newSessionTable(),
		handlers: make(map[EventType][]EventHandler),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.With().Str("component", "orchestrator").Logger()
	return p
}

// SpawnParallelAgents forks one session per config and returns once every
// session has finished. It fails only on invalid input; individual agent
// failures are reported in the result.
func (p *ParallelExecutor) SpawnParallelAgents(ctx context.Context, configs []AgentConfig, opts ParallelOptions) (*ParallelExecutionResult, error) {
	if err := validateConfigs(configs); err != nil {
		return nil, err
	}
	if opts.MaxParallelAgents < 0 {
		return nil, fmt.Errorf("max parallel agents cannot be negative")
	}
	if opts.ResumeAt != "" && opts.BaseSessionID == "" {
		return nil, fmt.Errorf("resume point requires a base session")
	}

	maxParallel := opts.MaxParallelAgents
	if maxParallel == 0 {
		maxParallel = DefaultMaxParallelAgents
	}

	ctx = tracing.NewRunContext(ctx)
	runID := tracing.GetRunID(ctx)
	ctx, span := tracing.StartSpan(
		ctx,
		"fanout.orchestrator",
		"orchestrator.spawn_parallel",
		attribute.String("run_id", runID),
		attribute.Int("agents", len(configs)),
		attribute.Int("max_parallel", maxParallel),
	)
	defer span.End()

	logger := tracing.LoggerFromContext(ctx, p.logger)

	ordered := sortByPriority(configs)
	batches := partition(ordered, maxParallel)

	logger.Info().
		Int("agents", len(configs)).
		Int("batches", len(batches)).
		Int("max_parallel", maxParallel).
		Msg("Starting parallel execution")

	started := time.Now()
	results := make(map[string]AgentRunResult, len(configs))

	for i, batch := range batches {
		batchStart := time.Now()
		batchResults := p.runBatch(ctx, runID, batch, opts)
		for _, r := range batchResults {
			results[r.AgentID] = r
		}

		observability.RecordBatch(len(batch), time.Since(batchStart))
		logger.Debug().
			Int("batch", i+1).
			Int("size", len(batch)).
			Dur("duration", time.Since(batchStart)).
			Msg("Batch settled")
		p.emit(Event{Type: EventBatchComplete, RunID: runID, Batch: i + 1, BatchSize: len(batch)})
	}

	total := time.Since(started)

	result := &ParallelExecutionResult{
		RunID:            runID,
		AgentResults:     results,
		TotalDuration:    total,
		FailedAgents:     []string{},
		SuccessfulAgents: []string{},
		StartedAt:        started,
	}
	for _, cfg := range ordered {
		if results[cfg.ID].Status == AgentStatusCompleted {
			result.SuccessfulAgents = append(result.SuccessfulAgents, cfg.ID)
		} else {
			result.FailedAgents = append(result.FailedAgents, cfg.ID)
		}
	}
	result.Success = len(result.FailedAgents) == 0
	result.Metrics = p.recordRun(results, len(batches), total)

	span.SetAttributes(
		attribute.Int("failed", len(result.FailedAgents)),
		attribute.Float64("throughput_gain", result.Metrics.ThroughputGain),
	)
	logger.Info().
		Bool("success", result.Success).
		Int("failed", len(result.FailedAgents)).
		Int64("duration_ms", total.Milliseconds()).
		Float64("throughput_gain", result.Metrics.ThroughputGain).
		Msg("Parallel execution completed")

	p.emit(Event{Type: EventRunComplete, RunID: runID, Result: result})
	return result, nil
}

// runBatch forks every agent in the batch and waits for all of them. Agent
// goroutines never return an error so the group never short-circuits.
func (p *ParallelExecutor) runBatch(ctx context.Context, runID string, batch []AgentConfig, opts ParallelOptions) []AgentRunResult {
	results := make([]AgentRunResult, len(batch))

	if err := ctx.Err(); err != nil {
		for i, cfg := range batch {
			results[i] = AgentRunResult{
				AgentID: cfg.ID,
				Status:  AgentStatusFailed,
				Error:   fmt.Sprintf("run cancelled before start: %v", err),
			}
			observability.RecordFork(string(AgentStatusFailed), 0)
		}
		return results
	}

	var g errgroup.Group
	for i, cfg := range batch {
		g.Go(func() error {
			results[i] = p.spawnSingleAgent(ctx, runID, cfg, opts)
			return nil
		})
	}
	_ = g.Wait()

	return results
}

func validateConfigs(configs []AgentConfig) error {
	if len(configs) == 0 {
		return errors.New("no agent configs provided")
	}

	seen := make(map[string]struct{}, len(configs))
	for _, cfg := range configs {
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid agent config: %w", err)
		}
		if _, dup := seen[cfg.ID]; dup {
			return fmt.Errorf("duplicate agent ID: %s", cfg.ID)
		}
		seen[cfg.ID] = struct{}{}
	}
	return nil
}

// sortByPriority returns a copy ordered by priority rank, keeping submission
// order among equal priorities.
func sortByPriority(configs []AgentConfig) []AgentConfig {
	ordered := make([]AgentConfig, len(configs))
	copy(ordered, configs)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Priority.Rank() < ordered[j].Priority.Rank()
	})
	return ordered
}

func partition(configs []AgentConfig, size int) [][]AgentConfig {
	batches := make([][]AgentConfig, 0, (len(configs)+size-1)/size)
	for start := 0; start < len(configs); start += size {
		end := min(start+size, len(configs))
		batches = append(batches, configs[start:end])
	}
	return batches
}
