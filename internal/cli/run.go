package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"sync"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/harun/fanout/internal/config"
	"github.com/harun/fanout/internal/tracing"
	"github.com/harun/fanout/pkg/agent"
	"github.com/harun/fanout/pkg/gateway"
	"github.com/harun/fanout/pkg/orchestrator"
	"github.com/harun/fanout/pkg/querycontrol"
	"github.com/harun/fanout/pkg/session"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel/attribute"
)

var (
	runGateway     bool
	runNoReport    bool
	runWatchConfig bool
	runMaxParallel int
)

var runCmd = &cobra.Command{
	Use:   "run <batch.json>",
	Short: "Fork every agent in a batch file and wait for all of them",
	Long: `Fork every agent in a batch file in priority order, at most max_parallel_agents
at a time, and wait for every batch to settle. Each forked session is registered with
the query controller; with --gateway the controller is reachable over WebSocket and
HTTP JSON-RPC while the run is in progress.`,
	Args: cobra.ExactArgs(1),
	RunE: runRun,
}

func init() {
	runCmd.Flags().BoolVar(&runGateway, "gateway", false, "serve the control plane while the run is in progress (overrides gateway.enabled)")
	runCmd.Flags().BoolVar(&runNoReport, "no-report", false, "do not save a run report")
	runCmd.Flags().BoolVar(&runWatchConfig, "watch-config", true, "apply controller toggles when the config file changes")
	runCmd.Flags().IntVar(&runMaxParallel, "max-parallel", 0, "override the batch size bound")
	rootCmd.AddCommand(runCmd)
}

// forkerFactory builds the LLM capability from the provider section
var forkerFactory = func(cfg *config.Config, logger zerolog.Logger) (agent.Forker, error) {
	factory := &agent.ProviderFactory{}
	provider, err := factory.NewProvider(agent.AuthProfile{
		Provider: cfg.Provider.Name,
		APIKey:   cfg.Provider.APIKey,
	})
	if err != nil {
		return nil, err
	}
	backend, err := session.New(filepath.Join(cfg.DataDir, "transcripts"), logger)
	if err != nil {
		return nil, err
	}
	return agent.NewLLMForker(agent.ForkerConfig{
		Provider:     provider,
		DefaultModel: cfg.DefaultModel(),
		MaxTokens:    cfg.Provider.MaxTokens,
		Transcripts:  agent.NewPersistentTranscriptStore(backend, logger),
		Logger:       logger,
	})
}

func runRun(cmd *cobra.Command, args []string) error {
	batch, err := LoadBatch(args[0])
	if err != nil {
		return err
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cmd.Flags().Changed("gateway") {
		cfg.Gateway.Enabled = runGateway
	}
	if runMaxParallel > 0 {
		cfg.Executor.MaxParallelAgents = runMaxParallel
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	log, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer log.Close()

	if err := tracing.InitOpenTelemetry(tracing.TelemetryConfig{
		ServiceVersion: version,
		Attributes:     []attribute.KeyValue{attribute.Int("fanout.max_parallel_agents", cfg.Executor.MaxParallelAgents)},
	}); err != nil {
		log.Warn().Err(err).Msg("Failed to initialize tracing")
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tracing.ShutdownOpenTelemetry(shutdownCtx)
	}()

	forker, err := forkerFactory(cfg, log.Component("agent"))
	if err != nil {
		return fmt.Errorf("failed to create forker: %w", err)
	}

	var store orchestrator.ReportStore
	if !runNoReport {
		runStore, err := orchestrator.NewRunStore(filepath.Join(cfg.DataDir, "runs"))
		if err != nil {
			return err
		}
		store = runStore
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	r := &runner{
		cfg:         cfg,
		configPath:  config.NewLoader(cfgFile).GetConfigPath(),
		watchConfig: runWatchConfig,
		forker:      forker,
		store:       store,
		out:         cmd.OutOrStdout(),
		logger:      log.GetZerolog(),
	}

	result, err := r.execute(ctx, batch)
	if err != nil {
		return err
	}
	if !result.Success {
		return fmt.Errorf("%d of %d agent(s) failed", len(result.FailedAgents), len(result.AgentResults))
	}
	return nil
}

// runner wires one batch through the executor, the controller and optionally
// the gateway
type runner struct {
	cfg         *config.Config
	configPath  string
	watchConfig bool
	forker      agent.Forker
	store       orchestrator.ReportStore
	out         io.Writer
	logger      zerolog.Logger

	// started receives the controller and the gateway address (empty when
	// disabled) once both are ready
	started func(ctrl *querycontrol.Controller, gatewayAddr string)
}

func (r *runner) execute(ctx context.Context, batch *Batch) (*orchestrator.ParallelExecutionResult, error) {
	ctrl := querycontrol.NewController(querycontrol.Config{
		Options: r.cfg.ControllerOptions(),
		Logger:  r.logger.With().Str("component", "querycontrol").Logger(),
	})
	defer ctrl.Close()

	if spec := r.cfg.Controller.CleanupSchedule; spec != "" {
		if err := ctrl.StartCleanupSchedule(spec, r.cfg.CleanupRetention()); err != nil {
			return nil, err
		}
	}

	if r.watchConfig && r.configPath != "" {
		watcher, err := config.NewWatcher(config.WatcherConfig{
			ConfigPath: r.configPath,
			Logger:     r.logger,
			OnReload: func(updated *config.Config) {
				ctrl.SetOptions(updated.ControllerOptions())
			},
		})
		if err != nil {
			return nil, err
		}
		if err := watcher.Start(); err != nil {
			r.logger.Warn().Err(err).Msg("Config watcher disabled")
		} else {
			defer watcher.Stop()
		}
	}

	var gatewayAddr string
	if r.cfg.Gateway.Enabled {
		server, err := gateway.NewServer(gateway.Config{
			Host:         r.cfg.Gateway.Host,
			Port:         r.cfg.Gateway.Port,
			SharedSecret: r.cfg.Gateway.SharedSecret,
			TickInterval: time.Duration(r.cfg.Gateway.TickIntervalMs) * time.Millisecond,
			Controller:   ctrl,
			Logger:       r.logger.With().Str("component", "gateway").Logger(),
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create gateway: %w", err)
		}
		if err := server.Start(); err != nil {
			return nil, fmt.Errorf("failed to start gateway: %w", err)
		}
		defer server.Stop()

		gatewayAddr = server.Addr()
		fmt.Fprintf(r.out, "Control plane listening on %s\n", gatewayAddr)
	}

	if r.started != nil {
		r.started(ctrl, gatewayAddr)
	}

	executor := orchestrator.NewParallelExecutor(
		r.forker,
		orchestrator.WithLogger(r.logger),
		orchestrator.WithSequentialBaseline(time.Duration(r.cfg.Executor.BaselineSeconds)*time.Second),
	)

	drains := r.bindController(ctx, executor, ctrl, batch.commandsByAgent())

	result, err := executor.SpawnParallelAgents(ctx, batch.AgentConfigs(), batch.ParallelOptions(r.cfg))
	drains.Wait()
	if err != nil {
		return nil, err
	}

	if r.store != nil {
		if err := r.store.Save(result); err != nil {
			r.logger.Error().Err(err).Str("run_id", result.RunID).Msg("Failed to save run report")
		}
	}

	printSummary(r.out, result, ctrl.GetAllQueries(), ctrl.GetMetrics())
	return result, nil
}

// bindController registers every forked session with the controller, queues
// the batch's commands for it and keeps the controller's view in step with the
// executor. The returned group tracks in-flight drains.
func (r *runner) bindController(ctx context.Context, executor *orchestrator.ParallelExecutor, ctrl *querycontrol.Controller, pending map[string][]BatchCommand) *sync.WaitGroup {
	var drains sync.WaitGroup

	executor.On(orchestrator.EventSessionForked, func(ev orchestrator.Event) {
		if err := ctrl.RegisterQuery(ev.SessionID, ev.AgentID, ev.Handle); err != nil {
			r.logger.Warn().Err(err).Str("session_id", ev.SessionID).Msg("Failed to register query")
			return
		}

		cmds := pending[ev.AgentID]
		if len(cmds) == 0 {
			return
		}
		for _, bc := range cmds {
			if err := ctrl.QueueCommand(bc.command(ev.SessionID)); err != nil {
				r.logger.Warn().Err(err).Str("session_id", ev.SessionID).Msg("Failed to queue command")
			}
		}

		// queued commands still drain after an interrupt; the run waits for them
		drainCtx := tracing.Detach(tracing.WithSessionID(ctx, ev.SessionID))
		drains.Add(1)
		go func(sessionID string) {
			defer drains.Done()
			report, err := ctrl.ProcessQueuedCommands(drainCtx, sessionID)
			if err != nil {
				r.logger.Warn().Err(err).Str("session_id", sessionID).Msg("Queued commands not processed")
				return
			}
			r.logger.Debug().
				Str("session_id", sessionID).
				Int("executed", report.Executed).
				Int("rejected", report.Rejected).
				Int("failed", report.Failed).
				Msg("Queued commands processed")
		}(ev.SessionID)
	})

	executor.On(orchestrator.EventSessionCompleted, func(ev orchestrator.Event) {
		if err := ctrl.MarkCompleted(ev.SessionID); err != nil && !errors.Is(err, querycontrol.ErrInvalidTransition) {
			r.logger.Debug().Err(err).Str("session_id", ev.SessionID).Msg("Completion not recorded")
		}
	})

	executor.On(orchestrator.EventSessionFailed, func(ev orchestrator.Event) {
		// Interrupts come from the controller itself; the query already holds its paused or terminated status.
		if errors.Is(ev.Err, agent.ErrInterrupted) {
			return
		}
		if err := ctrl.MarkFailed(ev.SessionID, ev.Err); err != nil && !errors.Is(err, querycontrol.ErrInvalidTransition) {
			r.logger.Debug().Err(err).Str("session_id", ev.SessionID).Msg("Failure not recorded")
		}
	})

	return &drains
}

func printSummary(out io.Writer, result *orchestrator.ParallelExecutionResult, queries []querycontrol.ControlledQuery, metrics querycontrol.Metrics) {
	status := "succeeded"
	if !result.Success {
		status = "failed"
	}

	fmt.Fprintf(out, "\nRun %s %s in %s\n", result.RunID, status, formatDuration(result.TotalDuration))
	fmt.Fprintf(out, "Agents: %d succeeded, %d failed, %d batch(es), throughput gain %.2fx\n",
		len(result.SuccessfulAgents), len(result.FailedAgents), result.Metrics.Batches, result.Metrics.ThroughputGain)

	controlled := make(map[string]querycontrol.ControlledQuery, len(queries))
	for _, q := range queries {
		controlled[q.SessionID] = q
	}

	ids := make([]string, 0, len(result.AgentResults))
	for id := range result.AgentResults {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "AGENT\tSTATUS\tCONTROL\tMODEL\tDURATION\tERROR")
	for _, id := range ids {
		res := result.AgentResults[id]
		control, model := "-", "-"
		if q, ok := controlled[res.SessionID]; ok {
			control = string(q.Status)
			if q.CurrentModel != "" {
				model = q.CurrentModel
			}
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n", id, res.Status, control, model, formatDuration(res.Duration), res.Error)
	}
	w.Flush()

	if metrics.CommandsExecuted+metrics.CommandsRejected+metrics.CommandsFailed > 0 {
		fmt.Fprintf(out, "Control commands: %d executed, %d rejected, %d failed\n",
			metrics.CommandsExecuted, metrics.CommandsRejected, metrics.CommandsFailed)
	}
}
