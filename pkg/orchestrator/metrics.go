package orchestrator

import "time"

// recordRun folds one run into the executor metrics and returns the snapshot.
// The average spawn time is smoothed with the previous average (alpha 0.5).
func (p *ParallelExecutor) recordRun(results map[string]AgentRunResult, batches int, total time.Duration) ExecutionMetrics {
	var sum time.Duration
	for _, r := range results {
		sum += r.Duration
	}
	var current time.Duration
	if len(results) > 0 {
		current = sum / time.Duration(len(results))
	}

	p.metricsMu.Lock()
	defer p.metricsMu.Unlock()

	if p.metrics.TotalRuns == 0 {
		p.metrics.AverageSpawnTime = current
	} else {
		p.metrics.AverageSpawnTime = (p.metrics.AverageSpawnTime + current) / 2
	}
	p.metrics.TotalRuns++
	p.metrics.TotalAgents += len(results)
	p.metrics.Batches += batches
	p.metrics.ThroughputGain = throughputGain(len(results), p.baseline, total)

	return p.metrics
}

// throughputGain compares a run against n sequential agents of baseline cost
func throughputGain(n int, baseline, total time.Duration) float64 {
	if total < time.Millisecond {
		total = time.Millisecond
	}
	return float64(time.Duration(n)*baseline) / float64(total)
}

// Metrics returns the metrics accumulated over every run of this executor
func (p *ParallelExecutor) Metrics() ExecutionMetrics {
	p.metricsMu.Lock()
	defer p.metricsMu.Unlock()
	return p.metrics
}
