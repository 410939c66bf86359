package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "fanout"

type moduleMetrics struct {
	queueSize    *prometheus.GaugeVec
	enqueueTotal *prometheus.CounterVec
	dequeueTotal *prometheus.CounterVec
	taskDuration *prometheus.HistogramVec

	forkTotal     *prometheus.CounterVec
	forkDuration  prometheus.Histogram
	activeForks   prometheus.Gauge
	batchSize     prometheus.Histogram
	batchDuration prometheus.Histogram

	registeredQueries prometheus.Gauge
	controlCommands   *prometheus.CounterVec
	queuedCommands    prometheus.Gauge

	providerCallTotal    *prometheus.CounterVec
	providerCallDuration *prometheus.HistogramVec

	transcriptOps      *prometheus.CounterVec
	transcriptDuration *prometheus.HistogramVec
	storedTranscripts  prometheus.Gauge
}

var (
	metricsOnce sync.Once
	metricsInst *moduleMetrics
)

func getMetrics() *moduleMetrics {
	metricsOnce.Do(func() {
		m := &moduleMetrics{
			queueSize: prometheus.NewGaugeVec(
				prometheus.GaugeOpts{
					Namespace: namespace,
					Name:      "lane_queue_size",
					Help:      "Current queue size by lane.",
				},
				[]string{"lane"},
			),
			enqueueTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "lane_enqueue_total",
					Help:      "Total enqueue operations by lane.",
				},
				[]string{"lane"},
			),
			dequeueTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "lane_dequeue_total",
					Help:      "Total completed lane tasks by lane and status.",
				},
				[]string{"lane", "status"},
			),
			taskDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Namespace: namespace,
					Name:      "lane_task_duration_seconds",
					Help:      "Lane task execution duration in seconds.",
					Buckets:   prometheus.DefBuckets,
				},
				[]string{"lane"},
			),
			forkTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "fork_total",
					Help:      "Total forked agents by final status.",
				},
				[]string{"status"},
			),
			forkDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Namespace: namespace,
					Name:      "fork_duration_seconds",
					Help:      "Wall-clock duration of one forked agent.",
					Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
				},
			),
			activeForks: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Namespace: namespace,
					Name:      "active_forks",
					Help:      "Forked agents currently running.",
				},
			),
			batchSize: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Namespace: namespace,
					Name:      "batch_size",
					Help:      "Number of agents per concurrency batch.",
					Buckets:   prometheus.LinearBuckets(1, 2, 10),
				},
			),
			batchDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Namespace: namespace,
					Name:      "batch_duration_seconds",
					Help:      "Time to settle one concurrency batch.",
					Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
				},
			),
			registeredQueries: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Namespace: namespace,
					Name:      "registered_queries",
					Help:      "Queries currently registered with the controller.",
				},
			),
			controlCommands: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "control_commands_total",
					Help:      "Control commands by kind and outcome.",
				},
				[]string{"kind", "outcome"},
			),
			queuedCommands: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Namespace: namespace,
					Name:      "queued_commands",
					Help:      "Control commands waiting in per-query queues.",
				},
			),
			providerCallTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "provider_call_total",
					Help:      "LLM provider calls by provider and status.",
				},
				[]string{"provider", "status"},
			),
			providerCallDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Namespace: namespace,
					Name:      "provider_call_duration_seconds",
					Help:      "LLM provider call duration in seconds.",
					Buckets:   prometheus.DefBuckets,
				},
				[]string{"provider"},
			),
			transcriptOps: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "transcript_operations_total",
					Help:      "Transcript persistence operations by operation and status.",
				},
				[]string{"op", "status"},
			),
			transcriptDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Namespace: namespace,
					Name:      "transcript_operation_duration_seconds",
					Help:      "Transcript persistence latency in seconds.",
					Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
				},
				[]string{"op"},
			),
			storedTranscripts: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Namespace: namespace,
					Name:      "stored_transcripts",
					Help:      "Transcripts persisted on disk.",
				},
			),
		}

		prometheus.MustRegister(
			m.queueSize,
			m.enqueueTotal,
			m.dequeueTotal,
			m.taskDuration,
			m.forkTotal,
			m.forkDuration,
			m.activeForks,
			m.batchSize,
			m.batchDuration,
			m.registeredQueries,
			m.controlCommands,
			m.queuedCommands,
			m.providerCallTotal,
			m.providerCallDuration,
			m.transcriptOps,
			m.transcriptDuration,
			m.storedTranscripts,
		)

		metricsInst = m
	})

	return metricsInst
}

// EnsureRegistered initializes and registers metrics the first time it is called.
func EnsureRegistered() {
	_ = getMetrics()
}

func MetricsHandler() http.Handler {
	EnsureRegistered()
	return promhttp.Handler()
}

func statusLabel(success bool) string {
	if success {
		return "success"
	}
	return "error"
}

func RecordQueueEnqueue(lane string, queueSize int) {
	m := getMetrics()
	m.enqueueTotal.WithLabelValues(lane).Inc()
	m.queueSize.WithLabelValues(lane).Set(float64(queueSize))
}

func SetQueueSize(lane string, queueSize int) {
	getMetrics().queueSize.WithLabelValues(lane).Set(float64(queueSize))
}

func RecordQueueCompletion(lane string, duration time.Duration, success bool, queueSize int) {
	m := getMetrics()
	m.dequeueTotal.WithLabelValues(lane, statusLabel(success)).Inc()
	m.taskDuration.WithLabelValues(lane).Observe(duration.Seconds())
	m.queueSize.WithLabelValues(lane).Set(float64(queueSize))
}

// RecordFork counts one finished agent. status is "completed" or "failed".
func RecordFork(status string, duration time.Duration) {
	m := getMetrics()
	m.forkTotal.WithLabelValues(status).Inc()
	m.forkDuration.Observe(duration.Seconds())
}

func SetActiveForks(count int) {
	getMetrics().activeForks.Set(float64(count))
}

func RecordBatch(size int, duration time.Duration) {
	m := getMetrics()
	m.batchSize.Observe(float64(size))
	m.batchDuration.Observe(duration.Seconds())
}

func SetRegisteredQueries(count int) {
	getMetrics().registeredQueries.Set(float64(count))
}

// RecordControlCommand counts a controller operation. outcome is one of
// "applied", "rejected" or "error".
func RecordControlCommand(kind, outcome string) {
	getMetrics().controlCommands.WithLabelValues(kind, outcome).Inc()
}

func SetQueuedCommands(count int) {
	getMetrics().queuedCommands.Set(float64(count))
}

func RecordProviderCall(provider string, duration time.Duration, success bool) {
	m := getMetrics()
	m.providerCallTotal.WithLabelValues(provider, statusLabel(success)).Inc()
	m.providerCallDuration.WithLabelValues(provider).Observe(duration.Seconds())
}

// RecordTranscriptOp records one transcript persistence operation. op is
// "save", "append", "load" or "delete".
func RecordTranscriptOp(op string, duration time.Duration, success bool) {
	m := getMetrics()
	m.transcriptOps.WithLabelValues(op, statusLabel(success)).Inc()
	m.transcriptDuration.WithLabelValues(op).Observe(duration.Seconds())
}

func SetStoredTranscripts(count int) {
	getMetrics().storedTranscripts.Set(float64(count))
}
