// Package observability — metrics.go
//
// Prometheus metrics for the VisiFruit controller.
//
// Endpoint: GET /metrics on 127.0.0.1:9091 (configurable).
// Format: Prometheus text exposition format (OpenMetrics compatible).
// Bind: loopback by default — operators proxy it if wider exposure is wanted.
//
// Metric naming convention: visifruit_<subsystem>_<name>_<unit>
//
// All metrics are registered on a dedicated prometheus.Registry (not the
// default global registry) to avoid collisions with other instrumented
// libraries in the same process.
//
// Cardinality control:
//   - Category labels use the fixed category set (APPLE, PEAR, LEMON, ...).
//   - Labeler head index is used as a label (bounded at 6).
//   - request_id is NOT used as a label (unbounded cardinality).
package observability

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metric descriptors for the controller.
type Metrics struct {
	registry *prometheus.Registry

	// ─── Trigger source (C6) ──────────────────────────────────────────────────

	// TriggersTotal counts accepted optical triggers.
	TriggersTotal prometheus.Counter

	// TriggersDroppedTotal counts triggers dropped due to queue overflow.
	TriggersDroppedTotal prometheus.Counter

	// TriggerQueueDepth is the current depth of the trigger backlog channel.
	TriggerQueueDepth prometheus.Gauge

	// ─── Detection service (C7) ───────────────────────────────────────────────

	// DetectionRequestsTotal counts detection requests submitted, by priority.
	DetectionRequestsTotal *prometheus.CounterVec

	// DetectionTimeoutsTotal counts requests that exceeded their deadline.
	DetectionTimeoutsTotal prometheus.Counter

	// DetectionQueueDepth is the current detection priority-queue depth.
	DetectionQueueDepth prometheus.Gauge

	// DetectionLatencySeconds records end-to-end detection request latency.
	DetectionLatencySeconds prometheus.Histogram

	// QualityScoreHistogram records the distribution of frame quality scores.
	QualityScoreHistogram prometheus.Histogram

	// WorkerHealthy tracks the number of currently healthy detection workers.
	WorkerHealthy prometheus.Gauge

	// ─── Orchestrator (C8) ────────────────────────────────────────────────────

	// PipelineRunsTotal counts completed pipeline runs, by outcome.
	PipelineRunsTotal *prometheus.CounterVec

	// OrchestratorBacklogDepth is the current secondary-queue depth.
	OrchestratorBacklogDepth prometheus.Gauge

	// PositioningLatencySeconds records group-positioning move durations.
	PositioningLatencySeconds prometheus.Histogram

	// ─── Labeler manager (C3) ─────────────────────────────────────────────────

	// LabelerActivationsTotal counts activations, by head index and outcome.
	LabelerActivationsTotal *prometheus.CounterVec

	// LabelerWearPercent estimates cumulative wear per head, in percent.
	LabelerWearPercent *prometheus.GaugeVec

	// ─── Positioner (C4) ──────────────────────────────────────────────────────

	// PositionerMovesTotal counts group-switch moves.
	PositionerMovesTotal prometheus.Counter

	// PositionerCalibratedGauge is 1 when the positioner is calibrated, else 0.
	PositionerCalibratedGauge prometheus.Gauge

	// ─── Diverter bank (C5) ───────────────────────────────────────────────────

	// DiverterActivationsTotal counts classify operations, by category.
	DiverterActivationsTotal *prometheus.CounterVec

	// DiverterBusyRejectionsTotal counts rejected concurrent same-flap requests.
	DiverterBusyRejectionsTotal prometheus.Counter

	// ─── Supervisor (C9) ──────────────────────────────────────────────────────

	// StateTransitionsTotal counts supervisor state transitions.
	StateTransitionsTotal *prometheus.CounterVec

	// AlertsActiveGauge is the current number of un-cleared alerts.
	AlertsActiveGauge prometheus.Gauge

	// EmergencyStopsTotal counts emergency-stop invocations.
	EmergencyStopsTotal prometheus.Counter

	// ─── Storage ──────────────────────────────────────────────────────────────

	// StorageWriteLatency records BoltDB write transaction latency.
	StorageWriteLatency prometheus.Histogram

	// StorageRecordsTotal is the current number of persisted records, by bucket.
	StorageRecordsTotal *prometheus.GaugeVec

	// ─── System ───────────────────────────────────────────────────────────────

	// UptimeSeconds is the number of seconds since the controller started.
	UptimeSeconds prometheus.Gauge

	startTime time.Time
}

// NewMetrics creates and registers all VisiFruit Prometheus metrics.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry:  reg,
		startTime: time.Now(),

		TriggersTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "visifruit", Subsystem: "trigger", Name: "accepted_total",
			Help: "Total optical triggers accepted for pipeline scheduling.",
		}),
		TriggersDroppedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "visifruit", Subsystem: "trigger", Name: "dropped_total",
			Help: "Total triggers dropped due to backlog queue overflow.",
		}),
		TriggerQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "visifruit", Subsystem: "trigger", Name: "queue_depth",
			Help: "Current depth of the trigger backlog channel.",
		}),

		DetectionRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "visifruit", Subsystem: "detection", Name: "requests_total",
			Help: "Total detection requests submitted, by priority.",
		}, []string{"priority"}),
		DetectionTimeoutsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "visifruit", Subsystem: "detection", Name: "timeouts_total",
			Help: "Total detection requests that exceeded their deadline.",
		}),
		DetectionQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "visifruit", Subsystem: "detection", Name: "queue_depth",
			Help: "Current depth of the detection priority queue.",
		}),
		DetectionLatencySeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "visifruit", Subsystem: "detection", Name: "latency_seconds",
			Help:    "End-to-end detection request latency.",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.2, 0.5, 1, 2},
		}),
		QualityScoreHistogram: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "visifruit", Subsystem: "detection", Name: "quality_score",
			Help:    "Distribution of frame quality scores in [0,1].",
			Buckets: prometheus.LinearBuckets(0, 0.1, 11),
		}),
		WorkerHealthy: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "visifruit", Subsystem: "detection", Name: "workers_healthy",
			Help: "Current number of healthy detection workers.",
		}),

		PipelineRunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "visifruit", Subsystem: "orchestrator", Name: "runs_total",
			Help: "Total completed pipeline runs, by outcome.",
		}, []string{"outcome"}),
		OrchestratorBacklogDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "visifruit", Subsystem: "orchestrator", Name: "backlog_depth",
			Help: "Current depth of the orchestrator secondary queue.",
		}),
		PositioningLatencySeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "visifruit", Subsystem: "orchestrator", Name: "positioning_latency_seconds",
			Help:    "Group-positioning move duration.",
			Buckets: prometheus.DefBuckets,
		}),

		LabelerActivationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "visifruit", Subsystem: "labeler", Name: "activations_total",
			Help: "Total labeler head activations, by head and outcome.",
		}, []string{"head", "outcome"}),
		LabelerWearPercent: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "visifruit", Subsystem: "labeler", Name: "wear_percent",
			Help: "Estimated cumulative wear per labeler head, in percent.",
		}, []string{"head"}),

		PositionerMovesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "visifruit", Subsystem: "positioner", Name: "moves_total",
			Help: "Total group-switch moves performed.",
		}),
		PositionerCalibratedGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "visifruit", Subsystem: "positioner", Name: "calibrated",
			Help: "1 when the positioner is calibrated, 0 otherwise.",
		}),

		DiverterActivationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "visifruit", Subsystem: "diverter", Name: "activations_total",
			Help: "Total diverter classify operations, by category.",
		}, []string{"category"}),
		DiverterBusyRejectionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "visifruit", Subsystem: "diverter", Name: "busy_rejections_total",
			Help: "Total diverter requests rejected because the flap was already busy.",
		}),

		StateTransitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "visifruit", Subsystem: "supervisor", Name: "state_transitions_total",
			Help: "Total supervisor state transitions, by from_state and to_state.",
		}, []string{"from_state", "to_state"}),
		AlertsActiveGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "visifruit", Subsystem: "supervisor", Name: "alerts_active",
			Help: "Current number of un-cleared alerts.",
		}),
		EmergencyStopsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "visifruit", Subsystem: "supervisor", Name: "emergency_stops_total",
			Help: "Total emergency-stop invocations.",
		}),

		StorageWriteLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "visifruit", Subsystem: "storage", Name: "write_latency_seconds",
			Help:    "BoltDB write transaction latency in seconds.",
			Buckets: prometheus.DefBuckets,
		}),
		StorageRecordsTotal: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "visifruit", Subsystem: "storage", Name: "records",
			Help: "Current number of persisted records, by bucket.",
		}, []string{"bucket"}),

		UptimeSeconds: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "visifruit", Subsystem: "system", Name: "uptime_seconds",
			Help: "Number of seconds since the controller started.",
		}),
	}

	reg.MustRegister(
		m.TriggersTotal, m.TriggersDroppedTotal, m.TriggerQueueDepth,
		m.DetectionRequestsTotal, m.DetectionTimeoutsTotal, m.DetectionQueueDepth,
		m.DetectionLatencySeconds, m.QualityScoreHistogram, m.WorkerHealthy,
		m.PipelineRunsTotal, m.OrchestratorBacklogDepth, m.PositioningLatencySeconds,
		m.LabelerActivationsTotal, m.LabelerWearPercent,
		m.PositionerMovesTotal, m.PositionerCalibratedGauge,
		m.DiverterActivationsTotal, m.DiverterBusyRejectionsTotal,
		m.StateTransitionsTotal, m.AlertsActiveGauge, m.EmergencyStopsTotal,
		m.StorageWriteLatency, m.StorageRecordsTotal,
		m.UptimeSeconds,
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)

	return m
}

// HeadLabel formats a labeler head index as a metric label value.
func HeadLabel(index int) string {
	return strconv.Itoa(index)
}

// ObserveDetectionRequest records one submitted detection request by priority.
func (m *Metrics) ObserveDetectionRequest(priority string) {
	m.DetectionRequestsTotal.WithLabelValues(priority).Inc()
}

// ObserveDetectionTimeout records one detection request that missed its deadline.
func (m *Metrics) ObserveDetectionTimeout() {
	m.DetectionTimeoutsTotal.Inc()
}

// SetDetectionQueueDepth updates the current detection priority-queue depth.
func (m *Metrics) SetDetectionQueueDepth(depth int) {
	m.DetectionQueueDepth.Set(float64(depth))
}

// ObserveDetectionLatency records one end-to-end detection request latency.
func (m *Metrics) ObserveDetectionLatency(seconds float64) {
	m.DetectionLatencySeconds.Observe(seconds)
}

// ObserveQualityScore records one frame/detection quality score.
func (m *Metrics) ObserveQualityScore(score float64) {
	m.QualityScoreHistogram.Observe(score)
}

// SetWorkersHealthy updates the current healthy-detection-worker count.
func (m *Metrics) SetWorkersHealthy(count int) {
	m.WorkerHealthy.Set(float64(count))
}

// ObservePipelineRun records one completed orchestrator pipeline run by outcome.
func (m *Metrics) ObservePipelineRun(outcome string) {
	m.PipelineRunsTotal.WithLabelValues(outcome).Inc()
}

// SetOrchestratorBacklogDepth updates the orchestrator's secondary-queue depth.
func (m *Metrics) SetOrchestratorBacklogDepth(depth int) {
	m.OrchestratorBacklogDepth.Set(float64(depth))
}

// ObservePositioningLatency records one group-positioning move duration.
func (m *Metrics) ObservePositioningLatency(seconds float64) {
	m.PositioningLatencySeconds.Observe(seconds)
}

// ObserveTriggerAccepted records one accepted optical trigger.
func (m *Metrics) ObserveTriggerAccepted() {
	m.TriggersTotal.Inc()
}

// ObserveTriggerDropped records one trigger dropped due to queue overflow.
func (m *Metrics) ObserveTriggerDropped() {
	m.TriggersDroppedTotal.Inc()
}

// SetTriggerQueueDepth updates the current trigger backlog channel depth.
func (m *Metrics) SetTriggerQueueDepth(depth int) {
	m.TriggerQueueDepth.Set(float64(depth))
}

// ObserveLabelerActivation records one labeler head activation outcome
// ("success" or "failure").
func (m *Metrics) ObserveLabelerActivation(head int, outcome string) {
	m.LabelerActivationsTotal.WithLabelValues(HeadLabel(head), outcome).Inc()
}

// SetLabelerWear updates the wear gauge for one labeler head.
func (m *Metrics) SetLabelerWear(head int, pct float64) {
	m.LabelerWearPercent.WithLabelValues(HeadLabel(head)).Set(pct)
}

// ServeMetrics starts the Prometheus HTTP metrics server on the given address.
// Blocks until ctx is cancelled or the server fails.
func (m *Metrics) ServeMetrics(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
		ErrorHandling:     promhttp.ContinueOnError,
	}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go m.updateUptime(ctx)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("metrics server on %s: %w", addr, err)
	}
	return nil
}

func (m *Metrics) updateUptime(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.UptimeSeconds.Set(time.Since(m.startTime).Seconds())
		case <-ctx.Done():
			return
		}
	}
}
