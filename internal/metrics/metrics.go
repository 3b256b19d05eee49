// Package metrics exposes the router's Prometheus instrumentation. All
// collectors hang off one Metrics value registered on a private registry so
// tests can construct isolated instances.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles every collector the core emits.
type Metrics struct {
	registry *prometheus.Registry

	// Protocol / session
	FramesTotal        *prometheus.CounterVec // type
	FrameErrorsTotal   *prometheus.CounterVec // code
	ReplayRejectTotal  prometheus.Counter
	ReassemblyGapTotal prometheus.Counter
	DuplicateFragTotal prometheus.Counter
	AcksSentTotal      prometheus.Counter
	RetransmitsTotal   prometheus.Counter
	SessionsActive     prometheus.Gauge
	HeartbeatsMissed   prometheus.Counter

	// Scheduler
	PreemptionTotal       prometheus.Counter
	StarvationBoostsTotal prometheus.Counter
	QueueDepth            *prometheus.GaugeVec // tier
	QueueWaitSeconds      *prometheus.HistogramVec // tier
	AdmissionRejects      *prometheus.CounterVec   // code
	JainIndex             prometheus.Gauge

	// Flow
	WindowParallel     *prometheus.GaugeVec // session (bounded by session count)
	WindowUpdatesTotal prometheus.Counter
	ECNMarksTotal      prometheus.Counter

	// Routing
	RouteDecisionsTotal *prometheus.CounterVec // strategy, adapter
	ShadowRunsTotal     prometheus.Counter
	PromotionsTotal     prometheus.Counter
	DemotionsTotal      prometheus.Counter
	RegretCostMicros    prometheus.Histogram

	// Adapters
	BreakerState  *prometheus.GaugeVec // adapter: 0 closed, 1 open, 2 half-open
	AdapterP95MS  *prometheus.GaugeVec // adapter
	AdapterErrors *prometheus.CounterVec // adapter

	// Dispatch / observation
	DispatchSeconds          *prometheus.HistogramVec // adapter
	FailoversTotal           prometheus.Counter
	ObservationsDroppedTotal prometheus.Counter
	ObservationsFlushedTotal prometheus.Counter
}

// New creates a Metrics instance on its own registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	m := &Metrics{
		registry: reg,

		FramesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "atp_frames_total",
			Help: "Frames processed by type.",
		}, []string{"type"}),
		FrameErrorsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "atp_frame_errors_total",
			Help: "Frame-level errors by taxonomy code.",
		}, []string{"code"}),
		ReplayRejectTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "atp_replay_reject_total",
			Help: "Frames rejected by the anti-replay window.",
		}),
		ReassemblyGapTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "atp_reassembly_gap_total",
			Help: "Gap timer expiries that emitted ESEQ_RETRY.",
		}),
		DuplicateFragTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "atp_duplicate_fragments_total",
			Help: "Duplicate fragments dropped during reassembly.",
		}),
		AcksSentTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "atp_acks_sent_total",
			Help: "Cumulative ACK frames sent.",
		}),
		RetransmitsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "atp_retransmits_total",
			Help: "Frames retransmitted from the send queue.",
		}),
		SessionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "atp_sessions_active",
			Help: "Open sessions.",
		}),
		HeartbeatsMissed: factory.NewCounter(prometheus.CounterOpts{
			Name: "atp_heartbeats_missed_total",
			Help: "Missed heartbeat intervals across sessions.",
		}),

		PreemptionTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "atp_scheduler_preemptions_total",
			Help: "Requests preempted by a higher QoS tier.",
		}),
		StarvationBoostsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "atp_scheduler_starvation_boosts_total",
			Help: "Temporary weight boosts applied to starved queues.",
		}),
		QueueDepth: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "atp_scheduler_queue_depth",
			Help: "Queued requests per QoS tier.",
		}, []string{"tier"}),
		QueueWaitSeconds: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "atp_scheduler_queue_wait_seconds",
			Help:    "Admission wait per QoS tier.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
		}, []string{"tier"}),
		AdmissionRejects: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "atp_scheduler_rejects_total",
			Help: "Admission rejects by taxonomy code.",
		}, []string{"code"}),
		JainIndex: factory.NewGauge(prometheus.GaugeOpts{
			Name: "atp_scheduler_jain_index",
			Help: "Jain fairness index over per-tenant served throughput.",
		}),

		WindowParallel: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "atp_flow_window_parallel",
			Help: "Effective max_parallel per session.",
		}, []string{"session"}),
		WindowUpdatesTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "atp_flow_window_updates_total",
			Help: "WINDOW_UPDATE frames emitted.",
		}),
		ECNMarksTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "atp_flow_ecn_marks_total",
			Help: "Frames marked with ECN under watermark pressure.",
		}),

		RouteDecisionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "atp_route_decisions_total",
			Help: "Route decisions by strategy and adapter.",
		}, []string{"strategy", "adapter"}),
		ShadowRunsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "atp_shadow_runs_total",
			Help: "Challenger shadow executions issued.",
		}),
		PromotionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "atp_challenger_promotions_total",
			Help: "Challenger adapters promoted to champion.",
		}),
		DemotionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "atp_champion_demotions_total",
			Help: "Champions demoted after losing to a challenger.",
		}),
		RegretCostMicros: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "atp_route_regret_cost_micros",
			Help:    "Cost regret of decisions vs best feasible alternative.",
			Buckets: prometheus.ExponentialBuckets(1, 4, 12),
		}),

		BreakerState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "atp_breaker_state",
			Help: "Circuit breaker state per adapter: 0 closed, 1 open, 2 half-open.",
		}, []string{"adapter"}),
		AdapterP95MS: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "atp_adapter_p95_latency_ms",
			Help: "EWMA p95 latency per adapter.",
		}, []string{"adapter"}),
		AdapterErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "atp_adapter_errors_total",
			Help: "Adapter call failures.",
		}, []string{"adapter"}),

		DispatchSeconds: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "atp_dispatch_seconds",
			Help:    "End-to-end dispatch latency per adapter.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 14),
		}, []string{"adapter"}),
		FailoversTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "atp_dispatch_failovers_total",
			Help: "Failover attempts after a primary adapter failure.",
		}),
		ObservationsDroppedTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "atp_observations_dropped_total",
			Help: "Observations dropped on buffer overflow.",
		}),
		ObservationsFlushedTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "atp_observations_flushed_total",
			Help: "Observations handed to the bandit updater and sink.",
		}),
	}
	return m
}

// Handler serves the registry in Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for additional collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
