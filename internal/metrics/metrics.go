// Package metrics defines the broker's Prometheus metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Connection metrics
var (
	// ConnectionsOpen tracks currently open connections per adapter.
	ConnectionsOpen = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "relay_connections_open",
			Help: "Currently open connections by adapter",
		},
		[]string{"adapter"},
	)

	// ConnectionsAcceptedTotal tracks accepted connections per adapter.
	ConnectionsAcceptedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_connections_accepted_total",
			Help: "Total accepted connections by adapter",
		},
		[]string{"adapter"},
	)

	// ConnectionsClosedTotal tracks closed connections by adapter and reason.
	ConnectionsClosedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_connections_closed_total",
			Help: "Total closed connections by adapter and close reason",
		},
		[]string{"adapter", "reason"},
	)

	// ConnectionsRejectedTotal tracks rejected connection attempts by reason.
	ConnectionsRejectedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_connections_rejected_total",
			Help: "Total rejected connection attempts by reason",
		},
		[]string{"reason"},
	)

	// SweepClosedTotal tracks connections closed by the heartbeat sweep.
	SweepClosedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_sweep_closed_total",
			Help: "Connections closed by the heartbeat timeout sweep",
		},
	)
)

// Delivery metrics
var (
	// PublishesTotal tracks publish calls by priority and outcome.
	PublishesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_publishes_total",
			Help: "Total publish calls by priority and outcome",
		},
		[]string{"priority", "outcome"},
	)

	// EnvelopesDeliveredTotal tracks envelopes delivered by priority.
	EnvelopesDeliveredTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_envelopes_delivered_total",
			Help: "Total envelopes delivered by priority",
		},
		[]string{"priority"},
	)

	// EnvelopesShedTotal tracks envelopes dropped under degradation,
	// by priority and topic.
	EnvelopesShedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_envelopes_shed_total",
			Help: "Total envelopes shed under memory degradation by priority and topic",
		},
		[]string{"priority", "topic"},
	)

	// EnvelopesExpiredTotal tracks envelopes dropped at TTL expiry.
	EnvelopesExpiredTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_envelopes_expired_total",
			Help: "Total envelopes dropped after TTL expiry",
		},
	)

	// BatchBytes observes flushed batch sizes in bytes.
	BatchBytes = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "relay_batch_bytes",
			Help:    "Flushed batch size in bytes",
			Buckets: prometheus.ExponentialBuckets(64, 4, 10),
		},
	)

	// BatchEnvelopes observes envelopes per flushed batch.
	BatchEnvelopes = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "relay_batch_envelopes",
			Help:    "Envelopes per flushed batch",
			Buckets: []float64{1, 2, 4, 8, 16, 32, 64, 128},
		},
	)

	// DeliveryLatency observes publish-to-flush latency in seconds.
	DeliveryLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "relay_delivery_latency_seconds",
			Help:    "Latency from publish to transport flush",
			Buckets: []float64{.001, .0025, .005, .01, .025, .05, .1, .25, .5, 1},
		},
	)

	// CriticalDeliveryFailuresTotal tracks CRITICAL envelopes that could not
	// be delivered after retries.
	CriticalDeliveryFailuresTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_critical_delivery_failures_total",
			Help: "CRITICAL envelopes undeliverable after retries",
		},
	)
)

// Transport metrics
var (
	// TransportSendFailuresTotal tracks adapter send failures.
	TransportSendFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_transport_send_failures_total",
			Help: "Adapter send failures by adapter",
		},
		[]string{"adapter"},
	)

	// TransportBroadcastsTotal tracks native broadcasts by adapter.
	TransportBroadcastsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_transport_broadcasts_total",
			Help: "Native topic broadcasts by adapter",
		},
		[]string{"adapter"},
	)

	// RelayBreakerState tracks the redis relay publish breaker state
	// (0=closed, 1=half-open, 2=open).
	RelayBreakerState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "relay_redis_breaker_state",
			Help: "Redis relay publish circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
	)

	// CircuitBreakerStateChanges tracks breaker transitions by component.
	CircuitBreakerStateChanges = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_circuit_breaker_state_changes_total",
			Help: "Circuit breaker state transitions by component and new state",
		},
		[]string{"component", "state"},
	)
)

// Memory manager metrics
var (
	// QueueBytesGlobal tracks the global queued byte total.
	QueueBytesGlobal = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "relay_queue_bytes_global",
			Help: "Sum of all per-connection queue bytes",
		},
	)

	// DegradationStage tracks the current stage
	// (0=normal, 1=throttled, 2=shedding, 3=suspended).
	DegradationStage = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "relay_degradation_stage",
			Help: "Memory degradation stage (0=normal, 1=throttled, 2=shedding, 3=suspended)",
		},
	)

	// StageTransitionsTotal tracks degradation stage transitions.
	StageTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_stage_transitions_total",
			Help: "Degradation stage transitions by from/to stage",
		},
		[]string{"from", "to"},
	)

	// LeaksSuspectedTotal tracks connections closed on leak suspicion.
	LeaksSuspectedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_leaks_suspected_total",
			Help: "Connections closed after leak detection flagged them",
		},
	)
)

// Migration metrics
var (
	// TrafficSplitPct tracks the current migration traffic split percentage.
	TrafficSplitPct = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "relay_migration_traffic_split_pct",
			Help: "Share of new connections routed to the migration target adapter",
		},
	)

	// MigrationConnectionsByStatus tracks per-connection migration statuses.
	MigrationConnectionsByStatus = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "relay_migration_connections",
			Help: "Connections by migration status",
		},
		[]string{"status"},
	)

	// MigrationCutoversTotal tracks completed per-connection cutovers.
	MigrationCutoversTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_migration_cutovers_total",
			Help: "Completed per-connection cutovers",
		},
	)

	// MigrationRollbacksTotal tracks migration rollbacks by trigger.
	MigrationRollbacksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_migration_rollbacks_total",
			Help: "Migration rollbacks by trigger (health, operator)",
		},
		[]string{"trigger"},
	)
)

// Monitoring metrics
var (
	// HealthCheckFailuresTotal tracks failed component health probes.
	HealthCheckFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_health_check_failures_total",
			Help: "Failed health probes by component",
		},
		[]string{"component"},
	)

	// ActorPanicsTotal tracks panics recovered in long-running loops.
	ActorPanicsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_actor_panics_total",
			Help: "Panics recovered in long-running loops by component",
		},
		[]string{"component"},
	)
)
