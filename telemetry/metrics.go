package telemetry

// Histogram bucket definitions for different latency profiles
var (
	// PublishBuckets for external publish calls (seconds; the publisher is slow)
	PublishBuckets = []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60}

	// MutationBuckets for local command-layer mutations
	MutationBuckets = []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25}
)

// Command layer metrics
var (
	// MutationsTotal counts accepted mutations by kind (create, update, delete)
	MutationsTotal CounterVec = noopCounterVec{}

	// MutationsRejectedTotal counts rejected mutations by reason
	// (invalid_input, not_found, version_conflict)
	MutationsRejectedTotal CounterVec = noopCounterVec{}

	// MutationSeconds measures local mutation latency
	MutationSeconds Histogram = NoopStat{}

	// CacheHitsTotal counts document cache lookups by result (hit, miss)
	CacheHitsTotal CounterVec = noopCounterVec{}
)

// Event channel metrics
var (
	// EventsEnqueuedTotal counts durably enqueued mutation events
	EventsEnqueuedTotal Counter = NoopStat{}

	// EventsDeliveredTotal counts deliveries handed to the consumer
	// (redeliveries included)
	EventsDeliveredTotal Counter = NoopStat{}

	// EventsRetriedTotal counts failed deliveries scheduled for redelivery
	EventsRetriedTotal Counter = NoopStat{}

	// EventsDeadLetteredTotal counts events moved to the dead-letter keyspace
	EventsDeadLetteredTotal Counter = NoopStat{}

	// QueueDepth tracks events enqueued but not yet acknowledged
	QueueDepth Gauge = NoopStat{}
)

// Reconciler metrics
var (
	// ReconcileTotal counts processed deliveries by outcome
	// (published, stale, missing, local_only, failed)
	ReconcileTotal CounterVec = noopCounterVec{}

	// PublishSeconds measures external publish latency
	PublishSeconds Histogram = NoopStat{}

	// EntitiesFailedTotal counts entities marked failed after retry exhaustion
	EntitiesFailedTotal Counter = NoopStat{}
)

// initEngineMetrics binds the metric variables to the live registry.
// Called from InitializeTelemetry; until then every metric is a noop.
func initEngineMetrics() {
	MutationsTotal = NewCounterVec("mutations_total", "Accepted mutations by kind", []string{"kind"})
	MutationsRejectedTotal = NewCounterVec("mutations_rejected_total", "Rejected mutations by reason", []string{"reason"})
	MutationSeconds = NewHistogramWithBuckets("mutation_seconds", "Local mutation latency", MutationBuckets)
	CacheHitsTotal = NewCounterVec("cache_lookups_total", "Document cache lookups by result", []string{"result"})

	EventsEnqueuedTotal = NewCounter("events_enqueued_total", "Durably enqueued mutation events")
	EventsDeliveredTotal = NewCounter("events_delivered_total", "Deliveries handed to the consumer")
	EventsRetriedTotal = NewCounter("events_retried_total", "Deliveries scheduled for redelivery")
	EventsDeadLetteredTotal = NewCounter("events_dead_lettered_total", "Events moved to the dead-letter keyspace")
	QueueDepth = NewGauge("queue_depth", "Events enqueued but not yet acknowledged")

	ReconcileTotal = NewCounterVec("reconcile_total", "Processed deliveries by outcome", []string{"outcome"})
	PublishSeconds = NewHistogramWithBuckets("publish_seconds", "External publish latency", PublishBuckets)
	EntitiesFailedTotal = NewCounter("entities_failed_total", "Entities marked failed after retry exhaustion")
}
