package telemetry

// Histogram bucket definitions for different latency profiles
var (
	// ProbeBuckets for direct and indirect liveness probes
	ProbeBuckets = []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}

	// TableOpBuckets for membership table round trips
	TableOpBuckets = []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 5}
)

// Cluster view metrics
var (
	// ClusterNodes tracks node count by status (JOINING, ACTIVE, SHUTTING_DOWN, STOPPING, DEAD)
	ClusterNodes GaugeVec = noopGaugeVec{}

	// TableVersion tracks the last table version seen by this node
	TableVersion Gauge = NoopStat{}

	// NodeStateTransitionsTotal counts status changes observed in the local view (from -> to)
	NodeStateTransitionsTotal CounterVec = noopCounterVec{}

	// ClusterJoinTotal counts join attempts by result (success, conflict, error)
	ClusterJoinTotal CounterVec = noopCounterVec{}
)

// Table metrics
var (
	// TableOpsTotal counts table operations by op and result (ok, conflict, error)
	TableOpsTotal CounterVec = noopCounterVec{}

	// TableOpSeconds measures table operation latency by op
	TableOpSeconds HistogramVec = noopHistogramVec{}

	// CASConflictsTotal counts lost conditional writes by op
	CASConflictsTotal CounterVec = noopCounterVec{}

	// TableRefreshesTotal counts table refreshes by result (ok, error)
	TableRefreshesTotal CounterVec = noopCounterVec{}

	// HeartbeatsTotal counts own heartbeats by result (ok, error)
	HeartbeatsTotal CounterVec = noopCounterVec{}

	// MissedHeartbeatsTotal counts peers observed without a recent heartbeat
	MissedHeartbeatsTotal Counter = NoopStat{}

	// DefunctCleanupsTotal counts defunct row cleanup runs by result
	DefunctCleanupsTotal CounterVec = noopCounterVec{}
)

// Failure detection metrics
var (
	// ProbesTotal counts probes by kind (direct, indirect) and result (ok, failed, unknown)
	ProbesTotal CounterVec = noopCounterVec{}

	// ProbeSeconds measures probe round trip by kind
	ProbeSeconds HistogramVec = noopHistogramVec{}

	// ProbedNodes tracks the size of the current probe target set
	ProbedNodes Gauge = NoopStat{}

	// SuspicionVotesTotal counts suspicion votes written by this node
	SuspicionVotesTotal Counter = NoopStat{}

	// DeathDeclarationsTotal counts nodes declared dead by this node
	DeathDeclarationsTotal Counter = NoopStat{}
)

// Gossip metrics
var (
	// GossipMessagesTotal counts gossip messages by direction (sent, received, dropped)
	GossipMessagesTotal CounterVec = noopCounterVec{}

	// GossipFailuresTotal counts failed gossip send attempts
	GossipFailuresTotal Counter = NoopStat{}
)

// Publisher metrics
var (
	// PublishedEventsTotal counts membership events delivered by sink and result
	PublishedEventsTotal CounterVec = noopCounterVec{}
)

// InitMetrics initializes all Prometheus metrics.
// Must be called after InitializeTelemetry().
func InitMetrics() {
	ClusterNodes = NewGaugeVec(
		"cluster_nodes",
		"Number of nodes in the local view by status",
		[]string{"status"},
	)
	TableVersion = NewGauge(
		"table_version",
		"Last membership table version observed",
	)
	NodeStateTransitionsTotal = NewCounterVec(
		"node_state_transitions_total",
		"Status changes observed in the local view",
		[]string{"from", "to"},
	)
	ClusterJoinTotal = NewCounterVec(
		"cluster_join_total",
		"Join attempts by result",
		[]string{"result"},
	)

	TableOpsTotal = NewCounterVec(
		"table_ops_total",
		"Membership table operations by op and result",
		[]string{"op", "result"},
	)
	TableOpSeconds = NewHistogramVec(
		"table_op_seconds",
		"Membership table operation latency",
		[]string{"op"},
		TableOpBuckets,
	)
	CASConflictsTotal = NewCounterVec(
		"cas_conflicts_total",
		"Conditional writes that lost a race",
		[]string{"op"},
	)
	TableRefreshesTotal = NewCounterVec(
		"table_refreshes_total",
		"Table refreshes by result",
		[]string{"result"},
	)
	HeartbeatsTotal = NewCounterVec(
		"heartbeats_total",
		"Own heartbeats by result",
		[]string{"result"},
	)
	MissedHeartbeatsTotal = NewCounter(
		"missed_heartbeats_total",
		"Peers observed without a recent heartbeat",
	)
	DefunctCleanupsTotal = NewCounterVec(
		"defunct_cleanups_total",
		"Defunct row cleanup runs by result",
		[]string{"result"},
	)

	ProbesTotal = NewCounterVec(
		"probes_total",
		"Liveness probes by kind and result",
		[]string{"kind", "result"},
	)
	ProbeSeconds = NewHistogramVec(
		"probe_seconds",
		"Liveness probe round trip",
		[]string{"kind"},
		ProbeBuckets,
	)
	ProbedNodes = NewGauge(
		"probed_nodes",
		"Nodes currently monitored by the failure detector",
	)
	SuspicionVotesTotal = NewCounter(
		"suspicion_votes_total",
		"Suspicion votes written by this node",
	)
	DeathDeclarationsTotal = NewCounter(
		"death_declarations_total",
		"Nodes declared dead by this node",
	)

	GossipMessagesTotal = NewCounterVec(
		"gossip_messages_total",
		"Gossip messages by direction",
		[]string{"direction"},
	)
	GossipFailuresTotal = NewCounter(
		"gossip_failures_total",
		"Failed gossip send attempts",
	)

	PublishedEventsTotal = NewCounterVec(
		"published_events_total",
		"Membership events delivered to sinks",
		[]string{"sink", "result"},
	)
}

// UpdateClusterNodes replaces the per-status node gauges
func UpdateClusterNodes(counts map[string]int, statuses []string) {
	for _, s := range statuses {
		ClusterNodes.With(s).Set(float64(counts[s]))
	}
}
