package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	buildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "toolrelay_build_info",
			Help: "Build information",
		},
		[]string{"component", "date", "sha", "version"},
	)

	bridgePeers = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "toolrelay_bridge_peers",
			Help: "Connected bridge peers by role",
		},
		[]string{"role"},
	)

	bridgeSessions = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "toolrelay_bridge_sessions",
			Help: "Requester sessions by assignment state",
		},
		[]string{"state"},
	)

	bridgeMessages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "toolrelay_bridge_messages_total",
			Help: "Messages seen by the bridge",
		},
		[]string{"direction", "outcome"},
	)

	bridgeReassignments = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "toolrelay_bridge_reassignments_total",
			Help: "Sessions moved to another handler after their handler left",
		},
	)

	clientStates = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "toolrelay_client_state_transitions_total",
			Help: "Resilient client state transitions",
		},
		[]string{"state"},
	)

	agentUpstreams = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "toolrelay_handler_upstreams",
			Help: "Upstream transports held by a handler runner",
		},
	)
)

// Directions and outcomes used by RecordBridgeMessage.
const (
	ToHandler   = "to_handler"
	ToRequester = "to_requester"

	Forwarded = "forwarded"
	Queued    = "queued"
	Dropped   = "dropped"
	Rejected  = "rejected"
)

// Register registers all metrics with the provided registerer.
func Register(r prometheus.Registerer) {
	r.MustRegister(buildInfo, bridgePeers, bridgeSessions, bridgeMessages, bridgeReassignments, clientStates, agentUpstreams)
}

// SetBuildInfo sets the build info metric for a binary.
func SetBuildInfo(component, version, sha, date string) {
	buildInfo.WithLabelValues(component, date, sha, version).Set(1)
}

// SetBridgePeers records how many peers of role are connected.
func SetBridgePeers(role string, n int) {
	bridgePeers.WithLabelValues(role).Set(float64(n))
}

// SetBridgeSessions records assigned and pending session counts.
func SetBridgeSessions(assigned, pending int) {
	bridgeSessions.WithLabelValues("assigned").Set(float64(assigned))
	bridgeSessions.WithLabelValues("pending").Set(float64(pending))
}

// RecordBridgeMessage counts one message through the bridge.
func RecordBridgeMessage(direction, outcome string) {
	bridgeMessages.WithLabelValues(direction, outcome).Inc()
}

// RecordReassignment counts one session handed to a surviving handler.
func RecordReassignment() {
	bridgeReassignments.Inc()
}

// RecordClientState counts a resilient client entering state.
func RecordClientState(state string) {
	clientStates.WithLabelValues(state).Inc()
}

// SetUpstreams records the number of live upstreams of a handler runner.
func SetUpstreams(n int) {
	agentUpstreams.Set(float64(n))
}
