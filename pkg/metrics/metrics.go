package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Cluster metrics
	NodesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "stevedore_nodes_total",
			Help: "Total number of nodes by eligibility",
		},
		[]string{"eligible"},
	)

	AllocationsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "stevedore_allocations_total",
			Help: "Total number of allocations by state",
		},
		[]string{"state"},
	)

	// Placement metrics
	PlacementsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stevedore_placements_total",
			Help: "Total number of placement attempts by result",
		},
		[]string{"result"},
	)

	PlacementDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "stevedore_placement_duration_seconds",
			Help:    "Time taken to place one group replica in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	CapacityWaitRetries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "stevedore_capacity_wait_retries_total",
			Help: "Total number of capacity-wait retry cycles",
		},
	)

	// Lifecycle metrics
	RestartsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stevedore_restarts_total",
			Help: "Total number of in-place task restarts by restart mode",
		},
		[]string{"mode"},
	)

	DeploymentsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stevedore_deployments_total",
			Help: "Total number of finished deployments by status",
		},
		[]string{"status"},
	)

	VolumeAttachments = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "stevedore_volume_attachments",
			Help: "Number of currently open volume attachments",
		},
	)

	// State authority metrics
	RaftLeader = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "stevedore_raft_is_leader",
			Help: "Whether this node is the Raft leader (1 = leader, 0 = follower)",
		},
	)

	RaftAppliedIndex = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "stevedore_raft_applied_index",
			Help: "Last applied Raft log index",
		},
	)
)

func init() {
	prometheus.MustRegister(NodesTotal)
	prometheus.MustRegister(AllocationsTotal)
	prometheus.MustRegister(PlacementsTotal)
	prometheus.MustRegister(PlacementDuration)
	prometheus.MustRegister(CapacityWaitRetries)
	prometheus.MustRegister(RestartsTotal)
	prometheus.MustRegister(DeploymentsTotal)
	prometheus.MustRegister(VolumeAttachments)
	prometheus.MustRegister(RaftLeader)
	prometheus.MustRegister(RaftAppliedIndex)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Serve exposes /metrics and /healthz on the given address.
// Blocks until the listener fails.
func Serve(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	mux.HandleFunc("/healthz", HealthHandler)
	return http.ListenAndServe(addr, mux)
}
