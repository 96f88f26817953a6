// Package metrics exposes Prometheus instrumentation for the placement
// core: node and allocation gauges, placement outcomes and latencies,
// restart and deployment counters, and raft leadership. Serve starts
// the /metrics and /healthz endpoints.
package metrics
