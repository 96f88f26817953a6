// Package storage persists cluster state to an embedded BoltDB
// database: nodes, workloads, allocations, volumes and deployments as
// JSON documents keyed by ID, plus an append-only event log keyed by
// sequence number. The authoritative write path is the replicated state
// machine in pkg/manager; the store is its snapshot of record.
package storage
