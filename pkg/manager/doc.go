// Package manager replicates cluster state through a Raft log backed
// by BoltDB. Every accepted workload, placement, transition, volume and
// membership change is committed as a Command through the leader;
// Rebuild replays the store into the resource ledger and volume manager
// after a restart.
package manager
