/*
Package types defines the core data structures used throughout stevedore.

It contains the full domain model of the placement-and-lifecycle core:
nodes and their capacity, workload specifications (groups, tasks,
constraints, volume claims), registered volumes, allocations with their
lifecycle state machine, and deployments that roll a group between
workload versions.

# Conventions

All enums are typed string constants:

	type AllocationState string
	const (
	    AllocPending AllocationState = "pending"
	    AllocRunning AllocationState = "running"
	)

Optional sub-configurations use pointers: a nil *RestartPolicy means the
workload-type default applies, a nil *UpdateStrategy on a service group
means DefaultUpdateStrategy.

# Allocation state machine

	pending → placed → starting → running → (healthy ⇄ unhealthy)
	                                 │              │
	                             stopping ──────────┘
	                                 │
	                              stopped

failed absorbs from starting, running and unhealthy. Legal transitions
are encoded in AllocationTransitions and checked via CanTransition; the
placement engine refuses anything else. stopped and failed are terminal:
entering either releases the allocation's reservation and attachments.

# Thread safety

Types here are plain data. Mutation is synchronized by their owners: the
resource ledger for nodes, the volume manager for volumes, the placement
engine and deployment controller for allocations.
*/
package types
