/*
Package ledger tracks per-node capacity and live reservations.

The ledger is one of the two process-wide shared mutable stores (the
other is the volume manager). Each node carries its own mutex, so a
capacity check-and-reserve is a single atomic critical section per node
while distinct nodes proceed fully in parallel.

Reservations are keyed by allocation ID:

	err := ledger.Reserve(node.ID, ledger.Reservation{
	    AllocID:    alloc.ID,
	    WorkloadID: alloc.WorkloadID,
	    Resources:  types.GroupResources(group),
	})

Reserving the same allocation twice is a no-op, which makes workload
resubmission idempotent. Releasing a reservation that does not exist is
a double-release and surfaces as ErrInvariantViolation without touching
ledger state. A reservation either applies across every dimension (CPU,
memory, each requested device class) or not at all.
*/
package ledger
