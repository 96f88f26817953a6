/*
Package placement selects nodes for group replicas and drives the
allocation state machine.

One Place call runs the full pipeline for one replica:

 1. candidate set = eligible nodes
 2. filter by constraints (attribute predicates + device requests
    against live unreserved device units)
 3. filter by capacity (whole-group resource sum) and volume-claim
    feasibility
 4. rank by spread (fewest allocations of the same workload), ties
    broken by lowest node ID
 5. reserve on the best candidate, attach claims, return the
    allocation in state placed

An empty set after step 2 is ErrUnsatisfiable, surfaced and never
retried; an empty set after step 3 is ErrInsufficientCapacity, which
PlaceWait retries with exponential backoff up to the configured bound.
Volume-claim admission errors surface immediately since retrying cannot
change their outcome.

The fit check in step 3 is advisory. The ledger's Reserve is the atomic
authority, so a concurrent placement racing for the same node simply
pushes this one to the next ranked candidate.

Transition enforces the types.AllocationTransitions table. Entering
stopped or failed releases the reservation and every attachment exactly
once; reaching running registers the group with the service registry
and leaving it deregisters.
*/
package placement
