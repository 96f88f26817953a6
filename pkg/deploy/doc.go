/*
Package deploy supervises placed allocations.

Two independent recovery mechanisms layer on one allocation:

RestartTracker applies the group's restart policy to task failures
within a single allocation, on its original node, without releasing
resources. mode=fail transitions the allocation to failed once Attempts
failures land inside one Interval window; mode=delay holds the retry
until the window elapses and keeps going.

Controller.Rollout replaces a service group's allocations across
workload versions in batches of MaxParallel, leaving each old
allocation serving until its replacement has held healthy for
MinHealthyTime. Batches are strictly ordered; a failed batch fails the
deployment and, with AutoRevert, rolls the group back toward the
previous version using the same batched algorithm, touching only the
replicas the failed rollout had replaced. One rollout is in flight per
group at a time; a newer submission cancels the current one at the next
batch boundary, never mid-reservation.

All retry policy lives in this package and in the placement engine's
capacity-wait loop; the ledger and the volume manager never retry.
*/
package deploy
