/*
Package volume owns volume registration and the attach/detach lifecycle.

A volume moves through:

	unregistered → registered → (attaching ⇄ attached) → detaching → registered

Deregistration is only permitted from registered with zero attachments.

Claims are admitted against the volume's declared capability: the
claim's access mode must be a subset of what the volume supports, and a
single-node-writer volume has at most one active attachment across the
whole cluster at any time, regardless of node. Release is idempotent so
detach can be retried after partial failures.

The manager is one of the two process-wide shared mutable stores.
Attach/detach is serialized per volume identifier, not globally, and the
resource ledger is consulted for node identity only.
*/
package volume
