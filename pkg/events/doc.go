// Package events provides a pub/sub broker for cluster lifecycle
// events: workload submissions, allocation transitions, deployments,
// volume attachments and node membership. Subscribers with full
// channels are skipped rather than blocking the broker.
package events
