/*
Package health fans in externally produced health signals.

Check execution (HTTP/TCP/script probing) lives outside the core; the
health collaborator calls Hub.Report per allocation and the deployment
controller consumes the signals:

	hub.Report(alloc.ID, types.HealthHealthy)

	err := hub.WaitHealthyFor(ctx, alloc.ID, strategy.MinHealthyTime,
	    strategy.HealthyDeadline)

WaitHealthyFor is the min_healthy_time primitive of rolling updates: a
single timer that starts when the allocation turns healthy and resets
immediately on regression.
*/
package health
