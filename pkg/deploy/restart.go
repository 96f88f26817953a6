package deploy

import (
	"time"

	"github.com/stevedore-sh/stevedore/pkg/types"
)

// Decision is the restart tracker's verdict on one task failure
type Decision struct {
	Restart bool
	Wait    time.Duration // Delay before the restart
	Fail    bool          // Transition the allocation to failed
}

// RestartTracker applies one allocation's restart policy to a stream of
// task failures. It is a small state machine over (window start,
// attempts-in-window); the delay/fail branching lives in Record rather
// than being scattered through the controller.
type RestartTracker struct {
	policy      *types.RestartPolicy
	windowStart time.Time
	count       int
}

// NewRestartTracker creates a tracker for one allocation
func NewRestartTracker(policy *types.RestartPolicy) *RestartTracker {
	return &RestartTracker{policy: policy}
}

// Record registers a task failure at the given time and decides what
// happens next. Failures 1..Attempts-1 inside the interval window are
// restarted after Delay. Reaching Attempts inside the window triggers
// the mode branch: fail transitions the allocation to failed and stops
// retrying; delay holds the retry until the window has elapsed since
// its first failure, then opens a fresh window.
func (t *RestartTracker) Record(now time.Time) Decision {
	if t.policy == nil || t.policy.Attempts == 0 {
		return Decision{Fail: true}
	}

	if t.windowStart.IsZero() || now.Sub(t.windowStart) > t.policy.Interval {
		t.windowStart = now
		t.count = 0
	}

	t.count++
	if t.count < t.policy.Attempts {
		return Decision{Restart: true, Wait: t.policy.Delay}
	}

	if t.policy.Mode == types.RestartModeFail {
		return Decision{Fail: true}
	}

	// mode=delay: hold until the interval elapses since the first
	// failure in this window, then retry with a clean counter.
	remaining := t.windowStart.Add(t.policy.Interval).Sub(now)
	if remaining < 0 {
		remaining = 0
	}
	t.windowStart = time.Time{}
	t.count = 0
	return Decision{Restart: true, Wait: remaining + t.policy.Delay}
}

// Attempts returns the failures recorded in the current window
func (t *RestartTracker) Attempts() int {
	return t.count
}
