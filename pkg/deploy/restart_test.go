package deploy

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/stevedore-sh/stevedore/pkg/types"
)

func TestRestartTrackerNoPolicyFailsImmediately(t *testing.T) {
	tr := NewRestartTracker(nil)
	d := tr.Record(time.Now())
	assert.True(t, d.Fail)

	tr = NewRestartTracker(&types.RestartPolicy{Attempts: 0, Mode: types.RestartModeFail})
	d = tr.Record(time.Now())
	assert.True(t, d.Fail)
}

func TestRestartTrackerModeFailAfterExactlyAttempts(t *testing.T) {
	policy := &types.RestartPolicy{
		Attempts: 3,
		Delay:    10 * time.Millisecond,
		Interval: time.Hour,
		Mode:     types.RestartModeFail,
	}
	tr := NewRestartTracker(policy)
	now := time.Now()

	// Failures 1 and 2 restart after the configured delay
	for i := 0; i < policy.Attempts-1; i++ {
		d := tr.Record(now)
		assert.True(t, d.Restart, "failure %d", i+1)
		assert.False(t, d.Fail, "failure %d", i+1)
		assert.Equal(t, policy.Delay, d.Wait)
	}

	// The third failure inside the window exhausts the policy
	d := tr.Record(now)
	assert.True(t, d.Fail)
	assert.False(t, d.Restart)
}

func TestRestartTrackerModeDelayHoldsUntilWindowEnd(t *testing.T) {
	policy := &types.RestartPolicy{
		Attempts: 2,
		Delay:    5 * time.Millisecond,
		Interval: time.Minute,
		Mode:     types.RestartModeDelay,
	}
	tr := NewRestartTracker(policy)
	now := time.Now()

	d := tr.Record(now)
	assert.True(t, d.Restart)
	assert.Equal(t, policy.Delay, d.Wait)

	// Attempts exhausted: delay mode keeps restarting but holds until
	// the interval window elapses instead of failing.
	d = tr.Record(now.Add(time.Second))
	assert.True(t, d.Restart)
	assert.False(t, d.Fail)
	assert.Greater(t, d.Wait, policy.Delay)
}

func TestRestartTrackerWindowReset(t *testing.T) {
	policy := &types.RestartPolicy{
		Attempts: 2,
		Delay:    5 * time.Millisecond,
		Interval: time.Minute,
		Mode:     types.RestartModeFail,
	}
	tr := NewRestartTracker(policy)
	now := time.Now()

	d := tr.Record(now)
	assert.True(t, d.Restart)

	// A failure after the interval elapsed starts a fresh window; the
	// earlier attempt no longer counts.
	d = tr.Record(now.Add(2 * time.Minute))
	assert.True(t, d.Restart)

	d = tr.Record(now.Add(2*time.Minute + time.Second))
	assert.True(t, d.Fail)
}
