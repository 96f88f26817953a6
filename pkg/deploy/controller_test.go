package deploy

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stevedore-sh/stevedore/pkg/events"
	"github.com/stevedore-sh/stevedore/pkg/health"
	"github.com/stevedore-sh/stevedore/pkg/ledger"
	"github.com/stevedore-sh/stevedore/pkg/placement"
	"github.com/stevedore-sh/stevedore/pkg/runtime"
	"github.com/stevedore-sh/stevedore/pkg/types"
	"github.com/stevedore-sh/stevedore/pkg/volume"
)

type harness struct {
	ledger     *ledger.Ledger
	engine     *placement.Engine
	exec       *runtime.Recorder
	hub        *health.Hub
	broker     *events.Broker
	controller *Controller
}

func newHarness(t *testing.T, nodeIDs ...string) *harness {
	t.Helper()

	l := ledger.New()
	for _, id := range nodeIDs {
		l.AddNode(&types.Node{
			ID:        id,
			Eligible:  true,
			Resources: &types.NodeResources{CPUMillis: 4000, MemoryBytes: 4096},
		})
	}

	broker := events.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)

	cfg := placement.Config{MaxCapacityRetries: 0, RetryBaseDelay: time.Millisecond}
	engine := placement.NewEngine(cfg, l, volume.NewManager(l), nil, broker)
	exec := runtime.NewRecorder()
	hub := health.NewHub()

	return &harness{
		ledger:     l,
		engine:     engine,
		exec:       exec,
		hub:        hub,
		broker:     broker,
		controller: NewController(engine, exec, hub, broker),
	}
}

// autoHealthy reports every allocation healthy as soon as it reaches
// running, standing in for an external health checker.
func (h *harness) autoHealthy(t *testing.T) {
	t.Helper()
	sub := h.broker.Subscribe()
	t.Cleanup(func() { h.broker.Unsubscribe(sub) })
	go func() {
		for ev := range sub {
			if ev.Type == events.EventAllocRunning {
				h.hub.Report(ev.AllocationID, types.HealthHealthy)
			}
		}
	}()
}

func serviceGroup(name string, count int) *types.Group {
	return &types.Group{
		Name:  name,
		Count: count,
		Tasks: []*types.Task{{
			Name:      "main",
			Resources: &types.ResourceRequest{CPUMillis: 100, MemoryBytes: 100},
		}},
		Update: &types.UpdateStrategy{
			MaxParallel:     1,
			MinHealthyTime:  5 * time.Millisecond,
			HealthyDeadline: time.Second,
		},
	}
}

func serviceWorkload(id string, version int, g *types.Group) *types.Workload {
	return &types.Workload{
		ID:      id,
		Type:    types.WorkloadTypeService,
		Version: version,
		Groups:  []*types.Group{g},
	}
}

func (h *harness) placeRunning(t *testing.T, w *types.Workload, g *types.Group, replica int) *types.Allocation {
	t.Helper()
	alloc, err := h.engine.Place(context.Background(), w, g, replica)
	require.NoError(t, err)
	require.NoError(t, h.engine.Transition(alloc, types.AllocStarting))
	require.NoError(t, h.engine.Transition(alloc, types.AllocRunning))
	return alloc
}

func TestHandleExitCompletesBatchAllocation(t *testing.T) {
	h := newHarness(t, "node-a")
	g := serviceGroup("work", 1)
	w := &types.Workload{ID: "batch-1", Type: types.WorkloadTypeBatch, Version: 1, Groups: []*types.Group{g}}

	alloc := h.placeRunning(t, w, g, 0)
	h.controller.Supervise(alloc, g, types.WorkloadTypeBatch)

	next, err := h.controller.HandleExit(context.Background(), alloc.ID, g.Tasks[0], 0)
	require.NoError(t, err)
	assert.Nil(t, next)
	assert.Equal(t, types.AllocStopped, alloc.State)
	assert.Equal(t, 0, alloc.ExitCode)
}

func TestHandleExitRestartsThenFails(t *testing.T) {
	h := newHarness(t, "node-a")
	g := serviceGroup("web", 1)
	g.Restart = &types.RestartPolicy{
		Attempts: 2,
		Delay:    time.Millisecond,
		Interval: time.Hour,
		Mode:     types.RestartModeFail,
	}
	w := serviceWorkload("svc-1", 1, g)

	alloc := h.placeRunning(t, w, g, 0)
	h.controller.Supervise(alloc, g, types.WorkloadTypeService)

	// First failure restarts in place on the same node
	next, err := h.controller.HandleExit(context.Background(), alloc.ID, g.Tasks[0], 1)
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, 1, alloc.Restarts)
	assert.Equal(t, types.AllocRunning, alloc.State)

	// Second failure exhausts the policy
	next, err = h.controller.HandleExit(context.Background(), alloc.ID, g.Tasks[0], 1)
	require.NoError(t, err)
	assert.Nil(t, next)
	assert.Equal(t, types.AllocFailed, alloc.State)
}

func TestHandleExitUnsupervised(t *testing.T) {
	h := newHarness(t, "node-a")
	_, err := h.controller.HandleExit(context.Background(), "ghost", &types.Task{Name: "main"}, 1)
	assert.Error(t, err)
}

func TestRolloutInitialDeployment(t *testing.T) {
	h := newHarness(t, "node-a", "node-b", "node-c")
	h.autoHealthy(t)

	g := serviceGroup("web", 3)
	w := serviceWorkload("svc-1", 1, g)

	dep, err := h.controller.Rollout(context.Background(), nil, w, g, nil)
	require.NoError(t, err)
	assert.Equal(t, types.DeploymentSucceeded, dep.Status)
	assert.Equal(t, 3, dep.HealthyCount)
	assert.Empty(t, dep.Replacing)

	current := h.engine.Current("svc-1", "web")
	assert.Len(t, current, 3)
}

func TestRolloutReplacesPreviousVersion(t *testing.T) {
	h := newHarness(t, "node-a", "node-b", "node-c")
	h.autoHealthy(t)

	g := serviceGroup("web", 2)
	v1 := serviceWorkload("svc-1", 1, g)

	dep, err := h.controller.Rollout(context.Background(), nil, v1, g, nil)
	require.NoError(t, err)
	require.Equal(t, types.DeploymentSucceeded, dep.Status)

	current := h.engine.Current("svc-1", "web")
	oldIDs := map[string]bool{}
	for _, a := range current {
		oldIDs[a.ID] = true
	}

	v2 := serviceWorkload("svc-1", 2, g)
	dep, err = h.controller.Rollout(context.Background(), v1, v2, g, current)
	require.NoError(t, err)
	assert.Equal(t, types.DeploymentSucceeded, dep.Status)
	assert.Len(t, dep.Replacing, 2)

	// Every old allocation was stopped and replaced
	for _, a := range current {
		assert.Equal(t, types.AllocStopped, a.State, "old allocation %s", a.ID)
	}
	replaced := h.engine.Current("svc-1", "web")
	assert.Len(t, replaced, 2)
	for _, a := range replaced {
		assert.False(t, oldIDs[a.ID])
		assert.Equal(t, 2, a.DeploymentVersion)
	}
}

func TestRolloutFailureWithAutoRevert(t *testing.T) {
	h := newHarness(t, "node-a", "node-b")
	h.autoHealthy(t)

	g := serviceGroup("web", 2)
	g.Update.AutoRevert = true
	v1 := serviceWorkload("svc-1", 1, g)

	dep, err := h.controller.Rollout(context.Background(), nil, v1, g, nil)
	require.NoError(t, err)
	require.Equal(t, types.DeploymentSucceeded, dep.Status)
	current := h.engine.Current("svc-1", "web")

	// Version 2 asks for more than any node holds
	big := serviceGroup("web", 2)
	big.Update.AutoRevert = true
	big.Tasks[0].Resources = &types.ResourceRequest{CPUMillis: 100000, MemoryBytes: 100}
	v2 := serviceWorkload("svc-1", 2, big)

	dep, err = h.controller.Rollout(context.Background(), v1, v2, big, current)
	assert.Error(t, err)
	assert.Equal(t, types.DeploymentReverted, dep.Status)
	assert.NotEmpty(t, dep.Error)
}

func TestRolloutFailureWithoutAutoRevert(t *testing.T) {
	h := newHarness(t, "node-a")
	h.autoHealthy(t)

	g := serviceGroup("web", 1)
	g.Tasks[0].Resources = &types.ResourceRequest{CPUMillis: 100000, MemoryBytes: 100}
	w := serviceWorkload("svc-1", 1, g)

	dep, err := h.controller.Rollout(context.Background(), nil, w, g, nil)
	assert.Error(t, err)
	assert.Equal(t, types.DeploymentFailed, dep.Status)
}

func TestRolloutSupersededByNewerSubmission(t *testing.T) {
	h := newHarness(t, "node-a", "node-b", "node-c")

	// Version 1 allocations take a while to report healthy; version 2's
	// report immediately. The second rollout arrives while the first is
	// mid-batch.
	sub := h.broker.Subscribe()
	t.Cleanup(func() { h.broker.Unsubscribe(sub) })
	firstPlaced := make(chan struct{})
	var placedOnce sync.Once
	go func() {
		for ev := range sub {
			switch ev.Type {
			case events.EventAllocPlaced:
				placedOnce.Do(func() { close(firstPlaced) })
			case events.EventAllocRunning:
				alloc, ok := h.engine.Get(ev.AllocationID)
				if !ok {
					continue
				}
				id := ev.AllocationID
				if alloc.DeploymentVersion == 1 {
					time.AfterFunc(50*time.Millisecond, func() {
						h.hub.Report(id, types.HealthHealthy)
					})
				} else {
					h.hub.Report(id, types.HealthHealthy)
				}
			}
		}
	}()

	g := serviceGroup("web", 3)
	v1 := serviceWorkload("svc-1", 1, g)

	type result struct {
		dep *types.Deployment
		err error
	}
	done := make(chan result, 1)
	go func() {
		dep, err := h.controller.Rollout(context.Background(), nil, v1, g, nil)
		done <- result{dep, err}
	}()
	<-firstPlaced

	g2 := serviceGroup("web", 3)
	v2 := serviceWorkload("svc-1", 2, g2)
	dep2, err := h.controller.Rollout(context.Background(), v1, v2, g2, h.engine.Current("svc-1", "web"))
	require.NoError(t, err)
	assert.Equal(t, types.DeploymentSucceeded, dep2.Status)

	r := <-done
	require.NoError(t, r.err)
	assert.Equal(t, types.DeploymentCancelled, r.dep.Status)

	// The batch in flight at supersession time ran to completion before
	// the first rollout yielded; nothing was aborted mid-replacement.
	assert.GreaterOrEqual(t, r.dep.HealthyCount, 1)

	live := h.engine.Current("svc-1", "web")
	assert.Len(t, live, 3)
	for idx, a := range live {
		assert.Equal(t, 2, a.DeploymentVersion, "replica %d", idx)
	}
}

func TestStopAllocationReleasesSupervision(t *testing.T) {
	h := newHarness(t, "node-a")
	g := serviceGroup("web", 1)
	w := serviceWorkload("svc-1", 1, g)

	alloc := h.placeRunning(t, w, g, 0)
	h.controller.Supervise(alloc, g, types.WorkloadTypeService)

	require.NoError(t, h.controller.StopAllocation(context.Background(), alloc, g))
	assert.Equal(t, types.AllocStopped, alloc.State)

	// No longer supervised: an exit report is rejected
	_, err := h.controller.HandleExit(context.Background(), alloc.ID, g.Tasks[0], 1)
	assert.Error(t, err)
}

func TestRevertTouchesOnlyReplacedReplicas(t *testing.T) {
	h := newHarness(t, "node-a", "node-b", "node-c")

	// Replica 0 of version 2 becomes healthy; replica 1 never does, so
	// the rollout fails its deadline there and reverts. Only replica 0
	// was replaced, so only replica 0 may be rolled back.
	sub := h.broker.Subscribe()
	t.Cleanup(func() { h.broker.Unsubscribe(sub) })
	go func() {
		for ev := range sub {
			if ev.Type != events.EventAllocRunning {
				continue
			}
			alloc, ok := h.engine.Get(ev.AllocationID)
			if ok && alloc.DeploymentVersion == 2 && alloc.ReplicaIndex > 0 {
				continue
			}
			h.hub.Report(ev.AllocationID, types.HealthHealthy)
		}
	}()

	g := serviceGroup("web", 3)
	g.Update.AutoRevert = true
	g.Update.HealthyDeadline = 50 * time.Millisecond
	v1 := serviceWorkload("svc-1", 1, g)

	dep, err := h.controller.Rollout(context.Background(), nil, v1, g, nil)
	require.NoError(t, err)
	require.Equal(t, types.DeploymentSucceeded, dep.Status)
	current := h.engine.Current("svc-1", "web")

	g2 := serviceGroup("web", 3)
	g2.Update.AutoRevert = true
	g2.Update.HealthyDeadline = 50 * time.Millisecond
	v2 := serviceWorkload("svc-1", 2, g2)

	dep, err = h.controller.Rollout(context.Background(), v1, v2, g2, current)
	assert.Error(t, err)
	assert.Equal(t, types.DeploymentReverted, dep.Status)

	// Exactly one allocation per replica index, all back on version 1
	live := h.engine.Current("svc-1", "web")
	assert.Len(t, live, 3)
	for idx, a := range live {
		assert.Equal(t, 1, a.DeploymentVersion, "replica %d", idx)
	}

	// And exactly one replica's worth of capacity reserved per replica
	var reserved int64
	for _, id := range []string{"node-a", "node-b", "node-c"} {
		avail, err := h.ledger.CapacityOf(id)
		require.NoError(t, err)
		reserved += 4000 - avail.CPUMillis
	}
	assert.Equal(t, int64(300), reserved)
}

func TestRolloutRespectsMaxParallel(t *testing.T) {
	h := newHarness(t, "node-a", "node-b", "node-c")

	// Count how many replicas are between placement and a healthy
	// report at once; with max_parallel 1 that must never exceed one.
	var mu sync.Mutex
	inFlight, maxInFlight, running := 0, 0, 0

	sub := h.broker.Subscribe()
	t.Cleanup(func() { h.broker.Unsubscribe(sub) })
	go func() {
		for ev := range sub {
			switch ev.Type {
			case events.EventAllocPlaced:
				mu.Lock()
				inFlight++
				if inFlight > maxInFlight {
					maxInFlight = inFlight
				}
				mu.Unlock()
			case events.EventAllocRunning:
				h.hub.Report(ev.AllocationID, types.HealthHealthy)
				mu.Lock()
				inFlight--
				running++
				mu.Unlock()
			}
		}
	}()

	g := serviceGroup("web", 3)
	w := serviceWorkload("svc-1", 1, g)
	dep, err := h.controller.Rollout(context.Background(), nil, w, g, nil)
	require.NoError(t, err)
	require.Equal(t, types.DeploymentSucceeded, dep.Status)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return running == 3
	}, time.Second, 2*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, maxInFlight, "replicas replaced concurrently despite max_parallel 1")
}

func TestHealthReportsDriveAllocationState(t *testing.T) {
	h := newHarness(t, "node-a")
	g := serviceGroup("web", 1)
	w := serviceWorkload("svc-1", 1, g)

	alloc := h.placeRunning(t, w, g, 0)
	h.controller.Supervise(alloc, g, types.WorkloadTypeService)

	h.hub.Report(alloc.ID, types.HealthHealthy)
	require.Eventually(t, func() bool {
		return alloc.State == types.AllocHealthy
	}, time.Second, 2*time.Millisecond)

	h.hub.Report(alloc.ID, types.HealthUnhealthy)
	require.Eventually(t, func() bool {
		return alloc.State == types.AllocUnhealthy
	}, time.Second, 2*time.Millisecond)

	h.hub.Report(alloc.ID, types.HealthHealthy)
	require.Eventually(t, func() bool {
		return alloc.State == types.AllocHealthy
	}, time.Second, 2*time.Millisecond)
}

func TestHandleExitWhileHealthy(t *testing.T) {
	h := newHarness(t, "node-a")
	g := serviceGroup("web", 1)
	g.Restart = &types.RestartPolicy{
		Attempts: 1,
		Delay:    time.Millisecond,
		Interval: time.Hour,
		Mode:     types.RestartModeFail,
	}
	w := serviceWorkload("svc-1", 1, g)

	alloc := h.placeRunning(t, w, g, 0)
	h.controller.Supervise(alloc, g, types.WorkloadTypeService)

	h.hub.Report(alloc.ID, types.HealthHealthy)
	require.Eventually(t, func() bool {
		return alloc.State == types.AllocHealthy
	}, time.Second, 2*time.Millisecond)

	// A dying task pulls the allocation out of healthy before restarting
	next, err := h.controller.HandleExit(context.Background(), alloc.ID, g.Tasks[0], 1)
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, types.AllocUnhealthy, alloc.State)

	// Exhausting the policy fails the allocation from unhealthy
	next, err = h.controller.HandleExit(context.Background(), alloc.ID, g.Tasks[0], 1)
	require.NoError(t, err)
	assert.Nil(t, next)
	assert.Equal(t, types.AllocFailed, alloc.State)
}

// deployJournal records every deployment commit for inspection
type deployJournal struct {
	mu       sync.Mutex
	statuses []types.DeploymentStatus
}

func (j *deployJournal) SaveDeployment(dep *types.Deployment) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.statuses = append(j.statuses, dep.Status)
	return nil
}

func TestRolloutCommitsDeployments(t *testing.T) {
	h := newHarness(t, "node-a")
	h.autoHealthy(t)
	journal := &deployJournal{}
	h.controller.SetPersister(journal)

	g := serviceGroup("web", 1)
	w := serviceWorkload("svc-1", 1, g)
	dep, err := h.controller.Rollout(context.Background(), nil, w, g, nil)
	require.NoError(t, err)
	require.Equal(t, types.DeploymentSucceeded, dep.Status)

	journal.mu.Lock()
	defer journal.mu.Unlock()
	require.Len(t, journal.statuses, 2)
	assert.Equal(t, types.DeploymentRunning, journal.statuses[0])
	assert.Equal(t, types.DeploymentSucceeded, journal.statuses[1])
}
