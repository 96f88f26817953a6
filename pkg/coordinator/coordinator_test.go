package coordinator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stevedore-sh/stevedore/pkg/deploy"
	"github.com/stevedore-sh/stevedore/pkg/events"
	"github.com/stevedore-sh/stevedore/pkg/health"
	"github.com/stevedore-sh/stevedore/pkg/ledger"
	"github.com/stevedore-sh/stevedore/pkg/placement"
	"github.com/stevedore-sh/stevedore/pkg/runtime"
	"github.com/stevedore-sh/stevedore/pkg/types"
	"github.com/stevedore-sh/stevedore/pkg/volume"
)

const waitFor = 2 * time.Second

type harness struct {
	ledger      *ledger.Ledger
	engine      *placement.Engine
	exec        *runtime.Recorder
	hub         *health.Hub
	broker      *events.Broker
	controller  *deploy.Controller
	coordinator *Coordinator
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
	controller := deploy.NewController(engine, exec, hub, broker)

	return &harness{
		ledger:      l,
		engine:      engine,
		exec:        exec,
		hub:         hub,
		broker:      broker,
		controller:  controller,
		coordinator: New(engine, controller, exec, l, broker),
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

func mainTask(name string) *types.Task {
	return &types.Task{
		Name:      name,
		Resources: &types.ResourceRequest{CPUMillis: 100, MemoryBytes: 100},
	}
}

func hookTask(name string, hook types.LifecycleHook, sidecar bool) *types.Task {
	t := mainTask(name)
	t.Lifecycle = hook
	t.Sidecar = sidecar
	return t
}

func batchWorkload(id string, count int, tasks ...*types.Task) *types.Workload {
	return &types.Workload{
		ID:   id,
		Type: types.WorkloadTypeBatch,
		Groups: []*types.Group{{
			Name:  "work",
			Count: count,
			Tasks: tasks,
		}},
	}
}

func indexOf(names []string, want string) int {
	for i, n := range names {
		if n == want {
			return i
		}
	}
	return -1
}

func TestSubmitBatchRunsToCompletion(t *testing.T) {
	h := newHarness(t, "node-a", "node-b")
	h.exec.ScriptExit("main", 0)

	w := batchWorkload("batch-1", 2, mainTask("main"))
	require.NoError(t, h.coordinator.Submit(context.Background(), w))

	result, err := h.coordinator.WaitForCompletion(context.Background(), "batch-1")
	require.NoError(t, err)
	assert.Equal(t, ResultSucceeded, result)

	allocs := h.engine.Allocations("batch-1")
	require.Len(t, allocs, 2)
	for _, alloc := range allocs {
		assert.Equal(t, types.AllocStopped, alloc.State)
	}
}

func TestSubmitBatchTaskFailure(t *testing.T) {
	h := newHarness(t, "node-a")
	h.exec.ScriptExit("main", 1)

	w := batchWorkload("batch-1", 1, mainTask("main"))
	require.NoError(t, h.coordinator.Submit(context.Background(), w))

	result, err := h.coordinator.WaitForCompletion(context.Background(), "batch-1")
	require.Error(t, err)
	assert.Equal(t, ResultFailed, result)

	allocs := h.engine.Allocations("batch-1")
	require.Len(t, allocs, 1)
	assert.Equal(t, types.AllocFailed, allocs[0].State)
}

func TestPrestartRunsBeforeMain(t *testing.T) {
	h := newHarness(t, "node-a")
	h.exec.ScriptExit("init", 0)
	h.exec.ScriptExit("main", 0)

	w := batchWorkload("batch-1", 1,
		hookTask("init", types.LifecyclePrestart, false),
		mainTask("main"),
	)
	require.NoError(t, h.coordinator.Submit(context.Background(), w))

	result, err := h.coordinator.WaitForCompletion(context.Background(), "batch-1")
	require.NoError(t, err)
	assert.Equal(t, ResultSucceeded, result)

	started := h.exec.StartOrder()
	init, main := indexOf(started, "init"), indexOf(started, "main")
	require.NotEqual(t, -1, init)
	require.NotEqual(t, -1, main)
	assert.Less(t, init, main)
}

func TestPrestartFailureAbortsAllocation(t *testing.T) {
	h := newHarness(t, "node-a")
	h.exec.ScriptExit("init", 1)

	w := batchWorkload("batch-1", 1,
		hookTask("init", types.LifecyclePrestart, false),
		mainTask("main"),
	)
	require.NoError(t, h.coordinator.Submit(context.Background(), w))

	result, err := h.coordinator.WaitForCompletion(context.Background(), "batch-1")
	require.Error(t, err)
	assert.Equal(t, ResultFailed, result)
	assert.Contains(t, err.Error(), "exited with code 1")

	assert.Equal(t, -1, indexOf(h.exec.StartOrder(), "main"))

	allocs := h.engine.Allocations("batch-1")
	require.Len(t, allocs, 1)
	assert.Equal(t, types.AllocFailed, allocs[0].State)
}

func TestSidecarPrestartDoesNotGateMain(t *testing.T) {
	h := newHarness(t, "node-a")
	h.exec.ScriptExit("main", 0)
	// "proxy" is never scripted: it keeps running, which would block
	// the allocation forever if it were treated as a gating prestart.

	w := batchWorkload("batch-1", 1,
		hookTask("proxy", types.LifecyclePrestart, true),
		mainTask("main"),
	)
	require.NoError(t, h.coordinator.Submit(context.Background(), w))

	result, err := h.coordinator.WaitForCompletion(context.Background(), "batch-1")
	require.NoError(t, err)
	assert.Equal(t, ResultSucceeded, result)

	// The sidecar is torn down with the allocation.
	require.Eventually(t, func() bool {
		return indexOf(h.exec.StopOrder(), "proxy") != -1
	}, waitFor, 5*time.Millisecond)
}

func TestPoststopRunsAfterCompletion(t *testing.T) {
	h := newHarness(t, "node-a")
	h.exec.ScriptExit("main", 0)
	h.exec.ScriptExit("cleanup", 0)

	w := batchWorkload("batch-1", 1,
		mainTask("main"),
		hookTask("cleanup", types.LifecyclePoststop, false),
	)
	require.NoError(t, h.coordinator.Submit(context.Background(), w))

	result, err := h.coordinator.WaitForCompletion(context.Background(), "batch-1")
	require.NoError(t, err)
	assert.Equal(t, ResultSucceeded, result)

	require.Eventually(t, func() bool {
		started := h.exec.StartOrder()
		main, cleanup := indexOf(started, "main"), indexOf(started, "cleanup")
		return cleanup != -1 && main < cleanup
	}, waitFor, 5*time.Millisecond)
}

func TestPoststartRunsAfterMains(t *testing.T) {
	h := newHarness(t, "node-a")
	h.exec.ScriptExit("main", 0)
	h.exec.ScriptExit("notify", 0)

	w := batchWorkload("batch-1", 1,
		mainTask("main"),
		hookTask("notify", types.LifecyclePoststart, false),
	)
	require.NoError(t, h.coordinator.Submit(context.Background(), w))

	result, err := h.coordinator.WaitForCompletion(context.Background(), "batch-1")
	require.NoError(t, err)
	assert.Equal(t, ResultSucceeded, result)

	started := h.exec.StartOrder()
	main, notify := indexOf(started, "main"), indexOf(started, "notify")
	require.NotEqual(t, -1, notify)
	assert.Less(t, main, notify)
}

func TestSubmitServiceRollsOut(t *testing.T) {
	h := newHarness(t, "node-a", "node-b")
	h.autoHealthy(t)

	w := &types.Workload{
		ID:   "svc-1",
		Type: types.WorkloadTypeService,
		Groups: []*types.Group{{
			Name:  "web",
			Count: 2,
			Tasks: []*types.Task{mainTask("main")},
			Update: &types.UpdateStrategy{
				MaxParallel:     1,
				MinHealthyTime:  5 * time.Millisecond,
				HealthyDeadline: time.Second,
			},
		}},
	}
	require.NoError(t, h.coordinator.Submit(context.Background(), w))

	result, err := h.coordinator.WaitForCompletion(context.Background(), "svc-1")
	require.NoError(t, err)
	assert.Equal(t, ResultSucceeded, result)

	current := h.engine.Current("svc-1", "web")
	require.Len(t, current, 2)

	// The health reports keep flowing after the rollout; each replica
	// settles in healthy.
	require.Eventually(t, func() bool {
		for _, alloc := range current {
			if alloc.State != types.AllocHealthy {
				return false
			}
		}
		return true
	}, waitFor, 5*time.Millisecond)
}

func TestSubmitSystemPlacesPerEligibleNode(t *testing.T) {
	h := newHarness(t, "node-a", "node-b", "node-c")
	require.NoError(t, h.ledger.SetEligible("node-b", false))

	w := &types.Workload{
		ID:   "sys-1",
		Type: types.WorkloadTypeSystem,
		Groups: []*types.Group{{
			Name:  "agent",
			Tasks: []*types.Task{mainTask("main")},
		}},
	}
	require.NoError(t, h.coordinator.Submit(context.Background(), w))

	result, err := h.coordinator.WaitForCompletion(context.Background(), "sys-1")
	require.NoError(t, err)
	assert.Equal(t, ResultSucceeded, result)

	allocs := h.engine.Allocations("sys-1")
	require.Len(t, allocs, 2)
	nodes := map[string]bool{}
	for _, alloc := range allocs {
		nodes[alloc.NodeID] = true
	}
	assert.Equal(t, map[string]bool{"node-a": true, "node-c": true}, nodes)
}

func TestSubmitSystemHonorsConstraints(t *testing.T) {
	h := newHarness(t)
	h.ledger.AddNode(&types.Node{
		ID:         "node-a",
		Eligible:   true,
		Resources:  &types.NodeResources{CPUMillis: 4000, MemoryBytes: 4096},
		Attributes: map[string]string{"zone": "east"},
	})
	h.ledger.AddNode(&types.Node{
		ID:         "node-b",
		Eligible:   true,
		Resources:  &types.NodeResources{CPUMillis: 4000, MemoryBytes: 4096},
		Attributes: map[string]string{"zone": "west"},
	})

	w := &types.Workload{
		ID:   "sys-1",
		Type: types.WorkloadTypeSystem,
		Groups: []*types.Group{{
			Name:  "agent",
			Tasks: []*types.Task{mainTask("main")},
			Constraints: []*types.Constraint{
				{Attribute: "zone", Operator: types.ConstraintEquals, Value: "east"},
			},
		}},
	}
	require.NoError(t, h.coordinator.Submit(context.Background(), w))

	result, err := h.coordinator.WaitForCompletion(context.Background(), "sys-1")
	require.NoError(t, err)
	assert.Equal(t, ResultSucceeded, result)

	allocs := h.engine.Allocations("sys-1")
	require.Len(t, allocs, 1)
	assert.Equal(t, "node-a", allocs[0].NodeID)
}

func TestStopWorkload(t *testing.T) {
	h := newHarness(t, "node-a")

	w := &types.Workload{
		ID:   "sys-1",
		Type: types.WorkloadTypeSystem,
		Groups: []*types.Group{{
			Name:  "agent",
			Tasks: []*types.Task{mainTask("main")},
		}},
	}
	require.NoError(t, h.coordinator.Submit(context.Background(), w))
	_, err := h.coordinator.WaitForCompletion(context.Background(), "sys-1")
	require.NoError(t, err)

	require.NoError(t, h.coordinator.StopWorkload(context.Background(), "sys-1"))

	allocs := h.engine.Allocations("sys-1")
	require.Len(t, allocs, 1)
	assert.Equal(t, types.AllocStopped, allocs[0].State)
	assert.NotEqual(t, -1, indexOf(h.exec.StopOrder(), "main"))
}

func TestStopWorkloadUnknown(t *testing.T) {
	h := newHarness(t, "node-a")
	err := h.coordinator.StopWorkload(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrWorkloadNotFound)
}

func TestResubmitSupersedesPriorVersion(t *testing.T) {
	h := newHarness(t, "node-a")

	// Version 1 runs an unscripted main: it stays up until superseded.
	v1 := batchWorkload("batch-1", 1, mainTask("main"))
	require.NoError(t, h.coordinator.Submit(context.Background(), v1))
	require.Eventually(t, func() bool {
		allocs := h.engine.Allocations("batch-1")
		return len(allocs) == 1 && allocs[0].State == types.AllocRunning
	}, waitFor, 5*time.Millisecond)

	h.exec.ScriptExit("main", 0)
	v2 := batchWorkload("batch-1", 1, mainTask("main"))
	require.NoError(t, h.coordinator.Submit(context.Background(), v2))

	result, err := h.coordinator.WaitForCompletion(context.Background(), "batch-1")
	require.NoError(t, err)
	assert.Equal(t, ResultSucceeded, result)

	got, ok := h.coordinator.GetWorkload("batch-1")
	require.True(t, ok)
	assert.Equal(t, 2, got.Version)

	// Both the superseded allocation and the finished replacement are
	// terminal.
	for _, alloc := range h.engine.Allocations("batch-1") {
		assert.True(t, alloc.State.Terminal(), "allocation %s still %s", alloc.ID, alloc.State)
	}
}

func TestSubmitAfterGatesOnSetupSuccess(t *testing.T) {
	h := newHarness(t, "node-a")
	h.exec.ScriptExit("migrate", 0)
	h.exec.ScriptExit("main", 0)

	setup := batchWorkload("setup-1", 1, mainTask("migrate"))
	require.NoError(t, h.coordinator.Submit(context.Background(), setup))

	app := batchWorkload("app-1", 1, mainTask("main"))
	require.NoError(t, h.coordinator.SubmitAfter(context.Background(), "setup-1", app))

	result, err := h.coordinator.WaitForCompletion(context.Background(), "app-1")
	require.NoError(t, err)
	assert.Equal(t, ResultSucceeded, result)

	started := h.exec.StartOrder()
	assert.Less(t, indexOf(started, "migrate"), indexOf(started, "main"))
}

func TestSubmitAfterFailedSetup(t *testing.T) {
	h := newHarness(t, "node-a")
	h.exec.ScriptExit("migrate", 1)

	setup := batchWorkload("setup-1", 1, mainTask("migrate"))
	require.NoError(t, h.coordinator.Submit(context.Background(), setup))

	app := batchWorkload("app-1", 1, mainTask("main"))
	err := h.coordinator.SubmitAfter(context.Background(), "setup-1", app)
	require.ErrorIs(t, err, ErrSetupFailed)

	_, err = h.coordinator.WaitForCompletion(context.Background(), "app-1")
	assert.ErrorIs(t, err, ErrWorkloadNotFound)
}

func TestSubmitValidation(t *testing.T) {
	h := newHarness(t, "node-a")

	tests := []struct {
		name     string
		workload *types.Workload
	}{
		{
			name:     "missing ID",
			workload: &types.Workload{Type: types.WorkloadTypeBatch},
		},
		{
			name:     "unknown type",
			workload: &types.Workload{ID: "w", Type: "cron"},
		},
		{
			name:     "no groups",
			workload: &types.Workload{ID: "w", Type: types.WorkloadTypeBatch},
		},
		{
			name: "group without tasks",
			workload: &types.Workload{ID: "w", Type: types.WorkloadTypeBatch,
				Groups: []*types.Group{{Name: "g"}}},
		},
		{
			name: "duplicate task names",
			workload: &types.Workload{ID: "w", Type: types.WorkloadTypeBatch,
				Groups: []*types.Group{{Name: "g", Tasks: []*types.Task{mainTask("a"), mainTask("a")}}}},
		},
		{
			name: "no main task",
			workload: &types.Workload{ID: "w", Type: types.WorkloadTypeBatch,
				Groups: []*types.Group{{Name: "g", Tasks: []*types.Task{
					hookTask("init", types.LifecyclePrestart, false),
				}}}},
		},
		{
			name: "volume claim without source",
			workload: &types.Workload{ID: "w", Type: types.WorkloadTypeBatch,
				Groups: []*types.Group{{
					Name:    "g",
					Tasks:   []*types.Task{mainTask("a")},
					Volumes: []*types.VolumeClaim{{Name: "data"}},
				}}},
		},
		{
			name: "invalid constraint",
			workload: &types.Workload{ID: "w", Type: types.WorkloadTypeBatch,
				Groups: []*types.Group{{
					Name:  "g",
					Tasks: []*types.Task{mainTask("a")},
					Constraints: []*types.Constraint{
						{Attribute: "zone", Operator: "like", Value: "east"},
					},
				}}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := h.coordinator.Submit(context.Background(), tt.workload)
			assert.ErrorIs(t, err, ErrInvalidWorkload)
		})
	}
}

func TestSubmitDefaultsTypeAndCount(t *testing.T) {
	h := newHarness(t, "node-a")
	h.autoHealthy(t)

	w := &types.Workload{
		ID: "svc-1",
		Groups: []*types.Group{{
			Name:  "web",
			Tasks: []*types.Task{mainTask("main")},
			Update: &types.UpdateStrategy{
				MaxParallel:     1,
				MinHealthyTime:  5 * time.Millisecond,
				HealthyDeadline: time.Second,
			},
		}},
	}
	require.NoError(t, h.coordinator.Submit(context.Background(), w))

	result, err := h.coordinator.WaitForCompletion(context.Background(), "svc-1")
	require.NoError(t, err)
	assert.Equal(t, ResultSucceeded, result)

	assert.Equal(t, types.WorkloadTypeService, w.Type)
	assert.Equal(t, 1, w.Groups[0].Count)
	assert.Equal(t, 1, w.Version)
	assert.Len(t, h.engine.Current("svc-1", "web"), 1)
}

func TestMainRestartFollowsPolicy(t *testing.T) {
	h := newHarness(t, "node-a")
	h.exec.ScriptExit("main", 1)

	w := batchWorkload("batch-1", 1, mainTask("main"))
	w.Groups[0].Restart = &types.RestartPolicy{
		Attempts: 2,
		Interval: time.Minute,
		Delay:    time.Millisecond,
		Mode:     types.RestartModeFail,
	}
	require.NoError(t, h.coordinator.Submit(context.Background(), w))

	result, err := h.coordinator.WaitForCompletion(context.Background(), "batch-1")
	require.Error(t, err)
	assert.Equal(t, ResultFailed, result)

	allocs := h.engine.Allocations("batch-1")
	require.Len(t, allocs, 1)
	assert.Equal(t, types.AllocFailed, allocs[0].State)
	assert.Equal(t, 1, allocs[0].Restarts)

	// Started once plus one restart.
	started := 0
	for _, name := range h.exec.StartOrder() {
		if name == "main" {
			started++
		}
	}
	assert.Equal(t, 2, started)
}

func TestWaitForCompletionUnknownWorkload(t *testing.T) {
	h := newHarness(t, "node-a")
	_, err := h.coordinator.WaitForCompletion(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrWorkloadNotFound)
}

func TestWaitForCompletionCancellable(t *testing.T) {
	h := newHarness(t, "node-a")

	// Unscripted main never exits, so the batch never finishes.
	w := batchWorkload("batch-1", 1, mainTask("main"))
	require.NoError(t, h.coordinator.Submit(context.Background(), w))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := h.coordinator.WaitForCompletion(ctx, "batch-1")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestUnsatisfiableSubmissionFails(t *testing.T) {
	h := newHarness(t, "node-a")

	w := batchWorkload("batch-1", 1, mainTask("main"))
	w.Groups[0].Constraints = []*types.Constraint{
		{Attribute: "zone", Operator: types.ConstraintEquals, Value: "nowhere"},
	}
	require.NoError(t, h.coordinator.Submit(context.Background(), w))

	result, err := h.coordinator.WaitForCompletion(context.Background(), "batch-1")
	require.Error(t, err)
	assert.Equal(t, ResultFailed, result)
	assert.ErrorIs(t, err, placement.ErrUnsatisfiable)
}

// workloadJournal records every workload commit for inspection
type workloadJournal struct {
	mu       sync.Mutex
	versions map[string][]int
}

func (j *workloadJournal) SaveWorkload(w *types.Workload) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.versions[w.ID] = append(j.versions[w.ID], w.Version)
	return nil
}

func TestSubmitCommitsWorkload(t *testing.T) {
	h := newHarness(t, "node-a")
	journal := &workloadJournal{versions: make(map[string][]int)}
	h.coordinator.SetPersister(journal)

	w := batchWorkload("batch-1", 1, mainTask("main"))
	h.exec.ScriptExit("main", 0)
	require.NoError(t, h.coordinator.Submit(context.Background(), w))
	_, err := h.coordinator.WaitForCompletion(context.Background(), "batch-1")
	require.NoError(t, err)

	w2 := batchWorkload("batch-1", 1, mainTask("main"))
	require.NoError(t, h.coordinator.Submit(context.Background(), w2))
	_, err = h.coordinator.WaitForCompletion(context.Background(), "batch-1")
	require.NoError(t, err)

	journal.mu.Lock()
	defer journal.mu.Unlock()
	assert.Equal(t, []int{1, 2}, journal.versions["batch-1"])
}
