package deploy

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/stevedore-sh/stevedore/pkg/events"
	"github.com/stevedore-sh/stevedore/pkg/health"
	"github.com/stevedore-sh/stevedore/pkg/log"
	"github.com/stevedore-sh/stevedore/pkg/metrics"
	"github.com/stevedore-sh/stevedore/pkg/placement"
	"github.com/stevedore-sh/stevedore/pkg/runtime"
	"github.com/stevedore-sh/stevedore/pkg/types"
)

// Starter brings a placed allocation to running and tears it down
// again. The coordinator implements it with full lifecycle-hook
// ordering; the default starts every task and walks the allocation
// through its states.
type Starter interface {
	StartAllocation(ctx context.Context, alloc *types.Allocation, g *types.Group) error
	StopAllocation(ctx context.Context, alloc *types.Allocation, g *types.Group) error
}

// Persister commits finished and in-flight deployment records to
// durable storage. Optional; nil keeps deployments in memory only.
type Persister interface {
	SaveDeployment(dep *types.Deployment) error
}

// errSuperseded aborts a rollout at a batch boundary when a newer
// rollout for the same group has arrived.
var errSuperseded = errors.New("rollout superseded")

// Controller supervises placed allocations: in-place restarts under the
// group's restart policy and rolling replacement under its update
// strategy. Retry policy lives here, never in the ledger or the volume
// manager.
type Controller struct {
	engine    *placement.Engine
	exec      runtime.Executor
	hub       *health.Hub
	starter   Starter
	broker    *events.Broker
	persister Persister

	mu          sync.Mutex
	tracked     map[string]*supervised // By allocation ID
	runs        map[string]*run        // One in-flight rollout per workload/group
	deployments map[string]*types.Deployment

	logger zerolog.Logger
}

// supervised is the controller's per-allocation recovery state
type supervised struct {
	alloc   *types.Allocation
	group   *types.Group
	wtype   types.WorkloadType
	tracker *RestartTracker

	stop     chan struct{}
	stopOnce sync.Once
}

func (s *supervised) halt() {
	s.stopOnce.Do(func() { close(s.stop) })
}

// run is one in-flight rollout. A successor signals supersession and
// waits for done; the superseded run observes the signal at its next
// batch boundary. version decides who supersedes whom when two rollouts
// race for the same group.
type run struct {
	version    int
	superseded chan struct{}
	once       sync.Once
	done       chan struct{}
}

func (r *run) supersede() {
	r.once.Do(func() { close(r.superseded) })
}

// NewController creates a deployment controller
func NewController(engine *placement.Engine, exec runtime.Executor, hub *health.Hub, broker *events.Broker) *Controller {
	c := &Controller{
		engine:      engine,
		exec:        exec,
		hub:         hub,
		broker:      broker,
		tracked:     make(map[string]*supervised),
		runs:        make(map[string]*run),
		deployments: make(map[string]*types.Deployment),
		logger:      log.WithComponent("deploy"),
	}
	c.starter = &defaultStarter{engine: engine, exec: exec}
	return c
}

// SetStarter overrides how placed allocations are brought to running
func (c *Controller) SetStarter(s Starter) {
	c.starter = s
}

// SetPersister makes the controller commit deployment records through p
func (c *Controller) SetPersister(p Persister) {
	c.persister = p
}

// Supervise registers an allocation for restart-policy recovery and
// starts following its health reports.
func (c *Controller) Supervise(alloc *types.Allocation, g *types.Group, wtype types.WorkloadType) {
	policy := g.Restart
	if policy == nil {
		policy = types.DefaultRestartPolicy(wtype)
	}

	sup := &supervised{
		alloc:   alloc,
		group:   g,
		wtype:   wtype,
		tracker: NewRestartTracker(policy),
		stop:    make(chan struct{}),
	}
	c.mu.Lock()
	if prev, ok := c.tracked[alloc.ID]; ok {
		prev.halt()
	}
	c.tracked[alloc.ID] = sup
	c.mu.Unlock()
	go c.watchHealth(sup)
}

// Forget drops an allocation from supervision
func (c *Controller) Forget(allocID string) {
	c.mu.Lock()
	sup, ok := c.tracked[allocID]
	delete(c.tracked, allocID)
	c.mu.Unlock()
	if ok {
		sup.halt()
	}
}

// watchHealth drives the allocation's running/healthy/unhealthy edges
// from the hub's reports for as long as the allocation is supervised.
func (c *Controller) watchHealth(sup *supervised) {
	updates, cancel := c.hub.Watch(sup.alloc.ID)
	defer cancel()

	for {
		select {
		case <-sup.stop:
			return
		case state := <-updates:
			var next types.AllocationState
			switch state {
			case types.HealthHealthy:
				next = types.AllocHealthy
			case types.HealthUnhealthy:
				next = types.AllocUnhealthy
			default:
				continue
			}

			alloc := sup.alloc
			if alloc.State.Terminal() {
				return
			}
			if alloc.State == next || !alloc.State.CanTransition(next) {
				continue
			}
			if err := c.engine.Transition(alloc, next); err != nil {
				continue
			}
			if next == types.AllocUnhealthy {
				c.logger.Warn().Str("alloc_id", alloc.ID).Msg("allocation reported unhealthy")
			}
		}
	}
}

// HandleExit is the execution collaborator's entry point: a task of a
// supervised allocation exited with the given code. Exit 0 of a batch
// allocation completes it; failures run through the restart policy. On
// an in-place restart the new execution handle is returned so the
// caller's watch loop can follow it; a nil handle means the allocation
// reached a terminal or completed state. A batch allocation that has
// reached a terminal state is never restarted here; only explicit
// resubmission creates a new one.
func (c *Controller) HandleExit(ctx context.Context, allocID string, task *types.Task, code int) (*runtime.Handle, error) {
	c.mu.Lock()
	sup, ok := c.tracked[allocID]
	c.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("allocation %s is not supervised", allocID)
	}

	alloc := sup.alloc
	if alloc.State.Terminal() {
		return nil, nil
	}

	alloc.ExitCode = code
	if code == 0 && sup.wtype != types.WorkloadTypeService {
		return nil, c.complete(alloc)
	}

	// A dead task means the allocation is not healthy, whatever the
	// hub last reported.
	if alloc.State == types.AllocHealthy {
		_ = c.engine.Transition(alloc, types.AllocUnhealthy)
	}

	decision := sup.tracker.Record(time.Now())
	if decision.Fail {
		alloc.Error = fmt.Sprintf("task %s exited with code %d, restart attempts exhausted", task.Name, code)
		c.logger.Warn().
			Str("alloc_id", alloc.ID).
			Str("task", task.Name).
			Int("exit_code", code).
			Msg("allocation failed, no restarts left")
		c.Forget(alloc.ID)
		return nil, c.engine.Transition(alloc, types.AllocFailed)
	}

	c.logger.Info().
		Str("alloc_id", alloc.ID).
		Str("task", task.Name).
		Int("exit_code", code).
		Dur("wait", decision.Wait).
		Msg("restarting task in place")

	select {
	case <-time.After(decision.Wait):
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	// In-place restart: same allocation, same node, reservation kept.
	alloc.Restarts++
	metrics.RestartsTotal.WithLabelValues(string(sup.tracker.policy.Mode)).Inc()
	c.publish(&events.Event{
		Type:         events.EventAllocRestarted,
		WorkloadID:   alloc.WorkloadID,
		AllocationID: alloc.ID,
		NodeID:       alloc.NodeID,
		Message:      fmt.Sprintf("task %s restarted (attempt %d)", task.Name, alloc.Restarts),
	})
	handle, err := c.exec.Start(ctx, alloc, task)
	if err != nil {
		c.logger.Error().Err(err).Str("alloc_id", alloc.ID).Msg("in-place restart failed")
		return nil, err
	}
	return handle, nil
}

// complete walks a finished batch/system allocation to stopped
func (c *Controller) complete(alloc *types.Allocation) error {
	c.Forget(alloc.ID)
	for _, next := range []types.AllocationState{types.AllocStopping, types.AllocStopped} {
		if alloc.State.CanTransition(next) {
			if err := c.engine.Transition(alloc, next); err != nil {
				return err
			}
		}
	}
	return nil
}

// Rollout replaces a group's allocations with the new workload version
// in batches of MaxParallel. old is the superseded workload (nil for an
// initial deployment); current maps replica index to the allocation
// being replaced. Exactly one rollout may be in flight per group: a
// newer submission cancels this one at the next batch boundary.
func (c *Controller) Rollout(ctx context.Context, old, w *types.Workload, g *types.Group, current map[int]*types.Allocation) (*types.Deployment, error) {
	strategy := g.Update
	if strategy == nil {
		strategy = types.DefaultUpdateStrategy()
	}

	dep := &types.Deployment{
		ID:         uuid.New().String(),
		WorkloadID: w.ID,
		Group:      g.Name,
		Version:    w.Version,
		Status:     types.DeploymentRunning,
		CreatedAt:  time.Now(),
	}
	for i := 0; i < g.Count; i++ {
		if a, ok := current[i]; ok {
			dep.Replacing = append(dep.Replacing, a.ID)
		}
	}
	c.mu.Lock()
	c.deployments[dep.ID] = dep
	c.mu.Unlock()

	key := w.ID + "/" + g.Name
	r := &run{version: w.Version, superseded: make(chan struct{}), done: make(chan struct{})}

	c.mu.Lock()
	for {
		prev, ok := c.runs[key]
		if !ok {
			break
		}
		if prev.version >= w.Version {
			// An at-least-as-new rollout already owns the group; this
			// one lost the race and never starts.
			c.mu.Unlock()
			c.finish(dep, types.DeploymentCancelled, "superseded by newer submission")
			return dep, nil
		}
		prev.supersede()
		c.mu.Unlock()
		<-prev.done
		c.mu.Lock()
	}
	c.runs[key] = r
	c.mu.Unlock()

	defer func() {
		close(r.done)
		c.mu.Lock()
		if c.runs[key] == r {
			delete(c.runs, key)
		}
		c.mu.Unlock()
	}()

	c.persist(dep)

	c.publish(&events.Event{Type: events.EventDeployStarted, WorkloadID: w.ID, Message: fmt.Sprintf("deployment %s version %d", dep.ID, w.Version)})
	c.logger.Info().Str("deployment_id", dep.ID).Str("workload_id", w.ID).Str("group", g.Name).Int("version", w.Version).Msg("deployment started")

	placed, err := c.rollForward(ctx, w, g, strategy, current, replicaIndices(g.Count), r, dep)

	switch {
	case err == nil:
		c.finish(dep, types.DeploymentSucceeded, "")
		return dep, nil

	case errors.Is(err, errSuperseded):
		c.finish(dep, types.DeploymentCancelled, "superseded by newer submission")
		return dep, nil

	case ctx.Err() != nil:
		c.finish(dep, types.DeploymentCancelled, ctx.Err().Error())
		return dep, ctx.Err()
	}

	dep.Error = err.Error()
	if !strategy.AutoRevert || old == nil {
		c.finish(dep, types.DeploymentFailed, err.Error())
		return dep, err
	}

	c.logger.Warn().Str("deployment_id", dep.ID).Err(err).Msg("deployment failed, reverting to previous version")
	oldGroup := findGroup(old, g.Name)
	if oldGroup == nil {
		c.finish(dep, types.DeploymentFailed, err.Error())
		return dep, err
	}

	// Only the replicas this rollout actually replaced are rolled back.
	// An index the rollout never reached still runs its old allocation;
	// re-placing it would double the replica and its reservation.
	revert := make([]int, 0, len(placed))
	for idx := range placed {
		revert = append(revert, idx)
	}
	sort.Ints(revert)

	if _, rerr := c.rollForward(ctx, old, oldGroup, strategy, placed, revert, r, dep); rerr != nil {
		if errors.Is(rerr, errSuperseded) {
			c.finish(dep, types.DeploymentCancelled, "superseded by newer submission")
			return dep, nil
		}
		c.finish(dep, types.DeploymentFailed, fmt.Sprintf("revert failed: %v (original: %v)", rerr, err))
		return dep, err
	}
	c.finish(dep, types.DeploymentReverted, err.Error())
	return dep, err
}

// rollForward runs the batched replacement toward workload w over the
// given replica indices. Returns the allocations placed per index, so a
// failed rollout can be reverted by rolling forward again toward the
// old version over exactly the indices it touched.
func (c *Controller) rollForward(ctx context.Context, w *types.Workload, g *types.Group, strategy *types.UpdateStrategy, current map[int]*types.Allocation, indices []int, r *run, dep *types.Deployment) (map[int]*types.Allocation, error) {
	maxParallel := strategy.MaxParallel
	if maxParallel < 1 {
		maxParallel = 1
	}

	placed := make(map[int]*types.Allocation, len(indices))
	var placedMu sync.Mutex

	for start := 0; start < len(indices); start += maxParallel {
		// Supersession is observed here and only here: an in-progress
		// batch completes before the rollout yields to its successor.
		select {
		case <-r.superseded:
			return placed, errSuperseded
		default:
		}
		if err := ctx.Err(); err != nil {
			return placed, err
		}

		end := start + maxParallel
		if end > len(indices) {
			end = len(indices)
		}
		batch := indices[start:end]

		dep.InFlight = len(batch)
		var wg sync.WaitGroup
		errs := make([]error, len(batch))

		for i, idx := range batch {
			wg.Add(1)
			go func(i, idx int) {
				defer wg.Done()

				alloc, err := c.replaceOne(ctx, w, g, strategy, idx, current[idx])
				if err != nil {
					errs[i] = fmt.Errorf("replica %d: %w", idx, err)
					return
				}
				placedMu.Lock()
				placed[idx] = alloc
				placedMu.Unlock()
			}(i, idx)
		}
		wg.Wait()

		dep.InFlight = 0
		for _, err := range errs {
			if err != nil {
				return placed, err
			}
		}
		dep.HealthyCount = len(placed)
	}
	return placed, nil
}

func replicaIndices(count int) []int {
	out := make([]int, count)
	for i := range out {
		out[i] = i
	}
	return out
}

// replaceOne places and starts the new allocation for one replica
// index, waits out min_healthy_time, then stops the old allocation. The
// old allocation keeps serving until the new one is confirmed healthy.
func (c *Controller) replaceOne(ctx context.Context, w *types.Workload, g *types.Group, strategy *types.UpdateStrategy, idx int, old *types.Allocation) (*types.Allocation, error) {
	alloc, err := c.engine.PlaceWait(ctx, w, g, idx)
	if err != nil {
		return nil, err
	}

	c.Supervise(alloc, g, types.WorkloadTypeService)
	if err := c.starter.StartAllocation(ctx, alloc, g); err != nil {
		c.Forget(alloc.ID)
		alloc.Error = err.Error()
		_ = c.engine.Transition(alloc, types.AllocFailed)
		return nil, err
	}

	if err := c.hub.WaitHealthyFor(ctx, alloc.ID, strategy.MinHealthyTime, strategy.HealthyDeadline); err != nil {
		c.Forget(alloc.ID)
		alloc.Error = err.Error()
		c.failAlloc(alloc)
		return nil, err
	}

	if old != nil {
		if err := c.StopAllocation(ctx, old, g); err != nil {
			c.logger.Warn().Err(err).Str("alloc_id", old.ID).Msg("failed to stop replaced allocation")
		}
	}
	return alloc, nil
}

// StopAllocation gracefully stops an allocation and releases it
func (c *Controller) StopAllocation(ctx context.Context, alloc *types.Allocation, g *types.Group) error {
	c.Forget(alloc.ID)
	if alloc.State.Terminal() {
		return nil
	}
	return c.starter.StopAllocation(ctx, alloc, g)
}

// GetDeployment returns a deployment by ID
func (c *Controller) GetDeployment(id string) (*types.Deployment, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	dep, ok := c.deployments[id]
	return dep, ok
}

func (c *Controller) failAlloc(alloc *types.Allocation) {
	// Walk whatever state the allocation is in toward failed
	if alloc.State.CanTransition(types.AllocFailed) {
		_ = c.engine.Transition(alloc, types.AllocFailed)
		return
	}
	if alloc.State.CanTransition(types.AllocStopping) {
		_ = c.engine.Transition(alloc, types.AllocStopping)
		_ = c.engine.Transition(alloc, types.AllocStopped)
	}
}

func (c *Controller) finish(dep *types.Deployment, status types.DeploymentStatus, msg string) {
	dep.Status = status
	dep.FinishedAt = time.Now()
	if msg != "" && dep.Error == "" {
		dep.Error = msg
	}
	metrics.DeploymentsTotal.WithLabelValues(string(status)).Inc()

	var evType events.EventType
	switch status {
	case types.DeploymentSucceeded:
		evType = events.EventDeploySucceeded
	case types.DeploymentFailed:
		evType = events.EventDeployFailed
	case types.DeploymentReverted:
		evType = events.EventDeployReverted
	default:
		evType = events.EventDeployCancelled
	}
	c.publish(&events.Event{Type: evType, WorkloadID: dep.WorkloadID, Message: msg})
	c.logger.Info().Str("deployment_id", dep.ID).Str("status", string(status)).Msg("deployment finished")
	c.persist(dep)
}

func (c *Controller) persist(dep *types.Deployment) {
	if c.persister == nil {
		return
	}
	if err := c.persister.SaveDeployment(dep); err != nil {
		c.logger.Warn().Err(err).Str("deployment_id", dep.ID).Msg("failed to persist deployment")
	}
}

func (c *Controller) publish(ev *events.Event) {
	if c.broker != nil {
		c.broker.Publish(ev)
	}
}

func findGroup(w *types.Workload, name string) *types.Group {
	for _, g := range w.Groups {
		if g.Name == name {
			return g
		}
	}
	return nil
}

// defaultStarter starts every task and walks the allocation to running,
// with no lifecycle-hook ordering.
type defaultStarter struct {
	engine *placement.Engine
	exec   runtime.Executor
}

func (s *defaultStarter) StartAllocation(ctx context.Context, alloc *types.Allocation, g *types.Group) error {
	if err := s.engine.Transition(alloc, types.AllocStarting); err != nil {
		return err
	}
	for _, task := range g.Tasks {
		if _, err := s.exec.Start(ctx, alloc, task); err != nil {
			return fmt.Errorf("start task %s: %w", task.Name, err)
		}
	}
	return s.engine.Transition(alloc, types.AllocRunning)
}

func (s *defaultStarter) StopAllocation(ctx context.Context, alloc *types.Allocation, g *types.Group) error {
	if alloc.State.CanTransition(types.AllocStopping) {
		if err := s.engine.Transition(alloc, types.AllocStopping); err != nil {
			return err
		}
	}
	return s.engine.Transition(alloc, types.AllocStopped)
}
