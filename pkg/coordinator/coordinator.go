package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/stevedore-sh/stevedore/pkg/constraint"
	"github.com/stevedore-sh/stevedore/pkg/deploy"
	"github.com/stevedore-sh/stevedore/pkg/events"
	"github.com/stevedore-sh/stevedore/pkg/ledger"
	"github.com/stevedore-sh/stevedore/pkg/log"
	"github.com/stevedore-sh/stevedore/pkg/placement"
	"github.com/stevedore-sh/stevedore/pkg/runtime"
	"github.com/stevedore-sh/stevedore/pkg/types"
)

var (
	// ErrInvalidWorkload is returned when a submitted workload fails validation
	ErrInvalidWorkload = errors.New("invalid workload")

	// ErrWorkloadNotFound is returned when no submission exists for an ID
	ErrWorkloadNotFound = errors.New("workload not found")

	// ErrSetupFailed is returned by SubmitAfter when the gating workload
	// did not finish successfully.
	ErrSetupFailed = errors.New("setup workload did not succeed")
)

// Result is the terminal outcome of a submission
type Result string

const (
	ResultSucceeded  Result = "succeeded"
	ResultFailed     Result = "failed"
	ResultSuperseded Result = "superseded"
	ResultStopped    Result = "stopped"
)

// Persister commits accepted workload records to durable storage.
// Optional; nil keeps submissions in memory only.
type Persister interface {
	SaveWorkload(w *types.Workload) error
}

// Coordinator accepts workload submissions and drives them through
// placement, task start ordering and supervision. It implements
// deploy.Starter so service rollouts go through the same lifecycle-hook
// ordering as batch and system starts: prestart tasks before main
// tasks, poststart after, poststop on the way out.
type Coordinator struct {
	engine     *placement.Engine
	controller *deploy.Controller
	exec       runtime.Executor
	ledger     *ledger.Ledger
	broker     *events.Broker
	persister  Persister

	mu          sync.Mutex
	submissions map[string]*submission // By workload ID, latest version wins
	handles     map[string][]*taskHandle

	logger zerolog.Logger
}

// taskHandle pairs a running task with its execution handle. The handle
// is replaced on in-place restart.
type taskHandle struct {
	task   *types.Task
	handle *runtime.Handle
}

// submission is the coordinator's record of one accepted workload
// version. Its context outlives the submitting caller and is cancelled
// on supersession or explicit stop.
type submission struct {
	workload *types.Workload
	ctx      context.Context
	cancel   context.CancelFunc

	mu        sync.Mutex
	allocs    []*types.Allocation
	tracked   map[string]bool
	settled   map[string]bool
	pending   int // Batch allocations not yet terminal
	placedAll bool
	failed    bool
	runErr    error

	once   sync.Once
	done   chan struct{}
	result Result
	err    error
}

func (s *submission) track(alloc *types.Allocation, countPending bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.allocs = append(s.allocs, alloc)
	s.tracked[alloc.ID] = true
	if countPending {
		s.pending++
	}
}

// settleOnce records one allocation reaching a terminal state. It
// returns true exactly once per allocation; the caller owning that
// first call runs the teardown hooks. Allocations belonging to an
// earlier version of the workload are not this submission's to settle.
func (s *submission) settleOnce(alloc *types.Allocation) bool {
	s.mu.Lock()
	if !s.tracked[alloc.ID] || s.settled[alloc.ID] {
		s.mu.Unlock()
		return false
	}
	s.settled[alloc.ID] = true
	if s.workload.Type == types.WorkloadTypeBatch {
		s.pending--
	}
	if alloc.State == types.AllocFailed {
		s.failed = true
		if s.runErr == nil {
			if alloc.Error != "" {
				s.runErr = fmt.Errorf("allocation %s failed: %s", alloc.ID, alloc.Error)
			} else {
				s.runErr = fmt.Errorf("allocation %s failed", alloc.ID)
			}
		}
	}
	s.mu.Unlock()
	s.maybeFinish()
	return true
}

func (s *submission) maybeFinish() {
	if s.workload.Type != types.WorkloadTypeBatch {
		return
	}
	s.mu.Lock()
	ready := s.placedAll && s.pending <= 0
	failed := s.failed
	err := s.runErr
	s.mu.Unlock()
	if !ready {
		return
	}
	if failed {
		s.finish(ResultFailed, err)
	} else {
		s.finish(ResultSucceeded, nil)
	}
}

func (s *submission) finish(result Result, err error) {
	s.once.Do(func() {
		s.result = result
		s.err = err
		close(s.done)
	})
}

// New creates a coordinator and registers it as the controller's
// allocation starter.
func New(engine *placement.Engine, controller *deploy.Controller, exec runtime.Executor, l *ledger.Ledger, broker *events.Broker) *Coordinator {
	c := &Coordinator{
		engine:      engine,
		controller:  controller,
		exec:        exec,
		ledger:      l,
		broker:      broker,
		submissions: make(map[string]*submission),
		handles:     make(map[string][]*taskHandle),
		logger:      log.WithComponent("coordinator"),
	}
	controller.SetStarter(c)
	return c
}

// SetPersister makes the coordinator commit workload records through p
func (c *Coordinator) SetPersister(p Persister) {
	c.persister = p
}

// Submit validates and accepts a workload, then drives it
// asynchronously: service groups through rolling deployments, batch
// groups to completion, system groups onto every eligible node that
// satisfies the group's constraints. Resubmitting an ID supersedes the
// previous version; an in-flight deployment for it is cancelled at its
// next batch boundary. Use WaitForCompletion to observe the outcome.
func (c *Coordinator) Submit(ctx context.Context, w *types.Workload) error {
	if err := c.validate(w); err != nil {
		return err
	}

	c.mu.Lock()
	prior := c.submissions[w.ID]
	if prior != nil {
		w.Version = prior.workload.Version + 1
	} else if w.Version == 0 {
		w.Version = 1
	}
	subCtx, cancel := context.WithCancel(context.Background())
	sub := &submission{
		workload: w,
		ctx:      subCtx,
		cancel:   cancel,
		tracked:  make(map[string]bool),
		settled:  make(map[string]bool),
		done:     make(chan struct{}),
	}
	c.submissions[w.ID] = sub
	c.mu.Unlock()

	w.SubmittedAt = time.Now()
	if c.persister != nil {
		if err := c.persister.SaveWorkload(w); err != nil {
			c.logger.Warn().Err(err).Str("workload_id", w.ID).Msg("failed to persist workload")
		}
	}

	if prior != nil {
		c.supersede(ctx, prior)
	}

	c.publish(&events.Event{
		Type:       events.EventWorkloadSubmitted,
		WorkloadID: w.ID,
		Message:    fmt.Sprintf("version %d, type %s", w.Version, w.Type),
	})
	c.logger.Info().
		Str("workload_id", w.ID).
		Str("type", string(w.Type)).
		Int("version", w.Version).
		Msg("workload submitted")

	go c.run(sub, prior)
	return nil
}

// supersede retires the previous version of a workload. Service
// allocations are replaced by the new rollout one batch at a time; an
// in-flight rollout for the prior version yields at its next batch
// boundary, so its context stays alive until the new version has been
// driven and is cancelled in run. Batch and system allocations are
// stopped here.
func (c *Coordinator) supersede(ctx context.Context, prior *submission) {
	prior.finish(ResultSuperseded, nil)

	if prior.workload.Type != types.WorkloadTypeService {
		prior.cancel()
		for _, alloc := range c.engine.Allocations(prior.workload.ID) {
			if alloc.State.Terminal() {
				continue
			}
			g := groupNamed(prior.workload, alloc.Group)
			if err := c.controller.StopAllocation(ctx, alloc, g); err != nil {
				c.logger.Warn().Err(err).Str("alloc_id", alloc.ID).Msg("failed to stop superseded allocation")
			}
		}
	}

	c.publish(&events.Event{
		Type:       events.EventWorkloadSuperseded,
		WorkloadID: prior.workload.ID,
		Message:    fmt.Sprintf("version %d superseded", prior.workload.Version),
	})
}

func (c *Coordinator) run(sub *submission, prior *submission) {
	// The prior version's watchers stay alive while its allocations are
	// being replaced; once the new version has been driven they have
	// nothing left to follow.
	if prior != nil {
		defer prior.cancel()
	}

	w := sub.workload
	switch w.Type {
	case types.WorkloadTypeService:
		c.runService(sub, prior)
	case types.WorkloadTypeBatch:
		c.runBatch(sub)
	case types.WorkloadTypeSystem:
		c.runSystem(sub)
	}
}

// runService rolls every group toward the submitted version. The
// submission finishes when the initial deployments do; the allocations
// themselves stay supervised until superseded or stopped.
func (c *Coordinator) runService(sub *submission, prior *submission) {
	w := sub.workload
	var old *types.Workload
	if prior != nil {
		old = prior.workload
	}

	var firstErr error
	for _, g := range w.Groups {
		select {
		case <-sub.done:
			// Retired while an earlier group was rolling; the remaining
			// groups belong to the successor.
			return
		default:
		}

		current := c.engine.Current(w.ID, g.Name)
		dep, err := c.controller.Rollout(sub.ctx, old, w, g, current)
		if err != nil && firstErr == nil {
			firstErr = fmt.Errorf("group %s: %w", g.Name, err)
		}
		if dep != nil && dep.Status == types.DeploymentCancelled {
			// Either a newer submission took over at a batch boundary
			// or the submission itself was stopped; finish is
			// once-guarded, so the earlier verdict wins.
			if sub.ctx.Err() != nil {
				sub.finish(ResultStopped, nil)
			} else {
				sub.finish(ResultSuperseded, nil)
			}
			return
		}
	}
	if firstErr != nil {
		sub.finish(ResultFailed, firstErr)
		return
	}
	sub.finish(ResultSucceeded, nil)
}

// runBatch places and starts every replica of every group, then lets
// the task watchers drive the submission to its result: succeeded when
// every allocation stops cleanly, failed when any allocation fails.
func (c *Coordinator) runBatch(sub *submission) {
	w := sub.workload
	var firstErr error

	for _, g := range w.Groups {
		for i := 0; i < g.Count; i++ {
			if err := c.launch(sub, g, i); err != nil {
				if firstErr == nil {
					firstErr = fmt.Errorf("group %s replica %d: %w", g.Name, i, err)
				}
				sub.mu.Lock()
				sub.failed = true
				sub.mu.Unlock()
			}
		}
	}

	sub.mu.Lock()
	sub.placedAll = true
	if firstErr != nil {
		sub.runErr = firstErr
	}
	sub.mu.Unlock()
	sub.maybeFinish()
}

// runSystem places one replica per eligible node that satisfies the
// group's constraints. The set of nodes is fixed at submission time;
// nodes joining later pick the workload up on resubmission.
func (c *Coordinator) runSystem(sub *submission) {
	w := sub.workload
	var firstErr error

	for _, g := range w.Groups {
		replica := 0
		for _, node := range c.ledger.Nodes() {
			if !node.Eligible || !constraint.Evaluate(g.Constraints, node) {
				continue
			}
			if err := c.launch(sub, g, replica); err != nil && firstErr == nil {
				firstErr = fmt.Errorf("group %s on node %s: %w", g.Name, node.ID, err)
			}
			replica++
		}
	}

	if firstErr != nil {
		sub.finish(ResultFailed, firstErr)
		return
	}
	sub.finish(ResultSucceeded, nil)
}

// launch places one replica, puts it under supervision and starts it
func (c *Coordinator) launch(sub *submission, g *types.Group, replica int) error {
	w := sub.workload
	alloc, err := c.engine.PlaceWait(sub.ctx, w, g, replica)
	if err != nil {
		return err
	}

	c.controller.Supervise(alloc, g, w.Type)
	sub.track(alloc, w.Type == types.WorkloadTypeBatch)

	if err := c.StartAllocation(sub.ctx, alloc, g); err != nil {
		c.controller.Forget(alloc.ID)
		alloc.Error = err.Error()
		_ = c.engine.Transition(alloc, types.AllocFailed)
		sub.settleOnce(alloc)
		return err
	}
	return nil
}

// StartAllocation implements deploy.Starter with lifecycle-hook
// ordering: non-sidecar prestart tasks must exit 0 before main tasks
// start (a non-zero exit fails the allocation), sidecar prestart tasks
// only need to be running. Poststart tasks start after the allocation
// reaches running. Main task exits are watched for the life of the
// submission so the restart policy applies to every exit, not just the
// first.
func (c *Coordinator) StartAllocation(ctx context.Context, alloc *types.Allocation, g *types.Group) error {
	if err := c.engine.Transition(alloc, types.AllocStarting); err != nil {
		return err
	}

	fail := func(err error) error {
		c.stopHandles(ctx, alloc.ID)
		return err
	}

	for _, t := range g.Tasks {
		if t.Lifecycle != types.LifecyclePrestart {
			continue
		}
		h, err := c.exec.Start(ctx, alloc, t)
		if err != nil {
			return fail(fmt.Errorf("start prestart task %s: %w", t.Name, err))
		}
		if t.Sidecar {
			c.addHandle(alloc.ID, t, h)
			continue
		}
		code, err := c.exec.WaitExit(ctx, h)
		if err != nil {
			return fail(fmt.Errorf("prestart task %s: %w", t.Name, err))
		}
		if code != 0 {
			return fail(fmt.Errorf("prestart task %s exited with code %d", t.Name, code))
		}
	}

	var mains []*taskHandle
	for _, t := range g.Tasks {
		if t.Lifecycle != types.LifecycleNone {
			continue
		}
		h, err := c.exec.Start(ctx, alloc, t)
		if err != nil {
			return fail(fmt.Errorf("start task %s: %w", t.Name, err))
		}
		mains = append(mains, c.addHandle(alloc.ID, t, h))
	}

	if err := c.engine.Transition(alloc, types.AllocRunning); err != nil {
		return fail(err)
	}

	for _, t := range g.Tasks {
		if t.Lifecycle != types.LifecyclePoststart {
			continue
		}
		h, err := c.exec.Start(ctx, alloc, t)
		if err != nil {
			return fail(fmt.Errorf("start poststart task %s: %w", t.Name, err))
		}
		c.addHandle(alloc.ID, t, h)
	}

	sub := c.submission(alloc.WorkloadID)
	watchCtx := context.Background()
	if sub != nil {
		watchCtx = sub.ctx
	}
	for _, th := range mains {
		go c.watchTask(watchCtx, sub, alloc, g, th)
	}
	return nil
}

// StopAllocation implements deploy.Starter: stop the task processes,
// run the group's poststop tasks, release the allocation.
func (c *Coordinator) StopAllocation(ctx context.Context, alloc *types.Allocation, g *types.Group) error {
	if alloc.State.Terminal() {
		return nil
	}
	if alloc.State.CanTransition(types.AllocStopping) {
		if err := c.engine.Transition(alloc, types.AllocStopping); err != nil {
			return err
		}
	}

	sub := c.submission(alloc.WorkloadID)
	c.stopHandles(ctx, alloc.ID)
	if g != nil {
		c.runPoststop(ctx, alloc, g)
	}

	if err := c.engine.Transition(alloc, types.AllocStopped); err != nil {
		return err
	}
	if sub != nil {
		sub.settleOnce(alloc)
	}
	return nil
}

// watchTask follows one main task across its restarts, feeding every
// exit to the restart controller. When the allocation reaches a
// terminal state the first watcher to notice runs the teardown hooks.
func (c *Coordinator) watchTask(ctx context.Context, sub *submission, alloc *types.Allocation, g *types.Group, th *taskHandle) {
	c.mu.Lock()
	handle := th.handle
	c.mu.Unlock()

	for {
		code, err := c.exec.WaitExit(ctx, handle)
		if err != nil {
			return
		}
		next, err := c.controller.HandleExit(ctx, alloc.ID, th.task, code)
		if err != nil || next == nil {
			break
		}
		handle = next
		c.mu.Lock()
		th.handle = next
		c.mu.Unlock()
	}

	if !alloc.State.Terminal() {
		return
	}
	if sub == nil || !sub.settleOnce(alloc) {
		return
	}
	if alloc.State == types.AllocStopped {
		c.runPoststop(ctx, alloc, g)
	}
	c.stopHandles(ctx, alloc.ID)
}

// runPoststop starts the group's poststop tasks and waits for them to
// exit. Failures are logged, never propagated: the allocation is
// already on its way out.
func (c *Coordinator) runPoststop(ctx context.Context, alloc *types.Allocation, g *types.Group) {
	for _, t := range g.Tasks {
		if t.Lifecycle != types.LifecyclePoststop {
			continue
		}
		h, err := c.exec.Start(ctx, alloc, t)
		if err != nil {
			c.logger.Warn().Err(err).Str("alloc_id", alloc.ID).Str("task", t.Name).Msg("poststop task failed to start")
			continue
		}
		if _, err := c.exec.WaitExit(ctx, h); err != nil {
			c.logger.Warn().Err(err).Str("alloc_id", alloc.ID).Str("task", t.Name).Msg("poststop task did not finish")
		}
	}
}

// WaitForCompletion blocks until the latest submission of the workload
// reaches its result: every batch allocation terminal, a service
// workload's initial deployments finished, a system workload placed on
// every matching node.
func (c *Coordinator) WaitForCompletion(ctx context.Context, workloadID string) (Result, error) {
	sub := c.submission(workloadID)
	if sub == nil {
		return "", fmt.Errorf("%w: %s", ErrWorkloadNotFound, workloadID)
	}
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case <-sub.done:
		return sub.result, sub.err
	}
}

// SubmitAfter submits a workload once a setup workload has finished
// successfully. A failed or superseded setup blocks the dependent
// workload entirely.
func (c *Coordinator) SubmitAfter(ctx context.Context, setupID string, w *types.Workload) error {
	result, err := c.WaitForCompletion(ctx, setupID)
	if err != nil {
		return err
	}
	if result != ResultSucceeded {
		return fmt.Errorf("%w: %s finished %s", ErrSetupFailed, setupID, result)
	}
	return c.Submit(ctx, w)
}

// StopWorkload stops every live allocation of a workload and retires
// its submission.
func (c *Coordinator) StopWorkload(ctx context.Context, workloadID string) error {
	sub := c.submission(workloadID)
	if sub == nil {
		return fmt.Errorf("%w: %s", ErrWorkloadNotFound, workloadID)
	}
	sub.cancel()

	for _, alloc := range c.engine.Allocations(workloadID) {
		if alloc.State.Terminal() {
			continue
		}
		g := groupNamed(sub.workload, alloc.Group)
		if err := c.controller.StopAllocation(ctx, alloc, g); err != nil {
			c.logger.Warn().Err(err).Str("alloc_id", alloc.ID).Msg("failed to stop allocation")
		}
	}

	sub.finish(ResultStopped, nil)
	c.logger.Info().Str("workload_id", workloadID).Msg("workload stopped")
	return nil
}

// GetWorkload returns the latest submitted version of a workload
func (c *Coordinator) GetWorkload(workloadID string) (*types.Workload, bool) {
	sub := c.submission(workloadID)
	if sub == nil {
		return nil, false
	}
	return sub.workload, true
}

func (c *Coordinator) validate(w *types.Workload) error {
	if w.ID == "" {
		return fmt.Errorf("%w: workload ID is required", ErrInvalidWorkload)
	}
	if w.Type == "" {
		w.Type = types.WorkloadTypeService
	}
	switch w.Type {
	case types.WorkloadTypeService, types.WorkloadTypeBatch, types.WorkloadTypeSystem:
	default:
		return fmt.Errorf("%w: unknown workload type %q", ErrInvalidWorkload, w.Type)
	}
	if len(w.Groups) == 0 {
		return fmt.Errorf("%w: workload %s has no groups", ErrInvalidWorkload, w.ID)
	}

	for _, g := range w.Groups {
		if g.Name == "" {
			return fmt.Errorf("%w: workload %s has a group without a name", ErrInvalidWorkload, w.ID)
		}
		if len(g.Tasks) == 0 {
			return fmt.Errorf("%w: group %s has no tasks", ErrInvalidWorkload, g.Name)
		}
		if g.Count < 1 {
			g.Count = 1
		}

		names := make(map[string]bool, len(g.Tasks))
		mains := 0
		for _, t := range g.Tasks {
			if t.Name == "" {
				return fmt.Errorf("%w: group %s has a task without a name", ErrInvalidWorkload, g.Name)
			}
			if names[t.Name] {
				return fmt.Errorf("%w: group %s has duplicate task %s", ErrInvalidWorkload, g.Name, t.Name)
			}
			names[t.Name] = true
			if t.Lifecycle == types.LifecycleNone {
				mains++
			}
		}
		if mains == 0 {
			return fmt.Errorf("%w: group %s has no main task", ErrInvalidWorkload, g.Name)
		}

		if err := constraint.Validate(g.Constraints); err != nil {
			return fmt.Errorf("%w: group %s: %v", ErrInvalidWorkload, g.Name, err)
		}

		claims := make(map[string]bool, len(g.Volumes))
		for _, claim := range g.Volumes {
			if claim.Source == "" {
				return fmt.Errorf("%w: group %s has a volume claim without a source", ErrInvalidWorkload, g.Name)
			}
			if claims[claim.Name] {
				return fmt.Errorf("%w: group %s has duplicate volume claim %s", ErrInvalidWorkload, g.Name, claim.Name)
			}
			claims[claim.Name] = true
		}
	}
	return nil
}

func (c *Coordinator) submission(workloadID string) *submission {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.submissions[workloadID]
}

func (c *Coordinator) addHandle(allocID string, t *types.Task, h *runtime.Handle) *taskHandle {
	th := &taskHandle{task: t, handle: h}
	c.mu.Lock()
	c.handles[allocID] = append(c.handles[allocID], th)
	c.mu.Unlock()
	return th
}

// stopHandles stops every recorded task process of an allocation and
// drops the records.
func (c *Coordinator) stopHandles(ctx context.Context, allocID string) {
	c.mu.Lock()
	ths := c.handles[allocID]
	delete(c.handles, allocID)
	c.mu.Unlock()

	for _, th := range ths {
		if err := c.exec.Stop(ctx, th.handle); err != nil {
			c.logger.Warn().Err(err).Str("alloc_id", allocID).Str("task", th.task.Name).Msg("failed to stop task")
		}
	}
}

func (c *Coordinator) publish(ev *events.Event) {
	if c.broker != nil {
		c.broker.Publish(ev)
	}
}

func groupNamed(w *types.Workload, name string) *types.Group {
	for _, g := range w.Groups {
		if g.Name == name {
			return g
		}
	}
	return nil
}
