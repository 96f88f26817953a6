package placement

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/stevedore-sh/stevedore/pkg/constraint"
	"github.com/stevedore-sh/stevedore/pkg/events"
	"github.com/stevedore-sh/stevedore/pkg/ledger"
	"github.com/stevedore-sh/stevedore/pkg/log"
	"github.com/stevedore-sh/stevedore/pkg/metrics"
	"github.com/stevedore-sh/stevedore/pkg/registry"
	"github.com/stevedore-sh/stevedore/pkg/types"
	"github.com/stevedore-sh/stevedore/pkg/volume"
)

var (
	// ErrUnsatisfiable means no node can satisfy the group's constraints.
	// Not retried automatically; surfaced to the caller.
	ErrUnsatisfiable = errors.New("no node satisfies constraints")

	// ErrInsufficientCapacity means candidates exist but none currently
	// has capacity. Transient; PlaceWait retries it with backoff.
	ErrInsufficientCapacity = errors.New("no candidate has sufficient capacity")

	// ErrInvalidTransition reports an illegal allocation state change
	ErrInvalidTransition = errors.New("invalid allocation state transition")
)

// Config tunes the capacity-wait loop. The retry bound is policy, not a
// guess: after MaxCapacityRetries the insufficiency is reported as
// permanent for that call.
type Config struct {
	MaxCapacityRetries int
	RetryBaseDelay     time.Duration
}

// DefaultConfig returns the default capacity-wait policy
func DefaultConfig() Config {
	return Config{
		MaxCapacityRetries: 5,
		RetryBaseDelay:     250 * time.Millisecond,
	}
}

// allocEntry is the engine's bookkeeping for one live allocation
type allocEntry struct {
	alloc       *types.Allocation
	attachments []*volume.Attachment
	serviceName string
}

// Persister commits allocation records to durable storage on placement
// and on every state change. Optional; nil keeps allocations in memory.
type Persister interface {
	SaveAllocation(alloc *types.Allocation) error
}

// Engine selects nodes for group replicas and drives allocation state.
// It combines the constraint evaluator, the resource ledger and the
// volume manager; it owns no shared cluster state itself beyond its
// per-allocation bookkeeping.
type Engine struct {
	cfg       Config
	ledger    *ledger.Ledger
	volumes   *volume.Manager
	registry  registry.Registry
	broker    *events.Broker
	persister Persister

	mu     sync.Mutex
	allocs map[string]*allocEntry

	logger zerolog.Logger
}

// NewEngine creates a placement engine
func NewEngine(cfg Config, l *ledger.Ledger, vm *volume.Manager, reg registry.Registry, broker *events.Broker) *Engine {
	if reg == nil {
		reg = registry.Noop{}
	}
	return &Engine{
		cfg:      cfg,
		ledger:   l,
		volumes:  vm,
		registry: reg,
		broker:   broker,
		allocs:   make(map[string]*allocEntry),
		logger:   log.WithComponent("placement"),
	}
}

// SetPersister makes the engine commit allocation records through p
func (e *Engine) SetPersister(p Persister) {
	e.persister = p
}

func (e *Engine) persist(alloc *types.Allocation) {
	if e.persister == nil {
		return
	}
	if err := e.persister.SaveAllocation(alloc); err != nil {
		e.logger.Warn().Err(err).Str("alloc_id", alloc.ID).Msg("failed to persist allocation")
	}
}

// Place selects a node for one replica of a group and creates the
// allocation in state placed, with resources reserved and volume claims
// attached. Candidate selection is deterministic: fewest same-workload
// allocations first, then lowest node ID.
func (e *Engine) Place(ctx context.Context, w *types.Workload, g *types.Group, replica int) (*types.Allocation, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.PlacementDuration)

	groupReq := types.GroupResources(g)

	candidates := e.constraintCandidates(g, groupReq)
	if len(candidates) == 0 {
		metrics.PlacementsTotal.WithLabelValues("unsatisfiable").Inc()
		return nil, fmt.Errorf("%w: workload %s group %s", ErrUnsatisfiable, w.ID, g.Name)
	}

	// Claim errors are node-independent admission failures; surface them
	// before burning capacity retries on something that can never
	// succeed. A single-writer volume attached elsewhere blocks every
	// node equally, so it too fails here rather than masquerading as an
	// insufficient-capacity condition.
	for _, claim := range g.Volumes {
		if err := e.volumes.Feasible(claim, candidates[0].ID); err != nil {
			metrics.PlacementsTotal.WithLabelValues("volume_error").Inc()
			return nil, err
		}
	}

	fitting := e.capacityCandidates(candidates, g, groupReq)
	if len(fitting) == 0 {
		metrics.PlacementsTotal.WithLabelValues("insufficient_capacity").Inc()
		return nil, fmt.Errorf("%w: workload %s group %s", ErrInsufficientCapacity, w.ID, g.Name)
	}

	e.rank(fitting, w.ID)

	alloc := &types.Allocation{
		ID:                uuid.New().String(),
		WorkloadID:        w.ID,
		Group:             g.Name,
		ReplicaIndex:      replica,
		State:             types.AllocPending,
		DeploymentVersion: w.Version,
		CreatedAt:         time.Now(),
	}

	// The fit check above is advisory; Reserve is the atomic authority.
	// A concurrent placement may have taken the capacity, so walk the
	// ranked candidates until one reservation sticks.
	var reservedNode string
	for _, node := range fitting {
		err := e.ledger.Reserve(node.ID, ledger.Reservation{
			AllocID:    alloc.ID,
			WorkloadID: w.ID,
			Resources:  groupReq,
		})
		if err == nil {
			reservedNode = node.ID
			break
		}
		if !errors.Is(err, ledger.ErrInsufficientCapacity) {
			metrics.PlacementsTotal.WithLabelValues("error").Inc()
			return nil, err
		}
	}
	if reservedNode == "" {
		metrics.PlacementsTotal.WithLabelValues("insufficient_capacity").Inc()
		return nil, fmt.Errorf("%w: workload %s group %s", ErrInsufficientCapacity, w.ID, g.Name)
	}
	alloc.NodeID = reservedNode

	attachments, err := e.attachClaims(alloc, g)
	if err != nil {
		if rerr := e.ledger.Release(reservedNode, alloc.ID); rerr != nil {
			e.logger.Error().Err(rerr).Str("alloc_id", alloc.ID).Msg("rollback release failed")
		}
		metrics.PlacementsTotal.WithLabelValues("volume_error").Inc()
		return nil, err
	}

	alloc.State = types.AllocPlaced
	e.mu.Lock()
	e.allocs[alloc.ID] = &allocEntry{
		alloc:       alloc,
		attachments: attachments,
		serviceName: w.ID + "." + g.Name,
	}
	e.mu.Unlock()

	metrics.PlacementsTotal.WithLabelValues("placed").Inc()
	metrics.VolumeAttachments.Add(float64(len(attachments)))
	e.persist(alloc)
	e.publish(&events.Event{
		Type:         events.EventAllocPlaced,
		WorkloadID:   w.ID,
		AllocationID: alloc.ID,
		NodeID:       reservedNode,
		Message:      fmt.Sprintf("replica %d of group %s placed", replica, g.Name),
	})
	e.logger.Info().
		Str("workload_id", w.ID).
		Str("group", g.Name).
		Int("replica", replica).
		Str("node_id", reservedNode).
		Str("alloc_id", alloc.ID).
		Msg("allocation placed")

	return alloc, nil
}

// PlaceWait retries Place with exponential backoff while capacity is
// insufficient. Eligibility can change under us (a node finishing its
// drain, another workload releasing capacity), so insufficiency is
// transient until the retry bound is reached. Cancellable via ctx;
// Unsatisfiable and volume-claim errors are never retried.
func (e *Engine) PlaceWait(ctx context.Context, w *types.Workload, g *types.Group, replica int) (*types.Allocation, error) {
	delay := e.cfg.RetryBaseDelay
	var lastErr error

	for attempt := 0; attempt <= e.cfg.MaxCapacityRetries; attempt++ {
		if attempt > 0 {
			metrics.CapacityWaitRetries.Inc()
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			delay *= 2
		}

		alloc, err := e.Place(ctx, w, g, replica)
		if err == nil {
			return alloc, nil
		}
		if !errors.Is(err, ErrInsufficientCapacity) {
			return nil, err
		}
		lastErr = err
	}
	return nil, lastErr
}

// Transition moves an allocation through its state machine. Entering a
// terminal state releases the reservation and all volume attachments;
// transitions to and from running drive the service registry.
func (e *Engine) Transition(alloc *types.Allocation, next types.AllocationState) error {
	e.mu.Lock()
	entry, tracked := e.allocs[alloc.ID]
	e.mu.Unlock()
	if tracked {
		alloc = entry.alloc
	}

	if !alloc.State.CanTransition(next) {
		return fmt.Errorf("%w: %s -> %s (alloc %s)", ErrInvalidTransition, alloc.State, next, alloc.ID)
	}

	prev := alloc.State
	alloc.State = next

	metrics.AllocationsTotal.WithLabelValues(string(prev)).Dec()
	metrics.AllocationsTotal.WithLabelValues(string(next)).Inc()

	if tracked {
		if next == types.AllocRunning && prev == types.AllocStarting {
			if err := e.registry.Register(entry.serviceName, alloc.NodeID, 0); err != nil {
				e.logger.Warn().Err(err).Str("alloc_id", alloc.ID).Msg("registry register failed")
			}
		}
		if prev == types.AllocRunning || prev == types.AllocHealthy || prev == types.AllocUnhealthy {
			if next == types.AllocStopping || next == types.AllocFailed {
				if err := e.registry.Deregister(entry.serviceName, alloc.NodeID); err != nil {
					e.logger.Warn().Err(err).Str("alloc_id", alloc.ID).Msg("registry deregister failed")
				}
			}
		}
	}

	if next.Terminal() {
		alloc.FinishedAt = time.Now()
		e.releaseAll(alloc, entry)
	}

	e.persist(alloc)

	switch next {
	case types.AllocRunning:
		e.publish(&events.Event{Type: events.EventAllocRunning, WorkloadID: alloc.WorkloadID, AllocationID: alloc.ID, NodeID: alloc.NodeID})
	case types.AllocFailed:
		e.publish(&events.Event{Type: events.EventAllocFailed, WorkloadID: alloc.WorkloadID, AllocationID: alloc.ID, NodeID: alloc.NodeID, Message: alloc.Error})
	case types.AllocStopped:
		e.publish(&events.Event{Type: events.EventAllocStopped, WorkloadID: alloc.WorkloadID, AllocationID: alloc.ID, NodeID: alloc.NodeID})
	}

	return nil
}

// Get returns a tracked allocation
func (e *Engine) Get(allocID string) (*types.Allocation, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	entry, ok := e.allocs[allocID]
	if !ok {
		return nil, false
	}
	return entry.alloc, true
}

// Current returns the live allocations of one workload group, keyed by
// replica index. Terminal allocations have already been released and
// are never included.
func (e *Engine) Current(workloadID, group string) map[int]*types.Allocation {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[int]*types.Allocation)
	for _, entry := range e.allocs {
		a := entry.alloc
		if a.WorkloadID == workloadID && a.Group == group && !a.State.Terminal() {
			out[a.ReplicaIndex] = a
		}
	}
	return out
}

// Allocations returns every live allocation of a workload
func (e *Engine) Allocations(workloadID string) []*types.Allocation {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []*types.Allocation
	for _, entry := range e.allocs {
		if entry.alloc.WorkloadID == workloadID {
			out = append(out, entry.alloc)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Attachments returns the volume attachments held by an allocation
func (e *Engine) Attachments(allocID string) []*volume.Attachment {
	e.mu.Lock()
	defer e.mu.Unlock()
	entry, ok := e.allocs[allocID]
	if !ok {
		return nil
	}
	return append([]*volume.Attachment(nil), entry.attachments...)
}

// constraintCandidates returns eligible nodes passing every group
// constraint and every device request, ordered by node ID (the ledger
// snapshot is already sorted).
func (e *Engine) constraintCandidates(g *types.Group, req *types.ResourceRequest) []*types.Node {
	var out []*types.Node
	for _, node := range e.ledger.Nodes() {
		if !node.Eligible {
			continue
		}
		if !constraint.Evaluate(g.Constraints, node) {
			continue
		}
		if !constraint.EvaluateDevices(req.Devices, node, e.ledger) {
			continue
		}
		out = append(out, node)
	}
	return out
}

// capacityCandidates filters candidates down to nodes that currently
// fit the whole group and can satisfy every volume claim.
func (e *Engine) capacityCandidates(candidates []*types.Node, g *types.Group, req *types.ResourceRequest) []*types.Node {
	var out []*types.Node
	for _, node := range candidates {
		if !e.ledger.Fits(node.ID, req) {
			continue
		}
		feasible := true
		for _, claim := range g.Volumes {
			if err := e.volumes.Feasible(claim, node.ID); err != nil {
				feasible = false
				break
			}
		}
		if feasible {
			out = append(out, node)
		}
	}
	return out
}

// rank orders candidates by spread: fewest allocations of the same
// workload first, stable over the node-ID ordering for reproducibility.
func (e *Engine) rank(nodes []*types.Node, workloadID string) {
	counts := make(map[string]int, len(nodes))
	for _, n := range nodes {
		counts[n.ID] = e.ledger.AllocationsOf(n.ID, workloadID)
	}
	sort.SliceStable(nodes, func(i, j int) bool {
		return counts[nodes[i].ID] < counts[nodes[j].ID]
	})
}

func (e *Engine) attachClaims(alloc *types.Allocation, g *types.Group) ([]*volume.Attachment, error) {
	var attachments []*volume.Attachment
	for _, claim := range g.Volumes {
		att, err := e.volumes.Claim(alloc, claim)
		if err != nil {
			for _, a := range attachments {
				e.volumes.Release(a)
			}
			return nil, err
		}
		attachments = append(attachments, att)
	}
	return attachments, nil
}

// releaseAll returns the allocation's reservation and attachments to
// their managers. Safe to call for untracked allocations.
func (e *Engine) releaseAll(alloc *types.Allocation, entry *allocEntry) {
	if entry != nil {
		for _, att := range entry.attachments {
			e.volumes.Release(att)
		}
		metrics.VolumeAttachments.Sub(float64(len(entry.attachments)))
	}
	if alloc.NodeID != "" {
		if err := e.ledger.Release(alloc.NodeID, alloc.ID); err != nil {
			// Double release would be a bug in the caller; log, never corrupt
			e.logger.Error().Err(err).Str("alloc_id", alloc.ID).Msg("reservation release failed")
		}
	}
	e.mu.Lock()
	delete(e.allocs, alloc.ID)
	e.mu.Unlock()
}

func (e *Engine) publish(ev *events.Event) {
	if e.broker != nil {
		e.broker.Publish(ev)
	}
}
