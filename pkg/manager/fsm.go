package manager

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/hashicorp/raft"

	"github.com/stevedore-sh/stevedore/pkg/events"
	"github.com/stevedore-sh/stevedore/pkg/storage"
	"github.com/stevedore-sh/stevedore/pkg/types"
)

// StevedoreFSM implements the Raft finite state machine over the
// cluster store. Every state change goes through the replicated log, so
// a restarted manager replays to exactly the state it crashed with.
type StevedoreFSM struct {
	mu    sync.RWMutex
	store storage.Store
}

// NewStevedoreFSM creates a new FSM instance
func NewStevedoreFSM(store storage.Store) *StevedoreFSM {
	return &StevedoreFSM{
		store: store,
	}
}

// Command represents a state change operation in the Raft log
type Command struct {
	Op   string          `json:"op"`
	Data json.RawMessage `json:"data"`
}

// Apply applies a Raft log entry to the FSM
// This is called by Raft when a log entry is committed
func (f *StevedoreFSM) Apply(log *raft.Log) interface{} {
	var cmd Command
	if err := json.Unmarshal(log.Data, &cmd); err != nil {
		return fmt.Errorf("failed to unmarshal command: %v", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	switch cmd.Op {
	// Node operations
	case "upsert_node":
		var node types.Node
		if err := json.Unmarshal(cmd.Data, &node); err != nil {
			return err
		}
		return f.store.UpdateNode(&node)

	case "delete_node":
		var nodeID string
		if err := json.Unmarshal(cmd.Data, &nodeID); err != nil {
			return err
		}
		return f.store.DeleteNode(nodeID)

	// Workload operations
	case "upsert_workload":
		var w types.Workload
		if err := json.Unmarshal(cmd.Data, &w); err != nil {
			return err
		}
		return f.store.UpdateWorkload(&w)

	case "delete_workload":
		var workloadID string
		if err := json.Unmarshal(cmd.Data, &workloadID); err != nil {
			return err
		}
		return f.store.DeleteWorkload(workloadID)

	// Allocation operations
	case "upsert_allocation":
		var alloc types.Allocation
		if err := json.Unmarshal(cmd.Data, &alloc); err != nil {
			return err
		}
		return f.store.UpdateAllocation(&alloc)

	case "delete_allocation":
		var allocID string
		if err := json.Unmarshal(cmd.Data, &allocID); err != nil {
			return err
		}
		return f.store.DeleteAllocation(allocID)

	// Volume operations
	case "upsert_volume":
		var volume types.Volume
		if err := json.Unmarshal(cmd.Data, &volume); err != nil {
			return err
		}
		return f.store.CreateVolume(&volume)

	case "delete_volume":
		var volumeID string
		if err := json.Unmarshal(cmd.Data, &volumeID); err != nil {
			return err
		}
		return f.store.DeleteVolume(volumeID)

	// Deployment operations
	case "upsert_deployment":
		var dep types.Deployment
		if err := json.Unmarshal(cmd.Data, &dep); err != nil {
			return err
		}
		return f.store.UpdateDeployment(&dep)

	// Event log
	case "append_event":
		var ev events.Event
		if err := json.Unmarshal(cmd.Data, &ev); err != nil {
			return err
		}
		_, err := f.store.AppendEvent(&ev)
		return err

	default:
		return fmt.Errorf("unknown command: %s", cmd.Op)
	}
}

// Snapshot creates a point-in-time snapshot of the FSM
// This is called periodically by Raft to compact the log
func (f *StevedoreFSM) Snapshot() (raft.FSMSnapshot, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	nodes, err := f.store.ListNodes()
	if err != nil {
		return nil, fmt.Errorf("failed to list nodes: %v", err)
	}

	workloads, err := f.store.ListWorkloads()
	if err != nil {
		return nil, fmt.Errorf("failed to list workloads: %v", err)
	}

	allocs, err := f.store.ListAllocations()
	if err != nil {
		return nil, fmt.Errorf("failed to list allocations: %v", err)
	}

	volumes, err := f.store.ListVolumes()
	if err != nil {
		return nil, fmt.Errorf("failed to list volumes: %v", err)
	}

	deployments, err := f.store.ListDeployments()
	if err != nil {
		return nil, fmt.Errorf("failed to list deployments: %v", err)
	}

	snapshot := &StevedoreSnapshot{
		Nodes:       nodes,
		Workloads:   workloads,
		Allocations: allocs,
		Volumes:     volumes,
		Deployments: deployments,
	}

	return snapshot, nil
}

// Restore restores the FSM from a snapshot
// This is called when a node restarts or joins the cluster
func (f *StevedoreFSM) Restore(rc io.ReadCloser) error {
	defer rc.Close()

	var snapshot StevedoreSnapshot
	if err := json.NewDecoder(rc).Decode(&snapshot); err != nil {
		return fmt.Errorf("failed to decode snapshot: %v", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	for _, node := range snapshot.Nodes {
		if err := f.store.CreateNode(node); err != nil {
			return fmt.Errorf("failed to restore node: %v", err)
		}
	}

	for _, w := range snapshot.Workloads {
		if err := f.store.CreateWorkload(w); err != nil {
			return fmt.Errorf("failed to restore workload: %v", err)
		}
	}

	for _, alloc := range snapshot.Allocations {
		if err := f.store.CreateAllocation(alloc); err != nil {
			return fmt.Errorf("failed to restore allocation: %v", err)
		}
	}

	for _, volume := range snapshot.Volumes {
		if err := f.store.CreateVolume(volume); err != nil {
			return fmt.Errorf("failed to restore volume: %v", err)
		}
	}

	for _, dep := range snapshot.Deployments {
		if err := f.store.CreateDeployment(dep); err != nil {
			return fmt.Errorf("failed to restore deployment: %v", err)
		}
	}

	return nil
}

// StevedoreSnapshot represents a point-in-time snapshot of cluster state
type StevedoreSnapshot struct {
	Nodes       []*types.Node
	Workloads   []*types.Workload
	Allocations []*types.Allocation
	Volumes     []*types.Volume
	Deployments []*types.Deployment
}

// Persist writes the snapshot to the given SnapshotSink
func (s *StevedoreSnapshot) Persist(sink raft.SnapshotSink) error {
	err := func() error {
		if err := json.NewEncoder(sink).Encode(s); err != nil {
			return err
		}
		return sink.Close()
	}()

	if err != nil {
		sink.Cancel()
	}

	return err
}

// Release releases the snapshot resources
func (s *StevedoreSnapshot) Release() {}
