package storage

import (
	"github.com/stevedore-sh/stevedore/pkg/events"
	"github.com/stevedore-sh/stevedore/pkg/types"
)

// Store defines the interface for cluster state storage
// This will be implemented by BoltDB-backed storage
type Store interface {
	// Nodes
	CreateNode(node *types.Node) error
	GetNode(id string) (*types.Node, error)
	ListNodes() ([]*types.Node, error)
	UpdateNode(node *types.Node) error
	DeleteNode(id string) error

	// Workloads
	CreateWorkload(w *types.Workload) error
	GetWorkload(id string) (*types.Workload, error)
	ListWorkloads() ([]*types.Workload, error)
	UpdateWorkload(w *types.Workload) error
	DeleteWorkload(id string) error

	// Allocations
	CreateAllocation(alloc *types.Allocation) error
	GetAllocation(id string) (*types.Allocation, error)
	ListAllocations() ([]*types.Allocation, error)
	ListAllocationsByWorkload(workloadID string) ([]*types.Allocation, error)
	ListAllocationsByNode(nodeID string) ([]*types.Allocation, error)
	UpdateAllocation(alloc *types.Allocation) error
	DeleteAllocation(id string) error

	// Volumes
	CreateVolume(volume *types.Volume) error
	GetVolume(id string) (*types.Volume, error)
	ListVolumes() ([]*types.Volume, error)
	DeleteVolume(id string) error

	// Deployments
	CreateDeployment(dep *types.Deployment) error
	GetDeployment(id string) (*types.Deployment, error)
	ListDeployments() ([]*types.Deployment, error)
	ListDeploymentsByWorkload(workloadID string) ([]*types.Deployment, error)
	UpdateDeployment(dep *types.Deployment) error

	// Event log, append-only
	AppendEvent(ev *events.Event) (uint64, error)
	ListEvents(afterSeq uint64, limit int) ([]*events.Event, error)

	// Utility
	Close() error
}
