package types

import (
	"time"
)

// Node represents a machine that can receive allocations
type Node struct {
	ID            string
	Attributes    map[string]string
	Resources     *NodeResources
	Devices       []*DeviceGroup
	Eligible      bool // drained nodes are ineligible and never receive new allocations
	LastHeartbeat time.Time
	CreatedAt     time.Time
}

// NodeResources tracks total schedulable capacity of a node
type NodeResources struct {
	CPUMillis   int64 // Millicores (1000 = one core)
	MemoryBytes int64
}

// DeviceGroup describes one class of devices present on a node
type DeviceGroup struct {
	Class  string // e.g. "gpu"
	Vendor string // e.g. "nvidia"
	Units  int64  // Number of schedulable units of this class
}

// Workload is a user-submitted specification. Immutable once submitted;
// a new submission with the same ID supersedes the prior version.
type Workload struct {
	ID          string
	Type        WorkloadType
	Version     int
	Groups      []*Group
	SubmittedAt time.Time
}

// WorkloadType defines how a workload is scheduled and supervised
type WorkloadType string

const (
	WorkloadTypeService WorkloadType = "service" // Long-running, N replicas, rolling updates
	WorkloadTypeBatch   WorkloadType = "batch"   // Run to completion, terminal states are final
	WorkloadTypeSystem  WorkloadType = "system"  // One replica per eligible node
)

// Group is the unit of co-scheduled tasks sharing constraints and volumes
type Group struct {
	Name        string
	Count       int
	Tasks       []*Task
	Constraints []*Constraint
	Volumes     []*VolumeClaim
	Restart     *RestartPolicy
	Update      *UpdateStrategy // Service workloads only
}

// Task is a single unit of execution inside a group
type Task struct {
	Name      string
	Resources *ResourceRequest
	Mounts    []*VolumeMount
	Lifecycle LifecycleHook
	Sidecar   bool
}

// LifecycleHook orders a task relative to the main tasks of its group
type LifecycleHook string

const (
	LifecycleNone      LifecycleHook = ""
	LifecyclePrestart  LifecycleHook = "prestart"
	LifecyclePoststart LifecycleHook = "poststart"
	LifecyclePoststop  LifecycleHook = "poststop"
)

// ResourceRequest is the capacity a task asks the ledger to reserve
type ResourceRequest struct {
	CPUMillis   int64
	MemoryBytes int64
	Devices     []*DeviceRequest
}

// DeviceRequest asks for units of a device class, optionally narrowed
// by constraints over the device group attributes (e.g. vendor)
type DeviceRequest struct {
	Class       string
	Units       int64
	Constraints []*Constraint
}

// Constraint is a predicate over node (or device) attributes.
// All constraints on a group must hold simultaneously for a candidate node.
type Constraint struct {
	Attribute string
	Operator  ConstraintOperator
	Value     string
}

// ConstraintOperator is the closed set of comparison operators
type ConstraintOperator string

const (
	ConstraintEquals      ConstraintOperator = "="
	ConstraintNotEquals   ConstraintOperator = "!="
	ConstraintSetContains ConstraintOperator = "set-contains"
	ConstraintGreaterEq   ConstraintOperator = ">="
	ConstraintLessEq      ConstraintOperator = "<="
	ConstraintRegex       ConstraintOperator = "regex"
)

// VolumeClaim binds an abstract volume reference into a group
type VolumeClaim struct {
	Name           string // Claim name referenced by task mounts
	Source         string // Volume ID
	AccessMode     VolumeAccessMode
	AttachmentMode VolumeAttachmentMode
	ReadOnly       bool
	RequestedBytes int64 // 0 means no capacity requirement
}

// VolumeMount maps a group-level claim into a task
type VolumeMount struct {
	Claim    string // VolumeClaim.Name
	Target   string // Path inside the task
	ReadOnly bool
}

// VolumeAccessMode bounds how many writers/readers a volume admits
type VolumeAccessMode string

const (
	AccessSingleNodeWriter     VolumeAccessMode = "single-node-writer"
	AccessMultiNodeReader      VolumeAccessMode = "multi-node-reader"
	AccessMultiNodeMultiWriter VolumeAccessMode = "multi-node-multi-writer"
)

// VolumeAttachmentMode selects how a volume is surfaced to tasks
type VolumeAttachmentMode string

const (
	AttachmentBlockDevice VolumeAttachmentMode = "block-device"
	AttachmentFileSystem  VolumeAttachmentMode = "file-system"
)

// Volume represents registered persistent storage. Its declared access
// mode is the upper bound all claims must be compatible with.
type Volume struct {
	ID               string
	Kind             VolumeKind
	MinCapacityBytes int64
	MaxCapacityBytes int64
	AccessMode       VolumeAccessMode
	AttachmentMode   VolumeAttachmentMode
	CreatedAt        time.Time
}

// VolumeKind identifies the storage backend
type VolumeKind string

const (
	VolumeKindBlock     VolumeKind = "block"
	VolumeKindFileShare VolumeKind = "network-file-share"
	VolumeKindHostLocal VolumeKind = "host-local"
)

// RestartPolicy governs in-place recovery of a single allocation
type RestartPolicy struct {
	Attempts int           // Max retries inside one interval window
	Delay    time.Duration // Wait before each retry
	Interval time.Duration // Window after which the attempt counter resets
	Mode     RestartMode
}

// RestartMode decides what happens when attempts are exhausted in-window
type RestartMode string

const (
	RestartModeDelay RestartMode = "delay" // Hold until the window elapses, then keep retrying
	RestartModeFail  RestartMode = "fail"  // Transition the allocation to failed
)

// UpdateStrategy governs rolling replacement across a service group
type UpdateStrategy struct {
	MaxParallel     int           // Max allocations simultaneously non-healthy during rollout
	MinHealthyTime  time.Duration // How long an allocation must stay healthy to count as done
	HealthyDeadline time.Duration // Bound on waiting for an allocation to become healthy
	AutoRevert      bool
}

// Allocation is a concrete binding of one group replica to one node
type Allocation struct {
	ID                string
	WorkloadID        string
	Group             string
	ReplicaIndex      int
	NodeID            string
	State             AllocationState
	Restarts          int
	DeploymentVersion int
	CreatedAt         time.Time
	FinishedAt        time.Time
	ExitCode          int
	Error             string
}

// AllocationState is the lifecycle state of an allocation
type AllocationState string

const (
	AllocPending   AllocationState = "pending"
	AllocPlaced    AllocationState = "placed"
	AllocStarting  AllocationState = "starting"
	AllocRunning   AllocationState = "running"
	AllocHealthy   AllocationState = "healthy"
	AllocUnhealthy AllocationState = "unhealthy"
	AllocStopping  AllocationState = "stopping"
	AllocStopped   AllocationState = "stopped"
	AllocFailed    AllocationState = "failed"
)

// AllocationTransitions is the legal state machine for allocations.
// failed absorbs from starting, running and unhealthy; stopped and
// failed are the states in which resources and attachments are released.
var AllocationTransitions = map[AllocationState][]AllocationState{
	AllocPending:   {AllocPlaced, AllocFailed},
	AllocPlaced:    {AllocStarting, AllocStopping, AllocFailed},
	AllocStarting:  {AllocRunning, AllocFailed},
	AllocRunning:   {AllocHealthy, AllocUnhealthy, AllocStopping, AllocFailed},
	AllocHealthy:   {AllocUnhealthy, AllocStopping},
	AllocUnhealthy: {AllocHealthy, AllocStopping, AllocFailed},
	AllocStopping:  {AllocStopped},
	AllocStopped:   {},
	AllocFailed:    {},
}

// CanTransition reports whether moving from s to next is legal
func (s AllocationState) CanTransition(next AllocationState) bool {
	for _, t := range AllocationTransitions[s] {
		if t == next {
			return true
		}
	}
	return false
}

// Terminal reports whether the state releases the allocation's resources
func (s AllocationState) Terminal() bool {
	return s == AllocStopped || s == AllocFailed
}

// Active reports whether the allocation still occupies node capacity
func (s AllocationState) Active() bool {
	return !s.Terminal()
}

// Deployment rolls a group from one workload version to the next
type Deployment struct {
	ID           string
	WorkloadID   string
	Group        string
	Version      int
	Replacing    []string // Ordered allocation IDs being replaced
	HealthyCount int
	InFlight     int
	Status       DeploymentStatus
	Error        string
	CreatedAt    time.Time
	FinishedAt   time.Time
}

// DeploymentStatus is the terminal/running status of a deployment
type DeploymentStatus string

const (
	DeploymentRunning   DeploymentStatus = "running"
	DeploymentSucceeded DeploymentStatus = "succeeded"
	DeploymentFailed    DeploymentStatus = "failed"
	DeploymentReverted  DeploymentStatus = "reverted"
	DeploymentCancelled DeploymentStatus = "cancelled"
)

// HealthState is the externally reported health of an allocation
type HealthState string

const (
	HealthHealthy   HealthState = "healthy"
	HealthUnhealthy HealthState = "unhealthy"
	HealthUnknown   HealthState = "unknown"
)

// GroupResources sums the resource requests of every task in the group.
// Placement fits the whole group onto one node, so the sum is what the
// ledger must be able to reserve.
func GroupResources(g *Group) *ResourceRequest {
	sum := &ResourceRequest{}
	devices := make(map[string]*DeviceRequest)
	order := []string{}
	for _, task := range g.Tasks {
		if task.Resources == nil {
			continue
		}
		sum.CPUMillis += task.Resources.CPUMillis
		sum.MemoryBytes += task.Resources.MemoryBytes
		for _, d := range task.Resources.Devices {
			if agg, ok := devices[d.Class]; ok {
				agg.Units += d.Units
				agg.Constraints = append(agg.Constraints, d.Constraints...)
			} else {
				devices[d.Class] = &DeviceRequest{
					Class:       d.Class,
					Units:       d.Units,
					Constraints: append([]*Constraint(nil), d.Constraints...),
				}
				order = append(order, d.Class)
			}
		}
	}
	for _, class := range order {
		sum.Devices = append(sum.Devices, devices[class])
	}
	return sum
}

// DefaultRestartPolicy returns the restart policy applied when a group
// does not configure one. Batch and system groups default to no restarts.
func DefaultRestartPolicy(wt WorkloadType) *RestartPolicy {
	if wt == WorkloadTypeService {
		return &RestartPolicy{
			Attempts: 2,
			Delay:    15 * time.Second,
			Interval: 30 * time.Minute,
			Mode:     RestartModeFail,
		}
	}
	return &RestartPolicy{Attempts: 0, Mode: RestartModeFail}
}

// DefaultUpdateStrategy returns the update strategy applied when a
// service group does not configure one.
func DefaultUpdateStrategy() *UpdateStrategy {
	return &UpdateStrategy{
		MaxParallel:     1,
		MinHealthyTime:  10 * time.Second,
		HealthyDeadline: 5 * time.Minute,
		AutoRevert:      false,
	}
}
