package runtime

import (
	"context"

	"github.com/stevedore-sh/stevedore/pkg/types"
)

// Handle identifies one started task on one node
type Handle struct {
	ID      string
	AllocID string
	Task    string
	NodeID  string
}

// ExitStatus is the observed outcome of a task execution
type ExitStatus struct {
	Running  bool
	ExitCode int
}

// Executor is the execution collaborator boundary. The core treats the
// workload runtime as opaque: it starts and stops tasks and reads exit
// status, nothing else. Implementations (containerd, a VM agent, a test
// double) live outside the core.
type Executor interface {
	// Start launches a task on a node and returns a handle for it
	Start(ctx context.Context, alloc *types.Allocation, task *types.Task) (*Handle, error)

	// Stop terminates a started task
	Stop(ctx context.Context, handle *Handle) error

	// ExitStatus reports whether the task is still running or how it exited
	ExitStatus(handle *Handle) (ExitStatus, error)

	// WaitExit blocks until the task exits and returns its exit code
	WaitExit(ctx context.Context, handle *Handle) (int, error)
}
