package runtime

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/stevedore-sh/stevedore/pkg/types"
)

// Recorder is an in-memory Executor. It records every start/stop and
// lets callers script exit codes per task name, which is how the
// coordinator and deployment controller are tested without a container
// runtime. It also serves as the default executor when no runtime
// collaborator is wired, treating every task as running indefinitely.
type Recorder struct {
	mu      sync.Mutex
	handles map[string]*recorded
	exits   map[string]int // Scripted exit codes keyed by task name
	started []string       // Task names in start order
	stopped []string
}

type recorded struct {
	handle *Handle
	exited bool
	code   int
	waitCh chan int
}

// NewRecorder creates an empty recorder
func NewRecorder() *Recorder {
	return &Recorder{
		handles: make(map[string]*recorded),
		exits:   make(map[string]int),
	}
}

// ScriptExit makes every future start of the named task exit
// immediately with the given code instead of staying running.
func (r *Recorder) ScriptExit(taskName string, code int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.exits[taskName] = code
}

// Start records the launch. If an exit is scripted for the task name it
// exits immediately with that code, otherwise it stays running.
func (r *Recorder) Start(ctx context.Context, alloc *types.Allocation, task *types.Task) (*Handle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	h := &Handle{
		ID:      uuid.New().String(),
		AllocID: alloc.ID,
		Task:    task.Name,
		NodeID:  alloc.NodeID,
	}
	rec := &recorded{handle: h, waitCh: make(chan int, 1)}
	if code, ok := r.exits[task.Name]; ok {
		rec.exited = true
		rec.code = code
		rec.waitCh <- code
	}
	r.handles[h.ID] = rec
	r.started = append(r.started, task.Name)
	return h, nil
}

// Stop records the termination and marks the task exited with code 0
func (r *Recorder) Stop(ctx context.Context, handle *Handle) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.handles[handle.ID]
	if !ok {
		return fmt.Errorf("unknown handle %s", handle.ID)
	}
	if !rec.exited {
		rec.exited = true
		rec.code = 0
		rec.waitCh <- 0
	}
	r.stopped = append(r.stopped, handle.Task)
	return nil
}

// ExitStatus reports the recorded state of a handle
func (r *Recorder) ExitStatus(handle *Handle) (ExitStatus, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.handles[handle.ID]
	if !ok {
		return ExitStatus{}, fmt.Errorf("unknown handle %s", handle.ID)
	}
	return ExitStatus{Running: !rec.exited, ExitCode: rec.code}, nil
}

// WaitExit blocks until the task exits or the context is cancelled
func (r *Recorder) WaitExit(ctx context.Context, handle *Handle) (int, error) {
	r.mu.Lock()
	rec, ok := r.handles[handle.ID]
	r.mu.Unlock()
	if !ok {
		return 0, fmt.Errorf("unknown handle %s", handle.ID)
	}

	select {
	case code := <-rec.waitCh:
		return code, nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// StartOrder returns the task names in the order they were started.
func (r *Recorder) StartOrder() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.started...)
}

// StopOrder returns the task names in the order they were stopped.
func (r *Recorder) StopOrder() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.stopped...)
}
