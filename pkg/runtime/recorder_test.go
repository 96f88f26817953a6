package runtime

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stevedore-sh/stevedore/pkg/types"
)

func startTask(t *testing.T, r *Recorder, name string) *Handle {
	t.Helper()
	h, err := r.Start(context.Background(), &types.Allocation{ID: "a1", NodeID: "node-1"}, &types.Task{Name: name})
	require.NoError(t, err)
	return h
}

func TestStartStaysRunning(t *testing.T) {
	r := NewRecorder()
	h := startTask(t, r, "main")

	status, err := r.ExitStatus(h)
	require.NoError(t, err)
	assert.True(t, status.Running)
	assert.Equal(t, []string{"main"}, r.StartOrder())
}

func TestScriptedExit(t *testing.T) {
	r := NewRecorder()
	r.ScriptExit("main", 3)
	h := startTask(t, r, "main")

	status, err := r.ExitStatus(h)
	require.NoError(t, err)
	assert.False(t, status.Running)
	assert.Equal(t, 3, status.ExitCode)

	code, err := r.WaitExit(context.Background(), h)
	require.NoError(t, err)
	assert.Equal(t, 3, code)
}

func TestStopMarksExit(t *testing.T) {
	r := NewRecorder()
	h := startTask(t, r, "main")

	require.NoError(t, r.Stop(context.Background(), h))

	status, err := r.ExitStatus(h)
	require.NoError(t, err)
	assert.False(t, status.Running)
	assert.Equal(t, 0, status.ExitCode)
	assert.Equal(t, []string{"main"}, r.StopOrder())
}

func TestWaitExitCancellable(t *testing.T) {
	r := NewRecorder()
	h := startTask(t, r, "main")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := r.WaitExit(ctx, h)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestUnknownHandle(t *testing.T) {
	r := NewRecorder()
	unknown := &Handle{ID: "missing"}

	_, err := r.ExitStatus(unknown)
	assert.Error(t, err)
	_, err = r.WaitExit(context.Background(), unknown)
	assert.Error(t, err)
	assert.Error(t, r.Stop(context.Background(), unknown))
}
