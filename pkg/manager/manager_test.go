package manager

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stevedore-sh/stevedore/pkg/events"
	"github.com/stevedore-sh/stevedore/pkg/ledger"
	"github.com/stevedore-sh/stevedore/pkg/types"
	"github.com/stevedore-sh/stevedore/pkg/volume"
)

func testManager(t *testing.T) *Manager {
	t.Helper()
	m, err := NewManager(&Config{
		NodeID:   "core-1",
		BindAddr: "127.0.0.1:0",
		DataDir:  t.TempDir(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { m.Shutdown() })
	return m
}

func TestApplyWithoutRaft(t *testing.T) {
	m := testManager(t)
	err := m.SaveNode(&types.Node{ID: "node-1"})
	assert.Error(t, err)
	assert.False(t, m.IsLeader())
	assert.Nil(t, m.GetRaftStats())
}

func TestRebuildRestoresLedgerAndVolumes(t *testing.T) {
	m := testManager(t)
	store := m.Store()

	require.NoError(t, store.CreateNode(&types.Node{
		ID:        "node-1",
		Eligible:  true,
		Resources: &types.NodeResources{CPUMillis: 1000, MemoryBytes: 1024},
	}))
	require.NoError(t, store.CreateVolume(&types.Volume{
		ID:             "vol-1",
		Kind:           types.VolumeKindBlock,
		AccessMode:     types.AccessSingleNodeWriter,
		AttachmentMode: types.AttachmentBlockDevice,
	}))

	claim := &types.VolumeClaim{
		Name:           "data",
		Source:         "vol-1",
		AccessMode:     types.AccessSingleNodeWriter,
		AttachmentMode: types.AttachmentBlockDevice,
	}
	require.NoError(t, store.CreateWorkload(&types.Workload{
		ID:   "web",
		Type: types.WorkloadTypeService,
		Groups: []*types.Group{{
			Name: "frontend",
			Tasks: []*types.Task{{
				Name:      "main",
				Resources: &types.ResourceRequest{CPUMillis: 400, MemoryBytes: 512},
			}},
			Volumes: []*types.VolumeClaim{claim},
		}},
	}))
	require.NoError(t, store.CreateAllocation(&types.Allocation{
		ID: "a1", WorkloadID: "web", Group: "frontend", NodeID: "node-1",
		State: types.AllocRunning,
	}))
	// Terminal allocations hold no resources and must be skipped.
	require.NoError(t, store.CreateAllocation(&types.Allocation{
		ID: "a2", WorkloadID: "web", Group: "frontend", NodeID: "node-1",
		State: types.AllocStopped,
	}))

	l := ledger.New()
	vm := volume.NewManager(l)
	require.NoError(t, m.Rebuild(l, vm))

	avail, err := l.CapacityOf("node-1")
	require.NoError(t, err)
	assert.Equal(t, int64(600), avail.CPUMillis)
	assert.Equal(t, int64(512), avail.MemoryBytes)

	atts := vm.Attachments("vol-1")
	require.Len(t, atts, 1)
}

func TestRebuildSkipsOrphanedAllocations(t *testing.T) {
	m := testManager(t)
	store := m.Store()

	require.NoError(t, store.CreateNode(&types.Node{
		ID:        "node-1",
		Eligible:  true,
		Resources: &types.NodeResources{CPUMillis: 1000, MemoryBytes: 1024},
	}))
	// Allocation referencing a workload that no longer exists.
	require.NoError(t, store.CreateAllocation(&types.Allocation{
		ID: "a1", WorkloadID: "gone", Group: "g", NodeID: "node-1",
		State: types.AllocRunning,
	}))

	l := ledger.New()
	require.NoError(t, m.Rebuild(l, volume.NewManager(l)))

	avail, err := l.CapacityOf("node-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1000), avail.CPUMillis)
}

func TestPublishEvent(t *testing.T) {
	m := testManager(t)

	sub := m.GetEventBroker().Subscribe()
	m.PublishEvent(&events.Event{Type: events.EventNodeJoined, NodeID: "node-1"})

	select {
	case ev := <-sub:
		assert.Equal(t, events.EventNodeJoined, ev.Type)
		assert.Equal(t, "node-1", ev.NodeID)
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}
}
