package manager

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"
	"github.com/rs/zerolog"

	"github.com/stevedore-sh/stevedore/pkg/events"
	"github.com/stevedore-sh/stevedore/pkg/ledger"
	"github.com/stevedore-sh/stevedore/pkg/log"
	"github.com/stevedore-sh/stevedore/pkg/metrics"
	"github.com/stevedore-sh/stevedore/pkg/storage"
	"github.com/stevedore-sh/stevedore/pkg/types"
	"github.com/stevedore-sh/stevedore/pkg/volume"
)

const applyTimeout = 10 * time.Second

// Manager owns the replicated cluster state: a Raft log over the
// BoltDB store. Placement decisions are committed through Apply before
// they take effect, so a restarted manager rebuilds the ledger and
// volume attachments to exactly the pre-crash state.
type Manager struct {
	nodeID   string
	bindAddr string
	dataDir  string

	raft        *raft.Raft
	fsm         *StevedoreFSM
	store       storage.Store
	eventBroker *events.Broker

	logger zerolog.Logger
}

// Config holds configuration for creating a Manager
type Config struct {
	NodeID   string
	BindAddr string
	DataDir  string
}

// NewManager creates a new Manager instance
func NewManager(cfg *Config) (*Manager, error) {
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %v", err)
	}

	store, err := storage.NewBoltStore(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to create store: %v", err)
	}

	fsm := NewStevedoreFSM(store)

	eventBroker := events.NewBroker()
	eventBroker.Start()

	m := &Manager{
		nodeID:      cfg.NodeID,
		bindAddr:    cfg.BindAddr,
		dataDir:     cfg.DataDir,
		fsm:         fsm,
		store:       store,
		eventBroker: eventBroker,
		logger:      log.WithComponent("manager"),
	}

	return m, nil
}

// Bootstrap initializes a new single-node Raft cluster
func (m *Manager) Bootstrap() error {
	config := raft.DefaultConfig()
	config.LocalID = raft.ServerID(m.nodeID)

	// Hashicorp defaults are tuned for WAN; a placement core runs on
	// LAN latencies, so detection and election can be much faster.
	config.HeartbeatTimeout = 500 * time.Millisecond
	config.ElectionTimeout = 500 * time.Millisecond
	config.CommitTimeout = 50 * time.Millisecond
	config.LeaderLeaseTimeout = 250 * time.Millisecond

	addr, err := net.ResolveTCPAddr("tcp", m.bindAddr)
	if err != nil {
		return fmt.Errorf("failed to resolve bind address: %v", err)
	}

	transport, err := raft.NewTCPTransport(m.bindAddr, addr, 3, 10*time.Second, os.Stderr)
	if err != nil {
		return fmt.Errorf("failed to create transport: %v", err)
	}

	snapshotStore, err := raft.NewFileSnapshotStore(m.dataDir, 2, os.Stderr)
	if err != nil {
		return fmt.Errorf("failed to create snapshot store: %v", err)
	}

	logStorePath := filepath.Join(m.dataDir, "raft-log.db")
	logStore, err := raftboltdb.NewBoltStore(logStorePath)
	if err != nil {
		return fmt.Errorf("failed to create log store: %v", err)
	}

	stableStorePath := filepath.Join(m.dataDir, "raft-stable.db")
	stableStore, err := raftboltdb.NewBoltStore(stableStorePath)
	if err != nil {
		return fmt.Errorf("failed to create stable store: %v", err)
	}

	r, err := raft.NewRaft(config, m.fsm, logStore, stableStore, snapshotStore, transport)
	if err != nil {
		return fmt.Errorf("failed to create raft: %v", err)
	}

	m.raft = r

	// Bootstrap cluster with this node as the only member
	configuration := raft.Configuration{
		Servers: []raft.Server{
			{
				ID:      config.LocalID,
				Address: transport.LocalAddr(),
			},
		},
	}

	future := m.raft.BootstrapCluster(configuration)
	if err := future.Error(); err != nil {
		return fmt.Errorf("failed to bootstrap cluster: %v", err)
	}

	go m.watchLeadership()

	m.logger.Info().Str("node_id", m.nodeID).Str("bind_addr", m.bindAddr).Msg("raft cluster bootstrapped")
	return nil
}

func (m *Manager) watchLeadership() {
	for isLeader := range m.raft.LeaderCh() {
		if isLeader {
			metrics.RaftLeader.Set(1)
			m.logger.Info().Str("node_id", m.nodeID).Msg("became raft leader")
		} else {
			metrics.RaftLeader.Set(0)
			m.logger.Info().Str("node_id", m.nodeID).Msg("lost raft leadership")
		}
	}
}

// AddVoter adds a new manager node to the Raft cluster
func (m *Manager) AddVoter(nodeID, address string) error {
	if m.raft == nil {
		return fmt.Errorf("raft not initialized")
	}
	if !m.IsLeader() {
		return fmt.Errorf("not the leader, current leader: %s", m.LeaderAddr())
	}

	future := m.raft.AddVoter(raft.ServerID(nodeID), raft.ServerAddress(address), 0, 10*time.Second)
	if err := future.Error(); err != nil {
		return fmt.Errorf("failed to add voter: %v", err)
	}

	m.logger.Info().Str("node_id", nodeID).Str("address", address).Msg("added voter to cluster")
	return nil
}

// RemoveServer removes a server from the Raft cluster
func (m *Manager) RemoveServer(nodeID string) error {
	if m.raft == nil {
		return fmt.Errorf("raft not initialized")
	}
	if !m.IsLeader() {
		return fmt.Errorf("not the leader")
	}

	future := m.raft.RemoveServer(raft.ServerID(nodeID), 0, 10*time.Second)
	if err := future.Error(); err != nil {
		return fmt.Errorf("failed to remove server: %v", err)
	}

	return nil
}

// IsLeader returns true if this manager is the Raft leader
func (m *Manager) IsLeader() bool {
	if m.raft == nil {
		return false
	}
	return m.raft.State() == raft.Leader
}

// LeaderAddr returns the address of the current Raft leader
func (m *Manager) LeaderAddr() string {
	if m.raft == nil {
		return ""
	}
	return string(m.raft.Leader())
}

// Apply commits one state change through the Raft log and waits for
// the FSM to apply it.
func (m *Manager) Apply(op string, v interface{}) error {
	if m.raft == nil {
		return fmt.Errorf("raft not initialized")
	}
	if !m.IsLeader() {
		return fmt.Errorf("not the leader, current leader: %s", m.LeaderAddr())
	}

	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %s data: %v", op, err)
	}
	buf, err := json.Marshal(Command{Op: op, Data: data})
	if err != nil {
		return fmt.Errorf("failed to marshal command: %v", err)
	}

	future := m.raft.Apply(buf, applyTimeout)
	if err := future.Error(); err != nil {
		return fmt.Errorf("failed to apply %s: %v", op, err)
	}
	if resp := future.Response(); resp != nil {
		if err, ok := resp.(error); ok {
			return err
		}
	}

	metrics.RaftAppliedIndex.Set(float64(m.raft.AppliedIndex()))
	return nil
}

// SaveNode commits a node upsert
func (m *Manager) SaveNode(node *types.Node) error {
	return m.Apply("upsert_node", node)
}

// DeleteNode commits a node removal
func (m *Manager) DeleteNode(nodeID string) error {
	return m.Apply("delete_node", nodeID)
}

// SaveWorkload commits a workload upsert
func (m *Manager) SaveWorkload(w *types.Workload) error {
	return m.Apply("upsert_workload", w)
}

// SaveAllocation commits an allocation upsert
func (m *Manager) SaveAllocation(alloc *types.Allocation) error {
	return m.Apply("upsert_allocation", alloc)
}

// SaveVolume commits a volume upsert
func (m *Manager) SaveVolume(volume *types.Volume) error {
	return m.Apply("upsert_volume", volume)
}

// DeleteVolume commits a volume removal
func (m *Manager) DeleteVolume(volumeID string) error {
	return m.Apply("delete_volume", volumeID)
}

// SaveDeployment commits a deployment upsert
func (m *Manager) SaveDeployment(dep *types.Deployment) error {
	return m.Apply("upsert_deployment", dep)
}

// AppendEvent commits an event to the append-only log
func (m *Manager) AppendEvent(ev *events.Event) error {
	return m.Apply("append_event", ev)
}

// Rebuild reloads cluster state from the store into the resource
// ledger and the volume manager: nodes first, then volumes, then the
// reservations and attachments of every live allocation. Terminal
// allocations hold nothing and are skipped.
func (m *Manager) Rebuild(l *ledger.Ledger, vm *volume.Manager) error {
	nodes, err := m.store.ListNodes()
	if err != nil {
		return fmt.Errorf("failed to list nodes: %v", err)
	}
	for _, node := range nodes {
		l.AddNode(node)
	}

	volumes, err := m.store.ListVolumes()
	if err != nil {
		return fmt.Errorf("failed to list volumes: %v", err)
	}
	for _, v := range volumes {
		if err := vm.Register(v); err != nil {
			return fmt.Errorf("failed to restore volume %s: %v", v.ID, err)
		}
	}

	workloads, err := m.store.ListWorkloads()
	if err != nil {
		return fmt.Errorf("failed to list workloads: %v", err)
	}
	groups := make(map[string]*types.Group)
	for _, w := range workloads {
		for _, g := range w.Groups {
			groups[w.ID+"/"+g.Name] = g
		}
	}

	allocs, err := m.store.ListAllocations()
	if err != nil {
		return fmt.Errorf("failed to list allocations: %v", err)
	}
	for _, alloc := range allocs {
		if alloc.State.Terminal() {
			continue
		}
		g, ok := groups[alloc.WorkloadID+"/"+alloc.Group]
		if !ok {
			m.logger.Warn().Str("alloc_id", alloc.ID).Msg("allocation references unknown group, skipping")
			continue
		}

		res := ledger.Reservation{
			AllocID:    alloc.ID,
			WorkloadID: alloc.WorkloadID,
			Resources:  types.GroupResources(g),
		}
		if err := l.Reserve(alloc.NodeID, res); err != nil {
			return fmt.Errorf("failed to restore reservation for %s: %w", alloc.ID, err)
		}
		for _, claim := range g.Volumes {
			if _, err := vm.Claim(alloc, claim); err != nil {
				return fmt.Errorf("failed to restore attachment for %s: %w", alloc.ID, err)
			}
		}
	}

	m.logger.Info().
		Int("nodes", len(nodes)).
		Int("volumes", len(volumes)).
		Int("allocations", len(allocs)).
		Msg("cluster state rebuilt")
	return nil
}

// Store returns the backing store
func (m *Manager) Store() storage.Store {
	return m.store
}

// GetEventBroker returns the event broker
func (m *Manager) GetEventBroker() *events.Broker {
	return m.eventBroker
}

// PublishEvent publishes an event to all subscribers
func (m *Manager) PublishEvent(event *events.Event) {
	if m.eventBroker != nil {
		m.eventBroker.Publish(event)
	}
}

// GetRaftStats returns Raft statistics
func (m *Manager) GetRaftStats() map[string]interface{} {
	if m.raft == nil {
		return nil
	}

	stats := make(map[string]interface{})
	stats["state"] = m.raft.State().String()
	stats["last_log_index"] = m.raft.LastIndex()
	stats["applied_index"] = m.raft.AppliedIndex()
	stats["leader"] = string(m.raft.Leader())

	return stats
}

// Shutdown stops raft and closes the store
func (m *Manager) Shutdown() error {
	if m.eventBroker != nil {
		m.eventBroker.Stop()
	}
	if m.raft != nil {
		if err := m.raft.Shutdown().Error(); err != nil {
			return err
		}
	}
	return m.store.Close()
}
