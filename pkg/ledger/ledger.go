package ledger

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/stevedore-sh/stevedore/pkg/types"
)

var (
	// ErrNodeNotFound is returned when the node is unknown to the ledger
	ErrNodeNotFound = errors.New("node not found")

	// ErrInsufficientCapacity is returned when any single resource
	// dimension cannot cover the request. Nothing is reserved in that case.
	ErrInsufficientCapacity = errors.New("insufficient capacity")

	// ErrInvariantViolation reports a programming-level contract breach,
	// e.g. releasing a reservation that does not exist.
	ErrInvariantViolation = errors.New("ledger invariant violation")
)

// Reservation is one allocation's claim on a node's capacity.
// Reservations are keyed by allocation ID so a resubmitted identical
// allocation never reserves twice.
type Reservation struct {
	AllocID    string
	WorkloadID string
	Resources  *types.ResourceRequest
}

// Available is a point-in-time snapshot of a node's unreserved capacity
type Available struct {
	CPUMillis   int64
	MemoryBytes int64
	Devices     map[string]int64 // Free units per device class
}

// nodeLedger is the per-node accounting entry. Each entry carries its
// own mutex: reserve/release on one node is a single critical section,
// while distinct nodes proceed fully in parallel.
type nodeLedger struct {
	mu           sync.Mutex
	node         *types.Node
	cpuReserved  int64
	memReserved  int64
	devReserved  map[string]int64
	reservations map[string]*Reservation
}

// Persister commits node membership changes to durable storage.
// Optional; nil keeps membership in memory only.
type Persister interface {
	SaveNode(node *types.Node) error
	DeleteNode(nodeID string) error
}

// Ledger tracks per-node capacity and live reservations.
// It also owns node membership: cluster membership deltas enter here.
type Ledger struct {
	mu        sync.RWMutex
	nodes     map[string]*nodeLedger
	persister Persister
}

// New creates an empty ledger
func New() *Ledger {
	return &Ledger{
		nodes: make(map[string]*nodeLedger),
	}
}

// SetPersister makes the ledger commit membership changes through p.
// Reservations stay in memory; they are rebuilt from the allocation
// records on restart.
func (l *Ledger) SetPersister(p Persister) {
	l.persister = p
}

func (l *Ledger) persistNode(node *types.Node) {
	if l.persister == nil {
		return
	}
	// Persistence failures never unwind membership; the next refresh
	// retries the write.
	_ = l.persister.SaveNode(node)
}

// AddNode registers a node, or refreshes its attributes and capacity if
// it already exists. Existing reservations are preserved on refresh.
func (l *Ledger) AddNode(node *types.Node) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if existing, ok := l.nodes[node.ID]; ok {
		existing.mu.Lock()
		existing.node = node
		existing.mu.Unlock()
		l.persistNode(node)
		return
	}

	l.nodes[node.ID] = &nodeLedger{
		node:         node,
		devReserved:  make(map[string]int64),
		reservations: make(map[string]*Reservation),
	}
	l.persistNode(node)
}

// RemoveNode drops a node and all accounting for it
func (l *Ledger) RemoveNode(nodeID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.nodes, nodeID)
	if l.persister != nil {
		_ = l.persister.DeleteNode(nodeID)
	}
}

// SetEligible flips a node's eligibility. Ineligible (drained) nodes keep
// their existing reservations but never receive new ones.
func (l *Ledger) SetEligible(nodeID string, eligible bool) error {
	nl, err := l.entry(nodeID)
	if err != nil {
		return err
	}
	nl.mu.Lock()
	nl.node.Eligible = eligible
	nl.mu.Unlock()
	l.persistNode(nl.node)
	return nil
}

// GetNode returns the node record
func (l *Ledger) GetNode(nodeID string) (*types.Node, error) {
	nl, err := l.entry(nodeID)
	if err != nil {
		return nil, err
	}
	nl.mu.Lock()
	defer nl.mu.Unlock()
	return nl.node, nil
}

// Nodes returns a snapshot of all nodes ordered by ID. The ordering is
// what makes placement tie-breaking reproducible.
func (l *Ledger) Nodes() []*types.Node {
	l.mu.RLock()
	defer l.mu.RUnlock()

	nodes := make([]*types.Node, 0, len(l.nodes))
	for _, nl := range l.nodes {
		nodes = append(nodes, nl.node)
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].ID < nodes[j].ID })
	return nodes
}

// Reserve claims capacity on a node for one allocation. The check and
// the reservation happen under the node's lock, so two placements
// targeting the same node never interleave. If any single dimension is
// short the whole reservation fails and nothing is applied.
// Reserving the same allocation ID again is a no-op success.
func (l *Ledger) Reserve(nodeID string, res Reservation) error {
	if res.AllocID == "" {
		return fmt.Errorf("%w: reservation without allocation id", ErrInvariantViolation)
	}

	nl, err := l.entry(nodeID)
	if err != nil {
		return err
	}

	nl.mu.Lock()
	defer nl.mu.Unlock()

	if _, ok := nl.reservations[res.AllocID]; ok {
		return nil
	}

	req := res.Resources
	if req == nil {
		req = &types.ResourceRequest{}
	}

	if nl.node.Resources.CPUMillis-nl.cpuReserved < req.CPUMillis {
		return fmt.Errorf("%w: cpu on node %s", ErrInsufficientCapacity, nodeID)
	}
	if nl.node.Resources.MemoryBytes-nl.memReserved < req.MemoryBytes {
		return fmt.Errorf("%w: memory on node %s", ErrInsufficientCapacity, nodeID)
	}
	for _, d := range req.Devices {
		if nl.deviceCapacity(d.Class)-nl.devReserved[d.Class] < d.Units {
			return fmt.Errorf("%w: device class %s on node %s", ErrInsufficientCapacity, d.Class, nodeID)
		}
	}

	nl.cpuReserved += req.CPUMillis
	nl.memReserved += req.MemoryBytes
	for _, d := range req.Devices {
		nl.devReserved[d.Class] += d.Units
	}
	nl.reservations[res.AllocID] = &Reservation{
		AllocID:    res.AllocID,
		WorkloadID: res.WorkloadID,
		Resources:  req,
	}
	return nil
}

// Release returns a reservation's capacity exactly once. Releasing an
// allocation that holds no reservation is a double-release and reported
// as ErrInvariantViolation; ledger state is left untouched.
func (l *Ledger) Release(nodeID, allocID string) error {
	nl, err := l.entry(nodeID)
	if err != nil {
		return err
	}

	nl.mu.Lock()
	defer nl.mu.Unlock()

	res, ok := nl.reservations[allocID]
	if !ok {
		return fmt.Errorf("%w: double release of allocation %s on node %s", ErrInvariantViolation, allocID, nodeID)
	}

	nl.cpuReserved -= res.Resources.CPUMillis
	nl.memReserved -= res.Resources.MemoryBytes
	for _, d := range res.Resources.Devices {
		nl.devReserved[d.Class] -= d.Units
	}
	delete(nl.reservations, allocID)
	return nil
}

// CapacityOf returns the node's currently unreserved capacity
func (l *Ledger) CapacityOf(nodeID string) (Available, error) {
	nl, err := l.entry(nodeID)
	if err != nil {
		return Available{}, err
	}

	nl.mu.Lock()
	defer nl.mu.Unlock()

	avail := Available{
		CPUMillis:   nl.node.Resources.CPUMillis - nl.cpuReserved,
		MemoryBytes: nl.node.Resources.MemoryBytes - nl.memReserved,
		Devices:     make(map[string]int64),
	}
	for _, dg := range nl.node.Devices {
		avail.Devices[dg.Class] += dg.Units
	}
	for class, used := range nl.devReserved {
		avail.Devices[class] -= used
	}
	return avail, nil
}

// AvailableDevices returns the unreserved units of one device class.
// The constraint evaluator uses this, which is what makes device
// constraint satisfaction time-varying across calls.
func (l *Ledger) AvailableDevices(nodeID, class string) int64 {
	nl, err := l.entry(nodeID)
	if err != nil {
		return 0
	}
	nl.mu.Lock()
	defer nl.mu.Unlock()
	return nl.deviceCapacity(class) - nl.devReserved[class]
}

// AllocationsOf counts reservations held by one workload on a node.
// Placement spread scoring is built on this.
func (l *Ledger) AllocationsOf(nodeID, workloadID string) int {
	nl, err := l.entry(nodeID)
	if err != nil {
		return 0
	}
	nl.mu.Lock()
	defer nl.mu.Unlock()

	count := 0
	for _, res := range nl.reservations {
		if res.WorkloadID == workloadID {
			count++
		}
	}
	return count
}

// Fits reports whether a request would fit in the node's free capacity
// right now, without reserving anything. Placement uses it to filter
// candidates; the authoritative check still happens inside Reserve.
func (l *Ledger) Fits(nodeID string, req *types.ResourceRequest) bool {
	avail, err := l.CapacityOf(nodeID)
	if err != nil {
		return false
	}
	if avail.CPUMillis < req.CPUMillis || avail.MemoryBytes < req.MemoryBytes {
		return false
	}
	for _, d := range req.Devices {
		if avail.Devices[d.Class] < d.Units {
			return false
		}
	}
	return true
}

func (l *Ledger) entry(nodeID string) (*nodeLedger, error) {
	l.mu.RLock()
	nl, ok := l.nodes[nodeID]
	l.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNodeNotFound, nodeID)
	}
	return nl, nil
}

func (nl *nodeLedger) deviceCapacity(class string) int64 {
	var total int64
	for _, dg := range nl.node.Devices {
		if dg.Class == class {
			total += dg.Units
		}
	}
	return total
}
