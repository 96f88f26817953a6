package volume

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/stevedore-sh/stevedore/pkg/ledger"
	"github.com/stevedore-sh/stevedore/pkg/log"
	"github.com/stevedore-sh/stevedore/pkg/types"
)

var (
	// ErrDuplicateVolume is returned when registering an ID that exists
	ErrDuplicateVolume = errors.New("volume already registered")

	// ErrVolumeNotFound is returned for operations on unknown volumes
	ErrVolumeNotFound = errors.New("volume not found")

	// ErrIncompatibleAccessMode is returned when a claim's access mode
	// exceeds the volume's declared capability. Never retried: retrying
	// without caller action cannot change the outcome.
	ErrIncompatibleAccessMode = errors.New("incompatible access mode")

	// ErrAlreadyAttached is returned when a single-node-writer volume
	// already has an active attachment, regardless of node.
	ErrAlreadyAttached = errors.New("volume already attached")

	// ErrCapacityExceeded is returned when a claim requests more bytes
	// than the volume's declared capacity bound.
	ErrCapacityExceeded = errors.New("volume capacity exceeded")

	// ErrNodeUnreachable is returned when the claiming allocation's node
	// is not known to the cluster.
	ErrNodeUnreachable = errors.New("node unreachable")

	// ErrHasAttachments blocks deregistration while attachments exist
	ErrHasAttachments = errors.New("volume has active attachments")
)

// State is the lifecycle state of a registered volume
type State string

const (
	StateRegistered State = "registered"
	StateAttaching  State = "attaching"
	StateAttached   State = "attached"
	StateDetaching  State = "detaching"
)

// Attachment is the handle returned by a successful claim. Releasing it
// is idempotent; detach may be retried after partial failures.
type Attachment struct {
	ID       string
	VolumeID string
	AllocID  string
	NodeID   string
	Mode     types.VolumeAccessMode
	ReadOnly bool

	mu       sync.Mutex
	released bool
}

// volumeState carries a registered volume and its live attachments.
// Each volume has its own mutex: attach/detach is serialized per volume
// identifier, not globally.
type volumeState struct {
	mu          sync.Mutex
	spec        *types.Volume
	state       State
	attachments map[string]*Attachment
}

// Persister commits volume records to durable storage. Optional; nil
// keeps registrations in memory only.
type Persister interface {
	SaveVolume(spec *types.Volume) error
	DeleteVolume(volumeID string) error
}

// Manager owns volume registration and the attach/detach lifecycle.
// It consults the resource ledger for node identity only.
type Manager struct {
	mu        sync.RWMutex
	volumes   map[string]*volumeState
	ledger    *ledger.Ledger
	persister Persister
	logger    zerolog.Logger
}

// NewManager creates a volume manager backed by the given ledger
func NewManager(l *ledger.Ledger) *Manager {
	return &Manager{
		volumes: make(map[string]*volumeState),
		ledger:  l,
		logger:  log.WithComponent("volume"),
	}
}

// SetPersister makes the manager commit volume records through p
func (m *Manager) SetPersister(p Persister) {
	m.persister = p
}

// Register makes a volume claimable. Registering an existing ID fails.
func (m *Manager) Register(spec *types.Volume) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.volumes[spec.ID]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateVolume, spec.ID)
	}
	if spec.CreatedAt.IsZero() {
		spec.CreatedAt = time.Now()
	}

	m.volumes[spec.ID] = &volumeState{
		spec:        spec,
		state:       StateRegistered,
		attachments: make(map[string]*Attachment),
	}
	if m.persister != nil {
		if err := m.persister.SaveVolume(spec); err != nil {
			m.logger.Warn().Err(err).Str("volume_id", spec.ID).Msg("failed to persist volume")
		}
	}
	m.logger.Info().Str("volume_id", spec.ID).Str("kind", string(spec.Kind)).Msg("volume registered")
	return nil
}

// Deregister removes a volume. Only permitted from the registered state
// with zero active attachments.
func (m *Manager) Deregister(volumeID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	vs, ok := m.volumes[volumeID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrVolumeNotFound, volumeID)
	}

	vs.mu.Lock()
	defer vs.mu.Unlock()
	if len(vs.attachments) > 0 {
		return fmt.Errorf("%w: %s has %d attachments", ErrHasAttachments, volumeID, len(vs.attachments))
	}

	delete(m.volumes, volumeID)
	if m.persister != nil {
		if err := m.persister.DeleteVolume(volumeID); err != nil {
			m.logger.Warn().Err(err).Str("volume_id", volumeID).Msg("failed to remove persisted volume")
		}
	}
	m.logger.Info().Str("volume_id", volumeID).Msg("volume deregistered")
	return nil
}

// Get returns the volume spec
func (m *Manager) Get(volumeID string) (*types.Volume, error) {
	vs, err := m.volume(volumeID)
	if err != nil {
		return nil, err
	}
	vs.mu.Lock()
	defer vs.mu.Unlock()
	return vs.spec, nil
}

// Claim attaches a volume for one allocation. The claim's access mode
// must be within the volume's declared capability, and for
// single-node-writer volumes at most one attachment may be active
// across the whole cluster at any time.
func (m *Manager) Claim(alloc *types.Allocation, claim *types.VolumeClaim) (*Attachment, error) {
	vs, err := m.volume(claim.Source)
	if err != nil {
		return nil, err
	}

	if _, err := m.ledger.GetNode(alloc.NodeID); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrNodeUnreachable, alloc.NodeID)
	}

	vs.mu.Lock()
	defer vs.mu.Unlock()

	if err := checkClaim(vs, claim); err != nil {
		return nil, err
	}

	vs.state = StateAttaching
	att := &Attachment{
		ID:       uuid.New().String(),
		VolumeID: claim.Source,
		AllocID:  alloc.ID,
		NodeID:   alloc.NodeID,
		Mode:     claim.AccessMode,
		ReadOnly: claim.ReadOnly,
	}
	vs.attachments[att.ID] = att
	vs.state = StateAttached

	m.logger.Debug().
		Str("volume_id", claim.Source).
		Str("alloc_id", alloc.ID).
		Str("node_id", alloc.NodeID).
		Str("mode", string(claim.AccessMode)).
		Msg("volume attached")
	return att, nil
}

// Feasible reports whether a claim could be satisfied right now for an
// allocation on the given node, without side effects. The placement
// engine filters candidates with this; the authoritative check happens
// again inside Claim.
func (m *Manager) Feasible(claim *types.VolumeClaim, nodeID string) error {
	vs, err := m.volume(claim.Source)
	if err != nil {
		return err
	}
	if _, err := m.ledger.GetNode(nodeID); err != nil {
		return fmt.Errorf("%w: %s", ErrNodeUnreachable, nodeID)
	}

	vs.mu.Lock()
	defer vs.mu.Unlock()
	return checkClaim(vs, claim)
}

// Release detaches an attachment and returns the volume to registered
// once its last attachment is gone. Idempotent: releasing an already
// released handle is a no-op, since detach may be retried after partial
// failures.
func (m *Manager) Release(att *Attachment) {
	if att == nil {
		return
	}

	att.mu.Lock()
	if att.released {
		att.mu.Unlock()
		return
	}
	att.released = true
	att.mu.Unlock()

	vs, err := m.volume(att.VolumeID)
	if err != nil {
		return
	}

	vs.mu.Lock()
	defer vs.mu.Unlock()

	vs.state = StateDetaching
	delete(vs.attachments, att.ID)
	if len(vs.attachments) == 0 {
		vs.state = StateRegistered
	} else {
		vs.state = StateAttached
	}

	m.logger.Debug().
		Str("volume_id", att.VolumeID).
		Str("alloc_id", att.AllocID).
		Msg("volume detached")
}

// Attachments returns the open attachments of a volume
func (m *Manager) Attachments(volumeID string) []*Attachment {
	vs, err := m.volume(volumeID)
	if err != nil {
		return nil
	}
	vs.mu.Lock()
	defer vs.mu.Unlock()

	atts := make([]*Attachment, 0, len(vs.attachments))
	for _, a := range vs.attachments {
		atts = append(atts, a)
	}
	return atts
}

// StateOf returns the volume's lifecycle state
func (m *Manager) StateOf(volumeID string) (State, error) {
	vs, err := m.volume(volumeID)
	if err != nil {
		return "", err
	}
	vs.mu.Lock()
	defer vs.mu.Unlock()
	return vs.state, nil
}

func (m *Manager) volume(volumeID string) (*volumeState, error) {
	m.mu.RLock()
	vs, ok := m.volumes[volumeID]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrVolumeNotFound, volumeID)
	}
	return vs, nil
}

// checkClaim holds the admission rules. Caller must hold vs.mu.
func checkClaim(vs *volumeState, claim *types.VolumeClaim) error {
	if !modeWithinCapability(vs.spec.AccessMode, claim.AccessMode) {
		return fmt.Errorf("%w: claim %s against volume capability %s",
			ErrIncompatibleAccessMode, claim.AccessMode, vs.spec.AccessMode)
	}
	if claim.AttachmentMode != vs.spec.AttachmentMode {
		return fmt.Errorf("%w: claim attachment mode %s against volume %s",
			ErrIncompatibleAccessMode, claim.AttachmentMode, vs.spec.AttachmentMode)
	}
	if claim.RequestedBytes > 0 && vs.spec.MaxCapacityBytes > 0 && claim.RequestedBytes > vs.spec.MaxCapacityBytes {
		return fmt.Errorf("%w: requested %d of %d bytes",
			ErrCapacityExceeded, claim.RequestedBytes, vs.spec.MaxCapacityBytes)
	}
	if claim.AccessMode == types.AccessSingleNodeWriter && len(vs.attachments) > 0 {
		return fmt.Errorf("%w: %s", ErrAlreadyAttached, vs.spec.ID)
	}
	return nil
}

// modeWithinCapability decides whether a claim mode fits under the
// volume's declared capability. Multi-writer admits everything,
// multi-reader admits readers, single-writer admits only itself.
// Multi-node-multi-writer volumes get no application-level write
// coordination from the manager; that is the workload's responsibility.
func modeWithinCapability(capability, claimed types.VolumeAccessMode) bool {
	switch capability {
	case types.AccessMultiNodeMultiWriter:
		return true
	case types.AccessMultiNodeReader:
		return claimed == types.AccessMultiNodeReader
	case types.AccessSingleNodeWriter:
		return claimed == types.AccessSingleNodeWriter
	default:
		return false
	}
}
