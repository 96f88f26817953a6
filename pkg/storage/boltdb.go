package storage

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"path/filepath"

	bolt "go.etcd.io/bbolt"

	"github.com/stevedore-sh/stevedore/pkg/events"
	"github.com/stevedore-sh/stevedore/pkg/types"
)

var (
	// Bucket names
	bucketNodes       = []byte("nodes")
	bucketWorkloads   = []byte("workloads")
	bucketAllocations = []byte("allocations")
	bucketVolumes     = []byte("volumes")
	bucketDeployments = []byte("deployments")
	bucketEvents      = []byte("events")
)

// BoltStore implements Store interface using BoltDB
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore creates a new BoltDB-backed store
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "stevedore.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Create buckets
	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			bucketNodes,
			bucketWorkloads,
			bucketAllocations,
			bucketVolumes,
			bucketDeployments,
			bucketEvents,
		}

		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})

	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// Node operations
func (s *BoltStore) CreateNode(node *types.Node) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketNodes)
		data, err := json.Marshal(node)
		if err != nil {
			return err
		}
		return b.Put([]byte(node.ID), data)
	})
}

func (s *BoltStore) GetNode(id string) (*types.Node, error) {
	var node types.Node
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketNodes)
		data := b.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("node not found: %s", id)
		}
		return json.Unmarshal(data, &node)
	})
	if err != nil {
		return nil, err
	}
	return &node, nil
}

func (s *BoltStore) ListNodes() ([]*types.Node, error) {
	var nodes []*types.Node
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketNodes)
		return b.ForEach(func(k, v []byte) error {
			var node types.Node
			if err := json.Unmarshal(v, &node); err != nil {
				return err
			}
			nodes = append(nodes, &node)
			return nil
		})
	})
	return nodes, err
}

func (s *BoltStore) UpdateNode(node *types.Node) error {
	return s.CreateNode(node) // Same as create (upsert)
}

func (s *BoltStore) DeleteNode(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketNodes)
		return b.Delete([]byte(id))
	})
}

// Workload operations
func (s *BoltStore) CreateWorkload(w *types.Workload) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketWorkloads)
		data, err := json.Marshal(w)
		if err != nil {
			return err
		}
		return b.Put([]byte(w.ID), data)
	})
}

func (s *BoltStore) GetWorkload(id string) (*types.Workload, error) {
	var w types.Workload
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketWorkloads)
		data := b.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("workload not found: %s", id)
		}
		return json.Unmarshal(data, &w)
	})
	if err != nil {
		return nil, err
	}
	return &w, nil
}

func (s *BoltStore) ListWorkloads() ([]*types.Workload, error) {
	var workloads []*types.Workload
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketWorkloads)
		return b.ForEach(func(k, v []byte) error {
			var w types.Workload
			if err := json.Unmarshal(v, &w); err != nil {
				return err
			}
			workloads = append(workloads, &w)
			return nil
		})
	})
	return workloads, err
}

func (s *BoltStore) UpdateWorkload(w *types.Workload) error {
	return s.CreateWorkload(w)
}

func (s *BoltStore) DeleteWorkload(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketWorkloads)
		return b.Delete([]byte(id))
	})
}

// Allocation operations
func (s *BoltStore) CreateAllocation(alloc *types.Allocation) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAllocations)
		data, err := json.Marshal(alloc)
		if err != nil {
			return err
		}
		return b.Put([]byte(alloc.ID), data)
	})
}

func (s *BoltStore) GetAllocation(id string) (*types.Allocation, error) {
	var alloc types.Allocation
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAllocations)
		data := b.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("allocation not found: %s", id)
		}
		return json.Unmarshal(data, &alloc)
	})
	if err != nil {
		return nil, err
	}
	return &alloc, nil
}

func (s *BoltStore) ListAllocations() ([]*types.Allocation, error) {
	var allocs []*types.Allocation
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAllocations)
		return b.ForEach(func(k, v []byte) error {
			var alloc types.Allocation
			if err := json.Unmarshal(v, &alloc); err != nil {
				return err
			}
			allocs = append(allocs, &alloc)
			return nil
		})
	})
	return allocs, err
}

func (s *BoltStore) ListAllocationsByWorkload(workloadID string) ([]*types.Allocation, error) {
	allocs, err := s.ListAllocations()
	if err != nil {
		return nil, err
	}

	var filtered []*types.Allocation
	for _, alloc := range allocs {
		if alloc.WorkloadID == workloadID {
			filtered = append(filtered, alloc)
		}
	}
	return filtered, nil
}

func (s *BoltStore) ListAllocationsByNode(nodeID string) ([]*types.Allocation, error) {
	allocs, err := s.ListAllocations()
	if err != nil {
		return nil, err
	}

	var filtered []*types.Allocation
	for _, alloc := range allocs {
		if alloc.NodeID == nodeID {
			filtered = append(filtered, alloc)
		}
	}
	return filtered, nil
}

func (s *BoltStore) UpdateAllocation(alloc *types.Allocation) error {
	return s.CreateAllocation(alloc)
}

func (s *BoltStore) DeleteAllocation(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAllocations)
		return b.Delete([]byte(id))
	})
}

// Volume operations
func (s *BoltStore) CreateVolume(volume *types.Volume) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketVolumes)
		data, err := json.Marshal(volume)
		if err != nil {
			return err
		}
		return b.Put([]byte(volume.ID), data)
	})
}

func (s *BoltStore) GetVolume(id string) (*types.Volume, error) {
	var volume types.Volume
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketVolumes)
		data := b.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("volume not found: %s", id)
		}
		return json.Unmarshal(data, &volume)
	})
	if err != nil {
		return nil, err
	}
	return &volume, nil
}

func (s *BoltStore) ListVolumes() ([]*types.Volume, error) {
	var volumes []*types.Volume
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketVolumes)
		return b.ForEach(func(k, v []byte) error {
			var volume types.Volume
			if err := json.Unmarshal(v, &volume); err != nil {
				return err
			}
			volumes = append(volumes, &volume)
			return nil
		})
	})
	return volumes, err
}

func (s *BoltStore) DeleteVolume(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketVolumes)
		return b.Delete([]byte(id))
	})
}

// Deployment operations
func (s *BoltStore) CreateDeployment(dep *types.Deployment) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDeployments)
		data, err := json.Marshal(dep)
		if err != nil {
			return err
		}
		return b.Put([]byte(dep.ID), data)
	})
}

func (s *BoltStore) GetDeployment(id string) (*types.Deployment, error) {
	var dep types.Deployment
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDeployments)
		data := b.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("deployment not found: %s", id)
		}
		return json.Unmarshal(data, &dep)
	})
	if err != nil {
		return nil, err
	}
	return &dep, nil
}

func (s *BoltStore) ListDeployments() ([]*types.Deployment, error) {
	var deps []*types.Deployment
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDeployments)
		return b.ForEach(func(k, v []byte) error {
			var dep types.Deployment
			if err := json.Unmarshal(v, &dep); err != nil {
				return err
			}
			deps = append(deps, &dep)
			return nil
		})
	})
	return deps, err
}

func (s *BoltStore) ListDeploymentsByWorkload(workloadID string) ([]*types.Deployment, error) {
	deps, err := s.ListDeployments()
	if err != nil {
		return nil, err
	}

	var filtered []*types.Deployment
	for _, dep := range deps {
		if dep.WorkloadID == workloadID {
			filtered = append(filtered, dep)
		}
	}
	return filtered, nil
}

func (s *BoltStore) UpdateDeployment(dep *types.Deployment) error {
	return s.CreateDeployment(dep)
}

// Event log operations. Keys are big-endian sequence numbers so the
// bucket iterates in append order.
func (s *BoltStore) AppendEvent(ev *events.Event) (uint64, error) {
	var seq uint64
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketEvents)
		next, err := b.NextSequence()
		if err != nil {
			return err
		}
		seq = next

		data, err := json.Marshal(ev)
		if err != nil {
			return err
		}
		return b.Put(seqKey(seq), data)
	})
	return seq, err
}

func (s *BoltStore) ListEvents(afterSeq uint64, limit int) ([]*events.Event, error) {
	var evs []*events.Event
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketEvents).Cursor()
		for k, v := c.Seek(seqKey(afterSeq + 1)); k != nil; k, v = c.Next() {
			var ev events.Event
			if err := json.Unmarshal(v, &ev); err != nil {
				return err
			}
			evs = append(evs, &ev)
			if limit > 0 && len(evs) >= limit {
				return nil
			}
		}
		return nil
	})
	return evs, err
}

func seqKey(seq uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, seq)
	return key
}
