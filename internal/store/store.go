package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/carbon-oracle/sorbent/internal/api"
)

// Store is the persistence contract the control loop depends on. Appends
// are at-least-once: duplicate writes of the same tick are tolerated and
// must not corrupt prior records.
type Store interface {
	// AppendTick persists one tick's artifacts, idempotent by
	// api.TickID(batch, tick). First write wins.
	AppendTick(ctx context.Context, artifacts *api.TickArtifacts) error

	// SaveBatch persists (or replaces) a batch record. Called at state
	// transitions and at close.
	SaveBatch(ctx context.Context, record *api.BatchRecord) error

	// LoadBatch retrieves a batch record. Returns nil if not found.
	LoadBatch(ctx context.Context, batchID string) (*api.BatchRecord, error)

	// ListBatches returns all known batch ids in insertion order.
	ListBatches(ctx context.Context) ([]string, error)

	// QueryValidated returns (checkpoint features, ground truth) pairs for
	// every closed batch with a validated outcome, ordered by batch id.
	// minCount is a hint; fewer rows is not an error.
	QueryValidated(ctx context.Context, minCount int) ([]api.TrainingPair, error)

	// LoadPredictorState returns the latest persisted model snapshot, nil
	// if none exists.
	LoadPredictorState(ctx context.Context) (*api.PredictorState, error)

	// SavePredictorState replaces the persisted model snapshot.
	SavePredictorState(ctx context.Context, state *api.PredictorState) error

	// Close releases resources.
	Close() error
}

// MemoryStore keeps everything in process with an optional JSON snapshot,
// for tests and demo mode.
type MemoryStore struct {
	mu       sync.RWMutex
	ticks    map[string]*api.TickArtifacts
	batches  map[string]*api.BatchRecord
	order    []string
	state    *api.PredictorState
	snapshot string
}

type memorySnapshot struct {
	Ticks   map[string]*api.TickArtifacts  `json:"ticks"`
	Batches map[string]*api.BatchRecord    `json:"batches"`
	Order   []string                       `json:"order"`
	State   *api.PredictorState            `json:"state,omitempty"`
}

// NewMemoryStore creates an in-memory store. snapshotPath may be empty to
// disable persistence entirely.
func NewMemoryStore(snapshotPath string) *MemoryStore {
	ms := &MemoryStore{
		ticks:    make(map[string]*api.TickArtifacts),
		batches:  make(map[string]*api.BatchRecord),
		snapshot: snapshotPath,
	}
	if snapshotPath != "" {
		ms.loadSnapshot()
	}
	return ms
}

func (m *MemoryStore) AppendTick(ctx context.Context, artifacts *api.TickArtifacts) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := api.TickID(artifacts.BatchID, artifacts.Tick)
	// First write wins: a duplicate append of the same tick is a no-op.
	if _, exists := m.ticks[id]; exists {
		return nil
	}
	m.ticks[id] = artifacts
	return nil
}

func (m *MemoryStore) SaveBatch(ctx context.Context, record *api.BatchRecord) error {
	// The control loop keeps mutating its record after a save, so the store
	// holds its own copy, the same isolation a serializing backend gives.
	clone, err := cloneBatch(record)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.batches[record.BatchID]; !exists {
		m.order = append(m.order, record.BatchID)
	}
	m.batches[record.BatchID] = clone

	if m.snapshot != "" {
		return m.saveSnapshotLocked()
	}
	return nil
}

func (m *MemoryStore) LoadBatch(ctx context.Context, batchID string) (*api.BatchRecord, error) {
	m.mu.RLock()
	record := m.batches[batchID]
	m.mu.RUnlock()
	if record == nil {
		return nil, nil
	}
	// Readers get a copy too: a loaded record must not reach back into
	// store state.
	return cloneBatch(record)
}

func cloneBatch(record *api.BatchRecord) (*api.BatchRecord, error) {
	data, err := json.Marshal(record)
	if err != nil {
		return nil, fmt.Errorf("failed to clone batch %s: %w", record.BatchID, err)
	}
	var out api.BatchRecord
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("failed to clone batch %s: %w", record.BatchID, err)
	}
	return &out, nil
}

func (m *MemoryStore) ListBatches(ctx context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, len(m.order))
	copy(out, m.order)
	return out, nil
}

func (m *MemoryStore) QueryValidated(ctx context.Context, minCount int) ([]api.TrainingPair, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var pairs []api.TrainingPair
	for _, b := range m.batches {
		if !b.Validated {
			continue
		}
		cp := b.CheckpointFeatures()
		if cp == nil {
			continue
		}
		pairs = append(pairs, api.TrainingPair{
			BatchID:  b.BatchID,
			Features: *cp,
			Capacity: b.GroundTruth,
		})
	}
	sort.Slice(pairs, func(i, j int) bool { return pairs[i].BatchID < pairs[j].BatchID })
	return pairs, nil
}

func (m *MemoryStore) LoadPredictorState(ctx context.Context) (*api.PredictorState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state, nil
}

func (m *MemoryStore) SavePredictorState(ctx context.Context, state *api.PredictorState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = state
	if m.snapshot != "" {
		return m.saveSnapshotLocked()
	}
	return nil
}

func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.snapshot != "" {
		return m.saveSnapshotLocked()
	}
	return nil
}

func (m *MemoryStore) loadSnapshot() error {
	data, err := os.ReadFile(m.snapshot)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	var snap memorySnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("failed to unmarshal snapshot: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if snap.Ticks != nil {
		m.ticks = snap.Ticks
	}
	if snap.Batches != nil {
		m.batches = snap.Batches
	}
	m.order = snap.Order
	m.state = snap.State
	return nil
}

// saveSnapshotLocked writes the snapshot file. Caller must hold m.mu.
func (m *MemoryStore) saveSnapshotLocked() error {
	snap := memorySnapshot{
		Ticks:   m.ticks,
		Batches: m.batches,
		Order:   m.order,
		State:   m.state,
	}
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return err
	}
	tmp := m.snapshot + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, m.snapshot)
}
