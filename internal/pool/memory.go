package pool

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/ayo6706/minority-rounds/internal/domain"
	"github.com/ayo6706/minority-rounds/internal/models"
	"github.com/google/uuid"
)

// counterSet is created with every selection and never mutated as a map
// afterwards, so lookups need no lock.
type counterSet map[domain.Selection]*atomic.Int64

func newCounterSet() counterSet {
	set := make(counterSet, len(domain.Selections))
	for _, sel := range domain.Selections {
		set[sel] = new(atomic.Int64)
	}
	return set
}

// droppedLimit bounds how many dropped instances are remembered. A late
// stake lands within seconds of settlement, long before the id is evicted.
const droppedLimit = 1024

// MemoryCounters keeps live totals in process memory. Dropped instances are
// remembered so a stake racing settlement cannot recreate their counters.
type MemoryCounters struct {
	mu      sync.RWMutex
	sets    map[uuid.UUID]counterSet
	dropped map[uuid.UUID]struct{}
	order   []uuid.UUID
}

func NewMemoryCounters() *MemoryCounters {
	return &MemoryCounters{
		sets:    make(map[uuid.UUID]counterSet),
		dropped: make(map[uuid.UUID]struct{}),
	}
}

// set returns the counters of instanceID, creating them on first use. It
// returns nil for a dropped instance.
func (m *MemoryCounters) set(instanceID uuid.UUID) counterSet {
	m.mu.RLock()
	set, ok := m.sets[instanceID]
	m.mu.RUnlock()
	if ok {
		return set
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, gone := m.dropped[instanceID]; gone {
		return nil
	}
	if set, ok = m.sets[instanceID]; !ok {
		set = newCounterSet()
		m.sets[instanceID] = set
	}
	return set
}

func (m *MemoryCounters) Add(_ context.Context, instanceID uuid.UUID, sel domain.Selection, delta int64) error {
	set := m.set(instanceID)
	if set == nil {
		return nil
	}
	c, ok := set[sel]
	if !ok {
		return domain.ErrInvalidSelection
	}
	c.Add(delta)
	return nil
}

func (m *MemoryCounters) Snapshot(_ context.Context, instanceID uuid.UUID) (models.PoolTotals, bool, error) {
	m.mu.RLock()
	set, ok := m.sets[instanceID]
	m.mu.RUnlock()
	if !ok {
		return nil, false, nil
	}
	out := make(models.PoolTotals, len(set))
	for sel, c := range set {
		out[sel] = c.Load()
	}
	return out, true, nil
}

func (m *MemoryCounters) Reset(_ context.Context, instanceID uuid.UUID, totals models.PoolTotals) error {
	set := newCounterSet()
	for sel, c := range set {
		c.Store(totals[sel])
	}
	m.mu.Lock()
	m.sets[instanceID] = set
	delete(m.dropped, instanceID)
	m.mu.Unlock()
	return nil
}

func (m *MemoryCounters) Drop(_ context.Context, instanceID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sets, instanceID)
	if _, gone := m.dropped[instanceID]; gone {
		return nil
	}
	m.dropped[instanceID] = struct{}{}
	m.order = append(m.order, instanceID)
	if len(m.order) > droppedLimit {
		delete(m.dropped, m.order[0])
		m.order = m.order[1:]
	}
	return nil
}
