package storage

import (
	"context"
	"fmt"
	"sync"

	"github.com/alejandrodnm/hedger/internal/domain"
)

// MemoryStorage implements ports.PositionStore and ports.BreakerStore in
// memory. Nothing survives a restart.
type MemoryStorage struct {
	mu      sync.RWMutex
	pairs   map[string]domain.PositionPair
	order   []string
	events  map[string][]domain.PairEvent
	breaker domain.CircuitBreaker
}

// NewMemoryStorage returns an empty store.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		pairs:  make(map[string]domain.PositionPair),
		events: make(map[string][]domain.PairEvent),
	}
}

func (m *MemoryStorage) Save(_ context.Context, p domain.PositionPair, ev domain.PairEvent) error {
	if p.ID == "" {
		return fmt.Errorf("storage.Save: empty pair id")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.pairs[p.ID]; !ok {
		m.order = append(m.order, p.ID)
	}
	m.pairs[p.ID] = p
	ev.PairID = p.ID
	m.events[p.ID] = append(m.events[p.ID], ev)
	return nil
}

func (m *MemoryStorage) Load(_ context.Context, id string) (domain.PositionPair, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.pairs[id]
	if !ok {
		return domain.PositionPair{}, fmt.Errorf("storage.Load %s: %w", id, domain.ErrPairNotFound)
	}
	return p, nil
}

func (m *MemoryStorage) List(_ context.Context, statuses ...domain.PairStatus) ([]domain.PositionPair, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []domain.PositionPair
	for _, id := range m.order {
		p := m.pairs[id]
		if matchStatus(p.Status, statuses) {
			out = append(out, p)
		}
	}
	return out, nil
}

func (m *MemoryStorage) Events(_ context.Context, pairID string) ([]domain.PairEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]domain.PairEvent(nil), m.events[pairID]...), nil
}

func (m *MemoryStorage) SaveCircuitBreaker(_ context.Context, cb domain.CircuitBreaker) error {
	m.mu.Lock()
	m.breaker = cb
	m.mu.Unlock()
	return nil
}

func (m *MemoryStorage) LoadCircuitBreaker(_ context.Context) (domain.CircuitBreaker, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.breaker, nil
}

func (m *MemoryStorage) Close() error { return nil }

func matchStatus(s domain.PairStatus, statuses []domain.PairStatus) bool {
	if len(statuses) == 0 {
		return true
	}
	for _, want := range statuses {
		if s == want {
			return true
		}
	}
	return false
}
