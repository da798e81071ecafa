package ledger

import (
	"context"
	"sort"
	"sync"
	"time"

	"portfolio-watch-bot/internal/models"
)

// Store persists ledger state. Every method is scoped to one tenant.
type Store interface {
	// Load returns the open positions of a tenant.
	Load(ctx context.Context, tenantID int64) (Positions, error)
	// Save replaces all open positions of a tenant with ps.
	Save(ctx context.Context, tenantID int64, ps Positions) error
	// AppendClosedTrade adds a record to the tenant's history.
	AppendClosedTrade(ctx context.Context, tenantID int64, ct ClosedTrade) error
	// ClosedTrades returns the most recent closed trades first; limit <= 0 means all.
	ClosedTrades(ctx context.Context, tenantID int64, limit int) ([]ClosedTrade, error)
	// LoadSnapshot returns the balance baseline and whether one exists.
	LoadSnapshot(ctx context.Context, tenantID int64) (Snapshot, bool, error)
	SaveSnapshot(ctx context.Context, tenantID int64, s Snapshot) error
	RecordValuation(ctx context.Context, tenantID int64, v models.Valuation) error
	// Valuations returns the history since the given time, oldest first.
	Valuations(ctx context.Context, tenantID int64, since time.Time) ([]models.Valuation, error)
	// Purge erases all ledger data of a tenant.
	Purge(ctx context.Context, tenantID int64) error
	// TenantExists reports whether the tenant has not been erased. Writers
	// check it inside WithTx so an erased tenant gets no data back.
	TenantExists(ctx context.Context, tenantID int64) (bool, error)
	// WithTx runs fn against a store whose writes commit together or not at all.
	WithTx(ctx context.Context, fn func(Store) error) error
}

type tenantState struct {
	positions Positions
	snapshot  *Snapshot
	trades    []ClosedTrade
	vals      []models.Valuation
}

func (s *tenantState) clone() *tenantState {
	out := &tenantState{
		positions: s.positions.Clone(),
		trades:    append([]ClosedTrade(nil), s.trades...),
		vals:      append([]models.Valuation(nil), s.vals...),
	}
	if s.snapshot != nil {
		snap := s.snapshot.Clone()
		out.snapshot = &snap
	}
	return out
}

// MemoryStore is an in-process Store. Values are copied on the way in and out.
// Every tenant exists until it is purged.
type MemoryStore struct {
	mu      sync.RWMutex
	tenants map[int64]*tenantState
	purged  map[int64]bool
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tenants: make(map[int64]*tenantState), purged: make(map[int64]bool)}
}

func (m *MemoryStore) state(tenantID int64) *tenantState {
	st, ok := m.tenants[tenantID]
	if !ok {
		st = &tenantState{positions: Positions{}}
		m.tenants[tenantID] = st
	}
	return st
}

func (m *MemoryStore) Load(_ context.Context, tenantID int64) (Positions, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.tenants[tenantID]
	if !ok {
		return Positions{}, nil
	}
	return st.positions.Clone(), nil
}

func (m *MemoryStore) Save(_ context.Context, tenantID int64, ps Positions) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state(tenantID).positions = ps.Clone()
	return nil
}

func (m *MemoryStore) AppendClosedTrade(_ context.Context, tenantID int64, ct ClosedTrade) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ct.TenantID = tenantID
	st := m.state(tenantID)
	st.trades = append(st.trades, ct)
	return nil
}

func (m *MemoryStore) ClosedTrades(_ context.Context, tenantID int64, limit int) ([]ClosedTrade, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.tenants[tenantID]
	if !ok {
		return nil, nil
	}
	out := make([]ClosedTrade, 0, len(st.trades))
	for i := len(st.trades) - 1; i >= 0; i-- {
		out = append(out, st.trades[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *MemoryStore) LoadSnapshot(_ context.Context, tenantID int64) (Snapshot, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.tenants[tenantID]
	if !ok || st.snapshot == nil {
		return Snapshot{}, false, nil
	}
	return st.snapshot.Clone(), true, nil
}

func (m *MemoryStore) SaveSnapshot(_ context.Context, tenantID int64, s Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap := s.Clone()
	m.state(tenantID).snapshot = &snap
	return nil
}

func (m *MemoryStore) RecordValuation(_ context.Context, tenantID int64, v models.Valuation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	v.TenantID = tenantID
	st := m.state(tenantID)
	st.vals = append(st.vals, v)
	return nil
}

func (m *MemoryStore) Valuations(_ context.Context, tenantID int64, since time.Time) ([]models.Valuation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.tenants[tenantID]
	if !ok {
		return nil, nil
	}
	var out []models.Valuation
	for _, v := range st.vals {
		if !v.TakenAt.Before(since) {
			out = append(out, v)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].TakenAt.Before(out[j].TakenAt) })
	return out, nil
}

func (m *MemoryStore) Purge(_ context.Context, tenantID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.tenants, tenantID)
	m.purged[tenantID] = true
	return nil
}

func (m *MemoryStore) TenantExists(_ context.Context, tenantID int64) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return !m.purged[tenantID], nil
}

// WithTx runs fn on a copy of the store and swaps the copy in if fn succeeds.
// Concurrent transactions are serialized.
func (m *MemoryStore) WithTx(ctx context.Context, fn func(Store) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	tx := NewMemoryStore()
	for id, st := range m.tenants {
		tx.tenants[id] = st.clone()
	}
	for id := range m.purged {
		tx.purged[id] = true
	}
	if err := fn(tx); err != nil {
		return err
	}
	m.tenants, m.purged = tx.tenants, tx.purged
	return nil
}
