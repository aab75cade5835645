// Package store provides in-memory Store implementations for tests and dev.
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/obligation-engine/engine"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type Memory struct {
	mu          sync.RWMutex
	obligations map[engine.ObligationID]engine.Obligation
	instances   map[engine.InstanceID]engine.Instance
	// byPeriod is the idempotency index: (obligation, period) -> instance id.
	byPeriod map[periodKey]engine.InstanceID
}

type periodKey struct {
	ObligationID engine.ObligationID
	Period       engine.Period
}

func NewMemory() *Memory {
	return &Memory{
		obligations: make(map[engine.ObligationID]engine.Obligation),
		instances:   make(map[engine.InstanceID]engine.Instance),
		byPeriod:    make(map[periodKey]engine.InstanceID),
	}
}

// -----------------------------------------------------------------------------
// Obligations
// -----------------------------------------------------------------------------

func (m *Memory) InsertObligation(_ context.Context, o engine.Obligation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.obligations[o.ID] = o
	return nil
}

func (m *Memory) Obligation(_ context.Context, id engine.ObligationID) (engine.Obligation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.obligations[id]
	if !ok {
		return engine.Obligation{}, engine.ErrObligationNotFound
	}
	return o, nil
}

func (m *Memory) ObligationsByUser(_ context.Context, userID engine.UserID) ([]engine.Obligation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []engine.Obligation
	for _, o := range m.obligations {
		if o.UserID == userID {
			result = append(result, o)
		}
	}
	sortObligations(result)
	return result, nil
}

func (m *Memory) ActiveObligations(_ context.Context) ([]engine.Obligation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []engine.Obligation
	for _, o := range m.obligations {
		if o.Active {
			result = append(result, o)
		}
	}
	sortObligations(result)
	return result, nil
}

func (m *Memory) UpdateObligation(_ context.Context, o engine.Obligation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.obligations[o.ID]; !ok {
		return engine.ErrObligationNotFound
	}
	m.obligations[o.ID] = o
	return nil
}

func (m *Memory) DeleteObligation(_ context.Context, id engine.ObligationID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.obligations[id]; !ok {
		return engine.ErrObligationNotFound
	}
	delete(m.obligations, id)
	return nil
}

// -----------------------------------------------------------------------------
// Instances
// -----------------------------------------------------------------------------

func (m *Memory) InsertInstance(_ context.Context, in engine.Instance) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.insertInstanceLocked(in)
}

func (m *Memory) insertInstanceLocked(in engine.Instance) error {
	if in.ObligationID != "" {
		k := periodKey{ObligationID: in.ObligationID, Period: in.Period}
		if _, exists := m.byPeriod[k]; exists {
			return engine.ErrInstanceExists
		}
		m.byPeriod[k] = in.ID
	}
	m.instances[in.ID] = in
	return nil
}

func (m *Memory) HasInstance(_ context.Context, id engine.ObligationID, p engine.Period) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.byPeriod[periodKey{ObligationID: id, Period: p}]
	return ok, nil
}

func (m *Memory) InstancesByObligation(_ context.Context, id engine.ObligationID) ([]engine.Instance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []engine.Instance
	for _, in := range m.instances {
		if in.ObligationID == id {
			result = append(result, in)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].Period.Before(result[j].Period)
	})
	return result, nil
}

func (m *Memory) UpdateInstanceAmounts(_ context.Context, id engine.InstanceID, ars, usd decimal.Decimal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	in, ok := m.instances[id]
	if !ok {
		return engine.ErrInstanceNotFound
	}
	in.AmountARS = ars
	in.AmountUSD = usd
	in.UpdatedAt = time.Now().UTC()
	m.instances[id] = in
	return nil
}

func (m *Memory) DeleteInstancesByObligation(_ context.Context, id engine.ObligationID) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.deleteInstancesLocked(id), nil
}

func (m *Memory) deleteInstancesLocked(id engine.ObligationID) int {
	removed := 0
	for instID, in := range m.instances {
		if in.ObligationID == id {
			delete(m.instances, instID)
			delete(m.byPeriod, periodKey{ObligationID: id, Period: in.Period})
			removed++
		}
	}
	return removed
}

func sortObligations(obs []engine.Obligation) {
	sort.Slice(obs, func(i, j int) bool { return obs[i].ID < obs[j].ID })
}

// =============================================================================
// TRANSACTIONAL MEMORY STORE
// =============================================================================

// TxMemory wraps Memory with transaction support, simulated via snapshot
// and rollback on error.
type TxMemory struct {
	*Memory
}

func NewTxMemory() *TxMemory {
	return &TxMemory{Memory: NewMemory()}
}

func (tm *TxMemory) WithTx(_ context.Context, fn func(engine.Store) error) error {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	snapshot := tm.snapshot()
	view := &txMemoryView{parent: tm}

	if err := fn(view); err != nil {
		tm.restore(snapshot)
		return err
	}
	return nil
}

type memorySnapshot struct {
	obligations map[engine.ObligationID]engine.Obligation
	instances   map[engine.InstanceID]engine.Instance
	byPeriod    map[periodKey]engine.InstanceID
}

func (tm *TxMemory) snapshot() memorySnapshot {
	s := memorySnapshot{
		obligations: make(map[engine.ObligationID]engine.Obligation, len(tm.obligations)),
		instances:   make(map[engine.InstanceID]engine.Instance, len(tm.instances)),
		byPeriod:    make(map[periodKey]engine.InstanceID, len(tm.byPeriod)),
	}
	for k, v := range tm.obligations {
		s.obligations[k] = v
	}
	for k, v := range tm.instances {
		s.instances[k] = v
	}
	for k, v := range tm.byPeriod {
		s.byPeriod[k] = v
	}
	return s
}

func (tm *TxMemory) restore(s memorySnapshot) {
	tm.obligations = s.obligations
	tm.instances = s.instances
	tm.byPeriod = s.byPeriod
}

// txMemoryView operates on the parent's maps directly; the parent lock is
// already held for the duration of WithTx.
type txMemoryView struct {
	parent *TxMemory
}

func (tv *txMemoryView) InsertObligation(_ context.Context, o engine.Obligation) error {
	tv.parent.obligations[o.ID] = o
	return nil
}

func (tv *txMemoryView) Obligation(_ context.Context, id engine.ObligationID) (engine.Obligation, error) {
	o, ok := tv.parent.obligations[id]
	if !ok {
		return engine.Obligation{}, engine.ErrObligationNotFound
	}
	return o, nil
}

func (tv *txMemoryView) ObligationsByUser(_ context.Context, userID engine.UserID) ([]engine.Obligation, error) {
	var result []engine.Obligation
	for _, o := range tv.parent.obligations {
		if o.UserID == userID {
			result = append(result, o)
		}
	}
	sortObligations(result)
	return result, nil
}

func (tv *txMemoryView) ActiveObligations(_ context.Context) ([]engine.Obligation, error) {
	var result []engine.Obligation
	for _, o := range tv.parent.obligations {
		if o.Active {
			result = append(result, o)
		}
	}
	sortObligations(result)
	return result, nil
}

func (tv *txMemoryView) UpdateObligation(_ context.Context, o engine.Obligation) error {
	if _, ok := tv.parent.obligations[o.ID]; !ok {
		return engine.ErrObligationNotFound
	}
	tv.parent.obligations[o.ID] = o
	return nil
}

func (tv *txMemoryView) DeleteObligation(_ context.Context, id engine.ObligationID) error {
	if _, ok := tv.parent.obligations[id]; !ok {
		return engine.ErrObligationNotFound
	}
	delete(tv.parent.obligations, id)
	return nil
}

func (tv *txMemoryView) InsertInstance(_ context.Context, in engine.Instance) error {
	return tv.parent.insertInstanceLocked(in)
}

func (tv *txMemoryView) HasInstance(_ context.Context, id engine.ObligationID, p engine.Period) (bool, error) {
	_, ok := tv.parent.byPeriod[periodKey{ObligationID: id, Period: p}]
	return ok, nil
}

func (tv *txMemoryView) InstancesByObligation(_ context.Context, id engine.ObligationID) ([]engine.Instance, error) {
	var result []engine.Instance
	for _, in := range tv.parent.instances {
		if in.ObligationID == id {
			result = append(result, in)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].Period.Before(result[j].Period)
	})
	return result, nil
}

func (tv *txMemoryView) UpdateInstanceAmounts(_ context.Context, id engine.InstanceID, ars, usd decimal.Decimal) error {
	in, ok := tv.parent.instances[id]
	if !ok {
		return engine.ErrInstanceNotFound
	}
	in.AmountARS = ars
	in.AmountUSD = usd
	in.UpdatedAt = time.Now().UTC()
	tv.parent.instances[id] = in
	return nil
}

func (tv *txMemoryView) DeleteInstancesByObligation(_ context.Context, id engine.ObligationID) (int, error) {
	return tv.parent.deleteInstancesLocked(id), nil
}

// =============================================================================
// MEMORY RATES - RateStore implementation for tests/dev
// =============================================================================

// MemoryRates keys ARS-per-USD quotes by calendar date.
type MemoryRates struct {
	mu    sync.RWMutex
	rates map[string]decimal.Decimal
}

func NewMemoryRates() *MemoryRates {
	return &MemoryRates{rates: make(map[string]decimal.Decimal)}
}

func (m *MemoryRates) PutRate(_ context.Context, date time.Time, arsPerUSD decimal.Decimal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rates[date.UTC().Format("2006-01-02")] = arsPerUSD
	return nil
}

func (m *MemoryRates) RateFor(_ context.Context, date time.Time) (decimal.Decimal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rate, ok := m.rates[date.UTC().Format("2006-01-02")]
	if !ok {
		return decimal.Zero, engine.ErrRateUnavailable
	}
	return rate, nil
}
