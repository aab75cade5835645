package engine

import "sync"

// KeyedLocks serializes work per obligation. Generate and reconcile both
// read-then-write the same instance set; without a single-writer discipline
// a race could create duplicate or half-corrected rows.
//
// Locks are held in-process. Cross-process deployments get the same
// guarantee from the store's unique (obligation, period) index, and the
// postgres store additionally takes an advisory lock inside its write
// transactions.
type KeyedLocks struct {
	mu    sync.Mutex
	locks map[ObligationID]*sync.Mutex
}

func NewKeyedLocks() *KeyedLocks {
	return &KeyedLocks{locks: make(map[ObligationID]*sync.Mutex)}
}

// Lock acquires the obligation's lock and returns the unlock function.
//
//	defer locks.Lock(id)()
func (k *KeyedLocks) Lock(id ObligationID) func() {
	k.mu.Lock()
	m, ok := k.locks[id]
	if !ok {
		m = &sync.Mutex{}
		k.locks[id] = m
	}
	k.mu.Unlock()

	m.Lock()
	return m.Unlock
}
