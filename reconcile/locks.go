package reconcile

import (
	"sync"

	"github.com/halcyonchat/groupsync/group"
)

// Locks serializes reconciliation per group identity. Overlapping
// advancement on one group's timeline would race on the committed local
// snapshot and on event timestamp sequencing; invocations for different
// groups are independent and run concurrently.
type Locks struct {
	mu    sync.Mutex
	locks map[group.ID]*sync.Mutex
}

// NewLocks creates an empty lock registry. One registry is shared by every
// processor touching the same store.
func NewLocks() *Locks {
	return &Locks{locks: make(map[group.ID]*sync.Mutex)}
}

// Lock acquires the lock for id, returning the unlock function.
func (l *Locks) Lock(id group.ID) func() {
	l.mu.Lock()
	m, ok := l.locks[id]
	if !ok {
		m = &sync.Mutex{}
		l.locks[id] = m
	}
	l.mu.Unlock()

	m.Lock()
	return m.Unlock
}
