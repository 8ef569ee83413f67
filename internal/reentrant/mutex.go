// Package reentrant provides a recursive mutex: a caller that already
// holds the lock may acquire it again without deadlocking, and must
// release it the same number of times.
package reentrant

import "sync"

// Mutex is a recursive mutual-exclusion lock owned by a caller-supplied
// token: every Lock or Unlock call that passes the same token counts as
// the same owner, whichever goroutine makes it. It tracks that token
// rather than inspecting runtime internals: the caller is expected to use
// a stable identifier for "the calling context" (a thread ID, a space ID,
// or any value unique to the logical owner) for the lifetime of one
// critical section.
type Mutex struct {
	mu    sync.Mutex
	cond  *sync.Cond
	owner uint64
	held  bool
	depth int
}

// NewMutex returns a ready-to-use recursive mutex.
func NewMutex() *Mutex {
	m := &Mutex{}
	m.cond = sync.NewCond(&m.mu)

	return m
}

// Lock acquires the mutex for owner. If owner already holds it, the call
// nests (incrementing depth) instead of blocking.
func (m *Mutex) Lock(owner uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for m.held && m.owner != owner {
		m.cond.Wait()
	}

	m.owner = owner
	m.held = true
	m.depth++
}

// Unlock releases one level of nesting for owner. The mutex is only
// actually released, and a waiter woken, when depth returns to zero.
// Unlock by a non-owner is a programming error and panics.
func (m *Mutex) Unlock(owner uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.held || m.owner != owner {
		panic("reentrant: unlock by non-owner")
	}

	m.depth--
	if m.depth == 0 {
		m.held = false
		m.cond.Signal()
	}
}
