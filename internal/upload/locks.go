package upload

import (
	"sync"

	"github.com/google/uuid"
)

// lockArena hands out one mutex per session id so state transitions driven
// by chunk completion are serialized per session without a global lock.
// Entries are reference counted and dropped once the last holder releases.
type lockArena struct {
	mu    sync.Mutex
	locks map[uuid.UUID]*arenaEntry
}

type arenaEntry struct {
	mu   sync.Mutex
	refs int
}

func newLockArena() *lockArena {
	return &lockArena{locks: make(map[uuid.UUID]*arenaEntry)}
}

// acquire blocks until the session's critical section is free and returns
// the release function.
func (a *lockArena) acquire(id uuid.UUID) func() {
	a.mu.Lock()
	e, ok := a.locks[id]
	if !ok {
		e = &arenaEntry{}
		a.locks[id] = e
	}
	e.refs++
	a.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		a.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(a.locks, id)
		}
		a.mu.Unlock()
	}
}
