package order

import (
	"sync"

	"github.com/google/uuid"
)

// keyMutex serializes work per order id inside one process. Cross-process
// safety comes from the optimistic version check on the orders row; this
// only keeps a single worker from competing with itself.
type keyMutex struct {
	mu    sync.Mutex
	locks map[uuid.UUID]*keyLock
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

func newKeyMutex() *keyMutex {
	return &keyMutex{locks: make(map[uuid.UUID]*keyLock)}
}

func (k *keyMutex) Lock(id uuid.UUID) {
	k.mu.Lock()
	l, ok := k.locks[id]
	if !ok {
		l = &keyLock{}
		k.locks[id] = l
	}
	l.refs++
	k.mu.Unlock()

	l.mu.Lock()
}

func (k *keyMutex) Unlock(id uuid.UUID) {
	k.mu.Lock()
	l := k.locks[id]
	l.refs--
	if l.refs == 0 {
		delete(k.locks, id)
	}
	k.mu.Unlock()

	l.mu.Unlock()
}
