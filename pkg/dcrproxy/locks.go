package dcrproxy

import (
	"sync"
)

// NamedLocks hands out one mutex per key. The proxy uses it to serialize
// compound token mutations (refresh rotation, revocation) per logical key
// when no external lock is injected via Config.Lock.
type NamedLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewNamedLocks() *NamedLocks {
	return &NamedLocks{
		locks: make(map[string]*sync.Mutex),
	}
}

// GetLock returns the mutex for the given key, creating it if it doesn't exist
func (n *NamedLocks) GetLock(key string) *sync.Mutex {
	n.mu.Lock()
	defer n.mu.Unlock()

	lock, exists := n.locks[key]
	if !exists {
		lock = &sync.Mutex{}
		n.locks[key] = lock
	}
	return lock
}

// Locker adapts the lock table to the Config.Lock shape: acquire the key's
// mutex and hand back its release.
func (n *NamedLocks) Locker() func(key string) (func(), error) {
	return func(key string) (func(), error) {
		lock := n.GetLock(key)
		lock.Lock()
		return lock.Unlock, nil
	}
}
