package store

import "sync"

// KeyMutex serializes critical sections per string key. Entries are reference
// counted and removed once the last holder unlocks, so the map does not grow
// with the number of sub-channels ever seen.
type KeyMutex struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	mu  sync.Mutex
	ref int
}

func NewKeyMutex() *KeyMutex {
	return &KeyMutex{locks: make(map[string]*keyLock)}
}

// Lock acquires the lock for key, blocking until it is available.
func (k *KeyMutex) Lock(key string) {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &keyLock{}
		k.locks[key] = l
	}
	l.ref++
	k.mu.Unlock()

	l.mu.Lock()
}

// Unlock releases the lock for key.
func (k *KeyMutex) Unlock(key string) {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		k.mu.Unlock()
		panic("keymutex: unlock of unheld key " + key)
	}
	l.ref--
	if l.ref == 0 {
		delete(k.locks, key)
	}
	k.mu.Unlock()

	l.mu.Unlock()
}
