package concurrency

import "sync"

// KeyedMutex hands out one mutex per key so callers sharing a key serialize
// while unrelated keys proceed.
type KeyedMutex struct {
	locks map[string]*sync.Mutex
	mu    sync.Mutex
}

func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{
		locks: make(map[string]*sync.Mutex),
	}
}

func (m *KeyedMutex) Lock(key string) {
	m.mu.Lock()
	lock, ok := m.locks[key]
	if !ok {
		lock = &sync.Mutex{}
		m.locks[key] = lock
	}
	m.mu.Unlock()
	lock.Lock()
}

func (m *KeyedMutex) Unlock(key string) {
	m.mu.Lock()
	lock, ok := m.locks[key]
	if ok {
		lock.Unlock()
	}
	m.mu.Unlock()
}
