package orchestrator

import "sync"

// keyedMutex serializes work per key. A second caller for the same key
// awaits the first instead of duplicating it; distinct keys never
// contend.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedLock
}

type keyedLock struct {
	mu   sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*keyedLock)}
}

// Lock acquires the key's mutex and returns its unlock function.
func (m *keyedMutex) Lock(key string) func() {
	m.mu.Lock()
	entry := m.locks[key]
	if entry == nil {
		entry = &keyedLock{}
		m.locks[key] = entry
	}
	entry.refs++
	m.mu.Unlock()

	entry.mu.Lock()
	return func() {
		entry.mu.Unlock()
		m.mu.Lock()
		entry.refs--
		if entry.refs == 0 {
			delete(m.locks, key)
		}
		m.mu.Unlock()
	}
}
