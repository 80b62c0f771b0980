// Package keylock provides one mutex per string key.
package keylock

import "sync"

type Map struct {
	mu      sync.Mutex
	mutexes map[string]*sync.Mutex
}

func New() *Map {
	return &Map{mutexes: make(map[string]*sync.Mutex)}
}

func (m *Map) Lock(key string) {
	m.get(key).Lock()
}

func (m *Map) Unlock(key string) {
	m.get(key).Unlock()
}

func (m *Map) get(key string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	mu, ok := m.mutexes[key]
	if !ok {
		mu = &sync.Mutex{}
		m.mutexes[key] = mu
	}
	return mu
}
