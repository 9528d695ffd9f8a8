package cache

import (
	"context"
	"sync"
	"time"
)

// Memory is the in-process L1 tier: a mutex-guarded map with lazy expiry on
// read plus a background janitor sweep so abandoned keys do not pin memory.
type Memory struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry

	stopOnce sync.Once
	stop     chan struct{}
}

type memoryEntry struct {
	value     []byte
	expiresAt time.Time
}

// NewMemory creates the in-process tier. sweepInterval <= 0 disables the
// janitor; expired entries are then only reclaimed when read.
func NewMemory(sweepInterval time.Duration) *Memory {
	m := &Memory{
		entries: make(map[string]memoryEntry),
		stop:    make(chan struct{}),
	}
	if sweepInterval > 0 {
		go m.janitor(sweepInterval)
	}
	return m
}

func (m *Memory) Name() string { return "memory" }

func (m *Memory) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.RLock()
	e, ok := m.entries[key]
	m.mu.RUnlock()
	if !ok {
		return nil, false, nil
	}
	if time.Now().After(e.expiresAt) {
		m.mu.Lock()
		// Re-check under the write lock; a concurrent Set may have
		// replaced the entry since the read.
		if cur, ok := m.entries[key]; ok && time.Now().After(cur.expiresAt) {
			delete(m.entries, key)
		}
		m.mu.Unlock()
		return nil, false, nil
	}
	return e.value, true, nil
}

func (m *Memory) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	cp := make([]byte, len(value))
	copy(cp, value)
	m.mu.Lock()
	m.entries[key] = memoryEntry{value: cp, expiresAt: time.Now().Add(ttl)}
	m.mu.Unlock()
	return nil
}

func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	delete(m.entries, key)
	m.mu.Unlock()
	return nil
}

// Len reports the live entry count, expired entries included until swept.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

// Close stops the janitor.
func (m *Memory) Close() {
	m.stopOnce.Do(func() { close(m.stop) })
}

func (m *Memory) janitor(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			now := time.Now()
			m.mu.Lock()
			for k, e := range m.entries {
				if now.After(e.expiresAt) {
					delete(m.entries, k)
				}
			}
			m.mu.Unlock()
		case <-m.stop:
			return
		}
	}
}
