package statestore

import (
	"context"
	"strings"
	"sync"
	"time"
)

// Memory is an in-process Store and Locker for tests and paper trading.
type Memory struct {
	mu     sync.Mutex
	data   map[string][]byte
	leases map[string]lease
	nowFn  func() time.Time
}

type lease struct {
	holder  string
	expires time.Time
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		data:   make(map[string][]byte),
		leases: make(map[string]lease),
		nowFn:  time.Now,
	}
}

// SetClock overrides time for lease-expiry tests.
func (m *Memory) SetClock(nowFn func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nowFn = nowFn
}

func (m *Memory) Get(ctx context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	value, ok := m.data[key]
	if !ok {
		return nil, ErrKeyNotFound
	}
	cp := make([]byte, len(value))
	copy(cp, value)
	return cp, nil
}

func (m *Memory) Put(ctx context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.put(key, value)
	return nil
}

func (m *Memory) put(key string, value []byte) {
	cp := make([]byte, len(value))
	copy(cp, value)
	m.data[key] = cp
}

func (m *Memory) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

func (m *Memory) WriteBatch(ctx context.Context, entries map[string][]byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key, value := range entries {
		if value == nil {
			delete(m.data, key)
			continue
		}
		m.put(key, value)
	}
	return nil
}

func (m *Memory) List(ctx context.Context, prefix string) (map[string][]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string][]byte)
	for key, value := range m.data {
		if strings.HasPrefix(key, prefix) {
			cp := make([]byte, len(value))
			copy(cp, value)
			out[key] = cp
		}
	}
	return out, nil
}

func (m *Memory) Acquire(ctx context.Context, name, holder string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.nowFn()
	if l, ok := m.leases[name]; ok && l.holder != holder && l.expires.After(now) {
		return false, nil
	}
	m.leases[name] = lease{holder: holder, expires: now.Add(ttl)}
	return true, nil
}

func (m *Memory) Renew(ctx context.Context, name, holder string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.leases[name]
	if !ok || l.holder != holder {
		return false, nil
	}
	m.leases[name] = lease{holder: holder, expires: m.nowFn().Add(ttl)}
	return true, nil
}

func (m *Memory) Release(ctx context.Context, name, holder string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if l, ok := m.leases[name]; ok && l.holder == holder {
		delete(m.leases, name)
	}
	return nil
}
