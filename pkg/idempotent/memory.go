package idempotent

import (
	"container/list"
	"context"
	"strings"
	"sync"
	"time"
)

// Memory is an in-process repository bounded by a time window and a capacity.
// When full, the oldest key is evicted.
type Memory struct {
	mu       sync.Mutex
	window   time.Duration
	capacity int
	order    *list.List
	entries  map[string]*list.Element
	now      func() time.Time
}

type memoryEntry struct {
	key     string
	expires time.Time
}

// NewMemory creates a repository. A zero window keeps keys until evicted by capacity;
// a non-positive capacity defaults to 1000.
func NewMemory(window time.Duration, capacity int) *Memory {
	if capacity <= 0 {
		capacity = 1000
	}
	return &Memory{
		window:   window,
		capacity: capacity,
		order:    list.New(),
		entries:  make(map[string]*list.Element),
		now:      time.Now,
	}
}

func (m *Memory) Add(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.liveLocked(key) {
		return false, nil
	}

	var expires time.Time
	if m.window > 0 {
		expires = m.now().Add(m.window)
	}
	m.entries[key] = m.order.PushBack(&memoryEntry{key: key, expires: expires})

	for m.order.Len() > m.capacity {
		oldest := m.order.Front()
		m.order.Remove(oldest)
		delete(m.entries, oldest.Value.(*memoryEntry).key)
	}
	return true, nil
}

func (m *Memory) Contains(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.liveLocked(key), nil
}

func (m *Memory) Remove(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removeLocked(key)
	return nil
}

func (m *Memory) Clear(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.order.Init()
	m.entries = make(map[string]*list.Element)
	return nil
}

// ClearPrefix removes every key starting with prefix.
func (m *Memory) ClearPrefix(_ context.Context, prefix string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key := range m.entries {
		if strings.HasPrefix(key, prefix) {
			m.removeLocked(key)
		}
	}
	return nil
}

// Len returns the number of retained keys, expired ones included.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.order.Len()
}

func (m *Memory) liveLocked(key string) bool {
	el, ok := m.entries[key]
	if !ok {
		return false
	}
	e := el.Value.(*memoryEntry)
	if !e.expires.IsZero() && !m.now().Before(e.expires) {
		m.order.Remove(el)
		delete(m.entries, key)
		return false
	}
	return true
}

func (m *Memory) removeLocked(key string) {
	if el, ok := m.entries[key]; ok {
		m.order.Remove(el)
		delete(m.entries, key)
	}
}
