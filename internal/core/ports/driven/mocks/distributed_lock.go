package mocks

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/custodia-labs/sercha-connect/internal/core/ports/driven"
)

var _ driven.DistributedLock = (*MockDistributedLock)(nil)

// MockDistributedLock is an in-memory DistributedLock for tests. Locks held
// through HoldAsPeer belong to another instance and are refused to callers
// until ReleasePeer or their TTL runs out.
type MockDistributedLock struct {
	mu    sync.Mutex
	locks map[string]lockEntry
	now   func() time.Time

	acquired int
	refused  int

	// Custom behavior hooks (optional)
	AcquireFn func(name string, ttl time.Duration) (bool, error)
	PingFn    func() error
}

type lockEntry struct {
	peer   bool
	expiry time.Time
}

// NewMockDistributedLock creates a new mock distributed lock.
func NewMockDistributedLock() *MockDistributedLock {
	return &MockDistributedLock{
		locks: make(map[string]lockEntry),
		now:   time.Now,
	}
}

func (m *MockDistributedLock) held(name string) (lockEntry, bool) {
	entry, ok := m.locks[name]
	if !ok || !m.now().Before(entry.expiry) {
		return lockEntry{}, false
	}
	return entry, true
}

// Acquire takes name unless it is currently held.
func (m *MockDistributedLock) Acquire(ctx context.Context, name string, ttl time.Duration) (bool, error) {
	if m.AcquireFn != nil {
		return m.AcquireFn(name, ttl)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.held(name); ok {
		m.refused++
		return false, nil
	}
	m.locks[name] = lockEntry{expiry: m.now().Add(ttl)}
	m.acquired++
	return true, nil
}

// Release drops a lock held by the caller. Peer locks are left alone.
func (m *MockDistributedLock) Release(ctx context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if entry, ok := m.locks[name]; ok && !entry.peer {
		delete(m.locks, name)
	}
	return nil
}

// Extend pushes out the expiry of a lock held by the caller.
func (m *MockDistributedLock) Extend(ctx context.Context, name string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.held(name)
	if !ok || entry.peer {
		return fmt.Errorf("lock %s not held", name)
	}
	entry.expiry = m.now().Add(ttl)
	m.locks[name] = entry
	return nil
}

// Ping checks backend health.
func (m *MockDistributedLock) Ping(ctx context.Context) error {
	if m.PingFn != nil {
		return m.PingFn()
	}
	return nil
}

// HoldAsPeer marks name as held by another instance for ttl.
func (m *MockDistributedLock) HoldAsPeer(name string, ttl time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.locks[name] = lockEntry{peer: true, expiry: m.now().Add(ttl)}
}

// ReleasePeer drops a lock taken with HoldAsPeer.
func (m *MockDistributedLock) ReleasePeer(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.locks, name)
}

// IsHeld reports whether name is currently held by anyone.
func (m *MockDistributedLock) IsHeld(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.held(name)
	return ok
}

// Counts returns how many Acquire calls succeeded and how many were refused.
func (m *MockDistributedLock) Counts() (acquired, refused int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.acquired, m.refused
}
