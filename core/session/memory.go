package session

import (
	"context"
	"sync"
	"time"
)

type memoryEntry struct {
	sess    *Session
	expires time.Time
}

// MemoryStore keeps sessions in process memory. Used for development and tests.
type MemoryStore struct {
	mu       sync.RWMutex
	ttl      time.Duration
	now      func() time.Time
	sessions map[Key]memoryEntry
}

// MemoryOption customizes a MemoryStore.
type MemoryOption func(*MemoryStore)

// WithClock replaces time.Now, letting tests move time forward.
func WithClock(now func() time.Time) MemoryOption {
	return func(m *MemoryStore) { m.now = now }
}

// NewMemoryStore constructs an in-memory Store whose entries live for ttl after the last write.
func NewMemoryStore(ttl time.Duration, opts ...MemoryOption) *MemoryStore {
	m := &MemoryStore{
		ttl:      ttl,
		now:      time.Now,
		sessions: make(map[Key]memoryEntry),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Get returns a copy of the live session for key.
func (m *MemoryStore) Get(_ context.Context, key Key) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.live(key)
	if !ok {
		return nil, ErrNotFound
	}
	return e.sess.Clone(), nil
}

// Put upserts s and updates s.Version to the stored version.
func (m *MemoryStore) Put(_ context.Context, s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.write(s)
	return nil
}

// CompareAndSwap writes s only if the stored version equals expected.
func (m *MemoryStore) CompareAndSwap(_ context.Context, s *Session, expected uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.live(s.Key())
	switch {
	case !ok && expected != 0:
		return ErrNotFound
	case ok && e.sess.Version != expected:
		return ErrConflict
	case ok && s.Epoch != "" && e.sess.Epoch != s.Epoch:
		return ErrConflict
	}
	m.write(s)
	return nil
}

// Delete removes a single session.
func (m *MemoryStore) Delete(_ context.Context, key Key) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.sessions, key)
	return nil
}

// PurgeUser removes every stack of the user and returns how many were live.
func (m *MemoryStore) PurgeUser(_ context.Context, userID int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for key := range m.sessions {
		if key.UserID != userID {
			continue
		}
		if _, ok := m.live(key); ok {
			n++
		}
		delete(m.sessions, key)
	}
	return n, nil
}

// PurgeExpired drops entries whose TTL elapsed.
func (m *MemoryStore) PurgeExpired(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for key := range m.sessions {
		if _, ok := m.live(key); !ok {
			delete(m.sessions, key)
			n++
		}
	}
	return n, nil
}

// Len reports the number of stored entries, expired ones included.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Close is a no-op.
func (m *MemoryStore) Close() error { return nil }

// live must be called with m.mu held.
func (m *MemoryStore) live(key Key) (memoryEntry, bool) {
	e, ok := m.sessions[key]
	if !ok || (m.ttl > 0 && !m.now().Before(e.expires)) {
		return memoryEntry{}, false
	}
	return e, true
}

// write must be called with m.mu held.
func (m *MemoryStore) write(s *Session) {
	now := m.now()
	key := s.Key()
	stored := s.Clone()

	stored.Version = 1
	if prev, ok := m.sessions[key]; ok {
		// monotonic across expiry
		stored.Version = prev.sess.Version + 1
	}
	if prev, ok := m.live(key); ok {
		stored.Data = merge(prev.sess.Data, s.Data)
		stored.CreatedAt = prev.sess.CreatedAt
		stored.Epoch = prev.sess.Epoch
	} else {
		stored.Data = merge(nil, s.Data)
		stored.CreatedAt = now
		stored.Epoch = newEpoch()
	}
	stored.UpdatedAt = now
	m.sessions[key] = memoryEntry{sess: stored, expires: now.Add(m.ttl)}

	s.Version = stored.Version
	s.Epoch = stored.Epoch
	s.CreatedAt = stored.CreatedAt
	s.UpdatedAt = now
}
