package store

import "sync"

// LockManager serializes event processing per run within one process.
// SQLite has no advisory locks; the CAS guards on every projection write are
// the cross-process backstop, and this lock is the in-process fast path that
// keeps a run's events strictly ordered without transaction retries.
type LockManager struct {
	mu    sync.Mutex
	locks map[string]*runLock
}

type runLock struct {
	mu   sync.Mutex
	refs int
}

// NewLockManager creates an empty lock manager.
func NewLockManager() *LockManager {
	return &LockManager{locks: make(map[string]*runLock)}
}

// Acquire blocks until the per-run lock is held, then returns the release
// function. Release must be called exactly once.
func (m *LockManager) Acquire(runID string) func() {
	m.mu.Lock()
	l, ok := m.locks[runID]
	if !ok {
		l = &runLock{}
		m.locks[runID] = l
	}
	l.refs++
	m.mu.Unlock()

	l.mu.Lock()

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Unlock()
			m.mu.Lock()
			l.refs--
			if l.refs == 0 {
				delete(m.locks, runID)
			}
			m.mu.Unlock()
		})
	}
}

// TryAcquire attempts the lock without blocking. It returns the release
// function and true on success.
func (m *LockManager) TryAcquire(runID string) (func(), bool) {
	m.mu.Lock()
	l, ok := m.locks[runID]
	if !ok {
		l = &runLock{}
		m.locks[runID] = l
	}
	l.refs++
	m.mu.Unlock()

	if !l.mu.TryLock() {
		m.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(m.locks, runID)
		}
		m.mu.Unlock()
		return nil, false
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Unlock()
			m.mu.Lock()
			l.refs--
			if l.refs == 0 {
				delete(m.locks, runID)
			}
			m.mu.Unlock()
		})
	}, true
}
