package memory

import "sync"

// userLocks hands out one RWMutex per user so that different users never
// contend with each other.
type userLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.RWMutex
}

func newUserLocks() *userLocks {
	return &userLocks{locks: make(map[string]*sync.RWMutex)}
}

func (l *userLocks) get(userID string) *sync.RWMutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	m, ok := l.locks[userID]
	if !ok {
		m = &sync.RWMutex{}
		l.locks[userID] = m
	}
	return m
}

func (l *userLocks) lock(userID string) func() {
	m := l.get(userID)
	m.Lock()
	return m.Unlock
}

func (l *userLocks) rlock(userID string) func() {
	m := l.get(userID)
	m.RLock()
	return m.RUnlock
}
