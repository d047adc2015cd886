package workflow

import "sync"

// instanceLocks hands out one mutex per instance id. Entries are dropped
// once no goroutine holds or waits on them.
type instanceLocks struct {
	mu    sync.Mutex
	locks map[uint64]*instanceLock
}

type instanceLock struct {
	mu   sync.Mutex
	refs int
}

func newInstanceLocks() *instanceLocks {
	return &instanceLocks{locks: make(map[uint64]*instanceLock)}
}

// lock blocks until the caller owns the instance and returns the release func.
func (l *instanceLocks) lock(id uint64) func() {
	l.mu.Lock()
	il, ok := l.locks[id]
	if !ok {
		il = &instanceLock{}
		l.locks[id] = il
	}
	il.refs++
	l.mu.Unlock()

	il.mu.Lock()
	return func() {
		il.mu.Unlock()
		l.mu.Lock()
		il.refs--
		if il.refs == 0 {
			delete(l.locks, id)
		}
		l.mu.Unlock()
	}
}

func (l *instanceLocks) len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
