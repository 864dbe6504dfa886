package reconciler

import "sync"

// tableLocker hands out one mutex per table.
type tableLocker struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newTableLocker() *tableLocker {
	return &tableLocker{
		locks: make(map[string]*sync.Mutex),
	}
}

func (l *tableLocker) Lock(table string) func() {
	l.mu.Lock()
	lock, ok := l.locks[table]
	if !ok {
		lock = &sync.Mutex{}
		l.locks[table] = lock
	}
	l.mu.Unlock()

	lock.Lock()
	return lock.Unlock
}
