package protocol

import "sync"

// instanceLocks serializes steps of one instance while letting distinct
// instances run concurrently
type instanceLocks struct {
	mu    sync.Mutex
	locks map[InstanceKey]*instanceLock
}

type instanceLock struct {
	sync.Mutex
	refs int
}

func newInstanceLocks() *instanceLocks {
	return &instanceLocks{locks: make(map[InstanceKey]*instanceLock)}
}

// lock blocks until key is free and returns the matching unlock
func (l *instanceLocks) lock(key InstanceKey) func() {
	l.mu.Lock()
	il, ok := l.locks[key]
	if !ok {
		il = &instanceLock{}
		l.locks[key] = il
	}
	il.refs++
	l.mu.Unlock()

	il.Lock()
	return func() {
		il.Unlock()
		l.mu.Lock()
		il.refs--
		if il.refs == 0 {
			delete(l.locks, key)
		}
		l.mu.Unlock()
	}
}

// size returns the number of keys currently held or waited on
func (l *instanceLocks) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
