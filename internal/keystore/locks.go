package keystore

import "sync"

// assetLocks hands out one mutex per asset name. Entries are reference
// counted and dropped once no caller holds or waits on them.
type assetLocks struct {
	mu    sync.Mutex
	locks map[string]*assetLock
}

type assetLock struct {
	mu   sync.Mutex
	refs int
}

func newAssetLocks() *assetLocks {
	return &assetLocks{locks: make(map[string]*assetLock)}
}

// lock blocks until name is held and returns the matching unlock
func (l *assetLocks) lock(name string) func() {
	l.mu.Lock()
	al, ok := l.locks[name]
	if !ok {
		al = &assetLock{}
		l.locks[name] = al
	}
	al.refs++
	l.mu.Unlock()

	al.mu.Lock()

	return func() {
		al.mu.Unlock()

		l.mu.Lock()
		al.refs--
		if al.refs == 0 {
			delete(l.locks, name)
		}
		l.mu.Unlock()
	}
}
