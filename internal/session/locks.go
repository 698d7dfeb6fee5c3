package session

import "sync"

// KeyedLocks hands out one mutex per session id. Entries are reference
// counted and dropped from the map when the last holder unlocks, so the map
// stays bounded by the number of in-flight sessions.
type KeyedLocks struct {
	mu      sync.Mutex
	entries map[string]*lockEntry
}

type lockEntry struct {
	mu   sync.Mutex
	refs int
}

func NewKeyedLocks() *KeyedLocks {
	return &KeyedLocks{entries: map[string]*lockEntry{}}
}

// Lock blocks until the caller holds the lock for id.
func (k *KeyedLocks) Lock(id string) {
	k.mu.Lock()
	e := k.entries[id]
	if e == nil {
		e = &lockEntry{}
		k.entries[id] = e
	}
	e.refs++
	k.mu.Unlock()

	e.mu.Lock()
}

func (k *KeyedLocks) Unlock(id string) {
	k.mu.Lock()
	e := k.entries[id]
	if e == nil {
		k.mu.Unlock()
		panic("session: unlock of unheld key " + id)
	}
	e.refs--
	if e.refs == 0 {
		delete(k.entries, id)
	}
	k.mu.Unlock()

	e.mu.Unlock()
}

// Held reports the number of keys with live entries. Test hook.
func (k *KeyedLocks) Held() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.entries)
}
