package lock

import (
	"container/list"
	"sync"
	"time"
)

// localTable is the in-process lock tier: a capacity-bounded LRU map of
// per-key holders. Bounding the map keeps memory flat under high key
// cardinality; an entry is only evictable while it is not held, so eviction
// can never break mutual exclusion. Entries carry the lease deadline so a
// lapsed holder in this process does not pin the key forever.
type localTable struct {
	mu       sync.Mutex
	capacity int
	elems    map[string]*list.Element
	order    *list.List // front = most recently touched
}

type localEntry struct {
	key       string
	token     string    // empty when not held
	expiresAt time.Time // lease deadline while held
}

func newLocalTable(capacity int) *localTable {
	return &localTable{
		capacity: capacity,
		elems:    make(map[string]*list.Element),
		order:    list.New(),
	}
}

func (e *localEntry) held(now time.Time) bool {
	return e.token != "" && now.Before(e.expiresAt)
}

// tryAcquire claims key for token until expiresAt. It returns false without
// blocking when another token currently holds the key; a lapsed holder
// counts as free.
func (t *localTable) tryAcquire(key, token string, expiresAt time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if elem, ok := t.elems[key]; ok {
		entry := elem.Value.(*localEntry)
		if entry.held(time.Now()) {
			return false
		}
		entry.token = token
		entry.expiresAt = expiresAt
		t.order.MoveToFront(elem)
		return true
	}

	elem := t.order.PushFront(&localEntry{key: key, token: token, expiresAt: expiresAt})
	t.elems[key] = elem
	t.evictLocked()
	return true
}

// release frees key if token owns it; a foreign token is a no-op.
func (t *localTable) release(key, token string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	elem, ok := t.elems[key]
	if !ok {
		return
	}
	entry := elem.Value.(*localEntry)
	if entry.token != token {
		return
	}
	entry.token = ""
	t.evictLocked()
}

// renew extends the deadline of a lease this token still owns.
func (t *localTable) renew(key, token string, expiresAt time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	elem, ok := t.elems[key]
	if !ok {
		return
	}
	entry := elem.Value.(*localEntry)
	if entry.token != token {
		return
	}
	entry.expiresAt = expiresAt
}

// evictLocked drops the oldest unheld entries until the table fits its
// capacity. Held entries are pinned and skipped.
func (t *localTable) evictLocked() {
	now := time.Now()
	for elem := t.order.Back(); elem != nil && len(t.elems) > t.capacity; {
		prev := elem.Prev()
		entry := elem.Value.(*localEntry)
		if !entry.held(now) {
			t.order.Remove(elem)
			delete(t.elems, entry.key)
		}
		elem = prev
	}
}

func (t *localTable) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.elems)
}
