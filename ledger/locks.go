package ledger

import (
	"sort"
	"sync"
)

// Locker serializes work per entity key.
//
// Lock ordering: every key set is locked in sorted order, and "event:" keys
// sort before "user:" keys. Callers that lock incrementally (an event first,
// then the users found on it) therefore still follow one global order.
type Locker struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

func NewLocker() *Locker {
	return &Locker{locks: make(map[string]*keyLock)}
}

func userKey(id UserID) string   { return "user:" + string(id) }
func eventKey(id EventID) string { return "event:" + string(id) }

// Lock acquires every key and returns a function releasing them.
// Duplicate keys are locked once.
func (l *Locker) Lock(keys ...string) (unlock func()) {
	keys = dedupeSorted(keys)
	held := make([]*keyLock, 0, len(keys))
	for _, k := range keys {
		kl := l.acquireRef(k)
		kl.mu.Lock()
		held = append(held, kl)
	}
	return func() {
		for i := len(held) - 1; i >= 0; i-- {
			held[i].mu.Unlock()
			l.releaseRef(keys[i], held[i])
		}
	}
}

func (l *Locker) acquireRef(k string) *keyLock {
	l.mu.Lock()
	defer l.mu.Unlock()
	kl, ok := l.locks[k]
	if !ok {
		kl = &keyLock{}
		l.locks[k] = kl
	}
	kl.refs++
	return kl
}

func (l *Locker) releaseRef(k string, kl *keyLock) {
	l.mu.Lock()
	defer l.mu.Unlock()
	kl.refs--
	if kl.refs == 0 {
		delete(l.locks, k)
	}
}

func dedupeSorted(keys []string) []string {
	out := append([]string(nil), keys...)
	sort.Strings(out)
	n := 0
	for i, k := range out {
		if i > 0 && k == out[n-1] {
			continue
		}
		out[n] = k
		n++
	}
	return out[:n]
}
