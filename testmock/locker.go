package testmock

import (
	"context"
	"sync"

	"github.com/brookhq/brook"
)

// Locker is an in-memory brook.Locker. Tests can hold a lock externally via
// Hold to simulate another node owning a subscription.
type Locker struct {
	mu   sync.Mutex
	held map[int64]bool
}

// NewLocker returns a new in-memory locker.
func NewLocker() *Locker {
	return &Locker{held: make(map[int64]bool)}
}

// Hold takes the lock for id out of band, as if held by another session.
// It returns false if already held.
func (l *Locker) Hold(id int64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[id] {
		return false
	}
	l.held[id] = true
	return true
}

// Release releases a lock taken with Hold.
func (l *Locker) Release(id int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.held, id)
}

func (l *Locker) TryLock(_ context.Context, id int64) (brook.Unlocker, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.held[id] {
		return nil, false, nil
	}
	l.held[id] = true
	return &memLock{l: l, id: id}, true, nil
}

type memLock struct {
	l  *Locker
	id int64
}

func (m *memLock) Unlock() error {
	m.l.Release(m.id)
	return nil
}

var _ brook.Locker = (*Locker)(nil)
