// Package guard provides per-tenant mutual exclusion that skips instead of waiting.
package guard

import (
	"context"
	"sync"
)

// Guard admits at most one holder per tenant. A caller that finds the tenant
// held gets ok == false and must skip its work. release is safe to call more
// than once.
type Guard interface {
	TryAcquire(ctx context.Context, tenantID int64) (release func(), ok bool, err error)
}

// Local is an in-process Guard.
type Local struct {
	mu   sync.Mutex
	held map[int64]struct{}
}

// NewLocal returns an empty Local guard.
func NewLocal() *Local {
	return &Local{held: make(map[int64]struct{})}
}

func (l *Local) TryAcquire(_ context.Context, tenantID int64) (func(), bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, busy := l.held[tenantID]; busy {
		return nil, false, nil
	}
	l.held[tenantID] = struct{}{}

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.held, tenantID)
			l.mu.Unlock()
		})
	}, true, nil
}

// Held reports whether tenantID is currently held.
func (l *Local) Held(tenantID int64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.held[tenantID]
	return ok
}
