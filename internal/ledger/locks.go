package ledger

import (
	"context"
	"sync"
)

// accountLocks serialises work per account. Entries are dropped once no
// goroutine holds or waits for them.
type accountLocks struct {
	mu sync.Mutex
	m  map[string]*accountLock
}

type accountLock struct {
	ch   chan struct{}
	refs int
}

func newAccountLocks() *accountLocks {
	return &accountLocks{m: make(map[string]*accountLock)}
}

// lock blocks until id is free or ctx ends. The returned func releases it.
func (l *accountLocks) lock(ctx context.Context, id string) (func(), error) {
	l.mu.Lock()
	e, ok := l.m[id]
	if !ok {
		e = &accountLock{ch: make(chan struct{}, 1)}
		l.m[id] = e
	}
	e.refs++
	l.mu.Unlock()

	select {
	case e.ch <- struct{}{}:
	case <-ctx.Done():
		l.release(id, e)
		return nil, ctx.Err()
	}
	return func() {
		<-e.ch
		l.release(id, e)
	}, nil
}

func (l *accountLocks) release(id string, e *accountLock) {
	l.mu.Lock()
	e.refs--
	if e.refs == 0 {
		delete(l.m, id)
	}
	l.mu.Unlock()
}

func (l *accountLocks) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.m)
}
