package voice

import (
	"container/list"
	"context"
	"sync"
	"time"
)

// JoinLock is a mutex with FIFO hand-off and bounded acquisition. One lock
// exists per guild and serializes its connection transitions.
type JoinLock struct {
	mu      sync.Mutex
	held    bool
	waiters list.List // of chan struct{}
}

// Acquire blocks until the lock is handed to the caller, timeout elapses
// (timeout <= 0 waits for ctx only) or ctx ends. The returned release func is
// idempotent. A timeout is reported as *ConcurrencyError; the guild and op
// fields are left for the caller to fill in.
func (l *JoinLock) Acquire(ctx context.Context, timeout time.Duration) (func(), error) {
	l.mu.Lock()
	if !l.held && l.waiters.Len() == 0 {
		l.held = true
		l.mu.Unlock()
		return l.releaser(), nil
	}
	ch := make(chan struct{})
	elem := l.waiters.PushBack(ch)
	l.mu.Unlock()

	var timeoutC <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		timeoutC = timer.C
	}

	var err error
	select {
	case <-ch:
		return l.releaser(), nil
	case <-timeoutC:
		err = &ConcurrencyError{Timeout: timeout}
	case <-ctx.Done():
		err = ctx.Err()
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	select {
	case <-ch:
		// Handed over while giving up: pass it on.
		l.handoffLocked()
	default:
		l.waiters.Remove(elem)
	}
	return nil, err
}

// TryAcquire takes the lock only when it is free and nobody is waiting.
func (l *JoinLock) TryAcquire() (func(), bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held || l.waiters.Len() > 0 {
		return nil, false
	}
	l.held = true
	return l.releaser(), true
}

// Locked reports whether the lock is currently held.
func (l *JoinLock) Locked() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.held
}

func (l *JoinLock) releaser() func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			l.handoffLocked()
			l.mu.Unlock()
		})
	}
}

// handoffLocked passes ownership to the oldest waiter or frees the lock.
func (l *JoinLock) handoffLocked() {
	front := l.waiters.Front()
	if front == nil {
		l.held = false
		return
	}
	l.waiters.Remove(front)
	close(front.Value.(chan struct{}))
}
