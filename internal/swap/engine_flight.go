package swap

import (
	"context"
	"errors"
	"sync"

	"golang.org/x/sync/singleflight"
)

// sharedCall is the context of one shared run of an engine operation. It
// is cancelled once every caller waiting on the run has gone.
type sharedCall struct {
	ctx     context.Context
	cancel  context.CancelFunc
	waiters int
}

// shared runs fn once for all concurrent callers of key. Each caller waits
// under its own ctx; a caller leaving early does not cancel the run for
// the others.
func (e *Engine) shared(ctx context.Context, key string, fn func(context.Context) (*SwapOperation, error)) (*SwapOperation, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		e.callsMu.Lock()
		c, ok := e.calls[key]
		if !ok {
			runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
			c = &sharedCall{ctx: runCtx, cancel: cancel}
			e.calls[key] = c
		}
		c.waiters++
		ch := e.flight.DoChan(key, func() (interface{}, error) {
			return fn(c.ctx)
		})
		e.callsMu.Unlock()

		var res singleflight.Result
		select {
		case <-ctx.Done():
			e.leave(key, c)
			return nil, ctx.Err()
		case res = <-ch:
		}
		e.leave(key, c)

		// Joined a run whose callers had all gone; start a fresh one.
		if errors.Is(res.Err, context.Canceled) && ctx.Err() == nil {
			continue
		}
		s, _ := res.Val.(*SwapOperation)
		return s.Clone(), res.Err
	}
}

func (e *Engine) leave(key string, c *sharedCall) {
	e.callsMu.Lock()
	defer e.callsMu.Unlock()
	c.waiters--
	if c.waiters == 0 {
		c.cancel()
		if e.calls[key] == c {
			delete(e.calls, key)
		}
	}
}

// swapLock serializes engine work on one swap.
type swapLock struct {
	mu   sync.Mutex
	refs int
}

// lockSwap blocks until the caller holds id's lock and returns the unlock
// function.
func (e *Engine) lockSwap(id string) func() {
	e.swapLocksMu.Lock()
	l, ok := e.swapLocks[id]
	if !ok {
		l = &swapLock{}
		e.swapLocks[id] = l
	}
	l.refs++
	e.swapLocksMu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		e.swapLocksMu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(e.swapLocks, id)
		}
		e.swapLocksMu.Unlock()
	}
}
