package swap

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newFlightEngine() *Engine {
	return &Engine{calls: make(map[string]*sharedCall), swapLocks: make(map[string]*swapLock)}
}

func (e *Engine) waiters(key string) int {
	e.callsMu.Lock()
	defer e.callsMu.Unlock()
	if c, ok := e.calls[key]; ok {
		return c.waiters
	}
	return 0
}

func TestSharedRunOutlivesCancelledCaller(t *testing.T) {
	e := newFlightEngine()
	started := make(chan struct{})
	release := make(chan struct{})
	var runs atomic.Int32
	fn := func(ctx context.Context) (*SwapOperation, error) {
		if runs.Add(1) == 1 {
			close(started)
		}
		select {
		case <-release:
			return &SwapOperation{ID: "s1", Status: StatusCompleted}, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	first, cancel := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := e.shared(first, "exec:s1", fn)
		firstErr <- err
	}()
	<-started

	type result struct {
		s   *SwapOperation
		err error
	}
	second := make(chan result, 1)
	go func() {
		s, err := e.shared(context.Background(), "exec:s1", fn)
		second <- result{s, err}
	}()
	require.Eventually(t, func() bool { return e.waiters("exec:s1") == 2 }, time.Second, time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-firstErr, context.Canceled)

	close(release)
	res := <-second
	require.NoError(t, res.err)
	assert.Equal(t, StatusCompleted, res.s.Status)
	assert.EqualValues(t, 1, runs.Load())
	assert.Zero(t, e.waiters("exec:s1"))
}

func TestSharedRunCancelledWithLastCaller(t *testing.T) {
	e := newFlightEngine()
	started := make(chan struct{})
	stopped := make(chan error, 1)
	fn := func(ctx context.Context) (*SwapOperation, error) {
		close(started)
		<-ctx.Done()
		stopped <- ctx.Err()
		return nil, ctx.Err()
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := e.shared(ctx, "exec:s2", fn)
		done <- err
	}()
	<-started
	cancel()

	assert.ErrorIs(t, <-done, context.Canceled)
	select {
	case err := <-stopped:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("run kept going after its last caller left")
	}
}

func TestLockSwapSerializes(t *testing.T) {
	e := newFlightEngine()
	unlock := e.lockSwap("s1")

	acquired := make(chan struct{})
	go func() {
		defer e.lockSwap("s1")()
		close(acquired)
	}()
	assert.Never(t, func() bool {
		select {
		case <-acquired:
			return true
		default:
			return false
		}
	}, 30*time.Millisecond, 5*time.Millisecond)

	// Other swaps are not held up.
	e.lockSwap("s2")()

	unlock()
	<-acquired
	require.Eventually(t, func() bool {
		e.swapLocksMu.Lock()
		defer e.swapLocksMu.Unlock()
		return len(e.swapLocks) == 0
	}, time.Second, time.Millisecond)
}
