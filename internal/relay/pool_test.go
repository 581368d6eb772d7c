package relay

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPoolBoundsConcurrency(t *testing.T) {
	p := NewPool(4)
	defer p.Close()

	var running, peak atomic.Int64
	release := make(chan struct{})
	done := make(chan struct{}, 5)
	for i := 0; i < 5; i++ {
		err := p.Submit(2, func() {
			n := running.Add(1)
			for {
				old := peak.Load()
				if n <= old || peak.CompareAndSwap(old, n) {
					break
				}
			}
			<-release
			running.Add(-1)
			done <- struct{}{}
		}, nil)
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool { return p.Queued() == 3 && p.Running() == 4 }, time.Second, time.Millisecond)
	close(release)
	for i := 0; i < 5; i++ {
		<-done
	}
	assert.Equal(t, int64(2), peak.Load())
	assert.Equal(t, 4, p.Size())
}

func TestPoolCloseAbandonsQueued(t *testing.T) {
	p := NewPool(2)

	release := make(chan struct{})
	require.NoError(t, p.Submit(2, func() { <-release }, nil))

	abandoned := make(chan error, 1)
	ran := make(chan struct{}, 1)
	require.NoError(t, p.Submit(2, func() { ran <- struct{}{} }, func(err error) { abandoned <- err }))
	require.Eventually(t, func() bool { return p.Queued() == 1 }, time.Second, time.Millisecond)

	closed := make(chan struct{})
	go func() {
		p.Close()
		close(closed)
	}()

	select {
	case err := <-abandoned:
		assert.ErrorIs(t, err, ErrPoolClosed)
	case <-time.After(time.Second):
		t.Fatal("queued task was not abandoned")
	}

	close(release)
	<-closed
	assert.Empty(t, ran)
	assert.ErrorIs(t, p.Submit(1, func() {}, nil), ErrPoolClosed)
	p.Close()
}

func TestPoolRejectsOversizedTask(t *testing.T) {
	p := NewPool(2)
	defer p.Close()
	assert.Error(t, p.Submit(3, func() {}, nil))
}
