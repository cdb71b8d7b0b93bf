package orchestrator

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPoolLifecycle(t *testing.T) {
	p := NewPool(4)
	assert.ErrorIs(t, p.Submit(func() {}), ErrPoolNotStarted)
	require.NoError(t, p.Start(2))
	assert.Error(t, p.Start(2))
	assert.Equal(t, 2, p.Size())

	var ran atomic.Int32
	for i := 0; i < 4; i++ {
		require.NoError(t, p.Submit(func() { ran.Add(1) }))
	}
	require.Eventually(t, func() bool { return ran.Load() == 4 }, time.Second, time.Millisecond)

	require.NoError(t, p.Stop(context.Background()))
	assert.ErrorIs(t, p.Submit(func() {}), ErrPoolClosed)
	require.NoError(t, p.Stop(context.Background()))
}

func TestPoolSubmitNeverBlocks(t *testing.T) {
	p := NewPool(1)
	require.NoError(t, p.Start(1))
	gate := make(chan struct{})
	started := make(chan struct{})
	require.NoError(t, p.Submit(func() { close(started); <-gate }))
	<-started
	require.NoError(t, p.Submit(func() {}))
	assert.ErrorIs(t, p.Submit(func() {}), ErrPoolFull)
	close(gate)
	require.NoError(t, p.Stop(context.Background()))
}

func TestPoolSurvivesPanics(t *testing.T) {
	p := NewPool(2)
	require.NoError(t, p.Start(1))
	done := make(chan struct{})
	require.NoError(t, p.Submit(func() { panic("boom") }))
	require.NoError(t, p.Submit(func() { close(done) }))
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker died after panic")
	}
	require.NoError(t, p.Stop(context.Background()))
}
