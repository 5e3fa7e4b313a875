package event

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAutoResetCoalesces(t *testing.T) {
	e := NewAutoResetEvent()

	e.Set()
	e.Set()

	assert.True(t, e.TryWait())
	assert.False(t, e.TryWait(), "auto-reset event should clear after one wait")
}

func TestWaitWakesOnSet(t *testing.T) {
	tbl := NewTable()
	h := tbl.Allocate()

	done := make(chan error, 1)
	go func() {
		done <- tbl.WaitOne(context.Background(), h)
	}()

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, tbl.Set(h))

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("waiter was not woken")
	}
}

func TestWaitRespectsContext(t *testing.T) {
	tbl := NewTable()
	h := tbl.Allocate()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := tbl.WaitOne(ctx, h)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestReleaseWakesWaiters(t *testing.T) {
	tbl := NewTable()
	h := tbl.Allocate()

	done := make(chan error, 1)
	go func() {
		done <- tbl.WaitOne(context.Background(), h)
	}()

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, tbl.Release(h))

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrReleased)
	case <-time.After(time.Second):
		t.Fatal("waiter was not released")
	}
}

func TestDoubleReleaseFails(t *testing.T) {
	tbl := NewTable()
	h := tbl.Allocate()

	require.NoError(t, tbl.Release(h))
	assert.ErrorIs(t, tbl.Release(h), ErrInvalidHandle)
	assert.ErrorIs(t, tbl.Set(h), ErrInvalidHandle)
	assert.ErrorIs(t, tbl.Release(Invalid), ErrInvalidHandle)
}

func TestStats(t *testing.T) {
	tbl := NewTable()
	h1 := tbl.Allocate()
	h2 := tbl.Allocate()
	assert.NotEqual(t, h1, h2)

	require.NoError(t, tbl.Set(h1))
	require.NoError(t, tbl.Release(h2))

	stats := tbl.Stats()
	assert.Equal(t, 1, stats.Live)
	assert.Equal(t, uint64(2), stats.Allocated)
	assert.Equal(t, uint64(1), stats.Released)
	assert.Equal(t, uint64(1), stats.Signals)

	ok, err := tbl.TryWaitOne(h1)
	require.NoError(t, err)
	assert.True(t, ok)
}
