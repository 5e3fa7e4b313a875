package event

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
)

var (
	ErrInvalidHandle = errors.New("event: invalid handle")
	ErrReleased      = errors.New("event: handle released while waiting")
)

// Handle names a kernel event. The zero handle is never allocated.
type Handle uint64

// Invalid is the zero handle.
const Invalid Handle = 0

// AutoResetEvent wakes one waiter per Set. A Set with no waiter stays
// signalled until the next wait consumes it.
type AutoResetEvent struct {
	signal chan struct{}
	closed chan struct{}
	once   sync.Once
}

// NewAutoResetEvent creates an unsignalled event
func NewAutoResetEvent() *AutoResetEvent {
	return &AutoResetEvent{
		signal: make(chan struct{}, 1),
		closed: make(chan struct{}),
	}
}

// Set signals the event. Repeated sets before a wait coalesce.
func (e *AutoResetEvent) Set() {
	select {
	case e.signal <- struct{}{}:
	default:
	}
}

// Wait blocks until the event is signalled, the event is closed, or ctx ends.
func (e *AutoResetEvent) Wait(ctx context.Context) error {
	select {
	case <-e.signal:
		return nil
	case <-e.closed:
		return ErrReleased
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TryWait consumes a pending signal without blocking.
func (e *AutoResetEvent) TryWait() bool {
	select {
	case <-e.signal:
		return true
	default:
		return false
	}
}

func (e *AutoResetEvent) close() {
	e.once.Do(func() { close(e.closed) })
}

// Stats holds handle table counters
type Stats struct {
	Live      int    `json:"live"`
	Allocated uint64 `json:"allocated"`
	Released  uint64 `json:"released"`
	Signals   uint64 `json:"signals"`
}

// Table maps handles to kernel-owned events.
type Table struct {
	mu     sync.RWMutex
	events map[Handle]*AutoResetEvent
	next   Handle

	allocated atomic.Uint64
	released  atomic.Uint64
	signals   atomic.Uint64
}

// NewTable creates an empty handle table
func NewTable() *Table {
	return &Table{events: make(map[Handle]*AutoResetEvent)}
}

// Allocate creates a new auto-reset event and returns its handle.
func (t *Table) Allocate() Handle {
	t.mu.Lock()
	t.next++
	h := t.next
	t.events[h] = NewAutoResetEvent()
	t.mu.Unlock()

	t.allocated.Add(1)
	return h
}

func (t *Table) lookup(h Handle) (*AutoResetEvent, error) {
	t.mu.RLock()
	e, ok := t.events[h]
	t.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrInvalidHandle, h)
	}
	return e, nil
}

// Set signals the event behind h.
func (t *Table) Set(h Handle) error {
	e, err := t.lookup(h)
	if err != nil {
		return err
	}
	e.Set()
	t.signals.Add(1)
	return nil
}

// WaitOne blocks on the event behind h. There is no timeout; callers bound it with ctx.
func (t *Table) WaitOne(ctx context.Context, h Handle) error {
	e, err := t.lookup(h)
	if err != nil {
		return err
	}
	return e.Wait(ctx)
}

// TryWaitOne consumes a pending signal on h without blocking.
func (t *Table) TryWaitOne(h Handle) (bool, error) {
	e, err := t.lookup(h)
	if err != nil {
		return false, err
	}
	return e.TryWait(), nil
}

// Release frees h. Waiters still blocked on it return ErrReleased.
// Releasing an unknown or already released handle is an error.
func (t *Table) Release(h Handle) error {
	t.mu.Lock()
	e, ok := t.events[h]
	if ok {
		delete(t.events, h)
	}
	t.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %d", ErrInvalidHandle, h)
	}
	e.close()
	t.released.Add(1)
	return nil
}

// Len returns the number of live handles
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.events)
}

// Stats returns a snapshot of the table counters
func (t *Table) Stats() Stats {
	return Stats{
		Live:      t.Len(),
		Allocated: t.allocated.Load(),
		Released:  t.released.Load(),
		Signals:   t.signals.Load(),
	}
}
