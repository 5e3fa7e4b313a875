package ring

import (
	"errors"
	"fmt"
	"sync/atomic"
)

var (
	// ErrFull is returned by Add when every slot holds an undelivered record.
	// Capacity is a configuration contract; callers treat this as fatal.
	ErrFull = errors.New("ring: log full")

	// ErrInvalidCapacity is returned by NewLog for capacities outside [1, MaxCapacity]
	ErrInvalidCapacity = errors.New("ring: invalid capacity")
)

// MaxCapacity bounds the slot count so the pending counter and slot indexes stay small.
const MaxCapacity = 1 << 16

// MisuseError is the panic value raised when the single-producer discipline is broken.
type MisuseError struct {
	Pending uint32
}

func (e *MisuseError) Error() string {
	return fmt.Sprintf("ring: concurrent producers detected (pending=%d after consumer reset)", e.Pending)
}

// Log is a bounded single-producer/single-consumer append log.
//
// The producer writes slot n and publishes it by advancing pending from n to
// n+1. The consumer applies every slot below pending and then swings pending
// back to zero. If the consumer resets between the producer's read and its
// publish, the producer retries once at slot 0; no other interleaving can make
// the publish fail.
type Log[T any] struct {
	slots   []T
	pending atomic.Uint32

	// consumer-only
	cursor uint32
}

// NewLog allocates a log with capacity slots. init, if set, prepares each slot once.
func NewLog[T any](capacity int, init func(*T)) (*Log[T], error) {
	if capacity <= 0 || capacity > MaxCapacity {
		return nil, fmt.Errorf("%w: %d", ErrInvalidCapacity, capacity)
	}
	l := &Log[T]{slots: make([]T, capacity)}
	if init != nil {
		for i := range l.slots {
			init(&l.slots[i])
		}
	}
	return l, nil
}

// Capacity returns the number of slots
func (l *Log[T]) Capacity() int { return len(l.slots) }

// Len returns the number of published, undelivered records
func (l *Log[T]) Len() int { return int(l.pending.Load()) }

// Add fills the next free slot with fill and publishes it. Producer only.
func (l *Log[T]) Add(fill func(*T)) error {
	n := l.pending.Load()
	if int(n) >= len(l.slots) {
		return fmt.Errorf("%w: %d of %d slots pending", ErrFull, n, len(l.slots))
	}

	fill(&l.slots[n])
	if l.pending.CompareAndSwap(n, n+1) {
		return nil
	}

	// The consumer drained everything and reset the counter.
	if cur := l.pending.Load(); cur != 0 {
		panic(&MisuseError{Pending: cur})
	}
	fill(&l.slots[0])
	if !l.pending.CompareAndSwap(0, 1) {
		panic(&MisuseError{Pending: l.pending.Load()})
	}
	return nil
}

// Drain applies every published record in append order and resets the log.
// It returns the number of records applied. Consumer only.
//
// A slot is reused once Drain returns, so apply must copy what it keeps.
func (l *Log[T]) Drain(apply func(*T)) int {
	delivered := 0
	for {
		n := l.pending.Load()
		if n == 0 {
			l.cursor = 0
			return delivered
		}
		for ; l.cursor < n; l.cursor++ {
			apply(&l.slots[l.cursor])
			delivered++
		}
		if l.pending.CompareAndSwap(n, 0) {
			l.cursor = 0
			return delivered
		}
	}
}

// Reset clears every slot with clear, without delivering. Neither side may be active.
func (l *Log[T]) Reset(clear func(*T)) {
	if clear != nil {
		for i := range l.slots {
			clear(&l.slots[i])
		}
	}
	l.pending.Store(0)
	l.cursor = 0
}
