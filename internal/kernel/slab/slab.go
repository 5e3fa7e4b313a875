// Package slab is a free-list allocator for fixed-size kernel objects.
//
// Objects are carved from chunks allocated up front and recycled through a
// free list, so taking one never reaches the general allocator once the pool
// has grown to its working size. A hard limit turns runaway growth into an
// ErrExhausted error instead of unbounded memory use.
package slab

import (
	"errors"
	"fmt"
	"sync"
)

var ErrExhausted = errors.New("slab: pool exhausted")

// Pool hands out *T from chunked storage.
type Pool[T any] struct {
	mu     sync.Mutex
	free   []*T
	chunk  int
	limit  int
	carved int
	inUse  int
	reset  func(*T)
}

// New creates a pool growing by chunk objects at a time up to limit objects
// (0 = unlimited). reset, if set, runs on every object returned with Free.
func New[T any](chunk, limit int, reset func(*T)) *Pool[T] {
	if chunk <= 0 {
		chunk = 64
	}
	return &Pool[T]{chunk: chunk, limit: limit, reset: reset}
}

// grow carves one chunk. Caller holds mu.
func (p *Pool[T]) grow() error {
	n := p.chunk
	if p.limit > 0 {
		if p.carved >= p.limit {
			return fmt.Errorf("%w: %d objects in use", ErrExhausted, p.inUse)
		}
		if p.carved+n > p.limit {
			n = p.limit - p.carved
		}
	}

	block := make([]T, n)
	for i := n - 1; i >= 0; i-- {
		p.free = append(p.free, &block[i])
	}
	p.carved += n
	return nil
}

// Alloc takes an object off the free list, growing the pool if needed.
func (p *Pool[T]) Alloc() (*T, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.free) == 0 {
		if err := p.grow(); err != nil {
			return nil, err
		}
	}

	obj := p.free[len(p.free)-1]
	p.free[len(p.free)-1] = nil
	p.free = p.free[:len(p.free)-1]
	p.inUse++
	return obj, nil
}

// Free returns obj to the pool.
func (p *Pool[T]) Free(obj *T) {
	if obj == nil {
		return
	}
	if p.reset != nil {
		p.reset(obj)
	}

	p.mu.Lock()
	p.free = append(p.free, obj)
	p.inUse--
	p.mu.Unlock()
}

// Stats is a point-in-time view of the pool
type Stats struct {
	InUse  int `json:"in_use"`
	Free   int `json:"free"`
	Carved int `json:"carved"`
	Limit  int `json:"limit"`
}

// Stats returns the pool counters
func (p *Pool[T]) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{InUse: p.inUse, Free: len(p.free), Carved: p.carved, Limit: p.limit}
}

// InUse returns the number of objects handed out and not yet freed
func (p *Pool[T]) InUse() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.inUse
}
