package heap

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

var (
	ErrOutOfMemory   = errors.New("heap: out of memory")
	ErrInvalidSize   = errors.New("heap: invalid allocation size")
	ErrNotOwned      = errors.New("heap: allocation does not belong to this heap")
	ErrFreed         = errors.New("heap: allocation already freed")
	ErrOutOfRange    = errors.New("heap: access out of range")
	ErrNilAllocation = errors.New("heap: nil allocation")
)

// ProcessID identifies the process owning an allocation.
type ProcessID uint32

// KernelProcessID owns every allocation held by the kernel itself.
const KernelProcessID ProcessID = 0

// OwnerKind tags what an allocation is used for.
type OwnerKind uint8

const (
	OwnerData OwnerKind = iota
	OwnerEndpoint
	OwnerEndpointPeer
)

// String returns the string representation of the owner kind
func (k OwnerKind) String() string {
	switch k {
	case OwnerData:
		return "data"
	case OwnerEndpoint:
		return "endpoint"
	case OwnerEndpointPeer:
		return "endpoint-peer"
	default:
		return "unknown"
	}
}

// TypeTag names the static type stored in a block. Pointer marshalling checks it.
type TypeTag string

// block is the memory behind one or more allocation records.
type block struct {
	mu   sync.RWMutex
	data []byte
	ptrs map[int]*Allocation
	tag  TypeTag
	refs atomic.Int32
	home *Heap
}

// Allocation is one reference to a block. Shared allocations alias the same block.
type Allocation struct {
	id     uint64
	heap   *Heap
	block  *block
	offset int
	size   int
	kind   OwnerKind
	owner  atomic.Uint32
	freed  atomic.Bool
}

// ID returns the allocation id, unique within its heap
func (a *Allocation) ID() uint64 { return a.id }

// Heap returns the heap that holds this allocation record
func (a *Allocation) Heap() *Heap { return a.heap }

// Size returns the number of addressable bytes
func (a *Allocation) Size() int { return a.size }

// Kind returns the owner kind tag
func (a *Allocation) Kind() OwnerKind { return a.kind }

// Type returns the type tag of the underlying block
func (a *Allocation) Type() TypeTag { return a.block.tag }

// Owner returns the owning process
func (a *Allocation) Owner() ProcessID { return ProcessID(a.owner.Load()) }

// Freed reports whether Free has been called on this record
func (a *Allocation) Freed() bool { return a.freed.Load() }

// SameBlock reports whether both records alias the same memory.
func (a *Allocation) SameBlock(b *Allocation) bool {
	if a == nil || b == nil {
		return false
	}
	return a.block == b.block
}

// Shares returns the number of live records referencing the block
func (a *Allocation) Shares() int { return int(a.block.refs.Load()) }

func (a *Allocation) bounds(off, n int) error {
	if a.freed.Load() {
		return ErrFreed
	}
	if off < 0 || n < 0 || off+n > a.size {
		return fmt.Errorf("%w: [%d,%d) of %d", ErrOutOfRange, off, off+n, a.size)
	}
	return nil
}

// ReadAt copies len(p) bytes starting at off.
func (a *Allocation) ReadAt(p []byte, off int) (int, error) {
	if err := a.bounds(off, len(p)); err != nil {
		return 0, err
	}
	a.block.mu.RLock()
	defer a.block.mu.RUnlock()
	return copy(p, a.block.data[a.offset+off:]), nil
}

// WriteAt copies p into the allocation starting at off.
func (a *Allocation) WriteAt(p []byte, off int) (int, error) {
	if err := a.bounds(off, len(p)); err != nil {
		return 0, err
	}
	a.block.mu.Lock()
	defer a.block.mu.Unlock()
	return copy(a.block.data[a.offset+off:], p), nil
}

// Uint32At reads a little-endian word.
func (a *Allocation) Uint32At(off int) (uint32, error) {
	var buf [4]byte
	if _, err := a.ReadAt(buf[:], off); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(buf[:]), nil
}

// PutUint32At writes a little-endian word.
func (a *Allocation) PutUint32At(off int, v uint32) error {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	_, err := a.WriteAt(buf[:], off)
	return err
}

// PointerAt returns the allocation stored in the pointer field at off, or nil.
func (a *Allocation) PointerAt(off int) (*Allocation, error) {
	if err := a.bounds(off, 0); err != nil {
		return nil, err
	}
	a.block.mu.RLock()
	defer a.block.mu.RUnlock()
	return a.block.ptrs[a.offset+off], nil
}

// SetPointerAt stores p in the pointer field at off. A nil p clears the field.
func (a *Allocation) SetPointerAt(off int, p *Allocation) error {
	if err := a.bounds(off, 0); err != nil {
		return err
	}
	a.block.mu.Lock()
	defer a.block.mu.Unlock()
	if p == nil {
		delete(a.block.ptrs, a.offset+off)
		return nil
	}
	if a.block.ptrs == nil {
		a.block.ptrs = make(map[int]*Allocation)
	}
	a.block.ptrs[a.offset+off] = p
	return nil
}

// Pointers returns a snapshot of the pointer fields keyed by offset.
func (a *Allocation) Pointers() map[int]*Allocation {
	a.block.mu.RLock()
	defer a.block.mu.RUnlock()
	out := make(map[int]*Allocation, len(a.block.ptrs))
	for off, p := range a.block.ptrs {
		if off >= a.offset && off < a.offset+a.size {
			out[off-a.offset] = p
		}
	}
	return out
}

// Heap is one shared-heap instance. Every protection domain owns one.
type Heap struct {
	id       uuid.UUID
	name     string
	capacity int64
	used     atomic.Int64

	mu     sync.Mutex
	nextID uint64
	allocs map[uint64]*Allocation
}

// New creates a heap. A capacity of zero means unbounded.
func New(name string, capacity int64) *Heap {
	return &Heap{
		id:       uuid.New(),
		name:     name,
		capacity: capacity,
		allocs:   make(map[uint64]*Allocation),
	}
}

// ID returns the protection domain identity
func (h *Heap) ID() uuid.UUID { return h.id }

// Name returns the heap name
func (h *Heap) Name() string { return h.name }

// Used returns the bytes currently backing live blocks homed in this heap
func (h *Heap) Used() int64 { return h.used.Load() }

// Capacity returns the configured capacity (0 = unbounded)
func (h *Heap) Capacity() int64 { return h.capacity }

// Len returns the number of live allocation records
func (h *Heap) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.allocs)
}

// Contains reports whether a is a live record of this heap.
func (h *Heap) Contains(a *Allocation) bool {
	if a == nil {
		return false
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.allocs[a.id] == a
}

func (h *Heap) reserve(n int64) error {
	for {
		used := h.used.Load()
		if h.capacity > 0 && used+n > h.capacity {
			return fmt.Errorf("%w: %s needs %d bytes, %d of %d in use", ErrOutOfMemory, h.name, n, used, h.capacity)
		}
		if h.used.CompareAndSwap(used, used+n) {
			return nil
		}
	}
}

func (h *Heap) record(b *block, owner ProcessID, kind OwnerKind, offset, size int) *Allocation {
	a := &Allocation{
		heap:   h,
		block:  b,
		offset: offset,
		size:   size,
		kind:   kind,
	}
	a.owner.Store(uint32(owner))
	b.refs.Add(1)

	h.mu.Lock()
	h.nextID++
	a.id = h.nextID
	h.allocs[a.id] = a
	h.mu.Unlock()
	return a
}

func (h *Heap) newBlock(size int, tag TypeTag) (*block, error) {
	if size <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidSize, size)
	}
	if err := h.reserve(int64(size)); err != nil {
		return nil, err
	}
	return &block{data: make([]byte, size), tag: tag, home: h}, nil
}

// Allocate creates a zeroed block of size bytes owned by owner.
func (h *Heap) Allocate(owner ProcessID, size int, tag TypeTag, kind OwnerKind) (*Allocation, error) {
	b, err := h.newBlock(size, tag)
	if err != nil {
		return nil, err
	}
	return h.record(b, owner, kind, 0, size), nil
}

// Free drops the record and reports whether it was the last reference to the block.
func (h *Heap) Free(a *Allocation) (bool, error) {
	if a == nil {
		return false, ErrNilAllocation
	}
	h.mu.Lock()
	if h.allocs[a.id] != a {
		h.mu.Unlock()
		if a.freed.Load() {
			return false, ErrFreed
		}
		return false, ErrNotOwned
	}
	delete(h.allocs, a.id)
	h.mu.Unlock()

	a.freed.Store(true)
	last := a.block.refs.Add(-1) == 0
	if last {
		a.block.home.used.Add(-int64(len(a.block.data)))
	}
	return last, nil
}

// Share creates a second record in h aliasing size bytes of a at offset.
func (h *Heap) Share(a *Allocation, owner ProcessID, kind OwnerKind, offset, size int) (*Allocation, error) {
	if a == nil {
		return nil, ErrNilAllocation
	}
	if err := a.bounds(offset, size); err != nil {
		return nil, err
	}
	return h.record(a.block, owner, kind, a.offset+offset, size), nil
}

// ShallowCopy copies a's bytes into a new block in h. Pointer fields are copied by reference.
func (h *Heap) ShallowCopy(a *Allocation, owner ProcessID, kind OwnerKind) (*Allocation, error) {
	if a == nil {
		return nil, ErrNilAllocation
	}
	if a.freed.Load() {
		return nil, ErrFreed
	}
	b, err := h.newBlock(a.size, a.block.tag)
	if err != nil {
		return nil, err
	}

	a.block.mu.RLock()
	copy(b.data, a.block.data[a.offset:a.offset+a.size])
	for off, p := range a.block.ptrs {
		if off >= a.offset && off < a.offset+a.size {
			if b.ptrs == nil {
				b.ptrs = make(map[int]*Allocation)
			}
			b.ptrs[off-a.offset] = p
		}
	}
	a.block.mu.RUnlock()

	return h.record(b, owner, kind, 0, a.size), nil
}

// Copy is ShallowCopy keeping a's owner kind. The source record stays live.
func (h *Heap) Copy(a *Allocation, owner ProcessID) (*Allocation, error) {
	if a == nil {
		return nil, ErrNilAllocation
	}
	return h.ShallowCopy(a, owner, a.kind)
}

// Move transfers a into the heap to and frees the source record.
// Moving within one heap only relabels the owner.
func Move(a *Allocation, to *Heap, owner ProcessID) (*Allocation, error) {
	if a == nil {
		return nil, ErrNilAllocation
	}
	if a.heap == to {
		if a.freed.Load() {
			return nil, ErrFreed
		}
		a.owner.Store(uint32(owner))
		return a, nil
	}
	moved, err := to.Copy(a, owner)
	if err != nil {
		return nil, err
	}
	if _, err := a.heap.Free(a); err != nil {
		_, _ = to.Free(moved)
		return nil, err
	}
	return moved, nil
}

// SetOwnerProcessID relabels the owning process of a.
func SetOwnerProcessID(a *Allocation, owner ProcessID) {
	if a != nil {
		a.owner.Store(uint32(owner))
	}
}
