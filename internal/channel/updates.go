package channel

import (
	"fmt"
	"sync"

	"go.uber.org/multierr"

	"github.com/GriffinCanCode/AgentOS/channels/internal/kernel/heap"
	"github.com/GriffinCanCode/AgentOS/channels/internal/ring"
)

// MaxPointers is the number of pointer fields one update may carry.
const MaxPointers = 3

// maxOffset is the largest offset an update record can encode.
const maxOffset = 1<<16 - 1

// UpdatesType tags the kernel-heap scratch buffer behind an update log.
const UpdatesType heap.TypeTag = "channel.EndpointUpdates"

// update is one pending write into the receiving endpoint's block.
type update struct {
	slot int

	msgOffset  uint16
	msgSize    uint32
	tagOffset  uint16
	tag        uint32
	hasTag     bool
	ptrCount   uint8
	ptrOffsets [MaxPointers]uint16
	ptrs       [MaxPointers]*heap.Allocation
}

// updates carries writes from a proxied endpoint to its peer's real block.
//
// One producer (the sending side) stages a record, marshals pointers into the
// kernel heap and commits it. One consumer (the receiving side) applies every
// committed record to its own block. The two only meet in ring.Log.
type updates struct {
	blockSize int
	buffer    *heap.Allocation
	log       *ring.Log[update]

	prodMu  sync.Mutex
	staging bool
	staged  update
	scratch []byte

	consMu sync.Mutex
}

func encodeOffset(off int) (uint16, error) {
	if off < 0 || off > maxOffset {
		return 0, fmt.Errorf("%w: %d", ErrOffsetRange, off)
	}
	return uint16(off), nil
}

// newUpdates reserves slots*blockSize bytes of scratch in the kernel heap.
func newUpdates(kernel *heap.Heap, blockSize, slots int) (*updates, error) {
	buf, err := kernel.Allocate(heap.KernelProcessID, blockSize*slots, UpdatesType, heap.OwnerData)
	if err != nil {
		return nil, err
	}

	next := 0
	log, err := ring.NewLog(slots, func(u *update) {
		u.slot = next
		next++
	})
	if err != nil {
		_, _ = kernel.Free(buf)
		return nil, err
	}

	return &updates{
		blockSize: blockSize,
		buffer:    buf,
		log:       log,
		scratch:   make([]byte, 0, blockSize),
	}, nil
}

// Pending returns the number of committed, undelivered records
func (u *updates) Pending() int { return u.log.Len() }

func (u *updates) begin(msgOffset int, payload []byte, tagOffset int, tag uint32, hasTag bool) error {
	u.prodMu.Lock()
	defer u.prodMu.Unlock()

	if u.staging {
		return ErrBatchOpen
	}
	mo, err := encodeOffset(msgOffset)
	if err != nil {
		return err
	}
	var to uint16
	if hasTag {
		if to, err = encodeOffset(tagOffset); err != nil {
			return err
		}
	}

	u.scratch = append(u.scratch[:0], payload...)
	u.staged = update{
		msgOffset: mo,
		msgSize:   uint32(len(payload)),
		tagOffset: to,
		tag:       tag,
		hasTag:    hasTag,
	}
	u.staging = true
	return nil
}

func (u *updates) marshal(fieldOffset int, p *heap.Allocation) error {
	u.prodMu.Lock()
	defer u.prodMu.Unlock()

	if !u.staging {
		return ErrNoBatch
	}
	if u.staged.ptrCount >= MaxPointers {
		return ErrTooManyPointers
	}
	off, err := encodeOffset(fieldOffset)
	if err != nil {
		return err
	}
	i := u.staged.ptrCount
	u.staged.ptrOffsets[i] = off
	u.staged.ptrs[i] = p
	u.staged.ptrCount++
	return nil
}

// full reports whether another pointer would exceed the record limit.
func (u *updates) full() bool {
	u.prodMu.Lock()
	defer u.prodMu.Unlock()
	return u.staged.ptrCount >= MaxPointers
}

func (u *updates) open() bool {
	u.prodMu.Lock()
	defer u.prodMu.Unlock()
	return u.staging
}

// commit publishes the staged record. ring.ErrFull is passed through.
func (u *updates) commit() error {
	u.prodMu.Lock()
	defer u.prodMu.Unlock()

	if !u.staging {
		return ErrNoBatch
	}
	err := u.log.Add(func(rec *update) {
		slot := rec.slot
		*rec = u.staged
		rec.slot = slot
		_, _ = u.buffer.WriteAt(u.scratch, slot*u.blockSize)
	})
	if err != nil {
		return err
	}
	u.staging = false
	u.staged = update{}
	return nil
}

// abort drops the staged record and hands back the pointers it had marshalled.
func (u *updates) abort() (offsets []int, ptrs []*heap.Allocation, err error) {
	u.prodMu.Lock()
	defer u.prodMu.Unlock()

	if !u.staging {
		return nil, nil, ErrNoBatch
	}
	for i := 0; i < int(u.staged.ptrCount); i++ {
		offsets = append(offsets, int(u.staged.ptrOffsets[i]))
		ptrs = append(ptrs, u.staged.ptrs[i])
	}
	u.staging = false
	u.staged = update{}
	return offsets, ptrs, nil
}

// fetch applies every committed record to dst in commit order and re-homes
// marshalled pointers into dst's heap under owner. Every record is consumed
// even when applying it fails.
func (u *updates) fetch(dst *heap.Allocation, owner heap.ProcessID) (int, error) {
	u.consMu.Lock()
	defer u.consMu.Unlock()

	var errs error
	payload := make([]byte, u.blockSize)
	n := u.log.Drain(func(rec *update) {
		errs = multierr.Append(errs, u.apply(rec, dst, owner, payload))
	})
	return n, errs
}

func (u *updates) apply(rec *update, dst *heap.Allocation, owner heap.ProcessID, payload []byte) error {
	var errs error

	if rec.msgSize > 0 {
		buf := payload[:rec.msgSize]
		if _, err := u.buffer.ReadAt(buf, rec.slot*u.blockSize); err != nil {
			errs = multierr.Append(errs, err)
		} else if _, err := dst.WriteAt(buf, int(rec.msgOffset)); err != nil {
			errs = multierr.Append(errs, err)
		}
	}
	if rec.hasTag {
		errs = multierr.Append(errs, dst.PutUint32At(int(rec.tagOffset), rec.tag))
	}

	for i := 0; i < int(rec.ptrCount); i++ {
		p := rec.ptrs[i]
		rec.ptrs[i] = nil
		moved, err := heap.Move(p, dst.Heap(), owner)
		if err != nil {
			_, _ = p.Heap().Free(p)
			errs = multierr.Append(errs, fmt.Errorf("pointer at %d: %w", rec.ptrOffsets[i], err))
			continue
		}
		errs = multierr.Append(errs, dst.SetPointerAt(int(rec.ptrOffsets[i]), moved))
	}
	rec.ptrCount = 0
	return errs
}

// release frees undelivered pointers and the scratch buffer. Neither side
// may be active.
func (u *updates) release() error {
	var errs error
	free := func(p *heap.Allocation) {
		if p != nil && !p.Freed() {
			_, err := p.Heap().Free(p)
			errs = multierr.Append(errs, err)
		}
	}

	u.log.Reset(func(rec *update) {
		for i := range rec.ptrs {
			free(rec.ptrs[i])
			rec.ptrs[i] = nil
		}
		rec.ptrCount = 0
	})
	for i := 0; i < int(u.staged.ptrCount); i++ {
		free(u.staged.ptrs[i])
	}
	u.staged = update{}
	u.staging = false

	_, err := u.buffer.Heap().Free(u.buffer)
	return multierr.Append(errs, err)
}
