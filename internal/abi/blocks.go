package abi

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/AgentOS/channels/internal/kernel/heap"
)

// MaxTransfer bounds a single read or write through the ABI.
const MaxTransfer = 1 << 20

func (k *Kernel) register(a *heap.Allocation) BlockRef {
	ref := BlockRef(k.next.Add(1))
	k.bmu.Lock()
	k.blocks[ref] = a
	k.bmu.Unlock()
	return ref
}

func (k *Kernel) block(ref BlockRef) (*heap.Allocation, error) {
	k.bmu.Lock()
	a, ok := k.blocks[ref]
	k.bmu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrInvalidBlock, ref)
	}
	return a, nil
}

func (k *Kernel) take(ref BlockRef) (*heap.Allocation, error) {
	k.bmu.Lock()
	defer k.bmu.Unlock()
	a, ok := k.blocks[ref]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrInvalidBlock, ref)
	}
	delete(k.blocks, ref)
	return a, nil
}

func checkLength(n int) error {
	if n < 0 || n > MaxTransfer {
		return fmt.Errorf("%w: length %d", ErrInvalidArgument, n)
	}
	return nil
}

// AllocateBlock allocates a data block of size bytes in pid's heap
func (k *Kernel) AllocateBlock(pid heap.ProcessID, size int, tag heap.TypeTag) (BlockRef, error) {
	return invoke(k, OpAllocateBlock, func() (BlockRef, error) {
		if k.closed.Load() {
			return 0, ErrClosed
		}
		if tag == "" {
			return 0, fmt.Errorf("%w: empty type tag", ErrInvalidArgument)
		}
		p, err := k.process(pid)
		if err != nil {
			return 0, err
		}
		a, err := p.Heap.Allocate(p.ID, size, tag, heap.OwnerData)
		if err != nil {
			return 0, err
		}
		return k.register(a), nil
	})
}

// WriteBlock copies data into ref at off
func (k *Kernel) WriteBlock(ref BlockRef, off int, data []byte) error {
	return k.call(OpWriteBlock, func() error {
		if err := checkLength(len(data)); err != nil {
			return err
		}
		a, err := k.block(ref)
		if err != nil {
			return err
		}
		_, err = a.WriteAt(data, off)
		return err
	})
}

// ReadBlock returns n bytes of ref starting at off
func (k *Kernel) ReadBlock(ref BlockRef, off, n int) ([]byte, error) {
	return invoke(k, OpReadBlock, func() ([]byte, error) {
		if err := checkLength(n); err != nil {
			return nil, err
		}
		a, err := k.block(ref)
		if err != nil {
			return nil, err
		}
		buf := make([]byte, n)
		if _, err := a.ReadAt(buf, off); err != nil {
			return nil, err
		}
		return buf, nil
	})
}

// FreeBlock frees ref and retires it
func (k *Kernel) FreeBlock(ref BlockRef) error {
	return k.call(OpFreeBlock, func() error {
		a, err := k.take(ref)
		if err != nil {
			return err
		}
		_, err = a.Heap().Free(a)
		return err
	})
}

// AttachBlock stores ref in the pointer field at fieldOffset of h's peer
// view and retires ref. MarshallPointer then hands the block to the peer.
func (k *Kernel) AttachBlock(h Handle, fieldOffset int, ref BlockRef) error {
	return k.call(OpAttachBlock, func() error {
		ep, err := k.Endpoint(h)
		if err != nil {
			return err
		}
		peer, _, err := ep.GetPeer()
		if err != nil {
			return err
		}
		a, err := k.take(ref)
		if err != nil {
			return err
		}
		if err := peer.SetPointerAt(fieldOffset, a); err != nil {
			k.bmu.Lock()
			k.blocks[ref] = a
			k.bmu.Unlock()
			return err
		}
		return nil
	})
}

// DetachBlock removes the pointer at fieldOffset of h's own block and
// returns a reference to it. Receivers use it to claim marshalled blocks.
func (k *Kernel) DetachBlock(h Handle, fieldOffset int) (BlockRef, error) {
	return invoke(k, OpDetachBlock, func() (BlockRef, error) {
		ep, err := k.Endpoint(h)
		if err != nil {
			return 0, err
		}
		blk, err := ep.Block()
		if err != nil {
			return 0, err
		}
		a, err := blk.PointerAt(fieldOffset)
		if err != nil {
			return 0, err
		}
		if a == nil {
			return 0, fmt.Errorf("%w: no pointer at offset %d", ErrInvalidArgument, fieldOffset)
		}
		if err := blk.SetPointerAt(fieldOffset, nil); err != nil {
			return 0, err
		}
		return k.register(a), nil
	})
}

// WritePeer copies data into h's peer view at off
func (k *Kernel) WritePeer(h Handle, off int, data []byte) error {
	return k.call(OpWritePeer, func() error {
		if err := checkLength(len(data)); err != nil {
			return err
		}
		ep, err := k.Endpoint(h)
		if err != nil {
			return err
		}
		peer, _, err := ep.GetPeer()
		if err != nil {
			return err
		}
		_, err = peer.WriteAt(data, off)
		return err
	})
}

// ReadSelf returns n bytes of h's own block starting at off
func (k *Kernel) ReadSelf(h Handle, off, n int) ([]byte, error) {
	return invoke(k, OpReadSelf, func() ([]byte, error) {
		if err := checkLength(n); err != nil {
			return nil, err
		}
		ep, err := k.Endpoint(h)
		if err != nil {
			return nil, err
		}
		blk, err := ep.Block()
		if err != nil {
			return nil, err
		}
		buf := make([]byte, n)
		if _, err := blk.ReadAt(buf, off); err != nil {
			return nil, err
		}
		return buf, nil
	})
}

// Send writes msg into h's peer view, records it as one update and
// notifies the peer. A failure after the batch opened aborts it.
func (k *Kernel) Send(h Handle, msg Message) error {
	return k.call(OpSend, func() error {
		if err := checkLength(len(msg.Payload)); err != nil {
			return err
		}
		ep, err := k.Endpoint(h)
		if err != nil {
			return err
		}
		peer, _, err := ep.GetPeer()
		if err != nil {
			return err
		}
		if _, err := peer.WriteAt(msg.Payload, msg.Offset); err != nil {
			return err
		}
		tagOffset := -1
		if msg.HasTag {
			if err := peer.PutUint32At(msg.TagOffset, msg.Tag); err != nil {
				return err
			}
			tagOffset = msg.TagOffset
		}
		if err := ep.BeginUpdate(msg.Offset, len(msg.Payload), tagOffset); err != nil {
			return err
		}
		if err := ep.NotifyPeer(); err != nil {
			if abortErr := ep.AbortUpdate(); abortErr != nil {
				k.logger.Debug("Abort after failed send", zap.Uint64("handle", uint64(h)), zap.Error(abortErr))
			}
			return err
		}
		return nil
	})
}
