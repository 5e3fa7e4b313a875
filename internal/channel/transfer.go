package channel

import (
	"errors"
	"sort"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/AgentOS/channels/internal/infrastructure/tracing"
	"github.com/GriffinCanCode/AgentOS/channels/internal/kernel/heap"
	"github.com/GriffinCanCode/AgentOS/channels/internal/kernel/process"
)

func transition(selfAct LinkAction, relocated bool) string {
	switch {
	case selfAct == LinkToDirect:
		return "direct"
	case selfAct == LinkToProxy:
		return "proxied"
	case relocated:
		return "relocate"
	default:
		return "relabel"
	}
}

// drainLog applies every record src has committed but dst has not fetched to
// dst's block. Caller holds the channel write lock.
func (r *Registry) drainLog(op string, channelID int64, src, dst *Trusted) error {
	u := src.updates.Load()
	if u == nil || u.Pending() == 0 || dst.self == nil {
		return nil
	}
	n, err := u.fetch(dst.self, dst.owner.Load().ID)
	if n > 0 {
		r.metrics.RecordUpdates(0, n)
	}
	if err != nil {
		return r.exhausted(op, channelID, err)
	}
	return nil
}

// MoveEndpoint hands ep to newOwner. When from and to differ the block is
// copied into to; both halves' links are then rebuilt so that a colocated
// pair aliases each other directly and a separated pair talks through
// proxies. A move is refused while either half has a batch open. Records a
// side has logged are delivered before that side switches to a direct link.
// Every allocation is reserved before any link changes, so a failed move
// leaves both halves linked as they were.
func (r *Registry) MoveEndpoint(from, to *heap.Heap, newOwner *process.Process, ep Endpoint) error {
	const op = "move"
	t, err := ep.live(op)
	if err != nil {
		return err
	}
	channelID := t.channelID.Load()
	if newOwner == nil || to == nil {
		return r.usage(op, channelID, process.ErrNilHeap)
	}

	ch := t.lock()
	defer ch.mu.Unlock()

	if t.freed.Load() {
		return r.usage(op, channelID, ErrFreed)
	}
	if from != t.heapOf() {
		return r.usage(op, channelID, ErrWrongHeap)
	}
	relocated := from != to

	peer := t.peer.Load()
	if peer != nil && peer.freed.Load() {
		peer = nil
	}
	// Either side's open batch was begun against the current links.
	if t.batch.Load() != batchNone || (peer != nil && peer.batch.Load() != batchNone) {
		return r.usage(op, channelID, ErrBatchOpen)
	}

	var selfAct, peerAct LinkAction
	if peer != nil {
		selfAct, peerAct = planMove(t.link.Kind, peer.link.Kind, r.policy.Colocated(to, peer.heapOf()), relocated)

		// A side going direct writes straight into the other block from now
		// on, so records it already logged must land first.
		if selfAct == LinkToDirect {
			if err := r.drainLog(op, channelID, t, peer); err != nil {
				return err
			}
		}
		if peerAct == LinkToDirect {
			if err := r.drainLog(op, channelID, peer, t); err != nil {
				return err
			}
		}
	}

	var (
		reserved         []*heap.Allocation
		newSelf          = t.self
		newLink          = t.link
		peerLink         PeerLink
		selfUpd, peerUpd *updates
	)
	rollback := func(cause error) error {
		for _, a := range reserved {
			r.freeAlloc(op, channelID, a)
		}
		for _, u := range []*updates{selfUpd, peerUpd} {
			if u != nil {
				_ = u.release()
			}
		}
		return r.exhausted(op, channelID, cause)
	}

	if relocated {
		cp, err := to.Copy(t.self, newOwner.ID)
		if err != nil {
			return rollback(err)
		}
		reserved = append(reserved, cp)
		newSelf = cp
	}

	if peer != nil {
		peerHeap := peer.heapOf()
		peerOwner := peer.owner.Load()

		if selfAct != LinkKeep {
			l, err := r.newLink(to, newOwner.ID, peer.self, selfAct == LinkToDirect)
			if err != nil {
				return rollback(err)
			}
			reserved = append(reserved, l.Alloc)
			newLink = l
			if selfAct == LinkToProxy && t.updates.Load() == nil {
				if selfUpd, err = newUpdates(r.kernel, r.blockSize, r.updateSlots); err != nil {
					return rollback(err)
				}
			}
		}
		if peerAct != LinkKeep {
			l, err := r.newLink(peerHeap, peerOwner.ID, newSelf, peerAct == LinkToDirect)
			if err != nil {
				return rollback(err)
			}
			reserved = append(reserved, l.Alloc)
			peerLink = l
			if peerAct == LinkToProxy && peer.updates.Load() == nil {
				if peerUpd, err = newUpdates(r.kernel, r.blockSize, r.updateSlots); err != nil {
					return rollback(err)
				}
			}
		}
	} else if relocated {
		// The peer is gone; a link record left in the old heap has nothing to reach.
		newLink = PeerLink{}
	}

	// Commit. Nothing below can fail.
	if relocated {
		r.blocks.Delete(t.self)
		r.freeAlloc(op, channelID, t.self)
		t.self = newSelf
		r.blocks.Store(newSelf, t)
	} else {
		heap.SetOwnerProcessID(t.self, newOwner.ID)
	}
	if newLink != t.link {
		r.freeAlloc(op, channelID, t.link.Alloc)
		t.link = newLink
	} else {
		heap.SetOwnerProcessID(t.link.Alloc, newOwner.ID)
	}
	if selfUpd != nil {
		t.updates.Store(selfUpd)
	}
	if peer != nil && peerAct != LinkKeep {
		r.freeAlloc(op, channelID, peer.link.Alloc)
		peer.link = peerLink
		if peerUpd != nil {
			peer.updates.Store(peerUpd)
		}
	}
	t.owner.Store(newOwner)

	kind := transition(selfAct, relocated)
	r.metrics.RecordMove(kind)
	r.emit(tracing.EventMove, t, kind)
	r.logger.Debug("Endpoint moved",
		zap.Int64("channel_id", channelID),
		zap.Uint32("owner_pid", uint32(newOwner.ID)),
		zap.String("transition", kind),
		zap.Stringer("self", selfAct),
		zap.Stringer("peer", peerAct))
	return nil
}

func (r *Registry) transferFault(op string, channelID int64, err error) error {
	if errors.Is(err, heap.ErrOutOfMemory) {
		return r.exhausted(op, channelID, err)
	}
	return r.usage(op, channelID, err)
}

// TransferBlockOwnership hands block to target's owner and moves it into the
// heap target's block lives in. An endpoint block travels with MoveEndpoint
// so its channel stays intact. The returned allocation replaces block.
func (r *Registry) TransferBlockOwnership(block *heap.Allocation, target Endpoint) (*heap.Allocation, error) {
	const op = "transfer_block"
	t, err := target.live(op)
	if err != nil {
		return nil, err
	}
	channelID := t.channelID.Load()
	if block == nil {
		return nil, r.usage(op, channelID, ErrNullBlock)
	}

	ch := t.rlock()
	to, owner := t.heapOf(), t.owner.Load()
	ch.mu.RUnlock()

	if ep, ok := r.EndpointOf(block); ok {
		if err := r.MoveEndpoint(block.Heap(), to, owner, ep); err != nil {
			return nil, err
		}
		moved, err := ep.Block()
		if err != nil {
			return nil, err
		}
		r.metrics.RecordTransfer("endpoint")
		r.emit(tracing.EventTransferBlock, t, "endpoint")
		return moved, nil
	}

	moved, err := heap.Move(block, to, owner.ID)
	if err != nil {
		return nil, r.transferFault(op, channelID, err)
	}
	r.metrics.RecordTransfer("block")
	r.emit(tracing.EventTransferBlock, t, "")
	return moved, nil
}

// TransferContentOwnership hands every block referenced from src's block to
// target's owner, moving each into target's heap.
func (r *Registry) TransferContentOwnership(src, target Endpoint) error {
	const op = "transfer_content"
	ts, err := src.live(op)
	if err != nil {
		return err
	}
	tt, err := target.live(op)
	if err != nil {
		return err
	}
	channelID := ts.channelID.Load()

	tch := tt.rlock()
	to, owner := tt.heapOf(), tt.owner.Load()
	tch.mu.RUnlock()

	ch := ts.lock()
	defer ch.mu.Unlock()

	ptrs := ts.self.Pointers()
	offsets := make([]int, 0, len(ptrs))
	for off := range ptrs {
		offsets = append(offsets, off)
	}
	sort.Ints(offsets)

	type step struct {
		off      int
		old, cpy *heap.Allocation
	}
	steps := make([]step, 0, len(offsets))
	rollback := func(err error) error {
		for _, s := range steps {
			r.freeAlloc(op, channelID, s.cpy)
		}
		return r.transferFault(op, channelID, err)
	}
	for _, off := range offsets {
		p := ptrs[off]
		if p.Freed() {
			return rollback(heap.ErrFreed)
		}
		if p.Heap() == to {
			steps = append(steps, step{off: off, old: p})
			continue
		}
		cp, err := to.Copy(p, owner.ID)
		if err != nil {
			return rollback(err)
		}
		steps = append(steps, step{off: off, old: p, cpy: cp})
	}

	for _, s := range steps {
		if s.cpy == nil {
			heap.SetOwnerProcessID(s.old, owner.ID)
			continue
		}
		_ = ts.self.SetPointerAt(s.off, s.cpy)
		r.freeAlloc(op, channelID, s.old)
	}

	r.metrics.RecordTransfer("content")
	r.emit(tracing.EventTransferContent, ts, "")
	return nil
}
