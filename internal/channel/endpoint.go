package channel

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/GriffinCanCode/AgentOS/channels/internal/kernel/event"
	"github.com/GriffinCanCode/AgentOS/channels/internal/kernel/heap"
	"github.com/GriffinCanCode/AgentOS/channels/internal/kernel/process"
	"github.com/GriffinCanCode/AgentOS/channels/internal/ring"
)

// State is the lifecycle position of an endpoint.
type State uint8

const (
	StateUninitialized State = iota
	StateConnected
	StateClosed
	StateClosedBoth
	StateFreed
)

// String returns the string representation of the state
func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	case StateClosedBoth:
		return "closed-both"
	case StateFreed:
		return "freed"
	default:
		return "unknown"
	}
}

// Endpoint is a handle on one half of a channel. The zero value is the null
// endpoint. A handle goes stale once its structure is released; every
// operation on a stale handle fails with ErrStaleEndpoint.
type Endpoint struct {
	t   *Trusted
	gen uint64
}

// IsNull reports whether e is the null endpoint
func (e Endpoint) IsNull() bool { return e.t == nil }

func (e Endpoint) String() string {
	if e.t == nil {
		return "endpoint(null)"
	}
	return fmt.Sprintf("endpoint(%d/%d)", e.t.serial, e.gen)
}

func (e Endpoint) trusted(op string) (*Trusted, error) {
	if e.t == nil {
		return nil, &Fault{Kind: FaultUsage, Op: op, Err: ErrNullEndpoint}
	}
	if e.t.gen.Load() != e.gen {
		return nil, &Fault{Kind: FaultUsage, Op: op, Err: ErrStaleEndpoint}
	}
	return e.t, nil
}

// live is trusted plus a freed check.
func (e Endpoint) live(op string) (*Trusted, error) {
	t, err := e.trusted(op)
	if err != nil {
		return nil, err
	}
	if t.freed.Load() {
		return nil, t.reg.usage(op, t.channelID.Load(), ErrFreed)
	}
	return t, nil
}

// ChannelID returns the channel id: positive on the export side, negative on
// the import side, zero before Connect.
func (e Endpoint) ChannelID() (int64, error) {
	t, err := e.trusted("channel_id")
	if err != nil {
		return 0, err
	}
	return t.channelID.Load(), nil
}

// State returns the lifecycle position of e
func (e Endpoint) State() (State, error) {
	t, err := e.trusted("state")
	if err != nil {
		return 0, err
	}
	switch {
	case t.freed.Load():
		return StateFreed, nil
	case !t.connected():
		if t.closed.Load() {
			return StateClosed, nil
		}
		return StateUninitialized, nil
	case !t.closed.Load():
		return StateConnected, nil
	case t.peer.Load().closed.Load():
		return StateClosedBoth, nil
	default:
		return StateClosed, nil
	}
}

// Closed reports whether e has been closed
func (e Endpoint) Closed() (bool, error) {
	t, err := e.trusted("closed")
	if err != nil {
		return false, err
	}
	return t.closed.Load(), nil
}

// PeerClosed reports whether the peer has been closed. An unconnected
// endpoint has no live peer and reports true.
func (e Endpoint) PeerClosed() (bool, error) {
	t, err := e.trusted("peer_closed")
	if err != nil {
		return false, err
	}
	p := t.peer.Load()
	return p == nil || p.closed.Load(), nil
}

// Close marks e closed without waking the peer. Closing twice is allowed.
func (e Endpoint) Close() error {
	t, err := e.live("close")
	if err != nil {
		return err
	}
	t.closed.Store(true)
	return nil
}

// ReceiveCount returns how many times e has been notified
func (e Endpoint) ReceiveCount() (int64, error) {
	t, err := e.trusted("receive_count")
	if err != nil {
		return 0, err
	}
	return t.receiveCount.Load(), nil
}

// Owner returns the process owning e
func (e Endpoint) Owner() (*process.Process, error) {
	t, err := e.trusted("owner")
	if err != nil {
		return nil, err
	}
	return t.owner.Load(), nil
}

// PeerOwner returns the process owning e's peer
func (e Endpoint) PeerOwner() (*process.Process, error) {
	t, err := e.trusted("peer_owner")
	if err != nil {
		return nil, err
	}
	p := t.peer.Load()
	if p == nil {
		return nil, t.reg.usage("peer_owner", 0, ErrNotConnected)
	}
	return p.owner.Load(), nil
}

// MessageEvent returns the handle e's waiter blocks on
func (e Endpoint) MessageEvent() (event.Handle, error) {
	t, err := e.trusted("message_event")
	if err != nil {
		return event.Invalid, err
	}
	return event.Handle(t.message.Load()), nil
}

// Block returns e's own user-visible block. Messages from the peer land here.
func (e Endpoint) Block() (*heap.Allocation, error) {
	t, err := e.live("block")
	if err != nil {
		return nil, err
	}
	ch := t.rlock()
	defer ch.mu.RUnlock()
	return t.self, nil
}

// GetPeer returns the allocation e writes its peer's messages into.
// marshallNeeded is true when that allocation is a proxy: writes reach the
// peer only through BeginUpdate/EndUpdate.
func (e Endpoint) GetPeer() (peer *heap.Allocation, marshallNeeded bool, err error) {
	const op = "get_peer"
	t, err := e.live(op)
	if err != nil {
		return nil, false, err
	}
	ch := t.rlock()
	defer ch.mu.RUnlock()
	if t.link.Kind == LinkNone {
		return nil, false, t.reg.usage(op, t.channelID.Load(), ErrNotConnected)
	}
	return t.link.Alloc, t.link.Kind == LinkProxied, nil
}

// LinkKind returns how e currently reaches its peer
func (e Endpoint) LinkKind() (LinkKind, error) {
	t, err := e.trusted("link_kind")
	if err != nil {
		return LinkNone, err
	}
	ch := t.rlock()
	defer ch.mu.RUnlock()
	return t.link.Kind, nil
}

// PendingUpdates returns the number of committed records not yet fetched by the peer
func (e Endpoint) PendingUpdates() (int, error) {
	t, err := e.trusted("pending_updates")
	if err != nil {
		return 0, err
	}
	if u := t.updates.Load(); u != nil {
		return u.Pending(), nil
	}
	return 0, nil
}

// NotifyPeer commits any open update batch and wakes the peer.
func (e Endpoint) NotifyPeer() error {
	const op = "notify_peer"
	t, err := e.live(op)
	if err != nil {
		return err
	}
	peer := t.peer.Load()
	if peer == nil {
		return t.reg.usage(op, 0, ErrNotConnected)
	}
	if t.batch.Load() != batchNone {
		if err := e.EndUpdate(); err != nil {
			return err
		}
	}
	peer.notify()
	return nil
}

// Wait blocks until e is notified or ctx ends, then applies pending updates
// from the peer. It returns the number of updates applied.
func (e Endpoint) Wait(ctx context.Context) (int, error) {
	const op = "wait"
	t, err := e.live(op)
	if err != nil {
		return 0, err
	}
	m := event.Handle(t.message.Load())
	if m == event.Invalid {
		return 0, t.reg.usage(op, 0, ErrNotConnected)
	}

	start := time.Now()
	err = t.reg.events.WaitOne(ctx, m)
	t.reg.metrics.ObserveWait(time.Since(start))
	if err != nil {
		return 0, err
	}
	return e.AcceptUpdates()
}

// TryWait consumes a pending notification without blocking and applies
// pending updates if there was one.
func (e Endpoint) TryWait() (bool, int, error) {
	const op = "try_wait"
	t, err := e.live(op)
	if err != nil {
		return false, 0, err
	}
	m := event.Handle(t.message.Load())
	if m == event.Invalid {
		return false, 0, t.reg.usage(op, 0, ErrNotConnected)
	}
	ok, err := t.reg.events.TryWaitOne(m)
	if err != nil || !ok {
		return false, 0, err
	}
	n, err := e.AcceptUpdates()
	return true, n, err
}

// AcceptUpdates applies every update the peer has committed to e's block.
func (e Endpoint) AcceptUpdates() (int, error) {
	const op = "accept_updates"
	t, err := e.live(op)
	if err != nil {
		return 0, err
	}
	peer := t.peer.Load()
	if peer == nil {
		return 0, nil
	}
	u := peer.updates.Load()
	if u == nil {
		return 0, nil
	}

	ch := t.rlock()
	defer ch.mu.RUnlock()
	if t.self == nil {
		return 0, nil
	}
	owner := t.owner.Load()
	n, err := u.fetch(t.self, owner.ID)
	if n > 0 {
		t.reg.metrics.RecordUpdates(0, n)
	}
	if err != nil {
		return n, t.reg.exhausted(op, t.channelID.Load(), err)
	}
	return n, nil
}

func (t *Trusted) checkRange(op string, off, n int) error {
	if off < 0 || n < 0 || off+n > t.reg.blockSize {
		return t.reg.usage(op, t.channelID.Load(), fmt.Errorf("%w: [%d,%d) of %d", ErrOutOfBounds, off, off+n, t.reg.blockSize))
	}
	return nil
}

// BeginUpdate opens a batch for the message of size bytes at msgOffset in the
// peer allocation, with its tag word at tagOffset (negative for none). On a
// direct link the peer already sees the bytes; on a proxy they are staged for
// EndUpdate.
func (e Endpoint) BeginUpdate(msgOffset, size, tagOffset int) error {
	const op = "begin_update"
	t, err := e.live(op)
	if err != nil {
		return err
	}
	if err := t.checkRange(op, msgOffset, size); err != nil {
		return err
	}
	hasTag := tagOffset >= 0
	if hasTag {
		if err := t.checkRange(op, tagOffset, 4); err != nil {
			return err
		}
	}

	ch := t.rlock()
	defer ch.mu.RUnlock()

	switch t.link.Kind {
	case LinkNone:
		return t.reg.usage(op, t.channelID.Load(), ErrNotConnected)
	case LinkDirect:
		if !t.batch.CompareAndSwap(batchNone, batchDirect) {
			return t.reg.usage(op, t.channelID.Load(), ErrBatchOpen)
		}
		return nil
	}

	if t.batch.Load() != batchNone {
		return t.reg.usage(op, t.channelID.Load(), ErrBatchOpen)
	}
	proxy := t.link.Alloc
	payload := make([]byte, size)
	if _, err := proxy.ReadAt(payload, msgOffset); err != nil {
		return t.reg.usage(op, t.channelID.Load(), err)
	}
	var tag uint32
	if hasTag {
		if tag, err = proxy.Uint32At(tagOffset); err != nil {
			return t.reg.usage(op, t.channelID.Load(), err)
		}
	}

	u := t.updates.Load()
	if err := u.begin(msgOffset, payload, tagOffset, tag, hasTag); err != nil {
		if errors.Is(err, ErrOffsetRange) {
			t.reg.consistency(op, t.channelID.Load(), err)
		}
		return t.reg.usage(op, t.channelID.Load(), err)
	}
	t.batch.Store(batchLogged)
	return nil
}

// MarshallPointer re-homes the pointer stored at fieldOffset of the peer
// allocation. The pointee must carry the expected type. A null field is
// left alone.
func (e Endpoint) MarshallPointer(fieldOffset int, expected heap.TypeTag) error {
	const op = "marshall_pointer"
	t, err := e.live(op)
	if err != nil {
		return err
	}
	channelID := t.channelID.Load()
	if err := t.checkRange(op, fieldOffset, 0); err != nil {
		return err
	}

	ch := t.rlock()
	defer ch.mu.RUnlock()

	mode := t.batch.Load()
	if mode == batchNone {
		return t.reg.usage(op, channelID, ErrNoBatch)
	}
	view := t.link.Alloc
	p, err := view.PointerAt(fieldOffset)
	if err != nil {
		return t.reg.usage(op, channelID, err)
	}
	if p == nil {
		return nil
	}
	if p.Type() != expected {
		return t.reg.usage(op, channelID, fmt.Errorf("%w: have %q, want %q", ErrTypeMismatch, p.Type(), expected))
	}

	if mode == batchDirect {
		peer := t.peer.Load()
		dst := peer.heapOf()
		if dst == nil {
			dst = view.Heap()
		}
		moved, err := heap.Move(p, dst, peer.owner.Load().ID)
		if err != nil {
			return t.reg.exhausted(op, channelID, err)
		}
		if err := view.SetPointerAt(fieldOffset, moved); err != nil {
			return t.reg.usage(op, channelID, err)
		}
		t.reg.metrics.RecordMarshal()
		return nil
	}

	u := t.updates.Load()
	if u.full() {
		return t.reg.usage(op, channelID, ErrTooManyPointers)
	}
	moved, err := heap.Move(p, t.reg.kernel, heap.KernelProcessID)
	if err != nil {
		return t.reg.exhausted(op, channelID, err)
	}
	if err := u.marshal(fieldOffset, moved); err != nil {
		if errors.Is(err, ErrOffsetRange) {
			t.reg.consistency(op, channelID, err)
		}
		return t.reg.usage(op, channelID, err)
	}
	_ = view.SetPointerAt(fieldOffset, nil)
	t.reg.metrics.RecordMarshal()
	return nil
}

// EndUpdate commits the open batch. Overflowing the update log means the
// peer stopped consuming for longer than the configured slot count allows;
// that is a consistency fault.
func (e Endpoint) EndUpdate() error {
	const op = "end_update"
	t, err := e.live(op)
	if err != nil {
		return err
	}
	// Batch state only changes under the channel lock so a move never
	// observes a half-finished batch.
	ch := t.rlock()
	defer ch.mu.RUnlock()

	switch t.batch.Load() {
	case batchNone:
		return t.reg.usage(op, t.channelID.Load(), ErrNoBatch)
	case batchDirect:
		t.batch.Store(batchNone)
		return nil
	}

	u := t.updates.Load()
	if err := u.commit(); err != nil {
		if errors.Is(err, ring.ErrFull) {
			t.reg.consistency(op, t.channelID.Load(), fmt.Errorf("%w: %v", ErrUpdateOverflow, err))
		}
		return t.reg.usage(op, t.channelID.Load(), err)
	}
	t.batch.Store(batchNone)
	t.reg.metrics.RecordUpdates(1, 0)
	return nil
}

// AbortUpdate drops the open batch. Pointers it had marshalled go back into
// the peer allocation.
func (e Endpoint) AbortUpdate() error {
	const op = "abort_update"
	t, err := e.live(op)
	if err != nil {
		return err
	}
	ch := t.rlock()
	defer ch.mu.RUnlock()

	switch t.batch.Load() {
	case batchNone:
		return t.reg.usage(op, t.channelID.Load(), ErrNoBatch)
	case batchDirect:
		t.batch.Store(batchNone)
		return nil
	}

	offsets, ptrs, err := t.updates.Load().abort()
	t.batch.Store(batchNone)
	if err != nil {
		return t.reg.usage(op, t.channelID.Load(), err)
	}
	view, owner := t.link.Alloc, t.owner.Load()
	for i, p := range ptrs {
		moved, err := heap.Move(p, view.Heap(), owner.ID)
		if err != nil {
			t.reg.freeAlloc(op, t.channelID.Load(), p)
			continue
		}
		_ = view.SetPointerAt(offsets[i], moved)
	}
	return nil
}

// LinkIntoCollection makes every notification of e also signal collection.
func (e Endpoint) LinkIntoCollection(collection event.Handle) error {
	const op = "link_collection"
	t, err := e.live(op)
	if err != nil {
		return err
	}
	if !t.collection.CompareAndSwap(uint64(event.Invalid), uint64(collection)) {
		return t.reg.usage(op, t.channelID.Load(), ErrAlreadyLinked)
	}
	return nil
}

// UnlinkFromCollection undoes LinkIntoCollection.
func (e Endpoint) UnlinkFromCollection(collection event.Handle) error {
	const op = "unlink_collection"
	t, err := e.live(op)
	if err != nil {
		return err
	}
	if !t.collection.CompareAndSwap(uint64(collection), uint64(event.Invalid)) {
		return t.reg.usage(op, t.channelID.Load(), ErrNotLinked)
	}
	return nil
}
