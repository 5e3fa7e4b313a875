package channel

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/AgentOS/channels/internal/infrastructure/tracing"
	"github.com/GriffinCanCode/AgentOS/channels/internal/kernel/event"
	"github.com/GriffinCanCode/AgentOS/channels/internal/kernel/heap"
	"github.com/GriffinCanCode/AgentOS/channels/internal/kernel/process"
	"github.com/GriffinCanCode/AgentOS/channels/internal/kernel/slab"
	"github.com/GriffinCanCode/AgentOS/channels/internal/ring"
)

// MaxBlockSize is the largest endpoint block an update record can address.
const MaxBlockSize = maxOffset + 1

// Options configures a Registry. Zero values take defaults.
type Options struct {
	BlockSize   int
	UpdateSlots int
	SlabChunk   int
	SlabLimit   int
	Colocation  ColocationPolicy

	KernelHeap *heap.Heap
	Events     Events
	Logger     *zap.Logger
	Metrics    Recorder
	Tracer     EventSink
}

// Registry owns every endpoint: the trusted slab, channel id generation,
// the open-channel count and the kernel heap that update logs live in.
type Registry struct {
	blockSize   int
	updateSlots int
	policy      ColocationPolicy

	kernel  *heap.Heap
	events  Events
	logger  *zap.Logger
	metrics Recorder
	sink    EventSink

	slab *slab.Pool[Trusted]

	channelIDs   atomic.Int64
	openChannels atomic.Int64
	serials      atomic.Uint64
	closed       atomic.Bool

	mu     sync.RWMutex
	live   map[*Trusted]struct{}
	blocks sync.Map // *heap.Allocation -> *Trusted
}

// NewRegistry creates a registry
func NewRegistry(opts Options) (*Registry, error) {
	if opts.BlockSize == 0 {
		opts.BlockSize = 256
	}
	if opts.UpdateSlots == 0 {
		opts.UpdateSlots = 16
	}
	if opts.BlockSize < 4 || opts.BlockSize > MaxBlockSize {
		return nil, fmt.Errorf("channel: block size %d outside [4, %d]", opts.BlockSize, MaxBlockSize)
	}
	if opts.UpdateSlots < 1 || opts.UpdateSlots > ring.MaxCapacity {
		return nil, fmt.Errorf("channel: update slots %d outside [1, %d]", opts.UpdateSlots, ring.MaxCapacity)
	}
	if opts.KernelHeap == nil {
		opts.KernelHeap = heap.New("kernel", 0)
	}
	if opts.Events == nil {
		opts.Events = event.NewTable()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Metrics == nil {
		opts.Metrics = nopRecorder{}
	}
	if opts.Tracer == nil {
		opts.Tracer = nopSink{}
	}

	return &Registry{
		blockSize:   opts.BlockSize,
		updateSlots: opts.UpdateSlots,
		policy:      opts.Colocation,
		kernel:      opts.KernelHeap,
		events:      opts.Events,
		logger:      opts.Logger.Named("channel"),
		metrics:     opts.Metrics,
		sink:        opts.Tracer,
		slab:        slab.New(opts.SlabChunk, opts.SlabLimit, resetTrusted),
		live:        make(map[*Trusted]struct{}),
	}, nil
}

// BlockSize returns the size of every endpoint block
func (r *Registry) BlockSize() int { return r.blockSize }

// Policy returns the colocation policy
func (r *Registry) Policy() ColocationPolicy { return r.policy }

// KernelHeap returns the heap holding update logs and in-flight pointers
func (r *Registry) KernelHeap() *heap.Heap { return r.kernel }

// Events returns the wait-event service endpoints signal through
func (r *Registry) Events() Events { return r.events }

// OpenChannels returns the number of channels whose export side is not yet released
func (r *Registry) OpenChannels() int64 { return r.openChannels.Load() }

func (r *Registry) fault(kind FaultKind, op string, channelID int64, err error) *Fault {
	f := &Fault{Kind: kind, Op: op, ChannelID: channelID, Err: err}
	r.metrics.RecordFault(kind.String())

	fields := []zap.Field{zap.String("op", op), zap.Int64("channel_id", channelID), zap.Error(err)}
	switch kind {
	case FaultConsistency:
		r.logger.Error("channel consistency fault", fields...)
	case FaultExhausted:
		r.logger.Warn("channel resources exhausted", fields...)
	default:
		r.logger.Warn("channel usage fault", fields...)
	}
	return f
}

func (r *Registry) usage(op string, channelID int64, err error) error {
	return r.fault(FaultUsage, op, channelID, err)
}

func (r *Registry) exhausted(op string, channelID int64, err error) error {
	return r.fault(FaultExhausted, op, channelID, err)
}

// consistency logs and panics. The subsystem cannot continue safely.
func (r *Registry) consistency(op string, channelID int64, err error) {
	panic(r.fault(FaultConsistency, op, channelID, err))
}

func (r *Registry) emit(kind tracing.EventKind, t *Trusted, detail string) {
	ev := tracing.Event{Kind: kind, ChannelID: t.channelID.Load(), Detail: detail}
	if o := t.owner.Load(); o != nil {
		ev.ProcessID = uint32(o.ID)
	}
	r.sink.Emit(ev)
}

// freeAlloc drops one allocation record the registry is done with.
func (r *Registry) freeAlloc(op string, channelID int64, a *heap.Allocation) {
	if a == nil {
		return
	}
	if _, err := a.Heap().Free(a); err != nil {
		r.logger.Error("Failed to free allocation",
			zap.String("op", op),
			zap.Int64("channel_id", channelID),
			zap.Uint64("alloc_id", a.ID()),
			zap.Error(err))
	}
}

// NewEndpoint allocates an unconnected endpoint whose block lives in owner's heap.
func (r *Registry) NewEndpoint(owner *process.Process) (Endpoint, error) {
	const op = "new_endpoint"
	if r.closed.Load() {
		return Endpoint{}, r.usage(op, 0, ErrRegistryClosed)
	}
	if owner == nil || owner.Heap == nil {
		return Endpoint{}, r.usage(op, 0, process.ErrNilHeap)
	}

	t, err := r.slab.Alloc()
	if err != nil {
		return Endpoint{}, r.exhausted(op, 0, err)
	}
	block, err := owner.Heap.Allocate(owner.ID, r.blockSize, EndpointType, heap.OwnerEndpoint)
	if err != nil {
		r.slab.Free(t)
		return Endpoint{}, r.exhausted(op, 0, err)
	}

	t.reg = r
	t.serial = r.serials.Add(1)
	t.ch.Store(&channelState{})
	t.owner.Store(owner)
	t.self = block

	r.mu.Lock()
	r.live[t] = struct{}{}
	r.mu.Unlock()
	r.blocks.Store(block, t)
	return Endpoint{t: t, gen: t.gen.Load()}, nil
}

// newLink builds the allocation through which an endpoint in h reaches peerBlock.
func (r *Registry) newLink(h *heap.Heap, owner heap.ProcessID, peerBlock *heap.Allocation, colocated bool) (PeerLink, error) {
	if colocated {
		a, err := h.Share(peerBlock, owner, heap.OwnerEndpointPeer, 0, peerBlock.Size())
		if err != nil {
			return PeerLink{}, err
		}
		return PeerLink{Kind: LinkDirect, Alloc: a}, nil
	}
	a, err := h.ShallowCopy(peerBlock, owner, heap.OwnerEndpointPeer)
	if err != nil {
		return PeerLink{}, err
	}
	return PeerLink{Kind: LinkProxied, Alloc: a}, nil
}

// Connect joins imp and exp into one channel. The caller, when set, becomes
// the owner of both halves. On error neither endpoint is modified.
func (r *Registry) Connect(caller *process.Process, imp, exp Endpoint) error {
	const op = "connect"
	if r.closed.Load() {
		return r.usage(op, 0, ErrRegistryClosed)
	}
	ti, err := imp.trusted(op)
	if err != nil {
		return err
	}
	te, err := exp.trusted(op)
	if err != nil {
		return err
	}
	if ti == te {
		return r.usage(op, 0, ErrSameEndpoint)
	}

	first, second := ti, te
	if second.serial < first.serial {
		first, second = second, first
	}
	c1 := first.lock()
	defer c1.mu.Unlock()
	if second.ch.Load() == c1 {
		return r.usage(op, first.channelID.Load(), ErrAlreadyConnected)
	}
	c2 := second.lock()
	defer c2.mu.Unlock()

	for _, t := range []*Trusted{ti, te} {
		switch {
		case t.freed.Load():
			return r.usage(op, 0, ErrFreed)
		case t.connected():
			return r.usage(op, t.channelID.Load(), ErrAlreadyConnected)
		case t.closed.Load():
			return r.usage(op, 0, ErrAlreadyClosed)
		}
	}

	ownerI, ownerE := ti.owner.Load(), te.owner.Load()
	if caller != nil {
		ownerI, ownerE = caller, caller
	}
	colocated := r.policy.Colocated(ti.heapOf(), te.heapOf())

	// Reserve everything before touching either side.
	linkI, err := r.newLink(ti.heapOf(), ownerI.ID, te.self, colocated)
	if err != nil {
		return r.exhausted(op, 0, err)
	}
	linkE, err := r.newLink(te.heapOf(), ownerE.ID, ti.self, colocated)
	if err != nil {
		r.freeAlloc(op, 0, linkI.Alloc)
		return r.exhausted(op, 0, err)
	}
	var updI, updE *updates
	if !colocated {
		if updI, err = newUpdates(r.kernel, r.blockSize, r.updateSlots); err == nil {
			if updE, err = newUpdates(r.kernel, r.blockSize, r.updateSlots); err != nil {
				_ = updI.release()
			}
		}
		if err != nil {
			r.freeAlloc(op, 0, linkI.Alloc)
			r.freeAlloc(op, 0, linkE.Alloc)
			return r.exhausted(op, 0, err)
		}
	}

	id := r.channelIDs.Add(1)
	r.initialize(te, ti, ownerE, linkE, updE, id)
	r.initialize(ti, te, ownerI, linkI, updI, -id)

	shared := &channelState{}
	te.ch.Store(shared)
	ti.ch.Store(shared)

	open := r.openChannels.Add(1)
	r.metrics.RecordConnect(open)
	r.emit(tracing.EventConnect, te, linkE.Kind.String())
	r.logger.Debug("Channel connected",
		zap.Int64("channel_id", id),
		zap.Uint32("export_pid", uint32(ownerE.ID)),
		zap.Uint32("import_pid", uint32(ownerI.ID)),
		zap.Stringer("link", linkE.Kind))
	return nil
}

// initialize binds t to peer. Both reference counts go up by one, so after
// both halves are initialized each structure holds two references.
func (r *Registry) initialize(t, peer *Trusted, owner *process.Process, link PeerLink, u *updates, channelID int64) {
	t.owner.Store(owner)
	heap.SetOwnerProcessID(t.self, owner.ID)
	t.link = link
	if u != nil {
		t.updates.Store(u)
	}
	t.message.Store(uint64(r.events.Allocate()))
	t.channelID.Store(channelID)
	t.refCount.Add(1)
	peer.refCount.Add(1)
	t.peer.Store(peer)
}

// Dispose closes ep and wakes its peer. Disposing twice is a usage fault.
func (r *Registry) Dispose(ep Endpoint) error {
	const op = "dispose"
	t, err := ep.trusted(op)
	if err != nil {
		return err
	}
	if t.freed.Load() {
		return r.usage(op, t.channelID.Load(), ErrFreed)
	}
	if !t.closed.CompareAndSwap(false, true) {
		return r.usage(op, t.channelID.Load(), ErrAlreadyClosed)
	}

	if peer := t.peer.Load(); peer != nil {
		peer.notify()
	}
	r.metrics.RecordDispose()
	r.emit(tracing.EventDispose, t, "")
	return nil
}

// Free releases a closed endpoint's memory and drops its references on both
// trusted structures. The structure whose count reaches zero is released.
func (r *Registry) Free(ep Endpoint) error {
	const op = "free"
	t, err := ep.trusted(op)
	if err != nil {
		return err
	}
	channelID := t.channelID.Load()
	if !t.closed.Load() {
		return r.usage(op, channelID, ErrNotClosed)
	}
	if !t.freed.CompareAndSwap(false, true) {
		return r.usage(op, channelID, ErrFreed)
	}

	ch := t.lock()
	link, self := t.link, t.self
	t.link, t.self = PeerLink{}, nil
	peer := t.peer.Load()
	ch.mu.Unlock()

	r.blocks.Delete(self)
	r.freeAlloc(op, channelID, link.Alloc)
	r.freeAlloc(op, channelID, self)
	r.metrics.RecordFree()
	r.emit(tracing.EventFree, t, "")

	if peer == nil {
		r.recycle(t)
		return nil
	}
	r.tryFreeResources(peer)
	r.tryFreeResources(t)
	return nil
}

// tryFreeResources drops one reference on t and releases it on the last one.
func (r *Registry) tryFreeResources(t *Trusted) {
	const op = "release"
	channelID := t.channelID.Load()

	n := t.refCount.Add(-1)
	if n < 0 {
		r.consistency(op, channelID, fmt.Errorf("%w: %d", ErrRefCountUnderflow, n))
	}
	if n > 0 {
		return
	}

	if channelID > 0 {
		open := r.openChannels.Add(-1)
		if open < 0 {
			r.consistency(op, channelID, fmt.Errorf("%w: %d", ErrOpenChannelUnderflow, open))
		}
		r.metrics.RecordRelease(open)
		r.emit(tracing.EventRelease, t, "")
	}

	ch := t.lock()
	u := t.updates.Swap(nil)
	ch.mu.Unlock()
	if u != nil {
		if err := u.release(); err != nil {
			r.logger.Error("Failed to release update log", zap.Int64("channel_id", channelID), zap.Error(err))
		}
	}
	if m := event.Handle(t.message.Swap(0)); m != event.Invalid {
		if err := r.events.Release(m); err != nil {
			r.consistency(op, channelID, multierr.Combine(ErrDoubleRelease, err))
		}
	}

	r.logger.Debug("Endpoint released", zap.Int64("channel_id", channelID))
	r.recycle(t)
}

func (r *Registry) recycle(t *Trusted) {
	r.mu.Lock()
	delete(r.live, t)
	r.slab.Free(t)
	r.mu.Unlock()
}

// NewCollection allocates the shared event a set of endpoints signal when
// any of them is notified.
func (r *Registry) NewCollection() event.Handle {
	return r.events.Allocate()
}

// WaitCollection blocks until an endpoint linked into h is notified.
func (r *Registry) WaitCollection(ctx context.Context, h event.Handle) error {
	return r.events.WaitOne(ctx, h)
}

// ReleaseCollection frees a collection event. Linked endpoints must be unlinked first.
func (r *Registry) ReleaseCollection(h event.Handle) error {
	return r.events.Release(h)
}

// EndpointOf returns the endpoint whose block is a.
func (r *Registry) EndpointOf(a *heap.Allocation) (Endpoint, bool) {
	v, ok := r.blocks.Load(a)
	if !ok {
		return Endpoint{}, false
	}
	t := v.(*Trusted)
	return Endpoint{t: t, gen: t.gen.Load()}, true
}

// Stats is a point-in-time view of the registry
type Stats struct {
	OpenChannels int64      `json:"open_channels"`
	ChannelIDs   int64      `json:"channel_ids_issued"`
	Endpoints    int        `json:"endpoints"`
	Slab         slab.Stats `json:"slab"`
	KernelBytes  int64      `json:"kernel_bytes"`
	EventHandles int        `json:"event_handles,omitempty"`
}

// Stats returns the registry counters
func (r *Registry) Stats() Stats {
	r.mu.RLock()
	n := len(r.live)
	r.mu.RUnlock()
	s := Stats{
		OpenChannels: r.openChannels.Load(),
		ChannelIDs:   r.channelIDs.Load(),
		Endpoints:    n,
		Slab:         r.slab.Stats(),
		KernelBytes:  r.kernel.Used(),
	}
	if l, ok := r.events.(interface{ Len() int }); ok {
		s.EventHandles = l.Len()
	}
	return s
}

// EndpointInfo describes one live endpoint
type EndpointInfo struct {
	ChannelID    int64  `json:"channel_id"`
	Owner        uint32 `json:"owner_pid"`
	OwnerName    string `json:"owner_name"`
	Principal    string `json:"principal,omitempty"`
	Heap         string `json:"heap,omitempty"`
	Link         string `json:"link"`
	Closed       bool   `json:"closed"`
	Freed        bool   `json:"freed"`
	ReceiveCount int64  `json:"receive_count"`
	Pending      int    `json:"pending_updates"`
}

// ChannelInfo pairs the two halves of a channel. Either side may be nil
// once it has been released.
type ChannelInfo struct {
	ID     int64         `json:"id"`
	Export *EndpointInfo `json:"export,omitempty"`
	Import *EndpointInfo `json:"import,omitempty"`
}

func (t *Trusted) info() EndpointInfo {
	info := EndpointInfo{
		ChannelID:    t.channelID.Load(),
		Closed:       t.closed.Load(),
		Freed:        t.freed.Load(),
		ReceiveCount: t.receiveCount.Load(),
	}
	if o := t.owner.Load(); o != nil {
		info.Owner = uint32(o.ID)
		info.OwnerName = o.Name
		info.Principal = o.Principal.String()
	}
	if u := t.updates.Load(); u != nil {
		info.Pending = u.Pending()
	}

	ch := t.rlock()
	info.Link = t.link.Kind.String()
	if h := t.heapOf(); h != nil {
		info.Heap = h.Name()
	}
	ch.mu.RUnlock()
	return info
}

// Channels lists connected channels ordered by id.
func (r *Registry) Channels() []ChannelInfo {
	byID := make(map[int64]*ChannelInfo)
	r.mu.RLock()
	for t := range r.live {
		info := t.info()
		if info.ChannelID == 0 {
			continue
		}
		id := info.ChannelID
		if id < 0 {
			id = -id
		}
		c, ok := byID[id]
		if !ok {
			c = &ChannelInfo{ID: id}
			byID[id] = c
		}
		if info.ChannelID > 0 {
			c.Export = &info
		} else {
			c.Import = &info
		}
	}
	r.mu.RUnlock()

	out := make([]ChannelInfo, 0, len(byID))
	for _, c := range byID {
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Close stops accepting new endpoints and reports channels still open.
func (r *Registry) Close() error {
	if !r.closed.CompareAndSwap(false, true) {
		return nil
	}
	if open := r.openChannels.Load(); open > 0 {
		r.logger.Warn("Registry closed with open channels", zap.Int64("open", open))
		return fmt.Errorf("channel: %d channels still open", open)
	}
	return nil
}
