package abi

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/bmatcuk/doublestar/v4"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/AgentOS/channels/internal/channel"
	"github.com/GriffinCanCode/AgentOS/channels/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/AgentOS/channels/internal/kernel/event"
	"github.com/GriffinCanCode/AgentOS/channels/internal/kernel/heap"
	"github.com/GriffinCanCode/AgentOS/channels/internal/kernel/process"
	"github.com/GriffinCanCode/AgentOS/channels/internal/shared/id"
)

// Handle names an endpoint for callers outside the kernel. Zero is never issued.
type Handle uint64

// BlockRef names a data block the kernel holds on behalf of a process.
type BlockRef uint64

// Collection names a collection event
type Collection = event.Handle

// ProcessInfo describes a registered process
type ProcessInfo struct {
	PID       heap.ProcessID     `json:"pid"`
	Name      string             `json:"name"`
	Principal id.PrincipalHandle `json:"principal"`
	Heap      string             `json:"heap"`
	HeapID    string             `json:"heap_id"`
}

// EndpointInfo describes the endpoint behind a handle
type EndpointInfo struct {
	Handle    Handle         `json:"handle"`
	ChannelID int64          `json:"channel_id"`
	State     string         `json:"state"`
	Owner     heap.ProcessID `json:"owner_pid"`
	Link      string         `json:"link"`
	Pending   int            `json:"pending_updates"`
}

// PeerInfo describes the block an endpoint writes its peer's messages into
type PeerInfo struct {
	MarshallNeeded bool   `json:"marshall_needed"`
	Size           int    `json:"size"`
	Heap           string `json:"heap"`
}

// Message is one Send: Payload lands at Offset of the peer's block, and
// Tag is stored at TagOffset when HasTag is set.
type Message struct {
	Offset    int    `json:"offset"`
	Payload   []byte `json:"payload"`
	HasTag    bool   `json:"has_tag,omitempty"`
	TagOffset int    `json:"tag_offset,omitempty"`
	Tag       uint32 `json:"tag,omitempty"`
}

// Stats extends the registry stats with the kernel's handle tables
type Stats struct {
	channel.Stats
	Handles   int `json:"handles"`
	Blocks    int `json:"blocks"`
	Processes int `json:"processes"`
}

// Options configures a Kernel
type Options struct {
	Registry     *channel.Registry
	Processes    *process.Table
	HeapCapacity int64
	Logger       *zap.Logger
	Metrics      *monitoring.Metrics
}

// Kernel is the ABI surface: every endpoint and data block is named by an
// integer handle so callers never hold kernel pointers.
type Kernel struct {
	reg          *channel.Registry
	procs        *process.Table
	heapCapacity int64
	logger       *zap.Logger
	metrics      *monitoring.Metrics

	next   atomic.Uint64
	closed atomic.Bool

	mu        sync.RWMutex
	endpoints map[Handle]channel.Endpoint

	bmu    sync.Mutex
	blocks map[BlockRef]*heap.Allocation
}

// New creates the ABI kernel over reg
func New(opts Options) (*Kernel, error) {
	if opts.Registry == nil {
		return nil, fmt.Errorf("%w: nil registry", ErrInvalidArgument)
	}
	if opts.Processes == nil {
		opts.Processes = process.NewTable(opts.Registry.KernelHeap())
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Kernel{
		reg:          opts.Registry,
		procs:        opts.Processes,
		heapCapacity: opts.HeapCapacity,
		logger:       opts.Logger.Named("abi"),
		metrics:      opts.Metrics,
		endpoints:    make(map[Handle]channel.Endpoint),
		blocks:       make(map[BlockRef]*heap.Allocation),
	}, nil
}

// Registry returns the channel registry behind the ABI
func (k *Kernel) Registry() *channel.Registry { return k.reg }

// Processes returns the process table behind the ABI
func (k *Kernel) Processes() *process.Table { return k.procs }

func (k *Kernel) call(op string, fn func() error) error {
	timer := monitoring.NewTimer(k.metrics, op)
	err := fn()
	code := Classify(err)
	timer.Stop(code.String())
	if code == CodeInternal {
		k.logger.Error("ABI call failed", zap.String("op", op), zap.Error(err))
	}
	return err
}

func invoke[T any](k *Kernel, op string, fn func() (T, error)) (T, error) {
	var out T
	err := k.call(op, func() error {
		var err error
		out, err = fn()
		return err
	})
	return out, err
}

// Endpoint resolves h. In-process callers use it to reach block allocations.
func (k *Kernel) Endpoint(h Handle) (channel.Endpoint, error) {
	k.mu.RLock()
	ep, ok := k.endpoints[h]
	k.mu.RUnlock()
	if !ok {
		return channel.Endpoint{}, fmt.Errorf("%w: %d", ErrInvalidHandle, h)
	}
	return ep, nil
}

func (k *Kernel) process(pid heap.ProcessID) (*process.Process, error) {
	return k.procs.Lookup(pid)
}

func processInfo(p *process.Process) ProcessInfo {
	return ProcessInfo{
		PID:       p.ID,
		Name:      p.Name,
		Principal: p.Principal,
		Heap:      p.Heap.Name(),
		HeapID:    p.Heap.ID().String(),
	}
}

// CreateProcess registers a process. With colocateWith naming an existing
// process the two share one heap, otherwise the process gets a heap of its own.
func (k *Kernel) CreateProcess(name, colocateWith string) (ProcessInfo, error) {
	return invoke(k, OpCreateProcess, func() (ProcessInfo, error) {
		if k.closed.Load() {
			return ProcessInfo{}, ErrClosed
		}
		var h *heap.Heap
		if colocateWith != "" {
			other, err := k.procs.LookupName(colocateWith)
			if err != nil {
				return ProcessInfo{}, err
			}
			h = other.Heap
		} else {
			label := name
			if label == "" {
				label = "anonymous"
			}
			h = heap.New(label, k.heapCapacity)
		}
		p, err := k.procs.Create(name, h)
		if err != nil {
			return ProcessInfo{}, err
		}
		k.logger.Debug("Process created",
			zap.Uint32("pid", uint32(p.ID)),
			zap.String("name", p.Name),
			zap.String("heap", h.Name()),
		)
		return processInfo(p), nil
	})
}

// ListProcesses returns every process, kernel included
func (k *Kernel) ListProcesses() []ProcessInfo {
	procs := k.procs.List()
	out := make([]ProcessInfo, len(procs))
	for i, p := range procs {
		out[i] = processInfo(p)
	}
	return out
}

// AllocateEndpoint creates an unconnected endpoint owned by pid
func (k *Kernel) AllocateEndpoint(pid heap.ProcessID) (Handle, error) {
	return invoke(k, OpAllocateEndpoint, func() (Handle, error) {
		if k.closed.Load() {
			return 0, ErrClosed
		}
		p, err := k.process(pid)
		if err != nil {
			return 0, err
		}
		ep, err := k.reg.NewEndpoint(p)
		if err != nil {
			return 0, err
		}
		h := Handle(k.next.Add(1))
		k.mu.Lock()
		k.endpoints[h] = ep
		k.mu.Unlock()
		return h, nil
	})
}

// Connect pairs imp and exp into a new channel
func (k *Kernel) Connect(imp, exp Handle) error {
	return k.call(OpConnect, func() error {
		i, err := k.Endpoint(imp)
		if err != nil {
			return err
		}
		e, err := k.Endpoint(exp)
		if err != nil {
			return err
		}
		return k.reg.Connect(nil, i, e)
	})
}

// Dispose closes h and wakes its peer
func (k *Kernel) Dispose(h Handle) error {
	return k.call(OpDispose, func() error {
		ep, err := k.Endpoint(h)
		if err != nil {
			return err
		}
		return k.reg.Dispose(ep)
	})
}

// Free releases a closed endpoint. The handle is retired on success.
func (k *Kernel) Free(h Handle) error {
	return k.call(OpFree, func() error {
		ep, err := k.Endpoint(h)
		if err != nil {
			return err
		}
		if err := k.reg.Free(ep); err != nil {
			return err
		}
		k.mu.Lock()
		delete(k.endpoints, h)
		k.mu.Unlock()
		return nil
	})
}

// Close marks h closed without notifying its peer
func (k *Kernel) Close(h Handle) error {
	return k.call(OpClose, func() error {
		ep, err := k.Endpoint(h)
		if err != nil {
			return err
		}
		return ep.Close()
	})
}

// Closed reports whether h is closed
func (k *Kernel) Closed(h Handle) (bool, error) {
	return invoke(k, OpClosed, func() (bool, error) {
		ep, err := k.Endpoint(h)
		if err != nil {
			return false, err
		}
		return ep.Closed()
	})
}

// PeerClosed reports whether h's peer is closed
func (k *Kernel) PeerClosed(h Handle) (bool, error) {
	return invoke(k, OpPeerClosed, func() (bool, error) {
		ep, err := k.Endpoint(h)
		if err != nil {
			return false, err
		}
		return ep.PeerClosed()
	})
}

// NotifyPeer commits any open batch on h and wakes the peer
func (k *Kernel) NotifyPeer(h Handle) error {
	return k.call(OpNotifyPeer, func() error {
		ep, err := k.Endpoint(h)
		if err != nil {
			return err
		}
		return ep.NotifyPeer()
	})
}

// Wait blocks until h is notified and returns the number of updates applied
func (k *Kernel) Wait(ctx context.Context, h Handle) (int, error) {
	return invoke(k, OpWait, func() (int, error) {
		ep, err := k.Endpoint(h)
		if err != nil {
			return 0, err
		}
		return ep.Wait(ctx)
	})
}

// TryWait consumes a pending notification on h without blocking
func (k *Kernel) TryWait(h Handle) (signalled bool, applied int, err error) {
	err = k.call(OpTryWait, func() error {
		ep, err := k.Endpoint(h)
		if err != nil {
			return err
		}
		signalled, applied, err = ep.TryWait()
		return err
	})
	return signalled, applied, err
}

// AcceptUpdates applies pending updates from h's peer without waiting
func (k *Kernel) AcceptUpdates(h Handle) (int, error) {
	return invoke(k, OpAcceptUpdates, func() (int, error) {
		ep, err := k.Endpoint(h)
		if err != nil {
			return 0, err
		}
		return ep.AcceptUpdates()
	})
}

// GetPeer describes the block h writes its peer's messages into
func (k *Kernel) GetPeer(h Handle) (PeerInfo, error) {
	return invoke(k, OpGetPeer, func() (PeerInfo, error) {
		ep, err := k.Endpoint(h)
		if err != nil {
			return PeerInfo{}, err
		}
		peer, marshall, err := ep.GetPeer()
		if err != nil {
			return PeerInfo{}, err
		}
		return PeerInfo{MarshallNeeded: marshall, Size: peer.Size(), Heap: peer.Heap().Name()}, nil
	})
}

// BeginUpdate opens a batch on h. A negative tagOffset sends no tag.
func (k *Kernel) BeginUpdate(h Handle, msgOffset, size, tagOffset int) error {
	return k.call(OpBeginUpdate, func() error {
		ep, err := k.Endpoint(h)
		if err != nil {
			return err
		}
		return ep.BeginUpdate(msgOffset, size, tagOffset)
	})
}

// MarshallPointer adds the pointer field at fieldOffset of h's peer view to the open batch
func (k *Kernel) MarshallPointer(h Handle, fieldOffset int, expected heap.TypeTag) error {
	return k.call(OpMarshallPointer, func() error {
		ep, err := k.Endpoint(h)
		if err != nil {
			return err
		}
		return ep.MarshallPointer(fieldOffset, expected)
	})
}

// EndUpdate commits the open batch on h
func (k *Kernel) EndUpdate(h Handle) error {
	return k.call(OpEndUpdate, func() error {
		ep, err := k.Endpoint(h)
		if err != nil {
			return err
		}
		return ep.EndUpdate()
	})
}

// AbortUpdate discards the open batch on h
func (k *Kernel) AbortUpdate(h Handle) error {
	return k.call(OpAbortUpdate, func() error {
		ep, err := k.Endpoint(h)
		if err != nil {
			return err
		}
		return ep.AbortUpdate()
	})
}

// NewCollection allocates a collection event
func (k *Kernel) NewCollection() Collection {
	c, _ := invoke(k, OpNewCollection, func() (Collection, error) {
		return k.reg.NewCollection(), nil
	})
	return c
}

// LinkIntoCollection makes notifications on h also signal c
func (k *Kernel) LinkIntoCollection(h Handle, c Collection) error {
	return k.call(OpLinkIntoCollection, func() error {
		ep, err := k.Endpoint(h)
		if err != nil {
			return err
		}
		return ep.LinkIntoCollection(c)
	})
}

// UnlinkFromCollection undoes LinkIntoCollection
func (k *Kernel) UnlinkFromCollection(h Handle, c Collection) error {
	return k.call(OpUnlinkFromCollection, func() error {
		ep, err := k.Endpoint(h)
		if err != nil {
			return err
		}
		return ep.UnlinkFromCollection(c)
	})
}

// WaitCollection blocks until an endpoint linked into c is notified
func (k *Kernel) WaitCollection(ctx context.Context, c Collection) error {
	return k.call(OpWaitCollection, func() error {
		return k.reg.WaitCollection(ctx, c)
	})
}

// ReleaseCollection frees c
func (k *Kernel) ReleaseCollection(c Collection) error {
	return k.call(OpReleaseCollection, func() error {
		return k.reg.ReleaseCollection(c)
	})
}

// TransferBlockOwnership moves the data block ref to the heap and owner of
// target. ref stays valid and names the moved block.
func (k *Kernel) TransferBlockOwnership(ref BlockRef, target Handle) error {
	return k.call(OpTransferBlockOwnership, func() error {
		ep, err := k.Endpoint(target)
		if err != nil {
			return err
		}
		k.bmu.Lock()
		defer k.bmu.Unlock()
		a, ok := k.blocks[ref]
		if !ok {
			return fmt.Errorf("%w: %d", ErrInvalidBlock, ref)
		}
		moved, err := k.reg.TransferBlockOwnership(a, ep)
		if err != nil {
			return err
		}
		k.blocks[ref] = moved
		return nil
	})
}

// TransferContentOwnership re-homes every pointer in src's block to target
func (k *Kernel) TransferContentOwnership(src, target Handle) error {
	return k.call(OpTransferContentOwnership, func() error {
		s, err := k.Endpoint(src)
		if err != nil {
			return err
		}
		t, err := k.Endpoint(target)
		if err != nil {
			return err
		}
		return k.reg.TransferContentOwnership(s, t)
	})
}

// MoveEndpoint hands h to process pid, re-homing its block into pid's heap
func (k *Kernel) MoveEndpoint(h Handle, pid heap.ProcessID) error {
	return k.call(OpMoveEndpoint, func() error {
		ep, err := k.Endpoint(h)
		if err != nil {
			return err
		}
		p, err := k.process(pid)
		if err != nil {
			return err
		}
		blk, err := ep.Block()
		if err != nil {
			return err
		}
		return k.reg.MoveEndpoint(blk.Heap(), p.Heap, p, ep)
	})
}

// GetChannelID returns h's channel id: positive on the export side,
// negative on the import side, zero before Connect.
func (k *Kernel) GetChannelID(h Handle) (int64, error) {
	return invoke(k, OpGetChannelID, func() (int64, error) {
		ep, err := k.Endpoint(h)
		if err != nil {
			return 0, err
		}
		return ep.ChannelID()
	})
}

func (k *Kernel) owner(h Handle, peer bool) (*process.Process, error) {
	ep, err := k.Endpoint(h)
	if err != nil {
		return nil, err
	}
	if peer {
		return ep.PeerOwner()
	}
	return ep.Owner()
}

// GetOwnerProcessID returns the pid owning h
func (k *Kernel) GetOwnerProcessID(h Handle) (heap.ProcessID, error) {
	return invoke(k, OpGetOwnerProcessID, func() (heap.ProcessID, error) {
		p, err := k.owner(h, false)
		if err != nil {
			return 0, err
		}
		return p.ID, nil
	})
}

// GetPeerProcessID returns the pid owning h's peer
func (k *Kernel) GetPeerProcessID(h Handle) (heap.ProcessID, error) {
	return invoke(k, OpGetPeerProcessID, func() (heap.ProcessID, error) {
		p, err := k.owner(h, true)
		if err != nil {
			return 0, err
		}
		return p.ID, nil
	})
}

// GetOwnerPrincipalHandle returns the principal of h's owner
func (k *Kernel) GetOwnerPrincipalHandle(h Handle) (id.PrincipalHandle, error) {
	return invoke(k, OpGetOwnerPrincipalHandle, func() (id.PrincipalHandle, error) {
		p, err := k.owner(h, false)
		if err != nil {
			return "", err
		}
		return p.Principal, nil
	})
}

// GetPeerPrincipalHandle returns the principal of h's peer owner
func (k *Kernel) GetPeerPrincipalHandle(h Handle) (id.PrincipalHandle, error) {
	return invoke(k, OpGetPeerPrincipalHandle, func() (id.PrincipalHandle, error) {
		p, err := k.owner(h, true)
		if err != nil {
			return "", err
		}
		return p.Principal, nil
	})
}

// Describe returns the state of the endpoint behind h
func (k *Kernel) Describe(h Handle) (EndpointInfo, error) {
	ep, err := k.Endpoint(h)
	if err != nil {
		return EndpointInfo{}, err
	}
	info := EndpointInfo{Handle: h}
	if info.ChannelID, err = ep.ChannelID(); err != nil {
		return EndpointInfo{}, err
	}
	state, err := ep.State()
	if err != nil {
		return EndpointInfo{}, err
	}
	info.State = state.String()
	if p, err := ep.Owner(); err == nil {
		info.Owner = p.ID
	}
	if kind, err := ep.LinkKind(); err == nil {
		info.Link = kind.String()
	}
	info.Pending, _ = ep.PendingUpdates()
	return info, nil
}

// Handles lists live endpoint handles in issue order
func (k *Kernel) Handles() []Handle {
	k.mu.RLock()
	out := make([]Handle, 0, len(k.endpoints))
	for h := range k.endpoints {
		out = append(out, h)
	}
	k.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Channels lists connected channels. A non-empty ownerGlob keeps channels
// where either side's owner name matches it.
func (k *Kernel) Channels(ownerGlob string) ([]channel.ChannelInfo, error) {
	if ownerGlob != "" && !doublestar.ValidatePattern(ownerGlob) {
		return nil, fmt.Errorf("%w: bad owner pattern %q", ErrInvalidArgument, ownerGlob)
	}
	all := k.reg.Channels()
	if ownerGlob == "" {
		return all, nil
	}

	match := func(info *channel.EndpointInfo) bool {
		if info == nil {
			return false
		}
		ok, _ := doublestar.Match(ownerGlob, info.OwnerName)
		return ok
	}
	out := all[:0]
	for _, c := range all {
		if match(c.Export) || match(c.Import) {
			out = append(out, c)
		}
	}
	return out, nil
}

// Stats returns registry and handle table counters
func (k *Kernel) Stats() Stats {
	k.mu.RLock()
	handles := len(k.endpoints)
	k.mu.RUnlock()
	k.bmu.Lock()
	blocks := len(k.blocks)
	k.bmu.Unlock()
	return Stats{
		Stats:     k.reg.Stats(),
		Handles:   handles,
		Blocks:    blocks,
		Processes: k.procs.Len(),
	}
}

// Shutdown frees every block still held by reference and closes the
// registry. It reports channels left open.
func (k *Kernel) Shutdown() error {
	if !k.closed.CompareAndSwap(false, true) {
		return nil
	}
	k.bmu.Lock()
	for ref, a := range k.blocks {
		if _, err := a.Heap().Free(a); err != nil {
			k.logger.Warn("Failed to free block at shutdown", zap.Uint64("ref", uint64(ref)), zap.Error(err))
		}
		delete(k.blocks, ref)
	}
	k.bmu.Unlock()
	return k.reg.Close()
}
