package grpc

import (
	"context"
	"errors"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/status"

	"github.com/GriffinCanCode/AgentOS/channels/internal/abi"
	"github.com/GriffinCanCode/AgentOS/channels/internal/channel"
	"github.com/GriffinCanCode/AgentOS/channels/internal/infrastructure/resilience"
	"github.com/GriffinCanCode/AgentOS/channels/internal/infrastructure/tracing"
	"github.com/GriffinCanCode/AgentOS/channels/internal/kernel/heap"
)

// ErrUnavailable is returned while the client's breaker is open
var ErrUnavailable = errors.New("channel ABI unavailable: circuit breaker open")

// ClientOptions configures a Client
type ClientOptions struct {
	// Timeout bounds each call. Waits add their own timeout on top.
	Timeout     time.Duration
	Breaker     *resilience.Breaker
	Tracer      *tracing.Tracer
	DialOptions []grpc.DialOption
}

// Client calls the channel ABI of a remote kernel
type Client struct {
	conn    *grpc.ClientConn
	addr    string
	timeout time.Duration
	breaker *resilience.Breaker
}

// Healthy reports whether err came back from a working kernel. Rejections
// of a bad call are answers, not transport failures.
func Healthy(err error) bool {
	switch status.Code(err) {
	case codes.OK, codes.InvalidArgument, codes.NotFound, codes.FailedPrecondition,
		codes.ResourceExhausted, codes.DeadlineExceeded, codes.Canceled:
		return true
	default:
		return false
	}
}

// NewBreaker returns the breaker Dial uses when none is given
func NewBreaker() *resilience.Breaker {
	return resilience.New("channel-abi", resilience.Settings{
		MaxRequests: 3,
		Interval:    30 * time.Second,
		Timeout:     10 * time.Second,
		ReadyToTrip: func(counts resilience.Counts) bool {
			return counts.ConsecutiveFailures >= 5 ||
				(counts.Requests >= 10 && float64(counts.TotalFailures)/float64(counts.Requests) > 0.5)
		},
		IsSuccessful: Healthy,
	})
}

// Dial connects to the kernel at addr. The connection is established lazily.
func Dial(addr string, opts ClientOptions) (*Client, error) {
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	if opts.Breaker == nil {
		opts.Breaker = NewBreaker()
	}

	dial := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                60 * time.Second,
			Timeout:             20 * time.Second,
			PermitWithoutStream: false,
		}),
		grpc.WithDefaultCallOptions(
			grpc.ForceCodec(Codec{}),
			grpc.MaxCallRecvMsgSize(10*1024*1024),
			grpc.MaxCallSendMsgSize(10*1024*1024),
		),
	}
	if opts.Tracer != nil {
		dial = append(dial, grpc.WithUnaryInterceptor(tracing.GRPCClientInterceptor(opts.Tracer)))
	}
	dial = append(dial, opts.DialOptions...)

	conn, err := grpc.NewClient(addr, dial...)
	if err != nil {
		return nil, fmt.Errorf("failed to dial kernel: %w", err)
	}
	return &Client{
		conn:    conn,
		addr:    addr,
		timeout: opts.Timeout,
		breaker: opts.Breaker,
	}, nil
}

// Close closes the connection
func (c *Client) Close() error {
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

// Addr returns the address the client was dialled with
func (c *Client) Addr() string { return c.addr }

func (c *Client) invokeFor(ctx context.Context, extra time.Duration, method string, req, resp any) error {
	_, err := resilience.Do(c.breaker, func() (struct{}, error) {
		ctx, cancel := context.WithTimeout(ctx, c.timeout+extra)
		defer cancel()
		return struct{}{}, c.conn.Invoke(ctx, FullMethod(method), req, resp)
	})
	if errors.Is(err, resilience.ErrCircuitOpen) || errors.Is(err, resilience.ErrTooManyRequests) {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return err
}

func (c *Client) invoke(ctx context.Context, method string, req, resp any) error {
	return c.invokeFor(ctx, 0, method, req, resp)
}

// CreateProcess registers a process, optionally sharing colocateWith's heap
func (c *Client) CreateProcess(ctx context.Context, name, colocateWith string) (abi.ProcessInfo, error) {
	var out abi.ProcessInfo
	err := c.invoke(ctx, abi.OpCreateProcess, &CreateProcessRequest{Name: name, ColocateWith: colocateWith}, &out)
	return out, err
}

// ListProcesses returns every process
func (c *Client) ListProcesses(ctx context.Context) ([]abi.ProcessInfo, error) {
	var out ProcessesReply
	err := c.invoke(ctx, MethodListProcesses, &Empty{}, &out)
	return out.Processes, err
}

// AllocateEndpoint creates an endpoint owned by pid
func (c *Client) AllocateEndpoint(ctx context.Context, pid heap.ProcessID) (abi.Handle, error) {
	var out HandleReply
	err := c.invoke(ctx, abi.OpAllocateEndpoint, &ProcessRequest{PID: pid}, &out)
	return out.Handle, err
}

// Connect pairs imp and exp
func (c *Client) Connect(ctx context.Context, imp, exp abi.Handle) error {
	return c.invoke(ctx, abi.OpConnect, &ConnectRequest{Import: imp, Export: exp}, &Empty{})
}

// Dispose closes h and wakes its peer
func (c *Client) Dispose(ctx context.Context, h abi.Handle) error {
	return c.invoke(ctx, abi.OpDispose, &HandleRequest{Handle: h}, &Empty{})
}

// Free releases a closed endpoint
func (c *Client) Free(ctx context.Context, h abi.Handle) error {
	return c.invoke(ctx, abi.OpFree, &HandleRequest{Handle: h}, &Empty{})
}

// CloseEndpoint marks h closed without notifying its peer
func (c *Client) CloseEndpoint(ctx context.Context, h abi.Handle) error {
	return c.invoke(ctx, abi.OpClose, &HandleRequest{Handle: h}, &Empty{})
}

// Closed reports whether h is closed
func (c *Client) Closed(ctx context.Context, h abi.Handle) (bool, error) {
	var out BoolReply
	err := c.invoke(ctx, abi.OpClosed, &HandleRequest{Handle: h}, &out)
	return out.Value, err
}

// PeerClosed reports whether h's peer is closed
func (c *Client) PeerClosed(ctx context.Context, h abi.Handle) (bool, error) {
	var out BoolReply
	err := c.invoke(ctx, abi.OpPeerClosed, &HandleRequest{Handle: h}, &out)
	return out.Value, err
}

// NotifyPeer wakes h's peer
func (c *Client) NotifyPeer(ctx context.Context, h abi.Handle) error {
	return c.invoke(ctx, abi.OpNotifyPeer, &HandleRequest{Handle: h}, &Empty{})
}

// Wait blocks up to timeout for h to be notified
func (c *Client) Wait(ctx context.Context, h abi.Handle, timeout time.Duration) (WaitReply, error) {
	var out WaitReply
	err := c.invokeFor(ctx, timeout, abi.OpWait, &WaitRequest{Handle: h, TimeoutMillis: timeout.Milliseconds()}, &out)
	return out, err
}

// TryWait consumes a pending notification without blocking
func (c *Client) TryWait(ctx context.Context, h abi.Handle) (WaitReply, error) {
	var out WaitReply
	err := c.invoke(ctx, abi.OpTryWait, &HandleRequest{Handle: h}, &out)
	return out, err
}

// AcceptUpdates applies updates pending for h
func (c *Client) AcceptUpdates(ctx context.Context, h abi.Handle) (int, error) {
	var out CountReply
	err := c.invoke(ctx, abi.OpAcceptUpdates, &HandleRequest{Handle: h}, &out)
	return out.Count, err
}

// GetPeer describes h's peer view
func (c *Client) GetPeer(ctx context.Context, h abi.Handle) (abi.PeerInfo, error) {
	var out abi.PeerInfo
	err := c.invoke(ctx, abi.OpGetPeer, &HandleRequest{Handle: h}, &out)
	return out, err
}

// BeginUpdate opens a batch on h
func (c *Client) BeginUpdate(ctx context.Context, h abi.Handle, msgOffset, size, tagOffset int) error {
	req := &BeginUpdateRequest{Handle: h, MsgOffset: msgOffset, Size: size, TagOffset: tagOffset}
	return c.invoke(ctx, abi.OpBeginUpdate, req, &Empty{})
}

// MarshallPointer adds a pointer field to the open batch on h
func (c *Client) MarshallPointer(ctx context.Context, h abi.Handle, fieldOffset int, expected heap.TypeTag) error {
	req := &MarshallRequest{Handle: h, FieldOffset: fieldOffset, Type: string(expected)}
	return c.invoke(ctx, abi.OpMarshallPointer, req, &Empty{})
}

// EndUpdate commits the open batch on h
func (c *Client) EndUpdate(ctx context.Context, h abi.Handle) error {
	return c.invoke(ctx, abi.OpEndUpdate, &HandleRequest{Handle: h}, &Empty{})
}

// AbortUpdate discards the open batch on h
func (c *Client) AbortUpdate(ctx context.Context, h abi.Handle) error {
	return c.invoke(ctx, abi.OpAbortUpdate, &HandleRequest{Handle: h}, &Empty{})
}

// Send writes msg to h's peer and notifies it
func (c *Client) Send(ctx context.Context, h abi.Handle, msg abi.Message) error {
	return c.invoke(ctx, abi.OpSend, &SendRequest{Handle: h, Message: msg}, &Empty{})
}

// WritePeer writes data into h's peer view
func (c *Client) WritePeer(ctx context.Context, h abi.Handle, off int, data []byte) error {
	return c.invoke(ctx, abi.OpWritePeer, &WritePeerRequest{Handle: h, Offset: off, Data: data}, &Empty{})
}

// ReadSelf reads n bytes of h's own block
func (c *Client) ReadSelf(ctx context.Context, h abi.Handle, off, n int) ([]byte, error) {
	var out DataReply
	err := c.invoke(ctx, abi.OpReadSelf, &ReadSelfRequest{Handle: h, Offset: off, Length: n}, &out)
	return out.Data, err
}

// AllocateBlock allocates a data block in pid's heap
func (c *Client) AllocateBlock(ctx context.Context, pid heap.ProcessID, size int, tag heap.TypeTag) (abi.BlockRef, error) {
	var out BlockReply
	err := c.invoke(ctx, abi.OpAllocateBlock, &AllocateBlockRequest{PID: pid, Size: size, Type: string(tag)}, &out)
	return out.Block, err
}

// WriteBlock writes data into ref
func (c *Client) WriteBlock(ctx context.Context, ref abi.BlockRef, off int, data []byte) error {
	return c.invoke(ctx, abi.OpWriteBlock, &WriteBlockRequest{Block: ref, Offset: off, Data: data}, &Empty{})
}

// ReadBlock reads n bytes of ref
func (c *Client) ReadBlock(ctx context.Context, ref abi.BlockRef, off, n int) ([]byte, error) {
	var out DataReply
	err := c.invoke(ctx, abi.OpReadBlock, &ReadBlockRequest{Block: ref, Offset: off, Length: n}, &out)
	return out.Data, err
}

// FreeBlock frees ref
func (c *Client) FreeBlock(ctx context.Context, ref abi.BlockRef) error {
	return c.invoke(ctx, abi.OpFreeBlock, &BlockRequest{Block: ref}, &Empty{})
}

// AttachBlock stores ref in a pointer field of h's peer view
func (c *Client) AttachBlock(ctx context.Context, h abi.Handle, fieldOffset int, ref abi.BlockRef) error {
	req := &AttachBlockRequest{Handle: h, FieldOffset: fieldOffset, Block: ref}
	return c.invoke(ctx, abi.OpAttachBlock, req, &Empty{})
}

// DetachBlock claims the block at a pointer field of h's own block
func (c *Client) DetachBlock(ctx context.Context, h abi.Handle, fieldOffset int) (abi.BlockRef, error) {
	var out BlockReply
	err := c.invoke(ctx, abi.OpDetachBlock, &DetachBlockRequest{Handle: h, FieldOffset: fieldOffset}, &out)
	return out.Block, err
}

// MoveEndpoint hands h to pid
func (c *Client) MoveEndpoint(ctx context.Context, h abi.Handle, pid heap.ProcessID) error {
	return c.invoke(ctx, abi.OpMoveEndpoint, &MoveEndpointRequest{Handle: h, PID: pid}, &Empty{})
}

// TransferBlockOwnership hands ref to target's owner
func (c *Client) TransferBlockOwnership(ctx context.Context, ref abi.BlockRef, target abi.Handle) error {
	return c.invoke(ctx, abi.OpTransferBlockOwnership, &TransferBlockRequest{Block: ref, Target: target}, &Empty{})
}

// TransferContentOwnership hands every block referenced from src to target's owner
func (c *Client) TransferContentOwnership(ctx context.Context, src, target abi.Handle) error {
	req := &TransferContentRequest{Source: src, Target: target}
	return c.invoke(ctx, abi.OpTransferContentOwnership, req, &Empty{})
}

// NewCollection allocates a collection event
func (c *Client) NewCollection(ctx context.Context) (abi.Collection, error) {
	var out CollectionReply
	err := c.invoke(ctx, abi.OpNewCollection, &Empty{}, &out)
	return out.Collection, err
}

// LinkIntoCollection links h into col
func (c *Client) LinkIntoCollection(ctx context.Context, h abi.Handle, col abi.Collection) error {
	return c.invoke(ctx, abi.OpLinkIntoCollection, &LinkRequest{Handle: h, Collection: col}, &Empty{})
}

// UnlinkFromCollection unlinks h from col
func (c *Client) UnlinkFromCollection(ctx context.Context, h abi.Handle, col abi.Collection) error {
	return c.invoke(ctx, abi.OpUnlinkFromCollection, &LinkRequest{Handle: h, Collection: col}, &Empty{})
}

// WaitCollection blocks up to timeout for an endpoint linked into col to be notified
func (c *Client) WaitCollection(ctx context.Context, col abi.Collection, timeout time.Duration) (bool, error) {
	var out BoolReply
	req := &WaitCollectionRequest{Collection: col, TimeoutMillis: timeout.Milliseconds()}
	err := c.invokeFor(ctx, timeout, abi.OpWaitCollection, req, &out)
	return out.Value, err
}

// ReleaseCollection frees col
func (c *Client) ReleaseCollection(ctx context.Context, col abi.Collection) error {
	return c.invoke(ctx, abi.OpReleaseCollection, &CollectionRequest{Collection: col}, &Empty{})
}

// Identity returns the channel id, owners and principals of h
func (c *Client) Identity(ctx context.Context, h abi.Handle) (IdentityReply, error) {
	var out IdentityReply
	err := c.invoke(ctx, MethodIdentity, &HandleRequest{Handle: h}, &out)
	return out, err
}

// Describe returns the state of h
func (c *Client) Describe(ctx context.Context, h abi.Handle) (abi.EndpointInfo, error) {
	var out abi.EndpointInfo
	err := c.invoke(ctx, MethodDescribe, &HandleRequest{Handle: h}, &out)
	return out, err
}

// Channels lists channels, filtered by owner name glob when set
func (c *Client) Channels(ctx context.Context, ownerGlob string) ([]channel.ChannelInfo, error) {
	var out ChannelsReply
	err := c.invoke(ctx, MethodChannels, &ChannelsRequest{OwnerGlob: ownerGlob}, &out)
	return out.Channels, err
}

// Stats returns the kernel counters
func (c *Client) Stats(ctx context.Context) (abi.Stats, error) {
	var out abi.Stats
	err := c.invoke(ctx, MethodStats, &Empty{}, &out)
	return out, err
}

// Operations returns the ABI contract table
func (c *Client) Operations(ctx context.Context) ([]abi.Operation, error) {
	var out OperationsReply
	err := c.invoke(ctx, MethodOperations, &Empty{}, &out)
	return out.Operations, err
}

// EventStream receives diagnostic events from the kernel
type EventStream struct {
	stream grpc.ClientStream
}

// Recv blocks for the next event
func (s *EventStream) Recv() (tracing.Event, error) {
	var ev tracing.Event
	err := s.stream.RecvMsg(&ev)
	return ev, err
}

// Events opens an event stream. It bypasses the breaker; cancel ctx to end it.
func (c *Client) Events(ctx context.Context, req EventsRequest) (*EventStream, error) {
	stream, err := c.conn.NewStream(ctx, &ServiceDesc.Streams[0], FullMethod(MethodEvents))
	if err != nil {
		return nil, err
	}
	if err := stream.SendMsg(&req); err != nil {
		return nil, err
	}
	if err := stream.CloseSend(); err != nil {
		return nil, err
	}
	return &EventStream{stream: stream}, nil
}
