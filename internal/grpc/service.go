package grpc

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/status"

	"github.com/GriffinCanCode/AgentOS/channels/internal/abi"
	"github.com/GriffinCanCode/AgentOS/channels/internal/channel"
	"github.com/GriffinCanCode/AgentOS/channels/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/AgentOS/channels/internal/infrastructure/tracing"
	"github.com/GriffinCanCode/AgentOS/channels/internal/kernel/heap"
)

// ServiceName is the fully qualified gRPC service name
const ServiceName = "agentos.channel.v1.ChannelABI"

// ABIServer is implemented by *Server. It is the HandlerType of ServiceDesc.
type ABIServer interface {
	Kernel() *abi.Kernel
}

// ServerOptions configures the remote ABI service
type ServerOptions struct {
	Logger     *zap.Logger
	Metrics    *monitoring.Metrics
	Tracer     *tracing.Tracer
	Events     *tracing.Emitter
	MaxMsgSize int
}

// Server serves the ABI of one kernel over gRPC
type Server struct {
	kernel *abi.Kernel
	opts   ServerOptions
	logger *zap.Logger
}

// NewServer creates the service for k
func NewServer(k *abi.Kernel, opts ServerOptions) *Server {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.MaxMsgSize <= 0 {
		opts.MaxMsgSize = 4 << 20
	}
	return &Server{kernel: k, opts: opts, logger: opts.Logger.Named("grpc")}
}

// Kernel returns the ABI kernel being served
func (s *Server) Kernel() *abi.Kernel { return s.kernel }

// NewGRPCServer builds a grpc.Server with the JSON codec, interceptors and
// keepalive policy, and registers s on it.
func (s *Server) NewGRPCServer(extra ...grpc.ServerOption) *grpc.Server {
	var unary []grpc.UnaryServerInterceptor
	var stream []grpc.StreamServerInterceptor
	if s.opts.Tracer != nil {
		unary = append(unary, tracing.GRPCUnaryInterceptor(s.opts.Tracer))
		stream = append(stream, tracing.GRPCStreamInterceptor(s.opts.Tracer))
	}
	if s.opts.Metrics != nil {
		unary = append(unary, monitoring.GRPCUnaryInterceptor(s.opts.Metrics))
	}
	// innermost, so tracing and metrics see the Internal status
	unary = append(unary, RecoveryUnaryInterceptor(s.logger))
	stream = append(stream, RecoveryStreamInterceptor(s.logger))

	opts := []grpc.ServerOption{
		grpc.ForceServerCodec(Codec{}),
		grpc.ChainUnaryInterceptor(unary...),
		grpc.ChainStreamInterceptor(stream...),
		grpc.MaxRecvMsgSize(s.opts.MaxMsgSize),
		grpc.MaxSendMsgSize(s.opts.MaxMsgSize),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             30 * time.Second,
			PermitWithoutStream: true,
		}),
	}
	gs := grpc.NewServer(append(opts, extra...)...)
	gs.RegisterService(&ServiceDesc, s)
	return gs
}

// toStatus maps ABI errors onto gRPC status codes
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	}

	code := codes.Internal
	switch abi.Classify(err) {
	case abi.CodeInvalidArgument:
		code = codes.InvalidArgument
	case abi.CodeNotFound:
		code = codes.NotFound
	case abi.CodeFailedPrecondition:
		code = codes.FailedPrecondition
	case abi.CodeExhausted:
		code = codes.ResourceExhausted
	}
	return status.Error(code, err.Error())
}

func withTimeout(ctx context.Context, ms int64) (context.Context, context.CancelFunc) {
	if ms <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, time.Duration(ms)*time.Millisecond)
}

func (s *Server) createProcess(_ context.Context, req *CreateProcessRequest) (*abi.ProcessInfo, error) {
	info, err := s.kernel.CreateProcess(req.Name, req.ColocateWith)
	if err != nil {
		return nil, toStatus(err)
	}
	return &info, nil
}

func (s *Server) listProcesses(context.Context, *Empty) (*ProcessesReply, error) {
	return &ProcessesReply{Processes: s.kernel.ListProcesses()}, nil
}

func (s *Server) allocateEndpoint(_ context.Context, req *ProcessRequest) (*HandleReply, error) {
	h, err := s.kernel.AllocateEndpoint(req.PID)
	if err != nil {
		return nil, toStatus(err)
	}
	return &HandleReply{Handle: h}, nil
}

func (s *Server) connect(_ context.Context, req *ConnectRequest) (*Empty, error) {
	return &Empty{}, toStatus(s.kernel.Connect(req.Import, req.Export))
}

// handleCall adapts a kernel method taking only a handle
func handleCall(fn func(*abi.Kernel, abi.Handle) error) func(*Server, context.Context, *HandleRequest) (*Empty, error) {
	return func(s *Server, _ context.Context, req *HandleRequest) (*Empty, error) {
		return &Empty{}, toStatus(fn(s.kernel, req.Handle))
	}
}

func boolCall(fn func(*abi.Kernel, abi.Handle) (bool, error)) func(*Server, context.Context, *HandleRequest) (*BoolReply, error) {
	return func(s *Server, _ context.Context, req *HandleRequest) (*BoolReply, error) {
		v, err := fn(s.kernel, req.Handle)
		if err != nil {
			return nil, toStatus(err)
		}
		return &BoolReply{Value: v}, nil
	}
}

// wait treats a timeout as an unsignalled reply rather than an error
func (s *Server) wait(ctx context.Context, req *WaitRequest) (*WaitReply, error) {
	wctx, cancel := withTimeout(ctx, req.TimeoutMillis)
	defer cancel()
	n, err := s.kernel.Wait(wctx, req.Handle)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return &WaitReply{}, nil
		}
		return nil, toStatus(err)
	}
	return &WaitReply{Signalled: true, Applied: n}, nil
}

func (s *Server) tryWait(_ context.Context, req *HandleRequest) (*WaitReply, error) {
	ok, n, err := s.kernel.TryWait(req.Handle)
	if err != nil {
		return nil, toStatus(err)
	}
	return &WaitReply{Signalled: ok, Applied: n}, nil
}

func (s *Server) acceptUpdates(_ context.Context, req *HandleRequest) (*CountReply, error) {
	n, err := s.kernel.AcceptUpdates(req.Handle)
	if err != nil {
		return nil, toStatus(err)
	}
	return &CountReply{Count: n}, nil
}

func (s *Server) getPeer(_ context.Context, req *HandleRequest) (*abi.PeerInfo, error) {
	info, err := s.kernel.GetPeer(req.Handle)
	if err != nil {
		return nil, toStatus(err)
	}
	return &info, nil
}

func (s *Server) beginUpdate(_ context.Context, req *BeginUpdateRequest) (*Empty, error) {
	return &Empty{}, toStatus(s.kernel.BeginUpdate(req.Handle, req.MsgOffset, req.Size, req.TagOffset))
}

func (s *Server) marshallPointer(_ context.Context, req *MarshallRequest) (*Empty, error) {
	return &Empty{}, toStatus(s.kernel.MarshallPointer(req.Handle, req.FieldOffset, heap.TypeTag(req.Type)))
}

func (s *Server) send(_ context.Context, req *SendRequest) (*Empty, error) {
	return &Empty{}, toStatus(s.kernel.Send(req.Handle, req.Message))
}

func (s *Server) writePeer(_ context.Context, req *WritePeerRequest) (*Empty, error) {
	return &Empty{}, toStatus(s.kernel.WritePeer(req.Handle, req.Offset, req.Data))
}

func (s *Server) readSelf(_ context.Context, req *ReadSelfRequest) (*DataReply, error) {
	data, err := s.kernel.ReadSelf(req.Handle, req.Offset, req.Length)
	if err != nil {
		return nil, toStatus(err)
	}
	return &DataReply{Data: data}, nil
}

func (s *Server) allocateBlock(_ context.Context, req *AllocateBlockRequest) (*BlockReply, error) {
	ref, err := s.kernel.AllocateBlock(req.PID, req.Size, heap.TypeTag(req.Type))
	if err != nil {
		return nil, toStatus(err)
	}
	return &BlockReply{Block: ref}, nil
}

func (s *Server) writeBlock(_ context.Context, req *WriteBlockRequest) (*Empty, error) {
	return &Empty{}, toStatus(s.kernel.WriteBlock(req.Block, req.Offset, req.Data))
}

func (s *Server) readBlock(_ context.Context, req *ReadBlockRequest) (*DataReply, error) {
	data, err := s.kernel.ReadBlock(req.Block, req.Offset, req.Length)
	if err != nil {
		return nil, toStatus(err)
	}
	return &DataReply{Data: data}, nil
}

func (s *Server) freeBlock(_ context.Context, req *BlockRequest) (*Empty, error) {
	return &Empty{}, toStatus(s.kernel.FreeBlock(req.Block))
}

func (s *Server) attachBlock(_ context.Context, req *AttachBlockRequest) (*Empty, error) {
	return &Empty{}, toStatus(s.kernel.AttachBlock(req.Handle, req.FieldOffset, req.Block))
}

func (s *Server) detachBlock(_ context.Context, req *DetachBlockRequest) (*BlockReply, error) {
	ref, err := s.kernel.DetachBlock(req.Handle, req.FieldOffset)
	if err != nil {
		return nil, toStatus(err)
	}
	return &BlockReply{Block: ref}, nil
}

func (s *Server) moveEndpoint(_ context.Context, req *MoveEndpointRequest) (*Empty, error) {
	return &Empty{}, toStatus(s.kernel.MoveEndpoint(req.Handle, req.PID))
}

func (s *Server) transferBlock(_ context.Context, req *TransferBlockRequest) (*Empty, error) {
	return &Empty{}, toStatus(s.kernel.TransferBlockOwnership(req.Block, req.Target))
}

func (s *Server) transferContent(_ context.Context, req *TransferContentRequest) (*Empty, error) {
	return &Empty{}, toStatus(s.kernel.TransferContentOwnership(req.Source, req.Target))
}

func (s *Server) identity(_ context.Context, req *HandleRequest) (*IdentityReply, error) {
	k := s.kernel
	var out IdentityReply
	var err error
	if out.ChannelID, err = k.GetChannelID(req.Handle); err != nil {
		return nil, toStatus(err)
	}
	if out.Owner, err = k.GetOwnerProcessID(req.Handle); err != nil {
		return nil, toStatus(err)
	}
	if out.OwnerPrincipal, err = k.GetOwnerPrincipalHandle(req.Handle); err != nil {
		return nil, toStatus(err)
	}
	if out.ChannelID == 0 {
		return &out, nil
	}
	out.Connected = true
	if out.Peer, err = k.GetPeerProcessID(req.Handle); err != nil {
		return nil, toStatus(err)
	}
	if out.PeerPrincipal, err = k.GetPeerPrincipalHandle(req.Handle); err != nil {
		return nil, toStatus(err)
	}
	return &out, nil
}

func (s *Server) describe(_ context.Context, req *HandleRequest) (*abi.EndpointInfo, error) {
	info, err := s.kernel.Describe(req.Handle)
	if err != nil {
		return nil, toStatus(err)
	}
	return &info, nil
}

func (s *Server) newCollection(context.Context, *Empty) (*CollectionReply, error) {
	return &CollectionReply{Collection: s.kernel.NewCollection()}, nil
}

func (s *Server) linkIntoCollection(_ context.Context, req *LinkRequest) (*Empty, error) {
	return &Empty{}, toStatus(s.kernel.LinkIntoCollection(req.Handle, req.Collection))
}

func (s *Server) unlinkFromCollection(_ context.Context, req *LinkRequest) (*Empty, error) {
	return &Empty{}, toStatus(s.kernel.UnlinkFromCollection(req.Handle, req.Collection))
}

func (s *Server) waitCollection(ctx context.Context, req *WaitCollectionRequest) (*BoolReply, error) {
	wctx, cancel := withTimeout(ctx, req.TimeoutMillis)
	defer cancel()
	if err := s.kernel.WaitCollection(wctx, req.Collection); err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return &BoolReply{}, nil
		}
		return nil, toStatus(err)
	}
	return &BoolReply{Value: true}, nil
}

func (s *Server) releaseCollection(_ context.Context, req *CollectionRequest) (*Empty, error) {
	return &Empty{}, toStatus(s.kernel.ReleaseCollection(req.Collection))
}

func (s *Server) channels(_ context.Context, req *ChannelsRequest) (*ChannelsReply, error) {
	list, err := s.kernel.Channels(req.OwnerGlob)
	if err != nil {
		return nil, toStatus(err)
	}
	if list == nil {
		list = []channel.ChannelInfo{}
	}
	return &ChannelsReply{Channels: list}, nil
}

func (s *Server) stats(context.Context, *Empty) (*abi.Stats, error) {
	st := s.kernel.Stats()
	return &st, nil
}

func (s *Server) operations(context.Context, *Empty) (*OperationsReply, error) {
	return &OperationsReply{Operations: abi.Operations()}, nil
}

// events streams diagnostic events until the client goes away
func (s *Server) events(req *EventsRequest, stream grpc.ServerStream) error {
	if s.opts.Events == nil {
		return status.Error(codes.Unimplemented, "event stream not configured")
	}
	want := make(map[tracing.EventKind]bool, len(req.Kinds))
	for _, k := range req.Kinds {
		want[k] = true
	}

	events, cancel := s.opts.Events.Subscribe(req.Buffer)
	defer cancel()
	ctx := stream.Context()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if len(want) > 0 && !want[ev.Kind] {
				continue
			}
			if err := stream.SendMsg(&ev); err != nil {
				s.logger.Debug("Event stream closed", zap.Error(err))
				return err
			}
		}
	}
}
