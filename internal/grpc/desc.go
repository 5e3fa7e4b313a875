package grpc

import (
	"context"

	"google.golang.org/grpc"

	"github.com/GriffinCanCode/AgentOS/channels/internal/abi"
)

// Remote method names not taken from the ABI table
const (
	MethodListProcesses = "ListProcesses"
	MethodIdentity      = "Identity"
	MethodDescribe      = "Describe"
	MethodChannels      = "Channels"
	MethodStats         = "Stats"
	MethodOperations    = "Operations"
	MethodEvents        = "Events"
)

// FullMethod returns the wire name of method
func FullMethod(method string) string {
	return "/" + ServiceName + "/" + method
}

// unary builds a MethodDesc the way generated code does: decode, then run
// through the interceptor chain if there is one.
func unary[Req, Resp any](name string, call func(*Server, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			s := srv.(*Server)
			if interceptor == nil {
				return call(s, ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: FullMethod(name)}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(s, ctx, req.(*Req))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

func eventsHandler(srv any, stream grpc.ServerStream) error {
	in := new(EventsRequest)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(*Server).events(in, stream)
}

// ServiceDesc describes the channel ABI service
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ABIServer)(nil),
	Methods: []grpc.MethodDesc{
		unary(abi.OpCreateProcess, (*Server).createProcess),
		unary(MethodListProcesses, (*Server).listProcesses),
		unary(abi.OpAllocateEndpoint, (*Server).allocateEndpoint),
		unary(abi.OpConnect, (*Server).connect),
		unary(abi.OpDispose, handleCall((*abi.Kernel).Dispose)),
		unary(abi.OpFree, handleCall((*abi.Kernel).Free)),
		unary(abi.OpClose, handleCall((*abi.Kernel).Close)),
		unary(abi.OpClosed, boolCall((*abi.Kernel).Closed)),
		unary(abi.OpPeerClosed, boolCall((*abi.Kernel).PeerClosed)),
		unary(abi.OpNotifyPeer, handleCall((*abi.Kernel).NotifyPeer)),
		unary(abi.OpWait, (*Server).wait),
		unary(abi.OpTryWait, (*Server).tryWait),
		unary(abi.OpAcceptUpdates, (*Server).acceptUpdates),
		unary(abi.OpGetPeer, (*Server).getPeer),
		unary(abi.OpBeginUpdate, (*Server).beginUpdate),
		unary(abi.OpMarshallPointer, (*Server).marshallPointer),
		unary(abi.OpEndUpdate, handleCall((*abi.Kernel).EndUpdate)),
		unary(abi.OpAbortUpdate, handleCall((*abi.Kernel).AbortUpdate)),
		unary(abi.OpSend, (*Server).send),
		unary(abi.OpWritePeer, (*Server).writePeer),
		unary(abi.OpReadSelf, (*Server).readSelf),
		unary(abi.OpAllocateBlock, (*Server).allocateBlock),
		unary(abi.OpWriteBlock, (*Server).writeBlock),
		unary(abi.OpReadBlock, (*Server).readBlock),
		unary(abi.OpFreeBlock, (*Server).freeBlock),
		unary(abi.OpAttachBlock, (*Server).attachBlock),
		unary(abi.OpDetachBlock, (*Server).detachBlock),
		unary(abi.OpMoveEndpoint, (*Server).moveEndpoint),
		unary(abi.OpTransferBlockOwnership, (*Server).transferBlock),
		unary(abi.OpTransferContentOwnership, (*Server).transferContent),
		unary(abi.OpNewCollection, (*Server).newCollection),
		unary(abi.OpLinkIntoCollection, (*Server).linkIntoCollection),
		unary(abi.OpUnlinkFromCollection, (*Server).unlinkFromCollection),
		unary(abi.OpWaitCollection, (*Server).waitCollection),
		unary(abi.OpReleaseCollection, (*Server).releaseCollection),
		unary(MethodIdentity, (*Server).identity),
		unary(MethodDescribe, (*Server).describe),
		unary(MethodChannels, (*Server).channels),
		unary(MethodStats, (*Server).stats),
		unary(MethodOperations, (*Server).operations),
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    MethodEvents,
			Handler:       eventsHandler,
			ServerStreams: true,
		},
	},
	Metadata: "channel_abi",
}
