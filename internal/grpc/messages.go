package grpc

import (
	"github.com/GriffinCanCode/AgentOS/channels/internal/abi"
	"github.com/GriffinCanCode/AgentOS/channels/internal/channel"
	"github.com/GriffinCanCode/AgentOS/channels/internal/infrastructure/tracing"
	"github.com/GriffinCanCode/AgentOS/channels/internal/kernel/heap"
	"github.com/GriffinCanCode/AgentOS/channels/internal/shared/id"
)

// Empty is the request or reply of calls carrying nothing
type Empty struct{}

type CreateProcessRequest struct {
	Name         string `json:"name"`
	ColocateWith string `json:"colocate_with,omitempty"`
}

type ProcessRequest struct {
	PID heap.ProcessID `json:"pid"`
}

type HandleRequest struct {
	Handle abi.Handle `json:"handle"`
}

type HandleReply struct {
	Handle abi.Handle `json:"handle"`
}

type ConnectRequest struct {
	Import abi.Handle `json:"import"`
	Export abi.Handle `json:"export"`
}

type BoolReply struct {
	Value bool `json:"value"`
}

type CountReply struct {
	Count int `json:"count"`
}

// WaitRequest bounds a remote wait. Zero waits until the call's own deadline.
type WaitRequest struct {
	Handle        abi.Handle `json:"handle"`
	TimeoutMillis int64      `json:"timeout_ms,omitempty"`
}

// WaitReply reports whether the endpoint was signalled before the timeout
type WaitReply struct {
	Signalled bool `json:"signalled"`
	Applied   int  `json:"applied"`
}

type BeginUpdateRequest struct {
	Handle    abi.Handle `json:"handle"`
	MsgOffset int        `json:"msg_offset"`
	Size      int        `json:"size"`
	TagOffset int        `json:"tag_offset"`
}

type MarshallRequest struct {
	Handle      abi.Handle `json:"handle"`
	FieldOffset int        `json:"field_offset"`
	Type        string     `json:"type"`
}

type SendRequest struct {
	Handle  abi.Handle  `json:"handle"`
	Message abi.Message `json:"message"`
}

type WritePeerRequest struct {
	Handle abi.Handle `json:"handle"`
	Offset int        `json:"offset"`
	Data   []byte     `json:"data"`
}

type ReadSelfRequest struct {
	Handle abi.Handle `json:"handle"`
	Offset int        `json:"offset"`
	Length int        `json:"length"`
}

type DataReply struct {
	Data []byte `json:"data"`
}

type AllocateBlockRequest struct {
	PID  heap.ProcessID `json:"pid"`
	Size int            `json:"size"`
	Type string         `json:"type"`
}

type BlockRequest struct {
	Block abi.BlockRef `json:"block"`
}

type BlockReply struct {
	Block abi.BlockRef `json:"block"`
}

type WriteBlockRequest struct {
	Block  abi.BlockRef `json:"block"`
	Offset int          `json:"offset"`
	Data   []byte       `json:"data"`
}

type ReadBlockRequest struct {
	Block  abi.BlockRef `json:"block"`
	Offset int          `json:"offset"`
	Length int          `json:"length"`
}

type AttachBlockRequest struct {
	Handle      abi.Handle   `json:"handle"`
	FieldOffset int          `json:"field_offset"`
	Block       abi.BlockRef `json:"block"`
}

type DetachBlockRequest struct {
	Handle      abi.Handle `json:"handle"`
	FieldOffset int        `json:"field_offset"`
}

type MoveEndpointRequest struct {
	Handle abi.Handle     `json:"handle"`
	PID    heap.ProcessID `json:"pid"`
}

type TransferBlockRequest struct {
	Block  abi.BlockRef `json:"block"`
	Target abi.Handle   `json:"target"`
}

type TransferContentRequest struct {
	Source abi.Handle `json:"source"`
	Target abi.Handle `json:"target"`
}

// IdentityReply bundles the identity getters of one endpoint. Peer fields
// are zero for an unconnected endpoint.
type IdentityReply struct {
	ChannelID      int64              `json:"channel_id"`
	Owner          heap.ProcessID     `json:"owner_pid"`
	Peer           heap.ProcessID     `json:"peer_pid"`
	OwnerPrincipal id.PrincipalHandle `json:"owner_principal"`
	PeerPrincipal  id.PrincipalHandle `json:"peer_principal,omitempty"`
	Connected      bool               `json:"connected"`
}

type CollectionRequest struct {
	Collection abi.Collection `json:"collection"`
}

type CollectionReply struct {
	Collection abi.Collection `json:"collection"`
}

type LinkRequest struct {
	Handle     abi.Handle     `json:"handle"`
	Collection abi.Collection `json:"collection"`
}

type WaitCollectionRequest struct {
	Collection    abi.Collection `json:"collection"`
	TimeoutMillis int64          `json:"timeout_ms,omitempty"`
}

type ChannelsRequest struct {
	OwnerGlob string `json:"owner_glob,omitempty"`
}

type ChannelsReply struct {
	Channels []channel.ChannelInfo `json:"channels"`
}

type ProcessesReply struct {
	Processes []abi.ProcessInfo `json:"processes"`
}

type OperationsReply struct {
	Operations []abi.Operation `json:"operations"`
}

// EventsRequest opens an event stream. Empty Kinds streams every kind.
type EventsRequest struct {
	Kinds  []tracing.EventKind `json:"kinds,omitempty"`
	Buffer int                 `json:"buffer,omitempty"`
}
