package abi

import "slices"

// Operation describes one ABI entry point. Callers running where allocation
// or blocking is forbidden consult MayAllocate and MayBlock before calling.
type Operation struct {
	Name        string `json:"name"`
	MayAllocate bool   `json:"may_allocate"`
	MayBlock    bool   `json:"may_block"`
}

// ABI operation names. They double as metric labels and gRPC method names.
const (
	OpCreateProcess            = "CreateProcess"
	OpAllocateEndpoint         = "AllocateEndpoint"
	OpConnect                  = "Connect"
	OpDispose                  = "Dispose"
	OpFree                     = "Free"
	OpClose                    = "Close"
	OpClosed                   = "Closed"
	OpPeerClosed               = "PeerClosed"
	OpNotifyPeer               = "NotifyPeer"
	OpWait                     = "Wait"
	OpTryWait                  = "TryWait"
	OpAcceptUpdates            = "AcceptUpdates"
	OpGetPeer                  = "GetPeer"
	OpBeginUpdate              = "BeginUpdate"
	OpMarshallPointer          = "MarshallPointer"
	OpEndUpdate                = "EndUpdate"
	OpAbortUpdate              = "AbortUpdate"
	OpNewCollection            = "NewCollection"
	OpLinkIntoCollection       = "LinkIntoCollection"
	OpUnlinkFromCollection     = "UnlinkFromCollection"
	OpWaitCollection           = "WaitCollection"
	OpReleaseCollection        = "ReleaseCollection"
	OpTransferBlockOwnership   = "TransferBlockOwnership"
	OpTransferContentOwnership = "TransferContentOwnership"
	OpMoveEndpoint             = "MoveEndpoint"
	OpGetChannelID             = "GetChannelID"
	OpGetOwnerProcessID        = "GetOwnerProcessID"
	OpGetPeerProcessID         = "GetPeerProcessID"
	OpGetOwnerPrincipalHandle  = "GetOwnerPrincipalHandle"
	OpGetPeerPrincipalHandle   = "GetPeerPrincipalHandle"

	OpAllocateBlock = "AllocateBlock"
	OpWriteBlock    = "WriteBlock"
	OpReadBlock     = "ReadBlock"
	OpFreeBlock     = "FreeBlock"
	OpAttachBlock   = "AttachBlock"
	OpDetachBlock   = "DetachBlock"
	OpWritePeer     = "WritePeer"
	OpReadSelf      = "ReadSelf"
	OpSend          = "Send"
)

// MarshallPointer, AcceptUpdates and Wait may allocate: a pointer crossing
// domains is copied into the kernel heap and then into the receiver's heap.
var operations = []Operation{
	{Name: OpCreateProcess, MayAllocate: true},
	{Name: OpAllocateEndpoint, MayAllocate: true},
	{Name: OpConnect, MayAllocate: true},
	{Name: OpDispose},
	{Name: OpFree},
	{Name: OpClose},
	{Name: OpClosed},
	{Name: OpPeerClosed},
	{Name: OpNotifyPeer},
	{Name: OpWait, MayAllocate: true, MayBlock: true},
	{Name: OpTryWait, MayAllocate: true},
	{Name: OpAcceptUpdates, MayAllocate: true},
	{Name: OpGetPeer},
	{Name: OpBeginUpdate},
	{Name: OpMarshallPointer, MayAllocate: true},
	{Name: OpEndUpdate},
	{Name: OpAbortUpdate, MayAllocate: true},
	{Name: OpNewCollection, MayAllocate: true},
	{Name: OpLinkIntoCollection},
	{Name: OpUnlinkFromCollection},
	{Name: OpWaitCollection, MayBlock: true},
	{Name: OpReleaseCollection},
	{Name: OpTransferBlockOwnership, MayAllocate: true},
	{Name: OpTransferContentOwnership, MayAllocate: true},
	{Name: OpMoveEndpoint, MayAllocate: true},
	{Name: OpGetChannelID},
	{Name: OpGetOwnerProcessID},
	{Name: OpGetPeerProcessID},
	{Name: OpGetOwnerPrincipalHandle},
	{Name: OpGetPeerPrincipalHandle},

	{Name: OpAllocateBlock, MayAllocate: true},
	{Name: OpWriteBlock},
	{Name: OpReadBlock},
	{Name: OpFreeBlock},
	{Name: OpAttachBlock},
	{Name: OpDetachBlock},
	{Name: OpWritePeer},
	{Name: OpReadSelf},
	{Name: OpSend, MayAllocate: true},
}

// Operations returns the contract table in declaration order
func Operations() []Operation { return slices.Clone(operations) }

// Lookup returns the contract of the named operation
func Lookup(name string) (Operation, bool) {
	i := slices.IndexFunc(operations, func(op Operation) bool { return op.Name == name })
	if i < 0 {
		return Operation{}, false
	}
	return operations[i], true
}
