// Package heap provides the shared-heap collaborator used by channel endpoints.
//
// A Heap models one protection domain's exchange heap. Memory lives in blocks;
// an Allocation is a reference-counted record pointing at a block. Several
// records may alias one block (Share), which is how colocated endpoints write
// straight into their peer's memory.
//
// Every record carries:
//   - the owning process id (relabelled on ownership transfer)
//   - an owner kind tag (endpoint, endpoint-peer, data)
//   - the block's type tag, checked when embedded pointers are marshalled
//
// Embedded pointer fields are kept per block, keyed by byte offset, so a
// message can carry references to other allocations across domains.
//
// Example Usage:
//
//	h := heap.New("domain-1", 1<<20)
//	a, err := h.Allocate(pid, 512, "channel.Endpoint", heap.OwnerEndpoint)
//	alias, err := h.Share(a, pid, heap.OwnerEndpointPeer, 0, a.Size())
//	last, err := h.Free(alias) // false, a still references the block
package heap
