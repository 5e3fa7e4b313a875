package channel

import "github.com/GriffinCanCode/AgentOS/channels/internal/kernel/heap"

// LinkKind says how an endpoint reaches its peer's block.
type LinkKind uint8

const (
	LinkNone LinkKind = iota
	// LinkDirect aliases the peer's real block.
	LinkDirect
	// LinkProxied is a copy in the endpoint's own heap; writes reach the
	// peer through the update log.
	LinkProxied
)

// String returns the string representation of the link kind
func (k LinkKind) String() string {
	switch k {
	case LinkDirect:
		return "direct"
	case LinkProxied:
		return "proxied"
	default:
		return "none"
	}
}

// PeerLink is an endpoint's handle on its peer's memory.
type PeerLink struct {
	Kind  LinkKind
	Alloc *heap.Allocation
}

// LinkAction is what a move does to one side's link.
type LinkAction uint8

const (
	LinkKeep LinkAction = iota
	LinkToDirect
	LinkToProxy
)

func (a LinkAction) String() string {
	switch a {
	case LinkToDirect:
		return "direct"
	case LinkToProxy:
		return "proxy"
	default:
		return "keep"
	}
}

// planMove decides both sides' link actions when the moving endpoint's block
// changes heap (relocated) and ends up colocated with its peer or not.
//
// A direct link held by the mover lives in the old heap, so relocation always
// rebuilds it. The peer's direct link aliases the mover's old block, so it is
// rebuilt on relocation too. The peer's proxy is a copy in the peer's own heap
// and survives any move that leaves the pair apart.
func planMove(self, peer LinkKind, colocated, relocated bool) (selfAct, peerAct LinkAction) {
	if colocated {
		selfAct, peerAct = LinkToDirect, LinkToDirect
		if self == LinkDirect && !relocated {
			selfAct = LinkKeep
		}
		if peer == LinkDirect && !relocated {
			peerAct = LinkKeep
		}
		return selfAct, peerAct
	}

	selfAct, peerAct = LinkToProxy, LinkToProxy
	if self == LinkProxied && !relocated {
		selfAct = LinkKeep
	}
	if peer == LinkProxied {
		peerAct = LinkKeep
	}
	return selfAct, peerAct
}
