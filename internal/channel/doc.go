/*
Package channel implements the kernel side of bidirectional message channels.

# Overview

A channel is two endpoints. Each endpoint has a user-visible block in its
owner's heap and a kernel-private Trusted structure taken from the
registry's slab. Callers only ever hold an Endpoint handle; a handle whose
structure has been released fails with ErrStaleEndpoint.

	export (channel id +n) <----> import (channel id -n)

# Links

An endpoint reaches its peer's block through a PeerLink:

  - direct: both blocks are in one heap, so the link aliases the peer block
    and writes are visible immediately.
  - proxied: the blocks are apart; the link is a copy in the endpoint's own
    heap and BeginUpdate/MarshallPointer/EndUpdate carry writes across
    through a lock-free update log in the kernel heap.

MoveEndpoint rebuilds both sides' links whenever a block changes heap.

# Lifecycle

	Uninitialized --Connect--> Connected --Dispose--> Closed --Free--> (released
	                                                                when both sides
	                                                                are freed)

Each trusted structure carries two references after Connect, one per Free.
The Free that drops the last one releases the update log and the message
event and returns the structure to the slab.

# Faults

Usage and exhaustion faults come back as *Fault errors. Consistency faults
mean the registry's own bookkeeping is corrupt; they are logged and raised
with panic(*Fault).
*/
package channel
