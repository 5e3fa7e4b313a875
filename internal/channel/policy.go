package channel

import (
	"fmt"

	"github.com/GriffinCanCode/AgentOS/channels/internal/kernel/heap"
)

// ColocationPolicy decides when two endpoints may alias each other's memory.
type ColocationPolicy uint8

const (
	// ColocationByHeap links peers directly only when both blocks live in the same heap.
	ColocationByHeap ColocationPolicy = iota
	// ColocationAlways treats every pair as colocated: all links are direct and
	// moves reduce to relabelling owners.
	ColocationAlways
)

// Colocated applies the policy to two heaps
func (p ColocationPolicy) Colocated(a, b *heap.Heap) bool {
	if p == ColocationAlways {
		return true
	}
	return a != nil && a == b
}

// String returns the configuration spelling of the policy
func (p ColocationPolicy) String() string {
	if p == ColocationAlways {
		return "always"
	}
	return "heap"
}

// ParseColocation parses "heap" or "always"
func ParseColocation(s string) (ColocationPolicy, error) {
	switch s {
	case "", "heap":
		return ColocationByHeap, nil
	case "always":
		return ColocationAlways, nil
	default:
		return 0, fmt.Errorf("unknown colocation policy %q", s)
	}
}
