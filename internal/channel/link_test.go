package channel

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPlanMove(t *testing.T) {
	tests := []struct {
		name                 string
		self, peer           LinkKind
		colocated, relocated bool
		wantSelf, wantPeer   LinkAction
	}{
		{"relabel in place", LinkDirect, LinkDirect, true, false, LinkKeep, LinkKeep},
		{"into a new shared heap", LinkDirect, LinkDirect, true, true, LinkToDirect, LinkToDirect},
		{"join the peer's heap", LinkProxied, LinkProxied, true, true, LinkToDirect, LinkToDirect},
		{"leave the peer's heap", LinkDirect, LinkDirect, false, true, LinkToProxy, LinkToProxy},
		{"between two foreign heaps", LinkProxied, LinkProxied, false, true, LinkToProxy, LinkKeep},
		{"owner change while apart", LinkProxied, LinkProxied, false, false, LinkKeep, LinkKeep},
		{"policy forces proxies in place", LinkDirect, LinkDirect, false, false, LinkToProxy, LinkToProxy},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			self, peer := planMove(tt.self, tt.peer, tt.colocated, tt.relocated)
			assert.Equal(t, tt.wantSelf, self, "self")
			assert.Equal(t, tt.wantPeer, peer, "peer")
		})
	}
}

func TestColocationPolicy(t *testing.T) {
	f := newFixture(t, Options{})

	assert.True(t, ColocationByHeap.Colocated(f.h1, f.h1))
	assert.False(t, ColocationByHeap.Colocated(f.h1, f.h2))
	assert.False(t, ColocationByHeap.Colocated(nil, nil))
	assert.True(t, ColocationAlways.Colocated(f.h1, f.h2))

	p, err := ParseColocation("always")
	assert.NoError(t, err)
	assert.Equal(t, ColocationAlways, p)
	assert.Equal(t, "always", p.String())

	p, err = ParseColocation("")
	assert.NoError(t, err)
	assert.Equal(t, ColocationByHeap, p)

	_, err = ParseColocation("sometimes")
	assert.Error(t, err)
}
