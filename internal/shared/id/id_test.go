package id

import (
	"math/rand"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateUnique(t *testing.T) {
	gen := NewGenerator()

	assert.NotEqual(t, gen.Generate(), gen.Generate())
	assert.Len(t, gen.GenerateString(), 26)
}

func TestTypedIDPrefixes(t *testing.T) {
	ids := map[string]string{
		PrincipalPrefix: NewPrincipalHandle().String(),
		TracePrefix:     NewTraceID().String(),
		SpanPrefix:      NewSpanID().String(),
		EventPrefix:     NewEventID().String(),
		RequestPrefix:   NewRequestID().String(),
	}

	for prefix, s := range ids {
		got, u, err := SplitPrefixed(s)
		require.NoError(t, err, s)
		assert.Equal(t, prefix, got)
		assert.Len(t, u.String(), 26)
	}
}

func TestSplitPrefixedRejects(t *testing.T) {
	for _, s := range []string{"", "noprefix", "prin_notaulid"} {
		_, _, err := SplitPrefixed(s)
		assert.Error(t, err, s)
	}
}

func TestIsValid(t *testing.T) {
	assert.True(t, IsValid(NewGenerator().GenerateString()))

	for _, s := range []string{"", "invalid", "1234567890", "zzzzzzzzzzzzzzzzzzzzzzzzzzz"} {
		assert.False(t, IsValid(s), s)
	}
}

func TestTimestamp(t *testing.T) {
	before := time.Now().UnixMilli()
	plain := NewGenerator().GenerateString()
	prefixed := NewPrincipalHandle().String()
	after := time.Now().UnixMilli()

	for _, s := range []string{plain, prefixed} {
		ts, err := Timestamp(s)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, ts.UnixMilli(), before)
		assert.LessOrEqual(t, ts.UnixMilli(), after)
	}
}

func TestDeterministicEntropy(t *testing.T) {
	g1 := NewGeneratorWithEntropy(rand.New(rand.NewSource(42)))
	g2 := NewGeneratorWithEntropy(rand.New(rand.NewSource(42)))

	a := g1.Generate()
	b := g2.Generate()
	assert.Equal(t, a.Entropy(), b.Entropy())
}

func TestGenerateBatch(t *testing.T) {
	ids := NewGenerator().GenerateBatch(100)
	require.Len(t, ids, 100)

	seen := make(map[string]bool)
	for _, u := range ids {
		assert.False(t, seen[u.String()])
		seen[u.String()] = true
	}
}

func TestConcurrentGeneration(t *testing.T) {
	gen := NewGenerator()

	const goroutines = 50
	const perGoroutine = 100

	var wg sync.WaitGroup
	out := make(chan string, goroutines*perGoroutine)
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perGoroutine; j++ {
				out <- gen.GenerateWithPrefix(PrincipalPrefix)
			}
		}()
	}
	wg.Wait()
	close(out)

	seen := make(map[string]bool)
	for s := range out {
		assert.True(t, strings.HasPrefix(s, "prin_"))
		assert.False(t, seen[s], "duplicate %s", s)
		seen[s] = true
	}
	assert.Len(t, seen, goroutines*perGoroutine)
}

func TestDefaultGenerator(t *testing.T) {
	assert.Same(t, Default(), Default())
}

func BenchmarkGenerateWithPrefix(b *testing.B) {
	gen := NewGenerator()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = gen.GenerateWithPrefix(PrincipalPrefix)
	}
}
