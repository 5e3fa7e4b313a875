// Package id provides ULID-based identifiers for the channel kernel.
//
// Identifiers are:
//   - Lexicographically sortable, so logs and journals order by creation time
//   - Prefixed per type (prin_*, trace_*, span_*, evt_*, req_*)
//   - Typed, so a principal handle cannot be passed where a trace id is expected
//
// Numeric kernel identities (process ids, channel ids, event handles) live in
// their own packages; this package only covers opaque string identities.
package id

import (
	"crypto/rand"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// ============================================================================
// Type-Safe ID Wrappers
// ============================================================================

// PrincipalHandle is the opaque security token stamped on endpoints
type PrincipalHandle string

// TraceID identifies a distributed trace
type TraceID string

// SpanID identifies a span within a trace
type SpanID string

// EventID identifies one channel diagnostic event
type EventID string

// RequestID identifies an admin API request
type RequestID string

// ============================================================================
// ID Prefixes
// ============================================================================

const (
	PrincipalPrefix = "prin"
	TracePrefix     = "trace"
	SpanPrefix      = "span"
	EventPrefix     = "evt"
	RequestPrefix   = "req"
)

// NoPrincipal is the handle of a principal-less owner (unconnected endpoints)
const NoPrincipal PrincipalHandle = ""

// ============================================================================
// ULID Generator
// ============================================================================

// Generator generates ULIDs with optional prefixes
type Generator struct {
	entropy   io.Reader
	entropyMu sync.Mutex
}

var (
	defaultGenerator *Generator
	once             sync.Once
)

// Default returns the singleton generator instance
func Default() *Generator {
	once.Do(func() {
		defaultGenerator = NewGenerator()
	})
	return defaultGenerator
}

// NewGenerator creates a generator backed by crypto/rand
func NewGenerator() *Generator {
	return &Generator{entropy: ulid.Monotonic(rand.Reader, 0)}
}

// NewGeneratorWithEntropy creates a generator with a custom entropy source.
// Tests pass a seeded reader for deterministic output.
func NewGeneratorWithEntropy(entropy io.Reader) *Generator {
	return &Generator{entropy: entropy}
}

// Generate creates a new ULID
func (g *Generator) Generate() ulid.ULID {
	g.entropyMu.Lock()
	defer g.entropyMu.Unlock()

	return ulid.MustNew(ulid.Timestamp(time.Now()), g.entropy)
}

// GenerateString creates a new ULID as a string
func (g *Generator) GenerateString() string {
	return g.Generate().String()
}

// GenerateWithPrefix creates a prefixed ULID string
func (g *Generator) GenerateWithPrefix(prefix string) string {
	return fmt.Sprintf("%s_%s", prefix, g.GenerateString())
}

// ============================================================================
// Typed ID Generators
// ============================================================================

// NewPrincipalHandle generates a principal handle for a new process
func NewPrincipalHandle() PrincipalHandle {
	return PrincipalHandle(Default().GenerateWithPrefix(PrincipalPrefix))
}

// NewTraceID generates a new trace ID
func NewTraceID() TraceID {
	return TraceID(Default().GenerateWithPrefix(TracePrefix))
}

// NewSpanID generates a new span ID
func NewSpanID() SpanID {
	return SpanID(Default().GenerateWithPrefix(SpanPrefix))
}

// NewEventID generates a new event ID
func NewEventID() EventID {
	return EventID(Default().GenerateWithPrefix(EventPrefix))
}

// NewRequestID generates a new request ID
func NewRequestID() RequestID {
	return RequestID(Default().GenerateWithPrefix(RequestPrefix))
}

func (id PrincipalHandle) String() string { return string(id) }
func (id TraceID) String() string         { return string(id) }
func (id SpanID) String() string          { return string(id) }
func (id EventID) String() string         { return string(id) }
func (id RequestID) String() string       { return string(id) }

// ============================================================================
// Parsing and Validation
// ============================================================================

// IsValid checks if an ID string is a valid ULID
func IsValid(id string) bool {
	_, err := ulid.Parse(id)
	return err == nil
}

// Parse parses a ULID string
func Parse(id string) (ulid.ULID, error) {
	return ulid.Parse(id)
}

// SplitPrefixed splits "prefix_ULID" into its parts and validates the ULID.
func SplitPrefixed(s string) (string, ulid.ULID, error) {
	prefix, raw, ok := strings.Cut(s, "_")
	if !ok {
		return "", ulid.ULID{}, fmt.Errorf("id %q has no prefix", s)
	}
	u, err := ulid.Parse(raw)
	if err != nil {
		return "", ulid.ULID{}, fmt.Errorf("id %q: %w", s, err)
	}
	return prefix, u, nil
}

// Timestamp extracts the timestamp from a plain or prefixed ULID
func Timestamp(id string) (time.Time, error) {
	if strings.Contains(id, "_") {
		_, u, err := SplitPrefixed(id)
		if err != nil {
			return time.Time{}, err
		}
		return ulid.Time(u.Time()), nil
	}
	parsed, err := Parse(id)
	if err != nil {
		return time.Time{}, err
	}
	return ulid.Time(parsed.Time()), nil
}

// GenerateBatch generates multiple ULIDs under one lock
func (g *Generator) GenerateBatch(count int) []ulid.ULID {
	g.entropyMu.Lock()
	defer g.entropyMu.Unlock()

	ids := make([]ulid.ULID, count)
	now := ulid.Timestamp(time.Now())

	for i := 0; i < count; i++ {
		ids[i] = ulid.MustNew(now, g.entropy)
	}

	return ids
}
