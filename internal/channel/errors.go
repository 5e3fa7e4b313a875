package channel

import (
	"errors"
	"fmt"
)

// Usage faults: the caller broke the endpoint protocol.
var (
	ErrNullEndpoint     = errors.New("null endpoint")
	ErrStaleEndpoint    = errors.New("stale endpoint handle")
	ErrSameEndpoint     = errors.New("endpoint cannot be its own peer")
	ErrAlreadyConnected = errors.New("endpoint already connected")
	ErrNotConnected     = errors.New("endpoint not connected")
	ErrAlreadyClosed    = errors.New("endpoint already closed")
	ErrNotClosed        = errors.New("endpoint not closed")
	ErrFreed            = errors.New("endpoint already freed")
	ErrTypeMismatch     = errors.New("marshalled pointer has unexpected type")
	ErrNullBlock        = errors.New("null block")
	ErrOutOfBounds      = errors.New("offset outside endpoint block")
	ErrBatchOpen        = errors.New("update batch already open")
	ErrNoBatch          = errors.New("no update batch open")
	ErrTooManyPointers  = errors.New("update carries too many pointers")
	ErrWrongHeap        = errors.New("heap does not match endpoint")
	ErrAlreadyLinked    = errors.New("endpoint already linked into a collection")
	ErrNotLinked        = errors.New("endpoint not linked into this collection")
	ErrRegistryClosed   = errors.New("registry closed")
)

// Consistency faults: the subsystem's own bookkeeping is broken.
var (
	ErrOpenChannelUnderflow = errors.New("open channel count underflow")
	ErrRefCountUnderflow    = errors.New("trusted reference count underflow")
	ErrUpdateOverflow       = errors.New("update log capacity exceeded")
	ErrOffsetRange          = errors.New("offset exceeds 16-bit range")
	ErrDoubleRelease        = errors.New("message event released twice")
)

// FaultKind classifies a Fault
type FaultKind uint8

const (
	FaultUsage FaultKind = iota + 1
	FaultConsistency
	FaultExhausted
)

// String returns the string representation of the fault kind
func (k FaultKind) String() string {
	switch k {
	case FaultUsage:
		return "usage"
	case FaultConsistency:
		return "consistency"
	case FaultExhausted:
		return "exhausted"
	default:
		return "unknown"
	}
}

// Fault is the error type of every channel operation. Consistency faults
// are never returned; they are raised with panic(*Fault).
type Fault struct {
	Kind      FaultKind
	Op        string
	ChannelID int64
	Err       error
}

func (f *Fault) Error() string {
	if f.ChannelID != 0 {
		return fmt.Sprintf("channel %d: %s: %s fault: %v", f.ChannelID, f.Op, f.Kind, f.Err)
	}
	return fmt.Sprintf("channel: %s: %s fault: %v", f.Op, f.Kind, f.Err)
}

func (f *Fault) Unwrap() error { return f.Err }

func kindOf(err error) FaultKind {
	var f *Fault
	if errors.As(err, &f) {
		return f.Kind
	}
	return 0
}

// IsUsage reports whether err is a usage fault
func IsUsage(err error) bool { return kindOf(err) == FaultUsage }

// IsExhausted reports whether err is a resource exhaustion fault
func IsExhausted(err error) bool { return kindOf(err) == FaultExhausted }
