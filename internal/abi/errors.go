package abi

import (
	"context"
	"errors"

	"github.com/GriffinCanCode/AgentOS/channels/internal/channel"
	"github.com/GriffinCanCode/AgentOS/channels/internal/kernel/event"
	"github.com/GriffinCanCode/AgentOS/channels/internal/kernel/heap"
	"github.com/GriffinCanCode/AgentOS/channels/internal/kernel/process"
	"github.com/GriffinCanCode/AgentOS/channels/internal/kernel/slab"
)

var (
	ErrInvalidHandle   = errors.New("abi: unknown endpoint handle")
	ErrInvalidBlock    = errors.New("abi: unknown block reference")
	ErrInvalidArgument = errors.New("abi: invalid argument")
	ErrClosed          = errors.New("abi: kernel closed")
)

// Code classifies an ABI error for the remote surfaces.
type Code int

const (
	CodeOK Code = iota
	CodeInvalidArgument
	CodeNotFound
	CodeFailedPrecondition
	CodeExhausted
	CodeCanceled
	CodeInternal
)

// String returns the code name used in metric labels
func (c Code) String() string {
	switch c {
	case CodeOK:
		return "ok"
	case CodeInvalidArgument:
		return "invalid_argument"
	case CodeNotFound:
		return "not_found"
	case CodeFailedPrecondition:
		return "failed_precondition"
	case CodeExhausted:
		return "exhausted"
	case CodeCanceled:
		return "canceled"
	default:
		return "internal"
	}
}

// Classify maps err onto a Code. Sentinels are checked before fault kinds so a
// stale handle is NotFound even though the channel reports it as a usage fault.
func Classify(err error) Code {
	switch {
	case err == nil:
		return CodeOK
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return CodeCanceled
	case errors.Is(err, ErrInvalidHandle),
		errors.Is(err, ErrInvalidBlock),
		errors.Is(err, process.ErrNotFound),
		errors.Is(err, event.ErrInvalidHandle),
		errors.Is(err, event.ErrReleased),
		errors.Is(err, channel.ErrStaleEndpoint),
		errors.Is(err, channel.ErrFreed):
		return CodeNotFound
	case channel.IsExhausted(err),
		errors.Is(err, heap.ErrOutOfMemory),
		errors.Is(err, slab.ErrExhausted):
		return CodeExhausted
	case errors.Is(err, ErrInvalidArgument),
		errors.Is(err, channel.ErrNullEndpoint),
		errors.Is(err, channel.ErrSameEndpoint),
		errors.Is(err, channel.ErrNullBlock),
		errors.Is(err, channel.ErrOutOfBounds),
		errors.Is(err, channel.ErrTypeMismatch),
		errors.Is(err, channel.ErrTooManyPointers),
		errors.Is(err, heap.ErrOutOfRange),
		errors.Is(err, heap.ErrInvalidSize),
		errors.Is(err, heap.ErrNilAllocation),
		errors.Is(err, process.ErrNilHeap):
		return CodeInvalidArgument
	case channel.IsUsage(err),
		errors.Is(err, process.ErrDuplicated),
		errors.Is(err, process.ErrKernel),
		errors.Is(err, ErrClosed):
		return CodeFailedPrecondition
	default:
		return CodeInternal
	}
}
