// Package abi is the stable call surface of the channel subsystem.
//
// Callers outside the kernel never hold endpoint or block pointers. Kernel
// issues integer handles for endpoints and block references for data
// blocks and resolves them on every call. Each entry point is listed in a
// static contract table recording whether it may allocate or block, so a
// caller running where either is forbidden can check before calling:
//
//	op, _ := abi.Lookup(abi.OpWait)
//	if op.MayBlock {
//		// not from an interrupt-like context
//	}
//
// Every call is timed and counted per operation and outcome. Classify maps
// errors onto the codes the gRPC and HTTP surfaces translate into their own
// status values.
package abi
